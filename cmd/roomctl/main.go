// Command roomctl connects to the broker as a client. It can listen to
// rooms and print broadcasts, or report a single mutation.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/lorrc/marketplace-realtime/internal/client"
	"github.com/lorrc/marketplace-realtime/internal/config"
	"github.com/lorrc/marketplace-realtime/internal/infrastructure/logging"
)

const usage = `roomctl - marketplace real-time broker client

USAGE:
    roomctl listen [options]
    roomctl notify [options] <event> <json>

COMMANDS:
    listen    Join rooms and print every broadcast as a JSON line
    notify    Report one mutation (new-review, new-product,
              product-updated, product-deleted)

ENVIRONMENT:
    BROKER_URL                     Broker websocket URL
    BROKER_TOKEN                   Optional token sent with the upgrade
    BROKER_RECONNECT_DELAY         Linear backoff step (default 1s)
    BROKER_MAX_RECONNECT_ATTEMPTS  Reconnect attempts before giving up (default 5)
    BROKER_READ_TIMEOUT            Silence tolerated before reconnecting (default 75s)

Run 'roomctl <command> -h' for command options.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.LoadClient()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// Stdout carries the event stream, so logs go to stderr.
	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.Logging.Level
	logCfg.Format = "text"
	logCfg.Output = os.Stderr
	logCfg.ServiceName = "roomctl"
	logCfg.Environment = cfg.App.Environment
	logger := logging.NewLogger(logCfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch os.Args[1] {
	case "listen":
		err = cmdListen(ctx, cfg, logger, os.Args[2:], os.Stdout)
	case "notify":
		err = cmdNotify(ctx, cfg, logger, os.Args[2:])
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}

	if err != nil {
		logger.Error("roomctl failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

// clientConfig maps loaded configuration onto the connection manager.
func clientConfig(cfg *config.Config) client.Config {
	endpoint := cfg.Client.URL
	if endpoint == "" {
		endpoint = client.DefaultEndpoint(cfg.App.Environment, cfg.Client.Origin)
	}

	if cfg.Client.Token != "" {
		if u, err := url.Parse(endpoint); err == nil {
			q := u.Query()
			q.Set("token", cfg.Client.Token)
			u.RawQuery = q.Encode()
			endpoint = u.String()
		}
	}

	return client.Config{
		URL:                  endpoint,
		BaseDelay:            cfg.Client.BaseDelay,
		MaxReconnectAttempts: cfg.Client.MaxReconnectAttempts,
		DialTimeout:          cfg.Client.DialTimeout,
		ReadTimeout:          cfg.Client.ReadTimeout,
	}
}

func newFacade(cfg *config.Config, logger *slog.Logger) *client.Facade {
	return client.NewFacade(client.NewManager(clientConfig(cfg), client.WithLogger(logger)))
}
