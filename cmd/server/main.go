package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpAdapter "github.com/lorrc/marketplace-realtime/internal/adapters/primary/http"
	mw "github.com/lorrc/marketplace-realtime/internal/adapters/primary/http/middleware"
	"github.com/lorrc/marketplace-realtime/internal/adapters/primary/websocket"
	"github.com/lorrc/marketplace-realtime/internal/adapters/secondary/natsbus"
	"github.com/lorrc/marketplace-realtime/internal/adapters/secondary/postgres"
	"github.com/lorrc/marketplace-realtime/internal/auth"
	"github.com/lorrc/marketplace-realtime/internal/config"
	"github.com/lorrc/marketplace-realtime/internal/core/ports"
	"github.com/lorrc/marketplace-realtime/internal/core/services"
	"github.com/lorrc/marketplace-realtime/internal/infrastructure/logging"
	"github.com/lorrc/marketplace-realtime/internal/supervisor"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Initialize Structured Logger
	logger := logging.NewLogger(logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      os.Stdout,
		ServiceName: cfg.App.Name,
		Environment: cfg.App.Environment,
	})
	slog.SetDefault(logger)

	logger.Info("starting service",
		"version", cfg.App.Version,
		"environment", cfg.App.Environment,
		"config", cfg.String(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Initialize the cross-instance room bus
	bus, err := openBus(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open room bus", "driver", cfg.Bus.Driver, "error", err)
		os.Exit(1)
	}
	if bus != nil {
		defer func() {
			if err := bus.Close(); err != nil {
				logger.Warn("room bus close failed", "error", err)
			}
		}()
	}

	// 4. Initialize Real-time Components
	hubOpts := []websocket.HubOption{
		websocket.WithQueueSize(cfg.WebSocket.HubQueueSize),
		websocket.WithPublishTimeout(cfg.Bus.PublishTimeout),
	}
	if bus != nil {
		hubOpts = append(hubOpts, websocket.WithBus(bus, cfg.Bus.Driver))
	}
	hub := websocket.NewHub(logger, hubOpts...)
	relay := services.NewRelayService(hub, nil, logger, services.WithTrace(cfg.Relay.Trace))
	tokenManager := auth.NewTokenManager(cfg.JWT.Secret, cfg.JWT.AccessTokenTTL)

	// 5. Initialize Rate Limiter
	var rateLimiter *mw.RateLimiter
	if cfg.RateLimit.Enabled {
		rateLimiter = mw.NewRateLimiter(mw.RateLimiterConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			BurstSize:         cfg.RateLimit.BurstSize,
			CleanupInterval:   time.Minute,
			TTL:               3 * time.Minute,
		})
		defer rateLimiter.Stop()
	}

	// 6. Setup Router
	router := httpAdapter.NewRouter(httpAdapter.RouterDeps{
		Config:       cfg,
		Logger:       logger,
		TokenManager: tokenManager,
		Hub:          hub,
		Relay:        relay,
		RateLimiter:  rateLimiter,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// 7. Supervise the hub loop, bus subscriber and HTTP server
	tree := supervisor.NewTree(logger, supervisor.TreeConfig{
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})
	tree.AddMessagingService(supervisor.NewHubService(hub))
	if bus != nil {
		tree.AddMessagingService(supervisor.NewBusSubscriberService(hub))
	}
	tree.AddAPIService(supervisor.NewHTTPServerService(srv, cfg.Server.ShutdownTimeout))

	logger.Info("server starting", "port", cfg.Server.Port, "bus", cfg.Bus.Driver)

	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("supervisor stopped", "error", err)
		os.Exit(1)
	}

	if report, err := tree.UnstoppedServiceReport(); err == nil && len(report) > 0 {
		logger.Warn("services did not stop in time", "count", len(report))
	}

	logger.Info("server shutdown complete")
}

// openBus connects the configured room bus. It returns nil when the broker
// runs as a single instance.
func openBus(ctx context.Context, cfg *config.Config, logger *slog.Logger) (ports.RoomBus, error) {
	switch cfg.Bus.Driver {
	case config.BusDriverNATS:
		bus, err := natsbus.New(natsbus.Config{
			URL:             cfg.Bus.NATS.URL,
			SubjectPrefix:   cfg.Bus.NATS.SubjectPrefix,
			ClientName:      cfg.App.Name,
			MaxReconnects:   cfg.Bus.NATS.MaxReconnects,
			ReconnectWait:   cfg.Bus.NATS.ReconnectWait,
			BreakerFailures: cfg.Bus.NATS.BreakerFailures,
			BreakerTimeout:  cfg.Bus.NATS.BreakerTimeout,
		}, logger)
		if err != nil {
			return nil, err
		}
		return bus, nil

	case config.BusDriverPostgres:
		pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
			URL:             cfg.Bus.Postgres.URL,
			MaxConns:        cfg.Bus.Postgres.MaxConns,
			MinConns:        cfg.Bus.Postgres.MinConns,
			ConnMaxLifetime: cfg.Bus.Postgres.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.Bus.Postgres.ConnMaxIdleTime,
		})
		if err != nil {
			return nil, err
		}
		bus, err := postgres.NewRoomBus(pool, cfg.Bus.Postgres.Channel, logger)
		if err != nil {
			pool.Close()
			return nil, err
		}
		return bus, nil

	default:
		return nil, nil
	}
}
