package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/goccy/go-json"

	"github.com/lorrc/marketplace-realtime/internal/client"
	"github.com/lorrc/marketplace-realtime/internal/config"
	"github.com/lorrc/marketplace-realtime/internal/core/domain"
)

// productList collects repeated -product flags.
type productList []int64

func (p *productList) String() string {
	parts := make([]string, len(*p))
	for i, id := range *p {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

func (p *productList) Set(value string) error {
	id, err := strconv.ParseInt(value, 10, 64)
	if err != nil || id <= 0 {
		return fmt.Errorf("invalid product id %q", value)
	}
	*p = append(*p, id)
	return nil
}

type listenOptions struct {
	products productList
	catalog  bool
}

func parseListenFlags(args []string) (listenOptions, error) {
	var opts listenOptions
	fs := flag.NewFlagSet("listen", flag.ContinueOnError)
	fs.Var(&opts.products, "product", "Product id whose reviews to follow (repeatable)")
	fs.BoolVar(&opts.catalog, "catalog", false, "Follow catalog changes")

	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if len(opts.products) == 0 && !opts.catalog {
		return opts, errors.New("nothing to listen to: pass -product and/or -catalog")
	}
	return opts, nil
}

// printedEvent is one output line.
type printedEvent struct {
	Event domain.EventName `json:"event"`
	Data  any              `json:"data"`
}

// eventPrinter writes events as JSON lines. Listeners may fire from the
// read goroutine while the command is shutting down, hence the lock.
type eventPrinter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (p *eventPrinter) print(event domain.EventName, data any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.enc.Encode(printedEvent{Event: event, Data: data})
}

// subscribe joins the requested rooms inside scope and prints their events.
func subscribe(f *client.Facade, scope *client.Scope, opts listenOptions, out io.Writer) {
	printer := &eventPrinter{enc: json.NewEncoder(out)}

	if len(opts.products) > 0 {
		scope.Track(f.OnReviewAdded(func(e domain.ReviewAdded) { printer.print(domain.EventReviewAdded, e) }))
	}
	if opts.catalog {
		scope.Track(f.OnProductAdded(func(e domain.ProductChanged) { printer.print(domain.EventProductAdded, e) }))
		scope.Track(f.OnProductUpdated(func(e domain.ProductChanged) { printer.print(domain.EventProductUpdated, e) }))
		scope.Track(f.OnProductDeleted(func(e domain.ProductDeleted) { printer.print(domain.EventProductDeleted, e) }))
	}

	for _, id := range opts.products {
		scope.JoinProductRoom(id)
	}
	if opts.catalog {
		scope.JoinProductsRoom()
	}
}

func cmdListen(ctx context.Context, cfg *config.Config, logger *slog.Logger, args []string, out io.Writer) error {
	opts, err := parseListenFlags(args)
	if err != nil {
		return err
	}

	f := newFacade(cfg, logger)
	m := f.Manager()
	defer m.Disconnect()

	// Rooms are not rejoined by the manager, so every new connection
	// gets a fresh scope.
	var (
		mu    sync.Mutex
		scope *client.Scope
	)
	m.OnStateChange(func(s client.State) {
		mu.Lock()
		defer mu.Unlock()

		switch s {
		case client.StateConnected:
			scope = f.NewScope()
			subscribe(f, scope, opts, out)
			logger.Info("listening", "products", opts.products.String(), "catalog", opts.catalog)
		case client.StateDisconnected, client.StateClosed:
			if scope != nil {
				scope.Close()
				scope = nil
			}
		}
	})

	m.Connect(ctx)

	select {
	case <-ctx.Done():
		return nil
	case <-m.Done():
		return errors.New("broker unreachable, reconnect attempts exhausted")
	}
}
