package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/thejerf/suture/v4"

	apperrors "github.com/lorrc/marketplace-realtime/internal/core/errors"
)

// HubRunner is satisfied by *websocket.Hub.
type HubRunner interface {
	Run(ctx context.Context) error
}

// HubService runs the hub's event loop.
type HubService struct {
	hub HubRunner
}

// NewHubService wraps a hub as a supervised service.
func NewHubService(hub HubRunner) *HubService {
	return &HubService{hub: hub}
}

// Serve implements suture.Service. A hub cannot be restarted once its loop
// has exited, so a stopped hub is reported as terminal.
func (s *HubService) Serve(ctx context.Context) error {
	err := s.hub.Run(ctx)
	if errors.Is(err, apperrors.ErrHubStopped) {
		return fmt.Errorf("%w: %w", suture.ErrDoNotRestart, err)
	}
	return err
}

func (s *HubService) String() string {
	return "websocket-hub"
}

// BusSubscriber is satisfied by *websocket.Hub.
type BusSubscriber interface {
	SubscribeBus(ctx context.Context) error
}

// BusSubscriberService feeds room bus frames into the hub. A failed
// subscription is restarted by the supervisor.
type BusSubscriberService struct {
	hub BusSubscriber
}

// NewBusSubscriberService wraps the hub's bus subscription.
func NewBusSubscriberService(hub BusSubscriber) *BusSubscriberService {
	return &BusSubscriberService{hub: hub}
}

// Serve implements suture.Service.
func (s *BusSubscriberService) Serve(ctx context.Context) error {
	if err := s.hub.SubscribeBus(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("room bus subscription: %w", err)
	}
	return ctx.Err()
}

func (s *BusSubscriberService) String() string {
	return "room-bus-subscriber"
}

// HTTPServer matches *http.Server lifecycle methods.
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPServerService runs an HTTP server and shuts it down gracefully when
// the supervisor stops.
type HTTPServerService struct {
	server          HTTPServer
	shutdownTimeout time.Duration
}

// NewHTTPServerService wraps server. A non-positive timeout means 10s.
func NewHTTPServerService(server HTTPServer, shutdownTimeout time.Duration) *HTTPServerService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPServerService{server: server, shutdownTimeout: shutdownTimeout}
}

// Serve implements suture.Service.
func (s *HTTPServerService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil

	case <-ctx.Done():
		// ctx is already canceled, so shutdown needs its own deadline.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}

		<-errCh
		return ctx.Err()
	}
}

func (s *HTTPServerService) String() string {
	return "http-server"
}
