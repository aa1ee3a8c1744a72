package http

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	mw "github.com/lorrc/marketplace-realtime/internal/adapters/primary/http/middleware"
	wsAdapter "github.com/lorrc/marketplace-realtime/internal/adapters/primary/websocket"
	"github.com/lorrc/marketplace-realtime/internal/auth"
	"github.com/lorrc/marketplace-realtime/internal/config"
	"github.com/lorrc/marketplace-realtime/internal/core/ports"
	"github.com/lorrc/marketplace-realtime/internal/metrics"
)

// RouterDeps are the components the HTTP surface is built from.
type RouterDeps struct {
	Config       *config.Config
	Logger       *slog.Logger
	TokenManager *auth.TokenManager
	Hub          *wsAdapter.Hub
	Relay        ports.EventRelay
	// RateLimiter is optional; nil disables rate limiting.
	RateLimiter *mw.RateLimiter
}

// NewRouter wires handlers and middleware into a chi router.
func NewRouter(d RouterDeps) chi.Router {
	errorHandler := NewErrorHandler(d.Logger)

	checks := map[string]HealthChecker{
		"hub": HealthCheckerFunc(func(context.Context) error { return d.Hub.Healthy() }),
	}
	if bus := d.Hub.Bus(); bus != nil {
		checks["bus"] = bus
	}

	healthHandler := NewHealthHandler(d.Config.App.Version, d.Hub, checks)
	wsHandler := NewWebSocketHandler(d.Hub, d.Relay, d.TokenManager, d.Config, d.Logger)
	notifyHandler := NewNotifyHandler(d.Relay, errorHandler, d.Config.WebSocket.MaxMessageSize, d.Logger)
	roomsHandler := NewRoomsHandler(d.Hub, errorHandler)

	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.RequestID)
	r.Use(mw.RequestLogger(d.Logger))
	r.Use(mw.RecoveryLogger(d.Logger))

	if d.RateLimiter != nil {
		r.Use(d.RateLimiter.Middleware)
	}

	healthHandler.RegisterRoutes(r)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	// Authentication is optional and handled inside the handler.
	r.Get("/ws", wsHandler.ServeHTTP)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(mw.CORS(d.Config.WebSocket.AllowedOrigins))

		r.Group(func(r chi.Router) {
			r.Use(mw.JWTMiddleware(d.TokenManager))
			r.Route("/notify", notifyHandler.RegisterRoutes)
			r.Route("/rooms", roomsHandler.RegisterRoutes)
		})
	})

	return r
}
