package http

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	wsAdapter "github.com/lorrc/marketplace-realtime/internal/adapters/primary/websocket"
	"github.com/lorrc/marketplace-realtime/internal/auth"
	"github.com/lorrc/marketplace-realtime/internal/config"
	"github.com/lorrc/marketplace-realtime/internal/core/ports"
)

// WebSocketHandler handles WebSocket connection upgrades
type WebSocketHandler struct {
	hub          *wsAdapter.Hub
	relay        ports.EventRelay
	tm           *auth.TokenManager
	upgrader     websocket.Upgrader
	clientConfig wsAdapter.ClientConfig
	requireAuth  bool
	logger       *slog.Logger
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(
	hub *wsAdapter.Hub,
	relay ports.EventRelay,
	tm *auth.TokenManager,
	cfg *config.Config,
	logger *slog.Logger,
) *WebSocketHandler {
	handler := &WebSocketHandler{
		hub:         hub,
		relay:       relay,
		tm:          tm,
		requireAuth: cfg.WebSocket.RequireAuth,
		logger:      logger.With("handler", "websocket"),
		clientConfig: wsAdapter.ClientConfig{
			WriteWait:       cfg.WebSocket.WriteWait,
			PongWait:        cfg.WebSocket.PongWait,
			PingPeriod:      cfg.WebSocket.PingInterval,
			MaxMessageSize:  cfg.WebSocket.MaxMessageSize,
			SendBuffer:      cfg.WebSocket.SendBuffer,
			EventsPerSecond: cfg.WebSocket.EventsPerSecond,
			EventBurst:      cfg.WebSocket.EventBurst,
		},
	}

	handler.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.WebSocket.ReadBufferSize,
		WriteBufferSize: cfg.WebSocket.WriteBufferSize,
		CheckOrigin:     handler.makeOriginChecker(cfg),
	}

	return handler
}

// makeOriginChecker creates an origin checking function based on configuration
func (h *WebSocketHandler) makeOriginChecker(cfg *config.Config) func(r *http.Request) bool {
	allowedOrigins := cfg.WebSocket.AllowedOrigins
	development := cfg.IsDevelopment()

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")

		// No origin header (same-origin request or non-browser client)
		if origin == "" {
			return true
		}

		if development {
			h.logger.Debug("allowing websocket connection in development mode",
				"origin", origin,
				"remote_addr", r.RemoteAddr,
			)
			return true
		}

		parsedOrigin, err := url.Parse(origin)
		if err != nil {
			h.logger.Warn("failed to parse websocket origin",
				"origin", origin,
				"error", err,
			)
			return false
		}

		if originAllowed(parsedOrigin.Host, allowedOrigins) {
			return true
		}

		h.logger.Warn("websocket connection rejected due to origin",
			"origin", origin,
			"remote_addr", r.RemoteAddr,
			"allowed_origins", allowedOrigins,
		)
		return false
	}
}

// originAllowed matches a host against entries such as "shop.example.com"
// and "*.example.com". A wildcard entry also matches the bare domain.
func originAllowed(host string, allowed []string) bool {
	for _, entry := range allowed {
		if strings.HasPrefix(entry, "*.") {
			if strings.HasSuffix(host, entry[1:]) || host == entry[2:] {
				return true
			}
		} else if host == entry {
			return true
		}
	}
	return false
}

// ServeHTTP handles WebSocket connection requests
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if err := h.hub.Healthy(); err != nil {
		w.Header().Set("Retry-After", "1")
		http.Error(w, "Broker is not accepting connections", http.StatusServiceUnavailable)
		return
	}

	// 1. Identify the connection. The token is optional unless required by configuration.
	userID, ok := h.identify(w, r, requestID)
	if !ok {
		return
	}

	// 2. Upgrade the connection
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade websocket connection",
			"request_id", requestID,
			"error", err,
		)
		return
	}

	// 3. Create, register and start the client
	client := wsAdapter.NewClient(h.hub, conn, h.relay, userID, h.clientConfig, h.logger)
	if err := client.Start(); err != nil {
		h.logger.Warn("closing websocket, hub unavailable",
			"request_id", requestID,
			"error", err,
		)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "broker unavailable"),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	h.logger.Info("websocket connection established",
		"request_id", requestID,
		"socket_id", client.ID,
		"authenticated", userID != nil,
		"remote_addr", r.RemoteAddr,
	)
}

func (h *WebSocketHandler) identify(w http.ResponseWriter, r *http.Request, requestID string) (*uuid.UUID, bool) {
	tokenString := r.URL.Query().Get("token")
	if tokenString == "" {
		if h.requireAuth {
			h.logger.Warn("websocket connection rejected: missing token",
				"request_id", requestID,
				"remote_addr", r.RemoteAddr,
			)
			http.Error(w, "Missing authentication token", http.StatusUnauthorized)
			return nil, false
		}
		return nil, true
	}

	claims, err := h.tm.ValidateToken(tokenString)
	if err != nil {
		h.logger.Warn("websocket connection rejected: invalid token",
			"request_id", requestID,
			"remote_addr", r.RemoteAddr,
			"error", err,
		)
		http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
		return nil, false
	}

	userID := claims.UserID
	return &userID, true
}
