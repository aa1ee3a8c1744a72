package http

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	stdhttp "net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	wsAdapter "github.com/lorrc/marketplace-realtime/internal/adapters/primary/websocket"
	"github.com/lorrc/marketplace-realtime/internal/auth"
	"github.com/lorrc/marketplace-realtime/internal/config"
	"github.com/lorrc/marketplace-realtime/internal/core/domain"
	"github.com/lorrc/marketplace-realtime/internal/core/services"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	return &config.Config{
		WebSocket: config.WebSocketConfig{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			PingInterval:    54 * time.Second,
			PongWait:        60 * time.Second,
			WriteWait:       10 * time.Second,
			MaxMessageSize:  4096,
			SendBuffer:      64,
			EventsPerSecond: 100,
			EventBurst:      100,
		},
		App: config.AppConfig{Version: "test", Environment: "development"},
	}
}

type testServer struct {
	server *httptest.Server
	hub    *wsAdapter.Hub
	tm     *auth.TokenManager
	stop   context.CancelFunc
	done   chan struct{}
}

func startServer(t *testing.T, cfg *config.Config) *testServer {
	t.Helper()
	logger := discardLogger()
	hub := wsAdapter.NewHub(logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = hub.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return hub.Healthy() == nil }, time.Second, 5*time.Millisecond)

	tm := auth.NewTokenManager("test-secret", time.Hour)
	router := NewRouter(RouterDeps{
		Config:       cfg,
		Logger:       logger,
		TokenManager: tm,
		Hub:          hub,
		Relay:        services.NewRelayService(hub, nil, logger),
	})

	ts := &testServer{server: httptest.NewServer(router), hub: hub, tm: tm, stop: cancel, done: done}
	t.Cleanup(func() {
		ts.server.Close()
		cancel()
		<-done
	})
	return ts
}

func (s *testServer) token(t *testing.T) string {
	t.Helper()
	token, err := s.tm.GenerateToken(uuid.New())
	require.NoError(t, err)
	return token
}

func (s *testServer) wsURL(query string) string {
	u := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/ws"
	if query != "" {
		u += "?" + query
	}
	return u
}

func (s *testServer) post(t *testing.T, path, token, body string) *stdhttp.Response {
	t.Helper()
	req, err := stdhttp.NewRequest(stdhttp.MethodPost, s.server.URL+path, bytes.NewBufferString(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := stdhttp.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (s *testServer) get(t *testing.T, path, token string) *stdhttp.Response {
	t.Helper()
	req, err := stdhttp.NewRequest(stdhttp.MethodGet, s.server.URL+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := stdhttp.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) domain.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	frame, err := domain.DecodeFrame(raw)
	require.NoError(t, err)
	return frame
}

func TestNotify_BroadcastsToCatalogRoom(t *testing.T) {
	srv := startServer(t, testConfig())
	conn := dial(t, srv.wsURL(""))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"join-products"}`)))
	require.Eventually(t, func() bool { return srv.hub.RoomSize(domain.CatalogRoom) == 1 }, 2*time.Second, 10*time.Millisecond)

	resp := srv.post(t, "/api/v1/notify/new-product", srv.token(t), `{"product":{"id":12,"title":"Starter kit"}}`)
	assert.Equal(t, stdhttp.StatusAccepted, resp.StatusCode)

	frame := readFrame(t, conn)
	assert.Equal(t, domain.EventProductAdded, frame.Event)

	var added domain.ProductChanged
	require.NoError(t, json.Unmarshal(frame.Data, &added))
	assert.Equal(t, int64(12), added.Product.ID)
	assert.Equal(t, "Starter kit", added.Product.Title)
	assert.NotEmpty(t, added.Timestamp)
}

func TestNotify_Errors(t *testing.T) {
	srv := startServer(t, testConfig())
	token := srv.token(t)

	tests := []struct {
		name   string
		path   string
		token  string
		body   string
		status int
		code   string
	}{
		{"missing token", "/api/v1/notify/new-product", "", `{}`, stdhttp.StatusUnauthorized, "UNAUTHORIZED"},
		{"membership event", "/api/v1/notify/join-products", token, ``, stdhttp.StatusNotFound, "NOT_FOUND"},
		{"unknown event", "/api/v1/notify/product-archived", token, `{}`, stdhttp.StatusNotFound, "NOT_FOUND"},
		{"empty body", "/api/v1/notify/product-deleted", token, ``, stdhttp.StatusUnprocessableEntity, "VALIDATION_ERROR"},
		{"malformed json", "/api/v1/notify/product-deleted", token, `{"productId":`, stdhttp.StatusUnprocessableEntity, "VALIDATION_ERROR"},
		{"invalid review", "/api/v1/notify/new-review", token, `{"productId":3,"review":{"id":"r1","rating":9,"user_id":"u"}}`, stdhttp.StatusUnprocessableEntity, "VALIDATION_ERROR"},
		{"body too large", "/api/v1/notify/new-product", token, `{"product":{"id":1,"title":"` + strings.Repeat("x", 5000) + `"}}`, stdhttp.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := srv.post(t, tt.path, tt.token, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)

			var body ErrorResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Equal(t, tt.code, body.Code)
		})
	}
}

func TestRooms(t *testing.T) {
	srv := startServer(t, testConfig())
	token := srv.token(t)
	conn := dial(t, srv.wsURL(""))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"join-product","data":42}`)))
	require.Eventually(t, func() bool { return srv.hub.RoomSize(domain.ProductRoom(42)) == 1 }, 2*time.Second, 10*time.Millisecond)

	resp := srv.get(t, "/api/v1/rooms/product-42", token)
	require.Equal(t, stdhttp.StatusOK, resp.StatusCode)
	var single struct {
		Data RoomResponse `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&single))
	assert.Equal(t, RoomResponse{Room: "product-42", Members: 1}, single.Data)

	resp = srv.get(t, "/api/v1/rooms/products", token)
	require.Equal(t, stdhttp.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&single))
	assert.Equal(t, 0, single.Data.Members)

	resp = srv.get(t, "/api/v1/rooms/lobby", token)
	assert.Equal(t, stdhttp.StatusBadRequest, resp.StatusCode)

	resp = srv.get(t, "/api/v1/rooms/", token)
	require.Equal(t, stdhttp.StatusOK, resp.StatusCode)
	var list ListResponse[RoomResponse]
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.Equal(t, []RoomResponse{{Room: "product-42", Members: 1}}, list.Data)
}

func TestWebSocket_Authentication(t *testing.T) {
	cfg := testConfig()
	cfg.WebSocket.RequireAuth = true
	srv := startServer(t, cfg)

	_, resp, err := websocket.DefaultDialer.Dial(srv.wsURL(""), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, stdhttp.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(srv.wsURL("token=forged"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, stdhttp.StatusUnauthorized, resp.StatusCode)

	dial(t, srv.wsURL("token="+srv.token(t)))
	require.Eventually(t, func() bool { return srv.hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocket_OriginCheck(t *testing.T) {
	cfg := testConfig()
	cfg.App.Environment = "production"
	cfg.WebSocket.AllowedOrigins = []string{"shop.example.com"}
	srv := startServer(t, cfg)

	header := stdhttp.Header{"Origin": []string{"https://evil.example.org"}}
	_, resp, err := websocket.DefaultDialer.Dial(srv.wsURL(""), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, stdhttp.StatusForbidden, resp.StatusCode)

	header = stdhttp.Header{"Origin": []string{"https://shop.example.com"}}
	conn, resp, err := websocket.DefaultDialer.Dial(srv.wsURL(""), header)
	require.NoError(t, err)
	_ = resp.Body.Close()
	_ = conn.Close()
}

func TestOriginAllowed(t *testing.T) {
	allowed := []string{"shop.example.com", "*.cdn.example.net"}

	assert.True(t, originAllowed("shop.example.com", allowed))
	assert.True(t, originAllowed("eu.cdn.example.net", allowed))
	assert.True(t, originAllowed("cdn.example.net", allowed))
	assert.False(t, originAllowed("example.com", allowed))
	assert.False(t, originAllowed("shop.example.com.evil.org", allowed))
}

func TestHealth(t *testing.T) {
	srv := startServer(t, testConfig())

	resp := srv.get(t, "/health/live", "")
	assert.Equal(t, stdhttp.StatusOK, resp.StatusCode)

	resp = srv.get(t, "/health/ready", "")
	require.Equal(t, stdhttp.StatusOK, resp.StatusCode)
	var ready HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ready))
	assert.Equal(t, "healthy", ready.Status)
	assert.Equal(t, "healthy", ready.Checks["hub"].Status)
	assert.NotContains(t, ready.Checks, "bus")

	srv.stop()
	<-srv.done

	resp = srv.get(t, "/health/ready", "")
	assert.Equal(t, stdhttp.StatusServiceUnavailable, resp.StatusCode)

	resp = srv.get(t, "/health", "")
	assert.Equal(t, stdhttp.StatusServiceUnavailable, resp.StatusCode)

	_, resp, err := websocket.DefaultDialer.Dial(srv.wsURL(""), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, stdhttp.StatusServiceUnavailable, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := startServer(t, testConfig())

	resp := srv.get(t, "/metrics", "")
	require.Equal(t, stdhttp.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "websocket_connections")
}

func TestRequestIDHeader(t *testing.T) {
	srv := startServer(t, testConfig())

	resp := srv.get(t, "/health/live", "")
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}
