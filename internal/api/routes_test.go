package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap/zaptest"

	"github.com/voicegw/audiohook-bridge/adapters/convai"
	"github.com/voicegw/audiohook-bridge/internal/websocket"
)

func setupRouter(t *testing.T) *echo.Echo {
	t.Helper()
	logger := zaptest.NewLogger(t)
	hub := websocket.NewHub(convai.NewMockDialer(), logger)
	go hub.Run()

	e := echo.New()
	InitRoutes(e, hub, logger)
	return e
}

func TestHealthEndpoint(t *testing.T) {
	e := setupRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rec.Code)
	}

	if body := strings.TrimSpace(rec.Body.String()); body != "{}" {
		t.Errorf("Expected empty JSON object, got '%s'", body)
	}
}

func TestAudioHookEndpoint_RejectsPlainHTTP(t *testing.T) {
	e := setupRouter(t)

	// Without an upgrade handshake the endpoint must not succeed.
	req := httptest.NewRequest(http.MethodGet, AudioHookPath, nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code == http.StatusOK {
		t.Errorf("Expected non-200 status for plain HTTP request, got %d", rec.Code)
	}
}

func TestUnknownRoute(t *testing.T) {
	e := setupRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", rec.Code)
	}
}
