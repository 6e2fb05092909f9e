package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/voicegw/audiohook-bridge/internal/websocket"
)

// AudioHookPath is the fixed path the platform connector dials.
const AudioHookPath = "/audiohook"

// InitRoutes initializes all API routes
func InitRoutes(e *echo.Echo, hub *websocket.Hub, logger *zap.Logger) {
	// Health check used by the platform to validate the connector.
	// The body is an empty JSON object.
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{})
	})

	// AudioHook WebSocket endpoint
	e.GET(AudioHookPath, func(c echo.Context) error {
		return websocket.HandleWebSocket(hub, c, logger)
	})
}
