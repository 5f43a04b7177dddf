package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// Pinger checks the credential store.
type Pinger interface {
	Ping(ctx context.Context) error
}

const defaultPingTimeout = 2 * time.Second

// HTTP serves liveness and readiness checks.
type HTTP struct {
	pinger  Pinger
	timeout time.Duration
}

// NewHTTP returns the health check handlers. pinger may be nil; then readiness always succeeds.
func NewHTTP(pinger Pinger) *HTTP {
	return &HTTP{pinger: pinger, timeout: defaultPingTimeout}
}

// Routes registers /healthz and /readyz.
func (h *HTTP) Routes(e *echo.Echo) {
	e.GET("/healthz", h.Live)
	e.GET("/readyz", h.Ready)
}

type statusResponse struct {
	Status string `json:"status"`
}

// Live reports that the process is up.
func (h *HTTP) Live(c echo.Context) error {
	return c.JSON(http.StatusOK, statusResponse{"ok"})
}

// Ready reports whether the store answers a ping.
func (h *HTTP) Ready(c echo.Context) error {
	if h.pinger != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), h.timeout)
		defer cancel()
		if err := h.pinger.Ping(ctx); err != nil {
			return c.JSON(http.StatusServiceUnavailable, statusResponse{"unavailable"})
		}
	}
	return c.JSON(http.StatusOK, statusResponse{"ok"})
}
