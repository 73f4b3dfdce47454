// handlers_health.go - Health check handlers
package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// HealthHandlerImpl implements the HealthHandler interface
type HealthHandlerImpl struct {
	version    string
	controller Controller
	history    HistoryReader
}

// NewHealthHandler creates a new health handler. controller and history may
// be nil.
func NewHealthHandler(version string, controller Controller, history HistoryReader) HealthHandler {
	return &HealthHandlerImpl{
		version:    version,
		controller: controller,
		history:    history,
	}
}

// HandleHealth returns server health status. A history store running
// without its database reports "degraded" but still answers 200.
func (h *HealthHandlerImpl) HandleHealth(c echo.Context) error {
	resp := map[string]interface{}{
		"status":  "ok",
		"version": h.version,
	}
	if h.controller != nil {
		resp["state"] = h.controller.Status().State
	}
	if h.history != nil && h.history.Degraded() {
		resp["status"] = "degraded"
		resp["history"] = "in-memory"
	}
	return c.JSON(http.StatusOK, resp)
}
