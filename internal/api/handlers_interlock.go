// handlers_interlock.go - Wavemeter interlock handlers
package api

import (
	"net/http"

	"github.com/iontrap-lab/backend/internal/models"
	"github.com/labstack/echo/v4"
)

// InterlockHandlerImpl implements the InterlockHandler interface
type InterlockHandlerImpl struct {
	view InterlockView
}

// NewInterlockHandler creates a new interlock handler
func NewInterlockHandler(view InterlockView) InterlockHandler {
	return &InterlockHandlerImpl{view: view}
}

type contextStatus struct {
	Context string            `json:"context"`
	Status  models.LockStatus `json:"status"`
}

// HandleGetChannels returns the observed state of every channel
func (h *InterlockHandlerImpl) HandleGetChannels(c echo.Context) error {
	channels := h.view.Channels()
	if channels == nil {
		channels = []models.ChannelStatus{}
	}
	return c.JSON(http.StatusOK, channels)
}

// HandleGetContexts returns the aggregate status of every context, or of
// the one named by the "context" query parameter
func (h *InterlockHandlerImpl) HandleGetContexts(c echo.Context) error {
	if name := c.QueryParam("context"); name != "" {
		return c.JSON(http.StatusOK, contextStatus{Context: name, Status: h.view.ContextStatus(name)})
	}
	names := h.view.Contexts()
	out := make([]contextStatus, 0, len(names))
	for _, name := range names {
		out = append(out, contextStatus{Context: name, Status: h.view.ContextStatus(name)})
	}
	return c.JSON(http.StatusOK, out)
}
