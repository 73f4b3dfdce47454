// handlers_pulser.go - Pulse program flag handlers
package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// PulseProgramRequest starts or stops the pulse program
type PulseProgramRequest struct {
	Active *bool `json:"active"`
}

// PulseProgramResponse reports whether a pulse program is running
type PulseProgramResponse struct {
	Active bool `json:"active"`
}

// PulserHandlerImpl implements the PulserHandler interface
type PulserHandlerImpl struct {
	pulser PulseProgram
}

// NewPulserHandler creates a new pulser handler
func NewPulserHandler(pulser PulseProgram) PulserHandler {
	return &PulserHandlerImpl{pulser: pulser}
}

// HandleGetPulseProgram reports the pulse program flag
func (h *PulserHandlerImpl) HandleGetPulseProgram(c echo.Context) error {
	if h.pulser == nil {
		return NewServiceUnavailableError("no pulser attached")
	}
	return c.JSON(http.StatusOK, PulseProgramResponse{Active: h.pulser.PPActive()})
}

// HandleSetPulseProgram starts or stops the pulse program. The AutoLoader
// sees the change through the pulser's listeners.
func (h *PulserHandlerImpl) HandleSetPulseProgram(c echo.Context) error {
	if h.pulser == nil {
		return NewServiceUnavailableError("no pulser attached")
	}
	var req PulseProgramRequest
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid request body", err)
	}
	if req.Active == nil {
		return NewValidationError("active")
	}
	h.pulser.SetPPActive(*req.Active)
	return c.JSON(http.StatusOK, PulseProgramResponse{Active: h.pulser.PPActive()})
}
