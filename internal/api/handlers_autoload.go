// handlers_autoload.go - AutoLoader control handlers
package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// AutoLoadHandlerImpl implements the AutoLoadHandler interface
type AutoLoadHandlerImpl struct {
	controller Controller
}

// NewAutoLoadHandler creates a new control handler
func NewAutoLoadHandler(controller Controller) AutoLoadHandler {
	return &AutoLoadHandlerImpl{controller: controller}
}

// HandleStatus returns the current AutoLoader status
func (h *AutoLoadHandlerImpl) HandleStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, h.controller.Status())
}

// HandleStart presses the start button
func (h *AutoLoadHandlerImpl) HandleStart(c echo.Context) error {
	return h.post(c, h.controller.Start)
}

// HandleStop presses the stop button
func (h *AutoLoadHandlerImpl) HandleStop(c echo.Context) error {
	return h.post(c, h.controller.Stop)
}

// HandleIonTrapped declares an ion in the trap
func (h *AutoLoadHandlerImpl) HandleIonTrapped(c echo.Context) error {
	return h.post(c, h.controller.IonTrapped)
}

// HandleIonStillTrapped declares the last recorded ion still in the trap
func (h *AutoLoadHandlerImpl) HandleIonStillTrapped(c echo.Context) error {
	return h.post(c, h.controller.IonStillTrapped)
}

// post queues an event. The transition happens asynchronously, so the
// response carries the status at the time the event was accepted.
func (h *AutoLoadHandlerImpl) post(c echo.Context, send func() bool) error {
	if !send() {
		return NewServiceUnavailableError("control loop is shutting down")
	}
	return c.JSON(http.StatusAccepted, h.controller.Status())
}
