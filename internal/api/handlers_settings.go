// handlers_settings.go - Persisted settings handlers
package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/iontrap-lab/backend/internal/settings"
	"github.com/labstack/echo/v4"
)

// maxGUIState bounds the opaque GUI state blob.
const maxGUIState = 4 << 20

// SettingsHandlerImpl implements the SettingsHandler interface
type SettingsHandlerImpl struct {
	store settings.Store
}

// NewSettingsHandler creates a new settings handler
func NewSettingsHandler(store settings.Store) SettingsHandler {
	return &SettingsHandlerImpl{store: store}
}

// HandleGetGUIState returns the stored GUI state blob verbatim
func (h *SettingsHandlerImpl) HandleGetGUIState(c echo.Context) error {
	data, err := h.store.Get(c.Request().Context(), settings.KeyGUIState)
	if errors.Is(err, settings.ErrNotFound) {
		return c.NoContent(http.StatusNoContent)
	}
	if err != nil {
		return NewInternalError("failed to read GUI state", err)
	}
	return c.Blob(http.StatusOK, echo.MIMEOctetStream, data)
}

// HandlePutGUIState stores the request body as the GUI state blob
func (h *SettingsHandlerImpl) HandlePutGUIState(c echo.Context) error {
	data, err := io.ReadAll(io.LimitReader(c.Request().Body, maxGUIState+1))
	if err != nil {
		return NewBadRequestError("failed to read body", err)
	}
	if len(data) > maxGUIState {
		return &APIError{Status: http.StatusRequestEntityTooLarge, Code: "TOO_LARGE", Message: "GUI state too large"}
	}
	if err := h.store.Put(c.Request().Context(), settings.KeyGUIState, data); err != nil {
		return NewInternalError("failed to store GUI state", err)
	}
	return c.NoContent(http.StatusNoContent)
}

// HandleGetParameters returns the user parameters
func (h *SettingsHandlerImpl) HandleGetParameters(c echo.Context) error {
	var params settings.Parameters
	err := settings.Load(c.Request().Context(), h.store, settings.KeyParameters, &params)
	if err != nil && !errors.Is(err, settings.ErrNotFound) {
		return NewInternalError("failed to read parameters", err)
	}
	return c.JSON(http.StatusOK, params)
}

// HandlePutParameters replaces the user parameters
func (h *SettingsHandlerImpl) HandlePutParameters(c echo.Context) error {
	var params settings.Parameters
	if err := c.Bind(&params); err != nil {
		return NewBadRequestError("invalid request body", err)
	}
	if err := settings.Save(c.Request().Context(), h.store, settings.KeyParameters, params); err != nil {
		return NewInternalError("failed to store parameters", err)
	}
	return c.JSON(http.StatusOK, params)
}
