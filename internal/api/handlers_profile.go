// handlers_profile.go - Profile management handlers
package api

import (
	"bytes"
	"fmt"
	"io"
	"net/http"

	"github.com/iontrap-lab/backend/internal/models"
	"github.com/iontrap-lab/backend/internal/profile"
	"github.com/labstack/echo/v4"
)

// maxProfileUpload bounds YAML imports.
const maxProfileUpload = 1 << 20

// ProfileHandlerImpl implements the ProfileHandler interface
type ProfileHandlerImpl struct {
	registry ProfileRegistry
}

// NewProfileHandler creates a new profile handler
func NewProfileHandler(registry ProfileRegistry) ProfileHandler {
	return &ProfileHandlerImpl{registry: registry}
}

type profileListResponse struct {
	Active   string   `json:"active"`
	Profiles []string `json:"profiles"`
}

type renameRequest struct {
	Name string `json:"name"`
}

// HandleListProfiles returns the profile names and the active one
func (h *ProfileHandlerImpl) HandleListProfiles(c echo.Context) error {
	return c.JSON(http.StatusOK, profileListResponse{
		Active:   h.registry.ActiveName(),
		Profiles: h.registry.Names(),
	})
}

// HandleGetProfile returns one profile
func (h *ProfileHandlerImpl) HandleGetProfile(c echo.Context) error {
	name := c.Param("name")
	p, err := h.registry.Get(name)
	if err != nil {
		return fromProfileError(name, err)
	}
	return c.JSON(http.StatusOK, p)
}

// HandleSaveProfile creates or replaces the profile named in the path.
// Fields missing from the body keep their defaults.
func (h *ProfileHandlerImpl) HandleSaveProfile(c echo.Context) error {
	name := c.Param("name")
	p := models.DefaultProfile(name)
	if err := c.Bind(p); err != nil {
		return NewBadRequestError("invalid request body", err)
	}
	if p.Name != name {
		return NewBadRequestError(fmt.Sprintf("profile name %q does not match path %q", p.Name, name), nil)
	}
	if err := h.registry.Save(c.Request().Context(), p); err != nil {
		return fromProfileError(name, err)
	}
	return c.JSON(http.StatusOK, p)
}

// HandleDeleteProfile removes a profile
func (h *ProfileHandlerImpl) HandleDeleteProfile(c echo.Context) error {
	name := c.Param("name")
	if err := h.registry.Delete(c.Request().Context(), name); err != nil {
		return fromProfileError(name, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// HandleRenameProfile renames a profile
func (h *ProfileHandlerImpl) HandleRenameProfile(c echo.Context) error {
	name := c.Param("name")
	var req renameRequest
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid request body", err)
	}
	if req.Name == "" {
		return NewValidationError("name")
	}
	if err := h.registry.Rename(c.Request().Context(), name, req.Name); err != nil {
		return fromProfileError(name, err)
	}
	p, err := h.registry.Get(req.Name)
	if err != nil {
		return fromProfileError(req.Name, err)
	}
	return c.JSON(http.StatusOK, p)
}

// HandleActivateProfile makes a profile the active one
func (h *ProfileHandlerImpl) HandleActivateProfile(c echo.Context) error {
	name := c.Param("name")
	p, err := h.registry.Activate(c.Request().Context(), name)
	if err != nil {
		return fromProfileError(name, err)
	}
	return c.JSON(http.StatusOK, p)
}

// HandleExportProfile returns a profile as YAML
func (h *ProfileHandlerImpl) HandleExportProfile(c echo.Context) error {
	name := c.Param("name")
	p, err := h.registry.Get(name)
	if err != nil {
		return fromProfileError(name, err)
	}
	var buf bytes.Buffer
	if err := profile.ExportYAML(&buf, p); err != nil {
		return NewInternalError("failed to encode profile", err)
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", name+".yaml"))
	return c.Blob(http.StatusOK, "application/yaml", buf.Bytes())
}

// HandleImportProfile stores a YAML profile from the request body
func (h *ProfileHandlerImpl) HandleImportProfile(c echo.Context) error {
	body := io.LimitReader(c.Request().Body, maxProfileUpload)
	p, err := profile.ImportYAML(body)
	if err != nil {
		return NewBadRequestError("invalid profile YAML", err)
	}
	if err := h.registry.Save(c.Request().Context(), p); err != nil {
		return fromProfileError(p.Name, err)
	}
	return c.JSON(http.StatusCreated, p)
}
