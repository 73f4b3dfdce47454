// interfaces.go - Handler interface definitions for clean separation of concerns
package api

import (
	"context"

	"github.com/iontrap-lab/backend/internal/autoload"
	"github.com/iontrap-lab/backend/internal/models"
	"github.com/labstack/echo/v4"
)

// HealthHandler handles health check operations
type HealthHandler interface {
	HandleHealth(c echo.Context) error
}

// AutoLoadHandler handles AutoLoader control operations
type AutoLoadHandler interface {
	HandleStatus(c echo.Context) error
	HandleStart(c echo.Context) error
	HandleStop(c echo.Context) error
	HandleIonTrapped(c echo.Context) error
	HandleIonStillTrapped(c echo.Context) error
}

// ProfileHandler handles profile management
type ProfileHandler interface {
	HandleListProfiles(c echo.Context) error
	HandleGetProfile(c echo.Context) error
	HandleSaveProfile(c echo.Context) error
	HandleDeleteProfile(c echo.Context) error
	HandleRenameProfile(c echo.Context) error
	HandleActivateProfile(c echo.Context) error
	HandleExportProfile(c echo.Context) error
	HandleImportProfile(c echo.Context) error
}

// HistoryHandler handles loading history queries
type HistoryHandler interface {
	HandleQueryHistory(c echo.Context) error
	HandleQueryHistoryMsgpack(c echo.Context) error
	HandleRecentHistory(c echo.Context) error
}

// InterlockHandler handles wavemeter interlock views
type InterlockHandler interface {
	HandleGetChannels(c echo.Context) error
	HandleGetContexts(c echo.Context) error
}

// SettingsHandler handles opaque persisted settings
type SettingsHandler interface {
	HandleGetGUIState(c echo.Context) error
	HandlePutGUIState(c echo.Context) error
	HandleGetParameters(c echo.Context) error
	HandlePutParameters(c echo.Context) error
}

// PulserHandler handles the pulse program flag
type PulserHandler interface {
	HandleGetPulseProgram(c echo.Context) error
	HandleSetPulseProgram(c echo.Context) error
}

// StatusStreamHandler streams observer notifications
type StatusStreamHandler interface {
	HandleStatusStream(c echo.Context) error
}

// Controller is the part of the AutoLoader the API drives.
// This allows mocking in tests
type Controller interface {
	Status() autoload.Status
	Start() bool
	Stop() bool
	IonTrapped() bool
	IonStillTrapped() bool
}

// ProfileRegistry defines the profile operations the API exposes
type ProfileRegistry interface {
	Names() []string
	Get(name string) (*models.Profile, error)
	ActiveName() string
	Save(ctx context.Context, p *models.Profile) error
	Delete(ctx context.Context, name string) error
	Rename(ctx context.Context, from, to string) error
	Activate(ctx context.Context, name string) (*models.Profile, error)
}

// HistoryReader queries recorded loading events
type HistoryReader interface {
	Query(window models.TimeRange, profile string) []models.LoadingEvent
	Degraded() bool
}

// InterlockView reads interlock channel and context state
type InterlockView interface {
	Channels() []models.ChannelStatus
	Contexts() []string
	ContextStatus(context string) models.LockStatus
}

// PulseProgram is the pulser's pulse-program flag
type PulseProgram interface {
	PPActive() bool
	SetPPActive(active bool)
}
