// routes.go - Route registration helpers
// This file provides a clean way to register all API routes
package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/iontrap-lab/backend/internal/observer"
	"github.com/iontrap-lab/backend/internal/settings"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Dependencies holds all handler dependencies
type Dependencies struct {
	Logger     *zap.Logger
	Controller Controller
	Profiles   ProfileRegistry
	History    HistoryReader
	Interlock  InterlockView
	Settings   settings.Store
	Pulser     PulseProgram
	Bus        *observer.Bus
	Version    string

	// Now is the clock used for relative history windows; nil uses UTC now.
	Now                func() time.Time
	MaxWSMessageSizeKB int
}

// Handlers holds all handler instances
type Handlers struct {
	Health    HealthHandler
	AutoLoad  AutoLoadHandler
	Profile   ProfileHandler
	History   HistoryHandler
	Interlock InterlockHandler
	Settings  SettingsHandler
	Pulser    PulserHandler
	Stream    StatusStreamHandler
}

// NewHandlers creates all handler instances
func NewHandlers(deps *Dependencies) *Handlers {
	return &Handlers{
		Health:    NewHealthHandler(deps.Version, deps.Controller, deps.History),
		AutoLoad:  NewAutoLoadHandler(deps.Controller),
		Profile:   NewProfileHandler(deps.Profiles),
		History:   NewHistoryHandler(deps.History, deps.Now),
		Interlock: NewInterlockHandler(deps.Interlock),
		Settings:  NewSettingsHandler(deps.Settings),
		Pulser:    NewPulserHandler(deps.Pulser),
		Stream:    NewWebSocketHandler(deps.Logger, deps.Bus, deps.Controller, deps.MaxWSMessageSizeKB),
	}
}

// RegisterRoutes registers all API routes with the Echo instance
func RegisterRoutes(e *echo.Echo, handlers *Handlers) {
	// Health check
	e.GET("/health", handlers.Health.HandleHealth)

	// Prometheus scrape endpoint
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// AutoLoader control routes
	autoloadGroup := e.Group("/api/autoload")
	autoloadGroup.GET("/status", handlers.AutoLoad.HandleStatus)
	autoloadGroup.POST("/start", handlers.AutoLoad.HandleStart)
	autoloadGroup.POST("/stop", handlers.AutoLoad.HandleStop)
	autoloadGroup.POST("/ion-trapped", handlers.AutoLoad.HandleIonTrapped)
	autoloadGroup.POST("/ion-still-trapped", handlers.AutoLoad.HandleIonStillTrapped)

	// Profile routes
	profileGroup := e.Group("/api/profiles")
	profileGroup.GET("", handlers.Profile.HandleListProfiles)
	profileGroup.POST("/import", handlers.Profile.HandleImportProfile)
	profileGroup.GET("/:name", handlers.Profile.HandleGetProfile)
	profileGroup.PUT("/:name", handlers.Profile.HandleSaveProfile)
	profileGroup.DELETE("/:name", handlers.Profile.HandleDeleteProfile)
	profileGroup.POST("/:name/rename", handlers.Profile.HandleRenameProfile)
	profileGroup.POST("/:name/activate", handlers.Profile.HandleActivateProfile)
	profileGroup.GET("/:name/yaml", handlers.Profile.HandleExportProfile)

	// Loading history routes
	historyGroup := e.Group("/api/history")
	historyGroup.GET("", handlers.History.HandleQueryHistory)
	historyGroup.GET("/msgpack", handlers.History.HandleQueryHistoryMsgpack)
	historyGroup.GET("/recent", handlers.History.HandleRecentHistory)

	// Interlock routes
	interlockGroup := e.Group("/api/interlock")
	interlockGroup.GET("/channels", handlers.Interlock.HandleGetChannels)
	interlockGroup.GET("/contexts", handlers.Interlock.HandleGetContexts)

	// Pulser routes
	pulserGroup := e.Group("/api/pulser")
	pulserGroup.GET("/pulse-program", handlers.Pulser.HandleGetPulseProgram)
	pulserGroup.POST("/pulse-program", handlers.Pulser.HandleSetPulseProgram)

	// Settings routes
	settingsGroup := e.Group("/api/settings")
	settingsGroup.GET("/gui-state", handlers.Settings.HandleGetGUIState)
	settingsGroup.PUT("/gui-state", handlers.Settings.HandlePutGUIState)
	settingsGroup.GET("/parameters", handlers.Settings.HandleGetParameters)
	settingsGroup.PUT("/parameters", handlers.Settings.HandlePutParameters)
}

// RegisterWebSocketRoutes registers WebSocket routes
func RegisterWebSocketRoutes(e *echo.Echo, handlers *Handlers) {
	e.GET("/api/ws/status", handlers.Stream.HandleStatusStream)
}

// MiddlewareConfig selects the optional middleware
type MiddlewareConfig struct {
	EnableCORS           bool
	AllowOrigins         []string
	EnableRequestLogging bool
	BodyLimit            string
	ExposeErrorDetails   bool
}

// SetupMiddleware configures common middleware
func SetupMiddleware(e *echo.Echo, logger *zap.Logger, cfg MiddlewareConfig) {
	if logger == nil {
		logger = zap.NewNop()
	}
	e.HTTPErrorHandler = NewErrorHandler(logger, cfg.ExposeErrorDetails)

	e.Use(middleware.Recover())

	if cfg.EnableRequestLogging {
		httpLog := logger.Named("http")
		e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
			Skipper: func(c echo.Context) bool {
				// Displays poll these continuously
				path := c.Request().URL.Path
				return path == "/health" || path == "/metrics" || strings.HasSuffix(path, "/status")
			},
			LogStatus:   true,
			LogURI:      true,
			LogMethod:   true,
			LogLatency:  true,
			LogError:    true,
			HandleError: true,
			LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
				fields := []zap.Field{
					zap.String("method", v.Method),
					zap.String("uri", v.URI),
					zap.Int("status", v.Status),
					zap.Duration("latency", v.Latency),
				}
				if v.Error != nil {
					httpLog.Warn("request failed", append(fields, zap.Error(v.Error))...)
					return nil
				}
				httpLog.Info("request", fields...)
				return nil
			},
		}))
	}

	if cfg.EnableCORS {
		origins := cfg.AllowOrigins
		if len(origins) == 0 {
			origins = []string{"*"}
		}
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: origins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		}))
	}

	if cfg.BodyLimit != "" {
		e.Use(middleware.BodyLimit(cfg.BodyLimit))
	}
}
