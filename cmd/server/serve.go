package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/iontrap-lab/backend/internal/api"
	"github.com/iontrap-lab/backend/internal/autoload"
	"github.com/iontrap-lab/backend/internal/clock"
	"github.com/iontrap-lab/backend/internal/config"
	"github.com/iontrap-lab/backend/internal/hardware"
	"github.com/iontrap-lab/backend/internal/interlock"
	"github.com/iontrap-lab/backend/internal/models"
	"github.com/iontrap-lab/backend/internal/observer"
	"github.com/iontrap-lab/backend/internal/override"
	"github.com/iontrap-lab/backend/internal/profile"
	"github.com/iontrap-lab/backend/internal/settings"
	"github.com/iontrap-lab/backend/internal/web"
	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

// devOrigins are the frontend dev servers allowed when no frontend is
// embedded.
var devOrigins = []string{
	"http://localhost:5173", "http://127.0.0.1:5173",
	"http://localhost:3000", "http://127.0.0.1:3000",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the AutoLoader control loop and HTTP API",
	Long: `Starts the control loop on simulated instruments, the wavemeter pollers,
the counter sampler and the HTTP server. The interlock channel table is
reloaded whenever the config file changes. SIGINT or SIGTERM stop loading,
save the trapping duration of a trapped ion and exit.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

// loadConfig reads the config and applies its log level unless --verbose
// already chose one.
func loadConfig() (*config.AppConfig, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if !verbose && cfg.Advanced.LogLevel != "" {
		lvl, err := zapcore.ParseLevel(cfg.Advanced.LogLevel)
		if err != nil {
			logger.Warn("ignoring unknown log level", zap.String("level", cfg.Advanced.LogLevel))
		} else {
			logLevel.SetLevel(lvl)
		}
	}
	return cfg, nil
}

// rig is the set of simulated instruments described by the config.
type rig struct {
	pulser   *hardware.Pulser
	globals  *hardware.GlobalStore
	shutters *hardware.ShutterDict
	voltages *hardware.VoltageController
}

func newRig(hw config.HardwareConfig) *rig {
	return &rig{
		pulser:   hardware.NewPulser(),
		globals:  hardware.NewGlobalStore(hw.GlobalValues()),
		shutters: hardware.NewShutterDict(hw.ShutterChannels()),
		voltages: hardware.NewVoltageController(hw.VoltageNodes, hw.StartNode, hw.ShuttleDelay()),
	}
}

func (r *rig) hardware() override.Hardware {
	return override.Hardware{
		Pulser:   r.pulser,
		Globals:  r.globals,
		Shutters: r.shutters,
		Voltages: r.voltages,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("failed to create directories: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	registry, err := profile.NewRegistry(ctx, logger, st.settings)
	if err != nil {
		return fmt.Errorf("failed to load profiles: %w", err)
	}

	clk := clock.NewReal()
	hw := newRig(cfg.Hardware)
	hw.voltages.OnPositionChanged(func(node string) {
		logger.Debug("electrodes moved", zap.String("node", node))
	})
	logger.Info("simulated hardware ready",
		zap.Strings("shutters", hw.shutters.Names()),
		zap.Strings("voltageNodes", hw.voltages.ShuttlingNodes()),
		zap.String("position", hw.voltages.CurrentPosition()))

	eval := interlock.NewEvaluator(logger, clk)
	eval.SetChannels(cfg.InterlockChannels)

	bus := observer.NewBus(logger)
	defer bus.Close()

	// The sampler only runs inside the group below, after a is assigned.
	var a *autoload.AutoLoader
	sampler := hardware.NewCounterSampler(cfg.IntegrationTime(), func(s models.CounterSample) {
		a.PushSample(s)
	})
	for _, r := range cfg.Hardware.CounterRates {
		sampler.SetRate(r.Channel, r.Rate)
	}

	a, err = autoload.New(logger, autoload.Config{
		Clock:        clk,
		Hardware:     hw.hardware(),
		Counter:      sampler,
		Interlock:    eval,
		History:      st.history,
		Bus:          bus,
		TickInterval: cfg.TickInterval(),
		QueueSize:    cfg.Control.QueueSize,
	}, registry.Active())
	if err != nil {
		return fmt.Errorf("failed to build autoloader: %w", err)
	}
	hw.pulser.OnPPActiveChanged(func(active bool) { a.SetPPActive(active) })
	registry.OnChange(func(p *models.Profile) { a.SetProfile(p) })

	var params settings.Parameters
	if err := settings.Load(ctx, st.settings, settings.KeyParameters, &params); err != nil && !errors.Is(err, settings.ErrNotFound) {
		logger.Warn("failed to read parameters", zap.Error(err))
	}
	if params.AutoStart || cfg.Control.AutoStart {
		logger.Info("auto-start enabled, starting to load", zap.String("profile", registry.ActiveName()))
		a.Start()
	}

	e := newEcho(cfg, &api.Dependencies{
		Logger:             logger,
		Controller:         a,
		Profiles:           registry,
		History:            st.history,
		Interlock:          eval,
		Settings:           st.settings,
		Pulser:             hw.pulser,
		Bus:                bus,
		Version:            Version,
		MaxWSMessageSizeKB: cfg.Advanced.WebSocketMaxMessageSize,
	})

	// Configure server with settings from XML config
	s := &http.Server{
		Addr:         cfg.GetServerAddr(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	printBanner(cfg, registry.ActiveName())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Run(gctx) })
	g.Go(func() error { return sampler.Run(gctx) })
	for _, wm := range cfg.Wavemeters {
		p := interlock.NewPoller(logger, interlock.PollerConfig{
			Name:     wm.Name,
			URL:      wm.URL,
			Interval: wm.PollInterval(),
			Backoff:  wm.Backoff(),
		}, eval)
		g.Go(func() error { return p.Run(gctx) })
	}
	g.Go(func() error {
		err := config.Watch(gctx, configPath, logger, func(next *config.AppConfig) {
			eval.SetChannels(next.InterlockChannels)
		})
		if err != nil {
			logger.Warn("config watcher unavailable, interlock channels fixed until restart", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		if err := e.StartServer(s); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
		defer cancel()
		return e.Shutdown(sctx)
	})

	return g.Wait()
}

// newEcho builds the HTTP server: middleware, API routes, the status
// stream and the embedded frontend.
func newEcho(cfg *config.AppConfig, deps *api.Dependencies) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	embeddedMode := web.HasEmbeddedFiles()
	origins := devOrigins
	if embeddedMode {
		origins = nil
		for _, o := range strings.Split(cfg.Server.AllowOrigins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
	}
	api.SetupMiddleware(e, logger, api.MiddlewareConfig{
		EnableCORS:           cfg.Server.EnableCORS,
		AllowOrigins:         origins,
		EnableRequestLogging: cfg.Advanced.EnableRequestLogging,
		BodyLimit:            cfg.Server.BodyLimit,
		ExposeErrorDetails:   verbose,
	})

	handlers := api.NewHandlers(deps)
	api.RegisterRoutes(e, handlers)
	api.RegisterWebSocketRoutes(e, handlers)

	if embeddedMode {
		if err := web.RegisterStaticRoutes(e); err != nil {
			logger.Warn("failed to register static routes", zap.Error(err))
		} else {
			logger.Info("serving embedded frontend from binary")
		}
	}
	return e
}

func printBanner(cfg *config.AppConfig, activeProfile string) {
	db := cfg.DatabasePath()
	if db == "" {
		db = "(in memory)"
	}
	fmt.Printf("\n")
	fmt.Printf("╔═══════════════════════════════════════════════════════════╗\n")
	fmt.Printf("║           Ion Trap AutoLoader                             ║\n")
	fmt.Printf("╠═══════════════════════════════════════════════════════════╣\n")
	fmt.Printf("║  Version:    %-45s║\n", Version)
	fmt.Printf("║  Build Time: %-45s║\n", BuildTime)
	fmt.Printf("║  Profile:    %-45s║\n", activeProfile)
	fmt.Printf("╠═══════════════════════════════════════════════════════════╣\n")
	fmt.Printf("║  Config:    %-46s║\n", configPath)
	fmt.Printf("║  Listen:    http://%-38s║\n", cfg.GetServerAddr())
	fmt.Printf("║  Database:  %-46s║\n", db)
	fmt.Printf("║  Wavemeters: %-45d║\n", len(cfg.Wavemeters))
	fmt.Printf("╚═══════════════════════════════════════════════════════════╝\n")
	fmt.Printf("\n")
}
