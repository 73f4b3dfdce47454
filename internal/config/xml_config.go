// Package config provides XML-based configuration management for the
// AutoLoader service.
package config

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/iontrap-lab/backend/internal/models"
)

// AppConfig represents the root XML configuration structure
type AppConfig struct {
	XMLName xml.Name `xml:"IonTrapAutoLoader"`

	// Server configuration
	Server ServerConfig `xml:"Server"`

	// Storage configuration
	Storage StorageConfig `xml:"Storage"`

	// Control loop configuration
	Control ControlConfig `xml:"Control"`

	// Simulated instruments
	Hardware HardwareConfig `xml:"Hardware"`

	// Wavemeter servers polled by the interlock
	Wavemeters []WavemeterConfig `xml:"Wavemeters>Wavemeter"`

	// Interlock channel table; reloaded while running
	InterlockChannels []models.InterlockChannel `xml:"InterlockChannels>Channel"`

	// Advanced options
	Advanced AdvancedConfig `xml:"Advanced"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Port         int    `xml:"Port"`
	BindAddress  string `xml:"BindAddress"`
	EnableCORS   bool   `xml:"EnableCORS"`
	AllowOrigins string `xml:"AllowOrigins"`
	ReadTimeout  int    `xml:"ReadTimeoutSeconds"`
	WriteTimeout int    `xml:"WriteTimeoutSeconds"`
	IdleTimeout  int    `xml:"IdleTimeoutSeconds"`
	BodyLimit    string `xml:"BodyLimit"`
}

// StorageConfig contains persistence settings
type StorageConfig struct {
	DataDirectory     string `xml:"DataDirectory"`
	DatabaseFile      string `xml:"DatabaseFile"`
	EnablePersistence bool   `xml:"EnablePersistence"`
}

// ControlConfig contains control loop timing
type ControlConfig struct {
	TickIntervalMs         int  `xml:"TickIntervalMs"`
	IntegrationTimeMs      int  `xml:"IntegrationTimeMs"`
	QueueSize              int  `xml:"QueueSize"`
	ShutdownTimeoutSeconds int  `xml:"ShutdownTimeoutSeconds"`
	AutoStart              bool `xml:"AutoStart"`
}

// HardwareConfig describes the simulated instruments
type HardwareConfig struct {
	Shutters       []ShutterConfig `xml:"Shutters>Shutter"`
	Globals        []GlobalConfig  `xml:"Globals>Global"`
	VoltageNodes   []string        `xml:"VoltageNodes>Node"`
	StartNode      string          `xml:"StartNode"`
	ShuttleDelayMs int             `xml:"ShuttleDelayMs"`
	CounterRates   []CounterRate   `xml:"CounterRates>Rate"`
}

// ShutterConfig maps a shutter name to its pulser channel
type ShutterConfig struct {
	Name    string `xml:"name,attr"`
	Channel int    `xml:",chardata"`
}

// GlobalConfig declares a global variable and its start value
type GlobalConfig struct {
	Name  string  `xml:"name,attr"`
	Value float64 `xml:",chardata"`
}

// CounterRate is the simulated background rate of a counter channel
type CounterRate struct {
	Channel int     `xml:"channel,attr"`
	Rate    float64 `xml:",chardata"`
}

// WavemeterConfig locates one wavemeter server
type WavemeterConfig struct {
	Name           string `xml:"name,attr"`
	URL            string `xml:"URL"`
	PollIntervalMs int    `xml:"PollIntervalMs"`
	BackoffSeconds int    `xml:"BackoffSeconds"`
}

// AdvancedConfig contains advanced/tuning options
type AdvancedConfig struct {
	LogLevel                string `xml:"LogLevel"`
	EnableRequestLogging    bool   `xml:"EnableRequestLogging"`
	DuckDBThreads           int    `xml:"DuckDBThreads"`
	DuckDBMemoryLimit       string `xml:"DuckDBMemoryLimit"`
	WebSocketMaxMessageSize int    `xml:"WebSocketMaxMessageSizeKB"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{
			Port:         8089,
			BindAddress:  "0.0.0.0",
			EnableCORS:   true,
			AllowOrigins: "*",
			ReadTimeout:  30,
			WriteTimeout: 30,
			IdleTimeout:  120,
			BodyLimit:    "10M",
		},
		Storage: StorageConfig{
			DataDirectory:     "./data",
			DatabaseFile:      "autoload.duckdb",
			EnablePersistence: true,
		},
		Control: ControlConfig{
			TickIntervalMs:         100,
			IntegrationTimeMs:      100,
			QueueSize:              256,
			ShutdownTimeoutSeconds: 5,
		},
		Hardware: HardwareConfig{
			Shutters: []ShutterConfig{
				{Name: "Oven", Channel: 0},
				{Name: "Ionization", Channel: 1},
				{Name: "Cooling", Channel: 2},
			},
			Globals: []GlobalConfig{
				{Name: "OvenCurrent", Value: 0},
				{Name: "IonizationPower", Value: 0},
			},
			VoltageNodes:   []string{"Experiment", "Load"},
			StartNode:      "Experiment",
			ShuttleDelayMs: 200,
			CounterRates:   []CounterRate{{Channel: 0, Rate: 500}},
		},
		Advanced: AdvancedConfig{
			LogLevel:                "info",
			EnableRequestLogging:    true,
			DuckDBThreads:           2,
			DuckDBMemoryLimit:       "256MB",
			WebSocketMaxMessageSize: 64,
		},
	}
}

// LoadConfig loads configuration from XML file
func LoadConfig(configPath string) (*AppConfig, error) {
	// If file doesn't exist, create default
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		config := DefaultConfig()
		if err := config.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		config.applyEnvironmentOverrides()
		config.resolvePaths(filepath.Dir(configPath))
		return config, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	// Lists replace the defaults rather than appending to them.
	config.Hardware = HardwareConfig{}
	if err := xml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	// Apply environment variable overrides
	config.applyEnvironmentOverrides()

	// Resolve relative paths
	config.resolvePaths(filepath.Dir(configPath))

	return config, nil
}

// Validate checks cross-field constraints the XML schema cannot express.
func (c *AppConfig) Validate() error {
	seen := map[string]bool{}
	for _, wm := range c.Wavemeters {
		if wm.Name == "" || wm.URL == "" {
			return fmt.Errorf("wavemeter needs a name and URL")
		}
		if seen[wm.Name] {
			return fmt.Errorf("duplicate wavemeter %q", wm.Name)
		}
		seen[wm.Name] = true
	}
	for _, ch := range c.InterlockChannels {
		if ch.Min != nil && ch.Max != nil && *ch.Min > *ch.Max {
			return fmt.Errorf("interlock channel %s: min above max", ch.Key())
		}
	}
	return nil
}

// Save saves the configuration to XML file
func (c *AppConfig) Save(configPath string) error {
	output, err := xml.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte(xml.Header + "\n<!-- Ion trap AutoLoader configuration -->\n<!-- This file is auto-generated on first run -->\n\n")
	content := append(header, output...)

	if dir := filepath.Dir(configPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(configPath, content, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// applyEnvironmentOverrides allows environment variables to override config values
func (c *AppConfig) applyEnvironmentOverrides() {
	// PORT override
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}

	// DATA_DIR override
	if dataDir := os.Getenv("DATA_DIR"); dataDir != "" {
		c.Storage.DataDirectory = dataDir
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Advanced.LogLevel = level
	}
}

// resolvePaths converts relative paths to absolute based on config file location
func (c *AppConfig) resolvePaths(configDir string) {
	if !filepath.IsAbs(c.Storage.DataDirectory) {
		c.Storage.DataDirectory = filepath.Join(configDir, c.Storage.DataDirectory)
	}
}

// GetDataDir returns the absolute data directory path
func (c *AppConfig) GetDataDir() string {
	return c.Storage.DataDirectory
}

// DatabasePath returns the DuckDB file path, or "" when persistence is off.
func (c *AppConfig) DatabasePath() string {
	if !c.Storage.EnablePersistence {
		return ""
	}
	if filepath.IsAbs(c.Storage.DatabaseFile) {
		return c.Storage.DatabaseFile
	}
	return filepath.Join(c.Storage.DataDirectory, c.Storage.DatabaseFile)
}

// GetServerAddr returns the server bind address
func (c *AppConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.BindAddress, c.Server.Port)
}

// EnsureDirectories creates all necessary directories
func (c *AppConfig) EnsureDirectories() error {
	if err := os.MkdirAll(c.Storage.DataDirectory, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", c.Storage.DataDirectory, err)
	}
	return nil
}

// TickInterval returns the control loop timer period.
func (c *AppConfig) TickInterval() time.Duration {
	return millis(c.Control.TickIntervalMs, 100)
}

// IntegrationTime returns the counter integration time.
func (c *AppConfig) IntegrationTime() time.Duration {
	return millis(c.Control.IntegrationTimeMs, 100)
}

// ShutdownTimeout bounds graceful shutdown.
func (c *AppConfig) ShutdownTimeout() time.Duration {
	if c.Control.ShutdownTimeoutSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.Control.ShutdownTimeoutSeconds) * time.Second
}

// ShuttleDelay returns the duration of simulated interpolated voltage moves.
func (h HardwareConfig) ShuttleDelay() time.Duration {
	return millis(h.ShuttleDelayMs, 0)
}

// ShutterChannels returns the shutter table as a map.
func (h HardwareConfig) ShutterChannels() map[string]int {
	m := make(map[string]int, len(h.Shutters))
	for _, s := range h.Shutters {
		m[s.Name] = s.Channel
	}
	return m
}

// GlobalValues returns the global variables and their start values.
func (h HardwareConfig) GlobalValues() map[string]float64 {
	m := make(map[string]float64, len(h.Globals))
	for _, g := range h.Globals {
		m[g.Name] = g.Value
	}
	return m
}

// PollInterval returns the wavemeter poll period.
func (w WavemeterConfig) PollInterval() time.Duration {
	return millis(w.PollIntervalMs, 500)
}

// Backoff returns the wait after a failed poll; 0 selects the poller default.
func (w WavemeterConfig) Backoff() time.Duration {
	return time.Duration(w.BackoffSeconds) * time.Second
}

func millis(ms, def int) time.Duration {
	if ms <= 0 {
		ms = def
	}
	return time.Duration(ms) * time.Millisecond
}
