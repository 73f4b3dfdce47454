// Command server runs the ion-trap AutoLoader service and its maintenance
// commands.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Version info (set during build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

var (
	// Global flags
	configPath string
	verbose    bool

	// Logger
	logger   *zap.Logger
	logLevel zap.AtomicLevel
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "autoloader",
	Short: "Ion-trap AutoLoader control service",
	Long: `autoloader drives the ion loading sequence of a trapped-ion experiment:
preheat the oven, open the loading shutters, watch the photon counters for a
fluorescing ion and restore the experiment configuration once one is trapped.

Run "autoloader serve" to start the control loop and the HTTP API.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		logLevel = config.Level
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		if configPath == "" {
			configPath, err = defaultConfigPath()
			if err != nil {
				return err
			}
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "autoloader %s (built %s)\n", Version, BuildTime)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the XML config (default: next to the executable)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd, historyCmd, profileCmd, versionCmd)
}

// defaultConfigPath places the config next to the executable.
func defaultConfigPath() (string, error) {
	exePath, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("failed to get executable path: %w", err)
	}
	return filepath.Join(filepath.Dir(exePath), "IonTrapAutoLoader.config"), nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
