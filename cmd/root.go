package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/audiolibrelab/micstream/internal/config"

	"github.com/spf13/cobra"
)

var (
	cfg          *config.Config
	cfgFile      string
	profile      string
	verboseLevel int

	logFile *os.File
)

var rootCmd = &cobra.Command{
	Use:   "micstream",
	Short: "Microphone capture service",
	Long: `micstream captures PCM audio from the microphone and hands decoded
frames to subscribers: a WAV recorder, a WebSocket stream or the terminal.

The capture session is controlled either from the command line or through
the HTTP API started by 'micstream serve'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Use default config path if not specified; a missing default
		// file means built-in defaults.
		if cfgFile == "" {
			defaultPath := os.ExpandEnv("$HOME/.config/micstream.yaml")
			if _, err := os.Stat(defaultPath); err == nil {
				cfgFile = defaultPath
			}
		}

		var err error
		cfg, err = config.LoadWithProfile(cfgFile, profile)
		if err != nil {
			setupLogging(verboseLevel, "info", "")
			return fmt.Errorf("failed to load config: %w", err)
		}

		logFile, err = setupLogging(verboseLevel, cfg.Log.Level, cfg.Log.File)
		if err != nil {
			return fmt.Errorf("failed to configure logging: %w", err)
		}

		slog.Debug("Configuration loaded", "file", cfgFile, "profile", cfg.Profile, "format", cfg.Format().String())
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if logFile != nil {
			return logFile.Close()
		}
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/micstream.yaml)")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "", "configuration profile to use (overrides active_config from file)")
	rootCmd.PersistentFlags().IntVarP(&verboseLevel, "verbose", "v", 0, "verbose level: 0=config log level, 1+=debug")

	rootCmd.AddCommand(captureCmd)
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(configCmd)
}

// setupLogging configures slog. A verbose level above zero forces debug.
// With a log file the output is JSON lines in that file, otherwise text on
// stderr. The returned file, if any, must be closed by the caller.
func setupLogging(verbose int, level, file string) (*os.File, error) {
	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	case "info", "":
		slogLevel = slog.LevelInfo
	default:
		return nil, errors.New("unexpected log level: " + level)
	}
	if verbose >= 1 {
		slogLevel = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{
		Level: slogLevel,
	}

	if file == "" {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
		return nil, nil
	}

	f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(f, opts)))
	return f, nil
}
