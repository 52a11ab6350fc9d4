package commands

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/loqalabs/loqa-pendant/internal/config"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath   string
	daemonAddr   string
	formatOutput string
)

var rootCmd = &cobra.Command{
	Use:   "loqa-pendant",
	Short: "Companion daemon for the Loqa wearable pendant",
	Long: `loqa-pendant - capture, transcribe and organize conversations from a wearable recorder.

The daemon ('loqa-pendant run') owns the device connection, the transcription
backend and the conversation store. The other commands talk to a running
daemon over its local HTTP API.

Examples:
  loqa-pendant run --config loqa.yaml
  loqa-pendant scan
  loqa-pendant sync --wait
  loqa-pendant recordings list
  loqa-pendant recordings export recording-opus-1717228800000 -o out.wav`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "loqa.yaml", "path to configuration file")
	rootCmd.PersistentFlags().StringVar(&daemonAddr, "addr", "", "daemon address (default from config http.bind and http.port)")
	rootCmd.PersistentFlags().StringVar(&formatOutput, "format", "table", "output format: table or json")
}

// loadConfig reads the config file, falling back to defaults plus
// environment overrides when the file does not exist.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if errors.Is(err, os.ErrNotExist) {
		return config.Load("")
	}
	return cfg, err
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// daemon returns a client for the configured daemon address.
func daemon() (*client, error) {
	if daemonAddr != "" {
		return newClient(daemonAddr), nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	host := cfg.HTTP.Bind
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return newClient(fmt.Sprintf("http://%s:%d", host, cfg.HTTP.Port)), nil
}
