package commands

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/antoniostano/parley/internal/config"
	"github.com/antoniostano/parley/internal/logging"
)

var (
	logLevel   string
	backendURL string
)

var rootCmd = &cobra.Command{
	Use:   "parley",
	Short: "Realtime voice conversations from the terminal",
	Long: `parley holds a live voice conversation with a realtime speech model.

The client asks the parley backend for a short-lived credential, then
negotiates a WebRTC audio session directly with the provider. The long-lived
provider key never leaves the backend.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error); overrides LOG_LEVEL")
	rootCmd.PersistentFlags().StringVar(&backendURL, "backend", "", "credential backend base URL; overrides SERVER_BASE_URL")

	rootCmd.AddCommand(callCmd)
	rootCmd.AddCommand(voicesCmd)
	rootCmd.AddCommand(credentialCmd)
}

// loadRuntime reads .env and the environment, then applies flag overrides.
func loadRuntime() (config.Config, *zap.Logger, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return config.Config{}, nil, fmt.Errorf("load .env: %w", err)
	}
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("config: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if backendURL != "" {
		cfg.ServerBaseURL = strings.TrimRight(backendURL, "/")
	}
	return cfg, logging.New(cfg.LogLevel, cfg.LogFormat), nil
}
