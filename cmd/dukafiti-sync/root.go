package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"dukafiti/offline/internal/config"
	"dukafiti/offline/internal/logging"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var jsonOutput bool

var rootCmd = &cobra.Command{
	Use:           "dukafiti-sync",
	Short:         "Offline-first sync agent for the shop POS",
	Long:          "Runs the local sync agent and inspects or repairs its operation queue.",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(clearErrorsCmd)
	rootCmd.AddCommand(retryErrorsCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.Version = Version
}

// loadRuntime reads configuration and builds the root logger.
func loadRuntime() (config.Config, zerolog.Logger, func() error, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, zerolog.Nop(), nil, fmt.Errorf("load config: %w", err)
	}
	logger, closeLog, err := logging.New(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		return config.Config{}, zerolog.Nop(), nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logger, closeLog, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}
