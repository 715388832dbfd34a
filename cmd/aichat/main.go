// Package main is the entry point for the aichat CLI.
// aichat routes each question to a live capability (weather, web search)
// or to the model's own knowledge, then answers with the generation model.
package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dkilleen4417/ai-chat-mp/internal/config"
	"github.com/dkilleen4417/ai-chat-mp/internal/logging"
)

var (
	version  = "0.1.0"
	cfgPath  string
	verbose  bool
	noColor  bool
	closeLog = func() error { return nil }
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "aichat",
		Short: "aichat - query router for weather, search and model knowledge",
		Long: `aichat decides for every question whether to call a weather tool,
fan out to web search, combine both, or answer from model knowledge.

Ask a question:        aichat ask "will it rain in Paris tomorrow?"
Inspect a decision:    aichat route "what's the weather at home?"
Run the HTTP API:      aichat serve
Configuration:         aichat config show`,
		SilenceUsage:       true,
		PersistentPreRunE:  initLogging,
		PersistentPostRunE: func(*cobra.Command, []string) error { return closeLog() },
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path (default ~/.aichat/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("aichat v%s\n", version)
		},
	})

	rootCmd.AddCommand(askCmd())
	rootCmd.AddCommand(routeCmd())
	rootCmd.AddCommand(capabilitiesCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(profileCmd())
	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// LOGGING INITIALIZATION
// ═══════════════════════════════════════════════════════════════════════════════

func initLogging(cmd *cobra.Command, args []string) error {
	if noColor {
		lipgloss.SetColorProfile(termenv.Ascii)
	}

	// Loading creates a missing file, which config init must not see.
	cfg := config.Default()
	if cmd.Parent() == nil || cmd.Parent().Name() != "config" {
		if loaded, err := loadConfig(); err == nil {
			cfg = loaded
		}
	}

	closeFn, err := logging.Setup(logging.Options{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		File:    cfg.Logging.File,
		Verbose: verbose,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to open log file: %v\n", err)
	}
	closeLog = closeFn

	log.Debug().Str("config", configPath()).Msg("aichat session started")
	return nil
}

// loadConfig reads the config from --config or the default location and
// validates it.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if cfgPath != "" {
		cfg, err = config.LoadFromPath(cfgPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func configPath() string {
	if cfgPath != "" {
		return cfgPath
	}
	path, err := config.DefaultPath()
	if err != nil {
		return "~/.aichat/config.yaml"
	}
	return path
}
