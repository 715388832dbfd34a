package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/dkilleen4417/ai-chat-mp/internal/capability"
	"github.com/dkilleen4417/ai-chat-mp/internal/config"
	"github.com/dkilleen4417/ai-chat-mp/internal/generation"
	"github.com/dkilleen4417/ai-chat-mp/internal/pipeline"
	"github.com/dkilleen4417/ai-chat-mp/internal/profile"
	"github.com/dkilleen4417/ai-chat-mp/internal/server"
)

const askTimeout = 2 * time.Minute

// ═══════════════════════════════════════════════════════════════════════════════
// ASK COMMAND
// ═══════════════════════════════════════════════════════════════════════════════

func askCmd() *cobra.Command {
	var (
		convID  string
		userID  string
		details bool
		raw     bool
	)
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a question (one-shot query)",
		Long: `Ask a question and get an answer grounded in live data where needed.

Examples:
  aichat ask "What's the weather at home?"
  aichat ask "Will it rain in Paris tomorrow?"
  aichat ask -c trip "And on Sunday?"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(appOptions{})
			if err != nil {
				return fmt.Errorf("failed to initialize: %w", err)
			}
			defer a.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), askTimeout)
			defer cancel()

			res, err := a.pipeline.Process(ctx, pipeline.Request{
				Text:           strings.Join(args, " "),
				ConversationID: convID,
				UserID:         userID,
			})
			if err != nil {
				var gerr *generation.GenerationError
				if errors.As(err, &gerr) {
					log.Debug().Msg(gerr.Detail())
					fmt.Fprintln(os.Stderr, errStyle.Render(gerr.Error()))
					return err
				}
				return fmt.Errorf("failed to process: %w", err)
			}

			out := cmd.OutOrStdout()
			if raw {
				fmt.Fprintln(out, res.Answer)
			} else {
				fmt.Fprintln(out, renderMarkdown(res.Answer))
			}

			if details {
				fmt.Fprintln(out)
				printDecision(out, res.Decision)
				printSynthesis(out, res.Synthesis)
				field(out, "model", res.Response.ModelID)
				field(out, "conversation", res.Query.ConversationID)
				field(out, "trace", res.TraceID)
				field(out, "took", res.Duration.Round(time.Millisecond).String())
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&convID, "conversation", "c", "", "conversation id to continue")
	cmd.Flags().StringVarP(&userID, "user", "u", "", "user id whose profile to use")
	cmd.Flags().BoolVarP(&details, "details", "d", false, "show routing and capability details")
	cmd.Flags().BoolVar(&raw, "raw", false, "print the answer without markdown rendering")
	return cmd
}

// ═══════════════════════════════════════════════════════════════════════════════
// ROUTE COMMAND
// ═══════════════════════════════════════════════════════════════════════════════

func routeCmd() *cobra.Command {
	var (
		userID string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "route [question]",
		Short: "Show the routing decision for a question without answering it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(appOptions{})
			if err != nil {
				return fmt.Errorf("failed to initialize: %w", err)
			}
			defer a.Close()

			routed, err := a.pipeline.Route(cmd.Context(), pipeline.Request{Text: strings.Join(args, " "), UserID: userID})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(routed)
			}
			if routed.Optimized.Text != strings.Join(args, " ") {
				fmt.Fprintln(out, boxStyle.Render(routed.Optimized.Text))
			}
			printDecision(out, routed.Decision)
			return nil
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "user id whose profile to use")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the decision as JSON")
	return cmd
}

// ═══════════════════════════════════════════════════════════════════════════════
// CAPABILITIES COMMAND
// ═══════════════════════════════════════════════════════════════════════════════

func capabilitiesCmd() *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:     "capabilities",
		Aliases: []string{"caps"},
		Short:   "List registered tools and search providers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			reg, err := buildRegistry(cfg.Capabilities)
			if err != nil {
				return err
			}

			caps := reg.List()
			if kind != "" {
				caps = reg.ListKind(capability.Kind(kind))
			}
			out := cmd.OutOrStdout()
			if len(caps) == 0 {
				fmt.Fprintln(out, warnStyle.Render("No capabilities registered. Set API keys in the config or environment."))
				return nil
			}
			for _, d := range caps {
				fmt.Fprintf(out, "%s  %s  %s\n", titleStyle.Render(d.ID), labelStyle.Render(string(d.Kind)+"/"+string(d.Scope)), d.Description)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "only list this kind (tool or search)")
	return cmd
}

// ═══════════════════════════════════════════════════════════════════════════════
// CONFIG COMMANDS
// ═══════════════════════════════════════════════════════════════════════════════

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			masked := *cfg
			masked.Capabilities = maskKeys(cfg.Capabilities)

			data, err := yaml.Marshal(&masked)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), titleStyle.Render("# "+configPath()))
			fmt.Fprint(cmd.OutOrStdout(), string(data))
			return nil
		},
	})

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath()
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.Default().SaveToPath(path); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("Wrote "+path))
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cmd.AddCommand(initCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), configPath())
		},
	})

	return cmd
}

func maskKeys(c config.CapabilitiesConfig) config.CapabilitiesConfig {
	for _, cc := range []*config.CapabilityConfig{&c.OpenWeather, &c.WeatherFlow, &c.Brave, &c.Serper, &c.Tavily, &c.What3Words} {
		if cc.APIKey != "" {
			cc.APIKey = "****"
		}
	}
	return c
}

// ═══════════════════════════════════════════════════════════════════════════════
// PROFILE COMMANDS
// ═══════════════════════════════════════════════════════════════════════════════

func profileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Manage user profiles",
	}

	var userID string
	show := &cobra.Command{
		Use:   "show",
		Short: "Show a stored profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			if userID == "" {
				userID = a.cfg.Server.DefaultUserID
			}
			p, err := a.profiles.Get(cmd.Context(), userID)
			if errors.Is(err, profile.ErrNotFound) {
				return fmt.Errorf("no profile for %q (import one with: aichat profile import FILE)", userID)
			}
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(p)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
	show.Flags().StringVarP(&userID, "user", "u", "", "user id (default from config)")
	cmd.AddCommand(show)

	cmd.AddCommand(&cobra.Command{
		Use:   "import FILE",
		Short: "Import a profile from a YAML file",
		Long: `Import a profile from a YAML file. Example:

  user_id: default
  location: {value: "Catonsville, Maryland", shareable: true}
  units: {value: imperial, shareable: true}
  weather_station: {value: "12345", shareable: true}
  station_provider: weatherflow
  address: {value: "317 N Beaumont Ave, Catonsville, MD", shareable: true}
  w3w: {value: boom.unable.habit, shareable: true}`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := profile.LoadFile(args[0])
			if err != nil {
				return err
			}
			a, err := newApp(appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			if a.store == nil {
				fmt.Fprintln(os.Stderr, warnStyle.Render("storage driver is memory: the profile will not outlive this process"))
			}
			if err := a.profiles.Put(cmd.Context(), p); err != nil {
				return fmt.Errorf("save profile: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("Imported profile "+p.UserID))
			return nil
		},
	})

	return cmd
}

// ═══════════════════════════════════════════════════════════════════════════════
// SERVE COMMAND
// ═══════════════════════════════════════════════════════════════════════════════

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(appOptions{withHub: true})
			if err != nil {
				return fmt.Errorf("failed to initialize: %w", err)
			}
			defer a.Close()

			if addr == "" {
				addr = a.cfg.Server.Addr
			}
			deps := server.Deps{
				Pipeline: a.pipeline,
				Registry: a.registry,
				Metrics:  a.catalog.Metrics(),
				Hub:      a.hub,
				Version:  version,
			}
			if a.store != nil {
				deps.Traces = a.store
			}
			srv := server.New(server.Config{Addr: addr}, deps)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()

			fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("Listening on http://"+addr))
			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			log.Info().Msg("shutting down")
			return srv.Shutdown(context.Background())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	return cmd
}
