package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/swparkaust/chat-with-ai/pkg/config"
	"github.com/swparkaust/chat-with-ai/pkg/gateway"
	"github.com/swparkaust/chat-with-ai/pkg/lock"
	"github.com/swparkaust/chat-with-ai/pkg/logger"
	"github.com/swparkaust/chat-with-ai/pkg/memory"
	"github.com/swparkaust/chat-with-ai/pkg/notify"
	"github.com/swparkaust/chat-with-ai/pkg/providers"
	"github.com/swparkaust/chat-with-ai/pkg/season"
	"github.com/swparkaust/chat-with-ai/pkg/store"
	"github.com/swparkaust/chat-with-ai/pkg/telemetry"
)

type rootOptions struct {
	configPath string
	debug      bool
}

func executeCLI() error {
	return buildRootCommand().Execute()
}

func buildRootCommand() *cobra.Command {
	opts := &rootOptions{}
	var showVersion bool

	root := &cobra.Command{
		Use:   appName,
		Short: "Autonomous chat persona with human-like timing, memory and seasons",
		Long: strings.TrimSpace(`chatwithai runs a persona that decides on its own when to read, reply,
stay silent or start a conversation, types in fragments with realistic
delays, and keeps an evolving memory.

Use serve to run the scheduler with the HTTP gateway, or chat to talk to
the persona from the terminal.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion(cmd.OutOrStdout())
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defaultConfigPath(), "Path to config.json")
	root.PersistentFlags().BoolVarP(&opts.debug, "debug", "d", false, "Enable debug logging")

	root.AddCommand(newServeCommand(opts))
	root.AddCommand(newChatCommand(opts))
	root.AddCommand(newPersonaCommand(opts))
	root.AddCommand(newRotateCommand(opts))
	root.AddCommand(newMaintainCommand(opts))
	root.AddCommand(newStatusCommand(opts))
	root.AddCommand(newVersionCommand())
	return root
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "serve",
		Short:   "Run the scheduler worker, periodic tasks and HTTP gateway",
		Long:    "Start the durable job worker, periodic evolution/maintenance/rotation, the HTTP + websocket gateway and the Discord notifier when a token is configured.",
		Example: "  chatwithai serve --debug",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}
}

func runServe(cmd *cobra.Command, opts *rootOptions) error {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	configureLogging(cfg, opts.debug)

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry.Endpoint, version, cfg.Telemetry.Insecure)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(flushCtx)
	}()

	provider, err := providers.CreateProvider(cfg)
	if err != nil {
		return fmt.Errorf("create provider: %w", err)
	}

	var discord *notify.DiscordNotifier
	notifier := notify.Notifier(notify.LogNotifier{})
	if strings.TrimSpace(cfg.Discord.Token) != "" {
		discord, err = notify.NewDiscordNotifier(cfg.Discord)
		if err != nil {
			return err
		}
		notifier = notify.Multi{notify.LogNotifier{}, discord}
	}

	a, err := newApp(cfg, provider, notifier)
	if err != nil {
		return err
	}
	defer a.Close()

	if _, err := a.ensurePersona(ctx); err != nil {
		return fmt.Errorf("ensure persona: %w", err)
	}
	if discord != nil {
		if err := discord.Start(ctx); err != nil {
			return err
		}
		defer func() { _ = discord.Stop(context.Background()) }()
	}

	g, gctx := errgroup.WithContext(ctx)
	if err := a.startBackground(gctx); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "✓ Scheduler worker started")

	if cfg.Gateway.Enabled {
		addr := fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port)
		srv := gateway.New(gateway.Deps{
			Store:    a.store,
			Bus:      a.bus,
			Queue:    a.queue,
			Receipts: a.receipts,
			Presence: a.presence,
			Ready:    func(ctx context.Context) error { return a.store.DB().PingContext(ctx) },
		}, gateway.Config{Addr: addr})
		g.Go(func() error { return srv.Run(gctx) })
		fmt.Fprintf(out, "✓ Gateway listening on http://%s (health: /health, ready: /ready)\n", addr)
	}
	fmt.Fprintln(out, "Press Ctrl+C to stop")

	g.Go(func() error {
		<-gctx.Done()
		a.stopBackground()
		return nil
	})
	err = g.Wait()
	fmt.Fprintln(out, "✓ Stopped")
	return err
}

func newPersonaCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "persona",
		Short: "Manage the active persona",
	}

	var prompt string
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Generate the first persona",
		Long:  "Generate and activate a persona when none is active. Without --prompt a random description is used.",
		Example: strings.Join([]string{
			"  chatwithai persona init",
			"  chatwithai persona init --prompt \"20대 중반 직장인 여자, 조용한 성격\"",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRotator(cmd, opts, func(ctx context.Context, r *season.Rotator) error {
				p, err := r.Initialize(ctx, prompt)
				if errors.Is(err, season.ErrActivePersona) {
					return fmt.Errorf("a persona is already active; use rotate to replace it")
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ Persona %s (%s) is active\n", p.FullName(), p.ID)
				return nil
			})
		},
	}
	initCmd.Flags().StringVarP(&prompt, "prompt", "p", "", "Persona description")
	cmd.AddCommand(initCmd)
	return cmd
}

func newRotateCommand(opts *rootOptions) *cobra.Command {
	var prompt string
	cmd := &cobra.Command{
		Use:     "rotate",
		Short:   "Start a new season now",
		Long:    "Deactivate the current persona and its conversations and activate a freshly generated persona.",
		Example: "  chatwithai rotate --prompt \"20대 후반 프리랜서 남자, 유머러스한 성격\"",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRotator(cmd, opts, func(ctx context.Context, r *season.Rotator) error {
				p, err := r.Rotate(ctx, prompt)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ New season: %s (%s)\n", p.FullName(), p.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&prompt, "prompt", "p", "", "Persona description")
	return cmd
}

func withRotator(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, r *season.Rotator) error) error {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	configureLogging(cfg, opts.debug)
	provider, err := providers.CreateProvider(cfg)
	if err != nil {
		return fmt.Errorf("create provider: %w", err)
	}
	a, err := newApp(cfg, provider, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext(cmd.Context())
	defer stop()
	return fn(ctx, a.rotator)
}

func newMaintainCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "maintain",
		Short: "Run memory maintenance for the active persona",
		Long:  "Apply decay, consolidation and pruning to the active persona's memories.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			configureLogging(cfg, opts.debug)
			s, err := store.NewSQLiteStore(cfg.DatabasePath())
			if err != nil {
				return err
			}
			defer s.Close()
			locker, err := lock.NewSQLiteLocker(s.DB())
			if err != nil {
				return err
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			persona, err := s.ActivePersona(ctx)
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("no active persona; run persona init first")
			}
			if err != nil {
				return err
			}
			engine := memory.NewEngine(s, locker, memory.Config{
				ConsolidationMinCount: cfg.Memory.ConsolidationMinCount,
				MaxMemories:           cfg.Memory.MaxMemories,
				MaintenanceWait:       seconds(cfg.Memory.MaintenanceWaitSecs),
			})
			report, err := engine.RunMaintenance(ctx, persona.ID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ %s: decayed %d, consolidated %d, pruned %d in %s\n",
				persona.FullName(), report.Decayed, report.Consolidated, report.Pruned, report.Duration.Round(time.Millisecond))
			return nil
		},
	}
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration, persona and queue status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), cmd.OutOrStdout(), opts.configPath)
		},
	}
}

func runStatus(ctx context.Context, out io.Writer, configPath string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}

	mark := func(ok bool) string {
		if ok {
			return "✓"
		}
		return "✗"
	}
	exists := func(path string) bool {
		_, err := os.Stat(path)
		return err == nil
	}

	fmt.Fprintf(out, "%s Status\n", appName)
	fmt.Fprintf(out, "Version: %s\n", formatVersion())
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Config:", configPath, mark(exists(configPath)))
	fmt.Fprintln(out, "Workspace:", cfg.WorkspacePath(), mark(exists(cfg.WorkspacePath())))
	fmt.Fprintf(out, "Provider: %s (%s), API key %s\n", providers.NormalizeProviderName(cfg.ProviderName()), cfg.Provider.Model, mark(strings.TrimSpace(cfg.Provider.APIKey) != ""))
	fmt.Fprintln(out, "Discord token:", mark(strings.TrimSpace(cfg.Discord.Token) != ""))
	if cfg.Gateway.Enabled {
		fmt.Fprintf(out, "Gateway: %s:%d\n", cfg.Gateway.Host, cfg.Gateway.Port)
	}

	dbPath := cfg.DatabasePath()
	if !exists(dbPath) {
		fmt.Fprintln(out, "Database:", dbPath, "not initialized")
		return nil
	}
	fmt.Fprintln(out, "Database:", dbPath, "✓")

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return err
	}
	defer s.Close()

	persona, err := s.ActivePersona(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
		fmt.Fprintln(out, "Persona: none (run persona init)")
	case err != nil:
		return err
	default:
		started := time.UnixMilli(persona.StartedAtMS)
		rotation := started.Add(time.Duration(cfg.Season.RotationDays) * 24 * time.Hour)
		fmt.Fprintf(out, "Persona: %s since %s (next season %s)\n", persona.FullName(), started.Format("2006-01-02"), rotation.Format("2006-01-02"))
	}

	convs, err := s.ListActiveConversations(ctx)
	if err != nil {
		return err
	}
	pending, err := s.ListJobs(ctx, "", store.JobPending, 1000)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Active conversations: %d\n", len(convs))
	fmt.Fprintf(out, "Pending jobs: %d\n", len(pending))

	since := time.Now().Add(-24 * time.Hour).UnixMilli()
	for _, name := range []string{"job.completed", "job.retried", "job.failed"} {
		v, err := s.SumMetric(ctx, name, since)
		if err != nil {
			logger.DebugCF("status", "Metric unavailable", map[string]interface{}{"metric": name, "error": err.Error()})
			continue
		}
		fmt.Fprintf(out, "  %s (24h): %.0f\n", name, v)
	}
	return nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion(cmd.OutOrStdout())
			return nil
		},
	}
}
