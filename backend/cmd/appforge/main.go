// Command appforge serves the application generation API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/appforge/appforge/backend/internal/agent"
	"github.com/appforge/appforge/backend/internal/config"
	"github.com/appforge/appforge/backend/internal/conversation"
	"github.com/appforge/appforge/backend/internal/db"
	"github.com/appforge/appforge/backend/internal/deploy"
	"github.com/appforge/appforge/backend/internal/gitutil"
	"github.com/appforge/appforge/backend/internal/orchestrator"
	"github.com/appforge/appforge/backend/internal/server"
)

func newRootCmd() *cobra.Command {
	var configPath, logLevel, dbPath, addr string

	// load reads the configuration file then applies the flags set on the
	// command line.
	load := func(cmd *cobra.Command) (*config.Config, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		flags := cmd.Flags()
		if flags.Changed("log-level") {
			cfg.LogLevel = logLevel
		}
		if flags.Changed("db") {
			cfg.Database = dbPath
		}
		if flags.Lookup("http") != nil && flags.Changed("http") {
			cfg.HTTP = addr
		}
		initLogging(cfg.LogLevel)
		return cfg, nil
	}

	root := &cobra.Command{
		Use:           "appforge",
		Short:         "Turn conversations into deployed applications",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "YAML configuration file (default ./appforge.yaml if present)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite database path")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration:\n%w", err)
			}
			return serveHTTP(cmd.Context(), cfg)
		},
	}
	serve.Flags().StringVar(&addr, "http", "", "listen address (e.g. :8080)")

	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			if cfg.Database == "" {
				return errors.New("database path is required")
			}
			d, err := db.Open(cmd.Context(), cfg.Database)
			if err != nil {
				return err
			}
			slog.Info("database ready", "path", cfg.Database)
			return d.Close()
		},
	}

	root.AddCommand(serve, migrate)
	return root
}

func serveHTTP(ctx context.Context, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	d, err := db.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()

	opts := orchestrator.Options{
		Upstream: &orchestrator.AgentUpstream{Client: &agent.Client{BaseURL: cfg.Agent.URL, APIKey: cfg.Agent.APIKey}},
		Git: &gitutil.Host{
			Root:        cfg.Git.Root,
			BaseURL:     cfg.Git.BaseURL,
			AuthorName:  cfg.Git.AuthorName,
			AuthorEmail: cfg.Git.AuthorEmail,
		},
		Apps:         d,
		Store:        conversation.NewStore(slog.Default()),
		Logger:       slog.Default(),
		DrainTimeout: cfg.Orchestrator.DrainTimeout,
		AgentTimeout: cfg.Agent.Timeout,
		TraceDir:     cfg.Orchestrator.TraceDir,
	}
	srvOpts := &server.Options{Apps: d, Config: cfg}
	if cfg.Deploy.URL != "" {
		dc := &deploy.Client{BaseURL: cfg.Deploy.URL, Token: cfg.Deploy.Token}
		opts.Deployer = dc
		srvOpts.Deployments = dc
	} else {
		slog.Warn("deploy.url is not set, deployments are disabled")
	}
	orch, err := orchestrator.New(ctx, opts)
	if err != nil {
		return err
	}
	srvOpts.Orchestrator = orch
	srv, err := server.New(srvOpts)
	if err != nil {
		return err
	}

	// Exit when executable is rebuilt (systemd restarts the service).
	if err := watchExecutable(ctx, cancel); err != nil {
		slog.Warn("failed to watch executable", "err", err)
	}
	return srv.ListenAndServe(ctx, cfg.HTTP)
}

func mainImpl() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return newRootCmd().ExecuteContext(ctx)
}

func main() {
	if err := mainImpl(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "appforge: %v\n", err)
		os.Exit(1)
	}
}
