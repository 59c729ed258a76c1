// ABOUTME: Root cobra command, persistent flags and shared engine construction
// ABOUTME: Subcommands receive a loaded config and logger through the app struct

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/2389/muse/internal/config"
	"github.com/2389/muse/internal/conversation"
	"github.com/2389/muse/internal/intent"
	"github.com/2389/muse/internal/session"
	"github.com/2389/muse/internal/store"
	"github.com/2389/muse/internal/transport"
)

// app carries what every subcommand needs.
type app struct {
	configPath string
	baseURL    string
	mode       string
	logLevel   string
	backend    string

	cfg    *config.Config
	logger *slog.Logger
	logOut io.Writer
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "muse",
		Short: "Compose and refine emails by chatting with an email generation service",
		Long: `muse is a chat client for an email generation service.

Describe the email you want and muse asks the service to draft it. Follow-up
messages such as "make it shorter" or "more formal" refine the current draft;
anything else starts a new email in the same chat.

Quick Start:
  muse chat               # Start an interactive session
  muse models             # List the models the service offers
  muse status             # Check service health and catalog`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd.ErrOrStderr())
		},
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", "", "Config file (default $MUSE_CONFIG or ~/.config/muse/config.yaml)")
	root.PersistentFlags().StringVar(&a.baseURL, "url", "", "Email service base URL (overrides config)")
	root.PersistentFlags().StringVar(&a.mode, "mode", "", "Reply mode: stream or batch (overrides config)")
	root.PersistentFlags().StringVar(&a.backend, "session", "", "Session backend: memory or sqlite (overrides config)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	root.AddCommand(
		newChatCmd(a),
		newModelsCmd(a),
		newHealthCmd(a),
		newStatusCmd(a),
		newExportCmd(a),
		newVersionCmd(),
	)
	return root
}

// load reads the config file and applies flag overrides.
func (a *app) load(logOut io.Writer) error {
	path := a.configPath
	if path == "" {
		path = getConfigPath()
	}

	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if a.baseURL != "" {
		cfg.Service.BaseURL = a.baseURL
	}
	if a.mode != "" {
		cfg.Service.Mode = a.mode
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	if a.backend != "" {
		cfg.Session.Backend = a.backend
	}
	if cfg.Session.Backend == "sqlite" && cfg.Session.Path == "" {
		cfg.Session.Path = filepath.Join(getDataPath(), "session.db")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	a.cfg = cfg
	a.logOut = logOut
	a.logger = setupLogger(cfg.Logging, logOut)
	slog.SetDefault(a.logger)
	return nil
}

// newClient builds the service client from config.
func (a *app) newClient() *transport.Client {
	client := transport.NewClient(a.cfg.Service.BaseURL, transport.Mode(a.cfg.Service.Mode))
	client.SetTimeout(a.cfg.Service.Timeout)
	client.SetToken(a.cfg.Service.Token)
	client.SetQuality(a.cfg.Service.Quality)
	client.SetLogger(a.logger)
	return client
}

// openBackend opens the configured session backend.
func (a *app) openBackend() (store.Store, error) {
	switch a.cfg.Session.Backend {
	case "sqlite":
		s, err := store.NewSQLiteStore(a.cfg.Session.Path)
		if err != nil {
			return nil, fmt.Errorf("opening session database: %w", err)
		}
		return s, nil
	default:
		return store.NewMemoryStore(), nil
	}
}

// newEngine opens a fresh session and builds the engine around it. The
// returned cleanup closes the engine and the backend.
func (a *app) newEngine(ctx context.Context) (*conversation.Service, func(), error) {
	backend, err := a.openBackend()
	if err != nil {
		return nil, nil, err
	}

	sessions, err := session.Open(ctx, backend, a.logger, session.WithKey(a.cfg.Session.Key))
	if err != nil {
		backend.Close()
		return nil, nil, fmt.Errorf("opening session: %w", err)
	}

	svc := conversation.New(sessions, a.newClient(), a.logger)
	if tone, err := intent.ParseTone(a.cfg.Defaults.Tone); err == nil {
		svc.SetDefaultTone(tone)
	}
	if a.cfg.Defaults.Model != "" {
		if err := svc.SelectModel(a.cfg.Defaults.Model); err != nil {
			a.logger.Warn("ignoring configured model", "model", a.cfg.Defaults.Model, "error", err)
		}
	}

	cleanup := func() {
		svc.CancelAll()
		svc.Close()
		if err := backend.Close(); err != nil {
			a.logger.Warn("closing session backend", "error", err)
		}
	}
	return svc, cleanup, nil
}
