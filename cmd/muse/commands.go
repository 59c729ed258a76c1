// ABOUTME: One-shot subcommands: models, health, status, export and version
// ABOUTME: status probes health and the model catalog concurrently with errgroup

package main

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/2389/muse/internal/email"
	"github.com/2389/muse/internal/session"
	"github.com/2389/muse/internal/transport"
)

func newModelsCmd(a *app) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the models offered by the email service",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := a.newClient()
			fetch := client.Models
			if all {
				fetch = client.AllModels
			}
			catalog, err := fetch(cmd.Context())
			if err != nil {
				return err
			}
			printCatalog(cmd.OutOrStdout(), catalog, catalog.Default)
			if catalog.Source != "" {
				fmt.Fprintln(cmd.OutOrStdout(), color.HiBlackString("source: "+catalog.Source))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "list every upstream model, not just the curated set")
	return cmd
}

func printCatalog(w io.Writer, catalog *transport.Catalog, selected string) {
	if len(catalog.Models) == 0 {
		fmt.Fprintln(w, "No models available.")
		return
	}
	for _, m := range catalog.Models {
		marker := "  "
		if m.ID == selected {
			marker = color.GreenString("* ")
		}
		label := m.ID
		if m.Name != m.ID {
			label += color.HiBlackString(" (" + m.Name + ")")
		}
		if m.ID == catalog.Default {
			label += color.HiBlackString(" [default]")
		}
		fmt.Fprintf(w, "%s%s\n", marker, label)
	}
}

func newHealthCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the email service is reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.newClient().Health(cmd.Context()); err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "healthy")
			return nil
		},
	}
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration, service health and model catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := a.newClient()
			out := cmd.OutOrStdout()

			var (
				healthErr  error
				catalog    *transport.Catalog
				catalogErr error
				latency    time.Duration
			)

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				start := time.Now()
				healthErr = client.Health(ctx)
				latency = time.Since(start)
				return nil
			})
			g.Go(func() error {
				catalog, catalogErr = client.Models(ctx)
				return nil
			})
			if err := g.Wait(); err != nil {
				return err
			}

			fmt.Fprintf(out, "Service:  %s (%s mode)\n", a.cfg.Service.BaseURL, client.Mode())
			fmt.Fprintf(out, "Session:  %s, key %q\n", a.cfg.Session.Backend, a.cfg.Session.Key)
			if healthErr != nil {
				fmt.Fprintf(out, "Health:   %s %v\n", color.RedString("unreachable"), healthErr)
			} else {
				fmt.Fprintf(out, "Health:   %s (%s)\n", color.GreenString("ok"), latency.Round(time.Millisecond))
			}
			if catalogErr != nil {
				fmt.Fprintf(out, "Models:   %s %v\n", color.RedString("unavailable"), catalogErr)
			} else {
				fmt.Fprintf(out, "Models:   %d, default %s\n", len(catalog.Models), catalog.Default)
			}

			if healthErr != nil {
				return fmt.Errorf("service is not healthy")
			}
			return nil
		},
	}
}

// exportChat is the YAML shape of one persisted chat.
type exportChat struct {
	ID           string       `yaml:"id"`
	Title        string       `yaml:"title"`
	CreatedAt    time.Time    `yaml:"created_at"`
	Cost         float64      `yaml:"cost"`
	EmailCount   int          `yaml:"email_count"`
	CurrentEmail *exportEmail `yaml:"current_email,omitempty"`
	History      []exportTurn `yaml:"history"`
}

type exportEmail struct {
	Subject string `yaml:"subject"`
	Body    string `yaml:"body"`
}

type exportTurn struct {
	Role    string       `yaml:"role"`
	Content string       `yaml:"content"`
	Email   *exportEmail `yaml:"email,omitempty"`
}

func toExport(chats []*session.Chat) []exportChat {
	out := make([]exportChat, 0, len(chats))
	for _, c := range chats {
		ec := exportChat{
			ID:         c.ID,
			Title:      c.Title,
			CreatedAt:  c.CreatedAt,
			Cost:       c.Cost,
			EmailCount: c.EmailCount,
			History:    make([]exportTurn, 0, len(c.ConversationHistory)),
		}
		if c.CurrentEmail != nil {
			ec.CurrentEmail = exportOf(*c.CurrentEmail)
		}
		for _, t := range c.ConversationHistory {
			et := exportTurn{Role: string(t.Role), Content: t.Content}
			if e, ok := t.Email(); ok {
				et.Email = exportOf(e)
			}
			ec.History = append(ec.History, et)
		}
		out = append(out, ec)
	}
	return out
}

func exportOf(e email.Email) *exportEmail {
	return &exportEmail{Subject: e.Subject, Body: e.Body}
}

func newExportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Print the persisted session record as YAML",
		Long: `Print the chat record held by the session backend as YAML.

The record is read in place and not cleared, so with the sqlite backend this
shows the live session of a running "muse chat". With the memory backend the
record is always empty.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, err := a.openBackend()
			if err != nil {
				return err
			}
			defer backend.Close()

			chats, err := session.ReadRecord(cmd.Context(), backend, a.cfg.Session.Key)
			if err != nil {
				return err
			}
			return writeYAML(cmd.OutOrStdout(), map[string]any{"chats": toExport(chats)})
		},
	}
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding yaml: %w", err)
	}
	return enc.Close()
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the muse version",
		// Skip config loading; version needs none.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "muse %s\n", version)
		},
	}
}
