package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"cryocore/internal/adapters/staging"
	"cryocore/internal/audit"
	"cryocore/internal/clarify"
	"cryocore/internal/config"
	"cryocore/internal/core"
	"cryocore/internal/intake"
	"cryocore/internal/plan"
)

// cli carries state shared by every subcommand.
type cli struct {
	out    io.Writer
	errOut io.Writer
	cfg    config.Config
	// open is replaced in tests.
	open func(ctx context.Context) (*app, error)
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	c := &cli{out: out, errOut: errOut}
	c.open = func(ctx context.Context) (*app, error) {
		return openApp(ctx, c.cfg, newLogger(c.cfg, c.errOut), c.errOut)
	}

	root := &cobra.Command{
		Use:           "cryoctl",
		Short:         "Stage, validate and commit cryo-storage inventory changes",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			c.cfg = cfg
			return nil
		},
	}
	root.AddCommand(
		c.serveCmd(),
		c.inventoryCmd(),
		c.applyCmd(),
		c.toolCmd(),
		c.backupsCmd(),
		c.rollbackCmd(),
		c.auditCmd(),
		c.guideCmd(),
	)
	return root
}

// withApp opens the app for one command and always closes it.
func (c *cli) withApp(ctx context.Context, fn func(*app) error) (err error) {
	a, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(context.Background()); err == nil {
			err = cerr
		}
	}()
	return fn(a)
}

func (c *cli) print(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *cli) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the staging API over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd.Context(), func(a *app) error {
				ctx := cmd.Context()
				if err := a.watch(ctx); err != nil {
					return err
				}
				broker := clarify.NewBroker(clarify.WithObserver(func(p *clarify.Pending) {
					a.logger.Info("question pending", "question_id", p.ID, "count", len(p.Questions))
				}))
				r := chi.NewRouter()
				r.Mount("/", staging.NewHandler(a.svc,
					staging.WithBroker(broker),
					staging.WithAuditLog(a.journal.Path()),
				))
				if a.registry != nil {
					r.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
				}
				srv := &http.Server{Addr: a.cfg.HTTPAddr, Handler: r, ReadHeaderTimeout: 10 * time.Second}

				errCh := make(chan error, 1)
				go func() { errCh <- srv.ListenAndServe() }()
				a.logger.Info("serving", "addr", a.cfg.HTTPAddr, "store", a.store.Describe())
				select {
				case err := <-errCh:
					return err
				case <-ctx.Done():
				}
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					return err
				}
				if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
}

func (c *cli) inventoryCmd() *cobra.Command {
	var full bool
	cmd := &cobra.Command{
		Use:   "inventory",
		Short: "Show inventory statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd.Context(), func(a *app) error {
				doc, err := a.svc.Document(cmd.Context())
				if err != nil {
					return err
				}
				if full {
					return c.print(doc)
				}
				return c.print(core.CollectStats(doc.Meta, doc.Inventory))
			})
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "print the whole document")
	return cmd
}

func (c *cli) applyCmd() *cobra.Command {
	var (
		file   string
		dryRun bool
	)
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Stage plan items from a JSON file and commit them as one batch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := readInput(file, cmd.InOrStdin())
			if err != nil {
				return err
			}
			rows, err := decodeItems(raw)
			if err != nil {
				return err
			}
			return c.withApp(cmd.Context(), func(a *app) error {
				ctx := cmd.Context()
				doc, err := a.svc.Document(ctx)
				if err != nil {
					return err
				}
				items := make([]plan.Item, 0, len(rows))
				for i, row := range rows {
					item, err := plan.FromMap(row, doc.Meta.BoxLayout, plan.SourceHuman)
					if err != nil {
						return fmt.Errorf("item %d: %w", i+1, err)
					}
					items = append(items, item)
				}
				if dryRun {
					report, err := a.svc.Preview(ctx, items)
					if perr := c.print(report); perr != nil {
						return perr
					}
					return err
				}
				if report, err := a.svc.Stage(ctx, items); err != nil {
					_ = c.print(report)
					return err
				}
				res, err := a.svc.Execute(ctx)
				if perr := c.print(res); perr != nil {
					return perr
				}
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "JSON file with plan items, - for stdin")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate without staging")
	return cmd
}

func (c *cli) toolCmd() *cobra.Command {
	var (
		input   string
		execute bool
	)
	cmd := &cobra.Command{
		Use:       "tool <name>",
		Short:     "Run one tool call against the staging queue",
		Args:      cobra.ExactArgs(1),
		ValidArgs: toolNames(),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInput(input, cmd.InOrStdin())
			if err != nil {
				return err
			}
			return c.withApp(cmd.Context(), func(a *app) error {
				ctx := cmd.Context()
				resp, err := intake.NewRunner(a.svc, nil, intake.WithSource(plan.SourceHuman)).Run(ctx, args[0], raw)
				if err != nil || !execute || resp.DryRun || len(resp.Staged) == 0 {
					if perr := c.print(resp); perr != nil {
						return perr
					}
					return err
				}
				res, err := a.svc.Execute(ctx)
				if perr := c.print(res); perr != nil {
					return perr
				}
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "-", "JSON input file, - for stdin")
	cmd.Flags().BoolVar(&execute, "execute", true, "commit the staged items")
	return cmd
}

func (c *cli) backupsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backups",
		Short: "List inventory snapshots, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd.Context(), func(a *app) error {
				entries, err := a.svc.ListBackups(cmd.Context())
				if err != nil {
					return err
				}
				return c.print(entries)
			})
		},
	}
}

func (c *cli) rollbackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rollback [backup-ref]",
		Short: "Restore the inventory from a snapshot (the newest when omitted)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref := ""
			if len(args) == 1 {
				ref = args[0]
			}
			return c.withApp(cmd.Context(), func(a *app) error {
				res, err := a.svc.Rollback(cmd.Context(), ref, plan.SourceHuman)
				if err != nil {
					return err
				}
				return c.print(res)
			})
		},
	}
}

type eventFlags struct {
	operation, action, status string
	record, limit             int
	since                     string
}

func (f *eventFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.operation, "operation", "", "filter by operation (execute, rollback, undo)")
	cmd.Flags().StringVar(&f.action, "action", "", "filter by action")
	cmd.Flags().StringVar(&f.status, "status", "", "filter by status (success, failed)")
	cmd.Flags().IntVar(&f.record, "record", 0, "filter by record id")
	cmd.Flags().IntVar(&f.limit, "limit", 0, "maximum events")
	cmd.Flags().StringVar(&f.since, "since", "", "only events at or after this RFC3339 time or YYYY-MM-DD date")
}

func (f eventFlags) filter() (audit.Filter, error) {
	out := audit.Filter{Operation: f.operation, Action: f.action, Status: f.status, RecordID: f.record, Limit: f.limit}
	if f.since == "" {
		return out, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, f.since); err == nil {
			out.Since = t
			return out, nil
		}
	}
	return out, fmt.Errorf("invalid --since %q", f.since)
}

func (c *cli) auditCmd() *cobra.Command {
	var flags eventFlags
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Print audit events, newest first",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			f, err := flags.filter()
			if err != nil {
				return err
			}
			events, err := audit.ReadFile(c.cfg.AuditPath)
			if err != nil {
				return err
			}
			return c.print(audit.Select(events, f))
		},
	}
	flags.register(cmd)
	return cmd
}

func (c *cli) guideCmd() *cobra.Command {
	var (
		flags eventFlags
		apply bool
		date  string
	)
	cmd := &cobra.Command{
		Use:   "guide",
		Short: "Collapse committed operations into a printable guide",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := flags.filter()
			if err != nil {
				return err
			}
			f.Operation = "execute"
			events, err := audit.ReadFile(c.cfg.AuditPath)
			if err != nil {
				return err
			}
			selected := audit.Select(events, f)
			return c.withApp(cmd.Context(), func(a *app) error {
				ctx := cmd.Context()
				doc, err := a.svc.Document(ctx)
				if err != nil {
					return err
				}
				guide := audit.BuildGuide(selected, audit.WithSnapshot(doc))
				if !apply {
					writeGuide(c.out, guide)
					return nil
				}
				if date == "" {
					date = time.Now().Format("2006-01-02")
				}
				items, err := guide.PlanItems(date)
				if err != nil {
					return err
				}
				if report, err := a.svc.Stage(ctx, items); err != nil {
					_ = c.print(report)
					return err
				}
				res, err := a.svc.Execute(ctx)
				if perr := c.print(res); perr != nil {
					return perr
				}
				return err
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&apply, "apply", false, "stage and commit the guide against this inventory")
	cmd.Flags().StringVar(&date, "date", "", "event date for applied takeouts and moves (default today)")
	return cmd
}

func writeGuide(w io.Writer, g audit.Guide) {
	for i, it := range g.Items {
		var line string
		switch it.Action {
		case plan.ActionAdd:
			line = fmt.Sprintf("add %s to Box %d:%d", it.Label, it.Box, it.Position)
		case plan.ActionMove:
			to := it.ToBox
			if to == 0 {
				to = it.Box
			}
			line = fmt.Sprintf("move %s from Box %d:%d to Box %d:%d", it.Label, it.Box, it.Position, to, it.ToPosition)
		default:
			line = fmt.Sprintf("%s %s from Box %d:%d", it.Kind, it.Label, it.Box, it.Position)
		}
		fmt.Fprintf(w, "%2d. %s (ID %d)\n", i+1, line, it.RecordID)
	}
	for _, warn := range g.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warn)
	}
}

func readInput(path string, stdin io.Reader) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(path)
}

// decodeItems accepts a bare array of items or an object with an items key.
func decodeItems(raw []byte) ([]map[string]any, error) {
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		var rows []map[string]any
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, fmt.Errorf("decode items: %w", err)
		}
		return rows, nil
	}
	var wrapped struct {
		Items []map[string]any `json:"items"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("decode items: %w", err)
	}
	return wrapped.Items, nil
}

func toolNames() []string {
	tools := intake.Tools()
	out := make([]string, 0, len(tools))
	for _, t := range tools {
		out = append(out, t.Name)
	}
	return out
}
