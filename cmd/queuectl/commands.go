package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/dreadew/taskiq-scheduler/internal/api"
	"github.com/dreadew/taskiq-scheduler/internal/config"
	"github.com/dreadew/taskiq-scheduler/internal/job"
	"github.com/dreadew/taskiq-scheduler/internal/service"
	"github.com/dreadew/taskiq-scheduler/internal/worker"
)

func newServeCommand(g *globalFlags) *cobra.Command {
	var workers int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, with embedded workers unless --workers=0",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, g, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()
			if !cmd.Flags().Changed("workers") {
				workers = a.cfg.Workers
			}

			if workers > 0 {
				stop, err := startWorkers(a, workers)
				if err != nil {
					return err
				}
				defer stop()
			}
			srv, err := api.New(a.svc, a.logger)
			if err != nil {
				return err
			}
			return srv.Run(ctx, a.cfg.BindAddr)
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 0, "embedded workers (default from config)")
	return cmd
}

func newWorkerCommand(g *globalFlags) *cobra.Command {
	var (
		count    int
		duration int
	)
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run workers until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, g, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()
			if count <= 0 {
				count = a.cfg.Workers
			}
			stop, err := startWorkers(a, count)
			if err != nil {
				return err
			}
			defer stop()

			if duration > 0 {
				a.logger.Info("running workers", "count", count, "duration", time.Duration(duration)*time.Second)
				select {
				case <-time.After(time.Duration(duration) * time.Second):
					a.logger.Info("duration elapsed, shutting down workers")
				case <-ctx.Done():
					a.logger.Info("signal received, shutting down workers")
				}
				return nil
			}
			a.logger.Info("running workers until interrupted", "count", count)
			<-ctx.Done()
			a.logger.Info("signal received, shutting down workers")
			return nil
		},
	}
	cmd.Flags().IntVar(&count, "count", 0, "number of workers (default from config)")
	cmd.Flags().IntVar(&duration, "duration", 0, "run for N seconds then stop (0 = until SIGINT)")
	return cmd
}

func startWorkers(a *app, count int) (func(), error) {
	x, err := a.executor()
	if err != nil {
		return nil, err
	}
	sweeper, err := a.sweeper()
	if err != nil {
		return nil, err
	}
	pool := worker.NewPool(count, a.broker, x, a.logger)
	pool.Start()
	if sweeper != nil {
		sweeper.Start()
	}
	return func() {
		if sweeper != nil {
			sweeper.Stop()
		}
		pool.Stop()
	}, nil
}

// submitPayload mirrors the POST /tasks/new body.
type submitPayload struct {
	URL      string             `json:"url"`
	DDL      []job.DDLStatement `json:"ddl"`
	Queries  []job.Query        `json:"queries"`
	Priority *int               `json:"priority,omitempty"`
	TaskID   string             `json:"task_id,omitempty"`
}

func newSubmitCommand(g *globalFlags) *cobra.Command {
	var (
		file     string
		p        submitPayload
		ddl      []string
		queries  []string
		priority int
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Validate and schedule a task",
		Example: `  queuectl submit --url postgresql://u:p@db/app --ddl "CREATE TABLE t (id int)" --query "SELECT * FROM t"
  queuectl submit --file task.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if file != "" {
				raw, err := readInput(cmd, file)
				if err != nil {
					return err
				}
				if err := json.Unmarshal(raw, &p); err != nil {
					return fmt.Errorf("invalid task json: %w", err)
				}
			}
			for _, s := range ddl {
				p.DDL = append(p.DDL, job.DDLStatement{Statement: s})
			}
			for _, q := range queries {
				p.Queries = append(p.Queries, job.Query{Query: q})
			}
			if cmd.Flags().Changed("priority") {
				p.Priority = &priority
			}
			if p.URL == "" {
				return errors.New("provide --url or a --file with a url")
			}

			a, err := newApp(cmd.Context(), g, appOptions{quiet: true})
			if err != nil {
				return err
			}
			defer a.Close()
			res, err := a.svc.Submit(cmd.Context(), service.SubmitRequest{
				DSN: p.URL, DDL: p.DDL, Queries: p.Queries, Priority: p.Priority, TaskID: p.TaskID,
			})
			if err != nil {
				return err
			}
			return render(g, cmd.OutOrStdout(), res, func(w io.Writer) {
				fmt.Fprintf(w, "execution\t%s\nstatus\t%s\n", res.ExecutionID, res.Status)
				for _, warn := range res.Warnings {
					fmt.Fprintf(w, "warning\t%s\n", warn)
				}
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "task JSON file, - for stdin")
	cmd.Flags().StringVar(&p.URL, "url", "", "target connection string")
	cmd.Flags().StringArrayVar(&ddl, "ddl", nil, "DDL statement (repeatable)")
	cmd.Flags().StringArrayVar(&queries, "query", nil, "query (repeatable)")
	cmd.Flags().IntVarP(&priority, "priority", "p", 0, "priority 0-9 (default: the task's default priority)")
	cmd.Flags().StringVar(&p.TaskID, "task-id", "", "explicit task id")
	return cmd
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(path)
}

func newStatusCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status <execution-id>",
		Short: "Show the status of an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), g, appOptions{quiet: true})
			if err != nil {
				return err
			}
			defer a.Close()
			e, err := a.svc.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return render(g, cmd.OutOrStdout(), map[string]any{"execution_id": e.ID, "status": e.Status}, func(w io.Writer) {
				writeExecutions(w, []*job.Execution{e})
			})
		},
	}
}

func newResultCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "result <execution-id>",
		Short: "Print the result payload of an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), g, appOptions{quiet: true})
			if err != nil {
				return err
			}
			defer a.Close()
			res, err := a.svc.Result(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			// Results are nested; JSON is the only faithful rendering.
			return writeJSON(cmd.OutOrStdout(), map[string]any{"execution_id": args[0], "result": res})
		},
	}
}

func newCancelCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <execution-id>",
		Short: "Cancel a scheduled or running execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), g, appOptions{quiet: true})
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.svc.Cancel(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "cancelled", args[0])
			return nil
		},
	}
}

func newListCommand(g *globalFlags) *cobra.Command {
	var (
		state string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List executions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			var status job.Status
			if state != "" {
				st, ok := job.ParseStatus(strings.ToUpper(state))
				if !ok {
					return fmt.Errorf("unknown state %q", state)
				}
				status = st
			}
			a, err := newApp(cmd.Context(), g, appOptions{quiet: true})
			if err != nil {
				return err
			}
			defer a.Close()
			list, err := a.svc.List(cmd.Context(), status, limit)
			if err != nil {
				return err
			}
			return render(g, cmd.OutOrStdout(), list, func(w io.Writer) { writeExecutions(w, list) })
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "only executions in this state")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func newHistoryCommand(g *globalFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <execution-id>",
		Short: "Walk the previous executions of the same task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), g, appOptions{quiet: true})
			if err != nil {
				return err
			}
			defer a.Close()
			list, err := a.svc.History(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			return render(g, cmd.OutOrStdout(), list, func(w io.Writer) { writeExecutions(w, list) })
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum executions")
	return cmd
}

func newConfigCommand(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get [key]",
		Short: "Print one key, or every key",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(g.configPath)
			if err != nil {
				return err
			}
			keys := config.Keys()
			if len(args) == 1 {
				keys = args
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, k := range keys {
				v, err := cfg.Get(k)
				if err != nil {
					return err
				}
				if len(args) == 1 {
					fmt.Fprintln(w, v)
				} else {
					fmt.Fprintf(w, "%s\t%s\n", k, v)
				}
			}
			return w.Flush()
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a key and save the config file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(g.configPath)
			if err != nil {
				return err
			}
			if err := cfg.Set(args[0], args[1]); err != nil {
				return err
			}
			if err := cfg.Save(g.configPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "set %s = %s\n", args[0], args[1])
			return nil
		},
	})
	return cmd
}

// render prints v as JSON when output is not a terminal (or -o json) and
// as a table otherwise.
func render(g *globalFlags, out io.Writer, v any, table func(w io.Writer)) error {
	if !useTable(g, out) {
		return writeJSON(out, v)
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	table(w)
	return w.Flush()
}

func useTable(g *globalFlags, out io.Writer) bool {
	switch g.output {
	case "json":
		return false
	case "table":
		return true
	}
	f, ok := out.(*os.File)
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeExecutions(w io.Writer, list []*job.Execution) {
	fmt.Fprintln(w, "ID\tSTATUS\tPRIORITY\tATTEMPT\tCREATED\tFINISHED")
	for _, e := range list {
		finished := "-"
		if e.FinishedAt != nil {
			finished = e.FinishedAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n",
			e.ID, e.Status, e.Priority, e.Attempt, e.CreatedAt.Local().Format(time.DateTime), finished)
	}
}
