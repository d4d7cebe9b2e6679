package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"termline/internal/app"
	"termline/internal/config"
	"termline/internal/db"
	"termline/internal/server"
	termlinesdk "termline/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "tl",
	Short: "Termline CLI",
	Long: `Termline runs the terminology pipeline as supervised runs.
- Workspace: your .termline directory holding the database.
- Run: one execution of the pipeline for a scope (full, extract, generate, review, refine).
- Only one run is active at a time; cancellation is cooperative.
- Event log: diary of run transitions, view with 'tl log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TERMLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("server", "http://127.0.0.1:8470", "server base URL for run commands")
	rootCmd.PersistentFlags().String("api-key", "", "API key for run commands")
	rootCmd.PersistentFlags().String("token", "", "bearer token for run commands")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("api-key", rootCmd.PersistentFlags().Lookup("api-key"))
	_ = viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			logger := newLogger()
			a, err := app.Open(workspace, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			if addr == "" {
				addr = a.Config.Server.Addr
			}
			if basePath == "" {
				basePath = a.Config.Server.BasePath
			}
			handler, err := server.New(server.Config{
				Runner:   a.Runner,
				Repo:     a.Repo,
				BasePath: basePath,
				Auth: server.AuthConfig{
					JWTSecret: a.Config.Auth.JWTSecret,
					APIKeys:   a.Config.Auth.APIKeys,
				},
				Logger: logger,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Termline API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from termline.yml)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from termline.yml)")
	return cmd
}

func runCmd() *cobra.Command {
	run := &cobra.Command{
		Use:   "run",
		Short: "Manage runs",
		Long:  "Run commands talk to a running 'tl serve' instance (see --server).",
	}
	run.AddCommand(runStartCmd())
	run.AddCommand(runListCmd())
	run.AddCommand(runGetCmd())
	run.AddCommand(runCancelCmd())
	run.AddCommand(runWatchCmd())
	return run
}

func runStartCmd() *cobra.Command {
	var scope, triggeredBy string
	var watch bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := sdkClient()
			run, err := c.StartRun(cmd.Context(), scope, triggeredBy)
			if err != nil {
				return err
			}
			if !watch {
				return printJSONOrTable(run)
			}
			fmt.Printf("run %s started (scope=%s)\n", run.ID, run.Scope)
			return watchRun(cmd.Context(), c, run.ID)
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "full", "run scope (full, extract, generate, review, refine)")
	cmd.Flags().StringVar(&triggeredBy, "triggered-by", "", "who triggered the run")
	cmd.Flags().BoolVar(&watch, "watch", false, "follow the run's event stream")
	return cmd
}

func runListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			runs, err := sdkClient().ListRuns(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(runs)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "Scope", "Status", "Triggered By", "Created", "Finished"})
			for _, r := range runs {
				finished := ""
				if r.FinishedAt != nil {
					finished = *r.FinishedAt
				}
				tw.AppendRow(table.Row{r.ID, r.Scope, r.Status, r.TriggeredBy, r.CreatedAt, finished})
			}
			tw.Render()
			return nil
		},
	}
	return cmd
}

func runGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <run-id>",
		Short: "Get a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := sdkClient().GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSONOrTable(run)
		},
	}
	return cmd
}

func runCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Request run cancellation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cancelled, err := sdkClient().CancelRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if cancelled {
				fmt.Println("run cancelled")
			} else {
				fmt.Println("run already settled; nothing to cancel")
			}
			return nil
		},
	}
	return cmd
}

func runWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <run-id>",
		Short: "Follow a run's event stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return watchRun(cmd.Context(), sdkClient(), args[0])
		},
	}
	return cmd
}

func watchRun(ctx context.Context, c *termlinesdk.Client, runID string) error {
	return c.StreamEvents(ctx, runID, func(ev termlinesdk.Event) error {
		if viper.GetBool("json") {
			return printJSON(ev)
		}
		line := fmt.Sprintf("[%s]", ev.Level)
		if ev.Step != "" {
			line += " " + ev.Step
		}
		if ev.ProgressCurrent != nil && ev.ProgressTotal != nil {
			line += fmt.Sprintf(" (%d/%d)", *ev.ProgressCurrent, *ev.ProgressTotal)
		}
		line += " " + ev.Message
		if ev.Complete && ev.DBStatus != "" {
			line += fmt.Sprintf(" [db_status=%s]", ev.DBStatus)
		}
		fmt.Println(line)
		return nil
	})
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Run event log",
		Long:  "The diary of run transitions: created, started, cancelled, finished.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var runID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail run events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				events, err := a.Repo.LatestAuditEvents(ctx, n, runID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Run", "Payload"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.RunID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&runID, "run-id", "", "run id filter")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage workspace config",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default termline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(viper.GetString("workspace"), newLogger())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func sdkClient() *termlinesdk.Client {
	c := termlinesdk.New(viper.GetString("server"))
	c.APIKey = viper.GetString("api-key")
	c.BearerToken = viper.GetString("token")
	return c
}

func newLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
