package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"autopilot/internal/app"
	"autopilot/internal/config"
	"autopilot/internal/domain"
	"autopilot/internal/events"
	"autopilot/internal/logging"
	"autopilot/internal/server"
	"autopilot/internal/snapshot"
	"autopilot/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "autopilot",
	Short: "Autopilot orchestrator CLI",
	Long: `Autopilot asks a planning service for actions on your projects and applies them.
- Run: snapshot every project, ask the planner, execute the proposed actions.
- Automation mode: per project, off (skip), suggest_only (queue for approval) or full_auto (apply).
- Pending: suggestions waiting for someone to approve or reject them.
- Undo: reverse an applied create or delete using the inverse data recorded with it.
- Log: every run, approval and undo, newest first.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("AUTOPILOT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/autopilot.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor recorded on approvals and undos")
	rootCmd.PersistentFlags().String("store-backend", "", "override store.backend")
	rootCmd.PersistentFlags().String("store-url", "", "override store.url")
	rootCmd.PersistentFlags().String("log-level", "", "override logging.level")
	for _, name := range []string{"workspace", "config", "json", "actor-id", "store-backend", "store-url", "log-level"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(pendingCmd())
	rootCmd.AddCommand(approveCmd())
	rootCmd.AddCommand(rejectCmd())
	rootCmd.AddCommand(undoCmd())
	rootCmd.AddCommand(snapshotCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(configCmd())
}

// loadConfig reads the config file and applies flag and AUTOPILOT_* env
// overrides on top.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path := viper.GetString("config"); path != "" {
		cfg, err = config.FromFile(path)
	} else {
		cfg, err = config.LoadOptional(viper.GetString("workspace"))
	}
	if err != nil {
		return nil, err
	}
	overrides := map[string]*string{
		"store-backend":    &cfg.Store.Backend,
		"store-url":        &cfg.Store.URL,
		"redis-addr":       &cfg.Store.Redis.Addr,
		"redis-password":   &cfg.Store.Redis.Password,
		"planner-base-url": &cfg.Planner.BaseURL,
		"planner-model":    &cfg.Planner.Model,
		"planner-api-key":  &cfg.Planner.APIKey,
		"jwt-secret":       &cfg.Auth.JWTSecret,
		"log-level":        &cfg.Logging.Level,
		"log-format":       &cfg.Logging.Format,
	}
	for key, dst := range overrides {
		if v := viper.GetString(key); v != "" {
			*dst = v
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func withServices(ctx context.Context, fn func(context.Context, *app.Services) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := logging.New(cfg, os.Stderr)
	svc, err := app.Open(ctx, cfg, viper.GetString("workspace"), logger)
	if err != nil {
		return err
	}
	defer svc.Close()
	return fn(ctx, svc)
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				cfg := svc.Config
				if cmd.Flags().Changed("addr") {
					cfg.Server.Addr = addr
				}
				if cmd.Flags().Changed("base-path") {
					cfg.Server.BasePath = basePath
				}
				handler, err := server.New(server.Config{
					Engine:   svc.Engine,
					BasePath: cfg.Server.BasePath,
					Auth:     server.AuthConfig{JWTSecret: cfg.Auth.JWTSecret},
					Logger:   svc.Engine.Logger,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Autopilot API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at %s/docs)\n",
					cfg.Server.Addr, cfg.Server.BasePath, cfg.Server.BasePath, cfg.Server.BasePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides server.base_path)")
	return cmd
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run one automatic cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				run, err := svc.Engine.AutoRun(ctx)
				if err != nil && run.ID == "" {
					return err
				}
				if viper.GetBool("json") {
					if perr := printJSON(run); perr != nil {
						return perr
					}
					return err
				}
				fmt.Printf("run %s at %s\n", run.ID, run.Timestamp)
				if run.Truncated > 0 {
					fmt.Printf("snapshot truncated: %d projects left out\n", run.Truncated)
				}
				printResults(run.Results)
				return err
			})
		},
	}
}

func logCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show recorded runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				runs, err := svc.Engine.Logs(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Run", "Timestamp", "Kind", "Actor", "Actions", "Statuses"})
				for _, run := range runs {
					tw.AppendRow(table.Row{run.ID, run.Timestamp, runKind(run), run.Actor, len(run.Actions), statusSummary(run.Results)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs")
	return cmd
}

func pendingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List suggestions awaiting approval",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				items, err := svc.Engine.Pending(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Action ID", "Kind", "Project", "Run", "Suggested At"})
				for _, p := range items {
					a := p.Result.Action
					tw.AppendRow(table.Row{p.Result.ActionID, a.Kind, a.ProjectID, p.RunID, p.Timestamp})
				}
				tw.Render()
				return nil
			})
		},
	}
}

type actionFlags struct {
	raw  string
	file string
	id   string
}

func (f *actionFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.raw, "action", "", "action as a JSON object")
	cmd.Flags().StringVar(&f.file, "file", "", "read the action JSON from a file")
	cmd.Flags().StringVar(&f.id, "id", "", "action id from the log")
}

func (f *actionFlags) action() (domain.Action, error) {
	raw := f.raw
	if f.file != "" {
		data, err := os.ReadFile(f.file)
		if err != nil {
			return domain.Action{}, err
		}
		raw = string(data)
	}
	if strings.TrimSpace(raw) == "" {
		if f.id == "" {
			return domain.Action{}, fmt.Errorf("one of --action, --file or --id is required")
		}
		return domain.Action{ID: f.id}, nil
	}
	var a domain.Action
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return domain.Action{}, fmt.Errorf("invalid action json: %w", err)
	}
	if a.ID == "" {
		a.ID = f.id
	}
	return a, nil
}

func approveCmd() *cobra.Command {
	var f actionFlags
	cmd := &cobra.Command{
		Use:   "approve",
		Short: "Approve a suggested action",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := f.action()
			if err != nil {
				return err
			}
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				res, err := svc.Engine.Approve(ctx, a, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printResult(res)
			})
		},
	}
	f.bind(cmd)
	return cmd
}

func rejectCmd() *cobra.Command {
	var f actionFlags
	cmd := &cobra.Command{
		Use:   "reject",
		Short: "Reject a suggested action",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := f.action()
			if err != nil {
				return err
			}
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				res, err := svc.Engine.Reject(ctx, a, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printResult(res)
			})
		},
	}
	f.bind(cmd)
	return cmd
}

func undoCmd() *cobra.Command {
	var f actionFlags
	cmd := &cobra.Command{
		Use:   "undo",
		Short: "Undo an applied action",
		Long:  "Pass --id to undo a logged action with its recorded inverse data, or --action with the inverse fields (taskId, taskData, docId, docData, rowsData, ...) included.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := f.action()
			if err != nil {
				return err
			}
			actor := viper.GetString("actor-id")
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				var res domain.ActionResult
				if a.Kind == "" {
					res, err = svc.Engine.UndoLogged(ctx, a.ID, actor)
				} else {
					res, err = svc.Engine.Undo(ctx, a, actor)
				}
				if err != nil {
					return err
				}
				return printResult(res)
			})
		},
	}
	f.bind(cmd)
	return cmd
}

func snapshotCmd() *cobra.Command {
	var maxBytes int
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Print the snapshot sent to the planner",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				snap, err := snapshot.Builder{Repo: svc.Repo}.Build(ctx)
				if err != nil {
					return err
				}
				if !cmd.Flags().Changed("max-bytes") {
					maxBytes = svc.Engine.MaxSnapshotBytes
				}
				data, dropped, err := snap.Encode(maxBytes)
				if err != nil {
					return err
				}
				if dropped > 0 {
					fmt.Fprintf(os.Stderr, "truncated: %d projects left out\n", dropped)
				}
				fmt.Println(string(data))
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&maxBytes, "max-bytes", 0, "size bound (default snapshot.max_bytes)")
	return cmd
}

func historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <key>",
		Short: "Show previous values of a store key (sqlite backend)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				sq, ok := svc.Store.(*store.SQLiteStore)
				if !ok {
					return fmt.Errorf("history needs the sqlite backend, have %q", svc.Config.Store.Backend)
				}
				versions, err := sq.History(ctx, args[0], limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(versions)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Version", "Written At", "Bytes"})
				for _, v := range versions {
					tw.AppendRow(table.Row{v.Version, v.WrittenAt, len(v.Value)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of versions")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage autopilot.yml",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default autopilot.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			shown := *cfg
			if shown.Planner.APIKey != "" {
				shown.Planner.APIKey = "***"
			}
			if shown.Auth.JWTSecret != "" {
				shown.Auth.JWTSecret = "***"
			}
			if viper.GetBool("json") {
				return printJSON(shown)
			}
			out, err := yaml.Marshal(&shown)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func printResult(res domain.ActionResult) error {
	if viper.GetBool("json") {
		return printJSON(res)
	}
	printResults([]domain.ActionResult{res})
	return nil
}

func printResults(results []domain.ActionResult) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Action ID", "Kind", "Project", "Status", "Info"})
	for _, r := range results {
		tw.AppendRow(table.Row{r.ActionID, r.Action.Kind, r.Action.ProjectID, r.Status, r.Info})
	}
	tw.Render()
}

func runKind(run domain.Run) string {
	return strings.TrimPrefix(events.RunType(run), "run.")
}

func statusSummary(results []domain.ActionResult) string {
	counts := map[domain.Status]int{}
	var order []domain.Status
	for _, r := range results {
		if counts[r.Status] == 0 {
			order = append(order, r.Status)
		}
		counts[r.Status]++
	}
	parts := make([]string, 0, len(order))
	for _, s := range order {
		parts = append(parts, fmt.Sprintf("%s=%d", s, counts[s]))
	}
	return strings.Join(parts, " ")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
