package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"freeflow/internal/app"
	"freeflow/internal/config"
	"freeflow/internal/db"
	"freeflow/internal/domain"
	"freeflow/internal/repo"
	"freeflow/internal/server"
)

// sweeperActor is recorded on events emitted by the serve loop's background sweeps.
const sweeperActor = "ff-sweeper"

var rootCmd = &cobra.Command{
	Use:   "ff",
	Short: "Freeflow CLI",
	Long: `Freeflow runs the associate engagement workflow.
- Contracts: offered to an associate on a project; accepted, declined or expired.
- Invites: put a contracted associate on one task; accepting assigns the task.
- Tasks: mirrored reference data; completing an assigned task creates its settlement.
- Settlements: the payout owed for a completed task; paid manually or through the payout rail.
- Event log: every change, view with 'ff log tail' or relay it with 'ff relay run'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if _, err := db.EnsureWorkspace(viper.GetString("workspace")); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FREEFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
	for _, name := range []string{"workspace", "json", "actor-id", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(associateCmd())
	rootCmd.AddCommand(contractCmd())
	rootCmd.AddCommand(inviteCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(settlementCmd())
	rootCmd.AddCommand(viewCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(relayCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tokenCmd())
}

func newLogger() (*slog.Logger, error) {
	return app.NewLogger(os.Stderr, viper.GetString("log-level"), viper.GetString("log-format"))
}

func actorID() string {
	return viper.GetString("actor-id")
}

// withRuntime opens the workspace with payout workers running. Closing the
// runtime drains queued transfers, so a local sandbox transfer resolves
// before the command exits.
func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	rt, err := app.Open(viper.GetString("workspace"), logger)
	if err != nil {
		return err
	}
	defer rt.Close()
	rt.Start(ctx)
	return fn(ctx, rt)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	return withRuntime(ctx, func(ctx context.Context, rt *app.Runtime) error {
		return fn(ctx, rt.Engine.Repo)
	})
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every committed change, in commit order.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor", "Payload"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind + ":" + e.EntityID, e.ActorID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.ProjectID, "project", "", "project filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

func relayCmd() *cobra.Command {
	rel := &cobra.Command{
		Use:   "relay",
		Short: "Publish the event log to the configured sink",
	}
	var once bool
	run := &cobra.Command{
		Use:   "run",
		Short: "Relay events until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				r, err := rt.NewRelay()
				if err != nil {
					return err
				}
				if r == nil {
					return fmt.Errorf("relay.sink is none; set a sink in %s", config.Path(viper.GetString("workspace")))
				}
				defer r.Publisher.Close()
				if once {
					n, err := r.Flush(ctx)
					if err != nil {
						return err
					}
					fmt.Printf("relayed %d events to %s\n", n, r.Publisher.Name())
					return nil
				}
				return r.Run(ctx)
			})
		},
	}
	run.Flags().BoolVar(&once, "once", false, "flush pending events once and exit")
	rel.AddCommand(run)
	return rel
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var sweepEvery time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server with payout workers, relay and sweeps",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if !cmd.Flags().Changed("addr") {
					addr = rt.Config.Server.Addr
				}
				if !cmd.Flags().Changed("base-path") {
					basePath = rt.Config.Server.BasePath
				}
				authCfg := server.AuthConfig{
					JWTSecret:        viper.GetString("jwt-secret"),
					AllowActorHeader: viper.GetBool("allow-actor-header"),
					Logger:           rt.Logger.With("component", "auth"),
				}
				if authCfg.JWTSecret == "" && !authCfg.AllowActorHeader {
					return fmt.Errorf("FREEFLOW_JWT_SECRET is required unless --allow-actor-header is set")
				}
				handler, err := server.New(server.Config{Engine: rt.Engine, Query: rt.Query, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				rel, err := rt.NewRelay()
				if err != nil {
					return err
				}

				g, gctx := errgroup.WithContext(ctx)
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				g.Go(func() error {
					<-gctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(sctx)
				})
				g.Go(func() error {
					rt.Logger.Info("serving freeflow api", "addr", addr, "base_path", basePath, "openapi", basePath+"/openapi.json")
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				if rel != nil {
					defer rel.Publisher.Close()
					g.Go(func() error { return rel.Run(gctx) })
				}
				g.Go(func() error { return sweep(gctx, rt, sweepEvery) })
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address (defaults to server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path (defaults to server.base_path)")
	cmd.Flags().DurationVar(&sweepEvery, "sweep-interval", time.Minute, "how often stale contracts and transfers are expired")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens (or FREEFLOW_JWT_SECRET)")
	cmd.Flags().Bool("allow-actor-header", false, "trust X-Actor-Id without a token (local use only)")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	_ = viper.BindPFlag("allow-actor-header", cmd.Flags().Lookup("allow-actor-header"))
	return cmd
}

// sweep expires stale pending contracts and transfers the rail never answered.
func sweep(ctx context.Context, rt *app.Runtime, every time.Duration) error {
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		now := time.Now().UTC()
		if ids, err := rt.Engine.ExpireStaleContracts(ctx, now, sweeperActor); err != nil {
			rt.Logger.Warn("contract sweep failed", "err", err)
		} else if len(ids) > 0 {
			rt.Logger.Info("expired stale contracts", "count", len(ids))
		}
		if ids, err := rt.Engine.ExpireStaleTransfers(ctx, now); err != nil {
			rt.Logger.Warn("transfer sweep failed", "err", err)
		} else if len(ids) > 0 {
			rt.Logger.Info("failed unanswered transfers", "count", len(ids))
		}
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage freeflow.yml",
		Long:  "freeflow.yml holds currencies, contract expiry, the payout rail, the relay sink and server settings. Missing keys keep their defaults.",
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
		Short: "Write the default freeflow.yml",
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
			cfg, err := config.LoadOrDefault(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate freeflow.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
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

func tokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the current actor",
		Long:  "Signs an HS256 token with FREEFLOW_JWT_SECRET whose subject is --actor-id.",
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := server.IssueToken(viper.GetString("jwt-secret"), actorID())
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
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

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func parseDecision(v string) (domain.Decision, error) {
	d := domain.Decision(strings.ToLower(strings.TrimSpace(v)))
	if !d.Valid() {
		return "", fmt.Errorf("decision must be accept or decline")
	}
	return d, nil
}

func parseTime(field, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s must be an RFC 3339 timestamp", field)
	}
	return t.UTC(), nil
}
