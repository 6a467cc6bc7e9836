package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"geemake/internal/app"
	"geemake/internal/config"
	"geemake/internal/db"
	"geemake/internal/domain"
	"geemake/internal/emulator"
	"geemake/internal/migrate"
	"geemake/internal/reconcile"
	"geemake/internal/remote"
	"geemake/internal/repo"
	"geemake/internal/sentinel"
)

var rootCmd = &cobra.Command{
	Use:   "geemake",
	Short: "Keep a local build in step with remote assets",
	Long: `geemake lets a file-based build tool track assets that live on a remote
geospatial platform. Each remote asset is mirrored by a small local sentinel
file holding the asset id and its last update time.

- preflight: refresh stale sentinels and seed missing ones before a build.
- run: preflight, refresh tracked outputs, then run the build command.
- Rule programs built with the Go SDK start remote jobs and write the output
  sentinel once the job completes.
- Journal: watchers and sentinel changes are recorded in .geemake/geemake.db,
  view them with 'geemake watchers' and 'geemake log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if workspace != "" && workspace != "." {
			if err := os.Chdir(workspace); err != nil {
				return fmt.Errorf("enter workspace: %w", err)
			}
			viper.Set("workspace", ".")
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
		fmt.Println("error:", err)
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() > 0 {
			os.Exit(exitErr.ExitCode())
		}
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("GEEMAKE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "workflow file (default <workspace>/geemake.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("endpoint", "", "remote platform endpoint (overrides config)")
	rootCmd.PersistentFlags().String("secret", "", "remote session secret (overrides config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("endpoint", rootCmd.PersistentFlags().Lookup("endpoint"))
	_ = viper.BindPFlag("secret", rootCmd.PersistentFlags().Lookup("secret"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(preflightCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(checkCmd())
	rootCmd.AddCommand(sentinelCmd())
	rootCmd.AddCommand(watchersCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(emulatorCmd())
}

func initCmd() *cobra.Command {
	var eePrefix string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default geemake.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if eePrefix == "" {
				return fmt.Errorf("--ee-prefix required")
			}
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(eePrefix)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&eePrefix, "ee-prefix", "", "remote folder that mirrors the local prefix")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func preflightCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "preflight",
		Short: "Refresh stale input sentinels and seed missing ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				return rt.Preflight(ctx)
			})
		},
	}
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [build-args...]",
		Short: "Preflight, refresh tracked outputs, then run the build",
		Long: `Runs the pre-build sweep, refreshes sentinels of declared outputs whose
remote asset changed or vanished, then runs build.command from geemake.yml with
any extra arguments appended. Pass build flags after "--".`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var command []string
			err := withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Preflight(ctx); err != nil {
					return err
				}
				if err := rt.Reconciler.RefreshOutputs(ctx, rt.Config.Rules, rt.Namespace); err != nil {
					return err
				}
				command = append(append([]string{}, rt.Config.Build.Command...), args...)
				return nil
			})
			if err != nil {
				return err
			}
			return runBuild(cmd.Context(), command)
		},
	}
	return cmd
}

func runBuild(ctx context.Context, command []string) error {
	if len(command) == 0 {
		return errors.New("build command is empty")
	}
	c := exec.CommandContext(ctx, command[0], command[1:]...)
	c.Stdin = os.Stdin
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	c.Env = os.Environ()
	for _, key := range []string{"endpoint", "secret", "config"} {
		if v := viper.GetString(key); v != "" {
			c.Env = append(c.Env, "GEEMAKE_"+strings.ToUpper(key)+"="+v)
		}
	}
	return c.Run()
}

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <sentinel>",
		Short: "Report whether a sentinel is older than its remote asset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				view, err := rt.Reconciler.Status(ctx, args[0])
				if err != nil {
					if errors.Is(err, remote.ErrNotFound) {
						return fmt.Errorf("%s: remote asset %s no longer exists", args[0], view.AssetID)
					}
					return err
				}
				return printSentinels([]domain.SentinelView{view})
			})
		},
	}
}

func sentinelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sentinel",
		Short: "Inspect and write sentinel files",
	}
	cmd.AddCommand(sentinelShowCmd())
	cmd.AddCommand(sentinelWriteCmd())
	return cmd
}

func sentinelShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <path>",
		Short: "Show a sentinel's asset id and epoch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := sentinel.Store{}.Read(args[0])
			if err != nil {
				return err
			}
			return printSentinels([]domain.SentinelView{{Path: args[0], AssetID: rec.AssetID, Epoch: rec.Epoch.String()}})
		},
	}
}

func sentinelWriteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "write <asset> <path>",
		Short: "Write a sentinel from the asset's current remote update time",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				written, err := rt.Store.Write(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				if !written {
					return fmt.Errorf("remote asset %s does not exist; nothing written", args[0])
				}
				if err := rt.Journal.SentinelChanged(ctx, reconcile.ActionRefreshed, args[0], args[1]); err != nil {
					return err
				}
				rec, err := rt.Store.Read(args[1])
				if err != nil {
					return err
				}
				return printSentinels([]domain.SentinelView{{Path: args[1], AssetID: rec.AssetID, Epoch: rec.Epoch.String()}})
			})
		},
	}
}

func watchersCmd() *cobra.Command {
	var n int
	var state, assetID string
	cmd := &cobra.Command{
		Use:   "watchers",
		Short: "List recorded task watchers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListWatchers(ctx, n, strings.ToUpper(state), assetID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Asset", "Sentinel", "State", "Registered", "Finished"})
				for _, w := range items {
					finished := ""
					if w.FinishedAt != nil {
						finished = *w.FinishedAt
					}
					tw.AppendRow(table.Row{w.ID, w.AssetID, w.SentinelPath, w.State, w.RegisteredAt, finished})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 50, "number of watchers")
	cmd.Flags().StringVar(&state, "state", "", "state filter (RUNNING, COMPLETED, FAILED, ...)")
	cmd.Flags().StringVar(&assetID, "asset", "", "asset id filter")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Journal events",
		Long:  "Watcher registrations and completions, and every sentinel a reconciliation refreshed, seeded or removed.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, assetID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, evtType, assetID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Type", "Entity", "Asset", "Payload"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.TS, e.Type, e.EntityID, e.AssetID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&assetID, "asset", "", "asset id filter")
	return cmd
}

func emulatorCmd() *cobra.Command {
	var addr, basePath string
	var seed []string
	cmd := &cobra.Command{
		Use:   "emulator",
		Short: "Serve an in-memory remote platform over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			mem := remote.NewMemory()
			for _, id := range seed {
				mem.TouchAsset(id)
			}
			handler, err := emulator.New(emulator.Config{
				Platform: mem,
				BasePath: basePath,
				Auth:     emulator.AuthConfig{JWTSecret: viper.GetString("secret")},
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
			fmt.Printf("Serving platform emulator on http://%s%s (OpenAPI at /openapi.json)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8085", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().StringSliceVar(&seed, "asset", nil, "asset id to create at startup (repeatable)")
	return cmd
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	cfg, err := app.LoadConfig(viper.GetString("workspace"), viper.GetString("config"))
	if err != nil {
		return nil, err
	}
	if endpoint := viper.GetString("endpoint"); endpoint != "" {
		cfg.Remote.Endpoint = endpoint
	}
	if secret := viper.GetString("secret"); secret != "" {
		cfg.Remote.Secret = secret
	}
	return cfg, nil
}

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := app.Open(ctx, app.Options{Workspace: viper.GetString("workspace"), Config: cfg})
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printSentinels(views []domain.SentinelView) error {
	if viper.GetBool("json") {
		return printJSON(views)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Path", "Asset", "Local epoch", "Remote epoch", "Stale"})
	for _, v := range views {
		tw.AppendRow(table.Row{v.Path, v.AssetID, v.Epoch, v.RemoteEpoch, v.Stale})
	}
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
