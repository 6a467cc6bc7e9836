// Package geemakesdk turns a Go program into a build rule that creates remote
// assets. The program's JobFactory describes the jobs; the SDK clears stale
// assets, starts the jobs, and writes each output sentinel when its job
// completes.
package geemakesdk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"geemake/internal/app"
	"geemake/internal/config"
	"geemake/internal/namespace"
	"geemake/internal/remote"
)

// Rule is what a JobFactory sees of one rule invocation.
type Rule struct {
	// Inputs and Outputs are remote asset ids of the tracked paths.
	Inputs  []string
	Outputs []string
	// LocalInputs and LocalOutputs are the paths as passed on the command line.
	LocalInputs  []string
	LocalOutputs []string
	// Args holds positional arguments left after flag parsing.
	Args      []string
	Namespace namespace.Mapping

	newTask func(ctx context.Context, spec remote.JobSpec) (remote.Task, error)
}

// Job is one asset the rule will create. The task must not be started.
type Job struct {
	AssetID string
	Task    remote.Task
	// SentinelPath overrides the local path derived from AssetID.
	SentinelPath string
}

// JobFactory builds the jobs for one invocation.
type JobFactory func(ctx context.Context, r *Rule) ([]Job, error)

// NewJob creates an unstarted job on the remote platform that writes assetID.
func (r *Rule) NewJob(ctx context.Context, assetID, description string) (Job, error) {
	return r.NewJobSpec(ctx, remote.JobSpec{AssetID: assetID, Description: description})
}

// NewJobSpec is NewJob with full control over the job request.
func (r *Rule) NewJobSpec(ctx context.Context, spec remote.JobSpec) (Job, error) {
	if r.newTask == nil {
		return Job{}, errors.New("rule has no remote platform")
	}
	task, err := r.newTask(ctx, spec)
	if err != nil {
		return Job{}, err
	}
	return Job{AssetID: spec.AssetID, Task: task}, nil
}

// Options configure Run.
type Options struct {
	Workspace string
	Config    *config.Config
	Inputs    []string
	Outputs   []string
	Args      []string
	// Platform replaces the HTTP session when set. It must be a *remote.Memory
	// for NewJob to work.
	Platform remote.Platform
	Logger   *log.Logger
}

// Run executes factory once: it builds the rule, registers every returned job
// with a watcher, and waits until all watchers finish.
func Run(ctx context.Context, opts Options, factory JobFactory) error {
	if factory == nil {
		return errors.New("job factory is required")
	}
	rt, err := app.Open(ctx, app.Options{
		Workspace: opts.Workspace,
		Config:    opts.Config,
		Platform:  opts.Platform,
		Logger:    opts.Logger,
	})
	if err != nil {
		return err
	}
	defer rt.Close()
	if !rt.Namespace.Enabled() {
		return errors.New("asset tracking is disabled: set ee_prefix in the workflow file")
	}

	rule := &Rule{
		Inputs:       trackedToRemote(rt.Namespace, opts.Inputs),
		Outputs:      trackedToRemote(rt.Namespace, opts.Outputs),
		LocalInputs:  opts.Inputs,
		LocalOutputs: opts.Outputs,
		Args:         opts.Args,
		Namespace:    rt.Namespace,
		newTask:      taskMaker(rt),
	}
	jobs, err := factory(ctx, rule)
	if err != nil {
		return fmt.Errorf("build jobs: %w", err)
	}

	var errs []error
	for _, job := range jobs {
		if job.Task == nil || job.AssetID == "" {
			errs = append(errs, fmt.Errorf("job %q has no task or asset id", job.AssetID))
			continue
		}
		path := job.SentinelPath
		if path == "" {
			path = rt.Namespace.ToLocal(job.AssetID)
		}
		if _, err := rt.Tracker.Register(ctx, job.AssetID, path, job.Task, rt.Config.WaitInterval()); err != nil {
			errs = append(errs, err)
		}
	}
	rt.Tracker.Wait()
	return errors.Join(errs...)
}

func trackedToRemote(ns namespace.Mapping, paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if ns.Tracks(p) {
			out = append(out, ns.ToRemote(p))
		}
	}
	return out
}

func taskMaker(rt *app.Runtime) func(context.Context, remote.JobSpec) (remote.Task, error) {
	return func(ctx context.Context, spec remote.JobSpec) (remote.Task, error) {
		if rt.Client != nil {
			job, err := rt.Client.CreateJob(ctx, spec)
			if err != nil {
				return nil, err
			}
			return job, nil
		}
		if mem, ok := rt.Platform.(*remote.Memory); ok {
			return mem.NewJob(spec), nil
		}
		return nil, fmt.Errorf("platform %T cannot create jobs", rt.Platform)
	}
}

// Main runs the program as a rule: it parses --input, --output, --workspace
// and --config (also read from GEEMAKE_* environment), calls Run, and exits
// non-zero on error.
func Main(factory JobFactory) {
	if err := Command(factory).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// Command returns the cobra command Main executes.
func Command(factory JobFactory) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("GEEMAKE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var inputs, outputs []string
	var quiet bool
	cmd := &cobra.Command{
		Use:          os.Args[0] + " --input PATH... --output PATH... [args]",
		Short:        "Create remote assets for a build rule",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := v.GetString("workspace")
			cfg, err := app.LoadConfig(workspace, v.GetString("config"))
			if err != nil {
				return err
			}
			if endpoint := v.GetString("endpoint"); endpoint != "" {
				cfg.Remote.Endpoint = endpoint
			}
			if secret := v.GetString("secret"); secret != "" {
				cfg.Remote.Secret = secret
			}
			var logger *log.Logger
			if quiet {
				logger = log.New(io.Discard, "", 0)
			}
			return Run(cmd.Context(), Options{
				Workspace: workspace,
				Config:    cfg,
				Inputs:    inputs,
				Outputs:   outputs,
				Args:      args,
				Logger:    logger,
			}, factory)
		},
	}
	cmd.Flags().StringSliceVar(&inputs, "input", nil, "local input path (repeatable)")
	cmd.Flags().StringSliceVar(&outputs, "output", nil, "local output path (repeatable)")
	cmd.Flags().BoolVar(&quiet, "quiet", false, "suppress watcher logs")
	cmd.Flags().StringP("workspace", "w", ".", "workspace directory")
	cmd.Flags().String("config", "", "workflow file (default <workspace>/geemake.yml)")
	cmd.Flags().String("endpoint", "", "remote platform endpoint (overrides config)")
	cmd.Flags().String("secret", "", "remote session secret (overrides config)")
	for _, name := range []string{"workspace", "config", "endpoint", "secret"} {
		_ = v.BindPFlag(name, cmd.Flags().Lookup(name))
	}
	return cmd
}
