// Package reconcile compares cached sentinel state with the remote platform
// and prepares the sentinel directory before the build tracker plans a run.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"geemake/internal/domain"
	"geemake/internal/namespace"
	"geemake/internal/remote"
	"geemake/internal/sentinel"
)

// Action names a change preflight made to a sentinel.
type Action string

const (
	ActionRefreshed Action = "sentinel.refreshed"
	ActionSeeded    Action = "sentinel.seeded"
	ActionRemoved   Action = "sentinel.removed"
)

// Recorder observes sentinel changes. Errors are logged, never returned.
type Recorder interface {
	SentinelChanged(ctx context.Context, action Action, assetID, path string) error
}

// UnsatisfiedInputError reports a leaf input whose asset does not exist and
// that no rule produces.
type UnsatisfiedInputError struct {
	AssetID string
	Input   string
}

func (e *UnsatisfiedInputError) Error() string {
	return fmt.Sprintf("asset %s for %s does not exist and is not created by a rule", e.AssetID, e.Input)
}

// Unwrap lets callers match the underlying remote condition.
func (e *UnsatisfiedInputError) Unwrap() error { return remote.ErrNotFound }

type Reconciler struct {
	Store    sentinel.Store
	Recorder Recorder
	Logger   *log.Logger
}

func New(store sentinel.Store) Reconciler {
	return Reconciler{Store: store, Logger: store.Logger}
}

func (r Reconciler) logger() *log.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return log.Default()
}

// CheckStale reports whether the sentinel at path disagrees with the remote
// asset. It returns the asset id when stale. A missing sentinel yields an
// error matching sentinel.ErrMissing; a vanished asset yields the sentinel's
// asset id with an error matching remote.ErrNotFound.
func (r Reconciler) CheckStale(ctx context.Context, path string) (string, bool, error) {
	rec, err := r.Store.Read(path)
	if err != nil {
		return "", false, err
	}
	current, err := r.Store.Current(ctx, rec.AssetID)
	if err != nil {
		return rec.AssetID, false, fmt.Errorf("check %s: %w", path, err)
	}
	if current.Equal(rec.Epoch) {
		return "", false, nil
	}
	return rec.AssetID, true, nil
}

// Status reports the cached and remote view of one sentinel.
func (r Reconciler) Status(ctx context.Context, path string) (domain.SentinelView, error) {
	rec, err := r.Store.Read(path)
	if err != nil {
		return domain.SentinelView{}, err
	}
	view := domain.SentinelView{Path: path, AssetID: rec.AssetID, Epoch: rec.Epoch.String()}
	current, err := r.Store.Current(ctx, rec.AssetID)
	if err != nil {
		return view, fmt.Errorf("check %s: %w", path, err)
	}
	view.RemoteEpoch = current.String()
	view.Stale = !current.Equal(rec.Epoch)
	return view, nil
}

// TrueInputs returns declared inputs that no rule declares as an output.
func TrueInputs(rules []domain.Rule) map[string]bool {
	outputs := make(map[string]bool)
	for _, rule := range rules {
		for _, out := range rule.Output {
			outputs[out] = true
		}
	}
	leaves := make(map[string]bool)
	for _, rule := range rules {
		for _, in := range rule.Input {
			if !outputs[in] {
				leaves[in] = true
			}
		}
	}
	return leaves
}

// Preflight validates and seeds the sentinel of every tracked input so the
// build tracker's file view matches the remote platform. Remote state always
// wins over the cache.
func (r Reconciler) Preflight(ctx context.Context, rules []domain.Rule, ns namespace.Mapping) error {
	if !ns.Enabled() {
		return nil
	}
	trueInputs := TrueInputs(rules)
	if err := os.MkdirAll(ns.Local, 0o755); err != nil {
		return fmt.Errorf("create sentinel dir %s: %w", ns.Local, err)
	}
	seen := make(map[string]bool)
	for _, rule := range rules {
		for _, in := range rule.Input {
			if seen[in] || !ns.Tracks(in) {
				continue
			}
			seen[in] = true
			if err := r.reconcileInput(ctx, in, trueInputs[in], ns); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r Reconciler) reconcileInput(ctx context.Context, path string, leaf bool, ns namespace.Mapping) error {
	assetID, stale, err := r.CheckStale(ctx, path)
	switch {
	case err == nil:
		if stale {
			return r.write(ctx, ActionRefreshed, assetID, path)
		}
		return nil
	case errors.Is(err, remote.ErrNotFound):
		if leaf {
			return &UnsatisfiedInputError{AssetID: assetID, Input: path}
		}
		return r.remove(ctx, assetID, path)
	case errors.Is(err, sentinel.ErrMissing), errors.Is(err, sentinel.ErrMalformed):
		if errors.Is(err, sentinel.ErrMalformed) {
			r.logger().Printf("preflight: %v; reseeding", err)
		}
		return r.seed(ctx, path, leaf, ns)
	default:
		return fmt.Errorf("preflight %s: %w", path, err)
	}
}

// seed writes a first sentinel for path. A leaf input whose asset does not
// exist can never be built, so it fails; any other input is left for the
// build tracker to produce.
func (r Reconciler) seed(ctx context.Context, path string, leaf bool, ns namespace.Mapping) error {
	assetID := ns.ToRemote(path)
	written, err := r.Store.Write(ctx, assetID, path)
	if err != nil {
		return err
	}
	if !written {
		if leaf {
			return &UnsatisfiedInputError{AssetID: assetID, Input: path}
		}
		return nil
	}
	r.logger().Printf("preflight: %s %s (%s)", ActionSeeded, path, assetID)
	r.record(ctx, ActionSeeded, assetID, path)
	return nil
}

// RefreshOutputs brings existing output sentinels in line with the platform:
// stale ones are rewritten and those whose asset vanished are removed so the
// build tracker rebuilds them. Missing sentinels are left alone.
func (r Reconciler) RefreshOutputs(ctx context.Context, rules []domain.Rule, ns namespace.Mapping) error {
	if !ns.Enabled() {
		return nil
	}
	seen := make(map[string]bool)
	for _, rule := range rules {
		for _, out := range rule.Output {
			if seen[out] || !ns.Tracks(out) {
				continue
			}
			seen[out] = true
			assetID, stale, err := r.CheckStale(ctx, out)
			switch {
			case err == nil:
				if stale {
					if err := r.write(ctx, ActionRefreshed, assetID, out); err != nil {
						return err
					}
				}
			case errors.Is(err, remote.ErrNotFound), errors.Is(err, sentinel.ErrMalformed):
				if err := r.remove(ctx, assetID, out); err != nil {
					return err
				}
			case errors.Is(err, sentinel.ErrMissing):
			default:
				return fmt.Errorf("refresh %s: %w", out, err)
			}
		}
	}
	return nil
}

func (r Reconciler) write(ctx context.Context, action Action, assetID, path string) error {
	written, err := r.Store.Write(ctx, assetID, path)
	if err != nil {
		return err
	}
	if written {
		r.logger().Printf("preflight: %s %s (%s)", action, path, assetID)
		r.record(ctx, action, assetID, path)
	}
	return nil
}

func (r Reconciler) remove(ctx context.Context, assetID, path string) error {
	if err := r.Store.Remove(path); err != nil {
		return err
	}
	r.record(ctx, ActionRemoved, assetID, path)
	return nil
}

func (r Reconciler) record(ctx context.Context, action Action, assetID, path string) {
	if r.Recorder == nil {
		return
	}
	if err := r.Recorder.SentinelChanged(ctx, action, assetID, path); err != nil {
		r.logger().Printf("preflight: journal %s for %s failed: %v", action, path, err)
	}
}
