package app

import (
	"context"
	"time"

	"geemake/internal/domain"
	"geemake/internal/events"
	"geemake/internal/reconcile"
	"geemake/internal/remote"
	"geemake/internal/repo"
	"geemake/internal/tracker"
)

// Journal records watcher and sentinel activity in the workspace database.
type Journal struct {
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
}

func (j Journal) now() string {
	now := j.Now
	if now == nil {
		now = time.Now
	}
	return now().UTC().Format(time.RFC3339Nano)
}

func (j Journal) WatcherRegistered(ctx context.Context, w tracker.Watch) error {
	tx, err := j.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	rec := domain.Watcher{
		ID:           w.ID,
		AssetID:      w.AssetID,
		SentinelPath: w.SentinelPath,
		State:        string(remote.StateRunning),
		RegisteredAt: j.now(),
	}
	if err := j.Repo.InsertWatcher(ctx, tx, rec); err != nil {
		return err
	}
	if err := j.Events.Append(ctx, tx, events.WatcherRegistered, "watcher", w.ID, w.AssetID, events.EventPayload{"sentinel_path": w.SentinelPath}); err != nil {
		return err
	}
	return tx.Commit()
}

func (j Journal) WatcherFinished(ctx context.Context, w tracker.Watch, status remote.TaskStatus) error {
	tx, err := j.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := j.Repo.FinishWatcher(ctx, tx, w.ID, string(status.State), status.ErrorMessage, j.now()); err != nil {
		return err
	}
	payload := events.EventPayload{"state": string(status.State)}
	if status.ErrorMessage != "" {
		payload["error"] = status.ErrorMessage
	}
	if err := j.Events.Append(ctx, tx, events.WatcherFinished, "watcher", w.ID, w.AssetID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

func (j Journal) SentinelChanged(ctx context.Context, action reconcile.Action, assetID, path string) error {
	tx, err := j.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := j.Events.Append(ctx, tx, string(action), "sentinel", path, assetID, nil); err != nil {
		return err
	}
	return tx.Commit()
}
