// Package tracker starts remote jobs and watches them to completion in the
// background, committing each successful result as a sentinel.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"geemake/internal/remote"
	"geemake/internal/sentinel"
)

// maxStatusErrors is how many consecutive failed status queries end a watch.
const maxStatusErrors = 5

// ErrAlreadyWatching is returned when a sentinel path already has a live watcher.
var ErrAlreadyWatching = errors.New("sentinel already has a live watcher")

// Watch identifies one registered job.
type Watch struct {
	ID           string
	AssetID      string
	SentinelPath string
}

// Recorder observes watcher lifecycle. Errors are logged, never returned.
type Recorder interface {
	WatcherRegistered(ctx context.Context, w Watch) error
	WatcherFinished(ctx context.Context, w Watch, status remote.TaskStatus) error
}

type Tracker struct {
	Remote   remote.Platform
	Store    sentinel.Store
	Recorder Recorder
	Logger   *log.Logger
	NewID    func() string

	wg     sync.WaitGroup
	mu     sync.Mutex
	active map[string]string
}

func New(platform remote.Platform, store sentinel.Store) *Tracker {
	return &Tracker{
		Remote: platform,
		Store:  store,
		Logger: store.Logger,
		NewID:  func() string { return uuid.New().String() },
		active: make(map[string]string),
	}
}

func (t *Tracker) logger() *log.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return log.Default()
}

func (t *Tracker) newID() string {
	if t.NewID != nil {
		return t.NewID()
	}
	return uuid.New().String()
}

// Register clears any previous asset and sentinel for the target, starts task,
// and hands it to a background watcher polling every wait. It returns once the
// job is started; the outcome is observable only through the sentinel.
func (t *Tracker) Register(ctx context.Context, assetID, sentinelPath string, task remote.Task, wait time.Duration) (Watch, error) {
	if wait < 0 {
		return Watch{}, fmt.Errorf("poll interval must not be negative: %s", wait)
	}
	w := Watch{ID: t.newID(), AssetID: assetID, SentinelPath: sentinelPath}
	if err := t.claim(w); err != nil {
		return Watch{}, err
	}
	if err := t.Remote.DeleteAsset(ctx, assetID); err != nil && !errors.Is(err, remote.ErrNotFound) {
		t.release(w)
		return Watch{}, fmt.Errorf("clear asset %s: %w", assetID, err)
	}
	if err := t.Store.Remove(sentinelPath); err != nil {
		t.release(w)
		return Watch{}, err
	}
	if err := task.Start(ctx); err != nil {
		t.release(w)
		return Watch{}, fmt.Errorf("start task for %s: %w", assetID, err)
	}
	if t.Recorder != nil {
		if err := t.Recorder.WatcherRegistered(ctx, w); err != nil {
			t.logger().Printf("tracker: journal registration of %s failed: %v", assetID, err)
		}
	}
	t.wg.Add(1)
	go t.watch(context.WithoutCancel(ctx), w, task, wait)
	return w, nil
}

// Wait blocks until every registered watcher has reached a terminal state.
func (t *Tracker) Wait() {
	t.wg.Wait()
}

// Active reports how many watchers are still polling.
func (t *Tracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

func (t *Tracker) claim(w Watch) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active == nil {
		t.active = make(map[string]string)
	}
	if owner, ok := t.active[w.SentinelPath]; ok {
		return fmt.Errorf("%s (watcher %s): %w", w.SentinelPath, owner, ErrAlreadyWatching)
	}
	t.active[w.SentinelPath] = w.ID
	return nil
}

func (t *Tracker) release(w Watch) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active[w.SentinelPath] == w.ID {
		delete(t.active, w.SentinelPath)
	}
}

func (t *Tracker) watch(ctx context.Context, w Watch, task remote.Task, wait time.Duration) {
	defer t.wg.Done()
	defer t.release(w)

	status := t.observe(ctx, w, task, wait)
	if t.Recorder != nil {
		if err := t.Recorder.WatcherFinished(ctx, w, status); err != nil {
			t.logger().Printf("tracker: journal completion of %s failed: %v", w.AssetID, err)
		}
	}
}

// observe polls task to a terminal state and commits the sentinel on success.
// A panic ends the watch with UNKNOWN.
func (t *Tracker) observe(ctx context.Context, w Watch, task remote.Task, wait time.Duration) (status remote.TaskStatus) {
	defer func() {
		if r := recover(); r != nil {
			t.logger().Printf("tracker: watcher for %s panicked: %v", w.AssetID, r)
			status = remote.TaskStatus{State: remote.StateUnknown, ErrorMessage: fmt.Sprintf("watcher panicked: %v", r)}
		}
	}()

	status = t.poll(ctx, w, task, wait)
	if status.State == remote.StateCompleted {
		written, err := t.Store.Write(ctx, w.AssetID, w.SentinelPath)
		switch {
		case err != nil:
			t.logger().Printf("tracker: task for %s completed but sentinel write failed: %v", w.AssetID, err)
		case !written:
			t.logger().Printf("tracker: task for %s completed but the asset is missing", w.AssetID)
		}
	} else {
		msg := ""
		if status.ErrorMessage != "" {
			msg = " (" + status.ErrorMessage + ")"
		}
		t.logger().Printf("task to create %s ended with status: %s%s", w.AssetID, status.State, msg)
	}
	return status
}

// poll sleeps then queries until the task leaves READY/RUNNING. Consecutive
// status errors end the watch after maxStatusErrors; auth errors are retried
// indefinitely.
func (t *Tracker) poll(ctx context.Context, w Watch, task remote.Task, wait time.Duration) remote.TaskStatus {
	failures := 0
	for {
		time.Sleep(wait)
		status, err := task.Status(ctx)
		if errors.Is(err, remote.ErrUnauthorized) {
			t.logger().Printf("tracker: status of task for %s: %v (retrying)", w.AssetID, err)
			continue
		}
		if err != nil {
			failures++
			t.logger().Printf("tracker: status of task for %s: %v (%d/%d)", w.AssetID, err, failures, maxStatusErrors)
			if failures >= maxStatusErrors {
				return remote.TaskStatus{State: remote.StateUnknown, ErrorMessage: err.Error()}
			}
			continue
		}
		failures = 0
		if status.State.Pending() {
			continue
		}
		return status
	}
}
