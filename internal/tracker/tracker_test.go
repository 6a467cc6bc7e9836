package tracker_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"geemake/internal/remote"
	"geemake/internal/sentinel"
	"geemake/internal/tracker"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type testEnv struct {
	Ctx     context.Context
	Remote  *remote.Memory
	Store   sentinel.Store
	Tracker *tracker.Tracker
	Dir     string
	Log     *syncBuffer
	Journal *journal
}

type journal struct {
	mu       sync.Mutex
	started  []string
	finished map[string]remote.State
}

func (j *journal) WatcherRegistered(ctx context.Context, w tracker.Watch) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.started = append(j.started, w.AssetID)
	return nil
}

func (j *journal) WatcherFinished(ctx context.Context, w tracker.Watch, st remote.TaskStatus) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.finished[w.AssetID] = st.State
	return nil
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	mem := remote.NewMemory()
	buf := &syncBuffer{}
	store := sentinel.Store{Remote: mem, Logger: log.New(buf, "", 0)}
	tr := tracker.New(mem, store)
	j := &journal{finished: make(map[string]remote.State)}
	tr.Recorder = j
	return testEnv{Ctx: context.Background(), Remote: mem, Store: store, Tracker: tr, Dir: t.TempDir(), Log: buf, Journal: j}
}

func TestRegisterWritesSentinelOnCompletion(t *testing.T) {
	env := newTestEnv(t)
	local := filepath.Join(env.Dir, "local", "out")
	job := env.Remote.NewJob(remote.JobSpec{AssetID: "users/x/out", Polls: 3})

	if _, err := env.Tracker.Register(env.Ctx, "users/x/out", local, job, 0); err != nil {
		t.Fatalf("register: %v", err)
	}
	env.Tracker.Wait()

	data, err := os.ReadFile(local)
	if err != nil {
		t.Fatalf("expected sentinel: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 2 || lines[0] != "users/x/out" {
		t.Fatalf("unexpected sentinel %q", string(data))
	}
	if env.Journal.finished["users/x/out"] != remote.StateCompleted {
		t.Fatalf("expected journal completion, got %v", env.Journal.finished)
	}
	if env.Tracker.Active() != 0 {
		t.Fatalf("expected no active watchers")
	}
}

func TestRegisterOverwritesExistingAsset(t *testing.T) {
	env := newTestEnv(t)
	local := filepath.Join(env.Dir, "out")
	env.Remote.PutAsset("users/x/out", time.Unix(1000, 0))
	if _, err := env.Store.Write(env.Ctx, "users/x/out", local); err != nil {
		t.Fatal(err)
	}
	env.Remote.Now = func() time.Time { return time.Unix(2000, 0) }
	job := env.Remote.NewJob(remote.JobSpec{AssetID: "users/x/out"})

	if _, err := env.Tracker.Register(env.Ctx, "users/x/out", local, job, 0); err != nil {
		t.Fatalf("register: %v", err)
	}
	env.Tracker.Wait()

	if ids := env.Remote.AssetIDs(); len(ids) != 1 || ids[0] != "users/x/out" {
		t.Fatalf("expected exactly one asset, got %v", ids)
	}
	rec, err := env.Store.Read(local)
	if err != nil {
		t.Fatalf("read sentinel: %v", err)
	}
	if rec.Epoch.String() != "2000.000000" {
		t.Fatalf("expected fresh sentinel, got %s", rec.Epoch)
	}
	if strings.Contains(env.Log.String(), "ended with status") {
		t.Fatalf("unexpected failure log: %s", env.Log.String())
	}
}

func TestRegisterFailedTaskLeavesNoSentinel(t *testing.T) {
	env := newTestEnv(t)
	local := filepath.Join(env.Dir, "out")
	job := env.Remote.NewJob(remote.JobSpec{AssetID: "users/x/out", Polls: 1, FinalState: remote.StateFailed})

	if _, err := env.Tracker.Register(env.Ctx, "users/x/out", local, job, 0); err != nil {
		t.Fatalf("register: %v", err)
	}
	env.Tracker.Wait()

	if _, err := os.Stat(local); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("failed task must not leave a sentinel")
	}
	if !strings.Contains(env.Log.String(), "task to create users/x/out ended with status: FAILED") {
		t.Fatalf("expected failure log, got %q", env.Log.String())
	}
	if env.Journal.finished["users/x/out"] != remote.StateFailed {
		t.Fatalf("expected journal failure, got %v", env.Journal.finished)
	}
}

type flakyTask struct {
	mu       sync.Mutex
	failures int
	calls    int
	started  bool
	err      error
	onDone   func()
}

func (f *flakyTask) Start(ctx context.Context) error {
	f.started = true
	return nil
}

func (f *flakyTask) Status(ctx context.Context) (remote.TaskStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		if f.err != nil {
			return remote.TaskStatus{}, f.err
		}
		return remote.TaskStatus{}, errors.New("connection reset")
	}
	if f.onDone != nil {
		f.onDone()
	}
	return remote.TaskStatus{State: remote.StateCompleted}, nil
}

func TestWatcherToleratesTransientStatusErrors(t *testing.T) {
	env := newTestEnv(t)
	local := filepath.Join(env.Dir, "out")
	task := &flakyTask{failures: 3, onDone: func() { env.Remote.TouchAsset("users/x/out") }}
	if _, err := env.Tracker.Register(env.Ctx, "users/x/out", local, task, 0); err != nil {
		t.Fatalf("register: %v", err)
	}
	env.Tracker.Wait()
	if _, err := env.Store.Read(local); err != nil {
		t.Fatalf("expected sentinel after transient errors: %v", err)
	}
}

func TestWatcherGivesUpAfterRepeatedStatusErrors(t *testing.T) {
	env := newTestEnv(t)
	local := filepath.Join(env.Dir, "out")
	task := &flakyTask{failures: 100}
	if _, err := env.Tracker.Register(env.Ctx, "users/x/out", local, task, 0); err != nil {
		t.Fatalf("register: %v", err)
	}
	env.Tracker.Wait()
	if env.Journal.finished["users/x/out"] != remote.StateUnknown {
		t.Fatalf("expected UNKNOWN, got %v", env.Journal.finished)
	}
	if task.calls != 5 {
		t.Fatalf("expected 5 status calls, got %d", task.calls)
	}
}

func TestWatcherRetriesUnauthorizedStatus(t *testing.T) {
	env := newTestEnv(t)
	local := filepath.Join(env.Dir, "out")
	task := &flakyTask{
		failures: 12,
		err:      &remote.APIError{StatusCode: http.StatusUnauthorized, Body: "token expired"},
		onDone:   func() { env.Remote.TouchAsset("users/x/out") },
	}
	if _, err := env.Tracker.Register(env.Ctx, "users/x/out", local, task, 0); err != nil {
		t.Fatalf("register: %v", err)
	}
	env.Tracker.Wait()
	if _, err := env.Store.Read(local); err != nil {
		t.Fatalf("expected sentinel after expired credentials recovered: %v", err)
	}
	if env.Journal.finished["users/x/out"] != remote.StateCompleted {
		t.Fatalf("expected COMPLETED, got %v", env.Journal.finished)
	}
}

type panicTask struct{}

func (panicTask) Start(ctx context.Context) error { return nil }
func (panicTask) Status(ctx context.Context) (remote.TaskStatus, error) {
	panic("remote client bug")
}

func TestWatcherPanicDoesNotCrash(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Tracker.Register(env.Ctx, "users/x/p", filepath.Join(env.Dir, "p"), panicTask{}, 0); err != nil {
		t.Fatalf("register: %v", err)
	}
	env.Tracker.Wait()
	if !strings.Contains(env.Log.String(), "panicked") {
		t.Fatalf("expected panic to be logged, got %q", env.Log.String())
	}
	if env.Journal.finished["users/x/p"] != remote.StateUnknown {
		t.Fatalf("expected journal to record UNKNOWN, got %v", env.Journal.finished)
	}
}

type refusingTask struct{}

func (refusingTask) Start(ctx context.Context) error { return errors.New("quota exceeded") }
func (refusingTask) Status(ctx context.Context) (remote.TaskStatus, error) {
	return remote.TaskStatus{}, nil
}

func TestRegisterReturnsStartError(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Tracker.Register(env.Ctx, "users/x/a", filepath.Join(env.Dir, "a"), refusingTask{}, 0)
	if err == nil || !strings.Contains(err.Error(), "quota exceeded") {
		t.Fatalf("expected start error, got %v", err)
	}
	if env.Tracker.Active() != 0 {
		t.Fatalf("failed registration must release the target")
	}
}

func TestRegisterRejectsDuplicateTarget(t *testing.T) {
	env := newTestEnv(t)
	local := filepath.Join(env.Dir, "out")
	release := make(chan struct{})
	blocking := &blockingTask{release: release}
	if _, err := env.Tracker.Register(env.Ctx, "users/x/out", local, blocking, 0); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err := env.Tracker.Register(env.Ctx, "users/x/out", local, env.Remote.NewJob(remote.JobSpec{AssetID: "users/x/out"}), 0)
	if !errors.Is(err, tracker.ErrAlreadyWatching) {
		t.Fatalf("expected ErrAlreadyWatching, got %v", err)
	}
	close(release)
	env.Tracker.Wait()
}

type blockingTask struct {
	release chan struct{}
}

func (b *blockingTask) Start(ctx context.Context) error { return nil }
func (b *blockingTask) Status(ctx context.Context) (remote.TaskStatus, error) {
	select {
	case <-b.release:
		return remote.TaskStatus{State: remote.StateCancelled}, nil
	default:
		return remote.TaskStatus{State: remote.StateRunning}, nil
	}
}

func TestRegisterDoesNotBlockOnSlowTasks(t *testing.T) {
	env := newTestEnv(t)
	release := make(chan struct{})
	slow := &blockingTask{release: release}
	if _, err := env.Tracker.Register(env.Ctx, "users/x/slow", filepath.Join(env.Dir, "slow"), slow, time.Millisecond); err != nil {
		t.Fatalf("register slow: %v", err)
	}
	var jobs []*remote.MemoryJob
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("users/x/out%d", i)
		job := env.Remote.NewJob(remote.JobSpec{AssetID: id, Polls: i})
		jobs = append(jobs, job)
		if _, err := env.Tracker.Register(env.Ctx, id, filepath.Join(env.Dir, fmt.Sprintf("out%d", i)), job, 0); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
	deadline := time.Now().Add(5 * time.Second)
	for env.Tracker.Active() > 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if env.Tracker.Active() != 1 {
		t.Fatalf("fast watchers should finish while the slow one runs, active=%d", env.Tracker.Active())
	}
	for i := range jobs {
		if _, err := env.Store.Read(filepath.Join(env.Dir, fmt.Sprintf("out%d", i))); err != nil {
			t.Fatalf("sentinel %d: %v", i, err)
		}
	}
	close(release)
	env.Tracker.Wait()
}

func TestRegisterRejectsNegativeWait(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Tracker.Register(env.Ctx, "users/x/a", filepath.Join(env.Dir, "a"), refusingTask{}, -time.Second); err == nil {
		t.Fatalf("expected error for negative wait")
	}
}
