package remote

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"geemake/internal/timecodec"
)

// Memory is an in-process platform. It backs the emulator and tests.
type Memory struct {
	mu     sync.Mutex
	assets map[string]time.Time
	jobs   map[string]*MemoryJob
	Now    func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		assets: make(map[string]time.Time),
		jobs:   make(map[string]*MemoryJob),
		Now:    time.Now,
	}
}

func (m *Memory) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// PutAsset creates or touches an asset with the given update time.
func (m *Memory) PutAsset(id string, updated time.Time) Asset {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assets[id] = updated.UTC()
	return Asset{ID: id, UpdateTime: timecodec.Format(timecodec.FromTime(updated))}
}

// TouchAsset sets the asset's update time to now.
func (m *Memory) TouchAsset(id string) Asset {
	return m.PutAsset(id, m.now())
}

func (m *Memory) GetAsset(ctx context.Context, id string) (Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	updated, ok := m.assets[id]
	if !ok {
		return Asset{}, fmt.Errorf("get asset %s: %w", id, ErrNotFound)
	}
	return Asset{ID: id, UpdateTime: timecodec.Format(timecodec.FromTime(updated))}, nil
}

func (m *Memory) DeleteAsset(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.assets[id]; !ok {
		return fmt.Errorf("delete asset %s: %w", id, ErrNotFound)
	}
	delete(m.assets, id)
	return nil
}

// AssetIDs lists assets in lexical order.
func (m *Memory) AssetIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.assets))
	for id := range m.assets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// NewJob registers an unstarted job.
func (m *Memory) NewJob(spec JobSpec) *MemoryJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := &MemoryJob{
		ID:        uuid.New().String(),
		spec:      spec,
		state:     StateReady,
		remaining: spec.Polls,
		mem:       m,
	}
	m.jobs[j.ID] = j
	return j
}

// Job looks up a job by id.
func (m *Memory) Job(id string) (*MemoryJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return j, nil
}

// MemoryJob is a job on a Memory platform. Its state advances on each status query.
type MemoryJob struct {
	ID        string
	spec      JobSpec
	state     State
	message   string
	remaining int
	starts    int
	mem       *Memory
}

// Start submits the job. The platform refuses to overwrite an existing asset.
func (j *MemoryJob) Start(ctx context.Context) error {
	m := j.mem
	m.mu.Lock()
	defer m.mu.Unlock()
	if j.state != StateReady {
		return fmt.Errorf("job %s already started (state %s): %w", j.ID, j.state, ErrAlreadyExists)
	}
	j.starts++
	if _, exists := m.assets[j.spec.AssetID]; exists {
		j.state = StateFailed
		j.message = fmt.Sprintf("cannot overwrite asset %s", j.spec.AssetID)
		return nil
	}
	j.state = StateRunning
	return nil
}

func (j *MemoryJob) Status(ctx context.Context) (TaskStatus, error) {
	m := j.mem
	m.mu.Lock()
	defer m.mu.Unlock()
	if j.state == StateRunning {
		if j.remaining > 0 {
			j.remaining--
		} else {
			j.finish(m)
		}
	}
	return TaskStatus{ID: j.ID, State: j.state, ErrorMessage: j.message}, nil
}

// Starts reports how many times Start has been accepted.
func (j *MemoryJob) Starts() int {
	j.mem.mu.Lock()
	defer j.mem.mu.Unlock()
	return j.starts
}

func (j *MemoryJob) finish(m *Memory) {
	final := j.spec.FinalState
	if final == "" {
		final = StateCompleted
	}
	if final == StateCompleted {
		if _, exists := m.assets[j.spec.AssetID]; exists {
			j.state = StateFailed
			j.message = fmt.Sprintf("cannot overwrite asset %s", j.spec.AssetID)
			return
		}
		m.assets[j.spec.AssetID] = m.now().UTC()
	}
	j.state = final
}
