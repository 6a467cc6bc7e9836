// Package remote models the asset platform that long-running jobs write to.
package remote

import (
	"context"
	"errors"
)

// ErrNotFound is returned when an asset or job does not exist remotely.
var ErrNotFound = errors.New("remote: not found")

// ErrUnauthorized is returned when the platform rejects the session credentials.
var ErrUnauthorized = errors.New("remote: unauthorized")

// ErrAlreadyExists reports a conflict with existing remote state, such as a
// job that was already started.
var ErrAlreadyExists = errors.New("remote: already exists")

// State is a job state as reported by the platform.
type State string

const (
	StateReady     State = "READY"
	StateRunning   State = "RUNNING"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
	StateCancelled State = "CANCELLED"
	// StateUnknown is assigned locally when the platform stops answering.
	StateUnknown State = "UNKNOWN"
)

// Pending reports whether a job in state s is still expected to progress.
func (s State) Pending() bool {
	return s == StateReady || s == StateRunning
}

// Asset is the platform's view of an asset.
type Asset struct {
	ID         string `json:"id"`
	UpdateTime string `json:"updateTime"`
}

// TaskStatus is the result of polling a job.
type TaskStatus struct {
	ID           string `json:"id,omitempty"`
	State        State  `json:"state"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Platform is the subset of the remote API the reconciler and tracker use.
type Platform interface {
	GetAsset(ctx context.Context, id string) (Asset, error)
	DeleteAsset(ctx context.Context, id string) error
}

// Task is a remote job that creates or overwrites exactly one asset.
type Task interface {
	Start(ctx context.Context) error
	Status(ctx context.Context) (TaskStatus, error)
}

// JobSpec describes a job to submit to a platform that accepts generic jobs.
type JobSpec struct {
	AssetID     string `json:"asset_id"`
	Description string `json:"description,omitempty"`
	// Polls is the number of status queries the job stays RUNNING for.
	Polls int `json:"polls,omitempty"`
	// FinalState overrides the terminal state; empty means COMPLETED.
	FinalState State `json:"final_state,omitempty"`
}
