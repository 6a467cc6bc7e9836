package domain

// Rule is one build target as declared by the workflow.
type Rule struct {
	Name   string   `json:"name,omitempty" yaml:"name"`
	Input  []string `json:"input" yaml:"input"`
	Output []string `json:"output" yaml:"output"`
}

type Watcher struct {
	ID           string  `json:"id"`
	AssetID      string  `json:"asset_id"`
	SentinelPath string  `json:"sentinel_path"`
	State        string  `json:"state" enum:"RUNNING,COMPLETED,FAILED,CANCELLED,UNKNOWN"`
	Message      string  `json:"message,omitempty"`
	RegisteredAt string  `json:"registered_at" format:"date-time"`
	FinishedAt   *string `json:"finished_at,omitempty" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	AssetID    string `json:"asset_id,omitempty"`
	Payload    string `json:"payload_json"`
}

// SentinelView is a sentinel as reported by the CLI.
type SentinelView struct {
	Path        string `json:"path"`
	AssetID     string `json:"asset_id"`
	Epoch       string `json:"epoch"`
	RemoteEpoch string `json:"remote_epoch,omitempty"`
	Stale       bool   `json:"stale"`
}
