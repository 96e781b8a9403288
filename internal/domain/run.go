package domain

import (
	"errors"
	"time"
)

var (
	// ErrRunNotFound is returned for unknown run IDs.
	ErrRunNotFound = errors.New("run not found")
	// ErrRunInProgress is returned when a running run already covers part of
	// the requested range. Stores are keyed by time alone, so any overlap
	// counts regardless of location.
	ErrRunInProgress = errors.New("run already in progress for an overlapping range")
)

// RunStatus is the composite outcome of a pipeline run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	// RunPartial means every upstream stage succeeded but at least one store
	// failed to load.
	RunPartial RunStatus = "partial"
	RunFailed  RunStatus = "failed"
)

// Stage names a pipeline step, recorded when a run fails.
type Stage string

const (
	StageSource    Stage = "source"
	StageRepair    Stage = "repair"
	StageEnrich    Stage = "enrich"
	StagePartition Stage = "partition"
	StageLoad      Stage = "load"
)

// Run triggers.
const (
	TriggerManual   = "manual"
	TriggerSchedule = "schedule"
	TriggerRerun    = "rerun"
)

// Materialization describes one stage output written to disk.
type Materialization struct {
	Asset     string    `json:"asset"`
	Path      string    `json:"path"`
	Bytes     int64     `json:"bytes"`
	Checksum  string    `json:"checksum"`
	CreatedAt time.Time `json:"created_at"`
}

// StoreOutcome is the persisted result of loading one store.
type StoreOutcome struct {
	Store    string        `json:"store"`
	Rows     int           `json:"rows"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration_ns"`
	Kind     string        `json:"kind,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Run is the context of one pipeline execution. It is passed through every
// stage and persisted by ID.
type Run struct {
	ID       string    `json:"id"`
	ParentID string    `json:"parent_id,omitempty"`
	Trigger  string    `json:"trigger"`
	Location Location  `json:"location"`
	Range    DateRange `json:"range"`

	Status      RunStatus `json:"status"`
	FailedStage Stage     `json:"failed_stage,omitempty"`
	Error       string    `json:"error,omitempty"`
	// StartAsset is set on reruns that resume from a parent's artifact.
	StartAsset string `json:"start_asset,omitempty"`

	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	Rows               int               `json:"rows"`
	DegradedColumns    []string          `json:"degraded_columns,omitempty"`
	Warnings           []string          `json:"warnings,omitempty"`
	Repair             []VariableReport  `json:"repair,omitempty"`
	Stores             []StoreOutcome    `json:"stores,omitempty"`
	InconsistentStores []string          `json:"inconsistent_stores,omitempty"`
	Assets             []Materialization `json:"assets,omitempty"`
}

// Finished reports whether the run reached a terminal status.
func (r Run) Finished() bool {
	return r.Status != RunRunning && r.Status != ""
}

// Asset returns the materialization of the named asset, if recorded.
func (r Run) Asset(name string) (Materialization, bool) {
	for _, m := range r.Assets {
		if m.Asset == name {
			return m, true
		}
	}
	return Materialization{}, false
}
