// Package store defines durable persistence for scenario execution:
// instances, the dispatch ledger, the audit log, and published scenario
// versions. Drivers: in-memory (tests, dev), Postgres and SQLite.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/spinleaf/scenario-engine/internal/scenario"
)

var (
	// ErrNotFound means the requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict means a conditional write lost an optimistic-concurrency
	// race. The caller re-reads and retries.
	ErrConflict = errors.New("store: conflicting write")

	// ErrDuplicateActive means a non-terminal instance already exists for
	// the (scenario, player) pair.
	ErrDuplicateActive = errors.New("store: active instance exists for scenario and player")
)

// InstanceStatus is the lifecycle state of an execution instance.
type InstanceStatus string

const (
	StatusRunning   InstanceStatus = "running"
	StatusWaiting   InstanceStatus = "waiting"
	StatusCompleted InstanceStatus = "completed"
	StatusFailed    InstanceStatus = "failed"
	StatusCancelled InstanceStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s InstanceStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// VisitedNode is one entry of an instance's ordered visit log.
type VisitedNode struct {
	NodeID string    `json:"node_id"`
	At     time.Time `json:"at"`
}

// Instance is one execution of a scenario version for one player. The store
// owns it; the executor mutates it through conditional writes only.
type Instance struct {
	ID              string         `json:"id"`
	ScenarioID      string         `json:"scenario_id"`
	ScenarioVersion int            `json:"scenario_version"`
	PlayerID        string         `json:"player_id"`
	CurrentNodeID   string         `json:"current_node_id"`
	Status          InstanceStatus `json:"status"`
	WakeAt          *time.Time     `json:"wake_at,omitempty"`
	Visited         []VisitedNode  `json:"visited"`
	FailReason      string         `json:"fail_reason,omitempty"`
	Revision        int64          `json:"revision"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// AuditEntry records one dispatch outcome, append-only, keyed by instance.
type AuditEntry struct {
	InstanceID string    `json:"instance_id"`
	NodeID     string    `json:"node_id"`
	Channel    string    `json:"channel"`
	Status     string    `json:"status"` // sent|rejected|failed
	Detail     string    `json:"detail,omitempty"`
	At         time.Time `json:"at"`
}

// Store is the full persistence contract. It embeds the scenario registry's
// version store so one driver backs both.
type Store interface {
	scenario.VersionStore

	// CreateInstance persists a new instance. With requireUnique set it
	// fails with ErrDuplicateActive if a non-terminal instance exists for
	// the same (scenario, player) pair; the check and insert are atomic.
	CreateInstance(ctx context.Context, inst *Instance, requireUnique bool) error

	// Instance loads an instance by id.
	Instance(ctx context.Context, id string) (*Instance, error)

	// UpdateInstance writes inst conditionally on its Revision matching the
	// stored row, then bumps the revision. Returns ErrConflict on a lost race.
	UpdateInstance(ctx context.Context, inst *Instance) error

	// ActiveInstanceID returns the id of a non-terminal instance for the
	// pair, or "" if none exists.
	ActiveInstanceID(ctx context.Context, scenarioID, playerID string) (string, error)

	// DueInstanceIDs returns up to limit instances whose persisted wakeAt
	// is at or before now, oldest first.
	DueInstanceIDs(ctx context.Context, now time.Time, limit int) ([]string, error)

	// OpenInstanceIDs returns all non-terminal instances of a scenario.
	OpenInstanceIDs(ctx context.Context, scenarioID string) ([]string, error)

	// RunningInstanceIDs returns instances in status running, for startup
	// recovery after a crash.
	RunningInstanceIDs(ctx context.Context, limit int) ([]string, error)

	// AppendAudit appends one dispatch outcome to the audit log.
	AppendAudit(ctx context.Context, entry AuditEntry) error

	// AuditByInstance returns the audit entries of one instance in order.
	AuditByInstance(ctx context.Context, instanceID string) ([]AuditEntry, error)

	// MarkDelivered records an idempotency key as delivered. Returns false
	// if the key was already present; the insert is atomic.
	MarkDelivered(ctx context.Context, key string) (bool, error)

	// Delivered reports whether an idempotency key has been recorded.
	Delivered(ctx context.Context, key string) (bool, error)

	Close() error
}
