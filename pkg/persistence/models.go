// Package persistence provides SQLite-based storage for requests, conductor
// state, artifacts, and events. It is the only shared mutable resource in the
// system; all multi-row updates go through explicit transactions.
package persistence

import (
	"time"

	"conductor/pkg/proto"
)

// Request is the root entity for one end-to-end app build. Created once,
// never deleted; destroying a request cascades to its state, artifacts, and events.
type Request struct {
	CreatedAt      time.Time   `json:"created_at"`
	ID             string      `json:"id"`
	Prompt         string      `json:"prompt"`
	ProjectID      string      `json:"project_id"`
	CurrentPhase   proto.Phase `json:"current_phase"` // mirror of conductor state
	ExecutionID    string      `json:"execution_id"`  // binds events to this run
	RepairAttempts int         `json:"repair_attempts"`
}

// ConductorState is the per-request state machine record.
type ConductorState struct {
	UpdatedAt     time.Time   `json:"updated_at"`
	RequestID     string      `json:"request_id"`
	CurrentPhase  proto.Phase `json:"current_phase"`
	LastAgent     string      `json:"last_agent,omitempty"`
	Locked        bool        `json:"locked"`
	AwaitingHuman bool        `json:"awaiting_human"`
}

// Artifact is the stored record of a single producer output.
//
//nolint:govet // struct alignment optimization not critical for this type
type Artifact struct {
	CreatedAt      time.Time            `json:"created_at"`
	ApprovedAt     *time.Time           `json:"approved_at,omitempty"`
	ID             string               `json:"id"`
	RequestID      string               `json:"request_id"`
	Producer       string               `json:"producer"`
	Type           proto.ArtifactType   `json:"type"`
	Content        []byte               `json:"content"` // canonical bytes
	ContentHash    string               `json:"content_hash"`
	InputHashes    map[string]string    `json:"input_hashes"` // role → consumed artifact hash
	RequestHash    string               `json:"request_hash"` // dedup key
	Status         proto.ArtifactStatus `json:"status"`
	ApprovedBy     *string              `json:"approved_by,omitempty"`
	RejectedReason string               `json:"rejected_reason,omitempty"`
	Version        int                  `json:"version"` // monotonic per (request, type)
}

// Event is one append-only audit record. Seq is assigned by the database and
// is strictly monotonic per execution.
type Event struct {
	CreatedAt   time.Time       `json:"created_at"`
	ID          string          `json:"id"`
	ExecutionID string          `json:"execution_id"`
	RequestID   string          `json:"request_id"`
	Type        proto.EventType `json:"type"`
	Message     string          `json:"message"`
	Seq         int64           `json:"seq"`
}
