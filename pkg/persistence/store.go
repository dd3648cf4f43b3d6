package persistence

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"conductor/pkg/proto"
)

// ErrNotFound indicates the requested row does not exist.
var ErrNotFound = errors.New("not found")

// querier abstracts *sql.DB and *sql.Tx so the same operations run inside and
// outside transactions.
type querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// Store owns the database handle and hands out operation sets.
type Store struct {
	db *sql.DB
}

// NewStore creates a store over an initialized database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Ops returns an operation set running directly on the connection.
func (s *Store) Ops() *Ops {
	return &Ops{q: s.db}
}

// WithTx runs fn inside a transaction; commit on nil error, rollback otherwise.
// Multi-row state updates (transition + phase mirror + event) use this.
func (s *Store) WithTx(fn func(*Ops) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(&Ops{q: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed (%v) after: %w", rbErr, err)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// DB exposes the raw handle for closing at shutdown.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ops is one set of database operations bound to a connection or transaction.
type Ops struct {
	q querier
}

// --- Requests ---

// CreateRequest inserts a new request row.
func (o *Ops) CreateRequest(r *Request) error {
	_, err := o.q.Exec(`
		INSERT INTO requests (id, prompt, project_id, current_phase, execution_id, repair_attempts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.Prompt, r.ProjectID, string(r.CurrentPhase), r.ExecutionID, r.RepairAttempts, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create request %s: %w", r.ID, err)
	}
	return nil
}

// GetRequest loads a request by id.
func (o *Ops) GetRequest(id string) (*Request, error) {
	var r Request
	var phase string
	err := o.q.QueryRow(`
		SELECT id, prompt, project_id, current_phase, execution_id, repair_attempts, created_at
		FROM requests WHERE id = ?
	`, id).Scan(&r.ID, &r.Prompt, &r.ProjectID, &phase, &r.ExecutionID, &r.RepairAttempts, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load request %s: %w", id, err)
	}
	r.CurrentPhase = proto.Phase(phase)
	return &r, nil
}

// UpdateRequestPhase mirrors the conductor phase onto the request row.
func (o *Ops) UpdateRequestPhase(id string, phase proto.Phase) error {
	res, err := o.q.Exec(`UPDATE requests SET current_phase = ? WHERE id = ?`, string(phase), id)
	if err != nil {
		return fmt.Errorf("failed to update request %s phase: %w", id, err)
	}
	return requireRow(res, id)
}

// SetRepairAttempts updates the repair-attempt counter.
func (o *Ops) SetRepairAttempts(id string, attempts int) error {
	res, err := o.q.Exec(`UPDATE requests SET repair_attempts = ? WHERE id = ?`, attempts, id)
	if err != nil {
		return fmt.Errorf("failed to update request %s repair attempts: %w", id, err)
	}
	return requireRow(res, id)
}

// --- Conductor state ---

// CreateConductorState inserts the per-request state row. Fails if it exists.
func (o *Ops) CreateConductorState(st *ConductorState) error {
	_, err := o.q.Exec(`
		INSERT INTO conductor_states (request_id, current_phase, locked, awaiting_human, last_agent, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, st.RequestID, string(st.CurrentPhase), boolToInt(st.Locked), boolToInt(st.AwaitingHuman), st.LastAgent, st.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create conductor state for %s: %w", st.RequestID, err)
	}
	return nil
}

// GetConductorState loads the state row for a request.
func (o *Ops) GetConductorState(requestID string) (*ConductorState, error) {
	var st ConductorState
	var phase string
	var locked, awaiting int
	var lastAgent sql.NullString
	err := o.q.QueryRow(`
		SELECT request_id, current_phase, locked, awaiting_human, last_agent, updated_at
		FROM conductor_states WHERE request_id = ?
	`, requestID).Scan(&st.RequestID, &phase, &locked, &awaiting, &lastAgent, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conductor state for %s: %w", requestID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conductor state for %s: %w", requestID, err)
	}
	st.CurrentPhase = proto.Phase(phase)
	st.Locked = locked != 0
	st.AwaitingHuman = awaiting != 0
	st.LastAgent = lastAgent.String
	return &st, nil
}

// UpdateConductorState writes the state row back.
func (o *Ops) UpdateConductorState(st *ConductorState) error {
	res, err := o.q.Exec(`
		UPDATE conductor_states
		SET current_phase = ?, locked = ?, awaiting_human = ?, last_agent = ?, updated_at = ?
		WHERE request_id = ?
	`, string(st.CurrentPhase), boolToInt(st.Locked), boolToInt(st.AwaitingHuman), st.LastAgent, time.Now().UTC(), st.RequestID)
	if err != nil {
		return fmt.Errorf("failed to update conductor state for %s: %w", st.RequestID, err)
	}
	return requireRow(res, st.RequestID)
}

// --- Artifacts ---

// InsertArtifact writes a new artifact row.
func (o *Ops) InsertArtifact(a *Artifact) error {
	inputHashes, err := json.Marshal(a.InputHashes)
	if err != nil {
		return fmt.Errorf("failed to marshal input hashes: %w", err)
	}
	_, err = o.q.Exec(`
		INSERT INTO artifacts (
			id, request_id, producer, type, content, content_hash,
			input_hashes, request_hash, status, approved_by, approved_at,
			rejected_reason, version, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.RequestID, a.Producer, string(a.Type), string(a.Content), a.ContentHash,
		string(inputHashes), a.RequestHash, string(a.Status), a.ApprovedBy, a.ApprovedAt,
		a.RejectedReason, a.Version, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert artifact %s: %w", a.ID, err)
	}
	return nil
}

const artifactColumns = `
	id, request_id, producer, type, content, content_hash,
	input_hashes, request_hash, status, approved_by, approved_at,
	rejected_reason, version, created_at`

func scanArtifact(row interface{ Scan(...any) error }) (*Artifact, error) {
	var a Artifact
	var typ, status, content, inputHashes string
	var approvedBy sql.NullString
	var approvedAt sql.NullTime
	var rejectedReason sql.NullString
	err := row.Scan(&a.ID, &a.RequestID, &a.Producer, &typ, &content, &a.ContentHash,
		&inputHashes, &a.RequestHash, &status, &approvedBy, &approvedAt,
		&rejectedReason, &a.Version, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	a.Type = proto.ArtifactType(typ)
	a.Status = proto.ArtifactStatus(status)
	a.Content = []byte(content)
	a.RejectedReason = rejectedReason.String
	if approvedBy.Valid {
		a.ApprovedBy = &approvedBy.String
	}
	if approvedAt.Valid {
		t := approvedAt.Time
		a.ApprovedAt = &t
	}
	if err := json.Unmarshal([]byte(inputHashes), &a.InputHashes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal input hashes for %s: %w", a.ID, err)
	}
	return &a, nil
}

// GetArtifact loads an artifact by id.
func (o *Ops) GetArtifact(id string) (*Artifact, error) {
	a, err := scanArtifact(o.q.QueryRow(
		`SELECT `+artifactColumns+` FROM artifacts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("artifact %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load artifact %s: %w", id, err)
	}
	return a, nil
}

// GetArtifactByStatus returns the single artifact of (request, type) in the
// given status, or ErrNotFound. Uniqueness of awaiting_approval/approved per
// (request, type) is an invariant enforced by the ledger.
func (o *Ops) GetArtifactByStatus(requestID string, t proto.ArtifactType, status proto.ArtifactStatus) (*Artifact, error) {
	a, err := scanArtifact(o.q.QueryRow(
		`SELECT `+artifactColumns+` FROM artifacts WHERE request_id = ? AND type = ? AND status = ?
		 ORDER BY version DESC LIMIT 1`, requestID, string(t), string(status)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("artifact %s/%s status %s: %w", requestID, t, status, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query artifact %s/%s: %w", requestID, t, err)
	}
	return a, nil
}

// FindByRequestHash returns a live (awaiting_approval or approved) artifact
// with the given request hash, for retry-safe deduplication.
func (o *Ops) FindByRequestHash(requestID, requestHash string) (*Artifact, error) {
	a, err := scanArtifact(o.q.QueryRow(
		`SELECT `+artifactColumns+` FROM artifacts
		 WHERE request_id = ? AND request_hash = ? AND status IN ('awaiting_approval','approved')
		 ORDER BY version DESC LIMIT 1`, requestID, requestHash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("artifact with request hash %s: %w", requestHash, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query by request hash: %w", err)
	}
	return a, nil
}

// FindApprovedByContentHash returns the approved artifact in the request whose
// content hash matches; used for chain verification.
func (o *Ops) FindApprovedByContentHash(requestID, contentHash string) (*Artifact, error) {
	a, err := scanArtifact(o.q.QueryRow(
		`SELECT `+artifactColumns+` FROM artifacts
		 WHERE request_id = ? AND content_hash = ? AND status = 'approved' LIMIT 1`,
		requestID, contentHash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("approved artifact with hash %s: %w", contentHash, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query by content hash: %w", err)
	}
	return a, nil
}

// NextVersion returns the next version number for (request, type).
func (o *Ops) NextVersion(requestID string, t proto.ArtifactType) (int, error) {
	var maxVersion sql.NullInt64
	err := o.q.QueryRow(
		`SELECT MAX(version) FROM artifacts WHERE request_id = ? AND type = ?`,
		requestID, string(t)).Scan(&maxVersion)
	if err != nil {
		return 0, fmt.Errorf("failed to query max version for %s/%s: %w", requestID, t, err)
	}
	return int(maxVersion.Int64) + 1, nil
}

// MarkApproved sets approval fields on an artifact.
func (o *Ops) MarkApproved(id, approvedBy string, approvedAt time.Time) error {
	res, err := o.q.Exec(`
		UPDATE artifacts SET status = 'approved', approved_by = ?, approved_at = ?
		WHERE id = ?
	`, approvedBy, approvedAt, id)
	if err != nil {
		return fmt.Errorf("failed to approve artifact %s: %w", id, err)
	}
	return requireRow(res, id)
}

// MarkRejected soft-deletes an artifact, retaining it for audit.
func (o *Ops) MarkRejected(id, reason string) error {
	res, err := o.q.Exec(`
		UPDATE artifacts SET status = 'rejected', rejected_reason = ? WHERE id = ?
	`, reason, id)
	if err != nil {
		return fmt.Errorf("failed to reject artifact %s: %w", id, err)
	}
	return requireRow(res, id)
}

// ListArtifacts returns all artifacts for a request, oldest first.
func (o *Ops) ListArtifacts(requestID string) ([]*Artifact, error) {
	rows, err := o.q.Query(
		`SELECT `+artifactColumns+` FROM artifacts WHERE request_id = ? ORDER BY created_at, version`,
		requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts for %s: %w", requestID, err)
	}
	defer func() { _ = rows.Close() }()

	var artifacts []*Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		artifacts = append(artifacts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("artifact rows error: %w", err)
	}
	return artifacts, nil
}

// ApprovedTypes returns the set of artifact types currently approved for a request.
func (o *Ops) ApprovedTypes(requestID string) (map[proto.ArtifactType]bool, error) {
	rows, err := o.q.Query(
		`SELECT DISTINCT type FROM artifacts WHERE request_id = ? AND status = 'approved'`,
		requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to query approved types for %s: %w", requestID, err)
	}
	defer func() { _ = rows.Close() }()

	approved := make(map[proto.ArtifactType]bool)
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("failed to scan type: %w", err)
		}
		approved[proto.ArtifactType(t)] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("approved types rows error: %w", err)
	}
	return approved, nil
}

// --- Events ---

// InsertEvent appends an event; seq is assigned by the database.
func (o *Ops) InsertEvent(e *Event) error {
	_, err := o.q.Exec(`
		INSERT INTO events (id, execution_id, request_id, type, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.ID, e.ExecutionID, e.RequestID, string(e.Type), e.Message, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert event %s: %w", e.ID, err)
	}
	return nil
}

// ListEvents returns events for an execution with seq > sinceSeq, in order.
func (o *Ops) ListEvents(executionID string, sinceSeq int64) ([]*Event, error) {
	rows, err := o.q.Query(`
		SELECT seq, id, execution_id, request_id, type, message, created_at
		FROM events WHERE execution_id = ? AND seq > ? ORDER BY seq
	`, executionID, sinceSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to list events for %s: %w", executionID, err)
	}
	defer func() { _ = rows.Close() }()

	var events []*Event
	for rows.Next() {
		var e Event
		var typ string
		if err := rows.Scan(&e.Seq, &e.ID, &e.ExecutionID, &e.RequestID, &typ, &e.Message, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Type = proto.EventType(typ)
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("event rows error: %w", err)
	}
	return events, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("row %s: %w", id, ErrNotFound)
	}
	return nil
}
