package eventlog

import (
	"fmt"
	"time"

	"conductor/pkg/logx"
	"conductor/pkg/persistence"
	"conductor/pkg/proto"
	"conductor/pkg/utils"
)

// Log is the append-only event facade. Database writes are authoritative and
// ordered; the JSONL mirror is best effort and never blocks the pipeline.
type Log struct {
	store  *persistence.Store
	mirror *Writer
	logger *logx.Logger
}

// NewLog creates the event log over the store, mirroring to logDir.
// A nil or empty logDir disables the mirror.
func NewLog(store *persistence.Store, logDir string) (*Log, error) {
	l := &Log{
		store:  store,
		logger: logx.NewLogger("eventlog"),
	}
	if logDir != "" {
		mirror, err := NewWriter(logDir)
		if err != nil {
			return nil, fmt.Errorf("failed to create event mirror: %w", err)
		}
		l.mirror = mirror
	}
	return l, nil
}

// Append records an event inside the caller's transaction. The mirror write
// happens immediately; a mirror failure is logged, not surfaced, because the
// database row is the source of truth.
func (l *Log) Append(ops *persistence.Ops, executionID, requestID string, eventType proto.EventType, message string) error {
	e := &persistence.Event{
		ID:          utils.NewID(),
		ExecutionID: executionID,
		RequestID:   requestID,
		Type:        eventType,
		Message:     message,
		CreatedAt:   time.Now().UTC(),
	}
	if err := ops.InsertEvent(e); err != nil {
		return fmt.Errorf("failed to append event %s: %w", eventType, err)
	}

	if l.mirror != nil {
		if err := l.mirror.WriteEvent(e); err != nil {
			l.logger.Warn("event mirror write failed: %v", err)
		}
	}
	l.logger.Debug("event %s for request %s: %s", eventType, requestID, message)
	return nil
}

// AppendDirect records an event outside any transaction.
func (l *Log) AppendDirect(executionID, requestID string, eventType proto.EventType, message string) error {
	return l.Append(l.store.Ops(), executionID, requestID, eventType, message)
}

// Since returns events for an execution with seq greater than the cursor,
// in sequence order. A cursor of 0 returns everything.
func (l *Log) Since(executionID string, sinceSeq int64) ([]*persistence.Event, error) {
	return l.store.Ops().ListEvents(executionID, sinceSeq)
}

// Close releases the mirror file handle.
func (l *Log) Close() error {
	if l.mirror != nil {
		return l.mirror.Close()
	}
	return nil
}
