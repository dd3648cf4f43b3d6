// Package ledger is the hash-locked artifact store. Every producer output is
// canonicalised, content-addressed, and gated through human approval before any
// downstream agent may consume it. Approved artifacts are immutable; rejection
// is a soft delete that keeps the row for audit.
package ledger

import (
	"errors"
	"fmt"
	"time"

	"conductor/pkg/canon"
	"conductor/pkg/eventlog"
	"conductor/pkg/logx"
	"conductor/pkg/persistence"
	"conductor/pkg/proto"
	"conductor/pkg/utils"
)

// Ledger mediates all artifact reads and writes.
type Ledger struct {
	store  *persistence.Store
	events *eventlog.Log
	logger *logx.Logger
}

// NewLedger creates a ledger over the store and event log.
func NewLedger(store *persistence.Store, events *eventlog.Log) *Ledger {
	return &Ledger{
		store:  store,
		events: events,
		logger: logx.NewLogger("ledger"),
	}
}

// Submission is one producer output offered to the ledger. Exactly one of
// Content (structured, canonicalised as JSON) and Text (canonicalised by line
// ending normalisation) must be set.
type Submission struct {
	InputHashes map[string]string
	Content     any
	RequestID   string
	Producer    string
	Text        string
	Type        proto.ArtifactType
}

// Submit canonicalises and stores a new artifact in awaiting_approval status.
// Submitting the same (producer, inputs) pair again returns the existing live
// artifact unchanged, so retries never duplicate work.
func (l *Ledger) Submit(executionID string, sub *Submission) (*persistence.Artifact, error) {
	if !proto.IsValidArtifactType(sub.Type) {
		return nil, proto.NewFault(proto.FaultProtocol, proto.CodeContractViolation,
			"unknown artifact type %q", sub.Type)
	}
	if sub.Producer == "" {
		return nil, proto.NewFault(proto.FaultProtocol, proto.CodeContractViolation,
			"submission has no producer")
	}
	for role, hash := range sub.InputHashes {
		if !canon.IsHash(hash) {
			return nil, proto.NewFault(proto.FaultIntegrity, proto.CodeHashIntegrity,
				"input %q carries malformed hash %q", role, hash)
		}
	}

	content, err := canonicalBytes(sub)
	if err != nil {
		return nil, proto.WrapFault(proto.FaultContract, proto.CodeCanonicalization, err,
			"failed to canonicalise %s content", sub.Type)
	}
	contentHash := canon.Hash(content)
	requestHash := canon.RequestHash(sub.Producer, sub.InputHashes, canon.SchemaVersion)

	var artifact *persistence.Artifact
	err = l.store.WithTx(func(ops *persistence.Ops) error {
		// Retry-safe dedup: a live artifact for the same request hash wins.
		if existing, err := ops.FindByRequestHash(sub.RequestID, requestHash); err == nil {
			l.logger.Debug("dedup hit for %s (%s), returning artifact %s",
				sub.Producer, sub.Type, existing.ID)
			artifact = existing
			return nil
		} else if !errors.Is(err, persistence.ErrNotFound) {
			return err
		}

		// At most one awaiting_approval per (request, type).
		if pending, err := ops.GetArtifactByStatus(sub.RequestID, sub.Type, proto.StatusAwaitingApproval); err == nil {
			return proto.NewFault(proto.FaultProtocol, proto.CodeDraftPending,
				"artifact %s of type %s already awaits approval", pending.ID, sub.Type)
		} else if !errors.Is(err, persistence.ErrNotFound) {
			return err
		}

		version, err := ops.NextVersion(sub.RequestID, sub.Type)
		if err != nil {
			return err
		}

		inputHashes := sub.InputHashes
		if inputHashes == nil {
			inputHashes = map[string]string{}
		}
		artifact = &persistence.Artifact{
			ID:          utils.NewID(),
			RequestID:   sub.RequestID,
			Producer:    sub.Producer,
			Type:        sub.Type,
			Content:     content,
			ContentHash: contentHash,
			InputHashes: inputHashes,
			RequestHash: requestHash,
			Status:      proto.StatusAwaitingApproval,
			Version:     version,
			CreatedAt:   time.Now().UTC(),
		}
		if err := ops.InsertArtifact(artifact); err != nil {
			return err
		}
		return l.events.Append(ops, executionID, sub.RequestID,
			proto.ArtifactGenerated(sub.Type),
			fmt.Sprintf("%s v%d by %s (%s)", sub.Type, version, sub.Producer, shortHash(contentHash)))
	})
	if err != nil {
		return nil, err
	}
	return artifact, nil
}

// Approve moves an awaiting artifact to approved after re-verifying its content
// hash. A hash mismatch means the stored bytes were altered after submission;
// the approval is refused and an integrity event recorded.
func (l *Ledger) Approve(executionID, artifactID, approvedBy string) (*persistence.Artifact, error) {
	var artifact *persistence.Artifact
	err := l.store.WithTx(func(ops *persistence.Ops) error {
		a, err := ops.GetArtifact(artifactID)
		if err != nil {
			return err
		}
		if a.Status != proto.StatusAwaitingApproval {
			return proto.NewFault(proto.FaultProtocol, proto.CodeDuplicateApproval,
				"artifact %s is %s, not awaiting approval", artifactID, a.Status)
		}

		if got := canon.Hash(a.Content); got != a.ContentHash {
			return proto.NewFault(proto.FaultIntegrity, proto.CodeHashIntegrity,
				"artifact %s content hash mismatch: stored %s, computed %s",
				artifactID, shortHash(a.ContentHash), shortHash(got))
		}

		// Keep at most one approved per (request, type): the new approval
		// supersedes the previous one.
		if prev, err := ops.GetArtifactByStatus(a.RequestID, a.Type, proto.StatusApproved); err == nil {
			if err := ops.MarkRejected(prev.ID, fmt.Sprintf("superseded by %s", artifactID)); err != nil {
				return err
			}
			if err := l.events.Append(ops, executionID, a.RequestID,
				proto.ArtifactRejected(a.Type),
				fmt.Sprintf("%s v%d superseded by v%d", a.Type, prev.Version, a.Version)); err != nil {
				return err
			}
		} else if !errors.Is(err, persistence.ErrNotFound) {
			return err
		}

		if err := ops.MarkApproved(artifactID, approvedBy, time.Now().UTC()); err != nil {
			return err
		}
		if err := l.events.Append(ops, executionID, a.RequestID,
			proto.ArtifactApproved(a.Type),
			fmt.Sprintf("%s v%d approved by %s", a.Type, a.Version, approvedBy)); err != nil {
			return err
		}
		artifact, err = ops.GetArtifact(artifactID)
		return err
	})
	if err != nil {
		if proto.IsFault(err, proto.FaultIntegrity) {
			l.recordIntegrityViolation(executionID, artifactID, err)
		}
		return nil, err
	}
	return artifact, nil
}

// Reject soft-deletes an awaiting artifact, keeping the row and the reason.
func (l *Ledger) Reject(executionID, artifactID, reason string) error {
	return l.store.WithTx(func(ops *persistence.Ops) error {
		a, err := ops.GetArtifact(artifactID)
		if err != nil {
			return err
		}
		if a.Status != proto.StatusAwaitingApproval {
			return proto.NewFault(proto.FaultProtocol, proto.CodeDuplicateApproval,
				"artifact %s is %s, not awaiting approval", artifactID, a.Status)
		}
		if err := ops.MarkRejected(artifactID, reason); err != nil {
			return err
		}
		return l.events.Append(ops, executionID, a.RequestID,
			proto.ArtifactRejected(a.Type),
			fmt.Sprintf("%s v%d rejected: %s", a.Type, a.Version, reason))
	})
}

// Get loads an artifact by id.
func (l *Ledger) Get(artifactID string) (*persistence.Artifact, error) {
	return l.store.Ops().GetArtifact(artifactID)
}

// Store exposes the underlying store for callers composing transactions.
func (l *Ledger) Store() *persistence.Store {
	return l.store
}

// CurrentApproved returns the approved artifact of a type, or persistence.ErrNotFound.
func (l *Ledger) CurrentApproved(requestID string, t proto.ArtifactType) (*persistence.Artifact, error) {
	return l.store.Ops().GetArtifactByStatus(requestID, t, proto.StatusApproved)
}

// Awaiting returns the artifact of a type pending approval, or persistence.ErrNotFound.
func (l *Ledger) Awaiting(requestID string, t proto.ArtifactType) (*persistence.Artifact, error) {
	return l.store.Ops().GetArtifactByStatus(requestID, t, proto.StatusAwaitingApproval)
}

// FindLive returns a live artifact matching a request hash, for pre-flight dedup.
func (l *Ledger) FindLive(requestID, requestHash string) (*persistence.Artifact, error) {
	return l.store.Ops().FindByRequestHash(requestID, requestHash)
}

// ApprovedTypes returns the set of artifact types currently approved for a request.
func (l *Ledger) ApprovedTypes(requestID string) (map[proto.ArtifactType]bool, error) {
	return l.store.Ops().ApprovedTypes(requestID)
}

// List returns all artifacts for a request, oldest first.
func (l *Ledger) List(requestID string) ([]*persistence.Artifact, error) {
	return l.store.Ops().ListArtifacts(requestID)
}

// VerifyChain walks an artifact's input hashes transitively and verifies that
// every referenced input is an approved artifact in the same request whose
// stored bytes still hash to the referenced value.
func (l *Ledger) VerifyChain(requestID, artifactID string) error {
	ops := l.store.Ops()
	root, err := ops.GetArtifact(artifactID)
	if err != nil {
		return err
	}
	if got := canon.Hash(root.Content); got != root.ContentHash {
		return proto.NewFault(proto.FaultIntegrity, proto.CodeHashIntegrity,
			"artifact %s content hash mismatch", artifactID)
	}

	visited := map[string]bool{root.ContentHash: true}
	frontier := []*persistence.Artifact{root}
	for len(frontier) > 0 {
		current := frontier[0]
		frontier = frontier[1:]

		for role, hash := range current.InputHashes {
			if visited[hash] {
				continue
			}
			visited[hash] = true

			input, err := ops.FindApprovedByContentHash(requestID, hash)
			if errors.Is(err, persistence.ErrNotFound) {
				return proto.NewFault(proto.FaultIntegrity, proto.CodeChainBroken,
					"artifact %s input %q references %s with no approved source",
					current.ID, role, shortHash(hash))
			}
			if err != nil {
				return err
			}
			if got := canon.Hash(input.Content); got != input.ContentHash || got != hash {
				return proto.NewFault(proto.FaultIntegrity, proto.CodeHashIntegrity,
					"input artifact %s bytes no longer match hash %s", input.ID, shortHash(hash))
			}
			frontier = append(frontier, input)
		}
	}
	return nil
}

func (l *Ledger) recordIntegrityViolation(executionID, artifactID string, cause error) {
	a, err := l.store.Ops().GetArtifact(artifactID)
	if err != nil {
		l.logger.Error("integrity violation on %s, lookup failed: %v", artifactID, err)
		return
	}
	if err := l.events.AppendDirect(executionID, a.RequestID,
		proto.EventIntegrityViolation, cause.Error()); err != nil {
		l.logger.Error("failed to record integrity violation: %v", err)
	}
}

func canonicalBytes(sub *Submission) ([]byte, error) {
	if sub.Content != nil {
		return canon.JSON(sub.Content)
	}
	return canon.Text(sub.Text), nil
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
