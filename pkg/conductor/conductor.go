// Package conductor owns the per-request phase state machine. It is the only
// writer of conductor state: agents request transitions through the Agent Host,
// never directly. Every transition is validated against the fixed transition
// table and the phase exit requirements, then committed atomically together
// with the request phase mirror and the audit event.
package conductor

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"conductor/pkg/eventlog"
	"conductor/pkg/logx"
	"conductor/pkg/persistence"
	"conductor/pkg/proto"
)

// Conductor drives request phase state.
type Conductor struct {
	store  *persistence.Store
	events *eventlog.Log
	logger *logx.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per-request lock serialization
}

// NewConductor creates a conductor over the store and event log.
func NewConductor(store *persistence.Store, events *eventlog.Log) *Conductor {
	return &Conductor{
		store:  store,
		events: events,
		logger: logx.NewLogger("conductor"),
		locks:  make(map[string]*sync.Mutex),
	}
}

func (c *Conductor) requestMutex(requestID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.locks[requestID]
	if !ok {
		m = &sync.Mutex{}
		c.locks[requestID] = m
	}
	return m
}

// Initialize creates the state row for a new request at the idea phase.
func (c *Conductor) Initialize(requestID string) error {
	if _, err := c.store.Ops().GetConductorState(requestID); err == nil {
		return proto.NewFault(proto.FaultProtocol, proto.CodeStateExists,
			"conductor state for %s already exists", requestID)
	} else if !errors.Is(err, persistence.ErrNotFound) {
		return err
	}

	err := c.store.Ops().CreateConductorState(&persistence.ConductorState{
		RequestID:    requestID,
		CurrentPhase: proto.PhaseIdea,
		UpdatedAt:    time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize conductor state: %w", err)
	}
	c.logger.Info("🎬 request %s initialized at %s", requestID, proto.PhaseIdea)
	return nil
}

// State returns the current conductor state for a request.
func (c *Conductor) State(requestID string) (*persistence.ConductorState, error) {
	st, err := c.store.Ops().GetConductorState(requestID)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, proto.WrapFault(proto.FaultProtocol, proto.CodeStateMissing, err,
			"no conductor state for request %s", requestID)
	}
	return st, err
}

// ValidateTransition checks a proposed transition without applying it.
// Cancellation to failed is always reachable from a non-terminal phase and
// bypasses exit requirements; every other transition requires the exit
// artifacts of the current phase to be approved.
func (c *Conductor) ValidateTransition(requestID string, to proto.Phase) error {
	st, err := c.State(requestID)
	if err != nil {
		return err
	}
	return c.validate(c.store.Ops(), st, to)
}

func (c *Conductor) validate(ops *persistence.Ops, st *persistence.ConductorState, to proto.Phase) error {
	if st.CurrentPhase.IsTerminal() {
		return proto.NewFault(proto.FaultProtocol, proto.CodeTerminalPhase,
			"request %s is terminal at %s", st.RequestID, st.CurrentPhase)
	}
	if !proto.IsValidPhase(to) {
		return proto.NewFault(proto.FaultProtocol, proto.CodeInvalidTransition,
			"unknown phase %q", to)
	}
	if !proto.IsValidTransition(st.CurrentPhase, to) {
		return proto.NewFault(proto.FaultProtocol, proto.CodeInvalidTransition,
			"illegal transition %s -> %s (allowed: %v)",
			st.CurrentPhase, to, proto.AllowedTransitions(st.CurrentPhase))
	}
	if to == proto.PhaseFailed {
		return nil
	}
	if st.AwaitingHuman {
		return proto.NewFault(proto.FaultProtocol, proto.CodeAwaitingHuman,
			"request %s is paused for human input", st.RequestID)
	}

	approved, err := ops.ApprovedTypes(st.RequestID)
	if err != nil {
		return err
	}
	if err := proto.ExitSatisfied(st.CurrentPhase, approved); err != nil {
		return proto.WrapFault(proto.FaultProtocol, proto.CodeMissingInput, err,
			"transition %s -> %s blocked", st.CurrentPhase, to)
	}
	return nil
}

// Transition applies a validated transition atomically: conductor state, the
// request phase mirror, and the transition event commit or roll back together.
func (c *Conductor) Transition(executionID, requestID string, to proto.Phase) error {
	err := c.store.WithTx(func(ops *persistence.Ops) error {
		st, err := ops.GetConductorState(requestID)
		if errors.Is(err, persistence.ErrNotFound) {
			return proto.WrapFault(proto.FaultProtocol, proto.CodeStateMissing, err,
				"no conductor state for request %s", requestID)
		}
		if err != nil {
			return err
		}
		if err := c.validate(ops, st, to); err != nil {
			return err
		}

		from := st.CurrentPhase
		st.CurrentPhase = to
		if err := ops.UpdateConductorState(st); err != nil {
			return err
		}
		if err := ops.UpdateRequestPhase(requestID, to); err != nil {
			return err
		}
		return c.events.Append(ops, executionID, requestID,
			proto.EventConductorTransition, fmt.Sprintf("%s -> %s", from, to))
	})
	if err != nil {
		return err
	}
	c.logger.Info("request %s transitioned to %s", requestID, to)
	return nil
}

// Cancel force-fails a non-terminal request. Administrative, bypasses exit
// requirements but never resurrects a terminal request.
func (c *Conductor) Cancel(executionID, requestID, reason string) error {
	return c.store.WithTx(func(ops *persistence.Ops) error {
		st, err := ops.GetConductorState(requestID)
		if errors.Is(err, persistence.ErrNotFound) {
			return proto.WrapFault(proto.FaultProtocol, proto.CodeStateMissing, err,
				"no conductor state for request %s", requestID)
		}
		if err != nil {
			return err
		}
		if st.CurrentPhase.IsTerminal() {
			return proto.NewFault(proto.FaultProtocol, proto.CodeTerminalPhase,
				"request %s is terminal at %s", requestID, st.CurrentPhase)
		}

		from := st.CurrentPhase
		st.CurrentPhase = proto.PhaseFailed
		st.AwaitingHuman = false
		if err := ops.UpdateConductorState(st); err != nil {
			return err
		}
		if err := ops.UpdateRequestPhase(requestID, proto.PhaseFailed); err != nil {
			return err
		}
		return c.events.Append(ops, executionID, requestID,
			proto.EventConductorTransition,
			fmt.Sprintf("%s -> %s (cancelled: %s)", from, proto.PhaseFailed, reason))
	})
}

// Lock acquires the per-request execution lock for an agent. Exactly one agent
// may hold the lock; a second acquisition fails with a LOCK_HELD fault.
func (c *Conductor) Lock(requestID, agent string) error {
	m := c.requestMutex(requestID)
	m.Lock()
	defer m.Unlock()

	st, err := c.State(requestID)
	if err != nil {
		return err
	}
	if st.Locked {
		return proto.NewFault(proto.FaultProtocol, proto.CodeLockHeld,
			"request %s is locked by %s", requestID, st.LastAgent)
	}

	st.Locked = true
	st.LastAgent = agent
	if err := c.store.Ops().UpdateConductorState(st); err != nil {
		return err
	}
	c.logger.Debug("request %s locked by %s", requestID, agent)
	return nil
}

// Unlock releases the per-request execution lock. Idempotent.
func (c *Conductor) Unlock(requestID string) error {
	m := c.requestMutex(requestID)
	m.Lock()
	defer m.Unlock()

	st, err := c.State(requestID)
	if err != nil {
		return err
	}
	if !st.Locked {
		return nil
	}
	st.Locked = false
	if err := c.store.Ops().UpdateConductorState(st); err != nil {
		return err
	}
	c.logger.Debug("request %s unlocked", requestID)
	return nil
}

// PauseForHuman marks the request as waiting on a human decision.
func (c *Conductor) PauseForHuman(executionID, requestID, reason string) error {
	return c.store.WithTx(func(ops *persistence.Ops) error {
		st, err := ops.GetConductorState(requestID)
		if errors.Is(err, persistence.ErrNotFound) {
			return proto.WrapFault(proto.FaultProtocol, proto.CodeStateMissing, err,
				"no conductor state for request %s", requestID)
		}
		if err != nil {
			return err
		}
		if st.AwaitingHuman {
			return nil
		}
		st.AwaitingHuman = true
		if err := ops.UpdateConductorState(st); err != nil {
			return err
		}
		return c.events.Append(ops, executionID, requestID,
			proto.EventConductorPausedForHuman, reason)
	})
}

// Resume clears the awaiting-human flag after the human decision landed.
func (c *Conductor) Resume(executionID, requestID string) error {
	return c.store.WithTx(func(ops *persistence.Ops) error {
		st, err := ops.GetConductorState(requestID)
		if errors.Is(err, persistence.ErrNotFound) {
			return proto.WrapFault(proto.FaultProtocol, proto.CodeStateMissing, err,
				"no conductor state for request %s", requestID)
		}
		if err != nil {
			return err
		}
		if !st.AwaitingHuman {
			return nil
		}
		st.AwaitingHuman = false
		if err := ops.UpdateConductorState(st); err != nil {
			return err
		}
		return c.events.Append(ops, executionID, requestID,
			proto.EventConductorResumed, "human input received")
	})
}

// NextAction describes what the pipeline needs next for a request.
type NextAction struct {
	Phase            proto.Phase          `json:"phase"`
	NextPhase        proto.Phase          `json:"next_phase,omitempty"`
	PendingApprovals []proto.ArtifactType `json:"pending_approvals,omitempty"`
	MissingArtifacts []proto.ArtifactType `json:"missing_artifacts,omitempty"`
	AwaitingHuman    bool                 `json:"awaiting_human"`
	Terminal         bool                 `json:"terminal"`
}

// NextAction computes the pipeline's next step: approve what awaits, generate
// what is missing, or advance when the current phase's exit set is approved.
func (c *Conductor) NextAction(requestID string) (*NextAction, error) {
	st, err := c.State(requestID)
	if err != nil {
		return nil, err
	}

	na := &NextAction{
		Phase:         st.CurrentPhase,
		AwaitingHuman: st.AwaitingHuman,
		Terminal:      st.CurrentPhase.IsTerminal(),
	}
	if na.Terminal {
		return na, nil
	}
	if next, ok := proto.NextPhase(st.CurrentPhase); ok {
		na.NextPhase = next
	}

	approved, err := c.store.Ops().ApprovedTypes(requestID)
	if err != nil {
		return nil, err
	}
	for _, t := range proto.ExitRequirements[st.CurrentPhase] {
		if approved[t] {
			continue
		}
		if _, err := c.store.Ops().GetArtifactByStatus(requestID, t, proto.StatusAwaitingApproval); err == nil {
			na.PendingApprovals = append(na.PendingApprovals, t)
		} else if errors.Is(err, persistence.ErrNotFound) {
			na.MissingArtifacts = append(na.MissingArtifacts, t)
		} else {
			return nil, err
		}
	}
	return na, nil
}
