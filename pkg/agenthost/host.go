// Package agenthost executes one agent under the envelope runtime: it is the
// single choreography for lock acquisition, bundle isolation, draft validation,
// ledger writes, event emission, and human pauses. It also carries the external
// operation surface the HTTP layer calls: start, submit, approve, reject, and
// the read-side queries.
package agenthost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"conductor/pkg/agents"
	"conductor/pkg/conductor"
	"conductor/pkg/envelope"
	"conductor/pkg/eventlog"
	"conductor/pkg/ledger"
	"conductor/pkg/logx"
	"conductor/pkg/persistence"
	"conductor/pkg/proto"
)

// Observer receives lifecycle facts for metrics. Nil observers are skipped.
type Observer interface {
	RecordArtifact(t proto.ArtifactType, status proto.ArtifactStatus)
	RecordViolation(kind proto.FaultKind)
	RecordTransition(from, to proto.Phase)
}

// Host runs agents and serves the external operation surface.
type Host struct {
	store    *persistence.Store
	cond     *conductor.Conductor
	led      *ledger.Ledger
	events   *eventlog.Log
	rt       *envelope.Runtime
	reg      *envelope.Registry
	bodies   map[string]agents.Body
	observer Observer
	logger   *logx.Logger
}

// New creates an agent host. observer may be nil.
func New(store *persistence.Store, cond *conductor.Conductor, led *ledger.Ledger,
	events *eventlog.Log, rt *envelope.Runtime, reg *envelope.Registry,
	bodies map[string]agents.Body, observer Observer) *Host {
	return &Host{
		store:    store,
		cond:     cond,
		led:      led,
		events:   events,
		rt:       rt,
		reg:      reg,
		bodies:   bodies,
		observer: observer,
		logger:   logx.NewLogger("agenthost"),
	}
}

// StartAgent runs one agent end to end: assert phase, lock, isolate, invoke,
// validate, write, pause. A duplicate (envelope, inputs) pair short-circuits to
// the existing artifact before the body runs.
func (h *Host) StartAgent(ctx context.Context, requestID, agentName string) (*persistence.Artifact, error) {
	env, err := h.reg.Get(agentName)
	if err != nil {
		return nil, proto.WrapFault(proto.FaultProtocol, proto.CodeContractViolation, err,
			"unknown agent %q", agentName)
	}
	body, ok := h.bodies[agentName]
	if !ok {
		return nil, proto.NewFault(proto.FaultProtocol, proto.CodeContractViolation,
			"agent %q has no registered body", agentName)
	}

	req, err := h.store.Ops().GetRequest(requestID)
	if err != nil {
		return nil, err
	}

	st, err := h.cond.State(requestID)
	if err != nil {
		return nil, err
	}
	if st.CurrentPhase != env.EntryPhase {
		return nil, proto.NewFault(proto.FaultProtocol, proto.CodeConductorStateViol,
			"agent %s expects phase %s, request %s is at %s",
			agentName, env.EntryPhase, requestID, st.CurrentPhase)
	}
	if st.AwaitingHuman {
		blocked, err := h.hasPendingApproval(requestID)
		if err != nil {
			return nil, err
		}
		if blocked {
			return nil, proto.NewFault(proto.FaultProtocol, proto.CodeAwaitingHuman,
				"request %s awaits human input", requestID)
		}
		// A pause with nothing awaiting approval was left by a failed run.
		// Restarting the agent is the recovery path, so the restart clears it.
		if err := h.cond.Resume(req.ExecutionID, requestID); err != nil {
			return nil, err
		}
	}

	if err := h.cond.Lock(requestID, agentName); err != nil {
		return nil, err
	}
	// Lock release is unconditional: every exit path below runs through it.
	defer func() {
		if err := h.cond.Unlock(requestID); err != nil {
			h.logger.Error("failed to unlock request %s: %v", requestID, err)
		}
	}()

	artifact, err := h.runLocked(ctx, req, env, body)
	if err != nil {
		h.failAgent(req, env, err)
		return nil, err
	}
	return artifact, nil
}

// runLocked is the critical section of the run template: steps 3 to 9.
func (h *Host) runLocked(ctx context.Context, req *persistence.Request,
	env *envelope.Envelope, body agents.Body) (*persistence.Artifact, error) {
	bundle, err := h.rt.BuildBundle(req.ID, env)
	if err != nil {
		return nil, err
	}

	// Retry safety: identical inputs return the artifact already produced.
	if dup, err := h.rt.FindDuplicate(req.ID, env, bundle); err != nil {
		return nil, err
	} else if dup != nil {
		h.logger.Info("agent %s deduplicated to artifact %s", env.Name, dup.ID)
		return dup, nil
	}

	if err := h.events.AppendDirect(req.ExecutionID, req.ID,
		proto.AgentStarted(env.Name), fmt.Sprintf("inputs: %s", envelope.DescribeBundle(bundle))); err != nil {
		return nil, err
	}

	tk := h.rt.NewToolkit(ctx, env, req.ID, bundle)
	draft, err := body(tk, req.Prompt)
	if err != nil {
		return nil, err
	}
	if err := h.rt.ValidateDraft(env, draft); err != nil {
		return nil, err
	}

	artifact, err := h.led.Submit(req.ExecutionID, &ledger.Submission{
		RequestID:   req.ID,
		Producer:    env.Name,
		Type:        env.Produces,
		Content:     draft.Content,
		Text:        draft.Text,
		InputHashes: bundle.Hashes,
	})
	if err != nil {
		return nil, err
	}
	if h.observer != nil {
		h.observer.RecordArtifact(artifact.Type, artifact.Status)
	}

	if err := h.events.AppendDirect(req.ExecutionID, req.ID,
		proto.AgentCompleted(env.Name), fmt.Sprintf("produced %s v%d", artifact.Type, artifact.Version)); err != nil {
		return nil, err
	}
	if err := h.cond.PauseForHuman(req.ExecutionID, req.ID,
		fmt.Sprintf("%s awaiting approval", artifact.Type)); err != nil {
		return nil, err
	}
	return artifact, nil
}

// failAgent translates any agent error into the mandated surface: a failure
// event, a kind-specific forensic event where applicable, and a human pause.
// The error itself is surfaced to the caller verbatim.
func (h *Host) failAgent(req *persistence.Request, env *envelope.Envelope, cause error) {
	kind := proto.KindOf(cause)
	if h.observer != nil {
		h.observer.RecordViolation(kind)
	}

	if err := h.events.AppendDirect(req.ExecutionID, req.ID,
		proto.AgentFailed(env.Name), cause.Error()); err != nil {
		h.logger.Error("failed to record agent failure: %v", err)
	}

	switch {
	case kind == proto.FaultIntegrity:
		if err := h.events.AppendDirect(req.ExecutionID, req.ID,
			proto.EventIntegrityViolation, cause.Error()); err != nil {
			h.logger.Error("failed to record integrity violation: %v", err)
		}
	case faultCode(cause) == proto.CodeLLMTimeout:
		if err := h.events.AppendDirect(req.ExecutionID, req.ID,
			proto.EventLLMTimeout, cause.Error()); err != nil {
			h.logger.Error("failed to record llm timeout: %v", err)
		}
	}

	if err := h.cond.PauseForHuman(req.ExecutionID, req.ID,
		fmt.Sprintf("agent %s failed: %s", env.Name, kind)); err != nil {
		h.logger.Error("failed to pause after agent failure: %v", err)
	}
}

// Approve approves an awaiting artifact and, when its producer's envelope is
// exit-effecting and the phase's exit set is complete, advances the Conductor.
func (h *Host) Approve(requestID, artifactID, approver string) (*persistence.Artifact, error) {
	req, err := h.store.Ops().GetRequest(requestID)
	if err != nil {
		return nil, err
	}

	artifact, err := h.led.Approve(req.ExecutionID, artifactID, approver)
	if err != nil {
		if h.observer != nil {
			h.observer.RecordViolation(proto.KindOf(err))
		}
		return nil, err
	}
	if h.observer != nil {
		h.observer.RecordArtifact(artifact.Type, artifact.Status)
	}

	if err := h.cond.Resume(req.ExecutionID, requestID); err != nil {
		return nil, err
	}

	if err := h.maybeAdvance(req, artifact); err != nil {
		return nil, err
	}
	return artifact, nil
}

// maybeAdvance transitions the Conductor after an exit-effecting approval.
// A FAILED verification result diverts verifying to verification_failed.
func (h *Host) maybeAdvance(req *persistence.Request, artifact *persistence.Artifact) error {
	env, err := h.envelopeForProducer(artifact.Producer)
	if err != nil || env == nil || !env.ExitEffecting {
		return err
	}

	st, err := h.cond.State(req.ID)
	if err != nil {
		return err
	}
	if st.CurrentPhase != env.EntryPhase {
		return nil
	}

	target, ok := proto.NextPhase(st.CurrentPhase)
	if !ok {
		return nil
	}
	switch {
	case artifact.Type == proto.TypeVerificationResult && verificationFailed(artifact):
		target = proto.PhaseVerificationFailed
	case artifact.Type == proto.TypeRepairExecutionLog && !repairSucceeded(artifact):
		// A failed repair never re-enters building; the request stays in
		// verification_failed for another plan or a human decision.
		return nil
	}

	if err := h.cond.ValidateTransition(req.ID, target); err != nil {
		// Exit set incomplete: stay in phase, the next approval retries.
		if proto.IsFault(err, proto.FaultProtocol) {
			h.logger.Debug("request %s not ready for %s: %v", req.ID, target, err)
			return nil
		}
		return err
	}
	if err := h.cond.Transition(req.ExecutionID, req.ID, target); err != nil {
		return err
	}
	if h.observer != nil {
		h.observer.RecordTransition(st.CurrentPhase, target)
	}
	return nil
}

// Reject rejects an awaiting artifact; the phase stays open for a rerun.
func (h *Host) Reject(requestID, artifactID, feedback string) error {
	req, err := h.store.Ops().GetRequest(requestID)
	if err != nil {
		return err
	}
	artifact, err := h.led.Get(artifactID)
	if err != nil {
		return err
	}
	if err := h.led.Reject(req.ExecutionID, artifactID, feedback); err != nil {
		return err
	}
	if h.observer != nil {
		h.observer.RecordArtifact(artifact.Type, proto.StatusRejected)
	}
	return h.cond.Resume(req.ExecutionID, requestID)
}

// SubmitInput replaces an awaiting conversational artifact with human-provided
// content. In-place edits are forbidden, so this is reject followed by a fresh
// submission under the same producer and inputs.
func (h *Host) SubmitInput(requestID, artifactID, content string) (*persistence.Artifact, error) {
	req, err := h.store.Ops().GetRequest(requestID)
	if err != nil {
		return nil, err
	}
	prev, err := h.led.Get(artifactID)
	if err != nil {
		return nil, err
	}
	if prev.Status != proto.StatusAwaitingApproval {
		return nil, proto.NewFault(proto.FaultProtocol, proto.CodeDuplicateApproval,
			"artifact %s is %s, not awaiting approval", artifactID, prev.Status)
	}

	if err := h.led.Reject(req.ExecutionID, artifactID, "replaced by human input"); err != nil {
		return nil, err
	}
	return h.led.Submit(req.ExecutionID, &ledger.Submission{
		RequestID:   requestID,
		Producer:    prev.Producer,
		Type:        prev.Type,
		Text:        content,
		InputHashes: prev.InputHashes,
	})
}

// GetState returns the conductor state for a request.
func (h *Host) GetState(requestID string) (*persistence.ConductorState, error) {
	return h.cond.State(requestID)
}

// GetNextAction returns the pipeline's next step for a request.
func (h *Host) GetNextAction(requestID string) (*conductor.NextAction, error) {
	return h.cond.NextAction(requestID)
}

// GetArtifact returns the live artifact of a type: approved first, then awaiting.
func (h *Host) GetArtifact(requestID string, t proto.ArtifactType) (*persistence.Artifact, error) {
	a, err := h.led.CurrentApproved(requestID, t)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, persistence.ErrNotFound) {
		return nil, err
	}
	return h.led.Awaiting(requestID, t)
}

// GetEvents returns events for a request's execution after the given cursor.
func (h *Host) GetEvents(requestID string, sinceSeq int64) ([]*persistence.Event, error) {
	req, err := h.store.Ops().GetRequest(requestID)
	if err != nil {
		return nil, err
	}
	return h.events.Since(req.ExecutionID, sinceSeq)
}

// AgentsForPhase lists the agents whose entry phase matches, missing-output first.
func (h *Host) AgentsForPhase(phase proto.Phase) []*envelope.Envelope {
	return h.reg.ForPhase(phase)
}

// hasPendingApproval reports whether any artifact of the request awaits a
// human decision.
func (h *Host) hasPendingApproval(requestID string) (bool, error) {
	artifacts, err := h.led.List(requestID)
	if err != nil {
		return false, err
	}
	for _, a := range artifacts {
		if a.Status == proto.StatusAwaitingApproval {
			return true, nil
		}
	}
	return false, nil
}

func (h *Host) envelopeForProducer(producer string) (*envelope.Envelope, error) {
	env, err := h.reg.Get(producer)
	if err != nil {
		// Producer outside the registry (repair executor, auditor): no advance.
		return nil, nil //nolint:nilerr // Absence is a valid answer here
	}
	return env, nil
}

// verificationFailed parses the canonical verification result status. Anything
// other than an explicit PASSED, including undecodable content, counts as
// failed: a malformed verdict must not advance the pipeline.
func verificationFailed(artifact *persistence.Artifact) bool {
	return artifactStatus(artifact) != "PASSED"
}

// repairSucceeded parses a repair execution log's status, failing closed.
func repairSucceeded(artifact *persistence.Artifact) bool {
	return artifactStatus(artifact) == "SUCCESS"
}

func artifactStatus(artifact *persistence.Artifact) string {
	var fields struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(artifact.Content, &fields); err != nil {
		return ""
	}
	return fields.Status
}

func faultCode(err error) string {
	var f *proto.Fault
	if errors.As(err, &f) {
		return f.Code
	}
	return ""
}
