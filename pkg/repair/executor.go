package repair

import (
	"encoding/json"
	"fmt"
	"strings"

	"conductor/pkg/canon"
	"conductor/pkg/conductor"
	"conductor/pkg/eventlog"
	"conductor/pkg/ledger"
	"conductor/pkg/logx"
	"conductor/pkg/persistence"
	"conductor/pkg/proto"
	"conductor/pkg/workspace"
)

// Executor applies an approved repair plan to the workspace. It has zero
// autonomy: no LLM, no retries, no rollback, no action outside the plan. The
// approved plan's artifact hash is re-verified before the first byte is
// written, and any action failure aborts the run with the tail reported as
// skipped.
type Executor struct {
	store       *persistence.Store
	cond        *conductor.Conductor
	led         *ledger.Ledger
	events      *eventlog.Log
	ws          *workspace.Workspace
	maxAttempts int
	logger      *logx.Logger
}

// NewExecutor creates the repair executor.
func NewExecutor(store *persistence.Store, cond *conductor.Conductor, led *ledger.Ledger,
	events *eventlog.Log, ws *workspace.Workspace, maxAttempts int) *Executor {
	return &Executor{
		store:       store,
		cond:        cond,
		led:         led,
		events:      events,
		ws:          ws,
		maxAttempts: maxAttempts,
		logger:      logx.NewLogger("repair"),
	}
}

// Execute runs the current approved repair plan for a request and writes the
// execution log artifact. The returned error is the action failure (or
// integrity fault) that stopped the run; on a clean run it is nil. The log
// artifact is returned in both cases when one was written.
func (e *Executor) Execute(requestID string) (*persistence.Artifact, error) {
	req, err := e.store.Ops().GetRequest(requestID)
	if err != nil {
		return nil, err
	}
	if req.RepairAttempts >= e.maxAttempts {
		return nil, proto.NewFault(proto.FaultRepairBound, proto.CodePreconditionViolated,
			"request %s exhausted its %d repair attempts", requestID, e.maxAttempts)
	}
	if err := e.requireFailedVerification(requestID); err != nil {
		return nil, err
	}

	// Workspace mutations are serialised through the request lock.
	if err := e.cond.Lock(requestID, ExecutorName); err != nil {
		return nil, err
	}
	defer func() {
		if err := e.cond.Unlock(requestID); err != nil {
			e.logger.Error("failed to unlock request %s: %v", requestID, err)
		}
	}()

	planArt, plan, err := e.loadVerifiedPlan(req)
	if err != nil {
		return nil, err
	}

	log, cause := e.applyPlan(plan, planArt.ContentHash)
	log.ExecutionHash = executionHash(log)

	artifact, err := e.led.Submit(req.ExecutionID, &ledger.Submission{
		RequestID: requestID,
		Producer:  ExecutorName,
		Type:      proto.TypeRepairExecutionLog,
		Content:   log,
		InputHashes: map[string]string{
			"repair_plan_approved": planArt.ContentHash,
		},
	})
	if err != nil {
		return nil, err
	}
	if err := e.store.Ops().SetRepairAttempts(requestID, req.RepairAttempts+1); err != nil {
		return nil, err
	}

	eventType := proto.EventRepairExecCompleted
	message := fmt.Sprintf("plan %s: %d executed", shortHash(planArt.ContentHash), len(log.Executed))
	reason := fmt.Sprintf("%s awaiting approval", proto.TypeRepairExecutionLog)
	if log.Status == StatusFailed {
		eventType = proto.EventRepairExecFailed
		message = fmt.Sprintf("plan %s: %s", shortHash(planArt.ContentHash), log.Error)
		reason = fmt.Sprintf("repair execution failed: %s", log.Error)
	}
	if err := e.events.AppendDirect(req.ExecutionID, requestID, eventType, message); err != nil {
		return nil, err
	}
	// The run halts for a human either way: approve the log to re-enter
	// building, or reject it and plan again.
	if err := e.cond.PauseForHuman(req.ExecutionID, requestID, reason); err != nil {
		return nil, err
	}

	e.logger.Info("repair run for %s finished %s (%d executed, %d skipped)",
		requestID, log.Status, len(log.Executed), len(log.Skipped))
	return artifact, cause
}

// requireFailedVerification refuses the sub-loop unless the approved
// verification result on record is FAILED.
func (e *Executor) requireFailedVerification(requestID string) error {
	v, err := e.led.CurrentApproved(requestID, proto.TypeVerificationResult)
	if err != nil {
		return proto.WrapFault(proto.FaultProtocol, proto.CodeMissingInput,
			ErrNoFailedVerification, "request %s", requestID)
	}
	var fields struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(v.Content, &fields); err != nil || fields.Status != StatusFailed {
		return proto.WrapFault(proto.FaultProtocol, proto.CodeMissingInput,
			ErrNoFailedVerification, "request %s verification is %q", requestID, fields.Status)
	}
	return nil
}

// loadVerifiedPlan loads the approved plan and re-verifies its bytes against
// the stored hash. A mismatch means the plan was edited after approval; the
// run is refused before any mutation.
func (e *Executor) loadVerifiedPlan(req *persistence.Request) (*persistence.Artifact, *Plan, error) {
	planArt, err := e.led.CurrentApproved(req.ID, proto.TypeRepairPlanApproved)
	if err != nil {
		return nil, nil, proto.WrapFault(proto.FaultProtocol, proto.CodeMissingInput, err,
			"request %s has no approved repair plan", req.ID)
	}
	if got := canon.Hash(planArt.Content); got != planArt.ContentHash {
		fault := proto.NewFault(proto.FaultIntegrity, proto.CodeHashIntegrity,
			"approved repair plan %s was altered after approval", planArt.ID)
		if err := e.events.AppendDirect(req.ExecutionID, req.ID,
			proto.EventIntegrityViolation, fault.Error()); err != nil {
			e.logger.Error("failed to record integrity violation: %v", err)
		}
		return nil, nil, fault
	}
	if err := e.led.VerifyChain(req.ID, planArt.ID); err != nil {
		return nil, nil, err
	}

	plan, err := decodePlan(planArt.Content)
	if err != nil {
		return nil, nil, err
	}
	return planArt, plan, nil
}

// applyPlan executes actions in declared order, aborting on the first failure.
func (e *Executor) applyPlan(plan *Plan, planHash string) (*ExecutionLog, error) {
	log := &ExecutionLog{
		PlanHash:               planHash,
		SourceVerificationHash: plan.SourceVerificationHash,
		Executed:               []string{},
		Skipped:                []string{},
		FilesTouched:           []string{},
		Status:                 StatusSuccess,
	}
	allowed := make(map[string]bool, len(plan.AllowedFiles))
	for _, f := range plan.AllowedFiles {
		allowed[f] = true
	}
	touched := make(map[string]bool)

	var cause error
	for i, action := range plan.Actions {
		if cause != nil {
			log.Skipped = append(log.Skipped, action.ID)
			continue
		}
		if err := e.applyAction(&plan.Actions[i], allowed); err != nil {
			cause = err
			log.Status = StatusFailed
			log.Error = err.Error()
			log.Skipped = append(log.Skipped, action.ID)
			continue
		}
		log.Executed = append(log.Executed, action.ID)
		if !touched[action.File] {
			touched[action.File] = true
			log.FilesTouched = append(log.FilesTouched, action.File)
		}
	}
	return log, cause
}

func (e *Executor) applyAction(a *Action, allowed map[string]bool) error {
	if !allowed[a.File] {
		return proto.NewFault(proto.FaultRepairBound, proto.CodeFileNotAllowed,
			"action %s targets %s outside the plan's allowed files", a.ID, a.File)
	}
	exists, err := e.ws.Exists(a.File)
	if err != nil {
		return err
	}
	if !exists {
		return proto.NewFault(proto.FaultRepairBound, proto.CodePreconditionViolated,
			"action %s targets missing file %s (no new files)", a.ID, a.File)
	}

	switch a.Kind {
	case MutationReplaceLines:
		return e.replaceLines(a)
	case MutationReplaceContent:
		return e.replaceContent(a)
	default:
		return proto.NewFault(proto.FaultRepairBound, proto.CodePreconditionViolated,
			"action %s has unknown mutation kind %q", a.ID, a.Kind)
	}
}

func (e *Executor) replaceLines(a *Action) error {
	lines, err := e.ws.ReadLines(a.File)
	if err != nil {
		return err
	}
	if a.StartLine < 1 || a.EndLine > len(lines) || a.StartLine > a.EndLine {
		return proto.NewFault(proto.FaultRepairBound, proto.CodeLineRangeOutOfBounds,
			"action %s range [%d, %d] out of bounds for %s (%d lines)",
			a.ID, a.StartLine, a.EndLine, a.File, len(lines))
	}

	replacement := strings.Split(strings.ReplaceAll(a.NewContent, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(lines)-(a.EndLine-a.StartLine+1)+len(replacement))
	out = append(out, lines[:a.StartLine-1]...)
	out = append(out, replacement...)
	out = append(out, lines[a.EndLine:]...)
	return e.ws.WriteLines(a.File, out)
}

func (e *Executor) replaceContent(a *Action) error {
	data, err := e.ws.Read(a.File)
	if err != nil {
		return err
	}
	content := string(data)
	if !strings.Contains(content, a.OldContent) {
		return proto.NewFault(proto.FaultRepairBound, proto.CodeOldContentNotFound,
			"action %s: old content not found in %s", a.ID, a.File)
	}
	return e.ws.Write(a.File, []byte(strings.Replace(content, a.OldContent, a.NewContent, 1)))
}

// executionHash hashes the log record with the hash field itself excluded.
func executionHash(log *ExecutionLog) string {
	copied := *log
	copied.ExecutionHash = ""
	b, err := canon.JSON(copied)
	if err != nil {
		// The log is plain data; canonicalisation cannot fail on it.
		return ""
	}
	return canon.Hash(b)
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
