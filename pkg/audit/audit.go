// Package audit implements the completion auditor: a pure decision function
// consulted after verification. It classifies the verification outcome and
// outstanding work into exactly one decision, records one event and one
// completion-decision artifact, and never touches the conductor or any
// existing artifact.
package audit

import (
	"encoding/json"

	"conductor/pkg/canon"
	"conductor/pkg/eventlog"
	"conductor/pkg/ledger"
	"conductor/pkg/logx"
	"conductor/pkg/persistence"
	"conductor/pkg/proto"
)

// Decision is the auditor's verdict.
type Decision string

const (
	DecisionProceedToNextUnit Decision = "proceed_to_next_unit"
	DecisionMarkCompleted     Decision = "mark_completed"
	DecisionRetryWithRepair   Decision = "retry_with_repair"
	DecisionEscalateToHuman   Decision = "escalate_to_human"
	DecisionMarkFailed        Decision = "mark_failed"
)

// AuditorName is the producer recorded on completion-decision artifacts.
const AuditorName = "completion-auditor"

// nonRepairable is the closed set of error classes no repair plan may address.
//
//nolint:gochecknoglobals // Fixed decision taxonomy
var nonRepairable = map[string]bool{
	"security_violation":     true,
	"ruleset_violation":      true,
	"architectural_conflict": true,
}

// Input is the complete fact set a decision depends on. Identical inputs
// always yield identical decisions.
type Input struct {
	VerificationPassed bool
	ErrorClass         string
	UnitsTotal         int
	UnitsCompleted     int
	Attempt            int
	MaxAttempts        int
}

// Decide classifies one verification outcome. Pure.
func Decide(in Input) Decision {
	if in.VerificationPassed {
		if in.UnitsCompleted >= in.UnitsTotal {
			return DecisionMarkCompleted
		}
		return DecisionProceedToNextUnit
	}
	if nonRepairable[in.ErrorClass] {
		return DecisionMarkFailed
	}
	if in.Attempt >= in.MaxAttempts {
		return DecisionEscalateToHuman
	}
	return DecisionRetryWithRepair
}

// Auditor assembles decision inputs from the ledger and records the verdict.
type Auditor struct {
	store       *persistence.Store
	led         *ledger.Ledger
	events      *eventlog.Log
	maxAttempts int
	logger      *logx.Logger
}

// NewAuditor creates the completion auditor.
func NewAuditor(store *persistence.Store, led *ledger.Ledger, events *eventlog.Log, maxAttempts int) *Auditor {
	return &Auditor{
		store:       store,
		led:         led,
		events:      events,
		maxAttempts: maxAttempts,
		logger:      logx.NewLogger("audit"),
	}
}

// Audit evaluates a request's verification outcome. Exactly one
// completion_audit event and one completion-decision artifact are recorded per
// distinct verification result; re-auditing the same result returns the
// existing decision without emitting anything.
func (a *Auditor) Audit(requestID string) (*persistence.Artifact, Decision, error) {
	verification, err := a.led.CurrentApproved(requestID, proto.TypeVerificationResult)
	if err != nil {
		return nil, "", proto.WrapFault(proto.FaultProtocol, proto.CodeMissingInput, err,
			"request %s has no approved verification result", requestID)
	}
	req, err := a.store.Ops().GetRequest(requestID)
	if err != nil {
		return nil, "", err
	}

	in, err := a.assembleInput(requestID, verification, req.RepairAttempts)
	if err != nil {
		return nil, "", err
	}
	decision := Decide(in)

	inputs := map[string]string{"verification_result": verification.ContentHash}

	// Idempotence: one decision per distinct verification result.
	if existing, err := a.led.FindLive(requestID,
		canon.RequestHash(AuditorName, inputs, canon.SchemaVersion)); err == nil {
		return existing, decisionOf(existing), nil
	}

	artifact, err := a.led.Submit(req.ExecutionID, &ledger.Submission{
		RequestID: requestID,
		Producer:  AuditorName,
		Type:      proto.TypeCompletionDecision,
		Content: map[string]any{
			"decision":          string(decision),
			"verification_hash": verification.ContentHash,
			"error_class":       in.ErrorClass,
			"attempt":           in.Attempt,
			"max_attempts":      in.MaxAttempts,
			"units_total":       in.UnitsTotal,
			"units_completed":   in.UnitsCompleted,
		},
		InputHashes: inputs,
	})
	if err != nil {
		return nil, "", err
	}

	if err := a.events.AppendDirect(req.ExecutionID, requestID,
		proto.CompletionAudit(string(decision)),
		string(decision)); err != nil {
		return nil, "", err
	}

	a.logger.Info("request %s audited: %s (attempt %d/%d)",
		requestID, decision, in.Attempt, in.MaxAttempts)
	return artifact, decision, nil
}

// assembleInput extracts decision facts from the approved artifacts. Unit
// counts come from the execution plan and log; a log that does not report unit
// completion counts as fully complete, matching a single-unit build.
func (a *Auditor) assembleInput(requestID string, verification *persistence.Artifact, attempts int) (Input, error) {
	var verdict struct {
		Status     string `json:"status"`
		ErrorClass string `json:"error_class"`
	}
	if err := json.Unmarshal(verification.Content, &verdict); err != nil {
		return Input{}, proto.WrapFault(proto.FaultContract, proto.CodeContractViolation, err,
			"verification result %s does not parse", verification.ID)
	}

	in := Input{
		VerificationPassed: verdict.Status == "PASSED",
		ErrorClass:         verdict.ErrorClass,
		Attempt:            attempts,
		MaxAttempts:        a.maxAttempts,
	}

	if plan, err := a.led.CurrentApproved(requestID, proto.TypeExecutionPlan); err == nil {
		var units struct {
			Units []json.RawMessage `json:"units"`
		}
		if json.Unmarshal(plan.Content, &units) == nil {
			in.UnitsTotal = len(units.Units)
		}
	}
	in.UnitsCompleted = in.UnitsTotal

	if log, err := a.led.CurrentApproved(requestID, proto.TypeExecutionLog); err == nil {
		var progress struct {
			UnitsCompleted *int `json:"units_completed"`
		}
		if json.Unmarshal(log.Content, &progress) == nil && progress.UnitsCompleted != nil {
			in.UnitsCompleted = *progress.UnitsCompleted
		}
	}
	return in, nil
}

func decisionOf(artifact *persistence.Artifact) Decision {
	var fields struct {
		Decision string `json:"decision"`
	}
	if err := json.Unmarshal(artifact.Content, &fields); err != nil {
		return ""
	}
	return Decision(fields.Decision)
}
