package repair

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"conductor/pkg/agents"
	"conductor/pkg/envelope"
	"conductor/pkg/ledger"
	"conductor/pkg/persistence"
	"conductor/pkg/proto"
)

// PlannerName and ExecutorName are the agent names the sub-loop registers.
const (
	PlannerName  = "repair-planner"
	ExecutorName = "repair-executor"
)

const plannerTemperature = 0.2

// plannerSystemPrompt instructs the model to propose bounded candidates only.
const plannerSystemPrompt = "A build verification failed. Propose 1 to 3 candidate repairs as JSON: " +
	`{"failure_summary": "...", "candidate_repairs": [{"id", "summary", "allowed_files": [...], ` +
	`"actions": [{"id", "kind": "replace_lines"|"replace_content", "file", "start_line"?, "end_line"?, ` +
	`"old_content"?, "new_content"}]}]}. ` +
	"Candidates may only touch files named in the build prompt. No new files, no new dependencies, " +
	"no scope expansion."

// Register installs the planner and executor envelopes. Only the planner gets a
// body: the executor runs outside the LLM path through Executor.Execute, its
// envelope exists so the approval surface can see its contract and advance the
// phase on its behalf.
func Register(reg *envelope.Registry) (map[string]agents.Body, error) {
	planner := &envelope.Envelope{
		Name:       PlannerName,
		Authority:  proto.AuthorityRepairPlanning,
		Produces:   proto.TypeRepairPlanDraft,
		EntryPhase: proto.PhaseVerificationFailed,
		AllowedActions: []proto.Action{
			proto.ActionReadArtifact, proto.ActionCallLLM, proto.ActionWriteArtifact,
		},
		ForbiddenActions: []proto.Action{proto.ActionMutateFile, proto.ActionTransition},
		RequiredInputs: []proto.RequiredInput{
			{Role: "verification_result", Type: proto.TypeVerificationResult},
			{Role: "build_prompt", Type: proto.TypeBuildPrompt},
			{Role: "execution_plan", Type: proto.TypeExecutionPlan},
		},
		Scope: envelope.Scope{
			Deterministic:  true,
			RequiredFields: []string{"failure_summary", "candidate_repairs"},
			DensityCaps:    map[string]int{"candidate_repairs": 3},
		},
	}
	executor := &envelope.Envelope{
		Name:       ExecutorName,
		Authority:  proto.AuthorityRepairExecution,
		Produces:   proto.TypeRepairExecutionLog,
		EntryPhase: proto.PhaseVerificationFailed,
		AllowedActions: []proto.Action{
			proto.ActionReadArtifact, proto.ActionMutateFile, proto.ActionWriteArtifact,
		},
		ForbiddenActions: []proto.Action{proto.ActionCallLLM, proto.ActionTransition},
		RequiredInputs: []proto.RequiredInput{
			{Role: "repair_plan_approved", Type: proto.TypeRepairPlanApproved},
		},
		ExitEffecting: true,
	}

	if err := reg.Register(planner); err != nil {
		return nil, err
	}
	if err := reg.Register(executor); err != nil {
		return nil, err
	}
	return map[string]agents.Body{PlannerName: plannerBody}, nil
}

// plannerBody drafts candidate repairs from the failed verification result.
func plannerBody(tk *envelope.Toolkit, _ string) (*envelope.Draft, error) {
	var b strings.Builder
	for _, role := range []string{"verification_result", "build_prompt", "execution_plan"} {
		content, err := tk.ReadInput(role)
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", role, content)
	}

	out, err := tk.CallLLM(plannerSystemPrompt, b.String(), plannerTemperature, 8192)
	if err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(out)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
		trimmed = strings.TrimSpace(trimmed)
	}

	var draft DraftPlan
	if err := json.Unmarshal([]byte(trimmed), &draft); err != nil {
		return nil, proto.WrapFault(proto.FaultContract, proto.CodeContractViolation, err,
			"repair planner completion does not parse")
	}
	if err := validateDraftPlan(&draft); err != nil {
		return nil, err
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(trimmed), &fields); err != nil {
		return nil, proto.WrapFault(proto.FaultContract, proto.CodeContractViolation, err,
			"repair planner completion is not a JSON object")
	}
	return &envelope.Draft{Content: fields}, nil
}

// SelectCandidate is the human selection step: it takes an approved draft plan
// and one candidate id and writes the executable approved plan as a separate
// artifact with its own hash, stamped with the selecting human. The draft is
// approved first if still awaiting.
func SelectCandidate(led *ledger.Ledger, executionID, requestID, draftArtifactID, candidateID, approver string) (*persistence.Artifact, error) {
	draftArt, err := led.Get(draftArtifactID)
	if err != nil {
		return nil, err
	}
	if draftArt.Type != proto.TypeRepairPlanDraft {
		return nil, proto.NewFault(proto.FaultProtocol, proto.CodeContractViolation,
			"artifact %s is %s, not a repair plan draft", draftArtifactID, draftArt.Type)
	}
	if draftArt.Status == proto.StatusAwaitingApproval {
		if draftArt, err = led.Approve(executionID, draftArtifactID, approver); err != nil {
			return nil, err
		}
	}
	if draftArt.Status != proto.StatusApproved {
		return nil, proto.NewFault(proto.FaultProtocol, proto.CodeContractViolation,
			"repair plan draft %s is %s", draftArtifactID, draftArt.Status)
	}

	var draft DraftPlan
	if err := json.Unmarshal(draftArt.Content, &draft); err != nil {
		return nil, proto.WrapFault(proto.FaultContract, proto.CodeContractViolation, err,
			"repair plan draft %s does not parse", draftArtifactID)
	}
	candidate, err := candidateByID(&draft, candidateID)
	if err != nil {
		return nil, proto.WrapFault(proto.FaultProtocol, proto.CodeContractViolation, err,
			"selection rejected")
	}

	plan := &Plan{
		CandidateID:            candidate.ID,
		FailureSummary:         draft.FailureSummary,
		AllowedFiles:           candidate.AllowedFiles,
		Actions:                candidate.Actions,
		ApprovedBy:             approver,
		DraftHash:              draftArt.ContentHash,
		SourceVerificationHash: draftArt.InputHashes["verification_result"],
	}

	approved, err := led.Submit(executionID, &ledger.Submission{
		RequestID: requestID,
		Producer:  "human",
		Type:      proto.TypeRepairPlanApproved,
		Content:   plan,
		InputHashes: map[string]string{
			"repair_plan_draft": draftArt.ContentHash,
		},
	})
	if err != nil {
		return nil, err
	}
	// The selection is the approval: no second human gate on the same decision.
	return led.Approve(executionID, approved.ID, approver)
}

// ErrNoFailedVerification is returned when the sub-loop is entered without a
// FAILED verification result on record.
var ErrNoFailedVerification = errors.New("no failed verification result for request")
