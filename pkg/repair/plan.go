// Package repair implements the bounded repair sub-loop: an advisory planner
// that drafts candidate fixes for a failed verification, human selection of
// exactly one candidate, and a zero-autonomy executor that applies the approved
// plan's file mutations in strict order.
package repair

import (
	"encoding/json"
	"fmt"

	"conductor/pkg/proto"
)

// Mutation kinds an approved plan may carry.
const (
	MutationReplaceLines   = "replace_lines"
	MutationReplaceContent = "replace_content"
)

// Action is one bounded file mutation. StartLine and EndLine are 1-based and
// inclusive, used only by replace_lines; OldContent is used only by
// replace_content and must appear in the file verbatim.
type Action struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	File       string `json:"file"`
	StartLine  int    `json:"start_line,omitempty"`
	EndLine    int    `json:"end_line,omitempty"`
	OldContent string `json:"old_content,omitempty"`
	NewContent string `json:"new_content"`
}

// Candidate is one proposed repair in a draft plan. It is decision support
// only; nothing in a draft is executable.
type Candidate struct {
	ID           string   `json:"id"`
	Summary      string   `json:"summary"`
	AllowedFiles []string `json:"allowed_files"`
	Actions      []Action `json:"actions"`
}

// DraftPlan is the planner's output: a failure summary and bounded candidates.
type DraftPlan struct {
	FailureSummary string      `json:"failure_summary"`
	Candidates     []Candidate `json:"candidate_repairs"`
}

// Plan is the human-selected, executable repair plan. Its artifact hash is the
// executor's sole authority: any post-approval edit is detected before a single
// byte is written.
type Plan struct {
	CandidateID            string   `json:"candidate_id"`
	FailureSummary         string   `json:"failure_summary"`
	AllowedFiles           []string `json:"allowed_files"`
	Actions                []Action `json:"actions"`
	ApprovedBy             string   `json:"approved_by"`
	DraftHash              string   `json:"draft_hash"`
	SourceVerificationHash string   `json:"source_verification_hash"`
}

// ExecutionLog is the immutable record of one executor run. ExecutionHash
// covers every field except itself; no wall-clock values participate, so the
// hash is reproducible.
type ExecutionLog struct {
	PlanHash               string   `json:"plan_hash"`
	SourceVerificationHash string   `json:"source_verification_hash"`
	Executed               []string `json:"executed"`
	Skipped                []string `json:"skipped"`
	FilesTouched           []string `json:"files_touched"`
	Status                 string   `json:"status"` // SUCCESS | FAILED
	Error                  string   `json:"error,omitempty"`
	ExecutionHash          string   `json:"execution_hash,omitempty"`
}

// StatusSuccess and StatusFailed are the terminal states of an executor run.
const (
	StatusSuccess = "SUCCESS"
	StatusFailed  = "FAILED"
)

// validateDraftPlan checks a decoded draft's structural bounds: at least one
// candidate, and every candidate action confined to its own allowed files.
func validateDraftPlan(p *DraftPlan) error {
	if len(p.Candidates) == 0 {
		return proto.NewFault(proto.FaultContract, proto.CodeContractViolation,
			"draft repair plan carries no candidates")
	}
	for _, c := range p.Candidates {
		if c.ID == "" {
			return proto.NewFault(proto.FaultContract, proto.CodeContractViolation,
				"draft repair plan candidate without id")
		}
		allowed := make(map[string]bool, len(c.AllowedFiles))
		for _, f := range c.AllowedFiles {
			allowed[f] = true
		}
		for _, a := range c.Actions {
			if !allowed[a.File] {
				return proto.NewFault(proto.FaultRepairBound, proto.CodeFileNotAllowed,
					"candidate %s action %s targets %s outside its allowed files", c.ID, a.ID, a.File)
			}
			if err := validateAction(&a); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateAction(a *Action) error {
	switch a.Kind {
	case MutationReplaceLines, MutationReplaceContent:
		return nil
	default:
		return proto.NewFault(proto.FaultContract, proto.CodeContractViolation,
			"action %s has unknown mutation kind %q", a.ID, a.Kind)
	}
}

// decodePlan parses approved-plan bytes.
func decodePlan(content []byte) (*Plan, error) {
	var p Plan
	if err := json.Unmarshal(content, &p); err != nil {
		return nil, proto.WrapFault(proto.FaultContract, proto.CodeContractViolation, err,
			"approved repair plan does not parse")
	}
	if len(p.Actions) == 0 {
		return nil, proto.NewFault(proto.FaultContract, proto.CodeContractViolation,
			"approved repair plan carries no actions")
	}
	return &p, nil
}

// candidateByID finds the selected candidate in a draft.
func candidateByID(d *DraftPlan, id string) (*Candidate, error) {
	for i := range d.Candidates {
		if d.Candidates[i].ID == id {
			return &d.Candidates[i], nil
		}
	}
	return nil, fmt.Errorf("draft repair plan has no candidate %q", id)
}
