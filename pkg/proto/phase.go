// Package proto defines the shared vocabulary of the pipeline: phases, artifact
// types, statuses, authorities, action tags, and event tags. All identifiers in
// this package are wire-stable; changing one is a protocol version bump.
package proto

import "fmt"

// Phase is a named state in the Conductor's state machine.
type Phase string

const (
	PhaseIdea               Phase = "idea"
	PhaseBasePromptReady    Phase = "base_prompt_ready"
	PhasePlanning           Phase = "planning"
	PhaseScreensDefined     Phase = "screens_defined"
	PhaseFlowsDefined       Phase = "flows_defined"
	PhaseDesignsReady       Phase = "designs_ready"
	PhaseRulesLocked        Phase = "rules_locked"
	PhaseBuildPromptsReady  Phase = "build_prompts_ready"
	PhaseBuilding           Phase = "building"
	PhaseVerifying          Phase = "verifying"
	PhaseCompleted          Phase = "completed"
	PhaseVerificationFailed Phase = "verification_failed"
	PhaseFailed             Phase = "failed"
)

func (p Phase) String() string {
	return string(p)
}

// IsTerminal reports whether the phase admits no further transitions.
func (p Phase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// Transitions is the legal transition table. verification_failed re-enters
// building only through an approved repair plan; the Conductor enforces the
// table, the Agent Host enforces the repair-plan precondition.
//
//nolint:gochecknoglobals // Fixed protocol table
var Transitions = map[Phase][]Phase{
	PhaseIdea:               {PhaseBasePromptReady, PhaseFailed},
	PhaseBasePromptReady:    {PhasePlanning, PhaseFailed},
	PhasePlanning:           {PhaseScreensDefined, PhaseFailed},
	PhaseScreensDefined:     {PhaseFlowsDefined, PhaseFailed},
	PhaseFlowsDefined:       {PhaseDesignsReady, PhaseFailed},
	PhaseDesignsReady:       {PhaseRulesLocked, PhaseFailed},
	PhaseRulesLocked:        {PhaseBuildPromptsReady, PhaseFailed},
	PhaseBuildPromptsReady:  {PhaseBuilding, PhaseFailed},
	PhaseBuilding:           {PhaseVerifying, PhaseFailed},
	PhaseVerifying:          {PhaseCompleted, PhaseVerificationFailed, PhaseFailed},
	PhaseVerificationFailed: {PhaseBuilding, PhaseFailed},
	PhaseCompleted:          {},
	PhaseFailed:             {},
}

// NextPhase returns the forward (non-failure) successor of a phase.
func NextPhase(p Phase) (Phase, bool) {
	allowed, ok := Transitions[p]
	if !ok || len(allowed) == 0 {
		return "", false
	}
	return allowed[0], true
}

// IsValidPhase reports whether p appears in the transition table.
func IsValidPhase(p Phase) bool {
	_, ok := Transitions[p]
	return ok
}

// IsValidTransition reports whether from → to is in the transition table.
func IsValidTransition(from, to Phase) bool {
	for _, allowed := range Transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// AllowedTransitions returns the legal successors of a phase (empty for terminals).
func AllowedTransitions(from Phase) []Phase {
	return append([]Phase{}, Transitions[from]...)
}

// ExitRequirements maps each working phase to the artifact types that must be
// approved before the pipeline may advance past it.
//
//nolint:gochecknoglobals // Fixed protocol table
var ExitRequirements = map[Phase][]ArtifactType{
	PhaseIdea:               {TypeIntentAnswers, TypeBasePrompt},
	PhaseBasePromptReady:    {TypeMasterPlan, TypeImplementationPlan},
	PhasePlanning:           {TypeScreenIndex, TypeUserRoleTable},
	PhaseScreensDefined:     {TypeUserJourney},
	PhaseFlowsDefined:       {TypeVisualExpansion, TypeVisualNormalization, TypeVisualComposition, TypeVisualCodeRendering, TypeScreenMockup},
	PhaseDesignsReady:       {TypeProjectRules},
	PhaseRulesLocked:        {TypeBuildPrompt, TypeExecutionPlan},
	PhaseBuildPromptsReady:  {},
	PhaseBuilding:           {TypeExecutionLog},
	PhaseVerifying:          {TypeVerificationResult},
	PhaseVerificationFailed: {TypeRepairPlanApproved, TypeRepairExecutionLog},
}

// ExitSatisfied reports whether every artifact type the phase requires for exit
// is present in the supplied set of approved types.
func ExitSatisfied(p Phase, approved map[ArtifactType]bool) error {
	for _, t := range ExitRequirements[p] {
		if !approved[t] {
			return fmt.Errorf("phase %s exit requires approved %s artifact", p, t)
		}
	}
	return nil
}
