package proto

// Authority classifies the constitutional power an agent declares.
type Authority string

const (
	AuthorityConstitutional    Authority = "CONSTITUTIONAL"
	AuthorityPlanning          Authority = "PLANNING"
	AuthorityVisualDesign      Authority = "VISUAL_DESIGN"
	AuthorityBehavioral        Authority = "BEHAVIORAL"
	AuthorityBuildPlanning     Authority = "BUILD_PLANNING"
	AuthorityExecutionPlanning Authority = "EXECUTION_PLANNING"
	AuthorityRoboticExecution  Authority = "ROBOTIC_EXECUTION"
	AuthorityVerification      Authority = "VERIFICATION"
	AuthorityRepairPlanning    Authority = "REPAIR_PLANNING"
	AuthorityRepairExecution   Authority = "REPAIR_EXECUTION"
	AuthorityAudit             Authority = "AUDIT"
)

// IsValidAuthority checks an authority tag against the closed set.
func IsValidAuthority(a Authority) bool {
	switch a {
	case AuthorityConstitutional, AuthorityPlanning, AuthorityVisualDesign,
		AuthorityBehavioral, AuthorityBuildPlanning, AuthorityExecutionPlanning,
		AuthorityRoboticExecution, AuthorityVerification, AuthorityRepairPlanning,
		AuthorityRepairExecution, AuthorityAudit:
		return true
	default:
		return false
	}
}

// Action is a runtime-exposed action tag dispatched through an agent's envelope.
type Action string

const (
	ActionReadArtifact  Action = "read_artifact"
	ActionCallLLM       Action = "call_llm"
	ActionWriteArtifact Action = "write_artifact"
	ActionTransition    Action = "transition"
	ActionPauseForHuman Action = "pause_for_human"
	ActionEmitEvent     Action = "emit_event"
	ActionMutateFile    Action = "mutate_file"
)

// IsValidAction checks an action tag against the closed set.
func IsValidAction(a Action) bool {
	switch a {
	case ActionReadArtifact, ActionCallLLM, ActionWriteArtifact,
		ActionTransition, ActionPauseForHuman, ActionEmitEvent, ActionMutateFile:
		return true
	default:
		return false
	}
}

// RequiredInput binds a role name to the artifact type the agent consumes under it.
type RequiredInput struct {
	Role string       `json:"role"`
	Type ArtifactType `json:"type"`
}
