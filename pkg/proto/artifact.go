package proto

// ArtifactType tags one producer output kind. The tags are wire-stable
// lowercase snake_case strings consumed by the HTTP layer and the UI.
type ArtifactType string

const (
	TypeIntentAnswers       ArtifactType = "intent_answers"
	TypeBasePrompt          ArtifactType = "base_prompt"
	TypeMasterPlan          ArtifactType = "master_plan"
	TypeImplementationPlan  ArtifactType = "implementation_plan"
	TypeScreenIndex         ArtifactType = "screen_index"
	TypeUserRoleTable       ArtifactType = "user_role_table"
	TypeUserJourney         ArtifactType = "user_journey"
	TypeVisualExpansion     ArtifactType = "visual_expansion"
	TypeVisualNormalization ArtifactType = "visual_normalization"
	TypeVisualComposition   ArtifactType = "visual_composition"
	TypeVisualCodeRendering ArtifactType = "visual_code_rendering"
	TypeScreenMockup        ArtifactType = "screen_mockup"
	TypeProjectRules        ArtifactType = "project_rules"
	TypeBuildPrompt         ArtifactType = "build_prompt"
	TypeExecutionPlan       ArtifactType = "execution_plan"
	TypeExecutionLog        ArtifactType = "execution_log"
	TypeVerificationResult  ArtifactType = "verification_result"
	TypeVerificationReport  ArtifactType = "verification_report"
	TypeRepairPlanDraft     ArtifactType = "repair_plan_draft"
	TypeRepairPlanApproved  ArtifactType = "repair_plan_approved"
	TypeRepairExecutionLog  ArtifactType = "repair_execution_log"
	TypeCompletionDecision  ArtifactType = "completion_decision"
)

// AllArtifactTypes returns every declared artifact type tag.
func AllArtifactTypes() []ArtifactType {
	return []ArtifactType{
		TypeIntentAnswers,
		TypeBasePrompt,
		TypeMasterPlan,
		TypeImplementationPlan,
		TypeScreenIndex,
		TypeUserRoleTable,
		TypeUserJourney,
		TypeVisualExpansion,
		TypeVisualNormalization,
		TypeVisualComposition,
		TypeVisualCodeRendering,
		TypeScreenMockup,
		TypeProjectRules,
		TypeBuildPrompt,
		TypeExecutionPlan,
		TypeExecutionLog,
		TypeVerificationResult,
		TypeVerificationReport,
		TypeRepairPlanDraft,
		TypeRepairPlanApproved,
		TypeRepairExecutionLog,
		TypeCompletionDecision,
	}
}

// IsValidArtifactType checks a type tag against the closed vocabulary.
func IsValidArtifactType(t ArtifactType) bool {
	for _, valid := range AllArtifactTypes() {
		if t == valid {
			return true
		}
	}
	return false
}

// ArtifactStatus is the lifecycle status of an artifact.
type ArtifactStatus string

const (
	StatusDraft            ArtifactStatus = "draft"
	StatusAwaitingApproval ArtifactStatus = "awaiting_approval"
	StatusApproved         ArtifactStatus = "approved"
	StatusRejected         ArtifactStatus = "rejected"
)

// IsValidArtifactStatus checks a status string against the closed set.
func IsValidArtifactStatus(s ArtifactStatus) bool {
	switch s {
	case StatusDraft, StatusAwaitingApproval, StatusApproved, StatusRejected:
		return true
	default:
		return false
	}
}
