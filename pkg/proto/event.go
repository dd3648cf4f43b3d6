package proto

import "fmt"

// EventType tags an audit event. The fixed tags below are wire-stable; the
// per-artifact and per-agent tags are derived with the helper constructors so
// every consumer builds them the same way.
type EventType string

const (
	EventConductorTransition     EventType = "conductor_transition"
	EventConductorPausedForHuman EventType = "conductor_paused_for_human"
	EventConductorResumed        EventType = "conductor_resumed"
	EventLLMTimeout              EventType = "llm_timeout"
	EventIntegrityViolation      EventType = "integrity_violation"
	EventRepairExecCompleted     EventType = "repair_execution_completed"
	EventRepairExecFailed        EventType = "repair_execution_failed"
)

// ArtifactGenerated returns the `<type>_generated` event tag.
func ArtifactGenerated(t ArtifactType) EventType {
	return EventType(fmt.Sprintf("%s_generated", t))
}

// ArtifactApproved returns the `<type>_approved` event tag.
func ArtifactApproved(t ArtifactType) EventType {
	return EventType(fmt.Sprintf("%s_approved", t))
}

// ArtifactRejected returns the `<type>_rejected` event tag.
func ArtifactRejected(t ArtifactType) EventType {
	return EventType(fmt.Sprintf("%s_rejected", t))
}

// AgentStarted returns the `<agent>_started` event tag.
func AgentStarted(agent string) EventType {
	return EventType(fmt.Sprintf("%s_started", agent))
}

// AgentCompleted returns the `<agent>_completed` event tag.
func AgentCompleted(agent string) EventType {
	return EventType(fmt.Sprintf("%s_completed", agent))
}

// AgentFailed returns the `<agent>_failed` event tag.
func AgentFailed(agent string) EventType {
	return EventType(fmt.Sprintf("%s_failed", agent))
}

// CompletionAudit returns the `completion_audit_<decision>` event tag.
func CompletionAudit(decision string) EventType {
	return EventType(fmt.Sprintf("completion_audit_%s", decision))
}
