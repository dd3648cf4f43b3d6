// Package agents declares the pipeline's producer agents: one envelope and one
// body per agent. Envelopes are data registered at startup; bodies are pure
// functions over the toolkit the runtime hands them. Repair agents live in
// pkg/repair and the completion auditor in pkg/audit.
package agents

import (
	"conductor/pkg/envelope"
	"conductor/pkg/proto"
)

// Agent pairs an envelope with its body.
type Agent struct {
	Envelope *envelope.Envelope
	Body     Body
}

// Body produces a draft from the isolated toolkit. prompt is the request's
// original idea text, available only to agents that declare no artifact inputs.
type Body func(tk *envelope.Toolkit, prompt string) (*envelope.Draft, error)

// advisory is the action set of agents that only read, think, and write.
//
//nolint:gochecknoglobals // Fixed action vocabulary shared by the catalog
var advisory = []proto.Action{
	proto.ActionReadArtifact,
	proto.ActionCallLLM,
	proto.ActionWriteArtifact,
}

// noMutation marks every non-repair agent: touching the workspace or driving
// the conductor directly is constitutionally forbidden.
//
//nolint:gochecknoglobals // Fixed action vocabulary shared by the catalog
var noMutation = []proto.Action{
	proto.ActionMutateFile,
	proto.ActionTransition,
}

// Catalog returns every pipeline agent in phase order.
func Catalog() []*Agent {
	return []*Agent{
		// idea
		{
			Envelope: &envelope.Envelope{
				Name:             "intent-collector",
				Authority:        proto.AuthorityConstitutional,
				Produces:         proto.TypeIntentAnswers,
				EntryPhase:       proto.PhaseIdea,
				AllowedActions:   advisory,
				ForbiddenActions: noMutation,
				Scope: envelope.Scope{
					RequiredFields: []string{"questions", "answers"},
					DensityCaps:    map[string]int{"questions": 10},
				},
			},
			Body: intentCollector,
		},
		{
			Envelope: &envelope.Envelope{
				Name:             "base-prompt-writer",
				Authority:        proto.AuthorityConstitutional,
				Produces:         proto.TypeBasePrompt,
				EntryPhase:       proto.PhaseIdea,
				AllowedActions:   advisory,
				ForbiddenActions: noMutation,
				RequiredInputs: []proto.RequiredInput{
					{Role: "intent_answers", Type: proto.TypeIntentAnswers},
				},
				ExitEffecting: true,
				Scope:         envelope.Scope{Deterministic: true},
			},
			Body: textBody("base-prompt-writer",
				"Write the canonical base prompt for the app build from the collected intent answers.",
				"intent_answers"),
		},

		// base_prompt_ready
		{
			Envelope: &envelope.Envelope{
				Name:             "master-planner",
				Authority:        proto.AuthorityPlanning,
				Produces:         proto.TypeMasterPlan,
				EntryPhase:       proto.PhaseBasePromptReady,
				AllowedActions:   advisory,
				ForbiddenActions: noMutation,
				RequiredInputs: []proto.RequiredInput{
					{Role: "base_prompt", Type: proto.TypeBasePrompt},
				},
				Scope: envelope.Scope{Deterministic: true},
			},
			Body: textBody("master-planner",
				"Produce the master plan: feature areas, data entities, and build order.",
				"base_prompt"),
		},
		{
			Envelope: &envelope.Envelope{
				Name:             "implementation-planner",
				Authority:        proto.AuthorityPlanning,
				Produces:         proto.TypeImplementationPlan,
				EntryPhase:       proto.PhaseBasePromptReady,
				AllowedActions:   advisory,
				ForbiddenActions: noMutation,
				RequiredInputs: []proto.RequiredInput{
					{Role: "master_plan", Type: proto.TypeMasterPlan},
				},
				ExitEffecting: true,
				Scope:         envelope.Scope{Deterministic: true},
			},
			Body: textBody("implementation-planner",
				"Break the master plan into concrete implementation milestones.",
				"master_plan"),
		},

		// planning
		{
			Envelope: &envelope.Envelope{
				Name:             "screen-indexer",
				Authority:        proto.AuthorityPlanning,
				Produces:         proto.TypeScreenIndex,
				EntryPhase:       proto.PhasePlanning,
				AllowedActions:   advisory,
				ForbiddenActions: noMutation,
				RequiredInputs: []proto.RequiredInput{
					{Role: "implementation_plan", Type: proto.TypeImplementationPlan},
				},
				Scope: envelope.Scope{
					Deterministic:  true,
					RequiredFields: []string{"screens"},
					DensityCaps:    map[string]int{"screens": 40},
				},
			},
			Body: jsonBody("screen-indexer",
				"List every screen the app needs as JSON: {\"screens\": [{\"id\", \"name\", \"purpose\"}]}.",
				"implementation_plan"),
		},
		{
			Envelope: &envelope.Envelope{
				Name:             "user-role-mapper",
				Authority:        proto.AuthorityPlanning,
				Produces:         proto.TypeUserRoleTable,
				EntryPhase:       proto.PhasePlanning,
				AllowedActions:   advisory,
				ForbiddenActions: noMutation,
				RequiredInputs: []proto.RequiredInput{
					{Role: "master_plan", Type: proto.TypeMasterPlan},
				},
				ExitEffecting: true,
				Scope: envelope.Scope{
					Deterministic:  true,
					RequiredFields: []string{"roles"},
					DensityCaps:    map[string]int{"roles": 12},
					ClosedVocabularies: map[string][]string{
						"auth": {"none", "password", "oauth", "magic_link"},
					},
				},
			},
			Body: jsonBody("user-role-mapper",
				"Map user roles and their auth model as JSON: {\"roles\": [...], \"auth\": \"...\"}.",
				"master_plan"),
		},

		// screens_defined
		{
			Envelope: &envelope.Envelope{
				Name:             "journey-mapper",
				Authority:        proto.AuthorityBehavioral,
				Produces:         proto.TypeUserJourney,
				EntryPhase:       proto.PhaseScreensDefined,
				AllowedActions:   advisory,
				ForbiddenActions: noMutation,
				RequiredInputs: []proto.RequiredInput{
					{Role: "screen_index", Type: proto.TypeScreenIndex},
					{Role: "user_role_table", Type: proto.TypeUserRoleTable},
				},
				ExitEffecting: true,
				Scope:         envelope.Scope{Deterministic: true},
			},
			Body: textBody("journey-mapper",
				"Describe each role's journey across the screen index.",
				"screen_index", "user_role_table"),
		},

		// flows_defined: the visual chain
		{
			Envelope: visualEnvelope("visual-expander", proto.TypeVisualExpansion,
				"user_journey", proto.TypeUserJourney, false),
			Body: textBody("visual-expander",
				"Expand each journey step into concrete visual elements.",
				"user_journey"),
		},
		{
			Envelope: visualEnvelope("visual-normalizer", proto.TypeVisualNormalization,
				"visual_expansion", proto.TypeVisualExpansion, false),
			Body: textBody("visual-normalizer",
				"Normalize visual elements into the shared component vocabulary.",
				"visual_expansion"),
		},
		{
			Envelope: visualEnvelope("visual-composer", proto.TypeVisualComposition,
				"visual_normalization", proto.TypeVisualNormalization, false),
			Body: textBody("visual-composer",
				"Compose normalized components into per-screen layouts.",
				"visual_normalization"),
		},
		{
			Envelope: visualEnvelope("visual-code-renderer", proto.TypeVisualCodeRendering,
				"visual_composition", proto.TypeVisualComposition, false),
			Body: textBody("visual-code-renderer",
				"Render each composed layout as declarative view code.",
				"visual_composition"),
		},
		{
			Envelope: visualEnvelope("mockup-generator", proto.TypeScreenMockup,
				"visual_code_rendering", proto.TypeVisualCodeRendering, true),
			Body: textBody("mockup-generator",
				"Generate the final screen mockups from the rendered view code.",
				"visual_code_rendering"),
		},

		// designs_ready
		{
			Envelope: &envelope.Envelope{
				Name:             "rules-author",
				Authority:        proto.AuthorityBuildPlanning,
				Produces:         proto.TypeProjectRules,
				EntryPhase:       proto.PhaseDesignsReady,
				AllowedActions:   advisory,
				ForbiddenActions: noMutation,
				RequiredInputs: []proto.RequiredInput{
					{Role: "master_plan", Type: proto.TypeMasterPlan},
					{Role: "screen_mockup", Type: proto.TypeScreenMockup},
				},
				ExitEffecting: true,
				Scope:         envelope.Scope{Deterministic: true},
			},
			Body: textBody("rules-author",
				"Write the binding project rules the build must obey.",
				"master_plan", "screen_mockup"),
		},

		// rules_locked
		{
			Envelope: &envelope.Envelope{
				Name:             "build-prompt-writer",
				Authority:        proto.AuthorityBuildPlanning,
				Produces:         proto.TypeBuildPrompt,
				EntryPhase:       proto.PhaseRulesLocked,
				AllowedActions:   advisory,
				ForbiddenActions: noMutation,
				RequiredInputs: []proto.RequiredInput{
					{Role: "project_rules", Type: proto.TypeProjectRules},
					{Role: "implementation_plan", Type: proto.TypeImplementationPlan},
				},
				Scope: envelope.Scope{Deterministic: true},
			},
			Body: textBody("build-prompt-writer",
				"Write the build prompt: the exact instructions the builder executes.",
				"project_rules", "implementation_plan"),
		},
		{
			Envelope: &envelope.Envelope{
				Name:             "execution-planner",
				Authority:        proto.AuthorityExecutionPlanning,
				Produces:         proto.TypeExecutionPlan,
				EntryPhase:       proto.PhaseRulesLocked,
				AllowedActions:   advisory,
				ForbiddenActions: noMutation,
				RequiredInputs: []proto.RequiredInput{
					{Role: "build_prompt", Type: proto.TypeBuildPrompt},
				},
				ExitEffecting: true,
				Scope: envelope.Scope{
					Deterministic:  true,
					RequiredFields: []string{"units"},
					DensityCaps:    map[string]int{"units": 50},
				},
			},
			Body: jsonBody("execution-planner",
				"Order the build into execution units as JSON: {\"units\": [{\"id\", \"files\", \"depends_on\"}]}.",
				"build_prompt"),
		},

		// building
		{
			Envelope: &envelope.Envelope{
				Name:             "builder",
				Authority:        proto.AuthorityRoboticExecution,
				Produces:         proto.TypeExecutionLog,
				EntryPhase:       proto.PhaseBuilding,
				AllowedActions:   advisory,
				ForbiddenActions: []proto.Action{proto.ActionTransition},
				RequiredInputs: []proto.RequiredInput{
					{Role: "build_prompt", Type: proto.TypeBuildPrompt},
					{Role: "execution_plan", Type: proto.TypeExecutionPlan},
				},
				ExitEffecting: true,
				Scope:         envelope.Scope{Deterministic: true},
			},
			Body: textBody("builder",
				"Execute the build prompt unit by unit and log every file produced.",
				"build_prompt", "execution_plan"),
		},

		// verifying
		{
			Envelope: &envelope.Envelope{
				Name:             "verifier",
				Authority:        proto.AuthorityVerification,
				Produces:         proto.TypeVerificationResult,
				EntryPhase:       proto.PhaseVerifying,
				AllowedActions:   advisory,
				ForbiddenActions: noMutation,
				RequiredInputs: []proto.RequiredInput{
					{Role: "execution_log", Type: proto.TypeExecutionLog},
					{Role: "build_prompt", Type: proto.TypeBuildPrompt},
				},
				ExitEffecting: true,
				Scope: envelope.Scope{
					Deterministic:  true,
					RequiredFields: []string{"status"},
					ClosedVocabularies: map[string][]string{
						"status": {"PASSED", "FAILED"},
						"error_class": {
							"contract_mismatch", "missing_output", "test_failure",
							"security_violation", "ruleset_violation", "architectural_conflict",
						},
					},
				},
			},
			Body: jsonBody("verifier",
				"Verify the execution log against the build prompt. Respond as JSON: "+
					"{\"status\": \"PASSED\"|\"FAILED\", \"error_class\"?, \"failures\"?: [...]}.",
				"execution_log", "build_prompt"),
		},
		{
			Envelope: &envelope.Envelope{
				Name:             "verification-reporter",
				Authority:        proto.AuthorityVerification,
				Produces:         proto.TypeVerificationReport,
				EntryPhase:       proto.PhaseVerifying,
				AllowedActions:   advisory,
				ForbiddenActions: noMutation,
				RequiredInputs: []proto.RequiredInput{
					{Role: "verification_result", Type: proto.TypeVerificationResult},
				},
			},
			Body: textBody("verification-reporter",
				"Write the human-readable verification report.",
				"verification_result"),
		},
	}
}

// RegisterAll installs every catalog envelope into the registry and returns
// the bodies keyed by agent name.
func RegisterAll(reg *envelope.Registry) (map[string]Body, error) {
	bodies := make(map[string]Body)
	for _, a := range Catalog() {
		if err := reg.Register(a.Envelope); err != nil {
			return nil, err
		}
		bodies[a.Envelope.Name] = a.Body
	}
	return bodies, nil
}

func visualEnvelope(name string, produces proto.ArtifactType, role string, inputType proto.ArtifactType, exit bool) *envelope.Envelope {
	return &envelope.Envelope{
		Name:             name,
		Authority:        proto.AuthorityVisualDesign,
		Produces:         produces,
		EntryPhase:       proto.PhaseFlowsDefined,
		AllowedActions:   advisory,
		ForbiddenActions: noMutation,
		RequiredInputs: []proto.RequiredInput{
			{Role: role, Type: inputType},
		},
		ExitEffecting: exit,
		Scope:         envelope.Scope{Deterministic: true},
	}
}
