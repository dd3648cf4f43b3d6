package agents

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/pkg/envelope"
	"conductor/pkg/proto"
)

func TestCatalogRegisters(t *testing.T) {
	reg := envelope.NewRegistry()
	bodies, err := RegisterAll(reg)
	require.NoError(t, err)
	assert.Len(t, bodies, len(Catalog()))

	for _, a := range Catalog() {
		got, err := reg.Get(a.Envelope.Name)
		require.NoError(t, err)
		assert.Equal(t, a.Envelope.Produces, got.Produces)
	}
}

func TestCatalogCoversExitRequirements(t *testing.T) {
	// Every artifact type a working phase requires for exit must have a
	// producer in the catalog, except the repair types (pkg/repair) and the
	// auditor's decision (pkg/audit).
	produced := make(map[proto.ArtifactType]bool)
	for _, a := range Catalog() {
		produced[a.Envelope.Produces] = true
	}
	external := map[proto.ArtifactType]bool{
		proto.TypeRepairPlanDraft:    true,
		proto.TypeRepairPlanApproved: true,
		proto.TypeRepairExecutionLog: true,
		proto.TypeCompletionDecision: true,
	}

	for phase, types := range proto.ExitRequirements {
		for _, typ := range types {
			if external[typ] {
				continue
			}
			assert.True(t, produced[typ], "phase %s requires %s but no agent produces it", phase, typ)
		}
	}
}

func TestCatalogExitEffectingPerPhase(t *testing.T) {
	// Exactly one exit-effecting agent per working phase that has exit
	// requirements served by the catalog.
	exitCount := make(map[proto.Phase]int)
	for _, a := range Catalog() {
		if a.Envelope.ExitEffecting {
			exitCount[a.Envelope.EntryPhase]++
		}
	}
	for phase, n := range exitCount {
		assert.Equal(t, 1, n, "phase %s has %d exit-effecting agents", phase, n)
	}
}

func TestNonRepairAgentsForbidMutation(t *testing.T) {
	for _, a := range Catalog() {
		assert.True(t, a.Envelope.Forbids(proto.ActionTransition),
			"agent %s may not drive the conductor", a.Envelope.Name)
		assert.False(t, a.Envelope.Allows(proto.ActionMutateFile),
			"agent %s may not touch the workspace", a.Envelope.Name)
	}
}

func TestParseStructuredStripsFence(t *testing.T) {
	draft, err := parseStructured("x", "```json\n{\"a\": 1}\n```")
	require.NoError(t, err)
	fields, ok := draft.Content.(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 1, fields["a"])

	_, err = parseStructured("x", "not json")
	require.Error(t, err)
	assert.True(t, proto.IsFault(err, proto.FaultContract))
}
