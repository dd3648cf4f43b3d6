package audit

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/pkg/eventlog"
	"conductor/pkg/ledger"
	"conductor/pkg/persistence"
	"conductor/pkg/proto"
)

func TestDecide(t *testing.T) {
	tests := []struct {
		name string
		in   Input
		want Decision
	}{
		{
			name: "passed and all units complete",
			in:   Input{VerificationPassed: true, UnitsTotal: 3, UnitsCompleted: 3},
			want: DecisionMarkCompleted,
		},
		{
			name: "passed with units pending",
			in:   Input{VerificationPassed: true, UnitsTotal: 3, UnitsCompleted: 1},
			want: DecisionProceedToNextUnit,
		},
		{
			name: "failed and repairable under the bound",
			in:   Input{ErrorClass: "test_failure", Attempt: 1, MaxAttempts: 3},
			want: DecisionRetryWithRepair,
		},
		{
			name: "failed with attempts exhausted",
			in:   Input{ErrorClass: "test_failure", Attempt: 3, MaxAttempts: 3},
			want: DecisionEscalateToHuman,
		},
		{
			name: "failed on a security violation",
			in:   Input{ErrorClass: "security_violation", Attempt: 0, MaxAttempts: 3},
			want: DecisionMarkFailed,
		},
		{
			name: "non-repairable wins over remaining attempts",
			in:   Input{ErrorClass: "architectural_conflict", Attempt: 0, MaxAttempts: 3},
			want: DecisionMarkFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Decide(tt.in))
			// Determinism: the same input always yields the same decision.
			assert.Equal(t, Decide(tt.in), Decide(tt.in))
		})
	}
}

const execID = "exec-1"

func newTestAuditor(t *testing.T) (*Auditor, *ledger.Ledger, *eventlog.Log, *persistence.Store) {
	t.Helper()
	db, err := persistence.InitializeDatabase(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := persistence.NewStore(db)
	events, err := eventlog.NewLog(store, "")
	require.NoError(t, err)
	led := ledger.NewLedger(store, events)

	require.NoError(t, store.Ops().CreateRequest(&persistence.Request{
		ID: "req-1", Prompt: "p", ProjectID: "proj",
		CurrentPhase: proto.PhaseVerifying, ExecutionID: execID,
		CreatedAt: time.Now().UTC(),
	}))
	return NewAuditor(store, led, events, 3), led, events, store
}

func approveVerification(t *testing.T, led *ledger.Ledger, content map[string]any) {
	t.Helper()
	v, err := led.Submit(execID, &ledger.Submission{
		RequestID: "req-1", Producer: "verifier",
		Type: proto.TypeVerificationResult, Content: content,
	})
	require.NoError(t, err)
	_, err = led.Approve(execID, v.ID, "human")
	require.NoError(t, err)
}

func TestAuditRecordsDecisionOnce(t *testing.T) {
	auditor, led, events, _ := newTestAuditor(t)
	approveVerification(t, led, map[string]any{"status": "PASSED"})

	artifact, decision, err := auditor.Audit("req-1")
	require.NoError(t, err)
	assert.Equal(t, DecisionMarkCompleted, decision)
	assert.Equal(t, proto.TypeCompletionDecision, artifact.Type)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(artifact.Content, &fields))
	assert.Equal(t, string(DecisionMarkCompleted), fields["decision"])

	all, err := events.Since(execID, 0)
	require.NoError(t, err)
	var auditEvents int
	for _, e := range all {
		if e.Type == proto.CompletionAudit(string(DecisionMarkCompleted)) {
			auditEvents++
		}
	}
	assert.Equal(t, 1, auditEvents)

	// Re-auditing the same verification result is a no-op returning the same
	// artifact and no second event.
	again, decision2, err := auditor.Audit("req-1")
	require.NoError(t, err)
	assert.Equal(t, artifact.ID, again.ID)
	assert.Equal(t, decision, decision2)
	after, err := events.Since(execID, 0)
	require.NoError(t, err)
	assert.Len(t, after, len(all))
}

func TestAuditFailedRepairable(t *testing.T) {
	auditor, led, _, _ := newTestAuditor(t)
	approveVerification(t, led, map[string]any{
		"status": "FAILED", "error_class": "test_failure",
	})

	_, decision, err := auditor.Audit("req-1")
	require.NoError(t, err)
	assert.Equal(t, DecisionRetryWithRepair, decision)
}

func TestAuditEscalatesAfterBound(t *testing.T) {
	auditor, led, _, store := newTestAuditor(t)
	approveVerification(t, led, map[string]any{
		"status": "FAILED", "error_class": "test_failure",
	})
	require.NoError(t, store.Ops().SetRepairAttempts("req-1", 3))

	_, decision, err := auditor.Audit("req-1")
	require.NoError(t, err)
	assert.Equal(t, DecisionEscalateToHuman, decision)
}

func TestAuditMarksFailedOnNonRepairable(t *testing.T) {
	auditor, led, _, _ := newTestAuditor(t)
	approveVerification(t, led, map[string]any{
		"status": "FAILED", "error_class": "ruleset_violation",
	})

	_, decision, err := auditor.Audit("req-1")
	require.NoError(t, err)
	assert.Equal(t, DecisionMarkFailed, decision)
}

func TestAuditUsesUnitProgress(t *testing.T) {
	auditor, led, _, _ := newTestAuditor(t)
	plan, err := led.Submit(execID, &ledger.Submission{
		RequestID: "req-1", Producer: "execution-planner",
		Type: proto.TypeExecutionPlan,
		Content: map[string]any{"units": []any{
			map[string]any{"id": "u1"}, map[string]any{"id": "u2"},
		}},
	})
	require.NoError(t, err)
	_, err = led.Approve(execID, plan.ID, "human")
	require.NoError(t, err)

	log, err := led.Submit(execID, &ledger.Submission{
		RequestID: "req-1", Producer: "builder",
		Type:    proto.TypeExecutionLog,
		Content: map[string]any{"units_completed": 1, "entries": []any{"built u1"}},
	})
	require.NoError(t, err)
	_, err = led.Approve(execID, log.ID, "human")
	require.NoError(t, err)

	approveVerification(t, led, map[string]any{"status": "PASSED"})

	_, decision, err := auditor.Audit("req-1")
	require.NoError(t, err)
	assert.Equal(t, DecisionProceedToNextUnit, decision)
}
