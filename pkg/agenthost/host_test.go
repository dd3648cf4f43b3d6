package agenthost

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/pkg/agents"
	"conductor/pkg/conductor"
	"conductor/pkg/envelope"
	"conductor/pkg/eventlog"
	"conductor/pkg/ledger"
	"conductor/pkg/llm"
	"conductor/pkg/persistence"
	"conductor/pkg/proto"
	"conductor/pkg/repair"
)

type testHost struct {
	host  *Host
	store *persistence.Store
	cond  *conductor.Conductor
	led   *ledger.Ledger
	mock  *llm.MockClient
}

func newTestHost(t *testing.T, responses ...string) *testHost {
	t.Helper()
	db, err := persistence.InitializeDatabase(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := persistence.NewStore(db)
	events, err := eventlog.NewLog(store, "")
	require.NoError(t, err)
	led := ledger.NewLedger(store, events)
	cond := conductor.NewConductor(store, events)

	reg := envelope.NewRegistry()
	bodies, err := agents.RegisterAll(reg)
	require.NoError(t, err)
	repairBodies, err := repair.Register(reg)
	require.NoError(t, err)
	for name, body := range repairBodies {
		bodies[name] = body
	}

	mock := llm.NewMockClient(responses...)
	rt := envelope.NewRuntime(led, mock, 100000, 0.3)

	return &testHost{
		host:  New(store, cond, led, events, rt, reg, bodies, nil),
		store: store,
		cond:  cond,
		led:   led,
		mock:  mock,
	}
}

func (th *testHost) seedRequest(t *testing.T, requestID string) {
	th.seedRequestAt(t, requestID, proto.PhaseIdea)
}

func (th *testHost) seedRequestAt(t *testing.T, requestID string, phase proto.Phase) {
	t.Helper()
	require.NoError(t, th.store.Ops().CreateRequest(&persistence.Request{
		ID: requestID, Prompt: "build a todo app", ProjectID: "proj",
		CurrentPhase: phase, ExecutionID: "exec-" + requestID,
		CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, th.cond.Initialize(requestID))
	if phase != proto.PhaseIdea {
		st, err := th.store.Ops().GetConductorState(requestID)
		require.NoError(t, err)
		st.CurrentPhase = phase
		require.NoError(t, th.store.Ops().UpdateConductorState(st))
	}
}

// approveArtifact seeds one approved artifact straight through the ledger.
func (th *testHost) approveArtifact(t *testing.T, requestID string, sub *ledger.Submission) *persistence.Artifact {
	t.Helper()
	a, err := th.led.Submit("exec-"+requestID, sub)
	require.NoError(t, err)
	approved, err := th.led.Approve("exec-"+requestID, a.ID, "human")
	require.NoError(t, err)
	return approved
}

const intentJSON = `{"questions": ["who uses it?"], "answers": ["a single person"]}`

func TestIdeaPhaseEndToEnd(t *testing.T) {
	th := newTestHost(t, intentJSON, "the base prompt")
	th.seedRequest(t, "req-1")
	ctx := context.Background()

	// First producer: collects intent, pauses for approval.
	answers, err := th.host.StartAgent(ctx, "req-1", "intent-collector")
	require.NoError(t, err)
	assert.Equal(t, proto.TypeIntentAnswers, answers.Type)
	assert.Equal(t, proto.StatusAwaitingApproval, answers.Status)

	st, err := th.host.GetState("req-1")
	require.NoError(t, err)
	assert.True(t, st.AwaitingHuman)
	assert.False(t, st.Locked)

	// Approving a non-exit artifact keeps the phase.
	_, err = th.host.Approve("req-1", answers.ID, "human")
	require.NoError(t, err)
	st, err = th.host.GetState("req-1")
	require.NoError(t, err)
	assert.Equal(t, proto.PhaseIdea, st.CurrentPhase)
	assert.False(t, st.AwaitingHuman)

	// Second producer consumes the approved answers and closes the phase.
	base, err := th.host.StartAgent(ctx, "req-1", "base-prompt-writer")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"intent_answers": answers.ContentHash}, base.InputHashes)

	_, err = th.host.Approve("req-1", base.ID, "human")
	require.NoError(t, err)
	st, err = th.host.GetState("req-1")
	require.NoError(t, err)
	assert.Equal(t, proto.PhaseBasePromptReady, st.CurrentPhase)

	na, err := th.host.GetNextAction("req-1")
	require.NoError(t, err)
	assert.Equal(t, proto.PhaseBasePromptReady, na.Phase)
	assert.Contains(t, na.MissingArtifacts, proto.TypeMasterPlan)
}

func TestStartAgentRejectsWrongPhase(t *testing.T) {
	th := newTestHost(t)
	th.seedRequest(t, "req-1")

	_, err := th.host.StartAgent(context.Background(), "req-1", "master-planner")
	require.Error(t, err)
	assert.True(t, proto.IsFault(err, proto.FaultProtocol))
	assert.Contains(t, err.Error(), proto.CodeConductorStateViol)

	// A refused start never touches the lock or the pause flag.
	st, err := th.host.GetState("req-1")
	require.NoError(t, err)
	assert.False(t, st.Locked)
	assert.False(t, st.AwaitingHuman)
}

func TestStartAgentDeduplicates(t *testing.T) {
	th := newTestHost(t, intentJSON)
	th.seedRequest(t, "req-1")
	ctx := context.Background()

	first, err := th.host.StartAgent(ctx, "req-1", "intent-collector")
	require.NoError(t, err)
	calls := th.mock.CallCount()

	// While the draft awaits a decision the rerun is refused outright.
	_, err = th.host.StartAgent(ctx, "req-1", "intent-collector")
	require.Error(t, err)
	assert.Contains(t, err.Error(), proto.CodeAwaitingHuman)

	// After approval the same envelope over the same inputs returns the
	// existing artifact without a second model call.
	_, err = th.host.Approve("req-1", first.ID, "human")
	require.NoError(t, err)
	second, err := th.host.StartAgent(ctx, "req-1", "intent-collector")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, calls, th.mock.CallCount())
}

func TestStartAgentRestartClearsFailurePause(t *testing.T) {
	th := newTestHost(t, intentJSON, intentJSON)
	th.mock.Err = assertErr{}
	th.seedRequest(t, "req-1")
	ctx := context.Background()

	_, err := th.host.StartAgent(ctx, "req-1", "intent-collector")
	require.Error(t, err)
	st, err := th.host.GetState("req-1")
	require.NoError(t, err)
	require.True(t, st.AwaitingHuman)

	// A failed run leaves nothing awaiting approval, so restarting the agent
	// is itself the recovery: the pause clears and the run goes through.
	th.mock.Err = nil
	answers, err := th.host.StartAgent(ctx, "req-1", "intent-collector")
	require.NoError(t, err)
	assert.Equal(t, proto.TypeIntentAnswers, answers.Type)
	assert.Equal(t, proto.StatusAwaitingApproval, answers.Status)

	st, err = th.host.GetState("req-1")
	require.NoError(t, err)
	assert.True(t, st.AwaitingHuman, "the fresh draft awaits approval")
	assert.False(t, st.Locked)
}

func TestStartAgentRefusesTamperedInput(t *testing.T) {
	th := newTestHost(t, intentJSON, "the base prompt")
	th.seedRequest(t, "req-1")
	ctx := context.Background()

	answers, err := th.host.StartAgent(ctx, "req-1", "intent-collector")
	require.NoError(t, err)
	_, err = th.host.Approve("req-1", answers.ID, "human")
	require.NoError(t, err)

	// Mutate the approved bytes behind the ledger's back.
	_, err = th.store.DB().Exec(`UPDATE artifacts SET content = ? WHERE id = ?`,
		[]byte(`{"answers":["tampered"]}`), answers.ID)
	require.NoError(t, err)

	_, err = th.host.StartAgent(ctx, "req-1", "base-prompt-writer")
	require.Error(t, err)
	assert.True(t, proto.IsFault(err, proto.FaultIntegrity))
	assert.Zero(t, th.mock.CallCount(), "no model call on a tampered bundle")

	events, err := th.host.GetEvents("req-1", 0)
	require.NoError(t, err)
	var sawViolation bool
	for _, e := range events {
		if e.Type == proto.EventIntegrityViolation {
			sawViolation = true
		}
	}
	assert.True(t, sawViolation)

	st, err := th.host.GetState("req-1")
	require.NoError(t, err)
	assert.True(t, st.AwaitingHuman)
	assert.False(t, st.Locked)
}

func TestStartAgentFailureReleasesLockAndPauses(t *testing.T) {
	th := newTestHost(t)
	th.mock.Err = assertErr{}
	th.seedRequest(t, "req-1")

	_, err := th.host.StartAgent(context.Background(), "req-1", "intent-collector")
	require.Error(t, err)

	st, err := th.host.GetState("req-1")
	require.NoError(t, err)
	assert.False(t, st.Locked)
	assert.True(t, st.AwaitingHuman)

	events, err := th.host.GetEvents("req-1", 0)
	require.NoError(t, err)
	var sawFailure bool
	for _, e := range events {
		if e.Type == proto.AgentFailed("intent-collector") {
			sawFailure = true
		}
	}
	assert.True(t, sawFailure)
}

func TestRejectKeepsPhaseOpen(t *testing.T) {
	th := newTestHost(t, intentJSON, `{"questions": ["what?"], "answers": ["redone"]}`)
	th.seedRequest(t, "req-1")
	ctx := context.Background()

	first, err := th.host.StartAgent(ctx, "req-1", "intent-collector")
	require.NoError(t, err)
	require.NoError(t, th.host.Reject("req-1", first.ID, "too vague"))

	st, err := th.host.GetState("req-1")
	require.NoError(t, err)
	assert.Equal(t, proto.PhaseIdea, st.CurrentPhase)
	assert.False(t, st.AwaitingHuman)

	// The rerun produces a fresh version; the rejected row stays for audit.
	second, err := th.host.StartAgent(ctx, "req-1", "intent-collector")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 2, second.Version)
}

func TestSubmitInputReplacesDraft(t *testing.T) {
	th := newTestHost(t, intentJSON)
	th.seedRequest(t, "req-1")

	draft, err := th.host.StartAgent(context.Background(), "req-1", "intent-collector")
	require.NoError(t, err)

	replaced, err := th.host.SubmitInput("req-1", draft.ID, "the human's own answers")
	require.NoError(t, err)
	assert.NotEqual(t, draft.ID, replaced.ID)
	assert.Equal(t, proto.TypeIntentAnswers, replaced.Type)
	assert.Equal(t, proto.StatusAwaitingApproval, replaced.Status)

	old, err := th.led.Get(draft.ID)
	require.NoError(t, err)
	assert.Equal(t, proto.StatusRejected, old.Status)
}

func TestGetArtifactPrefersApproved(t *testing.T) {
	th := newTestHost(t, intentJSON)
	th.seedRequest(t, "req-1")

	draft, err := th.host.StartAgent(context.Background(), "req-1", "intent-collector")
	require.NoError(t, err)

	got, err := th.host.GetArtifact("req-1", proto.TypeIntentAnswers)
	require.NoError(t, err)
	assert.Equal(t, draft.ID, got.ID)

	_, err = th.host.Approve("req-1", draft.ID, "human")
	require.NoError(t, err)
	got, err = th.host.GetArtifact("req-1", proto.TypeIntentAnswers)
	require.NoError(t, err)
	assert.Equal(t, proto.StatusApproved, got.Status)
}

func TestTwoRequestsRunIndependently(t *testing.T) {
	th := newTestHost(t, intentJSON)
	th.seedRequest(t, "req-a")
	th.seedRequest(t, "req-b")
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make(map[string]*persistence.Artifact, 2)
	errs := make(map[string]error, 2)
	var mu sync.Mutex
	for _, id := range []string{"req-a", "req-b"} {
		wg.Add(1)
		go func(requestID string) {
			defer wg.Done()
			a, err := th.host.StartAgent(ctx, requestID, "intent-collector")
			mu.Lock()
			results[requestID] = a
			errs[requestID] = err
			mu.Unlock()
		}(id)
	}
	wg.Wait()

	require.NoError(t, errs["req-a"])
	require.NoError(t, errs["req-b"])
	assert.Equal(t, "req-a", results["req-a"].RequestID)
	assert.Equal(t, "req-b", results["req-b"].RequestID)
	assert.NotEqual(t, results["req-a"].ID, results["req-b"].ID)
}

func TestRepairLogApprovalGatesReentry(t *testing.T) {
	th := newTestHost(t, "rebuilt execution log")
	th.seedRequestAt(t, "req-1", proto.PhaseVerificationFailed)
	ctx := context.Background()

	bp := th.approveArtifact(t, "req-1", &ledger.Submission{
		RequestID: "req-1", Producer: "build-prompt-writer",
		Type: proto.TypeBuildPrompt, Text: "build it",
	})
	ep := th.approveArtifact(t, "req-1", &ledger.Submission{
		RequestID: "req-1", Producer: "execution-planner",
		Type: proto.TypeExecutionPlan, Content: map[string]any{"units": []any{"u1"}},
	})
	staleLog := th.approveArtifact(t, "req-1", &ledger.Submission{
		RequestID: "req-1", Producer: "builder", Type: proto.TypeExecutionLog,
		Text: "pre-repair log",
		InputHashes: map[string]string{
			"build_prompt": bp.ContentHash, "execution_plan": ep.ContentHash,
		},
	})

	// Approving a FAILED repair log keeps the request in verification_failed.
	failed, err := th.led.Submit("exec-req-1", &ledger.Submission{
		RequestID: "req-1", Producer: repair.ExecutorName,
		Type:        proto.TypeRepairExecutionLog,
		Content:     map[string]any{"status": "FAILED", "error": "old content not found"},
		InputHashes: map[string]string{"repair_plan_approved": bp.ContentHash},
	})
	require.NoError(t, err)
	_, err = th.host.Approve("req-1", failed.ID, "human")
	require.NoError(t, err)
	st, err := th.host.GetState("req-1")
	require.NoError(t, err)
	assert.Equal(t, proto.PhaseVerificationFailed, st.CurrentPhase)

	// A SUCCESS log re-enters building.
	success, err := th.led.Submit("exec-req-1", &ledger.Submission{
		RequestID: "req-1", Producer: repair.ExecutorName,
		Type:        proto.TypeRepairExecutionLog,
		Content:     map[string]any{"status": "SUCCESS"},
		InputHashes: map[string]string{"repair_plan_approved": ep.ContentHash},
	})
	require.NoError(t, err)
	success, err = th.host.Approve("req-1", success.ID, "human")
	require.NoError(t, err)
	st, err = th.host.GetState("req-1")
	require.NoError(t, err)
	assert.Equal(t, proto.PhaseBuilding, st.CurrentPhase)

	// The approved repair log re-keys the builder: its unchanged inputs no
	// longer deduplicate to the pre-repair log, so a fresh build runs.
	rebuilt, err := th.host.StartAgent(ctx, "req-1", "builder")
	require.NoError(t, err)
	assert.NotEqual(t, staleLog.ID, rebuilt.ID)
	assert.Equal(t, success.ContentHash, rebuilt.InputHashes["repair_execution_log"])
	assert.Equal(t, 1, th.mock.CallCount())

	// Approving the rebuilt log hands the request back to the verifier.
	_, err = th.host.Approve("req-1", rebuilt.ID, "human")
	require.NoError(t, err)
	st, err = th.host.GetState("req-1")
	require.NoError(t, err)
	assert.Equal(t, proto.PhaseVerifying, st.CurrentPhase)
}

func TestVerificationFailedParsing(t *testing.T) {
	mk := func(status string) *persistence.Artifact {
		content, err := json.Marshal(map[string]string{"status": status})
		require.NoError(t, err)
		return &persistence.Artifact{Content: content}
	}
	assert.True(t, verificationFailed(mk("FAILED")))
	assert.False(t, verificationFailed(mk("PASSED")))

	// Fail closed: anything that is not an explicit PASSED counts as failed.
	assert.True(t, verificationFailed(&persistence.Artifact{Content: []byte("not json")}))
	assert.True(t, verificationFailed(&persistence.Artifact{Content: []byte(`{}`)}))
	assert.True(t, verificationFailed(mk("passed")))

	assert.True(t, repairSucceeded(mk("SUCCESS")))
	assert.False(t, repairSucceeded(mk("FAILED")))
	assert.False(t, repairSucceeded(&persistence.Artifact{Content: []byte("not json")}))
}

// assertErr is a plain error without a fault kind, exercising the DEPENDENCY default.
type assertErr struct{}

func (assertErr) Error() string { return "provider unreachable" }
