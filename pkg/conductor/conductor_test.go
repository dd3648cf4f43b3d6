package conductor

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/pkg/eventlog"
	"conductor/pkg/ledger"
	"conductor/pkg/persistence"
	"conductor/pkg/proto"
)

const execID = "exec-1"

func newTestConductor(t *testing.T) (*Conductor, *ledger.Ledger, *eventlog.Log) {
	t.Helper()
	db, err := persistence.InitializeDatabase(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := persistence.NewStore(db)
	events, err := eventlog.NewLog(store, "")
	require.NoError(t, err)

	require.NoError(t, store.Ops().CreateRequest(&persistence.Request{
		ID: "req-1", Prompt: "p", ProjectID: "proj", CurrentPhase: proto.PhaseIdea,
		ExecutionID: execID, CreatedAt: time.Now().UTC(),
	}))

	c := NewConductor(store, events)
	require.NoError(t, c.Initialize("req-1"))
	return c, ledger.NewLedger(store, events), events
}

func approveArtifact(t *testing.T, l *ledger.Ledger, typ proto.ArtifactType) {
	t.Helper()
	a, err := l.Submit(execID, &ledger.Submission{
		RequestID: "req-1", Producer: "test", Type: typ, Text: string(typ) + " body",
	})
	require.NoError(t, err)
	_, err = l.Approve(execID, a.ID, "alice")
	require.NoError(t, err)
}

func TestInitializeOnce(t *testing.T) {
	c, _, _ := newTestConductor(t)

	err := c.Initialize("req-1")
	require.Error(t, err)
	assert.True(t, proto.IsFault(err, proto.FaultProtocol))

	st, err := c.State("req-1")
	require.NoError(t, err)
	assert.Equal(t, proto.PhaseIdea, st.CurrentPhase)
}

func TestTransitionRequiresExitArtifacts(t *testing.T) {
	c, l, _ := newTestConductor(t)

	err := c.Transition(execID, "req-1", proto.PhaseBasePromptReady)
	require.Error(t, err)
	assert.True(t, proto.IsFault(err, proto.FaultProtocol))

	approveArtifact(t, l, proto.TypeIntentAnswers)
	approveArtifact(t, l, proto.TypeBasePrompt)

	require.NoError(t, c.Transition(execID, "req-1", proto.PhaseBasePromptReady))
	st, err := c.State("req-1")
	require.NoError(t, err)
	assert.Equal(t, proto.PhaseBasePromptReady, st.CurrentPhase)
}

func TestTransitionRejectsSkips(t *testing.T) {
	c, l, _ := newTestConductor(t)
	approveArtifact(t, l, proto.TypeIntentAnswers)
	approveArtifact(t, l, proto.TypeBasePrompt)

	// Skipping planning is illegal even with artifacts approved.
	err := c.Transition(execID, "req-1", proto.PhasePlanning)
	require.Error(t, err)
	assert.True(t, proto.IsFault(err, proto.FaultProtocol))
}

func TestTransitionMirrorsRequestPhase(t *testing.T) {
	c, l, events := newTestConductor(t)
	approveArtifact(t, l, proto.TypeIntentAnswers)
	approveArtifact(t, l, proto.TypeBasePrompt)

	require.NoError(t, c.Transition(execID, "req-1", proto.PhaseBasePromptReady))

	// Conductor state and request phase move together.
	evs, err := events.Since(execID, 0)
	require.NoError(t, err)
	var sawTransition bool
	for _, e := range evs {
		if e.Type == proto.EventConductorTransition {
			sawTransition = true
			assert.Contains(t, e.Message, "idea -> base_prompt_ready")
		}
	}
	assert.True(t, sawTransition)
}

func TestCancelFromAnyNonTerminal(t *testing.T) {
	c, _, _ := newTestConductor(t)

	// No exit artifacts approved, cancel still lands.
	require.NoError(t, c.Cancel(execID, "req-1", "operator abort"))

	st, err := c.State("req-1")
	require.NoError(t, err)
	assert.Equal(t, proto.PhaseFailed, st.CurrentPhase)

	// Terminal is final: no cancel, no transition.
	require.Error(t, c.Cancel(execID, "req-1", "again"))
	err = c.Transition(execID, "req-1", proto.PhaseBasePromptReady)
	require.Error(t, err)
	assert.True(t, proto.IsFault(err, proto.FaultProtocol))
}

func TestLockExclusive(t *testing.T) {
	c, _, _ := newTestConductor(t)

	require.NoError(t, c.Lock("req-1", "agent-a"))
	err := c.Lock("req-1", "agent-b")
	require.Error(t, err)
	assert.True(t, proto.IsFault(err, proto.FaultProtocol))

	require.NoError(t, c.Unlock("req-1"))
	require.NoError(t, c.Lock("req-1", "agent-b"))
}

func TestLockConcurrentSingleWinner(t *testing.T) {
	c, _, _ := newTestConductor(t)

	const workers = 8
	var wg sync.WaitGroup
	results := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = c.Lock("req-1", "agent")
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range results {
		if err == nil {
			winners++
		} else {
			assert.True(t, proto.IsFault(err, proto.FaultProtocol))
		}
	}
	assert.Equal(t, 1, winners)
}

func TestPauseBlocksForwardTransitions(t *testing.T) {
	c, l, _ := newTestConductor(t)
	approveArtifact(t, l, proto.TypeIntentAnswers)
	approveArtifact(t, l, proto.TypeBasePrompt)

	require.NoError(t, c.PauseForHuman(execID, "req-1", "confirm intent"))

	err := c.Transition(execID, "req-1", proto.PhaseBasePromptReady)
	require.Error(t, err)
	assert.True(t, proto.IsFault(err, proto.FaultProtocol))

	// Cancellation is still reachable while paused.
	require.NoError(t, c.ValidateTransition("req-1", proto.PhaseFailed))

	require.NoError(t, c.Resume(execID, "req-1"))
	require.NoError(t, c.Transition(execID, "req-1", proto.PhaseBasePromptReady))
}

func TestNextAction(t *testing.T) {
	c, l, _ := newTestConductor(t)

	na, err := c.NextAction("req-1")
	require.NoError(t, err)
	assert.Equal(t, proto.PhaseIdea, na.Phase)
	assert.Equal(t, proto.PhaseBasePromptReady, na.NextPhase)
	assert.ElementsMatch(t,
		[]proto.ArtifactType{proto.TypeIntentAnswers, proto.TypeBasePrompt},
		na.MissingArtifacts)

	// A submitted artifact moves from missing to pending approval.
	a, err := l.Submit(execID, &ledger.Submission{
		RequestID: "req-1", Producer: "test", Type: proto.TypeIntentAnswers, Text: "answers",
	})
	require.NoError(t, err)

	na, err = c.NextAction("req-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []proto.ArtifactType{proto.TypeIntentAnswers}, na.PendingApprovals)
	assert.ElementsMatch(t, []proto.ArtifactType{proto.TypeBasePrompt}, na.MissingArtifacts)

	_, err = l.Approve(execID, a.ID, "alice")
	require.NoError(t, err)

	na, err = c.NextAction("req-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []proto.ArtifactType{proto.TypeBasePrompt}, na.MissingArtifacts)
	assert.Empty(t, na.PendingApprovals)
}
