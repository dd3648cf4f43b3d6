package persistence

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/pkg/proto"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := InitializeDatabase(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

func seedRequest(t *testing.T, ops *Ops, id string) *Request {
	t.Helper()
	r := &Request{
		ID:           id,
		Prompt:       "build a todo app",
		ProjectID:    "proj-1",
		CurrentPhase: proto.PhaseIdea,
		ExecutionID:  "exec-1",
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, ops.CreateRequest(r))
	return r
}

func TestSchemaVersion(t *testing.T) {
	db, err := InitializeDatabase(filepath.Join(t.TempDir(), "v.db"))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	version, err := GetSchemaVersion(db)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, version)
}

func TestRequestRoundTrip(t *testing.T) {
	ops := newTestStore(t).Ops()
	seedRequest(t, ops, "req-1")

	got, err := ops.GetRequest("req-1")
	require.NoError(t, err)
	assert.Equal(t, proto.PhaseIdea, got.CurrentPhase)
	assert.Equal(t, 0, got.RepairAttempts)

	require.NoError(t, ops.UpdateRequestPhase("req-1", proto.PhaseBasePromptReady))
	require.NoError(t, ops.SetRepairAttempts("req-1", 2))

	got, err = ops.GetRequest("req-1")
	require.NoError(t, err)
	assert.Equal(t, proto.PhaseBasePromptReady, got.CurrentPhase)
	assert.Equal(t, 2, got.RepairAttempts)
}

func TestGetRequestNotFound(t *testing.T) {
	ops := newTestStore(t).Ops()
	_, err := ops.GetRequest("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConductorStateRoundTrip(t *testing.T) {
	ops := newTestStore(t).Ops()
	seedRequest(t, ops, "req-1")

	st := &ConductorState{
		RequestID:    "req-1",
		CurrentPhase: proto.PhaseIdea,
		UpdatedAt:    time.Now().UTC(),
	}
	require.NoError(t, ops.CreateConductorState(st))

	// Double-create violates the primary key.
	assert.Error(t, ops.CreateConductorState(st))

	got, err := ops.GetConductorState("req-1")
	require.NoError(t, err)
	assert.False(t, got.Locked)
	assert.False(t, got.AwaitingHuman)

	got.Locked = true
	got.AwaitingHuman = true
	got.LastAgent = "intent-collector"
	require.NoError(t, ops.UpdateConductorState(got))

	got, err = ops.GetConductorState("req-1")
	require.NoError(t, err)
	assert.True(t, got.Locked)
	assert.True(t, got.AwaitingHuman)
	assert.Equal(t, "intent-collector", got.LastAgent)
}

func TestArtifactLifecycle(t *testing.T) {
	ops := newTestStore(t).Ops()
	seedRequest(t, ops, "req-1")

	a := &Artifact{
		ID:          "art-1",
		RequestID:   "req-1",
		Producer:    "intent-collector",
		Type:        proto.TypeIntentAnswers,
		Content:     []byte(`{"answers":["a"]}`),
		ContentHash: "aa11",
		InputHashes: map[string]string{"prompt": "bb22"},
		RequestHash: "cc33",
		Status:      proto.StatusAwaitingApproval,
		Version:     1,
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, ops.InsertArtifact(a))

	got, err := ops.GetArtifact("art-1")
	require.NoError(t, err)
	assert.Equal(t, proto.StatusAwaitingApproval, got.Status)
	assert.Equal(t, map[string]string{"prompt": "bb22"}, got.InputHashes)
	assert.Nil(t, got.ApprovedBy)

	awaiting, err := ops.GetArtifactByStatus("req-1", proto.TypeIntentAnswers, proto.StatusAwaitingApproval)
	require.NoError(t, err)
	assert.Equal(t, "art-1", awaiting.ID)

	require.NoError(t, ops.MarkApproved("art-1", "alice", time.Now().UTC()))
	got, err = ops.GetArtifact("art-1")
	require.NoError(t, err)
	assert.Equal(t, proto.StatusApproved, got.Status)
	require.NotNil(t, got.ApprovedBy)
	assert.Equal(t, "alice", *got.ApprovedBy)
	require.NotNil(t, got.ApprovedAt)

	_, err = ops.GetArtifactByStatus("req-1", proto.TypeIntentAnswers, proto.StatusAwaitingApproval)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMarkRejectedKeepsRow(t *testing.T) {
	ops := newTestStore(t).Ops()
	seedRequest(t, ops, "req-1")

	a := &Artifact{
		ID: "art-1", RequestID: "req-1", Producer: "p",
		Type: proto.TypeBasePrompt, Content: []byte("x"), ContentHash: "h",
		InputHashes: map[string]string{}, Status: proto.StatusAwaitingApproval,
		Version: 1, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, ops.InsertArtifact(a))
	require.NoError(t, ops.MarkRejected("art-1", "too vague"))

	got, err := ops.GetArtifact("art-1")
	require.NoError(t, err)
	assert.Equal(t, proto.StatusRejected, got.Status)
	assert.Equal(t, "too vague", got.RejectedReason)
}

func TestFindByRequestHashIgnoresRejected(t *testing.T) {
	ops := newTestStore(t).Ops()
	seedRequest(t, ops, "req-1")

	insert := func(id string, status proto.ArtifactStatus, version int) {
		require.NoError(t, ops.InsertArtifact(&Artifact{
			ID: id, RequestID: "req-1", Producer: "p",
			Type: proto.TypeBasePrompt, Content: []byte("x"), ContentHash: "h" + id,
			InputHashes: map[string]string{}, RequestHash: "rh-1",
			Status: status, Version: version, CreatedAt: time.Now().UTC(),
		}))
	}
	insert("art-rejected", proto.StatusRejected, 1)

	_, err := ops.FindByRequestHash("req-1", "rh-1")
	assert.ErrorIs(t, err, ErrNotFound)

	insert("art-live", proto.StatusAwaitingApproval, 2)
	got, err := ops.FindByRequestHash("req-1", "rh-1")
	require.NoError(t, err)
	assert.Equal(t, "art-live", got.ID)
}

func TestNextVersion(t *testing.T) {
	ops := newTestStore(t).Ops()
	seedRequest(t, ops, "req-1")

	v, err := ops.NextVersion("req-1", proto.TypeMasterPlan)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	require.NoError(t, ops.InsertArtifact(&Artifact{
		ID: "art-1", RequestID: "req-1", Producer: "p",
		Type: proto.TypeMasterPlan, Content: []byte("x"), ContentHash: "h1",
		InputHashes: map[string]string{}, Status: proto.StatusRejected,
		Version: 1, CreatedAt: time.Now().UTC(),
	}))

	v, err = ops.NextVersion("req-1", proto.TypeMasterPlan)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestApprovedTypes(t *testing.T) {
	ops := newTestStore(t).Ops()
	seedRequest(t, ops, "req-1")

	require.NoError(t, ops.InsertArtifact(&Artifact{
		ID: "a1", RequestID: "req-1", Producer: "p",
		Type: proto.TypeIntentAnswers, Content: []byte("x"), ContentHash: "h1",
		InputHashes: map[string]string{}, Status: proto.StatusApproved,
		Version: 1, CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, ops.InsertArtifact(&Artifact{
		ID: "a2", RequestID: "req-1", Producer: "p",
		Type: proto.TypeBasePrompt, Content: []byte("y"), ContentHash: "h2",
		InputHashes: map[string]string{}, Status: proto.StatusAwaitingApproval,
		Version: 1, CreatedAt: time.Now().UTC(),
	}))

	approved, err := ops.ApprovedTypes("req-1")
	require.NoError(t, err)
	assert.True(t, approved[proto.TypeIntentAnswers])
	assert.False(t, approved[proto.TypeBasePrompt])
}

func TestEventSeqOrdering(t *testing.T) {
	ops := newTestStore(t).Ops()
	seedRequest(t, ops, "req-1")

	for _, id := range []string{"ev-1", "ev-2", "ev-3"} {
		require.NoError(t, ops.InsertEvent(&Event{
			ID: id, ExecutionID: "exec-1", RequestID: "req-1",
			Type: proto.EventConductorTransition, Message: id,
			CreatedAt: time.Now().UTC(),
		}))
	}

	events, err := ops.ListEvents("exec-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].Seq, events[i-1].Seq)
	}

	// Resume from a cursor.
	tail, err := ops.ListEvents("exec-1", events[0].Seq)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, "ev-2", tail[0].ID)
}

func TestWithTxRollback(t *testing.T) {
	store := newTestStore(t)
	seedRequest(t, store.Ops(), "req-1")

	err := store.WithTx(func(ops *Ops) error {
		if err := ops.UpdateRequestPhase("req-1", proto.PhaseBasePromptReady); err != nil {
			return err
		}
		return assert.AnError
	})
	require.Error(t, err)

	got, err := store.Ops().GetRequest("req-1")
	require.NoError(t, err)
	assert.Equal(t, proto.PhaseIdea, got.CurrentPhase, "rolled-back write must not stick")
}
