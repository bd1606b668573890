package events

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/noetl/noetl/common/config"
	"github.com/noetl/noetl/common/db"
	"github.com/noetl/noetl/common/logger"
	"github.com/noetl/noetl/common/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Postgres-backed tests run only against a disposable database:
// NOETL_TEST_POSTGRES=1 go test ./common/events/...
func testStore(t *testing.T) *Store {
	t.Helper()
	if os.Getenv("NOETL_TEST_POSTGRES") == "" {
		t.Skip("set NOETL_TEST_POSTGRES=1 to run Postgres-backed tests")
	}

	ctx := context.Background()
	cfg, err := config.Load("events-test")
	require.NoError(t, err)

	log := logger.New("error", "text")
	database, err := db.New(ctx, cfg, log, InitSchema)
	require.NoError(t, err)
	t.Cleanup(database.Close)

	return NewStore(database, log)
}

// newExecution registers a throwaway playbook and creates an execution
func newExecution(t *testing.T, store *Store) (int64, int64) {
	t.Helper()
	ctx := context.Background()

	path := "tests/" + uuid.NewString()
	catalogID, err := store.RegisterPlaybook(ctx, path, "1.0.0", "metadata:\n  path: "+path+"\n")
	require.NoError(t, err)

	executionID, err := store.CreateExecution(ctx, catalogID, nil, path, map[string]any{"city": "Berlin"})
	require.NoError(t, err)
	return executionID, catalogID
}

func TestEmitResolvesCatalogFromExecution(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	executionID, catalogID := newExecution(t, store)

	id, err := store.Emit(ctx, &models.Event{
		ExecutionID: executionID,
		EventType:   models.EventExecutionStarted,
		Status:      models.StatusRunning,
	})
	require.NoError(t, err)
	assert.Greater(t, id, int64(0))

	events, err := store.List(ctx, Filter{ExecutionID: executionID})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, catalogID, events[0].CatalogID, "catalog resolved from the execution row")
}

func TestEmitRejectsInvalid(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	_, err := store.Emit(ctx, &models.Event{EventType: "bogus.type", Status: models.StatusRunning})
	assert.ErrorIs(t, err, ErrInvalidEvent)

	_, err = store.Emit(ctx, &models.Event{EventType: models.EventStepDone, Status: "weird"})
	assert.ErrorIs(t, err, ErrInvalidEvent)

	_, err = store.Emit(ctx, &models.Event{
		ExecutionID: -1,
		EventType:   models.EventStepDone,
		Status:      models.StatusCompleted,
	})
	assert.ErrorIs(t, err, ErrCatalogUnresolved)
}

func TestStepStartedMarkerDedup(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	executionID, _ := newExecution(t, store)

	first, err := store.Emit(ctx, &models.Event{
		ExecutionID: executionID,
		NodeID:      "fetch",
		NodeName:    "fetch",
		EventType:   models.EventStepStarted,
		Status:      models.StatusRunning,
	})
	require.NoError(t, err)

	second, err := store.Emit(ctx, &models.Event{
		ExecutionID: executionID,
		NodeID:      "fetch",
		NodeName:    "fetch",
		EventType:   models.EventStepStarted,
		Status:      models.StatusRunning,
	})
	require.NoError(t, err)
	assert.Equal(t, first, second, "duplicate marker returns the original event_id")

	events, err := store.List(ctx, Filter{ExecutionID: executionID, EventType: models.EventStepStarted})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestLoopIterationMarkerDedup(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	executionID, _ := newExecution(t, store)

	idx := 2
	first, err := store.Emit(ctx, &models.Event{
		ExecutionID:  executionID,
		NodeID:       "fan#2",
		NodeName:     "fan",
		EventType:    models.EventLoopIteration,
		Status:       models.StatusRunning,
		CurrentIndex: &idx,
	})
	require.NoError(t, err)

	second, err := store.Emit(ctx, &models.Event{
		ExecutionID:  executionID,
		NodeID:       "fan#2",
		NodeName:     "fan",
		EventType:    models.EventLoopIteration,
		Status:       models.StatusRunning,
		CurrentIndex: &idx,
	})
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// a different index is a new event
	other := 3
	third, err := store.Emit(ctx, &models.Event{
		ExecutionID:  executionID,
		NodeID:       "fan#3",
		NodeName:     "fan",
		EventType:    models.EventLoopIteration,
		Status:       models.StatusRunning,
		CurrentIndex: &other,
	})
	require.NoError(t, err)
	assert.NotEqual(t, first, third)
}

func TestIterationOutcomeProjection(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	executionID, _ := newExecution(t, store)

	_, err := store.Emit(ctx, &models.Event{
		ExecutionID: executionID,
		NodeID:      "fan",
		NodeName:    "fan",
		EventType:   models.EventStepStarted,
		Status:      models.StatusRunning,
	})
	require.NoError(t, err)

	idx := 0
	_, err = store.Emit(ctx, &models.Event{
		ExecutionID:  executionID,
		NodeID:       "fan#0",
		NodeName:     "fan",
		EventType:    models.EventLoopIteration,
		Status:       models.StatusRunning,
		CurrentIndex: &idx,
	})
	require.NoError(t, err)

	result, _ := json.Marshal(map[string]any{"ok": true})
	_, err = store.Emit(ctx, &models.Event{
		ExecutionID:  executionID,
		NodeID:       "fan#0",
		NodeName:     "fan",
		EventType:    models.EventStepDone,
		Status:       models.StatusCompleted,
		CurrentIndex: &idx,
		Result:       result,
	})
	require.NoError(t, err)

	states, err := store.GetStepStates(ctx, executionID)
	require.NoError(t, err)
	require.Contains(t, states, "fan")
	assert.Equal(t, models.StatusRunning, states["fan"].Status,
		"an iteration outcome must not close the step")
	assert.Nil(t, states["fan"].FinishedAt)
	assert.Equal(t, 1, states["fan"].Iterations)

	// the aggregate step.done without an index closes the step
	_, err = store.Emit(ctx, &models.Event{
		ExecutionID: executionID,
		NodeID:      "fan",
		NodeName:    "fan",
		EventType:   models.EventStepDone,
		Status:      models.StatusCompleted,
		Result:      result,
	})
	require.NoError(t, err)

	states, err = store.GetStepStates(ctx, executionID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, states["fan"].Status)
	require.NotNil(t, states["fan"].FinishedAt)
}

func TestExecutionCompletedOnce(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	executionID, _ := newExecution(t, store)

	first, err := store.Emit(ctx, &models.Event{
		ExecutionID: executionID,
		EventType:   models.EventExecutionCompleted,
		Status:      models.StatusCompleted,
	})
	require.NoError(t, err)

	second, err := store.Emit(ctx, &models.Event{
		ExecutionID: executionID,
		EventType:   models.EventExecutionCompleted,
		Status:      models.StatusCompleted,
	})
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestProjections(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	executionID, _ := newExecution(t, store)

	_, err := store.Emit(ctx, &models.Event{
		ExecutionID: executionID,
		EventType:   models.EventExecutionStarted,
		Status:      models.StatusRunning,
	})
	require.NoError(t, err)

	_, err = store.Emit(ctx, &models.Event{
		ExecutionID: executionID,
		NodeID:      "fetch",
		NodeName:    "fetch",
		EventType:   models.EventStepStarted,
		Status:      models.StatusRunning,
	})
	require.NoError(t, err)

	states, err := store.GetStepStates(ctx, executionID)
	require.NoError(t, err)
	require.Contains(t, states, "fetch")
	assert.Equal(t, models.StatusRunning, states["fetch"].Status)
	require.NotNil(t, states["fetch"].StartedAt)

	result, _ := json.Marshal(map[string]any{"rows": 3})
	_, err = store.Emit(ctx, &models.Event{
		ExecutionID: executionID,
		NodeID:      "fetch",
		NodeName:    "fetch",
		EventType:   models.EventStepDone,
		Status:      models.StatusCompleted,
		Result:      result,
	})
	require.NoError(t, err)

	states, err = store.GetStepStates(ctx, executionID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, states["fetch"].Status)
	require.NotNil(t, states["fetch"].FinishedAt)

	_, err = store.Emit(ctx, &models.Event{
		ExecutionID: executionID,
		EventType:   models.EventExecutionCompleted,
		Status:      models.StatusCompleted,
	})
	require.NoError(t, err)

	wf, err := store.GetWorkflowState(ctx, executionID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, wf.Status)
	assert.Equal(t, 1, wf.Completed)
}

func TestCtxPatchedProjection(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	executionID, _ := newExecution(t, store)

	patch, _ := json.Marshal(map[string]any{"session_token": "abc", "page": 1})
	_, err := store.Emit(ctx, &models.Event{
		ExecutionID: executionID,
		NodeName:    "login",
		EventType:   models.EventCtxPatched,
		Status:      models.StatusCompleted,
		Context:     patch,
	})
	require.NoError(t, err)

	patch2, _ := json.Marshal(map[string]any{"page": 2})
	_, err = store.Emit(ctx, &models.Event{
		ExecutionID: executionID,
		NodeName:    "scan",
		EventType:   models.EventCtxPatched,
		Status:      models.StatusCompleted,
		Context:     patch2,
	})
	require.NoError(t, err)

	merged, err := store.GetContext(ctx, executionID)
	require.NoError(t, err)
	assert.Equal(t, "abc", merged["session_token"])
	assert.Equal(t, float64(2), merged["page"], "later patches win")
}

func TestRegisterPlaybookVersions(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	path := "tests/" + uuid.NewString()
	v1, err := store.RegisterPlaybook(ctx, path, "1.0.0", "a: 1\n")
	require.NoError(t, err)
	v2, err := store.RegisterPlaybook(ctx, path, "", "a: 2\n")
	require.NoError(t, err)
	require.NotEqual(t, v1, v2)

	// empty version addresses the "latest" slot
	latest, content, err := store.LookupCatalog(ctx, path, "")
	require.NoError(t, err)
	assert.Equal(t, v2, latest)
	assert.Equal(t, "a: 2\n", content)

	pinned, _, err := store.LookupCatalog(ctx, path, "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, v1, pinned)

	content, err = store.GetCatalogContent(ctx, v1)
	require.NoError(t, err)
	assert.Equal(t, "a: 1\n", content)

	// re-registering the same version replaces content, keeps the id
	v1again, err := store.RegisterPlaybook(ctx, path, "1.0.0", "a: 3\n")
	require.NoError(t, err)
	assert.Equal(t, v1, v1again)

	_, _, err = store.LookupCatalog(ctx, path, "9.9.9")
	assert.ErrorIs(t, err, ErrCatalogUnresolved)
}

func TestTransitions(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	executionID, _ := newExecution(t, store)

	args, _ := json.Marshal(map[string]any{"city": "paris"})
	require.NoError(t, store.RecordTransition(ctx, &models.Transition{
		ExecutionID:    executionID,
		FromStep:       "fetch",
		ToStep:         "store",
		ArcIndex:       0,
		TokenArgs:      args,
		TriggerEventID: 42,
		CreatedAt:      time.Now().UTC(),
	}))

	transitions, err := store.ListTransitions(ctx, executionID)
	require.NoError(t, err)
	require.Len(t, transitions, 1)
	assert.Equal(t, "fetch", transitions[0].FromStep)
	assert.Equal(t, "store", transitions[0].ToStep)
	assert.Equal(t, int64(42), transitions[0].TriggerEventID)
}
