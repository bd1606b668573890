package runtime

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/noetl/noetl/cmd/worker/tools"
	"github.com/noetl/noetl/common/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopLogger struct{}

func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Debug(string, ...interface{}) {}

// recordingEmitter captures events the pipeline posts
type recordingEmitter struct {
	mu     sync.Mutex
	events []*models.Event
	nextID int64
}

func (r *recordingEmitter) EmitEvent(_ context.Context, event *models.Event) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.events = append(r.events, event)
	return r.nextID, nil
}

func (r *recordingEmitter) ofType(t models.EventType) []*models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Event
	for _, e := range r.events {
		if e.EventType == t {
			out = append(out, e)
		}
	}
	return out
}

// scriptedAdapter replays canned outcomes and records the configs it saw
type scriptedAdapter struct {
	kind     string
	mu       sync.Mutex
	configs  []map[string]any
	outcomes []*models.Outcome
	calls    int
}

func (s *scriptedAdapter) Kind() string { return s.kind }

func (s *scriptedAdapter) Execute(_ context.Context, config map[string]any, _ time.Duration) *models.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs = append(s.configs, config)
	outcome := s.outcomes[s.calls]
	if s.calls < len(s.outcomes)-1 {
		s.calls++
	}
	return outcome
}

func newTestPipeline(t *testing.T, adapters ...tools.Adapter) (*Pipeline, *recordingEmitter) {
	t.Helper()
	registry := tools.NewRegistry()
	for _, a := range adapters {
		registry.Register(a)
	}
	emitter := &recordingEmitter{}
	return NewPipeline(testEngine(t), registry, emitter, nopLogger{}), emitter
}

func queueItem() *models.QueueItem {
	return &models.QueueItem{
		QueueID:     1,
		ExecutionID: 100,
		NodeID:      "fetch",
		NodeName:    "fetch",
		Attempt:     1,
	}
}

func TestPipelineLinear(t *testing.T) {
	adapter := &scriptedAdapter{
		kind: "scripted",
		outcomes: []*models.Outcome{
			models.OKOutcome(map[string]any{"rows": 3.0}),
			models.OKOutcome("summarized"),
		},
	}
	pipeline, emitter := newTestPipeline(t, adapter)

	payload := &models.QueuePayload{
		StepName: "fetch",
		RenderedPipeline: []models.RenderedTask{
			{Label: "pull", Kind: "scripted", Config: map[string]any{"url": "https://x"}},
			{Label: "summarize", Kind: "scripted", Config: map[string]any{"input": "{{ _prev.rows }}"}},
		},
		PolicyLimits: models.PolicyLimits{MaxAttempts: 3},
	}

	result, err := pipeline.Run(context.Background(), queueItem(), payload, nil)
	require.NoError(t, err)
	require.Nil(t, result.Failure)
	assert.Equal(t, "summarized", result.Result)

	// _prev flowed from the first task into the second's config
	require.Len(t, adapter.configs, 2)
	assert.Equal(t, 3.0, adapter.configs[1]["input"])

	assert.Len(t, emitter.ofType(models.EventTaskAttemptStarted), 2)
	assert.Len(t, emitter.ofType(models.EventTaskAttemptDone), 2)
	assert.Len(t, emitter.ofType(models.EventTaskPolicyEvaluated), 2)
}

func TestPipelineRetryThenSucceed(t *testing.T) {
	adapter := &scriptedAdapter{
		kind: "scripted",
		outcomes: []*models.Outcome{
			models.ErrorOutcome(models.ErrKindNetwork, true, "reset"),
			models.OKOutcome("recovered"),
		},
	}
	pipeline, emitter := newTestPipeline(t, adapter)

	payload := &models.QueuePayload{
		StepName: "fetch",
		RenderedPipeline: []models.RenderedTask{
			{
				Label:  "pull",
				Kind:   "scripted",
				Config: map[string]any{},
				Policy: []models.PolicyRule{
					{When: "outcome.status == 'error'", Then: &models.PolicyAction{Do: "retry", Attempts: 3, Delay: 0.001}},
				},
			},
		},
		PolicyLimits: models.PolicyLimits{MaxAttempts: 5},
	}

	result, err := pipeline.Run(context.Background(), queueItem(), payload, nil)
	require.NoError(t, err)
	require.Nil(t, result.Failure)
	assert.Equal(t, "recovered", result.Result)

	assert.Len(t, emitter.ofType(models.EventTaskAttemptFailed), 1)
	assert.Len(t, emitter.ofType(models.EventTaskAttemptDone), 1)
}

func TestPipelinePaginationJump(t *testing.T) {
	adapter := &scriptedAdapter{
		kind: "scripted",
		outcomes: []*models.Outcome{
			models.OKOutcome(map[string]any{"items": []any{"a"}, "next_page": 2.0}),
			models.OKOutcome(map[string]any{"items": []any{"b"}, "next_page": 0.0}),
		},
	}
	pipeline, _ := newTestPipeline(t, adapter)

	payload := &models.QueuePayload{
		StepName: "scan",
		RenderedPipeline: []models.RenderedTask{
			{
				Label:  "fetch_page",
				Kind:   "scripted",
				Config: map[string]any{"page": "{{ iter.page }}"},
				Policy: []models.PolicyRule{
					{
						When: "outcome.status == 'ok' && outcome.result.next_page != 0",
						Then: &models.PolicyAction{
							Do:      "jump",
							To:      "fetch_page",
							SetIter: map[string]any{"page": "{{ outcome.result.next_page }}"},
						},
					},
				},
			},
		},
		Iter:         map[string]any{"page": 1.0},
		PolicyLimits: models.PolicyLimits{MaxAttempts: 3},
	}

	result, err := pipeline.Run(context.Background(), queueItem(), payload, nil)
	require.NoError(t, err)
	require.Nil(t, result.Failure)

	// second invocation saw the iter page set by the jump
	require.Len(t, adapter.configs, 2)
	assert.Equal(t, 1.0, adapter.configs[0]["page"])
	assert.Equal(t, 2.0, adapter.configs[1]["page"])
}

func TestPipelineFailStops(t *testing.T) {
	adapter := &scriptedAdapter{
		kind: "scripted",
		outcomes: []*models.Outcome{
			models.ErrorOutcome(models.ErrKindAuth, false, "denied"),
			models.OKOutcome("never reached"),
		},
	}
	pipeline, _ := newTestPipeline(t, adapter)

	payload := &models.QueuePayload{
		StepName: "fetch",
		RenderedPipeline: []models.RenderedTask{
			{Label: "pull", Kind: "scripted", Config: map[string]any{}},
			{Label: "after", Kind: "scripted", Config: map[string]any{}},
		},
		PolicyLimits: models.PolicyLimits{MaxAttempts: 3},
	}

	result, err := pipeline.Run(context.Background(), queueItem(), payload, nil)
	require.NoError(t, err)
	require.NotNil(t, result.Failure)
	assert.Equal(t, models.ErrKindAuth, result.Failure.Kind)
	assert.Len(t, adapter.configs, 1, "tasks after a fail never run")
}

func TestPipelineBreakSkipsRest(t *testing.T) {
	adapter := &scriptedAdapter{
		kind: "scripted",
		outcomes: []*models.Outcome{
			models.OKOutcome(map[string]any{"cached": true}),
			models.OKOutcome("unreachable"),
		},
	}
	pipeline, _ := newTestPipeline(t, adapter)

	payload := &models.QueuePayload{
		StepName: "fetch",
		RenderedPipeline: []models.RenderedTask{
			{
				Label:  "check_cache",
				Kind:   "scripted",
				Config: map[string]any{},
				Policy: []models.PolicyRule{
					{When: "outcome.result.cached == true", Then: &models.PolicyAction{Do: "break"}},
				},
			},
			{Label: "expensive", Kind: "scripted", Config: map[string]any{}},
		},
		PolicyLimits: models.PolicyLimits{MaxAttempts: 3},
	}

	result, err := pipeline.Run(context.Background(), queueItem(), payload, nil)
	require.NoError(t, err)
	require.Nil(t, result.Failure)
	assert.Len(t, adapter.configs, 1)
	assert.Equal(t, map[string]any{"cached": true}, result.Result)
}

func TestPipelineUnresolvedTemplateFails(t *testing.T) {
	adapter := &scriptedAdapter{kind: "scripted", outcomes: []*models.Outcome{models.OKOutcome(nil)}}
	pipeline, _ := newTestPipeline(t, adapter)

	payload := &models.QueuePayload{
		StepName: "fetch",
		RenderedPipeline: []models.RenderedTask{
			{Label: "pull", Kind: "scripted", Config: map[string]any{"v": "{{ keychain.missing.token }}"}},
		},
	}

	result, err := pipeline.Run(context.Background(), queueItem(), payload, nil)
	require.NoError(t, err)
	require.NotNil(t, result.Failure)
	assert.Equal(t, models.ErrKindTemplateUnresolved, result.Failure.Kind)
	assert.Empty(t, adapter.configs, "adapter never runs on render failure")
}

func TestPipelineUnknownKind(t *testing.T) {
	pipeline, _ := newTestPipeline(t)

	payload := &models.QueuePayload{
		RenderedPipeline: []models.RenderedTask{
			{Label: "pull", Kind: "nonexistent", Config: map[string]any{}},
		},
	}

	result, err := pipeline.Run(context.Background(), queueItem(), payload, nil)
	require.NoError(t, err)
	require.NotNil(t, result.Failure)
	assert.Equal(t, models.ErrKindValidation, result.Failure.Kind)
}

func TestPipelineSetCtxEmitsPatch(t *testing.T) {
	adapter := &scriptedAdapter{
		kind: "scripted",
		outcomes: []*models.Outcome{
			models.OKOutcome(map[string]any{"token": "abc"}),
		},
	}
	pipeline, emitter := newTestPipeline(t, adapter)

	payload := &models.QueuePayload{
		StepName: "login",
		RenderedPipeline: []models.RenderedTask{
			{
				Label:  "authenticate",
				Kind:   "scripted",
				Config: map[string]any{},
				Policy: []models.PolicyRule{
					{
						When: "outcome.status == 'ok'",
						Then: &models.PolicyAction{
							Do:     "continue",
							SetCtx: map[string]any{"session_token": "{{ outcome.result.token }}"},
						},
					},
				},
			},
		},
	}

	result, err := pipeline.Run(context.Background(), queueItem(), payload, nil)
	require.NoError(t, err)
	require.Nil(t, result.Failure)

	patches := emitter.ofType(models.EventCtxPatched)
	require.Len(t, patches, 1)

	var patch map[string]any
	require.NoError(t, json.Unmarshal(patches[0].Context, &patch))
	assert.Equal(t, "abc", patch["session_token"])
}
