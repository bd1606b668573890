package runtime

import (
	"testing"
	"time"

	"github.com/noetl/noetl/common/expr"
	"github.com/noetl/noetl/common/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEngine(t *testing.T) *expr.Engine {
	t.Helper()
	engine, err := expr.NewEngine()
	require.NoError(t, err)
	return engine
}

func scopeFor(outcome *models.Outcome, attempt int) *expr.Scope {
	return &expr.Scope{
		Outcome: outcomeScope(outcome),
		Attempt: attempt,
	}
}

func TestPolicyDefaults(t *testing.T) {
	engine := testEngine(t)
	limits := models.PolicyLimits{MaxAttempts: 3}

	ok := models.OKOutcome("fine")
	d, err := evaluatePolicy(engine, nil, scopeFor(ok, 1), ok, 1, limits)
	require.NoError(t, err)
	assert.Equal(t, ActionContinue, d.Action)

	transient := models.ErrorOutcome(models.ErrKindNetwork, true, "connection reset")
	d, err = evaluatePolicy(engine, nil, scopeFor(transient, 1), transient, 1, limits)
	require.NoError(t, err)
	assert.Equal(t, ActionRetry, d.Action)
	assert.Greater(t, d.Delay, time.Duration(0))

	// retryable but attempts exhausted
	d, err = evaluatePolicy(engine, nil, scopeFor(transient, 3), transient, 3, limits)
	require.NoError(t, err)
	assert.Equal(t, ActionFail, d.Action)

	permanent := models.ErrorOutcome(models.ErrKindValidation, false, "bad input")
	d, err = evaluatePolicy(engine, nil, scopeFor(permanent, 1), permanent, 1, limits)
	require.NoError(t, err)
	assert.Equal(t, ActionFail, d.Action)
}

func TestPolicyFirstMatchWins(t *testing.T) {
	engine := testEngine(t)
	rules := []models.PolicyRule{
		{When: "outcome.status == 'error' && outcome.error.kind == 'rate_limit'", Then: &models.PolicyAction{Do: "retry", Attempts: 5, Backoff: "exponential", Delay: 2}},
		{When: "outcome.status == 'error'", Then: &models.PolicyAction{Do: "fail"}},
		{Then: &models.PolicyAction{Do: "continue"}},
	}
	limits := models.PolicyLimits{MaxAttempts: 10}

	rate := &models.Outcome{
		Status: "error",
		Error:  &models.OutcomeError{Kind: models.ErrKindRateLimit, Retryable: true},
		HTTP:   &models.HTTPOutcome{Status: 429},
	}
	d, err := evaluatePolicy(engine, rules, scopeFor(rate, 1), rate, 1, limits)
	require.NoError(t, err)
	assert.Equal(t, ActionRetry, d.Action)
	assert.Equal(t, "outcome.status == 'error' && outcome.error.kind == 'rate_limit'", d.Matched)

	other := models.ErrorOutcome(models.ErrKindAuth, false, "denied")
	d, err = evaluatePolicy(engine, rules, scopeFor(other, 1), other, 1, limits)
	require.NoError(t, err)
	assert.Equal(t, ActionFail, d.Action)

	ok := models.OKOutcome(nil)
	d, err = evaluatePolicy(engine, rules, scopeFor(ok, 1), ok, 1, limits)
	require.NoError(t, err)
	assert.Equal(t, ActionContinue, d.Action)
}

func TestPolicyElseBranch(t *testing.T) {
	engine := testEngine(t)
	rules := []models.PolicyRule{
		{
			When: "outcome.status == 'error'",
			Then: &models.PolicyAction{Do: "retry"},
			Else: &models.PolicyAction{Do: "fail"},
		},
	}

	ok := models.OKOutcome("x")
	d, err := evaluatePolicy(engine, rules, scopeFor(ok, 1), ok, 1, models.PolicyLimits{})
	require.NoError(t, err)
	assert.Equal(t, ActionFail, d.Action, "else fires when when is false")
	assert.Empty(t, d.Matched)
}

func TestPolicyPaginationJump(t *testing.T) {
	engine := testEngine(t)
	rules := []models.PolicyRule{
		{
			When: "outcome.status == 'ok' && outcome.result.next_page != 0",
			Then: &models.PolicyAction{
				Do:      "jump",
				To:      "fetch_page",
				SetIter: map[string]any{"page": "{{ outcome.result.next_page }}"},
			},
		},
	}

	paged := models.OKOutcome(map[string]any{"next_page": 3})
	d, err := evaluatePolicy(engine, rules, scopeFor(paged, 1), paged, 1, models.PolicyLimits{})
	require.NoError(t, err)
	assert.Equal(t, ActionJump, d.Action)
	assert.Equal(t, "fetch_page", d.To)
	assert.Contains(t, d.SetIter, "page")

	done := models.OKOutcome(map[string]any{"next_page": 0})
	d, err = evaluatePolicy(engine, rules, scopeFor(done, 1), done, 1, models.PolicyLimits{MaxAttempts: 1})
	require.NoError(t, err)
	assert.Equal(t, ActionContinue, d.Action, "no rule fires, default for ok is continue")
}

func TestPolicyRetryRespectsLimits(t *testing.T) {
	engine := testEngine(t)
	rules := []models.PolicyRule{
		{When: "outcome.status == 'error'", Then: &models.PolicyAction{Do: "retry", Attempts: 99}},
	}
	limits := models.PolicyLimits{MaxAttempts: 2}

	boom := models.ErrorOutcome(models.ErrKindNetwork, true, "boom")

	d, err := evaluatePolicy(engine, rules, scopeFor(boom, 1), boom, 1, limits)
	require.NoError(t, err)
	assert.Equal(t, ActionRetry, d.Action, "rule attempts capped to queue limits")

	d, err = evaluatePolicy(engine, rules, scopeFor(boom, 2), boom, 2, limits)
	require.NoError(t, err)
	assert.Equal(t, ActionFail, d.Action)
}

func TestPolicyJumpWithoutTarget(t *testing.T) {
	engine := testEngine(t)
	rules := []models.PolicyRule{
		{When: "outcome.status == 'ok'", Then: &models.PolicyAction{Do: "jump"}},
	}
	ok := models.OKOutcome(nil)
	_, err := evaluatePolicy(engine, rules, scopeFor(ok, 1), ok, 1, models.PolicyLimits{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jump action requires a target")
}

func TestBackoffDelay(t *testing.T) {
	assert.Equal(t, 2*time.Second, backoffDelay("none", 2, 3))
	assert.Equal(t, 6*time.Second, backoffDelay("linear", 2, 3))
	assert.Equal(t, 8*time.Second, backoffDelay("exponential", 2, 3))
	assert.Equal(t, time.Second, backoffDelay("", 0, 1), "zero delay defaults to one second")
}
