package runtime

import (
	"fmt"
	"math"
	"time"

	"github.com/noetl/noetl/common/expr"
	"github.com/noetl/noetl/common/models"
)

// Policy actions a rule can decide
const (
	ActionContinue = "continue"
	ActionRetry    = "retry"
	ActionJump     = "jump"
	ActionBreak    = "break"
	ActionFail     = "fail"
)

// Decision is the resolved action for one task attempt
type Decision struct {
	Action  string
	To      string
	Delay   time.Duration
	SetIter map[string]any
	SetCtx  map[string]any
	Matched string // the when expression that fired, empty for defaults
}

// evaluatePolicy walks the task's rules in order against the attempt
// outcome. The first rule whose when matches decides via then; a
// non-matching rule with an else decides via else. With no decision the
// defaults apply: ok continues, retryable errors retry within limits,
// everything else fails.
func evaluatePolicy(engine *expr.Engine, rules []models.PolicyRule, scope *expr.Scope, outcome *models.Outcome, attempt int, limits models.PolicyLimits) (*Decision, error) {
	for _, rule := range rules {
		matched := true
		if rule.When != "" {
			ok, err := engine.EvalBool(rule.When, scope)
			if err != nil {
				return nil, fmt.Errorf("evaluate policy rule %q: %w", rule.When, err)
			}
			matched = ok
		}

		var action *models.PolicyAction
		if matched {
			action = rule.Then
		} else {
			action = rule.Else
		}
		if action == nil {
			continue
		}

		d, err := applyAction(action, attempt, limits)
		if err != nil {
			return nil, err
		}
		if matched {
			d.Matched = rule.When
		}
		return d, nil
	}

	return defaultDecision(outcome, attempt, limits), nil
}

func applyAction(action *models.PolicyAction, attempt int, limits models.PolicyLimits) (*Decision, error) {
	d := &Decision{
		Action:  action.Do,
		To:      action.To,
		SetIter: action.SetIter,
		SetCtx:  action.SetCtx,
	}

	switch action.Do {
	case ActionContinue, ActionBreak, ActionFail:
	case ActionJump:
		if action.To == "" {
			return nil, fmt.Errorf("jump action requires a target label")
		}
	case ActionRetry:
		max := action.Attempts
		if max <= 0 || (limits.MaxAttempts > 0 && max > limits.MaxAttempts) {
			max = limits.MaxAttempts
		}
		if max > 0 && attempt >= max {
			d.Action = ActionFail
			return d, nil
		}
		d.Delay = backoffDelay(action.Backoff, action.Delay, attempt)
	default:
		return nil, fmt.Errorf("unknown policy action %q", action.Do)
	}

	return d, nil
}

func defaultDecision(outcome *models.Outcome, attempt int, limits models.PolicyLimits) *Decision {
	if outcome.OK() {
		return &Decision{Action: ActionContinue}
	}
	if outcome.Error != nil && outcome.Error.Retryable &&
		(limits.MaxAttempts == 0 || attempt < limits.MaxAttempts) {
		return &Decision{
			Action: ActionRetry,
			Delay:  backoffDelay("exponential", 1, attempt),
		}
	}
	return &Decision{Action: ActionFail}
}

// backoffDelay computes the wait before the next attempt. attempt is the
// 1-based attempt that just finished.
func backoffDelay(backoff string, delaySeconds float64, attempt int) time.Duration {
	if delaySeconds <= 0 {
		delaySeconds = 1
	}
	base := time.Duration(delaySeconds * float64(time.Second))

	switch backoff {
	case "linear":
		return base * time.Duration(attempt)
	case "exponential":
		factor := math.Pow(2, float64(attempt-1))
		return time.Duration(float64(base) * factor)
	default:
		return base
	}
}
