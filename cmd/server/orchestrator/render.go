package orchestrator

import (
	"errors"

	"github.com/noetl/noetl/common/expr"
	"github.com/noetl/noetl/common/models"
	"github.com/noetl/noetl/common/playbook"
)

// renderPipeline produces the authoritative rendered pipeline for a queue
// payload. Step-scope values (workload, ctx, args, iter) resolve here;
// expressions over pipeline locals (_prev, _task, outcome) cannot resolve
// until run time, so those templates pass through verbatim for the worker.
func (e *Engine) renderPipeline(tool playbook.Pipeline, scope *expr.Scope) ([]models.RenderedTask, error) {
	out := make([]models.RenderedTask, 0, len(tool))
	for _, task := range tool {
		config, err := e.renderLenient(task.Config, scope)
		if err != nil {
			return nil, err
		}

		rt := models.RenderedTask{
			Label:  task.Label,
			Kind:   task.Kind,
			Config: config.(map[string]any),
		}

		if task.Spec != nil {
			rt.Timeout = task.Spec.TimeoutDuration()
			if task.Spec.Policy != nil {
				rt.Policy = convertPolicy(task.Spec.Policy)
			}
			if task.Spec.Result != nil {
				rt.Result = &models.ResultSpec{
					InlineMaxBytes: task.Spec.Result.InlineMaxBytes,
					Store:          task.Spec.Result.Store,
					Scope:          task.Spec.Result.Scope,
					Select:         task.Spec.Result.Select,
					Preview:        task.Spec.Result.Preview,
				}
			}
		}

		out = append(out, rt)
	}
	return out, nil
}

// renderLenient renders what the scope can resolve and keeps unresolved
// templates intact
func (e *Engine) renderLenient(v any, scope *expr.Scope) (any, error) {
	switch val := v.(type) {
	case string:
		rendered, err := e.expr.RenderString(val, scope)
		if errors.Is(err, expr.ErrTemplateUnresolved) {
			return val, nil
		}
		if err != nil {
			return nil, err
		}
		return rendered, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, nested := range val {
			r, err := e.renderLenient(nested, scope)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, nested := range val {
			r, err := e.renderLenient(nested, scope)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// convertPolicy maps playbook policy rules to their wire form
func convertPolicy(p *playbook.TaskPolicy) []models.PolicyRule {
	rules := make([]models.PolicyRule, 0, len(p.Rules))
	for _, r := range p.Rules {
		rules = append(rules, models.PolicyRule{
			When: r.When,
			Then: convertAction(r.Then),
			Else: convertAction(r.Else),
		})
	}
	return rules
}

func convertAction(a *playbook.TaskAction) *models.PolicyAction {
	if a == nil {
		return nil
	}
	return &models.PolicyAction{
		Do:       a.Do,
		To:       a.To,
		Attempts: a.Attempts,
		Backoff:  a.Backoff,
		Delay:    a.Delay,
		SetIter:  a.SetIter,
		SetCtx:   a.SetCtx,
	}
}
