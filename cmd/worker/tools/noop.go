package tools

import (
	"context"
	"time"

	"github.com/noetl/noetl/common/models"
)

// NoopAdapter passes its data config through as the result. The implicit
// end step uses it to aggregate without side effects.
type NoopAdapter struct{}

// Kind returns the tool kind
func (a *NoopAdapter) Kind() string { return "noop" }

// Execute returns config.data unchanged
func (a *NoopAdapter) Execute(ctx context.Context, config map[string]any, timeout time.Duration) *models.Outcome {
	if data, ok := config["data"]; ok {
		return models.OKOutcome(data)
	}
	return models.OKOutcome(map[string]any{})
}
