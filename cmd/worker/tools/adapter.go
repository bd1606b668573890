package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/noetl/noetl/common/models"
)

// Logger interface for tool adapters
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Adapter executes one tool kind. Adapters never decide retries; they
// classify failures into the error taxonomy and return an Outcome for
// the policy evaluator.
type Adapter interface {
	Kind() string
	Execute(ctx context.Context, config map[string]any, timeout time.Duration) *models.Outcome
}

// Registry maps tool kinds to adapters
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter
func (r *Registry) Register(a Adapter) {
	r.adapters[a.Kind()] = a
}

// ForKind returns the adapter for a tool kind
func (r *Registry) ForKind(kind string) (Adapter, error) {
	a, ok := r.adapters[kind]
	if !ok {
		return nil, fmt.Errorf("no adapter for tool kind %q", kind)
	}
	return a, nil
}

// Kinds lists registered tool kinds, used for the lease runtime filter
func (r *Registry) Kinds() []string {
	out := make([]string, 0, len(r.adapters))
	for k := range r.adapters {
		out = append(out, k)
	}
	return out
}

// DefaultRegistry builds the standard adapter set
func DefaultRegistry(log Logger) *Registry {
	r := NewRegistry()
	r.Register(&NoopAdapter{})
	r.Register(NewHTTPAdapter(log))
	r.Register(NewPostgresAdapter(log))
	r.Register(NewPythonAdapter(log))
	return r
}

// stringOpt reads an optional string config key
func stringOpt(config map[string]any, key string) string {
	if v, ok := config[key].(string); ok {
		return v
	}
	return ""
}
