package resultref

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/noetl/noetl/common/logger"
	"github.com/noetl/noetl/common/models"
	"github.com/tidwall/gjson"
)

// DefaultInlineMaxBytes bounds results carried inline in events
const DefaultInlineMaxBytes = 8192

// Handler decides inline vs externalized storage for task results and
// builds ResultRef envelopes
type Handler struct {
	registry       *Registry
	inlineMaxBytes int
	defaultTTL     time.Duration
	log            *logger.Logger
}

// NewHandler creates a result handler
func NewHandler(registry *Registry, inlineMaxBytes int, defaultTTL time.Duration, log *logger.Logger) *Handler {
	if inlineMaxBytes <= 0 {
		inlineMaxBytes = DefaultInlineMaxBytes
	}
	return &Handler{
		registry:       registry,
		inlineMaxBytes: inlineMaxBytes,
		defaultTTL:     defaultTTL,
		log:            log,
	}
}

// Identity locates a result within an execution
type Identity struct {
	ExecutionID int64
	Step        string
	Task        string
	Iteration   int
	Page        int
	Attempt     int
}

// Handle serializes a task result and externalizes it when it exceeds the
// inline cap. Returns either the original value (inline) or a ResultRef.
func (h *Handler) Handle(ctx context.Context, id Identity, result any, spec *models.ResultSpec) (any, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("serialize result: %w", err)
	}

	cap := h.inlineMaxBytes
	if spec != nil && spec.InlineMaxBytes > 0 {
		cap = spec.InlineMaxBytes
	}

	if len(data) <= cap {
		return result, nil
	}

	storeName := ""
	if spec != nil {
		storeName = spec.Store
	}
	store, err := h.registry.ForName(storeName)
	if err != nil {
		return nil, err
	}

	ref := BuildRef(store.Name(), id.ExecutionID, id.Step, uuid.New().String())
	if err := store.Put(ctx, ref, data); err != nil {
		return nil, fmt.Errorf("externalize result: %w", err)
	}

	sum := sha256.Sum256(data)
	scope := models.ResultScopeExecution
	if spec != nil && spec.Scope != "" {
		scope = models.ResultScope(spec.Scope)
	}

	envelope := &models.ResultRef{
		Kind:  "result_ref",
		Ref:   ref,
		Store: store.Name(),
		Scope: scope,
		Meta: models.ResultRefMeta{
			ContentType: "application/json",
			Bytes:       int64(len(data)),
			SHA256:      hex.EncodeToString(sum[:]),
		},
	}

	if scope != models.ResultScopePermanent && h.defaultTTL > 0 {
		expires := time.Now().UTC().Add(h.defaultTTL)
		envelope.ExpiresAt = &expires
	}

	if spec != nil && len(spec.Select) > 0 {
		envelope.Extracted = extract(data, spec.Select)
	}
	if spec != nil && spec.Preview > 0 {
		envelope.Preview = preview(data, spec.Preview)
	}

	h.log.Debug("externalized result",
		"execution_id", id.ExecutionID,
		"step", id.Step,
		"task", id.Task,
		"ref", ref,
		"bytes", len(data))

	return envelope, nil
}

// extract applies gjson select rules so routing expressions can touch
// fields without materializing the full payload
func extract(data []byte, rules map[string]string) map[string]any {
	out := make(map[string]any, len(rules))
	for field, path := range rules {
		res := gjson.GetBytes(data, path)
		if res.Exists() {
			out[field] = res.Value()
		}
	}
	return out
}

// preview keeps a bounded prefix of the payload for inspection
func preview(data []byte, capBytes int) map[string]any {
	truncated := len(data) > capBytes
	n := capBytes
	if !truncated {
		n = len(data)
	}
	return map[string]any{
		"bytes":     len(data),
		"truncated": truncated,
		"head":      string(data[:n]),
	}
}

// Combine merges manifest parts into one logical value per the manifest
// mode. Parts are resolved through the registry.
func (h *Handler) Combine(ctx context.Context, m *models.Manifest) (any, error) {
	switch m.Mode {
	case models.ManifestReplace:
		if len(m.Parts) == 0 {
			return nil, nil
		}
		return h.resolvePart(ctx, &m.Parts[len(m.Parts)-1])
	case models.ManifestAppend, models.ManifestConcat:
		var out []any
		for i := range m.Parts {
			val, err := h.resolvePart(ctx, &m.Parts[i])
			if err != nil {
				return nil, err
			}
			if m.Mode == models.ManifestConcat {
				if list, ok := val.([]any); ok {
					out = append(out, list...)
					continue
				}
			}
			out = append(out, val)
		}
		return out, nil
	case models.ManifestMerge:
		out := make(map[string]any)
		for i := range m.Parts {
			val, err := h.resolvePart(ctx, &m.Parts[i])
			if err != nil {
				return nil, err
			}
			if obj, ok := val.(map[string]any); ok {
				for k, v := range obj {
					out[k] = v
				}
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown manifest mode: %s", m.Mode)
	}
}

func (h *Handler) resolvePart(ctx context.Context, part *models.ResultRef) (any, error) {
	data, err := h.registry.Resolve(ctx, part.Ref)
	if err != nil {
		return nil, err
	}
	var val any
	if err := json.Unmarshal(data, &val); err != nil {
		return nil, fmt.Errorf("decode manifest part %s: %w", part.Ref, err)
	}
	return val, nil
}
