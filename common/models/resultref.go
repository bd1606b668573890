package models

import "time"

// ResultScope drives finalizer deletions for externalized results
type ResultScope string

const (
	ResultScopeStep      ResultScope = "step"
	ResultScopeExecution ResultScope = "execution"
	ResultScopeWorkflow  ResultScope = "workflow"
	ResultScopePermanent ResultScope = "permanent"
)

// ResultRef is a small pointer replacing large payloads in events and
// context. URI scheme: noetl://{store}/{execution_id}/{step}/{ref_id}
type ResultRef struct {
	Kind      string         `json:"kind"` // always "result_ref"
	Ref       string         `json:"ref"`
	Store     string         `json:"store"`
	Scope     ResultScope    `json:"scope"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty"`
	Meta      ResultRefMeta  `json:"meta"`
	Extracted map[string]any `json:"extracted,omitempty"`
	Preview   map[string]any `json:"preview,omitempty"`
}

// ResultRefMeta describes the externalized payload
type ResultRefMeta struct {
	ContentType string `json:"content_type"`
	Bytes       int64  `json:"bytes"`
	SHA256      string `json:"sha256"`
	Compression string `json:"compression,omitempty"`
}

// IsResultRef reports whether a decoded JSON value is a result_ref envelope
func IsResultRef(v any) bool {
	m, ok := v.(map[string]any)
	if !ok {
		return false
	}
	kind, _ := m["kind"].(string)
	return kind == "result_ref"
}

// ManifestMode is how paginated parts combine into one logical result
type ManifestMode string

const (
	ManifestAppend  ManifestMode = "append"
	ManifestConcat  ManifestMode = "concat"
	ManifestMerge   ManifestMode = "merge"
	ManifestReplace ManifestMode = "replace"
)

// Manifest aggregates multiple part refs (pagination)
type Manifest struct {
	Kind  string       `json:"kind"` // always "manifest"
	Mode  ManifestMode `json:"mode"`
	Parts []ResultRef  `json:"parts"`
}
