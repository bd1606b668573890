package clients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/noetl/noetl/common/models"
)

// ErrLeaseLost indicates the queue row is no longer held by this worker
var ErrLeaseLost = errors.New("lease lost")

// ServerClient handles communication with the control plane API
type ServerClient struct {
	baseURL string
	http    *HTTPClient
	logger  Logger
}

// NewServerClient creates a new control plane client
func NewServerClient(baseURL string, logger Logger) *ServerClient {
	httpClient := &http.Client{
		Timeout: 30 * time.Second,
	}

	return &ServerClient{
		baseURL: baseURL,
		http:    NewHTTPClient(httpClient, logger),
		logger:  logger,
	}
}

// RegisterResponse is returned after a playbook is stored in the catalog
type RegisterResponse struct {
	CatalogID int64  `json:"catalog_id"`
	Path      string `json:"path"`
	Version   string `json:"version"`
}

// RegisterPlaybook uploads playbook YAML to the catalog
func (c *ServerClient) RegisterPlaybook(ctx context.Context, content string) (*RegisterResponse, error) {
	var out RegisterResponse
	err := c.http.DoJSON(ctx, http.MethodPost, c.baseURL+"/api/playbooks",
		map[string]string{"content": content}, &out)
	if err != nil {
		return nil, fmt.Errorf("register playbook: %w", err)
	}
	return &out, nil
}

// RunRequest starts an execution of a cataloged playbook
type RunRequest struct {
	Path      string         `json:"path"`
	Version   string         `json:"version,omitempty"`
	Workload  map[string]any `json:"workload,omitempty"`
	EntryStep string         `json:"entry_step,omitempty"`
}

// RunResponse identifies the started execution
type RunResponse struct {
	ExecutionID int64  `json:"execution_id"`
	CatalogID   int64  `json:"catalog_id"`
	Status      string `json:"status"`
}

// Run starts an execution
func (c *ServerClient) Run(ctx context.Context, req *RunRequest) (*RunResponse, error) {
	var out RunResponse
	err := c.http.DoJSON(ctx, http.MethodPost, c.baseURL+"/api/executions", req, &out)
	if err != nil {
		return nil, fmt.Errorf("start execution: %w", err)
	}
	return &out, nil
}

// Status fetches the aggregated workflow state of an execution
func (c *ServerClient) Status(ctx context.Context, executionID int64) (*models.WorkflowState, error) {
	var out models.WorkflowState
	url := fmt.Sprintf("%s/api/executions/%d", c.baseURL, executionID)
	if err := c.http.DoJSON(ctx, http.MethodGet, url, nil, &out); err != nil {
		return nil, fmt.Errorf("fetch execution status: %w", err)
	}
	return &out, nil
}

// Cancel requests cooperative cancellation of an execution and returns
// how many executions were cancelled, cascade included
func (c *ServerClient) Cancel(ctx context.Context, executionID int64, reason string, cascade bool) (int64, error) {
	req := map[string]any{"reason": reason, "cascade": cascade}
	var out struct {
		Cancelled int64 `json:"cancelled"`
	}
	url := fmt.Sprintf("%s/api/executions/%d/cancel", c.baseURL, executionID)
	if err := c.http.DoJSON(ctx, http.MethodPost, url, req, &out); err != nil {
		return 0, fmt.Errorf("cancel execution: %w", err)
	}
	return out.Cancelled, nil
}

// Events lists events of an execution ordered by event_id
func (c *ServerClient) Events(ctx context.Context, executionID, afterEvent int64, limit int) ([]*models.Event, error) {
	var out struct {
		Events []*models.Event `json:"events"`
	}
	url := fmt.Sprintf("%s/api/executions/%d/events?after=%d&limit=%d",
		c.baseURL, executionID, afterEvent, limit)
	if err := c.http.DoJSON(ctx, http.MethodGet, url, nil, &out); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return out.Events, nil
}

// EmitEvent appends an event to the log and returns its assigned id
func (c *ServerClient) EmitEvent(ctx context.Context, event *models.Event) (int64, error) {
	var out struct {
		EventID int64 `json:"event_id"`
	}
	if err := c.http.DoJSON(ctx, http.MethodPost, c.baseURL+"/api/events", event, &out); err != nil {
		return 0, fmt.Errorf("emit event: %w", err)
	}
	return out.EventID, nil
}

// LeaseRequest asks for one ready queue row
type LeaseRequest struct {
	WorkerID      string   `json:"worker_id"`
	RuntimeFilter []string `json:"runtime_filter,omitempty"`
}

// Lease claims one ready queue row. Returns nil when the queue is empty.
func (c *ServerClient) Lease(ctx context.Context, workerID string, runtimeFilter []string) (*models.QueueItem, error) {
	var out models.QueueItem
	err := c.http.DoJSON(ctx, http.MethodPost, c.baseURL+"/api/queue/lease",
		&LeaseRequest{WorkerID: workerID, RuntimeFilter: runtimeFilter}, &out)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("lease queue row: %w", err)
	}
	if out.QueueID == 0 {
		return nil, nil
	}
	return &out, nil
}

// Heartbeat extends the lease on a queue row
func (c *ServerClient) Heartbeat(ctx context.Context, queueID int64, workerID string) error {
	url := fmt.Sprintf("%s/api/queue/%d/heartbeat", c.baseURL, queueID)
	err := c.http.DoJSON(ctx, http.MethodPost, url, map[string]string{"worker_id": workerID}, nil)
	return leaseErr(err, "heartbeat")
}

// Complete marks a leased queue row done
func (c *ServerClient) Complete(ctx context.Context, queueID int64, workerID string) error {
	url := fmt.Sprintf("%s/api/queue/%d/complete", c.baseURL, queueID)
	err := c.http.DoJSON(ctx, http.MethodPost, url, map[string]string{"worker_id": workerID}, nil)
	return leaseErr(err, "complete")
}

// FailRequest reports a failed attempt on a leased queue row
type FailRequest struct {
	WorkerID string `json:"worker_id"`
	Reason   string `json:"reason,omitempty"`
	Retry    bool   `json:"retry"`
}

// Fail marks a leased queue row failed. With Retry the server requeues the
// row for another attempt, otherwise it goes dead.
func (c *ServerClient) Fail(ctx context.Context, queueID int64, req *FailRequest) error {
	url := fmt.Sprintf("%s/api/queue/%d/fail", c.baseURL, queueID)
	err := c.http.DoJSON(ctx, http.MethodPost, url, req, nil)
	return leaseErr(err, "fail")
}

func leaseErr(err error, op string) error {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
		return fmt.Errorf("%s queue row: %w", op, ErrLeaseLost)
	}
	return fmt.Errorf("%s queue row: %w", op, err)
}

// ResolveCredential fetches decrypted credential material for an execution
func (c *ServerClient) ResolveCredential(ctx context.Context, name string, catalogID int64, scope models.KeychainScope, executionID int64) (*models.KeychainResolution, error) {
	var out models.KeychainResolution
	u := fmt.Sprintf("%s/api/keychain/resolve?name=%s&catalog_id=%d&scope=%s&execution_id=%d",
		c.baseURL, url.QueryEscape(name), catalogID, scope, executionID)
	if err := c.http.DoJSON(ctx, http.MethodGet, u, nil, &out); err != nil {
		return nil, fmt.Errorf("resolve credential: %w", err)
	}
	return &out, nil
}

// CredentialUpsert is the wire form of a credential store request
type CredentialUpsert struct {
	Name              string            `json:"name"`
	CatalogID         int64             `json:"catalog_id"`
	Scope             string            `json:"scope"`
	ExecutionID       *int64            `json:"execution_id,omitempty"`
	ParentExecutionID *int64            `json:"parent_execution_id,omitempty"`
	CredentialType    string            `json:"credential_type,omitempty"`
	CacheType         string            `json:"cache_type,omitempty"`
	Data              map[string]any    `json:"data"`
	TTLSeconds        int               `json:"ttl_seconds,omitempty"`
	AutoRenew         bool              `json:"auto_renew,omitempty"`
	RenewConfig       json.RawMessage   `json:"renew_config,omitempty"`
	Fingerprint       map[string]string `json:"fingerprint,omitempty"`
}

// UpsertCredential stores or refreshes a credential and returns its cache key
func (c *ServerClient) UpsertCredential(ctx context.Context, req *CredentialUpsert) (string, error) {
	var out struct {
		CacheKey string `json:"cache_key"`
	}
	if err := c.http.DoJSON(ctx, http.MethodPost, c.baseURL+"/api/keychain", req, &out); err != nil {
		return "", fmt.Errorf("upsert credential: %w", err)
	}
	return out.CacheKey, nil
}

// ResolveResult dereferences a result URI to its stored payload
func (c *ServerClient) ResolveResult(ctx context.Context, ref string) (json.RawMessage, error) {
	var out json.RawMessage
	u := c.baseURL + "/api/results?ref=" + url.QueryEscape(ref)
	if err := c.http.DoJSON(ctx, http.MethodGet, u, nil, &out); err != nil {
		return nil, fmt.Errorf("resolve result %s: %w", ref, err)
	}
	return out, nil
}
