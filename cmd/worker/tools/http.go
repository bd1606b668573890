package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/noetl/noetl/common/models"
)

// HTTPAdapter performs HTTP requests.
// Config keys: method, url (or endpoint), headers, params, payload, data.
type HTTPAdapter struct {
	client *http.Client
	log    Logger
}

// NewHTTPAdapter creates an HTTP adapter
func NewHTTPAdapter(log Logger) *HTTPAdapter {
	return &HTTPAdapter{
		client: &http.Client{},
		log:    log,
	}
}

// Kind returns the tool kind
func (a *HTTPAdapter) Kind() string { return "http" }

// Execute performs the request and classifies failures into the error
// taxonomy: 429 is rate_limit, 5xx is network, 401 auth, 403 permission,
// 404 not_found, other 4xx validation. Only rate_limit, network, and
// timeout are retryable.
func (a *HTTPAdapter) Execute(ctx context.Context, config map[string]any, timeout time.Duration) *models.Outcome {
	endpoint := stringOpt(config, "url")
	if endpoint == "" {
		endpoint = stringOpt(config, "endpoint")
	}
	if endpoint == "" {
		return models.ErrorOutcome(models.ErrKindValidation, false, "http: url is required")
	}

	method := stringOpt(config, "method")
	if method == "" {
		method = http.MethodGet
	}

	if params, ok := config["params"].(map[string]any); ok && len(params) > 0 {
		q := url.Values{}
		for k, v := range params {
			q.Set(k, fmt.Sprintf("%v", v))
		}
		sep := "?"
		if u, err := url.Parse(endpoint); err == nil && u.RawQuery != "" {
			sep = "&"
		}
		endpoint = endpoint + sep + q.Encode()
	}

	var body io.Reader
	payload, hasPayload := config["payload"]
	if !hasPayload {
		payload, hasPayload = config["data"]
	}
	if hasPayload {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return models.ErrorOutcome(models.ErrKindSerializationFailure, false,
				fmt.Sprintf("http: encode payload: %v", err))
		}
		body = bytes.NewReader(encoded)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return models.ErrorOutcome(models.ErrKindValidation, false, fmt.Sprintf("http: %v", err))
	}
	if hasPayload {
		req.Header.Set("Content-Type", "application/json")
	}
	if headers, ok := config["headers"].(map[string]any); ok {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprintf("%v", v))
		}
	}

	resp, err := a.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return models.ErrorOutcome(models.ErrKindTimeout, true, fmt.Sprintf("http: %v", err))
		}
		if errors.Is(err, context.Canceled) {
			return models.ErrorOutcome(models.ErrKindCancelled, false, "http: cancelled")
		}
		return models.ErrorOutcome(models.ErrKindNetwork, true, fmt.Sprintf("http: %v", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.ErrorOutcome(models.ErrKindNetwork, true, fmt.Sprintf("http: read body: %v", err))
	}

	var result any
	if err := json.Unmarshal(raw, &result); err != nil {
		result = string(raw)
	}

	outcome := &models.Outcome{
		Result: result,
		HTTP: &models.HTTPOutcome{
			Status:  resp.StatusCode,
			Headers: resp.Header,
		},
	}

	if resp.StatusCode < 400 {
		outcome.Status = "ok"
		return outcome
	}

	outcome.Status = "error"
	outcome.Error = classifyHTTPStatus(resp.StatusCode)
	return outcome
}

func classifyHTTPStatus(status int) *models.OutcomeError {
	e := &models.OutcomeError{
		Code:    fmt.Sprintf("%d", status),
		Message: fmt.Sprintf("http status %d", status),
	}
	switch {
	case status == http.StatusTooManyRequests:
		e.Kind, e.Retryable = models.ErrKindRateLimit, true
	case status == http.StatusUnauthorized:
		e.Kind = models.ErrKindAuth
	case status == http.StatusForbidden:
		e.Kind = models.ErrKindPermission
	case status == http.StatusNotFound:
		e.Kind = models.ErrKindNotFound
	case status >= 500:
		e.Kind, e.Retryable = models.ErrKindNetwork, true
	default:
		e.Kind = models.ErrKindValidation
	}
	return e
}
