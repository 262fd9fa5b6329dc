// Package controlplane provides the HTTP/JSON client for the upstream
// control-plane API: batched history checks, active-execution checks, and
// batched status writes.
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// APIError is a control-plane failure carrying its HTTP status so callers
// can classify it. StatusCode 0 means the request never completed.
type APIError struct {
	Operation  string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: control plane returned %d: %s", e.Operation, e.StatusCode, e.Message)
}

// Transient reports whether the failure may succeed on retry: network
// failures, 429 and 5xx. Other 4xx are deterministic rejections.
func (e *APIError) Transient() bool {
	if e.StatusCode == 0 || e.StatusCode == http.StatusTooManyRequests {
		return true
	}
	return e.StatusCode >= 500 && e.StatusCode <= 599
}

// IsTransient returns true if err is a transient APIError or a plain
// transport error.
func IsTransient(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}
	return err != nil
}

// TokenProvider returns a bearer token for the control plane.
type TokenProvider func(ctx context.Context) (string, error)

// ClientOptions configures a Client.
type ClientOptions struct {
	BaseURL        string
	TokenProvider  TokenProvider
	OrganizationID string
	HTTPClient     *http.Client
	UserAgent      string
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
}

// Client is the control-plane HTTP client. Transient failures (429, 5xx,
// transport errors) are retried with exponential backoff, honoring
// Retry-After when present.
type Client struct {
	baseURL        string
	tokenProvider  TokenProvider
	organizationID string
	httpClient     *http.Client
	userAgent      string
	maxRetries     int
	baseDelay      time.Duration
	maxDelay       time.Duration
}

// NewClient creates a control-plane client.
func NewClient(opts ClientOptions) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &Client{
		baseURL:        baseURL,
		tokenProvider:  opts.TokenProvider,
		organizationID: opts.OrganizationID,
		httpClient:     httpClient,
		userAgent:      strings.TrimSpace(opts.UserAgent),
		maxRetries:     maxRetries,
		baseDelay:      baseDelay,
		maxDelay:       maxDelay,
	}
}

// CheckFileHistory performs one batched history query for a micro-batch.
func (c *Client) CheckFileHistory(ctx context.Context, req HistoryCheckRequest) (*HistoryCheckResponse, error) {
	var resp HistoryCheckResponse
	if err := c.post(ctx, "/v1/file-history/check-batch/", req.OrganizationID, req, &resp); err != nil {
		return nil, err
	}
	if resp.Results == nil {
		resp.Results = map[string]HistoryRecord{}
	}
	return &resp, nil
}

// CheckActiveProcessing returns items claimed by a different execution in
// the control plane's durable active-execution records.
func (c *Client) CheckActiveProcessing(ctx context.Context, orgID string, req ActiveCheckRequest) (*ActiveCheckResponse, error) {
	var resp ActiveCheckResponse
	if err := c.post(ctx, "/v1/workflows/check-active-processing", orgID, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// BatchStatusUpdate flushes buffered file-status writes in one call.
func (c *Client) BatchStatusUpdate(ctx context.Context, orgID string, req BatchUpdateRequest) (*BatchUpdateResponse, error) {
	var resp BatchUpdateResponse
	if err := c.post(ctx, "/v1/file-executions/batch-status-update/", orgID, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// BatchPipelineStatusUpdate flushes buffered pipeline-status writes.
func (c *Client) BatchPipelineStatusUpdate(ctx context.Context, orgID string, req BatchUpdateRequest) (*BatchUpdateResponse, error) {
	var resp BatchUpdateResponse
	if err := c.post(ctx, "/v1/pipelines/batch-status-update/", orgID, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) post(ctx context.Context, path, orgID string, payload, out any) error {
	if c.tokenProvider == nil {
		return &APIError{Operation: path, Message: "token provider is required"}
	}
	token, err := c.tokenProvider(ctx)
	if err != nil {
		return fmt.Errorf("failed to obtain token: %w", err)
	}
	if orgID == "" {
		orgID = c.organizationID
	}

	bodyBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	url := c.baseURL + path

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Organization-Id", orgID)
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return &APIError{Operation: path, Message: err.Error()}
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return &APIError{Operation: path, StatusCode: resp.StatusCode, Message: readErr.Error()}
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(respBody) == 0 {
				return nil
			}
			if err := json.Unmarshal(respBody, out); err != nil {
				return &APIError{Operation: path, StatusCode: resp.StatusCode,
					Message: "failed to decode response: " + err.Error()}
			}
			return nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		return &APIError{
			Operation:  path,
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(respBody)),
		}
	}
}

func (c *Client) retryDelay(attempt int, retryAfter string) time.Duration {
	if retryAfter != "" {
		if secs, err := strconv.Atoi(strings.TrimSpace(retryAfter)); err == nil && secs > 0 {
			d := time.Duration(secs) * time.Second
			if d > c.maxDelay {
				return c.maxDelay
			}
			return d
		}
	}
	delay := c.baseDelay << (attempt - 1)
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
