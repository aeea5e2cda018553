// Package remote is the HTTP client for the remote mutation API. Each
// delivery attempt carries the operation id as an idempotency key so a
// retry after a lost response cannot double-apply.
package remote

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

	"github.com/henrik/opsync/internal/models"
)

// Sentinel errors for common HTTP error classes.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
)

// Client is an HTTP client for the opsync server.
type Client struct {
	BaseURL  string
	APIKey   string
	DeviceID string
	HTTP     *http.Client
}

// New creates a new remote client.
func New(baseURL, apiKey, deviceID string) *Client {
	return &Client{
		BaseURL:  baseURL,
		APIKey:   apiKey,
		DeviceID: deviceID,
		HTTP:     &http.Client{Timeout: 30 * time.Second},
	}
}

// MutationRequest is the body for POST /v1/collections/{c}/mutations.
type MutationRequest struct {
	Kind        models.Kind     `json:"kind"`
	TargetID    string          `json:"target_id,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	BaseVersion *int64          `json:"base_version,omitempty"`
}

// MutationResult is the success response for a mutation.
type MutationResult struct {
	TargetID string          `json:"target_id"`
	Snapshot json.RawMessage `json:"snapshot,omitempty"`
	Version  int64           `json:"version"`
}

// Record is a server-confirmed snapshot returned by FetchRecord.
type Record struct {
	Data    json.RawMessage `json:"data,omitempty"`
	Version int64           `json:"version"`
	Deleted bool            `json:"deleted,omitempty"`
}

// HealthResponse is the response from GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// conflictBody is the wire shape of a 409 response.
type conflictBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Remote  Record `json:"remote"`
}

// apiError is the standard error body from the server.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Code
}

// HealthCheck hits the /healthz endpoint to verify server reachability.
func (c *Client) HealthCheck(ctx context.Context) (*HealthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.BaseURL+"/healthz", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &TransportError{Err: fmt.Errorf("healthz: HTTP %d", resp.StatusCode)}
	}
	var out HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode healthz: %w", err)
	}
	return &out, nil
}

// ApplyMutation delivers one pending operation. The idempotency key must
// be the operation id; the server replays the original response for a
// duplicate delivery instead of applying it twice.
func (c *Client) ApplyMutation(ctx context.Context, collection, idempotencyKey string, m *MutationRequest) (*MutationResult, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal mutation: %w", err)
	}

	path := fmt.Sprintf("/v1/collections/%s/mutations", url.PathEscape(collection))
	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)
	c.setAuth(req)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Err: fmt.Errorf("read response: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		var out MutationResult
		if err := json.Unmarshal(respBody, &out); err != nil {
			return nil, fmt.Errorf("unmarshal mutation result: %w", err)
		}
		return &out, nil
	case resp.StatusCode == http.StatusConflict:
		var cb conflictBody
		if err := json.Unmarshal(respBody, &cb); err != nil {
			return nil, fmt.Errorf("unmarshal conflict body: %w", err)
		}
		return nil, &ConflictError{
			RemoteSnapshot: cb.Remote.Data,
			RemoteVersion:  cb.Remote.Version,
			RemoteDeleted:  cb.Remote.Deleted,
		}
	case resp.StatusCode == http.StatusUnprocessableEntity:
		var ae apiError
		if json.Unmarshal(respBody, &ae) == nil && ae.Code != "" {
			return nil, &ValidationError{Code: ae.Code, Message: ae.Message}
		}
		return nil, &ValidationError{Code: "validation", Message: string(respBody)}
	default:
		return nil, c.classifyError(resp.StatusCode, respBody)
	}
}

// FetchRecord retrieves the authoritative snapshot for a record. Returns
// ErrNotFound when the record never existed; a deleted record comes back
// with Deleted set.
func (c *Client) FetchRecord(ctx context.Context, collection, key string) (*Record, error) {
	path := fmt.Sprintf("/v1/collections/%s/records/%s", url.PathEscape(collection), url.PathEscape(key))
	req, err := http.NewRequestWithContext(ctx, "GET", c.BaseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.setAuth(req)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode == http.StatusOK {
		var out Record
		if err := json.Unmarshal(respBody, &out); err != nil {
			return nil, fmt.Errorf("unmarshal record: %w", err)
		}
		return &out, nil
	}
	return nil, c.classifyError(resp.StatusCode, respBody)
}

func (c *Client) setAuth(req *http.Request) {
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	if c.DeviceID != "" {
		req.Header.Set("X-Device-ID", c.DeviceID)
	}
}

// classifyError maps non-success statuses onto the error taxonomy.
// Server-side failures and unknown statuses are transport errors so the
// processor retries them; auth and not-found are sentinels.
func (c *Client) classifyError(status int, body []byte) error {
	var ae apiError
	parsed := json.Unmarshal(body, &ae) == nil && ae.Code != ""

	switch status {
	case http.StatusUnauthorized:
		if parsed {
			return fmt.Errorf("%w: %s", ErrUnauthorized, ae.Message)
		}
		return ErrUnauthorized
	case http.StatusForbidden:
		if parsed {
			return fmt.Errorf("%w: %s", ErrForbidden, ae.Message)
		}
		return ErrForbidden
	case http.StatusNotFound:
		if parsed {
			return fmt.Errorf("%w: %s", ErrNotFound, ae.Message)
		}
		return ErrNotFound
	case http.StatusBadRequest:
		if parsed {
			return &ValidationError{Code: ae.Code, Message: ae.Message}
		}
		return &ValidationError{Code: "bad_request", Message: string(body)}
	default:
		if parsed {
			return &TransportError{Err: fmt.Errorf("HTTP %d: %s", status, ae.Error())}
		}
		return &TransportError{Err: fmt.Errorf("HTTP %d: %s", status, string(body))}
	}
}
