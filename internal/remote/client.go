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
	"strconv"
	"strings"
	"time"

	"github.com/hyperengineering/relay/internal/types"
)

// Request headers understood by the reference server.
const (
	HeaderIdempotencyKey  = "Idempotency-Key"
	HeaderIfMatch         = "If-Match"
	HeaderIdempotentReply = "X-Idempotent-Replay"
)

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 16 << 20

// Client is the HTTP implementation of Service.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

var _ Service = (*Client)(nil)

// NewClient creates a client for the service at baseURL.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// Ping checks that the service answers its health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	if c.baseURL == "" {
		return fmt.Errorf("remote URL not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("health check: %w: %w", ErrNetworkFailure, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))

	if resp.StatusCode != http.StatusOK {
		return &StatusError{StatusCode: resp.StatusCode, Detail: "health check failed"}
	}
	return nil
}

// Get returns the current server state of a record.
func (c *Client) Get(ctx context.Context, table, key string) (*types.RecordState, error) {
	res, err := c.do(ctx, http.MethodGet, Mutation{Table: table, Key: key}, false)
	if err != nil {
		return nil, err
	}
	if res.State == nil {
		return nil, &StatusError{StatusCode: http.StatusOK, Detail: "empty record response"}
	}
	return res.State, nil
}

// Create submits an insert.
func (c *Client) Create(ctx context.Context, m Mutation) (*Result, error) {
	return c.do(ctx, http.MethodPost, m, true)
}

// Replace submits an update.
func (c *Client) Replace(ctx context.Context, m Mutation) (*Result, error) {
	return c.do(ctx, http.MethodPut, m, true)
}

// Delete submits a delete.
func (c *Client) Delete(ctx context.Context, m Mutation) (*Result, error) {
	return c.do(ctx, http.MethodDelete, m, false)
}

func (c *Client) recordURL(table, key string) string {
	return c.baseURL + "/api/v1/tables/" + url.PathEscape(table) + "/records/" + url.PathEscape(key)
}

func (c *Client) do(ctx context.Context, method string, m Mutation, withBody bool) (*Result, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("remote URL not configured")
	}

	var body io.Reader
	if withBody {
		body = bytes.NewReader(m.Payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.recordURL(m.Table, m.Key), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if withBody {
		req.Header.Set("Content-Type", "application/json")
	}
	if m.OperationID != "" {
		req.Header.Set(HeaderIdempotencyKey, m.OperationID)
	}
	if m.BaseVersion > 0 {
		req.Header.Set(HeaderIfMatch, strconv.FormatInt(m.BaseVersion, 10))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s/%s: %w: %w", method, m.Table, m.Key, ErrNetworkFailure, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%s %s/%s: read response: %w: %w", method, m.Table, m.Key, ErrNetworkFailure, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return decodeResult(data), nil
	case resp.StatusCode == http.StatusConflict:
		return nil, decodeConflict(resp.StatusCode, data)
	default:
		return nil, &StatusError{StatusCode: resp.StatusCode, Detail: problemDetail(data)}
	}
}

// decodeResult reads the authoritative state echo. A body that does not
// decode into a record state is ignored: the mutation still succeeded.
func decodeResult(data []byte) *Result {
	if len(bytes.TrimSpace(data)) == 0 {
		return &Result{}
	}
	var state types.RecordState
	if err := json.Unmarshal(data, &state); err != nil || state.Table == "" {
		return &Result{}
	}
	return &Result{State: &state}
}

// conflictProblem is the 409 problem body: RFC 7807 fields plus the
// current record state.
type conflictProblem struct {
	Detail  string             `json:"detail"`
	Current *types.RecordState `json:"current"`
}

// decodeConflict turns a 409 into a ConflictError. Without the current
// state no resolution is possible, so the response is reported as a plain
// retryable StatusError instead.
func decodeConflict(status int, data []byte) error {
	var p conflictProblem
	if err := json.Unmarshal(data, &p); err != nil || p.Current == nil {
		detail := p.Detail
		if detail == "" {
			detail = "conflict response without current state"
		}
		return &StatusError{StatusCode: status, Detail: detail}
	}
	if len(p.Current.Payload) == 0 {
		p.Current.Payload = json.RawMessage("null")
	}
	return &ConflictError{Current: *p.Current}
}

func problemDetail(data []byte) string {
	var p struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(data, &p); err == nil && p.Detail != "" {
		return p.Detail
	}
	s := strings.TrimSpace(string(data))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// IsConflict reports whether err is a conflict and returns it.
func IsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
