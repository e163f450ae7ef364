package autopilotsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Autopilot HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	ActorID     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. Automatic runs wait on the
// planning service, so the timeout is generous.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 3 * time.Minute,
	}
}

// Action is a tagged action object as the API sends and accepts it, e.g.
// {"action":"create_task","projectId":"p1","title":"..."}.
type Action map[string]any

// Kind returns the action tag.
func (a Action) Kind() string {
	s, _ := a["action"].(string)
	return s
}

// ActionResult is the outcome of one action.
type ActionResult struct {
	ActionID   string         `json:"actionId,omitempty"`
	Action     Action         `json:"action"`
	Status     string         `json:"status"`
	Info       string         `json:"info,omitempty"`
	Inverse    map[string]any `json:"inverse,omitempty"`
	ResolvedAt string         `json:"resolvedAt,omitempty"`
	Actor      string         `json:"actor,omitempty"`
}

// AutoRun is the response of a triggered run.
type AutoRun struct {
	Status    string         `json:"status"`
	RunID     string         `json:"runId"`
	Actions   []Action       `json:"actions"`
	Results   []ActionResult `json:"results"`
	Timestamp string         `json:"timestamp"`
	Truncated int            `json:"truncated"`
}

// Run is one audit log entry.
type Run struct {
	ID        string         `json:"id"`
	Timestamp string         `json:"timestamp"`
	Actions   []Action       `json:"actions"`
	Results   []ActionResult `json:"results"`
	Undo      bool           `json:"undo,omitempty"`
	Approval  bool           `json:"approval,omitempty"`
	Actor     string         `json:"actor,omitempty"`
	Truncated int            `json:"truncated,omitempty"`
}

// PendingSuggestion is a suggested action awaiting a decision.
type PendingSuggestion struct {
	RunID     string       `json:"runId"`
	Timestamp string       `json:"timestamp"`
	Result    ActionResult `json:"result"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Message    string
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error: status=%d %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Auto triggers one snapshot, propose and execute cycle.
func (c *Client) Auto(ctx context.Context) (AutoRun, error) {
	var resp AutoRun
	err := c.do(ctx, http.MethodPost, "orchestrator/auto", nil, &resp)
	return resp, err
}

// Approve executes a suggested action.
func (c *Client) Approve(ctx context.Context, action Action) (ActionResult, error) {
	var resp ActionResult
	err := c.do(ctx, http.MethodPost, "orchestrator/approve", map[string]any{"action": action}, &resp)
	return resp, err
}

// Reject resolves a suggested action without running it.
func (c *Client) Reject(ctx context.Context, action Action) (ActionResult, error) {
	var resp ActionResult
	err := c.do(ctx, http.MethodPost, "orchestrator/reject", map[string]any{"action": action}, &resp)
	return resp, err
}

// Undo reverses an action; the action must carry its inverse data.
func (c *Client) Undo(ctx context.Context, action Action) (ActionResult, error) {
	var resp ActionResult
	err := c.do(ctx, http.MethodPost, "orchestrator/undo", map[string]any{"action": action}, &resp)
	return resp, err
}

// UndoLogged reverses a logged action using the inverse recorded with it.
func (c *Client) UndoLogged(ctx context.Context, actionID string) (ActionResult, error) {
	var resp ActionResult
	err := c.do(ctx, http.MethodPost, "orchestrator/undo", map[string]any{"actionId": actionID}, &resp)
	return resp, err
}

// Logs lists recorded runs, newest first.
func (c *Client) Logs(ctx context.Context, limit int) ([]Run, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	endpoint := "orchestrator/logs"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Runs []Run `json:"runs"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Runs, err
}

// Pending lists suggestions awaiting approval.
func (c *Client) Pending(ctx context.Context) ([]PendingSuggestion, error) {
	var resp struct {
		Items []PendingSuggestion `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "orchestrator/pending", nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	if c.ActorID != "" {
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Message = envelope.Error
			apiErr.Code = envelope.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
