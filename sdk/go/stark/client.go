// Package stark is a Go client for the Stark orchestration REST API.
package stark

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"sync"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the Stark REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// MessageSubmission is the payload for queueing a channel message.
type MessageSubmission struct {
	ID          string `json:"id,omitempty"`
	ChannelID   int64  `json:"channel_id"`
	ChannelType string `json:"channel_type,omitempty"`
	SessionID   int64  `json:"session_id"`
	UserName    string `json:"user_name,omitempty"`
	Text        string `json:"text"`
}

// Message is the server view of a submitted message.
type Message struct {
	ID          string         `json:"id"`
	ChannelID   int64          `json:"channel_id"`
	SessionID   int64          `json:"session_id"`
	Text        string         `json:"text"`
	Status      string         `json:"status"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"max_attempts"`
	Result      *MessageResult `json:"result,omitempty"`
	CreatedAt   int64          `json:"created_at"`
	UpdatedAt   int64          `json:"updated_at"`
}

// MessageResult summarises how an execution ended.
type MessageResult struct {
	ExecutionID     string `json:"execution_id,omitempty"`
	Code            string `json:"code,omitempty"`
	Reason          string `json:"reason,omitempty"`
	Summary         string `json:"summary,omitempty"`
	FollowUp        string `json:"follow_up,omitempty"`
	TotalIterations int    `json:"total_iterations"`
	// Snapshot holds the last agent context of a failed or cancelled run.
	Snapshot json.RawMessage `json:"snapshot,omitempty"`
}

// Terminal reports whether the message status will no longer change.
func (m Message) Terminal() bool {
	switch m.Status {
	case "finished", "failed", "cancelled", "rejected":
		return true
	}
	return false
}

// Execution describes a running or recently finished execution.
type Execution struct {
	ExecutionID     string    `json:"execution_id"`
	Kind            string    `json:"kind"`
	ChannelID       int64     `json:"channel_id"`
	SessionID       int64     `json:"session_id,omitempty"`
	ParentSessionID int64     `json:"parent_session_id,omitempty"`
	Label           string    `json:"label,omitempty"`
	Task            string    `json:"task,omitempty"`
	Status          string    `json:"status"`
	Reason          string    `json:"reason,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// SessionTask is one entry of a session plan.
type SessionTask struct {
	ID        string   `json:"id"`
	Subject   string   `json:"subject"`
	Status    string   `json:"status"`
	Priority  int      `json:"priority"`
	BlockedBy []string `json:"blocked_by,omitempty"`
	Result    string   `json:"result,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// SessionStatus is a snapshot of a session's orchestration state.
type SessionStatus struct {
	SessionID       int64         `json:"session_id"`
	ExecutionID     string        `json:"execution_id,omitempty"`
	Running         bool          `json:"running"`
	Mode            string        `json:"mode"`
	ModeIterations  int           `json:"mode_iterations"`
	TotalIterations int           `json:"total_iterations"`
	PlanSummary     string        `json:"plan_summary,omitempty"`
	Tasks           []SessionTask `json:"tasks"`
}

// StopResult reports how many executions a stop request reached.
type StopResult struct {
	Cancelled    int `json:"cancelled"`
	Acknowledged int `json:"acknowledged"`
}

// APIError represents a non-2xx response.
type APIError struct {
	StatusCode int
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Details    map[string]string `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("stark api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("stark api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient creates a client for the API rooted at rawURL. A nil httpClient
// gets DefaultHTTPTimeout.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetAccessToken sets the bearer token sent with every request.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// AccessToken returns the current bearer token.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SubmitMessage queues a message for processing.
func (c *Client) SubmitMessage(ctx context.Context, submission MessageSubmission) (Message, error) {
	var msg Message
	err := c.send(ctx, http.MethodPost, "/api/v1/messages", nil, submission, &msg)
	return msg, err
}

// GetMessage fetches a message by id.
func (c *Client) GetMessage(ctx context.Context, id string) (Message, error) {
	var msg Message
	err := c.send(ctx, http.MethodGet, "/api/v1/messages/"+url.PathEscape(id), nil, nil, &msg)
	return msg, err
}

// WaitForMessage polls until the message reaches a terminal status.
func (c *Client) WaitForMessage(ctx context.Context, id string, interval time.Duration) (Message, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		msg, err := c.GetMessage(ctx, id)
		if err != nil || msg.Terminal() {
			return msg, err
		}
		select {
		case <-ctx.Done():
			return msg, ctx.Err()
		case <-ticker.C:
		}
	}
}

// SessionStatus returns the orchestration state of a session.
func (c *Client) SessionStatus(ctx context.Context, sessionID int64) (SessionStatus, error) {
	var status SessionStatus
	err := c.send(ctx, http.MethodGet, "/api/v1/sessions/"+strconv.FormatInt(sessionID, 10), nil, nil, &status)
	return status, err
}

// DeleteTask asks the running execution of a session to drop a task.
func (c *Client) DeleteTask(ctx context.Context, sessionID int64, taskID string) error {
	endpoint := fmt.Sprintf("/api/v1/sessions/%d/tasks/%s", sessionID, url.PathEscape(taskID))
	return c.send(ctx, http.MethodDelete, endpoint, nil, nil, nil)
}

// StopChannel cancels the session executions on a channel. A positive wait
// blocks server side until they acknowledge or the wait elapses.
func (c *Client) StopChannel(ctx context.Context, channelID int64, wait time.Duration) (StopResult, error) {
	var query url.Values
	if wait > 0 {
		query = url.Values{"wait": {wait.String()}}
	}
	var result StopResult
	err := c.send(ctx, http.MethodPost, fmt.Sprintf("/api/v1/channels/%d/stop", channelID), query, nil, &result)
	return result, err
}

// StopSubagents cancels every subagent on a channel.
func (c *Client) StopSubagents(ctx context.Context, channelID int64) (int, error) {
	var result StopResult
	err := c.send(ctx, http.MethodPost, fmt.Sprintf("/api/v1/channels/%d/subagents/stop", channelID), nil, nil, &result)
	return result.Cancelled, err
}

// SpawnSubagent starts a subagent execution for a parent session.
func (c *Client) SpawnSubagent(ctx context.Context, parentSessionID, channelID int64, label, task string) (Execution, error) {
	payload := map[string]any{
		"parent_session_id": parentSessionID,
		"channel_id":        channelID,
		"label":             label,
		"task":              task,
	}
	var info Execution
	err := c.send(ctx, http.MethodPost, "/api/v1/subagents", nil, payload, &info)
	return info, err
}

// CancelExecution cancels a single execution by id.
func (c *Client) CancelExecution(ctx context.Context, executionID string) error {
	return c.send(ctx, http.MethodPost, "/api/v1/executions/"+url.PathEscape(executionID)+"/cancel", nil, nil, nil)
}

func (c *Client) send(ctx context.Context, method, endpoint string, query url.Values, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
