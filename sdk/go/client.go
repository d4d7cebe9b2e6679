package termlinesdk

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Termline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Run represents the API run model.
type Run struct {
	ID              string  `json:"id"`
	Scope           string  `json:"scope"`
	Status          string  `json:"status"`
	TriggeredBy     string  `json:"triggered_by,omitempty"`
	StartedAt       *string `json:"started_at,omitempty"`
	FinishedAt      *string `json:"finished_at,omitempty"`
	ErrorMessage    *string `json:"error_message,omitempty"`
	ProgressCurrent *int    `json:"progress_current,omitempty"`
	ProgressTotal   *int    `json:"progress_total,omitempty"`
	CurrentStep     *string `json:"current_step,omitempty"`
	CreatedAt       string  `json:"created_at"`
}

// Event is one frame of a run's live event stream.
type Event struct {
	RunID           string `json:"run_id"`
	Level           string `json:"level"`
	Message         string `json:"message"`
	Step            string `json:"step,omitempty"`
	ProgressCurrent *int   `json:"progress_current,omitempty"`
	ProgressTotal   *int   `json:"progress_total,omitempty"`
	CurrentTerm     string `json:"current_term,omitempty"`
	Complete        bool   `json:"complete,omitempty"`
	DBStatus        string `json:"db_status,omitempty"`
}

// AuditEvent is one run lifecycle log entry.
type AuditEvent struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts"`
	Type    string         `json:"type"`
	RunID   string         `json:"run_id,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// StartRun starts a run for the given scope.
func (c *Client) StartRun(ctx context.Context, scope, triggeredBy string) (Run, error) {
	body := map[string]any{"scope": scope}
	if triggeredBy != "" {
		body["triggered_by"] = triggeredBy
	}
	var resp Run
	err := c.do(ctx, http.MethodPost, "v1/runs", body, &resp)
	return resp, err
}

// GetRun fetches one run by id.
func (c *Client) GetRun(ctx context.Context, runID string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodGet, "v1/runs/"+url.PathEscape(runID), nil, &resp)
	return resp, err
}

// ListRuns returns all runs, newest first.
func (c *Client) ListRuns(ctx context.Context) ([]Run, error) {
	var resp struct {
		Items []Run `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "v1/runs", nil, &resp)
	return resp.Items, err
}

// CancelRun requests cancellation. The result reports whether this request
// moved the run to cancelled.
func (c *Client) CancelRun(ctx context.Context, runID string) (bool, error) {
	var resp struct {
		Cancelled bool `json:"cancelled"`
	}
	err := c.do(ctx, http.MethodPost, "v1/runs/"+url.PathEscape(runID)+"/cancel", nil, &resp)
	return resp.Cancelled, err
}

// Events returns recent run lifecycle events.
func (c *Client) Events(ctx context.Context, limit int, runID string) ([]AuditEvent, error) {
	endpoint := "v1/events"
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", fmt.Sprint(limit))
	}
	if runID != "" {
		params.Set("run_id", runID)
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp struct {
		Items []AuditEvent `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// StreamEvents follows a run's SSE stream, invoking fn per event until the
// terminal event arrives, fn returns an error, or ctx is done. Heartbeat
// comments are skipped.
func (c *Client) StreamEvents(ctx context.Context, runID string, fn func(Event) error) error {
	endpoint := c.base() + "/v1/runs/" + url.PathEscape(runID) + "/events"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	c.setAuth(req)

	// No client timeout here: the stream lives as long as the run.
	httpClient := &http.Client{Transport: c.transport()}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
		if ev.Complete {
			return nil
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return ctx.Err()
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
	c.setAuth(req)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) setAuth(req *http.Request) {
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
}

func (c *Client) transport() http.RoundTripper {
	if c.HTTPClient != nil && c.HTTPClient.Transport != nil {
		return c.HTTPClient.Transport
	}
	return http.DefaultTransport
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
