// Package aoipipe is a Go client for the aoipipe pipeline API: it starts
// AOI pipeline runs and follows their progress events.
package aoipipe

import (
	"bufio"
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

	"github.com/ashita-ai/aoipipe/internal/model"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the server (e.g. "http://localhost:8080").
	BaseURL string

	// HTTPClient is an optional custom HTTP client, used for every call
	// including the event stream.
	HTTPClient *http.Client

	// Timeout applies to individual API requests when HTTPClient is nil.
	// It does not apply to Subscribe. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the aoipipe API. Safe for concurrent use.
type Client struct {
	baseURL string
	client  *http.Client
	stream  *http.Client
}

// NewClient creates a Client. Returns an error if BaseURL is empty or invalid.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("aoipipe: BaseURL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("aoipipe: invalid BaseURL: %w", err)
	}

	c := &Client{baseURL: strings.TrimRight(cfg.BaseURL, "/")}
	if cfg.HTTPClient != nil {
		c.client = cfg.HTTPClient
		c.stream = cfg.HTTPClient
		return c, nil
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	c.client = &http.Client{Timeout: timeout}
	c.stream = &http.Client{}
	return c, nil
}

// StartPipeline starts a run for projectID. The run proceeds in the
// background; follow it with Subscribe. An unknown project yields an error
// for which IsNotFound is true.
func (c *Client) StartPipeline(ctx context.Context, projectID string) (StartResponse, error) {
	var resp StartResponse
	err := c.do(ctx, http.MethodPost, "/v1/projects/"+url.PathEscape(projectID)+"/pipeline", &resp)
	return resp, err
}

// PipelineStatus returns the server's view of the project's current run.
func (c *Client) PipelineStatus(ctx context.Context, projectID string) (PipelineRun, error) {
	var run PipelineRun
	err := c.do(ctx, http.MethodGet, "/v1/projects/"+url.PathEscape(projectID)+"/pipeline", &run)
	return run, err
}

// ListRuns returns recent persisted runs for a project, newest first.
// A non-positive limit uses the server default.
func (c *Client) ListRuns(ctx context.Context, projectID string, limit int) ([]PipelineRun, error) {
	path := "/v1/projects/" + url.PathEscape(projectID) + "/pipeline/runs"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var runs []PipelineRun
	err := c.do(ctx, http.MethodGet, path, &runs)
	return runs, err
}

// GetRun returns one persisted run with its stages.
func (c *Client) GetRun(ctx context.Context, pipelineID string) (PipelineRun, error) {
	var run PipelineRun
	err := c.do(ctx, http.MethodGet, "/v1/pipeline/runs/"+url.PathEscape(pipelineID), &run)
	return run, err
}

// Health returns the server health report. An unhealthy server is reported
// as an *Error with status 503.
func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	var h HealthResponse
	err := c.do(ctx, http.MethodGet, "/health", &h)
	return h, err
}

// Subscribe streams pipeline events to fn until ctx is cancelled, fn
// returns an error, or the server closes the stream. Events with names this
// client does not know are skipped. ready, when non-nil, is called once the
// stream is established so callers can start a run without missing its
// first event.
func (c *Client) Subscribe(ctx context.Context, opts SubscribeOptions, ready func(), fn func(Event) error) error {
	path := "/v1/subscribe"
	if opts.ProjectID != "" {
		path += "?project_id=" + url.QueryEscape(opts.ProjectID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("aoipipe: create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.stream.Do(req)
	if err != nil {
		return fmt.Errorf("aoipipe: subscribe: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return parseErrorResponse(resp.StatusCode, body)
	}
	if ready != nil {
		ready()
	}

	err = readSSE(resp.Body, func(name, data string) error {
		ev, err := model.DecodeEvent(name, []byte(data))
		if errors.Is(err, model.ErrUnknownEvent) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("aoipipe: %w", err)
		}
		return fn(ev)
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err == nil {
		return fmt.Errorf("aoipipe: event stream closed by server")
	}
	return err
}

// readSSE parses a text/event-stream body, calling fn for every event that
// carries a name. Comment lines (keepalives) are ignored.
func readSSE(r io.Reader, fn func(name, data string) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var name string
	var data []string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if name != "" {
				if err := fn(name, strings.Join(data, "\n")); err != nil {
					return err
				}
			}
			name, data = "", nil
		case strings.HasPrefix(line, ":"):
		default:
			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			switch field {
			case "event":
				name = value
			case "data":
				data = append(data, value)
			}
		}
	}
	return sc.Err()
}

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("aoipipe: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("aoipipe: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("aoipipe: read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, body)
	}
	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	var envelope apiEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("aoipipe: decode response envelope: %w", err)
	}
	if envelope.Data == nil {
		return fmt.Errorf("aoipipe: response has no data")
	}
	if err := json.Unmarshal(envelope.Data, dest); err != nil {
		return fmt.Errorf("aoipipe: decode response: %w", err)
	}
	return nil
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return apiErr
}
