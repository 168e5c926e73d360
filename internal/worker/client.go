package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/aristath/taskengine/internal/engine"
	"github.com/aristath/taskengine/internal/scheduler"
)

// Client is a Coordinator backed by taskd's HTTP API.
type Client struct {
	base      string
	http      *http.Client
	transport string
}

var _ Coordinator = (*Client)(nil)

// NewClient creates a client for the server at baseURL. The HTTP client
// must not carry a timeout shorter than the server's claim wait; request
// lifetimes come from the caller's context.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// UseTransport makes heartbeats ask for assignments over the named
// transport instead of the claim endpoint.
func (c *Client) UseTransport(name string) {
	c.transport = name
}

type heartbeatRequest struct {
	Transport string `json:"transport"`
}

// Heartbeat registers or refreshes the worker.
func (c *Client) Heartbeat(ctx context.Context, workerID string) (scheduler.Worker, error) {
	var body any
	if c.transport != "" {
		body = heartbeatRequest{Transport: c.transport}
	}
	var w scheduler.Worker
	err := c.do(ctx, http.MethodPost, "/workers/"+url.PathEscape(workerID)+"/heartbeat", body, &w)
	return w, err
}

// Claim long-polls for the worker's next assignment. An empty poll
// returns scheduler.ErrNoAssignment.
func (c *Client) Claim(ctx context.Context, workerID string) (engine.Assignment, error) {
	var a engine.Assignment
	err := c.do(ctx, http.MethodGet, "/workers/"+url.PathEscape(workerID)+"/assignment", nil, &a)
	return a, err
}

// Report sends an attempt outcome.
func (c *Client) Report(ctx context.Context, r engine.Report) (scheduler.Task, error) {
	var t scheduler.Task
	err := c.do(ctx, http.MethodPatch, fmt.Sprintf("/tasks/%d", r.TaskID), r, &t)
	return t, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return scheduler.ErrNoAssignment
	}
	if resp.StatusCode >= 300 {
		return responseError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s: %w", method, path, err)
	}
	return nil
}

// responseError turns an error response back into the matching sentinel.
func responseError(resp *http.Response) error {
	var payload struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&payload)
	msg := payload.Error
	if msg == "" {
		msg = resp.Status
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", scheduler.ErrNotFound, msg)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", scheduler.ErrIllegalTransition, msg)
	case http.StatusBadRequest:
		if strings.Contains(msg, engine.ErrUnknownTransport.Error()) {
			return fmt.Errorf("%w: %s", engine.ErrUnknownTransport, msg)
		}
		return fmt.Errorf("server returned %s: %s", resp.Status, msg)
	default:
		return fmt.Errorf("server returned %s: %s", resp.Status, msg)
	}
}

// ClaimSource yields assignments for a worker, such as an AMQP consumer.
type ClaimSource interface {
	Claim(ctx context.Context, workerID string) (engine.Assignment, error)
}

// WithClaimSource returns a Coordinator that claims from src and sends
// heartbeats and reports to coord.
func WithClaimSource(coord Coordinator, src ClaimSource) Coordinator {
	return &splitCoordinator{Coordinator: coord, src: src}
}

type splitCoordinator struct {
	Coordinator
	src ClaimSource
}

func (s *splitCoordinator) Claim(ctx context.Context, workerID string) (engine.Assignment, error) {
	return s.src.Claim(ctx, workerID)
}
