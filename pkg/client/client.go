package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/api"
)

// DefaultTimeout bounds every request when the caller's context has no deadline
const DefaultTimeout = 10 * time.Second

// Error is a non-2xx answer from the controller
type Error struct {
	Status int
	Code   string
	Msg    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Msg)
}

// Client talks to the controller's operator API
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a client for addr, either host:port or a full http URL
func NewClient(addr string) *Client {
	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: DefaultTimeout},
	}
}

// ListNodes returns every node record
func (c *Client) ListNodes(ctx context.Context) ([]api.NodeView, error) {
	var nodes []api.NodeView
	err := c.do(ctx, http.MethodGet, "/v1/nodes", nil, &nodes)
	return nodes, err
}

// GetNode returns one node record
func (c *Client) GetNode(ctx context.Context, id string) (api.NodeView, error) {
	var node api.NodeView
	err := c.do(ctx, http.MethodGet, "/v1/nodes/"+url.PathEscape(id), nil, &node)
	return node, err
}

// RetireNode retires a node id
func (c *Client) RetireNode(ctx context.Context, id string) (api.NodeView, error) {
	var node api.NodeView
	err := c.do(ctx, http.MethodPost, "/v1/nodes/"+url.PathEscape(id)+"/retire", nil, &node)
	return node, err
}

// StartSession requests a session. No participants selects every eligible node.
func (c *Client) StartSession(ctx context.Context, participants []string) (string, error) {
	var resp api.StartSessionResponse
	err := c.do(ctx, http.MethodPost, "/v1/sessions", api.StartSessionRequest{Participants: participants}, &resp)
	return resp.ID, err
}

// StopSession stops a recording session
func (c *Client) StopSession(ctx context.Context, id string) (api.SessionView, error) {
	var s api.SessionView
	err := c.do(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(id)+"/stop", nil, &s)
	return s, err
}

// CancelSession cancels a session
func (c *Client) CancelSession(ctx context.Context, id string) (api.SessionView, error) {
	var s api.SessionView
	err := c.do(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(id)+"/cancel", nil, &s)
	return s, err
}

// GetSession returns one session
func (c *Client) GetSession(ctx context.Context, id string) (api.SessionView, error) {
	var s api.SessionView
	err := c.do(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(id), nil, &s)
	return s, err
}

// CurrentSession returns the session the controller holds. ok is false
// when there is none.
func (c *Client) CurrentSession(ctx context.Context) (s api.SessionView, ok bool, err error) {
	err = c.do(ctx, http.MethodGet, "/v1/sessions/current", nil, &s)
	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return s, false, nil
	}
	return s, err == nil, err
}

// ListSessions returns the current session and the archive
func (c *Client) ListSessions(ctx context.Context) ([]api.SessionView, error) {
	var sessions []api.SessionView
	err := c.do(ctx, http.MethodGet, "/v1/sessions", nil, &sessions)
	return sessions, err
}

// Ready reports the controller's readiness
func (c *Client) Ready(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/ready", nil)
	if err != nil {
		return false, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to reach controller: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
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
		return fmt.Errorf("failed to reach controller: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr api.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil {
			apiErr.Error = resp.Status
		}
		return &Error{Status: resp.StatusCode, Code: apiErr.Code, Msg: apiErr.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
