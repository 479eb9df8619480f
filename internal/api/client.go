package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/banshee-data/labsweep/internal/httputil"
)

// Client talks to a running daemon.
type Client struct {
	base string
	http httputil.HTTPClient
}

// NewClient returns a client for the daemon at base, e.g.
// "http://localhost:8080".
func NewClient(base string, c httputil.HTTPClient) *Client {
	return &Client{base: strings.TrimRight(base, "/"), http: c}
}

// APIError is a non-2xx answer from the daemon.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("daemon answered %d: %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(data))
		}
		// Refused transitions still carry a ControlResult.
		if resp.StatusCode == http.StatusConflict && out != nil && json.Unmarshal(data, out) == nil {
			return nil
		}
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if w, ok := out.(io.Writer); ok {
		_, err := w.Write(data)
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// Status fetches the queue status.
func (c *Client) Status(ctx context.Context) (QueueStatus, error) {
	var st QueueStatus
	err := c.do(ctx, http.MethodGet, "/api/queue", "", nil, &st)
	return st, err
}

// Control posts one of start, pause, resume or kill.
func (c *Client) Control(ctx context.Context, action string) (ControlResult, error) {
	switch action {
	case "start", "pause", "resume", "kill":
	default:
		return ControlResult{}, fmt.Errorf("unknown queue action %q", action)
	}
	var res ControlResult
	err := c.do(ctx, http.MethodPost, "/api/queue/"+action, "", nil, &res)
	return res, err
}

// Upload appends the actions of a YAML queue file.
func (c *Client) Upload(ctx context.Context, queueFile io.Reader) (AppendResult, error) {
	var res AppendResult
	err := c.do(ctx, http.MethodPost, "/api/queue/file", "application/yaml", queueFile, &res)
	return res, err
}

// Download writes the pending queue as YAML to w.
func (c *Client) Download(ctx context.Context, w io.Writer) error {
	return c.do(ctx, http.MethodGet, "/api/queue/file", "", nil, w)
}

// Switch queues a database switch.
func (c *Client) Switch(ctx context.Context, req SwitchRequest) (AppendResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return AppendResult{}, err
	}
	var res AppendResult
	err = c.do(ctx, http.MethodPost, "/api/queue/switch", "application/json", bytes.NewReader(body), &res)
	return res, err
}

// ExportCSV writes a stored run as CSV to w.
func (c *Client) ExportCSV(ctx context.Context, runID string, w io.Writer) error {
	return c.do(ctx, http.MethodGet, "/api/runs/csv?run_id="+url.QueryEscape(runID), "", nil, w)
}
