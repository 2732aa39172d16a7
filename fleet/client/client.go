// Package client talks to a running fleet daemon over its control API.
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
	"strconv"
	"time"

	"github.com/bionicdonkey/AndroidMulti/fleet/cloner"
	"github.com/bionicdonkey/AndroidMulti/fleet/inputsync"
	"github.com/bionicdonkey/AndroidMulti/fleet/journal"
	"github.com/bionicdonkey/AndroidMulti/fleet/types"
)

// Client represents a control API client
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
}

// ClientOption represents a functional option for configuring the Client
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithToken sets the bearer token sent with every request
func WithToken(token string) ClientOption {
	return func(c *Client) {
		c.token = token
	}
}

// NewClient creates a client for the daemon at baseURL, e.g.
// "http://127.0.0.1:8734".
func NewClient(baseURL string, options ...ClientOption) *Client {
	client := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Minute},
	}
	for _, option := range options {
		option(client)
	}
	return client
}

// Instance is the JSON form of an instance.
type Instance struct {
	Name      string    `json:"name"`
	DeviceID  string    `json:"deviceId"`
	Port      int       `json:"port"`
	Serial    string    `json:"serial"`
	State     string    `json:"state"`
	Sync      bool      `json:"syncFlag"`
	CreatedAt time.Time `json:"createdAt"`
	Template  string    `json:"template,omitempty"`
	AVDPath   string    `json:"avdPath,omitempty"`
	PID       int       `json:"pid,omitempty"`
}

// Task is the JSON form of a background task.
type Task struct {
	ID       string    `json:"id"`
	Op       string    `json:"op"`
	Instance string    `json:"instance"`
	Phase    string    `json:"phase"`
	Percent  int       `json:"percent"`
	Done     bool      `json:"done"`
	Error    string    `json:"error,omitempty"`
	Result   *Instance `json:"result,omitempty"`
}

// SyncStatus reports whether replication is on and who is in the group.
type SyncStatus struct {
	Enabled bool     `json:"enabled"`
	Group   []string `json:"group"`
}

// Error is a non-success response from the daemon.
type Error struct {
	StatusCode int
	Kind       string
	Message    string
}

func (e *Error) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s (HTTP %d)", e.Message, e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

type errorBody struct {
	Error     string            `json:"error"`
	Kind      string            `json:"kind"`
	Failed    []string          `json:"failed"`
	Event     string            `json:"event"`
	Attempted int               `json:"attempted"`
	Reasons   map[string]string `json:"reasons"`
}

// makeRequest sends body as JSON and decodes the reply into out. A 207
// reply comes back as *types.PartialDeliveryError, other failures as *Error.
func (c *Client) makeRequest(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusMultiStatus || resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	switch v := out.(type) {
	case nil:
		return nil
	case *string:
		data, err := io.ReadAll(resp.Body)
		*v = string(data)
		return err
	default:
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	}
}

func decodeError(resp *http.Response) error {
	var body errorBody
	data, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(data, &body); err != nil || body.Error == "" {
		body.Error = http.StatusText(resp.StatusCode)
	}
	if resp.StatusCode == http.StatusMultiStatus {
		partial := &types.PartialDeliveryError{Event: body.Event, Attempted: body.Attempted}
		for _, name := range body.Failed {
			reason := body.Reasons[name]
			if reason == "" {
				reason = "delivery failed"
			}
			partial.Failures = append(partial.Failures, types.TargetFailure{Instance: name, Err: errors.New(reason)})
		}
		if partial.Attempted < len(partial.Failures) {
			partial.Attempted = len(partial.Failures)
		}
		return partial
	}
	return &Error{StatusCode: resp.StatusCode, Kind: body.Kind, Message: body.Error}
}

// Health checks that the daemon answers.
func (c *Client) Health(ctx context.Context) error {
	return c.makeRequest(ctx, "GET", "/healthz", nil, nil)
}

// Templates lists the definitions instances can be cloned from.
func (c *Client) Templates(ctx context.Context) ([]cloner.Template, error) {
	var out []cloner.Template
	err := c.makeRequest(ctx, "GET", "/api/templates", nil, &out)
	return out, err
}

// Instances lists every instance in registration order.
func (c *Client) Instances(ctx context.Context) ([]Instance, error) {
	var out []Instance
	err := c.makeRequest(ctx, "GET", "/api/instances", nil, &out)
	return out, err
}

// Instance returns one instance.
func (c *Client) Instance(ctx context.Context, name string) (Instance, error) {
	var out Instance
	err := c.makeRequest(ctx, "GET", "/api/instances/"+url.PathEscape(name), nil, &out)
	return out, err
}

// Create starts a clone task. An empty name lets the daemon pick one.
func (c *Client) Create(ctx context.Context, template, name string, start bool) (Task, error) {
	var out Task
	body := map[string]any{"template": template, "name": name, "start": start}
	err := c.makeRequest(ctx, "POST", "/api/instances", body, &out)
	return out, err
}

// Lifecycle starts a start, stop or restart task.
func (c *Client) Lifecycle(ctx context.Context, name, action string) (Task, error) {
	var out Task
	err := c.makeRequest(ctx, "POST", "/api/instances/"+url.PathEscape(name)+"/"+action, nil, &out)
	return out, err
}

// Task returns the current state of a task.
func (c *Client) Task(ctx context.Context, id string) (Task, error) {
	var out Task
	err := c.makeRequest(ctx, "GET", "/api/tasks/"+url.PathEscape(id), nil, &out)
	return out, err
}

// WaitTask polls a task until it is done, calling report on each poll. A
// failed task is returned together with an error carrying its message.
func (c *Client) WaitTask(ctx context.Context, id string, interval time.Duration, report func(Task)) (Task, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		task, err := c.Task(ctx, id)
		if err != nil {
			return task, err
		}
		if report != nil {
			report(task)
		}
		if task.Done {
			if task.Error != "" {
				return task, errors.New(task.Error)
			}
			return task, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return task, ctx.Err()
		}
	}
}

// Update renames an instance and/or changes its sync flag in one step.
func (c *Client) Update(ctx context.Context, name string, newName *string, sync *bool) (Instance, error) {
	var out Instance
	body := map[string]any{}
	if newName != nil {
		body["name"] = *newName
	}
	if sync != nil {
		body["syncFlag"] = *sync
	}
	err := c.makeRequest(ctx, "PATCH", "/api/instances/"+url.PathEscape(name), body, &out)
	return out, err
}

// Delete stops and unregisters an instance.
func (c *Client) Delete(ctx context.Context, name string, removeFiles bool) error {
	path := "/api/instances/" + url.PathEscape(name) + "?removeFiles=" + strconv.FormatBool(removeFiles)
	return c.makeRequest(ctx, "DELETE", path, nil, nil)
}

// Logs returns the trailing emulator output of an instance.
func (c *Client) Logs(ctx context.Context, name string, lines int) (string, error) {
	var out string
	path := "/api/instances/" + url.PathEscape(name) + "/logs?lines=" + strconv.Itoa(lines)
	err := c.makeRequest(ctx, "GET", path, nil, &out)
	return out, err
}

// Sync returns the replication status.
func (c *Client) Sync(ctx context.Context) (SyncStatus, error) {
	var out SyncStatus
	err := c.makeRequest(ctx, "GET", "/api/sync", nil, &out)
	return out, err
}

// SetSyncEnabled turns replication on or off in the daemon.
func (c *Client) SetSyncEnabled(ctx context.Context, enabled bool) (SyncStatus, error) {
	mode := "disable"
	if enabled {
		mode = "enable"
	}
	var out SyncStatus
	err := c.makeRequest(ctx, "POST", "/api/sync/"+mode, nil, &out)
	return out, err
}

// Dispatch replicates one input event and waits for every delivery.
func (c *Client) Dispatch(ctx context.Context, req inputsync.Request) error {
	return c.makeRequest(ctx, "POST", "/api/sync/dispatch", req, nil)
}

// Install sideloads an apk that is readable on the daemon's host onto the
// named instances, or the sync group when instances is empty.
func (c *Client) Install(ctx context.Context, apk string, instances []string) error {
	body := map[string]any{"apk": apk, "instances": instances}
	return c.makeRequest(ctx, "POST", "/api/install", body, nil)
}

// Push copies a file on the daemon's host onto the named instances, or the
// sync group when instances is empty.
func (c *Client) Push(ctx context.Context, local, remote string, instances []string) error {
	body := map[string]any{"local": local, "remote": remote, "instances": instances}
	return c.makeRequest(ctx, "POST", "/api/push", body, nil)
}

// History returns journal entries, newest first.
func (c *Client) History(ctx context.Context, instance string, limit int) ([]journal.Entry, error) {
	q := url.Values{}
	if instance != "" {
		q.Set("instance", instance)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []journal.Entry
	err := c.makeRequest(ctx, "GET", "/api/history?"+q.Encode(), nil, &out)
	return out, err
}
