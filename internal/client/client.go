// Package client talks to a running inloop daemon over its loopback API.
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

	"github.com/uesteibar/inloop/internal/db"
	"github.com/uesteibar/inloop/internal/ingest"
	"github.com/uesteibar/inloop/internal/item"
)

const defaultTimeout = 10 * time.Second

// APIError is a non-2xx response from the daemon.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("inloop API %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the daemon.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

type Client struct {
	baseURL    string
	httpClient *http.Client
}

type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New returns a client for the daemon listening on addr (host:port) or at a
// full http:// base URL.
func New(addr string, opts ...Option) *Client {
	base := addr
	if u, err := url.Parse(addr); err != nil || u.Scheme == "" || u.Host == "" {
		base = "http://" + addr
	}
	c := &Client{
		baseURL:    base,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type Status struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Uptime   string `json:"uptime"`
	InFlight int    `json:"in_flight"`
}

func (c *Client) Status(ctx context.Context) (Status, error) {
	var out Status
	err := c.do(ctx, http.MethodGet, "/api/status", nil, &out)
	return out, err
}

func (c *Client) Register(ctx context.Context, req ingest.Registration) (ingest.Registered, error) {
	var out ingest.Registered
	err := c.do(ctx, http.MethodPost, "/api/sessions", req, &out)
	return out, err
}

func (c *Client) Session(ctx context.Context, id string) (item.Session, error) {
	var out item.Session
	err := c.do(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(id), nil, &out)
	return out, err
}

// UpdateSession pushes a status for the session's item.
func (c *Client) UpdateSession(ctx context.Context, id string, status item.Status) (item.Item, error) {
	var out item.Item
	body := map[string]item.Status{"status": status}
	err := c.do(ctx, http.MethodPatch, "/api/sessions/"+url.PathEscape(id), body, &out)
	return out, err
}

// AddRequest tracks a URL. Title and PollInterval are optional.
type AddRequest struct {
	Input        string `json:"input"`
	Title        string `json:"title,omitempty"`
	PollInterval string `json:"poll_interval,omitempty"`
}

func (c *Client) Add(ctx context.Context, req AddRequest) (item.Item, error) {
	var out item.Item
	err := c.do(ctx, http.MethodPost, "/api/items", req, &out)
	return out, err
}

// Archived selects which items List returns.
type Archived string

const (
	Active       Archived = "false"
	ArchivedOnly Archived = "true"
	AllItems     Archived = "all"
)

func (c *Client) List(ctx context.Context, archived Archived) ([]item.Item, error) {
	var out []item.Item
	q := url.Values{"archived": {string(archived)}}
	err := c.do(ctx, http.MethodGet, "/api/items?"+q.Encode(), nil, &out)
	return out, err
}

func (c *Client) Get(ctx context.Context, id string) (item.Item, error) {
	var out item.Item
	err := c.do(ctx, http.MethodGet, itemPath(id), nil, &out)
	return out, err
}

func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, itemPath(id), nil, nil)
}

func (c *Client) Acknowledge(ctx context.Context, id string) (item.Item, error) {
	return c.action(ctx, id, "acknowledge")
}

func (c *Client) Archive(ctx context.Context, id string) (item.Item, error) {
	return c.action(ctx, id, "archive")
}

func (c *Client) Unarchive(ctx context.Context, id string) (item.Item, error) {
	return c.action(ctx, id, "unarchive")
}

func (c *Client) action(ctx context.Context, id, name string) (item.Item, error) {
	var out item.Item
	err := c.do(ctx, http.MethodPost, itemPath(id)+"/"+name, nil, &out)
	return out, err
}

func (c *Client) Events(ctx context.Context, id string, limit, offset int) ([]db.Event, error) {
	var out []db.Event
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	path := itemPath(id) + "/events"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// Setting is the stored poll interval and the configured fallback.
type Setting struct {
	Value   string `json:"value"`
	Default string `json:"default,omitempty"`
}

func (c *Client) PollInterval(ctx context.Context) (Setting, error) {
	var out Setting
	err := c.do(ctx, http.MethodGet, "/api/settings/poll_interval", nil, &out)
	return out, err
}

func (c *Client) SetPollInterval(ctx context.Context, value string) (Setting, error) {
	var out Setting
	err := c.do(ctx, http.MethodPut, "/api/settings/poll_interval", map[string]string{"value": value}, &out)
	return out, err
}

func itemPath(id string) string {
	return "/api/items/" + url.PathEscape(id)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		msg := string(bytes.TrimSpace(data))
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s response: %w", method, path, err)
	}
	return nil
}
