// ABOUTME: HTTP client for the gateway thread API
// ABOUTME: Implements store.Store so chat sessions can share a remote history

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
	"strings"
	"time"

	"github.com/2389/cruse/internal/gateway"
	"github.com/2389/cruse/internal/store"
)

const (
	defaultTimeout = 15 * time.Second
	maxResponse    = 8 << 20
)

// ErrUnauthorized is returned when the gateway rejects the bearer token.
var ErrUnauthorized = errors.New("unauthorized")

// APIError is a non-2xx response from the gateway.
type APIError struct {
	Status int
	Detail string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("gateway returned status %d", e.Status)
	}
	return fmt.Sprintf("gateway error (%d): %s", e.Status, e.Detail)
}

// Unwrap maps status codes onto the store's sentinel errors.
func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusNotFound:
		return store.ErrNotFound
	case http.StatusConflict:
		return store.ErrDuplicateThread
	case http.StatusUnauthorized:
		return ErrUnauthorized
	}
	return nil
}

// ThreadClient talks to a cruse gateway.
type ThreadClient struct {
	baseURL string
	token   string
	client  *http.Client
}

var _ store.Store = (*ThreadClient)(nil)

// Option configures a ThreadClient.
type Option func(*ThreadClient)

// WithToken sends token as a bearer token on every request.
func WithToken(token string) Option {
	return func(c *ThreadClient) { c.token = token }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *ThreadClient) { c.client = hc }
}

// NewThreadClient creates a client for the gateway at baseURL, e.g. http://localhost:8090.
func NewThreadClient(baseURL string, opts ...Option) *ThreadClient {
	c := &ThreadClient{
		baseURL: strings.TrimSuffix(baseURL, "/") + gateway.APIPrefix,
		client:  &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateThread creates the thread and copies the server's view back into it.
func (c *ThreadClient) CreateThread(ctx context.Context, thread *store.Thread) error {
	req := gateway.ThreadCreate{ID: thread.ID, Title: thread.Title, AgentName: thread.AgentName}
	var resp gateway.ThreadResponse
	if err := c.do(ctx, http.MethodPost, "/threads", req, &resp); err != nil {
		return fmt.Errorf("creating thread: %w", err)
	}
	*thread = *resp.Thread()
	return nil
}

// GetThread retrieves a thread. Messages are fetched separately.
func (c *ThreadClient) GetThread(ctx context.Context, id string) (*store.Thread, error) {
	var resp gateway.ThreadWithMessages
	if err := c.do(ctx, http.MethodGet, "/threads/"+url.PathEscape(id), nil, &resp); err != nil {
		return nil, fmt.Errorf("getting thread %s: %w", id, err)
	}
	return resp.ThreadResponse.Thread(), nil
}

// UpdateThread renames a thread. The gateway only changes titles.
func (c *ThreadClient) UpdateThread(ctx context.Context, thread *store.Thread) error {
	var resp gateway.ThreadResponse
	err := c.do(ctx, http.MethodPatch, "/threads/"+url.PathEscape(thread.ID), gateway.ThreadUpdate{Title: thread.Title}, &resp)
	if err != nil {
		return fmt.Errorf("updating thread %s: %w", thread.ID, err)
	}
	thread.UpdatedAt = resp.UpdatedAt
	return nil
}

// ListThreads lists threads, most recently active first.
func (c *ThreadClient) ListThreads(ctx context.Context, agentName string, limit int) ([]*store.Thread, error) {
	q := url.Values{}
	if agentName != "" {
		q.Set("agent_name", agentName)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/threads"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp []gateway.ThreadResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("listing threads: %w", err)
	}
	threads := make([]*store.Thread, len(resp))
	for i, t := range resp {
		threads[i] = t.Thread()
	}
	return threads, nil
}

// DeleteThread deletes a thread and its messages.
func (c *ThreadClient) DeleteThread(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodDelete, "/threads/"+url.PathEscape(id), nil, nil); err != nil {
		return fmt.Errorf("deleting thread %s: %w", id, err)
	}
	return nil
}

// SaveMessage posts msg and assigns the server's id to it.
func (c *ThreadClient) SaveMessage(ctx context.Context, msg *store.Message) error {
	req := gateway.MessageCreate{
		Sender: string(msg.Sender),
		Origin: msg.Origin,
		Text:   msg.Text,
		Widget: msg.Widget,
	}
	if !msg.CreatedAt.IsZero() {
		at := msg.CreatedAt
		req.CreatedAt = &at
	}

	var resp gateway.MessageResponse
	if err := c.do(ctx, http.MethodPost, "/threads/"+url.PathEscape(msg.ThreadID)+"/messages", req, &resp); err != nil {
		return fmt.Errorf("saving message: %w", err)
	}
	msg.ID = resp.ID
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = resp.CreatedAt
	}
	return nil
}

// GetThreadMessages returns a page of messages, oldest first.
func (c *ThreadClient) GetThreadMessages(ctx context.Context, threadID string, limit, offset int) ([]*store.Message, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	path := "/threads/" + url.PathEscape(threadID) + "/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp []gateway.MessageResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("getting messages for %s: %w", threadID, err)
	}
	msgs := make([]*store.Message, len(resp))
	for i, m := range resp {
		msgs[i] = m.Message()
	}
	return msgs, nil
}

// Export downloads a rendered transcript.
func (c *ThreadClient) Export(ctx context.Context, threadID, format string) ([]byte, error) {
	path := "/threads/" + url.PathEscape(threadID) + "/export"
	if format != "" {
		path += "?format=" + url.QueryEscape(format)
	}

	resp, err := c.send(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("exporting thread %s: %w", threadID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponse))
	if err != nil {
		return nil, fmt.Errorf("reading export: %w", err)
	}
	return body, nil
}

// Close releases idle connections.
func (c *ThreadClient) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

// do sends body as JSON and decodes a 2xx JSON response into out when non-nil.
func (c *ThreadClient) do(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponse)).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// send performs the request and turns non-2xx responses into *APIError.
func (c *ThreadClient) send(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request: %w", err)
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, handleErrorResponse(resp)
	}
	return resp, nil
}

// handleErrorResponse extracts the detail message from a non-2xx response.
func handleErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	apiErr := &APIError{Status: resp.StatusCode}
	var errResp gateway.ErrorResponse
	if json.Unmarshal(body, &errResp) == nil && errResp.Detail != "" {
		apiErr.Detail = errResp.Detail
	} else {
		apiErr.Detail = strings.TrimSpace(string(body))
	}
	return apiErr
}
