// ABOUTME: Agent directory client for GET {apiBase}/list
// ABOUTME: Caches agent metadata used by theme negotiation and the chat agent picker

package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/2389/cruse/internal/negotiate"
)

// ErrUnknownAgent is returned by Describe for names the agent server does not list.
var ErrUnknownAgent = errors.New("unknown agent")

// DefaultDirectoryTTL is how long a fetched agent list is reused.
const DefaultDirectoryTTL = time.Minute

type listResponse struct {
	Agents []negotiate.AgentInfo `json:"agents"`
}

// Directory lists the agents served by the agent server.
type Directory struct {
	baseURL string
	client  *http.Client
	ttl     time.Duration

	mu      sync.Mutex
	agents  []negotiate.AgentInfo
	fetched time.Time
}

// NewDirectory creates a directory for apiBase, e.g. http://localhost:4173/api/v1.
// A nil httpClient uses a client with a short timeout.
func NewDirectory(apiBase string, httpClient *http.Client) *Directory {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Directory{
		baseURL: strings.TrimRight(apiBase, "/"),
		client:  httpClient,
		ttl:     DefaultDirectoryTTL,
	}
}

// List returns every agent, refetching once the cached list is older than the TTL.
func (d *Directory) List(ctx context.Context) ([]negotiate.AgentInfo, error) {
	d.mu.Lock()
	if d.agents != nil && time.Since(d.fetched) < d.ttl {
		agents := append([]negotiate.AgentInfo(nil), d.agents...)
		d.mu.Unlock()
		return agents, nil
	}
	d.mu.Unlock()

	agents, err := d.fetch(ctx)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.agents = agents
	d.fetched = time.Now()
	d.mu.Unlock()

	return append([]negotiate.AgentInfo(nil), agents...), nil
}

// Describe returns the metadata for one agent.
func (d *Directory) Describe(ctx context.Context, agentName string) (negotiate.AgentInfo, error) {
	agents, err := d.List(ctx)
	if err != nil {
		return negotiate.AgentInfo{}, err
	}
	for _, a := range agents {
		if a.Name == agentName {
			return a, nil
		}
	}
	return negotiate.AgentInfo{}, fmt.Errorf("%w: %s", ErrUnknownAgent, agentName)
}

// Invalidate drops the cached list.
func (d *Directory) Invalidate() {
	d.mu.Lock()
	d.agents = nil
	d.mu.Unlock()
}

func (d *Directory) fetch(ctx context.Context) ([]negotiate.AgentInfo, error) {
	url := d.baseURL + "/list"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, handleErrorResponse(resp)
	}

	var body listResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponse)).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding agent list: %w", err)
	}
	if body.Agents == nil {
		body.Agents = []negotiate.AgentInfo{}
	}
	return body.Agents, nil
}
