// ABOUTME: One-shot HTTP requester for side agents (POST {apiBase}/oneshot/chat).
// ABOUTME: Used by the theme negotiator when no persistent side channel is configured.

package negotiate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const maxOneShotBody = 1 << 20

// OneShotClient sends a single request to a named agent over HTTP.
type OneShotClient struct {
	BaseURL    string // e.g. http://localhost:4173/api/v1
	AgentName  string
	HTTPClient *http.Client
}

type oneShotRequest struct {
	AgentName string `json:"agent_name"`
	Message   string `json:"message"`
}

type oneShotResponse struct {
	RawResponse struct {
		Message json.RawMessage `json:"message"`
	} `json:"raw_response"`
}

// Do posts payload, serialised to a JSON string, as the agent message and
// returns the agent's reply. A string reply is returned as its text; an
// object reply is returned as its JSON.
func (c *OneShotClient) Do(ctx context.Context, payload any) ([]byte, error) {
	var message string
	switch p := payload.(type) {
	case string:
		message = p
	default:
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		message = string(data)
	}

	body, err := json.Marshal(oneShotRequest{AgentName: c.AgentName, Message: message})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	url := strings.TrimRight(c.BaseURL, "/") + "/oneshot/chat"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxOneShotBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oneshot %s: status %d", c.AgentName, resp.StatusCode)
	}

	var out oneShotResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(out.RawResponse.Message) == 0 {
		return nil, fmt.Errorf("oneshot %s: empty response", c.AgentName)
	}

	var text string
	if err := json.Unmarshal(out.RawResponse.Message, &text); err == nil {
		return []byte(stripFence(text)), nil
	}
	return out.RawResponse.Message, nil
}
