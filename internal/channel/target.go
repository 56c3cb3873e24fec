// ABOUTME: Target names one logical channel endpoint and builds its URL.
// ABOUTME: URLs follow {protocol}://{host}:{port}{path}/chat/{agent}/{session}.

package channel

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Target identifies the agent and session a channel talks to, and where the
// agent server lives.
type Target struct {
	Protocol  string // "ws" or "wss"
	Host      string
	Port      int // 0 omits the port
	Path      string
	AgentID   string
	SessionID string
}

// ParseBase builds a Target without agent or session from a base URL such as
// "ws://localhost:4173/api/v1/ws". http and https schemes are mapped to ws and wss.
func ParseBase(base string) (Target, error) {
	u, err := url.Parse(base)
	if err != nil {
		return Target{}, fmt.Errorf("parse channel base: %w", err)
	}

	t := Target{Protocol: u.Scheme, Host: u.Hostname(), Path: strings.TrimRight(u.Path, "/")}
	switch t.Protocol {
	case "http":
		t.Protocol = "ws"
	case "https":
		t.Protocol = "wss"
	case "ws", "wss":
	default:
		return Target{}, fmt.Errorf("parse channel base: unsupported scheme %q", u.Scheme)
	}
	if t.Host == "" {
		return Target{}, fmt.Errorf("parse channel base: missing host in %q", base)
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return Target{}, fmt.Errorf("parse channel base: invalid port %q", p)
		}
		t.Port = port
	}
	return t, nil
}

// For returns a copy of t addressed to agentID and sessionID.
func (t Target) For(agentID, sessionID string) Target {
	t.AgentID = agentID
	t.SessionID = sessionID
	return t
}

// Base returns the URL prefix shared by every chat channel on this server.
func (t Target) Base() string {
	protocol := t.Protocol
	if protocol == "" {
		protocol = "ws"
	}
	host := t.Host
	if t.Port != 0 {
		host = net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
	}
	path := strings.TrimRight(t.Path, "/")
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return protocol + "://" + host + path
}

// URL returns the channel URL for the target's agent and session.
func (t Target) URL() string {
	return t.Base() + "/chat/" + url.PathEscape(t.AgentID) + "/" + url.PathEscape(t.SessionID)
}

func (t Target) String() string {
	return t.AgentID + "/" + t.SessionID
}
