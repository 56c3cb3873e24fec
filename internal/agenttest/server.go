// ABOUTME: In-process websocket agent server for tests.
// ABOUTME: Serves /chat/{agent}/{session}, records requests, replies via a Responder.

package agenttest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// Request is one inbound frame received by the server.
type Request struct {
	AgentID   string
	SessionID string
	Payload   []byte
}

// Decode unmarshals the payload into v.
func (r Request) Decode(v any) error {
	return json.Unmarshal(r.Payload, v)
}

// Responder returns the frames to send back for a request. Strings, []byte
// and json.RawMessage are sent verbatim; other values are JSON-encoded.
// Returning nil sends nothing.
type Responder func(req Request) []any

// Server is a fake agent server speaking the chat channel protocol.
type Server struct {
	*httptest.Server

	upgrader websocket.Upgrader

	mu       sync.Mutex
	respond  Responder
	requests []Request
	conns    map[string]*websocket.Conn // "agent/session" -> latest connection
	writeMu  map[*websocket.Conn]*sync.Mutex
	dials    int
	notify   chan struct{}
	greet    map[string][]any         // agent -> frames written right after upgrade
	delay    map[string]time.Duration // agent -> pause before upgrade
	live     map[string]int           // agent -> open connections
}

// NewServer starts a server under path prefix /ws. It is closed on test cleanup.
func NewServer(t testing.TB, respond Responder) *Server {
	t.Helper()
	s := &Server{
		respond: respond,
		conns:   make(map[string]*websocket.Conn),
		writeMu: make(map[*websocket.Conn]*sync.Mutex),
		notify:  make(chan struct{}, 1),
		greet:   make(map[string][]any),
		delay:   make(map[string]time.Duration),
		live:    make(map[string]int),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/chat/{agent}/{session}", s.handle)
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// Echo replies to every primary-protocol message with an AI message
// carrying the same text.
func Echo(req Request) []any {
	var in struct {
		Message string `json:"message"`
	}
	if err := req.Decode(&in); err != nil {
		return nil
	}
	return []any{map[string]any{"message": map[string]any{"type": "AI", "text": "echo: " + in.Message}}}
}

// WSBase returns the websocket base URL, e.g. "ws://127.0.0.1:1234/ws".
func (s *Server) WSBase() string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/ws"
}

// SetResponder replaces the responder.
func (s *Server) SetResponder(r Responder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.respond = r
}

// Greet makes every new connection for agentID receive frames as soon as it
// is upgraded, before any request is read.
func (s *Server) Greet(agentID string, frames ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.greet[agentID] = frames
}

// DelayUpgrade holds upgrade requests for agentID for d.
func (s *Server) DelayUpgrade(agentID string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay[agentID] = d
}

// Requests returns every request received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// RequestsFor returns requests received for one agent.
func (s *Server) RequestsFor(agentID string) []Request {
	var out []Request
	for _, r := range s.Requests() {
		if r.AgentID == agentID {
			out = append(out, r)
		}
	}
	return out
}

// Dials returns how many upgrade requests arrived.
func (s *Server) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// Live returns how many connections for agentID are still open.
func (s *Server) Live(agentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live[agentID]
}

// WaitRequests blocks until at least n requests for agentID arrived.
func (s *Server) WaitRequests(t testing.TB, agentID string, n int) []Request {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if got := s.RequestsFor(agentID); len(got) >= n {
			return got
		}
		select {
		case <-s.notify:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out waiting for %d requests to %s, got %d", n, agentID, len(s.RequestsFor(agentID)))
			return nil
		}
	}
}

// Push sends an unsolicited frame to the latest connection for agent/session.
func (s *Server) Push(agentID, sessionID string, v any) bool {
	s.mu.Lock()
	conn := s.conns[agentID+"/"+sessionID]
	mu := s.writeMu[conn]
	s.mu.Unlock()
	if conn == nil {
		return false
	}
	return write(conn, mu, v) == nil
}

// Drop closes the latest connection for agent/session abnormally.
func (s *Server) Drop(agentID, sessionID string) {
	s.mu.Lock()
	conn := s.conns[agentID+"/"+sessionID]
	s.mu.Unlock()
	if conn != nil {
		_ = conn.UnderlyingConn().Close()
	}
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent")
	sessionID := r.PathValue("session")

	s.mu.Lock()
	s.dials++
	delay := s.delay[agentID]
	greeting := s.greet[agentID]
	s.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	mu := &sync.Mutex{}
	s.mu.Lock()
	s.conns[agentID+"/"+sessionID] = conn
	s.writeMu[conn] = mu
	s.live[agentID]++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.live[agentID]--
		s.mu.Unlock()
	}()

	for _, v := range greeting {
		if err := write(conn, mu, v); err != nil {
			return
		}
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		req := Request{AgentID: agentID, SessionID: sessionID, Payload: data}

		s.mu.Lock()
		s.requests = append(s.requests, req)
		respond := s.respond
		s.mu.Unlock()

		select {
		case s.notify <- struct{}{}:
		default:
		}

		if respond == nil {
			continue
		}
		for _, v := range respond(req) {
			if err := write(conn, mu, v); err != nil {
				return
			}
		}
	}
}

func write(conn *websocket.Conn, mu *sync.Mutex, v any) error {
	var data []byte
	switch b := v.(type) {
	case []byte:
		data = b
	case json.RawMessage:
		data = b
	case string:
		data = []byte(b)
	default:
		var err error
		data, err = json.Marshal(v)
		if err != nil {
			return err
		}
	}
	mu.Lock()
	defer mu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}
