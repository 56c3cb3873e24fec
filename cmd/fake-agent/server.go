// ABOUTME: Fake agent server handlers for local development and E2E runs
// ABOUTME: Speaks the chat channel, widget and theme protocols plus the agent HTTP API

package main

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/cruse/internal/negotiate"
)

const maxRequestBody = 1 << 20

// widgetKeywords trigger a form from the widget agent.
var widgetKeywords = []string{"book", "flight", "form", "schedule", "reserve", "sign up"}

var palettes = []map[string]string{
	{"primary": "#0f766e", "secondary": "#475569", "accent": "#f97316", "text": "#0f172a", "surface": "#f0fdfa"},
	{"primary": "#7c3aed", "secondary": "#6b7280", "accent": "#eab308", "text": "#111827", "surface": "#faf5ff"},
	{"primary": "#be123c", "secondary": "#57534e", "accent": "#0ea5e9", "text": "#1c1917", "surface": "#fff1f2"},
}

type agentServer struct {
	widgetAgent string
	themeAgent  string
	agents      []negotiate.AgentInfo
	replyDelay  time.Duration
	upgrader    websocket.Upgrader
	logger      *slog.Logger
}

func newAgentServer(widgetAgent, themeAgent string, agents []negotiate.AgentInfo, logger *slog.Logger) *agentServer {
	return &agentServer{
		widgetAgent: widgetAgent,
		themeAgent:  themeAgent,
		agents:      agents,
		replyDelay:  50 * time.Millisecond,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger.With("component", "fake_agent"),
	}
}

// routes serves channels under wsPath and the HTTP API under /api/v1.
func (s *agentServer) routes(wsPath string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+strings.TrimRight(wsPath, "/")+"/chat/{agent}/{session}", s.handleChat)
	mux.HandleFunc("GET /api/v1/list", s.handleList)
	mux.HandleFunc("GET /api/v1/ping", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("POST /api/v1/oneshot/chat", s.handleOneShot)
	return mux
}

func (s *agentServer) handleChat(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent")
	sessionID := r.PathValue("session")
	logger := s.logger.With("agent_id", agentID, "session_id", sessionID)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	logger.Info("channel opened")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			logger.Info("channel closed", "error", err)
			return
		}
		reply, err := s.reply(agentID, data)
		if err != nil {
			logger.Warn("bad request", "error", err)
			continue
		}
		if s.replyDelay > 0 && agentID != s.widgetAgent && agentID != s.themeAgent {
			time.Sleep(s.replyDelay)
		}
		if err := conn.WriteMessage(websocket.TextMessage, reply); err != nil {
			logger.Warn("write failed", "error", err)
			return
		}
	}
}

func (s *agentServer) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{"agents": s.agents})
}

func (s *agentServer) handleOneShot(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentName string `json:"agent_name"`
		Message   string `json:"message"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	var reply []byte
	var err error
	switch req.AgentName {
	case s.widgetAgent, s.themeAgent:
		reply, err = s.reply(req.AgentName, []byte(req.Message))
	default:
		reply, err = json.Marshal(echoReply(req.Message))
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	text := string(reply)
	if req.AgentName == s.widgetAgent || req.AgentName == s.themeAgent {
		writeJSON(w, map[string]any{"raw_response": map[string]any{"message": text}})
		return
	}
	writeJSON(w, map[string]any{"raw_response": map[string]any{"message": json.RawMessage(reply)}})
}

// reply builds the frame agentID sends back for one inbound frame.
func (s *agentServer) reply(agentID string, data []byte) ([]byte, error) {
	switch agentID {
	case s.widgetAgent:
		return s.widgetReply(data)
	case s.themeAgent:
		return s.themeReply(data)
	default:
		var in struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(data, &in); err != nil {
			return nil, fmt.Errorf("decoding chat frame: %w", err)
		}
		return json.Marshal(map[string]any{
			"message": map[string]string{"type": "AI", "text": echoReply(in.Message)},
		})
	}
}

// widgetReply proposes a form when the conversation asks for one. The form is
// sent the way chat-only agents send it: fenced JSON inside an AI message.
func (s *agentServer) widgetReply(data []byte) ([]byte, error) {
	var req struct {
		ConversationContext string `json:"conversation_context"`
		UserIntent          string `json:"user_intent"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("decoding widget request: %w", err)
	}

	topic := matchKeyword(strings.ToLower(req.ConversationContext + " " + req.UserIntent))
	if topic == "" {
		return json.Marshal(map[string]bool{"display": false})
	}

	proposal, err := json.Marshal(map[string]any{
		"display": true,
		"widget": map[string]any{
			"title":       cases(topic) + " details",
			"description": "Fill in the details and I will take it from there.",
			"icon":        "calendar",
			"schema": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name": map[string]string{"type": "string", "title": "Name"},
					"date": map[string]string{"type": "string", "format": "date", "title": "Date"},
				},
				"required": []string{"name"},
			},
		},
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{
		"message": map[string]string{"type": "AI", "text": "```json\n" + string(proposal) + "\n```"},
	})
}

// themeReply picks a palette from the agent name so each agent keeps its look.
func (s *agentServer) themeReply(data []byte) ([]byte, error) {
	var info negotiate.AgentInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("decoding theme request: %w", err)
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(info.Name))
	colors := palettes[h.Sum32()%uint32(len(palettes))]

	return json.Marshal(map[string]any{
		"theme": negotiate.Theme{
			Colors:     colors,
			Background: colors["surface"],
			Font:       "Inter, system-ui, sans-serif",
		},
	})
}

func matchKeyword(text string) string {
	for _, k := range widgetKeywords {
		if strings.Contains(text, k) {
			return k
		}
	}
	return ""
}

func cases(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func echoReply(input string) string {
	lower := strings.ToLower(input)
	if strings.Contains(lower, "markdown") || strings.Contains(lower, "bullet") || strings.Contains(lower, "list") {
		return "Here is a **markdown** response:\n\n- First item\n- Second item with `code`\n- Third item\n\n> This is a blockquote.\n"
	}
	return fmt.Sprintf("Echo: **%s**\n\nI received your message and am responding with some *formatted* text.", input)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
