// ABOUTME: HTTP handlers for the thread API (threads, messages, export)
// ABOUTME: Thread CRUD and message history backed by the configured store

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/cruse/internal/export"
	"github.com/2389/cruse/internal/store"
)

const (
	maxBodyBytes        = 1 << 20
	defaultMessageLimit = 100
	defaultThreadLimit  = 100
	threadNotFound      = "Thread not found"
)

// registerAPIRoutes mounts the thread API under APIPrefix.
func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST "+APIPrefix+"/threads", g.handleCreateThread)
	mux.HandleFunc("GET "+APIPrefix+"/threads", g.handleListThreads)
	mux.HandleFunc("GET "+APIPrefix+"/threads/{id}", g.handleGetThread)
	mux.HandleFunc("PATCH "+APIPrefix+"/threads/{id}", g.handleUpdateThread)
	mux.HandleFunc("DELETE "+APIPrefix+"/threads/{id}", g.handleDeleteThread)
	mux.HandleFunc("POST "+APIPrefix+"/threads/{id}/messages", g.handleAddMessage)
	mux.HandleFunc("GET "+APIPrefix+"/threads/{id}/messages", g.handleListMessages)
	mux.HandleFunc("GET "+APIPrefix+"/threads/{id}/export", g.handleExport)
}

// handleCreateThread handles POST /threads.
func (g *Gateway) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	var req ThreadCreate
	if err := decodeBody(r.Body, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		g.sendJSONError(w, http.StatusBadRequest, "title is required")
		return
	}

	now := time.Now().UTC()
	thread := &store.Thread{
		ID:        req.ID,
		Title:     req.Title,
		AgentName: req.AgentName,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if thread.ID == "" {
		thread.ID = uuid.NewString()
	}

	err := g.store.CreateThread(r.Context(), thread)
	if errors.Is(err, store.ErrDuplicateThread) {
		g.sendJSONError(w, http.StatusConflict, "Thread already exists")
		return
	}
	if err != nil {
		g.internalError(w, "failed to create thread", err)
		return
	}

	g.logger.Info("thread created", "thread_id", thread.ID, "agent_id", thread.AgentName)
	g.sendJSON(w, http.StatusCreated, NewThreadResponse(thread))
}

// handleListThreads handles GET /threads, optionally filtered by ?agent_name=.
func (g *Gateway) handleListThreads(w http.ResponseWriter, r *http.Request) {
	limit, ok := g.queryInt(w, r, "limit", defaultThreadLimit, 1)
	if !ok {
		return
	}

	threads, err := g.store.ListThreads(r.Context(), r.URL.Query().Get("agent_name"), limit)
	if err != nil {
		g.internalError(w, "failed to list threads", err)
		return
	}

	resp := make([]ThreadResponse, len(threads))
	for i, t := range threads {
		resp[i] = NewThreadResponse(t)
	}
	g.sendJSON(w, http.StatusOK, resp)
}

// handleGetThread handles GET /threads/{id} and includes the message history.
func (g *Gateway) handleGetThread(w http.ResponseWriter, r *http.Request) {
	thread, ok := g.lookupThread(w, r)
	if !ok {
		return
	}

	msgs, err := g.store.GetThreadMessages(r.Context(), thread.ID, 1000, 0)
	if err != nil {
		g.internalError(w, "failed to get messages", err)
		return
	}

	g.sendJSON(w, http.StatusOK, ThreadWithMessages{
		ThreadResponse: NewThreadResponse(thread),
		Messages:       messageResponses(msgs),
	})
}

// handleUpdateThread handles PATCH /threads/{id}. Only the title can change.
func (g *Gateway) handleUpdateThread(w http.ResponseWriter, r *http.Request) {
	var req ThreadUpdate
	if err := decodeBody(r.Body, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		g.sendJSONError(w, http.StatusBadRequest, "title is required")
		return
	}

	thread, ok := g.lookupThread(w, r)
	if !ok {
		return
	}
	thread.Title = req.Title
	thread.UpdatedAt = time.Now().UTC()

	err := g.store.UpdateThread(r.Context(), thread)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, threadNotFound)
		return
	}
	if err != nil {
		g.internalError(w, "failed to update thread", err)
		return
	}

	g.sendJSON(w, http.StatusOK, NewThreadResponse(thread))
}

// handleDeleteThread handles DELETE /threads/{id}. Messages go with the thread.
func (g *Gateway) handleDeleteThread(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	err := g.store.DeleteThread(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, threadNotFound)
		return
	}
	if err != nil {
		g.internalError(w, "failed to delete thread", err)
		return
	}

	g.logger.Info("thread deleted", "thread_id", id)
	g.sendJSON(w, http.StatusOK, DeleteResponse{Message: "Thread deleted successfully", ThreadID: id})
}

// handleAddMessage handles POST /threads/{id}/messages.
func (g *Gateway) handleAddMessage(w http.ResponseWriter, r *http.Request) {
	var req MessageCreate
	if err := decodeBody(r.Body, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	sender, err := store.ParseSender(req.Sender)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	thread, ok := g.lookupThread(w, r)
	if !ok {
		return
	}

	msg := &store.Message{
		ThreadID: thread.ID,
		Sender:   sender,
		Origin:   req.Origin,
		Text:     req.Text,
		Widget:   req.Widget,
	}
	if req.CreatedAt != nil {
		msg.CreatedAt = req.CreatedAt.UTC()
	} else {
		msg.CreatedAt = time.Now().UTC()
	}

	err = g.store.SaveMessage(r.Context(), msg)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, threadNotFound)
		return
	}
	if err != nil {
		g.internalError(w, "failed to save message", err)
		return
	}

	g.logger.Debug("message saved", "thread_id", thread.ID, "message_id", msg.ID, "sender", msg.Sender)
	g.sendJSON(w, http.StatusCreated, NewMessageResponse(msg))
}

// handleListMessages handles GET /threads/{id}/messages?limit=N&offset=M.
func (g *Gateway) handleListMessages(w http.ResponseWriter, r *http.Request) {
	limit, ok := g.queryInt(w, r, "limit", defaultMessageLimit, 1)
	if !ok {
		return
	}
	offset, ok := g.queryInt(w, r, "offset", 0, 0)
	if !ok {
		return
	}

	thread, ok := g.lookupThread(w, r)
	if !ok {
		return
	}

	msgs, err := g.store.GetThreadMessages(r.Context(), thread.ID, limit, offset)
	if err != nil {
		g.internalError(w, "failed to get messages", err)
		return
	}
	g.sendJSON(w, http.StatusOK, messageResponses(msgs))
}

// handleExport handles GET /threads/{id}/export?format=md|html.
func (g *Gateway) handleExport(w http.ResponseWriter, r *http.Request) {
	thread, ok := g.lookupThread(w, r)
	if !ok {
		return
	}

	msgs, err := g.store.GetThreadMessages(r.Context(), thread.ID, 1000, 0)
	if err != nil {
		g.internalError(w, "failed to get messages", err)
		return
	}

	body, contentType, err := export.Render(r.URL.Query().Get("format"), thread, msgs)
	if err != nil {
		if errors.Is(err, export.ErrUnknownFormat) {
			g.sendJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		g.internalError(w, "failed to render export", err)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// lookupThread loads the {id} path thread, writing a 404 when it is unknown.
func (g *Gateway) lookupThread(w http.ResponseWriter, r *http.Request) (*store.Thread, bool) {
	thread, err := g.store.GetThread(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, threadNotFound)
		return nil, false
	}
	if err != nil {
		g.internalError(w, "failed to get thread", err)
		return nil, false
	}
	return thread, true
}

// queryInt parses an optional integer query parameter with a lower bound.
func (g *Gateway) queryInt(w http.ResponseWriter, r *http.Request, name string, def, min int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < min {
		g.sendJSONError(w, http.StatusBadRequest, name+" must be an integer >= "+strconv.Itoa(min))
		return 0, false
	}
	return v, true
}

func messageResponses(msgs []*store.Message) []MessageResponse {
	out := make([]MessageResponse, len(msgs))
	for i, m := range msgs {
		out[i] = NewMessageResponse(m)
	}
	return out
}

func decodeBody(body io.Reader, v any) error {
	dec := json.NewDecoder(io.LimitReader(body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

func (g *Gateway) internalError(w http.ResponseWriter, msg string, err error) {
	g.logger.Error(msg, "error", err)
	g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
}

func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, ErrorResponse{Detail: message})
}
