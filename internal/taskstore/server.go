package taskstore

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/locusai/locus/internal/debug"
)

type errorResponse struct {
	Error string `json:"error"`
}

type dispatchRequest struct {
	AgentID  string `json:"agentId"`
	SprintID string `json:"sprintId,omitempty"`
	Tier     *int   `json:"tier,omitempty"`
}

type renewRequest struct {
	AgentID string `json:"agentId"`
}

type mindmapRequest struct {
	Mindmap string `json:"mindmap"`
}

// NewHandler serves s over the RPC routes Client speaks. When apiKey is set,
// requests must carry it as a bearer token.
func NewHandler(s Store, apiKey string) http.Handler {
	h := &handler{store: s}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /workspaces/{ws}/dispatch", h.dispatch)
	mux.HandleFunc("GET /workspaces/{ws}/sprints/active", h.activeSprint)
	mux.HandleFunc("GET /tasks/{id}", h.getTask)
	mux.HandleFunc("PATCH /tasks/{id}", h.updateTask)
	mux.HandleFunc("POST /tasks/{id}/comments", h.addComment)
	mux.HandleFunc("POST /tasks/{id}/renew", h.renew)
	mux.HandleFunc("GET /sprints/{id}", h.getSprint)
	mux.HandleFunc("GET /sprints/{id}/tasks", h.listTasks)
	mux.HandleFunc("PUT /sprints/{id}/mindmap", h.saveMindmap)
	return logMiddleware(authMiddleware(apiKey, mux))
}

type handler struct {
	store Store
}

func (h *handler) dispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.AgentID) == "" {
		writeError(w, http.StatusBadRequest, "agentId is required")
		return
	}
	var (
		task *Task
		err  error
	)
	if req.Tier != nil {
		task, err = h.store.DispatchTier(r.Context(), r.PathValue("ws"), req.AgentID, req.SprintID, *req.Tier)
	} else {
		task, err = h.store.Dispatch(r.Context(), r.PathValue("ws"), req.AgentID, req.SprintID)
	}
	if errors.Is(err, ErrNoTask) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	respond(w, http.StatusOK, task, err)
}

func (h *handler) renew(w http.ResponseWriter, r *http.Request) {
	var req renewRequest
	if !decodeBody(w, r, &req) {
		return
	}
	t, err := h.store.Renew(r.Context(), r.PathValue("id"), req.AgentID)
	respond(w, http.StatusOK, t, err)
}

func (h *handler) activeSprint(w http.ResponseWriter, r *http.Request) {
	s, err := h.store.ActiveSprint(r.Context(), r.PathValue("ws"))
	respond(w, http.StatusOK, s, err)
}

func (h *handler) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.store.GetTask(r.Context(), r.PathValue("id"))
	respond(w, http.StatusOK, t, err)
}

func (h *handler) updateTask(w http.ResponseWriter, r *http.Request) {
	var u Update
	if !decodeBody(w, r, &u) {
		return
	}
	if u.Status != "" && !u.Status.Valid() {
		writeError(w, http.StatusBadRequest, "invalid status "+string(u.Status))
		return
	}
	t, err := h.store.Update(r.Context(), r.PathValue("id"), u)
	respond(w, http.StatusOK, t, err)
}

func (h *handler) addComment(w http.ResponseWriter, r *http.Request) {
	var c NewComment
	if !decodeBody(w, r, &c) {
		return
	}
	comment, err := h.store.AddComment(r.Context(), r.PathValue("id"), c)
	respond(w, http.StatusCreated, comment, err)
}

func (h *handler) getSprint(w http.ResponseWriter, r *http.Request) {
	s, err := h.store.GetSprint(r.Context(), r.PathValue("id"))
	respond(w, http.StatusOK, s, err)
}

func (h *handler) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.store.ListTasks(r.Context(), r.PathValue("id"))
	if tasks == nil {
		tasks = []Task{}
	}
	respond(w, http.StatusOK, tasks, err)
}

func (h *handler) saveMindmap(w http.ResponseWriter, r *http.Request) {
	var req mindmapRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.store.SaveMindmap(r.Context(), r.PathValue("id"), req.Mindmap); err != nil {
		respond(w, 0, nil, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func respond(w http.ResponseWriter, status int, v any, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrLeaseLost):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, status, v)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		debug.LogKV("taskstore.server", "failed to encode json response", "status", status, "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func authMiddleware(apiKey string, next http.Handler) http.Handler {
	if apiKey == "" {
		return next
	}
	want := []byte("Bearer " + apiKey)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get("Authorization"))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(recorder, r)

		debug.LogKV("taskstore.server", "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", recorder.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}
