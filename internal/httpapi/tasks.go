// Package httpapi exposes the task lifecycle over HTTP: submission, status,
// cancellation, history, and three live event surfaces (NDJSON, SSE,
// WebSocket).
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/webrunner-ai/webrunner/internal/history"
	"github.com/webrunner-ai/webrunner/internal/manager"
	"github.com/webrunner-ai/webrunner/internal/streaming"
	"github.com/webrunner-ai/webrunner/internal/task"
)

// TaskHandler serves the task REST endpoints.
type TaskHandler struct {
	mgr     *manager.Manager
	stream  *streaming.Manager
	history *history.Writer // nil when history is disabled
	logger  *zap.Logger
}

func NewTaskHandler(mgr *manager.Manager, stream *streaming.Manager, hist *history.Writer, logger *zap.Logger) *TaskHandler {
	return &TaskHandler{mgr: mgr, stream: stream, history: hist, logger: logger}
}

// RegisterRoutes registers all task routes on the provided mux.
func (h *TaskHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/tasks", h.handleCreate)
	mux.HandleFunc("GET /api/v1/tasks", h.handleList)
	mux.HandleFunc("GET /api/v1/tasks/{id}", h.handleGet)
	mux.HandleFunc("POST /api/v1/tasks/{id}/cancel", h.handleCancel)
	mux.HandleFunc("GET /api/v1/tasks/{id}/stream", h.handleNDJSON)
	mux.HandleFunc("GET /api/v1/history", h.handleHistory)
}

func (h *TaskHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var in task.Input
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	t, err := h.mgr.CreateTask(in)
	switch {
	case errors.Is(err, manager.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, err.Error())
		return
	case errors.Is(err, task.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		h.logger.Error("task creation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusAccepted, taskResponse(t))
}

func (h *TaskHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	t, err := h.mgr.GetTask(r.PathValue("id"))
	if errors.Is(err, task.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, taskResponse(t))
}

func (h *TaskHandler) handleList(w http.ResponseWriter, r *http.Request) {
	tasks := h.mgr.ListTasks()
	out := make([]map[string]interface{}, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskResponse(t))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tasks": out,
		"count": len(out),
	})
}

func (h *TaskHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.mgr.CancelTask(id); err != nil {
		if errors.Is(err, task.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"task_id": id,
		"message": "cancellation requested",
	})
}

// handleNDJSON streams task events as newline-delimited JSON until the task
// reaches a terminal status or the client disconnects. A replay of buffered
// events precedes live delivery, so a client connecting late still sees the
// full picture.
func (h *TaskHandler) handleNDJSON(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	t, err := h.mgr.GetTask(id)
	if errors.Is(err, task.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")

	// Subscribe before replay so no event falls between the two.
	ch := h.stream.Subscribe(id, 256)
	defer h.stream.Unsubscribe(id, ch)

	var since uint64
	if q := r.URL.Query().Get("last_event_id"); q != "" {
		if n, perr := strconv.ParseUint(q, 10, 64); perr == nil {
			since = n
		}
	}
	lastSeq := since
	for _, evt := range h.stream.ReplaySince(id, since) {
		if writeEventLine(w, evt) != nil {
			return
		}
		lastSeq = evt.Seq
		if isTerminalStatus(evt) {
			flusher.Flush()
			return
		}
	}
	flusher.Flush()

	// The task may have finished before we subscribed; the status snapshot is
	// authoritative.
	if t.Status.Terminal() {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case evt := <-ch:
			if evt.Seq <= lastSeq {
				continue
			}
			if writeEventLine(w, evt) != nil {
				return
			}
			flusher.Flush()
			if isTerminalStatus(evt) {
				return
			}
		}
	}
}

func (h *TaskHandler) handleHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusNotFound, "task history is not enabled")
		return
	}
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}
	entries, err := h.history.Recent(r.Context(), limit)
	if err != nil {
		h.logger.Error("history query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	out := make([]map[string]interface{}, 0, len(entries))
	for _, e := range entries {
		row := map[string]interface{}{
			"id":         e.ID,
			"task_type":  e.TaskType,
			"status":     e.Status,
			"created_at": e.CreatedAt.Format(time.RFC3339),
			"updated_at": e.UpdatedAt.Format(time.RFC3339),
		}
		if e.Goal != "" {
			row["goal"] = e.Goal
		}
		if e.URL != "" {
			row["url"] = e.URL
		}
		if e.Error != "" {
			row["error"] = e.Error
		}
		if res := e.ResultMap(); res != nil {
			row["result"] = res
		}
		out = append(out, row)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"history": out})
}

func taskResponse(t *task.Task) map[string]interface{} {
	out := map[string]interface{}{
		"id":         t.ID,
		"task_type":  t.Input.Kind(),
		"status":     string(t.Status),
		"created_at": t.CreatedAt.Format(time.RFC3339),
		"updated_at": t.UpdatedAt.Format(time.RFC3339),
	}
	if t.Input.Goal != "" {
		out["goal"] = t.Input.Goal
	}
	if t.Input.URL != "" {
		out["url"] = t.Input.URL
	}
	if t.Input.Description != "" {
		out["description"] = t.Input.Description
	}
	if t.Result != nil {
		out["result"] = t.Result
	}
	if t.Error != "" {
		out["error"] = t.Error
	}
	return out
}

func writeEventLine(w http.ResponseWriter, evt streaming.Event) error {
	_, err := fmt.Fprintf(w, "%s\n", evt.Marshal())
	return err
}

func isTerminalStatus(evt streaming.Event) bool {
	if evt.Type != streaming.EventStatus {
		return false
	}
	s, _ := evt.Data["status"].(string)
	return task.Status(s).Terminal()
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
