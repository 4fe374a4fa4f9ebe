package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alanyoungcy/chaintrader/internal/domain"
	"github.com/alanyoungcy/chaintrader/internal/tradetask"
)

// TaskService is the subset of the lifecycle executor the API drives.
type TaskService interface {
	List() []*tradetask.TradeTask
	Get(id string) (*tradetask.TradeTask, error)
	Create(ctx context.Context, t *tradetask.TradeTask) error
	PanicSell(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
}

// ArchiveReader reads back task documents archived before deletion.
type ArchiveReader interface {
	Versions(ctx context.Context, id string) ([]domain.BlobInfo, error)
	Latest(ctx context.Context, id string) ([]byte, error)
}

// TaskHandler serves trade task endpoints.
type TaskHandler struct {
	tasks   TaskService
	audit   domain.AuditStore
	archive ArchiveReader
	venue   string
	now     func() time.Time
	logger  *slog.Logger
}

// NewTaskHandler creates a TaskHandler. New tasks are bound to venue. audit
// may be nil, which disables the audit endpoint.
func NewTaskHandler(tasks TaskService, audit domain.AuditStore, venue string, logger *slog.Logger) *TaskHandler {
	return &TaskHandler{
		tasks:  tasks,
		audit:  audit,
		venue:  venue,
		now:    time.Now,
		logger: logHandler(logger, "tasks"),
	}
}

// SetArchive enables the archive endpoints.
func (h *TaskHandler) SetArchive(a ArchiveReader) { h.archive = a }

// createTaskRequest is the body of POST /api/tasks.
type createTaskRequest struct {
	Symbol string                 `json:"symbol"`
	Jobs   []*tradetask.OrderTask `json:"jobs"`
}

// ListTasks returns tasks ordered by creation, optionally filtered by status.
// GET /api/tasks?status=running&limit=50&offset=0
func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	all := h.tasks.List()
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := all[:0]
		for _, t := range all {
			if strings.EqualFold(string(t.Status), status) {
				filtered = append(filtered, t)
			}
		}
		all = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total": len(all),
		"tasks": page(all, parseListOpts(r)),
	})
}

// GetTask returns one task document.
// GET /api/tasks/{id}
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.tasks.Get(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// CreateTask builds and registers a task from authored jobs.
// POST /api/tasks
func (h *TaskHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	for _, j := range req.Jobs {
		if j != nil {
			// Venue linkage is owned by the executor.
			j.Unlink()
			j.Polled = false
		}
	}
	t, err := tradetask.New(strings.ToUpper(req.Symbol), h.venue, req.Jobs, h.now().UTC())
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	if err := h.tasks.Create(r.Context(), t); err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	h.logger.Info("task created via api", slog.String("task_id", t.ID), slog.String("symbol", t.Symbol))
	created, err := h.tasks.Get(t.ID)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// PanicSell liquidates a task's position.
// POST /api/tasks/{id}/panic-sell
func (h *TaskHandler) PanicSell(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, "panic_sell", h.tasks.PanicSell)
}

// StopTask cancels a task's live orders and stops it.
// POST /api/tasks/{id}/stop
func (h *TaskHandler) StopTask(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, "stop", h.tasks.Stop)
}

func (h *TaskHandler) command(w http.ResponseWriter, r *http.Request, name string, fn func(context.Context, string) error) {
	id := r.PathValue("id")
	if err := fn(r.Context(), id); err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	h.logger.Info("task command", slog.String("task_id", id), slog.String("command", name))
	t, err := h.tasks.Get(id)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, t)
}

// DeleteTask archives and removes a terminal task.
// DELETE /api/tasks/{id}
func (h *TaskHandler) DeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := h.tasks.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// auditEntry is the wire shape of one audit row.
type auditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// TaskAudit returns the audit trail of a task, newest first.
// GET /api/tasks/{id}/audit?limit=50&offset=0&since=RFC3339&until=RFC3339
func (h *TaskHandler) TaskAudit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		writeError(w, http.StatusNotImplemented, "audit log is not configured")
		return
	}
	opts := parseListOpts(r)
	if err := parseWindow(r, &opts); err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	entries, err := h.audit.List(r.Context(), r.PathValue("id"), opts)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	out := make([]auditEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditEntry{ID: e.ID, Event: e.Event, Detail: e.Detail, CreatedAt: e.CreatedAt})
	}
	writeJSON(w, http.StatusOK, out)
}

type archiveVersion struct {
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// TaskArchive lists the archived copies of a deleted task, oldest first.
// GET /api/tasks/{id}/archive
func (h *TaskHandler) TaskArchive(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		writeError(w, http.StatusNotImplemented, "task archive is not configured")
		return
	}
	infos, err := h.archive.Versions(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	out := make([]archiveVersion, 0, len(infos))
	for _, i := range infos {
		out = append(out, archiveVersion{Path: i.Path, Size: i.Size, LastModified: i.LastModified})
	}
	writeJSON(w, http.StatusOK, out)
}

// TaskArchiveLatest returns the most recently archived document of a task.
// GET /api/tasks/{id}/archive/latest
func (h *TaskHandler) TaskArchiveLatest(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		writeError(w, http.StatusNotImplemented, "task archive is not configured")
		return
	}
	doc, err := h.archive.Latest(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc)
}
