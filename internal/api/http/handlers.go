package http

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arkilian/indexkeeper/internal/descriptor"
	ikerrors "github.com/arkilian/indexkeeper/internal/errors"
	"github.com/arkilian/indexkeeper/internal/maintenance"
	"github.com/arkilian/indexkeeper/internal/queue"
	"github.com/arkilian/indexkeeper/internal/reindex"
)

// Handler serves the admin API over a descriptor registry.
type Handler struct {
	registry *descriptor.Registry
	daemon   *maintenance.Daemon
}

// NewHandler creates the admin API handler.
func NewHandler(registry *descriptor.Registry, daemon *maintenance.Daemon) *Handler {
	return &Handler{registry: registry, daemon: daemon}
}

// Router builds the chi router with the default middleware chain. Extra
// middleware runs outermost, in the order given.
func (h *Handler) Router(middlewares ...func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	for _, mw := range middlewares {
		r.Use(mw)
	}
	r.Use(RecoveryMiddleware, RequestIDMiddleware, LoggingMiddleware)

	r.Get("/health", h.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/tasks", h.listTasks)
		r.Get("/indices", h.listIndices)
		r.Route("/indices/{name}", func(r chi.Router) {
			r.Get("/", h.getIndex)
			r.Get("/partitions", h.listPartitions)
			r.Get("/range", h.partitionsForRange)
			r.Post("/configure", h.configure)
			r.Post("/maintain", h.maintain)
			r.Post("/reindex", h.reindex)
			r.Post("/partitions/{date}", h.ensurePartition)
		})
	})
	return r
}

// IndexSummary describes a registered descriptor.
type IndexSummary struct {
	Name            string        `json:"name"`
	DeclaredVersion int           `json:"declared_version"`
	CurrentVersion  int           `json:"current_version"`
	Period          string        `json:"period,omitempty"`
	Tiers           []string      `json:"tiers,omitempty"`
	PendingTasks    []PendingTask `json:"pending_tasks,omitempty"`
}

// PendingTask is a planned reindex task with its migration rendered as the
// script the store would run.
type PendingTask struct {
	reindex.Task
	ScriptSource string `json:"script_source,omitempty"`
}

// TasksResponse lists queued and running reindex tasks.
type TasksResponse struct {
	Queued []queue.Item           `json:"queued"`
	Active []maintenance.Progress `json:"active"`
}

// ScheduleResponse reports the outcome of a reindex request.
type ScheduleResponse struct {
	Enqueued  []string `json:"enqueued"`
	Throttled int      `json:"throttled"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"service": "indexkeeper",
		"indices": len(h.registry.All()),
	})
}

func (h *Handler) summarize(ctx context.Context, ix *descriptor.Index, withTasks bool) (IndexSummary, error) {
	cfg := ix.Config()
	s := IndexSummary{Name: cfg.Name, DeclaredVersion: cfg.Version, Period: string(cfg.Period)}
	for _, t := range cfg.Tiers {
		s.Tiers = append(s.Tiers, t.Name)
	}
	current, err := ix.GetCurrentVersion(ctx)
	if err != nil {
		return s, err
	}
	s.CurrentVersion = current
	if withTasks {
		tasks, err := ix.PendingTasks(ctx)
		if err != nil {
			return s, err
		}
		for _, t := range tasks {
			s.PendingTasks = append(s.PendingTasks, PendingTask{Task: t, ScriptSource: t.Script.Source()})
		}
	}
	return s, nil
}

func (h *Handler) listIndices(w http.ResponseWriter, r *http.Request) {
	all := h.registry.All()
	out := make([]IndexSummary, 0, len(all))
	for _, ix := range all {
		s, err := h.summarize(r.Context(), ix, false)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		out = append(out, s)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (*descriptor.Index, bool) {
	name := chi.URLParam(r, "name")
	ix, ok := h.registry.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, ErrorResponse{Error: "unknown index " + name, RequestID: GetRequestID(r.Context())})
	}
	return ix, ok
}

func (h *Handler) getIndex(w http.ResponseWriter, r *http.Request) {
	ix, ok := h.lookup(w, r)
	if !ok {
		return
	}
	s, err := h.summarize(r.Context(), ix, true)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) listPartitions(w http.ResponseWriter, r *http.Request) {
	ix, ok := h.lookup(w, r)
	if !ok {
		return
	}
	parts, err := ix.ListPartitions(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if parts == nil {
		parts = []descriptor.PartitionInfo{}
	}
	writeJSON(w, http.StatusOK, parts)
}

// partitionsForRange answers GET ?from=&to= with RFC 3339 bounds; either may
// be omitted.
func (h *Handler) partitionsForRange(w http.ResponseWriter, r *http.Request) {
	ix, ok := h.lookup(w, r)
	if !ok {
		return
	}
	from, err := optionalTime(r, "from")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	to, err := optionalTime(r, "to")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	names := ix.GetPartitionsForRange(from, to)
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"indices": names})
}

func optionalTime(r *http.Request, param string) (*time.Time, error) {
	v := r.URL.Query().Get(param)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, ikerrors.NewValidationError(ikerrors.CodeInvalidDescriptor, "invalid "+param+": "+v)
	}
	return &t, nil
}

func (h *Handler) configure(w http.ResponseWriter, r *http.Request) {
	ix, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if err := ix.Configure(r.Context()); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "configured"})
}

// maintain runs maintenance now. ?expire=true also deletes expired partitions.
func (h *Handler) maintain(w http.ResponseWriter, r *http.Request) {
	ix, ok := h.lookup(w, r)
	if !ok {
		return
	}
	expire, _ := strconv.ParseBool(r.URL.Query().Get("expire"))
	if ix.Config().Partitioned() {
		res, err := ix.MaintainPartitions(r.Context(), expire)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}
	if err := ix.Maintain(r.Context(), expire); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "maintained"})
}

func (h *Handler) reindex(w http.ResponseWriter, r *http.Request) {
	ix, ok := h.lookup(w, r)
	if !ok {
		return
	}
	ids, throttled, err := h.daemon.Schedule(r.Context(), ix)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusAccepted, ScheduleResponse{Enqueued: ids, Throttled: throttled})
}

func (h *Handler) ensurePartition(w http.ResponseWriter, r *http.Request) {
	ix, ok := h.lookup(w, r)
	if !ok {
		return
	}
	cfg := ix.Config()
	if !cfg.Partitioned() {
		h.fail(w, r, ikerrors.NewValidationError(ikerrors.CodeInvalidDescriptor, cfg.Name+" is not time-partitioned"))
		return
	}
	raw := chi.URLParam(r, "date")
	date, err := time.Parse(cfg.Layout, raw)
	if err != nil {
		h.fail(w, r, ikerrors.NewValidationError(ikerrors.CodeInvalidDescriptor, "invalid partition date "+raw))
		return
	}
	if err := ix.EnsureIndex(r.Context(), date); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ensured", "date": raw})
}

func (h *Handler) listTasks(w http.ResponseWriter, r *http.Request) {
	items, err := h.daemon.Queue().List(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if items == nil {
		items = []queue.Item{}
	}
	writeJSON(w, http.StatusOK, TasksResponse{Queued: items, Active: h.daemon.Active()})
}

// fail maps an error to a status code by category.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case ikerrors.GetCode(err) == ikerrors.CodePartitionExpired:
		status = http.StatusConflict
	case ikerrors.GetCategory(err) == ikerrors.ErrCategoryValidation:
		status = http.StatusBadRequest
	case ikerrors.IsRetryable(err):
		status = http.StatusServiceUnavailable
	}
	writeError(w, status, ErrorResponse{
		Error:     err.Error(),
		Code:      ikerrors.GetCode(err),
		RequestID: GetRequestID(r.Context()),
	})
}
