package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/LeventeLantos/outbound-delivery/internal/cache"
	"github.com/LeventeLantos/outbound-delivery/internal/model"
	"github.com/LeventeLantos/outbound-delivery/internal/repo"
	"github.com/LeventeLantos/outbound-delivery/internal/scheduler"
	"github.com/LeventeLantos/outbound-delivery/internal/service"
)

// Drainer runs one drain cycle for a provider family.
type Drainer interface {
	Family() model.Family
	Drain(ctx context.Context, batchHint int) (service.Summary, error)
}

type Expander interface {
	Expand(ctx context.Context, campaignID string) ([]model.QueueItem, error)
}

type Handler struct {
	sched    *scheduler.Scheduler
	workers  map[model.Family]Drainer
	queue    repo.QueueStore
	tracking repo.TrackingStore

	expander Expander
	mirror   cache.TrackingCache
}

func NewHandler(s *scheduler.Scheduler, queue repo.QueueStore, tracking repo.TrackingStore, workers ...Drainer) *Handler {
	h := &Handler{
		sched:    s,
		workers:  make(map[model.Family]Drainer, len(workers)),
		queue:    queue,
		tracking: tracking,
	}
	for _, w := range workers {
		h.workers[w.Family()] = w
	}
	return h
}

func (h *Handler) WithExpander(e Expander) *Handler {
	h.expander = e
	return h
}

func (h *Handler) WithMirror(c cache.TrackingCache) *Handler {
	h.mirror = c
	return h
}

type drainRequest struct {
	BatchSize int `json:"batch_size"`
}

func (h *Handler) Drain(w http.ResponseWriter, r *http.Request) {
	family, err := model.ParseFamily(chi.URLParam(r, "family"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	worker, ok := h.workers[family]
	if !ok {
		writeError(w, http.StatusNotFound, "no worker for family "+string(family))
		return
	}

	var req drainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.BatchSize < 0 {
		writeError(w, http.StatusBadRequest, "batch_size must be >= 0")
		return
	}

	sum, err := worker.Drain(r.Context(), req.BatchSize)
	if err != nil {
		slog.Error("drain cycle failed", "family", family, "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, sum)
}

func (h *Handler) ExpandCampaign(w http.ResponseWriter, r *http.Request) {
	if h.expander == nil {
		writeError(w, http.StatusNotFound, "campaigns are not enabled")
		return
	}

	id := chi.URLParam(r, "id")
	items, err := h.expander.Expand(r.Context(), id)
	switch {
	case errors.Is(err, service.ErrAlreadyExpanded):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, repo.ErrNotFound):
		writeError(w, http.StatusNotFound, "campaign not found")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"campaign_id": id, "enqueued": len(items)})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sched.Status())
}

func (h *Handler) SchedulerStart(w http.ResponseWriter, r *http.Request) {
	h.sched.Start()
	writeJSON(w, http.StatusOK, map[string]any{"running": h.sched.IsRunning()})
}

func (h *Handler) SchedulerStop(w http.ResponseWriter, r *http.Request) {
	h.sched.Stop()
	writeJSON(w, http.StatusOK, map[string]any{"running": h.sched.IsRunning()})
}

func (h *Handler) ListItems(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	status := model.Pending
	if raw := q.Get("status"); raw != "" {
		status = model.Status(raw)
	}
	if !status.Valid() {
		writeError(w, http.StatusBadRequest, "invalid status "+strconv.Quote(string(status)))
		return
	}

	limit := parseInt(q.Get("limit"), 50)
	offset := parseInt(q.Get("offset"), 0)

	items, err := h.queue.ListByStatus(r.Context(), status, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if items == nil {
		items = []model.QueueItem{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// GetTracking answers from the Redis mirror when it has the pair and falls
// back to the tracking store otherwise.
func (h *Handler) GetTracking(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	target := strings.TrimSpace(q.Get("target"))
	if target == "" {
		writeError(w, http.StatusBadRequest, "target is required")
		return
	}
	dest, err := model.NormalizeDestination(q.Get("destination"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if h.mirror != nil {
		rec, err := h.mirror.Lookup(r.Context(), dest, target)
		if err == nil {
			writeJSON(w, http.StatusOK, map[string]any{"record": rec, "source": "cache"})
			return
		}
		if !errors.Is(err, cache.ErrMiss) {
			slog.Warn("tracking mirror lookup failed", "destination", model.Redact(dest), "err", err)
		}
	}

	rec, err := h.tracking.GetTracking(r.Context(), dest, target)
	if errors.Is(err, repo.ErrNotFound) {
		writeError(w, http.StatusNotFound, "tracking record not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"record": rec, "source": "store"})
}

func parseInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
