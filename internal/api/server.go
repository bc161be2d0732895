// Package api exposes health and manual cycle triggers over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"pricewatch/internal/dispatch"
	"pricewatch/internal/model"
	"pricewatch/internal/poller"
	"pricewatch/internal/storage"
)

// Cycles runs one polling or dispatch cycle on demand.
type Cycles interface {
	RunPollingCycle(ctx context.Context) (poller.Report, error)
	RunDispatchCycle(ctx context.Context) (dispatch.Report, error)
}

// Store is what the read endpoints query.
type Store interface {
	storage.ObservationStore
	GetItem(ctx context.Context, id int64) (model.TrackedItem, error)
}

type handler struct {
	cycles Cycles
	store  Store
	logger zerolog.Logger
	now    func() time.Time
}

// NewRouter wires middleware and routes.
func NewRouter(cycles Cycles, store Store, logger zerolog.Logger) *chi.Mux {
	h := &handler{
		cycles: cycles,
		store:  store,
		logger: logger.With().Str("component", "api").Logger(),
		now:    time.Now,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)

	r.Get("/healthz", h.health)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/cycles/poll", h.runPoll)
		r.Post("/cycles/dispatch", h.runDispatch)
		r.Get("/items/{itemID}", h.getItem)
		r.Get("/items/{itemID}/observations", h.listObservations)
	})
	return r
}

func (h *handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Str("request_id", middleware.GetReqID(r.Context())).
			Dur("elapsed", time.Since(start)).
			Msg("request served")
	})
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": h.now().UTC().Format(time.RFC3339),
	})
}

func (h *handler) runPoll(w http.ResponseWriter, r *http.Request) {
	report, err := h.cycles.RunPollingCycle(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("manual polling cycle failed")
		writeError(w, http.StatusInternalServerError, "cycle_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *handler) runDispatch(w http.ResponseWriter, r *http.Request) {
	report, err := h.cycles.RunDispatchCycle(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("manual dispatch cycle failed")
		writeError(w, http.StatusInternalServerError, "cycle_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *handler) getItem(w http.ResponseWriter, r *http.Request) {
	id, ok := itemID(w, r)
	if !ok {
		return
	}
	item, err := h.store.GetItem(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newItemView(item))
}

func (h *handler) listObservations(w http.ResponseWriter, r *http.Request) {
	id, ok := itemID(w, r)
	if !ok {
		return
	}
	if _, err := h.store.GetItem(r.Context(), id); err != nil {
		h.writeStoreError(w, err)
		return
	}

	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_since", "since must be an RFC3339 timestamp")
			return
		}
		since = parsed
	}

	observations, err := h.store.ObservationsSince(r.Context(), id, since)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	views := make([]observationView, 0, len(observations))
	for _, obs := range observations {
		views = append(views, newObservationView(obs))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"item_id":      id,
		"observations": views,
	})
}

func itemID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "itemID"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_item_id", "item id must be a positive integer")
		return 0, false
	}
	return id, true
}

func (h *handler) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "item not found")
		return
	}
	h.logger.Error().Err(err).Msg("store query failed")
	writeError(w, http.StatusInternalServerError, "store_error", "query failed")
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	var body errorBody
	body.Error.Code = code
	body.Error.Message = message
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
