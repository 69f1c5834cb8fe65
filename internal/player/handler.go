package player

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"adaptive-playback/internal/platform/metrics"

	"github.com/go-chi/chi/v5"
)

// Handler exposes playback control endpoints using go-chi.
type Handler struct {
	p       *Player
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewHandler returns a Handler for p. Metrics may be nil to disable
// metric recording (e.g. in tests).
func NewHandler(p *Player, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{p: p, log: log, metrics: m}
}

// Routes registers the handler's endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/status", h.GetStatus)
	r.Post("/seek", h.Seek)
	r.Post("/variants/{index}/select", h.SelectVariant)
	r.Post("/abr/enable", h.EnableAdaptation)
}

// GetStatus handles GET /status.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.p.Status())
}

type seekRequest struct {
	Position *float64 `json:"position"`
}

// Seek handles POST /seek.
// Body: { "position": 12.5 }.
func (h *Handler) Seek(w http.ResponseWriter, r *http.Request) {
	var req seekRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Position == nil || *req.Position < 0 {
		h.log.Debug("invalid seek body")
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if err := h.p.Seek(*req.Position); err != nil {
		h.fail(w, "seek failed", err)
		return
	}
	h.log.Info("seeked", slog.Float64("position", *req.Position))
	w.WriteHeader(http.StatusNoContent)
}

// SelectVariant handles POST /variants/{index}/select.
func (h *Handler) SelectVariant(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if err := h.p.SelectVariant(r.Context(), index); err != nil {
		h.fail(w, "select variant failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// EnableAdaptation handles POST /abr/enable.
func (h *Handler) EnableAdaptation(w http.ResponseWriter, r *http.Request) {
	if err := h.p.EnableAdaptation(); err != nil {
		h.fail(w, "enable adaptation failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) fail(w http.ResponseWriter, msg string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrVariantNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrNotLoaded), errors.Is(err, ErrTornDown):
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		h.log.Error(msg, slog.String("error", err.Error()))
		if h.metrics != nil {
			h.metrics.IncErrors()
		}
	} else {
		h.log.Info(msg, slog.String("error", err.Error()))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
