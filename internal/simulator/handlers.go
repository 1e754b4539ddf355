package simulator

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/stotra/trade-engine/internal/model"
	"github.com/stotra/trade-engine/internal/respond"
)

// Handlers exposes the simulator over HTTP.
type Handlers struct {
	sim *Simulator
}

// NewHandlers creates the HTTP surface for sim.
func NewHandlers(sim *Simulator) *Handlers {
	return &Handlers{sim: sim}
}

// Routes mounts the quote and event endpoints. Event mutations go through
// the operator middleware.
func (h *Handlers) Routes(r chi.Router, operator func(http.Handler) http.Handler) {
	r.Get("/stocks/{symbol}/quote", h.GetQuote)
	r.Get("/events", h.ListEvents)
	r.Group(func(r chi.Router) {
		r.Use(operator)
		r.Post("/events", h.CreateEvent)
		r.Post("/events/simulate", h.RunScenario)
		r.Delete("/events/{eventID}", h.DeleteEvent)
	})
}

// GetQuote handles GET /api/v1/stocks/{symbol}/quote
func (h *Handlers) GetQuote(w http.ResponseWriter, r *http.Request) {
	sim, err := h.sim.Simulate(r.Context(), chi.URLParam(r, "symbol"))
	if err != nil {
		respond.DomainError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, sim)
}

// ListEvents handles GET /api/v1/events?symbol=
func (h *Handlers) ListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.sim.ListEvents(r.Context(), r.URL.Query().Get("symbol"))
	if err != nil {
		respond.DomainError(w, err)
		return
	}
	if events == nil {
		events = []model.MarketEvent{}
	}
	respond.JSON(w, http.StatusOK, events)
}

// CreateEvent handles POST /api/v1/events
func (h *Handlers) CreateEvent(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.BadRequest(w, "invalid request body")
		return
	}
	ev, err := h.sim.CreateEvent(r.Context(), req)
	if err != nil {
		respond.DomainError(w, err)
		return
	}
	respond.JSON(w, http.StatusCreated, ev)
}

// ScenarioRequest is the JSON body for POST /api/v1/events/simulate. A
// single symbol runs the short demo curve; no symbol hits the default
// basket with the default duration.
type ScenarioRequest struct {
	Type            string   `json:"type"`
	Symbol          string   `json:"symbol,omitempty"`
	Symbols         []string `json:"symbols,omitempty"`
	DurationMinutes int      `json:"duration_minutes,omitempty"`
}

// RunScenario handles POST /api/v1/events/simulate
func (h *Handlers) RunScenario(w http.ResponseWriter, r *http.Request) {
	var req ScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.BadRequest(w, "invalid request body")
		return
	}
	symbols := req.Symbols
	duration := req.DurationMinutes
	if req.Symbol != "" {
		symbols = []string{req.Symbol}
		if duration == 0 {
			duration = DemoDurationMinutes
		}
	}

	events, err := h.sim.RunScenario(r.Context(), req.Type, symbols, duration)
	if err != nil {
		respond.DomainError(w, err)
		return
	}
	respond.JSON(w, http.StatusCreated, map[string]any{
		"scenario": req.Type,
		"events":   events,
	})
}

// DeleteEvent handles DELETE /api/v1/events/{eventID}
func (h *Handlers) DeleteEvent(w http.ResponseWriter, r *http.Request) {
	if err := h.sim.DeactivateEvent(r.Context(), chi.URLParam(r, "eventID")); err != nil {
		respond.DomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// OperatorOnly rejects requests that do not present token as a bearer
// token or in X-Operator-Token. An empty token disables the check.
func OperatorOnly(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		want := []byte(token)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get("X-Operator-Token")
			if got == "" {
				got = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			}
			if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				respond.Error(w, http.StatusUnauthorized, "unauthorized", "operator token required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
