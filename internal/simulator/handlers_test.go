package simulator_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stotra/trade-engine/internal/model"
	"github.com/stotra/trade-engine/internal/simulator"
)

const testToken = "s3cret"

func newRouter(t *testing.T) (chi.Router, *simulator.Simulator) {
	t.Helper()
	sim, _, _, _ := newSim(t)
	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		simulator.NewHandlers(sim).Routes(r, simulator.OperatorOnly(testToken))
	})
	return r, sim
}

func do(r http.Handler, method, path string, body any, token string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestGetQuote(t *testing.T) {
	r, _ := newRouter(t)

	w := do(r, "GET", "/api/v1/stocks/aapl/quote", nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res model.Simulation
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	assert.Equal(t, "AAPL", res.Symbol)
	assert.True(t, res.SimulatedPrice.Equal(dec("100")))
}

func TestGetQuote_Unavailable(t *testing.T) {
	r, _ := newRouter(t)
	w := do(r, "GET", "/api/v1/stocks/ZZZZ/quote", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestCreateEvent_RequiresOperator(t *testing.T) {
	r, _ := newRouter(t)
	body := simulator.EventRequest{Symbol: "AAPL", ImpactPercent: dec("-30")}

	w := do(r, "POST", "/api/v1/events", body, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(r, "POST", "/api/v1/events", body, "wrong")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(r, "POST", "/api/v1/events", body, testToken)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var ev model.MarketEvent
	require.NoError(t, json.NewDecoder(w.Body).Decode(&ev))
	assert.True(t, ev.TargetPrice.Equal(dec("70")))
	assert.True(t, ev.Active)

	w = do(r, "GET", "/api/v1/events?symbol=AAPL", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var list []model.MarketEvent
	require.NoError(t, json.NewDecoder(w.Body).Decode(&list))
	require.Len(t, list, 1)
	assert.Equal(t, ev.ID, list[0].ID)
}

func TestCreateEvent_InvalidImpact(t *testing.T) {
	r, _ := newRouter(t)
	w := do(r, "POST", "/api/v1/events", simulator.EventRequest{Symbol: "AAPL", ImpactPercent: dec("90")}, testToken)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRunScenario_SingleSymbolDemo(t *testing.T) {
	r, _ := newRouter(t)

	w := do(r, "POST", "/api/v1/events/simulate", simulator.ScenarioRequest{Type: "boom", Symbol: "tsla"}, testToken)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var res struct {
		Scenario string              `json:"scenario"`
		Events   []model.MarketEvent `json:"events"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	require.Len(t, res.Events, 1)
	assert.Equal(t, "TSLA", res.Events[0].Symbol)
	assert.Equal(t, simulator.DemoDurationMinutes, res.Events[0].CurveDuration)
	assert.True(t, res.Events[0].TargetPrice.Equal(dec("340")))
}

func TestDeleteEvent(t *testing.T) {
	r, sim := newRouter(t)

	w := do(r, "POST", "/api/v1/events", simulator.EventRequest{Symbol: "NVDA", ImpactPercent: dec("10")}, testToken)
	require.Equal(t, http.StatusCreated, w.Code)
	var ev model.MarketEvent
	require.NoError(t, json.NewDecoder(w.Body).Decode(&ev))

	w = do(r, "DELETE", "/api/v1/events/"+ev.ID, nil, testToken)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, 0, sim.Pending())

	w = do(r, "DELETE", "/api/v1/events/"+ev.ID+"-missing", nil, testToken)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestOperatorOnly_EmptyTokenAllows(t *testing.T) {
	h := simulator.OperatorOnly("")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("POST", "/", nil))
	assert.Equal(t, http.StatusTeapot, w.Code)
}
