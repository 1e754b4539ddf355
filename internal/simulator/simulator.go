// Package simulator blends live quotes with synthetic market events
// (crashes and booms) and owns the lifecycle of those events.
package simulator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stotra/trade-engine/internal/curve"
	"github.com/stotra/trade-engine/internal/metrics"
	"github.com/stotra/trade-engine/internal/model"
	"github.com/stotra/trade-engine/internal/store"
)

// Event bounds.
const (
	MaxImpactPercent       = 70
	MinDurationMinutes     = 1
	MaxDurationMinutes     = 24 * 60
	DefaultDurationMinutes = 60

	// DemoDurationMinutes is the curve length of a single-symbol scenario.
	DemoDurationMinutes = 3
)

// DefaultScenarioSymbols are the symbols hit by a market-wide scenario
// when none are named.
var DefaultScenarioSymbols = []string{"NVDA", "TSLA", "AAPL"}

// QuoteSource provides the live price that events are applied on top of.
type QuoteSource interface {
	Quote(ctx context.Context, symbol string) (model.Quote, error)
}

// Simulator is the single owner of market events. One instance is built at
// start-up and shared by the ledger, the projector and the stream hub.
type Simulator struct {
	quotes          QuoteSource
	events          store.EventStore
	now             func() time.Time
	defaultDuration int

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// Option configures a Simulator.
type Option func(*Simulator)

// WithClock overrides the wall clock used for curve progress and event
// windows.
func WithClock(now func() time.Time) Option {
	return func(s *Simulator) { s.now = now }
}

// WithDefaultDuration sets the duration used when a request omits one.
func WithDefaultDuration(minutes int) Option {
	return func(s *Simulator) {
		if minutes >= MinDurationMinutes && minutes <= MaxDurationMinutes {
			s.defaultDuration = minutes
		}
	}
}

// New creates a simulator over the given quote source and event store.
func New(quotes QuoteSource, events store.EventStore, opts ...Option) *Simulator {
	s := &Simulator{
		quotes:          quotes,
		events:          events,
		now:             time.Now,
		defaultDuration: DefaultDurationMinutes,
		timers:          make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Simulate returns the live quote for symbol together with the price
// produced by its active events. Events are applied in start order and
// each one replaces the running price, so the latest event wins.
func (s *Simulator) Simulate(ctx context.Context, symbol string) (*model.Simulation, error) {
	symbol = model.NormalizeSymbol(symbol)
	if !model.ValidSymbol(symbol) {
		return nil, fmt.Errorf("simulate %q: %w", symbol, model.ErrInvalidSymbol)
	}

	q, err := s.quotes.Quote(ctx, symbol)
	if err != nil {
		return nil, err
	}

	now := s.now()
	active, err := s.events.ListActiveEvents(ctx, symbol, now)
	if err != nil {
		return nil, fmt.Errorf("list events for %s: %w", symbol, err)
	}

	price := q.Price
	for _, ev := range active {
		price = curve.Interpolate(q.Price, ev.TargetPrice, ev.StartDate, float64(ev.CurveDuration), now).Round(4)
	}

	if active == nil {
		active = []model.MarketEvent{}
	}
	return &model.Simulation{
		Symbol:         symbol,
		OriginalPrice:  q.Price,
		SimulatedPrice: price,
		PreviousClose:  q.PreviousClose,
		ChangePercent:  q.ChangePercent,
		Source:         q.Source,
		Events:         active,
	}, nil
}

// Price returns the simulated price used to execute orders.
func (s *Simulator) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	sim, err := s.Simulate(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return sim.SimulatedPrice, nil
}

// EventRequest describes a market event to create.
type EventRequest struct {
	Symbol          string          `json:"symbol"`
	Direction       model.Direction `json:"direction,omitempty"`
	ImpactPercent   decimal.Decimal `json:"impact_percent"`
	Description     string          `json:"description,omitempty"`
	DurationMinutes int             `json:"duration_minutes,omitempty"`
}

// normalize validates req and fills in defaults.
func (s *Simulator) normalize(req EventRequest) (EventRequest, error) {
	req.Symbol = model.NormalizeSymbol(req.Symbol)
	if !model.ValidSymbol(req.Symbol) {
		return req, fmt.Errorf("event symbol %q: %w", req.Symbol, model.ErrInvalidSymbol)
	}

	limit := decimal.NewFromInt(MaxImpactPercent)
	if req.ImpactPercent.IsZero() || req.ImpactPercent.Abs().GreaterThan(limit) {
		return req, fmt.Errorf("%w: impact must be non-zero and within ±%d%%", model.ErrInvalidEvent, MaxImpactPercent)
	}

	inferred := model.DirectionPositive
	if req.ImpactPercent.IsNegative() {
		inferred = model.DirectionNegative
	}
	switch req.Direction {
	case "":
		req.Direction = inferred
	case inferred:
	case model.DirectionPositive, model.DirectionNegative:
		return req, fmt.Errorf("%w: direction %s contradicts impact %s", model.ErrInvalidEvent, req.Direction, req.ImpactPercent)
	default:
		return req, fmt.Errorf("%w: unknown direction %q", model.ErrInvalidEvent, req.Direction)
	}

	if req.DurationMinutes == 0 {
		req.DurationMinutes = s.defaultDuration
	}
	if req.DurationMinutes < MinDurationMinutes || req.DurationMinutes > MaxDurationMinutes {
		return req, fmt.Errorf("%w: duration must be %d..%d minutes", model.ErrInvalidEvent, MinDurationMinutes, MaxDurationMinutes)
	}

	if req.Description == "" {
		req.Description = fmt.Sprintf("%s %s%% %s", req.Direction, req.ImpactPercent.Abs(), req.Symbol)
	}
	return req, nil
}

// CreateEvent prices a new event against the current quote, persists it
// and arms its deactivation timer.
func (s *Simulator) CreateEvent(ctx context.Context, req EventRequest) (*model.MarketEvent, error) {
	req, err := s.normalize(req)
	if err != nil {
		return nil, err
	}

	q, err := s.quotes.Quote(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	end := now.Add(time.Duration(req.DurationMinutes) * time.Minute)
	factor := decimal.NewFromInt(1).Add(req.ImpactPercent.Div(decimal.NewFromInt(100)))

	ev := &model.MarketEvent{
		ID:            uuid.New().String(),
		Symbol:        req.Symbol,
		Direction:     req.Direction,
		ImpactPercent: req.ImpactPercent,
		Description:   req.Description,
		BasePrice:     q.Price,
		TargetPrice:   q.Price.Mul(factor).Round(4),
		StartDate:     now,
		CurveDuration: req.DurationMinutes,
		EndDate:       &end,
		Active:        true,
	}
	if err := s.events.InsertMarketEvent(ctx, ev); err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}
	s.schedule(ev.ID, end)

	slog.Info("market event created",
		"event_id", ev.ID,
		"symbol", ev.Symbol,
		"impact", ev.ImpactPercent.String(),
		"base", ev.BasePrice.String(),
		"target", ev.TargetPrice.String(),
		"duration_min", ev.CurveDuration,
	)
	return ev, nil
}

// Scenario names accepted by RunScenario.
const (
	ScenarioCrash = "crash"
	ScenarioBoom  = "boom"
)

// RunScenario creates a ±70% event on each symbol (DefaultScenarioSymbols
// when empty). durationMinutes of 0 uses the default duration.
func (s *Simulator) RunScenario(ctx context.Context, kind string, symbols []string, durationMinutes int) ([]model.MarketEvent, error) {
	var impact decimal.Decimal
	switch kind {
	case ScenarioCrash:
		impact = decimal.NewFromInt(-MaxImpactPercent)
	case ScenarioBoom:
		impact = decimal.NewFromInt(MaxImpactPercent)
	default:
		return nil, fmt.Errorf("%w: unknown scenario %q", model.ErrInvalidEvent, kind)
	}
	if len(symbols) == 0 {
		symbols = DefaultScenarioSymbols
	}

	created := make([]model.MarketEvent, 0, len(symbols))
	for _, sym := range symbols {
		sym = model.NormalizeSymbol(sym)
		ev, err := s.CreateEvent(ctx, EventRequest{
			Symbol:          sym,
			ImpactPercent:   impact,
			Description:     fmt.Sprintf("%s %d%% %s", kind, MaxImpactPercent, sym),
			DurationMinutes: durationMinutes,
		})
		if err != nil {
			return created, fmt.Errorf("scenario %s on %s: %w", kind, sym, err)
		}
		created = append(created, *ev)
	}
	return created, nil
}

// DeactivateEvent ends an event early.
func (s *Simulator) DeactivateEvent(ctx context.Context, id string) error {
	if err := s.events.DeactivateEvent(ctx, id); err != nil {
		return err
	}
	s.cancel(id)
	slog.Info("market event deactivated", "event_id", id)
	return nil
}

// ListEvents returns every event, optionally for one symbol.
func (s *Simulator) ListEvents(ctx context.Context, symbol string) ([]model.MarketEvent, error) {
	if symbol != "" {
		symbol = model.NormalizeSymbol(symbol)
		if !model.ValidSymbol(symbol) {
			return nil, fmt.Errorf("list events %q: %w", symbol, model.ErrInvalidSymbol)
		}
	}
	return s.events.ListMarketEvents(ctx, symbol)
}

// Restore deactivates events that expired while the process was down and
// re-arms timers for the rest. Call once at start-up.
func (s *Simulator) Restore(ctx context.Context) error {
	now := s.now()
	n, err := s.events.DeactivateExpired(ctx, now)
	if err != nil {
		return fmt.Errorf("deactivate expired events: %w", err)
	}
	all, err := s.events.ListMarketEvents(ctx, "")
	if err != nil {
		return fmt.Errorf("list events: %w", err)
	}
	armed := 0
	for _, ev := range all {
		if ev.Active && ev.EndDate != nil {
			s.schedule(ev.ID, *ev.EndDate)
			armed++
		}
	}
	slog.Info("market events restored", "expired", n, "armed", armed)
	return nil
}

// Pending reports how many deactivation timers are armed.
func (s *Simulator) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Close stops every pending timer. Events stay active in the store and are
// picked up again by Restore.
func (s *Simulator) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.closed = true
	metrics.ActiveMarketEvents.Set(0)
}

func (s *Simulator) schedule(id string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if old, ok := s.timers[id]; ok {
		old.Stop()
	}
	d := at.Sub(s.now())
	if d < 0 {
		d = 0
	}
	s.timers[id] = time.AfterFunc(d, func() { s.expire(id) })
	metrics.ActiveMarketEvents.Set(float64(len(s.timers)))
}

func (s *Simulator) cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
	metrics.ActiveMarketEvents.Set(float64(len(s.timers)))
}

func (s *Simulator) expire(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.events.DeactivateEvent(ctx, id); err != nil {
		slog.Warn("event deactivation failed", "event_id", id, "err", err)
	} else {
		slog.Info("market event expired", "event_id", id)
	}

	s.mu.Lock()
	delete(s.timers, id)
	if !s.closed {
		metrics.ActiveMarketEvents.Set(float64(len(s.timers)))
	}
	s.mu.Unlock()
}
