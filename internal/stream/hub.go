// Package stream fans simulated market data out to WebSocket subscribers.
// Each symbol with at least one subscriber has exactly one worker; the
// worker stops when the last subscriber leaves.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stotra/trade-engine/internal/metrics"
	"github.com/stotra/trade-engine/internal/model"
)

// Defaults for a Hub.
const (
	DefaultInterval = 3 * time.Second
	DefaultBackfill = 30
)

// Message types pushed to subscribers.
const (
	TypeHistorical = "historical"
	TypeCandle     = "candle"
	TypeError      = "error"
)

// ErrClosed is returned when subscribing to a closed hub.
var ErrClosed = errors.New("stream hub closed")

// Simulator produces the price for each tick.
type Simulator interface {
	Simulate(ctx context.Context, symbol string) (*model.Simulation, error)
}

// Message is one server-to-client frame. Candle fields are inlined for
// candle messages.
type Message struct {
	Type   string `json:"type"`
	Symbol string `json:"symbol"`
	*model.Candle
	Candles       []model.Candle      `json:"candles,omitempty"`
	OriginalPrice *decimal.Decimal    `json:"original_price,omitempty"`
	Events        []model.MarketEvent `json:"events,omitempty"`
	Error         string              `json:"error,omitempty"`
}

// Subscriber receives messages. Send must not block; it reports false when
// the message was dropped.
type Subscriber interface {
	Send(Message) bool
}

// Config tunes a Hub.
type Config struct {
	Interval time.Duration
	Backfill int
	// Jitter is the full width of the random relative move applied to each
	// live close, e.g. 0.01 for ±0.5%. Zero disables it.
	Jitter float64
}

type symbolStream struct {
	subs   map[Subscriber]struct{}
	cancel context.CancelFunc
}

// Stats is a snapshot of hub activity.
type Stats struct {
	Workers        int   `json:"workers"`
	Subscriptions  int   `json:"subscriptions"`
	WorkersStarted int64 `json:"workers_started"`
	WorkersStopped int64 `json:"workers_stopped"`
}

// Hub owns the per-symbol workers. Subscriber sets are mutated only under
// mu; workers snapshot them at each tick.
type Hub struct {
	sim Simulator
	cfg Config
	now func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	streams map[string]*symbolStream
	started int64
	stopped int64
	closed  bool
}

// NewHub creates a hub that prices ticks through sim.
func NewHub(sim Simulator, cfg Config) *Hub {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Backfill < 0 {
		cfg.Backfill = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		sim:     sim,
		cfg:     cfg,
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
		streams: make(map[string]*symbolStream),
	}
}

// Subscribe adds sub to symbol, sends it the backfill and starts the
// symbol's worker if this is its first subscriber. Subscribing twice to
// the same symbol is a no-op.
func (h *Hub) Subscribe(ctx context.Context, sub Subscriber, symbol string) error {
	symbol = model.NormalizeSymbol(symbol)
	if !model.ValidSymbol(symbol) {
		return fmt.Errorf("subscribe %q: %w", symbol, model.ErrInvalidSymbol)
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	if st, ok := h.streams[symbol]; ok {
		if _, dup := st.subs[sub]; dup {
			h.mu.Unlock()
			return nil
		}
	}
	h.mu.Unlock()

	// Backfill is fetched outside the lock; a failure is reported to this
	// subscriber only and does not prevent live ticks.
	if h.cfg.Backfill > 0 {
		if sim, err := h.sim.Simulate(ctx, symbol); err != nil {
			sub.Send(Message{Type: TypeError, Symbol: symbol, Error: err.Error()})
		} else {
			sub.Send(Message{
				Type:    TypeHistorical,
				Symbol:  symbol,
				Candles: Backfill(symbol, sim.SimulatedPrice, h.now(), h.cfg.Backfill),
			})
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	st, ok := h.streams[symbol]
	if !ok {
		wctx, cancel := context.WithCancel(h.ctx)
		st = &symbolStream{subs: make(map[Subscriber]struct{}), cancel: cancel}
		h.streams[symbol] = st
		h.started++
		h.wg.Add(1)
		go h.run(wctx, symbol, st)

		metrics.StreamWorkerTransitions.WithLabelValues("start").Inc()
		metrics.StreamWorkers.Set(float64(len(h.streams)))
		slog.Info("stream worker started", "symbol", symbol)
	}
	if _, dup := st.subs[sub]; !dup {
		st.subs[sub] = struct{}{}
		metrics.StreamSubscriptions.Inc()
	}
	return nil
}

// Unsubscribe removes sub from symbol and stops the worker when no
// subscribers remain.
func (h *Hub) Unsubscribe(sub Subscriber, symbol string) {
	symbol = model.NormalizeSymbol(symbol)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub, symbol)
}

// Drop removes sub from every symbol. Call on disconnect.
func (h *Hub) Drop(sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for symbol := range h.streams {
		h.removeLocked(sub, symbol)
	}
}

func (h *Hub) removeLocked(sub Subscriber, symbol string) {
	st, ok := h.streams[symbol]
	if !ok {
		return
	}
	if _, ok := st.subs[sub]; !ok {
		return
	}
	delete(st.subs, sub)
	metrics.StreamSubscriptions.Dec()
	if len(st.subs) > 0 {
		return
	}
	st.cancel()
	delete(h.streams, symbol)
	h.stopped++
	metrics.StreamWorkerTransitions.WithLabelValues("stop").Inc()
	metrics.StreamWorkers.Set(float64(len(h.streams)))
	slog.Info("stream worker stopped", "symbol", symbol)
}

// Stats reports current workers and subscriptions.
func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := Stats{Workers: len(h.streams), WorkersStarted: h.started, WorkersStopped: h.stopped}
	for _, st := range h.streams {
		s.Subscriptions += len(st.subs)
	}
	return s
}

// Close stops every worker and rejects further subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	for symbol, st := range h.streams {
		st.cancel()
		delete(h.streams, symbol)
		h.stopped++
	}
	h.mu.Unlock()

	h.cancel()
	h.wg.Wait()
	metrics.StreamWorkers.Set(0)
	metrics.StreamSubscriptions.Set(0)
}

// run is the worker for one symbol. It is the only producer of that
// symbol's live messages.
func (h *Hub) run(ctx context.Context, symbol string, st *symbolStream) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	rng := rand.New(rand.NewPCG(symbolSeed(symbol), uint64(time.Now().UnixNano())))
	var prevClose decimal.Decimal

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			msg := h.tick(ctx, symbol, &prevClose, now, rng)
			if ctx.Err() != nil {
				return
			}
			h.broadcast(st, msg)
		}
	}
}

func (h *Hub) tick(ctx context.Context, symbol string, prevClose *decimal.Decimal, now time.Time, rng *rand.Rand) Message {
	sim, err := h.sim.Simulate(ctx, symbol)
	if err != nil {
		slog.Warn("stream tick failed", "symbol", symbol, "err", err)
		return Message{Type: TypeError, Symbol: symbol, Error: err.Error()}
	}

	close := sim.SimulatedPrice
	if h.cfg.Jitter > 0 {
		close = scale(close, 1+(rng.Float64()-0.5)*h.cfg.Jitter).Round(2)
	}
	open := *prevClose
	if open.IsZero() {
		open = close
	}
	*prevClose = close

	c := buildCandle(symbol, now, open, close, rng)
	msg := Message{Type: TypeCandle, Symbol: symbol, Candle: &c}
	if len(sim.Events) > 0 {
		orig := sim.OriginalPrice
		msg.OriginalPrice = &orig
		msg.Events = sim.Events
	}
	return msg
}

// broadcast delivers msg to a snapshot of the subscriber set so that
// subscribe and unsubscribe never wait on a slow send.
func (h *Hub) broadcast(st *symbolStream, msg Message) {
	h.mu.Lock()
	subs := make([]Subscriber, 0, len(st.subs))
	for s := range st.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		if !s.Send(msg) {
			metrics.StreamDropped.Inc()
		}
	}
}
