package chaos

import (
	"fmt"
	"math/rand/v2"
	"time"

	"tradecore/internal/broker"
)

// Config controls fault injection. Rates are probabilities in [0, 1].
type Config struct {
	Seed          uint64        `mapstructure:"seed"`
	DropRate      float64       `mapstructure:"drop_rate"`
	DuplicateRate float64       `mapstructure:"duplicate_rate"`
	ReorderWindow int           `mapstructure:"reorder_window"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
	// SubmitTimeoutRate makes SubmitOrder report ErrTimeout. Half of those timeouts still reach the broker.
	SubmitTimeoutRate float64 `mapstructure:"submit_timeout_rate"`
	// DisconnectEvery injects a disconnect/reconnect pair after every N delivered events; zero disables it.
	DisconnectEvery int `mapstructure:"disconnect_every"`
}

// Validate ensures the config is within supported ranges.
func (c Config) Validate() error {
	rates := []struct {
		name string
		v    float64
	}{
		{"dropRate", c.DropRate},
		{"duplicateRate", c.DuplicateRate},
		{"submitTimeoutRate", c.SubmitTimeoutRate},
	}
	for _, r := range rates {
		if r.v < 0 || r.v > 1 {
			return fmt.Errorf("%s must be between 0 and 1", r.name)
		}
	}
	if c.ReorderWindow < 0 {
		return fmt.Errorf("reorderWindow must be >= 0")
	}
	if c.MaxDelay < 0 {
		return fmt.Errorf("maxDelay must be >= 0")
	}
	if c.DisconnectEvery < 0 {
		return fmt.Errorf("disconnectEvery must be >= 0")
	}
	return nil
}

// Engine drops, duplicates, delays and reorders broker events. The same seed yields the same faults.
// Session events (disconnect, reconnect) always pass through untouched.
type Engine struct {
	cfg     Config
	rng     *rand.Rand
	pending []broker.Event
}

// NewEngine creates a chaos engine. A zero seed is replaced by 1 so runs stay reproducible.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.ReorderWindow <= 0 {
		cfg.ReorderWindow = 1
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Seed == 0 {
		cfg.Seed = 1
	}
	return &Engine{
		cfg: cfg,
		rng: rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
	}, nil
}

// Process applies chaos to a single event and returns the events to deliver now.
func (e *Engine) Process(ev broker.Event) []broker.Event {
	if e == nil || ev.Kind == broker.EventDisconnect || ev.Kind == broker.EventReconnect {
		return []broker.Event{ev}
	}
	if e.chance(e.cfg.DropRate) {
		return nil
	}
	ev = e.applyDelay(ev)
	if e.cfg.ReorderWindow <= 1 {
		return e.applyDuplicate(ev)
	}
	e.pending = append(e.pending, ev)
	if len(e.pending) < e.cfg.ReorderWindow {
		return nil
	}
	return e.applyDuplicate(e.take())
}

// Flush returns every buffered event.
func (e *Engine) Flush() []broker.Event {
	if e == nil || len(e.pending) == 0 {
		return nil
	}
	out := make([]broker.Event, 0, len(e.pending))
	for len(e.pending) > 0 {
		out = append(out, e.applyDuplicate(e.take())...)
	}
	return out
}

// Timeout decides the fate of one submission: timeout reports whether the caller sees ErrTimeout,
// forward whether the request reaches the broker anyway.
func (e *Engine) Timeout() (timeout, forward bool) {
	if e == nil || !e.chance(e.cfg.SubmitTimeoutRate) {
		return false, true
	}
	return true, e.rng.IntN(2) == 0
}

func (e *Engine) take() broker.Event {
	idx := e.rng.IntN(len(e.pending))
	ev := e.pending[idx]
	e.pending = append(e.pending[:idx], e.pending[idx+1:]...)
	return ev
}

func (e *Engine) chance(rate float64) bool {
	return rate > 0 && e.rng.Float64() < rate
}

func (e *Engine) applyDuplicate(ev broker.Event) []broker.Event {
	out := []broker.Event{ev}
	if e.chance(e.cfg.DuplicateRate) {
		out = append(out, ev)
	}
	return out
}

func (e *Engine) applyDelay(ev broker.Event) broker.Event {
	if e.cfg.MaxDelay <= 0 {
		return ev
	}
	delay := time.Duration(e.rng.Int64N(int64(e.cfg.MaxDelay) + 1))
	ev.Time = ev.Time.Add(delay)
	return ev
}
