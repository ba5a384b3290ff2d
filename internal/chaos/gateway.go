package chaos

import (
	"context"
	"sync"

	"tradecore/internal/broker"
	"tradecore/internal/schema"
)

const defaultEventBuffer = 4096

// Stats counts what the gateway saw and delivered.
type Stats struct {
	Received       int
	Delivered      int
	Disconnects    int
	SubmitTimeouts int
}

// Gateway wraps a broker and corrupts its event stream and submissions according to an Engine.
// Deterministic callers drive it with Pump; live callers use Run.
type Gateway struct {
	mu      sync.Mutex
	inner   broker.Gateway
	eng     *Engine
	every   int
	out     chan broker.Event
	backlog []broker.Event
	stats   Stats
	since   int
}

var (
	_ broker.Gateway      = (*Gateway)(nil)
	_ broker.OrderQuerier = (*Gateway)(nil)
)

// Wrap builds a fault-injecting gateway around inner.
func Wrap(inner broker.Gateway, cfg Config) (*Gateway, error) {
	eng, err := NewEngine(cfg)
	if err != nil {
		return nil, err
	}
	return &Gateway{
		inner: inner,
		eng:   eng,
		every: cfg.DisconnectEvery,
		out:   make(chan broker.Event, defaultEventBuffer),
	}, nil
}

func (g *Gateway) SubmitOrder(ctx context.Context, req schema.OrderRequest) (string, error) {
	g.mu.Lock()
	timeout, forward := g.eng.Timeout()
	if timeout {
		g.stats.SubmitTimeouts++
	}
	g.mu.Unlock()

	if !timeout {
		return g.inner.SubmitOrder(ctx, req)
	}
	if forward {
		if _, err := g.inner.SubmitOrder(ctx, req); err != nil {
			return "", err
		}
	}
	return "", broker.ErrTimeout
}

func (g *Gateway) CancelOrder(ctx context.Context, brokerOrderID string) error {
	return g.inner.CancelOrder(ctx, brokerOrderID)
}

func (g *Gateway) ListOpenOrders(ctx context.Context) ([]broker.OrderStatus, error) {
	return g.inner.ListOpenOrders(ctx)
}

func (g *Gateway) GetOrder(ctx context.Context, brokerOrderID string) (broker.OrderStatus, error) {
	q, ok := g.inner.(broker.OrderQuerier)
	if !ok {
		return broker.OrderStatus{}, broker.ErrUnknownOrder
	}
	return q.GetOrder(ctx, brokerOrderID)
}

func (g *Gateway) Events() <-chan broker.Event {
	return g.out
}

// Stats returns the counters so far.
func (g *Gateway) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stats
}

// Pump moves every event currently available from the inner broker through the engine
// and returns how many events were delivered, injected ones included.
func (g *Gateway) Pump() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	for {
		select {
		case ev := <-g.inner.Events():
			g.stats.Received++
			g.backlog = append(g.backlog, g.eng.Process(ev)...)
			continue
		default:
		}
		break
	}
	return g.deliver()
}

// Flush releases events held back for reordering.
func (g *Gateway) Flush() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.backlog = append(g.backlog, g.eng.Flush()...)
	return g.deliver()
}

// Run pumps events until ctx is done.
func (g *Gateway) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-g.inner.Events():
			g.mu.Lock()
			g.stats.Received++
			g.backlog = append(g.backlog, g.eng.Process(ev)...)
			g.deliver()
			g.mu.Unlock()
		}
	}
}

func (g *Gateway) deliver() int {
	n := 0
	for len(g.backlog) > 0 {
		ev := g.backlog[0]
		select {
		case g.out <- ev:
		default:
			return n
		}
		g.backlog = g.backlog[1:]
		g.stats.Delivered++
		n++
		if ev.Kind == broker.EventDisconnect || ev.Kind == broker.EventReconnect {
			continue
		}
		g.since++
		if g.every > 0 && g.since >= g.every {
			g.since = 0
			g.stats.Disconnects++
			g.backlog = append([]broker.Event{
				{Kind: broker.EventDisconnect, Time: ev.Time},
				{Kind: broker.EventReconnect, Time: ev.Time},
			}, g.backlog...)
		}
	}
	return n
}
