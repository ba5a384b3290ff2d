package chaos

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/broker"
	"tradecore/internal/schema"
)

var t0 = time.Date(2024, 3, 4, 14, 30, 0, 0, time.UTC)

func acks(n int) []broker.Event {
	out := make([]broker.Event, n)
	for i := range out {
		out[i] = broker.Event{Kind: broker.EventAck, ClientOrderID: fmt.Sprintf("c%d", i), Time: t0}
	}
	return out
}

func run(t *testing.T, cfg Config, in []broker.Event) []broker.Event {
	t.Helper()
	e, err := NewEngine(cfg)
	require.NoError(t, err)
	var out []broker.Event
	for _, ev := range in {
		out = append(out, e.Process(ev)...)
	}
	return append(out, e.Flush()...)
}

func TestEngineIsDeterministicPerSeed(t *testing.T) {
	cfg := Config{Seed: 42, DropRate: 0.2, DuplicateRate: 0.2, ReorderWindow: 4, MaxDelay: time.Second}
	a := run(t, cfg, acks(200))
	b := run(t, cfg, acks(200))
	assert.Equal(t, a, b)

	cfg.Seed = 43
	c := run(t, cfg, acks(200))
	assert.NotEqual(t, a, c)
}

func TestEnginePassThroughWithoutFaults(t *testing.T) {
	in := acks(10)
	assert.Equal(t, in, run(t, Config{}, in))
}

func TestEngineNeverTouchesSessionEvents(t *testing.T) {
	e, err := NewEngine(Config{Seed: 7, DropRate: 1})
	require.NoError(t, err)
	assert.Empty(t, e.Process(broker.Event{Kind: broker.EventAck}))
	out := e.Process(broker.Event{Kind: broker.EventDisconnect})
	require.Len(t, out, 1)
	assert.Equal(t, broker.EventDisconnect, out[0].Kind)
}

func TestEngineReorderKeepsEveryEvent(t *testing.T) {
	in := acks(50)
	out := run(t, Config{Seed: 3, ReorderWindow: 5}, in)
	require.Len(t, out, len(in))
	seen := map[string]bool{}
	for _, ev := range out {
		seen[ev.ClientOrderID] = true
	}
	assert.Len(t, seen, len(in))
	assert.NotEqual(t, in, out)
}

func TestEngineDelayShiftsEventTime(t *testing.T) {
	out := run(t, Config{Seed: 9, MaxDelay: time.Minute}, acks(20))
	for _, ev := range out {
		assert.False(t, ev.Time.Before(t0))
		assert.False(t, ev.Time.After(t0.Add(time.Minute)))
	}
}

func TestConfigValidate(t *testing.T) {
	for name, cfg := range map[string]Config{
		"drop":       {DropRate: 1.5},
		"duplicate":  {DuplicateRate: -0.1},
		"timeout":    {SubmitTimeoutRate: 2},
		"reorder":    {ReorderWindow: -1},
		"delay":      {MaxDelay: -time.Second},
		"disconnect": {DisconnectEvery: -3},
	} {
		assert.Error(t, cfg.Validate(), name)
	}
	assert.NoError(t, Config{DropRate: 0.5, ReorderWindow: 3}.Validate())
}

func order(id string) schema.OrderRequest {
	return schema.OrderRequest{ClientOrderID: id, Symbol: "AAPL", Side: schema.SideBuy, Quantity: 1, Type: schema.OrderTypeMarket}
}

func drain(g *Gateway) []broker.Event {
	var out []broker.Event
	for {
		select {
		case ev := <-g.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestGatewayInjectsDisconnects(t *testing.T) {
	sim := broker.NewSim(broker.DefaultSimConfig())
	g, err := Wrap(sim, Config{Seed: 1, DisconnectEvery: 2})
	require.NoError(t, err)

	ctx := context.Background()
	for i := range 4 {
		_, err := g.SubmitOrder(ctx, order(fmt.Sprintf("c%d", i)))
		require.NoError(t, err)
	}
	assert.Equal(t, 8, g.Pump())

	var kinds []broker.EventKind
	for _, ev := range drain(g) {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []broker.EventKind{
		broker.EventAck, broker.EventAck,
		broker.EventDisconnect, broker.EventReconnect,
		broker.EventAck, broker.EventAck,
		broker.EventDisconnect, broker.EventReconnect,
	}, kinds)
	assert.Equal(t, 2, g.Stats().Disconnects)
}

func TestGatewaySubmitTimeouts(t *testing.T) {
	sim := broker.NewSim(broker.DefaultSimConfig())
	g, err := Wrap(sim, Config{Seed: 5, SubmitTimeoutRate: 1})
	require.NoError(t, err)

	ctx := context.Background()
	for i := range 20 {
		_, err := g.SubmitOrder(ctx, order(fmt.Sprintf("c%d", i)))
		assert.ErrorIs(t, err, broker.ErrTimeout)
		assert.True(t, broker.IsTransient(err))
	}
	assert.Equal(t, 20, g.Stats().SubmitTimeouts)

	open, err := g.ListOpenOrders(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, open, "some timed out submissions still reach the broker")
	assert.Less(t, len(open), 20, "some timed out submissions never reach the broker")

	// resubmitting the same client id is idempotent at the broker
	id, err := sim.SubmitOrder(ctx, open[0].Request)
	require.NoError(t, err)
	assert.Equal(t, open[0].BrokerOrderID, id)

	st, err := g.GetOrder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, broker.StatusAccepted, st.Status)
}

func TestGatewayFlushReleasesReorderedEvents(t *testing.T) {
	sim := broker.NewSim(broker.DefaultSimConfig())
	g, err := Wrap(sim, Config{Seed: 11, ReorderWindow: 8})
	require.NoError(t, err)

	ctx := context.Background()
	for i := range 3 {
		_, err := g.SubmitOrder(ctx, order(fmt.Sprintf("c%d", i)))
		require.NoError(t, err)
	}
	assert.Zero(t, g.Pump())
	assert.Equal(t, 3, g.Flush())
	assert.Len(t, drain(g), 3)

	sim.OnBar(schema.Bar{Symbol: "AAPL", Time: t0, Open: decimal.NewFromInt(100), High: decimal.NewFromInt(101), Low: decimal.NewFromInt(99), Close: decimal.NewFromInt(100)})
	g.Pump()
	g.Flush()
	fills := 0
	for _, ev := range drain(g) {
		if ev.Kind == broker.EventFill {
			fills++
		}
	}
	assert.Equal(t, 3, fills)
	assert.Equal(t, Stats{Received: 6, Delivered: 6}, g.Stats())
}
