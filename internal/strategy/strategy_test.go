package strategy

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/clock"
	"tradecore/internal/ledger"
	"tradecore/internal/schema"
)

var t0 = time.Date(2024, 3, 4, 14, 30, 0, 0, time.UTC)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func barAt(sym string, minute int, close string, volume int64) schema.MarketEvent {
	c := dec(close)
	return schema.BarEvent(schema.Bar{Symbol: sym, Time: t0.Add(time.Duration(minute) * time.Minute), Open: c, High: c, Low: c, Close: c, Volume: volume})
}

func holding(t *testing.T, sym string, qty int64) ledger.Snapshot {
	t.Helper()
	l := ledger.New(dec("100000"))
	if qty > 0 {
		_, err := l.ApplyFill(schema.Fill{FillID: "f1", Symbol: sym, Side: schema.SideBuy, Quantity: schema.Quantity(qty), Price: dec("100"), Time: t0})
		require.NoError(t, err)
	}
	return l.Snapshot()
}

type stub struct {
	id      string
	symbols []string
	panics  bool
}

func (s *stub) ID() string        { return s.id }
func (s *stub) Symbols() []string { return s.symbols }

func (s *stub) Evaluate(ev schema.MarketEvent, _ ledger.Snapshot) (schema.TradeIntent, bool) {
	if s.panics {
		panic("broken indicator")
	}
	return schema.TradeIntent{Symbol: ev.Symbol(), Direction: schema.DirectionLong}, true
}

func TestGeneratorMergeOrder(t *testing.T) {
	for _, parallel := range []int{0, 4} {
		g := NewGenerator(parallel)
		require.NoError(t, g.Register(&stub{id: "a", symbols: []string{"AAPL"}}))
		require.NoError(t, g.Register(&stub{id: "b", symbols: []string{"AAPL", "MSFT"}}))
		require.NoError(t, g.Register(&stub{id: "c", symbols: []string{"AAPL"}, panics: true}))
		require.ErrorIs(t, g.Register(&stub{id: "a"}), ErrDuplicateStrategy)

		events := []schema.MarketEvent{barAt("MSFT", 0, "300", 1), barAt("AAPL", 1, "100", 1)}
		intents, err := g.EvaluateBatch(context.Background(), events, holding(t, "", 0))
		require.NoError(t, err)

		var got []string
		for _, in := range intents {
			got = append(got, in.StrategyID+":"+in.Symbol)
		}
		assert.Equal(t, []string{"b:MSFT", "a:AAPL", "b:AAPL"}, got, "parallel=%d", parallel)
		assert.Equal(t, events[1].Time(), intents[1].Time)
	}
}

func TestGeneratorSkipsUntrackedSymbols(t *testing.T) {
	g := NewGenerator(2)
	require.NoError(t, g.Register(&stub{id: "a", symbols: []string{"AAPL"}}))

	intents, err := g.Evaluate(context.Background(), barAt("TSLA", 0, "200", 1), holding(t, "", 0))
	require.NoError(t, err)
	assert.Empty(t, intents)
	assert.Equal(t, []string{"AAPL"}, g.Symbols())
}

func TestMACrossover(t *testing.T) {
	cfg := DefaultMACrossoverConfig()
	cfg.Fast, cfg.Slow = 2, 3
	s, err := NewMACrossover("ma", []string{"AAPL"}, cfg)
	require.NoError(t, err)

	flat := holding(t, "", 0)
	long := holding(t, "AAPL", 10)

	for i, px := range []string{"10", "10", "10", "10"} {
		_, ok := s.Evaluate(barAt("AAPL", i, px, 1000), flat)
		require.False(t, ok, "no cross at bar %d", i)
	}

	in, ok := s.Evaluate(barAt("AAPL", 4, "13", 1000), flat)
	require.True(t, ok)
	assert.Equal(t, schema.DirectionLong, in.Direction)
	assert.True(t, in.TargetWeight.Equal(dec("0.05")))
	assert.True(t, in.StopPrice.Equal(dec("12.74")), in.StopPrice.String())
	assert.True(t, in.TargetPrice.Equal(dec("13.65")), in.TargetPrice.String())
	assert.True(t, in.Confidence.GreaterThan(dec("0.5")) && in.Confidence.LessThanOrEqual(dec("1")), in.Confidence.String())

	_, ok = s.Evaluate(barAt("AAPL", 5, "7", 1000), long)
	require.False(t, ok)

	in, ok = s.Evaluate(barAt("AAPL", 6, "4", 1000), long)
	require.True(t, ok)
	assert.Equal(t, schema.DirectionFlat, in.Direction)

	_, err = NewMACrossover("bad", []string{"AAPL"}, MACrossoverConfig{Fast: 20, Slow: 10})
	require.Error(t, err)
}

func TestMACrossoverIgnoresCrossWithoutPosition(t *testing.T) {
	cfg := DefaultMACrossoverConfig()
	cfg.Fast, cfg.Slow = 2, 3
	s, err := NewMACrossover("ma", []string{"AAPL"}, cfg)
	require.NoError(t, err)

	flat := holding(t, "", 0)
	for i, px := range []string{"10", "10", "10", "10", "7", "4"} {
		_, ok := s.Evaluate(barAt("AAPL", i, px, 1000), flat)
		require.False(t, ok, "bar %d", i)
	}
}

func orbBar(minute int, high, low, close string, volume int64) schema.MarketEvent {
	return schema.BarEvent(schema.Bar{
		Symbol: "AAPL",
		Time:   t0.Add(time.Duration(minute) * time.Minute),
		Open:   dec(close),
		High:   dec(high),
		Low:    dec(low),
		Close:  dec(close),
		Volume: volume,
	})
}

func TestOpeningRangeBreakout(t *testing.T) {
	cal := clock.MustCalendar(clock.DefaultCalendarConfig())
	s, err := NewOpeningRangeBreakout("orb", []string{"AAPL"}, cal, DefaultORBConfig())
	require.NoError(t, err)

	flat := holding(t, "", 0)
	long := holding(t, "AAPL", 250)

	for m := 0; m < 15; m++ {
		_, ok := s.Evaluate(orbBar(m, "101", "100", "100.5", 1000), flat)
		require.False(t, ok, "minute %d builds the range", m)
	}
	_, ok := s.Evaluate(orbBar(15, "101", "100", "101.5", 1000), flat)
	require.False(t, ok, "breakout without volume")

	in, ok := s.Evaluate(orbBar(16, "101.6", "101", "101.5", 2000), flat)
	require.True(t, ok)
	assert.Equal(t, schema.DirectionLong, in.Direction)
	assert.Equal(t, schema.Quantity(250), in.Quantity)
	assert.True(t, in.StopPrice.Equal(dec("100.5")), in.StopPrice.String())
	assert.True(t, in.TargetPrice.Equal(dec("103.5")), in.TargetPrice.String())

	_, ok = s.Evaluate(orbBar(17, "102", "101", "101.8", 5000), flat)
	require.False(t, ok, "one entry per session")

	in, ok = s.Evaluate(orbBar(18, "101", "100.7", "100.8", 1000), long)
	require.True(t, ok)
	assert.Equal(t, schema.DirectionFlat, in.Direction)

	in, ok = s.Evaluate(orbBar(6*60+25, "101", "100", "100.5", 1000), long)
	require.True(t, ok)
	assert.Equal(t, schema.DirectionFlat, in.Direction)
	assert.Equal(t, "flatten before close", in.Reason)
}

func TestOpeningRangeBreakoutRejectsNarrowRange(t *testing.T) {
	cal := clock.MustCalendar(clock.DefaultCalendarConfig())
	s, err := NewOpeningRangeBreakout("orb", []string{"AAPL"}, cal, DefaultORBConfig())
	require.NoError(t, err)

	flat := holding(t, "", 0)
	for m := 0; m < 15; m++ {
		s.Evaluate(orbBar(m, "100.1", "100", "100.05", 1000), flat)
	}
	_, ok := s.Evaluate(orbBar(16, "100.5", "100.2", "100.4", 5000), flat)
	assert.False(t, ok)
}

func TestBuild(t *testing.T) {
	cal := clock.MustCalendar(clock.DefaultCalendarConfig())
	g, err := BuildGenerator([]Spec{
		{Kind: KindMACrossover, ID: "ma", Symbols: []string{"AAPL"}},
		{Kind: KindORB, Symbols: []string{"SPY"}},
	}, cal, 2)
	require.NoError(t, err)
	require.Len(t, g.Strategies(), 2)
	assert.Equal(t, "orb", g.Strategies()[1].ID())

	_, err = Build(Spec{Kind: "rsi", Symbols: []string{"AAPL"}}, cal)
	require.Error(t, err)
	_, err = Build(Spec{Kind: KindORB, Symbols: []string{"AAPL"}}, nil)
	require.Error(t, err)
	_, err = Build(Spec{Kind: KindORB}, cal)
	require.Error(t, err)
	_, err = BuildGenerator([]Spec{{Kind: KindORB, Symbols: []string{"A"}}, {Kind: KindORB, Symbols: []string{"B"}}}, cal, 0)
	require.ErrorIs(t, err, ErrDuplicateStrategy)
}
