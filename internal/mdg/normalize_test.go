package mdg

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/alert"
	"tradecore/internal/schema"
)

var t0 = time.Date(2024, 3, 4, 14, 30, 0, 0, time.UTC)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func registry(t *testing.T, symbols ...string) *schema.Registry {
	t.Helper()
	reg := schema.NewRegistry()
	ex, err := reg.AddExchange("XNYS")
	require.NoError(t, err)
	for _, s := range symbols {
		_, err := reg.AddSymbol(s, ex, decimal.Zero)
		require.NoError(t, err)
	}
	return reg
}

func raw(sym string, minute int, px string) RawRecord {
	p := dec(px)
	return RawRecord{Symbol: sym, Kind: schema.MarketDataBar, Time: t0.Add(time.Duration(minute) * time.Minute), Open: p, High: p, Low: p, Close: p, Volume: 100}
}

func minutes(events []schema.MarketEvent) []int {
	out := make([]int, 0, len(events))
	for _, ev := range events {
		out = append(out, int(ev.Time().Sub(t0)/time.Minute))
	}
	return out
}

func TestNormalizeReordersWithinWindow(t *testing.T) {
	rec := &alert.Recorder{}
	n := NewNormalizer(registry(t, "AAPL"), NormalizerConfig{ReorderWindow: 2}, nil, nil, rec)

	var got []schema.MarketEvent
	for _, m := range []int{0, 2, 1, 3, 4} {
		out, err := n.Normalize(raw("AAPL", m, "100"))
		require.NoError(t, err)
		got = append(got, out...)
	}
	got = append(got, n.Flush()...)

	assert.Equal(t, []int{0, 1, 2, 3, 4}, minutes(got))
	assert.Equal(t, 0, n.Dropped())
	assert.Equal(t, 0, rec.Count(alert.KindFeedGap))
}

func TestNormalizeDropsLateRecords(t *testing.T) {
	rec := &alert.Recorder{}
	n := NewNormalizer(registry(t, "AAPL"), NormalizerConfig{}, nil, nil, rec)

	var got []schema.MarketEvent
	for _, m := range []int{0, 1, 3, 2, 3, 4} {
		out, err := n.Normalize(raw("AAPL", m, "100"))
		require.NoError(t, err)
		got = append(got, out...)
	}

	assert.Equal(t, []int{0, 1, 3, 3, 4}, minutes(got), "equal timestamps are kept, earlier ones dropped")
	assert.Equal(t, 1, n.Dropped())
	assert.Equal(t, 1, rec.Count(alert.KindFeedGap))
}

func TestNormalizeOrderIsPerSymbol(t *testing.T) {
	n := NewNormalizer(registry(t, "AAPL", "MSFT"), NormalizerConfig{}, nil, nil, nil)

	_, err := n.Normalize(raw("AAPL", 5, "100"))
	require.NoError(t, err)
	out, err := n.Normalize(raw("MSFT", 1, "300"))
	require.NoError(t, err)
	assert.Len(t, out, 1)
	assert.Equal(t, 0, n.Dropped())
}

func TestNormalizeDetectsGaps(t *testing.T) {
	rec := &alert.Recorder{}
	n := NewNormalizer(registry(t, "AAPL"), NormalizerConfig{Resolution: time.Minute}, nil, nil, rec)

	for _, m := range []int{0, 1, 5, 6, 60 * 24} {
		_, err := n.Normalize(raw("AAPL", m, "100"))
		require.NoError(t, err)
	}
	assert.Equal(t, 1, n.Gaps(), "overnight steps are not gaps")
	assert.Equal(t, 1, rec.Count(alert.KindFeedGap))
}

func TestNormalizeRejectsMalformed(t *testing.T) {
	n := NewNormalizer(registry(t, "AAPL"), NormalizerConfig{}, nil, nil, nil)

	bad := raw("AAPL", 0, "100")
	bad.Low = dec("101")

	noTime := raw("AAPL", 0, "100")
	noTime.Time = time.Time{}

	testCases := []struct {
		desc string
		rec  RawRecord
	}{
		{desc: "unknown symbol", rec: raw("TSLA", 0, "100")},
		{desc: "high below low", rec: bad},
		{desc: "zero price", rec: raw("AAPL", 0, "0")},
		{desc: "missing time", rec: noTime},
		{desc: "tick without price", rec: RawRecord{Symbol: "AAPL", Kind: schema.MarketDataTick, Time: t0}},
		{desc: "unknown kind", rec: RawRecord{Symbol: "AAPL", Time: t0}},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			_, err := n.Normalize(tc.rec)
			require.ErrorIs(t, err, ErrInvalidRecord)
		})
	}
}

func TestAdjusterBackAdjustsHistory(t *testing.T) {
	exDate := t0.Add(24 * time.Hour)
	adj := NewAdjuster([]Adjustment{
		{Symbol: "AAPL", ExDate: exDate, SplitRatio: dec("4")},
		{Symbol: "AAPL", ExDate: exDate.Add(24 * time.Hour), CashDividend: dec("1"), ReferenceClose: dec("50")},
	})
	n := NewNormalizer(registry(t, "AAPL"), NormalizerConfig{}, adj, nil, nil)

	before, err := n.Normalize(raw("AAPL", 0, "200"))
	require.NoError(t, err)
	require.Len(t, before, 1)
	assert.True(t, before[0].Bar.Close.Equal(dec("49")), before[0].Bar.Close.String())
	assert.Equal(t, int64(400), before[0].Bar.Volume)

	between, err := n.Normalize(raw("AAPL", 60*25, "50"))
	require.NoError(t, err)
	assert.True(t, between[0].Bar.Close.Equal(dec("49")), between[0].Bar.Close.String())
	assert.Equal(t, int64(100), between[0].Bar.Volume)

	after, err := n.Normalize(raw("AAPL", 60*49, "49"))
	require.NoError(t, err)
	assert.True(t, after[0].Bar.Close.Equal(dec("49")))
}

func TestReplayIsRestartableAndMerged(t *testing.T) {
	reg := registry(t, "AAPL", "MSFT")
	feed := NewMemoryFeed(
		raw("MSFT", 0, "300"), raw("MSFT", 1, "301"),
		raw("AAPL", 0, "100"), raw("AAPL", 2, "101"),
	)
	r := NewReplay(feed, reg, ReplayConfig{From: t0, To: t0.Add(2 * time.Minute)}, nil, nil, nil)
	require.NoError(t, r.Load(context.Background()))

	var first, second []string
	for ev := range r.Events() {
		first = append(first, ev.Symbol())
	}
	for ev := range r.Events() {
		second = append(second, ev.Symbol())
	}
	assert.Equal(t, []string{"AAPL", "MSFT", "MSFT"}, first, "ties go to registration order and the window is half-open")
	assert.Equal(t, first, second)
	assert.Equal(t, 3, r.Len())
}

func TestReplayAndStreamSkipMalformedRecords(t *testing.T) {
	bad := raw("AAPL", 1, "100")
	bad.High = dec("99")
	records := []RawRecord{raw("AAPL", 0, "100"), bad, raw("AAPL", 2, "101")}

	replayAlerts := &alert.Recorder{}
	r := NewReplay(NewMemoryFeed(records...), registry(t, "AAPL"), ReplayConfig{From: t0, To: t0.Add(time.Hour)}, nil, nil, replayAlerts)
	require.NoError(t, r.Load(context.Background()))
	var replayed []schema.MarketEvent
	for ev := range r.Events() {
		replayed = append(replayed, ev)
	}

	streamAlerts := &alert.Recorder{}
	s := NewStream(NewMemoryFeed(records...), NewNormalizer(registry(t, "AAPL"), NormalizerConfig{}, nil, nil, streamAlerts), []string{"AAPL"})
	var streamed []schema.MarketEvent
	require.NoError(t, s.Run(context.Background(), func(ev schema.MarketEvent) error {
		streamed = append(streamed, ev)
		return nil
	}))

	assert.Equal(t, []int{0, 2}, minutes(replayed))
	assert.Equal(t, minutes(replayed), minutes(streamed))
	assert.Equal(t, 1, replayAlerts.Count(alert.KindFeedGap))
	assert.Equal(t, 1, streamAlerts.Count(alert.KindFeedGap))
	assert.Contains(t, replayAlerts.Events()[0].Reason, "malformed")
}

func TestStreamRunsOnce(t *testing.T) {
	reg := registry(t, "AAPL", "MSFT")
	feed := NewMemoryFeed(raw("AAPL", 0, "100"), raw("MSFT", 0, "300"), raw("AAPL", 1, "101"))
	s := NewStream(feed, NewNormalizer(reg, NormalizerConfig{}, nil, nil, nil), []string{"AAPL"})

	var got []schema.MarketEvent
	err := s.Run(context.Background(), func(ev schema.MarketEvent) error {
		got = append(got, ev)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, minutes(got))

	require.ErrorIs(t, s.Run(context.Background(), func(schema.MarketEvent) error { return nil }), ErrStreamConsumed)
}

func TestReadCSV(t *testing.T) {
	in := strings.NewReader("time,open,high,low,close,volume\n2024-03-04,100,101,99,100.5,12000\n2024-03-05T14:30:00Z,100.5,102,100,101,9000.0\n")
	recs, err := ReadCSV("AAPL", in)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.True(t, recs[0].Close.Equal(dec("100.5")))
	assert.Equal(t, int64(9000), recs[1].Volume)
	assert.Equal(t, 14, recs[1].Time.Hour())

	_, err = ReadCSV("AAPL", strings.NewReader("time,open\n2024-03-04,1\n"))
	require.Error(t, err)
}

func TestGeneratorIsDeterministic(t *testing.T) {
	reg := registry(t, "AAPL", "MSFT")
	cfg := GeneratorConfig{Seed: 42}
	g1, err := NewGenerator(reg, cfg, nil)
	require.NoError(t, err)
	g2, err := NewGenerator(reg, cfg, nil)
	require.NoError(t, err)

	ctx := context.Background()
	a, err := g1.FetchHistorical(ctx, "MSFT", t0, t0.Add(time.Hour), time.Minute)
	require.NoError(t, err)
	b, err := g2.FetchHistorical(ctx, "MSFT", t0, t0.Add(time.Hour), time.Minute)
	require.NoError(t, err)
	require.Len(t, a, 60)
	assert.Equal(t, a, b)

	n := NewNormalizer(reg, NormalizerConfig{}, nil, nil, nil)
	for _, rec := range a {
		_, err := n.Normalize(rec)
		require.NoError(t, err, "generated bars are well formed")
	}

	_, err = g1.FetchHistorical(ctx, "TSLA", t0, t0.Add(time.Hour), time.Minute)
	require.Error(t, err)
}

func TestWriteCSVReadsBack(t *testing.T) {
	g, err := NewGenerator(registry(t, "AAPL"), GeneratorConfig{Seed: 7}, nil)
	require.NoError(t, err)
	bars, err := g.FetchHistorical(context.Background(), "AAPL", t0, t0.Add(30*time.Minute), time.Minute)
	require.NoError(t, err)

	var buf strings.Builder
	require.NoError(t, WriteCSV(&buf, bars))
	back, err := ReadCSV("AAPL", strings.NewReader(buf.String()))
	require.NoError(t, err)
	require.Len(t, back, len(bars))
	for i := range bars {
		assert.True(t, back[i].Time.Equal(bars[i].Time), "row %d", i)
		assert.True(t, back[i].Open.Equal(bars[i].Open), "row %d", i)
		assert.True(t, back[i].Close.Equal(bars[i].Close), "row %d", i)
		assert.Equal(t, bars[i].Volume, back[i].Volume)
	}
}
