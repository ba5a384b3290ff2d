package ops

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/schema"
	"tradecore/internal/strategy"
)

const sampleYAML = `
registry:
  exchanges: [XNYS]
  symbols:
    - {name: AAPL, exchange: XNYS, tick_size: "0.01"}
    - {name: MSFT, exchange: XNYS, tick_size: 0.01}
session:
  timezone: America/New_York
  extended_hours: true
risk:
  max_position_fraction: 0.1
  max_open_positions: 3
  entry_time_in_force: gtc
order:
  max_submit_attempts: 5
  backoff:
    min: 100ms
    max: 2s
sim:
  initial_cash: "50000"
  chaos:
    seed: 9
    drop_rate: 0.1
strategies:
  - kind: orb
    id: orb
    symbols: [AAPL, MSFT]
    orb:
      range_end: 20m
      volume_multiplier: 2
data:
  source: csv
  dir: testdata/bars
  window:
    from: 2024-03-04
    to: 2024-03-06T21:00:00Z
  adjustments:
    - {symbol: AAPL, ex_date: 2024-03-05, split_ratio: 2}
store:
  driver: sqlite
  path: data/tradecore.db
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tradecore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	loaded, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, []string{"SPY"}, loaded.Registry.Symbols())
	assert.Equal(t, "100000", loaded.Sim.InitialCash.String())
	assert.Equal(t, DataSourceSynthetic, loaded.Data.Source)
	assert.Equal(t, 10, loaded.Risk.MaxOpenPositions)
	assert.NotNil(t, loaded.Calendar)
	assert.Nil(t, loaded.Sim.Chaos)
}

func TestLoadFileWithEnvOverrides(t *testing.T) {
	t.Setenv("TRADECORE_RISK_MAX_OPEN_POSITIONS", "4")
	t.Setenv("TRADECORE_STORE_DRIVER", "badger")
	t.Setenv("TRADECORE_SIM_INITIAL_CASH", "75000.50")

	loaded, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"AAPL", "MSFT"}, loaded.Registry.Symbols())
	inst, ok := loaded.Registry.Lookup("AAPL")
	require.True(t, ok)
	assert.Equal(t, "0.01", inst.TickSize.String())

	assert.Equal(t, 4, loaded.Risk.MaxOpenPositions, "environment wins over the file")
	assert.Equal(t, "0.1", loaded.Risk.MaxPositionFraction.String())
	assert.Equal(t, "0.02", loaded.Risk.StopLossFraction.String(), "unset keys keep their defaults")
	assert.Equal(t, schema.TimeInForceGTC, loaded.Risk.EntryTimeInForce)
	assert.Equal(t, 5, loaded.Order.MaxSubmitAttempts)
	assert.Equal(t, 100*time.Millisecond, loaded.Order.Backoff.Min)
	assert.Equal(t, "badger", loaded.Store.Driver)
	assert.Equal(t, "75000.5", loaded.Sim.InitialCash.String())
	assert.True(t, loaded.Session.ExtendedHours)

	require.NotNil(t, loaded.Sim.Chaos)
	assert.Equal(t, uint64(9), loaded.Sim.Chaos.Seed)

	require.Len(t, loaded.Strategies, 1)
	spec := loaded.Strategies[0]
	assert.Equal(t, strategy.KindORB, spec.Kind)
	assert.Equal(t, 20*time.Minute, spec.ORB.RangeEnd)
	assert.Equal(t, "2", spec.ORB.VolumeMultiplier.String())

	assert.True(t, loaded.Data.Window.From.Equal(time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)))
	assert.True(t, loaded.Data.Window.To.Equal(time.Date(2024, 3, 6, 21, 0, 0, 0, time.UTC)))
	require.Len(t, loaded.Data.Adjustments, 1)
	assert.Equal(t, "2", loaded.Data.Adjustments[0].SplitRatio.String())
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	cases := map[string]string{
		"unknown strategy symbol": `
strategies:
  - {kind: ma_crossover, id: ma, symbols: [TSLA]}
`,
		"risk fraction above one": `
risk:
  daily_loss_fraction: 1.5
`,
		"unknown store driver": `
store:
  driver: redis
`,
		"bad time in force": `
risk:
  entry_time_in_force: forever
`,
		"csv without dir": `
data:
  source: csv
`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestWatchAppliesValidChanges(t *testing.T) {
	path := writeConfig(t, "risk:\n  max_open_positions: 2\n")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got atomic.Int64
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, 10*time.Millisecond, func(l Loaded) {
			got.Store(int64(l.Risk.MaxOpenPositions))
		})
	}()

	require.Eventually(t, func() bool {
		// rewritten on every check in case the watcher was not yet registered
		_ = os.WriteFile(path, []byte("risk:\n  max_open_positions: 7\n"), 0o644)
		return got.Load() == 7
	}, 5*time.Second, 300*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestPollSkipsInvalidFiles(t *testing.T) {
	path := writeConfig(t, "risk:\n  max_open_positions: 2\n")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var applied atomic.Int64
	go func() {
		_ = poll(ctx, path, 5*time.Millisecond, func(l Loaded) {
			applied.Store(int64(l.Risk.MaxOpenPositions))
		})
	}()

	touch := func(body string, at time.Time) {
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
		require.NoError(t, os.Chtimes(path, at, at))
	}
	touch("risk:\n  max_open_positions: -1\n", time.Now().Add(time.Hour))
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, applied.Load(), "an invalid file is not applied")

	touch("risk:\n  max_open_positions: 6\n", time.Now().Add(2*time.Hour))
	require.Eventually(t, func() bool { return applied.Load() == 6 }, 2*time.Second, 5*time.Millisecond)
}

func TestHolderSwapsConfig(t *testing.T) {
	first, err := Load("")
	require.NoError(t, err)
	h := NewHolder(first)

	next := first
	next.Risk.MaxOpenPositions = 1
	h.Update(next)
	assert.Equal(t, 1, h.Load().Risk.MaxOpenPositions)
}
