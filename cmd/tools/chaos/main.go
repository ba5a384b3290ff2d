package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"tradecore/internal/alert"
	"tradecore/internal/chaos"
	"tradecore/internal/mdg"
	"tradecore/internal/og"
	"tradecore/internal/ops"
	"tradecore/internal/sim"
)

type outcome struct {
	seed       uint64
	res        sim.Result
	alerts     int
	converged  bool
	runErr     error
	durationMs int64
}

// chaos backtests the configured window once per seed with a faulty broker session and checks
// that every run still converges: no open position, no order in an unknown state.
func main() {
	configPath := flag.String("config", "", "Config file")
	seeds := flag.Int("seeds", 8, "Number of seeds to run")
	firstSeed := flag.Uint64("first-seed", 1, "First seed")
	dropRate := flag.Float64("drop-rate", 0.1, "Drop probability [0-1]")
	dupRate := flag.Float64("dup-rate", 0.1, "Duplicate probability [0-1]")
	reorderWindow := flag.Int("reorder-window", 3, "Reorder window (>=1)")
	timeoutRate := flag.Float64("submit-timeout-rate", 0.05, "Submit timeout probability [0-1]")
	disconnectEvery := flag.Int("disconnect-every", 50, "Drop the session every N events (0=never)")
	parallel := flag.Int("parallel", 4, "Concurrent runs")
	flag.Parse()

	if *seeds <= 0 {
		log.Fatalf("seeds must be > 0")
	}
	loaded, err := ops.Load(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	ctx := context.Background()
	rp := mdg.NewReplay(mustFeed(loaded), loaded.Registry, loaded.Data.Window, mdg.NewAdjuster(loaded.Data.Adjustments), loaded.Calendar, nil)
	if err := rp.Load(ctx); err != nil {
		log.Fatalf("load market data failed: %v", err)
	}

	outcomes := make([]outcome, *seeds)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(*parallel)
	for i := range *seeds {
		seed := *firstSeed + uint64(i)
		g.Go(func() error {
			cfg := loaded.Sim
			cfg.Chaos = &chaos.Config{
				Seed:              seed,
				DropRate:          *dropRate,
				DuplicateRate:     *dupRate,
				ReorderWindow:     *reorderWindow,
				SubmitTimeoutRate: *timeoutRate,
				DisconnectEvery:   *disconnectEvery,
			}
			alerts := &alert.Recorder{}
			h, err := sim.NewHarness(cfg, sim.Setup{
				Events:     rp.Events(),
				Strategies: loaded.Strategies,
				Risk:       loaded.Risk,
				Order:      loaded.Order,
				Engine:     loaded.Engine,
				Calendar:   loaded.Calendar,
				Sink:       alerts,
			})
			if err != nil {
				return err
			}
			start := time.Now()
			res, runErr := h.Run(gctx)
			out := outcome{
				seed:       seed,
				res:        res,
				alerts:     alerts.Count(alert.KindReconciliationMismatch),
				converged:  runErr == nil && res.Final.OpenPositions() == 0 && res.Orders[og.OrderStateUnknown] == 0,
				runErr:     runErr,
				durationMs: time.Since(start).Milliseconds(),
			}
			outcomes[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatalf("chaos run failed: %v", err)
	}

	failed := 0
	for _, o := range outcomes {
		status := "ok"
		if !o.converged {
			status = "DIVERGED"
			failed++
		}
		fmt.Printf("seed=%d %s trades=%d return=%s mismatches=%d alerts=%d faults=%+v took=%dms",
			o.seed, status, o.res.Trades, o.res.TotalReturn.StringFixed(2), o.res.Mismatches, o.alerts, o.res.Chaos, o.durationMs)
		if o.runErr != nil {
			fmt.Printf(" err=%v", o.runErr)
		}
		fmt.Println()
	}
	if failed > 0 {
		log.Printf("%d of %d runs did not converge", failed, len(outcomes))
		os.Exit(1)
	}
}

func mustFeed(loaded ops.Loaded) mdg.HistoricalFeed {
	switch loaded.Data.Source {
	case ops.DataSourceCSV:
		return mdg.CSVFeed{Dir: loaded.Data.Dir}
	default:
		gen, err := mdg.NewGenerator(loaded.Registry, loaded.Data.Generator, loaded.Calendar)
		if err != nil {
			log.Fatalf("generator init failed: %v", err)
		}
		return gen
	}
}
