package main

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/yanun0323/logs"

	"tradecore/internal/alert"
	"tradecore/internal/broker"
	"tradecore/internal/chaos"
	"tradecore/internal/engine"
	"tradecore/internal/obs"
	"tradecore/internal/ops"
	"tradecore/internal/recorder"
	"tradecore/internal/schema"
	"tradecore/internal/state"
	"tradecore/internal/store"
	"tradecore/internal/strategy"
	"tradecore/pkg/backoff"
)

type liveOptions struct {
	reloadInterval time.Duration
	exitWhenDone   bool
	noChecksum     bool
}

func liveCmd() *cobra.Command {
	var opt liveOptions
	cmd := &cobra.Command{
		Use:   "live",
		Short: "Paper trade the configured market data through the live loop",
		Long: `live recovers the ledger from the last checkpoint and the journal, then streams market data
through the live loop against the simulated broker. Every state change is journaled and checkpointed,
so a stopped or crashed process resumes where it left off.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := loadConfig()
			if err != nil {
				return err
			}
			stop, err := startProfiler("live")
			if err != nil {
				return err
			}
			defer stop()

			ctx, cancel := signalContext()
			defer cancel()
			return runLive(ctx, cancel, ops.NewHolder(loaded), opt)
		},
	}
	cmd.Flags().DurationVar(&opt.reloadInterval, "reload-interval", 2*time.Second, "Config poll interval when file notifications are unavailable")
	cmd.Flags().BoolVar(&opt.exitWhenDone, "exit-when-done", true, "Stop once the market data source is exhausted")
	cmd.Flags().BoolVar(&opt.noChecksum, "no-checksum", false, "Skip journal checksum validation during recovery")
	return cmd
}

func runLive(ctx context.Context, cancel context.CancelFunc, holder *ops.Holder, opt liveOptions) error {
	loaded := holder.Load()

	st, err := store.Open(loaded.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	cp, ok, err := st.LoadCheckpoint(ctx)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	var base *state.Checkpoint
	if ok {
		base = &cp
		logs.Infof("checkpoint taken at %s, journal seq %d", cp.TakenAt.Format(time.RFC3339), cp.JournalSeq)
	}
	rec, err := state.RecoverLedger(ctx, state.RecoverConfig{
		JournalDir:      loaded.Journal.Dir,
		FilePrefix:      loaded.Journal.FilePrefix,
		InitialCash:     loaded.Sim.InitialCash,
		DisableChecksum: opt.noChecksum,
	}, base)
	if err != nil {
		return fmt.Errorf("recover ledger: %w", err)
	}

	journal, err := recorder.Open(ctx, loaded.Journal)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer func() {
		if err := journal.Close(); err != nil {
			logs.Errorf("close journal, err: %+v", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := obs.NewMetrics()
	if err := metrics.Register(reg, loaded.Metrics.Namespace); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	gen, err := strategy.BuildGenerator(loaded.Strategies, loaded.Calendar, loaded.Sim.Parallel)
	if err != nil {
		return fmt.Errorf("build strategies: %w", err)
	}
	paper := broker.NewSim(loaded.Sim.Broker)
	var (
		gw     broker.Gateway = paper
		faults *chaos.Gateway
	)
	if loaded.Sim.Chaos != nil {
		if faults, err = chaos.Wrap(paper, *loaded.Sim.Chaos); err != nil {
			return fmt.Errorf("wrap broker: %w", err)
		}
		gw = faults
	}

	core, err := engine.NewCore(ctx, loaded.Engine, engine.Deps{
		Ledger:     rec.Ledger,
		Risk:       loaded.Risk,
		Strategies: gen,
		Gateway:    gw,
		Calendar:   loaded.Calendar,
		Order:      loaded.Order,
		Journal:    journal,
		Store:      st,
		Metrics:    metrics,
		Sink:       alert.LogSink{},
		IDs:        schema.RandomIDs{},
		Sleeper:    backoff.TimerSleeper{},
	})
	if err != nil {
		return err
	}
	asOf := rec.Ledger.Snapshot().AsOf
	if base != nil {
		if asOf.IsZero() {
			asOf = base.TakenAt
		}
		if err := core.Resume(ctx, base.Orders, rec.Journaled, asOf); err != nil {
			return fmt.Errorf("resume: %w", err)
		}
	} else if rec.LastSeq > 0 {
		logs.Warnf("journal has %d records but no checkpoint, working orders are rebuilt by reconciliation only", rec.LastSeq)
		if err := core.Reconcile(ctx); err != nil {
			return fmt.Errorf("reconcile: %w", err)
		}
	}

	stream, err := paperStream(ctx, loaded, core.Sink())
	if err != nil {
		return err
	}
	src := paperSource{
		inner:   stream,
		sim:     paper,
		pace:    loaded.Data.Pace,
		sleeper: backoff.TimerSleeper{},
		after:   asOf,
	}
	if opt.exitWhenDone {
		src.done = func() {
			logs.Infof("market data exhausted, stopping")
			cancel()
		}
	}

	live := engine.NewLive(core, loaded.Engine, src, gw)
	if faults != nil {
		live.Go(faults.Run)
	}
	if loaded.Path != "" {
		live.Go(func(ctx context.Context) error {
			return ops.Watch(ctx, loaded.Path, opt.reloadInterval, func(next ops.Loaded) {
				holder.Update(next)
				if err := live.SetRiskConfig(ctx, next.Risk); err != nil {
					logs.Errorf("queue risk config, err: %+v", err)
				}
			})
		})
	}
	if addr := loaded.Metrics.Addr; addr != "" {
		gin.SetMode(gin.ReleaseMode)
		router := ops.NewRouter(reg, live)
		live.Go(func(ctx context.Context) error {
			return ops.Serve(ctx, addr, router)
		})
	}

	logs.Infof("live loop starting, equity %s, symbols %v", rec.Ledger.Snapshot().Equity.StringFixed(2), loaded.Registry.Symbols())
	if err := live.Run(ctx); err != nil {
		return fmt.Errorf("live loop: %w", err)
	}
	snap := core.Ledger().Snapshot()
	logs.Infof("live loop done, equity %s, open positions %d, journal seq %d", snap.Equity.StringFixed(2), snap.OpenPositions(), journal.Seq())
	return nil
}
