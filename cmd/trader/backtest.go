package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/yanun0323/logs"

	"tradecore/internal/alert"
	"tradecore/internal/codec"
	"tradecore/internal/obs"
	"tradecore/internal/ops"
	"tradecore/internal/recorder"
	"tradecore/internal/sim"
	"tradecore/internal/store"
)

func backtestCmd() *cobra.Command {
	var (
		record     bool
		jsonOut    bool
		showTrades bool
	)
	cmd := &cobra.Command{
		Use:   "backtest",
		Short: "Replay the configured window through the strategies against a simulated broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := loadConfig()
			if err != nil {
				return err
			}
			stop, err := startProfiler("backtest")
			if err != nil {
				return err
			}
			defer stop()

			ctx, cancel := signalContext()
			defer cancel()
			res, err := runBacktest(ctx, loaded, record)
			if err != nil {
				return err
			}
			if jsonOut {
				return writeJSON(cmd.OutOrStdout(), res)
			}
			printResult(cmd.OutOrStdout(), res, showTrades)
			return nil
		},
	}
	cmd.Flags().BoolVar(&record, "record", false, "Journal the run and save checkpoints to the configured store")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the full result as JSON")
	cmd.Flags().BoolVar(&showTrades, "trades", false, "List every closed trade")
	return cmd
}

func runBacktest(ctx context.Context, loaded ops.Loaded, record bool) (sim.Result, error) {
	rp, err := loadReplay(ctx, loaded, alert.LogSink{})
	if err != nil {
		return sim.Result{}, err
	}
	setup := sim.Setup{
		Events:     rp.Events(),
		Strategies: loaded.Strategies,
		Risk:       loaded.Risk,
		Order:      loaded.Order,
		Engine:     loaded.Engine,
		Calendar:   loaded.Calendar,
		Metrics:    obs.NewMetrics(),
		Sink:       alert.LogSink{},
	}
	if record {
		journal, err := recorder.Open(ctx, loaded.Journal)
		if err != nil {
			return sim.Result{}, fmt.Errorf("open journal: %w", err)
		}
		defer func() {
			if err := journal.Close(); err != nil {
				logs.Errorf("close journal, err: %+v", err)
			}
		}()
		st, err := store.Open(loaded.Store)
		if err != nil {
			return sim.Result{}, fmt.Errorf("open store: %w", err)
		}
		defer st.Close()
		setup.Journal, setup.Store = journal, st
	}

	h, err := sim.NewHarness(loaded.Sim, setup)
	if err != nil {
		return sim.Result{}, err
	}
	res, err := h.Run(ctx)
	if err != nil {
		return res, fmt.Errorf("backtest: %w", err)
	}
	snap := setup.Metrics.Snapshot()
	logs.Infof("metrics: intents=%d approved=%d resized=%d submitted=%d fills=%d mismatches=%d risk_reasons=%v risk_eval=%+v",
		snap.Intents, snap.Approved, snap.Resized, snap.OrdersSubmitted, snap.Fills, snap.Mismatches, snap.RiskReasonCounts, snap.RiskEvalLatency)
	return res, nil
}

func printResult(w io.Writer, res sim.Result, showTrades bool) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintf(tw, "events\t%d\n", res.Events)
	fmt.Fprintf(tw, "initial capital\t%s\n", res.InitialCapital.StringFixed(2))
	fmt.Fprintf(tw, "final capital\t%s\n", res.FinalCapital.StringFixed(2))
	fmt.Fprintf(tw, "total return\t%s (%.2f%%)\n", res.TotalReturn.StringFixed(2), res.TotalReturnPct*100)
	fmt.Fprintf(tw, "trades\t%d (won %d, lost %d, win rate %.1f%%)\n", res.Trades, res.Winners, res.Losers, res.WinRate*100)
	fmt.Fprintf(tw, "avg win / loss\t%s / %s\n", res.AvgWin.StringFixed(2), res.AvgLoss.StringFixed(2))
	fmt.Fprintf(tw, "profit factor\t%s\n", formatRatio(res.ProfitFactor))
	fmt.Fprintf(tw, "max drawdown\t%s (%.2f%%)\n", res.MaxDrawdown.StringFixed(2), res.MaxDrawdownPct*100)
	fmt.Fprintf(tw, "sharpe\t%.2f\n", res.Sharpe)
	fmt.Fprintf(tw, "orders\t%v\n", res.Orders)
	fmt.Fprintf(tw, "reconciliation mismatches\t%d\n", res.Mismatches)
	if res.Chaos.Received > 0 {
		fmt.Fprintf(tw, "broker faults\t%+v\n", res.Chaos)
	}
	if !showTrades || len(res.TradeList) == 0 {
		return
	}
	fmt.Fprintln(tw, "")
	fmt.Fprintln(tw, "symbol\tside\tqty\tentry\texit\topened\tclosed\tpnl")
	for _, t := range res.TradeList {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
			t.Symbol, t.Side, t.Quantity, t.EntryPrice.StringFixed(2), t.ExitPrice.StringFixed(2),
			t.EntryTime.Format(time.DateTime), t.ExitTime.Format(time.DateTime), t.PnL.StringFixed(2))
	}
}

func formatRatio(v float64) string {
	if math.IsInf(v, 1) {
		return "inf"
	}
	return fmt.Sprintf("%.2f", v)
}

// writeJSON prints res. An unbounded profit factor is reported as null.
func writeJSON(w io.Writer, res sim.Result) error {
	type report struct {
		sim.Result
		ProfitFactor *float64 `json:"profitFactor"`
	}
	out := report{Result: res}
	if !math.IsInf(res.ProfitFactor, 0) {
		out.ProfitFactor = &res.ProfitFactor
	}
	out.Result.ProfitFactor = 0
	data, err := codec.Marshal(out)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
