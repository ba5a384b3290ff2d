package engine

import (
	"context"
	"time"

	"github.com/yanun0323/logs"
	"golang.org/x/sync/errgroup"

	"tradecore/internal/broker"
	"tradecore/internal/bus"
	"tradecore/internal/errors"
	"tradecore/internal/risk"
	"tradecore/internal/schema"
)

const defaultShutdownGrace = 500 * time.Millisecond

// MarketSource delivers normalized market events until ctx ends or the source is exhausted.
// *mdg.Stream satisfies it.
type MarketSource interface {
	Run(ctx context.Context, emit func(schema.MarketEvent) error) error
}

type messageKind uint8

const (
	msgMarket messageKind = iota + 1
	msgBroker
	msgRiskConfig
	msgKillSwitch
	msgResetKillSwitch
)

type message struct {
	kind   messageKind
	market schema.MarketEvent
	broker broker.Event
	risk   risk.Config
	reason string
	by     string
}

// Live runs a Core against a market data source and a broker. Every input goes through one
// bounded inbox and is applied on a single goroutine.
type Live struct {
	core  *Core
	cfg   Config
	feed  MarketSource
	gw    broker.Gateway
	inbox *bus.Queue[message]
	grace time.Duration
	extra []func(context.Context) error

	// broker events read but not queued before shutdown
	leftover []broker.Event
}

func NewLive(core *Core, cfg Config, feed MarketSource, gw broker.Gateway) *Live {
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = DefaultConfig().InboxSize
	}
	return &Live{
		core:  core,
		cfg:   cfg,
		feed:  feed,
		gw:    gw,
		inbox: bus.NewQueue[message](cfg.InboxSize),
		grace: defaultShutdownGrace,
	}
}

// Go registers a background task that runs with the live loop and stops with it.
func (l *Live) Go(fn func(context.Context) error) {
	l.extra = append(l.extra, fn)
}

// SetRiskConfig queues new limits; they apply between two events.
func (l *Live) SetRiskConfig(ctx context.Context, cfg risk.Config) error {
	return l.inbox.Publish(ctx, message{kind: msgRiskConfig, risk: cfg})
}

// EngageKillSwitch queues an operator halt.
func (l *Live) EngageKillSwitch(ctx context.Context, reason, by string) error {
	return l.inbox.Publish(ctx, message{kind: msgKillSwitch, reason: reason, by: by})
}

// ResetKillSwitch queues an operator reset.
func (l *Live) ResetKillSwitch(ctx context.Context, by string) error {
	return l.inbox.Publish(ctx, message{kind: msgResetKillSwitch, by: by})
}

// Run trades until ctx is done, the core halts or a source fails. On the way out it applies
// pending broker events, optionally cancels working orders, and writes a final checkpoint.
func (l *Live) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return l.pumpMarket(gctx)
	})
	g.Go(func() error {
		return l.pumpBroker(gctx)
	})
	g.Go(func() error {
		return l.inbox.Run(gctx, func(m message) error {
			return l.handle(gctx, m)
		})
	})
	for _, fn := range l.extra {
		g.Go(func() error {
			return fn(gctx)
		})
	}
	runErr := g.Wait()
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	l.shutdown(context.WithoutCancel(ctx))
	return runErr
}

func (l *Live) pumpMarket(ctx context.Context) error {
	err := l.feed.Run(ctx, func(ev schema.MarketEvent) error {
		err := l.inbox.TryPublish(message{kind: msgMarket, market: ev})
		if errors.Is(err, bus.ErrQueueFull) {
			l.core.metrics.IncQueueDrop()
			logs.Warnf("inbox full, dropped %s event for %s at %s", ev.Kind, ev.Symbol(), ev.Time().Format(time.RFC3339))
			return nil
		}
		return err
	})
	if err != nil {
		return errors.Wrap(err, "market data")
	}
	logs.Infof("market data source exhausted")
	return nil
}

func (l *Live) pumpBroker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-l.gw.Events():
			if !ok {
				return nil
			}
			if err := l.inbox.Publish(ctx, message{kind: msgBroker, broker: ev}); err != nil {
				l.leftover = append(l.leftover, ev)
				return err
			}
		}
	}
}

func (l *Live) handle(ctx context.Context, m message) error {
	var err error
	switch m.kind {
	case msgMarket:
		err = l.core.OnMarket(ctx, m.market)
	case msgBroker:
		err = l.core.OnBroker(ctx, m.broker)
	case msgRiskConfig:
		if err := l.core.SetRiskConfig(m.risk); err != nil {
			logs.Errorf("apply risk config, err: %+v", err)
			return nil
		}
		logs.Infof("risk config applied")
		return nil
	case msgKillSwitch:
		err = l.core.EngageKillSwitch(ctx, m.reason, m.by)
	case msgResetKillSwitch:
		err = l.core.ResetKillSwitch(ctx, m.by)
	}
	if errors.Is(err, ErrHalted) {
		return err
	}
	if err != nil {
		logs.Errorf("handle inbox message %d, err: %+v", m.kind, err)
	}
	return nil
}

func (l *Live) shutdown(ctx context.Context) {
	l.inbox.Close()
	_ = l.inbox.Run(ctx, func(m message) error {
		if m.kind == msgMarket {
			return nil
		}
		return l.handle(ctx, m)
	})
	for _, ev := range l.leftover {
		_ = l.core.OnBroker(ctx, ev)
	}
	l.drainBroker(ctx, 0)

	if l.core.Halted() != nil {
		// a halted core may hold state the journal cannot reproduce; restart from the last good checkpoint
		logs.Errorf("live loop stopped on halt, no final checkpoint written")
		return
	}
	if l.cfg.CancelOnShutdown {
		if err := l.core.Orders().CancelAll(ctx); err != nil {
			logs.Warnf("cancel working orders on shutdown, err: %+v", err)
		}
		l.drainBroker(ctx, l.grace)
	}

	if err := l.core.Checkpoint(ctx, l.core.clk.Now()); err != nil {
		logs.Errorf("final checkpoint, err: %+v", err)
	}
	logs.Infof("live loop stopped, orders: %v", l.core.Orders().Summary())
}

// drainBroker applies broker events until none arrives within wait.
func (l *Live) drainBroker(ctx context.Context, wait time.Duration) {
	for {
		if wait <= 0 {
			select {
			case ev, ok := <-l.gw.Events():
				if !ok {
					return
				}
				_ = l.core.OnBroker(ctx, ev)
				continue
			default:
				return
			}
		}
		timer := time.NewTimer(wait)
		select {
		case ev, ok := <-l.gw.Events():
			timer.Stop()
			if !ok {
				return
			}
			_ = l.core.OnBroker(ctx, ev)
		case <-timer.C:
			return
		}
	}
}
