package og

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"

	"tradecore/internal/broker"
	"tradecore/internal/errors"
	"tradecore/internal/schema"
)

// Reconcile compares local orders with the broker's open orders. The broker is authoritative:
// every divergence is corrected toward it and reported as a ReconciliationMismatch.
func (m *Manager) Reconcile(ctx context.Context) error {
	remote, err := m.gw.ListOpenOrders(ctx)
	if err != nil {
		return errors.Wrap(err, "list open orders")
	}
	before := m.mismatches

	seen := make(map[string]struct{}, len(remote))
	for _, st := range remote {
		seen[st.ClientOrderID] = struct{}{}
		if err := m.reconcileRemote(ctx, st); err != nil {
			return err
		}
	}

	querier, _ := m.gw.(broker.OrderQuerier)
	for _, o := range m.sm.Orders() {
		if _, ok := seen[o.ClientOrderID()]; ok || !o.Live() || o.BrokerOrderID == "" {
			continue
		}
		if querier != nil {
			st, err := querier.GetOrder(ctx, o.BrokerOrderID)
			if err == nil {
				if err := m.settle(ctx, o, st); err != nil {
					return err
				}
				continue
			}
			logs.Warnf("query order %s, err: %+v", o.ClientOrderID(), err)
		}
		m.mismatch(o.Request.Symbol, o.ClientOrderID(), o.UpdatedAt, "order missing at broker")
		if err := m.close(ctx, o, OrderStateCancelled, "missing at broker", o.UpdatedAt); err != nil {
			return err
		}
	}

	logs.Infof("reconciled %d broker orders, %d local open, %d mismatches", len(remote), m.sm.Len(), m.mismatches-before)
	return nil
}

func (m *Manager) reconcileRemote(ctx context.Context, st broker.OrderStatus) error {
	o, ok := m.sm.Order(st.ClientOrderID)
	if !ok {
		if a, closed := m.archive[st.ClientOrderID]; closed {
			m.mismatch(a.Request.Symbol, a.ClientOrderID(), st.UpdatedAt,
				fmt.Sprintf("broker reports open, local %s; cancelling at broker", a.State))
			if err := m.gw.CancelOrder(ctx, st.BrokerOrderID); err != nil && !errors.Is(err, broker.ErrOrderClosed) {
				logs.Errorf("cancel stray order %s, err: %+v", st.BrokerOrderID, err)
			}
			return nil
		}

		req := st.Request
		req.ClientOrderID = st.ClientOrderID
		adopted, err := m.sm.Adopt(Order{
			Request:       req,
			State:         OrderStateAccepted,
			AvgFillPrice:  decimal.Zero,
			CreatedAt:     st.UpdatedAt,
			UpdatedAt:     st.UpdatedAt,
			BrokerOrderID: st.BrokerOrderID,
		})
		if err != nil {
			return err
		}
		m.byBroker[st.BrokerOrderID] = st.ClientOrderID
		m.mismatch(req.Symbol, req.ClientOrderID, st.UpdatedAt, "adopted unknown broker order")
		o = adopted
	}

	m.bindBroker(o, st.BrokerOrderID)
	if o.State == OrderStateSubmitted {
		m.mismatch(o.Request.Symbol, o.ClientOrderID(), st.UpdatedAt, "missed acknowledgement")
		if err := m.ensureAccepted(o, st.UpdatedAt); err != nil {
			return err
		}
	}
	return m.catchUp(ctx, o, st)
}

// settle applies the final broker status of an order that is no longer open there.
func (m *Manager) settle(ctx context.Context, o *Order, st broker.OrderStatus) error {
	if err := m.catchUp(ctx, o, st); err != nil {
		return err
	}
	if o.Terminal() {
		return nil
	}
	switch st.Status {
	case broker.StatusCancelled:
		m.mismatch(o.Request.Symbol, o.ClientOrderID(), st.UpdatedAt, "missed cancellation")
		return m.close(ctx, o, OrderStateCancelled, "cancelled at broker", st.UpdatedAt)
	case broker.StatusExpired:
		m.mismatch(o.Request.Symbol, o.ClientOrderID(), st.UpdatedAt, "missed expiry")
		return m.close(ctx, o, OrderStateExpired, "expired at broker", st.UpdatedAt)
	case broker.StatusRejected:
		m.mismatch(o.Request.Symbol, o.ClientOrderID(), st.UpdatedAt, "missed rejection")
		return m.onRejection(ctx, o, false, broker.Event{Reason: "rejected at broker", Time: st.UpdatedAt})
	}
	return nil
}

const reconcileFillPrefix = "reconcile:"

func isReconcileFill(fillID string) bool {
	return strings.HasPrefix(fillID, reconcileFillPrefix)
}

// catchUp books the executions the broker reports beyond what was seen locally as one synthetic fill.
// The fill id is derived from the cumulative quantity so repeated reconciliation cannot double count,
// and the quantity is held as ReconciledQty until the broker's own fills for it arrive.
func (m *Manager) catchUp(ctx context.Context, o *Order, st broker.OrderStatus) error {
	missing := st.FilledQty - o.FilledQty
	if missing <= 0 {
		return nil
	}
	total := st.AvgFillPrice.Mul(st.FilledQty.Decimal())
	seen := o.AvgFillPrice.Mul(o.FilledQty.Decimal())
	price := total.Sub(seen).Div(missing.Decimal())
	if price.Sign() <= 0 {
		price = st.AvgFillPrice
	}

	m.mismatch(o.Request.Symbol, o.ClientOrderID(), st.UpdatedAt,
		fmt.Sprintf("broker filled %d, local %d", st.FilledQty, o.FilledQty))
	return m.onFill(ctx, o, false, schema.Fill{
		FillID:        fmt.Sprintf("%s%s:%d", reconcileFillPrefix, o.ClientOrderID(), st.FilledQty),
		ClientOrderID: o.ClientOrderID(),
		BrokerOrderID: st.BrokerOrderID,
		Symbol:        o.Request.Symbol,
		Side:          o.Request.Side,
		Quantity:      missing,
		Price:         price,
		Fee:           decimal.Zero,
		Time:          st.UpdatedAt,
	})
}
