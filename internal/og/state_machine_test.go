package og

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/schema"
)

func TestTransitions(t *testing.T) {
	testCases := []struct {
		desc string
		from OrderState
		to   OrderState
		ok   bool
	}{
		{desc: "submit", from: OrderStateCreated, to: OrderStateSubmitted, ok: true},
		{desc: "local submission failure", from: OrderStateCreated, to: OrderStateRejected, ok: true},
		{desc: "ack", from: OrderStateSubmitted, to: OrderStateAccepted, ok: true},
		{desc: "broker rejection", from: OrderStateSubmitted, to: OrderStateRejected, ok: true},
		{desc: "fill before ack", from: OrderStateSubmitted, to: OrderStateFilled, ok: false},
		{desc: "partial", from: OrderStateAccepted, to: OrderStatePartiallyFilled, ok: true},
		{desc: "partial again", from: OrderStatePartiallyFilled, to: OrderStatePartiallyFilled, ok: true},
		{desc: "cancel partial", from: OrderStatePartiallyFilled, to: OrderStateCancelled, ok: true},
		{desc: "expire", from: OrderStateAccepted, to: OrderStateExpired, ok: true},
		{desc: "reject accepted", from: OrderStateAccepted, to: OrderStateRejected, ok: false},
		{desc: "reopen filled", from: OrderStateFilled, to: OrderStateAccepted, ok: false},
		{desc: "cancel cancelled", from: OrderStateCancelled, to: OrderStateCancelled, ok: false},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			if got := canTransition(tc.from, tc.to); got != tc.ok {
				t.Fatalf("mismatch! %s -> %s should be %t but got %t", tc.from, tc.to, tc.ok, got)
			}
		})
	}
}

func TestStateMachineFills(t *testing.T) {
	sm := NewStateMachine()
	at := time.Date(2024, 3, 4, 14, 30, 0, 0, time.UTC)
	req := schema.OrderRequest{ClientOrderID: "c1", Symbol: "AAPL", Side: schema.SideBuy, Quantity: 10, Type: schema.OrderTypeMarket}

	_, err := sm.Create(req, at)
	require.NoError(t, err)
	_, err = sm.Create(req, at)
	require.ErrorIs(t, err, ErrDuplicateOrder)

	_, err = sm.ApplyFill("c1", FillRecord{FillID: "f0", Quantity: 1, Price: decimal.NewFromInt(1)})
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, err = sm.Transition("c1", OrderStateSubmitted, "", at)
	require.NoError(t, err)
	_, err = sm.Transition("c1", OrderStateAccepted, "", at)
	require.NoError(t, err)

	o, err := sm.ApplyFill("c1", FillRecord{FillID: "f1", Quantity: 4, Price: decimal.NewFromInt(100), Time: at.Add(time.Second)})
	require.NoError(t, err)
	assert.Equal(t, OrderStatePartiallyFilled, o.State)
	assert.Equal(t, schema.Quantity(6), o.LeavesQty())

	_, err = sm.ApplyFill("c1", FillRecord{FillID: "f2", Quantity: 7, Price: decimal.NewFromInt(100)})
	require.ErrorIs(t, err, ErrInvalidFill)

	o, err = sm.ApplyFill("c1", FillRecord{FillID: "f3", Quantity: 6, Price: decimal.NewFromInt(110), Time: at.Add(2 * time.Second)})
	require.NoError(t, err)
	assert.Equal(t, OrderStateFilled, o.State)
	assert.True(t, o.AvgFillPrice.Equal(decimal.NewFromInt(106)), o.AvgFillPrice.String())
	assert.Equal(t, at.Add(2*time.Second), o.UpdatedAt)

	_, err = sm.Transition("c1", OrderStateCancelled, "", at)
	require.ErrorIs(t, err, ErrInvalidTransition)

	sm.Remove("c1")
	_, ok := sm.Order("c1")
	assert.False(t, ok)
	assert.Equal(t, 0, sm.Len())
}
