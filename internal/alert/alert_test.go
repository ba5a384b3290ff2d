package alert

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/errors"
)

func TestFanoutRecorder(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	sink := Fanout{a, nil, b}

	sink.Emit(Event{Kind: KindRiskRejection, Severity: errors.SeverityInfo})
	sink.Emit(Event{Kind: KindKillSwitchEngaged, Severity: errors.SeverityCritical})

	require.Len(t, a.Events(), 2)
	require.Len(t, b.Events(), 2)
	assert.Equal(t, 1, a.Count(KindKillSwitchEngaged))
	assert.Equal(t, 0, a.Count(KindFeedGap))
}

func TestEventString(t *testing.T) {
	e := Event{
		Kind:     KindOrderFilled,
		Severity: errors.SeverityInfo,
		Time:     time.Unix(0, 0),
		Symbol:   "AAPL",
		Reason:   "filled",
		Fields:   map[string]string{"qty": "10", "price": "101.5"},
	}
	assert.Equal(t, `order_filled [info] symbol=AAPL reason="filled" price=101.5 qty=10`, e.String())
}

func TestOrDiscard(t *testing.T) {
	assert.Equal(t, Discard{}, OrDiscard(nil))
	r := &Recorder{}
	assert.Same(t, r, OrDiscard(r))
}
