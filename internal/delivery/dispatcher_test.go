package delivery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drawbot/internal/transport"
	logx "drawbot/pkg/logx"
)

func newTestDispatcher(s transport.Sender, cfg DispatchConfig) *Dispatcher {
	unit := NewDeliverer(s, DeliverConfig{MaxRetries: 5}, logx.Nop(), WithSleep(noSleep))
	return NewDispatcher(unit, cfg, logx.Nop(), WithSpreadSleep(noSleep))
}

func TestBroadcastIsolatesFailures(t *testing.T) {
	t.Parallel()

	s := newScripted()
	s.errs[2] = []error{transport.Unreachable(403, "Forbidden: bot was blocked by the user", nil)}
	s.errs[4] = []error{errors.New("timeout")}
	s.panic[5] = true

	d := newTestDispatcher(s, DispatchConfig{MaxConcurrency: 4})
	recipients := []transport.Recipient{1, 2, 3, 4, 5}
	res := d.Broadcast(context.Background(), recipients, "draw", ModeBroadcast)

	require.Len(t, res.Outcomes, 5)
	assert.Equal(t, 2, res.Delivered)
	assert.Equal(t, 3, res.Failed)
	for i, to := range recipients {
		assert.Equal(t, to, res.Outcomes[i].Recipient)
	}
	assert.Equal(t, Delivered, res.Outcomes[0].Status)
	assert.Equal(t, FailedTerminal, res.Outcomes[1].Status)
	assert.Equal(t, Delivered, res.Outcomes[2].Status)
	assert.Equal(t, FailedExhausted, res.Outcomes[3].Status)
	assert.Equal(t, FailedTerminal, res.Outcomes[4].Status)
	assert.Equal(t, []transport.Recipient{2}, res.Unreachable())

	// broadcast mode: no retries anywhere
	assert.Equal(t, 1, s.callsTo(4))
}

func TestBroadcastRunsConcurrently(t *testing.T) {
	t.Parallel()

	s := newScripted()
	recipients := make([]transport.Recipient, 0, 20)
	for i := 1; i <= 20; i++ {
		to := transport.Recipient(i)
		s.delay[to] = 50 * time.Millisecond
		recipients = append(recipients, to)
	}
	s.delay[7] = 150 * time.Millisecond

	d := newTestDispatcher(s, DispatchConfig{MaxConcurrency: 32})
	res := d.Broadcast(context.Background(), recipients, "draw", ModeBroadcast)

	assert.Equal(t, 20, res.Delivered)
	// Sequential would be ~1.1s; concurrent is bounded by the slowest recipient.
	assert.Less(t, res.Took, 600*time.Millisecond)
	assert.GreaterOrEqual(t, res.Took, 150*time.Millisecond)
}

func TestBroadcastEmptyRecipients(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(newScripted(), DispatchConfig{})
	res := d.Broadcast(context.Background(), nil, "draw", ModeBroadcast)
	assert.Zero(t, res.Delivered)
	assert.Zero(t, res.Failed)
	assert.Empty(t, res.Outcomes)
}

func TestBroadcastSpreadWithinBounds(t *testing.T) {
	t.Parallel()

	sl := &recordedSleeps{}
	unit := NewDeliverer(newScripted(), DeliverConfig{}, logx.Nop(), WithSleep(noSleep))
	d := NewDispatcher(unit, DispatchConfig{
		MaxConcurrency: 2,
		SpreadMin:      DefaultSpreadMin,
		SpreadMax:      DefaultSpreadMax,
	}, logx.Nop(), WithSpreadSleep(sl.sleep))

	res := d.Broadcast(context.Background(), []transport.Recipient{1, 2, 3, 4}, "draw", ModeBroadcast)
	assert.Equal(t, 4, res.Delivered)
	require.Len(t, sl.ds, 4)
	for _, w := range sl.ds {
		assert.GreaterOrEqual(t, w, DefaultSpreadMin)
		assert.Less(t, w, DefaultSpreadMax)
	}
}

func TestApplySwapsConfig(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(newScripted(), DispatchConfig{MaxConcurrency: 4})
	d.Apply(DispatchConfig{MaxConcurrency: 9, SpreadMin: time.Second, SpreadMax: time.Millisecond, RatePerSec: 5})
	cfg := d.Config()
	assert.Equal(t, 9, cfg.MaxConcurrency)
	assert.Equal(t, time.Second, cfg.SpreadMax)
}
