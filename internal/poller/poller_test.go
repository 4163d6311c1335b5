package poller

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drawbot/internal/delivery"
	"drawbot/internal/draw"
	"drawbot/internal/eventbus"
	"drawbot/internal/msgcache"
	"drawbot/internal/registry"
	rtsup "drawbot/internal/runtime/supervisor"
	"drawbot/internal/storage"
	"drawbot/internal/transport"
	"drawbot/internal/watermark"
	logx "drawbot/pkg/logx"
)

type scriptedSource struct {
	mu      sync.Mutex
	batches [][]draw.Record
	err     error
	calls   int
}

func (s *scriptedSource) FetchLatest(context.Context) ([]draw.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if len(s.batches) == 0 {
		return nil, nil
	}
	b := s.batches[0]
	if len(s.batches) > 1 {
		s.batches = s.batches[1:]
	}
	return b, nil
}

type call struct {
	recipients []transport.Recipient
	text       string
	mode       delivery.Mode
}

type fakeDispatcher struct{ calls chan call }

func (f *fakeDispatcher) Broadcast(_ context.Context, rs []transport.Recipient, text string, mode delivery.Mode) delivery.Result {
	f.calls <- call{recipients: rs, text: text, mode: mode}
	return delivery.Result{Delivered: len(rs)}
}

type harness struct {
	p     *Poller
	src   *scriptedSource
	disp  *fakeDispatcher
	store storage.Store
	reg   *registry.Registry
	bus   eventbus.Bus
	sup   *rtsup.Supervisor
}

func rec(k int64, nums ...int) draw.Record {
	return draw.New(draw.Key(k), time.Time{}, nums, 0)
}

func newHarness(t *testing.T, floor draw.Key, cfg Config) *harness {
	t.Helper()
	h := &harness{
		src:   &scriptedSource{},
		disp:  &fakeDispatcher{calls: make(chan call, 8)},
		store: storage.NewMemory(),
		bus:   eventbus.New(),
		sup:   rtsup.NewSupervisor(context.Background()),
	}
	h.reg = registry.New(h.store)
	p, err := New(Deps{
		Source:     h.src,
		Tracker:    watermark.New(floor),
		Cache:      msgcache.New(),
		Recipients: h.reg,
		Dispatcher: h.disp,
		Store:      h.store,
		Bus:        h.bus,
		Supervisor: h.sup,
	}, cfg, logx.Nop())
	require.NoError(t, err)
	h.p = p
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.sup.Stop(ctx)
	})
	return h
}

func (h *harness) nextCall(t *testing.T) call {
	t.Helper()
	select {
	case c := <-h.disp.calls:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher not called")
		return call{}
	}
}

func (h *harness) noCall(t *testing.T) {
	t.Helper()
	select {
	case c := <-h.disp.calls:
		t.Fatalf("unexpected dispatch: %+v", c)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTickBroadcastsNewestAboveWatermark(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	h := newHarness(t, 100, Config{})
	_, err := h.reg.Join(ctx, 7)
	require.NoError(t, err)
	_, err = h.reg.Join(ctx, 3)
	require.NoError(t, err)
	h.src.batches = [][]draw.Record{{rec(99, 1, 2, 3), rec(101, 4, 5, 6), rec(102, 7, 8, 9)}}

	require.NoError(t, h.p.Tick(ctx))
	c := h.nextCall(t)
	assert.Equal(t, []transport.Recipient{3, 7}, c.recipients)
	assert.Equal(t, delivery.ModeBroadcast, c.mode)
	assert.Contains(t, c.text, "102期")
	assert.Contains(t, c.text, "`101`期")
	assert.Equal(t, draw.Key(102), h.p.Stats().Watermark)

	k, ok, err := h.store.LatestCommittedKey(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, draw.Key(102), k)

	recent, err := h.store.RecentRecords(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, recent, 3)
}

func TestTickNeverDispatchesTheSameKeyTwice(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	h := newHarness(t, 0, Config{})
	_, err := h.reg.Join(ctx, 1)
	require.NoError(t, err)
	h.src.batches = [][]draw.Record{{rec(5, 1, 1, 1)}, {rec(5, 1, 1, 1)}, {rec(4, 0, 0, 0), rec(5, 1, 1, 1)}, {rec(6, 2, 3, 4)}}

	for range 4 {
		require.NoError(t, h.p.Tick(ctx))
	}
	texts := []string{h.nextCall(t).text, h.nextCall(t).text}
	h.noCall(t)
	heads := []string{}
	for _, txt := range texts {
		switch {
		case strings.Contains(txt, "最新开奖 5期"):
			heads = append(heads, "5")
		case strings.Contains(txt, "最新开奖 6期"):
			heads = append(heads, "6")
		}
	}
	assert.ElementsMatch(t, []string{"5", "6"}, heads)
	assert.Equal(t, uint64(2), h.p.Stats().Dispatches)
}

func TestTickWithoutRecipientsStillCommits(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 10, Config{})
	h.src.batches = [][]draw.Record{{rec(11, 1, 2, 3)}}

	require.NoError(t, h.p.Tick(context.Background()))
	h.noCall(t)
	assert.Equal(t, draw.Key(11), h.p.Stats().Watermark)
}

func TestTickFetchErrorKeepsWatermark(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 10, Config{})
	events, unsub := h.bus.Subscribe(4)
	defer unsub()
	h.src.err = errors.New("feed down")

	err := h.p.Tick(context.Background())
	require.Error(t, err)
	assert.Equal(t, draw.Key(10), h.p.Stats().Watermark)
	assert.Equal(t, uint64(1), h.p.Stats().FetchErrors)
	assert.Equal(t, "feed down", h.p.Stats().LastFetchErr)

	e := <-events
	assert.Equal(t, eventbus.PollFailed, e.Type)
}

func TestDispatchPublishesFinished(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	h := newHarness(t, 0, Config{})
	events, unsub := h.bus.Subscribe(4)
	defer unsub()
	_, err := h.reg.Join(ctx, 9)
	require.NoError(t, err)
	h.src.batches = [][]draw.Record{{rec(3, 1, 2, 3)}}

	require.NoError(t, h.p.Tick(ctx))
	h.nextCall(t)

	select {
	case e := <-events:
		require.Equal(t, eventbus.BroadcastFinished, e.Type)
		fin, ok := e.Data.(Finished)
		require.True(t, ok)
		assert.Equal(t, draw.Key(3), fin.Key)
		assert.Equal(t, 1, fin.Result.Delivered)
		assert.NotEmpty(t, fin.JobID)
	case <-time.After(2 * time.Second):
		t.Fatal("no finished event")
	}
	require.Eventually(t, func() bool { return h.p.Stats().LastDispatch != nil }, time.Second, 10*time.Millisecond)
}

func TestSeed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("restores persisted watermark", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, 0, Config{SkipBacklog: true})
		require.NoError(t, h.store.CommitWatermark(ctx, 50))
		require.NoError(t, h.p.Seed(ctx))
		assert.Equal(t, draw.Key(50), h.p.Stats().Watermark)
		assert.Equal(t, 0, h.src.calls)
	})

	t.Run("cold start skips backlog", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, 0, Config{SkipBacklog: true})
		h.src.batches = [][]draw.Record{{rec(20, 1, 2, 3), rec(21, 3, 4, 5)}}
		require.NoError(t, h.p.Seed(ctx))
		assert.Equal(t, draw.Key(21), h.p.Stats().Watermark)

		require.NoError(t, h.p.Tick(ctx))
		h.noCall(t)
	})

	t.Run("cold start with backlog", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, 0, Config{SkipBacklog: false})
		require.NoError(t, h.p.Seed(ctx))
		assert.Equal(t, draw.Key(0), h.p.Stats().Watermark)
	})
}

func TestGraceContextOutlivesParent(t *testing.T) {
	t.Parallel()

	parent, cancelParent := context.WithCancel(context.Background())
	ctx, cancel := graceContext(parent, 50*time.Millisecond)
	defer cancel()

	cancelParent()
	assert.NoError(t, ctx.Err())
	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("grace context never cancelled")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0, Config{Interval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.p.Run(ctx) }()

	require.Eventually(t, func() bool { return h.p.Stats().Ticks >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}
