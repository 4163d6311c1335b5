package msgcache

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drawbot/internal/draw"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Set(t time.Time) {
	f.mu.Lock()
	f.t = t
	f.mu.Unlock()
}

func countingFormatter(n *atomic.Int32) Formatter {
	return func(rec draw.Record) (string, error) {
		c := n.Add(1)
		return fmt.Sprintf("draw %d #%d", rec.Key, c), nil
	}
}

func TestTTLHitThenRecompute(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := &fakeClock{t: t0}
	c := New(WithClock(clk.Now))
	var calls atomic.Int32
	f := countingFormatter(&calls)
	rec := draw.Record{Key: 42}

	first, err := c.GetOrCompute(rec, f, 5*time.Second)
	require.NoError(t, err)

	clk.Set(t0.Add(3 * time.Second))
	again, err := c.GetOrCompute(rec, f, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.Equal(t, int32(1), calls.Load())

	clk.Set(t0.Add(6 * time.Second))
	fresh, err := c.GetOrCompute(rec, f, 5*time.Second)
	require.NoError(t, err)
	assert.NotEqual(t, first, fresh)
	assert.Equal(t, int32(2), calls.Load())

	e, ok := c.Peek()
	require.True(t, ok)
	assert.Equal(t, t0.Add(6*time.Second), e.CreatedAt)
}

func TestDifferentRecordRecomputes(t *testing.T) {
	t.Parallel()

	c := New()
	var calls atomic.Int32
	f := countingFormatter(&calls)

	a, err := c.GetOrCompute(draw.Record{Key: 1}, f, time.Minute)
	require.NoError(t, err)
	b, err := c.GetOrCompute(draw.Record{Key: 2}, f, time.Minute)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Equal(t, int32(2), calls.Load())

	e, _ := c.Peek()
	assert.Equal(t, draw.Key(2), e.Key)
}

func TestFutureEntryIsInconsistent(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2024, 1, 1, 0, 0, 10, 0, time.UTC)
	clk := &fakeClock{t: t0}
	c := New(WithClock(clk.Now))
	var calls atomic.Int32
	f := countingFormatter(&calls)
	rec := draw.Record{Key: 7}

	_, err := c.GetOrCompute(rec, f, time.Minute)
	require.NoError(t, err)

	clk.Set(t0.Add(-5 * time.Second))
	_, err = c.GetOrCompute(rec, f, time.Minute)
	assert.ErrorIs(t, err, ErrInconsistent)
	_, ok := c.Peek()
	assert.False(t, ok)

	// next call recovers with a fresh entry
	_, err = c.GetOrCompute(rec, f, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestFormatterErrorKeepsSlot(t *testing.T) {
	t.Parallel()

	c := New()
	var calls atomic.Int32
	_, err := c.GetOrCompute(draw.Record{Key: 1}, countingFormatter(&calls), time.Minute)
	require.NoError(t, err)

	boom := errors.New("boom")
	_, err = c.GetOrCompute(draw.Record{Key: 2}, func(draw.Record) (string, error) { return "", boom }, time.Minute)
	assert.ErrorIs(t, err, boom)

	e, ok := c.Peek()
	require.True(t, ok)
	assert.Equal(t, draw.Key(1), e.Key)
}

func TestConcurrentCallersFormatOnce(t *testing.T) {
	t.Parallel()

	c := New()
	var calls atomic.Int32
	f := countingFormatter(&calls)
	rec := draw.Record{Key: 9}

	var wg sync.WaitGroup
	texts := make([]string, 16)
	for i := range texts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			texts[i], _ = c.GetOrCompute(rec, f, time.Minute)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, s := range texts {
		assert.Equal(t, texts[0], s)
	}
	hits, misses := c.Stats()
	assert.Equal(t, uint64(15), hits)
	assert.Equal(t, uint64(1), misses)
}

func TestInvalidate(t *testing.T) {
	t.Parallel()

	c := New()
	var calls atomic.Int32
	f := countingFormatter(&calls)
	_, _ = c.GetOrCompute(draw.Record{Key: 1}, f, time.Minute)
	c.Invalidate()
	_, _ = c.GetOrCompute(draw.Record{Key: 1}, f, time.Minute)
	assert.Equal(t, int32(2), calls.Load())
}
