package watermark

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"drawbot/internal/draw"
)

func recs(keys ...int64) []draw.Record {
	out := make([]draw.Record, len(keys))
	for i, k := range keys {
		out[i] = draw.Record{Key: draw.Key(k)}
	}
	return out
}

func keys(rs []draw.Record) []draw.Key {
	out := make([]draw.Key, len(rs))
	for i, r := range rs {
		out[i] = r.Key
	}
	return out
}

func TestFilterThenCommit(t *testing.T) {
	t.Parallel()

	tr := New(100)
	fresh := tr.FilterNew(recs(99, 101, 102))
	assert.Equal(t, []draw.Key{101, 102}, keys(fresh))

	assert.True(t, tr.Commit(fresh[len(fresh)-1]))
	assert.Equal(t, draw.Key(102), tr.Current())
	assert.Empty(t, tr.FilterNew(recs(99, 101, 102)))
}

func TestFilterKeepsInputOrder(t *testing.T) {
	t.Parallel()

	tr := New(5)
	assert.Equal(t, []draw.Key{9, 6, 7}, keys(tr.FilterNew(recs(9, 1, 6, 5, 7))))
	assert.Empty(t, tr.FilterNew(nil))
}

func TestCommitIsMonotoneAndIdempotent(t *testing.T) {
	t.Parallel()

	tr := New(10)
	assert.True(t, tr.Commit(draw.Record{Key: 12}))
	assert.False(t, tr.Commit(draw.Record{Key: 12}))
	assert.False(t, tr.Commit(draw.Record{Key: 11}))
	assert.Equal(t, draw.Key(12), tr.Current())
}

func TestConcurrentCommitsNeverRegress(t *testing.T) {
	t.Parallel()

	tr := New(0)
	var wg sync.WaitGroup
	for i := 1; i <= 200; i++ {
		wg.Add(1)
		go func(k int64) {
			defer wg.Done()
			tr.Advance(draw.Key(k))
		}(int64(i))
	}
	wg.Wait()
	assert.Equal(t, draw.Key(200), tr.Current())
}
