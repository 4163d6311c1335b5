package feed

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drawbot/internal/draw"
	logx "drawbot/pkg/logx"
)

func page(items ...string) string {
	return `{"code":1,"data":[` + strings.Join(items, ",") + `]}`
}

func item(qihao int, nums string, sum int) string {
	return fmt.Sprintf(`{"qihao":"%d","opentime":"2024-05-01 12:00:00","opennum":"%s","sum":"%d"}`, qihao, nums, sum)
}

func fastRetry() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }

func newClient(t *testing.T, srv *httptest.Server, cfg Config) *Client {
	t.Helper()
	cfg.URL = srv.URL + "/api/draws"
	c, err := New(cfg, logx.Nop(), WithRetryBackOff(fastRetry))
	require.NoError(t, err)
	return c
}

func TestFetchLatestAscendingAndPaged(t *testing.T) {
	t.Parallel()

	var pages atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pages.Add(1)
		assert.Equal(t, "1", r.URL.Query().Get("type"))
		switch r.URL.Query().Get("page") {
		case "1":
			_, _ = w.Write([]byte(page(item(103, "1+2+3", 6), item(102, "9+9+9", 27))))
		case "2":
			_, _ = w.Write([]byte(page(item(102, "9+9+9", 27), item(101, "0+1+9", 10))))
		default:
			_, _ = w.Write([]byte(page()))
		}
	}))
	defer srv.Close()

	c := newClient(t, srv, Config{MinRecords: 3, Pages: 5})
	recs, err := c.FetchLatest(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, []draw.Key{101, 102, 103}, []draw.Key{recs[0].Key, recs[1].Key, recs[2].Key})
	assert.Equal(t, int32(2), pages.Load())

	assert.Equal(t, draw.ComboStraight, recs[0].Combo)
	assert.Equal(t, draw.ComboTriple, recs[1].Combo)
	assert.Equal(t, 27, recs[1].Sum)
	assert.Equal(t, 12, recs[0].OpenedAt.Hour())
}

func TestFetchLatestAcceptsOpencodeAndNumbers(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":1,"data":[{"qihao":55,"opencode":"4+5+6","sum":0}]}`))
	}))
	defer srv.Close()

	c := newClient(t, srv, Config{MinRecords: 1})
	recs, err := c.FetchLatest(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, draw.Key(55), recs[0].Key)
	assert.Equal(t, 15, recs[0].Sum)
}

func TestFetchLatestRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(page(item(7, "1+1+2", 4))))
	}))
	defer srv.Close()

	c := newClient(t, srv, Config{MinRecords: 1, MaxRetries: 3})
	recs, err := c.FetchLatest(context.Background())
	require.NoError(t, err)
	assert.Len(t, recs, 1)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetchLatestClientErrorIsNotRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newClient(t, srv, Config{MaxRetries: 4})
	_, err := c.FetchLatest(context.Background())
	require.ErrorIs(t, err, ErrFetch)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchLatestBadPayload(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":0,"msg":"maintenance","data":[]}`))
	}))
	defer srv.Close()

	c := newClient(t, srv, Config{})
	_, err := c.FetchLatest(context.Background())
	require.ErrorIs(t, err, ErrFetch)
	assert.Contains(t, err.Error(), "maintenance")
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newClient(t, srv, Config{MaxRetries: 0, BreakerFailures: 2, BreakerCooldown: time.Minute})
	for i := 0; i < 4; i++ {
		_, err := c.FetchLatest(context.Background())
		require.ErrorIs(t, err, ErrFetch)
	}
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, "open", c.BreakerState())
}

func TestDecodePageStripsControlChars(t *testing.T) {
	t.Parallel()

	body := []byte("{\"code\":1,\"data\":[{\"qihao\":\"9\",\"opennum\":\"1+2+\x013\",\"sum\":\"6\"}]}")
	recs, err := decodePage(body, time.UTC)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, []int{1, 2, 3}, recs[0].Numbers)
}

func TestNewRejectsBadURL(t *testing.T) {
	t.Parallel()

	_, err := New(Config{URL: "not a url"}, logx.Nop())
	require.Error(t, err)
}
