package debug

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "drawbot/pkg/logx"
)

type probe struct{ down atomic.Bool }

func (p *probe) Healthy() error {
	if p.down.Load() {
		return errors.New("feed breaker open")
	}
	return nil
}

func (p *probe) Status() string { return "watermark: 42\n" }

func get(t *testing.T, url, token string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, http.NoBody)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestServeEndpoints(t *testing.T) {
	t.Parallel()

	p := &probe{}
	s := New(p, logx.Nop())
	t.Cleanup(func() { s.Stop(context.Background()) })
	require.NoError(t, s.Apply(context.Background(), Config{Enabled: true, Addr: "127.0.0.1:0"}))
	base := "http://" + s.Addr()

	code, body := get(t, base+"/healthz", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body)

	code, body = get(t, base+"/statusz", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "watermark: 42")

	code, _ = get(t, base+"/debug/pprof/", "")
	assert.Equal(t, http.StatusOK, code)

	p.down.Store(true)
	code, body = get(t, base+"/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body, "breaker")
}

func TestTokenRequired(t *testing.T) {
	t.Parallel()

	s := New(&probe{}, logx.Nop())
	t.Cleanup(func() { s.Stop(context.Background()) })
	require.NoError(t, s.Apply(context.Background(), Config{Enabled: true, Addr: "127.0.0.1:0", Token: "s3cret"}))
	base := "http://" + s.Addr()

	code, _ := get(t, base+"/statusz", "")
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = get(t, base+"/statusz", "wrong")
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = get(t, base+"/statusz", "s3cret")
	assert.Equal(t, http.StatusOK, code)
	code, _ = get(t, base+"/statusz?token=s3cret", "")
	assert.Equal(t, http.StatusOK, code)
}

func TestApplyDisableStopsServer(t *testing.T) {
	t.Parallel()

	s := New(&probe{}, logx.Nop())
	require.NoError(t, s.Apply(context.Background(), Config{Enabled: true, Addr: "127.0.0.1:0"}))
	addr := s.Addr()
	require.NotEmpty(t, addr)

	// same config is a no-op
	require.NoError(t, s.Apply(context.Background(), Config{Enabled: true, Addr: "127.0.0.1:0"}))
	assert.Equal(t, addr, s.Addr())

	require.NoError(t, s.Apply(context.Background(), Config{Enabled: false}))
	assert.Empty(t, s.Addr())
	_, err := http.Get("http://" + addr + "/healthz")
	assert.Error(t, err)
}
