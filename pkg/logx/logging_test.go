package logx

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drawbot/internal/transport"
)

type captureSender struct {
	mu   sync.Mutex
	msgs []string
	to   []transport.Recipient
}

func (c *captureSender) SendText(_ context.Context, to transport.Recipient, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, text)
	c.to = append(c.to, to)
	return transport.MessageRef{ChatID: to}, nil
}

func (c *captureSender) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func TestWriterLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("component", "poller"))

	log.Debug("hidden")
	log.Info("tick", Int("records", 3), Err(errors.New("boom")))

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"component":"poller"`)
	assert.Contains(t, out, `"records":3`)
	assert.Contains(t, out, `"err":"boom"`)
}

func TestAlertSinkForwardsErrors(t *testing.T) {
	snd := &captureSender{}
	svc, log := New(Config{Level: "info", Alert: AlertConfig{Enabled: true, MinLevel: "error", RatePerSec: 10}}, snd)
	t.Cleanup(func() { _ = svc.Close() })

	// no target yet
	log.Error("dropped")
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, snd.count())

	svc.SetAlertTarget(99)
	log.Warn("below threshold")
	log.Error("feed down", String("url", "https://x"))

	require.Eventually(t, func() bool { return snd.count() == 1 }, time.Second, 5*time.Millisecond)
	snd.mu.Lock()
	defer snd.mu.Unlock()
	assert.Equal(t, transport.Recipient(99), snd.to[0])
	assert.Contains(t, snd.msgs[0], "[ERROR] feed down")
	assert.Contains(t, snd.msgs[0], "url=https://x")
}

func TestFormatAlertFallsBackToRawLine(t *testing.T) {
	assert.Equal(t, "not json", formatAlert([]byte("not json\n")))
	assert.Equal(t, "[WARN] hi", formatAlert([]byte(`{"level":"warn","message":"hi","time":"x"}`)))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelWarn, parseLevel("warning", LevelInfo))
	assert.Equal(t, LevelDebug, parseLevel(" debug ", LevelInfo))
	assert.Equal(t, LevelInfo, parseLevel("bogus", LevelInfo))
}
