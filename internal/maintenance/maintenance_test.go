package maintenance

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drawbot/internal/transport"
	logx "drawbot/pkg/logx"
)

func TestParseSpec(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		spec string
		next time.Time
	}{
		{"@every 10m", now.Add(10 * time.Minute)},
		{"55m", now.Add(55 * time.Minute)},
		{"02:30", now.Add(2*time.Hour + 30*time.Minute)},
		{"0 3 * * *", now.Add(3 * time.Hour)},
		{"30 0 3 * * *", now.Add(3*time.Hour + 30*time.Second)},
		{"@hourly", now.Add(time.Hour)},
	}
	for _, tc := range cases {
		t.Run(tc.spec, func(t *testing.T) {
			t.Parallel()
			s, err := ParseSpec(tc.spec)
			require.NoError(t, err)
			assert.Equal(t, tc.next, s.Next(now))
		})
	}

	for _, bad := range []string{"", "soon", "1:75", "100ms", "* * *"} {
		_, err := ParseSpec(bad)
		assert.Error(t, err, bad)
	}
}

func TestValidateNamesJob(t *testing.T) {
	t.Parallel()

	err := Validate([]Job{{Name: JobPrune, Spec: "nope"}, {Name: JobResync}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "maintenance.jobs.prune")
}

type fakePruner struct {
	keep int
	err  error
}

func (f *fakePruner) PruneRecords(_ context.Context, keep int) (int, error) {
	f.keep = keep
	return 3, f.err
}

func TestRunNowRecordsStats(t *testing.T) {
	t.Parallel()

	p := &fakePruner{}
	s := New(logx.Nop())
	require.NoError(t, s.Apply(Config{}, []Job{PruneJob("@daily", p, 200, logx.Nop())}))

	require.NoError(t, s.RunNow(JobPrune))
	assert.Equal(t, 200, p.keep)

	p.err = errors.New("disk full")
	require.Error(t, s.RunNow(JobPrune))

	snap := s.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, uint64(2), snap[0].Runs)
	assert.Equal(t, uint64(1), snap[0].Fails)
	assert.Contains(t, snap[0].LastErr, "disk full")

	assert.Error(t, s.RunNow("missing"))
}

func TestScheduledJobRuns(t *testing.T) {
	t.Parallel()

	var runs atomic.Int32
	s := New(logx.Nop())
	require.NoError(t, s.Apply(Config{Enabled: true, Location: time.UTC}, []Job{{
		Name: "tick",
		Spec: "@every 1s",
		Run: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	}}))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	require.Eventually(t, func() bool { return runs.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)
	snap := s.Snapshot()
	require.Len(t, snap, 1)
	assert.False(t, snap[0].Next.IsZero())
}

type loaderFunc func(ctx context.Context) (int, error)

func (f loaderFunc) Load(ctx context.Context) (int, error) { return f(ctx) }

type captureSender struct {
	mu   sync.Mutex
	sent map[transport.Recipient]string
}

func (c *captureSender) SendText(_ context.Context, to transport.Recipient, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent[to] = text
	return transport.MessageRef{ChatID: to}, nil
}

func TestResyncAndReportJobs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	called := false
	resync := ResyncJob("@hourly", loaderFunc(func(context.Context) (int, error) {
		called = true
		return 4, nil
	}), logx.Nop())
	require.NoError(t, resync.Run(ctx))
	assert.True(t, called)

	cs := &captureSender{sent: map[transport.Recipient]string{}}
	target := transport.Recipient(0)
	report := ReportJob("@hourly", func() string { return "all good" }, cs, func() transport.Recipient { return target })
	require.NoError(t, report.Run(ctx))
	assert.Empty(t, cs.sent)

	target = 99
	require.NoError(t, report.Run(ctx))
	assert.Equal(t, "all good", cs.sent[99])
}
