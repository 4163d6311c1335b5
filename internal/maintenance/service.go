// Package maintenance runs periodic housekeeping (registry resync, history
// pruning, status reports) on cron schedules.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "drawbot/pkg/logx"
)

const defaultJobTimeout = time.Minute

// Job is one scheduled housekeeping task. An empty Spec disables it.
type Job struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

type Config struct {
	Enabled  bool
	Location *time.Location
}

// JobStats is the last known state of one job.
type JobStats struct {
	Name    string
	Spec    string
	Next    time.Time
	LastRun time.Time
	LastErr string
	Runs    uint64
	Fails   uint64
}

type Service struct {
	log logx.Logger

	mu    sync.Mutex
	cfg   Config
	jobs  map[string]Job
	ids   map[string]cron.EntryID
	c     *cron.Cron
	base  context.Context
	stats map[string]*JobStats
}

func New(log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:   log.With(logx.String("comp", "maintenance")),
		jobs:  map[string]Job{},
		ids:   map[string]cron.EntryID{},
		stats: map[string]*JobStats{},
		base:  context.Background(),
	}
}

// Validate checks every non-empty job spec.
func Validate(jobs []Job) error {
	var errs []error
	for _, j := range jobs {
		if strings.TrimSpace(j.Spec) == "" {
			continue
		}
		if _, err := ParseSpec(j.Spec); err != nil {
			errs = append(errs, fmt.Errorf("maintenance.jobs.%s: %w", j.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Apply installs cfg and jobs. A running scheduler is rebuilt in place.
func (s *Service) Apply(cfg Config, jobs []Job) error {
	if err := Validate(jobs); err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg = cfg
	s.jobs = map[string]Job{}
	for _, j := range jobs {
		if strings.TrimSpace(j.Spec) == "" || j.Run == nil {
			continue
		}
		s.jobs[j.Name] = j
		if s.stats[j.Name] == nil {
			s.stats[j.Name] = &JobStats{Name: j.Name}
		}
		s.stats[j.Name].Spec = j.Spec
	}
	var old *cron.Cron
	if s.c != nil {
		old = s.rebuildLocked()
	}
	s.mu.Unlock()
	stopCron(old)
	return nil
}

// Start begins triggering jobs when enabled. Jobs run with ctx as parent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.base = ctx
	if s.c != nil {
		return
	}
	s.rebuildLocked()
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("service stopped")
}

// rebuildLocked replaces the cron instance and returns the old one. The
// caller stops it after releasing s.mu: running jobs take s.mu on exit.
func (s *Service) rebuildLocked() *cron.Cron {
	old := s.c
	s.c = nil
	if !s.cfg.Enabled {
		s.log.Debug("maintenance disabled")
		return old
	}
	loc := s.cfg.Location
	if loc == nil {
		loc = time.Local
	}
	cl := cronLogger{log: s.log}
	s.c = cron.New(
		cron.WithParser(parser),
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	s.ids = map[string]cron.EntryID{}
	for name, j := range s.jobs {
		sched, err := ParseSpec(j.Spec)
		if err != nil {
			s.log.Warn("job skipped", logx.String("job", name), logx.Err(err))
			continue
		}
		s.ids[name] = s.c.Schedule(sched, cron.FuncJob(func() { _ = s.RunNow(name) }))
	}
	s.c.Start()
	s.log.Info("service started", logx.String("tz", loc.String()), logx.Int("jobs", len(s.ids)))
	return old
}

func stopCron(c *cron.Cron) {
	if c != nil {
		<-c.Stop().Done()
	}
}

// RunNow executes the named job synchronously.
func (s *Service) RunNow(name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	base := s.base
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}

	timeout := j.Timeout
	if timeout <= 0 {
		timeout = defaultJobTimeout
	}
	ctx, cancel := context.WithTimeout(base, timeout)
	defer cancel()

	start := time.Now()
	err := j.Run(ctx)
	took := time.Since(start)

	s.mu.Lock()
	st := s.stats[name]
	st.Runs++
	st.LastRun = start
	st.LastErr = ""
	if err != nil {
		st.Fails++
		st.LastErr = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Warn("job failed", logx.String("job", name), logx.Duration("took", took), logx.Err(err))
		return err
	}
	s.log.Debug("job done", logx.String("job", name), logx.Duration("took", took))
	return nil
}

// Snapshot lists job stats sorted by name.
func (s *Service) Snapshot() []JobStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStats, 0, len(s.stats))
	for name, st := range s.stats {
		if _, ok := s.jobs[name]; !ok {
			continue
		}
		cp := *st
		if s.c != nil {
			if id, ok := s.ids[name]; ok {
				cp.Next = s.c.Entry(id).Next
			}
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug(msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error(msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
