// Package poller detects new draws on a fixed tick and hands each one to the
// dispatcher exactly once per process.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"drawbot/internal/delivery"
	"drawbot/internal/draw"
	"drawbot/internal/eventbus"
	"drawbot/internal/feed"
	"drawbot/internal/format"
	"drawbot/internal/msgcache"
	rtsup "drawbot/internal/runtime/supervisor"
	"drawbot/internal/transport"
	"drawbot/internal/watermark"
	logx "drawbot/pkg/logx"
)

const (
	DefaultInterval      = time.Second
	DefaultCacheTTL      = 10 * time.Second
	DefaultShutdownGrace = 10 * time.Second
)

type Config struct {
	Interval      time.Duration
	CacheTTL      time.Duration
	ShutdownGrace time.Duration
	// SkipBacklog makes a cold start adopt the newest fetched key as its floor.
	SkipBacklog bool
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
	return c
}

// Broadcaster fans one text out to many recipients.
type Broadcaster interface {
	Broadcast(ctx context.Context, recipients []transport.Recipient, text string, mode delivery.Mode) delivery.Result
}

type Recipients interface {
	Snapshot() []transport.Recipient
}

// Store is the slice of storage the poller needs.
type Store interface {
	LatestCommittedKey(ctx context.Context) (draw.Key, bool, error)
	CommitWatermark(ctx context.Context, k draw.Key) error
	SaveRecords(ctx context.Context, recs []draw.Record) error
}

type Deps struct {
	Source     feed.Source
	Tracker    *watermark.Tracker
	Cache      *msgcache.Cache
	Recipients Recipients
	Dispatcher Broadcaster
	Store      Store
	Bus        eventbus.Bus
	// Supervisor owns detached dispatch goroutines.
	Supervisor *rtsup.Supervisor
}

// Finished is published on eventbus.BroadcastFinished after every dispatch.
type Finished struct {
	JobID      string
	Key        draw.Key
	Recipients int
	Result     delivery.Result
	Started    time.Time
}

type Stats struct {
	Watermark    draw.Key
	Ticks        uint64
	FetchErrors  uint64
	Dispatches   uint64
	InFlight     int64
	LastFetchAt  time.Time
	LastFetchErr string
	LastDispatch *Finished
}

type Poller struct {
	d   Deps
	log logx.Logger

	mu  sync.Mutex
	cfg Config

	ticks       atomic.Uint64
	fetchErrors atomic.Uint64
	dispatches  atomic.Uint64
	inFlight    atomic.Int64

	statMu       sync.Mutex
	lastFetchAt  time.Time
	lastFetchErr string
	lastDispatch *Finished
}

func New(d Deps, cfg Config, log logx.Logger) (*Poller, error) {
	if d.Source == nil || d.Tracker == nil || d.Cache == nil || d.Recipients == nil || d.Dispatcher == nil || d.Store == nil || d.Supervisor == nil {
		return nil, errors.New("poller: missing dependency")
	}
	if d.Bus == nil {
		d.Bus = eventbus.New()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Poller{
		d:   d,
		cfg: cfg.withDefaults(),
		log: log.With(logx.String("comp", "poller")),
	}, nil
}

// Apply swaps the tunables at runtime. The new interval takes effect on the next tick.
func (p *Poller) Apply(cfg Config) {
	p.mu.Lock()
	p.cfg = cfg.withDefaults()
	p.mu.Unlock()
}

func (p *Poller) config() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// Seed raises the watermark to the persisted value. On a cold start with
// SkipBacklog set it fetches once and adopts the newest key instead, so
// history already on the feed is not re-broadcast.
func (p *Poller) Seed(ctx context.Context) error {
	k, ok, err := p.d.Store.LatestCommittedKey(ctx)
	if err != nil {
		return fmt.Errorf("load watermark: %w", err)
	}
	if ok {
		p.d.Tracker.Advance(k)
		p.log.Info("watermark restored", logx.Int64("watermark", int64(k)))
		return nil
	}
	if !p.config().SkipBacklog {
		return nil
	}

	recs, err := p.d.Source.FetchLatest(ctx)
	if err != nil {
		// not fatal: the first successful tick broadcasts the newest draw
		p.log.Warn("seed fetch failed", logx.Err(err))
		return nil
	}
	p.saveRecords(ctx, recs)
	newest, ok := draw.Newest(recs)
	if !ok {
		return nil
	}
	p.d.Tracker.Advance(newest.Key)
	if err := p.d.Store.CommitWatermark(ctx, newest.Key); err != nil {
		p.log.Warn("persist watermark failed", logx.Int64("key", int64(newest.Key)), logx.Err(err))
	}
	p.log.Info("watermark seeded from feed", logx.Int64("watermark", int64(newest.Key)), logx.Int("records", len(recs)))
	return nil
}

// Run ticks until ctx is done. Ticks never stack: a slow tick makes the
// ticker drop the ones it missed.
func (p *Poller) Run(ctx context.Context) error {
	interval := p.config().Interval
	t := time.NewTicker(interval)
	defer t.Stop()
	p.log.Info("poll loop started", logx.Duration("interval", interval), logx.Int64("watermark", int64(p.d.Tracker.Current())))

	for {
		select {
		case <-ctx.Done():
			p.log.Info("poll loop stopped")
			return nil
		case <-t.C:
			_ = p.Tick(ctx)
			if iv := p.config().Interval; iv != interval {
				interval = iv
				t.Reset(interval)
				p.log.Info("poll interval changed", logx.Duration("interval", interval))
			}
		}
	}
}

// Tick runs one detection cycle. Errors are logged here; they are returned
// for tests and never stop the loop.
func (p *Poller) Tick(ctx context.Context) error {
	p.ticks.Add(1)
	cfg := p.config()

	recs, err := p.d.Source.FetchLatest(ctx)
	p.noteFetch(err)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.fetchErrors.Add(1)
		p.log.Warn("fetch failed", logx.Err(err))
		p.d.Bus.Publish(eventbus.Event{Type: eventbus.PollFailed, Data: err})
		return err
	}
	p.saveRecords(ctx, recs)

	fresh := p.d.Tracker.FilterNew(recs)
	newest, ok := draw.Newest(fresh)
	if !ok {
		return nil
	}
	if len(fresh) > 1 {
		p.log.Info("several new draws in one tick; broadcasting the newest", logx.Int("new", len(fresh)), logx.Int64("key", int64(newest.Key)))
	}

	text, err := p.d.Cache.GetOrCompute(newest, func(r draw.Record) (string, error) {
		return format.Broadcast(r, recs), nil
	}, cfg.CacheTTL)
	if err != nil {
		// watermark stays put; the next tick retries with a fresh slot
		p.log.Error("broadcast text unavailable", logx.Int64("key", int64(newest.Key)), logx.Err(err))
		return err
	}

	if recipients := p.d.Recipients.Snapshot(); len(recipients) > 0 {
		p.dispatch(newest.Key, recipients, text, cfg.ShutdownGrace)
	} else {
		p.log.Debug("no active recipients", logx.Int64("key", int64(newest.Key)))
	}

	p.d.Tracker.Commit(newest)
	if err := p.d.Store.CommitWatermark(ctx, newest.Key); err != nil {
		p.log.Warn("persist watermark failed", logx.Int64("key", int64(newest.Key)), logx.Err(err))
	}
	return nil
}

// dispatch runs the fan-out as a supervised goroutine that is not awaited.
func (p *Poller) dispatch(key draw.Key, recipients []transport.Recipient, text string, grace time.Duration) {
	job := Finished{
		JobID:      uuid.NewString(),
		Key:        key,
		Recipients: len(recipients),
		Started:    time.Now(),
	}
	p.dispatches.Add(1)
	p.inFlight.Add(1)
	p.log.Info("dispatching broadcast",
		logx.String("job", job.JobID),
		logx.Int64("key", int64(key)),
		logx.Int("recipients", len(recipients)),
	)

	p.d.Supervisor.Go("poller.dispatch", func(ctx context.Context) error {
		defer p.inFlight.Add(-1)
		dctx, cancel := graceContext(ctx, grace)
		defer cancel()

		job.Result = p.d.Dispatcher.Broadcast(dctx, recipients, text, delivery.ModeBroadcast)

		p.statMu.Lock()
		done := job
		p.lastDispatch = &done
		p.statMu.Unlock()

		p.log.Info("broadcast finished",
			logx.String("job", job.JobID),
			logx.Int64("key", int64(key)),
			logx.Int("delivered", job.Result.Delivered),
			logx.Int("failed", job.Result.Failed),
			logx.Duration("took", job.Result.Took),
		)
		p.d.Bus.Publish(eventbus.Event{Type: eventbus.BroadcastFinished, Data: job})
		return nil
	})
}

// graceContext outlives parent by at most grace once parent is cancelled.
func graceContext(parent context.Context, grace time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	stop := context.AfterFunc(parent, func() {
		t := time.NewTimer(grace)
		defer t.Stop()
		select {
		case <-t.C:
			cancel()
		case <-ctx.Done():
		}
	})
	return ctx, func() {
		stop()
		cancel()
	}
}

func (p *Poller) saveRecords(ctx context.Context, recs []draw.Record) {
	if len(recs) == 0 {
		return
	}
	if err := p.d.Store.SaveRecords(ctx, recs); err != nil {
		p.log.Warn("persist records failed", logx.Int("records", len(recs)), logx.Err(err))
	}
}

func (p *Poller) noteFetch(err error) {
	p.statMu.Lock()
	defer p.statMu.Unlock()
	p.lastFetchAt = time.Now()
	p.lastFetchErr = ""
	if err != nil {
		p.lastFetchErr = err.Error()
	}
}

func (p *Poller) Stats() Stats {
	p.statMu.Lock()
	defer p.statMu.Unlock()
	return Stats{
		Watermark:    p.d.Tracker.Current(),
		Ticks:        p.ticks.Load(),
		FetchErrors:  p.fetchErrors.Load(),
		Dispatches:   p.dispatches.Load(),
		InFlight:     p.inFlight.Load(),
		LastFetchAt:  p.lastFetchAt,
		LastFetchErr: p.lastFetchErr,
		LastDispatch: p.lastDispatch,
	}
}
