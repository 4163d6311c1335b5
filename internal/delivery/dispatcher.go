package delivery

import (
	"context"
	"fmt"
	"math/rand/v2"
	"runtime"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"golang.org/x/time/rate"

	"drawbot/internal/transport"
	logx "drawbot/pkg/logx"
)

const (
	DefaultMaxConcurrency = 32
	DefaultSpreadMin      = 100 * time.Millisecond
	DefaultSpreadMax      = 500 * time.Millisecond
)

// DispatchConfig is hot-reloadable through Dispatcher.Apply.
type DispatchConfig struct {
	MaxConcurrency int
	// Each task waits a random delay in [SpreadMin, SpreadMax) before sending.
	SpreadMin time.Duration
	SpreadMax time.Duration
	// RatePerSec caps sends across all tasks; 0 disables the limit.
	RatePerSec float64
}

func (c DispatchConfig) withDefaults() DispatchConfig {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = runtime.GOMAXPROCS(0) * 8
	}
	if c.SpreadMin < 0 {
		c.SpreadMin = 0
	}
	if c.SpreadMax < c.SpreadMin {
		c.SpreadMax = c.SpreadMin
	}
	return c
}

// Unit is the per-recipient delivery used by the dispatcher.
type Unit interface {
	Deliver(ctx context.Context, to transport.Recipient, text string, mode Mode) Outcome
}

// Dispatcher fans one text out to many recipients on a bounded pool.
// A failure or panic for one recipient never affects the others.
type Dispatcher struct {
	unit Unit
	log  logx.Logger

	mu      sync.Mutex
	cfg     DispatchConfig
	limiter *rate.Limiter

	sleep func(ctx context.Context, d time.Duration) error
	rnd   func() float64
}

type DispatchOption func(*Dispatcher)

// WithSpreadSleep overrides the pre-send wait (tests).
func WithSpreadSleep(fn func(ctx context.Context, d time.Duration) error) DispatchOption {
	return func(d *Dispatcher) {
		if fn != nil {
			d.sleep = fn
		}
	}
}

func NewDispatcher(unit Unit, cfg DispatchConfig, log logx.Logger, opts ...DispatchOption) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{
		unit:  unit,
		log:   log.With(logx.String("comp", "dispatcher")),
		sleep: sleepCtx,
		rnd:   rand.Float64,
	}
	d.Apply(cfg)
	for _, o := range opts {
		o(d)
	}
	return d
}

// Apply swaps pool size, spread and rate limit. Running broadcasts keep their settings.
func (d *Dispatcher) Apply(cfg DispatchConfig) {
	cfg = cfg.withDefaults()
	var lim *rate.Limiter
	if cfg.RatePerSec > 0 {
		burst := int(cfg.RatePerSec)
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	d.mu.Lock()
	d.cfg = cfg
	d.limiter = lim
	d.mu.Unlock()
}

func (d *Dispatcher) Config() DispatchConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// Broadcast delivers text to every recipient and returns once all deliveries
// finished. Outcomes are in recipient order.
func (d *Dispatcher) Broadcast(ctx context.Context, recipients []transport.Recipient, text string, mode Mode) Result {
	start := time.Now()
	res := Result{Outcomes: make([]Outcome, len(recipients))}
	if len(recipients) == 0 {
		return res
	}

	d.mu.Lock()
	cfg := d.cfg
	lim := d.limiter
	d.mu.Unlock()

	workers := cfg.MaxConcurrency
	if workers > len(recipients) {
		workers = len(recipients)
	}

	p := pool.New().WithMaxGoroutines(workers)
	for i, to := range recipients {
		p.Go(func() {
			res.Outcomes[i] = d.run(ctx, cfg, lim, to, text, mode)
		})
	}
	p.Wait()

	for _, o := range res.Outcomes {
		if o.OK() {
			res.Delivered++
		} else {
			res.Failed++
		}
	}
	res.Took = time.Since(start)
	d.log.Debug("broadcast finished",
		logx.Int("recipients", len(recipients)),
		logx.Int("delivered", res.Delivered),
		logx.Int("failed", res.Failed),
		logx.String("mode", mode.String()),
		logx.Duration("took", res.Took),
	)
	return res
}

func (d *Dispatcher) run(ctx context.Context, cfg DispatchConfig, lim *rate.Limiter, to transport.Recipient, text string, mode Mode) (out Outcome) {
	// conc re-panics on Wait; keep the failure inside this recipient.
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("delivery panicked", logx.Int64("chat_id", int64(to)), logx.Any("panic", r))
			out = Outcome{Recipient: to, Status: FailedTerminal, Attempts: max(out.Attempts, 1), Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	if err := d.sleep(ctx, d.spread(cfg)); err != nil {
		return Outcome{Recipient: to, Status: FailedTerminal, Err: err}
	}
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return Outcome{Recipient: to, Status: FailedTerminal, Err: err}
		}
	}
	return d.unit.Deliver(ctx, to, text, mode)
}

func (d *Dispatcher) spread(cfg DispatchConfig) time.Duration {
	span := cfg.SpreadMax - cfg.SpreadMin
	if span <= 0 {
		return cfg.SpreadMin
	}
	return cfg.SpreadMin + time.Duration(d.rnd()*float64(span))
}
