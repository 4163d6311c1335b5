package delivery

import (
	"context"
	"errors"
	"sync"
	"time"

	"drawbot/internal/transport"
	logx "drawbot/pkg/logx"
)

// Defaults for DeliverConfig zero values.
const (
	DefaultMaxRetries     = 5
	DefaultRetryBase      = 2 * time.Second
	DefaultAttemptTimeout = 15 * time.Second
)

type DeliverConfig struct {
	// MaxRetries counts retries after the first attempt (normal mode only).
	MaxRetries     int
	RetryBase      time.Duration
	AttemptTimeout time.Duration
	ParseMode      string
	DisablePreview bool
}

func (c DeliverConfig) withDefaults() DeliverConfig {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = DefaultRetryBase
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = DefaultAttemptTimeout
	}
	return c
}

// Deliverer performs the send to a single recipient. It has no side effect
// besides the send itself.
type Deliverer struct {
	sender transport.Sender
	log    logx.Logger
	sleep  func(ctx context.Context, d time.Duration) error

	mu     sync.Mutex
	cfg    DeliverConfig
	policy Policy
}

type DeliverOption func(*Deliverer)

// WithPolicy overrides the retry delay policy (tests inject a deterministic jitter).
func WithPolicy(p Policy) DeliverOption { return func(d *Deliverer) { d.policy = p } }

// WithSleep overrides the wait between retries.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) DeliverOption {
	return func(d *Deliverer) {
		if fn != nil {
			d.sleep = fn
		}
	}
}

func NewDeliverer(sender transport.Sender, cfg DeliverConfig, log logx.Logger, opts ...DeliverOption) *Deliverer {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Deliverer{
		sender: sender,
		cfg:    cfg,
		policy: Policy{Base: cfg.RetryBase},
		log:    log.With(logx.String("comp", "delivery")),
		sleep:  sleepCtx,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Apply swaps retry settings at runtime; deliveries in progress keep theirs.
func (d *Deliverer) Apply(cfg DeliverConfig) {
	cfg = cfg.withDefaults()
	d.mu.Lock()
	d.cfg = cfg
	d.policy.Base = cfg.RetryBase
	d.mu.Unlock()
}

// Deliver sends text to one recipient.
//
// Broadcast mode makes exactly one attempt. Normal mode retries retryable
// failures up to MaxRetries times, waiting DelayFor(attempt, RetryBase)
// between tries; a terminal failure stops at once.
func (d *Deliverer) Deliver(ctx context.Context, to transport.Recipient, text string, mode Mode) Outcome {
	d.mu.Lock()
	cfg := d.cfg
	seq := d.policy.Sequence()
	d.mu.Unlock()

	out := Outcome{Recipient: to}
	maxAttempts := 1
	if mode == ModeNormal {
		maxAttempts += cfg.MaxRetries
	}

	for {
		out.Attempts++
		err := d.attempt(ctx, cfg, to, text)
		if err == nil {
			out.Status = Delivered
			out.Err = nil
			return out
		}
		out.Err = err

		if transport.IsTerminal(err) {
			out.Status = FailedTerminal
			d.log.Debug("delivery failed permanently", logx.Int64("chat_id", int64(to)), logx.Int("attempts", out.Attempts), logx.Err(err))
			return out
		}
		if out.Attempts >= maxAttempts {
			out.Status = FailedExhausted
			if mode == ModeNormal {
				d.log.Warn("delivery retries exhausted", logx.Int64("chat_id", int64(to)), logx.Int("attempts", out.Attempts), logx.Err(err))
			}
			return out
		}

		wait := seq.NextBackOff()
		if ra := retryAfter(err); ra > wait {
			wait = ra
		}
		d.log.Debug("delivery retry scheduled", logx.Int64("chat_id", int64(to)), logx.Int("attempt", out.Attempts), logx.Duration("wait", wait), logx.Err(err))
		if serr := d.sleep(ctx, wait); serr != nil {
			out.Status = FailedExhausted
			out.Err = errors.Join(err, serr)
			return out
		}
	}
}

func (d *Deliverer) attempt(ctx context.Context, cfg DeliverConfig, to transport.Recipient, text string) error {
	actx, cancel := context.WithTimeout(ctx, cfg.AttemptTimeout)
	defer cancel()
	_, err := d.sender.SendText(actx, to, text, &transport.SendOptions{
		ParseMode:      cfg.ParseMode,
		DisablePreview: cfg.DisablePreview,
	})
	return err
}

func retryAfter(err error) time.Duration {
	var se *transport.SendError
	if errors.As(err, &se) && se.RetryAfter > 0 {
		return time.Duration(se.RetryAfter) * time.Second
	}
	return 0
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
