package delivery

import (
	"context"
	"sync"
	"time"

	"drawbot/internal/transport"
)

// scriptedSender returns errs[to] in order for each call, then succeeds.
type scriptedSender struct {
	mu    sync.Mutex
	errs  map[transport.Recipient][]error
	calls map[transport.Recipient]int
	delay map[transport.Recipient]time.Duration
	panic map[transport.Recipient]bool
	opts  []*transport.SendOptions
}

func newScripted() *scriptedSender {
	return &scriptedSender{
		errs:  map[transport.Recipient][]error{},
		calls: map[transport.Recipient]int{},
		delay: map[transport.Recipient]time.Duration{},
		panic: map[transport.Recipient]bool{},
	}
}

func (s *scriptedSender) SendText(ctx context.Context, to transport.Recipient, _ string, opt *transport.SendOptions) (transport.MessageRef, error) {
	s.mu.Lock()
	n := s.calls[to]
	s.calls[to] = n + 1
	s.opts = append(s.opts, opt)
	d := s.delay[to]
	p := s.panic[to]
	var err error
	if n < len(s.errs[to]) {
		err = s.errs[to][n]
	}
	s.mu.Unlock()

	if p {
		panic("sender exploded")
	}
	if d > 0 {
		select {
		case <-ctx.Done():
			return transport.MessageRef{}, ctx.Err()
		case <-time.After(d):
		}
	}
	if err != nil {
		return transport.MessageRef{}, err
	}
	return transport.MessageRef{ChatID: to, MessageID: n + 1}, nil
}

func (s *scriptedSender) callsTo(to transport.Recipient) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[to]
}

type recordedSleeps struct {
	mu sync.Mutex
	ds []time.Duration
}

func (r *recordedSleeps) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	r.ds = append(r.ds, d)
	r.mu.Unlock()
	return nil
}

func noSleep(context.Context, time.Duration) error { return nil }
