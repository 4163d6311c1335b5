// Package delivery sends one text to many recipients: a per-recipient
// delivery unit with retry and backoff, and a bounded fan-out dispatcher.
package delivery

import (
	"time"

	"drawbot/internal/transport"
)

// Mode selects the reliability/throughput trade-off of a delivery.
type Mode int

const (
	// ModeNormal retries retryable failures with exponential backoff.
	ModeNormal Mode = iota
	// ModeBroadcast makes exactly one attempt.
	ModeBroadcast
)

func (m Mode) String() string {
	if m == ModeBroadcast {
		return "broadcast"
	}
	return "normal"
}

type Status int

const (
	Delivered Status = iota
	FailedTerminal
	FailedExhausted
)

func (s Status) String() string {
	switch s {
	case Delivered:
		return "delivered"
	case FailedTerminal:
		return "failed_terminal"
	case FailedExhausted:
		return "failed_exhausted"
	default:
		return "unknown"
	}
}

// Outcome is the result of delivering to one recipient.
type Outcome struct {
	Recipient transport.Recipient
	Status    Status
	Attempts  int
	Err       error
}

func (o Outcome) OK() bool { return o.Status == Delivered }

// Result summarises one fan-out. Outcomes follow the recipient order given to Broadcast.
type Result struct {
	Delivered int
	Failed    int
	Outcomes  []Outcome
	Took      time.Duration
}

// Unreachable returns recipients whose failure was classified as permanently unreachable.
func (r Result) Unreachable() []transport.Recipient {
	var out []transport.Recipient
	for _, o := range r.Outcomes {
		if o.Status == FailedTerminal && transport.IsUnreachable(o.Err) {
			out = append(out, o.Recipient)
		}
	}
	return out
}
