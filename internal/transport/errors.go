package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnreachable marks a recipient that can never be delivered to
	// (bot blocked, chat deleted, bot kicked).
	ErrUnreachable = errors.New("recipient unreachable")
	// ErrRejected marks content the provider refuses regardless of retries.
	ErrRejected = errors.New("message rejected")
	// ErrTransient marks failures worth retrying (network, flood control, 5xx).
	ErrTransient = errors.New("transient transport failure")
)

// SendError is a classified provider failure.
type SendError struct {
	Code        int
	Description string
	// RetryAfter is the provider hint in seconds (flood control), 0 if none.
	RetryAfter int
	Kind       error
	Cause      error
}

func (e *SendError) Error() string {
	if e == nil {
		return "<nil>"
	}
	parts := make([]string, 0, 4)
	if e.Kind != nil {
		parts = append(parts, e.Kind.Error())
	} else {
		parts = append(parts, "send error")
	}
	if e.Code > 0 {
		parts = append(parts, fmt.Sprintf("code=%d", e.Code))
	}
	if d := strings.TrimSpace(e.Description); d != "" {
		parts = append(parts, d)
	}
	if e.Cause != nil && (e.Description == "" || e.Cause.Error() != e.Description) {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, ": ")
}

func (e *SendError) Unwrap() []error {
	if e == nil {
		return nil
	}
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Cause != nil {
		out = append(out, e.Cause)
	}
	return out
}

func Unreachable(code int, desc string, cause error) error {
	return &SendError{Code: code, Description: desc, Kind: ErrUnreachable, Cause: cause}
}

func Rejected(code int, desc string, cause error) error {
	return &SendError{Code: code, Description: desc, Kind: ErrRejected, Cause: cause}
}

func Transient(code int, desc string, cause error) error {
	return &SendError{Code: code, Description: desc, Kind: ErrTransient, Cause: cause}
}

// IsTerminal reports whether a send error must not be retried.
//
// Unclassified errors are treated as retryable: an unknown failure from the
// network stack is far more common than an unknown permanent one.
func IsTerminal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnreachable) || errors.Is(err, ErrRejected) {
		return true
	}
	if errors.Is(err, ErrTransient) {
		return false
	}
	// Caller cancelled (shutdown): retrying cannot succeed.
	if errors.Is(err, context.Canceled) {
		return true
	}
	return false
}

// IsRetryable is the complement of IsTerminal for non-nil errors.
func IsRetryable(err error) bool {
	return err != nil && !IsTerminal(err)
}

// IsUnreachable reports whether the recipient can never be delivered to.
func IsUnreachable(err error) bool {
	return err != nil && errors.Is(err, ErrUnreachable)
}
