package engine

import (
	"errors"
	"fmt"
	"time"
)

// Enqueue results.
var (
	ErrDisabled     = errors.New("task engine disabled")
	ErrStopped      = errors.New("task engine stopped")
	ErrStopping     = errors.New("task engine stopping")
	ErrQueueFull    = errors.New("task engine queue full")
	ErrUnknownQueue = errors.New("task engine: unknown queue")
	ErrOverlapSkip  = errors.New("task skipped due to overlap policy")
)

// retryHint is attached to a failed attempt to steer the retry loop.
// final stops retrying; after replaces the backoff delay when > 0.
type retryHint struct {
	err   error
	final bool
	after time.Duration
}

func (h *retryHint) Error() string {
	if h.after > 0 {
		return fmt.Sprintf("%v (retry after %s)", h.err, h.after)
	}
	return h.err.Error()
}

func (h *retryHint) Unwrap() error { return h.err }

func hintOf(err error) (*retryHint, bool) {
	var h *retryHint
	if err == nil || !errors.As(err, &h) {
		return nil, false
	}
	return h, true
}

// NoRetry marks err as permanent. The attempt is recorded as failed and the
// remaining retries are skipped; the event carries err's own message.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return &retryHint{err: err, final: true}
}

// RetryAfter asks for the next attempt no sooner than after, instead of the
// exponential backoff. The delay is still capped by RetryMaxDelay.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return &retryHint{err: err, after: after}
}

func IsNoRetry(err error) bool {
	h, ok := hintOf(err)
	return ok && h.final
}

// RetryDelay returns the delay requested with RetryAfter, if any.
func RetryDelay(err error) (time.Duration, bool) {
	h, ok := hintOf(err)
	if !ok || h.final || h.after <= 0 {
		return 0, false
	}
	return h.after, true
}
