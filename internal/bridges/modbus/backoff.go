package modbus

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"sync"
	"time"

	gridx "github.com/grid-x/modbus"
)

// Backoff defaults. The device recovers slowly from busy states, so the
// curve starts high and climbs fast.
const (
	defaultBackoffBase   = 5 * time.Second
	defaultBackoffCap    = 60 * time.Second
	defaultBackoffJitter = time.Second
)

// ErrorClass categorises an operation failure for retry handling.
type ErrorClass int

const (
	// ClassRetryable covers transport failures: the connection is
	// considered broken and must be re-established before retrying.
	ClassRetryable ErrorClass = iota

	// ClassDeviceBusy covers protocol exception 6. The device is alive
	// but mid-request; retry on the same connection after a delay.
	ClassDeviceBusy

	// ClassFatal covers caller cancellation and shutdown; never retried.
	ClassFatal
)

// Classify maps an operation error to its retry class.
//
// The busy exception is the one protocol-level error with its own
// handling; every other exception or socket failure is treated as a
// broken connection.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassFatal
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, ErrClientClosed) {
		return ClassFatal
	}

	var mbErr *gridx.Error
	if errors.As(err, &mbErr) {
		if mbErr.ExceptionCode == gridx.ExceptionCodeServerDeviceBusy {
			return ClassDeviceBusy
		}
		return ClassRetryable
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassRetryable
	}

	return ClassRetryable
}

// BackoffPolicy computes retry delays: min(base*2^attempt, cap) plus
// uniform jitter. The attempt counter is owned by the caller and reset
// on any success.
//
// Thread Safety: NextDelay is safe for concurrent use.
type BackoffPolicy struct {
	base   time.Duration
	cap    time.Duration
	jitter time.Duration

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewBackoffPolicy creates a policy with the given curve. Non-positive
// values fall back to the defaults (5s base, 60s cap, 1s jitter).
func NewBackoffPolicy(base, cap, jitter time.Duration) *BackoffPolicy {
	if base <= 0 {
		base = defaultBackoffBase
	}
	if cap <= 0 {
		cap = defaultBackoffCap
	}
	if jitter <= 0 {
		jitter = defaultBackoffJitter
	}
	return &BackoffPolicy{
		base:   base,
		cap:    cap,
		jitter: jitter,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec // jitter, not crypto
	}
}

// NextDelay returns the delay before retry number attempt (0-based).
// The result is non-decreasing in attempt up to the cap, plus jitter.
func (p *BackoffPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := p.base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= p.cap {
			delay = p.cap
			break
		}
	}

	if p.jitter > 0 {
		p.rngMu.Lock()
		delay += time.Duration(p.rng.Int63n(int64(p.jitter)))
		p.rngMu.Unlock()
	}

	return delay
}

// Base returns the configured base delay.
func (p *BackoffPolicy) Base() time.Duration { return p.base }

// Cap returns the configured maximum delay before jitter.
func (p *BackoffPolicy) Cap() time.Duration { return p.cap }
