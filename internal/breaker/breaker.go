// Package breaker protects calls against external targets with one circuit
// breaker per target.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dreadew/taskiq-scheduler/internal/retry"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var ErrCircuitOpen = errors.New("circuit breaker open")

// OpenError is returned when a call is rejected without being attempted.
type OpenError struct {
	Target     string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for %s, retry in %s", e.Target, e.RetryAfter.Round(time.Second))
}

func (e *OpenError) Unwrap() error { return ErrCircuitOpen }

type Config struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	// IsFailure decides which errors count against the breaker; nil means
	// retry.IsTransient.
	IsFailure func(error) bool
	Now       func() time.Time
	Logger    *slog.Logger
	// OnReject is called for every rejected call.
	OnReject func(target string)
}

// Breaker is a CLOSED / OPEN / HALF_OPEN state machine. All fields are
// guarded by mu.
type Breaker struct {
	target string
	cfg    Config

	mu            sync.Mutex
	state         State
	failures      int
	lastFailure   time.Time
	trialInFlight bool
}

func New(target string, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 60 * time.Second
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = retry.IsTransient
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Breaker{target: target, cfg: cfg}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Acquire enters a protected call. On success the caller must invoke the
// returned release exactly once with the outcome of the wrapped work.
func (b *Breaker) Acquire() (release func(error), err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		elapsed := b.cfg.Now().Sub(b.lastFailure)
		if elapsed < b.cfg.RecoveryTimeout {
			return nil, b.rejectLocked(b.cfg.RecoveryTimeout - elapsed)
		}
		b.state = StateHalfOpen
		b.trialInFlight = true
		b.cfg.Logger.Info("circuit breaker half-open", "target", b.target)
	case StateHalfOpen:
		if b.trialInFlight {
			return nil, b.rejectLocked(0)
		}
		b.trialInFlight = true
	}

	var once sync.Once
	return func(callErr error) {
		once.Do(func() { b.release(callErr) })
	}, nil
}

// Do runs fn under the breaker.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	release, err := b.Acquire()
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			release(fmt.Errorf("panic: %v", r))
			panic(r)
		}
	}()
	callErr := fn(ctx)
	release(callErr)
	return callErr
}

func (b *Breaker) rejectLocked(retryAfter time.Duration) error {
	if b.cfg.OnReject != nil {
		b.cfg.OnReject(b.target)
	}
	return &OpenError{Target: b.target, RetryAfter: retryAfter}
}

func (b *Breaker) release(callErr error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	wasTrial := b.state == StateHalfOpen
	if wasTrial {
		b.trialInFlight = false
	}

	switch {
	case callErr == nil:
		if b.state != StateClosed {
			b.cfg.Logger.Info("circuit breaker closed", "target", b.target)
		}
		b.state = StateClosed
		b.failures = 0
	case b.cfg.IsFailure(callErr):
		b.failures++
		b.lastFailure = b.cfg.Now()
		if b.failures >= b.cfg.FailureThreshold {
			if b.state != StateOpen {
				b.cfg.Logger.Warn("circuit breaker opened",
					"target", b.target,
					"failures", b.failures,
					"threshold", b.cfg.FailureThreshold,
				)
			}
			b.state = StateOpen
		}
	default:
		// Unclassified errors leave the breaker untouched.
	}
}
