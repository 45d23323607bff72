package retry

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// State описывает состояние circuit breaker'а.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

const (
	DefaultFailureThreshold = 5
	DefaultRecoveryTimeout  = 60 * time.Second
)

// Breaker tracks consecutive failures of a single dependency and blocks
// calls while the dependency is considered down. State lives in memory
// only and is not persisted across restarts.
type Breaker struct {
	failureThreshold int
	recoveryTimeout  time.Duration
	logger           *zap.SugaredLogger
	now              func() time.Time

	mu           sync.Mutex
	failureCount int
	lastFailure  time.Time
	state        State
}

func NewBreaker(failureThreshold int, recoveryTimeout time.Duration, logger *zap.SugaredLogger) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = DefaultFailureThreshold
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = DefaultRecoveryTimeout
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Breaker{
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		logger:           logger,
		now:              time.Now,
		state:            StateClosed,
	}
}

// CanAttempt reports whether a call may go through right now. When the
// breaker is OPEN and the recovery timeout has elapsed since the last
// failure, it transitions to HALF_OPEN and lets exactly this probe pass.
func (b *Breaker) CanAttempt() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return true
	}
	if !b.lastFailure.IsZero() && b.now().Sub(b.lastFailure) >= b.recoveryTimeout {
		b.state = StateHalfOpen
		b.logger.Infof("circuit breaker entering HALF_OPEN state")
		return true
	}
	return false
}

// RecordSuccess resets the failure counter and closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount = 0
	b.state = StateClosed
}

// RecordFailure bumps the consecutive-failure counter and opens the
// breaker once the threshold is reached. A failure recorded while
// HALF_OPEN re-opens the breaker immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastFailure = b.now()

	if b.state == StateHalfOpen || b.failureCount >= b.failureThreshold {
		if b.state != StateOpen {
			b.logger.Warnf("circuit breaker OPENED after %d failures", b.failureCount)
		}
		b.state = StateOpen
	}
}

// State returns the current state without side effects.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// FailureCount returns the current consecutive-failure count.
func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}

// Registry owns one Breaker per dependency key. It is constructed by the
// application root and injected into clients, so breaker lifecycle is
// explicit. Breakers are created lazily on first access and retained for
// the process lifetime.
type Registry struct {
	failureThreshold int
	recoveryTimeout  time.Duration
	logger           *zap.SugaredLogger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

func NewRegistry(failureThreshold int, recoveryTimeout time.Duration, logger *zap.SugaredLogger) *Registry {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Registry{
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		logger:           logger,
		breakers:         make(map[string]*Breaker),
	}
}

// Get returns the breaker for key, creating it on first use.
func (r *Registry) Get(key string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[key]
	if !ok {
		b = NewBreaker(r.failureThreshold, r.recoveryTimeout, r.logger)
		r.breakers[key] = b
		r.logger.Infof("created circuit breaker for %q", key)
	}
	return b
}
