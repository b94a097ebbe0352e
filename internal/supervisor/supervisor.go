package supervisor

import (
	"context"
	"sync"
	"time"

	"coindash/logger"
)

// State is the supervisor's connection lifecycle state.
type State int

const (
	StateConnected State = iota
	StateConnecting
	StateRetrying
	StateOffline
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateConnecting:
		return "connecting"
	case StateRetrying:
		return "retrying"
	case StateOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// EventKind tags a lifecycle event emitted during Execute.
type EventKind int

const (
	EventAttempting EventKind = iota
	EventRetrying
	EventFailed
	EventSucceeded
)

// LifecycleEvent describes one step of an operation's retry lifecycle.
// Consumers use these to drive connection-status messaging; the supervisor
// owns the retry decisions themselves.
type LifecycleEvent struct {
	Kind      EventKind
	Operation string
	Attempt   int
	Delay     time.Duration
	Failure   FailureKind
}

// Result reports how an operation concluded.
type Result struct {
	Attempts int
}

// Supervisor owns connectivity state and wraps network operations with
// uniform failure classification, retry with backoff, and offline detection.
type Supervisor struct {
	log     *logger.Log
	jitter  Jitter
	onEvent func(LifecycleEvent)

	mu    sync.RWMutex
	state State
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithJitter replaces the default ±25% jitter source.
func WithJitter(j Jitter) Option {
	return func(s *Supervisor) { s.jitter = j }
}

// WithEventSink installs a callback receiving lifecycle events. The callback
// runs on the executing goroutine and must not block.
func WithEventSink(fn func(LifecycleEvent)) Option {
	return func(s *Supervisor) { s.onEvent = fn }
}

func New(opts ...Option) *Supervisor {
	s := &Supervisor{
		log:    logger.GetLogger(),
		jitter: DefaultJitter,
		state:  StateConnecting,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current connection state.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Offline reports whether the supervisor has suspended network attempts.
func (s *Supervisor) Offline() bool {
	return s.State() == StateOffline
}

// NotifyConnected signals externally confirmed connectivity, lifting the
// offline suspension.
func (s *Supervisor) NotifyConnected() {
	s.mu.Lock()
	prev := s.state
	s.state = StateConnecting
	s.mu.Unlock()

	if prev == StateOffline {
		s.log.WithComponent("supervisor").Info("connectivity restored, resuming network operations")
	}
}

func (s *Supervisor) setState(next State) {
	s.mu.Lock()
	s.state = next
	s.mu.Unlock()
}

func (s *Supervisor) emit(ev LifecycleEvent) {
	if s.onEvent != nil {
		s.onEvent(ev)
	}
}

// Execute runs op under the given retry policy. Retryable failures are
// retried with exponential backoff and jitter; network-level failures flip
// the supervisor offline and suspend further attempts until connectivity is
// confirmed restored via NotifyConnected. The returned Result carries the
// attempt count both on success and on failure; failures are *Failure values.
func (s *Supervisor) Execute(ctx context.Context, operation string, policy RetryPolicy, op func(context.Context) error) (Result, error) {
	log := s.log.WithComponent("supervisor").WithFields(logger.Fields{
		"operation": operation,
		"policy":    policy.Name,
	})

	if s.Offline() {
		return Result{}, &Failure{Kind: KindNetwork, Err: ErrOffline, Attempts: 0}
	}

	var lastFailure *Failure
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		s.emit(LifecycleEvent{Kind: EventAttempting, Operation: operation, Attempt: attempt})

		err := op(ctx)
		if err == nil {
			s.setState(StateConnected)
			s.emit(LifecycleEvent{Kind: EventSucceeded, Operation: operation, Attempt: attempt})
			if attempt > 1 {
				log.WithFields(logger.Fields{"attempts": attempt}).Info("operation succeeded after retries")
			}
			return Result{Attempts: attempt}, nil
		}

		kind := Classify(err)
		lastFailure = &Failure{Kind: kind, Err: err, Attempts: attempt}

		if ShouldGoOffline(err) {
			s.setState(StateOffline)
			s.emit(LifecycleEvent{Kind: EventFailed, Operation: operation, Attempt: attempt, Failure: kind})
			log.WithError(err).Warn("network-level failure, going offline")
			return Result{Attempts: attempt}, lastFailure
		}

		if !kind.Retryable() || attempt == policy.MaxAttempts {
			s.emit(LifecycleEvent{Kind: EventFailed, Operation: operation, Attempt: attempt, Failure: kind})
			log.WithError(err).WithFields(logger.Fields{
				"attempts": attempt,
				"kind":     kind.String(),
			}).Warn("operation failed")
			return Result{Attempts: attempt}, lastFailure
		}

		delay := policy.DelayFor(attempt)
		if kind == KindRateLimited && delay < rateLimitFloor {
			delay = rateLimitFloor
		}
		delay = s.jitter(delay)

		s.setState(StateRetrying)
		s.emit(LifecycleEvent{Kind: EventRetrying, Operation: operation, Attempt: attempt, Delay: delay, Failure: kind})
		log.WithError(err).WithFields(logger.Fields{
			"attempt": attempt,
			"delay":   delay.String(),
			"kind":    kind.String(),
		}).Debug("retrying after backoff")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return Result{Attempts: attempt}, &Failure{Kind: KindUnknown, Err: ctx.Err(), Attempts: attempt}
		}
	}

	// Unreachable: the loop always returns from within.
	return Result{Attempts: policy.MaxAttempts}, lastFailure
}
