// Package breaker implements a circuit breaker that guards calls to
// unreliable external services, and a registry of named breakers.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"fee-lens/pkg/metrics"
	"fee-lens/pkg/types"

	"github.com/rs/zerolog"
)

var (
	// ErrOpen is returned without calling the guarded function while the
	// circuit is open.
	ErrOpen = errors.New("circuit breaker is open")
	// ErrTimeout is returned when a guarded call exceeds RequestTimeout.
	ErrTimeout = errors.New("request timed out")
	// ErrPermanent marks a failure after which the circuit stays open until
	// an administrative Reset, e.g. an HTTP 451 answer.
	ErrPermanent = errors.New("permanent failure")
)

// State is the circuit state.
type State int

const (
	Closed State = iota
	HalfOpen
	Open
	PermanentlyOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case HalfOpen:
		return "HALF_OPEN"
	case Open:
		return "OPEN"
	case PermanentlyOpen:
		return "PERMANENTLY_OPEN"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) gauge() float64 {
	switch s {
	case HalfOpen:
		return metrics.StateHalfOpen
	case Open, PermanentlyOpen:
		return metrics.StateOpen
	}
	return metrics.StateClosed
}

// OpenError is returned when a call is rejected.
type OpenError struct {
	Name       string
	State      State
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	if e.State == PermanentlyOpen {
		return fmt.Sprintf("circuit breaker %s is permanently open", e.Name)
	}
	return fmt.Sprintf("circuit breaker %s is %s, retry in %s", e.Name, e.State, e.RetryAfter.Round(time.Second))
}

func (e *OpenError) Unwrap() error { return ErrOpen }

// Options configures a breaker. Zero fields take the DefaultOptions value.
type Options struct {
	// FailureThreshold failures within MonitoringWindow open the circuit.
	FailureThreshold int
	// SuccessThreshold successful trials in HALF_OPEN close it again.
	SuccessThreshold int
	// ResetTimeout is how long the circuit stays open after the last
	// failure before a trial call is let through.
	ResetTimeout time.Duration
	// RequestTimeout bounds each guarded call.
	RequestTimeout time.Duration
	// MonitoringWindow is the sliding window failures are counted in.
	MonitoringWindow time.Duration
	// OnStateChange is called after every transition, outside the lock.
	OnStateChange func(name string, from, to State)
}

// DefaultOptions returns the settings used for external API calls.
func DefaultOptions() Options {
	return Options{
		FailureThreshold: 3,
		SuccessThreshold: 1,
		ResetTimeout:     30 * time.Second,
		RequestTimeout:   10 * time.Second,
		MonitoringWindow: 60 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = d.FailureThreshold
	}
	if o.SuccessThreshold <= 0 {
		o.SuccessThreshold = d.SuccessThreshold
	}
	if o.ResetTimeout <= 0 {
		o.ResetTimeout = d.ResetTimeout
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = d.RequestTimeout
	}
	if o.MonitoringWindow <= 0 {
		o.MonitoringWindow = d.MonitoringWindow
	}
	return o
}

type transition struct {
	from, to State
}

// Breaker guards calls to one external dependency.
type Breaker struct {
	name    string
	opts    Options
	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu              sync.Mutex
	state           State
	failureCount    int
	successCount    int
	recentFailures  []time.Time
	lastFailure     time.Time
	lastSuccess     time.Time
	lastStateChange time.Time
	trialInFlight   bool
	requestCount    int64
	totalFailures   int64
	totalSuccesses  int64
	calls           int64
	totalResponse   time.Duration
	pending         []transition
}

// New creates a closed breaker.
func New(name string, opts Options, logger zerolog.Logger, m *metrics.Metrics) *Breaker {
	b := &Breaker{
		name:    name,
		opts:    opts.withDefaults(),
		logger:  logger.With().Str("breaker", name).Logger(),
		metrics: m,
		now:     time.Now,
	}
	b.lastStateChange = b.now()
	return b
}

// Name returns the breaker name.
func (b *Breaker) Name() string { return b.name }

// Execute runs fn under the breaker. fn receives a context bounded by
// RequestTimeout and should honor it. Rejected calls return an *OpenError
// without running fn.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	trial, err := b.admit()
	if err != nil {
		return err
	}

	start := b.now()
	err = b.run(ctx, fn)
	elapsed := b.now().Sub(start)

	if err != nil && !errors.Is(err, ErrTimeout) && ctx.Err() != nil {
		// the caller gave up, which says nothing about the dependency
		b.release(trial)
		return err
	}

	b.record(trial, elapsed, err)
	return err
}

func (b *Breaker) run(ctx context.Context, fn func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, b.opts.RequestTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(callCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s: %w after %s", b.name, ErrTimeout, b.opts.RequestTimeout)
	}
}

// admit decides whether a call may proceed. trial is true for the single
// call let through in HALF_OPEN.
func (b *Breaker) admit() (trial bool, err error) {
	b.mu.Lock()
	defer b.unlockAndNotify()

	b.requestCount++
	now := b.now()
	b.pruneLocked(now)

	switch b.state {
	case PermanentlyOpen:
		return false, &OpenError{Name: b.name, State: b.state}
	case Open:
		since := now.Sub(b.lastFailure)
		if since < b.opts.ResetTimeout {
			return false, &OpenError{Name: b.name, State: b.state, RetryAfter: b.opts.ResetTimeout - since}
		}
		b.transitionLocked(HalfOpen, now)
	}

	if b.state == HalfOpen {
		if b.trialInFlight {
			return false, &OpenError{Name: b.name, State: b.state}
		}
		b.trialInFlight = true
		return true, nil
	}
	return false, nil
}

func (b *Breaker) release(trial bool) {
	if !trial {
		return
	}
	b.mu.Lock()
	b.trialInFlight = false
	b.mu.Unlock()
}

func (b *Breaker) record(trial bool, elapsed time.Duration, callErr error) {
	b.mu.Lock()
	defer b.unlockAndNotify()

	now := b.now()
	b.calls++
	b.totalResponse += elapsed
	if trial {
		b.trialInFlight = false
	}

	if callErr == nil {
		b.failureCount = 0
		b.successCount++
		b.totalSuccesses++
		b.lastSuccess = now
		if b.state == HalfOpen && b.successCount >= b.opts.SuccessThreshold {
			b.transitionLocked(Closed, now)
		}
		return
	}

	b.failureCount++
	b.totalFailures++
	b.lastFailure = now
	b.recentFailures = append(b.recentFailures, now)
	b.pruneLocked(now)

	b.logger.Warn().
		Err(callErr).
		Int("recent_failures", len(b.recentFailures)).
		Int("threshold", b.opts.FailureThreshold).
		Msg("Failure recorded")

	switch {
	case errors.Is(callErr, ErrPermanent):
		b.transitionLocked(PermanentlyOpen, now)
	case b.state == HalfOpen:
		b.transitionLocked(Open, now)
	case b.state == Closed && len(b.recentFailures) >= b.opts.FailureThreshold:
		b.transitionLocked(Open, now)
	}
}

// pruneLocked drops failures older than the monitoring window.
func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.opts.MonitoringWindow)
	i := 0
	for i < len(b.recentFailures) && !b.recentFailures[i].After(cutoff) {
		i++
	}
	if i > 0 {
		b.recentFailures = append(b.recentFailures[:0], b.recentFailures[i:]...)
	}
}

func (b *Breaker) transitionLocked(to State, now time.Time) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.lastStateChange = now

	switch to {
	case HalfOpen:
		b.successCount = 0
	case Closed:
		b.failureCount = 0
		b.recentFailures = nil
	}

	b.pending = append(b.pending, transition{from: from, to: to})
}

// unlockAndNotify releases the lock and then reports queued transitions so
// callbacks may call back into the breaker.
func (b *Breaker) unlockAndNotify() {
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()

	for _, t := range pending {
		ev := b.logger.Info()
		if t.to == Open || t.to == PermanentlyOpen {
			ev = b.logger.Warn()
		}
		ev.Str("from", t.from.String()).Str("to", t.to.String()).Msg("Circuit breaker state changed")

		b.metrics.BreakerTransition(b.name, t.to.String(), t.to.gauge())
		if b.opts.OnStateChange != nil {
			b.opts.OnStateChange(b.name, t.from, t.to)
		}
	}
}

// Reset forces the breaker closed and clears all counters. Administrative
// use only.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.unlockAndNotify()

	now := b.now()
	b.transitionLocked(Closed, now)
	b.lastStateChange = now
	b.failureCount = 0
	b.successCount = 0
	b.recentFailures = nil
	b.lastFailure = time.Time{}
	b.trialInFlight = false
	b.logger.Info().Msg("Circuit breaker manually reset")
}

// CurrentState returns the circuit state.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// IsOpen reports whether calls are currently being rejected.
func (b *Breaker) IsOpen() bool {
	s := b.CurrentState()
	return s == Open || s == PermanentlyOpen
}

// IsHealthy reports whether the circuit is closed.
func (b *Breaker) IsHealthy() bool {
	return b.CurrentState() == Closed
}

// Ready reports whether a call made now would be admitted, without
// admitting it.
func (b *Breaker) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case HalfOpen:
		return !b.trialInFlight
	case Open:
		return b.now().Sub(b.lastFailure) >= b.opts.ResetTimeout
	}
	return false
}

// State returns a snapshot of the breaker's counters.
func (b *Breaker) State() types.BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := types.BreakerState{
		Name:            b.name,
		State:           b.state.String(),
		FailureCount:    b.failureCount,
		SuccessCount:    b.successCount,
		LastStateChange: b.lastStateChange,
		RequestCount:    b.requestCount,
		TotalFailures:   b.totalFailures,
		TotalSuccesses:  b.totalSuccesses,
	}
	if !b.lastFailure.IsZero() {
		t := b.lastFailure
		s.LastFailureTime = &t
	}
	if !b.lastSuccess.IsZero() {
		t := b.lastSuccess
		s.LastSuccessTime = &t
	}
	if b.calls > 0 {
		s.AverageResponseTimeMs = float64(b.totalResponse.Microseconds()) / 1000 / float64(b.calls)
	}
	return s
}
