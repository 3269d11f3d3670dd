// Package circuit implements the circuit breaker the node places in front of
// its outbound dependencies (bitcoind RPC, the event broker). Once an
// endpoint has failed repeatedly the breaker rejects calls outright, so
// callers fail fast instead of stacking retries on a dead peer.
package circuit

import (
	"context"
	"sync"
	"time"

	"github.com/hydrapool/hydrad/pkg/errors"
)

// State is the breaker position.
type State int

const (
	// StateClosed admits every call.
	StateClosed State = iota
	// StateOpen rejects every call until the cooldown elapses.
	StateOpen
	// StateHalfOpen admits probe calls while deciding whether to close again.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// Config tunes a Breaker. Zero fields are replaced with defaults by New.
type Config struct {
	// MaxFailures is the consecutive-failure count that trips the breaker.
	MaxFailures int
	// SuccessRequired is the number of half-open probe successes needed
	// before the breaker closes again.
	SuccessRequired int
	// Timeout is how long an open breaker rejects calls before admitting
	// half-open probes.
	Timeout time.Duration
	// ResetTimeout is the quiet period after which a closed breaker forgets
	// an unfinished failure streak.
	ResetTimeout time.Duration
}

// Breaker fails fast once a downstream dependency has proven unhealthy.
// The zero value is not usable; construct with New.
type Breaker struct {
	cfg Config

	mu        sync.Mutex
	state     State
	failures  int // consecutive failures while closed
	probes    int // successful probes while half-open
	trippedAt time.Time
	streakAt  time.Time // start of the current closed-state failure streak
}

// New returns a closed breaker. Zero or missing config fields fall back to
// defaults suited to the node's RPC and broker endpoints.
func New(cfg *Config) *Breaker {
	b := &Breaker{state: StateClosed, streakAt: time.Now()}
	if cfg != nil {
		b.cfg = *cfg
	}
	if b.cfg.MaxFailures <= 0 {
		b.cfg.MaxFailures = 5
	}
	if b.cfg.SuccessRequired <= 0 {
		b.cfg.SuccessRequired = 2
	}
	if b.cfg.Timeout <= 0 {
		b.cfg.Timeout = 30 * time.Second
	}
	if b.cfg.ResetTimeout <= 0 {
		b.cfg.ResetTimeout = 60 * time.Second
	}
	return b
}

// Execute runs fn under the breaker. While the breaker is open the call is
// rejected with an internal (non-retryable) error and fn is never invoked.
// A context that is already done short-circuits without touching the state
// machine, so shutdown cancellations do not register as endpoint failures.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !b.admit() {
		return errors.New(errors.ErrorTypeInternal, "circuit",
			"breaker open, call rejected").
			WithContext("state", b.State().String())
	}
	err := fn()
	b.settle(err == nil)
	return err
}

// State returns the current breaker position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// admit reports whether a call may proceed, advancing open to half-open once
// the cooldown has elapsed.
func (b *Breaker) admit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	switch b.state {
	case StateClosed:
		// A streak that went quiet for ResetTimeout no longer counts.
		if b.failures > 0 && now.Sub(b.streakAt) > b.cfg.ResetTimeout {
			b.failures = 0
		}
		return true
	case StateOpen:
		if now.Sub(b.trippedAt) < b.cfg.Timeout {
			return false
		}
		b.state = StateHalfOpen
		b.probes = 0
		return true
	default:
		return true
	}
}

// settle folds one call outcome into the state machine. Outcomes that land
// after the breaker already tripped are ignored.
func (b *Breaker) settle(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		if ok {
			b.failures = 0
			return
		}
		if b.failures == 0 {
			b.streakAt = time.Now()
		}
		b.failures++
		if b.failures >= b.cfg.MaxFailures {
			b.trip()
		}
	case StateHalfOpen:
		if !ok {
			// One failed probe reopens immediately.
			b.trip()
			return
		}
		b.probes++
		if b.probes >= b.cfg.SuccessRequired {
			b.state = StateClosed
			b.failures = 0
			b.probes = 0
		}
	}
}

// trip opens the breaker and restarts the cooldown clock. Callers hold b.mu.
func (b *Breaker) trip() {
	b.state = StateOpen
	b.trippedAt = time.Now()
	b.failures = 0
	b.probes = 0
}
