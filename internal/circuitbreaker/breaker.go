// Package circuitbreaker guards the Dispatcher's worker-replacement path
// (spec.md §4.8's "isolated crash handling"): each worker slot owns one
// Breaker that tracks the slot's recent spawn outcomes and, once a slot is
// crashing too often to be worth retrying immediately, rejects further
// replacement attempts for a cooldown period instead of burning CPU on a
// respawn loop against e.g. a broken romaworker binary or an exhausted
// cgroup.
//
// # State machine
//
// The breaker follows the standard three-state model:
//
//	Closed ──(crash rate ≥ threshold)──► Open ──(OpenDuration elapsed)──► HalfOpen
//	  ▲                                                                        │
//	  └──────────────(all probes succeed)───────────────────────────────────────┘
//	                  (any probe fails) ──────────────────────────────────► Open
//
// # Why sliding window, not counters
//
// A fixed counter resets on schedule regardless of traffic volume, which
// means a burst of crashes just before a reset window is silently lost. A
// sliding window always reflects the last WindowDuration of respawn
// attempts for the slot, so the crash rate stays meaningful whether the
// slot failed twice in the last second or twice over the last hour.
//
// # Concurrency
//
// Allow, RecordSuccess, RecordFailure, and State are safe for concurrent
// use; they acquire the breaker's own mutex per call. dispatcher.go holds
// one Breaker per slot rather than behind a shared registry: the worker
// pool is a fixed-size array decided at Dispatcher construction, not a
// dynamically registered set of named functions, so there is nothing to
// look up by name.
package circuitbreaker

import (
	"sync"
	"time"
)

// State is one position in the breaker's state machine.
type State int

const (
	StateClosed   State = iota // replacement attempts proceed normally
	StateOpen                  // replacement attempts are rejected
	StateHalfOpen              // a bounded number of probe attempts are allowed
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

// Config tunes one slot's breaker.
type Config struct {
	ErrorPct       float64       // crash percentage that trips the breaker (0-100)
	WindowDuration time.Duration // sliding window over which the crash rate is computed
	OpenDuration   time.Duration // cooldown before an open breaker allows a probe respawn
	HalfOpenProbes int           // number of probe respawns allowed while half-open
}

// Breaker tracks one worker slot's recent respawn outcomes and decides
// whether the Dispatcher should attempt another replacement right now.
type Breaker struct {
	mu             sync.Mutex
	cfg            Config
	state          State
	successes      []time.Time // respawns that reached sandbox.StateReady within the window
	failures       []time.Time // respawns that crashed again within the window
	openedAt       time.Time
	halfOpenProbes int
	halfOpenOK     int
}

// New builds a Breaker; a HalfOpenProbes of 0 defaults to 1.
func New(cfg Config) *Breaker {
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 1
	}
	return &Breaker{cfg: cfg}
}

// Allow reports whether the Dispatcher may attempt another respawn for
// this slot right now.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(b.openedAt) >= b.cfg.OpenDuration {
			b.state = StateHalfOpen
			b.halfOpenProbes = 0
			b.halfOpenOK = 0
			b.halfOpenProbes++
			return true
		}
		return false
	case StateHalfOpen:
		if b.halfOpenProbes < b.cfg.HalfOpenProbes {
			b.halfOpenProbes++
			return true
		}
		return false
	}
	return true
}

// RecordSuccess records that a respawn attempt brought the slot back to
// sandbox.StateReady.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	switch b.state {
	case StateClosed:
		b.successes = append(b.successes, now)
		b.trimWindow(now)
	case StateHalfOpen:
		b.halfOpenOK++
		if b.halfOpenOK >= b.cfg.HalfOpenProbes {
			b.state = StateClosed
			b.successes = b.successes[:0]
			b.failures = b.failures[:0]
		}
	}
}

// RecordFailure records that a respawn attempt crashed again.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	switch b.state {
	case StateClosed:
		b.failures = append(b.failures, now)
		b.trimWindow(now)
		b.checkThreshold(now)
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = now
	}
}

// State returns the breaker's current state, applying the automatic
// Open→HalfOpen transition if OpenDuration has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && time.Since(b.openedAt) >= b.cfg.OpenDuration {
		b.state = StateHalfOpen
		b.halfOpenProbes = 0
		b.halfOpenOK = 0
	}
	return b.state
}

// maxWindowEntries caps the sliding window so a worker stuck in a fast
// crash loop cannot grow these slices without bound.
const maxWindowEntries = 10000

// trimWindow drops entries outside the sliding window. Caller must hold b.mu.
func (b *Breaker) trimWindow(now time.Time) {
	cutoff := now.Add(-b.cfg.WindowDuration)
	b.successes = trimBefore(b.successes, cutoff)
	b.failures = trimBefore(b.failures, cutoff)

	if len(b.successes) > maxWindowEntries {
		b.successes = b.successes[len(b.successes)-maxWindowEntries:]
	}
	if len(b.failures) > maxWindowEntries {
		b.failures = b.failures[len(b.failures)-maxWindowEntries:]
	}
}

// checkThreshold opens the breaker once the windowed crash rate reaches
// cfg.ErrorPct. Caller must hold b.mu.
func (b *Breaker) checkThreshold(now time.Time) {
	total := len(b.successes) + len(b.failures)
	if total == 0 {
		return
	}
	crashPct := float64(len(b.failures)) / float64(total) * 100
	if crashPct >= b.cfg.ErrorPct {
		b.state = StateOpen
		b.openedAt = now
	}
}

// trimBefore drops the leading timestamps before cutoff.
func trimBefore(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && times[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return times
	}
	copy(times, times[i:])
	return times[:len(times)-i]
}
