// Package circuitbreaker provides a per-chain circuit breaker with
// closed → open → half-open state transitions. A chain whose RPC keeps
// failing is skipped for a cooldown instead of burning the audit budget.
package circuitbreaker

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal: scans flow through
	StateOpen                  // Tripped: scans are rejected
	StateHalfOpen              // Probing: one scan allowed to test recovery
)

// String returns the state name.
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

var stateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "approval_auditor",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by chain, from-state, and to-state.",
}, []string{"chain_id", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(stateTransitions)
}

type entry struct {
	state       State
	failures    int
	lastFailure time.Time
}

// Breaker tracks consecutive failures per chain id and trips open at the
// threshold. After the cooldown one probe is let through.
type Breaker struct {
	mu           sync.Mutex
	entries      map[int64]*entry
	threshold    int
	openDuration time.Duration
	now          func() time.Time
	onTransition func(chainID int64, from, to State)
}

// New creates a breaker that opens after threshold consecutive failures and
// stays open for openDuration before probing.
func New(threshold int, openDuration time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openDuration <= 0 {
		openDuration = 30 * time.Second
	}
	return &Breaker{
		entries:      make(map[int64]*entry),
		threshold:    threshold,
		openDuration: openDuration,
		now:          time.Now,
	}
}

// OnTransition sets a callback invoked on state changes.
func (b *Breaker) OnTransition(fn func(chainID int64, from, to State)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// Allow reports whether a scan of chainID may proceed. An open circuit whose
// cooldown has elapsed moves to half-open and admits one probe.
func (b *Breaker) Allow(chainID int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[chainID]
	if !ok {
		return true
	}

	switch e.state {
	case StateOpen:
		if b.now().Sub(e.lastFailure) >= b.openDuration {
			b.transition(e, chainID, StateHalfOpen)
			return true
		}
		return false
	case StateHalfOpen:
		return false
	default:
		return true
	}
}

// RecordSuccess resets the failure count and closes a half-open circuit.
func (b *Breaker) RecordSuccess(chainID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[chainID]
	if !ok {
		return
	}
	if e.state == StateHalfOpen {
		b.transition(e, chainID, StateClosed)
	}
	e.failures = 0
}

// RecordFailure counts a failed scan and trips the circuit at the threshold.
// A failed half-open probe reopens immediately.
func (b *Breaker) RecordFailure(chainID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[chainID]
	if !ok {
		e = &entry{state: StateClosed}
		b.entries[chainID] = e
	}

	e.failures++
	e.lastFailure = b.now()

	switch {
	case e.state == StateHalfOpen:
		b.transition(e, chainID, StateOpen)
	case e.state == StateClosed && e.failures >= b.threshold:
		b.transition(e, chainID, StateOpen)
	}
}

// Release gives back a half-open probe slot without judging the chain, used
// when the scan was abandoned for reasons unrelated to the RPC.
func (b *Breaker) Release(chainID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if e, ok := b.entries[chainID]; ok && e.state == StateHalfOpen {
		b.transition(e, chainID, StateOpen)
		e.lastFailure = b.now().Add(-b.openDuration)
	}
}

// State returns the current state for a chain. Unknown chains are closed.
func (b *Breaker) State(chainID int64) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[chainID]
	if !ok {
		return StateClosed
	}
	return e.state
}

// Caller must hold b.mu.
func (b *Breaker) transition(e *entry, chainID int64, to State) {
	from := e.state
	if from == to {
		return
	}
	e.state = to
	stateTransitions.WithLabelValues(strconv.FormatInt(chainID, 10), from.String(), to.String()).Inc()
	if b.onTransition != nil {
		fn := b.onTransition
		go fn(chainID, from, to)
	}
}
