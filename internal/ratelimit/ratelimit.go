// Package ratelimit implements the per-agent fixed-window rate limiter with
// escalating soft block described in spec §4.5.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/voidsync/voidsync/internal/store"
)

// DefaultWindowSize and DefaultMaxRequests match the spec's documented
// default of 1000 requests/hour.
const (
	DefaultWindowSize  = time.Hour
	DefaultMaxRequests = 1000
)

const escalationMultiplier = 1.5
const escalationBlockFactor = 2

type counterState struct {
	requestCount int
	windowStart  time.Time
	lastUpdate   time.Time
	blockedUntil *time.Time
	limit        int
}

// Limiter tracks per-agent request counters in memory, mirroring state to a
// Store so restarts don't erase a standing block.
type Limiter struct {
	store       store.Store
	windowSize  time.Duration
	maxRequests int

	locks    sync.Map // agentIdentity -> *sync.Mutex
	counters sync.Map // agentIdentity -> *counterState
}

// NewLimiter constructs a Limiter and rehydrates counter state from st.
func NewLimiter(ctx context.Context, st store.Store, windowSize time.Duration, maxRequests int) (*Limiter, error) {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	if maxRequests <= 0 {
		maxRequests = DefaultMaxRequests
	}

	l := &Limiter{store: st, windowSize: windowSize, maxRequests: maxRequests}

	counters, err := st.ListRateLimitCounters(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "ratelimit: rehydrate")
	}
	for _, c := range counters {
		cs := &counterState{
			requestCount: c.RequestCount,
			windowStart:  c.WindowStart,
			lastUpdate:   c.LastUpdate,
			blockedUntil: c.BlockedUntil,
			limit:        c.Limit,
		}
		l.counters.Store(c.AgentIdentity, cs)
	}
	return l, nil
}

func (l *Limiter) lockFor(agentID string) *sync.Mutex {
	m, _ := l.locks.LoadOrStore(agentID, &sync.Mutex{})
	return m.(*sync.Mutex)
}

func (l *Limiter) getOrInit(agentID string, now time.Time) *counterState {
	if v, ok := l.counters.Load(agentID); ok {
		return v.(*counterState)
	}
	cs := &counterState{windowStart: now, limit: l.maxRequests}
	l.counters.Store(agentID, cs)
	return cs
}

func (l *Limiter) persist(ctx context.Context, agentID string, cs *counterState) error {
	return l.store.SaveRateLimitCounter(ctx, &store.RateLimitCounter{
		AgentIdentity: agentID,
		RequestCount:  cs.requestCount,
		WindowStart:   cs.windowStart,
		LastUpdate:    cs.lastUpdate,
		BlockedUntil:  cs.blockedUntil,
		Limit:         cs.limit,
	})
}

// Admit performs "track then check" as a single critical section for
// agentID (spec §4.8 step 3): it increments the window counter, resetting
// the window first if it has elapsed, then reports whether the agent is
// now rate-limited. Exceeding 1.5x maxRequests escalates into a hard block
// for 2x windowSize.
func (l *Limiter) Admit(ctx context.Context, agentID string) (bool, error) {
	mu := l.lockFor(agentID)
	mu.Lock()
	defer mu.Unlock()

	now := time.Now()
	cs := l.getOrInit(agentID, now)

	if now.Sub(cs.windowStart) >= l.windowSize {
		cs.windowStart = now
		cs.requestCount = 0
		// A block issued during a now-expired window still runs its own
		// clock; it is not cleared just because the counting window reset.
	}
	cs.requestCount++
	cs.lastUpdate = now
	cs.limit = l.maxRequests

	limited := cs.blockedUntil != nil && cs.blockedUntil.After(now)
	if !limited && cs.requestCount > l.maxRequests {
		limited = true
		if float64(cs.requestCount) > escalationMultiplier*float64(l.maxRequests) {
			until := now.Add(escalationBlockFactor * l.windowSize)
			cs.blockedUntil = &until
		}
	}

	if err := l.persist(ctx, agentID, cs); err != nil {
		return limited, errors.Wrap(err, "ratelimit: persist")
	}
	return limited, nil
}

// IsLimited reports the agent's current rate-limit status without
// incrementing its counter.
func (l *Limiter) IsLimited(agentID string) bool {
	mu := l.lockFor(agentID)
	mu.Lock()
	defer mu.Unlock()

	v, ok := l.counters.Load(agentID)
	if !ok {
		return false
	}
	cs := v.(*counterState)
	now := time.Now()
	if cs.blockedUntil != nil && cs.blockedUntil.After(now) {
		return true
	}
	if now.Sub(cs.windowStart) >= l.windowSize {
		return false
	}
	return cs.requestCount > l.maxRequests
}

// Reset clears both the in-memory and store-backed counter for agentID.
func (l *Limiter) Reset(ctx context.Context, agentID string) error {
	mu := l.lockFor(agentID)
	mu.Lock()
	defer mu.Unlock()

	l.counters.Delete(agentID)
	return l.persist(ctx, agentID, &counterState{windowStart: time.Now(), limit: l.maxRequests})
}
