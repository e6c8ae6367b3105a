package sshbroker

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// Connect attempts are limited per target (user@host:port) with a sliding
// window, and a target that keeps failing is blocked for an escalating
// cooldown. A success clears the failure streak.
const (
	rateLimitWindow           = 1 * time.Minute
	rateLimitMaxAttempts      = 10
	rateLimitFailureThreshold = 5
	rateLimitInitialBlock     = 30 * time.Second
	rateLimitMaxBlock         = 5 * time.Minute
)

// ErrRateLimited is returned when a connect attempt is rejected by the rate limiter.
type ErrRateLimited struct {
	Target     string
	Reason     string
	RetryAfter time.Duration
}

func (e *ErrRateLimited) Error() string {
	return fmt.Sprintf("too many connection attempts to %s: %s (retry after %s)", e.Target, e.Reason, e.RetryAfter.Round(time.Second))
}

type targetRateState struct {
	attempts []time.Time

	consecutiveFailures int
	blockedUntil        time.Time
	blockDuration       time.Duration
}

// RateLimiter tracks connect attempts per target.
type RateLimiter struct {
	mu     sync.Mutex
	states map[string]*targetRateState

	nowFunc func() time.Time
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		states:  make(map[string]*targetRateState),
		nowFunc: time.Now,
	}
}

func (rl *RateLimiter) getOrCreate(target string) *targetRateState {
	state, ok := rl.states[target]
	if !ok {
		state = &targetRateState{}
		rl.states[target] = state
	}
	return state
}

// Allow records an attempt against target, or returns *ErrRateLimited.
func (rl *RateLimiter) Allow(target string) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.nowFunc()
	state := rl.getOrCreate(target)

	if !state.blockedUntil.IsZero() && now.Before(state.blockedUntil) {
		return &ErrRateLimited{
			Target:     target,
			Reason:     fmt.Sprintf("blocked after %d consecutive failures", state.consecutiveFailures),
			RetryAfter: state.blockedUntil.Sub(now),
		}
	}

	cutoff := now.Add(-rateLimitWindow)
	recent := state.attempts[:0]
	for _, t := range state.attempts {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	state.attempts = recent

	if len(state.attempts) >= rateLimitMaxAttempts {
		retryAfter := state.attempts[0].Add(rateLimitWindow).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return &ErrRateLimited{
			Target:     target,
			Reason:     fmt.Sprintf("exceeded %d attempts in %s", rateLimitMaxAttempts, rateLimitWindow),
			RetryAfter: retryAfter,
		}
	}

	state.attempts = append(state.attempts, now)
	return nil
}

// RecordSuccess clears the failure streak for target.
func (rl *RateLimiter) RecordSuccess(target string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	state, ok := rl.states[target]
	if !ok {
		return
	}
	state.consecutiveFailures = 0
	state.blockedUntil = time.Time{}
	state.blockDuration = 0
}

// RecordFailure extends the failure streak and blocks target once the
// threshold is reached. Each further block doubles, up to rateLimitMaxBlock.
func (rl *RateLimiter) RecordFailure(target string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.nowFunc()
	state := rl.getOrCreate(target)
	state.consecutiveFailures++

	if state.consecutiveFailures < rateLimitFailureThreshold {
		return
	}
	if state.blockDuration == 0 {
		state.blockDuration = rateLimitInitialBlock
	} else {
		state.blockDuration *= 2
		if state.blockDuration > rateLimitMaxBlock {
			state.blockDuration = rateLimitMaxBlock
		}
	}
	state.blockedUntil = now.Add(state.blockDuration)
	log.Printf("[sshbroker] %s blocked for %s after %d consecutive failures",
		target, state.blockDuration, state.consecutiveFailures)
}

// Prune drops targets with no recent attempts and no active block.
func (rl *RateLimiter) Prune() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.nowFunc()
	cutoff := now.Add(-rateLimitWindow)
	removed := 0
	for target, state := range rl.states {
		if now.Before(state.blockedUntil) || state.consecutiveFailures > 0 {
			continue
		}
		if n := len(state.attempts); n > 0 && state.attempts[n-1].After(cutoff) {
			continue
		}
		delete(rl.states, target)
		removed++
	}
	return removed
}
