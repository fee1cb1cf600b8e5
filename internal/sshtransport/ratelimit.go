package sshtransport

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/chardonnay/korTTY/internal/errs"
	"github.com/chardonnay/korTTY/internal/logutil"
)

// Attempt limiting defaults. Two independent mechanisms keep a reconnect
// storm or a wrong saved password from getting the client banned by the
// server's intrusion prevention:
//   - Sliding-window rate limit: max attempts per minute per target.
//   - Consecutive auth failure block: after N rejected logins in a row the
//     target is blocked for BlockDuration.
const (
	DefaultMaxAttemptsPerMinute = 10
	DefaultMaxAuthFailures      = 3
	DefaultBlockDuration        = 5 * time.Minute
)

type LimitConfig struct {
	MaxAttemptsPerMinute int
	MaxAuthFailures      int
	BlockDuration        time.Duration
}

func DefaultLimitConfig() LimitConfig {
	return LimitConfig{
		MaxAttemptsPerMinute: DefaultMaxAttemptsPerMinute,
		MaxAuthFailures:      DefaultMaxAuthFailures,
		BlockDuration:        DefaultBlockDuration,
	}
}

type targetState struct {
	attempts     []time.Time
	authFailures int
	blockedUntil time.Time
}

// AttemptLimiter throttles connection attempts per target (user@host:port).
// It is safe for concurrent use.
type AttemptLimiter struct {
	mu     sync.Mutex
	config LimitConfig
	state  map[string]*targetState
	nowFn  func() time.Time // injectable clock for testing
}

func NewAttemptLimiter(config LimitConfig) *AttemptLimiter {
	return &AttemptLimiter{
		config: config,
		state:  make(map[string]*targetState),
		nowFn:  time.Now,
	}
}

// Allow records an attempt for target. A blocked target yields an auth
// error, so a reconnect loop stops instead of piling up rejected logins;
// an exhausted rate window yields a network error, which is retried.
func (l *AttemptLimiter) Allow(target string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFn()
	s := l.stateFor(target)

	if now.Before(s.blockedUntil) {
		remaining := s.blockedUntil.Sub(now).Truncate(time.Second)
		log.Printf("[transport] rate limit: %s is blocked for %s (%d rejected logins)",
			logutil.SanitizeForLog(target), remaining, s.authFailures)
		return errs.Auth("connect", fmt.Errorf("%d consecutive logins rejected; blocked for %s", s.authFailures, remaining))
	}

	cutoff := now.Add(-1 * time.Minute)
	pruned := s.attempts[:0]
	for _, t := range s.attempts {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}
	s.attempts = pruned

	if l.config.MaxAttemptsPerMinute > 0 && len(s.attempts) >= l.config.MaxAttemptsPerMinute {
		log.Printf("[transport] rate limit: %s exceeded %d attempts/min",
			logutil.SanitizeForLog(target), l.config.MaxAttemptsPerMinute)
		return errs.Network("connect", fmt.Errorf("%d connection attempts in the last minute (max %d)",
			len(s.attempts), l.config.MaxAttemptsPerMinute))
	}

	s.attempts = append(s.attempts, now)
	return nil
}

// Record feeds the outcome of an attempt back. Only authentication
// rejections count towards the block; network trouble does not.
func (l *AttemptLimiter) Record(target string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.stateFor(target)
	if err == nil {
		s.authFailures = 0
		s.blockedUntil = time.Time{}
		return
	}
	if !errs.Is(err, errs.KindAuth) {
		return
	}
	s.authFailures++
	if l.config.MaxAuthFailures > 0 && s.authFailures >= l.config.MaxAuthFailures {
		s.blockedUntil = l.nowFn().Add(l.config.BlockDuration)
		log.Printf("[transport] rate limit: blocking %s until %s (%d rejected logins)",
			logutil.SanitizeForLog(target), s.blockedUntil.Format(time.RFC3339), s.authFailures)
	}
}

// Reset forgets everything about target, e.g. after the user edits the
// profile's credentials.
func (l *AttemptLimiter) Reset(target string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.state, target)
}

// stateFor must be called with l.mu held.
func (l *AttemptLimiter) stateFor(target string) *targetState {
	s, ok := l.state[target]
	if !ok {
		s = &targetState{}
		l.state[target] = s
	}
	return s
}
