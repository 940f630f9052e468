package query

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// Rate limiter defaults.
const (
	DefaultQueriesPerMinute    = 30
	DefaultComplexPerHour      = 10
	DefaultComplexityThreshold = 50

	minuteWindow = time.Minute
	hourWindow   = time.Hour
)

// Decision is the rate limiter verdict for one query attempt.
type Decision struct {
	Allowed       bool   `json:"allowed"`
	Reason        string `json:"reason,omitempty"`
	RetryAfterSec int    `json:"retry_after_sec,omitempty"`
}

// RateLimiter enforces per-user sliding windows: a cap on all queries per
// minute, and a tighter cap per hour on queries at or above the complexity
// threshold.
type RateLimiter struct {
	mu    sync.Mutex
	users map[string]*userWindows

	perMinute      int
	complexPerHour int
	threshold      int

	now func() time.Time
}

type userWindows struct {
	recent  []time.Time
	complex []time.Time
}

// NewRateLimiter builds a limiter; non-positive arguments take the defaults.
func NewRateLimiter(perMinute, complexPerHour, threshold int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = DefaultQueriesPerMinute
	}
	if complexPerHour <= 0 {
		complexPerHour = DefaultComplexPerHour
	}
	if threshold <= 0 {
		threshold = DefaultComplexityThreshold
	}
	return &RateLimiter{
		users:          make(map[string]*userWindows),
		perMinute:      perMinute,
		complexPerHour: complexPerHour,
		threshold:      threshold,
		now:            time.Now,
	}
}

// Allow records one query attempt by user with the given complexity score and
// returns whether it may proceed. Denied attempts are not recorded.
func (rl *RateLimiter) Allow(user string, score int) Decision {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	uw := rl.users[user]
	if uw == nil {
		uw = &userWindows{}
		rl.users[user] = uw
	}

	uw.recent = prune(uw.recent, now.Add(-minuteWindow))
	uw.complex = prune(uw.complex, now.Add(-hourWindow))

	if len(uw.recent) >= rl.perMinute {
		retry := retryAfter(uw.recent[0], minuteWindow, now)
		return Decision{
			Allowed:       false,
			Reason:        fmt.Sprintf("query rate limit of %d per minute exceeded", rl.perMinute),
			RetryAfterSec: retry,
		}
	}

	complex := score >= rl.threshold
	if complex && len(uw.complex) >= rl.complexPerHour {
		retry := retryAfter(uw.complex[0], hourWindow, now)
		return Decision{
			Allowed:       false,
			Reason:        fmt.Sprintf("complex query limit of %d per hour exceeded", rl.complexPerHour),
			RetryAfterSec: retry,
		}
	}

	uw.recent = append(uw.recent, now)
	if complex {
		uw.complex = append(uw.complex, now)
	}
	return Decision{Allowed: true}
}

// prune drops timestamps at or before the cutoff; entries are appended in
// order so the survivors stay sorted.
func prune(entries []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(entries) && !entries[i].After(cutoff) {
		i++
	}
	return entries[i:]
}

// retryAfter is the whole-second wait until the oldest entry falls out of the
// window, at least 1.
func retryAfter(oldest time.Time, window time.Duration, now time.Time) int {
	wait := oldest.Add(window).Sub(now)
	sec := int(math.Ceil(wait.Seconds()))
	if sec < 1 {
		sec = 1
	}
	return sec
}
