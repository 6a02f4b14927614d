// Package ratelimit gates outgoing OpenProject requests to a fixed
// requests-per-second budget. Admission is global per gate instance: every
// caller sharing a Limiter (or a SharedGate key) is spaced at 1/rate.
package ratelimit

import (
	"time"
)

// Redis key layout for the shared gate.
const (
	// RedisKeyPrefix namespaces all gate keys.
	RedisKeyPrefix = "opcrawl:ratelimit"

	// RedisKeyLastAdmissionSuffix holds the last admitted slot in microseconds
	// since the Unix epoch, as seen by the Redis server clock.
	RedisKeyLastAdmissionSuffix = "last_admission"
)

// DefaultRequestsPerSecond matches the crawler's historical budget.
const DefaultRequestsPerSecond = 5.0

// GateState is a snapshot of a shared gate.
type GateState struct {
	// LastAdmission is the most recently reserved admission slot. It may lie
	// in the future when callers are queued behind it.
	LastAdmission time.Time `json:"last_admission"`

	// Interval is the minimum spacing between two admissions.
	Interval time.Duration `json:"interval"`
}

// NextAdmission returns the earliest time a new caller would be admitted.
func (s *GateState) NextAdmission() time.Time {
	return s.LastAdmission.Add(s.Interval)
}

// Backlog returns how far the reserved slots reach past now.
// Returns 0 if the gate is idle.
func (s *GateState) Backlog(now time.Time) time.Duration {
	d := s.LastAdmission.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// IsIdle reports whether a caller arriving at now would be admitted without waiting.
func (s *GateState) IsIdle(now time.Time) bool {
	return !s.NextAdmission().After(now)
}

// intervalFor converts a rate to the spacing between admissions.
func intervalFor(requestsPerSecond float64) time.Duration {
	return time.Duration(float64(time.Second) / requestsPerSecond)
}
