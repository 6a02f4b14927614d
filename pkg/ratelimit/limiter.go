package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

// Prometheus metrics for request admission.
var (
	rateLimitWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "opcrawl_ratelimit_wait_seconds",
		Help:    "Time callers spent waiting for admission by gate",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 5, 30},
	}, []string{"gate"})

	rateLimitAdmissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opcrawl_ratelimit_admissions_total",
		Help: "Total admitted requests by gate",
	}, []string{"gate"})
)

// ErrInvalidRate is returned when a gate is configured with a non-positive rate.
var ErrInvalidRate = errors.New("rate limit must be > 0")

// Acquirer blocks until one request may be issued.
type Acquirer interface {
	Acquire(ctx context.Context) error
}

// Limiter is an in-process interval gate. A burst of one token refilled at
// the configured rate admits concurrent callers one at a time, spaced exactly
// 1/rate apart.
type Limiter struct {
	lim *rate.Limiter
	rps float64
}

// NewLimiter creates a limiter admitting at most requestsPerSecond requests per second.
func NewLimiter(requestsPerSecond float64) (*Limiter, error) {
	if requestsPerSecond <= 0 {
		return nil, fmt.Errorf("%w (got %v)", ErrInvalidRate, requestsPerSecond)
	}

	return &Limiter{
		lim: rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
		rps: requestsPerSecond,
	}, nil
}

// Acquire blocks until the caller may issue a request or ctx is done.
// A cancelled waiter hands its reserved slot back, so later callers are not
// pushed out by abandoned reservations. A deadline shorter than the wait is
// reported once it has passed, as ctx.Err().
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("acquire admission: %w", err)
	}

	start := time.Now()
	r := l.lim.Reserve()

	if delay := r.Delay(); delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-ctx.Done():
			r.Cancel()
			return fmt.Errorf("acquire admission: %w", ctx.Err())
		}
	}

	rateLimitWaitSeconds.WithLabelValues("local").Observe(time.Since(start).Seconds())
	rateLimitAdmissionsTotal.WithLabelValues("local").Inc()
	return nil
}

// Rate returns the configured requests per second.
func (l *Limiter) Rate() float64 {
	return l.rps
}

// Interval returns the minimum spacing between two admissions.
func (l *Limiter) Interval() time.Duration {
	return intervalFor(l.rps)
}
