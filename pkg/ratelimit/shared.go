package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var rateLimitSharedFallbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "opcrawl_ratelimit_shared_fallbacks_total",
	Help: "Total admissions served by the local fallback because Redis was unavailable",
})

// luaReserveSlot reserves the next admission slot atomically. Slots are
// microseconds on the Redis clock so every process shares one timeline.
// The key outlives the furthest reserved slot by ARGV[2] milliseconds.
// Returns the delay in microseconds the caller must wait.
const luaReserveSlot = `
local t = redis.call('TIME')
local now = tonumber(t[1]) * 1000000 + tonumber(t[2])
local interval = tonumber(ARGV[1])
local last = tonumber(redis.call('GET', KEYS[1]) or '0')
local slot = now
if last + interval > now then
  slot = last + interval
end
local ttl = math.ceil((slot - now) / 1000) + tonumber(ARGV[2])
redis.call('SET', KEYS[1], string.format('%.0f', slot), 'PX', string.format('%.0f', ttl))
return slot - now
`

// SharedConfig configures a Redis-backed gate.
type SharedConfig struct {
	// Redis client holding the gate state.
	Redis *redis.Client

	// Key identifies the gate; processes using the same key share one budget.
	// Typically the API host.
	Key string

	// RequestsPerSecond is the shared budget across all processes.
	RequestsPerSecond float64

	// Fallback serves admissions while Redis is unreachable. Optional.
	Fallback Acquirer

	// Logger for fallback warnings.
	Logger zerolog.Logger
}

// SharedGate spaces admissions across processes through a single Redis key.
type SharedGate struct {
	redis    *redis.Client
	key      string
	interval time.Duration
	fallback Acquirer
	script   *redis.Script
	logger   zerolog.Logger
}

// NewSharedGate creates a gate backed by cfg.Redis.
func NewSharedGate(cfg SharedConfig) (*SharedGate, error) {
	if cfg.Redis == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if cfg.Key == "" {
		return nil, fmt.Errorf("gate key is required")
	}
	if cfg.RequestsPerSecond <= 0 {
		return nil, fmt.Errorf("%w (got %v)", ErrInvalidRate, cfg.RequestsPerSecond)
	}

	return &SharedGate{
		redis:    cfg.Redis,
		key:      fmt.Sprintf("%s:%s:%s", RedisKeyPrefix, cfg.Key, RedisKeyLastAdmissionSuffix),
		interval: intervalFor(cfg.RequestsPerSecond),
		fallback: cfg.Fallback,
		script:   redis.NewScript(luaReserveSlot),
		logger:   cfg.Logger,
	}, nil
}

// Acquire reserves the next shared slot and sleeps until it is reached.
// On Redis errors the fallback gate is used when configured.
func (g *SharedGate) Acquire(ctx context.Context) error {
	start := time.Now()

	delay, err := g.reserve(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("acquire admission: %w", ctx.Err())
		}
		if g.fallback == nil {
			return fmt.Errorf("reserve shared slot: %w", err)
		}
		rateLimitSharedFallbacksTotal.Inc()
		g.logger.Warn().Err(err).Str("key", g.key).Msg("Shared rate limit unavailable, using local gate")
		return g.fallback.Acquire(ctx)
	}

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-ctx.Done():
			// The reserved slot stays consumed; the timeline only moves forward.
			return fmt.Errorf("acquire admission: %w", ctx.Err())
		}
	}

	rateLimitWaitSeconds.WithLabelValues("shared").Observe(time.Since(start).Seconds())
	rateLimitAdmissionsTotal.WithLabelValues("shared").Inc()
	return nil
}

func (g *SharedGate) reserve(ctx context.Context) (time.Duration, error) {
	ttl := g.interval * 10
	if ttl < time.Second {
		ttl = time.Second
	}

	micros, err := g.script.Run(ctx, g.redis, []string{g.key},
		g.interval.Microseconds(),
		ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return 0, err
	}

	return time.Duration(micros) * time.Microsecond, nil
}

// State returns the current gate snapshot. A gate that was never used (or
// whose key expired) reports a zero LastAdmission.
func (g *SharedGate) State(ctx context.Context) (*GateState, error) {
	last, err := g.redis.Get(ctx, g.key).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get last admission: %w", err)
	}

	state := &GateState{Interval: g.interval}
	if last > 0 {
		state.LastAdmission = time.UnixMicro(last)
	}
	return state, nil
}

// Reset clears the gate state.
func (g *SharedGate) Reset(ctx context.Context) error {
	if err := g.redis.Del(ctx, g.key).Err(); err != nil {
		return fmt.Errorf("reset shared gate: %w", err)
	}
	return nil
}

// Interval returns the minimum spacing between two admissions.
func (g *SharedGate) Interval() time.Duration {
	return g.interval
}
