package circuitbreaker

import (
	"context"
	"log/slog"

	"github.com/felipepmaragno/kb-gateway/internal/domain"
	"github.com/redis/go-redis/v9"
)

// Keys: [state, last_failure, successes]
// Args: [timeout_seconds]
var allowScript = redis.NewScript(`
local state = redis.call('GET', KEYS[1]) or 'closed'
if state ~= 'open' then
    return state
end

local lastFailure = tonumber(redis.call('GET', KEYS[2]) or '0')
local now = tonumber(redis.call('TIME')[1])
if (now - lastFailure) >= tonumber(ARGV[1]) then
    redis.call('SET', KEYS[1], 'half-open')
    redis.call('SET', KEYS[3], '0')
    return 'half-open'
end
return 'open'
`)

// Keys: [state, failures, successes]
// Args: [success_threshold]
var recordSuccessScript = redis.NewScript(`
local state = redis.call('GET', KEYS[1]) or 'closed'
if state == 'closed' then
    redis.call('SET', KEYS[2], '0')
    return 'closed'
end
if state == 'half-open' then
    local successes = redis.call('INCR', KEYS[3])
    if successes >= tonumber(ARGV[1]) then
        redis.call('SET', KEYS[1], 'closed')
        redis.call('SET', KEYS[2], '0')
        redis.call('SET', KEYS[3], '0')
        return 'closed'
    end
    return 'half-open'
end
return state
`)

// Keys: [state, failures, last_failure, successes]
// Args: [failure_threshold]
var recordFailureScript = redis.NewScript(`
local state = redis.call('GET', KEYS[1]) or 'closed'
redis.call('SET', KEYS[3], redis.call('TIME')[1])

if state == 'closed' then
    local failures = redis.call('INCR', KEYS[2])
    if failures >= tonumber(ARGV[1]) then
        redis.call('SET', KEYS[1], 'open')
        return 'open'
    end
    return 'closed'
end
if state == 'half-open' then
    redis.call('SET', KEYS[1], 'open')
    redis.call('SET', KEYS[4], '0')
    return 'open'
end
return state
`)

// RedisCircuitBreaker keeps breaker state in Redis so every gateway process
// sees the same provider health. State transitions run as Lua scripts. A
// Redis error never blocks dispatch.
type RedisCircuitBreaker struct {
	client *redis.Client
	prefix string
	config Config
}

func NewRedis(client *redis.Client, prefix string, cfg Config) *RedisCircuitBreaker {
	return &RedisCircuitBreaker{client: client, prefix: prefix, config: cfg}
}

func (cb *RedisCircuitBreaker) key(name string) string {
	return cb.prefix + name
}

func (cb *RedisCircuitBreaker) Allow(ctx context.Context) error {
	keys := []string{cb.key("state"), cb.key("last_failure"), cb.key("successes")}
	timeout := max(int(cb.config.Timeout.Seconds()), 1)

	state, err := allowScript.Run(ctx, cb.client, keys, timeout).Text()
	if err != nil {
		slog.Warn("circuit breaker unavailable, allowing dispatch", "prefix", cb.prefix, "error", err)
		return nil
	}
	if state == "open" {
		return domain.ErrProviderUnavailable
	}
	return nil
}

func (cb *RedisCircuitBreaker) RecordSuccess(ctx context.Context) {
	keys := []string{cb.key("state"), cb.key("failures"), cb.key("successes")}
	if err := recordSuccessScript.Run(ctx, cb.client, keys, cb.config.SuccessThreshold).Err(); err != nil {
		slog.Warn("circuit breaker record failed", "prefix", cb.prefix, "error", err)
	}
}

func (cb *RedisCircuitBreaker) RecordFailure(ctx context.Context) {
	keys := []string{cb.key("state"), cb.key("failures"), cb.key("last_failure"), cb.key("successes")}
	if err := recordFailureScript.Run(ctx, cb.client, keys, cb.config.FailureThreshold).Err(); err != nil {
		slog.Warn("circuit breaker record failed", "prefix", cb.prefix, "error", err)
	}
}

func (cb *RedisCircuitBreaker) State(ctx context.Context) State {
	result, err := cb.client.Get(ctx, cb.key("state")).Result()
	if err != nil {
		return StateClosed
	}
	return parseState(result)
}

// Reset closes the breaker.
func (cb *RedisCircuitBreaker) Reset(ctx context.Context) error {
	pipe := cb.client.Pipeline()
	pipe.Set(ctx, cb.key("state"), "closed", 0)
	pipe.Set(ctx, cb.key("failures"), "0", 0)
	pipe.Set(ctx, cb.key("successes"), "0", 0)
	pipe.Del(ctx, cb.key("last_failure"))
	_, err := pipe.Exec(ctx)
	return err
}
