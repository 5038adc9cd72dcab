package lockout

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const recordFailureScript = `
local state = redis.call("HMGET", KEYS[1], "count", "locked", "admin")
local count = tonumber(state[1] or "0")
if state[2] == "1" then
  return {count, 1, state[3] == "1" and 1 or 0}
end
count = redis.call("HINCRBY", KEYS[1], "count", 1)
local ttl = tonumber(ARGV[2])
if count >= tonumber(ARGV[1]) then
  redis.call("HSET", KEYS[1], "locked", "1")
  if ttl > 0 then
    redis.call("PEXPIRE", KEYS[1], ttl)
  end
  return {count, 1, 0}
end
if count == 1 and ttl > 0 then
  redis.call("PEXPIRE", KEYS[1], ttl)
end
return {count, 0, 0}
`

const recordSuccessScript = `
local state = redis.call("HMGET", KEYS[1], "count", "locked", "admin")
if state[3] == "1" then
  redis.call("HSET", KEYS[1], "count", "0")
  return {0, 1, 1}
end
if state[2] == "1" then
  return {tonumber(state[1] or "0"), 1, 0}
end
redis.call("DEL", KEYS[1])
return {0, 0, 0}
`

var (
	recordFailureLua = redis.NewScript(recordFailureScript)
	recordSuccessLua = redis.NewScript(recordSuccessScript)
)

// RedisLedger keeps ledger entries in Redis hashes. Every transition is a
// single Lua script, so concurrent requests for one identity serialize on
// the Redis server.
type RedisLedger struct {
	redis  redis.UniversalClient
	config Config
}

// NewRedisLedger creates a ledger backed by redisClient.
func NewRedisLedger(redisClient redis.UniversalClient, cfg Config) *RedisLedger {
	return &RedisLedger{redis: redisClient, config: cfg}
}

func (l *RedisLedger) key(k string) string {
	return "fal:" + k
}

// RecordFailure implements Ledger.
func (l *RedisLedger) RecordFailure(ctx context.Context, key string) (State, error) {
	res, err := recordFailureLua.Run(ctx, l.redis, []string{l.key(key)},
		l.config.threshold(), l.config.Duration.Milliseconds()).Int64Slice()
	if err != nil {
		return State{}, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	return stateFromScript(res), nil
}

// RecordSuccess implements Ledger.
func (l *RedisLedger) RecordSuccess(ctx context.Context, key string) (State, error) {
	res, err := recordSuccessLua.Run(ctx, l.redis, []string{l.key(key)}).Int64Slice()
	if err != nil {
		return State{}, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	return stateFromScript(res), nil
}

// State implements Ledger.
func (l *RedisLedger) State(ctx context.Context, key string) (State, error) {
	vals, err := l.redis.HMGet(ctx, l.key(key), "count", "locked", "admin").Result()
	if err != nil {
		return State{}, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}

	var st State
	if s, ok := vals[0].(string); ok {
		n, convErr := strconv.Atoi(s)
		if convErr != nil {
			return State{}, fmt.Errorf("%w: corrupt counter %q", ErrLedgerUnavailable, s)
		}
		st.Failures = n
	}
	st.Locked = vals[1] == "1"
	st.Administrative = vals[2] == "1"
	return st, nil
}

// Lock implements Ledger.
func (l *RedisLedger) Lock(ctx context.Context, key string) error {
	k := l.key(key)
	_, err := l.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, k, "locked", "1", "admin", "1")
		pipe.Persist(ctx, k)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	return nil
}

// Reset implements Ledger.
func (l *RedisLedger) Reset(ctx context.Context, key string) error {
	if err := l.redis.Del(ctx, l.key(key)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	return nil
}

func stateFromScript(res []int64) State {
	var st State
	if len(res) > 0 {
		st.Failures = int(res[0])
	}
	if len(res) > 1 {
		st.Locked = res[1] == 1
	}
	if len(res) > 2 {
		st.Administrative = res[2] == 1
	}
	return st
}
