/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Redis-backed Store for fleets of processes that must
             share one token budget per model. The reserve and
             reconcile steps are single Lua EVAL calls so the
             read-modify-write on reserved/charged counters is
             atomic server-side instead of needing a distributed
             lock.
Root Cause:  The in-memory store only coordinates goroutines in
             one process; a horizontally scaled client fleet
             would otherwise each enforce its own budget and
             collectively blow through the backend's real quota.
Context:     Opt-in — constructed only when GEMINI_STATE_REDIS_URL
             is set. Retry windows use simple Redis strings with
             TTL; usage windows use a Lua script per key.
Suitability: L3 — well-trodden Redis atomic-counter pattern.
──────────────────────────────────────────────────────────────
*/

package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nshkrdotcom/gemini-ex-sub004/internal/retryinfo"
	"github.com/nshkrdotcom/gemini-ex-sub004/internal/statestore"
)

// reserveScript atomically rolls the window if expired, then reserves
// tokens if doing so would not exceed budget. KEYS[1] is the window hash
// key. Returns {0, windowStart, windowEnd} on success with updated
// reserved, or {1, windowEnd, currentUsage} on over-budget.
const reserveScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local windowDurationMs = tonumber(ARGV[2])
local budget = tonumber(ARGV[3])
local scaled = tonumber(ARGV[4])

local windowStart = tonumber(redis.call('HGET', key, 'window_start') or '0')
local input = tonumber(redis.call('HGET', key, 'input') or '0')
local output = tonumber(redis.call('HGET', key, 'output') or '0')
local reserved = tonumber(redis.call('HGET', key, 'reserved') or '0')

if (now - windowStart) >= windowDurationMs then
  windowStart = now
  input = 0
  output = 0
  reserved = 0
end

local current = input + output + reserved
if (current + scaled) > budget then
  return {1, windowStart + windowDurationMs, current}
end

reserved = reserved + scaled
redis.call('HSET', key, 'window_start', windowStart, 'input', input, 'output', output, 'reserved', reserved)
redis.call('PEXPIRE', key, windowDurationMs * 2)
return {0, windowStart, windowStart + windowDurationMs}
`

// reconcileScript subtracts the reservation and adds charged usage,
// rolling the window if it has since expired (in which case the
// reservation is simply dropped, per the in-memory store's semantics).
const reconcileScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local windowDurationMs = tonumber(ARGV[2])
local reservedAmt = tonumber(ARGV[3])
local inputAmt = tonumber(ARGV[4])
local outputAmt = tonumber(ARGV[5])
local resWindowStart = tonumber(ARGV[6])

local windowStart = tonumber(redis.call('HGET', key, 'window_start') or '0')
local input = tonumber(redis.call('HGET', key, 'input') or '0')
local output = tonumber(redis.call('HGET', key, 'output') or '0')
local reserved = tonumber(redis.call('HGET', key, 'reserved') or '0')

if windowStart ~= resWindowStart or (now - windowStart) >= windowDurationMs then
  if (now - windowStart) >= windowDurationMs then
    windowStart = now
    input = 0
    output = 0
    reserved = 0
  end
  input = input + inputAmt
  output = output + outputAmt
  redis.call('HSET', key, 'window_start', windowStart, 'input', input, 'output', output, 'reserved', reserved)
  redis.call('PEXPIRE', key, windowDurationMs * 2)
  return 0
end

reserved = reserved - reservedAmt
if reserved < 0 then reserved = 0 end
input = input + inputAmt
output = output + outputAmt
redis.call('HSET', key, 'window_start', windowStart, 'input', input, 'output', output, 'reserved', reserved)
redis.call('PEXPIRE', key, windowDurationMs * 2)
return 0
`

// Store is a Redis-backed statestore.Store for multi-process deployments.
type Store struct {
	rdb *redis.Client
	ctx func() (context.Context, context.CancelFunc)
}

// New wraps an existing *redis.Client. callTimeout bounds each Redis
// round trip (defaults to 2s if zero).
func New(rdb *redis.Client, callTimeout time.Duration) *Store {
	if callTimeout <= 0 {
		callTimeout = 2 * time.Second
	}
	return &Store{
		rdb: rdb,
		ctx: func() (context.Context, context.CancelFunc) {
			return context.WithTimeout(context.Background(), callTimeout)
		},
	}
}

func windowKey(k statestore.Key) string {
	return fmt.Sprintf("gemini:usage:%s", statestore.NormalizeKey(k).String())
}

func retryKey(k statestore.Key) string {
	return fmt.Sprintf("gemini:retry:%s", statestore.NormalizeKey(k).String())
}

func (s *Store) GetRetryUntil(key statestore.Key) time.Time {
	ctx, cancel := s.ctx()
	defer cancel()
	val, err := s.rdb.Get(ctx, retryKey(key)).Result()
	if err != nil || val == "" {
		return time.Time{}
	}
	ms, err := parseInt64(val)
	if err != nil {
		return time.Time{}
	}
	until := time.UnixMilli(ms)
	if time.Now().After(until) {
		return time.Time{}
	}
	return until
}

func (s *Store) SetRetry(key statestore.Key, info retryinfo.Info) {
	delay, _ := retryinfo.ParseDelay(info.RetryDelay)
	until := time.Now().Add(delay)
	ctx, cancel := s.ctx()
	defer cancel()
	s.rdb.Set(ctx, retryKey(key), until.UnixMilli(), delay+time.Second)
	// diagnostic fields recorded alongside, non-authoritative for GetRetryUntil.
	diag, _ := json.Marshal(info)
	s.rdb.Set(ctx, retryKey(key)+":diag", diag, delay+time.Second)
}

func (s *Store) ClearRetry(key statestore.Key) {
	ctx, cancel := s.ctx()
	defer cancel()
	s.rdb.Del(ctx, retryKey(key), retryKey(key)+":diag")
}

func (s *Store) TryReserve(key statestore.Key, estimatedTokens, budget int64, safetyMultiplier float64, windowDuration time.Duration) (*statestore.Reservation, error) {
	if safetyMultiplier <= 0 {
		safetyMultiplier = 1.0
	}
	scaled := int64(math.Ceil(float64(estimatedTokens) * safetyMultiplier))
	if scaled > budget {
		return nil, &statestore.OverBudgetError{Details: statestore.OverBudgetDetails{
			RequestTooLarge: true, Budget: budget, Requested: scaled,
		}}
	}

	ctx, cancel := s.ctx()
	defer cancel()
	now := time.Now().UnixMilli()
	res, err := s.rdb.Eval(ctx, reserveScript, []string{windowKey(key)},
		now, windowDuration.Milliseconds(), budget, scaled).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: reserve failed: %w", err)
	}

	arr, _ := res.([]interface{})
	if len(arr) != 3 {
		return nil, fmt.Errorf("redisstore: unexpected reserve script result %v", res)
	}
	status, _ := arr[0].(int64)
	if status == 1 {
		windowEndMs, _ := arr[1].(int64)
		current, _ := arr[2].(int64)
		return nil, &statestore.OverBudgetError{Details: statestore.OverBudgetDetails{
			RequestTooLarge: false,
			WindowEnd:       time.UnixMilli(windowEndMs),
			Budget:          budget,
			CurrentUsage:    current,
			Requested:       scaled,
		}}
	}
	windowStartMs, _ := arr[1].(int64)
	windowEndMs, _ := arr[2].(int64)
	return &statestore.Reservation{
		Key:             statestore.NormalizeKey(key),
		ReservedTokens:  scaled,
		EstimatedTokens: estimatedTokens,
		WindowStart:     time.UnixMilli(windowStartMs),
		WindowEnd:       time.UnixMilli(windowEndMs),
		Budget:          budget,
	}, nil
}

func (s *Store) Reconcile(key statestore.Key, r *statestore.Reservation, actual statestore.Usage) {
	if r == nil || !r.Terminate() {
		return
	}
	ctx, cancel := s.ctx()
	defer cancel()
	now := time.Now().UnixMilli()
	windowDuration := r.WindowEnd.Sub(r.WindowStart)
	s.rdb.Eval(ctx, reconcileScript, []string{windowKey(key)},
		now, windowDuration.Milliseconds(), r.ReservedTokens, actual.Input, actual.Output, r.WindowStart.UnixMilli())
}

func (s *Store) Release(key statestore.Key, r *statestore.Reservation) {
	s.Reconcile(key, r, statestore.Usage{})
}

func (s *Store) PeekUsage(key statestore.Key) statestore.UsageWindow {
	ctx, cancel := s.ctx()
	defer cancel()
	vals, err := s.rdb.HMGet(ctx, windowKey(key), "window_start", "input", "output", "reserved").Result()
	if err != nil || len(vals) != 4 || vals[0] == nil {
		return statestore.UsageWindow{}
	}
	startMs, _ := parseInt64(fmt.Sprint(vals[0]))
	input, _ := parseInt64(fmt.Sprint(vals[1]))
	output, _ := parseInt64(fmt.Sprint(vals[2]))
	reserved, _ := parseInt64(fmt.Sprint(vals[3]))
	return statestore.UsageWindow{
		WindowStart:    time.UnixMilli(startMs),
		InputTokens:    input,
		OutputTokens:   output,
		ReservedTokens: reserved,
	}
}

func (s *Store) ResetAll() {
	ctx, cancel := s.ctx()
	defer cancel()
	iter := s.rdb.Scan(ctx, 0, "gemini:*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if len(keys) > 0 {
		s.rdb.Del(ctx, keys...)
	}
}

func parseInt64(s string) (int64, error) {
	var v int64
	_, err := fmt.Sscanf(s, "%d", &v)
	return v, err
}

var _ statestore.Store = (*Store)(nil)
