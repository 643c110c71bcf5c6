package redisqueue

import "github.com/redis/go-redis/v9"

// Lease values are "token|expires_ms". Dead values are
// "dead_ms|replayed_ms|attempt_count|reason"; reason is last so it may hold '|'.

// settleLua releases a lease and schedules a retry or dead-letters.
// KEYS: msg ready lease lease_idx attempts errors dead dead_frame
// args: id now terminal reason max_attempts base_ms cap_ms jitter_ms
const settleLua = `
local function settle(id, now, terminal, reason, maxAttempts, base, cap, jitter)
  redis.call('HDEL', KEYS[3], id)
  redis.call('ZREM', KEYS[4], id)
  local frame = redis.call('HGET', KEYS[1], id)
  if not frame then
    return {'done', 0, 0}
  end
  local attempts = tonumber(redis.call('HGET', KEYS[5], id) or '0')
  if terminal ~= '1' then
    attempts = attempts + 1
  end
  if terminal == '1' or attempts > maxAttempts then
    redis.call('HSET', KEYS[8], id, frame)
    redis.call('HSET', KEYS[7], id, now .. '|0|' .. attempts .. '|' .. reason)
    redis.call('HDEL', KEYS[1], id)
    redis.call('HDEL', KEYS[5], id)
    redis.call('HDEL', KEYS[6], id)
    return {'dead', attempts, 0}
  end
  local delay = base * math.pow(2, attempts)
  if delay > cap then
    delay = cap
  end
  local avail = math.floor(tonumber(now) + delay + jitter)
  redis.call('HSET', KEYS[5], id, attempts)
  redis.call('HSET', KEYS[6], id, reason)
  redis.call('ZADD', KEYS[2], avail, id)
  return {'pending', attempts, avail}
end

local function current(id)
  local cur = redis.call('HGET', KEYS[3], id)
  if not cur then
    return nil, nil
  end
  local sep = string.find(cur, '|', 1, true)
  return string.sub(cur, 1, sep - 1), tonumber(string.sub(cur, sep + 1))
end
`

// KEYS: msg ready
// ARGV: id frame available_ms
var enqueueScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return 1
`)

// KEYS: msg ready lease lease_idx attempts errors
// ARGV: now_ms expires_ms max token...
// Returns flat groups of (id, token, frame, attempts, last_error, available_ms).
var leaseScript = redis.NewScript(`
local ready = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'WITHSCORES', 'LIMIT', 0, tonumber(ARGV[3]))
local out = {}
local n = 0
for i = 1, #ready, 2 do
  local id = ready[i]
  local avail = ready[i + 1]
  redis.call('ZREM', KEYS[2], id)
  local frame = redis.call('HGET', KEYS[1], id)
  if frame then
    n = n + 1
    local token = ARGV[3 + n]
    redis.call('HSET', KEYS[3], id, token .. '|' .. ARGV[2])
    redis.call('ZADD', KEYS[4], ARGV[2], id)
    table.insert(out, id)
    table.insert(out, token)
    table.insert(out, frame)
    table.insert(out, redis.call('HGET', KEYS[5], id) or '0')
    table.insert(out, redis.call('HGET', KEYS[6], id) or '')
    table.insert(out, avail)
  end
end
return out
`)

// KEYS: msg ready lease lease_idx attempts errors dead dead_frame
// ARGV: id token now_ms
var ackScript = redis.NewScript(settleLua + `
local token, exp = current(ARGV[1])
if token ~= ARGV[2] or exp <= tonumber(ARGV[3]) then
  return 0
end
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('ZREM', KEYS[4], ARGV[1])
redis.call('HDEL', KEYS[5], ARGV[1])
redis.call('HDEL', KEYS[6], ARGV[1])
return 1
`)

// KEYS: msg ready lease lease_idx attempts errors dead dead_frame
// ARGV: id token now_ms new_expires_ms
var extendScript = redis.NewScript(settleLua + `
local token, exp = current(ARGV[1])
if token ~= ARGV[2] or exp <= tonumber(ARGV[3]) then
  return 0
end
redis.call('HSET', KEYS[3], ARGV[1], token .. '|' .. ARGV[4])
redis.call('ZADD', KEYS[4], ARGV[4], ARGV[1])
return 1
`)

// KEYS: msg ready lease lease_idx attempts errors dead dead_frame
// ARGV: id token now_ms terminal reason max_attempts base_ms cap_ms jitter_ms
var failScript = redis.NewScript(settleLua + `
local token, exp = current(ARGV[1])
if token ~= ARGV[2] or exp <= tonumber(ARGV[3]) then
  return 0
end
return settle(ARGV[1], ARGV[3], ARGV[4], ARGV[5], tonumber(ARGV[6]), tonumber(ARGV[7]), tonumber(ARGV[8]), tonumber(ARGV[9]))
`)

// KEYS: msg ready lease lease_idx attempts errors dead dead_frame
// ARGV: id now_ms reason max_attempts base_ms cap_ms jitter_ms
var expireScript = redis.NewScript(settleLua + `
local token, exp = current(ARGV[1])
if not token then
  redis.call('ZREM', KEYS[4], ARGV[1])
  return 0
end
if exp > tonumber(ARGV[2]) then
  return 0
end
return settle(ARGV[1], ARGV[2], '0', ARGV[3], tonumber(ARGV[4]), tonumber(ARGV[5]), tonumber(ARGV[6]), tonumber(ARGV[7]))
`)

const replayAlreadyReplayed = 1

// KEYS: msg ready attempts errors dead dead_frame
// ARGV: id now_ms
// Returns the dead frame, 0 when there is no dead record, or
// replayAlreadyReplayed.
var replayScript = redis.NewScript(`
local rec = redis.call('HGET', KEYS[5], ARGV[1])
if not rec then
  return 0
end
local p1 = string.find(rec, '|', 1, true)
local p2 = string.find(rec, '|', p1 + 1, true)
if string.sub(rec, p1 + 1, p2 - 1) ~= '0' then
  return 1
end
local frame = redis.call('HGET', KEYS[6], ARGV[1])
if not frame then
  return 0
end
redis.call('HSET', KEYS[5], ARGV[1], string.sub(rec, 1, p1) .. ARGV[2] .. string.sub(rec, p2))
redis.call('HSET', KEYS[1], ARGV[1], frame)
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
return frame
`)
