package ratelimit

import "chat-backend/internal/redis"

// Every script reads the server clock with TIME so all processes agree on
// window boundaries and slot expiry. Times are unix milliseconds.

// hitScript counts one call in the current fixed window.
//
//	KEYS[1] bucket hash {w = window index, c = count}
//	ARGV[1] window length in ms
//
// Returns {count after this call, next window start in ms}.
var hitScript = redis.NewScript("hit", `
local t = redis.call('TIME')
local now = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)
local window = tonumber(ARGV[1])
local idx = math.floor(now / window)

local current = redis.call('HGET', KEYS[1], 'w')
if (not current) or tonumber(current) ~= idx then
  redis.call('HSET', KEYS[1], 'w', idx, 'c', 0)
end

local count = redis.call('HINCRBY', KEYS[1], 'c', 1)
local reset = (idx + 1) * window
redis.call('PEXPIRE', KEYS[1], reset - now)

return {count, reset}
`)

// acquireScript reaps expired slots and grants one if under the limit.
//
//	KEYS[1] slot set (sorted set: member token, score expiry)
//	ARGV[1] limit
//	ARGV[2] ttl in ms
//	ARGV[3] token to insert on grant
//
// Returns {granted 0|1, live slots after the call, expiry in ms}.
var acquireScript = redis.NewScript("acquire", `
local t = redis.call('TIME')
local now = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])

redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now)
local count = redis.call('ZCARD', KEYS[1])
if count >= limit then
  return {0, count, 0}
end

local expiry = now + ttl
redis.call('ZADD', KEYS[1], expiry, ARGV[3])
if redis.call('PTTL', KEYS[1]) < ttl then
  redis.call('PEXPIRE', KEYS[1], ttl)
end

return {1, count + 1, expiry}
`)

// releaseScript removes a live slot.
//
//	KEYS[1] slot set
//	ARGV[1] token
//
// Returns 1 if a live slot was removed, 0 otherwise.
var releaseScript = redis.NewScript("release", `
local t = redis.call('TIME')
local now = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)

redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now)
return redis.call('ZREM', KEYS[1], ARGV[1])
`)

// extendScript moves a live slot's expiry to now+ttl.
//
//	KEYS[1] slot set
//	ARGV[1] token
//	ARGV[2] ttl in ms
//
// Returns {extended 0|1, new expiry in ms}.
var extendScript = redis.NewScript("extend", `
local t = redis.call('TIME')
local now = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)
local ttl = tonumber(ARGV[2])

redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now)
if not redis.call('ZSCORE', KEYS[1], ARGV[1]) then
  return {0, 0}
end

local expiry = now + ttl
redis.call('ZADD', KEYS[1], expiry, ARGV[1])
if redis.call('PTTL', KEYS[1]) < ttl then
  redis.call('PEXPIRE', KEYS[1], ttl)
end

return {1, expiry}
`)
