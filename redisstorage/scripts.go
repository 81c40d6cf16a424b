package redisstorage

import "github.com/redis/go-redis/v9"

// dequeueScript atomically pops the oldest entry of a queue and leases it in
// the fetched ZSET with the lease deadline as score.
var dequeueScript = redis.NewScript(
	// language=Lua
	`
	local v = redis.call('RPOP', KEYS[1])
	if not v then return false end
	redis.call('ZADD', KEYS[2], ARGV[1], v)
	return v
	`,
)

// requeueScript returns a leased entry to the fetch end of its queue. It is
// a no-op when the lease is gone.
var requeueScript = redis.NewScript(`
local rem = redis.call('ZREM', KEYS[1], ARGV[1])
if rem == 1 then
  redis.call('RPUSH', KEYS[2], ARGV[1])
  return 1
end
return 0
`)

// reclaimOneScript atomically returns one expired lease to its queue.
var reclaimOneScript = redis.NewScript(`
local fkey = KEYS[1]
local qkey = KEYS[2]
local now  = ARGV[1]
local items = redis.call('ZRANGEBYSCORE', fkey, '-inf', now, 'LIMIT', 0, 1)
if #items == 0 then return false end
local m = items[1]
local rem = redis.call('ZREM', fkey, m)
if rem == 1 then
  redis.call('RPUSH', qkey, m)
  return m
end
return false
`)

// releaseLockScript deletes a lock only if it still holds the caller's token.
var releaseLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
