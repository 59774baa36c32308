package queue

import "github.com/redis/go-redis/v9"

// Scripts build job and lock keys from the prefix in ARGV[1], so the queue
// must live on a single Redis node (no cluster slot routing).

// claimScript moves the oldest waiting job (high tier first) to active and
// locks it in one step, so the stalled checker never sees an unlocked active job.
//
// KEYS: wait:high, wait:normal, active
// ARGV: prefix, worker id, lock ttl ms, now ms
var claimScript = redis.NewScript(`
local id = redis.call('RPOPLPUSH', KEYS[1], KEYS[3])
if not id then
  id = redis.call('RPOPLPUSH', KEYS[2], KEYS[3])
end
if not id then
  return false
end
local jobKey = ARGV[1] .. 'job:' .. id
redis.call('SET', ARGV[1] .. 'lock:' .. id, ARGV[2], 'PX', ARGV[3])
redis.call('HINCRBY', jobKey, 'attempt', 1)
redis.call('HSET', jobKey, 'state', 'active', 'worker_id', ARGV[2], 'processed_at', ARGV[4])
return id
`)

// releaseScript takes a job out of active if the caller still owns it.
// Returns 1 on success, -1 if another worker holds the lock, -2 if the job
// is no longer active.
//
// KEYS: active, lock
// ARGV: worker id, job id
var releaseScript = redis.NewScript(`
local owner = redis.call('GET', KEYS[2])
if owner and owner ~= ARGV[1] then
  return -1
end
if redis.call('LREM', KEYS[1], 0, ARGV[2]) == 0 then
  return -2
end
redis.call('DEL', KEYS[2])
return 1
`)

// extendScript renews a lock held by the caller. A lock that already
// expired is re-acquired as long as nobody else took it.
//
// KEYS: lock
// ARGV: worker id, ttl ms
var extendScript = redis.NewScript(`
local owner = redis.call('GET', KEYS[1])
if owner and owner ~= ARGV[1] then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1
`)

// trimScript keeps the newest ARGV[2] entries of a finished list and deletes
// the hashes of everything older.
//
// KEYS: list
// ARGV: prefix, keep
var trimScript = redis.NewScript(`
local keep = tonumber(ARGV[2])
local old = redis.call('LRANGE', KEYS[1], keep, -1)
for _, id in ipairs(old) do
  redis.call('DEL', ARGV[1] .. 'job:' .. id)
end
redis.call('LTRIM', KEYS[1], 0, keep - 1)
return #old
`)

// promoteScript moves delayed jobs whose time has come back to their wait list.
//
// KEYS: delayed
// ARGV: prefix, now ms, limit
var promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[2], 'LIMIT', 0, tonumber(ARGV[3]))
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  local jobKey = ARGV[1] .. 'job:' .. id
  local prio = redis.call('HGET', jobKey, 'priority')
  if prio ~= 'high' then
    prio = 'normal'
  end
  redis.call('LPUSH', ARGV[1] .. 'wait:' .. prio, id)
  redis.call('HSET', jobKey, 'state', 'waiting')
end
return #ids
`)

// stalledScript removes active jobs whose lock expired and returns their ids.
//
// KEYS: active
// ARGV: prefix
var stalledScript = redis.NewScript(`
local stalled = {}
local ids = redis.call('LRANGE', KEYS[1], 0, -1)
for _, id in ipairs(ids) do
  if redis.call('EXISTS', ARGV[1] .. 'lock:' .. id) == 0 then
    redis.call('LREM', KEYS[1], 0, id)
    table.insert(stalled, id)
  end
end
return stalled
`)
