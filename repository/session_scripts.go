package repository

import "github.com/redis/go-redis/v9"

// Scripts touching the IP index of a session read its ipHash inside the
// script, so the index key is derived rather than declared in KEYS. This is
// fine on a single node or a hash-tagged keyspace, not on an untagged cluster.

// createIfAbsentScript returns the live session the IP index points to, or
// creates a new one and points the index at it.
// KEYS: ip index, new session key.
// ARGV: now, ttl ms, new id, ipHash, uaHash, daily limit, trust, session prefix.
var createIfAbsentScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local existing = redis.call('GET', KEYS[1])
if existing then
	local skey = ARGV[8] .. existing
	local created = redis.call('HGET', skey, 'createdAt')
	if created and tonumber(created) + ttl >= now then
		redis.call('HSET', skey, 'lastActiveAt', ARGV[1])
		return {0, redis.call('HGETALL', skey)}
	end
end
redis.call('HSET', KEYS[2],
	'sessionId', ARGV[3],
	'ipHash', ARGV[4],
	'userAgentHash', ARGV[5],
	'createdAt', ARGV[1],
	'lastActiveAt', ARGV[1],
	'messageCount', '0',
	'dailyMessageLimit', ARGV[6],
	'trustLevel', ARGV[7])
redis.call('PEXPIRE', KEYS[2], ttl)
redis.call('SET', KEYS[1], ARGV[3], 'PX', ttl)
return {1, redis.call('HGETALL', KEYS[2])}
`)

// incrementScript bumps messageCount unless that would pass dailyMessageLimit.
// Returns {-1} when missing or expired, {0, hash} when rejected, {1, hash}
// when incremented.
// KEYS: session key. ARGV: now, ttl ms.
var incrementScript = redis.NewScript(`
local vals = redis.call('HMGET', KEYS[1], 'createdAt', 'messageCount', 'dailyMessageLimit')
if not vals[1] then
	return {-1}
end
local now = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local created = tonumber(vals[1])
if created + ttl < now then
	redis.call('DEL', KEYS[1])
	return {-1}
end
local count = tonumber(vals[2]) or 0
local limit = tonumber(vals[3]) or 0
if count + 1 > limit then
	return {0, redis.call('HGETALL', KEYS[1])}
end
redis.call('HINCRBY', KEYS[1], 'messageCount', 1)
redis.call('HSET', KEYS[1], 'lastActiveAt', ARGV[1])
local remaining = created + ttl - now
if remaining < 1 then
	remaining = 1
end
redis.call('PEXPIRE', KEYS[1], remaining)
return {1, redis.call('HGETALL', KEYS[1])}
`)

// touchScript refreshes lastActiveAt of a live session without recreating a
// deleted one. Returns {-1} when missing or expired, {1, hash} otherwise.
// KEYS: session key. ARGV: now, ttl ms.
var touchScript = redis.NewScript(`
local created = redis.call('HGET', KEYS[1], 'createdAt')
if not created then
	return {-1}
end
local now = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
if tonumber(created) + ttl < now then
	redis.call('DEL', KEYS[1])
	return {-1}
end
redis.call('HSET', KEYS[1], 'lastActiveAt', ARGV[1])
return {1, redis.call('HGETALL', KEYS[1])}
`)

// mergeScript folds the from session into the to session and deletes from.
// KEYS: from key, to key. ARGV: now, ttl ms, ip index prefix.
var mergeScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local function load(key)
	local flat = redis.call('HGETALL', key)
	if #flat == 0 then
		return nil
	end
	local h = {}
	for i = 1, #flat, 2 do
		h[flat[i]] = flat[i + 1]
	end
	if tonumber(h['createdAt']) + ttl < now then
		redis.call('DEL', key)
		return nil
	end
	return h
end
local from = load(KEYS[1])
local to = load(KEYS[2])
if not from or not to then
	return {-1}
end
local limit = tonumber(to['dailyMessageLimit'])
local count = math.min(limit, tonumber(from['messageCount']) + tonumber(to['messageCount']))
local created = math.min(tonumber(from['createdAt']), tonumber(to['createdAt']))
local active = math.max(tonumber(from['lastActiveAt']), tonumber(to['lastActiveAt']))
local trust = math.max(tonumber(from['trustLevel']), tonumber(to['trustLevel']))
redis.call('HSET', KEYS[2],
	'messageCount', tostring(count),
	'createdAt', tostring(created),
	'lastActiveAt', tostring(active),
	'trustLevel', tostring(trust))
redis.call('DEL', KEYS[1])
local remaining = created + ttl - now
if remaining < 1 then
	remaining = 1
end
redis.call('PEXPIRE', KEYS[2], remaining)
if from['ipHash'] and from['ipHash'] ~= '' then
	local idx = ARGV[3] .. from['ipHash']
	if redis.call('GET', idx) == from['sessionId'] then
		redis.call('SET', idx, to['sessionId'], 'PX', remaining)
	end
end
return {1, redis.call('HGETALL', KEYS[2])}
`)

// deleteScript removes a session and its IP index entry if the index still
// points at it. KEYS: session key. ARGV: ip index prefix, session id.
var deleteScript = redis.NewScript(`
local ip = redis.call('HGET', KEYS[1], 'ipHash')
local n = redis.call('DEL', KEYS[1])
if ip and ip ~= '' then
	local idx = ARGV[1] .. ip
	if redis.call('GET', idx) == ARGV[2] then
		redis.call('DEL', idx)
	end
end
return n
`)
