package redisq

import "github.com/redis/go-redis/v9"

// Every multi-key mutation is one server-evaluated script, so concurrent
// workers observe each transition atomically. Keys are derived inside the
// scripts from the prefix in ARGV[1]; the backend targets a single
// instance, not a cluster.
//
// Conventions shared with codec.go: timestamps are unix milliseconds,
// empty string stands for null, and the ready-queue score is
// priority*10^15 + (10^15 - createdAtMs) so a rev-range pop yields
// (priority DESC, createdAt ASC).

// luaHelpers is prepended to scripts that append events, move status-set
// membership or release group in-flight slots.
const luaHelpers = `
local function record_event(p, jobid, etype, now, metadata)
	local eid = redis.call('INCR', p..'event_id_seq')
	local rec = {id=eid, job_id=tonumber(jobid), event_type=etype, created_at=now}
	if metadata and metadata ~= '' then rec.metadata = cjson.decode(metadata) end
	redis.call('RPUSH', p..'events:'..jobid, cjson.encode(rec))
end

local function move_status(p, id, from, to)
	redis.call('SREM', p..'status:'..from, id)
	redis.call('SADD', p..'status:'..to, id)
end

local function group_release(p, jk)
	local gid = redis.call('HGET', jk, 'group_id')
	if gid and gid ~= '' then
		local n = tonumber(redis.call('HGET', p..'group_inflight', gid) or '0') or 0
		if n > 1 then
			redis.call('HSET', p..'group_inflight', gid, n-1)
		else
			redis.call('HDEL', p..'group_inflight', gid)
		end
	end
end

local function ready_score(jk)
	local prio = tonumber(redis.call('HGET', jk, 'priority') or '0') or 0
	local created = tonumber(redis.call('HGET', jk, 'created_at') or '0') or 0
	return prio * 1e15 + (1e15 - created)
end
`

// addJobScript inserts one job, deduplicating on the idempotency key.
// ARGV: prefix, nowMs, idempotencyKey, jobType, runAtMs, fieldsJSON, tagsJSON.
// Returns {id, inserted(0/1)}.
var addJobScript = redis.NewScript(luaHelpers + `
local p = ARGV[1]
local now = tonumber(ARGV[2])
local idem = ARGV[3]

if idem ~= '' then
	local existing = redis.call('GET', p..'idempotency:'..idem)
	if existing then return {tonumber(existing), 0} end
end

local id = redis.call('INCR', p..'id_seq')
local jk = p..'job:'..id
for k, v in pairs(cjson.decode(ARGV[6])) do
	redis.call('HSET', jk, k, v)
end
redis.call('HSET', jk, 'id', id)
if idem ~= '' then
	redis.call('SET', p..'idempotency:'..idem, id)
end

redis.call('ZADD', p..'all', now, id)
local runat = tonumber(ARGV[5])
if runat > now then
	redis.call('ZADD', p..'delayed', runat, id)
else
	redis.call('ZADD', p..'queue', ready_score(jk), id)
end
redis.call('SADD', p..'status:pending', id)
redis.call('SADD', p..'type:'..ARGV[4], id)
for _, t in ipairs(cjson.decode(ARGV[7])) do
	redis.call('SADD', p..'tag:'..t, id)
	redis.call('SADD', jk..':tags', t)
end

record_event(p, id, 'added', now, '')
return {id, 1}
`)

// claimScript is the claim protocol: promote ready delayed work, due
// retries and expired wall-clock waits, then claim up to batch jobs.
// A pending job with no attempts remaining (a reclaimed lease can produce
// one) is pulled out of the ready queue and reported instead of claimed;
// the caller fails it terminally.
// ARGV: prefix, nowMs, workerID, batchSize, groupConcurrency, jobTypesJSON.
// Returns {claimed ids, exhausted ids}.
var claimScript = redis.NewScript(luaHelpers + `
local p = ARGV[1]
local now = tonumber(ARGV[2])
local worker = ARGV[3]
local batch = tonumber(ARGV[4])
local groupCap = tonumber(ARGV[5])

local typeset = nil
local types = cjson.decode(ARGV[6])
if #types > 0 then
	typeset = {}
	for _, t in ipairs(types) do typeset[t] = true end
end

-- Promote delayed jobs whose run_at arrived.
for _, id in ipairs(redis.call('ZRANGEBYSCORE', p..'delayed', '-inf', now)) do
	local jk = p..'job:'..id
	local st = redis.call('HGET', jk, 'status')
	local attempts = tonumber(redis.call('HGET', jk, 'attempts') or '0') or 0
	local maxa = tonumber(redis.call('HGET', jk, 'max_attempts') or '0') or 0
	if st == 'pending' and attempts < maxa then
		redis.call('ZADD', p..'queue', ready_score(jk), id)
	end
	redis.call('ZREM', p..'delayed', id)
end

-- Promote failed jobs whose retry deadline arrived.
for _, id in ipairs(redis.call('ZRANGEBYSCORE', p..'retry', '-inf', now)) do
	local jk = p..'job:'..id
	local st = redis.call('HGET', jk, 'status')
	local attempts = tonumber(redis.call('HGET', jk, 'attempts') or '0') or 0
	local maxa = tonumber(redis.call('HGET', jk, 'max_attempts') or '0') or 0
	if st == 'failed' and attempts < maxa then
		redis.call('HSET', jk, 'status', 'pending', 'next_attempt_at', '', 'updated_at', now)
		move_status(p, id, 'failed', 'pending')
		redis.call('ZADD', p..'queue', ready_score(jk), id)
	end
	redis.call('ZREM', p..'retry', id)
end

-- Promote wall-clock waiters. Token-bound waits are never promoted here.
for _, id in ipairs(redis.call('ZRANGEBYSCORE', p..'waiting', '-inf', now)) do
	local jk = p..'job:'..id
	local token = redis.call('HGET', jk, 'wait_token_id')
	if redis.call('HGET', jk, 'status') == 'waiting' and (not token or token == '') then
		redis.call('HSET', jk, 'status', 'pending', 'wait_until', '', 'updated_at', now)
		move_status(p, id, 'waiting', 'pending')
		redis.call('ZADD', p..'queue', ready_score(jk), id)
	end
	redis.call('ZREM', p..'waiting', id)
end

-- Claim in (priority DESC, createdAt ASC, id ASC) order. The zset score
-- encodes the first two; exact ties fall through to the numeric id.
local members = redis.call('ZRANGE', p..'queue', 0, -1, 'WITHSCORES')
local order = {}
for i = 1, #members, 2 do
	table.insert(order, {id = members[i], score = tonumber(members[i+1])})
end
table.sort(order, function(a, b)
	if a.score ~= b.score then return a.score > b.score end
	return tonumber(a.id) < tonumber(b.id)
end)

local claimed = {}
local exhausted = {}
for _, m in ipairs(order) do
	local id = m.id
	if #claimed >= batch then break end
	local jk = p..'job:'..id
	local ok = true

	if typeset then
		local jt = redis.call('HGET', jk, 'job_type')
		if not typeset[jt] then ok = false end
	end

	if ok then
		local runat = tonumber(redis.call('HGET', jk, 'run_at') or '0') or 0
		if runat > now then
			redis.call('ZREM', p..'queue', id)
			redis.call('ZADD', p..'delayed', runat, id)
			ok = false
		end
	end

	if ok then
		local attempts = tonumber(redis.call('HGET', jk, 'attempts') or '0') or 0
		local maxa = tonumber(redis.call('HGET', jk, 'max_attempts') or '0') or 0
		if attempts >= maxa then
			redis.call('ZREM', p..'queue', id)
			table.insert(exhausted, id)
			ok = false
		end
	end

	local gid = redis.call('HGET', jk, 'group_id')
	if not gid then gid = '' end
	if ok and groupCap > 0 and gid ~= '' then
		local inflight = tonumber(redis.call('HGET', p..'group_inflight', gid) or '0') or 0
		if inflight >= groupCap then ok = false end
	end

	if ok then
		redis.call('ZREM', p..'queue', id)
		local attempts = (tonumber(redis.call('HGET', jk, 'attempts') or '0') or 0) + 1
		redis.call('HSET', jk, 'status', 'processing', 'locked_at', now,
			'locked_by', worker, 'attempts', attempts, 'updated_at', now)
		if attempts == 1 then
			redis.call('HSET', jk, 'started_at', now)
		else
			redis.call('HSET', jk, 'last_retried_at', now)
		end
		move_status(p, id, 'pending', 'processing')
		if gid ~= '' then
			redis.call('HINCRBY', p..'group_inflight', gid, 1)
		end
		record_event(p, id, 'processing', now, '')
		table.insert(claimed, id)
	end
end
return {claimed, exhausted}
`)

// completeJobScript finishes a processing job.
// ARGV: prefix, id, nowMs, output ('' preserves any stored output).
var completeJobScript = redis.NewScript(luaHelpers + `
local p = ARGV[1]
local id = ARGV[2]
local now = tonumber(ARGV[3])
local jk = p..'job:'..id

if redis.call('HGET', jk, 'status') ~= 'processing' then return 0 end

group_release(p, jk)
redis.call('HSET', jk, 'status', 'completed', 'completed_at', now, 'updated_at', now,
	'step_data', '', 'wait_until', '', 'wait_token_id', '', 'locked_at', '', 'locked_by', '')
if ARGV[4] ~= '' then
	redis.call('HSET', jk, 'output', ARGV[4])
end
move_status(p, id, 'processing', 'completed')
record_event(p, id, 'completed', now, '')
return 1
`)

// failJobScript records a failure and either schedules a retry or fails
// terminally. The error-history entry and the retry deadline are computed by
// the caller, which holds the lease.
// ARGV: prefix, id, nowMs, errEntryJSON, reason, nextAttemptAtMs ('' = terminal).
var failJobScript = redis.NewScript(luaHelpers + `
local p = ARGV[1]
local id = ARGV[2]
local now = tonumber(ARGV[3])
local jk = p..'job:'..id

local st = redis.call('HGET', jk, 'status')
if not st then return 0 end
if st == 'processing' then group_release(p, jk) end

local hist = {}
local eh = redis.call('HGET', jk, 'error_history')
if eh and eh ~= '' then hist = cjson.decode(eh) end
table.insert(hist, cjson.decode(ARGV[4]))

redis.call('HSET', jk, 'error_history', cjson.encode(hist), 'last_failed_at', now,
	'failure_reason', ARGV[5], 'updated_at', now, 'locked_at', '', 'locked_by', '',
	'status', 'failed')
move_status(p, id, st, 'failed')

if ARGV[6] ~= '' then
	redis.call('HSET', jk, 'next_attempt_at', ARGV[6])
	redis.call('ZADD', p..'retry', tonumber(ARGV[6]), id)
else
	redis.call('HSET', jk, 'next_attempt_at', '')
end
record_event(p, id, 'failed', now, cjson.encode({reason=ARGV[5]}))
return 1
`)

// setDeadLetterScript links a terminally failed job to its dead-letter
// successor. ARGV: prefix, id, nowMs, deadLetterJobID.
var setDeadLetterScript = redis.NewScript(`
local jk = ARGV[1]..'job:'..ARGV[2]
if redis.call('EXISTS', jk) == 0 then return 0 end
redis.call('HSET', jk, 'dead_letter_job_id', ARGV[4], 'dead_lettered_at', tonumber(ARGV[3]))
return 1
`)

// retryJobScript forces a failed or processing job back to pending.
// ARGV: prefix, id, nowMs.
var retryJobScript = redis.NewScript(luaHelpers + `
local p = ARGV[1]
local id = ARGV[2]
local now = tonumber(ARGV[3])
local jk = p..'job:'..id

local st = redis.call('HGET', jk, 'status')
if st ~= 'failed' and st ~= 'processing' then return 0 end
if st == 'processing' then group_release(p, jk) end

redis.call('HSET', jk, 'status', 'pending', 'next_attempt_at', '',
	'last_retried_at', now, 'updated_at', now, 'locked_at', '', 'locked_by', '')
move_status(p, id, st, 'pending')
redis.call('ZREM', p..'retry', id)
redis.call('ZADD', p..'queue', ready_score(jk), id)
record_event(p, id, 'retried', now, '')
return 1
`)

// cancelJobScript cancels a pending or waiting job. ARGV: prefix, id, nowMs.
var cancelJobScript = redis.NewScript(luaHelpers + `
local p = ARGV[1]
local id = ARGV[2]
local now = tonumber(ARGV[3])
local jk = p..'job:'..id

local st = redis.call('HGET', jk, 'status')
if st ~= 'pending' and st ~= 'waiting' then return 0 end

redis.call('ZREM', p..'queue', id)
redis.call('ZREM', p..'delayed', id)
redis.call('ZREM', p..'retry', id)
redis.call('ZREM', p..'waiting', id)
redis.call('HSET', jk, 'status', 'cancelled', 'wait_until', '', 'wait_token_id', '',
	'locked_at', '', 'locked_by', '', 'last_cancelled_at', now, 'updated_at', now)
move_status(p, id, st, 'cancelled')
record_event(p, id, 'cancelled', now, '')
return 1
`)

// editJobScript applies field updates to a pending job and reindexes its
// queue position. ARGV: prefix, id, nowMs, fieldsJSON, tagsJSON ('' = tags
// unchanged), diffJSON.
var editJobScript = redis.NewScript(luaHelpers + `
local p = ARGV[1]
local id = ARGV[2]
local now = tonumber(ARGV[3])
local jk = p..'job:'..id

if redis.call('HGET', jk, 'status') ~= 'pending' then return 0 end

for k, v in pairs(cjson.decode(ARGV[4])) do
	redis.call('HSET', jk, k, v)
end
redis.call('HSET', jk, 'updated_at', now)

if ARGV[5] ~= '' then
	for _, t in ipairs(redis.call('SMEMBERS', jk..':tags')) do
		redis.call('SREM', p..'tag:'..t, id)
	end
	redis.call('DEL', jk..':tags')
	for _, t in ipairs(cjson.decode(ARGV[5])) do
		redis.call('SADD', p..'tag:'..t, id)
		redis.call('SADD', jk..':tags', t)
	end
end

-- Reindex: priority affects the ready score, run_at may defer the job.
local runat = tonumber(redis.call('HGET', jk, 'run_at') or '0') or 0
if redis.call('ZSCORE', p..'queue', id) then
	if runat > now then
		redis.call('ZREM', p..'queue', id)
		redis.call('ZADD', p..'delayed', runat, id)
	else
		redis.call('ZADD', p..'queue', ready_score(jk), id)
	end
elseif redis.call('ZSCORE', p..'delayed', id) then
	redis.call('ZADD', p..'delayed', runat, id)
end

record_event(p, id, 'edited', now, ARGV[6])
return 1
`)

// waitJobScript parks a processing job on a wall-clock instant or a token.
// ARGV: prefix, id, nowMs, waitUntilMs (''), tokenID (''), stepDataJSON.
var waitJobScript = redis.NewScript(luaHelpers + `
local p = ARGV[1]
local id = ARGV[2]
local now = tonumber(ARGV[3])
local jk = p..'job:'..id

if redis.call('HGET', jk, 'status') ~= 'processing' then return 0 end

group_release(p, jk)
redis.call('HSET', jk, 'status', 'waiting', 'step_data', ARGV[6],
	'wait_until', ARGV[4], 'wait_token_id', ARGV[5],
	'locked_at', '', 'locked_by', '', 'updated_at', now)
move_status(p, id, 'processing', 'waiting')
if ARGV[4] ~= '' then
	redis.call('ZADD', p..'waiting', tonumber(ARGV[4]), id)
end
if ARGV[5] ~= '' then
	local wk = p..'waitpoint:'..ARGV[5]
	local bound = redis.call('HGET', wk, 'job_id')
	if not bound or bound == '' then
		redis.call('HSET', wk, 'job_id', id)
	end
end
record_event(p, id, 'waiting', now, '')
return 1
`)

// prolongJobScript refreshes the lease of a processing job.
// ARGV: prefix, id, nowMs.
var prolongJobScript = redis.NewScript(`
local jk = ARGV[1]..'job:'..ARGV[2]
if redis.call('HGET', jk, 'status') ~= 'processing' then return 0 end
redis.call('HSET', jk, 'locked_at', tonumber(ARGV[3]), 'updated_at', tonumber(ARGV[3]))
return 1
`)

// updateFieldScript writes one in-flight field while the job is processing.
// ARGV: prefix, id, nowMs, field, value.
var updateFieldScript = redis.NewScript(`
local jk = ARGV[1]..'job:'..ARGV[2]
if redis.call('HGET', jk, 'status') ~= 'processing' then return 0 end
redis.call('HSET', jk, ARGV[4], ARGV[5], 'updated_at', tonumber(ARGV[3]))
return 1
`)

// reclaimStuckScript re-queues processing jobs whose lease expired.
// ARGV: prefix, nowMs, thresholdMs. Returns the count.
var reclaimStuckScript = redis.NewScript(luaHelpers + `
local p = ARGV[1]
local now = tonumber(ARGV[2])
local threshold = tonumber(ARGV[3])
local n = 0
for _, id in ipairs(redis.call('SMEMBERS', p..'status:processing')) do
	local jk = p..'job:'..id
	local locked = tonumber(redis.call('HGET', jk, 'locked_at') or '')
	local timeout = tonumber(redis.call('HGET', jk, 'timeout_ms') or '0') or 0
	local lease = threshold
	if timeout > lease then lease = timeout end
	if locked and now - locked > lease then
		group_release(p, jk)
		redis.call('HSET', jk, 'status', 'pending', 'locked_at', '', 'locked_by', '', 'updated_at', now)
		move_status(p, id, 'processing', 'pending')
		redis.call('ZADD', p..'queue', ready_score(jk), id)
		n = n + 1
	end
end
return n
`)

// cleanupJobsScript deletes completed jobs untouched since the cutoff,
// together with their indexes and events.
// ARGV: prefix, cutoffMs, batchSize. Returns the count.
var cleanupJobsScript = redis.NewScript(`
local p = ARGV[1]
local cutoff = tonumber(ARGV[2])
local batch = tonumber(ARGV[3])
local n = 0
for _, id in ipairs(redis.call('SMEMBERS', p..'status:completed')) do
	if n >= batch then break end
	local jk = p..'job:'..id
	local upd = tonumber(redis.call('HGET', jk, 'updated_at') or '')
	if upd and upd < cutoff then
		local jt = redis.call('HGET', jk, 'job_type')
		if jt then redis.call('SREM', p..'type:'..jt, id) end
		local idem = redis.call('HGET', jk, 'idempotency_key')
		if idem and idem ~= '' then redis.call('DEL', p..'idempotency:'..idem) end
		for _, t in ipairs(redis.call('SMEMBERS', jk..':tags')) do
			redis.call('SREM', p..'tag:'..t, id)
		end
		redis.call('DEL', jk, jk..':tags', p..'events:'..id)
		redis.call('ZREM', p..'all', id)
		redis.call('SREM', p..'status:completed', id)
		n = n + 1
	end
end
return n
`)

// cleanupEventsScript purges event entries older than the cutoff, dropping
// whole orphan lists whose job no longer exists.
// ARGV: prefix, cutoffMs, batchSize. Returns removed entries.
var cleanupEventsScript = redis.NewScript(`
local p = ARGV[1]
local cutoff = tonumber(ARGV[2])
local batch = tonumber(ARGV[3])
local removed = 0
for _, key in ipairs(redis.call('KEYS', p..'events:*')) do
	if removed >= batch then break end
	local kept = {}
	local drop = 0
	for _, raw in ipairs(redis.call('LRANGE', key, 0, -1)) do
		local rec = cjson.decode(raw)
		if rec.created_at < cutoff and (removed + drop) < batch then
			drop = drop + 1
		else
			table.insert(kept, raw)
		end
	end
	if drop > 0 then
		redis.call('DEL', key)
		for _, raw in ipairs(kept) do
			redis.call('RPUSH', key, raw)
		end
		removed = removed + drop
	end
end
return removed
`)

// createTokenScript stores a waitpoint and indexes its timeout.
// ARGV: prefix, tokenID, fieldsJSON, timeoutAtMs (''), jobID ('').
var createTokenScript = redis.NewScript(`
local p = ARGV[1]
local wk = p..'waitpoint:'..ARGV[2]
for k, v in pairs(cjson.decode(ARGV[3])) do
	redis.call('HSET', wk, k, v)
end
if ARGV[4] ~= '' then
	redis.call('ZADD', p..'waitpoint_timeout', tonumber(ARGV[4]), ARGV[2])
end
return 1
`)

// completeTokenScript resolves a token and resumes its bound waiting job.
// ARGV: prefix, tokenID, nowMs, output.
// Returns -1 when the token does not exist, 0 when it was already resolved.
var completeTokenScript = redis.NewScript(luaHelpers + `
local p = ARGV[1]
local token = ARGV[2]
local now = tonumber(ARGV[3])
local wk = p..'waitpoint:'..token

local st = redis.call('HGET', wk, 'status')
if not st then return -1 end
if st ~= 'waiting' then return 0 end

redis.call('HSET', wk, 'status', 'completed', 'output', ARGV[4], 'completed_at', now)
redis.call('ZREM', p..'waitpoint_timeout', token)

local jid = redis.call('HGET', wk, 'job_id')
if jid and jid ~= '' then
	local jk = p..'job:'..jid
	if redis.call('HGET', jk, 'status') == 'waiting' and redis.call('HGET', jk, 'wait_token_id') == token then
		redis.call('HSET', jk, 'status', 'pending', 'wait_token_id', '', 'wait_until', '', 'updated_at', now)
		move_status(p, jid, 'waiting', 'pending')
		redis.call('ZREM', p..'waiting', jid)
		redis.call('ZADD', p..'queue', ready_score(jk), jid)
	end
end
return 1
`)

// expireTokensScript times out due waiting tokens and resumes their bound
// jobs. ARGV: prefix, nowMs. Returns the count.
var expireTokensScript = redis.NewScript(luaHelpers + `
local p = ARGV[1]
local now = tonumber(ARGV[2])
local n = 0
for _, token in ipairs(redis.call('ZRANGEBYSCORE', p..'waitpoint_timeout', '-inf', now)) do
	local wk = p..'waitpoint:'..token
	if redis.call('HGET', wk, 'status') == 'waiting' then
		redis.call('HSET', wk, 'status', 'timed_out', 'completed_at', now)
		local jid = redis.call('HGET', wk, 'job_id')
		if jid and jid ~= '' then
			local jk = p..'job:'..jid
			if redis.call('HGET', jk, 'status') == 'waiting' and redis.call('HGET', jk, 'wait_token_id') == token then
				redis.call('HSET', jk, 'status', 'pending', 'wait_token_id', '', 'wait_until', '', 'updated_at', now)
				move_status(p, jid, 'waiting', 'pending')
				redis.call('ZREM', p..'waiting', jid)
				redis.call('ZADD', p..'queue', ready_score(jk), jid)
			end
		end
		n = n + 1
	end
	redis.call('ZREM', p..'waitpoint_timeout', token)
end
return n
`)

// recordEventScript appends one event. ARGV: prefix, jobID, type, nowMs,
// metadataJSON ('').
var recordEventScript = redis.NewScript(luaHelpers + `
record_event(ARGV[1], ARGV[2], ARGV[3], tonumber(ARGV[4]), ARGV[5])
return 1
`)

// addCronScript inserts a schedule, enforcing name uniqueness.
// ARGV: prefix, name, fieldsJSON, nextRunAtMs. Returns the new id or -1 on
// a duplicate name.
var addCronScript = redis.NewScript(`
local p = ARGV[1]
if redis.call('EXISTS', p..'cron_name:'..ARGV[2]) == 1 then return -1 end
local id = redis.call('INCR', p..'cron_id_seq')
local ck = p..'cron:'..id
for k, v in pairs(cjson.decode(ARGV[3])) do
	redis.call('HSET', ck, k, v)
end
redis.call('HSET', ck, 'id', id)
redis.call('SET', p..'cron_name:'..ARGV[2], id)
redis.call('SADD', p..'crons', id)
redis.call('SADD', p..'cron_status:active', id)
redis.call('ZADD', p..'cron_due', tonumber(ARGV[4]), id)
return id
`)

// cronAfterEnqueueScript records a schedule fire.
// ARGV: prefix, id, enqueuedAtMs, jobID, nextRunAtMs.
var cronAfterEnqueueScript = redis.NewScript(`
local p = ARGV[1]
local ck = p..'cron:'..ARGV[2]
if redis.call('EXISTS', ck) == 0 then return 0 end
redis.call('HSET', ck, 'last_enqueued_at', tonumber(ARGV[3]), 'last_job_id', ARGV[4],
	'next_run_at', tonumber(ARGV[5]), 'updated_at', tonumber(ARGV[3]))
redis.call('ZADD', p..'cron_due', tonumber(ARGV[5]), ARGV[2])
return 1
`)

// setCronStatusScript pauses or resumes a schedule.
// ARGV: prefix, id, nowMs, newStatus.
var setCronStatusScript = redis.NewScript(`
local p = ARGV[1]
local id = ARGV[2]
local ck = p..'cron:'..id
local st = redis.call('HGET', ck, 'status')
if not st then return 0 end
redis.call('HSET', ck, 'status', ARGV[4], 'updated_at', tonumber(ARGV[3]))
redis.call('SREM', p..'cron_status:'..st, id)
redis.call('SADD', p..'cron_status:'..ARGV[4], id)
if ARGV[4] == 'active' then
	redis.call('ZADD', p..'cron_due', tonumber(redis.call('HGET', ck, 'next_run_at') or '0'), id)
else
	redis.call('ZREM', p..'cron_due', id)
end
return 1
`)

// editCronScript applies updates; the caller recomputes next_run_at when
// the expression or timezone changed.
// ARGV: prefix, id, nowMs, fieldsJSON, nextRunAtMs ('' = unchanged).
var editCronScript = redis.NewScript(`
local p = ARGV[1]
local id = ARGV[2]
local ck = p..'cron:'..id
if redis.call('EXISTS', ck) == 0 then return 0 end
for k, v in pairs(cjson.decode(ARGV[4])) do
	redis.call('HSET', ck, k, v)
end
redis.call('HSET', ck, 'updated_at', tonumber(ARGV[3]))
if ARGV[5] ~= '' then
	redis.call('HSET', ck, 'next_run_at', tonumber(ARGV[5]))
	if redis.call('HGET', ck, 'status') == 'active' then
		redis.call('ZADD', p..'cron_due', tonumber(ARGV[5]), id)
	end
end
return 1
`)

// removeCronScript deletes a schedule and its indexes. ARGV: prefix, id.
var removeCronScript = redis.NewScript(`
local p = ARGV[1]
local id = ARGV[2]
local ck = p..'cron:'..id
local name = redis.call('HGET', ck, 'schedule_name')
if not name then return 0 end
local st = redis.call('HGET', ck, 'status')
redis.call('DEL', ck, p..'cron_name:'..name)
redis.call('SREM', p..'crons', id)
if st then redis.call('SREM', p..'cron_status:'..st, id) end
redis.call('ZREM', p..'cron_due', id)
return 1
`)
