package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Lua scripts implementing the ledger primitives. Each script is one atomic
// unit against Redis; the Go side never composes multi-step writes. The
// pending sentinel prefix ("PENDING:", 8 bytes) is hard-coded in the scripts
// and must match pendingPrefix in keys.go.
var (
	// initScript creates the version counters if absent.
	// KEYS: version, persisted_version, active_rooms. ARGV: docID.
	initScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
redis.call("SET", KEYS[1], 0)
redis.call("SET", KEYS[2], 0)
redis.call("SADD", KEYS[3], ARGV[1])
return 1
`)

	// ensureMinScript lifts the version counter to the persisted tip.
	// KEYS: version, persisted_version.
	ensureMinScript = redis.NewScript(`
local v = tonumber(redis.call("GET", KEYS[1]) or "0")
local p = tonumber(redis.call("GET", KEYS[2]) or "0")
if v < p then
  v = p
  redis.call("SET", KEYS[1], v)
end
return v
`)

	// reserveScript allocates the next version, creates its pending slot and
	// collects the contiguous committed run after the client's version.
	// KEYS: version, persisted_version, ops_hash, ops_index, active_rooms.
	// ARGV: clientVersion, pendingSentinel, docID.
	reserveScript = redis.NewScript(`
local client = tonumber(ARGV[1])
local p = tonumber(redis.call("GET", KEYS[2]) or "0")
if client < p then
  return {-1, p}
end
local v = redis.call("INCR", KEYS[1])
redis.call("HSET", KEYS[3], v, ARGV[2])
redis.call("ZADD", KEYS[4], v, v)
redis.call("SADD", KEYS[5], ARGV[3])
local ops = {}
local i = client + 1
while i < v do
  local op = redis.call("HGET", KEYS[3], i)
  if not op or string.sub(op, 1, 8) == "PENDING:" then
    break
  end
  ops[#ops + 1] = op
  i = i + 1
end
return {v, ops}
`)

	// commitScript CAS-commits a payload into its pending slot.
	// KEYS: persisted_version, ops_hash. ARGV: version, payload.
	// Returns 0 ok, 1 version conflict, 2 gap before, 3 pending before.
	commitScript = redis.NewScript(`
local v = tonumber(ARGV[1])
local p = tonumber(redis.call("GET", KEYS[1]) or "0")
local i = p + 1
while i < v do
  local prior = redis.call("HGET", KEYS[2], i)
  if not prior then
    return 2
  end
  if string.sub(prior, 1, 8) == "PENDING:" then
    return 3
  end
  i = i + 1
end
local slot = redis.call("HGET", KEYS[2], v)
if not slot or string.sub(slot, 1, 8) ~= "PENDING:" then
  return 1
end
redis.call("HSET", KEYS[2], v, ARGV[2])
return 0
`)

	// abandonScript releases a reserved slot and drops the version counter
	// back to the highest surviving slot, so freed version numbers are
	// re-issued and committed history stays contiguous.
	// KEYS: ops_hash, ops_index, version, persisted_version. ARGV: version.
	abandonScript = redis.NewScript(`
redis.call("HDEL", KEYS[1], ARGV[1])
redis.call("ZREM", KEYS[2], ARGV[1])
local floor = tonumber(redis.call("GET", KEYS[4]) or "0")
local top = redis.call("ZREVRANGE", KEYS[2], 0, 0)
if top[1] and tonumber(top[1]) > floor then
  floor = tonumber(top[1])
end
if floor < tonumber(redis.call("GET", KEYS[3]) or "0") then
  redis.call("SET", KEYS[3], floor)
end
return 1
`)

	// getPendingScript returns the contiguous committed run after the
	// client's version, or a resync marker.
	// KEYS: version, persisted_version, ops_hash. ARGV: clientVersion.
	getPendingScript = redis.NewScript(`
local client = tonumber(ARGV[1])
local p = tonumber(redis.call("GET", KEYS[2]) or "0")
if client < p then
  return {1, p + 1, {}}
end
local v = tonumber(redis.call("GET", KEYS[1]) or "0")
local ops = {}
local i = client + 1
while i <= v do
  local op = redis.call("HGET", KEYS[3], i)
  if not op or string.sub(op, 1, 8) == "PENDING:" then
    break
  end
  ops[#ops + 1] = op
  i = i + 1
end
return {0, p + 1, ops}
`)

	// saveCleanupScript advances the persisted tip (monotone) and prunes
	// slots at or below it.
	// KEYS: persisted_version, ops_hash, ops_index. ARGV: savedVersion.
	saveCleanupScript = redis.NewScript(`
local saved = tonumber(ARGV[1])
local p = tonumber(redis.call("GET", KEYS[1]) or "0")
if saved > p then
  redis.call("SET", KEYS[1], saved)
end
local pruned = redis.call("ZRANGEBYSCORE", KEYS[3], "-inf", saved)
for _, v in ipairs(pruned) do
  redis.call("HDEL", KEYS[2], v)
end
redis.call("ZREMRANGEBYSCORE", KEYS[3], "-inf", saved)
return #pruned
`)

	// committedRangeScript reads the contiguous committed run in the open
	// interval (after, before).
	// KEYS: ops_hash. ARGV: afterVersion, beforeVersion.
	committedRangeScript = redis.NewScript(`
local before = tonumber(ARGV[2])
local ops = {}
local i = tonumber(ARGV[1]) + 1
while i < before do
  local op = redis.call("HGET", KEYS[1], i)
  if not op or string.sub(op, 1, 8) == "PENDING:" then
    break
  end
  ops[#ops + 1] = op
  i = i + 1
end
return ops
`)

	// addSessionScript appends a session record if its id is absent.
	// KEYS: user_info, active_rooms, session_rooms.
	// ARGV: record JSON, docID, sessionID.
	addSessionScript = redis.NewScript(`
local n = redis.call("LLEN", KEYS[1])
for i = 0, n - 1 do
  local rec = cjson.decode(redis.call("LINDEX", KEYS[1], i))
  if rec.sessionId == ARGV[3] then
    return 0
  end
end
redis.call("RPUSH", KEYS[1], ARGV[1])
redis.call("SADD", KEYS[2], ARGV[2])
redis.call("HSET", KEYS[3], ARGV[3], ARGV[2])
return 1
`)

	// removeSessionScript removes a session record and drops the document
	// from the active set when neither sessions nor slots remain.
	// KEYS: user_info, active_rooms, session_rooms, ops_index.
	// ARGV: sessionID, docID.
	removeSessionScript = redis.NewScript(`
local removed = 0
local n = redis.call("LLEN", KEYS[1])
for i = n - 1, 0, -1 do
  local rec = cjson.decode(redis.call("LINDEX", KEYS[1], i))
  if rec.sessionId == ARGV[1] then
    redis.call("LSET", KEYS[1], i, "__REMOVED__")
    removed = 1
  end
end
redis.call("LREM", KEYS[1], 0, "__REMOVED__")
if removed == 1 then
  redis.call("HDEL", KEYS[3], ARGV[1])
end
if redis.call("LLEN", KEYS[1]) == 0 and redis.call("ZCARD", KEYS[4]) == 0 then
  redis.call("SREM", KEYS[2], ARGV[2])
end
return removed
`)

	// touchSessionScript refreshes timestamps on every session of a user.
	// KEYS: user_info. ARGV: userName, heartbeat, action, save, nowMillis.
	touchSessionScript = redis.NewScript(`
local now = tonumber(ARGV[5])
local n = redis.call("LLEN", KEYS[1])
for i = 0, n - 1 do
  local rec = cjson.decode(redis.call("LINDEX", KEYS[1], i))
  if rec.userName == ARGV[1] then
    if ARGV[2] == "1" then rec.lastHeartbeat = now end
    if ARGV[3] == "1" then rec.lastAction = now end
    if ARGV[4] == "1" then rec.lastSave = now end
    redis.call("LSET", KEYS[1], i, cjson.encode(rec))
  end
end
return n
`)

	// reapSessionsScript removes sessions with heartbeats older than the
	// cutoff and returns their records.
	// KEYS: user_info, session_rooms. ARGV: cutoffMillis.
	reapSessionsScript = redis.NewScript(`
local reaped = {}
local n = redis.call("LLEN", KEYS[1])
for i = n - 1, 0, -1 do
  local raw = redis.call("LINDEX", KEYS[1], i)
  local rec = cjson.decode(raw)
  if (tonumber(rec.lastHeartbeat) or 0) < tonumber(ARGV[1]) then
    redis.call("LSET", KEYS[1], i, "__REMOVED__")
    redis.call("HDEL", KEYS[2], rec.sessionId)
    reaped[#reaped + 1] = raw
  end
end
redis.call("LREM", KEYS[1], 0, "__REMOVED__")
return reaped
`)

	// reapExpiredPendingScript deletes pending slots whose commit deadline
	// passed, releases their version numbers, and returns them.
	// KEYS: ops_hash, ops_index, version, persisted_version. ARGV: nowMillis.
	reapExpiredPendingScript = redis.NewScript(`
local reaped = {}
local versions = redis.call("ZRANGE", KEYS[2], 0, -1)
for _, v in ipairs(versions) do
  local slot = redis.call("HGET", KEYS[1], v)
  if slot and string.sub(slot, 1, 8) == "PENDING:" then
    local deadline = tonumber(string.sub(slot, 9))
    if deadline and deadline < tonumber(ARGV[1]) then
      redis.call("HDEL", KEYS[1], v)
      redis.call("ZREM", KEYS[2], v)
      reaped[#reaped + 1] = tonumber(v)
    end
  end
end
if #reaped > 0 then
  local floor = tonumber(redis.call("GET", KEYS[4]) or "0")
  local top = redis.call("ZREVRANGE", KEYS[2], 0, 0)
  if top[1] and tonumber(top[1]) > floor then
    floor = tonumber(top[1])
  end
  if floor < tonumber(redis.call("GET", KEYS[3]) or "0") then
    redis.call("SET", KEYS[3], floor)
  end
end
return reaped
`)

	// purgeDocumentScript deletes every ledger key of a document with no
	// sessions and no pending slots.
	// KEYS: user_info, ops_hash, ops_index, version, persisted_version,
	// active_rooms. ARGV: docID.
	purgeDocumentScript = redis.NewScript(`
if redis.call("LLEN", KEYS[1]) > 0 then
  return 0
end
for _, slot in ipairs(redis.call("HVALS", KEYS[2])) do
  if string.sub(slot, 1, 8) == "PENDING:" then
    return 0
  end
end
redis.call("DEL", KEYS[1], KEYS[2], KEYS[3], KEYS[4], KEYS[5])
redis.call("SREM", KEYS[6], ARGV[1])
return 1
`)
)

// RedisCoordinator is the production Coordinator. All writes go through the
// scripts above; direct reads are limited to single keys that no invariant
// spans (presence listing, persisted-tip reads, active-set listing).
type RedisCoordinator struct {
	client     *redis.Client
	pendingTTL time.Duration
	logger     *zap.Logger
}

// NewRedisCoordinator creates a coordinator over an existing Redis client
// and verifies connectivity. The coordinator takes ownership of the client.
func NewRedisCoordinator(client *redis.Client, pendingTTL time.Duration, logger *zap.Logger) (*RedisCoordinator, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &RedisCoordinator{
		client:     client,
		pendingTTL: pendingTTL,
		logger:     logger,
	}, nil
}

// storeErr classifies a transport failure so callers can match it with
// errors.Is(err, ErrStoreUnavailable).
func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}

// Init creates the version counters for a document if absent.
func (c *RedisCoordinator) Init(ctx context.Context, docID string) (bool, error) {
	keys := []string{versionKey(docID), persistedVersionKey(docID), activeRoomsKey}
	created, err := initScript.Run(ctx, c.client, keys, docID).Int64()
	if err != nil {
		return false, storeErr("init", err)
	}
	return created == 1, nil
}

// EnsureMin lifts the version counter up to the persisted tip.
func (c *RedisCoordinator) EnsureMin(ctx context.Context, docID string) (int64, error) {
	keys := []string{versionKey(docID), persistedVersionKey(docID)}
	v, err := ensureMinScript.Run(ctx, c.client, keys).Int64()
	if err != nil {
		return 0, storeErr("ensure-min", err)
	}
	return v, nil
}

// Reserve allocates the next version and its pending slot.
func (c *RedisCoordinator) Reserve(ctx context.Context, docID string, clientVersion int64) (ReserveResult, error) {
	keys := []string{
		versionKey(docID), persistedVersionKey(docID),
		opsHashKey(docID), opsIndexKey(docID), activeRoomsKey,
	}
	sentinel := pendingSentinel(time.Now().Add(c.pendingTTL))
	raw, err := reserveScript.Run(ctx, c.client, keys, clientVersion, sentinel, docID).Result()
	if err != nil {
		return ReserveResult{}, storeErr("reserve", err)
	}

	fields, ok := raw.([]interface{})
	if !ok || len(fields) != 2 {
		return ReserveResult{}, fmt.Errorf("unexpected reserve script reply: %T", raw)
	}
	first, ok := fields[0].(int64)
	if !ok {
		return ReserveResult{}, fmt.Errorf("unexpected reserve script reply: %v", fields[0])
	}
	if first < 0 {
		persisted, _ := fields[1].(int64)
		return ReserveResult{Stale: true, PersistedVersion: persisted}, nil
	}

	ops, err := payloadSlice(fields[1])
	if err != nil {
		return ReserveResult{}, fmt.Errorf("reserve prior ops: %w", err)
	}
	return ReserveResult{NewVersion: first, PriorOps: ops}, nil
}

// Commit writes the payload into the pending slot at v.
func (c *RedisCoordinator) Commit(ctx context.Context, docID string, v int64, payload []byte) (CommitStatus, error) {
	keys := []string{persistedVersionKey(docID), opsHashKey(docID)}
	code, err := commitScript.Run(ctx, c.client, keys, v, payload).Int64()
	if err != nil {
		return CommitVersionConflict, storeErr("commit", err)
	}
	switch code {
	case 0:
		return CommitOK, nil
	case 1:
		return CommitVersionConflict, nil
	case 2:
		return CommitGapBefore, nil
	case 3:
		return CommitPendingBefore, nil
	}
	return CommitVersionConflict, fmt.Errorf("unexpected commit script reply: %d", code)
}

// Abandon deletes the slot at v and releases its version number.
func (c *RedisCoordinator) Abandon(ctx context.Context, docID string, v int64) error {
	keys := []string{opsHashKey(docID), opsIndexKey(docID), versionKey(docID), persistedVersionKey(docID)}
	if err := abandonScript.Run(ctx, c.client, keys, v).Err(); err != nil {
		return storeErr("abandon", err)
	}
	return nil
}

// GetPending returns committed operations after clientVersion.
func (c *RedisCoordinator) GetPending(ctx context.Context, docID string, clientVersion int64) (PendingResult, error) {
	keys := []string{versionKey(docID), persistedVersionKey(docID), opsHashKey(docID)}
	raw, err := getPendingScript.Run(ctx, c.client, keys, clientVersion).Result()
	if err != nil {
		return PendingResult{}, storeErr("get-pending", err)
	}

	fields, ok := raw.([]interface{})
	if !ok || len(fields) != 3 {
		return PendingResult{}, fmt.Errorf("unexpected get-pending script reply: %T", raw)
	}
	resync, _ := fields[0].(int64)
	windowStart, _ := fields[1].(int64)
	ops, err := payloadSlice(fields[2])
	if err != nil {
		return PendingResult{}, fmt.Errorf("get-pending ops: %w", err)
	}
	return PendingResult{Ops: ops, Resync: resync == 1, WindowStart: windowStart}, nil
}

// SaveCleanup advances the persisted tip and prunes superseded slots.
func (c *RedisCoordinator) SaveCleanup(ctx context.Context, docID string, savedVersion int64) error {
	keys := []string{persistedVersionKey(docID), opsHashKey(docID), opsIndexKey(docID)}
	pruned, err := saveCleanupScript.Run(ctx, c.client, keys, savedVersion).Int64()
	if err != nil {
		return storeErr("save-cleanup", err)
	}
	c.logger.Debug("Save cleanup completed",
		zap.String("document_id", docID),
		zap.Int64("saved_version", savedVersion),
		zap.Int64("pruned", pruned))
	return nil
}

// CommittedRange returns the contiguous committed run in (after, before).
func (c *RedisCoordinator) CommittedRange(ctx context.Context, docID string, afterVersion, beforeVersion int64) ([][]byte, error) {
	keys := []string{opsHashKey(docID)}
	raw, err := committedRangeScript.Run(ctx, c.client, keys, afterVersion, beforeVersion).Result()
	if err != nil {
		return nil, storeErr("committed-range", err)
	}
	ops, err := payloadSlice(raw)
	if err != nil {
		return nil, fmt.Errorf("committed-range ops: %w", err)
	}
	return ops, nil
}

// PersistedVersion reads the persisted tip. A direct read: the tip is a
// single monotone scalar, so no script is needed.
func (c *RedisCoordinator) PersistedVersion(ctx context.Context, docID string) (int64, error) {
	v, err := c.client.Get(ctx, persistedVersionKey(docID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, storeErr("persisted-version", err)
	}
	return v, nil
}

// AddSession appends a session record if absent and marks the document active.
func (c *RedisCoordinator) AddSession(ctx context.Context, docID string, rec SessionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal session record: %w", err)
	}
	keys := []string{userInfoKey(docID), activeRoomsKey, sessionRoomsKey}
	if err := addSessionScript.Run(ctx, c.client, keys, data, docID, rec.SessionID).Err(); err != nil {
		return storeErr("add-session", err)
	}
	return nil
}

// RemoveSession removes the session with the given id.
func (c *RedisCoordinator) RemoveSession(ctx context.Context, docID string, sessionID string) (bool, error) {
	keys := []string{userInfoKey(docID), activeRoomsKey, sessionRoomsKey, opsIndexKey(docID)}
	removed, err := removeSessionScript.Run(ctx, c.client, keys, sessionID, docID).Int64()
	if err != nil {
		return false, storeErr("remove-session", err)
	}
	return removed == 1, nil
}

// TouchSession refreshes the selected timestamps on sessions of userName.
func (c *RedisCoordinator) TouchSession(ctx context.Context, docID string, userName string, touch Touch, now time.Time) error {
	keys := []string{userInfoKey(docID)}
	err := touchSessionScript.Run(ctx, c.client, keys,
		userName, flag(touch.Heartbeat), flag(touch.Action), flag(touch.Save), now.UnixMilli()).Err()
	if err != nil {
		return storeErr("touch-session", err)
	}
	return nil
}

// ListSessions returns the sessions of a document in join order. A direct
// read: presence listings need no ordering against the op ledger.
func (c *RedisCoordinator) ListSessions(ctx context.Context, docID string) ([]SessionRecord, error) {
	raw, err := c.client.LRange(ctx, userInfoKey(docID), 0, -1).Result()
	if err != nil {
		return nil, storeErr("list-sessions", err)
	}
	sessions := make([]SessionRecord, 0, len(raw))
	for _, item := range raw {
		var rec SessionRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal session record: %w", err)
		}
		sessions = append(sessions, rec)
	}
	return sessions, nil
}

// SessionDocument resolves a session id to its document.
func (c *RedisCoordinator) SessionDocument(ctx context.Context, sessionID string) (string, bool, error) {
	docID, err := c.client.HGet(ctx, sessionRoomsKey, sessionID).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, storeErr("session-document", err)
	}
	return docID, true, nil
}

// ActiveDocuments lists documents with live sessions or ledger state.
func (c *RedisCoordinator) ActiveDocuments(ctx context.Context) ([]string, error) {
	docs, err := c.client.SMembers(ctx, activeRoomsKey).Result()
	if err != nil {
		return nil, storeErr("active-documents", err)
	}
	return docs, nil
}

// ReapSessions removes and returns sessions with stale heartbeats.
func (c *RedisCoordinator) ReapSessions(ctx context.Context, docID string, olderThan time.Time) ([]SessionRecord, error) {
	keys := []string{userInfoKey(docID), sessionRoomsKey}
	raw, err := reapSessionsScript.Run(ctx, c.client, keys, olderThan.UnixMilli()).Result()
	if err != nil {
		return nil, storeErr("reap-sessions", err)
	}
	items, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected reap-sessions script reply: %T", raw)
	}
	reaped := make([]SessionRecord, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected reap-sessions entry: %T", item)
		}
		var rec SessionRecord
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal reaped session: %w", err)
		}
		reaped = append(reaped, rec)
	}
	return reaped, nil
}

// ReapExpiredPending deletes pending slots whose commit deadline passed.
func (c *RedisCoordinator) ReapExpiredPending(ctx context.Context, docID string, now time.Time) ([]int64, error) {
	keys := []string{opsHashKey(docID), opsIndexKey(docID), versionKey(docID), persistedVersionKey(docID)}
	raw, err := reapExpiredPendingScript.Run(ctx, c.client, keys, now.UnixMilli()).Result()
	if err != nil {
		return nil, storeErr("reap-expired-pending", err)
	}
	items, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected reap-expired-pending script reply: %T", raw)
	}
	versions := make([]int64, 0, len(items))
	for _, item := range items {
		v, ok := item.(int64)
		if !ok {
			return nil, fmt.Errorf("unexpected reap-expired-pending entry: %T", item)
		}
		versions = append(versions, v)
	}
	return versions, nil
}

// PurgeDocument deletes every ledger key of an abandoned document.
func (c *RedisCoordinator) PurgeDocument(ctx context.Context, docID string) (bool, error) {
	keys := []string{
		userInfoKey(docID), opsHashKey(docID), opsIndexKey(docID),
		versionKey(docID), persistedVersionKey(docID), activeRoomsKey,
	}
	purged, err := purgeDocumentScript.Run(ctx, c.client, keys, docID).Int64()
	if err != nil {
		return false, storeErr("purge-document", err)
	}
	return purged == 1, nil
}

// Close releases the underlying Redis client.
func (c *RedisCoordinator) Close() error {
	return c.client.Close()
}

// payloadSlice converts a Lua array reply into raw payloads.
func payloadSlice(raw interface{}) ([][]byte, error) {
	items, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected script reply: %T", raw)
	}
	ops := make([][]byte, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected payload entry: %T", item)
		}
		ops = append(ops, []byte(s))
	}
	return ops, nil
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
