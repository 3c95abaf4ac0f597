package ledger

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MemoryCoordinator is an in-process Coordinator used by tests and
// single-node development. A single mutex stands in for the store's script
// atomicity; the observable semantics match RedisCoordinator exactly.
type MemoryCoordinator struct {
	// mutex protects all ledger state below.
	mutex sync.Mutex

	// docs maps document id to its ledger state.
	docs map[string]*memoryDoc

	// sessionRooms maps session id to document id.
	sessionRooms map[string]string

	// active is the active-document set.
	active map[string]struct{}

	// pendingTTL bounds how long a reserved slot may stay uncommitted.
	pendingTTL time.Duration

	closed bool
}

// memoryDoc is the per-document ledger state.
type memoryDoc struct {
	hasCounters bool
	version     int64
	persisted   int64
	slots       map[int64]string
	sessions    []SessionRecord
}

// NewMemoryCoordinator creates an in-memory coordinator. pendingTTL is the
// expected-commit-by window stamped into reserved slots.
func NewMemoryCoordinator(pendingTTL time.Duration) *MemoryCoordinator {
	return &MemoryCoordinator{
		docs:         make(map[string]*memoryDoc),
		sessionRooms: make(map[string]string),
		active:       make(map[string]struct{}),
		pendingTTL:   pendingTTL,
	}
}

func (m *MemoryCoordinator) doc(docID string) *memoryDoc {
	d, ok := m.docs[docID]
	if !ok {
		d = &memoryDoc{slots: make(map[int64]string)}
		m.docs[docID] = d
	}
	return d
}

// Init creates the version counters for a document if absent.
func (m *MemoryCoordinator) Init(ctx context.Context, docID string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	d := m.doc(docID)
	if d.hasCounters {
		return false, nil
	}
	d.hasCounters = true
	d.version = 0
	d.persisted = 0
	m.active[docID] = struct{}{}
	return true, nil
}

// EnsureMin lifts the version counter up to the persisted tip.
func (m *MemoryCoordinator) EnsureMin(ctx context.Context, docID string) (int64, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	d := m.doc(docID)
	if d.version < d.persisted {
		d.version = d.persisted
	}
	return d.version, nil
}

// Reserve allocates the next version and its pending slot.
func (m *MemoryCoordinator) Reserve(ctx context.Context, docID string, clientVersion int64) (ReserveResult, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	d := m.doc(docID)
	if clientVersion < d.persisted {
		return ReserveResult{Stale: true, PersistedVersion: d.persisted}, nil
	}

	d.hasCounters = true
	d.version++
	v := d.version
	d.slots[v] = pendingSentinel(time.Now().Add(m.pendingTTL))
	m.active[docID] = struct{}{}

	return ReserveResult{
		NewVersion: v,
		PriorOps:   d.committedRange(clientVersion, v),
	}, nil
}

// committedRange collects the contiguous committed run in (after, before).
func (d *memoryDoc) committedRange(after, before int64) [][]byte {
	var ops [][]byte
	for i := after + 1; i < before; i++ {
		payload, ok := d.slots[i]
		if !ok || isPendingPayload(payload) {
			break
		}
		ops = append(ops, []byte(payload))
	}
	return ops
}

// Commit writes the payload into the pending slot at v.
func (m *MemoryCoordinator) Commit(ctx context.Context, docID string, v int64, payload []byte) (CommitStatus, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	d := m.doc(docID)
	for i := d.persisted + 1; i < v; i++ {
		prior, ok := d.slots[i]
		if !ok {
			return CommitGapBefore, nil
		}
		if isPendingPayload(prior) {
			return CommitPendingBefore, nil
		}
	}
	slot, ok := d.slots[v]
	if !ok || !isPendingPayload(slot) {
		return CommitVersionConflict, nil
	}
	d.slots[v] = string(payload)
	return CommitOK, nil
}

// Abandon deletes the slot at v and releases its version number: the
// counter drops back to the highest surviving slot (or the persisted tip),
// so the next reserve re-issues the freed versions and committed history
// stays contiguous.
func (m *MemoryCoordinator) Abandon(ctx context.Context, docID string, v int64) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	d := m.doc(docID)
	delete(d.slots, v)
	d.releaseCounter()
	return nil
}

// releaseCounter lowers the version counter to the highest live slot, never
// below the persisted tip. Only slot deletion calls this; committed versions
// are never released.
func (d *memoryDoc) releaseCounter() {
	top := d.persisted
	for v := range d.slots {
		if v > top {
			top = v
		}
	}
	if top < d.version {
		d.version = top
	}
}

// GetPending returns committed operations after clientVersion.
func (m *MemoryCoordinator) GetPending(ctx context.Context, docID string, clientVersion int64) (PendingResult, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	d := m.doc(docID)
	if clientVersion < d.persisted {
		return PendingResult{Resync: true, WindowStart: d.persisted + 1}, nil
	}
	return PendingResult{
		Ops:         d.committedRange(clientVersion, d.version+1),
		WindowStart: d.persisted + 1,
	}, nil
}

// SaveCleanup advances the persisted tip and prunes superseded slots.
func (m *MemoryCoordinator) SaveCleanup(ctx context.Context, docID string, savedVersion int64) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	d := m.doc(docID)
	if savedVersion > d.persisted {
		d.persisted = savedVersion
	}
	for v := range d.slots {
		if v <= savedVersion {
			delete(d.slots, v)
		}
	}
	return nil
}

// CommittedRange returns the contiguous committed run in (after, before).
func (m *MemoryCoordinator) CommittedRange(ctx context.Context, docID string, afterVersion, beforeVersion int64) ([][]byte, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return m.doc(docID).committedRange(afterVersion, beforeVersion), nil
}

// PersistedVersion reads the persisted tip.
func (m *MemoryCoordinator) PersistedVersion(ctx context.Context, docID string) (int64, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return m.doc(docID).persisted, nil
}

// AddSession appends a session record if absent and marks the document active.
func (m *MemoryCoordinator) AddSession(ctx context.Context, docID string, rec SessionRecord) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	d := m.doc(docID)
	for _, s := range d.sessions {
		if s.SessionID == rec.SessionID {
			return nil
		}
	}
	d.sessions = append(d.sessions, rec)
	m.sessionRooms[rec.SessionID] = docID
	m.active[docID] = struct{}{}
	return nil
}

// RemoveSession removes the session with the given id.
func (m *MemoryCoordinator) RemoveSession(ctx context.Context, docID string, sessionID string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	d := m.doc(docID)
	removed := false
	kept := d.sessions[:0]
	for _, s := range d.sessions {
		if s.SessionID == sessionID {
			removed = true
			continue
		}
		kept = append(kept, s)
	}
	d.sessions = kept
	if removed {
		delete(m.sessionRooms, sessionID)
	}
	if len(d.sessions) == 0 && len(d.slots) == 0 {
		delete(m.active, docID)
	}
	return removed, nil
}

// TouchSession refreshes the selected timestamps on sessions of userName.
func (m *MemoryCoordinator) TouchSession(ctx context.Context, docID string, userName string, touch Touch, now time.Time) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	ms := now.UnixMilli()
	d := m.doc(docID)
	for i := range d.sessions {
		if d.sessions[i].UserName != userName {
			continue
		}
		if touch.Heartbeat {
			d.sessions[i].LastHeartbeat = ms
		}
		if touch.Action {
			d.sessions[i].LastAction = ms
		}
		if touch.Save {
			d.sessions[i].LastSave = ms
		}
	}
	return nil
}

// ListSessions returns the sessions of a document in join order.
func (m *MemoryCoordinator) ListSessions(ctx context.Context, docID string) ([]SessionRecord, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	d := m.doc(docID)
	out := make([]SessionRecord, len(d.sessions))
	copy(out, d.sessions)
	return out, nil
}

// SessionDocument resolves a session id to its document.
func (m *MemoryCoordinator) SessionDocument(ctx context.Context, sessionID string) (string, bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	docID, ok := m.sessionRooms[sessionID]
	return docID, ok, nil
}

// ActiveDocuments lists documents with live sessions or ledger state.
func (m *MemoryCoordinator) ActiveDocuments(ctx context.Context) ([]string, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	out := make([]string, 0, len(m.active))
	for docID := range m.active {
		out = append(out, docID)
	}
	sort.Strings(out)
	return out, nil
}

// ReapSessions removes and returns sessions with heartbeats older than the
// given instant.
func (m *MemoryCoordinator) ReapSessions(ctx context.Context, docID string, olderThan time.Time) ([]SessionRecord, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	cutoff := olderThan.UnixMilli()
	d := m.doc(docID)
	var reaped []SessionRecord
	kept := d.sessions[:0]
	for _, s := range d.sessions {
		if s.LastHeartbeat < cutoff {
			reaped = append(reaped, s)
			delete(m.sessionRooms, s.SessionID)
			continue
		}
		kept = append(kept, s)
	}
	d.sessions = kept
	return reaped, nil
}

// ReapExpiredPending deletes pending slots whose commit deadline passed.
func (m *MemoryCoordinator) ReapExpiredPending(ctx context.Context, docID string, now time.Time) ([]int64, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	d := m.doc(docID)
	var reaped []int64
	for v, payload := range d.slots {
		if !isPendingPayload(payload) {
			continue
		}
		deadline, err := strconv.ParseInt(strings.TrimPrefix(payload, pendingPrefix), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed pending sentinel at version %d: %q", v, payload)
		}
		if deadline < now.UnixMilli() {
			delete(d.slots, v)
			reaped = append(reaped, v)
		}
	}
	if len(reaped) > 0 {
		d.releaseCounter()
	}
	sort.Slice(reaped, func(i, j int) bool { return reaped[i] < reaped[j] })
	return reaped, nil
}

// PurgeDocument deletes every ledger key of a document with no sessions and
// no pending slots left.
func (m *MemoryCoordinator) PurgeDocument(ctx context.Context, docID string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	d, ok := m.docs[docID]
	if !ok {
		delete(m.active, docID)
		return false, nil
	}
	if len(d.sessions) > 0 {
		return false, nil
	}
	for _, payload := range d.slots {
		if isPendingPayload(payload) {
			return false, nil
		}
	}
	delete(m.docs, docID)
	delete(m.active, docID)
	return true, nil
}

// Close releases the coordinator.
func (m *MemoryCoordinator) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.closed = true
	return nil
}
