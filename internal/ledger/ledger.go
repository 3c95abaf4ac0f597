// Package ledger defines the per-document version ledger and the atomic
// coordinator primitives that maintain it. The coordinator is the only
// writer of ledger state; every mutation executes as a single atomic script
// against the backing store so the ledger invariants hold after each call:
//
//   - every version in (persisted, current] has exactly one slot,
//     either pending or committed;
//   - committed versions form a contiguous, append-only run above the
//     persisted tip; a commit succeeds only when everything below it is
//     committed;
//   - a reserved version that is released before committing (abandon or
//     deadline expiry) returns to the counter and is re-issued, so released
//     numbers never leave holes in the run;
//   - slots at or below the persisted tip are pruned;
//   - a committed slot is never rewritten, only pruned.
//
// Two implementations are provided: RedisCoordinator for production and
// MemoryCoordinator for tests and single-process development.
package ledger

import (
	"context"
	"time"
)

// CommitStatus is the outcome of a Commit call.
type CommitStatus int

const (
	// CommitOK means the payload was written into the pending slot.
	CommitOK CommitStatus = iota

	// CommitVersionConflict means the slot was not in the pending state.
	CommitVersionConflict

	// CommitGapBefore means a version below the committed one has no slot.
	CommitGapBefore

	// CommitPendingBefore means an earlier slot is still pending.
	CommitPendingBefore
)

// String returns the status name for logs.
func (s CommitStatus) String() string {
	switch s {
	case CommitOK:
		return "ok"
	case CommitVersionConflict:
		return "version_conflict"
	case CommitGapBefore:
		return "gap_before"
	case CommitPendingBefore:
		return "pending_before"
	}
	return "unknown"
}

// ReserveResult is the outcome of a Reserve call.
type ReserveResult struct {
	// Stale is true when the client's version is below the persisted tip.
	// No version was allocated; PersistedVersion carries the tip.
	Stale bool

	// PersistedVersion is the persisted tip, set when Stale is true.
	PersistedVersion int64

	// NewVersion is the freshly allocated version. Its slot is pending until
	// the caller commits or abandons it.
	NewVersion int64

	// PriorOps is the longest contiguous committed run starting right after
	// the client's version and ending before NewVersion.
	PriorOps [][]byte
}

// PendingResult is the outcome of a GetPending call.
type PendingResult struct {
	// Ops is the contiguous committed run starting right after the client's
	// version. Empty when the client is current or must resync.
	Ops [][]byte

	// Resync is true when the client's version fell below the persisted tip
	// and the client has to re-import the document.
	Resync bool

	// WindowStart is the lowest version the ledger can still serve.
	WindowStart int64
}

// SessionRecord describes one connected editing session.
type SessionRecord struct {
	SessionID     string `json:"sessionId"`
	UserName      string `json:"userName"`
	LastHeartbeat int64  `json:"lastHeartbeat"`
	LastAction    int64  `json:"lastAction"`
	LastSave      int64  `json:"lastSave"`
}

// Touch selects which session timestamps TouchSession refreshes.
type Touch struct {
	Heartbeat bool
	Action    bool
	Save      bool
}

// Coordinator executes the atomic ledger primitives. Implementations must
// run each method as a single transaction against the store; callers never
// decompose them.
type Coordinator interface {
	// Init creates the version counters for a document if absent. Idempotent.
	Init(ctx context.Context, docID string) (created bool, err error)

	// EnsureMin lifts the version counter to the persisted tip if it fell
	// below it, and returns the current counter.
	EnsureMin(ctx context.Context, docID string) (int64, error)

	// Reserve allocates the next version and creates its pending slot, or
	// reports a stale client without allocating.
	Reserve(ctx context.Context, docID string, clientVersion int64) (ReserveResult, error)

	// Commit writes the payload into the pending slot at version v after
	// checking that every slot between the persisted tip and v is committed.
	Commit(ctx context.Context, docID string, v int64, payload []byte) (CommitStatus, error)

	// Abandon deletes the slot at version v and releases its number for
	// re-issue. Mandatory when a caller gives up on a reserved version, so
	// later commits see no pending gap.
	Abandon(ctx context.Context, docID string, v int64) error

	// GetPending returns the committed operations a client at clientVersion
	// has not seen yet, or a resync signal when it fell behind the tip.
	GetPending(ctx context.Context, docID string, clientVersion int64) (PendingResult, error)

	// SaveCleanup advances the persisted tip (monotone) and prunes slots at
	// or below it. Safe to call with a stale savedVersion.
	SaveCleanup(ctx context.Context, docID string, savedVersion int64) error

	// CommittedRange returns the contiguous committed run in the open
	// interval (afterVersion, beforeVersion), stopping at the first missing
	// or pending slot.
	CommittedRange(ctx context.Context, docID string, afterVersion, beforeVersion int64) ([][]byte, error)

	// PersistedVersion reads the persisted tip.
	PersistedVersion(ctx context.Context, docID string) (int64, error)

	// AddSession appends a session record if its id is not present and marks
	// the document active.
	AddSession(ctx context.Context, docID string, rec SessionRecord) error

	// RemoveSession removes the session with the given id. The document
	// leaves the active set only when no sessions and no slots remain.
	RemoveSession(ctx context.Context, docID string, sessionID string) (bool, error)

	// TouchSession refreshes the selected timestamps on every session owned
	// by userName.
	TouchSession(ctx context.Context, docID string, userName string, touch Touch, now time.Time) error

	// ListSessions returns the sessions of a document in join order.
	ListSessions(ctx context.Context, docID string) ([]SessionRecord, error)

	// SessionDocument resolves a session id to its document.
	SessionDocument(ctx context.Context, sessionID string) (string, bool, error)

	// ActiveDocuments lists documents with live sessions or ledger state.
	ActiveDocuments(ctx context.Context) ([]string, error)

	// ReapSessions removes and returns sessions whose heartbeat is older
	// than the given instant.
	ReapSessions(ctx context.Context, docID string, olderThan time.Time) ([]SessionRecord, error)

	// ReapExpiredPending deletes pending slots whose commit deadline passed
	// and returns their versions. Recovers documents stalled by a submitter
	// that crashed between reserve and commit.
	ReapExpiredPending(ctx context.Context, docID string, now time.Time) ([]int64, error)

	// PurgeDocument deletes every ledger key of a document, provided it has
	// no sessions and no pending slots left. Committed slots do not block the
	// purge; they are deleted with the ledger.
	PurgeDocument(ctx context.Context, docID string) (bool, error)

	// Close releases the coordinator's resources.
	Close() error
}
