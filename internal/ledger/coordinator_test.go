package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// coordFactory builds a fresh coordinator for one subtest. Both
// implementations run the same suite so their semantics cannot drift.
type coordFactory func(t *testing.T, pendingTTL time.Duration) Coordinator

func payload(v int64) []byte {
	return []byte(fmt.Sprintf(`{"version":%d}`, v))
}

// runCoordinatorSuite asserts the ledger semantics against a coordinator
// implementation.
func runCoordinatorSuite(t *testing.T, factory coordFactory) {
	ctx := context.Background()

	t.Run("InitIsIdempotent", func(t *testing.T) {
		c := factory(t, time.Minute)
		docID := uuid.NewString()

		created, err := c.Init(ctx, docID)
		require.NoError(t, err)
		assert.True(t, created, "first init should create the counters")

		created, err = c.Init(ctx, docID)
		require.NoError(t, err)
		assert.False(t, created, "second init must be a no-op")
	})

	t.Run("ReserveAllocatesFromOne", func(t *testing.T) {
		c := factory(t, time.Minute)
		docID := uuid.NewString()

		res, err := c.Reserve(ctx, docID, 0)
		require.NoError(t, err)
		require.False(t, res.Stale)
		assert.Equal(t, int64(1), res.NewVersion)
		assert.Empty(t, res.PriorOps)

		v, err := c.EnsureMin(ctx, docID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), v)
	})

	t.Run("CommitThenGetPending", func(t *testing.T) {
		c := factory(t, time.Minute)
		docID := uuid.NewString()

		res, err := c.Reserve(ctx, docID, 0)
		require.NoError(t, err)

		status, err := c.Commit(ctx, docID, res.NewVersion, payload(1))
		require.NoError(t, err)
		require.Equal(t, CommitOK, status)

		pending, err := c.GetPending(ctx, docID, 0)
		require.NoError(t, err)
		assert.False(t, pending.Resync)
		assert.Equal(t, int64(1), pending.WindowStart)
		require.Len(t, pending.Ops, 1)
		assert.Equal(t, payload(1), pending.Ops[0])
	})

	t.Run("CommitWithoutReservationConflicts", func(t *testing.T) {
		c := factory(t, time.Minute)
		docID := uuid.NewString()

		status, err := c.Commit(ctx, docID, 1, payload(1))
		require.NoError(t, err)
		assert.Equal(t, CommitVersionConflict, status)
	})

	t.Run("CommitBlockedByEarlierPending", func(t *testing.T) {
		c := factory(t, time.Minute)
		docID := uuid.NewString()

		first, err := c.Reserve(ctx, docID, 0)
		require.NoError(t, err)
		second, err := c.Reserve(ctx, docID, 0)
		require.NoError(t, err)
		require.Equal(t, int64(2), second.NewVersion)

		status, err := c.Commit(ctx, docID, second.NewVersion, payload(2))
		require.NoError(t, err)
		assert.Equal(t, CommitPendingBefore, status, "commit above a pending slot must wait")

		status, err = c.Commit(ctx, docID, first.NewVersion, payload(1))
		require.NoError(t, err)
		assert.Equal(t, CommitOK, status)

		status, err = c.Commit(ctx, docID, second.NewVersion, payload(2))
		require.NoError(t, err)
		assert.Equal(t, CommitOK, status, "commit succeeds once everything below is committed")
	})

	t.Run("ReserveSurfacesPriorCommits", func(t *testing.T) {
		c := factory(t, time.Minute)
		docID := uuid.NewString()

		for v := int64(1); v <= 2; v++ {
			res, err := c.Reserve(ctx, docID, v-1)
			require.NoError(t, err)
			status, err := c.Commit(ctx, docID, res.NewVersion, payload(v))
			require.NoError(t, err)
			require.Equal(t, CommitOK, status)
		}

		res, err := c.Reserve(ctx, docID, 0)
		require.NoError(t, err)
		assert.Equal(t, int64(3), res.NewVersion)
		require.Len(t, res.PriorOps, 2, "reserve must hand back the committed run the client missed")
		assert.Equal(t, payload(1), res.PriorOps[0])
		assert.Equal(t, payload(2), res.PriorOps[1])

		require.NoError(t, c.Abandon(ctx, docID, res.NewVersion))
	})

	t.Run("ConcurrentReservesAreDistinctAndGapless", func(t *testing.T) {
		c := factory(t, time.Minute)
		docID := uuid.NewString()
		const writers = 8

		versions := make([]int64, writers)
		var wg sync.WaitGroup
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				res, err := c.Reserve(ctx, docID, 0)
				if err != nil {
					return
				}
				versions[i] = res.NewVersion
			}(i)
		}
		wg.Wait()

		seen := make(map[int64]bool)
		for _, v := range versions {
			require.Greater(t, v, int64(0))
			require.False(t, seen[v], "version %d allocated twice", v)
			seen[v] = true
		}
		for v := int64(1); v <= writers; v++ {
			assert.True(t, seen[v], "version %d skipped", v)
		}
	})

	t.Run("StaleClientBoundaries", func(t *testing.T) {
		c := factory(t, time.Minute)
		docID := uuid.NewString()

		for v := int64(1); v <= 2; v++ {
			res, err := c.Reserve(ctx, docID, v-1)
			require.NoError(t, err)
			status, err := c.Commit(ctx, docID, res.NewVersion, payload(v))
			require.NoError(t, err)
			require.Equal(t, CommitOK, status)
		}
		require.NoError(t, c.SaveCleanup(ctx, docID, 2))

		// clientVersion == persisted tip: not stale.
		res, err := c.Reserve(ctx, docID, 2)
		require.NoError(t, err)
		assert.False(t, res.Stale)
		require.NoError(t, c.Abandon(ctx, docID, res.NewVersion))

		// clientVersion == tip - 1: stale.
		res, err = c.Reserve(ctx, docID, 1)
		require.NoError(t, err)
		assert.True(t, res.Stale)
		assert.Equal(t, int64(2), res.PersistedVersion)

		pending, err := c.GetPending(ctx, docID, 1)
		require.NoError(t, err)
		assert.True(t, pending.Resync)
		assert.Equal(t, int64(3), pending.WindowStart)
		assert.Empty(t, pending.Ops)

		pending, err = c.GetPending(ctx, docID, 2)
		require.NoError(t, err)
		assert.False(t, pending.Resync)
	})

	t.Run("SaveCleanupIsMonotoneAndPrunes", func(t *testing.T) {
		c := factory(t, time.Minute)
		docID := uuid.NewString()

		for v := int64(1); v <= 3; v++ {
			res, err := c.Reserve(ctx, docID, v-1)
			require.NoError(t, err)
			status, err := c.Commit(ctx, docID, res.NewVersion, payload(v))
			require.NoError(t, err)
			require.Equal(t, CommitOK, status)
		}

		require.NoError(t, c.SaveCleanup(ctx, docID, 2))
		persisted, err := c.PersistedVersion(ctx, docID)
		require.NoError(t, err)
		assert.Equal(t, int64(2), persisted)

		pending, err := c.GetPending(ctx, docID, 2)
		require.NoError(t, err)
		require.Len(t, pending.Ops, 1)
		assert.Equal(t, payload(3), pending.Ops[0])

		// The tip never moves backwards.
		require.NoError(t, c.SaveCleanup(ctx, docID, 1))
		persisted, err = c.PersistedVersion(ctx, docID)
		require.NoError(t, err)
		assert.Equal(t, int64(2), persisted)

		// Pruned slots are gone from the committed run.
		ops, err := c.CommittedRange(ctx, docID, 0, 3)
		require.NoError(t, err)
		assert.Empty(t, ops, "slots at or below the tip must be pruned")
	})

	t.Run("AbandonReleasesVersion", func(t *testing.T) {
		c := factory(t, time.Minute)
		docID := uuid.NewString()

		res, err := c.Reserve(ctx, docID, 0)
		require.NoError(t, err)
		require.Equal(t, int64(1), res.NewVersion)
		require.NoError(t, c.Abandon(ctx, docID, res.NewVersion))

		res, err = c.Reserve(ctx, docID, 0)
		require.NoError(t, err)
		assert.Equal(t, int64(1), res.NewVersion, "released version must be re-issued")
	})

	t.Run("ExpiredPendingIsReaped", func(t *testing.T) {
		c := factory(t, time.Millisecond)
		docID := uuid.NewString()

		res, err := c.Reserve(ctx, docID, 0)
		require.NoError(t, err)
		time.Sleep(10 * time.Millisecond)

		reaped, err := c.ReapExpiredPending(ctx, docID, time.Now())
		require.NoError(t, err)
		assert.Equal(t, []int64{res.NewVersion}, reaped)

		// The document is unstuck: the version is re-issued and commits.
		res, err = c.Reserve(ctx, docID, 0)
		require.NoError(t, err)
		assert.Equal(t, int64(1), res.NewVersion)
		status, err := c.Commit(ctx, docID, res.NewVersion, payload(1))
		require.NoError(t, err)
		assert.Equal(t, CommitOK, status)
	})

	t.Run("EnsureMinLiftsCounterToTip", func(t *testing.T) {
		c := factory(t, time.Minute)
		docID := uuid.NewString()

		require.NoError(t, c.SaveCleanup(ctx, docID, 5))
		v, err := c.EnsureMin(ctx, docID)
		require.NoError(t, err)
		assert.Equal(t, int64(5), v)

		res, err := c.Reserve(ctx, docID, 5)
		require.NoError(t, err)
		assert.Equal(t, int64(6), res.NewVersion)
		require.NoError(t, c.Abandon(ctx, docID, res.NewVersion))
	})

	t.Run("SessionLifecycle", func(t *testing.T) {
		c := factory(t, time.Minute)
		docID := uuid.NewString()
		now := time.Now().UnixMilli()

		require.NoError(t, c.AddSession(ctx, docID, SessionRecord{
			SessionID: "s1", UserName: "ada", LastHeartbeat: now,
		}))
		require.NoError(t, c.AddSession(ctx, docID, SessionRecord{
			SessionID: "s2", UserName: "grace", LastHeartbeat: now,
		}))
		// Duplicate session ids are ignored.
		require.NoError(t, c.AddSession(ctx, docID, SessionRecord{
			SessionID: "s1", UserName: "ada", LastHeartbeat: now,
		}))

		sessions, err := c.ListSessions(ctx, docID)
		require.NoError(t, err)
		require.Len(t, sessions, 2)
		assert.Equal(t, "s1", sessions[0].SessionID)
		assert.Equal(t, "s2", sessions[1].SessionID)

		mapped, ok, err := c.SessionDocument(ctx, "s1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, docID, mapped)

		active, err := c.ActiveDocuments(ctx)
		require.NoError(t, err)
		assert.Contains(t, active, docID)

		later := time.Now().Add(time.Second)
		require.NoError(t, c.TouchSession(ctx, docID, "ada", Touch{Heartbeat: true, Action: true}, later))
		sessions, err = c.ListSessions(ctx, docID)
		require.NoError(t, err)
		assert.Equal(t, later.UnixMilli(), sessions[0].LastHeartbeat)
		assert.Equal(t, later.UnixMilli(), sessions[0].LastAction)
		assert.Zero(t, sessions[0].LastSave)
		assert.Equal(t, now, sessions[1].LastHeartbeat, "other users' sessions stay untouched")

		removed, err := c.RemoveSession(ctx, docID, "s1")
		require.NoError(t, err)
		assert.True(t, removed)
		removed, err = c.RemoveSession(ctx, docID, "s1")
		require.NoError(t, err)
		assert.False(t, removed)

		_, ok, err = c.SessionDocument(ctx, "s1")
		require.NoError(t, err)
		assert.False(t, ok)

		// Last leave of a slotless document clears the active set.
		removed, err = c.RemoveSession(ctx, docID, "s2")
		require.NoError(t, err)
		assert.True(t, removed)
		active, err = c.ActiveDocuments(ctx)
		require.NoError(t, err)
		assert.NotContains(t, active, docID)
	})

	t.Run("ReapStaleSessions", func(t *testing.T) {
		c := factory(t, time.Minute)
		docID := uuid.NewString()
		stale := time.Now().Add(-10 * time.Minute).UnixMilli()
		fresh := time.Now().UnixMilli()

		require.NoError(t, c.AddSession(ctx, docID, SessionRecord{
			SessionID: "old", UserName: "ada", LastHeartbeat: stale,
		}))
		require.NoError(t, c.AddSession(ctx, docID, SessionRecord{
			SessionID: "new", UserName: "grace", LastHeartbeat: fresh,
		}))

		reaped, err := c.ReapSessions(ctx, docID, time.Now().Add(-2*time.Minute))
		require.NoError(t, err)
		require.Len(t, reaped, 1)
		assert.Equal(t, "old", reaped[0].SessionID)

		sessions, err := c.ListSessions(ctx, docID)
		require.NoError(t, err)
		require.Len(t, sessions, 1)
		assert.Equal(t, "new", sessions[0].SessionID)
	})

	t.Run("PurgeDocument", func(t *testing.T) {
		c := factory(t, time.Minute)
		docID := uuid.NewString()

		for v := int64(1); v <= 3; v++ {
			res, err := c.Reserve(ctx, docID, v-1)
			require.NoError(t, err)
			status, err := c.Commit(ctx, docID, res.NewVersion, payload(v))
			require.NoError(t, err)
			require.Equal(t, CommitOK, status)
		}
		require.NoError(t, c.AddSession(ctx, docID, SessionRecord{
			SessionID: "s1", UserName: "ada", LastHeartbeat: time.Now().UnixMilli(),
		}))

		// Refused while a session holds the document.
		purged, err := c.PurgeDocument(ctx, docID)
		require.NoError(t, err)
		assert.False(t, purged)

		_, err = c.RemoveSession(ctx, docID, "s1")
		require.NoError(t, err)

		purged, err = c.PurgeDocument(ctx, docID)
		require.NoError(t, err)
		assert.True(t, purged)

		active, err := c.ActiveDocuments(ctx)
		require.NoError(t, err)
		assert.NotContains(t, active, docID)

		// The ledger is gone; a returning client starts fresh.
		created, err := c.Init(ctx, docID)
		require.NoError(t, err)
		assert.True(t, created)
	})

	t.Run("PurgeRefusedWhilePending", func(t *testing.T) {
		c := factory(t, time.Minute)
		docID := uuid.NewString()

		_, err := c.Reserve(ctx, docID, 0)
		require.NoError(t, err)

		purged, err := c.PurgeDocument(ctx, docID)
		require.NoError(t, err)
		assert.False(t, purged, "a live pending slot must block the purge")
	})

	t.Run("CommittedRangeStopsAtPending", func(t *testing.T) {
		c := factory(t, time.Minute)
		docID := uuid.NewString()

		res, err := c.Reserve(ctx, docID, 0)
		require.NoError(t, err)
		status, err := c.Commit(ctx, docID, res.NewVersion, payload(1))
		require.NoError(t, err)
		require.Equal(t, CommitOK, status)

		_, err = c.Reserve(ctx, docID, 1)
		require.NoError(t, err)
		_, err = c.Reserve(ctx, docID, 1)
		require.NoError(t, err)

		ops, err := c.CommittedRange(ctx, docID, 0, 4)
		require.NoError(t, err)
		require.Len(t, ops, 1)
		assert.Equal(t, payload(1), ops[0])

		pending, err := c.GetPending(ctx, docID, 0)
		require.NoError(t, err)
		require.Len(t, pending.Ops, 1, "the run must stop at the first pending slot")
	})
}
