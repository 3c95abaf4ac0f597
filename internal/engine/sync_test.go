package engine

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coedit/internal/blob"
	"coedit/internal/sfdt"
)

func TestCreateThenImport(t *testing.T) {
	rig := newTestRig(t, time.Minute)
	ctx := context.Background()

	docID, err := rig.engine.Create(ctx)
	require.NoError(t, err)
	_, err = uuid.Parse(docID)
	require.NoError(t, err, "document ids must be opaque UUIDs")

	result, err := rig.engine.Import(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), result.Version)

	doc, err := sfdt.UnmarshalExchange(result.Sfdt)
	require.NoError(t, err)
	assert.Empty(t, doc.Text)
}

func TestImportUnknownDocument(t *testing.T) {
	rig := newTestRig(t, time.Minute)

	_, err := rig.engine.Import(context.Background(), uuid.NewString())
	require.ErrorIs(t, err, blob.ErrNotFound)
}

func TestImportAppliesCommittedOps(t *testing.T) {
	rig := newTestRig(t, time.Minute)
	ctx := context.Background()

	docID, err := rig.engine.Create(ctx)
	require.NoError(t, err)
	rig.submitInsert(t, docID, 0, 0, "hello")
	rig.submitInsert(t, docID, 1, 5, " world")

	result, err := rig.engine.Import(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.Version)

	doc, err := sfdt.UnmarshalExchange(result.Sfdt)
	require.NoError(t, err)
	assert.Equal(t, "hello world", doc.Text)
}

func TestImportStopsAtPendingSlot(t *testing.T) {
	rig := newTestRig(t, time.Minute)
	ctx := context.Background()

	docID, err := rig.engine.Create(ctx)
	require.NoError(t, err)
	rig.submitInsert(t, docID, 0, 0, "a")
	rig.submitInsert(t, docID, 1, 1, "b")
	rig.submitInsert(t, docID, 2, 2, "c")

	// A slot reserved but not yet committed interrupts the suffix.
	res, err := rig.coordinator.Reserve(ctx, docID, 3)
	require.NoError(t, err)
	require.Equal(t, int64(4), res.NewVersion)

	result, err := rig.engine.Import(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), result.Version, "stamp must stop at the last contiguous commit")

	doc, err := sfdt.UnmarshalExchange(result.Sfdt)
	require.NoError(t, err)
	assert.Equal(t, "abc", doc.Text)
}

func TestImportAfterSaveUsesBinaryAndTip(t *testing.T) {
	rig := newTestRig(t, time.Minute)
	ctx := context.Background()

	docID, err := rig.engine.Create(ctx)
	require.NoError(t, err)
	rig.submitInsert(t, docID, 0, 0, "ab")

	exchange, err := marshalDoc("ab", 1)
	require.NoError(t, err)
	_, err = rig.engine.Save(ctx, SaveRequest{DocID: docID, Sfdt: exchange, ClientAppliedVersion: 1})
	require.NoError(t, err)

	result, err := rig.engine.Import(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Version)

	doc, err := sfdt.UnmarshalExchange(result.Sfdt)
	require.NoError(t, err)
	assert.Equal(t, "ab", doc.Text)
}

func TestGetSinceReturnsSubmittedOp(t *testing.T) {
	rig := newTestRig(t, time.Minute)
	docID := uuid.NewString()
	ctx := context.Background()

	committed := rig.submitInsert(t, docID, 0, 0, "x")

	since, err := rig.engine.GetSince(ctx, docID, 0)
	require.NoError(t, err)
	require.False(t, since.Resync)
	require.Len(t, since.Actions, 1)
	assert.Equal(t, committed.Version, since.Actions[0].Version)
	assert.Equal(t, committed.Operations, since.Actions[0].Operations)
}

func TestGetSinceSignalsResyncBehindTip(t *testing.T) {
	rig := newTestRig(t, time.Minute)
	ctx := context.Background()

	docID, err := rig.engine.Create(ctx)
	require.NoError(t, err)
	rig.submitInsert(t, docID, 0, 0, "a")
	rig.submitInsert(t, docID, 1, 1, "b")

	exchange, err := marshalDoc("ab", 2)
	require.NoError(t, err)
	_, err = rig.engine.Save(ctx, SaveRequest{DocID: docID, Sfdt: exchange, ClientAppliedVersion: 2})
	require.NoError(t, err)

	since, err := rig.engine.GetSince(ctx, docID, 1)
	require.NoError(t, err)
	assert.True(t, since.Resync)
	assert.Equal(t, int64(3), since.WindowStart)
	assert.Empty(t, since.Actions)

	since, err = rig.engine.GetSince(ctx, docID, 2)
	require.NoError(t, err)
	assert.False(t, since.Resync, "a client at the tip is current, not stale")
}
