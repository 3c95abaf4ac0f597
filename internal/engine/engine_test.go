package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"coedit/internal/blob"
	"coedit/internal/hub"
	"coedit/internal/ledger"
	"coedit/internal/ot"
	"coedit/internal/session"
	"coedit/internal/sfdt"
)

// testRig assembles an engine over the in-memory coordinator and blob store.
type testRig struct {
	engine      *Engine
	coordinator *ledger.MemoryCoordinator
	blobs       *blob.MemoryStore
	hub         *hub.Hub
	registry    *session.Registry
}

func newTestRig(t *testing.T, pendingTTL time.Duration) *testRig {
	t.Helper()

	logger := zap.NewNop()
	coordinator := ledger.NewMemoryCoordinator(pendingTTL)
	blobs := blob.NewMemoryStore()
	fanout := hub.NewHub(logger)
	registry, err := session.NewRegistry(coordinator, fanout, 1, logger)
	require.NoError(t, err)

	eng := New(coordinator, blobs, sfdt.NewJSONCodec(), fanout, registry, DefaultOptions(), logger)
	return &testRig{
		engine:      eng,
		coordinator: coordinator,
		blobs:       blobs,
		hub:         fanout,
		registry:    registry,
	}
}

// submitInsert pushes one insert operation through the pipeline.
func (r *testRig) submitInsert(t *testing.T, docID string, clientVersion int64, pos int, text string) ot.ActionInfo {
	t.Helper()

	committed, err := r.engine.Submit(context.Background(), SubmitRequest{
		DocID:         docID,
		ClientVersion: clientVersion,
		UserName:      "ada",
		Action: ot.ActionInfo{
			FileID:      docID,
			CurrentUser: "ada",
			Version:     clientVersion,
			Operations:  []ot.Operation{{Type: ot.OpInsert, Position: pos, Text: text}},
		},
	})
	require.NoError(t, err)
	return committed
}

// marshalDoc renders an exchange document string for save requests.
func marshalDoc(text string, version int64) (string, error) {
	return sfdt.MarshalExchange(sfdt.Document{Text: text, Version: version})
}
