package hub

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"coedit/internal/ledger"
	"coedit/internal/ot"
)

func TestPublishReachesOnlyDocumentSubscribers(t *testing.T) {
	h := NewHub(zap.NewNop())

	var docA, docB []Event
	require.NoError(t, h.Subscribe("doc-a", "sub-1", func(e Event) error {
		docA = append(docA, e)
		return nil
	}))
	require.NoError(t, h.Subscribe("doc-b", "sub-2", func(e Event) error {
		docB = append(docB, e)
		return nil
	}))

	h.PublishOp("doc-a", ot.ActionInfo{Version: 1})

	require.Len(t, docA, 1)
	assert.Equal(t, EventOpCommitted, docA[0].Type)
	assert.Equal(t, int64(1), docA[0].Action.Version)
	assert.Empty(t, docB)
}

func TestPublishContinuesPastSubscriberError(t *testing.T) {
	h := NewHub(zap.NewNop())

	delivered := 0
	require.NoError(t, h.Subscribe("doc", "bad", func(e Event) error {
		return fmt.Errorf("connection gone")
	}))
	require.NoError(t, h.Subscribe("doc", "good", func(e Event) error {
		delivered++
		return nil
	}))

	h.PublishLeave("doc", "session-1")
	assert.Equal(t, 1, delivered)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	h := NewHub(zap.NewNop())

	delivered := 0
	require.NoError(t, h.Subscribe("doc", "sub", func(e Event) error {
		delivered++
		return nil
	}))

	h.PublishJoin("doc", []ledger.SessionRecord{{SessionID: "s1"}})
	h.Unsubscribe("doc", "sub")
	h.PublishJoin("doc", []ledger.SessionRecord{{SessionID: "s2"}})

	assert.Equal(t, 1, delivered)
}

func TestClosedHubDropsEverything(t *testing.T) {
	h := NewHub(zap.NewNop())

	delivered := 0
	require.NoError(t, h.Subscribe("doc", "sub", func(e Event) error {
		delivered++
		return nil
	}))

	h.Close()
	h.PublishOp("doc", ot.ActionInfo{Version: 1})
	assert.Zero(t, delivered)

	err := h.Subscribe("doc", "late", func(e Event) error { return nil })
	assert.Error(t, err)
}
