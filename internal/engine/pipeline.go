package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"coedit/internal/ledger"
	"coedit/internal/ot"
)

// commitRetryDelay is how long the pipeline waits before re-transforming
// after a gap or pending slot blocked the commit. The blocking writer
// usually resolves within one round trip to the store.
const commitRetryDelay = 20 * time.Millisecond

// SubmitRequest is one client edit entering the pipeline.
type SubmitRequest struct {
	DocID         string
	ClientVersion int64
	UserName      string
	Action        ot.ActionInfo
}

// Submit runs the append path: reserve a version, transform the action
// against the operations the client has not seen, and CAS-commit the result.
// No lock is held across the transform; only the reserve and commit scripts
// are atomic. On success the committed action carries its assigned version
// and is fanned out to the document's subscribers.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (ot.ActionInfo, error) {
	docID := req.DocID

	if _, err := e.coordinator.EnsureMin(ctx, docID); err != nil {
		return ot.ActionInfo{}, fmt.Errorf("ensure-min: %w", err)
	}

	res, err := e.coordinator.Reserve(ctx, docID, req.ClientVersion)
	if err != nil {
		return ot.ActionInfo{}, fmt.Errorf("reserve: %w", err)
	}
	if res.Stale {
		return ot.ActionInfo{}, &StaleClientError{
			ClientVersion:    req.ClientVersion,
			PersistedVersion: res.PersistedVersion,
		}
	}

	v := res.NewVersion
	committed := false
	// The reserved slot must not outlive this call on any exit path: a
	// leaked pending slot blocks every later commit until the reaper
	// expires it.
	defer func() {
		if committed {
			return
		}
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.coordinator.Abandon(releaseCtx, docID, v); err != nil {
			e.logger.Error("Failed to abandon reserved slot",
				zap.String("document_id", docID),
				zap.Int64("version", v),
				zap.Error(err))
		}
	}()

	raw := req.Action.Clone()
	raw.Version = v

	transformed, payload, err := e.transform(raw, res.PriorOps)
	if err != nil {
		return ot.ActionInfo{}, err
	}

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return ot.ActionInfo{}, err
		}

		status, err := e.coordinator.Commit(ctx, docID, v, payload)
		if err != nil {
			return ot.ActionInfo{}, fmt.Errorf("commit: %w", err)
		}
		if status == ledger.CommitOK {
			committed = true
			break
		}
		if attempt >= e.options.MaxRetries {
			e.logger.Warn("Commit retries exhausted",
				zap.String("document_id", docID),
				zap.Int64("version", v),
				zap.String("status", status.String()))
			return ot.ActionInfo{}, ErrRetriesExhausted
		}

		switch status {
		case ledger.CommitGapBefore, ledger.CommitPendingBefore:
			// A concurrent submitter raced us. Wait for it to settle, then
			// re-transform against the fresh committed run below our slot.
			select {
			case <-ctx.Done():
				return ot.ActionInfo{}, ctx.Err()
			case <-time.After(commitRetryDelay):
			}
			prior, err := e.coordinator.CommittedRange(ctx, docID, req.ClientVersion, v)
			if err != nil {
				return ot.ActionInfo{}, fmt.Errorf("committed-range: %w", err)
			}
			transformed, payload, err = e.transform(raw, prior)
			if err != nil {
				return ot.ActionInfo{}, err
			}
		case ledger.CommitVersionConflict:
			// Our own pending slot is gone or was rewritten. Nothing but the
			// reaper or a protocol violation does that; log and retry.
			e.logger.Error("Commit version conflict on reserved slot",
				zap.String("document_id", docID),
				zap.Int64("version", v),
				zap.Int("attempt", attempt))
		}
	}

	e.logger.Debug("Operation committed",
		zap.String("document_id", docID),
		zap.Int64("version", v),
		zap.Int64("client_version", req.ClientVersion))

	e.hub.PublishOp(docID, transformed)
	e.touch(ctx, docID, req, transformed)
	return transformed, nil
}

// transform rebases the raw action against a committed context and encodes
// the result for the commit script.
func (e *Engine) transform(raw ot.ActionInfo, priorOps [][]byte) (ot.ActionInfo, []byte, error) {
	prior, err := ot.DecodeAll(priorOps)
	if err != nil {
		return ot.ActionInfo{}, nil, fmt.Errorf("decode transform context: %w", err)
	}
	transformed := ot.Transform(raw, prior)
	payload, err := ot.Encode(transformed)
	if err != nil {
		return ot.ActionInfo{}, nil, fmt.Errorf("encode action: %w", err)
	}
	return transformed, payload, nil
}

// touch refreshes the submitting user's heartbeat and action timestamps.
// Presence staleness is advisory, so failures only log.
func (e *Engine) touch(ctx context.Context, docID string, req SubmitRequest, action ot.ActionInfo) {
	userName := req.UserName
	if userName == "" {
		userName = action.CurrentUser
	}
	if userName == "" || e.registry == nil {
		return
	}
	if err := e.registry.Touch(ctx, docID, userName, ledger.Touch{Heartbeat: true, Action: true}); err != nil {
		e.logger.Warn("Failed to touch session after commit",
			zap.String("document_id", docID),
			zap.String("user_name", userName),
			zap.Error(err))
	}
}
