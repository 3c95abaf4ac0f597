package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"coedit/internal/ledger"
	"coedit/internal/sfdt"
)

// SaveCheck answers whether a client's applied state is ahead of the
// persisted binary.
type SaveCheck struct {
	ShouldSave       bool
	PersistedVersion int64
}

// SaveRequest is a client-initiated save. The client serializes its own
// applied state; the server never reconstructs the document for saving.
type SaveRequest struct {
	DocID                string
	Sfdt                 string
	ClientAppliedVersion int64
	UserName             string
}

// SaveResult reports whether the save was skipped as already covered.
type SaveResult struct {
	Skipped bool
}

// ShouldSave reports whether the client holds operations not yet in the
// binary document. The check doubles as the client's heartbeat.
func (e *Engine) ShouldSave(ctx context.Context, docID string, clientApplied int64, userName string) (SaveCheck, error) {
	persisted, err := e.coordinator.PersistedVersion(ctx, docID)
	if err != nil {
		return SaveCheck{}, fmt.Errorf("persisted-version: %w", err)
	}

	if userName != "" && e.registry != nil {
		if err := e.registry.Touch(ctx, docID, userName, ledger.Touch{Heartbeat: true}); err != nil {
			e.logger.Warn("Failed to touch session on save check",
				zap.String("document_id", docID),
				zap.String("user_name", userName),
				zap.Error(err))
		}
	}

	return SaveCheck{
		ShouldSave:       clientApplied > persisted,
		PersistedVersion: persisted,
	}, nil
}

// Save writes the client's serialized state to the object store and advances
// the persisted tip. Upload failure leaves the ledger untouched, so a retry
// redoes the whole save. The tip advance is monotone, so a stale save that
// loses the race simply prunes nothing further.
func (e *Engine) Save(ctx context.Context, req SaveRequest) (SaveResult, error) {
	persisted, err := e.coordinator.PersistedVersion(ctx, req.DocID)
	if err != nil {
		return SaveResult{}, fmt.Errorf("persisted-version: %w", err)
	}
	if req.ClientAppliedVersion <= persisted {
		e.logger.Debug("Save skipped, already persisted",
			zap.String("document_id", req.DocID),
			zap.Int64("client_applied", req.ClientAppliedVersion),
			zap.Int64("persisted", persisted))
		return SaveResult{Skipped: true}, nil
	}

	doc, err := sfdt.UnmarshalExchange(req.Sfdt)
	if err != nil {
		return SaveResult{}, err
	}
	doc.Version = req.ClientAppliedVersion

	data, err := e.codec.Encode(doc)
	if err != nil {
		return SaveResult{}, fmt.Errorf("encode binary: %w", err)
	}
	if err := e.blobs.Upload(ctx, req.DocID, data); err != nil {
		return SaveResult{}, fmt.Errorf("upload binary: %w", err)
	}

	if err := e.coordinator.SaveCleanup(ctx, req.DocID, req.ClientAppliedVersion); err != nil {
		return SaveResult{}, fmt.Errorf("save-cleanup: %w", err)
	}

	if req.UserName != "" && e.registry != nil {
		if err := e.registry.Touch(ctx, req.DocID, req.UserName, ledger.Touch{Heartbeat: true, Save: true}); err != nil {
			e.logger.Warn("Failed to touch session after save",
				zap.String("document_id", req.DocID),
				zap.String("user_name", req.UserName),
				zap.Error(err))
		}
	}

	e.logger.Info("Document saved",
		zap.String("document_id", req.DocID),
		zap.Int64("version", req.ClientAppliedVersion))
	return SaveResult{}, nil
}
