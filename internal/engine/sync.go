package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"coedit/internal/ot"
	"coedit/internal/sfdt"
)

// ImportResult is the outcome of loading a document for a joining client.
type ImportResult struct {
	// Sfdt is the exchange-format document with every contiguous committed
	// operation applied.
	Sfdt string

	// Version is the stamp the client should submit against.
	Version int64
}

// SinceResult carries the operations a catching-up client has missed.
type SinceResult struct {
	Actions     []ot.ActionInfo
	Resync      bool
	WindowStart int64
}

// Create ingests a fresh document: it mints an opaque id, stores the empty
// binary, and initializes the ledger. The id, not the file name, identifies
// the document in every key and topic from here on.
func (e *Engine) Create(ctx context.Context) (string, error) {
	docID := uuid.NewString()

	data, err := e.codec.Encode(sfdt.Empty())
	if err != nil {
		return "", fmt.Errorf("encode binary: %w", err)
	}
	if err := e.blobs.Upload(ctx, docID, data); err != nil {
		return "", fmt.Errorf("upload binary: %w", err)
	}
	if _, err := e.coordinator.Init(ctx, docID); err != nil {
		return "", fmt.Errorf("init: %w", err)
	}

	e.logger.Info("Document created", zap.String("document_id", docID))
	return docID, nil
}

// Import loads the binary document, applies the contiguous committed suffix
// of the ledger, and returns the exchange form. Operations beyond the first
// pending slot are left for GetSince once they commit. An unknown document
// surfaces blob.ErrNotFound; documents enter the system through Create.
func (e *Engine) Import(ctx context.Context, docID string) (ImportResult, error) {
	data, err := e.blobs.Download(ctx, docID)
	if err != nil {
		return ImportResult{}, fmt.Errorf("download binary: %w", err)
	}
	doc, err := e.codec.Decode(data)
	if err != nil {
		return ImportResult{}, fmt.Errorf("decode binary: %w", err)
	}

	if _, err := e.coordinator.Init(ctx, docID); err != nil {
		return ImportResult{}, fmt.Errorf("init: %w", err)
	}
	if _, err := e.coordinator.EnsureMin(ctx, docID); err != nil {
		return ImportResult{}, fmt.Errorf("ensure-min: %w", err)
	}

	persisted, err := e.coordinator.PersistedVersion(ctx, docID)
	if err != nil {
		return ImportResult{}, fmt.Errorf("persisted-version: %w", err)
	}
	pending, err := e.coordinator.GetPending(ctx, docID, persisted)
	if err != nil {
		return ImportResult{}, fmt.Errorf("get-pending: %w", err)
	}
	actions, err := ot.DecodeAll(pending.Ops)
	if err != nil {
		return ImportResult{}, fmt.Errorf("decode pending ops: %w", err)
	}

	// The stamp is the highest version reflected in the returned text: the
	// binary's own stamp, the persisted tip, or the last applied operation.
	// A pending slot in the middle caps the stamp at the last contiguous
	// commit, so the client pulls the rest through GetSince once it lands.
	doc = sfdt.ApplyActions(doc, actions)
	if persisted > doc.Version {
		doc.Version = persisted
	}
	stamp := doc.Version

	exchange, err := sfdt.MarshalExchange(doc)
	if err != nil {
		return ImportResult{}, err
	}

	e.logger.Debug("Document imported",
		zap.String("document_id", docID),
		zap.Int64("version", stamp),
		zap.Int("applied_ops", len(actions)))

	return ImportResult{Sfdt: exchange, Version: stamp}, nil
}

// GetSince returns the committed operations a client at clientVersion has
// not seen, or the resync signal when the client fell behind the tip.
func (e *Engine) GetSince(ctx context.Context, docID string, clientVersion int64) (SinceResult, error) {
	pending, err := e.coordinator.GetPending(ctx, docID, clientVersion)
	if err != nil {
		return SinceResult{}, fmt.Errorf("get-pending: %w", err)
	}
	actions, err := ot.DecodeAll(pending.Ops)
	if err != nil {
		return SinceResult{}, fmt.Errorf("decode pending ops: %w", err)
	}
	return SinceResult{
		Actions:     actions,
		Resync:      pending.Resync,
		WindowStart: pending.WindowStart,
	}, nil
}
