// Package engine implements the operation coordination core: the append
// pipeline that orders and transforms concurrent edits, the sync read path,
// and the save path that advances the persisted tip. The engine holds no
// document state of its own; the coordination store orders everything.
package engine

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"coedit/internal/blob"
	"coedit/internal/hub"
	"coedit/internal/ledger"
	"coedit/internal/session"
	"coedit/internal/sfdt"
)

// ErrRetriesExhausted is returned by Submit when the commit CAS failed more
// than the configured number of times. The reserved slot has already been
// abandoned when this error surfaces.
var ErrRetriesExhausted = errors.New("commit retries exhausted")

// StaleClientError reports a client whose version fell below the persisted
// tip. The client must re-import the document before submitting again.
type StaleClientError struct {
	ClientVersion    int64
	PersistedVersion int64
}

// Error implements the error interface.
func (e *StaleClientError) Error() string {
	return fmt.Sprintf("client at %d < persisted %d", e.ClientVersion, e.PersistedVersion)
}

// Options tunes the engine.
type Options struct {
	// MaxRetries bounds the commit CAS retry loop.
	MaxRetries int
}

// DefaultOptions returns the default engine options.
func DefaultOptions() Options {
	return Options{MaxRetries: 5}
}

// Engine coordinates operations for all documents.
type Engine struct {
	coordinator ledger.Coordinator
	blobs       blob.Store
	codec       sfdt.Codec
	hub         *hub.Hub
	registry    *session.Registry
	options     Options
	logger      *zap.Logger
}

// New creates an engine.
func New(coordinator ledger.Coordinator, blobs blob.Store, codec sfdt.Codec, h *hub.Hub, registry *session.Registry, options Options, logger *zap.Logger) *Engine {
	if options.MaxRetries <= 0 {
		options.MaxRetries = DefaultOptions().MaxRetries
	}
	return &Engine{
		coordinator: coordinator,
		blobs:       blobs,
		codec:       codec,
		hub:         h,
		registry:    registry,
		options:     options,
		logger:      logger,
	}
}
