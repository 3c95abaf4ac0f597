// Package blob stores the binary form of documents. The coordination engine
// only ever uploads a full binary on save and downloads it on import; the
// narrow Store interface keeps the object-store choice out of the engine.
package blob

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no binary exists for the requested document.
var ErrNotFound = errors.New("document binary not found")

// Store reads and writes document binaries keyed by document id.
type Store interface {
	// Upload writes the binary for a document, replacing any previous one.
	Upload(ctx context.Context, docID string, data []byte) error

	// Download returns the binary for a document, or ErrNotFound.
	Download(ctx context.Context, docID string) ([]byte, error)

	// Close releases the store's resources.
	Close() error
}
