// Package sfdt handles the editor's exchange format and its binary storage
// form. The engine treats document content as opaque; only import and save
// cross through this codec.
package sfdt

import (
	"encoding/json"
	"fmt"

	"coedit/internal/ot"
)

// Document is the exchange form sent to and received from editor clients.
type Document struct {
	// Text is the document content.
	Text string `json:"text"`

	// Version is the highest operation version reflected in Text.
	Version int64 `json:"version"`
}

// Empty returns the exchange document of a never-saved file.
func Empty() Document {
	return Document{}
}

// Codec converts between the exchange document and the stored binary form.
type Codec interface {
	// Encode serializes a document into its binary storage form.
	Encode(doc Document) ([]byte, error)

	// Decode parses a stored binary back into a document.
	Decode(data []byte) (Document, error)
}

// binaryEnvelope is the stored framing around the document content.
type binaryEnvelope struct {
	Format  string `json:"format"`
	Version int64  `json:"version"`
	Content string `json:"content"`
}

const envelopeFormat = "sfdt.v1"

// JSONCodec is the default codec: a JSON envelope with a format tag, so a
// stored binary from a different codec generation is rejected instead of
// silently misread.
type JSONCodec struct{}

// NewJSONCodec creates the default codec.
func NewJSONCodec() *JSONCodec {
	return &JSONCodec{}
}

// Encode serializes a document into its binary storage form.
func (c *JSONCodec) Encode(doc Document) ([]byte, error) {
	data, err := json.Marshal(binaryEnvelope{
		Format:  envelopeFormat,
		Version: doc.Version,
		Content: doc.Text,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	return data, nil
}

// Decode parses a stored binary back into a document.
func (c *JSONCodec) Decode(data []byte) (Document, error) {
	var env binaryEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Document{}, fmt.Errorf("failed to decode document: %w", err)
	}
	if env.Format != envelopeFormat {
		return Document{}, fmt.Errorf("unsupported document format %q", env.Format)
	}
	return Document{Text: env.Content, Version: env.Version}, nil
}

// ApplyActions replays committed actions onto an imported document and
// advances its version stamp to the highest applied version.
func ApplyActions(doc Document, actions []ot.ActionInfo) Document {
	for _, action := range actions {
		doc.Text = ot.Apply(doc.Text, action.Operations)
		if action.Version > doc.Version {
			doc.Version = action.Version
		}
	}
	return doc
}

// MarshalExchange renders the document as the sfdt JSON string carried in
// HTTP bodies.
func MarshalExchange(doc Document) (string, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to marshal exchange document: %w", err)
	}
	return string(data), nil
}

// UnmarshalExchange parses an sfdt JSON string from an HTTP body.
func UnmarshalExchange(s string) (Document, error) {
	var doc Document
	if err := json.Unmarshal([]byte(s), &doc); err != nil {
		return Document{}, fmt.Errorf("failed to unmarshal exchange document: %w", err)
	}
	return doc, nil
}
