// Package ot holds the operation model for collaborative edits and the
// position-preserving transformation applied when concurrent edits race.
// The coordination engine treats everything here as an opaque payload; only
// this package interprets operation contents.
package ot

import "encoding/json"

// Operation types understood by the transformer.
const (
	OpInsert = "insert"
	OpDelete = "delete"
	OpFormat = "format"
)

// Operation represents a single fine-grained edit against the document text.
type Operation struct {
	// Type is one of OpInsert, OpDelete or OpFormat.
	Type string `json:"type"`

	// Position is the zero-based offset the operation targets.
	Position int `json:"position"`

	// Text is the inserted content. Only set for insert operations.
	Text string `json:"text,omitempty"`

	// Length is the affected span. Only set for delete and format operations.
	Length int `json:"length,omitempty"`

	// Format holds formatting attributes for format operations.
	Format map[string]string `json:"format,omitempty"`
}

// ActionInfo is one client edit action: a batch of operations stamped with
// the submitting client's base version. After the engine commits it, Version
// carries the server-assigned version and IsTransformed is true.
type ActionInfo struct {
	FileID        string      `json:"fileId"`
	ConnectionID  string      `json:"connectionId,omitempty"`
	CurrentUser   string      `json:"currentUser,omitempty"`
	Version       int64       `json:"version"`
	Operations    []Operation `json:"operations"`
	IsTransformed bool        `json:"isTransformed"`
}

// Clone returns a deep copy of the action. Transform works on copies so the
// caller's action survives a retry intact.
func (a ActionInfo) Clone() ActionInfo {
	out := a
	out.Operations = make([]Operation, len(a.Operations))
	copy(out.Operations, a.Operations)
	for i, op := range out.Operations {
		if op.Format != nil {
			f := make(map[string]string, len(op.Format))
			for k, v := range op.Format {
				f[k] = v
			}
			out.Operations[i].Format = f
		}
	}
	return out
}

// Encode serializes the action into the payload form stored in the ledger.
func Encode(a ActionInfo) ([]byte, error) {
	return json.Marshal(a)
}

// Decode parses a ledger payload back into an action.
func Decode(data []byte) (ActionInfo, error) {
	var a ActionInfo
	if err := json.Unmarshal(data, &a); err != nil {
		return ActionInfo{}, err
	}
	return a, nil
}

// DecodeAll parses a batch of ledger payloads in order.
func DecodeAll(payloads [][]byte) ([]ActionInfo, error) {
	actions := make([]ActionInfo, 0, len(payloads))
	for _, p := range payloads {
		a, err := Decode(p)
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, nil
}
