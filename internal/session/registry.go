// Package session tracks which users are connected to which document and
// drives the join/leave notifications. Session state lives in the
// coordination store so every server instance sees the same presence list.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"

	"coedit/internal/hub"
	"coedit/internal/ledger"
)

// Registry manages editing sessions for documents.
type Registry struct {
	coordinator ledger.Coordinator
	hub         *hub.Hub
	node        *snowflake.Node
	logger      *zap.Logger
}

// NewRegistry creates a registry. nodeID distinguishes server instances so
// connection ids never collide across the fleet.
func NewRegistry(coordinator ledger.Coordinator, h *hub.Hub, nodeID int64, logger *zap.Logger) (*Registry, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to create snowflake node: %w", err)
	}
	return &Registry{
		coordinator: coordinator,
		hub:         h,
		node:        node,
		logger:      logger,
	}, nil
}

// Join registers a new session for a user on a document, returning the
// generated session id and the full user list after the join. The list is
// also broadcast to the document's subscribers.
func (r *Registry) Join(ctx context.Context, docID, userName string) (string, []ledger.SessionRecord, error) {
	sessionID := r.node.Generate().String()
	now := time.Now().UnixMilli()
	rec := ledger.SessionRecord{
		SessionID:     sessionID,
		UserName:      userName,
		LastHeartbeat: now,
		LastAction:    now,
	}

	if err := r.coordinator.AddSession(ctx, docID, rec); err != nil {
		return "", nil, fmt.Errorf("failed to add session: %w", err)
	}

	users, err := r.coordinator.ListSessions(ctx, docID)
	if err != nil {
		return "", nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	r.logger.Info("Session joined",
		zap.String("document_id", docID),
		zap.String("session_id", sessionID),
		zap.String("user_name", userName))

	r.hub.PublishJoin(docID, users)
	return sessionID, users, nil
}

// Leave removes a session and broadcasts its departure. Unknown session ids
// are a no-op: a reaped session may race its own disconnect.
func (r *Registry) Leave(ctx context.Context, sessionID string) error {
	docID, ok, err := r.coordinator.SessionDocument(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to resolve session: %w", err)
	}
	if !ok {
		return nil
	}

	removed, err := r.coordinator.RemoveSession(ctx, docID, sessionID)
	if err != nil {
		return fmt.Errorf("failed to remove session: %w", err)
	}
	if removed {
		r.logger.Info("Session left",
			zap.String("document_id", docID),
			zap.String("session_id", sessionID))
		r.hub.PublishLeave(docID, sessionID)
	}
	return nil
}

// Touch refreshes the selected timestamps on every session of a user.
func (r *Registry) Touch(ctx context.Context, docID, userName string, touch ledger.Touch) error {
	return r.coordinator.TouchSession(ctx, docID, userName, touch, time.Now())
}

// List returns the sessions of a document in join order.
func (r *Registry) List(ctx context.Context, docID string) ([]ledger.SessionRecord, error) {
	return r.coordinator.ListSessions(ctx, docID)
}
