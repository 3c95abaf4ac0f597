package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"coedit/internal/blob"
	"coedit/internal/engine"
	"coedit/internal/ot"
)

// writeJSON encodes a JSON response body.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// decodeBody parses a JSON request body, answering 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// requirePost rejects non-POST methods.
func requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// validDocID checks that a document id is the opaque UUID form minted at
// ingest. Identity never derives from file names.
func validDocID(w http.ResponseWriter, fileID string) bool {
	if _, err := uuid.Parse(fileID); err != nil {
		http.Error(w, "Invalid fileId", http.StatusBadRequest)
		return false
	}
	return true
}

// handleCreateDocument handles POST /api/collab/CreateDocument.
func (s *Server) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}

	docID, err := s.engine.Create(r.Context())
	if err != nil {
		s.logger.Error("Failed to create document", zap.Error(err))
		http.Error(w, "Failed to create document", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"fileId": docID})
}

// handleImportFile handles POST /api/collab/ImportFile.
func (s *Server) handleImportFile(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		FileID string `json:"fileId"`
	}
	if !decodeBody(w, r, &req) || !validDocID(w, req.FileID) {
		return
	}

	result, err := s.engine.Import(r.Context(), req.FileID)
	if errors.Is(err, blob.ErrNotFound) {
		http.Error(w, "Unknown fileId", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("Failed to import document",
			zap.String("document_id", req.FileID),
			zap.Error(err))
		http.Error(w, "Failed to import document", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sfdt":    result.Sfdt,
		"version": result.Version,
	})
}

// handleUpdateAction handles POST /api/collab/UpdateAction.
func (s *Server) handleUpdateAction(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var action ot.ActionInfo
	if !decodeBody(w, r, &action) || !validDocID(w, action.FileID) {
		return
	}

	committed, err := s.engine.Submit(r.Context(), engine.SubmitRequest{
		DocID:         action.FileID,
		ClientVersion: action.Version,
		UserName:      action.CurrentUser,
		Action:        action,
	})
	if err != nil {
		var stale *engine.StaleClientError
		switch {
		case errors.As(err, &stale):
			http.Error(w, fmt.Sprintf("RESYNC_REQUIRED: %s", stale.Error()), http.StatusConflict)
		case errors.Is(err, engine.ErrRetriesExhausted):
			s.logger.Warn("Update action exhausted retries",
				zap.String("document_id", action.FileID))
			http.Error(w, "Failed to apply action", http.StatusInternalServerError)
		default:
			s.logger.Error("Failed to apply action",
				zap.String("document_id", action.FileID),
				zap.Error(err))
			http.Error(w, "Failed to apply action", http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, committed)
}

// handleGetActions handles POST /api/collab/GetActionsFromServer.
func (s *Server) handleGetActions(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		FileID  string `json:"fileId"`
		Version int64  `json:"version"`
	}
	if !decodeBody(w, r, &req) || !validDocID(w, req.FileID) {
		return
	}

	result, err := s.engine.GetSince(r.Context(), req.FileID, req.Version)
	if err != nil {
		s.logger.Error("Failed to fetch actions",
			zap.String("document_id", req.FileID),
			zap.Error(err))
		http.Error(w, "Failed to fetch actions", http.StatusInternalServerError)
		return
	}

	resp := struct {
		Operations  []ot.ActionInfo `json:"operations"`
		Resync      bool            `json:"resync"`
		WindowStart *int64          `json:"windowStart,omitempty"`
	}{
		Operations: result.Actions,
		Resync:     result.Resync,
	}
	if resp.Operations == nil {
		resp.Operations = []ot.ActionInfo{}
	}
	if result.Resync {
		resp.WindowStart = &result.WindowStart
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleShouldSave handles POST /api/collab/ShouldSave.
func (s *Server) handleShouldSave(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		FileID               string `json:"fileId"`
		LatestAppliedVersion int64  `json:"latestAppliedVersion"`
		CurrentUser          string `json:"currentUser"`
	}
	if !decodeBody(w, r, &req) || !validDocID(w, req.FileID) {
		return
	}

	check, err := s.engine.ShouldSave(r.Context(), req.FileID, req.LatestAppliedVersion, req.CurrentUser)
	if err != nil {
		s.logger.Error("Failed to check save state",
			zap.String("document_id", req.FileID),
			zap.Error(err))
		http.Error(w, "Failed to check save state", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"shouldSave":              check.ShouldSave,
		"currentPersistedVersion": check.PersistedVersion,
	})
}

// handleSaveDocument handles POST /api/collab/SaveDocument.
func (s *Server) handleSaveDocument(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		FileID               string `json:"fileId"`
		Sfdt                 string `json:"sfdt"`
		LatestAppliedVersion int64  `json:"latestAppliedVersion"`
		CurrentUser          string `json:"currentUser"`
	}
	if !decodeBody(w, r, &req) || !validDocID(w, req.FileID) {
		return
	}

	result, err := s.engine.Save(r.Context(), engine.SaveRequest{
		DocID:                req.FileID,
		Sfdt:                 req.Sfdt,
		ClientAppliedVersion: req.LatestAppliedVersion,
		UserName:             req.CurrentUser,
	})
	if err != nil {
		s.logger.Error("Failed to save document",
			zap.String("document_id", req.FileID),
			zap.Error(err))
		http.Error(w, fmt.Sprintf("Failed to save document: %v", err), http.StatusInternalServerError)
		return
	}

	resp := map[string]interface{}{
		"success": true,
		"message": "Document saved",
	}
	if result.Skipped {
		resp["message"] = "Document already persisted"
		resp["skipped"] = true
	}
	writeJSON(w, http.StatusOK, resp)
}
