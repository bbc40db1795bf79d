package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/oakline/concierge/internal/api/helpers"
	"github.com/oakline/concierge/internal/api/middleware"
	"github.com/oakline/concierge/internal/chat"
	"github.com/oakline/concierge/internal/pii"
)

type sessionResponse struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	Status        string     `json:"status"`
	MessageCount  int        `json:"message_count"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

func toSessionResponse(sess *chat.Session) sessionResponse {
	return sessionResponse{
		ID:            sess.ID.String(),
		Title:         sess.Title,
		Status:        sess.Status,
		MessageCount:  sess.MessageCount,
		LastMessageAt: sess.LastMessageAt,
		CreatedAt:     sess.CreatedAt,
	}
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)

	sessions, err := s.chat.ListSessions(r.Context(), ac.UserID, queryInt(r, "limit", 50))
	if err != nil {
		respondStoreError(w, err)
		return
	}

	out := make([]sessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, toSessionResponse(sess))
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)

	var req struct {
		Title string `json:"title"`
	}
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	sess, err := s.chat.CreateSession(r.Context(), ac.UserID, req.Title)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	helpers.RespondJSON(w, http.StatusCreated, toSessionResponse(sess))
}

func (s *Server) handleRecentMessages(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)
	sessionID, ok := pathID(w, r, "sessionID")
	if !ok {
		return
	}

	msgs, err := s.chat.Recent(r.Context(), ac.UserID, sessionID, queryInt(r, "limit", 50))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleAppendMessage(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)
	sessionID, ok := pathID(w, r, "sessionID")
	if !ok {
		return
	}

	var req struct {
		Role      string          `json:"role"`
		Content   string          `json:"content"`
		ToolCalls json.RawMessage `json:"tool_calls"`
	}
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Role == "" || req.Content == "" {
		helpers.RespondError(w, http.StatusBadRequest, "role and content are required")
		return
	}

	// Track PII passing through the chat boundary. Only counts reach the
	// audit trail; the stored message keeps the original text, sealed.
	if pc := middleware.GetPIIContext(r.Context()); pc != nil {
		pc.MaskAndTrack(req.Content, pii.ModeFull)
	}

	msg, err := s.chat.Append(r.Context(), ac.UserID, sessionID, req.Role, req.Content, req.ToolCalls)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	helpers.RespondJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleArchiveSession(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)
	sessionID, ok := pathID(w, r, "sessionID")
	if !ok {
		return
	}

	key, err := s.chat.ArchiveSession(r.Context(), ac.UserID, sessionID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]string{"archive_key": key})
}

// handleReadArchive serves the full transcript of an archived session from
// the cold tier. A 409 means the object sits in deep archive and a restore
// has to be requested first.
func (s *Server) handleReadArchive(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)
	sessionID, ok := pathID(w, r, "sessionID")
	if !ok {
		return
	}

	sess, err := s.chat.GetSession(r.Context(), ac.UserID, sessionID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if sess.ArchiveKey == "" {
		helpers.RespondError(w, http.StatusConflict, "session is not archived")
		return
	}

	payload, err := s.chat.ReadArchive(r.Context(), ac.UserID, sess.ArchiveKey)
	if err != nil {
		if errors.Is(err, chat.ErrRestoreNeeded) {
			helpers.RespondError(w, http.StatusConflict, "archive requires restore")
			return
		}
		respondStoreError(w, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, payload)
}

func (s *Server) handleRequestRestore(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)
	sessionID, ok := pathID(w, r, "sessionID")
	if !ok {
		return
	}

	sess, err := s.chat.GetSession(r.Context(), ac.UserID, sessionID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if sess.ArchiveKey == "" {
		helpers.RespondError(w, http.StatusConflict, "session is not archived")
		return
	}

	if err := s.chat.RequestRestore(r.Context(), sess.ArchiveKey); err != nil {
		s.logger.Error("archive_restore_request_failed", "session_id", sessionID, "error", err)
		helpers.RespondError(w, http.StatusBadGateway, "restore request failed")
		return
	}
	helpers.RespondJSON(w, http.StatusAccepted, map[string]string{"status": "restore_requested"})
}
