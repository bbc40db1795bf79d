package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/oakline/concierge/internal/api/helpers"
	"github.com/oakline/concierge/internal/profile"
)

func (s *Server) handleListMemories(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)

	memories, err := s.profile.Memories(r.Context(), ac.UserID, r.URL.Query().Get("category"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{"memories": memories})
}

func (s *Server) handleUpsertMemory(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)

	var req struct {
		Category  string `json:"category"`
		FactKey   string `json:"fact_key"`
		FactValue string `json:"fact_value"`
	}
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Category == "" || req.FactKey == "" {
		helpers.RespondError(w, http.StatusBadRequest, "category and fact_key are required")
		return
	}

	m, err := s.profile.UpsertMemory(r.Context(), ac.UserID, &profile.Memory{
		Category:  req.Category,
		FactKey:   req.FactKey,
		FactValue: req.FactValue,
	})
	if err != nil {
		respondStoreError(w, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, m)
}

func (s *Server) handleDeleteMemory(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)
	memoryID, ok := pathID(w, r, "memoryID")
	if !ok {
		return
	}

	if err := s.profile.DeleteMemory(r.Context(), ac.UserID, memoryID); err != nil {
		respondStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListInterests(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)

	interests, err := s.profile.Interests(r.Context(), ac.UserID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{"interests": interests})
}

func (s *Server) handleAddInterest(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)

	var req struct {
		Topic   string `json:"topic"`
		Details string `json:"details"`
	}
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Topic == "" {
		helpers.RespondError(w, http.StatusBadRequest, "topic is required")
		return
	}

	in, err := s.profile.AddInterest(r.Context(), ac.UserID, &profile.Interest{
		Topic:   req.Topic,
		Details: req.Details,
	})
	if err != nil {
		respondStoreError(w, err)
		return
	}
	helpers.RespondJSON(w, http.StatusCreated, in)
}

func (s *Server) handleUpcomingDates(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)

	within := time.Duration(queryInt(r, "days", 30)) * 24 * time.Hour
	dates, err := s.profile.UpcomingDates(r.Context(), ac.UserID, within)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{"dates": dates})
}

func (s *Server) handleAddImportantDate(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)

	var req struct {
		PersonID  *uuid.UUID `json:"person_id"`
		Title     string     `json:"title"`
		Notes     string     `json:"notes"`
		Date      time.Time  `json:"date"`
		Recurring bool       `json:"recurring"`
	}
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Title == "" || req.Date.IsZero() {
		helpers.RespondError(w, http.StatusBadRequest, "title and date are required")
		return
	}

	d, err := s.profile.AddImportantDate(r.Context(), ac.UserID, &profile.ImportantDate{
		PersonID:  req.PersonID,
		Title:     req.Title,
		Notes:     req.Notes,
		Date:      req.Date,
		Recurring: req.Recurring,
	})
	if err != nil {
		respondStoreError(w, err)
		return
	}
	helpers.RespondJSON(w, http.StatusCreated, d)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)

	tasks, err := s.profile.Tasks(r.Context(), ac.UserID, r.URL.Query().Get("status"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)

	var req struct {
		Title       string     `json:"title"`
		Description string     `json:"description"`
		Payload     string     `json:"payload"`
		DueAt       *time.Time `json:"due_at"`
	}
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Title == "" {
		helpers.RespondError(w, http.StatusBadRequest, "title is required")
		return
	}

	t, err := s.profile.CreateTask(r.Context(), ac.UserID, &profile.Task{
		Title:       req.Title,
		Description: req.Description,
		Payload:     req.Payload,
		DueAt:       req.DueAt,
	})
	if err != nil {
		respondStoreError(w, err)
		return
	}
	helpers.RespondJSON(w, http.StatusCreated, t)
}

func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)
	taskID, ok := pathID(w, r, "taskID")
	if !ok {
		return
	}

	var req struct {
		Result string `json:"result"`
		Failed bool   `json:"failed"`
	}
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.profile.CompleteTask(r.Context(), ac.UserID, taskID, req.Result, req.Failed); err != nil {
		respondStoreError(w, err)
		return
	}

	status := profile.TaskCompleted
	if req.Failed {
		status = profile.TaskFailed
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]string{"status": status})
}
