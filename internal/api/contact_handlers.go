package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/oakline/concierge/internal/api/helpers"
	"github.com/oakline/concierge/internal/contacts"
)

type personRequest struct {
	DisplayName  string     `json:"display_name"`
	GivenName    string     `json:"given_name"`
	FamilyName   string     `json:"family_name"`
	Emails       []string   `json:"emails"`
	Phones       []string   `json:"phones"`
	Organization string     `json:"organization"`
	Title        string     `json:"title"`
	Notes        string     `json:"notes"`
	Birthday     *time.Time `json:"birthday"`
}

type personResponse struct {
	ID           string     `json:"id"`
	DisplayName  string     `json:"display_name"`
	GivenName    string     `json:"given_name,omitempty"`
	FamilyName   string     `json:"family_name,omitempty"`
	Emails       []string   `json:"emails,omitempty"`
	Phones       []string   `json:"phones,omitempty"`
	Organization string     `json:"organization,omitempty"`
	Title        string     `json:"title,omitempty"`
	Notes        string     `json:"notes,omitempty"`
	Birthday     *time.Time `json:"birthday,omitempty"`
	IsCoreUser   bool       `json:"is_core_user"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func toPersonResponse(p *contacts.Person) personResponse {
	return personResponse{
		ID:           p.ID.String(),
		DisplayName:  p.DisplayName,
		GivenName:    p.GivenName,
		FamilyName:   p.FamilyName,
		Emails:       p.Emails,
		Phones:       p.Phones,
		Organization: p.Organization,
		Title:        p.Title,
		Notes:        p.Notes,
		Birthday:     p.Birthday,
		IsCoreUser:   p.IsCoreUser,
		CreatedAt:    p.CreatedAt,
		UpdatedAt:    p.UpdatedAt,
	}
}

func (s *Server) handleListContacts(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)

	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	people, err := s.contacts.List(r.Context(), ac.UserID, limit, offset)
	if err != nil {
		respondStoreError(w, err)
		return
	}

	out := make([]personResponse, 0, len(people))
	for _, p := range people {
		out = append(out, toPersonResponse(p))
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{"contacts": out})
}

func (s *Server) handleSearchContacts(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)

	query := r.URL.Query().Get("q")
	if query == "" {
		helpers.RespondError(w, http.StatusBadRequest, "q is required")
		return
	}

	people, err := s.contacts.Search(r.Context(), ac.UserID, query, queryInt(r, "limit", 20))
	if err != nil {
		respondStoreError(w, err)
		return
	}

	out := make([]personResponse, 0, len(people))
	for _, p := range people {
		out = append(out, toPersonResponse(p))
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{"contacts": out})
}

func (s *Server) handleCreateContact(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)

	var req personRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.DisplayName == "" {
		helpers.RespondError(w, http.StatusBadRequest, "display_name is required")
		return
	}

	p, err := s.contacts.Create(r.Context(), ac.UserID, &contacts.Person{
		DisplayName:  req.DisplayName,
		GivenName:    req.GivenName,
		FamilyName:   req.FamilyName,
		Emails:       req.Emails,
		Phones:       req.Phones,
		Organization: req.Organization,
		Title:        req.Title,
		Notes:        req.Notes,
		Birthday:     req.Birthday,
	})
	if err != nil {
		respondStoreError(w, err)
		return
	}
	helpers.RespondJSON(w, http.StatusCreated, toPersonResponse(p))
}

func (s *Server) handleGetContact(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)
	personID, ok := pathID(w, r, "personID")
	if !ok {
		return
	}

	p, err := s.contacts.Get(r.Context(), ac.UserID, personID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, toPersonResponse(p))
}

func (s *Server) handleUpdateContact(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)
	personID, ok := pathID(w, r, "personID")
	if !ok {
		return
	}

	var req personRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	p, err := s.contacts.Update(r.Context(), ac.UserID, &contacts.Person{
		ID:           personID,
		DisplayName:  req.DisplayName,
		GivenName:    req.GivenName,
		FamilyName:   req.FamilyName,
		Emails:       req.Emails,
		Phones:       req.Phones,
		Organization: req.Organization,
		Title:        req.Title,
		Notes:        req.Notes,
		Birthday:     req.Birthday,
	})
	if err != nil {
		respondStoreError(w, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, toPersonResponse(p))
}

func (s *Server) handleDeleteContact(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)
	personID, ok := pathID(w, r, "personID")
	if !ok {
		return
	}

	if err := s.contacts.SoftDelete(r.Context(), ac.UserID, personID); err != nil {
		respondStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type relationshipRequest struct {
	RelationType string     `json:"relation_type"`
	Notes        string     `json:"notes"`
	StartedAt    *time.Time `json:"started_at"`
}

func (s *Server) handleAddRelationship(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)
	personID, ok := pathID(w, r, "personID")
	if !ok {
		return
	}

	var req relationshipRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.RelationType == "" {
		helpers.RespondError(w, http.StatusBadRequest, "relation_type is required")
		return
	}

	rel, err := s.contacts.AddRelationship(r.Context(), ac.UserID, &contacts.Relationship{
		PersonID:     personID,
		RelationType: req.RelationType,
		Notes:        req.Notes,
		StartedAt:    req.StartedAt,
	})
	if err != nil {
		respondStoreError(w, err)
		return
	}
	helpers.RespondJSON(w, http.StatusCreated, rel)
}

func (s *Server) handleListRelationships(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)
	personID, ok := pathID(w, r, "personID")
	if !ok {
		return
	}

	rels, err := s.contacts.ListRelationships(r.Context(), ac.UserID, personID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{"relationships": rels})
}

func (s *Server) handleEndRelationship(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)
	relID, ok := pathID(w, r, "relationshipID")
	if !ok {
		return
	}

	if err := s.contacts.EndRelationship(r.Context(), ac.UserID, relID); err != nil {
		respondStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
