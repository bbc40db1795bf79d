package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/oakline/concierge/internal/api/helpers"
	"github.com/oakline/concierge/internal/api/middleware"
	"github.com/oakline/concierge/internal/auth"
	"github.com/oakline/concierge/internal/cerr"
)

// mustAuth returns the AuthContext for a request behind the Authenticate
// middleware. Reaching a protected handler without one is a routing bug.
func mustAuth(r *http.Request) auth.AuthContext {
	return middleware.MustGetAuthContext(r.Context())
}

// pathID parses a uuid route parameter; ok is false after an error response
// has already been written.
func pathID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		helpers.RespondError(w, http.StatusBadRequest, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

// respondStoreError maps service errors onto HTTP statuses. Under row level
// security a foreign tenant's row and a missing row are indistinguishable,
// so both come back as 404.
func respondStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, cerr.ErrNotFound):
		helpers.RespondError(w, http.StatusNotFound, "not found")
	case errors.Is(err, cerr.ErrForbidden):
		helpers.RespondError(w, http.StatusForbidden, "forbidden")
	default:
		helpers.RespondError(w, http.StatusInternalServerError, "internal error")
	}
}
