package api

import (
	"context"
	"net/http"
	"time"

	"github.com/oakline/concierge/internal/api/helpers"
)

// handleHealth reports liveness plus database reachability. A failing ping
// returns 503 so the load balancer stops routing to this instance.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.pool.Ping(ctx); err != nil {
		s.logger.Error("health_check_failed", "error", err)
		helpers.RespondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
		})
		return
	}

	helpers.RespondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}
