package middleware

import (
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/oakline/concierge/internal/audit"
	"github.com/oakline/concierge/internal/pii"
)

// PIIContext installs a fresh masking context for the request and, at
// request end, emits one counts-only audit row when anything was masked.
// The context dies with the request; mappings never outlive it.
func PIIContext(auditor audit.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			pc := pii.NewContext()
			ctx := WithPIIContext(r.Context(), pc)

			next.ServeHTTP(w, r.WithContext(ctx))

			stats := pc.GetStats()
			if stats.Total == 0 {
				return
			}

			entry := audit.PIIEntry{
				RequestID: middleware.GetReqID(ctx),
				Endpoint:  r.URL.Path,
				Mode:      stats.Mode,
				Counts:    stats.ByType,
			}
			if ac, err := GetAuthContext(ctx); err == nil {
				entry.UserID = ac.UserID
			}
			auditor.LogPII(ctx, entry)
		})
	}
}
