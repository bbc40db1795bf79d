package api

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"net/url"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/oakline/concierge/internal/api/helpers"
	"github.com/oakline/concierge/internal/api/middleware"
	"github.com/oakline/concierge/internal/audit"
	"github.com/oakline/concierge/internal/auth"
)

const stateCookie = "oauth_state"

// handleGoogleLogin starts the Google sign-in flow. The random state value
// is stored in a short-lived cookie and verified on the callback.
func (s *Server) handleGoogleLogin(w http.ResponseWriter, r *http.Request) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		helpers.RespondError(w, http.StatusInternalServerError, "could not start sign-in")
		return
	}
	state := hex.EncodeToString(buf)

	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		Path:     "/api/v1/auth",
		MaxAge:   600,
		HttpOnly: true,
		Secure:   s.cfg.IsProduction(),
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, s.google.LoginURL(state), http.StatusFound)
}

// handleGoogleCallback completes the flow: exchanges the code, enforces the
// email whitelist, provisions or resolves the tenant, vaults the provider
// tokens and hands the browser back to the frontend with a bearer token.
func (s *Server) handleGoogleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ip := helpers.GetRealIP(r).String()
	requestID := chimw.GetReqID(ctx)

	cookie, err := r.Cookie(stateCookie)
	if err != nil || cookie.Value == "" || cookie.Value != r.URL.Query().Get("state") {
		helpers.RespondError(w, http.StatusBadRequest, "invalid state")
		return
	}
	// One-shot: clear the state cookie regardless of outcome.
	http.SetCookie(w, &http.Cookie{Name: stateCookie, Path: "/api/v1/auth", MaxAge: -1})

	code := r.URL.Query().Get("code")
	if code == "" {
		helpers.RespondError(w, http.StatusBadRequest, "missing code")
		return
	}

	bundle, info, err := s.google.Exchange(ctx, code)
	if err != nil {
		s.logger.Error("google_exchange_failed", "error", err)
		helpers.RespondError(w, http.StatusBadGateway, "sign-in failed")
		return
	}

	if !s.cfg.EmailAllowed(info.Email) {
		s.auditor.Log(ctx, audit.Entry{
			Action:    audit.ActionSignInDenied,
			Details:   map[string]any{"reason": "email_not_allowed"},
			IP:        ip,
			RequestID: requestID,
			Success:   false,
		})
		helpers.RespondError(w, http.StatusForbidden, "account not allowed")
		return
	}

	user, created, err := s.authSvc.SignIn(ctx, auth.SignInInput{
		Provider:    "google",
		Subject:     info.Subject,
		Email:       info.Email,
		DisplayName: info.Name,
	})
	if err != nil {
		s.logger.Error("sign_in_failed", "error", err)
		helpers.RespondError(w, http.StatusInternalServerError, "sign-in failed")
		return
	}

	if err := s.vault.Save(ctx, user.ID, "google", bundle); err != nil {
		s.logger.Error("token_vault_save_failed", "user_id", user.ID, "error", err)
		helpers.RespondError(w, http.StatusInternalServerError, "sign-in failed")
		return
	}
	if err := s.sync.Ensure(ctx, user.ID, "google_contacts"); err != nil {
		s.logger.Warn("sync_state_ensure_failed", "user_id", user.ID, "error", err)
	}

	token, err := s.tokens.GenerateAccessToken(user.ID, user.PrimaryEmail, user.DisplayName)
	if err != nil {
		s.logger.Error("token_generation_failed", "user_id", user.ID, "error", err)
		helpers.RespondError(w, http.StatusInternalServerError, "sign-in failed")
		return
	}

	s.auditor.Log(ctx, audit.Entry{
		UserID:    user.ID,
		Action:    audit.ActionSignIn,
		Details:   map[string]any{"provider": "google", "new_tenant": created},
		IP:        ip,
		UserAgent: r.UserAgent(),
		RequestID: requestID,
		Success:   true,
	})

	// Browser clients authenticate by cookie; API clients take the token
	// from the redirect and send it as a bearer header.
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(s.cfg.JWTExpiry.Seconds()),
		HttpOnly: true,
		Secure:   s.cfg.IsProduction(),
		SameSite: http.SameSiteLaxMode,
	})

	redirect := s.cfg.FrontendURL + "/auth/callback?" + url.Values{"token": {token}}.Encode()
	http.Redirect(w, r, redirect, http.StatusFound)
}

// handleGetMe returns the signed-in tenant's own record.
func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)

	// A valid token whose tenant no longer resolves means the account went
	// away underneath it; force re-auth rather than 404.
	user, err := s.authSvc.GetUser(r.Context(), ac.UserID)
	if err != nil {
		helpers.RespondError(w, http.StatusUnauthorized, "unknown account")
		return
	}

	helpers.RespondJSON(w, http.StatusOK, map[string]any{
		"id":           user.ID,
		"email":        user.PrimaryEmail,
		"display_name": user.DisplayName,
		"timezone":     user.Timezone,
		"created_at":   user.CreatedAt.Format(time.RFC3339),
	})
}

func (s *Server) handleUpdateTimezone(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)

	var req struct {
		Timezone string `json:"timezone"`
	}
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := time.LoadLocation(req.Timezone); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, "unknown timezone")
		return
	}

	if err := s.authSvc.UpdateTimezone(r.Context(), ac.UserID, req.Timezone); err != nil {
		s.logger.Error("timezone_update_failed", "user_id", ac.UserID, "error", err)
		helpers.RespondError(w, http.StatusInternalServerError, "update failed")
		return
	}

	helpers.RespondJSON(w, http.StatusOK, map[string]string{"timezone": req.Timezone})
}
