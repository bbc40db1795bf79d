package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/oakline/concierge/internal/cerr"
	"github.com/oakline/concierge/internal/tokenvault"
)

const (
	googleAuthURL      = "https://accounts.google.com/o/oauth2/v2/auth"
	googleTokenURL     = "https://oauth2.googleapis.com/token"
	googleTokenInfoURL = "https://oauth2.googleapis.com/tokeninfo"
)

// GoogleProvider drives the federated sign-in flow and token refresh
// against Google's OAuth2 endpoints. It also implements
// tokenvault.Refresher.
type GoogleProvider struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string

	httpClient *http.Client
	tokenURL   string
	infoURL    string
}

func NewGoogleProvider(clientID, clientSecret, redirectURI string) *GoogleProvider {
	return &GoogleProvider{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURI:  redirectURI,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		tokenURL:     googleTokenURL,
		infoURL:      googleTokenInfoURL,
	}
}

// UserInfo is the identity extracted from the provider's id_token.
type UserInfo struct {
	Subject string
	Email   string
	Name    string
}

// LoginURL builds the authorization redirect. access_type=offline requests
// a refresh token on first grant.
func (g *GoogleProvider) LoginURL(state string) string {
	q := url.Values{}
	q.Set("client_id", g.ClientID)
	q.Set("redirect_uri", g.RedirectURI)
	q.Set("response_type", "code")
	q.Set("scope", strings.Join([]string{
		"openid", "email", "profile",
		"https://www.googleapis.com/auth/gmail.readonly",
		"https://www.googleapis.com/auth/calendar",
		"https://www.googleapis.com/auth/contacts",
	}, " "))
	q.Set("access_type", "offline")
	q.Set("prompt", "consent")
	q.Set("state", state)
	return googleAuthURL + "?" + q.Encode()
}

type wireToken struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
	IDToken      string `json:"id_token"`

	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// Exchange trades an authorization code for a token bundle and verifies the
// id_token server-side via the tokeninfo endpoint.
func (g *GoogleProvider) Exchange(ctx context.Context, code string) (*tokenvault.Bundle, *UserInfo, error) {
	form := url.Values{}
	form.Set("code", code)
	form.Set("client_id", g.ClientID)
	form.Set("client_secret", g.ClientSecret)
	form.Set("redirect_uri", g.RedirectURI)
	form.Set("grant_type", "authorization_code")

	tok, err := g.postToken(ctx, form)
	if err != nil {
		return nil, nil, err
	}
	if tok.IDToken == "" {
		return nil, nil, fmt.Errorf("token response missing id_token")
	}

	info, err := g.verifyIDToken(ctx, tok.IDToken)
	if err != nil {
		return nil, nil, err
	}

	return bundleFrom(tok), info, nil
}

// Refresh implements tokenvault.Refresher. invalid_grant means the grant is
// gone for good (user revoked, token rotated away); surfaced as
// cerr.ErrTokenRevoked so the vault invalidates the record.
func (g *GoogleProvider) Refresh(ctx context.Context, refreshToken string) (*tokenvault.Bundle, error) {
	form := url.Values{}
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", g.ClientID)
	form.Set("client_secret", g.ClientSecret)
	form.Set("grant_type", "refresh_token")

	tok, err := g.postToken(ctx, form)
	if err != nil {
		return nil, err
	}
	return bundleFrom(tok), nil
}

func (g *GoogleProvider) postToken(ctx context.Context, form url.Values) (*wireToken, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token endpoint request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	var tok wireToken
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, fmt.Errorf("bad token response (status %d): %w", resp.StatusCode, err)
	}

	if resp.StatusCode != http.StatusOK {
		if tok.Error == "invalid_grant" {
			return nil, fmt.Errorf("%w: %s", cerr.ErrTokenRevoked, tok.ErrorDescription)
		}
		return nil, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, tok.Error)
	}

	return &tok, nil
}

func (g *GoogleProvider) verifyIDToken(ctx context.Context, idToken string) (*UserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		g.infoURL+"?id_token="+url.QueryEscape(idToken), nil)
	if err != nil {
		return nil, err
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tokeninfo request failed: %w", err)
	}
	defer resp.Body.Close()

	var ti struct {
		Iss           string `json:"iss"`
		Aud           string `json:"aud"`
		Sub           string `json:"sub"`
		Email         string `json:"email"`
		EmailVerified string `json:"email_verified"`
		Name          string `json:"name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ti); err != nil {
		return nil, fmt.Errorf("tokeninfo parse error: %w", err)
	}

	if ti.Aud != g.ClientID {
		return nil, fmt.Errorf("%w: id_token audience mismatch", cerr.ErrUnauthorized)
	}
	if ti.Iss != "accounts.google.com" && ti.Iss != "https://accounts.google.com" {
		return nil, fmt.Errorf("%w: id_token issuer mismatch", cerr.ErrUnauthorized)
	}
	if ti.Sub == "" || ti.Email == "" {
		return nil, fmt.Errorf("%w: id_token missing subject or email", cerr.ErrUnauthorized)
	}

	return &UserInfo{Subject: ti.Sub, Email: ti.Email, Name: ti.Name}, nil
}

func bundleFrom(tok *wireToken) *tokenvault.Bundle {
	var scopes []string
	if tok.Scope != "" {
		scopes = strings.Fields(tok.Scope)
	}
	return &tokenvault.Bundle{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresIn:    tok.ExpiresIn,
		Scopes:       scopes,
	}
}
