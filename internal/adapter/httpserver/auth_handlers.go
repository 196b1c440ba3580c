package httpserver

import (
	"log/slog"
	"net/http"

	"github.com/vibetune/audiosidecar/internal/adapter/provider"
	"github.com/vibetune/audiosidecar/internal/stream/session"
)

// DeviceAuthHandler starts a device-code grant. The client shows the user
// code and polls TokenHandler until approval.
func (s *Server) DeviceAuthHandler(w http.ResponseWriter, r *http.Request) {
	da, err := s.api.StartDeviceAuth(r.Context())
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"device_code":      da.DeviceCode,
		"user_code":        da.UserCode,
		"verification_uri": da.VerificationURI,
		"expires_in":       da.ExpiresIn,
		"interval":         da.Interval,
	})
}

type tokenRequest struct {
	DeviceCode string `json:"device_code" validate:"required"`
}

// TokenHandler exchanges a device code for tokens and installs the session.
// While the user has not approved yet it answers 428 so clients keep polling.
func (s *Server) TokenHandler(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := s.decodeBody(r, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	tokens, err := s.api.PollDeviceToken(r.Context(), req.DeviceCode)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	creds := credsFromTokens(tokens)
	if err := s.sessions.Restore(r.Context(), creds.PrincipalID, creds); err != nil {
		writeError(w, r, err, nil)
		return
	}
	LoggerFrom(r).Info("device grant completed", slog.String("user_id", creds.PrincipalID))
	writeJSON(w, http.StatusOK, tokensBody(creds))
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

// RefreshHandler trades a refresh token for fresh tokens and reinstalls the
// session.
func (s *Server) RefreshHandler(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := s.decodeBody(r, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	tokens, err := s.api.RefreshToken(r.Context(), req.RefreshToken)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	creds := credsFromTokens(tokens)
	if creds.RefreshToken == "" {
		creds.RefreshToken = req.RefreshToken
	}
	if err := s.sessions.Restore(r.Context(), creds.PrincipalID, creds); err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, tokensBody(creds))
}

type sessionRequest struct {
	UserID       string `json:"user_id" validate:"required"`
	AccessToken  string `json:"access_token" validate:"required"`
	RefreshToken string `json:"refresh_token"`
	CountryCode  string `json:"country_code"`
}

// SessionHandler restores a session from tokens the client kept. An expired
// access token is tolerated when a refresh token comes along.
func (s *Server) SessionHandler(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := s.decodeBody(r, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	creds := session.Credentials{
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		PrincipalID:  req.UserID,
		Region:       req.CountryCode,
	}
	if err := s.sessions.Restore(r.Context(), req.UserID, creds); err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "user_id": req.UserID})
}

// AuthStatusHandler reports whether the user holds a live session.
func (s *Server) AuthStatusHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDParam(r)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	_, err = s.sessions.Get(userID)
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":       userID,
		"authenticated": err == nil,
	})
}

// LogoutHandler drops the user's session and cached URLs.
func (s *Server) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDParam(r)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	s.sessions.Invalidate(userID)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func credsFromTokens(t provider.Tokens) session.Credentials {
	return session.Credentials{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		PrincipalID:  t.User.UserID.String(),
		Region:       t.User.CountryCode,
	}
}

func tokensBody(c session.Credentials) map[string]any {
	return map[string]any{
		"user_id":       c.PrincipalID,
		"country_code":  c.Region,
		"access_token":  c.AccessToken,
		"refresh_token": c.RefreshToken,
	}
}
