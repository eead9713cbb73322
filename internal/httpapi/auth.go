// Copyright 2025 James Ross
package httpapi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/flyingrobots/dubcast-job-server/internal/audit"
	"github.com/flyingrobots/dubcast-job-server/internal/errs"
	"github.com/flyingrobots/dubcast-job-server/internal/metastore"
	"github.com/flyingrobots/dubcast-job-server/internal/policy"
)

// loginRequest is the password-less credential this system accepts:
// invite redemption is the only way an account (and its TOTP secret) is
// created, so a returning login is authenticated by a TOTP code alone,
// the same device-independent second factor the account already
// enrolled during redemption.
type loginRequest struct {
	Login    string `json:"login"`
	TOTPCode string `json:"totp_code"`
	DeviceID string `json:"device_id"`
}

type loginResponse struct {
	UserID    string `json:"user_id"`
	Role      string `json:"role"`
	CSRFToken string `json:"csrf_token"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.New("httpapi.handleLogin", errs.Validation, err))
		return
	}
	user, err := s.deps.Store.GetUserByLogin(r.Context(), req.Login)
	if err != nil {
		writeError(w, errs.New("httpapi.handleLogin", errs.Auth, nil))
		return
	}
	if !user.TOTPEnabled {
		writeError(w, errs.New("httpapi.handleLogin", errs.Auth, nil))
		return
	}
	if err := policy.VerifyTOTP(user.TOTPSecret, req.TOTPCode); err != nil {
		s.recordAudit(r, "auth.login", user.ID, "denied", nil)
		writeError(w, err)
		return
	}

	sess := &metastore.Session{
		ID:            uuid.NewString(),
		UserID:        user.ID,
		DeviceID:      req.DeviceID,
		CreatedIPHash: hashIP(r.RemoteAddr),
	}
	if err := s.deps.Store.CreateSession(r.Context(), sess); err != nil {
		writeError(w, err)
		return
	}

	s.setSessionCookie(w, sess.ID)
	csrfToken := s.setCSRFCookie(w)
	s.recordAudit(r, "auth.login", user.ID, "allowed", nil)
	writeJSON(w, http.StatusOK, loginResponse{UserID: user.ID, Role: string(user.Role), CSRFToken: csrfToken})
}

// handleRefresh reissues the CSRF token for the caller's existing
// session without minting a new session id.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ident := policy.IdentityFromContext(r.Context())
	if ident == nil {
		writeError(w, errs.New("httpapi.handleRefresh", errs.Auth, nil))
		return
	}
	csrfToken := s.setCSRFCookie(w)
	writeJSON(w, http.StatusOK, loginResponse{UserID: ident.UserID, Role: string(ident.Role), CSRFToken: csrfToken})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	ident := policy.IdentityFromContext(r.Context())
	if ident != nil && ident.SessID != "" {
		_ = s.deps.Store.RevokeSession(r.Context(), ident.SessID)
	}
	s.clearSessionCookie(w)
	s.recordAudit(r, "auth.logout", identUserID(ident), "allowed", nil)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTOTPSetup(w http.ResponseWriter, r *http.Request) {
	ident := policy.IdentityFromContext(r.Context())
	if ident == nil {
		writeError(w, errs.New("httpapi.handleTOTPSetup", errs.Auth, nil))
		return
	}
	secret, err := policy.NewTOTPSecret()
	if err != nil {
		writeError(w, errs.New("httpapi.handleTOTPSetup", errs.Internal, err))
		return
	}
	if err := s.deps.Store.SetUserTOTP(r.Context(), ident.UserID, secret, false); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"secret":             secret,
		"provisioning_uri": policy.TOTPProvisioningURI("dubcast", ident.UserID, secret),
	})
}

func (s *Server) handleTOTPVerify(w http.ResponseWriter, r *http.Request) {
	ident := policy.IdentityFromContext(r.Context())
	if ident == nil {
		writeError(w, errs.New("httpapi.handleTOTPVerify", errs.Auth, nil))
		return
	}
	var req struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.New("httpapi.handleTOTPVerify", errs.Validation, err))
		return
	}
	user, err := s.deps.Store.GetUser(r.Context(), ident.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := policy.VerifyTOTP(user.TOTPSecret, req.Code); err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Store.SetUserTOTP(r.Context(), ident.UserID, user.TOTPSecret, true); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleQRInit(w http.ResponseWriter, r *http.Request) {
	if s.deps.QRLogin == nil {
		writeError(w, errs.New("httpapi.handleQRInit", errs.Internal, nil))
		return
	}
	tok, err := s.deps.QRLogin.Issue(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": tok.Token, "expires_at": tok.ExpiresAt})
}

func (s *Server) handleQRRedeem(w http.ResponseWriter, r *http.Request) {
	ident := policy.IdentityFromContext(r.Context())
	if ident == nil || s.deps.QRLogin == nil {
		writeError(w, errs.New("httpapi.handleQRRedeem", errs.Auth, nil))
		return
	}
	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.New("httpapi.handleQRRedeem", errs.Validation, err))
		return
	}
	sess := &metastore.Session{ID: uuid.NewString(), UserID: ident.UserID, CreatedIPHash: hashIP(r.RemoteAddr)}
	if err := s.deps.Store.CreateSession(r.Context(), sess); err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.QRLogin.Redeem(r.Context(), req.Token, ident.UserID, sess.ID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	ident := policy.IdentityFromContext(r.Context())
	if ident == nil {
		writeError(w, errs.New("httpapi.handleListSessions", errs.Auth, nil))
		return
	}
	sessions, err := s.deps.Store.ListSessions(r.Context(), ident.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	ident := policy.IdentityFromContext(r.Context())
	if ident == nil {
		writeError(w, errs.New("httpapi.handleRevokeSession", errs.Auth, nil))
		return
	}
	id := mux.Vars(r)["id"]
	sess, err := s.deps.Store.GetSession(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if sess.UserID != ident.UserID && ident.Role != metastore.RoleAdmin {
		writeError(w, errs.New("httpapi.handleRevokeSession", errs.Forbidden, nil))
		return
	}
	if err := s.deps.Store.RevokeSession(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRedeemInvite is the only account-creation path this server
// serves; self-registration routes are wired to notFound in routes().
func (s *Server) handleRedeemInvite(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
		Login string `json:"login"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.New("httpapi.handleRedeemInvite", errs.Validation, err))
		return
	}
	invite, err := s.deps.Store.GetInvite(r.Context(), req.Token)
	if err != nil {
		writeError(w, err)
		return
	}
	newUser := &metastore.User{ID: uuid.NewString(), Login: req.Login, Role: invite.Role}
	if _, err := s.deps.Store.RedeemInvite(r.Context(), req.Token, newUser); err != nil {
		writeError(w, err)
		return
	}
	secret, err := policy.NewTOTPSecret()
	if err != nil {
		writeError(w, errs.New("httpapi.handleRedeemInvite", errs.Internal, err))
		return
	}
	if err := s.deps.Store.SetUserTOTP(r.Context(), newUser.ID, secret, false); err != nil {
		writeError(w, err)
		return
	}
	s.recordAudit(r, "invite.redeem", newUser.ID, "allowed", map[string]any{"role": string(newUser.Role)})
	writeJSON(w, http.StatusCreated, map[string]any{
		"user_id":           newUser.ID,
		"totp_secret":       secret,
		"provisioning_uri": policy.TOTPProvisioningURI("dubcast", newUser.Login, secret),
	})
}

func (s *Server) setSessionCookie(w http.ResponseWriter, sessionID string) {
	value := policy.SignValue(sessionID, []byte(s.deps.Cfg.Web.SessionSecret))
	http.SetCookie(w, &http.Cookie{
		Name: "dubcast_session", Value: value, Path: "/", HttpOnly: true,
		Secure: s.deps.Cfg.Web.CookieSecure, SameSite: sameSite(s.deps.Cfg.Web.CookieSameSite),
		Expires: time.Now().Add(30 * 24 * time.Hour),
	})
}

func (s *Server) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{Name: "dubcast_session", Value: "", Path: "/", MaxAge: -1})
}

func (s *Server) setCSRFCookie(w http.ResponseWriter) string {
	token, err := s.deps.CSRF.IssueToken()
	if err != nil {
		return ""
	}
	http.SetCookie(w, &http.Cookie{
		Name: "dubcast_csrf", Value: token, Path: "/", HttpOnly: false,
		Secure: s.deps.Cfg.Web.CookieSecure, SameSite: sameSite(s.deps.Cfg.Web.CookieSameSite),
		Expires: time.Now().Add(30 * 24 * time.Hour),
	})
	return token
}

func sameSite(v string) http.SameSite {
	switch v {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}

func hashIP(remoteAddr string) string {
	sum := sha256.Sum256([]byte(remoteAddr))
	return hex.EncodeToString(sum[:8])
}

func identUserID(ident *policy.Identity) string {
	if ident == nil {
		return ""
	}
	return ident.UserID
}

func (s *Server) recordAudit(r *http.Request, action, target, outcome string, meta map[string]any) {
	if s.deps.Audit == nil {
		return
	}
	ident := policy.IdentityFromContext(r.Context())
	_ = s.deps.Audit.Record(context.Background(), audit.Event{
		RequestID: requestIDFromContext(r.Context()),
		ActorID:   identUserID(ident),
		Action:    action,
		Target:    target,
		Outcome:   outcome,
		Meta:      meta,
	})
}
