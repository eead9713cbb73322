// Copyright 2025 James Ross
// Package policy is the PolicyEngine: identity resolution, RBAC, CSRF,
// quotas, and rate limiting sit behind this one package so no handler
// re-implements an authorization check on its own.
package policy

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/flyingrobots/dubcast-job-server/internal/errs"
	"github.com/flyingrobots/dubcast-job-server/internal/metastore"
)

// AuthMethod records which credential resolved the request's identity,
// since CSRF exemption depends on it.
type AuthMethod string

const (
	AuthAPIKey  AuthMethod = "api_key"
	AuthBearer  AuthMethod = "bearer"
	AuthSession AuthMethod = "session"
)

// Identity is the tagged (identity, role, scopes) triple every
// authenticated request carries from here on.
type Identity struct {
	UserID  string
	Role    metastore.Role
	Scopes  []string
	Method  AuthMethod
	KeyID   string // set when Method == AuthAPIKey
	SessID  string // set when Method == AuthSession
}

type contextKey string

const identityContextKey contextKey = "policy_identity"

// WithIdentity stores ident on ctx for downstream handlers and ObjectAccess.
func WithIdentity(ctx context.Context, ident *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, ident)
}

// IdentityFromContext returns the identity attached by the auth
// middleware, or nil if the request carries none.
func IdentityFromContext(ctx context.Context) *Identity {
	ident, _ := ctx.Value(identityContextKey).(*Identity)
	return ident
}

// SessionStore is the subset of metastore.Store identity resolution needs.
type SessionStore interface {
	GetSession(ctx context.Context, id string) (*metastore.Session, error)
	GetUser(ctx context.Context, id string) (*metastore.User, error)
	GetApiKeyByPrefix(ctx context.Context, prefix string) (*metastore.ApiKey, error)
}

// Resolver implements the identity resolution order: API key header,
// then bearer token, then signed session cookie.
type Resolver struct {
	store         SessionStore
	sessionSecret []byte
	cookieName    string
}

func NewResolver(store SessionStore, sessionSecret, cookieName string) *Resolver {
	if cookieName == "" {
		cookieName = "dubcast_session"
	}
	return &Resolver{store: store, sessionSecret: []byte(sessionSecret), cookieName: cookieName}
}

// Resolve extracts and validates whichever credential the request
// carries, in order. A request with no credential at all returns a nil
// identity and a nil error — callers decide whether anonymous access is
// permitted for that route (invite redemption, login, QR-login init and
// logout allow it).
func (rs *Resolver) Resolve(r *http.Request) (*Identity, error) {
	if key := r.Header.Get("X-Api-Key"); key != "" {
		return rs.resolveAPIKey(r.Context(), key)
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		return rs.resolveBearer(r.Context(), auth)
	}
	if cookie, err := r.Cookie(rs.cookieName); err == nil {
		return rs.resolveSessionCookie(r.Context(), cookie.Value)
	}
	return nil, nil
}

func (rs *Resolver) resolveAPIKey(ctx context.Context, header string) (*Identity, error) {
	prefix, secret, ok := strings.Cut(header, ".")
	if !ok || prefix == "" || secret == "" {
		return nil, errs.New("policy.resolveAPIKey", errs.Auth, errors.New("malformed api key"))
	}
	key, err := rs.store.GetApiKeyByPrefix(ctx, prefix)
	if err != nil {
		return nil, errs.New("policy.resolveAPIKey", errs.Auth, err)
	}
	if key.RevokedAt != nil {
		return nil, errs.New("policy.resolveAPIKey", errs.Auth, errors.New("api key revoked"))
	}
	if key.ExpiresAt != nil && key.ExpiresAt.Before(time.Now().UTC()) {
		return nil, errs.New("policy.resolveAPIKey", errs.Auth, errors.New("api key expired"))
	}
	if !VerifyAPIKeySecret(secret, key.SecretHash) {
		return nil, errs.New("policy.resolveAPIKey", errs.Auth, errors.New("api key secret mismatch"))
	}
	user, err := rs.store.GetUser(ctx, key.OwnerID)
	if err != nil {
		return nil, errs.New("policy.resolveAPIKey", errs.Auth, err)
	}
	return &Identity{UserID: user.ID, Role: user.Role, Scopes: key.Scopes, Method: AuthAPIKey, KeyID: key.ID}, nil
}

// resolveBearer validates a signed bearer token of the form
// "Bearer <sessionID>.<hmac>" — the same shape as the session cookie,
// issued to non-browser clients that can't hold cookies.
func (rs *Resolver) resolveBearer(ctx context.Context, header string) (*Identity, error) {
	token := strings.TrimPrefix(header, "Bearer ")
	if token == header {
		return nil, errs.New("policy.resolveBearer", errs.Auth, errors.New("missing bearer prefix"))
	}
	ident, err := rs.resolveSignedToken(ctx, token)
	if err != nil {
		return nil, err
	}
	ident.Method = AuthBearer
	return ident, nil
}

func (rs *Resolver) resolveSessionCookie(ctx context.Context, value string) (*Identity, error) {
	ident, err := rs.resolveSignedToken(ctx, value)
	if err != nil {
		return nil, err
	}
	ident.Method = AuthSession
	return ident, nil
}

func (rs *Resolver) resolveSignedToken(ctx context.Context, token string) (*Identity, error) {
	sessionID, ok := verifySignedValue(token, rs.sessionSecret)
	if !ok {
		return nil, errs.New("policy.resolveSignedToken", errs.Auth, errors.New("invalid session signature"))
	}
	sess, err := rs.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, errs.New("policy.resolveSignedToken", errs.Auth, err)
	}
	if sess.RevokedAt != nil {
		return nil, errs.New("policy.resolveSignedToken", errs.Auth, errors.New("session revoked"))
	}
	user, err := rs.store.GetUser(ctx, sess.UserID)
	if err != nil {
		return nil, errs.New("policy.resolveSignedToken", errs.Auth, err)
	}
	return &Identity{UserID: user.ID, Role: user.Role, Method: AuthSession, SessID: sess.ID}, nil
}

// SignValue produces the "<value>.<hmac>" token used for both session
// cookies and bearer tokens issued to the same session.
func SignValue(value string, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(value))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return value + "." + sig
}

func verifySignedValue(token string, secret []byte) (value string, ok bool) {
	idx := strings.LastIndex(token, ".")
	if idx < 0 {
		return "", false
	}
	value, sig := token[:idx], token[idx+1:]
	expected, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		return "", false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(value))
	if !hmac.Equal(expected, mac.Sum(nil)) {
		return "", false
	}
	return value, true
}
