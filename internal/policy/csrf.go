// Copyright 2025 James Ross
package policy

import (
	"crypto/hmac"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"

	"github.com/flyingrobots/dubcast-job-server/internal/errs"
)

const csrfCookieName = "dubcast_csrf"
const csrfHeaderName = "X-CSRF-Token"

// CSRF implements the double-submit cookie+header check for cookie-
// session requests. Bearer and API-key auth are exempt (they're not
// subject to ambient-credential forgery the way a browser cookie is),
// and GET/HEAD never require it.
type CSRF struct {
	secret []byte
}

func NewCSRF(secret string) *CSRF {
	return &CSRF{secret: []byte(secret)}
}

// IssueToken returns a fresh signed token to set as the CSRF cookie; the
// same raw value must be echoed back by the client in the request header.
func (c *CSRF) IssueToken() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	value := base64.RawURLEncoding.EncodeToString(raw)
	return SignValue(value, c.secret), nil
}

// Verify checks the request against the double-submit rule. Callers
// should only invoke this once identity resolution has determined the
// request authenticated via a cookie session.
func (c *CSRF) Verify(r *http.Request) error {
	if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
		return nil
	}
	cookie, err := r.Cookie(csrfCookieName)
	if err != nil {
		return errs.New("policy.CSRF.Verify", errs.Forbidden, errors.New("missing csrf cookie"))
	}
	header := r.Header.Get(csrfHeaderName)
	if header == "" {
		return errs.New("policy.CSRF.Verify", errs.Forbidden, errors.New("missing csrf header"))
	}
	cookieValue, ok := verifySignedValue(cookie.Value, c.secret)
	if !ok {
		return errs.New("policy.CSRF.Verify", errs.Forbidden, errors.New("invalid csrf cookie signature"))
	}
	headerValue, ok := verifySignedValue(header, c.secret)
	if !ok {
		return errs.New("policy.CSRF.Verify", errs.Forbidden, errors.New("invalid csrf header signature"))
	}
	if !hmac.Equal([]byte(cookieValue), []byte(headerValue)) {
		return errs.New("policy.CSRF.Verify", errs.Forbidden, errors.New("csrf cookie/header mismatch"))
	}
	return nil
}

// RequiresCheck reports whether method requires CSRF verification at all
// for a cookie-session request (the auth method gating is the caller's
// job, done once via Identity.Method before calling Verify).
func RequiresCheck(method string) bool {
	return method != http.MethodGet && method != http.MethodHead && method != http.MethodOptions
}
