// Copyright 2025 James Ross
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/flyingrobots/dubcast-job-server/internal/errs"
	"github.com/flyingrobots/dubcast-job-server/internal/obs"
	"github.com/flyingrobots/dubcast-job-server/internal/policy"
)

type ctxKey string

const requestIDKey ctxKey = "request_id"

func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// recoveryMW converts a panicking handler into a 500 instead of taking
// the whole process down, logging the recovered value for diagnosis.
func (s *Server) recoveryMW(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.deps.Log.Error("panic recovered in handler",
					obs.String("path", r.URL.Path), obs.String("panic", toString(rec)))
				writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func toString(v any) string {
	if err, ok := v.(error); ok {
		return err.Error()
	}
	return "unknown panic"
}

// requestContextMW assigns a request id (reusing an inbound
// X-Request-ID if the caller already set one) and logs request timing
// once the handler returns.
func (s *Server) requestContextMW(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		ctx := context.WithValue(r.Context(), requestIDKey, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
		s.deps.Log.Debug("request handled",
			obs.String("request_id", reqID), obs.String("path", r.URL.Path),
			obs.String("method", r.Method), obs.String("duration", time.Since(start).String()))
	})
}

// corsMW honors the configured origin allowlist and answers preflight
// requests directly; a request from an origin not on the list gets no
// CORS headers at all rather than a wildcard.
func (s *Server) corsMW(next http.Handler) http.Handler {
	allowed := map[string]bool{}
	for _, o := range s.deps.Cfg.Web.CORSOrigins {
		allowed[o] = true
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && allowed[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Api-Key, X-CSRF-Token, Authorization, Last-Event-ID")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		}
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// remoteAccessMW is the outermost access decision: a request whose
// network origin the configured mode rejects never reaches identity
// resolution at all.
func (s *Server) remoteAccessMW(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.RemoteGate != nil {
			if err := s.deps.RemoteGate.Check(r); err != nil {
				writeError(w, err)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// identityMW resolves the request's credential once and stores it on
// the context; routes decide for themselves whether a nil identity is
// acceptable (invite redemption, login, QR-login init and logout accept
// an anonymous request).
func (s *Server) identityMW(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ident, err := s.deps.Resolver.Resolve(r)
		if err != nil {
			writeError(w, err)
			return
		}
		ctx := policy.WithIdentity(r.Context(), ident)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authed wraps a handler with the authenticated-request requirements:
// identity presence, CSRF verification for cookie sessions, and rate
// limiting scoped to the route's endpoint class. It also rejects new
// submissions while the server is draining.
func (s *Server) authed(class policy.EndpointClass, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ident := policy.IdentityFromContext(r.Context())
		if ident == nil {
			writeError(w, errs.New("httpapi.authed", errs.Auth, nil))
			return
		}
		if (class == policy.ClassSubmit || class == policy.ClassUpload) && s.deps.Sched != nil && s.deps.Sched.IsDraining() {
			writeError(w, errs.New("httpapi.authed", errs.Draining, nil))
			return
		}
		if ident.Method == policy.AuthSession && s.deps.CSRF != nil && policy.RequiresCheck(r.Method) {
			if err := s.deps.CSRF.Verify(r); err != nil {
				writeError(w, err)
				return
			}
		}
		if s.deps.Limiter != nil {
			if err := s.deps.Limiter.Allow(r, ident, class); err != nil {
				writeError(w, err)
				return
			}
		}
		h(w, r)
	}
}

// rateLimited is the anonymous-route counterpart of authed, used by
// invite redemption: no identity requirement, but still rate limited
// and CSRF-exempt (there is no session yet to double-submit against).
func (s *Server) rateLimited(class policy.EndpointClass, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Limiter != nil {
			ident := policy.IdentityFromContext(r.Context())
			if err := s.deps.Limiter.Allow(r, ident, class); err != nil {
				writeError(w, err)
				return
			}
		}
		h(w, r)
	}
}

// requireAdmin gates an already-authed handler to admin role only.
func (s *Server) requireAdmin(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ident := policy.IdentityFromContext(r.Context())
		if ident == nil || !policy.Allow(ident.Role, ident.Scopes, policy.CapAdminAll) {
			writeError(w, errs.New("httpapi.requireAdmin", errs.Forbidden, nil))
			return
		}
		h(w, r)
	}
}
