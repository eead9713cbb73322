// Copyright 2025 James Ross
// Package httpapi is the C11 HTTP surface: one gorilla/mux router behind
// the layered middleware chain the policy engine's pieces were each
// built to slot into (remote-access gate, request context, CORS,
// identity, RBAC/CSRF, rate limiting), fronting uploads, jobs, live
// events and served files.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/flyingrobots/dubcast-job-server/internal/audit"
	"github.com/flyingrobots/dubcast-job-server/internal/config"
	"github.com/flyingrobots/dubcast-job-server/internal/eventhub"
	"github.com/flyingrobots/dubcast-job-server/internal/metastore"
	"github.com/flyingrobots/dubcast-job-server/internal/notify"
	"github.com/flyingrobots/dubcast-job-server/internal/objectaccess"
	"github.com/flyingrobots/dubcast-job-server/internal/policy"
	"github.com/flyingrobots/dubcast-job-server/internal/scheduler"
	"github.com/flyingrobots/dubcast-job-server/internal/uploadstore"
)

// Scheduler is the subset of scheduler.Scheduler the HTTP surface
// drives directly (admission, cancellation, drain status).
type Scheduler interface {
	Submit(ctx context.Context, job *metastore.Job) error
	Cancel(jobID string) scheduler.CancelResult
	IsDraining() bool
}

// Deps bundles every already-built component the HTTP surface wires
// together; each one is fully constructed and independently tested
// before Server ever touches it.
type Deps struct {
	Cfg          *config.Config
	Store        *metastore.Store
	Uploads      *uploadstore.Store
	Sched        Scheduler
	Hub          *eventhub.Hub
	Access       *objectaccess.Gate
	Resolver     *policy.Resolver
	CSRF         *policy.CSRF
	Quotas       *policy.Quotas
	Limiter      *policy.Limiter
	RemoteGate   *policy.RemoteAccessGate
	QRLogin      *policy.QRLogin
	Audit        *audit.Log
	Notifier     *notify.Hook
	Log          *zap.Logger
}

// Server owns the HTTP listener and routes requests to the handler
// groups below it; it implements lifecycle.HTTPShutdowner.
type Server struct {
	deps Deps
	srv  *http.Server
}

func New(deps Deps, addr string) *Server {
	s := &Server{deps: deps}
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // long-lived SSE/WS responses must not be cut off by a fixed write deadline
		IdleTimeout:  2 * time.Minute,
	}
	return s
}

func (s *Server) ListenAndServe() error {
	return s.srv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()
	r.Use(s.recoveryMW, s.remoteAccessMW, s.requestContextMW, s.corsMW, s.identityMW)

	auth := r.PathPrefix("/auth").Subrouter()
	auth.HandleFunc("/login", s.handleLogin).Methods(http.MethodPost)
	auth.HandleFunc("/refresh", s.handleRefresh).Methods(http.MethodPost)
	auth.HandleFunc("/logout", s.handleLogout).Methods(http.MethodPost)
	auth.HandleFunc("/totp/setup", s.handleTOTPSetup).Methods(http.MethodPost)
	auth.HandleFunc("/totp/verify", s.handleTOTPVerify).Methods(http.MethodPost)
	auth.HandleFunc("/qr/init", s.handleQRInit).Methods(http.MethodPost)
	auth.HandleFunc("/qr/redeem", s.handleQRRedeem).Methods(http.MethodPost)
	auth.HandleFunc("/sessions", s.handleListSessions).Methods(http.MethodGet)
	auth.HandleFunc("/sessions/{id}/revoke", s.handleRevokeSession).Methods(http.MethodPost)
	// Self-registration is never served: invite redemption is the only
	// way a new account is created.
	auth.HandleFunc("/register", notFound).Methods(http.MethodPost)
	auth.HandleFunc("/signup", notFound).Methods(http.MethodPost)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/invites/redeem", s.rateLimited(policy.ClassAuth, s.handleRedeemInvite)).Methods(http.MethodPost)

	api.HandleFunc("/uploads/init", s.authed(policy.ClassUpload, s.handleUploadInit)).Methods(http.MethodPost)
	api.HandleFunc("/uploads/{id}/chunk", s.authed(policy.ClassUpload, s.handleUploadChunk)).Methods(http.MethodPost)
	api.HandleFunc("/uploads/{id}/complete", s.authed(policy.ClassUpload, s.handleUploadComplete)).Methods(http.MethodPost)
	api.HandleFunc("/uploads/{id}", s.authed(policy.ClassRead, s.handleUploadStatus)).Methods(http.MethodGet)

	api.HandleFunc("/jobs", s.authed(policy.ClassSubmit, s.handleCreateJob)).Methods(http.MethodPost)
	api.HandleFunc("/jobs/batch", s.authed(policy.ClassSubmit, s.handleCreateJobBatch)).Methods(http.MethodPost)
	api.HandleFunc("/jobs", s.authed(policy.ClassRead, s.handleListJobs)).Methods(http.MethodGet)
	api.HandleFunc("/jobs/events", s.authed(policy.ClassStream, s.handleGlobalEvents)).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}", s.authed(policy.ClassRead, s.handleGetJob)).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}", s.authed(policy.ClassSubmit, s.handleDeleteJob)).Methods(http.MethodDelete)
	api.HandleFunc("/jobs/{id}/cancel", s.authed(policy.ClassSubmit, s.handleCancelJob)).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}/pause", s.authed(policy.ClassSubmit, s.handlePauseJob)).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}/resume", s.authed(policy.ClassSubmit, s.handleResumeJob)).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}/visibility", s.authed(policy.ClassSubmit, s.handleSetVisibility)).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}/files", s.authed(policy.ClassRead, s.handleJobFiles)).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}/timeline", s.authed(policy.ClassRead, s.handleJobTimeline)).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}/logs/tail", s.authed(policy.ClassRead, s.handleJobLogsTail)).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}/logs/stream", s.authed(policy.ClassStream, s.handleJobLogsStream)).Methods(http.MethodGet)

	r.HandleFunc("/events/jobs/{id}", s.authed(policy.ClassStream, s.handleJobEventsSSE)).Methods(http.MethodGet)
	r.HandleFunc("/ws/jobs/{id}", s.authed(policy.ClassStream, s.handleJobEventsWS)).Methods(http.MethodGet)

	r.PathPrefix("/files/").Handler(http.HandlerFunc(s.authed(policy.ClassRead, s.handleServeFile)))
	r.HandleFunc("/video/{job}", s.authed(policy.ClassRead, s.handleVideoAlias)).Methods(http.MethodGet)

	admin := r.PathPrefix("/api/admin").Subrouter()
	admin.HandleFunc("/jobs", s.authed(policy.ClassAdmin, s.requireAdmin(s.handleAdminListJobs))).Methods(http.MethodGet)
	admin.HandleFunc("/invites", s.authed(policy.ClassAdmin, s.requireAdmin(s.handleAdminCreateInvite))).Methods(http.MethodPost)
	admin.HandleFunc("/users/{id}/role", s.authed(policy.ClassAdmin, s.requireAdmin(s.handleAdminSetRole))).Methods(http.MethodPost)

	return r
}

func notFound(w http.ResponseWriter, r *http.Request) {
	http.NotFound(w, r)
}
