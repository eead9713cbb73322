// Copyright 2025 James Ross
package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/flyingrobots/dubcast-job-server/internal/errs"
	"github.com/flyingrobots/dubcast-job-server/internal/metastore"
	"github.com/flyingrobots/dubcast-job-server/internal/policy"
)

func (s *Server) handleAdminListJobs(w http.ResponseWriter, r *http.Request) {
	page := metastore.JobPage{Cursor: r.URL.Query().Get("cursor")}
	if lim, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil {
		page.Limit = lim
	}
	filter := metastore.JobFilter{
		OwnerID:        r.URL.Query().Get("owner_id"),
		IncludeDeleted: r.URL.Query().Get("include_deleted") == "true",
	}
	if state := r.URL.Query().Get("state"); state != "" {
		filter.State = metastore.JobState(state)
	}
	jobs, next, err := s.deps.Store.ListJobs(r.Context(), filter, page)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "next_cursor": next})
}

func (s *Server) handleAdminCreateInvite(w http.ResponseWriter, r *http.Request) {
	ident := policy.IdentityFromContext(r.Context())
	var req struct {
		Role    string `json:"role"`
		TTLDays int    `json:"ttl_days"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.New("httpapi.handleAdminCreateInvite", errs.Validation, err))
		return
	}
	role := metastore.Role(req.Role)
	switch role {
	case metastore.RoleViewer, metastore.RoleOperator, metastore.RoleEditor, metastore.RoleAdmin:
	default:
		writeError(w, errs.New("httpapi.handleAdminCreateInvite", errs.Validation, fmt.Errorf("unknown role %q", req.Role)))
		return
	}
	ttl := time.Duration(req.TTLDays) * 24 * time.Hour
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}

	inv := &metastore.Invite{
		Token:     uuid.NewString(),
		CreatedBy: ident.UserID,
		Role:      role,
		ExpiresAt: time.Now().UTC().Add(ttl),
	}
	if err := s.deps.Store.CreateInvite(r.Context(), inv); err != nil {
		writeError(w, err)
		return
	}
	s.recordAudit(r, "invite.create", inv.Token, "allowed", map[string]any{"role": string(role)})
	writeJSON(w, http.StatusCreated, inv)
}

func (s *Server) handleAdminSetRole(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]
	var req struct {
		Role string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.New("httpapi.handleAdminSetRole", errs.Validation, err))
		return
	}
	role := metastore.Role(req.Role)
	switch role {
	case metastore.RoleViewer, metastore.RoleOperator, metastore.RoleEditor, metastore.RoleAdmin:
	default:
		writeError(w, errs.New("httpapi.handleAdminSetRole", errs.Validation, fmt.Errorf("unknown role %q", req.Role)))
		return
	}
	if err := s.deps.Store.SetUserRole(r.Context(), userID, role); err != nil {
		writeError(w, err)
		return
	}
	s.recordAudit(r, "user.set_role", userID, "allowed", map[string]any{"role": string(role)})
	w.WriteHeader(http.StatusNoContent)
}
