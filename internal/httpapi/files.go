// Copyright 2025 James Ross
package httpapi

import (
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gorilla/mux"

	"github.com/flyingrobots/dubcast-job-server/internal/errs"
	"github.com/flyingrobots/dubcast-job-server/internal/policy"
)

// handleServeFile resolves the requested path under the configured
// outputs root and authorizes it through ObjectAccess before handing
// off to http.ServeFile, which already implements bounded Range
// request support for disk-backed streaming.
func (s *Server) handleServeFile(w http.ResponseWriter, r *http.Request) {
	ident := policy.IdentityFromContext(r.Context())
	rel := strings.TrimPrefix(r.URL.Path, "/files/")
	path := filepath.Join(s.deps.Cfg.Paths.OutputDir, filepath.FromSlash(rel))

	if err := s.deps.Access.RequireFileAccess(r.Context(), ident, path); err != nil {
		writeError(w, err)
		return
	}
	http.ServeFile(w, r, path)
}

// handleVideoAlias is the convenience path the spec's external
// interface names for a job's primary packaged output, equivalent to
// GET /files/<job>/<packaged output>.
func (s *Server) handleVideoAlias(w http.ResponseWriter, r *http.Request) {
	ident := policy.IdentityFromContext(r.Context())
	jobID := mux.Vars(r)["job"]

	job, err := s.deps.Store.GetJob(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	outputPath, ok := job.Checkpoint["package"]
	if !ok || !outputPath.Done {
		writeError(w, errs.New("httpapi.handleVideoAlias", errs.NotFound, nil))
		return
	}
	path := filepath.Join(s.deps.Cfg.Paths.OutputDir, jobID, "output.mp4")
	if err := s.deps.Access.RequireFileAccess(r.Context(), ident, path); err != nil {
		writeError(w, err)
		return
	}
	http.ServeFile(w, r, path)
}
