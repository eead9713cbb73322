// Copyright 2025 James Ross
package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/flyingrobots/dubcast-job-server/internal/errs"
	"github.com/flyingrobots/dubcast-job-server/internal/objectaccess"
	"github.com/flyingrobots/dubcast-job-server/internal/policy"
)

type uploadInitRequest struct {
	Filename   string `json:"filename"`
	TotalBytes int64  `json:"total_bytes"`
	ChunkBytes int64  `json:"chunk_bytes"`
}

func (s *Server) handleUploadInit(w http.ResponseWriter, r *http.Request) {
	ident := policy.IdentityFromContext(r.Context())
	var req uploadInitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.New("httpapi.handleUploadInit", errs.Validation, err))
		return
	}
	chunkBytes := req.ChunkBytes
	if chunkBytes <= 0 {
		chunkBytes = s.deps.Cfg.Uploads.ChunkBytes
	}
	ttl := s.deps.Cfg.Uploads.SessionTTL

	up, err := s.deps.Uploads.Init(r.Context(), uploadQuotaAdapter{deps: s.deps}, ident.UserID, req.Filename, req.TotalBytes, chunkBytes, ttl)
	if err != nil {
		writeError(w, err)
		return
	}
	s.recordAudit(r, "upload.init", up.ID, "allowed", map[string]any{"total_bytes": req.TotalBytes})
	writeJSON(w, http.StatusCreated, up)
}

func (s *Server) handleUploadChunk(w http.ResponseWriter, r *http.Request) {
	ident := policy.IdentityFromContext(r.Context())
	uploadID := mux.Vars(r)["id"]

	up, err := s.deps.Store.GetUpload(r.Context(), uploadID)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := objectaccess.RequireUploadAccess(ident, up); err != nil {
		writeError(w, err)
		return
	}

	index, offset, err := parseChunkCoordinates(r, up.ChunkBytes)
	if err != nil {
		writeError(w, err)
		return
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, up.ChunkBytes+1))
	if err != nil {
		writeError(w, errs.New("httpapi.handleUploadChunk", errs.Internal, err))
		return
	}

	updated, err := s.deps.Uploads.WriteChunk(r.Context(), uploadID, index, offset, data)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// parseChunkCoordinates accepts either an explicit index+offset pair
// (query params) or a standard Content-Range header, matching the
// external contract's "index+offset or Content-Range" either/or.
// chunkBytes is the upload's configured chunk size, needed to derive
// index from a Content-Range start offset.
func parseChunkCoordinates(r *http.Request, chunkBytes int64) (index int, offset int64, err error) {
	if idx := r.URL.Query().Get("index"); idx != "" {
		index, err = strconv.Atoi(idx)
		if err != nil {
			return 0, 0, errs.New("httpapi.parseChunkCoordinates", errs.Validation, err)
		}
		offset, err = strconv.ParseInt(r.URL.Query().Get("offset"), 10, 64)
		if err != nil {
			return 0, 0, errs.New("httpapi.parseChunkCoordinates", errs.Validation, err)
		}
		return index, offset, nil
	}

	if cr := r.Header.Get("Content-Range"); cr != "" {
		return parseContentRange(cr, chunkBytes)
	}

	return 0, 0, errs.New("httpapi.parseChunkCoordinates", errs.Validation, nil)
}

// parseContentRange parses a "bytes <start>-<end>/<total>" header into
// a chunk index/offset pair; start must land on a chunk boundary.
func parseContentRange(cr string, chunkBytes int64) (index int, offset int64, err error) {
	var start, end, total int64
	if _, scanErr := fmt.Sscanf(cr, "bytes %d-%d/%d", &start, &end, &total); scanErr != nil {
		return 0, 0, errs.New("httpapi.parseContentRange", errs.Validation,
			fmt.Errorf("malformed Content-Range %q: %w", cr, scanErr))
	}
	if chunkBytes <= 0 || start%chunkBytes != 0 {
		return 0, 0, errs.New("httpapi.parseContentRange", errs.Validation,
			fmt.Errorf("Content-Range start %d does not land on a chunk boundary", start))
	}
	return int(start / chunkBytes), start, nil
}

func (s *Server) handleUploadComplete(w http.ResponseWriter, r *http.Request) {
	ident := policy.IdentityFromContext(r.Context())
	uploadID := mux.Vars(r)["id"]

	up, err := s.deps.Store.GetUpload(r.Context(), uploadID)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := objectaccess.RequireUploadAccess(ident, up); err != nil {
		writeError(w, err)
		return
	}

	var req struct {
		Hash string `json:"hash"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	path, err := s.deps.Uploads.Complete(r.Context(), uploadID, req.Hash)
	if err != nil {
		writeError(w, err)
		return
	}
	s.recordAudit(r, "upload.complete", uploadID, "allowed", nil)
	writeJSON(w, http.StatusOK, map[string]string{"path": path})
}

func (s *Server) handleUploadStatus(w http.ResponseWriter, r *http.Request) {
	ident := policy.IdentityFromContext(r.Context())
	uploadID := mux.Vars(r)["id"]

	up, err := s.deps.Store.GetUpload(r.Context(), uploadID)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := objectaccess.RequireUploadAccess(ident, up); err != nil {
		writeError(w, err)
		return
	}
	status, err := s.deps.Uploads.Status(r.Context(), uploadID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}
