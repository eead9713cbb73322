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
	"go.uber.org/zap"

	"github.com/flyingrobots/dubcast-job-server/internal/errs"
	"github.com/flyingrobots/dubcast-job-server/internal/eventhub"
	"github.com/flyingrobots/dubcast-job-server/internal/metastore"
	"github.com/flyingrobots/dubcast-job-server/internal/objectaccess"
	"github.com/flyingrobots/dubcast-job-server/internal/policy"
	"github.com/flyingrobots/dubcast-job-server/internal/scheduler"
)

type createJobRequest struct {
	UploadID string          `json:"upload_id"`
	Path     string          `json:"path"`
	Priority string          `json:"priority"`
	Runtime  json.RawMessage `json:"runtime"`
}

func (req createJobRequest) toJob(ownerID string) (*metastore.Job, error) {
	priority := metastore.Priority(req.Priority)
	switch priority {
	case "":
		priority = metastore.PriorityMedium
	case metastore.PriorityLow, metastore.PriorityMedium, metastore.PriorityHigh:
	default:
		return nil, errs.New("httpapi.createJobRequest", errs.Validation, fmt.Errorf("unknown priority %q", req.Priority))
	}

	var ref metastore.InputRef
	switch {
	case req.UploadID != "":
		ref = metastore.InputRef{Kind: metastore.InputRefUpload, UploadID: req.UploadID}
	case req.Path != "":
		ref = metastore.InputRef{Kind: metastore.InputRefPath, Path: req.Path}
	default:
		return nil, errs.New("httpapi.createJobRequest", errs.Validation, fmt.Errorf("one of upload_id or path is required"))
	}

	return &metastore.Job{
		ID:         uuid.NewString(),
		OwnerID:    ownerID,
		State:      metastore.JobQueued,
		Priority:   priority,
		Visibility: metastore.VisibilityPrivate,
		InputRef:   ref,
		Runtime:    req.Runtime,
	}, nil
}

func (s *Server) submitJob(r *http.Request, ident *policy.Identity, req createJobRequest) (*metastore.Job, error) {
	job, err := req.toJob(ident.UserID)
	if err != nil {
		return nil, err
	}
	if s.deps.Quotas != nil {
		if err := s.deps.Quotas.CheckJobSubmit(r.Context(), ident.UserID); err != nil {
			return nil, err
		}
	}
	if job.InputRef.Kind == metastore.InputRefUpload {
		up, err := s.deps.Store.GetUpload(r.Context(), job.InputRef.UploadID)
		if err != nil {
			return nil, err
		}
		if err := objectaccess.RequireUploadAccess(ident, up); err != nil {
			return nil, err
		}
		if up.State != metastore.UploadComplete {
			return nil, errs.New("httpapi.submitJob", errs.Conflict, fmt.Errorf("upload %s is not complete", up.ID))
		}
	}
	if err := s.deps.Store.PutJob(r.Context(), job); err != nil {
		return nil, err
	}
	if err := s.deps.Sched.Submit(r.Context(), job); err != nil {
		return nil, err
	}
	s.deps.Hub.PublishJobEvent(job.ID, string(eventhub.KindState), map[string]any{"state": string(job.State)})
	return job, nil
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	ident := policy.IdentityFromContext(r.Context())
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.New("httpapi.handleCreateJob", errs.Validation, err))
		return
	}
	job, err := s.submitJob(r, ident, req)
	if err != nil {
		writeError(w, err)
		return
	}
	s.recordAudit(r, "job.submit", job.ID, "allowed", map[string]any{"priority": string(job.Priority)})
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleCreateJobBatch(w http.ResponseWriter, r *http.Request) {
	ident := policy.IdentityFromContext(r.Context())
	var reqs []createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		writeError(w, errs.New("httpapi.handleCreateJobBatch", errs.Validation, err))
		return
	}

	type result struct {
		Job   *metastore.Job `json:"job,omitempty"`
		Error string         `json:"error,omitempty"`
	}
	out := make([]result, 0, len(reqs))
	for _, req := range reqs {
		job, err := s.submitJob(r, ident, req)
		if err != nil {
			out = append(out, result{Error: err.Error()})
			continue
		}
		s.recordAudit(r, "job.submit", job.ID, "allowed", map[string]any{"priority": string(job.Priority), "batch": true})
		out = append(out, result{Job: job})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	ident := policy.IdentityFromContext(r.Context())
	page := metastore.JobPage{Cursor: r.URL.Query().Get("cursor")}
	if lim, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil {
		page.Limit = lim
	}
	filter := metastore.JobFilter{OwnerID: ident.UserID}
	if ident.Role == metastore.RoleAdmin && r.URL.Query().Get("owner_id") != "" {
		filter.OwnerID = r.URL.Query().Get("owner_id")
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

func (s *Server) loadJobForAccess(r *http.Request, ident *policy.Identity, allowSharedRead bool) (*metastore.Job, error) {
	id := mux.Vars(r)["id"]
	job, err := s.deps.Store.GetJob(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if err := objectaccess.RequireJobAccess(ident, job, objectaccess.Options{AllowSharedRead: allowSharedRead}); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	ident := policy.IdentityFromContext(r.Context())
	job, err := s.loadJobForAccess(r, ident, true)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	ident := policy.IdentityFromContext(r.Context())
	job, err := s.loadJobForAccess(r, ident, false)
	if err != nil {
		writeError(w, err)
		return
	}
	now := time.Now().UTC()
	_, err = s.deps.Store.UpdateJob(r.Context(), job.ID, "", func(j *metastore.Job) error {
		j.DeletedAt = &now
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	s.recordAudit(r, "job.delete", job.ID, "allowed", nil)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	ident := policy.IdentityFromContext(r.Context())
	job, err := s.loadJobForAccess(r, ident, false)
	if err != nil {
		writeError(w, err)
		return
	}

	result := s.deps.Sched.Cancel(job.ID)
	if result == scheduler.CancelRemovedFromQueue || result == scheduler.CancelUnknown {
		_, err = s.deps.Store.UpdateJob(r.Context(), job.ID, "", func(j *metastore.Job) error {
			j.State = metastore.JobCanceled
			return nil
		})
		if err != nil {
			writeError(w, err)
			return
		}
		s.deps.Hub.PublishJobEvent(job.ID, string(eventhub.KindState), map[string]any{"state": string(metastore.JobCanceled)})
	} else {
		_, err = s.deps.Store.UpdateJob(r.Context(), job.ID, "", func(j *metastore.Job) error {
			j.CancelRequested = true
			return nil
		})
		if err != nil {
			writeError(w, err)
			return
		}
	}
	s.recordAudit(r, "job.cancel", job.ID, "allowed", map[string]any{"result": string(result)})
	writeJSON(w, http.StatusOK, map[string]string{"result": string(result)})
}

func (s *Server) handlePauseJob(w http.ResponseWriter, r *http.Request) {
	ident := policy.IdentityFromContext(r.Context())
	job, err := s.loadJobForAccess(r, ident, false)
	if err != nil {
		writeError(w, err)
		return
	}
	updated, err := s.deps.Store.UpdateJob(r.Context(), job.ID, "", func(j *metastore.Job) error {
		if j.State != metastore.JobQueued && j.State != metastore.JobRunning {
			return errs.New("httpapi.handlePauseJob", errs.Conflict, fmt.Errorf("job %s is not pausable in state %s", j.ID, j.State))
		}
		j.State = metastore.JobPaused
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	s.deps.Hub.PublishJobEvent(job.ID, string(eventhub.KindState), map[string]any{"state": string(metastore.JobPaused)})
	s.recordAudit(r, "job.pause", job.ID, "allowed", nil)
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleResumeJob(w http.ResponseWriter, r *http.Request) {
	ident := policy.IdentityFromContext(r.Context())
	job, err := s.loadJobForAccess(r, ident, false)
	if err != nil {
		writeError(w, err)
		return
	}
	updated, err := s.deps.Store.UpdateJob(r.Context(), job.ID, metastore.JobPaused, func(j *metastore.Job) error {
		j.State = metastore.JobQueued
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Sched.Submit(r.Context(), updated); err != nil {
		writeError(w, err)
		return
	}
	s.deps.Hub.PublishJobEvent(job.ID, string(eventhub.KindState), map[string]any{"state": string(metastore.JobQueued)})
	s.recordAudit(r, "job.resume", job.ID, "allowed", nil)
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleSetVisibility(w http.ResponseWriter, r *http.Request) {
	ident := policy.IdentityFromContext(r.Context())
	job, err := s.loadJobForAccess(r, ident, false)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Visibility string `json:"visibility"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.New("httpapi.handleSetVisibility", errs.Validation, err))
		return
	}
	vis := metastore.Visibility(req.Visibility)
	if vis != metastore.VisibilityPrivate && vis != metastore.VisibilityShared {
		writeError(w, errs.New("httpapi.handleSetVisibility", errs.Validation, fmt.Errorf("unknown visibility %q", req.Visibility)))
		return
	}
	updated, err := s.deps.Store.UpdateJob(r.Context(), job.ID, "", func(j *metastore.Job) error {
		j.Visibility = vis
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	s.recordAudit(r, "job.visibility", job.ID, "allowed", map[string]any{"visibility": req.Visibility})
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleJobFiles(w http.ResponseWriter, r *http.Request) {
	ident := policy.IdentityFromContext(r.Context())
	job, err := s.loadJobForAccess(r, ident, true)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": job.ID, "checkpoint": job.Checkpoint})
}

func (s *Server) handleJobTimeline(w http.ResponseWriter, r *http.Request) {
	ident := policy.IdentityFromContext(r.Context())
	job, err := s.loadJobForAccess(r, ident, true)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":     job.ID,
		"state":      job.State,
		"progress":   job.Progress,
		"last_stage": job.LastStage,
		"checkpoint": job.Checkpoint,
		"created_at": job.CreatedAt,
		"updated_at": job.UpdatedAt,
	})
}

func (s *Server) handleJobLogsTail(w http.ResponseWriter, r *http.Request) {
	ident := policy.IdentityFromContext(r.Context())
	job, err := s.loadJobForAccess(r, ident, true)
	if err != nil {
		writeError(w, err)
		return
	}
	n := 200
	if v, err := strconv.Atoi(r.URL.Query().Get("n")); err == nil {
		n = v
	}
	lines, err := s.deps.Store.TailLog(r.Context(), job.ID, n)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lines)
}

// handleJobLogsStream polls MetaStore's log table for new lines, since
// the log store has no independent pub/sub of its own; the cadence
// matches EventHub's own heartbeat so a client sees log lines and
// progress events arrive at a similar pace.
func (s *Server) handleJobLogsStream(w http.ResponseWriter, r *http.Request) {
	ident := policy.IdentityFromContext(r.Context())
	job, err := s.loadJobForAccess(r, ident, true)
	if err != nil {
		writeError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, errs.New("httpapi.handleJobLogsStream", errs.Internal, fmt.Errorf("streaming unsupported")))
		return
	}

	var after int64 = -1
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			after = n
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(s.deps.Cfg.EventHub.HeartbeatInterval)
	defer ticker.Stop()
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lines, err := s.deps.Store.LogSince(ctx, job.ID, after)
			if err != nil {
				return
			}
			if len(lines) == 0 {
				if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
					return
				}
				flusher.Flush()
				continue
			}
			for _, l := range lines {
				payload, _ := json.Marshal(l)
				if _, err := fmt.Fprintf(w, "id: %d\nevent: log\ndata: %s\n\n", l.Seq, payload); err != nil {
					return
				}
				after = l.Seq
			}
			flusher.Flush()
		}
	}
}

func (s *Server) handleGlobalEvents(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Hub.ServeSSE(w, r, eventhub.GlobalTopic, s.deps.Cfg.EventHub.HeartbeatInterval); err != nil {
		s.deps.Log.Debug("global events stream ended", zap.Error(err))
	}
}

func (s *Server) handleJobEventsSSE(w http.ResponseWriter, r *http.Request) {
	ident := policy.IdentityFromContext(r.Context())
	job, err := s.loadJobForAccess(r, ident, true)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Hub.ServeSSE(w, r, job.ID, s.deps.Cfg.EventHub.HeartbeatInterval); err != nil {
		s.deps.Log.Debug("job events stream ended", zap.Error(err))
	}
}

func (s *Server) handleJobEventsWS(w http.ResponseWriter, r *http.Request) {
	ident := policy.IdentityFromContext(r.Context())
	job, err := s.loadJobForAccess(r, ident, true)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Hub.ServeWS(w, r, job.ID, s.deps.Log); err != nil {
		s.deps.Log.Debug("job ws stream ended", zap.Error(err))
	}
}
