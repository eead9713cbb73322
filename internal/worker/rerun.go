// Copyright 2025 James Ross
package worker

import (
	"context"
	"encoding/json"

	"github.com/flyingrobots/dubcast-job-server/internal/metastore"
	"github.com/flyingrobots/dubcast-job-server/internal/stage"
)

// runtimeMarker is the subset of a job's Runtime JSON the worker itself
// interprets; unknown keys in the stored document round-trip untouched
// because mergeRerunMarker only ever patches this one field in.
type runtimeMarker struct {
	RerunFrom stage.Name `json:"rerun_from,omitempty"`
}

func readRerunMarker(raw []byte) stage.Name {
	if len(raw) == 0 {
		return ""
	}
	var m runtimeMarker
	if err := json.Unmarshal(raw, &m); err != nil {
		return ""
	}
	return m.RerunFrom
}

// mergeRerunMarker patches rerun_from into the job's existing Runtime
// document instead of replacing it, so the original submit-time
// configuration (target language, voice, and any operator overrides)
// survives a rerun.
func mergeRerunMarker(raw json.RawMessage, fromStage stage.Name) (json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, err
		}
	}
	marker, err := json.Marshal(fromStage)
	if err != nil {
		return nil, err
	}
	fields["rerun_from"] = marker
	return json.Marshal(fields)
}

// Submitter is the subset of Scheduler a rerun needs to re-admit the job.
type Submitter interface {
	Submit(ctx context.Context, job *metastore.Job) error
}

// TriggerRerun is the operator-facing entry point for the two-pass
// voice-clone rerun: it invalidates the checkpoint for fromStage and
// every stage declared after it in pipeline order (their inputs all
// transitively depend on fromStage's output), stamps the runtime
// marker the worker consults as a defensive double-check against a
// stale checkpoint read, resets progress, and re-admits the job.
func TriggerRerun(ctx context.Context, store *metastore.Store, sched Submitter, jobID string, fromStage stage.Name) (*metastore.Job, error) {
	job, err := store.UpdateJob(ctx, jobID, "", func(j *metastore.Job) error {
		for _, name := range stage.RerunFrom(fromStage) {
			delete(j.Checkpoint, string(name))
		}
		merged, merr := mergeRerunMarker(j.Runtime, fromStage)
		if merr != nil {
			return merr
		}
		j.Runtime = merged
		j.State = metastore.JobQueued
		j.Progress = 0
		j.LastError = ""
		j.CancelRequested = false
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := sched.Submit(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}
