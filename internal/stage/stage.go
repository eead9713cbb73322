// Copyright 2025 James Ross
// Package stage defines the pipeline contract the worker iterates per
// job. The stages themselves (ASR, translation, TTS, mixing, lip-sync,
// packaging) are opaque collaborators behind this interface — this
// package only carries the shape, ordering, and error classification.
package stage

import (
	"context"
	"errors"
)

// Name identifies one stage in the declared pipeline.
type Name string

const (
	ASR       Name = "asr"
	Translate Name = "translate"
	TTS       Name = "tts"
	Mix       Name = "mix"
	Lipsync   Name = "lipsync"
	Package   Name = "package"
)

// Order is the fixed, server-declared pipeline sequence. Stages run in
// this order for every job; the worker skips a stage only when its
// checkpoint is already done, and a job's Runtime config neither skips
// nor reorders stages.
var Order = []Name{ASR, Translate, TTS, Mix, Lipsync, Package}

// RerunFrom returns the subsequence of Order starting at (and
// including) the given stage, used by the voice-clone rerun path to
// invalidate a stage and everything downstream of it.
func RerunFrom(from Name) []Name {
	for i, n := range Order {
		if n == from {
			out := make([]Name, len(Order)-i)
			copy(out, Order[i:])
			return out
		}
	}
	return nil
}

// Input is what a stage needs to run: the resolved source path (or the
// prior stage's declared artifact paths), job identity, and a free-form
// runtime config snapshot the job carried at submit time.
type Input struct {
	JobID        string
	OwnerID      string
	SourcePath   string
	Artifacts    map[Name]map[string]string // prior stages' artifact path-by-key, keyed by stage
	RuntimeJSON  []byte
	LibrarySlug  string
}

// Output is what a stage hands back: artifact paths by key (later
// fed to the next stage's Input.Artifacts) and a human-readable
// progress message.
type Output struct {
	ArtifactPaths map[string]string
	Message       string
}

// Stage is the opaque per-step collaborator the worker drives.
type Stage interface {
	Name() Name
	Run(ctx context.Context, in Input) (Output, error)
}

// Class is the closed set of ways a stage can fail, driving the
// worker's retry/terminate decision.
type Class string

const (
	Transient Class = "transient" // retry with bounded attempts and backoff
	Cancelled Class = "cancelled" // propagate; job ends CANCELED
	Fatal     Class = "fatal"     // terminate job as FAILED
)

// ClassifiedError wraps a stage error with its Class so the worker
// never has to guess from the wrapped error's shape.
type ClassifiedError struct {
	Class Class
	Err   error
}

func (e *ClassifiedError) Error() string { return string(e.Class) + ": " + e.Err.Error() }
func (e *ClassifiedError) Unwrap() error { return e.Err }

func NewTransientError(err error) error { return &ClassifiedError{Class: Transient, Err: err} }
func NewFatalError(err error) error     { return &ClassifiedError{Class: Fatal, Err: err} }
func NewCancelledError(err error) error { return &ClassifiedError{Class: Cancelled, Err: err} }

// ClassOf extracts the Class of err, defaulting to Fatal for any error
// a stage returns without classification — unclassified failures are
// never silently retried.
func ClassOf(err error) Class {
	if err == nil {
		return ""
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}
	return Fatal
}
