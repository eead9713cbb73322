// Copyright 2025 James Ross
package metastore

import (
	"encoding/json"
	"time"
)

// JobState is the closed set of states a Job may occupy.
type JobState string

const (
	JobQueued   JobState = "QUEUED"
	JobPaused   JobState = "PAUSED"
	JobRunning  JobState = "RUNNING"
	JobDone     JobState = "DONE"
	JobFailed   JobState = "FAILED"
	JobCanceled JobState = "CANCELED"
)

// Priority orders scheduler admission and dispatch ordering.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Visibility controls whether authenticated non-owners may read a job's
// artifacts.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityShared  Visibility = "shared"
)

// StageCheckpoint records that a pipeline stage finished, with the
// artifact hashes it produced. The worker skips a stage whose checkpoint
// is Done without re-checking these hashes.
type StageCheckpoint struct {
	Done       bool              `json:"done"`
	DoneAt     *time.Time        `json:"done_at,omitempty"`
	ArtifactHashes map[string]string `json:"artifact_hashes,omitempty"`
}

// LibraryKey identifies a job's place in the denormalized series/season/
// episode index, when the job belongs to one.
type LibraryKey struct {
	SeriesSlug string `json:"series_slug"`
	Season     int    `json:"season"`
	Episode    int    `json:"episode"`
}

// Job is the primary aggregate: a unit of work moving through the
// pipeline, together with enough state to resume it after a crash.
type Job struct {
	ID        string     `json:"id"`
	OwnerID   string     `json:"owner_id"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`

	State      JobState   `json:"state"`
	Priority   Priority   `json:"priority"`
	Visibility Visibility `json:"visibility"`

	Progress  float64 `json:"progress"`
	Message   string  `json:"message"`
	LastStage string  `json:"last_stage"`
	LastError string  `json:"last_error,omitempty"`

	InputRef InputRef `json:"input_ref"`

	// Runtime is a free-form configuration snapshot taken at submit time.
	// It is immutable thereafter except for explicit operator overrides
	// (e.g. the voice-clone rerun marker), and unknown keys round-trip
	// untouched so older clients never lose fields they didn't know about.
	Runtime json.RawMessage `json:"runtime,omitempty"`

	OwnerStorageBytesDelta int64 `json:"owner_storage_bytes_delta"`

	Checkpoint map[string]StageCheckpoint `json:"checkpoint"`

	LibraryKey *LibraryKey `json:"library_key,omitempty"`

	Archived  bool       `json:"archived"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`

	// CancelRequested is a durable flag workers poll at stage boundaries;
	// it is set by the cancel handler ahead of the in-memory signal.
	CancelRequested bool `json:"cancel_requested"`
}

// InputRefKind distinguishes a job's source: an upload session or a
// pre-placed server-local file path.
type InputRefKind string

const (
	InputRefUpload InputRefKind = "upload"
	InputRefPath   InputRefKind = "path"
)

type InputRef struct {
	Kind     InputRefKind `json:"kind"`
	UploadID string       `json:"upload_id,omitempty"`
	Path     string       `json:"path,omitempty"`
}

// UploadState is the closed set of states an Upload session may occupy.
type UploadState string

const (
	UploadOpen      UploadState = "open"
	UploadComplete  UploadState = "complete"
	UploadAbandoned UploadState = "abandoned"
)

// Upload is the durable metadata record for a resumable chunked upload
// session; chunk bytes themselves live on disk under UploadStore.
type Upload struct {
	ID             string      `json:"id"`
	OwnerID        string      `json:"owner_id"`
	FilenameSafe   string      `json:"filename_safe"`
	TotalBytes     int64       `json:"total_bytes"`
	ChunkBytes     int64       `json:"chunk_bytes"`
	ExpectedChunks int         `json:"expected_chunks"`
	Received       *Bitmap     `json:"received"`
	ReceivedBytes  int64       `json:"received_bytes"`
	CreatedAt      time.Time   `json:"created_at"`
	ExpiresAt      time.Time   `json:"expires_at"`
	State          UploadState `json:"state"`
	HashSoFar      string      `json:"hash_so_far,omitempty"`
	FinalHash      string      `json:"final_hash,omitempty"`
}

// Role is the closed set of user roles, ordered viewer < operator <
// editor < admin.
type Role string

const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
	RoleEditor   Role = "editor"
	RoleAdmin    Role = "admin"
)

// roleRank gives RBAC comparisons (role >= required) an integer ordering.
var roleRank = map[Role]int{
	RoleViewer:   0,
	RoleOperator: 1,
	RoleEditor:   2,
	RoleAdmin:    3,
}

// AtLeast reports whether r grants at least the privilege of min.
func (r Role) AtLeast(min Role) bool {
	return roleRank[r] >= roleRank[min]
}

type User struct {
	ID          string    `json:"id"`
	Login       string    `json:"login"`
	Role        Role      `json:"role"`
	CreatedAt   time.Time `json:"created_at"`
	TOTPEnabled bool      `json:"totp_enabled"`
	TOTPSecret  string    `json:"-"`
}

// Invite is a one-shot token granting the right to create exactly one
// user account.
type Invite struct {
	Token      string     `json:"token"`
	CreatedBy  string     `json:"created_by"`
	Role       Role       `json:"role"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	RedeemedBy string     `json:"redeemed_by,omitempty"`
	RedeemedAt *time.Time `json:"redeemed_at,omitempty"`
}

// QRLoginToken is a short-lived, single-use token a device displays as
// a QR code; scanning it from an already-authenticated session redeems
// it and binds a fresh session id for the displaying device to pick up.
type QRLoginToken struct {
	Token      string     `json:"token"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	RedeemedBy string     `json:"redeemed_by,omitempty"`
	RedeemedAt *time.Time `json:"redeemed_at,omitempty"`
	SessionID  string     `json:"session_id,omitempty"`
}

type Session struct {
	ID            string     `json:"id"`
	UserID        string     `json:"user_id"`
	DeviceID      string     `json:"device_id"`
	CreatedIPHash string     `json:"created_ip_hash"`
	CreatedAt     time.Time  `json:"created_at"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
}

type ApiKey struct {
	ID         string     `json:"id"`
	Prefix     string     `json:"prefix"`
	SecretHash string     `json:"-"`
	OwnerID    string     `json:"owner_id"`
	Scopes     []string   `json:"scopes"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

// Quota holds per-user counters, some windowed to the current UTC day.
type Quota struct {
	UserID                 string    `json:"user_id"`
	StorageBytesUsed       int64     `json:"storage_bytes_used"`
	JobsSubmittedToday     int       `json:"jobs_submitted_today"`
	ProcessingMinutesToday float64   `json:"processing_minutes_today"`
	ConcurrentRunning      int       `json:"concurrent_running"`
	WindowDay              string    `json:"window_day"` // YYYY-MM-DD, UTC
	UpdatedAt              time.Time `json:"updated_at"`
}

// LibraryEntry is a denormalized index derived from Job.LibraryKey, kept
// current as jobs complete so library browsing never scans the job
// table directly.
type LibraryEntry struct {
	SeriesSlug string    `json:"series_slug"`
	Season     int       `json:"season"`
	Episode    int       `json:"episode"`
	OwnerID    string    `json:"owner_id"`
	JobIDs     []string  `json:"job_ids"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// OutboxState is the closed set of states an OutboxRow may occupy.
type OutboxState string

const (
	OutboxPending   OutboxState = "pending"
	OutboxSentRedis OutboxState = "sent_redis"
	OutboxSentLocal OutboxState = "sent_local"
	OutboxError     OutboxState = "error"
)

// OutboxRow is written in the same transaction as job creation, so
// every submitted job has a durable pending record. No background task
// reads these rows or flushes them to the dispatch backend.
type OutboxRow struct {
	JobID     string      `json:"job_id"`
	Priority  Priority    `json:"priority"`
	State     OutboxState `json:"state"`
	Attempts  int         `json:"attempts"`
	LastError string      `json:"last_error,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// DispatchLease is the atomic single-holder record that makes job
// execution at-most-once across any number of worker processes.
type DispatchLease struct {
	JobID      string    `json:"job_id"`
	Consumer   string    `json:"consumer"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// AuditEvent is a redacted, append-only security event record.
type AuditEvent struct {
	ID            int64     `json:"id"`
	Timestamp     time.Time `json:"ts"`
	RequestID     string    `json:"request_id"`
	ActorID       string    `json:"actor_id,omitempty"`
	Action        string    `json:"action"`
	Target        string    `json:"target"`
	Outcome       string    `json:"outcome"`
	MetaRedacted  string    `json:"meta_redacted,omitempty"`
}
