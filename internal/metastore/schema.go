// Copyright 2025 James Ross
package metastore

// migrations maps "from version" to the DDL that takes the schema to
// version+1. Entries are additive only, per the spec's migration rule:
// once shipped, a step's SQL never changes, only new steps are appended.
var migrations = map[int]string{
	0: `
CREATE TABLE jobs (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	state TEXT NOT NULL,
	priority TEXT NOT NULL,
	visibility TEXT NOT NULL,
	progress REAL NOT NULL DEFAULT 0,
	message TEXT NOT NULL DEFAULT '',
	last_stage TEXT NOT NULL DEFAULT '',
	last_error TEXT NOT NULL DEFAULT '',
	input_ref TEXT NOT NULL,
	runtime TEXT NOT NULL DEFAULT '{}',
	owner_storage_bytes_delta INTEGER NOT NULL DEFAULT 0,
	checkpoint TEXT NOT NULL DEFAULT '{}',
	library_key TEXT,
	archived INTEGER NOT NULL DEFAULT 0,
	deleted_at TEXT,
	cancel_requested INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX idx_jobs_owner ON jobs(owner_id, created_at);
CREATE INDEX idx_jobs_state ON jobs(state);

CREATE TABLE job_logs (
	job_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	line TEXT NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY (job_id, seq)
);

CREATE TABLE uploads (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	filename_safe TEXT NOT NULL,
	total_bytes INTEGER NOT NULL,
	chunk_bytes INTEGER NOT NULL,
	expected_chunks INTEGER NOT NULL,
	received_bitmap TEXT NOT NULL DEFAULT '',
	received_bytes INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	expires_at TEXT NOT NULL,
	state TEXT NOT NULL,
	hash_so_far TEXT NOT NULL DEFAULT '',
	final_hash TEXT NOT NULL DEFAULT ''
);
CREATE INDEX idx_uploads_owner ON uploads(owner_id);
CREATE INDEX idx_uploads_expires ON uploads(expires_at) WHERE state = 'open';

CREATE TABLE users (
	id TEXT PRIMARY KEY,
	login TEXT NOT NULL UNIQUE,
	role TEXT NOT NULL,
	created_at TEXT NOT NULL,
	totp_enabled INTEGER NOT NULL DEFAULT 0,
	totp_secret TEXT NOT NULL DEFAULT ''
);

CREATE TABLE invites (
	token TEXT PRIMARY KEY,
	created_by TEXT NOT NULL,
	role TEXT NOT NULL,
	created_at TEXT NOT NULL,
	expires_at TEXT NOT NULL,
	redeemed_by TEXT NOT NULL DEFAULT '',
	redeemed_at TEXT
);

CREATE TABLE sessions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	device_id TEXT NOT NULL DEFAULT '',
	created_ip_hash TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	revoked_at TEXT
);
CREATE INDEX idx_sessions_user ON sessions(user_id);

CREATE TABLE api_keys (
	id TEXT PRIMARY KEY,
	prefix TEXT NOT NULL,
	secret_hash TEXT NOT NULL,
	owner_id TEXT NOT NULL,
	scopes TEXT NOT NULL DEFAULT '[]',
	expires_at TEXT,
	revoked_at TEXT
);
CREATE INDEX idx_api_keys_prefix ON api_keys(prefix);

CREATE TABLE quotas (
	user_id TEXT PRIMARY KEY,
	storage_bytes_used INTEGER NOT NULL DEFAULT 0,
	jobs_submitted_today INTEGER NOT NULL DEFAULT 0,
	processing_minutes_today REAL NOT NULL DEFAULT 0,
	concurrent_running INTEGER NOT NULL DEFAULT 0,
	window_day TEXT NOT NULL DEFAULT '',
	updated_at TEXT NOT NULL
);

CREATE TABLE library_entries (
	series_slug TEXT NOT NULL,
	season INTEGER NOT NULL,
	episode INTEGER NOT NULL,
	owner_id TEXT NOT NULL,
	job_ids TEXT NOT NULL DEFAULT '[]',
	updated_at TEXT NOT NULL,
	PRIMARY KEY (series_slug, season, episode, owner_id)
);

CREATE TABLE outbox (
	job_id TEXT PRIMARY KEY,
	priority TEXT NOT NULL,
	state TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
CREATE INDEX idx_outbox_state ON outbox(state);

CREATE TABLE leases (
	job_id TEXT PRIMARY KEY,
	consumer TEXT NOT NULL,
	expires_at TEXT NOT NULL
);

CREATE TABLE audit_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts TEXT NOT NULL,
	request_id TEXT NOT NULL DEFAULT '',
	actor_id TEXT NOT NULL DEFAULT '',
	action TEXT NOT NULL,
	target TEXT NOT NULL,
	outcome TEXT NOT NULL,
	meta_redacted TEXT NOT NULL DEFAULT ''
);
CREATE INDEX idx_audit_ts ON audit_events(ts);
`,
	1: `
CREATE TABLE qr_logins (
	token TEXT PRIMARY KEY,
	created_at TEXT NOT NULL,
	expires_at TEXT NOT NULL,
	redeemed_by TEXT NOT NULL DEFAULT '',
	redeemed_at TEXT,
	session_id TEXT NOT NULL DEFAULT ''
);
CREATE INDEX idx_qr_logins_expires ON qr_logins(expires_at) WHERE redeemed_by = '';
`,
}
