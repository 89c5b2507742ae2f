// Coworker is a sandboxed workspace agent service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package store provides the SQLite-backed control-plane persistence layer:
// sessions, jobs, results, and approvals, plus the atomic leasing primitives
// the worker pool schedules on. Every write is a single committed statement
// or transaction; a crash between any two primitives leaves no half-applied
// update.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"coworker/pkg/coworker"
	"coworker/pkg/crypto"
)

const (
	defaultBusyTimeout = 5 * time.Second

	// settings keys
	schemaVersionKey = "schema_version"
)

var (
	// ErrNotFound indicates no rows matched the query.
	ErrNotFound = errors.New("not found")
)

// Store wraps a SQLite database connection and provides typed accessors.
type Store struct {
	db     *sql.DB
	sealer *crypto.Sealer
}

// Open opens (or creates) a SQLite database at path, applies connection
// pragmas, runs migrations, and returns a ready Store. Session tokens are
// stored in plaintext; use OpenWithEncryption to seal them at rest.
func Open(ctx context.Context, path string) (*Store, error) {
	return OpenWithEncryption(ctx, path, "")
}

// OpenWithEncryption opens the store and, when encryptionKey is non-empty,
// seals session bearer tokens at rest with a key derived from it.
func OpenWithEncryption(ctx context.Context, path, encryptionKey string) (*Store, error) {
	// DSN with pragmas for durability and concurrency.
	// - busy_timeout: backoff on locked database
	// - journal_mode=WAL: concurrent reads during writes
	// - foreign_keys=ON: results cascade with their jobs
	// - synchronous=NORMAL: reasonable safety/perf tradeoff
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)", path, int(defaultBusyTimeout.Milliseconds()))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Reasonable pool settings for a single-node embedded DB
	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(8)

	if err := pingContext(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db}
	if encryptionKey != "" {
		sealer, err := crypto.NewSealer(encryptionKey)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init sealer: %w", err)
		}
		s.sealer = sealer
	}

	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return pingContext(ctx, s.db)
}

// WithTx executes fn inside a transaction. If fn returns an error,
// the transaction is rolled back; otherwise, it's committed.
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		ReadOnly:  false,
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		// In case of panic, make best effort rollback
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// --------------- Migrations ---------------

func (s *Store) migrate(ctx context.Context) error {
	if err := s.ensureSettingsTable(ctx); err != nil {
		return err
	}

	cur, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	target := 1 // latest schema version in this file

	// v1: initial schema
	if cur < 1 {
		if err := s.migrateToV1(ctx); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
		if err := s.setSchemaVersion(ctx, 1); err != nil {
			return err
		}
		cur = 1
	}

	if cur != target {
		// Future migrations go here
	}

	return nil
}

func (s *Store) ensureSettingsTable(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS settings (
  key   TEXT PRIMARY KEY,
  value TEXT NOT NULL
);`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) getSchemaVersion(ctx context.Context) (int, error) {
	const q = `SELECT value FROM settings WHERE key=?`
	var val string
	err := s.db.QueryRowContext(ctx, q, schemaVersionKey).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	var v int
	if _, err := fmt.Sscanf(val, "%d", &v); err != nil {
		// If corrupted, force to 0 to allow re-init
		return 0, nil
	}
	return v, nil
}

func (s *Store) setSchemaVersion(ctx context.Context, v int) error {
	const upsert = `
INSERT INTO settings(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value;`
	_, err := s.db.ExecContext(ctx, upsert, schemaVersionKey, fmt.Sprintf("%d", v))
	if err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

func (s *Store) migrateToV1(ctx context.Context) error {
	stmts := []string{
		// sessions table
		`CREATE TABLE IF NOT EXISTS sessions (
  session_id    TEXT PRIMARY KEY,
  token         TEXT NOT NULL,
  created_at_ms INTEGER NOT NULL
);`,

		// jobs table
		`CREATE TABLE IF NOT EXISTS jobs (
  job_id              TEXT PRIMARY KEY,
  dedupe_key          TEXT NOT NULL,
  type                INTEGER NOT NULL,
  status              INTEGER NOT NULL,
  created_at_ms       INTEGER NOT NULL,
  started_at_ms       INTEGER NULL,
  finished_at_ms      INTEGER NULL,
  error_message       TEXT NULL,
  params_json         TEXT NOT NULL,
  allowed_roots_json  TEXT NOT NULL,
  lease_owner         TEXT NULL,
  lease_expires_at_ms INTEGER NULL,
  approval_token      TEXT NULL
);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_dedupe ON jobs(dedupe_key, type);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs(status, created_at_ms);`,

		// results table
		`CREATE TABLE IF NOT EXISTS results (
  job_id        TEXT PRIMARY KEY REFERENCES jobs(job_id) ON DELETE CASCADE,
  result_bytes  BLOB NOT NULL,
  content_type  TEXT NOT NULL,
  created_at_ms INTEGER NOT NULL
);`,

		// approvals table
		`CREATE TABLE IF NOT EXISTS approvals (
  token         TEXT PRIMARY KEY,
  plan_job_id   TEXT NOT NULL,
  plan_hash     TEXT NOT NULL,
  expires_at_ms INTEGER NOT NULL,
  created_at_ms INTEGER NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_approvals_expires ON approvals(expires_at_ms);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

// --------------- Sessions ---------------

// CreateSession persists a handshake session. Overwrite-safe: re-creating
// a session id replaces its token.
func (s *Store) CreateSession(ctx context.Context, sessionID, token string) error {
	stored := token
	if s.sealer != nil {
		sealed, err := s.sealer.Seal(token)
		if err != nil {
			return fmt.Errorf("seal session token: %w", err)
		}
		stored = sealed
	}
	const ins = `INSERT OR REPLACE INTO sessions(session_id, token, created_at_ms) VALUES(?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, ins, sessionID, stored, nowMS()); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSessionToken returns the bearer token for a session or ErrNotFound.
func (s *Store) GetSessionToken(ctx context.Context, sessionID string) (string, error) {
	const q = `SELECT token FROM sessions WHERE session_id=?`
	var token string
	err := s.db.QueryRowContext(ctx, q, sessionID).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get session token: %w", err)
	}
	if s.sealer != nil && crypto.IsSealed(token) {
		opened, err := s.sealer.Open(token)
		if err != nil {
			return "", fmt.Errorf("unseal session token: %w", err)
		}
		token = opened
	}
	return token, nil
}

// --------------- Jobs ---------------

const jobColumns = `job_id, dedupe_key, type, status, created_at_ms, started_at_ms, finished_at_ms, error_message, params_json, allowed_roots_json, lease_owner, lease_expires_at_ms, approval_token`

// UpsertJobIfNew inserts a QUEUED job unless a row with the same
// (dedupe_key, type) already exists, in which case the existing job id is
// returned and nothing is written. The check and insert run in one
// transaction so concurrent submitters agree on the winner.
func (s *Store) UpsertJobIfNew(ctx context.Context, job *coworker.Job) (bool, string, error) {
	paramsJSON, err := json.Marshal(job.Params)
	if err != nil {
		return false, "", fmt.Errorf("encode params: %w", err)
	}
	rootsJSON, err := json.Marshal(job.AllowedRoots)
	if err != nil {
		return false, "", fmt.Errorf("encode allowed roots: %w", err)
	}

	var (
		createdNew  bool
		effectiveID string
	)
	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		var existing string
		err := tx.QueryRowContext(ctx,
			`SELECT job_id FROM jobs WHERE dedupe_key=? AND type=?`,
			job.DedupeKey, int(job.Type)).Scan(&existing)
		if err == nil {
			effectiveID = existing
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("select existing job: %w", err)
		}

		var approvalToken any
		if job.ApprovalToken != nil {
			approvalToken = *job.ApprovalToken
		}
		const ins = `
INSERT INTO jobs (job_id, dedupe_key, type, status, created_at_ms, params_json, allowed_roots_json, approval_token)
VALUES (?, ?, ?, ?, ?, ?, ?, ?);`
		if _, err := tx.ExecContext(ctx, ins,
			job.ID, job.DedupeKey, int(job.Type), int(coworker.StatusQueued), nowMS(),
			string(paramsJSON), string(rootsJSON), approvalToken); err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		createdNew = true
		effectiveID = job.ID
		return nil
	})
	if err != nil {
		return false, "", err
	}
	return createdNew, effectiveID, nil
}

// GetJob retrieves a job by id.
func (s *Store) GetJob(ctx context.Context, jobID string) (*coworker.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id=?`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// NextQueuedJob returns the oldest QUEUED job, ties broken by job_id for a
// stable order, or (nil, nil) when the queue is empty. Pure read; claiming
// is a separate step so multiple pollers can race safely.
func (s *Store) NextQueuedJob(ctx context.Context) (*coworker.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status=? ORDER BY created_at_ms ASC, job_id ASC LIMIT 1`,
		int(coworker.StatusQueued))
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next queued job: %w", err)
	}
	return job, nil
}

// NextReclaimableJob returns the oldest RUNNING job whose lease has
// already expired, or (nil, nil) when there is none. Workers poll this
// after the queue so abandoned jobs re-enter the claim path.
func (s *Store) NextReclaimableJob(ctx context.Context) (*coworker.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
WHERE status=? AND lease_expires_at_ms IS NOT NULL AND lease_expires_at_ms < ?
ORDER BY created_at_ms ASC, job_id ASC LIMIT 1`,
		int(coworker.StatusRunning), nowMS())
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next reclaimable job: %w", err)
	}
	return job, nil
}

// ClaimJobLease is the scheduler primitive: one guarded UPDATE transitions
// the job to RUNNING and assigns the lease iff the row is QUEUED, or is
// RUNNING with an expired lease (reclamation). started_at_ms is set only on
// the first transition. Returns true iff exactly one row updated.
func (s *Store) ClaimJobLease(ctx context.Context, jobID, workerID string, leaseTTL time.Duration) (bool, error) {
	t := nowMS()
	expires := t + leaseTTL.Milliseconds()
	const upd = `
UPDATE jobs
SET status=?,
    started_at_ms=COALESCE(started_at_ms, ?),
    lease_owner=?,
    lease_expires_at_ms=?
WHERE job_id=?
  AND (
    status=?
    OR (
      status=?
      AND lease_expires_at_ms IS NOT NULL
      AND lease_expires_at_ms < ?
    )
  )`
	res, err := s.db.ExecContext(ctx, upd,
		int(coworker.StatusRunning), t, workerID, expires,
		jobID,
		int(coworker.StatusQueued),
		int(coworker.StatusRunning), t)
	if err != nil {
		return false, fmt.Errorf("claim job lease: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// RenewJobLease extends a live lease, asserting worker ownership. A worker
// that lost its lease to reclamation gets false and must stop.
func (s *Store) RenewJobLease(ctx context.Context, jobID, workerID string, leaseTTL time.Duration) (bool, error) {
	expires := nowMS() + leaseTTL.Milliseconds()
	const upd = `
UPDATE jobs SET lease_expires_at_ms=?
WHERE job_id=? AND status=? AND lease_owner=?`
	res, err := s.db.ExecContext(ctx, upd, expires, jobID, int(coworker.StatusRunning), workerID)
	if err != nil {
		return false, fmt.Errorf("renew job lease: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// CompleteJob transitions a job to SUCCEEDED or FAILED, stamps
// finished_at_ms, and clears the lease. The guard excludes terminal rows so
// a completed job is never transitioned again and finished_at_ms is set
// exactly once.
func (s *Store) CompleteJob(ctx context.Context, jobID string, ok bool, errorMessage *string) error {
	status := coworker.StatusSucceeded
	if !ok {
		status = coworker.StatusFailed
	}
	var msg any
	if errorMessage != nil {
		msg = *errorMessage
	}
	const upd = `
UPDATE jobs
SET status=?,
    finished_at_ms=?,
    error_message=?,
    lease_owner=NULL,
    lease_expires_at_ms=NULL
WHERE job_id=? AND status IN (?, ?)`
	_, err := s.db.ExecContext(ctx, upd,
		int(status), nowMS(), msg, jobID,
		int(coworker.StatusQueued), int(coworker.StatusRunning))
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

// --------------- Results ---------------

// PutResult upserts the byte payload for a job. Written by the worker after
// handler success, before CompleteJob.
func (s *Store) PutResult(ctx context.Context, jobID, contentType string, data []byte) error {
	const ins = `INSERT OR REPLACE INTO results(job_id, result_bytes, content_type, created_at_ms) VALUES(?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, ins, jobID, data, contentType, nowMS()); err != nil {
		return fmt.Errorf("put result: %w", err)
	}
	return nil
}

// GetResult retrieves the stored result for a job or ErrNotFound.
func (s *Store) GetResult(ctx context.Context, jobID string) (*coworker.Result, error) {
	const q = `SELECT job_id, content_type, result_bytes, created_at_ms FROM results WHERE job_id=?`
	var r coworker.Result
	err := s.db.QueryRowContext(ctx, q, jobID).Scan(&r.JobID, &r.ContentType, &r.Bytes, &r.CreatedAtMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get result: %w", err)
	}
	return &r, nil
}

// --------------- Approvals ---------------

// CreateApproval persists an approval token bound to one
// (plan_job_id, plan_hash) pair until now + ttl.
func (s *Store) CreateApproval(ctx context.Context, token, planJobID, planHash string, ttl time.Duration) error {
	t := nowMS()
	const ins = `INSERT INTO approvals(token, plan_job_id, plan_hash, expires_at_ms, created_at_ms) VALUES(?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, ins, token, planJobID, planHash, t+ttl.Milliseconds(), t); err != nil {
		return fmt.Errorf("create approval: %w", err)
	}
	return nil
}

// ValidateApproval reports whether an unexpired approval row matches all
// three of token, plan job id, and plan hash.
func (s *Store) ValidateApproval(ctx context.Context, token, planJobID, planHash string) (bool, error) {
	const q = `
SELECT token FROM approvals
WHERE token=? AND plan_job_id=? AND plan_hash=? AND expires_at_ms>?`
	var found string
	err := s.db.QueryRowContext(ctx, q, token, planJobID, planHash, nowMS()).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("validate approval: %w", err)
	}
	return true, nil
}

// PurgeExpiredApprovals deletes approvals whose expiry has passed and
// returns how many were removed.
func (s *Store) PurgeExpiredApprovals(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM approvals WHERE expires_at_ms<=?`, nowMS())
	if err != nil {
		return 0, fmt.Errorf("purge expired approvals: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// --------------- Internal helpers ---------------

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*coworker.Job, error) {
	var (
		j          coworker.Job
		jt, status int
		started    sql.NullInt64
		finished   sql.NullInt64
		errMsg     sql.NullString
		paramsJSON string
		rootsJSON  string
		leaseOwner sql.NullString
		leaseExp   sql.NullInt64
		approval   sql.NullString
	)
	err := row.Scan(&j.ID, &j.DedupeKey, &jt, &status, &j.CreatedAtMS,
		&started, &finished, &errMsg, &paramsJSON, &rootsJSON,
		&leaseOwner, &leaseExp, &approval)
	if err != nil {
		return nil, err
	}
	j.Type = coworker.ToolType(jt)
	j.Status = coworker.JobStatus(status)
	j.StartedAtMS = fromNullInt64Ptr(started)
	j.FinishedAtMS = fromNullInt64Ptr(finished)
	j.ErrorMessage = fromNullStringPtr(errMsg)
	j.LeaseOwner = fromNullStringPtr(leaseOwner)
	j.LeaseExpiresAtMS = fromNullInt64Ptr(leaseExp)
	j.ApprovalToken = fromNullStringPtr(approval)
	if err := json.Unmarshal([]byte(paramsJSON), &j.Params); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	if err := json.Unmarshal([]byte(rootsJSON), &j.AllowedRoots); err != nil {
		return nil, fmt.Errorf("decode allowed roots: %w", err)
	}
	return &j, nil
}

func pingContext(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

func nowMS() int64 {
	return time.Now().UnixMilli()
}

func fromNullStringPtr(ns sql.NullString) *string {
	if ns.Valid {
		v := ns.String
		return &v
	}
	return nil
}

func fromNullInt64Ptr(ni sql.NullInt64) *int64 {
	if ni.Valid {
		v := ni.Int64
		return &v
	}
	return nil
}
