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

// Package coworker contains the shared data models and type codes used by
// the control-plane store, the worker pool, the HTTP API, and tests. The
// integer codes are part of the wire contract and must stay stable.
package coworker

import "time"

// JobStatus is the lifecycle state of a job. The integer codes appear
// verbatim in the database and in API responses.
type JobStatus int

const (
	StatusQueued    JobStatus = 1
	StatusRunning   JobStatus = 2
	StatusSucceeded JobStatus = 3
	StatusFailed    JobStatus = 4
	StatusCanceled  JobStatus = 5
)

// Valid reports whether the status is one of the allowed states.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status is a terminal state. Terminal jobs
// never transition again.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// String returns a readable name for logs; the wire format stays numeric.
func (s JobStatus) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusRunning:
		return "running"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// ToolType is the stable integer code of a tool kind. Codes 1..7 are the
// filesystem tool set; 8..15 are the extension tools.
type ToolType int

const (
	ToolScanIndex         ToolType = 1
	ToolListFiles         ToolType = 2
	ToolReadFile          ToolType = 3
	ToolOrganizePlan      ToolType = 4
	ToolExecutePlan       ToolType = 5
	ToolSoftDelete        ToolType = 6
	ToolRestore           ToolType = 7
	ToolBrowseWeb         ToolType = 8
	ToolCreateExcel       ToolType = 9
	ToolCreateWord        ToolType = 10
	ToolCreatePDF         ToolType = 11
	ToolExecutePython     ToolType = 12
	ToolSearchPastActions ToolType = 13
	ToolSearchGoogleDrive ToolType = 14
	ToolListenMeeting     ToolType = 15
)

// RequiresApproval reports whether the tool mutates the workspace and must
// carry an approval token at submit time.
func (t ToolType) RequiresApproval() bool {
	switch t {
	case ToolExecutePlan, ToolSoftDelete, ToolRestore:
		return true
	default:
		return false
	}
}

// Session is a handshake-created identity. The bearer token is returned
// once by the handshake and then only ever read for comparison.
type Session struct {
	ID          string `json:"session_id" db:"session_id"`
	Token       string `json:"token" db:"token"` // NOTE: handle securely; do not log
	CreatedAtMS int64  `json:"created_at_ms" db:"created_at_ms"`
}

// Job is the central entity of the control plane. Nullable lifecycle
// columns map to pointers; params stay a flat string map whose values the
// handlers coerce themselves.
type Job struct {
	ID               string            `json:"job_id" db:"job_id"`
	DedupeKey        string            `json:"dedupe_key" db:"dedupe_key"`
	Type             ToolType          `json:"type" db:"type"`
	Status           JobStatus         `json:"status" db:"status"`
	CreatedAtMS      int64             `json:"created_at_ms" db:"created_at_ms"`
	StartedAtMS      *int64            `json:"started_at_ms" db:"started_at_ms"`
	FinishedAtMS     *int64            `json:"finished_at_ms" db:"finished_at_ms"`
	ErrorMessage     *string           `json:"error_message" db:"error_message"`
	Params           map[string]string `json:"params" db:"params_json"`
	AllowedRoots     []string          `json:"allowed_roots" db:"allowed_roots_json"`
	LeaseOwner       *string           `json:"lease_owner" db:"lease_owner"`
	LeaseExpiresAtMS *int64            `json:"lease_expires_at_ms" db:"lease_expires_at_ms"`
	ApprovalToken    *string           `json:"approval_token" db:"approval_token"`
}

// Result is the byte payload a worker stored for a completed job.
type Result struct {
	JobID       string `json:"job_id" db:"job_id"`
	ContentType string `json:"content_type" db:"content_type"`
	Bytes       []byte `json:"bytes" db:"result_bytes"`
	CreatedAtMS int64  `json:"created_at_ms" db:"created_at_ms"`
}

// Approval binds an opaque token to exactly one (plan_job_id, plan_hash)
// pair until it expires.
type Approval struct {
	Token       string `json:"approval_token" db:"token"`
	PlanJobID   string `json:"plan_job_id" db:"plan_job_id"`
	PlanHash    string `json:"plan_hash" db:"plan_hash"`
	ExpiresAtMS int64  `json:"expires_at_ms" db:"expires_at_ms"`
	CreatedAtMS int64  `json:"created_at_ms" db:"created_at_ms"`
}

// UnixMS converts a wall-clock time to the millisecond representation used
// across the store and the API.
func UnixMS(t time.Time) int64 { return t.UnixMilli() }

// NewJob constructs a queued Job. The caller assigns a unique ID (uuid)
// before persistence; the store stamps created_at_ms.
func NewJob(dedupeKey string, toolType ToolType, params map[string]string, allowedRoots []string, approvalToken *string) Job {
	if params == nil {
		params = map[string]string{}
	}
	return Job{
		ID:            "",
		DedupeKey:     dedupeKey,
		Type:          toolType,
		Status:        StatusQueued,
		Params:        params,
		AllowedRoots:  allowedRoots,
		ApprovalToken: approvalToken,
	}
}
