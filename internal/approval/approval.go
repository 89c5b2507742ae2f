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

// Package approval mints and validates plan-approval tokens. Each token
// authorizes exactly one (plan_job_id, plan_hash) pair for a bounded
// TTL; the worker recomputes the hash from the plan it is about to run,
// so an edited plan invalidates its approval.
package approval

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"coworker/internal/tools"
	"coworker/pkg/coworker"
)

// TTL bounds; requested TTLs are clamped, never rejected.
const (
	TTLMin = 10 * time.Second
	TTLMax = 3600 * time.Second
)

var (
	// ErrPlanNotFound indicates the referenced plan job does not exist.
	ErrPlanNotFound = errors.New("Plan job not found")
	// ErrPlanNotSucceeded indicates the plan job has not completed
	// successfully, so there is nothing trustworthy to approve.
	ErrPlanNotSucceeded = errors.New("Plan job is not in SUCCEEDED state")
	// ErrPlanResultMissing indicates the plan job has no stored result.
	ErrPlanResultMissing = errors.New("Plan result not found")
)

// Store is the persistence surface the service needs.
type Store interface {
	GetJob(ctx context.Context, jobID string) (*coworker.Job, error)
	GetResult(ctx context.Context, jobID string) (*coworker.Result, error)
	CreateApproval(ctx context.Context, token, planJobID, planHash string, ttl time.Duration) error
	ValidateApproval(ctx context.Context, token, planJobID, planHash string) (bool, error)
	PurgeExpiredApprovals(ctx context.Context) (int64, error)
}

// Grant is a freshly minted approval.
type Grant struct {
	Token      string `json:"approval_token"`
	PlanJobID  string `json:"plan_job_id"`
	PlanHash   string `json:"plan_hash"`
	TTLSeconds int    `json:"ttl_seconds"`
}

// Service mints and validates approvals against the control-plane store.
type Service struct {
	store Store
}

// New constructs an approval service.
func New(store Store) *Service {
	return &Service{store: store}
}

// ApprovePlan mints an approval bound to a SUCCEEDED plan job and the
// hash of its stored result. Expired approvals are purged before every
// mint so the table stays bounded.
func (s *Service) ApprovePlan(ctx context.Context, planJobID string, ttlSeconds int) (*Grant, error) {
	if _, err := s.store.PurgeExpiredApprovals(ctx); err != nil {
		return nil, fmt.Errorf("purge expired approvals: %w", err)
	}

	job, err := s.store.GetJob(ctx, planJobID)
	if err != nil {
		return nil, ErrPlanNotFound
	}
	if job.Status != coworker.StatusSucceeded {
		return nil, ErrPlanNotSucceeded
	}

	res, err := s.store.GetResult(ctx, planJobID)
	if err != nil {
		return nil, ErrPlanResultMissing
	}

	planHash, err := tools.HashPlanBytes(res.Bytes)
	if err != nil {
		return nil, fmt.Errorf("hash plan: %w", err)
	}

	return s.mint(ctx, planJobID, planHash, ttlSeconds)
}

// ApproveAction mints an approval for a soft_delete or restore job. The
// approval binds the derived {action, from, to} plan under a symbolic
// plan job id, and the worker re-derives the same triple from the job
// it runs.
func (s *Service) ApproveAction(ctx context.Context, action, from, to string, ttlSeconds int) (*Grant, error) {
	if action != "soft_delete" && action != "restore" {
		return nil, fmt.Errorf("unknown action %q", action)
	}
	if _, err := s.store.PurgeExpiredApprovals(ctx); err != nil {
		return nil, fmt.Errorf("purge expired approvals: %w", err)
	}

	planHash, err := tools.HashActionPlan(tools.ActionPlan{Action: action, From: from, To: to})
	if err != nil {
		return nil, fmt.Errorf("hash action plan: %w", err)
	}

	return s.mint(ctx, tools.ActionPlanID(action), planHash, ttlSeconds)
}

func (s *Service) mint(ctx context.Context, planJobID, planHash string, ttlSeconds int) (*Grant, error) {
	token, err := MintToken()
	if err != nil {
		return nil, fmt.Errorf("mint token: %w", err)
	}

	ttl := ClampTTL(ttlSeconds)
	if err := s.store.CreateApproval(ctx, token, planJobID, planHash, time.Duration(ttl)*time.Second); err != nil {
		return nil, fmt.Errorf("persist approval: %w", err)
	}

	return &Grant{
		Token:      token,
		PlanJobID:  planJobID,
		PlanHash:   planHash,
		TTLSeconds: ttl,
	}, nil
}

// Validate reports whether an unexpired approval matches all three of
// token, plan job id, and plan hash.
func (s *Service) Validate(ctx context.Context, token, planJobID, planHash string) (bool, error) {
	return s.store.ValidateApproval(ctx, token, planJobID, planHash)
}

// ClampTTL bounds a requested TTL to [TTLMin, TTLMax] seconds.
func ClampTTL(ttlSeconds int) int {
	minSec := int(TTLMin / time.Second)
	maxSec := int(TTLMax / time.Second)
	if ttlSeconds < minSec {
		return minSec
	}
	if ttlSeconds > maxSec {
		return maxSec
	}
	return ttlSeconds
}

// MintToken returns a cryptographically random 256-bit URL-safe token.
// The same shape serves session bearer tokens and approval tokens.
func MintToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
