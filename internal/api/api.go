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

// Package api implements the control-plane HTTP surface: handshake, tool
// catalog, job submission and retrieval, and plan approval. Handlers are
// pure translation over the store and the approval service; all job
// execution happens in the worker pool.
//
// Endpoints:
//   - POST /handshake
//   - GET  /tools
//   - POST /jobs
//   - GET  /jobs/{id}
//   - GET  /jobs/{id}/result
//   - POST /approve
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"coworker/internal/approval"
	"coworker/internal/metrics"
	"coworker/internal/tools"
	"coworker/pkg/coworker"
	"coworker/pkg/crypto"
)

// Store defines the persistence methods the API needs. The store
// implementation (internal/store.Store) satisfies this interface.
type Store interface {
	CreateSession(ctx context.Context, sessionID, token string) error
	GetSessionToken(ctx context.Context, sessionID string) (string, error)
	UpsertJobIfNew(ctx context.Context, job *coworker.Job) (bool, string, error)
	GetJob(ctx context.Context, jobID string) (*coworker.Job, error)
	GetResult(ctx context.Context, jobID string) (*coworker.Result, error)
}

// API is the control-plane HTTP layer.
type API struct {
	Store     Store
	Approvals *approval.Service

	// Logger is optional; if nil, logging is suppressed.
	Logger *log.Logger
	// Now allows tests to control timestamps.
	Now func() time.Time
}

// New constructs an API with its required dependencies.
func New(store Store, approvals *approval.Service, logger *log.Logger) *API {
	return &API{
		Store:     store,
		Approvals: approvals,
		Logger:    logger,
		Now:       time.Now,
	}
}

// Register attaches the API handlers to a mux under the expected routes.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("/handshake", a.handshakeHandler)
	mux.HandleFunc("/tools", a.requireAuth(a.toolsHandler))
	mux.HandleFunc("/jobs", a.requireAuth(a.jobsHandler))
	mux.HandleFunc("/jobs/", a.requireAuth(a.jobByIDHandler))
	mux.HandleFunc("/approve", a.requireAuth(a.approveHandler))
}

// --------------- Models ---------------

// SubmitJobRequest is the payload for POST /jobs.
type SubmitJobRequest struct {
	DedupeKey     string            `json:"dedupe_key"`
	Type          int               `json:"type"`
	Params        map[string]string `json:"params"`
	AllowedRoots  []string          `json:"allowed_roots"`
	ApprovalToken *string           `json:"approval_token"`
}

// SubmitJobResponse is returned for POST /jobs.
type SubmitJobResponse struct {
	CreatedNew bool   `json:"created_new"`
	JobID      string `json:"job_id"`
	Status     int    `json:"status"`
}

// HandshakeResponse is returned for POST /handshake; the token appears
// here once and never again.
type HandshakeResponse struct {
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
}

// ToolDTO is one catalog entry of GET /tools.
type ToolDTO struct {
	Name             string   `json:"name"`
	Type             int      `json:"type"`
	Params           []string `json:"params"`
	RequiresApproval bool     `json:"requires_approval,omitempty"`
}

// ResultResponse is returned for GET /jobs/{id}/result.
type ResultResponse struct {
	ContentType string `json:"content_type"`
	BytesBase64 string `json:"bytes_base64"`
}

// ApproveRequest is the payload for POST /approve. Either PlanJobID or
// Action is set: the plan form approves a stored organize plan, the
// action form approves one soft_delete/restore target.
type ApproveRequest struct {
	PlanJobID  string `json:"plan_job_id"`
	Action     string `json:"action"`
	From       string `json:"from"`
	To         string `json:"to"`
	TTLSeconds int    `json:"ttl_seconds"`
}

// jsonError is the error envelope for API responses.
type jsonError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (a *API) logf(format string, args ...any) {
	if a.Logger != nil {
		a.Logger.Printf(format, args...)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// --------------- POST /handshake ---------------

func (a *API) handshakeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	ctx := r.Context()

	token, err := approval.MintToken()
	if err != nil {
		a.logf("handshake: mint token: %v", err)
		writeJSON(w, http.StatusInternalServerError, jsonError{Error: "server_error", Message: "internal error"})
		return
	}
	sessionID := uuid.NewString()

	if err := a.Store.CreateSession(ctx, sessionID, token); err != nil {
		a.logf("handshake: create session: %v", err)
		writeJSON(w, http.StatusInternalServerError, jsonError{Error: "server_error", Message: "internal error"})
		return
	}
	a.logf("handshake: session=%s token=%s", sessionID, crypto.RedactToken(token))

	writeJSON(w, http.StatusOK, HandshakeResponse{SessionID: sessionID, Token: token})
}

// --------------- GET /tools ---------------

func (a *API) toolsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}

	catalog := tools.Catalog()
	out := make([]ToolDTO, 0, len(catalog))
	for _, s := range catalog {
		out = append(out, ToolDTO{
			Name:             s.Name,
			Type:             int(s.Type),
			Params:           s.Params,
			RequiresApproval: s.RequiresApproval,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": out})
}

// --------------- POST /jobs ---------------

func (a *API) jobsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	ctx := r.Context()

	var req SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, jsonError{
			Error:   "invalid_json",
			Message: "Request body could not be parsed as JSON",
		})
		return
	}
	if strings.TrimSpace(req.DedupeKey) == "" {
		writeJSON(w, http.StatusBadRequest, jsonError{
			Error:   "invalid_request",
			Message: "dedupe_key is required",
		})
		return
	}

	toolType := coworker.ToolType(req.Type)
	if toolType.RequiresApproval() && (req.ApprovalToken == nil || strings.TrimSpace(*req.ApprovalToken) == "") {
		writeJSON(w, http.StatusBadRequest, jsonError{
			Error:   "invalid_request",
			Message: "approval_token is required for write jobs",
		})
		return
	}

	job := coworker.NewJob(req.DedupeKey, toolType, req.Params, req.AllowedRoots, req.ApprovalToken)
	job.ID = uuid.NewString()

	createdNew, effectiveID, err := a.Store.UpsertJobIfNew(ctx, &job)
	if err != nil {
		a.logf("submit job %s: %v", job.ID, err)
		writeJSON(w, http.StatusInternalServerError, jsonError{Error: "server_error", Message: "failed to create job"})
		return
	}

	writeJSON(w, http.StatusOK, SubmitJobResponse{
		CreatedNew: createdNew,
		JobID:      effectiveID,
		Status:     int(coworker.StatusQueued),
	})
}

// --------------- GET /jobs/{id} and /jobs/{id}/result ---------------

func (a *API) jobByIDHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/jobs/")
	id, tail, _ := strings.Cut(rest, "/")
	if id == "" {
		http.NotFound(w, r)
		return
	}
	switch tail {
	case "":
		a.handleGetJob(w, r, id)
	case "result":
		a.handleGetResult(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func (a *API) handleGetJob(w http.ResponseWriter, r *http.Request, id string) {
	job, err := a.Store.GetJob(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, jsonError{Error: "not_found", Message: "Job not found"})
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *API) handleGetResult(w http.ResponseWriter, r *http.Request, id string) {
	res, err := a.Store.GetResult(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, jsonError{Error: "not_found", Message: "Result not found"})
		return
	}
	writeJSON(w, http.StatusOK, ResultResponse{
		ContentType: res.ContentType,
		BytesBase64: base64.StdEncoding.EncodeToString(res.Bytes),
	})
}

// --------------- POST /approve ---------------

func (a *API) approveHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	ctx := r.Context()

	var req ApproveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, jsonError{
			Error:   "invalid_json",
			Message: "Request body could not be parsed as JSON",
		})
		return
	}

	var (
		grant *approval.Grant
		err   error
	)
	switch {
	case req.Action != "":
		grant, err = a.Approvals.ApproveAction(ctx, req.Action, req.From, req.To, req.TTLSeconds)
	case strings.TrimSpace(req.PlanJobID) != "":
		grant, err = a.Approvals.ApprovePlan(ctx, req.PlanJobID, req.TTLSeconds)
	default:
		writeJSON(w, http.StatusBadRequest, jsonError{Error: "invalid_request", Message: "Missing plan_job_id"})
		return
	}

	if err != nil {
		metrics.IncApproval(metrics.ApprovalDenied)
		switch {
		case errors.Is(err, approval.ErrPlanNotFound):
			writeJSON(w, http.StatusNotFound, jsonError{Error: "not_found", Message: "Plan job not found"})
		case errors.Is(err, approval.ErrPlanResultMissing):
			writeJSON(w, http.StatusNotFound, jsonError{Error: "not_found", Message: "Plan result not found"})
		case errors.Is(err, approval.ErrPlanNotSucceeded):
			writeJSON(w, http.StatusBadRequest, jsonError{Error: "invalid_request", Message: "Plan job is not in SUCCEEDED state"})
		default:
			a.logf("approve: %v", err)
			writeJSON(w, http.StatusBadRequest, jsonError{Error: "invalid_request", Message: err.Error()})
		}
		return
	}

	metrics.IncApproval(metrics.ApprovalIssued)
	writeJSON(w, http.StatusOK, grant)
}
