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

// Package jobs implements the worker that claims queued jobs under a
// lease, dispatches them to tool handlers, and writes results back to
// the control-plane store. The mutating tools are dispatched here rather
// than through the registry because they must validate their approval
// token against the store before touching the filesystem.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"coworker/internal/metrics"
	"coworker/internal/sandbox"
	"coworker/internal/tools"
	"coworker/pkg/coworker"
)

// Store defines the persistence operations required by the worker.
type Store interface {
	NextQueuedJob(ctx context.Context) (*coworker.Job, error)
	NextReclaimableJob(ctx context.Context) (*coworker.Job, error)
	ClaimJobLease(ctx context.Context, jobID, workerID string, leaseTTL time.Duration) (bool, error)
	RenewJobLease(ctx context.Context, jobID, workerID string, leaseTTL time.Duration) (bool, error)
	CompleteJob(ctx context.Context, jobID string, ok bool, errorMessage *string) error
	PutResult(ctx context.Context, jobID, contentType string, data []byte) error
	GetResult(ctx context.Context, jobID string) (*coworker.Result, error)
	ValidateApproval(ctx context.Context, token, planJobID, planHash string) (bool, error)
}

// Config controls worker behavior and timeouts.
type Config struct {
	WorkerID string

	// AllowedRoots is the process-wide root allow-list. A job's own
	// allowed_roots are intersected with it before any handler runs;
	// empty means no process-level restriction.
	AllowedRoots []string

	// How often to poll for new jobs when the queue is empty.
	PollInterval time.Duration

	// Backoff after losing a claim race before polling again.
	ClaimBackoff time.Duration

	// Lease management. RenewEvery defaults to half the TTL.
	LeaseTTL   time.Duration
	RenewEvery time.Duration

	// Interpreter for the execute_python tool.
	PythonBin string

	// HTTP client for the browse_web tool; nil means a 10s default.
	HTTPClient *http.Client
}

// Worker claims and processes jobs until its context is canceled.
type Worker struct {
	store  Store
	cfg    Config
	logger *log.Logger
	now    func() time.Time
}

// NewWorker constructs a Worker with defaulted timings.
func NewWorker(store Store, cfg Config, logger *log.Logger) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.ClaimBackoff <= 0 {
		cfg.ClaimBackoff = 100 * time.Millisecond
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Second
	}
	if cfg.RenewEvery <= 0 || cfg.RenewEvery >= cfg.LeaseTTL {
		cfg.RenewEvery = cfg.LeaseTTL / 2
	}
	return &Worker{
		store:  store,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

func (w *Worker) logf(format string, args ...any) {
	if w.logger != nil {
		w.logger.Printf("[worker %s] %s", w.cfg.WorkerID, fmt.Sprintf(format, args...))
	}
}

// Run polls for queued jobs, claims them, and processes each claimed job
// to completion. Claim races are expected: the lease UPDATE decides the
// winner and losers back off briefly.
func (w *Worker) Run(ctx context.Context) {
	w.logf("starting worker; poll=%s lease_ttl=%s", w.cfg.PollInterval, w.cfg.LeaseTTL)
	defer w.logf("worker stopped")

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}

		job, err := w.nextClaimable(ctx)
		if err != nil {
			w.logf("poll error: %v", err)
		} else if job != nil {
			claimed, err := w.store.ClaimJobLease(ctx, job.ID, w.cfg.WorkerID, w.cfg.LeaseTTL)
			if err != nil {
				w.logf("claim job %s: %v", job.ID, err)
			} else if claimed {
				if job.Status == coworker.StatusRunning {
					w.logf("reclaimed job id=%s tool=%s after lease expiry", job.ID, tools.Name(job.Type))
				} else {
					w.logf("claimed job id=%s tool=%s", job.ID, tools.Name(job.Type))
				}
				w.processJob(ctx, job)
				continue
			} else {
				// Lost the race; another worker owns it now.
				select {
				case <-ctx.Done():
					return
				case <-time.After(w.cfg.ClaimBackoff):
				}
				continue
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// nextClaimable prefers fresh QUEUED work and falls back to RUNNING
// jobs whose lease has expired, so a job abandoned by a dead worker is
// re-dispatched through the same claim path instead of staying RUNNING
// forever.
func (w *Worker) nextClaimable(ctx context.Context) (*coworker.Job, error) {
	job, err := w.store.NextQueuedJob(ctx)
	if err != nil || job != nil {
		return job, err
	}
	return w.store.NextReclaimableJob(ctx)
}

// processJob runs the job handler with a heartbeat goroutine renewing
// the lease, then stores the result and completes the job. Handler
// errors become the job's error_message verbatim and the job FAILS; the
// result row is written only on success.
func (w *Worker) processJob(ctx context.Context, job *coworker.Job) {
	start := w.now()

	handlerCtx, stopRenewal := context.WithCancel(ctx)
	renewalDone := make(chan struct{})
	go func() {
		defer close(renewalDone)
		w.renewLoop(handlerCtx, job.ID)
	}()

	payload, contentType, err := w.dispatch(handlerCtx, job)

	stopRenewal()
	<-renewalDone

	ok := err == nil
	if ok {
		if perr := w.store.PutResult(ctx, job.ID, contentType, payload); perr != nil {
			ok = false
			err = fmt.Errorf("store result: %w", perr)
		}
	}

	var msg *string
	if err != nil {
		m := err.Error()
		msg = &m
		w.logf("job %s failed: %s", job.ID, m)
	}
	if cerr := w.store.CompleteJob(ctx, job.ID, ok, msg); cerr != nil {
		w.logf("complete job %s: %v", job.ID, cerr)
	}

	dur := w.now().Sub(start)
	metrics.ObserveJob(tools.Name(job.Type), ok, dur)
	w.logf("job %s done ok=%v duration=%s", job.ID, ok, dur.Round(time.Millisecond))
}

// renewLoop extends the lease every RenewEvery until the handler context
// is canceled. A failed renewal means the lease was reclaimed; the
// handler keeps running but its completion will hit the terminal guard.
func (w *Worker) renewLoop(ctx context.Context, jobID string) {
	ticker := time.NewTicker(w.cfg.RenewEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := w.store.RenewJobLease(ctx, jobID, w.cfg.WorkerID, w.cfg.LeaseTTL)
			if err != nil {
				w.logf("renew lease job=%s: %v", jobID, err)
			} else if !ok {
				w.logf("lease lost job=%s", jobID)
				return
			}
		}
	}
}

// dispatch routes a claimed job to its handler. The mutating tools run
// through the approval-checked paths below; everything else goes through
// the registry handler.
func (w *Worker) dispatch(ctx context.Context, job *coworker.Job) ([]byte, string, error) {
	env := tools.Env{
		Roots:      w.effectiveRoots(job.AllowedRoots),
		Now:        w.now,
		PythonBin:  w.cfg.PythonBin,
		HTTPClient: w.cfg.HTTPClient,
	}

	switch job.Type {
	case coworker.ToolExecutePlan:
		return w.runExecutePlan(ctx, job, env)
	case coworker.ToolSoftDelete:
		return w.runSoftDelete(ctx, job, env)
	case coworker.ToolRestore:
		return w.runRestore(ctx, job, env)
	}

	spec, ok := tools.Lookup(job.Type)
	if !ok || spec.Handler == nil {
		return nil, "", fmt.Errorf("Unsupported job type: %d", int(job.Type))
	}
	return spec.Handler(ctx, env, job.Params)
}

// runExecutePlan re-reads the approved plan from the plan job's stored
// result, recomputes its hash, and validates the approval against the
// (token, plan_job_id, plan_hash) triple before applying any move.
func (w *Worker) runExecutePlan(ctx context.Context, job *coworker.Job, env tools.Env) ([]byte, string, error) {
	planJobID := strings.TrimSpace(job.Params["plan_job_id"])
	if planJobID == "" {
		return nil, "", fmt.Errorf("Missing plan_job_id")
	}

	token := approvalToken(job)
	if token == "" {
		return nil, "", fmt.Errorf("Missing approval_token")
	}

	res, err := w.store.GetResult(ctx, planJobID)
	if err != nil {
		return nil, "", fmt.Errorf("Missing plan result")
	}

	planHash, err := tools.HashPlanBytes(res.Bytes)
	if err != nil {
		return nil, "", fmt.Errorf("decode plan: %w", err)
	}

	ok, err := w.store.ValidateApproval(ctx, token, planJobID, planHash)
	if err != nil {
		return nil, "", fmt.Errorf("validate approval: %w", err)
	}
	if !ok {
		return nil, "", fmt.Errorf("Invalid or expired approval token for this plan")
	}

	var plan tools.Plan
	if err := json.Unmarshal(res.Bytes, &plan); err != nil {
		return nil, "", fmt.Errorf("decode plan: %w", err)
	}

	out, err := tools.ExecutePlan(&plan, env.Roots, env.WorkspaceRoot(job.Params), w.now)
	if err != nil {
		return nil, "", err
	}
	payload, err := json.Marshal(out)
	if err != nil {
		return nil, "", fmt.Errorf("encode result: %w", err)
	}
	return payload, tools.ContentTypeJSON, nil
}

func (w *Worker) runSoftDelete(ctx context.Context, job *coworker.Job, env tools.Env) ([]byte, string, error) {
	if err := w.checkActionApproval(ctx, job, "soft_delete", job.Params["path"], ""); err != nil {
		return nil, "", err
	}
	out, err := tools.SoftDelete(job.Params["path"], env.Roots, env.WorkspaceRoot(job.Params), w.now)
	if err != nil {
		return nil, "", err
	}
	payload, err := json.Marshal(out)
	if err != nil {
		return nil, "", fmt.Errorf("encode result: %w", err)
	}
	return payload, tools.ContentTypeJSON, nil
}

func (w *Worker) runRestore(ctx context.Context, job *coworker.Job, env tools.Env) ([]byte, string, error) {
	if err := w.checkActionApproval(ctx, job, "restore", job.Params["trash_item_path"], job.Params["restore_to"]); err != nil {
		return nil, "", err
	}
	out, err := tools.Restore(job.Params["trash_item_path"], job.Params["restore_to"], env.Roots, env.WorkspaceRoot(job.Params), w.now)
	if err != nil {
		return nil, "", err
	}
	payload, err := json.Marshal(out)
	if err != nil {
		return nil, "", fmt.Errorf("encode result: %w", err)
	}
	return payload, tools.ContentTypeJSON, nil
}

// checkActionApproval re-derives the {action, from, to} plan from the
// job's own parameters and validates the carried token against it, so an
// approval for one path never authorizes another.
func (w *Worker) checkActionApproval(ctx context.Context, job *coworker.Job, action, from, to string) error {
	token := approvalToken(job)
	if token == "" {
		return fmt.Errorf("Missing approval_token")
	}

	planHash, err := tools.HashActionPlan(tools.ActionPlan{Action: action, From: from, To: to})
	if err != nil {
		return fmt.Errorf("hash action plan: %w", err)
	}

	ok, err := w.store.ValidateApproval(ctx, token, tools.ActionPlanID(action), planHash)
	if err != nil {
		return fmt.Errorf("validate approval: %w", err)
	}
	if !ok {
		return fmt.Errorf("Invalid or expired approval token for this plan")
	}
	return nil
}

// effectiveRoots intersects a job's allow-list with the process-wide
// one. Job roots outside every process root are dropped, so a submitter
// can narrow the sandbox but never widen it.
func (w *Worker) effectiveRoots(jobRoots []string) []string {
	if len(w.cfg.AllowedRoots) == 0 {
		return jobRoots
	}
	if len(jobRoots) == 0 {
		return w.cfg.AllowedRoots
	}
	out := make([]string, 0, len(jobRoots))
	for _, r := range jobRoots {
		if _, err := sandbox.ResolveWithin(r, w.cfg.AllowedRoots); err == nil {
			out = append(out, r)
		}
	}
	return out
}

func approvalToken(job *coworker.Job) string {
	if job.ApprovalToken == nil {
		return ""
	}
	return strings.TrimSpace(*job.ApprovalToken)
}
