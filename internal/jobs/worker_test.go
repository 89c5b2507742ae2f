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

package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"coworker/internal/approval"
	"coworker/internal/store"
	"coworker/internal/tools"
	"coworker/pkg/coworker"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "cp.sqlite3"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestWorker(s *store.Store) *Worker {
	return NewWorker(s, Config{WorkerID: "w-test"}, nil)
}

func submitJob(t *testing.T, s *store.Store, id string, tool coworker.ToolType, params map[string]string, roots []string, approvalToken *string) *coworker.Job {
	t.Helper()
	job := coworker.NewJob("dedupe-"+id, tool, params, roots, approvalToken)
	job.ID = id
	if _, _, err := s.UpsertJobIfNew(context.Background(), &job); err != nil {
		t.Fatalf("upsert job: %v", err)
	}
	stored, err := s.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	return stored
}

func claimAndProcess(t *testing.T, w *Worker, s *store.Store, job *coworker.Job) *coworker.Job {
	t.Helper()
	ctx := context.Background()
	claimed, err := s.ClaimJobLease(ctx, job.ID, "w-test", 30*time.Second)
	if err != nil || !claimed {
		t.Fatalf("claim = %v, %v", claimed, err)
	}
	w.processJob(ctx, job)
	out, err := s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job after processing: %v", err)
	}
	return out
}

func TestProcessJobListFilesSucceeds(t *testing.T) {
	s := newTestStore(t)
	w := newTestWorker(s)
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	job := submitJob(t, s, "list-1", coworker.ToolListFiles, map[string]string{"root": root}, []string{root}, nil)
	done := claimAndProcess(t, w, s, job)

	if done.Status != coworker.StatusSucceeded {
		t.Fatalf("status = %s, error = %v", done.Status, done.ErrorMessage)
	}
	res, err := s.GetResult(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get result: %v", err)
	}
	if res.ContentType != tools.ContentTypeJSON {
		t.Errorf("content type = %q", res.ContentType)
	}
	var lr tools.ListResult
	if err := json.Unmarshal(res.Bytes, &lr); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(lr.Items) != 1 {
		t.Errorf("items = %d, want 1", len(lr.Items))
	}
}

func TestProcessJobSandboxViolationFails(t *testing.T) {
	s := newTestStore(t)
	w := newTestWorker(s)
	root := t.TempDir()
	outside := t.TempDir()

	job := submitJob(t, s, "list-2", coworker.ToolListFiles, map[string]string{"root": outside}, []string{root}, nil)
	done := claimAndProcess(t, w, s, job)

	if done.Status != coworker.StatusFailed {
		t.Fatalf("status = %s, want FAILED", done.Status)
	}
	want := "Path is outside allowed roots: " + outside
	if done.ErrorMessage == nil || *done.ErrorMessage != want {
		t.Errorf("error = %v, want %q", done.ErrorMessage, want)
	}
	if _, err := s.GetResult(context.Background(), job.ID); err == nil {
		t.Error("failed job must not have a result row")
	}
}

func TestProcessJobUnsupportedType(t *testing.T) {
	s := newTestStore(t)
	w := newTestWorker(s)
	root := t.TempDir()

	job := submitJob(t, s, "bad-type", coworker.ToolType(99), nil, []string{root}, nil)
	done := claimAndProcess(t, w, s, job)

	if done.Status != coworker.StatusFailed {
		t.Fatalf("status = %s, want FAILED", done.Status)
	}
	if done.ErrorMessage == nil || *done.ErrorMessage != "Unsupported job type: 99" {
		t.Errorf("error = %v", done.ErrorMessage)
	}
}

func TestExecutePlanApprovedFlow(t *testing.T) {
	s := newTestStore(t)
	w := newTestWorker(s)
	ctx := context.Background()
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	// organize_plan job produces and stores the plan.
	planJob := submitJob(t, s, "plan-1", coworker.ToolOrganizePlan, map[string]string{"root": root, "policy": "by_ext"}, []string{root}, nil)
	if done := claimAndProcess(t, w, s, planJob); done.Status != coworker.StatusSucceeded {
		t.Fatalf("plan job status = %s, error = %v", done.Status, done.ErrorMessage)
	}

	grant, err := approval.New(s).ApprovePlan(ctx, planJob.ID, 600)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}

	execJob := submitJob(t, s, "exec-1", coworker.ToolExecutePlan,
		map[string]string{"plan_job_id": planJob.ID, "workspace_root": root}, []string{root}, &grant.Token)
	done := claimAndProcess(t, w, s, execJob)
	if done.Status != coworker.StatusSucceeded {
		t.Fatalf("exec status = %s, error = %v", done.Status, done.ErrorMessage)
	}

	res, err := s.GetResult(ctx, execJob.ID)
	if err != nil {
		t.Fatalf("get result: %v", err)
	}
	var er tools.ExecuteResult
	if err := json.Unmarshal(res.Bytes, &er); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if er.Applied != 1 || len(er.Errors) != 0 {
		t.Errorf("execute result = %+v", er)
	}
	if _, err := os.Stat(filepath.Join(root, "txt", "a.txt")); err != nil {
		t.Errorf("moved file missing: %v", err)
	}
}

func TestExecutePlanMissingParams(t *testing.T) {
	s := newTestStore(t)
	w := newTestWorker(s)
	root := t.TempDir()
	tok := "some-token"

	cases := []struct {
		name    string
		params  map[string]string
		token   *string
		wantErr string
	}{
		{"no plan_job_id", map[string]string{}, &tok, "Missing plan_job_id"},
		{"no token", map[string]string{"plan_job_id": "p1"}, nil, "Missing approval_token"},
		{"no plan result", map[string]string{"plan_job_id": "ghost"}, &tok, "Missing plan result"},
	}
	for i, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			job := submitJob(t, s, fmt.Sprintf("exec-missing-%d", i), coworker.ToolExecutePlan, c.params, []string{root}, c.token)
			done := claimAndProcess(t, w, s, job)
			if done.Status != coworker.StatusFailed {
				t.Fatalf("status = %s, want FAILED", done.Status)
			}
			if done.ErrorMessage == nil || *done.ErrorMessage != c.wantErr {
				t.Errorf("error = %v, want %q", done.ErrorMessage, c.wantErr)
			}
		})
	}
}

func TestExecutePlanTamperedPlanRejected(t *testing.T) {
	s := newTestStore(t)
	w := newTestWorker(s)
	ctx := context.Background()
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	planJob := submitJob(t, s, "plan-t", coworker.ToolOrganizePlan, map[string]string{"root": root}, []string{root}, nil)
	if done := claimAndProcess(t, w, s, planJob); done.Status != coworker.StatusSucceeded {
		t.Fatalf("plan job failed: %v", done.ErrorMessage)
	}

	grant, err := approval.New(s).ApprovePlan(ctx, planJob.ID, 600)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}

	// Overwrite the stored plan after approval; the recomputed hash no
	// longer matches the approved one.
	tampered := tools.Plan{
		Policy:   "by_ext",
		Count:    1,
		Moves:    []tools.Move{{From: filepath.Join(root, "a.txt"), To: filepath.Join(root, "evil", "a.txt")}},
		PlanHash: "0000000000000000000000000000000000000000000000000000000000000000",
	}
	raw, _ := json.Marshal(tampered)
	if err := s.PutResult(ctx, planJob.ID, tools.ContentTypeJSON, raw); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	execJob := submitJob(t, s, "exec-t", coworker.ToolExecutePlan,
		map[string]string{"plan_job_id": planJob.ID}, []string{root}, &grant.Token)
	done := claimAndProcess(t, w, s, execJob)
	if done.Status != coworker.StatusFailed {
		t.Fatalf("status = %s, want FAILED", done.Status)
	}
	if done.ErrorMessage == nil || *done.ErrorMessage != "Invalid or expired approval token for this plan" {
		t.Errorf("error = %v", done.ErrorMessage)
	}
	if _, err := os.Stat(filepath.Join(root, "a.txt")); err != nil {
		t.Errorf("file must be untouched: %v", err)
	}
}

func TestSoftDeleteApprovedFlow(t *testing.T) {
	s := newTestStore(t)
	w := newTestWorker(s)
	ctx := context.Background()
	root := t.TempDir()
	target := filepath.Join(root, "old.txt")
	if err := os.WriteFile(target, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	grant, err := approval.New(s).ApproveAction(ctx, "soft_delete", target, "", 120)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}

	job := submitJob(t, s, "del-1", coworker.ToolSoftDelete,
		map[string]string{"path": target, "workspace_root": root}, []string{root}, &grant.Token)
	done := claimAndProcess(t, w, s, job)
	if done.Status != coworker.StatusSucceeded {
		t.Fatalf("status = %s, error = %v", done.Status, done.ErrorMessage)
	}

	res, _ := s.GetResult(ctx, job.ID)
	var dr tools.DeleteResult
	if err := json.Unmarshal(res.Bytes, &dr); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !dr.Deleted {
		t.Errorf("result = %+v, want deleted", dr)
	}
}

func TestSoftDeleteApprovalForDifferentPathRejected(t *testing.T) {
	s := newTestStore(t)
	w := newTestWorker(s)
	ctx := context.Background()
	root := t.TempDir()
	target := filepath.Join(root, "old.txt")
	if err := os.WriteFile(target, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	grant, err := approval.New(s).ApproveAction(ctx, "soft_delete", filepath.Join(root, "other.txt"), "", 120)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}

	job := submitJob(t, s, "del-2", coworker.ToolSoftDelete,
		map[string]string{"path": target, "workspace_root": root}, []string{root}, &grant.Token)
	done := claimAndProcess(t, w, s, job)
	if done.Status != coworker.StatusFailed {
		t.Fatalf("status = %s, want FAILED", done.Status)
	}
	if done.ErrorMessage == nil || *done.ErrorMessage != "Invalid or expired approval token for this plan" {
		t.Errorf("error = %v", done.ErrorMessage)
	}
	if _, err := os.Stat(target); err != nil {
		t.Errorf("file must be untouched: %v", err)
	}
}

func TestRunClaimsAndCompletesQueuedJobs(t *testing.T) {
	s := newTestStore(t)
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	job := submitJob(t, s, "run-1", coworker.ToolListFiles, map[string]string{"root": root}, []string{root}, nil)

	w := NewWorker(s, Config{WorkerID: "w-run", PollInterval: 10 * time.Millisecond}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()

	deadline := time.After(5 * time.Second)
	for {
		j, err := s.GetJob(context.Background(), job.ID)
		if err == nil && j.Status.IsTerminal() {
			if j.Status != coworker.StatusSucceeded {
				t.Errorf("status = %s, error = %v", j.Status, j.ErrorMessage)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("job never completed")
		case <-time.After(20 * time.Millisecond):
		}
	}

	cancel()
	<-done
}

func TestEffectiveRootsIntersection(t *testing.T) {
	s := newTestStore(t)
	process := t.TempDir()
	inside := filepath.Join(process, "sub")
	if err := os.MkdirAll(inside, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	outside := t.TempDir()

	w := NewWorker(s, Config{WorkerID: "w-roots", AllowedRoots: []string{process}}, nil)

	// Job roots narrow the sandbox; roots outside the process list drop out.
	got := w.effectiveRoots([]string{inside, outside})
	if len(got) != 1 || got[0] != inside {
		t.Errorf("effectiveRoots = %v, want [%s]", got, inside)
	}

	// No job roots falls back to the process list.
	got = w.effectiveRoots(nil)
	if len(got) != 1 || got[0] != process {
		t.Errorf("effectiveRoots(nil) = %v, want [%s]", got, process)
	}

	// No process list leaves the job roots alone.
	open := NewWorker(s, Config{WorkerID: "w-open"}, nil)
	got = open.effectiveRoots([]string{outside})
	if len(got) != 1 || got[0] != outside {
		t.Errorf("unrestricted effectiveRoots = %v", got)
	}
}

func TestLeaseReclaimAfterExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	root := t.TempDir()

	job := submitJob(t, s, "reclaim-1", coworker.ToolListFiles, map[string]string{"root": root}, []string{root}, nil)

	// First worker claims with an immediately expiring lease and stalls.
	claimed, err := s.ClaimJobLease(ctx, job.ID, "w-dead", -time.Second)
	if err != nil || !claimed {
		t.Fatalf("initial claim = %v, %v", claimed, err)
	}

	// A second worker reclaims the expired lease.
	claimed, err = s.ClaimJobLease(ctx, job.ID, "w-live", 30*time.Second)
	if err != nil || !claimed {
		t.Fatalf("reclaim = %v, %v", claimed, err)
	}

	// The dead worker can no longer renew.
	ok, err := s.RenewJobLease(ctx, job.ID, "w-dead", 30*time.Second)
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if ok {
		t.Error("dead worker renewed a reclaimed lease")
	}

	j, _ := s.GetJob(ctx, job.ID)
	if j.LeaseOwner == nil || *j.LeaseOwner != "w-live" {
		t.Errorf("lease owner = %v, want w-live", j.LeaseOwner)
	}
	if j.StartedAtMS == nil {
		t.Error("started_at_ms must be set")
	}
}

func TestRunReclaimsAbandonedJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	job := submitJob(t, s, "reclaim-run-1", coworker.ToolListFiles, map[string]string{"root": root}, []string{root}, nil)

	// A worker claims the job with an already expired lease and dies
	// without completing it: the row is RUNNING and no longer QUEUED.
	claimed, err := s.ClaimJobLease(ctx, job.ID, "w-dead", -time.Second)
	if err != nil || !claimed {
		t.Fatalf("dead claim = %v, %v", claimed, err)
	}
	stuck, err := s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get stuck job: %v", err)
	}
	if stuck.Status != coworker.StatusRunning || stuck.StartedAtMS == nil {
		t.Fatalf("stuck job = %s, started = %v", stuck.Status, stuck.StartedAtMS)
	}
	firstStart := *stuck.StartedAtMS

	// A live polling worker must find the expired lease and run the job
	// to completion without any direct store poke.
	w := NewWorker(s, Config{WorkerID: "w-live", PollInterval: 10 * time.Millisecond}, nil)
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(runCtx)
	}()

	deadline := time.After(5 * time.Second)
	var final *coworker.Job
	for final == nil {
		j, err := s.GetJob(ctx, job.ID)
		if err == nil && j.Status.IsTerminal() {
			final = j
			break
		}
		select {
		case <-deadline:
			t.Fatal("abandoned job never reclaimed by the poll loop")
		case <-time.After(20 * time.Millisecond):
		}
	}
	cancel()
	<-done

	if final.Status != coworker.StatusSucceeded {
		t.Fatalf("status = %s, error = %v", final.Status, final.ErrorMessage)
	}
	if final.StartedAtMS == nil || *final.StartedAtMS != firstStart {
		t.Errorf("started_at_ms = %v, want first claim's %d", final.StartedAtMS, firstStart)
	}
	if final.FinishedAtMS == nil {
		t.Error("finished_at_ms must be set")
	}
	if final.LeaseOwner != nil {
		t.Errorf("lease owner = %v, want cleared", final.LeaseOwner)
	}
	if _, err := s.GetResult(ctx, job.ID); err != nil {
		t.Errorf("reclaimed job has no result: %v", err)
	}
}

func TestExecutePlanEditedPlanKeepingStaleHashRejected(t *testing.T) {
	s := newTestStore(t)
	w := newTestWorker(s)
	ctx := context.Background()
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	planJob := submitJob(t, s, "plan-sh", coworker.ToolOrganizePlan, map[string]string{"root": root}, []string{root}, nil)
	if done := claimAndProcess(t, w, s, planJob); done.Status != coworker.StatusSucceeded {
		t.Fatalf("plan job failed: %v", done.ErrorMessage)
	}

	grant, err := approval.New(s).ApprovePlan(ctx, planJob.ID, 600)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}

	// Edit the stored moves but keep the genuine plan_hash field intact;
	// the hash is recomputed from the document, so the stale field must
	// not carry the approval over.
	res, err := s.GetResult(ctx, planJob.ID)
	if err != nil {
		t.Fatalf("get plan result: %v", err)
	}
	var plan tools.Plan
	if err := json.Unmarshal(res.Bytes, &plan); err != nil {
		t.Fatalf("decode plan: %v", err)
	}
	if plan.PlanHash != grant.PlanHash {
		t.Fatalf("embedded hash %s, approved %s", plan.PlanHash, grant.PlanHash)
	}
	plan.Moves = []tools.Move{{From: filepath.Join(root, "a.txt"), To: filepath.Join(root, "evil", "a.txt")}}
	plan.Count = len(plan.Moves)
	raw, _ := json.Marshal(plan)
	if err := s.PutResult(ctx, planJob.ID, tools.ContentTypeJSON, raw); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	execJob := submitJob(t, s, "exec-sh", coworker.ToolExecutePlan,
		map[string]string{"plan_job_id": planJob.ID}, []string{root}, &grant.Token)
	done := claimAndProcess(t, w, s, execJob)
	if done.Status != coworker.StatusFailed {
		t.Fatalf("status = %s, want FAILED", done.Status)
	}
	if done.ErrorMessage == nil || *done.ErrorMessage != "Invalid or expired approval token for this plan" {
		t.Errorf("error = %v", done.ErrorMessage)
	}
	if _, err := os.Stat(filepath.Join(root, "evil", "a.txt")); err == nil {
		t.Error("tampered move was applied")
	}
}
