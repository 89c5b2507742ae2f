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

package tools

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"coworker/internal/sandbox"
)

// Move is one entry of an organize plan.
type Move struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Plan is the structured output of organize_plan and the input of
// execute_plan. PlanHash is the SHA-256 of the canonical encoding of the
// plan before the field itself is added; it is the identity approvals
// bind to.
type Plan struct {
	Policy   string `json:"policy"`
	Count    int    `json:"count"`
	Moves    []Move `json:"moves"`
	PlanHash string `json:"plan_hash,omitempty"`
}

// MoveError is one failed entry of an execute_plan run.
type MoveError struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Error string `json:"error"`
}

// ExecuteResult is the execute_plan payload. Per-entry failures land in
// Errors; the job itself still succeeds.
type ExecuteResult struct {
	Applied int         `json:"applied"`
	Skipped int         `json:"skipped"`
	Errors  []MoveError `json:"errors"`
}

// CanonicalJSON encodes a value deterministically: object keys sorted,
// ","/":" separators, no HTML escaping. Round-tripping a plan through
// decode and re-encode yields identical bytes, so hashes are stable.
func CanonicalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("canonical encode: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// HashValue returns the hex SHA-256 of the canonical encoding of v.
func HashValue(v any) (string, error) {
	b, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// HashPlanBytes computes the binding hash for a stored plan payload by
// canonically re-encoding the decoded document without its plan_hash
// field. The embedded field is never trusted: a plan whose moves were
// edited under a stale plan_hash hashes to a different value and fails
// approval validation.
func HashPlanBytes(raw []byte) (string, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", fmt.Errorf("decode plan: %w", err)
	}
	delete(doc, "plan_hash")
	return HashValue(doc)
}

// ActionPlan is the trivially-derived plan an approval binds for the
// soft_delete and restore tools.
type ActionPlan struct {
	Action string `json:"action"`
	From   string `json:"from"`
	To     string `json:"to"`
}

// ActionPlanID returns the symbolic plan job id an action approval is
// stored under.
func ActionPlanID(action string) string {
	return "action:" + action
}

// HashActionPlan hashes the canonical {"action","from","to"} object.
func HashActionPlan(p ActionPlan) (string, error) {
	return HashValue(map[string]any{
		"action": p.Action,
		"from":   p.From,
		"to":     p.To,
	})
}

// ProposeOrganizePlan builds a dry-run move plan for the files under
// root. The by_ext policy buckets files into <root>/<ext> directories
// (no_ext when there is no extension); any other policy buckets into
// <root>/misc. Entries whose resolved source equals their destination
// are omitted.
func ProposeOrganizePlan(root string, roots []string, policy string) (*Plan, error) {
	rp, err := sandbox.ResolveWithin(root, roots)
	if err != nil {
		return nil, err
	}

	moves := []Move{}
	err = filepath.WalkDir(rp, func(p string, d os.DirEntry, walkErr error) error {
		if walkErr != nil || d.IsDir() {
			return nil
		}
		name := d.Name()
		ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
		if ext == "" {
			ext = "no_ext"
		}
		destDir := filepath.Join(rp, "misc")
		if policy == "by_ext" {
			destDir = filepath.Join(rp, ext)
		}
		dest := filepath.Join(destDir, name)

		srcReal, err := sandbox.Resolve(p)
		if err != nil {
			return nil
		}
		destReal, err := sandbox.Resolve(dest)
		if err != nil {
			return nil
		}
		if srcReal != destReal {
			moves = append(moves, Move{From: p, To: dest})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	plan := &Plan{Policy: policy, Count: len(moves), Moves: moves}
	hash, err := HashValue(planDocument(plan))
	if err != nil {
		return nil, err
	}
	plan.PlanHash = hash
	return plan, nil
}

// planDocument returns the hashable form of a plan: the object without
// its plan_hash field.
func planDocument(p *Plan) map[string]any {
	moves := make([]any, len(p.Moves))
	for i, m := range p.Moves {
		moves[i] = map[string]any{"from": m.From, "to": m.To}
	}
	return map[string]any{
		"policy": p.Policy,
		"count":  p.Count,
		"moves":  moves,
	}
}

// ExecutePlan applies a move plan idempotently and audits each applied
// move. A missing source or an existing destination is a skip, never an
// overwrite, so re-running the same plan after a partial run or a lease
// reclaim is safe.
func ExecutePlan(plan *Plan, roots []string, workspaceRoot string, now func() time.Time) (*ExecuteResult, error) {
	if _, err := sandbox.ResolveWithin(workspaceRoot, roots); err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}

	res := &ExecuteResult{Errors: []MoveError{}}
	for _, m := range plan.Moves {
		if err := applyMove(m, roots, workspaceRoot, now, res); err != nil {
			res.Errors = append(res.Errors, MoveError{From: m.From, To: m.To, Error: err.Error()})
		}
	}
	return res, nil
}

func applyMove(m Move, roots []string, workspaceRoot string, now func() time.Time, res *ExecuteResult) error {
	if _, err := sandbox.ResolveWithin(m.From, roots); err != nil {
		return err
	}
	if _, err := sandbox.ResolveWithin(m.To, roots); err != nil {
		return err
	}

	if _, err := os.Stat(m.From); os.IsNotExist(err) {
		res.Skipped++
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(m.To), 0o755); err != nil {
		return err
	}

	if _, err := os.Stat(m.To); err == nil {
		res.Skipped++
		return nil
	}

	if err := os.Rename(m.From, m.To); err != nil {
		return err
	}
	res.Applied++

	return sandbox.AppendEvent(roots, workspaceRoot, map[string]any{
		"action": "move",
		"from":   m.From,
		"to":     m.To,
	}, now())
}
