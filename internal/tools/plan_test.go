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
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestCanonicalJSONSortedCompactNoEscape(t *testing.T) {
	got, err := CanonicalJSON(map[string]any{"b": "<x>", "a": 1})
	if err != nil {
		t.Fatalf("CanonicalJSON() error = %v", err)
	}
	want := `{"a":1,"b":"<x>"}`
	if string(got) != want {
		t.Errorf("CanonicalJSON() = %s, want %s", got, want)
	}
}

func TestHashPlanBytesIgnoresEmbeddedHash(t *testing.T) {
	bare := []byte(`{"policy":"by_ext","count":0,"moves":[]}`)
	want, err := HashPlanBytes(bare)
	if err != nil {
		t.Fatalf("HashPlanBytes(bare) error = %v", err)
	}

	// The embedded field carries no authority: a bogus value changes
	// nothing, so edited moves can never hide behind a stale hash.
	withBogus := []byte(`{"policy":"by_ext","count":0,"moves":[],"plan_hash":"abc123"}`)
	got, err := HashPlanBytes(withBogus)
	if err != nil {
		t.Fatalf("HashPlanBytes(withBogus) error = %v", err)
	}
	if got != want {
		t.Errorf("hash = %q, want %q regardless of embedded field", got, want)
	}

	edited := []byte(`{"policy":"by_ext","count":1,"moves":[{"from":"/a","to":"/b"}],"plan_hash":"` + want + `"}`)
	got, err = HashPlanBytes(edited)
	if err != nil {
		t.Fatalf("HashPlanBytes(edited) error = %v", err)
	}
	if got == want {
		t.Error("edited moves hashed to the original value")
	}
}

func TestHashPlanBytesStableAcrossKeyOrder(t *testing.T) {
	a := []byte(`{"policy":"by_ext","count":1,"moves":[{"from":"/a","to":"/b"}]}`)
	b := []byte(`{"moves":[{"to":"/b","from":"/a"}],"count":1,"policy":"by_ext"}`)

	ha, err := HashPlanBytes(a)
	if err != nil {
		t.Fatalf("HashPlanBytes(a) error = %v", err)
	}
	hb, err := HashPlanBytes(b)
	if err != nil {
		t.Fatalf("HashPlanBytes(b) error = %v", err)
	}
	if ha != hb {
		t.Errorf("hashes differ across key order: %s vs %s", ha, hb)
	}
}

func TestProposeOrganizePlanByExt(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"report.PDF", "notes.txt", "README"} {
		if err := os.WriteFile(filepath.Join(root, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	plan, err := ProposeOrganizePlan(root, []string{root}, "by_ext")
	if err != nil {
		t.Fatalf("ProposeOrganizePlan() error = %v", err)
	}

	if plan.Count != len(plan.Moves) {
		t.Errorf("count = %d, moves = %d", plan.Count, len(plan.Moves))
	}
	if plan.PlanHash == "" {
		t.Error("plan hash missing")
	}

	dests := map[string]string{}
	for _, m := range plan.Moves {
		dests[filepath.Base(m.From)] = m.To
	}
	if got := dests["report.PDF"]; !strings.HasSuffix(got, filepath.Join("pdf", "report.PDF")) {
		t.Errorf("report.PDF dest = %q, want pdf bucket", got)
	}
	if got := dests["README"]; !strings.HasSuffix(got, filepath.Join("no_ext", "README")) {
		t.Errorf("README dest = %q, want no_ext bucket", got)
	}
}

func TestProposeOrganizePlanHashMatchesRecompute(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	plan, err := ProposeOrganizePlan(root, []string{root}, "by_ext")
	if err != nil {
		t.Fatalf("ProposeOrganizePlan() error = %v", err)
	}

	// Stored result round-trip: the worker hashes the payload bytes and
	// must land on the embedded hash.
	raw, err := json.Marshal(plan)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := HashPlanBytes(raw)
	if err != nil {
		t.Fatalf("HashPlanBytes() error = %v", err)
	}
	if got != plan.PlanHash {
		t.Errorf("recomputed hash = %s, want %s", got, plan.PlanHash)
	}

	// Stripping the embedded hash must still recompute to the same value.
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	delete(doc, "plan_hash")
	stripped, _ := json.Marshal(doc)
	got, err = HashPlanBytes(stripped)
	if err != nil {
		t.Fatalf("HashPlanBytes(stripped) error = %v", err)
	}
	if got != plan.PlanHash {
		t.Errorf("stripped hash = %s, want %s", got, plan.PlanHash)
	}
}

func TestExecutePlanAppliesAndAudits(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "a.txt")
	if err := os.WriteFile(src, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	plan := &Plan{
		Policy: "by_ext",
		Count:  1,
		Moves:  []Move{{From: src, To: filepath.Join(root, "txt", "a.txt")}},
	}
	now := func() time.Time { return time.UnixMilli(1724400000000) }

	res, err := ExecutePlan(plan, []string{root}, root, now)
	if err != nil {
		t.Fatalf("ExecutePlan() error = %v", err)
	}
	if res.Applied != 1 || res.Skipped != 0 || len(res.Errors) != 0 {
		t.Fatalf("result = %+v, want 1 applied", res)
	}
	if _, err := os.Stat(plan.Moves[0].To); err != nil {
		t.Errorf("destination missing: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(root, ".coworker_audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit trail: %v", err)
	}
	if !strings.Contains(string(data), `"action":"move"`) {
		t.Errorf("audit trail missing move event: %s", data)
	}
}

func TestExecutePlanRerunSkips(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "a.txt")
	if err := os.WriteFile(src, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	plan := &Plan{Moves: []Move{{From: src, To: filepath.Join(root, "txt", "a.txt")}}}

	if _, err := ExecutePlan(plan, []string{root}, root, nil); err != nil {
		t.Fatalf("first run: %v", err)
	}
	res, err := ExecutePlan(plan, []string{root}, root, nil)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if res.Applied != 0 || res.Skipped != 1 {
		t.Errorf("rerun result = %+v, want all skipped", res)
	}
}

func TestExecutePlanNeverOverwrites(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "a.txt")
	dst := filepath.Join(root, "txt", "a.txt")
	if err := os.WriteFile(src, []byte("new"), 0o644); err != nil {
		t.Fatalf("write src: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(dst, []byte("old"), 0o644); err != nil {
		t.Fatalf("write dst: %v", err)
	}

	res, err := ExecutePlan(&Plan{Moves: []Move{{From: src, To: dst}}}, []string{root}, root, nil)
	if err != nil {
		t.Fatalf("ExecutePlan() error = %v", err)
	}
	if res.Skipped != 1 {
		t.Errorf("skipped = %d, want 1", res.Skipped)
	}
	data, _ := os.ReadFile(dst)
	if string(data) != "old" {
		t.Errorf("destination overwritten: %q", data)
	}
}

func TestExecutePlanCollectsOutOfRootErrors(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	src := filepath.Join(root, "a.txt")
	if err := os.WriteFile(src, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	plan := &Plan{Moves: []Move{{From: src, To: filepath.Join(outside, "a.txt")}}}
	res, err := ExecutePlan(plan, []string{root}, root, nil)
	if err != nil {
		t.Fatalf("ExecutePlan() error = %v", err)
	}
	if len(res.Errors) != 1 {
		t.Fatalf("errors = %d, want 1", len(res.Errors))
	}
	if !strings.HasPrefix(res.Errors[0].Error, "Path is outside allowed roots:") {
		t.Errorf("error = %q", res.Errors[0].Error)
	}
	if _, err := os.Stat(src); err != nil {
		t.Errorf("source must be untouched: %v", err)
	}
}

func TestHashActionPlanDeterministic(t *testing.T) {
	p := ActionPlan{Action: "soft_delete", From: "/w/a.txt", To: ""}
	h1, err := HashActionPlan(p)
	if err != nil {
		t.Fatalf("HashActionPlan() error = %v", err)
	}
	h2, _ := HashActionPlan(p)
	if h1 != h2 {
		t.Errorf("hash not deterministic: %s vs %s", h1, h2)
	}
	if ActionPlanID("soft_delete") != "action:soft_delete" {
		t.Errorf("ActionPlanID = %q", ActionPlanID("soft_delete"))
	}
}
