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
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func fixedNow() time.Time { return time.UnixMilli(1724400000000) }

func TestSoftDeleteMovesToTrash(t *testing.T) {
	root := t.TempDir()
	p := filepath.Join(root, "old.txt")
	if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	res, err := SoftDelete(p, []string{root}, root, fixedNow)
	if err != nil {
		t.Fatalf("SoftDelete() error = %v", err)
	}
	if !res.Deleted {
		t.Fatalf("result = %+v, want deleted", res)
	}

	wantDst := filepath.Join(root, TrashDirName, "old.txt.1724400000000")
	if res.To != wantDst {
		t.Errorf("trash dest = %q, want %q", res.To, wantDst)
	}
	if _, err := os.Stat(wantDst); err != nil {
		t.Errorf("trash entry missing: %v", err)
	}
	if _, err := os.Stat(p); !os.IsNotExist(err) {
		t.Error("original still present")
	}

	data, err := os.ReadFile(filepath.Join(root, ".coworker_audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit trail: %v", err)
	}
	if !strings.Contains(string(data), `"action":"soft_delete"`) {
		t.Errorf("audit trail missing soft_delete event: %s", data)
	}
}

func TestSoftDeleteMissingPath(t *testing.T) {
	root := t.TempDir()
	res, err := SoftDelete(filepath.Join(root, "ghost.txt"), []string{root}, root, fixedNow)
	if err != nil {
		t.Fatalf("SoftDelete() error = %v", err)
	}
	if res.Deleted || res.Reason != "not_found" {
		t.Errorf("result = %+v, want not_found", res)
	}
}

func TestRestoreRoundTrip(t *testing.T) {
	root := t.TempDir()
	p := filepath.Join(root, "keep.txt")
	if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	del, err := SoftDelete(p, []string{root}, root, fixedNow)
	if err != nil {
		t.Fatalf("SoftDelete() error = %v", err)
	}

	back := filepath.Join(root, "restored", "keep.txt")
	res, err := Restore(del.To, back, []string{root}, root, fixedNow)
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if !res.Restored {
		t.Fatalf("result = %+v, want restored", res)
	}
	if _, err := os.Stat(back); err != nil {
		t.Errorf("restored file missing: %v", err)
	}

	data, _ := os.ReadFile(filepath.Join(root, ".coworker_audit.jsonl"))
	if !strings.Contains(string(data), `"action":"restore"`) {
		t.Errorf("audit trail missing restore event: %s", data)
	}
}

func TestRestoreRefusesExistingDestination(t *testing.T) {
	root := t.TempDir()
	item := filepath.Join(root, TrashDirName, "a.txt.1")
	dst := filepath.Join(root, "a.txt")
	if err := os.MkdirAll(filepath.Dir(item), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for _, p := range []string{item, dst} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	res, err := Restore(item, dst, []string{root}, root, fixedNow)
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if res.Restored || res.Reason != "destination_exists" {
		t.Errorf("result = %+v, want destination_exists refusal", res)
	}
	if _, err := os.Stat(item); err != nil {
		t.Errorf("trash entry must be untouched: %v", err)
	}
}

func TestRestoreMissingTrashItem(t *testing.T) {
	root := t.TempDir()
	res, err := Restore(filepath.Join(root, TrashDirName, "ghost.1"), filepath.Join(root, "g"), []string{root}, root, fixedNow)
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if res.Restored || res.Reason != "not_found" {
		t.Errorf("result = %+v, want not_found", res)
	}
}

func TestSoftDeleteRejectsOutsideRoot(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	p := filepath.Join(outside, "x.txt")
	if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := SoftDelete(p, []string{root}, root, fixedNow); err == nil {
		t.Fatal("expected containment error")
	}
}
