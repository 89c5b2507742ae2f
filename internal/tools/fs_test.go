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
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
)

func TestListFilesWalksAndTruncates(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for _, name := range []string{"a.txt", "b.txt", filepath.Join("sub", "c.txt")} {
		if err := os.WriteFile(filepath.Join(root, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	res, err := ListFiles(root, []string{root}, 500)
	if err != nil {
		t.Fatalf("ListFiles() error = %v", err)
	}
	// 3 files + 1 directory; the root itself is not listed.
	if len(res.Items) != 4 {
		t.Errorf("items = %d, want 4", len(res.Items))
	}
	if res.Truncated {
		t.Error("unexpected truncation")
	}

	res, err = ListFiles(root, []string{root}, 2)
	if err != nil {
		t.Fatalf("ListFiles() error = %v", err)
	}
	if !res.Truncated || len(res.Items) != 2 {
		t.Errorf("truncated list = %d items, truncated=%v", len(res.Items), res.Truncated)
	}
}

func TestListFilesRejectsOutsideRoot(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	if _, err := ListFiles(outside, []string{root}, 500); err == nil {
		t.Fatal("expected containment error")
	}
}

func TestScanIndexFilesOnlyWithHashes(t *testing.T) {
	root := t.TempDir()
	content := []byte("hello coworker")
	if err := os.WriteFile(filepath.Join(root, "Doc.TXT"), content, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(root, "empty"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	res, err := ScanIndex(root, []string{root}, true, 2000)
	if err != nil {
		t.Fatalf("ScanIndex() error = %v", err)
	}
	if len(res.Files) != 1 {
		t.Fatalf("files = %d, want 1 (directories excluded)", len(res.Files))
	}

	f := res.Files[0]
	if f.Ext != ".txt" {
		t.Errorf("ext = %q, want .txt", f.Ext)
	}
	sum := sha256.Sum256(content)
	if f.SHA256 != hex.EncodeToString(sum[:]) {
		t.Errorf("sha256 = %s, want %s", f.SHA256, hex.EncodeToString(sum[:]))
	}

	res, err = ScanIndex(root, []string{root}, false, 2000)
	if err != nil {
		t.Fatalf("ScanIndex() error = %v", err)
	}
	if res.Files[0].SHA256 != "" {
		t.Error("sha256 present without hash_files")
	}
}

func TestReadFileSafeTruncatesAndEncodes(t *testing.T) {
	root := t.TempDir()
	p := filepath.Join(root, "data.bin")
	content := []byte("0123456789")
	if err := os.WriteFile(p, content, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	res, err := ReadFileSafe(p, []string{root}, 4)
	if err != nil {
		t.Fatalf("ReadFileSafe() error = %v", err)
	}
	if !res.Truncated || res.ReadBytes != 4 || res.Size != 10 {
		t.Errorf("result = %+v, want 4 of 10 bytes truncated", res)
	}
	if res.DataBase64 != base64.StdEncoding.EncodeToString(content[:4]) {
		t.Errorf("data = %q", res.DataBase64)
	}

	res, err = ReadFileSafe(p, []string{root}, 1_000_000)
	if err != nil {
		t.Fatalf("ReadFileSafe() error = %v", err)
	}
	if res.Truncated || res.ReadBytes != 10 {
		t.Errorf("result = %+v, want full read", res)
	}
}

func TestReadFileSafeRejectsDirectory(t *testing.T) {
	root := t.TempDir()
	_, err := ReadFileSafe(root, []string{root}, 100)
	if err == nil {
		t.Fatal("expected directory error")
	}
	if err.Error() != "Path is a directory, not a file" {
		t.Errorf("error = %q", err.Error())
	}
}
