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
	"fmt"
	"os"
	"path/filepath"
	"time"

	"coworker/internal/sandbox"
)

// TrashDirName is the per-workspace soft-delete directory.
const TrashDirName = ".trash"

// DeleteResult is the soft_delete payload.
type DeleteResult struct {
	Deleted bool   `json:"deleted"`
	Reason  string `json:"reason,omitempty"`
	Path    string `json:"path,omitempty"`
	From    string `json:"from,omitempty"`
	To      string `json:"to,omitempty"`
}

// RestoreResult is the restore payload.
type RestoreResult struct {
	Restored  bool   `json:"restored"`
	Reason    string `json:"reason,omitempty"`
	TrashItem string `json:"trash_item,omitempty"`
	RestoreTo string `json:"restore_to,omitempty"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
}

// SoftDelete moves a file into <workspace_root>/.trash/ under a
// time-suffixed name. Nothing is ever removed from disk; the move is
// reversible via Restore while the trash entry exists.
func SoftDelete(path string, roots []string, workspaceRoot string, now func() time.Time) (*DeleteResult, error) {
	rp, err := sandbox.ResolveWithin(path, roots)
	if err != nil {
		return nil, err
	}
	wr, err := sandbox.ResolveWithin(workspaceRoot, roots)
	if err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}

	if _, err := os.Stat(rp); os.IsNotExist(err) {
		return &DeleteResult{Deleted: false, Reason: "not_found", Path: rp}, nil
	}

	trashDir := filepath.Join(wr, TrashDirName)
	if err := os.MkdirAll(trashDir, 0o755); err != nil {
		return nil, err
	}

	ts := now()
	dst := filepath.Join(trashDir, fmt.Sprintf("%s.%d", filepath.Base(rp), ts.UnixMilli()))
	if _, err := sandbox.ResolveWithin(dst, roots); err != nil {
		return nil, err
	}

	if err := os.Rename(rp, dst); err != nil {
		return nil, err
	}

	if err := sandbox.AppendEvent(roots, wr, map[string]any{
		"action": "soft_delete",
		"from":   rp,
		"to":     dst,
	}, ts); err != nil {
		return nil, err
	}

	return &DeleteResult{Deleted: true, From: rp, To: dst}, nil
}

// Restore moves a trash item to a caller-specified destination. Refuses
// if the destination already exists; creates parent directories.
func Restore(trashItemPath, restoreTo string, roots []string, workspaceRoot string, now func() time.Time) (*RestoreResult, error) {
	item, err := sandbox.ResolveWithin(trashItemPath, roots)
	if err != nil {
		return nil, err
	}
	dst, err := sandbox.ResolveWithin(restoreTo, roots)
	if err != nil {
		return nil, err
	}
	wr, err := sandbox.ResolveWithin(workspaceRoot, roots)
	if err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}

	if _, err := os.Stat(item); os.IsNotExist(err) {
		return &RestoreResult{Restored: false, Reason: "not_found", TrashItem: item}, nil
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return nil, err
	}
	if _, err := os.Stat(dst); err == nil {
		return &RestoreResult{Restored: false, Reason: "destination_exists", RestoreTo: dst}, nil
	}

	if err := os.Rename(item, dst); err != nil {
		return nil, err
	}

	if err := sandbox.AppendEvent(roots, wr, map[string]any{
		"action": "restore",
		"from":   item,
		"to":     dst,
	}, now()); err != nil {
		return nil, err
	}

	return &RestoreResult{Restored: true, From: item, To: dst}, nil
}
