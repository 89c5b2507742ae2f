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

package sandbox

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// AuditFileName is the append-only JSONL audit trail kept at the top of
// each workspace root. The core never truncates it.
const AuditFileName = ".coworker_audit.jsonl"

// AuditPath returns the audit file path for a workspace root after
// checking both the root and the file against the allowed roots.
func AuditPath(workspaceRoot string, roots []string) (string, error) {
	wr, err := ResolveWithin(workspaceRoot, roots)
	if err != nil {
		return "", err
	}
	p := filepath.Join(wr, AuditFileName)
	if _, err := ResolveWithin(p, roots); err != nil {
		return "", err
	}
	return p, nil
}

// AppendEvent appends one JSON object per line to the workspace audit
// trail. The event map is copied, stamped with ts_unix_ms, and marshaled
// with sorted keys.
func AppendEvent(roots []string, workspaceRoot string, event map[string]any, now time.Time) error {
	p, err := AuditPath(workspaceRoot, roots)
	if err != nil {
		return err
	}

	e := make(map[string]any, len(event)+1)
	for k, v := range event {
		e[k] = v
	}
	e["ts_unix_ms"] = now.UnixMilli()

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}

	f, err := os.OpenFile(p, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open audit trail: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}
