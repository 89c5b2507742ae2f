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

// Package sandbox canonicalizes filesystem paths and verifies containment
// in an allow-list of roots. Every handler that touches the filesystem
// resolves each involved path through ResolveWithin before any I/O.
package sandbox

import (
	"fmt"
	"path/filepath"
	"strings"
)

// AccessError is returned when a path escapes the allowed roots or is
// otherwise unusable for filesystem access. Its message becomes the
// error_message of the failed job verbatim.
type AccessError struct {
	Msg string
}

func (e *AccessError) Error() string { return e.Msg }

// Errorf builds an AccessError with a formatted message.
func Errorf(format string, args ...any) *AccessError {
	return &AccessError{Msg: fmt.Sprintf(format, args...)}
}

// Resolve canonicalizes a path: absolute, cleaned, symlinks resolved. For
// paths whose tail components do not exist yet (move destinations, files
// about to be created) the deepest existing ancestor is resolved and the
// remainder rejoined, mirroring realpath semantics.
func Resolve(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", path, err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}

	dir := abs
	var tail []string
	for {
		parent := filepath.Dir(dir)
		if parent == dir {
			// Hit the filesystem root without an existing ancestor.
			return abs, nil
		}
		tail = append(tail, filepath.Base(dir))
		dir = parent
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			parts := make([]string, 0, len(tail)+1)
			parts = append(parts, resolved)
			for i := len(tail) - 1; i >= 0; i-- {
				parts = append(parts, tail[i])
			}
			return filepath.Join(parts...), nil
		}
	}
}

// ResolveWithin canonicalizes path and verifies it is one of the
// canonicalized roots or a descendant of one. The containment check
// requires a path-separator boundary so /foo never contains /foobar.
// The returned path is the canonical form; all subsequent I/O must use it.
func ResolveWithin(path string, roots []string) (string, error) {
	rp, err := Resolve(path)
	if err != nil {
		return "", err
	}
	for _, root := range roots {
		rr, err := Resolve(root)
		if err != nil {
			continue
		}
		if rp == rr || strings.HasPrefix(rp, rr+string(filepath.Separator)) {
			return rp, nil
		}
	}
	return "", Errorf("Path is outside allowed roots: %s", path)
}
