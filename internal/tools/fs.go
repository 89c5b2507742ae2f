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
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"coworker/internal/sandbox"
)

const (
	maxListItems   = 500
	maxScanItems   = 2000
	defaultReadCap = 1_000_000

	// sha256 hashing reads at most this many bytes per file.
	hashByteCap  = 25_000_000
	hashChunkLen = 1024 * 1024
)

// FileEntry is one row of a list_files result.
type FileEntry struct {
	Path  string `json:"path"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
	MTime int64  `json:"mtime"`
}

// ListResult is the list_files payload.
type ListResult struct {
	Truncated bool        `json:"truncated"`
	Items     []FileEntry `json:"items"`
}

// IndexEntry is one row of a scan_index result.
type IndexEntry struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	MTime  int64  `json:"mtime"`
	Ext    string `json:"ext"`
	SHA256 string `json:"sha256,omitempty"`
}

// IndexResult is the scan_index payload.
type IndexResult struct {
	Truncated bool         `json:"truncated"`
	Files     []IndexEntry `json:"files"`
}

// ReadResult is the read_file payload. Data is base64 so the JSON stays
// valid for arbitrary file bytes.
type ReadResult struct {
	Path       string `json:"path"`
	Size       int64  `json:"size"`
	ReadBytes  int    `json:"read_bytes"`
	Truncated  bool   `json:"truncated"`
	DataBase64 string `json:"data_base64"`
}

// sandboxPath resolves a path against the allow-list and returns the
// canonical form all subsequent I/O must use.
func sandboxPath(path string, roots []string) (string, error) {
	return sandbox.ResolveWithin(path, roots)
}

// ListFiles walks root and returns directories and files up to maxItems,
// flagging truncation. Unreadable entries are skipped, not fatal.
func ListFiles(root string, roots []string, maxItems int) (*ListResult, error) {
	rp, err := sandbox.ResolveWithin(root, roots)
	if err != nil {
		return nil, err
	}

	res := &ListResult{Items: []FileEntry{}}
	err = filepath.WalkDir(rp, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		if p == rp {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		res.Items = append(res.Items, FileEntry{
			Path:  p,
			IsDir: d.IsDir(),
			Size:  info.Size(),
			MTime: info.ModTime().Unix(),
		})
		if len(res.Items) >= maxItems {
			res.Truncated = true
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ScanIndex walks root and indexes regular files up to maxItems, with an
// optional content hash per file.
func ScanIndex(root string, roots []string, hashFiles bool, maxItems int) (*IndexResult, error) {
	rp, err := sandbox.ResolveWithin(root, roots)
	if err != nil {
		return nil, err
	}

	res := &IndexResult{Files: []IndexEntry{}}
	err = filepath.WalkDir(rp, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rec := IndexEntry{
			Path:  p,
			Size:  info.Size(),
			MTime: info.ModTime().Unix(),
			Ext:   strings.ToLower(filepath.Ext(d.Name())),
		}
		if hashFiles {
			sum, err := sha256File(p, hashByteCap)
			if err != nil {
				return nil
			}
			rec.SHA256 = sum
		}
		res.Files = append(res.Files, rec)
		if len(res.Files) >= maxItems {
			res.Truncated = true
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ReadFileSafe reads at most maxBytes from a sandboxed file and returns
// the base64 payload plus truncation metadata.
func ReadFileSafe(path string, roots []string, maxBytes int) (*ReadResult, error) {
	rp, err := sandbox.ResolveWithin(path, roots)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(rp)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, sandbox.Errorf("Path is a directory, not a file")
	}

	size := info.Size()
	toRead := size
	if int64(maxBytes) < toRead {
		toRead = int64(maxBytes)
	}

	f, err := os.Open(rp)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	data := make([]byte, toRead)
	n, err := io.ReadFull(f, data)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, err
	}
	data = data[:n]

	return &ReadResult{
		Path:       rp,
		Size:       size,
		ReadBytes:  len(data),
		Truncated:  size > int64(maxBytes),
		DataBase64: base64.StdEncoding.EncodeToString(data),
	}, nil
}

// sha256File hashes a file's content reading at most maxBytes, in 1 MiB
// chunks. Large files get a prefix hash, matching the index contract.
func sha256File(path string, maxBytes int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	buf := make([]byte, hashChunkLen)
	var total int64
	for {
		n, err := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
			total += int64(n)
			if total > maxBytes {
				break
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
