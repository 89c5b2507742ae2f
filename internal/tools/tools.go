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

// Package tools implements the tool handlers workers dispatch jobs to,
// keyed by stable type code. Read-only and extension tools carry their
// handler in the registry; the mutating tools (execute_plan, soft_delete,
// restore) are dispatched by the worker itself because they need the
// store and the approval check before any filesystem work.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"coworker/pkg/coworker"
)

// ContentTypeJSON and ContentTypeText are the two payload content types
// the tool set produces.
const (
	ContentTypeJSON = "application/json"
	ContentTypeText = "text/plain"
)

// Env carries the per-job execution environment into a handler.
type Env struct {
	// Roots is the job's path allow-list. Every filesystem access must
	// resolve inside it.
	Roots []string

	// Now is the wall clock; nil means time.Now.
	Now func() time.Time

	// PythonBin is the interpreter for the execute_python tool.
	PythonBin string

	// HTTPClient is used by browse_web; nil means a 10 s default client.
	HTTPClient *http.Client
}

func (e Env) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// WorkspaceRoot returns the workspace root for a job: the explicit param
// when present, else the first allowed root.
func (e Env) WorkspaceRoot(params map[string]string) string {
	if wr := params["workspace_root"]; wr != "" {
		return wr
	}
	if len(e.Roots) > 0 {
		return e.Roots[0]
	}
	return ""
}

// Handler executes one tool invocation and returns the payload bytes and
// their content type.
type Handler func(ctx context.Context, env Env, params map[string]string) ([]byte, string, error)

// Spec describes one tool in the registry. Handler is nil for the
// mutating tools, which the worker dispatches itself.
type Spec struct {
	Name             string
	Type             coworker.ToolType
	Params           []string
	RequiresApproval bool
	Handler          Handler
}

var registry = buildRegistry()

func buildRegistry() map[coworker.ToolType]Spec {
	specs := []Spec{
		{Name: "scan_index", Type: coworker.ToolScanIndex, Params: []string{"root", "hash_files"}, Handler: handleScanIndex},
		{Name: "list_files", Type: coworker.ToolListFiles, Params: []string{"root"}, Handler: handleListFiles},
		{Name: "read_file", Type: coworker.ToolReadFile, Params: []string{"path", "max_bytes"}, Handler: handleReadFile},
		{Name: "organize_plan", Type: coworker.ToolOrganizePlan, Params: []string{"root", "policy"}, Handler: handleOrganizePlan},
		{Name: "execute_plan", Type: coworker.ToolExecutePlan, Params: []string{"plan_job_id", "workspace_root"}, RequiresApproval: true},
		{Name: "soft_delete", Type: coworker.ToolSoftDelete, Params: []string{"path", "workspace_root"}, RequiresApproval: true},
		{Name: "restore", Type: coworker.ToolRestore, Params: []string{"trash_item_path", "restore_to", "workspace_root"}, RequiresApproval: true},
		{Name: "browse_web", Type: coworker.ToolBrowseWeb, Params: []string{"url"}, Handler: handleBrowseWeb},
		{Name: "create_excel", Type: coworker.ToolCreateExcel, Params: []string{"path", "data"}, Handler: handleCreateExcel},
		{Name: "create_word", Type: coworker.ToolCreateWord, Params: []string{"path", "content"}, Handler: handleCreateWord},
		{Name: "create_pdf", Type: coworker.ToolCreatePDF, Params: []string{"path", "content"}, Handler: handleCreatePDF},
		{Name: "execute_python", Type: coworker.ToolExecutePython, Params: []string{"code"}, Handler: handleExecutePython},
		{Name: "search_past_actions", Type: coworker.ToolSearchPastActions, Params: []string{"query", "workspace_root"}, Handler: handleSearchPastActions},
		{Name: "search_google_drive", Type: coworker.ToolSearchGoogleDrive, Params: []string{"query"}, Handler: handleSearchGoogleDrive},
		{Name: "listen_meeting", Type: coworker.ToolListenMeeting, Params: []string{"duration"}, Handler: handleListenMeeting},
	}
	m := make(map[coworker.ToolType]Spec, len(specs))
	for _, s := range specs {
		m[s.Type] = s
	}
	return m
}

// Catalog returns all tool specs ordered by type code, for GET /tools.
func Catalog() []Spec {
	out := make([]Spec, 0, len(registry))
	for t := coworker.ToolScanIndex; t <= coworker.ToolListenMeeting; t++ {
		if s, ok := registry[t]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Lookup returns the spec for a type code.
func Lookup(t coworker.ToolType) (Spec, bool) {
	s, ok := registry[t]
	return s, ok
}

// Name returns the tool name for a type code, or its numeric form when
// unknown. Used for logs and metrics labels.
func Name(t coworker.ToolType) string {
	if s, ok := registry[t]; ok {
		return s.Name
	}
	return strconv.Itoa(int(t))
}

// --------------- Registry handlers (param coercion layer) ---------------

func handleScanIndex(ctx context.Context, env Env, params map[string]string) ([]byte, string, error) {
	hashFiles := strings.EqualFold(params["hash_files"], "true")
	out, err := ScanIndex(params["root"], env.Roots, hashFiles, maxScanItems)
	if err != nil {
		return nil, "", err
	}
	return marshalJSON(out)
}

func handleListFiles(ctx context.Context, env Env, params map[string]string) ([]byte, string, error) {
	out, err := ListFiles(params["root"], env.Roots, maxListItems)
	if err != nil {
		return nil, "", err
	}
	return marshalJSON(out)
}

func handleReadFile(ctx context.Context, env Env, params map[string]string) ([]byte, string, error) {
	maxBytes := defaultReadCap
	if v := params["max_bytes"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, "", fmt.Errorf("invalid max_bytes: %w", err)
		}
		maxBytes = n
	}
	out, err := ReadFileSafe(params["path"], env.Roots, maxBytes)
	if err != nil {
		return nil, "", err
	}
	return marshalJSON(out)
}

func handleOrganizePlan(ctx context.Context, env Env, params map[string]string) ([]byte, string, error) {
	policy := params["policy"]
	if policy == "" {
		policy = "by_ext"
	}
	out, err := ProposeOrganizePlan(params["root"], env.Roots, policy)
	if err != nil {
		return nil, "", err
	}
	return marshalJSON(out)
}

func handleBrowseWeb(ctx context.Context, env Env, params map[string]string) ([]byte, string, error) {
	return []byte(BrowseWeb(ctx, env.HTTPClient, params["url"])), ContentTypeText, nil
}

func handleCreateExcel(ctx context.Context, env Env, params map[string]string) ([]byte, string, error) {
	path, err := sandboxPath(params["path"], env.Roots)
	if err != nil {
		return nil, "", err
	}
	data := params["data"]
	if data == "" {
		data = "[]"
	}
	return []byte(CreateExcel(path, data)), ContentTypeText, nil
}

func handleCreateWord(ctx context.Context, env Env, params map[string]string) ([]byte, string, error) {
	path, err := sandboxPath(params["path"], env.Roots)
	if err != nil {
		return nil, "", err
	}
	return []byte(CreateWord(path, params["content"])), ContentTypeText, nil
}

func handleCreatePDF(ctx context.Context, env Env, params map[string]string) ([]byte, string, error) {
	path, err := sandboxPath(params["path"], env.Roots)
	if err != nil {
		return nil, "", err
	}
	return []byte(CreatePDF(path, params["content"])), ContentTypeText, nil
}

func handleExecutePython(ctx context.Context, env Env, params map[string]string) ([]byte, string, error) {
	return []byte(ExecutePython(ctx, env.PythonBin, params["code"])), ContentTypeText, nil
}

func handleSearchPastActions(ctx context.Context, env Env, params map[string]string) ([]byte, string, error) {
	out, err := SearchPastActions(params["query"], env.WorkspaceRoot(params), env.Roots)
	if err != nil {
		return nil, "", err
	}
	return []byte(out), ContentTypeText, nil
}

func handleSearchGoogleDrive(ctx context.Context, env Env, params map[string]string) ([]byte, string, error) {
	return []byte(SearchGoogleDrive(params["query"])), ContentTypeText, nil
}

func handleListenMeeting(ctx context.Context, env Env, params map[string]string) ([]byte, string, error) {
	duration := 10
	if v := params["duration"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, "", fmt.Errorf("invalid duration: %w", err)
		}
		duration = n
	}
	return []byte(ListenMeeting(duration)), ContentTypeText, nil
}

func marshalJSON(v any) ([]byte, string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, "", fmt.Errorf("encode result: %w", err)
	}
	return b, ContentTypeJSON, nil
}
