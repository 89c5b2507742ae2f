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
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/net/html"

	"coworker/internal/sandbox"
)

const (
	browseTimeout  = 10 * time.Second
	browseTextCap  = 10_000
	pythonTimeout  = 30 * time.Second
	auditTailLines = 20
)

// BrowseWeb fetches a URL and returns its visible text, script and style
// content stripped, capped at 10 000 characters. Fetch and parse errors
// are reported in the payload; the job still succeeds.
func BrowseWeb(ctx context.Context, client *http.Client, url string) string {
	if client == nil {
		client = &http.Client{Timeout: browseTimeout}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Sprintf("Error browsing %s: %v", url, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Sprintf("Error browsing %s: %v", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return fmt.Sprintf("Error browsing %s: HTTP status %d", url, resp.StatusCode)
	}

	text, err := extractText(resp.Body)
	if err != nil {
		return fmt.Sprintf("Error browsing %s: %v", url, err)
	}
	if len(text) > browseTextCap {
		text = text[:browseTextCap]
	}
	return text
}

// extractText walks an HTML document and collects text nodes, skipping
// script and style subtrees and collapsing blank lines.
func extractText(r io.Reader) (string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", err
	}

	var lines []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		if n.Type == html.TextNode {
			for _, line := range strings.Split(n.Data, "\n") {
				line = strings.TrimSpace(line)
				if line != "" {
					lines = append(lines, line)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return strings.Join(lines, "\n"), nil
}

// ExecutePython runs a code snippet with the configured interpreter,
// bounded at 30 seconds. The payload is stdout, plus stderr under an
// Errors heading when present. All failures are reported in the payload.
func ExecutePython(ctx context.Context, pythonBin, code string) string {
	if pythonBin == "" {
		pythonBin = "python3"
	}

	tmp, err := os.CreateTemp("", "coworker-exec-*.py")
	if err != nil {
		return fmt.Sprintf("Error executing code: %v", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.WriteString(code); err != nil {
		_ = tmp.Close()
		return fmt.Sprintf("Error executing code: %v", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Sprintf("Error executing code: %v", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, pythonTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, pythonBin, tmpName)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return "Error: Execution timed out (30s limit)"
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return fmt.Sprintf("Error executing code: %v", err)
		}
		// Non-zero exit: fall through, the script's stderr explains it.
	}

	output := stdout.String()
	if stderr.Len() > 0 {
		output += fmt.Sprintf("\nErrors:\n%s", stderr.String())
	}
	if output == "" {
		return "Code executed successfully (no output)."
	}
	return output
}

// SearchPastActions scans the workspace audit trail for lines containing
// the query, case-insensitive, and returns the most recent matches.
func SearchPastActions(query, workspaceRoot string, roots []string) (string, error) {
	wr, err := sandbox.ResolveWithin(workspaceRoot, roots)
	if err != nil {
		return "", err
	}

	auditPath := filepath.Join(wr, sandbox.AuditFileName)
	raw, err := os.ReadFile(auditPath)
	if os.IsNotExist(err) {
		return "No audit logs found in this workspace.", nil
	}
	if err != nil {
		return fmt.Sprintf("Error searching logs: %v", err), nil
	}

	needle := strings.ToLower(query)
	var matches []string
	for _, line := range strings.Split(string(raw), "\n") {
		if line == "" {
			continue
		}
		if strings.Contains(strings.ToLower(line), needle) {
			matches = append(matches, strings.TrimSpace(line))
		}
	}

	if len(matches) == 0 {
		return fmt.Sprintf("No matches found for '%s' in audit logs.", query), nil
	}
	if len(matches) > auditTailLines {
		matches = matches[len(matches)-auditTailLines:]
	}
	return strings.Join(matches, "\n"), nil
}

// SearchGoogleDrive is a stub until Drive credentials are wired up.
func SearchGoogleDrive(query string) string {
	return "Google Drive search requires OAuth credentials, and none are configured for this workspace. " +
		"Provision a credentials file and restart the service to enable this tool."
}

// ListenMeeting is a stub until a capture device integration exists.
func ListenMeeting(durationSeconds int) string {
	return fmt.Sprintf("No audio capture device is configured on this host; cannot record %d seconds of meeting audio.", durationSeconds)
}
