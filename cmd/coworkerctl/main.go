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

// Command coworkerctl is a small client for the coworkerd control API.
package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"coworker/internal/api"
	"coworker/pkg/coworker"
)

var serverFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "server",
		Usage:   "Base URL of the coworkerd API",
		Value:   "http://127.0.0.1:8787",
		EnvVars: []string{"COWORKER_SERVER"},
	},
	&cli.StringFlag{
		Name:    "session",
		Usage:   "Session ID from a prior handshake",
		EnvVars: []string{"COWORKER_SESSION"},
	},
	&cli.StringFlag{
		Name:    "token",
		Usage:   "Bearer token from a prior handshake",
		EnvVars: []string{"COWORKER_TOKEN"},
	},
}

func main() {
	app := &cli.App{
		Name:  "coworkerctl",
		Usage: "Client for the coworker workspace agent control plane",
		Flags: serverFlags,
		Commands: []*cli.Command{
			handshakeCommand(),
			toolsCommand(),
			submitCommand(),
			statusCommand(),
			resultCommand(),
			approveCommand(),
			waitCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// --------------- HTTP plumbing ---------------

type client struct {
	base    string
	session string
	token   string
	http    *http.Client
}

func newClient(c *cli.Context) *client {
	return &client{
		base:    strings.TrimRight(c.String("server"), "/"),
		session: c.String("session"),
		token:   c.String("token"),
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

// do issues a request and decodes the JSON response into out. Non-2xx
// responses are surfaced with the server's error envelope message when
// one is present.
func (cl *client) do(method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(buf)
	}

	req, err := http.NewRequest(method, cl.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cl.session != "" {
		req.Header.Set(api.HeaderSession, cl.session)
	}
	if cl.token != "" {
		req.Header.Set(api.HeaderToken, cl.token)
	}

	resp, err := cl.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var envelope struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(raw, &envelope) == nil && envelope.Message != "" {
			return fmt.Errorf("%s (HTTP %d)", envelope.Message, resp.StatusCode)
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// --------------- Commands ---------------

func handshakeCommand() *cli.Command {
	return &cli.Command{
		Name:  "handshake",
		Usage: "Create a session and print its credentials",
		Action: func(c *cli.Context) error {
			cl := newClient(c)
			var resp api.HandshakeResponse
			if err := cl.do(http.MethodPost, "/handshake", nil, &resp); err != nil {
				return err
			}
			return printJSON(resp)
		},
	}
}

func toolsCommand() *cli.Command {
	return &cli.Command{
		Name:  "tools",
		Usage: "List the tool catalog",
		Action: func(c *cli.Context) error {
			cl := newClient(c)
			var resp struct {
				Tools []api.ToolDTO `json:"tools"`
			}
			if err := cl.do(http.MethodGet, "/tools", nil, &resp); err != nil {
				return err
			}
			return printJSON(resp)
		},
	}
}

func submitCommand() *cli.Command {
	return &cli.Command{
		Name:  "submit",
		Usage: "Submit a job",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "dedupe-key", Usage: "Idempotency key for the job", Required: true},
			&cli.IntFlag{Name: "type", Usage: "Numeric tool type", Required: true},
			&cli.StringSliceFlag{Name: "param", Usage: "Tool parameter as key=value (repeatable)"},
			&cli.StringSliceFlag{Name: "root", Usage: "Allowed workspace root (repeatable)"},
			&cli.StringFlag{Name: "approval-token", Usage: "Approval token for write jobs"},
		},
		Action: func(c *cli.Context) error {
			params := map[string]string{}
			for _, kv := range c.StringSlice("param") {
				k, v, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("invalid --param %q, expected key=value", kv)
				}
				params[k] = v
			}

			req := api.SubmitJobRequest{
				DedupeKey:    c.String("dedupe-key"),
				Type:         c.Int("type"),
				Params:       params,
				AllowedRoots: c.StringSlice("root"),
			}
			if tok := c.String("approval-token"); tok != "" {
				req.ApprovalToken = &tok
			}

			cl := newClient(c)
			var resp api.SubmitJobResponse
			if err := cl.do(http.MethodPost, "/jobs", req, &resp); err != nil {
				return err
			}
			return printJSON(resp)
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Show a job",
		ArgsUsage: "<job-id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("expected exactly one job id")
			}
			cl := newClient(c)
			var job coworker.Job
			if err := cl.do(http.MethodGet, "/jobs/"+c.Args().First(), nil, &job); err != nil {
				return err
			}
			return printJSON(job)
		},
	}
}

func resultCommand() *cli.Command {
	return &cli.Command{
		Name:      "result",
		Usage:     "Fetch a job result",
		ArgsUsage: "<job-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "out", Usage: "Write decoded bytes to this file instead of stdout"},
			&cli.BoolFlag{Name: "raw", Usage: "Write decoded bytes to stdout instead of the JSON envelope"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("expected exactly one job id")
			}
			cl := newClient(c)
			var resp api.ResultResponse
			if err := cl.do(http.MethodGet, "/jobs/"+c.Args().First()+"/result", nil, &resp); err != nil {
				return err
			}

			if out := c.String("out"); out != "" {
				data, err := base64.StdEncoding.DecodeString(resp.BytesBase64)
				if err != nil {
					return err
				}
				return os.WriteFile(out, data, 0o644)
			}
			if c.Bool("raw") {
				data, err := base64.StdEncoding.DecodeString(resp.BytesBase64)
				if err != nil {
					return err
				}
				_, err = os.Stdout.Write(data)
				return err
			}
			return printJSON(resp)
		},
	}
}

func approveCommand() *cli.Command {
	return &cli.Command{
		Name:  "approve",
		Usage: "Mint an approval token for a plan or a single action",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "plan-job", Usage: "ID of the SUCCEEDED propose_organize_plan job"},
			&cli.StringFlag{Name: "action", Usage: "Standalone action to approve: soft_delete or restore"},
			&cli.StringFlag{Name: "from", Usage: "Source path for a standalone action"},
			&cli.StringFlag{Name: "to", Usage: "Destination path for a restore action"},
			&cli.IntFlag{Name: "ttl", Usage: "Token lifetime in seconds", Value: 600},
		},
		Action: func(c *cli.Context) error {
			req := api.ApproveRequest{
				PlanJobID:  c.String("plan-job"),
				Action:     c.String("action"),
				From:       c.String("from"),
				To:         c.String("to"),
				TTLSeconds: c.Int("ttl"),
			}
			cl := newClient(c)
			var grant map[string]any
			if err := cl.do(http.MethodPost, "/approve", req, &grant); err != nil {
				return err
			}
			return printJSON(grant)
		},
	}
}

func waitCommand() *cli.Command {
	return &cli.Command{
		Name:      "wait",
		Usage:     "Poll a job until it reaches a terminal status",
		ArgsUsage: "<job-id>",
		Flags: []cli.Flag{
			&cli.DurationFlag{Name: "interval", Usage: "Poll interval", Value: 500 * time.Millisecond},
			&cli.DurationFlag{Name: "timeout", Usage: "Give up after this long", Value: 2 * time.Minute},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("expected exactly one job id")
			}
			jobID := c.Args().First()
			cl := newClient(c)

			deadline := time.Now().Add(c.Duration("timeout"))
			for {
				var job coworker.Job
				if err := cl.do(http.MethodGet, "/jobs/"+jobID, nil, &job); err != nil {
					return err
				}
				if job.Status.IsTerminal() {
					if err := printJSON(job); err != nil {
						return err
					}
					if job.Status != coworker.StatusSucceeded {
						return cli.Exit(fmt.Sprintf("job %s finished with status %s", jobID, job.Status), 1)
					}
					return nil
				}
				if time.Now().After(deadline) {
					return fmt.Errorf("timed out waiting for job %s", jobID)
				}
				time.Sleep(c.Duration("interval"))
			}
		},
	}
}
