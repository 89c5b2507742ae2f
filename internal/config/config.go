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

// Package config holds runtime configuration for the coworker daemon.
// Precedence, lowest to highest: built-in defaults, optional YAML file,
// COWORKER_* environment variables, command-line flags (applied by main).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Approval TTL bounds are fixed by the approval protocol; they are not
// configurable.
const (
	ApprovalTTLMin = 10 * time.Second
	ApprovalTTLMax = 3600 * time.Second
)

// Config is the full runtime configuration of coworkerd.
type Config struct {
	// HTTPAddr is the control API listen address.
	HTTPAddr string `yaml:"http_addr"`

	// DBPath is the SQLite control-plane database file.
	DBPath string `yaml:"db_path"`

	// AllowedRoots is the process-wide upper bound on filesystem roots.
	// Empty means the process working directory.
	AllowedRoots []string `yaml:"allowed_roots"`

	// Workers is the number of concurrent job workers.
	Workers int `yaml:"workers"`

	// LeaseTTL bounds a worker's ownership of a RUNNING job.
	LeaseTTL time.Duration `yaml:"lease_ttl"`

	// PollInterval is the worker sleep when the queue is empty.
	PollInterval time.Duration `yaml:"poll_interval"`

	// ClaimBackoff is the worker sleep after losing a claim race.
	ClaimBackoff time.Duration `yaml:"claim_backoff"`

	// EncryptionKey, when set, seals session bearer tokens at rest.
	// Never logged.
	EncryptionKey string `yaml:"encryption_key"`

	// PythonBin is the interpreter used by the execute_python tool.
	PythonBin string `yaml:"python_bin"`

	// EnableCORS toggles the permissive CORS layer for local clients.
	EnableCORS bool `yaml:"enable_cors"`

	// HandshakePerMinute rate-limits POST /handshake per client IP.
	HandshakePerMinute int `yaml:"handshake_per_minute"`
}

// Default returns the built-in configuration.
func Default() Config {
	wd, err := os.Getwd()
	if err != nil {
		wd = "."
	}
	return Config{
		HTTPAddr:           ":8787",
		DBPath:             "./coworker_cp.sqlite3",
		AllowedRoots:       []string{wd},
		Workers:            2,
		LeaseTTL:           30 * time.Second,
		PollInterval:       250 * time.Millisecond,
		ClaimBackoff:       100 * time.Millisecond,
		EncryptionKey:      "",
		PythonBin:          "python3",
		EnableCORS:         true,
		HandshakePerMinute: 30,
	}
}

// Load builds the configuration from defaults, an optional YAML file, and
// the environment. An empty path skips the file layer.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return cfg, err
		}
	}
	if err := cfg.loadEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// loadFile merges a YAML file into the config. ${VAR} references in the
// file are expanded from the environment before parsing.
func (c *Config) loadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	expanded := os.ExpandEnv(string(raw))
	if err := yaml.Unmarshal([]byte(expanded), c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadEnv() error {
	if v := os.Getenv("COWORKER_HTTP_ADDR"); v != "" {
		c.HTTPAddr = v
	}
	if v := os.Getenv("COWORKER_DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("COWORKER_ALLOWED_ROOTS"); v != "" {
		c.AllowedRoots = SplitRoots(v)
	}
	if v := os.Getenv("COWORKER_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid COWORKER_WORKERS: %w", err)
		}
		c.Workers = n
	}
	if v := os.Getenv("COWORKER_LEASE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid COWORKER_LEASE_TTL: %w", err)
		}
		c.LeaseTTL = d
	}
	if v := os.Getenv("COWORKER_ENCRYPTION_KEY"); v != "" {
		c.EncryptionKey = v
	}
	if v := os.Getenv("COWORKER_PYTHON_BIN"); v != "" {
		c.PythonBin = v
	}
	if v := os.Getenv("COWORKER_ENABLE_CORS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid COWORKER_ENABLE_CORS: %w", err)
		}
		c.EnableCORS = b
	}
	if v := os.Getenv("COWORKER_HANDSHAKE_PER_MINUTE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid COWORKER_HANDSHAKE_PER_MINUTE: %w", err)
		}
		c.HandshakePerMinute = n
	}
	return nil
}

// Validate checks bounds that the rest of the process assumes.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return fmt.Errorf("http_addr cannot be empty")
	}
	if strings.TrimSpace(c.DBPath) == "" {
		return fmt.Errorf("db_path cannot be empty")
	}
	if len(c.AllowedRoots) == 0 {
		return fmt.Errorf("allowed_roots cannot be empty")
	}
	for _, r := range c.AllowedRoots {
		if strings.TrimSpace(r) == "" {
			return fmt.Errorf("allowed_roots entries cannot be empty")
		}
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.LeaseTTL < time.Second {
		return fmt.Errorf("lease_ttl must be at least 1s, got %s", c.LeaseTTL)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval)
	}
	if c.ClaimBackoff <= 0 {
		return fmt.Errorf("claim_backoff must be positive, got %s", c.ClaimBackoff)
	}
	if c.HandshakePerMinute < 1 {
		return fmt.Errorf("handshake_per_minute must be at least 1, got %d", c.HandshakePerMinute)
	}
	return nil
}

// SplitRoots parses a comma-separated root list, dropping empty entries.
func SplitRoots(s string) []string {
	var roots []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			roots = append(roots, part)
		}
	}
	return roots
}
