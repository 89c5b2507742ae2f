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

// Command coworkerd runs the sandboxed workspace agent control plane: the
// HTTP control API, the SQLite store, and the worker pool.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"coworker/internal/api"
	"coworker/internal/approval"
	"coworker/internal/config"
	"coworker/internal/jobs"
	"coworker/internal/metrics"
	"coworker/internal/middleware"
	"coworker/internal/store"
	"coworker/pkg/crypto"
)

func parseConfig() config.Config {
	configPath := flag.String("config", "", "Optional YAML config file")

	// Flag defaults come from config.Load (defaults + file + env) so that
	// flags override everything; parse the path flag first by scanning
	// os.Args, since flag values are only bound after flag.Parse.
	path := *configPath
	for i, arg := range os.Args[1:] {
		if arg == "-config" || arg == "--config" {
			if i+2 <= len(os.Args[1:]) {
				path = os.Args[i+2]
			}
		} else if v, ok := strings.CutPrefix(arg, "-config="); ok {
			path = v
		} else if v, ok := strings.CutPrefix(arg, "--config="); ok {
			path = v
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		log.Printf("invalid configuration: %v", err)
		os.Exit(1)
	}

	roots := strings.Join(cfg.AllowedRoots, ",")
	flag.StringVar(&cfg.HTTPAddr, "addr", cfg.HTTPAddr, "HTTP listen address (env COWORKER_HTTP_ADDR)")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite DB path (env COWORKER_DB_PATH)")
	flag.StringVar(&roots, "allowed-roots", roots, "Comma-separated workspace roots (env COWORKER_ALLOWED_ROOTS)")
	flag.IntVar(&cfg.Workers, "workers", cfg.Workers, "Worker concurrency (env COWORKER_WORKERS)")
	flag.DurationVar(&cfg.LeaseTTL, "lease-ttl", cfg.LeaseTTL, "Job lease TTL (env COWORKER_LEASE_TTL)")
	flag.StringVar(&cfg.PythonBin, "python-bin", cfg.PythonBin, "Python interpreter for execute_python (env COWORKER_PYTHON_BIN)")
	flag.BoolVar(&cfg.EnableCORS, "enable-cors", cfg.EnableCORS, "Enable permissive CORS for local clients (env COWORKER_ENABLE_CORS)")
	flag.Parse()

	cfg.AllowedRoots = config.SplitRoots(roots)
	if err := cfg.Validate(); err != nil {
		log.Printf("invalid configuration: %v", err)
		os.Exit(1)
	}
	return cfg
}

func logConfig(cfg config.Config) {
	// Never log the encryption key.
	log.Printf("coworkerd configuration:")
	log.Printf("  addr=%s", cfg.HTTPAddr)
	log.Printf("  db=%s", cfg.DBPath)
	log.Printf("  allowed_roots=%s", strings.Join(cfg.AllowedRoots, ","))
	log.Printf("  workers=%d", cfg.Workers)
	log.Printf("  lease_ttl=%s", cfg.LeaseTTL)
	log.Printf("  poll_interval=%s", cfg.PollInterval)
	log.Printf("  python_bin=%s", cfg.PythonBin)
	log.Printf("  enable_cors=%v", cfg.EnableCORS)
	log.Printf("  encryption_key=%s", crypto.RedactSecret(cfg.EncryptionKey))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newMux(cfg config.Config, st *store.Store, ap *api.API, limiter *middleware.RateLimiter) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := st.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ready": true})
	})
	mux.Handle("/metrics", metrics.Handler())

	ap.Register(mux)

	// Re-route the handshake through the rate limiter; it is the only
	// unauthenticated write.
	inner := http.NewServeMux()
	inner.Handle("/handshake", limiter.Middleware(mux))
	inner.Handle("/", mux)

	secCfg := middleware.DefaultSecurityHeadersConfig()
	secCfg.EnableCORS = cfg.EnableCORS
	return middleware.SecurityHeaders(secCfg)(inner)
}

func main() {
	log.SetFlags(log.LstdFlags | log.LUTC | log.Lmsgprefix)
	log.SetPrefix("[coworkerd] ")

	cfg := parseConfig()
	logConfig(cfg)

	st, err := store.OpenWithEncryption(context.Background(), cfg.DBPath, cfg.EncryptionKey)
	if err != nil {
		log.Printf("failed to open store: %v", err)
		os.Exit(1)
	}
	defer func() { _ = st.Close() }()

	ap := api.New(st, approval.New(st), log.Default())

	rlCfg := middleware.DefaultRateLimitConfig()
	rlCfg.RequestsPerMinute = cfg.HandshakePerMinute
	rlCfg.Logger = log.Default()
	limiter := middleware.NewRateLimiter(rlCfg)
	defer limiter.Stop()

	// Start workers.
	workerCtx, workerCancel := context.WithCancel(context.Background())
	for i := 0; i < cfg.Workers; i++ {
		w := jobs.NewWorker(st, jobs.Config{
			WorkerID:     fmt.Sprintf("worker-%d", i+1),
			AllowedRoots: cfg.AllowedRoots,
			PollInterval: cfg.PollInterval,
			ClaimBackoff: cfg.ClaimBackoff,
			LeaseTTL:     cfg.LeaseTTL,
			PythonBin:    cfg.PythonBin,
		}, log.Default())
		go w.Run(workerCtx)
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           newMux(cfg, st, ap, limiter),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("HTTP server listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server error: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("received signal: %s, initiating graceful shutdown...", sig)
	case err := <-errCh:
		log.Printf("server error: %v", err)
	}

	// Workers first: an interrupted handler leaves its job RUNNING for
	// lease reclamation on the next start.
	workerCancel()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	} else {
		log.Printf("server stopped gracefully")
	}
}
