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

// Package metrics exposes Prometheus collectors for the job lifecycle and
// the approval protocol on a package-level resettable registry.
package metrics

import (
	"net/http"
	"sync"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	jobsProcessed *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	approvals     *prometheus.CounterVec
)

// Outcome labels.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"

	ApprovalIssued = "issued"
	ApprovalDenied = "denied"
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all metrics collectors.
// Primarily used by tests to ensure clean state.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler that exposes metrics in Prometheus format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveJob records a completed job with its tool name, outcome, and
// handler duration.
func ObserveJob(tool string, ok bool, duration time.Duration) {
	labelTool := sanitizeLabel(tool, "unknown")
	outcome := OutcomeSucceeded
	if !ok {
		outcome = OutcomeFailed
	}

	mu.RLock()
	defer mu.RUnlock()
	if jobsProcessed != nil {
		jobsProcessed.WithLabelValues(labelTool, outcome).Inc()
	}
	if jobDuration != nil {
		jobDuration.WithLabelValues(labelTool).Observe(durationSeconds(duration))
	}
}

// IncApproval counts an approval decision (issued or denied).
func IncApproval(outcome string) {
	labelOutcome := sanitizeLabel(outcome, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if approvals != nil {
		approvals.WithLabelValues(labelOutcome).Inc()
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	processed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coworker",
		Subsystem: "server",
		Name:      "jobs_processed_total",
		Help:      "Total jobs completed by workers grouped by tool and outcome.",
	}, []string{"tool", "outcome"})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "coworker",
		Subsystem: "server",
		Name:      "job_duration_seconds",
		Help:      "Handler execution duration by tool.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"tool"})

	approvalTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coworker",
		Subsystem: "server",
		Name:      "approvals_total",
		Help:      "Total plan approval decisions grouped by outcome.",
	}, []string{"outcome"})

	registry.MustRegister(processed, duration, approvalTotal)

	reg = registry
	jobsProcessed = processed
	jobDuration = duration
	approvals = approvalTotal
}

func sanitizeLabel(v string, fallback string) string {
	if v == "" {
		return fallback
	}
	out := make([]rune, 0, len(v))
	for _, r := range v {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ':' || r == '.' || r == '-' || r == '_' {
			out = append(out, r)
		} else {
			out = append(out, '_')
		}
	}
	return string(out)
}

func durationSeconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}
