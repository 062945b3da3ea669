// Reel is a media dubbing job server.
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

package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	jobTransitions  *prometheus.CounterVec
	jobsRunning     prometheus.Gauge
	queueDepth      *prometheus.GaugeVec
	dispatchOps     *prometheus.CounterVec
	backendSwitches *prometheus.CounterVec
	stageDuration   *prometheus.HistogramVec
	stageRetries    *prometheus.CounterVec
	leaseSteals     prometheus.Counter
	uploadChunks    *prometheus.CounterVec
	uploadBytes     prometheus.Counter
	streamClients   *prometheus.GaugeVec
	eventsDropped   prometheus.Counter
	authFailures    *prometheus.CounterVec
	rateLimited     *prometheus.CounterVec
	quotaRejections *prometheus.CounterVec
)

// Dispatch operation labels.
const (
	OpSubmit = "submit"
	OpClaim  = "claim"
	OpAck    = "ack"
	OpNack   = "nack"
	OpHealth = "health"
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

// ObserveHTTPRequest records a completed API request.
func ObserveHTTPRequest(route, method string, code int, duration time.Duration) {
	labelRoute := sanitizeLabel(route, "unknown")
	labelMethod := sanitizeLabel(method, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if httpRequests != nil {
		httpRequests.WithLabelValues(labelRoute, labelMethod, strconv.Itoa(code)).Inc()
	}
	if httpDuration != nil {
		httpDuration.WithLabelValues(labelRoute).Observe(durationSeconds(duration))
	}
}

// IncJobTransition records a job state transition.
func IncJobTransition(from, to string) {
	mu.RLock()
	defer mu.RUnlock()
	if jobTransitions != nil {
		jobTransitions.WithLabelValues(sanitizeLabel(from, "none"), sanitizeLabel(to, "none")).Inc()
	}
}

// SetJobsRunning sets the gauge of currently running jobs.
func SetJobsRunning(n int) {
	mu.RLock()
	defer mu.RUnlock()
	if jobsRunning != nil {
		jobsRunning.Set(float64(n))
	}
}

// SetQueueDepth sets the pending depth gauge for a dispatch backend.
func SetQueueDepth(backend string, n int) {
	mu.RLock()
	defer mu.RUnlock()
	if queueDepth != nil {
		queueDepth.WithLabelValues(sanitizeLabel(backend, "unknown")).Set(float64(n))
	}
}

// ObserveDispatchOp records a dispatch backend operation and its outcome.
func ObserveDispatchOp(backend, op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}

	mu.RLock()
	defer mu.RUnlock()
	if dispatchOps != nil {
		dispatchOps.WithLabelValues(sanitizeLabel(backend, "unknown"), sanitizeLabel(op, "unknown"), outcome).Inc()
	}
}

// IncBackendSwitch records a queue backend failover or recovery.
func IncBackendSwitch(from, to string) {
	mu.RLock()
	defer mu.RUnlock()
	if backendSwitches != nil {
		backendSwitches.WithLabelValues(sanitizeLabel(from, "none"), sanitizeLabel(to, "none")).Inc()
	}
}

// ObserveStage records the duration and outcome of a pipeline stage run.
func ObserveStage(stage, outcome string, duration time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	if stageDuration != nil {
		stageDuration.WithLabelValues(sanitizeLabel(stage, "unknown"), sanitizeLabel(outcome, "unknown")).Observe(durationSeconds(duration))
	}
}

// IncStageRetry increments the retry counter for a stage.
func IncStageRetry(stage string) {
	mu.RLock()
	defer mu.RUnlock()
	if stageRetries != nil {
		stageRetries.WithLabelValues(sanitizeLabel(stage, "unknown")).Inc()
	}
}

// IncLeaseSteal records takeover of an expired execution lease.
func IncLeaseSteal() {
	mu.RLock()
	defer mu.RUnlock()
	if leaseSteals != nil {
		leaseSteals.Inc()
	}
}

// IncUploadChunk records a chunk delivery by outcome
// (committed, duplicate, conflict, rejected).
func IncUploadChunk(outcome string) {
	mu.RLock()
	defer mu.RUnlock()
	if uploadChunks != nil {
		uploadChunks.WithLabelValues(sanitizeLabel(outcome, "unknown")).Inc()
	}
}

// AddUploadBytes adds committed upload bytes to the running total.
func AddUploadBytes(n int64) {
	if n <= 0 {
		return
	}
	mu.RLock()
	defer mu.RUnlock()
	if uploadBytes != nil {
		uploadBytes.Add(float64(n))
	}
}

// AddStreamClients adjusts the connected client gauge for a stream kind
// (sse or ws).
func AddStreamClients(kind string, delta int) {
	mu.RLock()
	defer mu.RUnlock()
	if streamClients != nil {
		streamClients.WithLabelValues(sanitizeLabel(kind, "unknown")).Add(float64(delta))
	}
}

// IncEventsDropped records a subscriber disconnected for falling behind.
func IncEventsDropped() {
	mu.RLock()
	defer mu.RUnlock()
	if eventsDropped != nil {
		eventsDropped.Inc()
	}
}

// IncAuthFailure records a failed authentication attempt by reason.
func IncAuthFailure(reason string) {
	mu.RLock()
	defer mu.RUnlock()
	if authFailures != nil {
		authFailures.WithLabelValues(sanitizeLabel(reason, "unknown")).Inc()
	}
}

// IncRateLimited records a request rejected by a rate limiter class.
func IncRateLimited(class string) {
	mu.RLock()
	defer mu.RUnlock()
	if rateLimited != nil {
		rateLimited.WithLabelValues(sanitizeLabel(class, "unknown")).Inc()
	}
}

// IncQuotaRejection records a request rejected by a quota check.
func IncQuotaRejection(kind string) {
	mu.RLock()
	defer mu.RUnlock()
	if quotaRejections != nil {
		quotaRejections.WithLabelValues(sanitizeLabel(kind, "unknown")).Inc()
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	reqTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reel",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total API requests grouped by route, method, and status code.",
	}, []string{"route", "method", "code"})

	reqDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "reel",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Duration of API requests by route.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"route"})

	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reel",
		Subsystem: "jobs",
		Name:      "transitions_total",
		Help:      "Total job state transitions.",
	}, []string{"from", "to"})

	running := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "reel",
		Subsystem: "jobs",
		Name:      "running",
		Help:      "Number of jobs currently running.",
	})

	depth := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "reel",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Pending entries per dispatch backend.",
	}, []string{"backend"})

	ops := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reel",
		Subsystem: "queue",
		Name:      "operations_total",
		Help:      "Dispatch backend operations by backend, op, and outcome.",
	}, []string{"backend", "op", "outcome"})

	switches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reel",
		Subsystem: "queue",
		Name:      "backend_switches_total",
		Help:      "Queue backend failovers and recoveries.",
	}, []string{"from", "to"})

	stageHist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "reel",
		Subsystem: "pipeline",
		Name:      "stage_duration_seconds",
		Help:      "Duration of pipeline stage runs by stage and outcome.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600, 1800},
	}, []string{"stage", "outcome"})

	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reel",
		Subsystem: "pipeline",
		Name:      "stage_retries_total",
		Help:      "Total transient stage retries.",
	}, []string{"stage"})

	steals := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "reel",
		Subsystem: "jobs",
		Name:      "lease_steals_total",
		Help:      "Expired execution leases taken over by another worker.",
	})

	chunks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reel",
		Subsystem: "uploads",
		Name:      "chunks_total",
		Help:      "Chunk deliveries by outcome.",
	}, []string{"outcome"})

	bytes := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "reel",
		Subsystem: "uploads",
		Name:      "bytes_total",
		Help:      "Total committed upload bytes.",
	})

	clients := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "reel",
		Subsystem: "events",
		Name:      "stream_clients",
		Help:      "Connected event stream clients by transport.",
	}, []string{"kind"})

	dropped := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "reel",
		Subsystem: "events",
		Name:      "dropped_subscribers_total",
		Help:      "Subscribers disconnected because their buffer overflowed.",
	})

	authFail := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reel",
		Subsystem: "auth",
		Name:      "failures_total",
		Help:      "Failed authentication attempts by reason.",
	}, []string{"reason"})

	limited := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reel",
		Subsystem: "http",
		Name:      "rate_limited_total",
		Help:      "Requests rejected by rate limiting, by endpoint class.",
	}, []string{"class"})

	quota := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reel",
		Subsystem: "quota",
		Name:      "rejections_total",
		Help:      "Requests rejected by quota checks, by quota kind.",
	}, []string{"kind"})

	registry.MustRegister(reqTotal, reqDuration, transitions, running, depth, ops,
		switches, stageHist, retries, steals, chunks, bytes, clients, dropped,
		authFail, limited, quota)

	reg = registry
	httpRequests = reqTotal
	httpDuration = reqDuration
	jobTransitions = transitions
	jobsRunning = running
	queueDepth = depth
	dispatchOps = ops
	backendSwitches = switches
	stageDuration = stageHist
	stageRetries = retries
	leaseSteals = steals
	uploadChunks = chunks
	uploadBytes = bytes
	streamClients = clients
	eventsDropped = dropped
	authFailures = authFail
	rateLimited = limited
	quotaRejections = quota
}

func sanitizeLabel(v string, fallback string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	var b strings.Builder
	for _, r := range v {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ':' || r == '.' || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func durationSeconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}
