package metrics

// Copyright (C) 2026  The sccache-dist Authors
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

// Package metrics exposes Prometheus counters and histograms for the
// scheduler, build worker, and client daemon, modeled directly on
// mattcburns-shoal-provision/internal/provisioner/metrics: a package-level
// registry, CounterVec/HistogramVec globals, a Handler() for scraping, and
// a Reset() tests can call for a clean slate.

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	allocationsTotal      *prometheus.CounterVec
	jobStatusTransitions  *prometheus.CounterVec
	workerPoolSize        prometheus.Gauge
	jobsServedTotal       *prometheus.CounterVec
	containersRecycled    *prometheus.CounterVec
	imagesBuiltTotal      prometheus.Counter
	jobDuration           *prometheus.HistogramVec
	toolchainUploadsTotal *prometheus.CounterVec
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all collectors. Tests call this to avoid
// cross-test duplicate-registration panics.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

func resetLocked() {
	reg = prometheus.NewRegistry()

	allocationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sccache_dist_scheduler_allocations_total",
		Help: "Allocation requests handled by the scheduler, by outcome.",
	}, []string{"outcome"})

	jobStatusTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sccache_dist_scheduler_job_status_transitions_total",
		Help: "Job status transitions recorded by the scheduler.",
	}, []string{"state"})

	workerPoolSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sccache_dist_scheduler_worker_pool_size",
		Help: "Number of workers currently registered with the scheduler.",
	})

	jobsServedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sccache_dist_buildworker_jobs_served_total",
		Help: "Jobs served by the build worker, by result.",
	}, []string{"result"})

	containersRecycled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sccache_dist_buildworker_containers_total",
		Help: "Containers recycled vs. discarded after a job.",
	}, []string{"outcome"})

	imagesBuiltTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sccache_dist_buildworker_images_built_total",
		Help: "Container images materialised from a toolchain archive.",
	})

	jobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sccache_dist_buildworker_job_duration_seconds",
		Help:    "Time spent executing one compile job inside a container.",
		Buckets: prometheus.DefBuckets,
	}, []string{"result"})

	toolchainUploadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sccache_dist_clientdaemon_toolchain_uploads_total",
		Help: "Compiles that required uploading the toolchain archive on cache miss.",
	}, []string{"outcome"})

	reg.MustRegister(
		allocationsTotal,
		jobStatusTransitions,
		workerPoolSize,
		jobsServedTotal,
		containersRecycled,
		imagesBuiltTotal,
		jobDuration,
		toolchainUploadsTotal,
	)
}

// Handler returns an HTTP handler exposing all collectors in Prometheus
// exposition format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveAllocation records one scheduler Allocate call outcome
// ("success", "no_worker_available" or "push_failed").
func ObserveAllocation(outcome string) {
	mu.RLock()
	defer mu.RUnlock()
	allocationsTotal.WithLabelValues(outcome).Inc()
}

// ObserveJobStatusTransition records a scheduler job-status transition.
func ObserveJobStatusTransition(state string) {
	mu.RLock()
	defer mu.RUnlock()
	jobStatusTransitions.WithLabelValues(state).Inc()
}

// SetWorkerPoolSize reports the scheduler's current worker-pool size.
func SetWorkerPoolSize(n int) {
	mu.RLock()
	defer mu.RUnlock()
	workerPoolSize.Set(float64(n))
}

// ObserveJobServed records a build-worker job outcome ("complete",
// "need_toolchain", "error") and its wall-clock duration.
func ObserveJobServed(result string, d time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	jobsServedTotal.WithLabelValues(result).Inc()
	jobDuration.WithLabelValues(result).Observe(d.Seconds())
}

// ObserveContainerOutcome records whether a finished container was
// recycled or discarded ("recycled", "discarded").
func ObserveContainerOutcome(outcome string) {
	mu.RLock()
	defer mu.RUnlock()
	containersRecycled.WithLabelValues(outcome).Inc()
}

// ObserveImageBuilt increments the materialised-image counter.
func ObserveImageBuilt() {
	mu.RLock()
	defer mu.RUnlock()
	imagesBuiltTotal.Inc()
}

// ObserveToolchainUpload records a client daemon's NeedToolchain retry
// outcome ("resolved" or "fatal_repeated").
func ObserveToolchainUpload(outcome string) {
	mu.RLock()
	defer mu.RUnlock()
	toolchainUploadsTotal.WithLabelValues(outcome).Inc()
}
