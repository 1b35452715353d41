package scheduler

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

// Package scheduler implements the single-assignment-point scheduler from
// spec.md §4.3: it maintains the live worker pool, allocates a fresh JobID
// and a worker address per allocation request, and pushes assignment
// notifications down each worker's persistent channel.
//
// Grounded on original_source/src/dist/mod.rs's SccacheScheduler, with the
// Config/logger-injection idiom carried over from
// mattcburns-shoal-provision/internal/provisioner/dispatcher's Config
// struct.

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aidanhs/sccache/internal/distproto"
	"github.com/aidanhs/sccache/internal/metrics"
	"github.com/aidanhs/sccache/internal/wire"
)

// ErrNoWorkerAvailable is returned by Allocate when the worker pool is
// empty. Spec.md leaves worker-selection policy to the implementer; this
// is the one case every policy must handle the same way.
var ErrNoWorkerAvailable = errors.New("scheduler: no worker available")

// statusRingCap bounds the "recently completed" observability ring spec.md
// §3 calls for.
const statusRingCap = 256

// worker is one registered build worker: its client-facing address and the
// persistent wire connection the scheduler pushes AllocAssignment frames
// down. sendMu serialises writers, since wire.Conn itself only promises
// safety for one concurrent reader and one concurrent writer.
type worker struct {
	addr   string
	conn   *wire.Conn
	sendMu sync.Mutex
	live   atomic.Bool
}

func (w *worker) send(v any) error {
	w.sendMu.Lock()
	defer w.sendMu.Unlock()
	return w.conn.Send(v)
}

// Scheduler is the worker registry, job-id allocator, and job-status table
// described in spec.md §4.3. Its methods are called concurrently from the
// per-connection goroutines of both accept loops; the worker pool and the
// job table are guarded by mu. External callers only ever see
// request/response results, matching spec.md §5's "Shared resources".
type Scheduler struct {
	mu      sync.Mutex
	workers []*worker        // registration order; round-robin cursor below
	byAddr  map[string]*worker
	cursor  int

	nextJobID uint64 // atomic

	statuses map[distproto.JobID]*distproto.JobStatus
	ring     []distproto.JobStatus

	log *logrus.Entry
}

// New returns an empty Scheduler. JobIDs start at zero, matching spec.md
// §4.3's "on restart, all JobIds are reallocated from zero".
func New(log *logrus.Entry) *Scheduler {
	return &Scheduler{
		byAddr:   make(map[string]*worker),
		statuses: make(map[distproto.JobID]*distproto.JobStatus),
		log:      log,
	}
}

// RegisterWorker adds addr/conn to the live pool. The caller (the
// connection-accept loop on SCHEDULER_SERVERS_PORT) owns the connection's
// lifetime and must call RemoveWorker once the channel is lost.
func (s *Scheduler) RegisterWorker(addr string, conn *wire.Conn) {
	w := &worker{addr: addr, conn: conn}
	w.live.Store(true)

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.byAddr[addr]; ok {
		old.live.Store(false)
		s.removeLocked(old)
	}
	s.workers = append(s.workers, w)
	s.byAddr[addr] = w
	metrics.SetWorkerPoolSize(len(s.workers))
	if s.log != nil {
		s.log.WithField("worker", addr).Info("worker registered")
	}
}

// RemoveWorker drops addr from the pool (its channel was lost) and fails
// every job still outstanding on it, per spec.md §4.3: "jobs assigned on a
// lost channel transition to JobFailed".
func (s *Scheduler) RemoveWorker(addr string) {
	s.mu.Lock()
	w, ok := s.byAddr[addr]
	if !ok {
		s.mu.Unlock()
		return
	}
	w.live.Store(false)
	s.removeLocked(w)
	var toFail []*distproto.JobStatus
	for _, st := range s.statuses {
		if st.WorkerAddr == addr && st.State != distproto.JobCompleted && st.State != distproto.JobFailed {
			toFail = append(toFail, st)
		}
	}
	s.mu.Unlock()

	for _, st := range toFail {
		s.transition(st.JobID, distproto.JobFailed)
	}
	if s.log != nil {
		s.log.WithField("worker", addr).Warn("worker channel lost")
	}
}

// removeLocked must be called with s.mu held.
func (s *Scheduler) removeLocked(w *worker) {
	delete(s.byAddr, w.addr)
	for i, cand := range s.workers {
		if cand == w {
			s.workers = append(s.workers[:i], s.workers[i+1:]...)
			break
		}
	}
	if s.cursor >= len(s.workers) {
		s.cursor = 0
	}
	metrics.SetWorkerPoolSize(len(s.workers))
}

// Allocate implements spec.md §4.3's public Allocate operation: pick a
// worker able to serve req.Toolchain, reserve a fresh JobID, record
// AllocRequested, push the AllocAssignment down that worker's channel in
// order, record AllocSuccess, and return (JobID, worker address).
//
// Selection policy: round-robin over the live pool (spec.md §9 Open
// Question 1 — any policy is conformant; the source supported exactly one
// worker, so round-robin is the simplest total generalisation).
func (s *Scheduler) Allocate(req distproto.JobAllocRequest) (distproto.JobAllocResult, error) {
	w, err := s.pickWorker()
	if err != nil {
		metrics.ObserveAllocation("no_worker_available")
		return distproto.JobAllocResult{}, err
	}

	id := distproto.JobID(atomic.AddUint64(&s.nextJobID, 1) - 1)

	s.recordStatus(&distproto.JobStatus{
		JobID:      id,
		State:      distproto.JobAllocRequested,
		WorkerAddr: w.addr,
		Toolchain:  req.Toolchain,
		UpdatedAt:  now(),
	})

	if err := w.send(distproto.AllocAssignment{JobID: id}); err != nil {
		s.transition(id, distproto.JobFailed)
		metrics.ObserveAllocation("push_failed")
		return distproto.JobAllocResult{}, fmt.Errorf("scheduler: push assignment to %s: %w", w.addr, err)
	}

	s.transition(id, distproto.JobAllocSuccess)
	metrics.ObserveAllocation("success")

	return distproto.JobAllocResult{JobID: id, WorkerAddr: w.addr}, nil
}

// pickWorker returns the next live worker in round-robin order. Any worker
// in the pool is assumed capable of serving any toolchain — spec.md §4.3
// leaves capability-aware selection to the implementer and the reference
// implementation "may select any worker capable of serving the request".
func (s *Scheduler) pickWorker() (*worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.workers) == 0 {
		return nil, ErrNoWorkerAvailable
	}
	w := s.workers[s.cursor%len(s.workers)]
	s.cursor++
	return w, nil
}

func (s *Scheduler) recordStatus(st *distproto.JobStatus) {
	s.mu.Lock()
	s.statuses[st.JobID] = st
	s.mu.Unlock()
	metrics.ObserveJobStatusTransition(st.State.String())
}

// transition updates jobID's recorded state. JobCompleted/JobFailed moves
// the entry into the bounded observability ring per spec.md §3.
func (s *Scheduler) transition(jobID distproto.JobID, state distproto.JobState) {
	s.mu.Lock()
	st, ok := s.statuses[jobID]
	if !ok {
		s.mu.Unlock()
		return
	}
	st.State = state
	st.UpdatedAt = now()
	if state == distproto.JobCompleted || state == distproto.JobFailed {
		delete(s.statuses, jobID)
		s.ring = append(s.ring, *st)
		if len(s.ring) > statusRingCap {
			s.ring = s.ring[len(s.ring)-statusRingCap:]
		}
	}
	s.mu.Unlock()
	metrics.ObserveJobStatusTransition(state.String())
}

// MarkStarted/MarkCompleted/MarkFailed let a worker-facing RPC layer (not
// part of the core wire protocol, but useful for a status endpoint) push
// lifecycle updates the scheduler itself cannot observe directly, since
// JobStarted/JobCompleted happen entirely between client and worker.
func (s *Scheduler) MarkStarted(jobID distproto.JobID)   { s.transition(jobID, distproto.JobStarted) }
func (s *Scheduler) MarkCompleted(jobID distproto.JobID) { s.transition(jobID, distproto.JobCompleted) }
func (s *Scheduler) MarkFailed(jobID distproto.JobID)    { s.transition(jobID, distproto.JobFailed) }

// RecentStatuses returns a snapshot of the bounded ring of recently
// finished jobs, oldest first.
func (s *Scheduler) RecentStatuses() []distproto.JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]distproto.JobStatus, len(s.ring))
	copy(out, s.ring)
	return out
}

// WorkerCount reports the current live pool size.
func (s *Scheduler) WorkerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

var now = time.Now
