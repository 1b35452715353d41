package buildworker

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

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/aidanhs/sccache/internal/container"
	"github.com/aidanhs/sccache/internal/distproto"
	"github.com/aidanhs/sccache/internal/toolchain"
)

// ContainerRuntime is the subset of *container.Runtime the worker depends
// on. Accepting the interface (rather than the concrete CLI-exec type)
// lets tests exercise the job state machine and recycling logic without a
// real container runtime on PATH.
type ContainerRuntime interface {
	Create(ctx context.Context, image string, entrypoint ...string) (string, error)
	CopyIn(ctx context.Context, containerID, destPath string, src io.Reader) error
	CopyOut(ctx context.Context, containerID, srcPath string) ([]byte, error)
	Commit(ctx context.Context, containerID, imageName string) error
	Run(ctx context.Context, image string, entrypoint ...string) (string, error)
	Exec(ctx context.Context, containerID, workdir string, env map[string]string, argv ...string) (exitCode int, stdout, stderr []byte, err error)
	Diff(ctx context.Context, containerID string) ([]container.DiffEntry, error)
	RemoveForce(ctx context.Context, containerID string) error
}

// pendingQueueSize bounds how many AllocAssignment JobIDs a Worker will
// buffer ahead of the matching client connection arriving (spec.md §9:
// "the worker MUST buffer assignments that arrive before the matching
// client connection"). This is generous headroom, not a hard protocol
// limit — a worker this far behind has bigger problems.
const pendingQueueSize = 4096

// initEntrypoint is pid 1 inside every container this worker starts: a
// shell loop that reaps zombies and does nothing else, so that killing
// every other process between jobs (spec.md §4.4 step 1 of recycling)
// never touches it. See spec.md §4.4 "Init process choice" and §9 Open
// Question 2.
var initEntrypoint = []string{"sh", "-c", "while true; do wait; done"}

// killNonInitScript is exec'd inside a container between jobs to kill
// every process except pid 1, per spec.md §4.4 step 1.
var killNonInitScript = []string{"sh", "-c",
	`for p in /proc/[0-9]*; do pid=${p#/proc/}; [ "$pid" = "1" ] || kill -9 "$pid" 2>/dev/null; done; true`,
}

// Store is the subset of toolchain.Store the worker needs — named so
// tests can swap in a fake without importing the whole toolchain package's
// concrete types.
type Store = toolchain.Store

// Worker serves spec.md §4.4's BuildWorker role: it tracks expected
// JobIDs pushed by the scheduler, runs compiles inside recycled containers
// keyed by toolchain, and materialises images from the declared base image
// plus packaged toolchain archive.
type Worker struct {
	runtime ContainerRuntime
	store   Store
	log     *logrus.Entry

	initEntrypoint []string
	killNonInit    []string

	poolMu sync.Mutex
	pool   map[distproto.Toolchain][]string

	imagesMu sync.Mutex
	images   map[distproto.Toolchain]string
	building map[distproto.Toolchain]chan struct{}

	pending chan distproto.JobID
	sem     chan struct{}
}

// Config bundles the knobs New needs beyond the runtime/store/logger,
// following internal/scheduler and the teacher's dispatcher.Config
// pattern: zero values fall back to sensible defaults.
type Config struct {
	// MaxConcurrentJobs bounds how many client connections are served at
	// once (spec.md §5 "bounded concurrency"). Defaults to 10.
	MaxConcurrentJobs int
}

// New returns a Worker ready to serve jobs.
func New(runtime ContainerRuntime, store Store, log *logrus.Entry, cfg Config) *Worker {
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = 10
	}
	return &Worker{
		runtime:        runtime,
		store:          store,
		log:            log,
		initEntrypoint: initEntrypoint,
		killNonInit:    killNonInitScript,
		pool:           make(map[distproto.Toolchain][]string),
		images:         make(map[distproto.Toolchain]string),
		building:       make(map[distproto.Toolchain]chan struct{}),
		pending:        make(chan distproto.JobID, pendingQueueSize),
		sem:            make(chan struct{}, cfg.MaxConcurrentJobs),
	}
}

// HandleAssignment records that jobID is expected, per spec.md §4.4: "no
// container work yet" happens here — the job itself starts only once the
// matching JobRequest arrives on the client-facing port.
func (w *Worker) HandleAssignment(a distproto.AllocAssignment) {
	select {
	case w.pending <- a.JobID:
	default:
		if w.log != nil {
			w.log.WithField("job_id", a.JobID).Error("pending assignment queue full, dropping")
		}
	}
}

// nextAssignedJobID blocks until an AllocAssignment has arrived for the
// connection currently being served, or ctx is done. Within one worker
// channel, assignments are delivered in allocation order (spec.md §4.3),
// so a simple FIFO is exactly the correlation the client-race in §9
// requires.
func (w *Worker) nextAssignedJobID(ctx context.Context) (distproto.JobID, error) {
	select {
	case id := <-w.pending:
		return id, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// ProcessJob implements spec.md §4.4's per-job state machine: ensure the
// toolchain is cached (or signal NeedToolchain), obtain a container,
// unpack inputs, execute the command, collect outputs, and recycle the
// container.
func (w *Worker) ProcessJob(ctx context.Context, req distproto.JobRequest) (distproto.JobResult, error) {
	if req.ToolchainData != nil {
		if err := toolchain.InsertBytes(w.store, req.Toolchain.ArchiveID, req.ToolchainData); err != nil {
			return distproto.JobResult{}, fmt.Errorf("buildworker: insert toolchain archive: %w", err)
		}
	}
	has, err := w.store.Contains(req.Toolchain.ArchiveID)
	if err != nil {
		return distproto.JobResult{}, fmt.Errorf("buildworker: check toolchain cache: %w", err)
	}
	if !has {
		return distproto.JobResult{Kind: distproto.JobResultNeedToolchain}, nil
	}

	containerID, err := w.getContainer(ctx, req.Toolchain)
	if err != nil {
		return distproto.JobResult{}, err
	}

	if err := w.runtime.CopyIn(ctx, containerID, "/", bytes.NewReader(req.InputsArchive)); err != nil {
		w.discard(ctx, containerID)
		return distproto.JobResult{}, fmt.Errorf("buildworker: unpack inputs archive: %w", err)
	}

	env := make(map[string]string, len(req.Command.Env))
	for _, kv := range req.Command.Env {
		env[kv.Name] = kv.Value
	}
	argv := append([]string{req.Command.Executable}, req.Command.Arguments...)
	exitCode, stdout, stderr, err := w.runtime.Exec(ctx, containerID, req.Command.Cwd, env, argv...)
	if err != nil {
		w.discard(ctx, containerID)
		return distproto.JobResult{}, fmt.Errorf("buildworker: exec compile command: %w", err)
	}

	outputs := make([]distproto.OutputFile, 0, len(req.Outputs))
	for _, outPath := range req.Outputs {
		full := path.Join(req.Command.Cwd, outPath)
		data, err := w.runtime.CopyOut(ctx, containerID, full)
		if err != nil {
			w.discard(ctx, containerID)
			return distproto.JobResult{}, fmt.Errorf("buildworker: copy output %s: %w", outPath, err)
		}
		outputs = append(outputs, distproto.OutputFile{Path: outPath, Bytes: data})
	}

	w.recycleOrDiscard(ctx, req.Toolchain, containerID)

	return distproto.JobResult{
		Kind: distproto.JobResultComplete,
		Complete: distproto.JobComplete{
			Output: distproto.ProcessOutput{
				ExitCode: exitCode,
				Stdout:   stdout,
				Stderr:   stderr,
			},
			Outputs: outputs,
		},
	}, nil
}

// jobOutcomeLabel gives server.go's metrics recording a single place to
// agree on the outcome label vocabulary.
func jobOutcomeLabel(result distproto.JobResult, err error) string {
	switch {
	case err != nil:
		return "error"
	case result.Kind == distproto.JobResultNeedToolchain:
		return "need_toolchain"
	default:
		return "complete"
	}
}
