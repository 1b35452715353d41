package clientdaemon

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

// Package clientdaemon implements the ClientDaemon role from spec.md §4.5:
// the per-compile orchestration pipeline that derives a cache key, resolves
// (and lazily packages) the toolchain, requests a job allocation from the
// scheduler, uploads the job — with toolchain bytes only on cache miss — to
// the assigned build worker, and writes the returned outputs back to disk.
//
// Grounded on original_source/src/compiler/c.rs's generate_dist_requests
// and original_source/src/dist/mod.rs's SccacheDaemonClient.

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/aidanhs/sccache/internal/compiler"
	"github.com/aidanhs/sccache/internal/distproto"
	"github.com/aidanhs/sccache/internal/keyderiver"
	"github.com/aidanhs/sccache/internal/metrics"
	"github.com/aidanhs/sccache/internal/toolchain"
	"github.com/aidanhs/sccache/internal/wire"
)

// CompileRequest is what the external preprocessor collaborator hands the
// daemon per spec.md §1: "the core assumes a 'preprocess and parse'
// collaborator yields the tuple (language, arguments, preprocessed bytes,
// compiler-binary digest, environment, output paths)." SourceInputPath and
// Cwd are needed to build the inputs archive's single entry (spec.md §3
// invariant).
type CompileRequest struct {
	CompilerPath    string
	CompilerDigest  string
	Language        keyderiver.Language
	Arguments       []string
	Env             []distproto.EnvVar
	Preprocessed    []byte
	Cwd             string
	SourceInputPath string
	Outputs         []string
}

// CompileResult is what Compile hands back to the caller: the cache key it
// derived, the captured process output, and the local paths it wrote.
type CompileResult struct {
	CacheKey     string
	JobID        distproto.JobID
	Output       distproto.ProcessOutput
	WrittenPaths []string
}

// dialFunc opens a framed connection to addr. Exposed so tests can swap in
// in-process fakes without a real TCP listener.
type dialFunc func(ctx context.Context, addr string) (*wire.Conn, error)

func dialTCP(ctx context.Context, addr string) (*wire.Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return wire.NewConn(nc), nil
}

// Daemon is one ClientDaemon instance: it owns the persistent weak→strong
// map and talks to one scheduler.
type Daemon struct {
	WeakMap       *toolchain.WeakMap
	Store         toolchain.Store
	Packager      *toolchain.Packager
	SchedulerAddr string
	// ImageRef is the base container image a build worker starts from
	// before the packaged toolchain is layered in — an operator-provided
	// constant, not something the daemon derives.
	ImageRef string
	Log      *logrus.Entry

	dial      dialFunc
	writeFile func(path string, data []byte) error
}

// New returns a Daemon ready to compile. Both Store and Packager are
// required; WeakMap must come from toolchain.LoadWeakMap so its on-disk
// state survives restarts (spec.md §3).
func New(weakMap *toolchain.WeakMap, store toolchain.Store, packager *toolchain.Packager, schedulerAddr, imageRef string, log *logrus.Entry) *Daemon {
	return &Daemon{
		WeakMap:       weakMap,
		Store:         store,
		Packager:      packager,
		SchedulerAddr: schedulerAddr,
		ImageRef:      imageRef,
		Log:           log,
		dial:          dialTCP,
		writeFile:     defaultWriteFile,
	}
}

func defaultWriteFile(path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o644)
}

// Compile runs spec.md §4.5's nine-step pipeline for one compilation,
// assuming the local result cache has already been consulted and missed
// (out of scope per spec.md §1).
func (d *Daemon) Compile(ctx context.Context, req CompileRequest) (CompileResult, error) {
	key := keyderiver.Derive(req.CompilerDigest, req.Language, req.Arguments, toKeyderiverEnv(req.Env), req.Preprocessed)

	strongKey, err := d.resolveToolchain(req.CompilerPath, req.CompilerDigest)
	if err != nil {
		return CompileResult{}, err
	}
	tc := distproto.Toolchain{ImageRef: d.ImageRef, ArchiveID: strongKey}

	jobID, workerAddr, err := d.allocate(ctx, tc)
	if err != nil {
		return CompileResult{}, fmt.Errorf("%w: %v", ErrSchedulerUnavailable, err)
	}

	inputsArchive, err := buildInputsArchive(req.Cwd, req.SourceInputPath, req.Preprocessed)
	if err != nil {
		return CompileResult{}, fmt.Errorf("clientdaemon: build inputs archive: %w", err)
	}

	command := distproto.CompileCommand{
		Executable: req.CompilerPath,
		Arguments:  compiler.RewriteForPreprocessedInput(req.Arguments, req.Language),
		Cwd:        req.Cwd,
		Env:        req.Env,
	}

	jobReq := distproto.JobRequest{
		Command:       command,
		InputsArchive: inputsArchive,
		Outputs:       req.Outputs,
		Toolchain:     tc,
	}

	result, err := d.sendJob(ctx, workerAddr, jobReq)
	if err != nil {
		return CompileResult{}, fmt.Errorf("%w: %v", ErrWorkerUnavailable, err)
	}

	if result.Kind == distproto.JobResultNeedToolchain {
		result, err = d.retryWithToolchain(ctx, workerAddr, jobReq, strongKey)
		if err != nil {
			return CompileResult{}, err
		}
	}

	written, err := d.writeOutputs(req.Cwd, result.Complete.Outputs)
	if err != nil {
		return CompileResult{}, err
	}

	return CompileResult{
		CacheKey:     key,
		JobID:        jobID,
		Output:       result.Complete.Output,
		WrittenPaths: written,
	}, nil
}

// resolveToolchain implements spec.md §4.5 step 3 via
// toolchain.PutToolchain: weak-key hit reuses the recorded strong key;
// miss packages the compiler, inserts it into the local store, and
// durably records the new mapping.
func (d *Daemon) resolveToolchain(compilerPath, compilerDigest string) (string, error) {
	weakKey := toolchain.WeakKey(compilerPath, compilerDigest)
	strong, err := toolchain.PutToolchain(d.WeakMap, d.Store, weakKey, func() ([]byte, error) {
		return d.Packager.Package(compilerPath)
	})
	if err != nil {
		return "", fmt.Errorf("clientdaemon: resolve toolchain: %w", err)
	}
	return strong, nil
}

func (d *Daemon) allocate(ctx context.Context, tc distproto.Toolchain) (distproto.JobID, string, error) {
	conn, err := d.dial(ctx, d.SchedulerAddr)
	if err != nil {
		return 0, "", err
	}
	defer conn.Close()

	if err := conn.Send(distproto.JobAllocRequest{Toolchain: tc}); err != nil {
		return 0, "", err
	}
	var result distproto.JobAllocResult
	if err := conn.Receive(&result); err != nil {
		return 0, "", err
	}
	return result.JobID, result.WorkerAddr, nil
}

func (d *Daemon) sendJob(ctx context.Context, workerAddr string, req distproto.JobRequest) (distproto.JobResult, error) {
	conn, err := d.dial(ctx, workerAddr)
	if err != nil {
		return distproto.JobResult{}, err
	}
	defer conn.Close()

	if err := conn.Send(req); err != nil {
		return distproto.JobResult{}, err
	}
	var result distproto.JobResult
	if err := conn.Receive(&result); err != nil {
		return distproto.JobResult{}, err
	}
	return result, nil
}

// retryWithToolchain implements spec.md §4.5 step 8 / §7's NeedToolchain
// handling: reread the archive from the local store, resend the job once
// with toolchain_data populated, and treat a second NeedToolchain as
// fatal.
func (d *Daemon) retryWithToolchain(ctx context.Context, workerAddr string, jobReq distproto.JobRequest, strongKey string) (distproto.JobResult, error) {
	archive, err := toolchain.GetBytes(d.Store, strongKey)
	if err != nil {
		metrics.ObserveToolchainUpload("fatal_repeated")
		return distproto.JobResult{}, fmt.Errorf("clientdaemon: reread toolchain archive: %w", err)
	}
	jobReq.ToolchainData = archive

	result, err := d.sendJob(ctx, workerAddr, jobReq)
	if err != nil {
		metrics.ObserveToolchainUpload("fatal_repeated")
		return distproto.JobResult{}, fmt.Errorf("%w: %v", ErrWorkerUnavailable, err)
	}
	if result.Kind == distproto.JobResultNeedToolchain {
		metrics.ObserveToolchainUpload("fatal_repeated")
		return distproto.JobResult{}, ErrRepeatedNeedToolchain
	}
	metrics.ObserveToolchainUpload("resolved")
	return result, nil
}

func (d *Daemon) writeOutputs(cwd string, outputs []distproto.OutputFile) ([]string, error) {
	written := make([]string, 0, len(outputs))
	for _, of := range outputs {
		full := filepath.Join(cwd, of.Path)
		if err := d.writeFile(full, of.Bytes); err != nil {
			return nil, fmt.Errorf("clientdaemon: write output %s: %w", full, err)
		}
		written = append(written, full)
	}
	return written, nil
}

func toKeyderiverEnv(env []distproto.EnvVar) []keyderiver.EnvVar {
	out := make([]keyderiver.EnvVar, len(env))
	for i, kv := range env {
		out[i] = keyderiver.EnvVar{Name: kv.Name, Value: kv.Value}
	}
	return out
}
