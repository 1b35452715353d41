package container

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

// Package container wraps the container CLI verb set spec.md §6 requires:
// create, cp (both directions), commit, run -d, exec, diff, rm -f. It is a
// direct port of the Command::new("docker") call sites in
// original_source/src/dist/mod.rs (make_image, start_container,
// perform_build, finish_container); see DESIGN.md / SPEC_FULL.md §D3 for
// why this stays CLI-exec rather than an SDK client.

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// Runtime shells out to a container CLI binary (default "docker"; override
// via config.ContainerRuntime). Any runtime exposing the spec's verb set is
// acceptable — Podman, for instance, is a drop-in replacement.
type Runtime struct {
	Binary string
}

// New returns a Runtime shelling out to binary.
func New(binary string) *Runtime {
	return &Runtime{Binary: binary}
}

func (r *Runtime) run(ctx context.Context, stdin io.Reader, args ...string) (stdout []byte, err error) {
	cmd := exec.CommandContext(ctx, r.Binary, args...)
	if stdin != nil {
		cmd.Stdin = stdin
	}
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s %s: %w: %s", r.Binary, strings.Join(args, " "), err, errBuf.String())
	}
	return outBuf.Bytes(), nil
}

// Create runs `<runtime> create <image> <entrypoint...>` and returns the
// new (stopped) container's id.
func (r *Runtime) Create(ctx context.Context, image string, entrypoint ...string) (string, error) {
	out, err := r.run(ctx, nil, append([]string{"create", image}, entrypoint...)...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// CopyIn streams src into containerID's filesystem at destPath via
// `<runtime> cp - <containerID>:<destPath>` (tar stream on stdin).
func (r *Runtime) CopyIn(ctx context.Context, containerID, destPath string, src io.Reader) error {
	_, err := r.run(ctx, src, "cp", "-", fmt.Sprintf("%s:%s", containerID, destPath))
	return err
}

// CopyOut reads srcPath out of containerID via
// `<runtime> cp <containerID>:<srcPath> -`.
func (r *Runtime) CopyOut(ctx context.Context, containerID, srcPath string) ([]byte, error) {
	return r.run(ctx, nil, "cp", fmt.Sprintf("%s:%s", containerID, srcPath), "-")
}

// Commit commits containerID's current filesystem as a new named image.
func (r *Runtime) Commit(ctx context.Context, containerID, imageName string) error {
	_, err := r.run(ctx, nil, "commit", containerID, imageName)
	return err
}

// Run starts a detached container from image with the given entrypoint and
// returns its id (`<runtime> run -d <image> <entrypoint...>`).
func (r *Runtime) Run(ctx context.Context, image string, entrypoint ...string) (string, error) {
	out, err := r.run(ctx, nil, append([]string{"run", "-d", image}, entrypoint...)...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// Exec runs `<runtime> exec [-w WORKDIR] [-e NAME=VALUE]... <containerID>
// <argv...>` and returns the captured exit code, stdout, and stderr. A
// non-zero exit code is not itself an error — only a failure to launch the
// process is. An empty workdir omits -w and execs in the container's
// default directory.
func (r *Runtime) Exec(ctx context.Context, containerID, workdir string, env map[string]string, argv ...string) (exitCode int, stdout, stderr []byte, err error) {
	args := []string{"exec"}
	if workdir != "" {
		args = append(args, "-w", workdir)
	}
	for k, v := range env {
		args = append(args, "-e", k+"="+v)
	}
	args = append(args, containerID)
	args = append(args, argv...)

	cmd := exec.CommandContext(ctx, r.Binary, args...)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	runErr := cmd.Run()
	if runErr != nil {
		var exitErr *exec.ExitError
		if ok := asExitError(runErr, &exitErr); ok {
			return exitErr.ExitCode(), outBuf.Bytes(), errBuf.Bytes(), nil
		}
		return 0, nil, nil, fmt.Errorf("%s exec: %w", r.Binary, runErr)
	}
	return 0, outBuf.Bytes(), errBuf.Bytes(), nil
}

func asExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if !ok {
		return false
	}
	*target = ee
	return true
}

// DiffEntry is one line of `<runtime> diff <containerID>` output: a change
// type ("A" add, "C" change, "D" delete) and the affected path.
type DiffEntry struct {
	ChangeType string
	Path       string
}

// Diff returns containerID's filesystem diff since it started.
func (r *Runtime) Diff(ctx context.Context, containerID string) ([]DiffEntry, error) {
	out, err := r.run(ctx, nil, "diff", containerID)
	if err != nil {
		return nil, err
	}
	var entries []DiffEntry
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, " ", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("container: malformed diff line %q", line)
		}
		entries = append(entries, DiffEntry{ChangeType: parts[0], Path: parts[1]})
	}
	return entries, nil
}

// RemoveForce force-removes containerID (`<runtime> rm -f <containerID>`).
func (r *Runtime) RemoveForce(ctx context.Context, containerID string) error {
	_, err := r.run(ctx, nil, "rm", "-f", containerID)
	return err
}
