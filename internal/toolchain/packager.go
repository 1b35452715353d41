package toolchain

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

// Package toolchain implements toolchain packaging, content-addressed
// storage, and the weak→strong key map described in spec.md §4.2.

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// ErrPackaging wraps any failure packaging a compiler executable: the
// subprocess exiting non-zero, or its stdout not containing a parseable
// "creating <path>" line. Fatal to the compile that triggered it
// (spec.md §7: ToolchainPackaging).
type ErrPackaging struct {
	Err error
}

func (e *ErrPackaging) Error() string { return fmt.Sprintf("toolchain packaging failed: %v", e.Err) }
func (e *ErrPackaging) Unwrap() error { return e.Err }

// Packager produces a self-contained archive of a compiler executable and
// its runtime dependencies, suitable for unpacking into a container root.
type Packager struct {
	// Command is the packaging subprocess's binary, e.g.
	// "icecc-create-env" (the distilled source's choice). It must write its
	// output archive to a file and print a "creating <path>" line to
	// stdout naming that file.
	Command string
	// WorkDir is the directory the subprocess is run from (it writes its
	// archive relative to cwd); defaults to os.TempDir() if empty.
	WorkDir string
}

// Package runs the packager against executablePath and returns the
// resulting archive's bytes. The archive file is removed after it's read.
func (p *Packager) Package(executablePath string) ([]byte, error) {
	workDir := p.WorkDir
	if workDir == "" {
		workDir = os.TempDir()
	}

	cmd := exec.Command(p.Command, executablePath)
	cmd.Dir = workDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, &ErrPackaging{Err: fmt.Errorf("%s: %w: %s", p.Command, err, stderr.String())}
	}

	filename, err := parseCreatingLine(stdout.Bytes())
	if err != nil {
		return nil, &ErrPackaging{Err: err}
	}

	path := filename
	if !strings.HasPrefix(path, "/") {
		path = workDir + "/" + path
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ErrPackaging{Err: fmt.Errorf("read archive %s: %w", path, err)}
	}
	_ = os.Remove(path)
	return data, nil
}

// parseCreatingLine scans stdout for the packager's "creating <path>" line,
// matching original_source/src/compiler/c.rs's
// `line.starts_with(b"creating ")` search.
func parseCreatingLine(stdout []byte) (string, error) {
	scanner := bufio.NewScanner(bytes.NewReader(stdout))
	const prefix = "creating "
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(line, prefix)), nil
		}
	}
	return "", fmt.Errorf("no %q line found in packager output", prefix)
}
