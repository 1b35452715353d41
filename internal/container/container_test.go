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

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeCLI writes a tiny shell script standing in for the container runtime
// binary, so Runtime's argv-building and output-parsing can be exercised
// without a real container daemon.
func fakeCLI(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-runtime")
	script := "#!/bin/sh\n" + body
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestCreateTrimsOutput(t *testing.T) {
	bin := fakeCLI(t, `echo "  abc123  "`)
	r := New(bin)
	id, err := r.Create(context.Background(), "img:latest")
	require.NoError(t, err)
	require.Equal(t, "abc123", id)
}

func TestRunFailurePropagatesStderr(t *testing.T) {
	bin := fakeCLI(t, `echo "boom" 1>&2; exit 1`)
	r := New(bin)
	_, err := r.Run(context.Background(), "img:latest")
	require.Error(t, err)
	require.Contains(t, err.Error(), "boom")
}

func TestExecCapturesExitCodeWithoutError(t *testing.T) {
	bin := fakeCLI(t, `echo out; echo err 1>&2; exit 7`)
	r := New(bin)
	code, stdout, stderr, err := r.Exec(context.Background(), "c1", "", nil, "whatever")
	require.NoError(t, err)
	require.Equal(t, 7, code)
	require.Equal(t, "out\n", string(stdout))
	require.Equal(t, "err\n", string(stderr))
}

func TestExecPassesWorkdirAndEnvFlags(t *testing.T) {
	bin := fakeCLI(t, `echo "$@"`)
	r := New(bin)
	_, stdout, _, err := r.Exec(context.Background(), "c1", "/work", map[string]string{"FOO": "bar"}, "cc", "-c", "a.c")
	require.NoError(t, err)
	require.Contains(t, string(stdout), "-w /work")
	require.Contains(t, string(stdout), "-e FOO=bar")
	require.Contains(t, string(stdout), "c1 cc -c a.c")
}

func TestDiffParsesEntries(t *testing.T) {
	bin := fakeCLI(t, `printf 'A /opt/toolchain/new.so\nC /etc/hosts\nD /tmp/gone\n'`)
	r := New(bin)
	entries, err := r.Diff(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, []DiffEntry{
		{ChangeType: "A", Path: "/opt/toolchain/new.so"},
		{ChangeType: "C", Path: "/etc/hosts"},
		{ChangeType: "D", Path: "/tmp/gone"},
	}, entries)
}

func TestDiffEmptyOutputIsNoEntries(t *testing.T) {
	bin := fakeCLI(t, `true`)
	r := New(bin)
	entries, err := r.Diff(context.Background(), "c1")
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestDiffMalformedLineErrors(t *testing.T) {
	bin := fakeCLI(t, `echo "not-a-valid-line"`)
	r := New(bin)
	_, err := r.Diff(context.Background(), "c1")
	require.Error(t, err)
}

func TestCopyInStreamsStdin(t *testing.T) {
	bin := fakeCLI(t, `cat > /dev/null`)
	r := New(bin)
	err := r.CopyIn(context.Background(), "c1", "/", strings.NewReader("payload"))
	require.NoError(t, err)
}
