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

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aidanhs/sccache/internal/distproto"
	"github.com/aidanhs/sccache/internal/keyderiver"
	"github.com/aidanhs/sccache/internal/toolchain"
	"github.com/aidanhs/sccache/internal/wire"
)

// listenLoopback starts a TCP listener bound to an ephemeral loopback port
// and hands each accepted connection to handle, mirroring the real
// scheduler/worker accept loops closely enough to exercise Daemon's real
// dialTCP path.
func listenLoopback(t *testing.T, handle func(*wire.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go handle(wire.NewConn(nc))
		}
	}()
	return ln.Addr().String()
}

func newDaemon(t *testing.T, schedulerAddr string) (*Daemon, toolchain.Store) {
	t.Helper()
	store, err := toolchain.NewFSStore(t.TempDir(), toolchain.RoleClient, 16)
	require.NoError(t, err)
	weakMap, err := toolchain.LoadWeakMap(t.TempDir())
	require.NoError(t, err)
	packager := &toolchain.Packager{}
	return New(weakMap, store, packager, schedulerAddr, "base:latest", nil), store
}

func TestCompileHappyPathWritesOutputsAndDerivesKey(t *testing.T) {
	cwd := t.TempDir()

	strongKey := ""
	workerAddr := ""
	workerAddr = listenLoopback(t, func(c *wire.Conn) {
		defer c.Close()
		var req distproto.JobRequest
		require.NoError(t, c.Receive(&req))
		strongKey = req.Toolchain.ArchiveID
		require.NoError(t, c.Send(distproto.JobResult{
			Kind: distproto.JobResultComplete,
			Complete: distproto.JobComplete{
				Output: distproto.ProcessOutput{ExitCode: 0, Stdout: []byte("ok")},
				Outputs: []distproto.OutputFile{
					{Path: "a.o", Bytes: []byte("object-bytes")},
				},
			},
		}))
	})

	schedulerAddr := listenLoopback(t, func(c *wire.Conn) {
		defer c.Close()
		var areq distproto.JobAllocRequest
		require.NoError(t, c.Receive(&areq))
		require.NoError(t, c.Send(distproto.JobAllocResult{JobID: 42, WorkerAddr: workerAddr}))
	})

	d, store := newDaemon(t, schedulerAddr)

	compilerPath := filepath.Join(t.TempDir(), "cc")
	require.NoError(t, os.WriteFile(compilerPath, []byte("#!/bin/sh\necho cc\n"), 0o755))

	req := CompileRequest{
		CompilerPath:    compilerPath,
		CompilerDigest:  "digest123",
		Language:        keyderiver.LanguageC,
		Arguments:       []string{"-c", "a.c"},
		Preprocessed:    []byte("int main(){}"),
		Cwd:             cwd,
		SourceInputPath: "a.c",
		Outputs:         []string{"a.o"},
	}

	// Pre-seed the weak->strong map so packaging never runs — this test
	// only exercises allocation, job dispatch, and output writing.
	weakKey := toolchain.WeakKey(compilerPath, "digest123")
	seeded := toolchain.StrongKey([]byte("prepackaged-archive"))
	require.NoError(t, toolchain.InsertBytes(store, seeded, []byte("prepackaged-archive")))
	require.NoError(t, d.WeakMap.Record(weakKey, seeded))

	res, err := d.Compile(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, distproto.JobID(42), res.JobID)
	require.Equal(t, seeded, strongKey)
	require.Equal(t, 0, res.Output.ExitCode)
	require.Len(t, res.WrittenPaths, 1)

	written, err := os.ReadFile(filepath.Join(cwd, "a.o"))
	require.NoError(t, err)
	require.Equal(t, "object-bytes", string(written))

	expectedKey := keyderiver.Derive("digest123", keyderiver.LanguageC, []string{"-c", "a.c"}, nil, []byte("int main(){}"))
	require.Equal(t, expectedKey, res.CacheKey)
}

func TestCompileRetriesOnceWithToolchainThenFails(t *testing.T) {
	cwd := t.TempDir()
	var mu sync.Mutex
	requestsSeen := 0

	workerAddr := listenLoopback(t, func(c *wire.Conn) {
		defer c.Close()
		var req distproto.JobRequest
		require.NoError(t, c.Receive(&req))

		mu.Lock()
		requestsSeen++
		n := requestsSeen
		mu.Unlock()

		if n == 1 {
			require.Nil(t, req.ToolchainData)
			require.NoError(t, c.Send(distproto.JobResult{Kind: distproto.JobResultNeedToolchain}))
			return
		}
		require.NotNil(t, req.ToolchainData)
		require.NoError(t, c.Send(distproto.JobResult{Kind: distproto.JobResultNeedToolchain}))
	})

	schedulerAddr := listenLoopback(t, func(c *wire.Conn) {
		defer c.Close()
		var areq distproto.JobAllocRequest
		require.NoError(t, c.Receive(&areq))
		require.NoError(t, c.Send(distproto.JobAllocResult{JobID: 1, WorkerAddr: workerAddr}))
	})

	d, store := newDaemon(t, schedulerAddr)

	compilerPath := filepath.Join(t.TempDir(), "cc")
	require.NoError(t, os.WriteFile(compilerPath, []byte("#!/bin/sh\n"), 0o755))

	weakKey := toolchain.WeakKey(compilerPath, "digest123")
	seeded := toolchain.StrongKey([]byte("archive-bytes"))
	require.NoError(t, toolchain.InsertBytes(store, seeded, []byte("archive-bytes")))
	require.NoError(t, d.WeakMap.Record(weakKey, seeded))

	req := CompileRequest{
		CompilerPath:    compilerPath,
		CompilerDigest:  "digest123",
		Language:        keyderiver.LanguageC,
		Cwd:             cwd,
		SourceInputPath: "a.c",
		Preprocessed:    []byte("x"),
	}

	_, err := d.Compile(context.Background(), req)
	require.ErrorIs(t, err, ErrRepeatedNeedToolchain)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 2, requestsSeen)
}

func TestCompileWrapsSchedulerUnavailable(t *testing.T) {
	cwd := t.TempDir()
	d, store := newDaemon(t, "127.0.0.1:1") // nothing listening

	compilerPath := filepath.Join(t.TempDir(), "cc")
	require.NoError(t, os.WriteFile(compilerPath, []byte("#!/bin/sh\n"), 0o755))

	weakKey := toolchain.WeakKey(compilerPath, "digest123")
	seeded := toolchain.StrongKey([]byte("archive-bytes"))
	require.NoError(t, toolchain.InsertBytes(store, seeded, []byte("archive-bytes")))
	require.NoError(t, d.WeakMap.Record(weakKey, seeded))

	req := CompileRequest{
		CompilerPath:    compilerPath,
		CompilerDigest:  "digest123",
		Language:        keyderiver.LanguageC,
		Cwd:             cwd,
		SourceInputPath: "a.c",
		Preprocessed:    []byte("x"),
	}

	_, err := d.Compile(context.Background(), req)
	require.ErrorIs(t, err, ErrSchedulerUnavailable)
}

func TestResolveToolchainReusesWeakKeyWithoutPackaging(t *testing.T) {
	d, store := newDaemon(t, "unused:0")

	weakKey := toolchain.WeakKey("/usr/bin/cc", "digestABC")
	seeded := toolchain.StrongKey([]byte("already-packaged"))
	require.NoError(t, toolchain.InsertBytes(store, seeded, []byte("already-packaged")))
	require.NoError(t, d.WeakMap.Record(weakKey, seeded))

	strong, err := d.resolveToolchain("/usr/bin/cc", "digestABC")
	require.NoError(t, err)
	require.Equal(t, seeded, strong)
}
