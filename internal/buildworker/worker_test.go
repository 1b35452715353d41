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
	"context"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aidanhs/sccache/internal/container"
	"github.com/aidanhs/sccache/internal/distproto"
	"github.com/aidanhs/sccache/internal/toolchain"
)

// fakeRuntime is a function-field test double for ContainerRuntime,
// matching the ExecFunc-injection idiom
// mattcburns-shoal-provision/internal/provisioner/dispatcher.Config uses
// for its own subprocess boundary.
type fakeRuntime struct {
	mu sync.Mutex

	createCalls int
	createFn    func(image string, entrypoint ...string) (string, error)
	copyInFn    func(id, dest string, src io.Reader) error
	copyOutFn   func(id, src string) ([]byte, error)
	commitFn    func(id, name string) error
	runFn       func(image string, entrypoint ...string) (string, error)
	execFn      func(id, workdir string, env map[string]string, argv ...string) (int, []byte, []byte, error)
	diffFn      func(id string) ([]container.DiffEntry, error)
	removed     []string
}

func (f *fakeRuntime) Create(_ context.Context, image string, entrypoint ...string) (string, error) {
	f.mu.Lock()
	f.createCalls++
	f.mu.Unlock()
	if f.createFn != nil {
		return f.createFn(image, entrypoint...)
	}
	return "staging-container", nil
}

func (f *fakeRuntime) CopyIn(_ context.Context, id, dest string, src io.Reader) error {
	if f.copyInFn != nil {
		return f.copyInFn(id, dest, src)
	}
	_, err := io.Copy(io.Discard, src)
	return err
}

func (f *fakeRuntime) CopyOut(_ context.Context, id, src string) ([]byte, error) {
	if f.copyOutFn != nil {
		return f.copyOutFn(id, src)
	}
	return []byte("out:" + src), nil
}

func (f *fakeRuntime) Commit(_ context.Context, id, name string) error {
	if f.commitFn != nil {
		return f.commitFn(id, name)
	}
	return nil
}

func (f *fakeRuntime) Run(_ context.Context, image string, entrypoint ...string) (string, error) {
	if f.runFn != nil {
		return f.runFn(image, entrypoint...)
	}
	return "running-container", nil
}

func (f *fakeRuntime) Exec(_ context.Context, id, workdir string, env map[string]string, argv ...string) (int, []byte, []byte, error) {
	if f.execFn != nil {
		return f.execFn(id, workdir, env, argv...)
	}
	return 0, nil, nil, nil
}

func (f *fakeRuntime) Diff(_ context.Context, id string) ([]container.DiffEntry, error) {
	if f.diffFn != nil {
		return f.diffFn(id)
	}
	return nil, nil
}

func (f *fakeRuntime) RemoveForce(_ context.Context, id string) error {
	f.mu.Lock()
	f.removed = append(f.removed, id)
	f.mu.Unlock()
	return nil
}

func newTestStore(t *testing.T) toolchain.Store {
	t.Helper()
	s, err := toolchain.NewFSStore(t.TempDir(), toolchain.RoleServer, 16)
	require.NoError(t, err)
	return s
}

func tc(archiveID string) distproto.Toolchain {
	return distproto.Toolchain{ImageRef: "base:latest", ArchiveID: archiveID}
}

func TestProcessJobNeedToolchainWhenArchiveMissing(t *testing.T) {
	w := New(&fakeRuntime{}, newTestStore(t), nil, Config{})
	result, err := w.ProcessJob(context.Background(), distproto.JobRequest{Toolchain: tc("missing")})
	require.NoError(t, err)
	require.Equal(t, distproto.JobResultNeedToolchain, result.Kind)
}

func TestProcessJobInsertsUploadedToolchainThenSucceeds(t *testing.T) {
	store := newTestStore(t)
	w := New(&fakeRuntime{}, store, nil, Config{})

	req := distproto.JobRequest{
		Toolchain:     tc("arch1"),
		ToolchainData: []byte("archive-bytes"),
		Command:       distproto.CompileCommand{Executable: "cc", Cwd: "/work"},
	}
	result, err := w.ProcessJob(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, distproto.JobResultComplete, result.Kind)

	ok, err := store.Contains("arch1")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestProcessJobCollectsDeclaredOutputs(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, toolchain.InsertBytes(store, "arch1", []byte("x")))
	w := New(&fakeRuntime{}, store, nil, Config{})

	req := distproto.JobRequest{
		Toolchain: tc("arch1"),
		Command:   distproto.CompileCommand{Executable: "cc", Cwd: "/work"},
		Outputs:   []string{"a.o", "b.o"},
	}
	result, err := w.ProcessJob(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, result.Complete.Outputs, 2)
	require.Equal(t, "a.o", result.Complete.Outputs[0].Path)
	require.Equal(t, []byte("out:/work/a.o"), result.Complete.Outputs[0].Bytes)
}

// TestContainerRecyclingKeepsCleanContainer is property 7 from spec.md §8 /
// scenario-adjacent to S1/S2: a job that only adds files returns its
// container to the pool for reuse by the next job on the same toolchain.
func TestContainerRecyclingKeepsCleanContainer(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, toolchain.InsertBytes(store, "arch1", []byte("x")))

	rt := &fakeRuntime{
		diffFn: func(id string) ([]container.DiffEntry, error) {
			return []container.DiffEntry{{ChangeType: "A", Path: "/work/a.o"}}, nil
		},
	}
	w := New(rt, store, nil, Config{})

	req := distproto.JobRequest{Toolchain: tc("arch1"), Command: distproto.CompileCommand{Cwd: "/work"}}
	_, err := w.ProcessJob(context.Background(), req)
	require.NoError(t, err)

	// The staging container used to materialise the image is torn down,
	// but the job's own (running) container is recycled, not removed.
	require.NotContains(t, rt.removed, "running-container")
	id, ok := w.popFromPool(tc("arch1"))
	require.True(t, ok)
	require.Equal(t, "running-container", id)
}

// TestContainerDiscardedOnDirtyDiff is scenario S4 from spec.md §8: a diff
// containing a non-addition entry forces the container out of the pool.
func TestContainerDiscardedOnDirtyDiff(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, toolchain.InsertBytes(store, "arch1", []byte("x")))

	rt := &fakeRuntime{
		diffFn: func(id string) ([]container.DiffEntry, error) {
			return []container.DiffEntry{{ChangeType: "D", Path: "/opt/toolchain/lib.so"}}, nil
		},
	}
	w := New(rt, store, nil, Config{})

	req := distproto.JobRequest{Toolchain: tc("arch1"), Command: distproto.CompileCommand{Cwd: "/work"}}
	_, err := w.ProcessJob(context.Background(), req)
	require.NoError(t, err)

	require.Contains(t, rt.removed, "running-container")
	_, ok := w.popFromPool(tc("arch1"))
	require.False(t, ok, "dirty container must not return to the pool")
}

func TestPlanDeletionsSkipsChildrenOfDeletedParent(t *testing.T) {
	entries := []container.DiffEntry{
		{ChangeType: "A", Path: "/work/out"},
		{ChangeType: "A", Path: "/work/out/a.o"},
		{ChangeType: "A", Path: "/work/out/nested/b.o"},
		{ChangeType: "A", Path: "/work/other.txt"},
	}
	toDelete, dirty := planDeletions(entries)
	require.False(t, dirty)
	require.Equal(t, []string{"/work/other.txt", "/work/out"}, toDelete)
}

func TestPlanDeletionsDirtyOnNonAddition(t *testing.T) {
	entries := []container.DiffEntry{
		{ChangeType: "A", Path: "/work/out"},
		{ChangeType: "C", Path: "/etc/passwd"},
	}
	_, dirty := planDeletions(entries)
	require.True(t, dirty)
}

// TestImageMaterializationCoalesces covers spec.md §4.4's "concurrent
// requests for the same un-materialised image MUST coalesce so the work
// happens once".
func TestImageMaterializationCoalesces(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, toolchain.InsertBytes(store, "arch1", []byte("x")))

	rt := &fakeRuntime{}
	w := New(rt, store, nil, Config{})
	toolchainKey := tc("arch1")

	const n = 20
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := w.materializeImage(context.Background(), toolchainKey)
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Equal(t, 1, rt.createCalls, "image materialisation must coalesce to a single build")
}

func TestHandleAssignmentFeedsNextAssignedJobID(t *testing.T) {
	w := New(&fakeRuntime{}, newTestStore(t), nil, Config{})
	w.HandleAssignment(distproto.AllocAssignment{JobID: 7})

	id, err := w.nextAssignedJobID(context.Background())
	require.NoError(t, err)
	require.Equal(t, distproto.JobID(7), id)
}
