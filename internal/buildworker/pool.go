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

// Package buildworker implements the BuildWorker role from spec.md §4.4: it
// accepts AllocAssignment pushes from the scheduler, serves JobRequests on
// a client-facing port, and executes compiles inside recycled containers.
//
// Grounded on original_source/src/dist/mod.rs's SccacheBuilder and
// SccacheDaemonServer (make_image / start_container / perform_build /
// finish_container), with the Config/ExecFunc injection idiom carried over
// from mattcburns-shoal-provision/internal/provisioner/dispatcher.

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/aidanhs/sccache/internal/container"
	"github.com/aidanhs/sccache/internal/distproto"
	"github.com/aidanhs/sccache/internal/metrics"
	"github.com/aidanhs/sccache/internal/toolchain"
)

// toolchainImageName returns the name the worker commits a materialised
// toolchain image under. Namespacing by archive id means re-materialising
// the same toolchain after a restart reuses whatever the container runtime
// still has cached locally.
func toolchainImageName(tc distproto.Toolchain) string {
	return "sccache-dist-toolchain-" + tc.ArchiveID
}

// getContainer returns a container ready to serve a job for tc: a recycled
// one from the pool if available, otherwise a fresh one started from the
// (possibly just-materialised) toolchain image.
func (w *Worker) getContainer(ctx context.Context, tc distproto.Toolchain) (string, error) {
	if id, ok := w.popFromPool(tc); ok {
		return id, nil
	}
	image, err := w.materializeImage(ctx, tc)
	if err != nil {
		return "", fmt.Errorf("buildworker: materialise image: %w", err)
	}
	id, err := w.runtime.Run(ctx, image, w.initEntrypoint...)
	if err != nil {
		return "", fmt.Errorf("buildworker: start container: %w", err)
	}
	return id, nil
}

// materializeImage builds (or reuses) the named image for tc. Concurrent
// callers for the same un-materialised toolchain coalesce onto one build,
// per spec.md §4.4: "concurrent requests for the same un-materialised
// image MUST coalesce so the work happens once". The coalescing shape
// mirrors internal/toolchain.FSStore's writing-map pattern.
func (w *Worker) materializeImage(ctx context.Context, tc distproto.Toolchain) (string, error) {
	w.imagesMu.Lock()
	if name, ok := w.images[tc]; ok {
		w.imagesMu.Unlock()
		return name, nil
	}
	if done, building := w.building[tc]; building {
		w.imagesMu.Unlock()
		<-done
		w.imagesMu.Lock()
		name, ok := w.images[tc]
		w.imagesMu.Unlock()
		if !ok {
			return "", fmt.Errorf("buildworker: image materialisation failed for %s", tc.ArchiveID)
		}
		return name, nil
	}
	done := make(chan struct{})
	w.building[tc] = done
	w.imagesMu.Unlock()

	name, err := w.doMaterializeImage(ctx, tc)

	w.imagesMu.Lock()
	if err == nil {
		w.images[tc] = name
	}
	delete(w.building, tc)
	w.imagesMu.Unlock()
	close(done)

	if err != nil {
		return "", err
	}
	metrics.ObserveImageBuilt()
	return name, nil
}

// doMaterializeImage creates a stopped container from tc.ImageRef, copies
// the packaged toolchain archive into its filesystem root, commits it as a
// named image, and deletes the stopped container — spec.md §4.4's "Image
// materialisation" algorithm verbatim.
func (w *Worker) doMaterializeImage(ctx context.Context, tc distproto.Toolchain) (string, error) {
	containerID, err := w.runtime.Create(ctx, tc.ImageRef)
	if err != nil {
		return "", fmt.Errorf("create: %w", err)
	}

	archive, err := toolchain.GetBytes(w.store, tc.ArchiveID)
	if err != nil {
		_ = w.runtime.RemoveForce(ctx, containerID)
		return "", fmt.Errorf("read toolchain archive: %w", err)
	}
	if err := w.runtime.CopyIn(ctx, containerID, "/", bytes.NewReader(archive)); err != nil {
		_ = w.runtime.RemoveForce(ctx, containerID)
		return "", fmt.Errorf("copy toolchain into container: %w", err)
	}

	imageName := toolchainImageName(tc)
	if err := w.runtime.Commit(ctx, containerID, imageName); err != nil {
		_ = w.runtime.RemoveForce(ctx, containerID)
		return "", fmt.Errorf("commit image: %w", err)
	}
	if err := w.runtime.RemoveForce(ctx, containerID); err != nil {
		return "", fmt.Errorf("remove staging container: %w", err)
	}
	return imageName, nil
}

func (w *Worker) popFromPool(tc distproto.Toolchain) (string, bool) {
	w.poolMu.Lock()
	defer w.poolMu.Unlock()
	ids := w.pool[tc]
	if len(ids) == 0 {
		return "", false
	}
	id := ids[len(ids)-1]
	w.pool[tc] = ids[:len(ids)-1]
	return id, true
}

func (w *Worker) pushToPool(tc distproto.Toolchain, containerID string) {
	w.poolMu.Lock()
	defer w.poolMu.Unlock()
	w.pool[tc] = append(w.pool[tc], containerID)
}

// recycleOrDiscard implements spec.md §4.4's "Container recycling": kill
// every process but init, inspect the filesystem diff, and either return
// the container to tc's pool (diff contains only additions, which are
// undone) or force-remove it (any other change type present).
func (w *Worker) recycleOrDiscard(ctx context.Context, tc distproto.Toolchain, containerID string) {
	if _, _, _, err := w.runtime.Exec(ctx, containerID, "", nil, w.killNonInit...); err != nil {
		w.discard(ctx, containerID)
		return
	}

	diff, err := w.runtime.Diff(ctx, containerID)
	if err != nil {
		w.discard(ctx, containerID)
		return
	}

	toDelete, dirty := planDeletions(diff)
	if dirty {
		w.discard(ctx, containerID)
		return
	}
	for _, p := range toDelete {
		if _, _, _, err := w.runtime.Exec(ctx, containerID, "", nil, "rm", "-rf", p); err != nil {
			w.discard(ctx, containerID)
			return
		}
	}

	w.pushToPool(tc, containerID)
	metrics.ObserveContainerOutcome("recycled")
}

func (w *Worker) discard(ctx context.Context, containerID string) {
	_ = w.runtime.RemoveForce(ctx, containerID)
	metrics.ObserveContainerOutcome("discarded")
}

// planDeletions implements spec.md §4.4 step 2's pruning rule: if every
// diff entry is an addition, return the paths to delete, skipping any
// entry that is a prefix-extension of a path already scheduled for
// deletion (removing a directory already removes what's under it). If any
// entry is not an addition, the container is dirty (spec.md §7
// ContainerDirty) and must be force-removed wholesale — no partial
// deletion list is produced.
func planDeletions(entries []container.DiffEntry) (toDelete []string, dirty bool) {
	for _, e := range entries {
		if e.ChangeType != "A" {
			return nil, true
		}
	}

	sorted := make([]container.DiffEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	var lastDeleted string
	for _, e := range sorted {
		if lastDeleted != "" && strings.HasPrefix(e.Path, lastDeleted+"/") {
			continue
		}
		toDelete = append(toDelete, e.Path)
		lastDeleted = e.Path
	}
	return toDelete, false
}
