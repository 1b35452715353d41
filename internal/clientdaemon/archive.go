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
	"archive/tar"
	"bytes"
	"path/filepath"
	"strings"
)

// buildInputsArchive produces the single-entry tar archive spec.md §3's
// invariant describes: "exactly one entry whose path equals
// CompileCommand.cwd joined with the source input, minus the filesystem
// root." A BuildWorker unpacks this directly into the container's
// filesystem root, so the entry's name is the full path with only its
// leading separator stripped (tar entries are conventionally relative).
func buildInputsArchive(cwd, sourceInput string, preprocessed []byte) ([]byte, error) {
	full := filepath.Join(cwd, sourceInput)
	entryName := strings.TrimPrefix(full, string(filepath.Separator))

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name: entryName,
		Mode: 0o644,
		Size: int64(len(preprocessed)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return nil, err
	}
	if _, err := tw.Write(preprocessed); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
