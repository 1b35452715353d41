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

import "errors"

// Sentinel errors from spec.md §7. Transport and process failures are
// surfaced to the caller wrapped around these with %w; NeedToolchain
// itself is not one of them — it's a protocol signal handled internally by
// the single retry in Compile.
var (
	// ErrSchedulerUnavailable wraps any transport failure reaching the
	// scheduler's allocation port. Fatal to the compile.
	ErrSchedulerUnavailable = errors.New("clientdaemon: scheduler unavailable")

	// ErrWorkerUnavailable wraps any transport failure reaching the
	// assigned build worker. Fatal to the compile.
	ErrWorkerUnavailable = errors.New("clientdaemon: worker unavailable")

	// ErrRepeatedNeedToolchain is returned when the worker still reports
	// NeedToolchain after the one permitted retry with toolchain_data
	// populated — spec.md §7: "Repeated NeedToolchain after upload is
	// fatal."
	ErrRepeatedNeedToolchain = errors.New("clientdaemon: worker requested toolchain twice")
)
