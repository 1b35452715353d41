package distproto

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

// Package distproto defines the data types that cross the wire between the
// client daemon, the scheduler, and build workers. Every exported type here
// is gob-encoded by internal/wire, so field names and types are part of the
// protocol: changing them changes what a mixed-version deployment can talk
// to.

import "time"

// Toolchain identifies an executable environment: a container image plus
// the content hash of the packaged compiler archive. Equality is structural
// and it is immutable after construction.
type Toolchain struct {
	ImageRef  string
	ArchiveID string
}

// JobID is allocated by the Scheduler and is unique within one scheduler
// lifetime. Schedulers restart at zero; clients must not assume IDs are
// unique across restarts.
type JobID uint64

// ProcessOutput mirrors os/exec's Output but only ever carries an exit code,
// never signal information (spec Non-goals: no signal-accurate status).
type ProcessOutput struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// CompileCommand is the literal invocation a build worker executes inside a
// container: binary, arguments, working directory, and environment.
type CompileCommand struct {
	Executable string
	Arguments  []string
	Cwd        string
	Env        []EnvVar
}

// EnvVar is (name, value); a slice rather than a map to preserve the
// iteration order the distilled source's hash_key depends on.
type EnvVar struct {
	Name  string
	Value string
}

// JobAllocRequest is sent by a ClientDaemon to the Scheduler.
type JobAllocRequest struct {
	Toolchain Toolchain
}

// JobAllocResult is the Scheduler's reply: the job id it reserved and the
// worker address the client must now send the JobRequest to.
type JobAllocResult struct {
	JobID      JobID
	WorkerAddr string
}

// AllocAssignment is pushed by the Scheduler down a worker's persistent
// channel ahead of (racing with) the client's connection to that worker.
type AllocAssignment struct {
	JobID JobID
}

// JobRequest is sent by a ClientDaemon to a BuildWorker.
type JobRequest struct {
	Command       CompileCommand
	InputsArchive []byte
	Outputs       []string
	Toolchain     Toolchain
	// ToolchainData is nil unless the client is resending after a
	// NeedToolchain reply.
	ToolchainData []byte
}

// OutputFile is one collected output, its path relative to the command's
// cwd and its raw bytes.
type OutputFile struct {
	Path  string
	Bytes []byte
}

// JobComplete is the successful-compile payload of a JobResult.
type JobComplete struct {
	Output  ProcessOutput
	Outputs []OutputFile
}

// JobResultKind discriminates the two JobResult variants on the wire, since
// gob has no native sum type.
type JobResultKind uint8

const (
	JobResultComplete JobResultKind = iota
	JobResultNeedToolchain
)

// JobResult is the BuildWorker's reply to a JobRequest: either the job ran
// (Complete populated) or the worker needs the toolchain archive resent
// (Kind == JobResultNeedToolchain, Complete zero).
type JobResult struct {
	Kind     JobResultKind
	Complete JobComplete
}

// JobState is the scheduler-side lifecycle of one allocated job.
type JobState int

const (
	JobAllocRequested JobState = iota
	JobAllocSuccess
	JobStarted
	JobCompleted
	JobFailed
)

func (s JobState) String() string {
	switch s {
	case JobAllocRequested:
		return "AllocRequested"
	case JobAllocSuccess:
		return "AllocSuccess"
	case JobStarted:
		return "JobStarted"
	case JobCompleted:
		return "JobCompleted"
	case JobFailed:
		return "JobFailed"
	default:
		return "Unknown"
	}
}

// JobStatus is one entry in the scheduler's job table / finished-job ring.
type JobStatus struct {
	JobID      JobID
	State      JobState
	WorkerAddr string
	Toolchain  Toolchain
	UpdatedAt  time.Time
}

// WorkerHello is the first frame a BuildWorker sends on the persistent
// channel it opens to the Scheduler's SCHEDULER_SERVERS_PORT. The ephemeral
// TCP source address of that connection isn't where clients should send
// job requests, so the worker announces its own client-facing listen
// address explicitly.
type WorkerHello struct {
	Addr string
}
