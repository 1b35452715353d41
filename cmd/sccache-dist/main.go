package main

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

// Command sccache-dist runs the ClientDaemon role described in spec.md
// §4.5. The compiler-specific preprocessor invocation is, per spec.md §1,
// an external collaborator: this binary does not invoke a compiler's
// preprocessor itself. Instead it reads the collaborator's output — the
// (language, arguments, preprocessed bytes, compiler digest, environment,
// outputs) tuple — from a JSON request file, the way
// mattcburns-shoal-provision/cmd/provisioner-dispatcher reads its
// recipe.json from a mounted task ISO rather than constructing one itself.

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/aidanhs/sccache/internal/clientdaemon"
	"github.com/aidanhs/sccache/internal/config"
	"github.com/aidanhs/sccache/internal/distproto"
	"github.com/aidanhs/sccache/internal/keyderiver"
	"github.com/aidanhs/sccache/internal/logging"
	"github.com/aidanhs/sccache/internal/toolchain"
)

var version = "dev"

// requestFile is the on-disk shape of one collaborator-provided compile
// request. PreprocessedPath points at the raw preprocessor output bytes
// rather than embedding them, so large translation units don't have to be
// base64-inflated into the JSON.
type requestFile struct {
	CompilerPath     string   `json:"compiler_path"`
	CompilerDigest   string   `json:"compiler_digest"`
	Language         string   `json:"language"`
	Arguments        []string `json:"arguments"`
	Env              []envVar `json:"env"`
	PreprocessedPath string   `json:"preprocessed_path"`
	Cwd              string   `json:"cwd"`
	SourceInputPath  string   `json:"source_input_path"`
	Outputs          []string `json:"outputs"`
}

type envVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func main() {
	var (
		schedulerAddr   = flag.String("scheduler-addr", "", "host:port of the scheduler's client-facing port (required)")
		imageRef        = flag.String("image-ref", "", "Base container image build workers start a compile from (required)")
		requestPath     = flag.String("request", "", "Path to a JSON compile request from the preprocessor collaborator (required)")
		packagerCommand = flag.String("packager-command", "icecc-create-env", "Toolchain packaging subprocess binary")
		logLevel        = flag.String("log-level", "info", "unused placeholder kept for parity with LOG_LEVEL; set LOG_LEVEL directly")
		printVersion    = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()
	_ = *logLevel

	if *printVersion {
		fmt.Println(version)
		return
	}
	if *schedulerAddr == "" || *imageRef == "" || *requestPath == "" {
		fmt.Fprintln(os.Stderr, "sccache-dist: -scheduler-addr, -image-ref, and -request are required")
		os.Exit(2)
	}

	log := logging.New("clientdaemon")

	req, err := loadRequest(*requestPath)
	if err != nil {
		log.WithError(err).Fatal("load compile request")
	}

	clientDir, err := config.ClientConfigDir()
	if err != nil {
		log.WithError(err).Fatal("resolve client config dir")
	}
	weakMap, err := toolchain.LoadWeakMap(clientDir)
	if err != nil {
		log.WithError(err).Fatal("load weak map")
	}
	store, err := toolchain.NewFSStore(clientDir+"/archives", toolchain.RoleClient, 256)
	if err != nil {
		log.WithError(err).Fatal("open toolchain store")
	}
	packager := &toolchain.Packager{Command: *packagerCommand}

	daemon := clientdaemon.New(weakMap, store, packager, *schedulerAddr, *imageRef, log)

	result, err := daemon.Compile(context.Background(), req)
	if err != nil {
		log.WithError(err).Error("compile failed")
		os.Exit(1)
	}

	log.WithFields(map[string]any{
		"cache_key":     result.CacheKey,
		"job_id":        result.JobID,
		"exit_code":     result.Output.ExitCode,
		"written_paths": result.WrittenPaths,
	}).Info("compile complete")

	os.Stdout.Write(result.Output.Stdout)
	os.Stderr.Write(result.Output.Stderr)
	os.Exit(result.Output.ExitCode)
}

func loadRequest(path string) (clientdaemon.CompileRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return clientdaemon.CompileRequest{}, err
	}
	var rf requestFile
	if err := json.Unmarshal(data, &rf); err != nil {
		return clientdaemon.CompileRequest{}, fmt.Errorf("parse request file: %w", err)
	}

	preprocessed, err := os.ReadFile(rf.PreprocessedPath)
	if err != nil {
		return clientdaemon.CompileRequest{}, fmt.Errorf("read preprocessed input: %w", err)
	}

	env := make([]distproto.EnvVar, len(rf.Env))
	for i, kv := range rf.Env {
		env[i] = distproto.EnvVar{Name: kv.Name, Value: kv.Value}
	}

	return clientdaemon.CompileRequest{
		CompilerPath:    rf.CompilerPath,
		CompilerDigest:  rf.CompilerDigest,
		Language:        keyderiver.Language(rf.Language),
		Arguments:       rf.Arguments,
		Env:             env,
		Preprocessed:    preprocessed,
		Cwd:             rf.Cwd,
		SourceInputPath: rf.SourceInputPath,
		Outputs:         rf.Outputs,
	}, nil
}
