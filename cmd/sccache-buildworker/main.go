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

// Command sccache-buildworker runs the BuildWorker role described in
// spec.md §4.4: it dials the scheduler's persistent worker channel,
// executes allocated compile jobs inside recycled containers, and serves
// job requests from client daemons on SERVER_CLIENTS_PORT.

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/aidanhs/sccache/internal/buildworker"
	"github.com/aidanhs/sccache/internal/config"
	"github.com/aidanhs/sccache/internal/container"
	"github.com/aidanhs/sccache/internal/logging"
	"github.com/aidanhs/sccache/internal/metrics"
	"github.com/aidanhs/sccache/internal/toolchain"
)

var version = "dev"

func main() {
	var (
		schedulerAddr   = flag.String("scheduler-addr", "", "host:port of the scheduler's worker-facing port (required)")
		advertiseAddr   = flag.String("advertise-addr", "", "host:port clients should use to reach this worker (required)")
		clientsPort     = flag.Int("clients-port", 0, "TCP port client daemons connect to (0: use SCCACHE_DIST_SERVER_CLIENTS_PORT or the spec default)")
		storeDir        = flag.String("store-dir", "/var/lib/sccache-dist/toolchains", "Directory for the content-addressed toolchain archive store")
		maxIndexEntries = flag.Int("max-index-entries", 1024, "Maximum number of keys in the toolchain store's in-memory recently-used index (archives on disk are not evicted)")
		metricsAddr     = flag.String("metrics-addr", "", "Address for the Prometheus /metrics endpoint")
		printVersion    = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *printVersion {
		fmt.Println(version)
		return
	}
	if *schedulerAddr == "" || *advertiseAddr == "" {
		fmt.Fprintln(os.Stderr, "sccache-buildworker: -scheduler-addr and -advertise-addr are required")
		os.Exit(2)
	}

	log := logging.New("buildworker")

	ports, err := config.LoadPorts()
	if err != nil {
		log.WithError(err).Fatal("load port configuration")
	}
	if *clientsPort != 0 {
		ports.ServerClients = *clientsPort
	}

	store, err := toolchain.NewFSStore(*storeDir, toolchain.RoleServer, *maxIndexEntries)
	if err != nil {
		log.WithError(err).Fatal("open toolchain store")
	}

	runtime := container.New(config.ContainerRuntime())
	worker := buildworker.New(runtime, store, log, buildworker.Config{
		MaxConcurrentJobs: config.MaxConcurrentJobs(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clientsLn, err := net.Listen("tcp", fmt.Sprintf(":%d", ports.ServerClients))
	if err != nil {
		log.WithError(err).Fatal("listen on clients port")
	}

	errCh := make(chan error, 3)
	go func() { errCh <- worker.ServeScheduler(ctx, *schedulerAddr, *advertiseAddr) }()
	go func() { errCh <- worker.ServeClients(ctx, clientsLn) }()
	go func() {
		addr := config.MetricsAddr(*metricsAddr)
		if addr == "" {
			errCh <- nil
			return
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		errCh <- http.ListenAndServe(addr, mux)
	}()

	log.WithFields(map[string]any{
		"scheduler_addr": *schedulerAddr,
		"advertise_addr": *advertiseAddr,
		"clients_port":   ports.ServerClients,
	}).Info("build worker listening")

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			log.WithError(err).Error("server exited")
			os.Exit(1)
		}
	}
}
