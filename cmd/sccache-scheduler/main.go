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

// Command sccache-scheduler runs the Scheduler role described in spec.md
// §4.3: it accepts persistent connections from build workers on
// SCHEDULER_SERVERS_PORT, one-shot allocation requests from client daemons
// on SCHEDULER_CLIENTS_PORT, and serves Prometheus metrics over HTTP.

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/aidanhs/sccache/internal/config"
	"github.com/aidanhs/sccache/internal/logging"
	"github.com/aidanhs/sccache/internal/metrics"
	"github.com/aidanhs/sccache/internal/scheduler"
)

var version = "dev"

func main() {
	var (
		serversPort  = flag.Int("servers-port", 0, "TCP port build workers connect to (0: use SCCACHE_DIST_SCHEDULER_SERVERS_PORT or the spec default)")
		clientsPort  = flag.Int("clients-port", 0, "TCP port client daemons connect to (0: use SCCACHE_DIST_SCHEDULER_CLIENTS_PORT or the spec default)")
		metricsAddr  = flag.String("metrics-addr", "", "Address for the Prometheus /metrics endpoint")
		printVersion = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *printVersion {
		fmt.Println(version)
		return
	}

	log := logging.New("scheduler")

	ports, err := config.LoadPorts()
	if err != nil {
		log.WithError(err).Fatal("load port configuration")
	}
	if *serversPort != 0 {
		ports.SchedulerServers = *serversPort
	}
	if *clientsPort != 0 {
		ports.SchedulerClients = *clientsPort
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sched := scheduler.New(log)

	workersLn, err := net.Listen("tcp", fmt.Sprintf(":%d", ports.SchedulerServers))
	if err != nil {
		log.WithError(err).Fatal("listen on servers port")
	}
	clientsLn, err := net.Listen("tcp", fmt.Sprintf(":%d", ports.SchedulerClients))
	if err != nil {
		log.WithError(err).Fatal("listen on clients port")
	}

	errCh := make(chan error, 3)
	go func() { errCh <- sched.ServeWorkers(ctx, workersLn) }()
	go func() { errCh <- sched.ServeClients(ctx, clientsLn) }()
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
		"servers_port": ports.SchedulerServers,
		"clients_port": ports.SchedulerClients,
	}).Info("scheduler listening")

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
