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
	"net"
	"time"

	"github.com/aidanhs/sccache/internal/distproto"
	"github.com/aidanhs/sccache/internal/metrics"
	"github.com/aidanhs/sccache/internal/wire"
)

// ServeScheduler dials the scheduler's SCHEDULER_SERVERS_PORT, announces
// listenAddr (the address clients should use to reach this worker's
// SERVER_CLIENTS_PORT), and then reads AllocAssignment frames off that
// connection until it errs or ctx is cancelled — spec.md §4.3's "persistent
// outbound channel", worker side.
func (w *Worker) ServeScheduler(ctx context.Context, schedulerAddr, listenAddr string) error {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", schedulerAddr)
	if err != nil {
		return err
	}
	conn := wire.NewConn(nc)
	defer conn.Close()

	if err := conn.Send(distproto.WorkerHello{Addr: listenAddr}); err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		var a distproto.AllocAssignment
		if err := conn.Receive(&a); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		w.HandleAssignment(a)
	}
}

// ServeClients accepts JobRequest connections on SERVER_CLIENTS_PORT,
// serving each synchronously per connection with bounded concurrency
// (spec.md §4.4: "serve synchronously per connection, many connections in
// parallel, bounded concurrency").
func (w *Worker) ServeClients(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go w.handleClientConn(ctx, nc)
	}
}

func (w *Worker) handleClientConn(ctx context.Context, nc net.Conn) {
	select {
	case w.sem <- struct{}{}:
	case <-ctx.Done():
		_ = nc.Close()
		return
	}
	defer func() { <-w.sem }()
	defer nc.Close()

	conn := wire.NewConn(nc)

	var req distproto.JobRequest
	if err := conn.Receive(&req); err != nil {
		if w.log != nil {
			w.log.WithError(err).Warn("malformed job request")
		}
		return
	}

	// Correlate this connection with the scheduler's push, per spec.md §9:
	// the client and scheduler race to reach the worker, so the worker
	// must have buffered (or must now wait for) the matching assignment.
	jobID, err := w.nextAssignedJobID(ctx)
	if err != nil {
		return
	}
	logEntry := w.log
	if logEntry != nil {
		logEntry = logEntry.WithField("job_id", jobID)
	}

	start := time.Now()
	result, err := w.ProcessJob(ctx, req)
	metrics.ObserveJobServed(jobOutcomeLabel(result, err), time.Since(start))
	if err != nil {
		if logEntry != nil {
			logEntry.WithError(err).Error("job processing failed")
		}
		return
	}

	if err := conn.Send(result); err != nil && logEntry != nil {
		logEntry.WithError(err).Warn("failed to reply to client")
	}
}
