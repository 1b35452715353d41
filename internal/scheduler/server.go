package scheduler

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
	"errors"
	"net"

	"github.com/aidanhs/sccache/internal/distproto"
	"github.com/aidanhs/sccache/internal/wire"
)

// ServeWorkers accepts the persistent worker connections on
// SCHEDULER_SERVERS_PORT. Each connection's first frame is a WorkerHello
// naming the worker's client-facing address; the connection then lives for
// the worker's lifetime, carrying only AllocAssignment pushes, until it
// errors or ctx is cancelled.
func (s *Scheduler) ServeWorkers(ctx context.Context, ln net.Listener) error {
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
		go s.handleWorkerConn(nc)
	}
}

func (s *Scheduler) handleWorkerConn(nc net.Conn) {
	conn := wire.NewConn(nc)
	var hello distproto.WorkerHello
	if err := conn.Receive(&hello); err != nil {
		if s.log != nil {
			s.log.WithError(err).Warn("worker connection dropped before hello")
		}
		_ = conn.Close()
		return
	}

	s.RegisterWorker(hello.Addr, conn)

	// The channel only ever carries pushes from scheduler to worker; read
	// here exists solely to detect the worker going away (EOF / reset).
	var discard [1]byte
	_, _ = nc.Read(discard[:])
	_ = conn.Close()
	s.RemoveWorker(hello.Addr)
}

// ServeClients accepts one-shot client allocation requests on
// SCHEDULER_CLIENTS_PORT: receive a JobAllocRequest, call Allocate, send
// back the JobAllocResult, close.
func (s *Scheduler) ServeClients(ctx context.Context, ln net.Listener) error {
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
		go s.handleClientConn(nc)
	}
}

func (s *Scheduler) handleClientConn(nc net.Conn) {
	defer nc.Close()
	conn := wire.NewConn(nc)

	var req distproto.JobAllocRequest
	if err := conn.Receive(&req); err != nil {
		if s.log != nil && !errors.Is(err, net.ErrClosed) {
			s.log.WithError(err).Warn("client allocation request malformed")
		}
		return
	}

	result, err := s.Allocate(req)
	if err != nil {
		if s.log != nil {
			s.log.WithError(err).Warn("allocation failed")
		}
		return
	}

	if err := conn.Send(result); err != nil && s.log != nil {
		s.log.WithError(err).Warn("failed to reply to client")
	}
}
