// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package export

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/sentrymesh/sentryd/core"
	"github.com/sentrymesh/sentryd/lib/clock"
	"github.com/sentrymesh/sentryd/lib/config"
)

// dialFunc abstracts net.Dial so tests can substitute an in-memory
// listener without a real socket.
type dialFunc func(network, address string) (net.Conn, error)

// Exporter drives the status/config exporter's three timers and the
// persistent, reconnecting connection to the status sink. Record
// building reads the Graph without ever blocking the delegation
// engine's event loop; Exporter owns no Graph mutation rights.
type Exporter struct {
	graph  *core.Graph
	clock  clock.Clock
	logger *slog.Logger
	dial   dialFunc

	address      string
	instanceName string

	statusInterval        time.Duration
	programStatusInterval time.Duration
	configInterval        time.Duration

	initialBackoff time.Duration
	maxBackoff     time.Duration

	queue *outboundQueue
}

// New constructs an Exporter from configuration. The running
// process's PID is read from graph.Program() when building
// program-status records, not passed here.
func New(graph *core.Graph, cfg config.ExportConfig, clk clock.Clock, logger *slog.Logger) *Exporter {
	return &Exporter{
		graph:                 graph,
		clock:                 clk,
		logger:                logger,
		dial:                  net.Dial,
		address:               net.JoinHostPort(cfg.SocketAddress, strconv.Itoa(cfg.SocketPort)),
		instanceName:          cfg.InstanceName,
		statusInterval:        config.Duration(cfg.StatusInterval),
		programStatusInterval: config.Duration(cfg.ProgramStatusInterval),
		configInterval:        config.Duration(cfg.ConfigInterval),
		initialBackoff:        config.Duration(cfg.ReconnectInitialBackoff),
		maxBackoff:            config.Duration(cfg.ReconnectMaxBackoff),
		queue:                 newOutboundQueue(cfg.QueueCapacity),
	}
}

// Run starts the connection goroutine, serves the three timers from
// its own select loop, and blocks until ctx is cancelled. On
// cancellation it stops the timers and lets the connection goroutine
// send GOODBYE and close.
func (e *Exporter) Run(ctx context.Context) {
	statusTicker := e.clock.NewTicker(e.statusInterval)
	programTicker := e.clock.NewTicker(e.programStatusInterval)
	configTicker := e.clock.NewTicker(e.configInterval)
	defer statusTicker.Stop()
	defer programTicker.Stop()
	defer configTicker.Stop()

	connDone := make(chan struct{})
	go func() {
		e.runConnection(ctx)
		close(connDone)
	}()

	// Every timer fires once immediately, matching the original
	// exporter's startup behavior of dumping state as soon as it has
	// a connection rather than waiting a full period.
	e.dumpStatus(ctx)
	e.dumpProgramStatus(ctx)
	e.dumpConfig(ctx)

	for {
		select {
		case <-ctx.Done():
			<-connDone
			return
		case <-statusTicker.C:
			e.dumpStatus(ctx)
		case <-programTicker.C:
			e.dumpProgramStatus(ctx)
		case <-configTicker.C:
			e.dumpConfig(ctx)
		}
	}
}

// dumpStatus builds and enqueues a status record for every host and
// service in the graph.
func (e *Exporter) dumpStatus(ctx context.Context) {
	if err := e.graph.TryRLock(); err != nil {
		e.logger.Warn("status dump skipped, graph reloading", "error", err)
		return
	}
	hosts := e.graph.Hosts()
	services := e.graph.Services()
	e.graph.TryRUnlock()

	now := e.clock.Now()
	for _, h := range hosts {
		e.enqueue(ctx, hostStatusRecord(h, now))
	}
	for _, s := range services {
		e.enqueue(ctx, serviceStatusRecord(s, now))
	}
}

// dumpProgramStatus builds and enqueues the single program-wide
// status record.
func (e *Exporter) dumpProgramStatus(ctx context.Context) {
	now := e.clock.Now()
	e.enqueue(ctx, programStatusRecord(e.graph.Program(), now))
}

// dumpConfig builds and enqueues a full host/service/group config
// dump, bracketed by start/end sentinels. Long computations yield
// between records by virtue of each record being a separate,
// independently blocking Push onto the queue.
func (e *Exporter) dumpConfig(ctx context.Context) {
	if err := e.graph.TryRLock(); err != nil {
		e.logger.Warn("config dump skipped, graph reloading", "error", err)
		return
	}
	hosts := e.graph.Hosts()
	hostGroups := e.graph.HostGroups()
	services := e.graph.Services()
	serviceGroups := e.graph.ServiceGroups()
	e.graph.TryRUnlock()

	now := e.clock.Now()
	e.enqueue(ctx, startConfigDumpRecord(now))
	for _, h := range hosts {
		e.enqueue(ctx, hostDefinitionRecord(h, now))
	}
	for _, hg := range hostGroups {
		e.enqueue(ctx, hostGroupDefinitionRecord(hg, now))
	}
	for _, s := range services {
		e.enqueue(ctx, serviceDefinitionRecord(s, now))
	}
	for _, sg := range serviceGroups {
		e.enqueue(ctx, serviceGroupDefinitionRecord(sg, now))
	}
	e.enqueue(ctx, endConfigDumpRecord(now))
}

func (e *Exporter) enqueue(ctx context.Context, record []byte) {
	if err := e.queue.Push(ctx, record); err != nil {
		e.logger.Warn("record dropped, exporter shutting down", "error", err)
	}
}

// runConnection owns the persistent sink connection: dial, HELLO,
// drain the queue until the connection fails or ctx is cancelled,
// GOODBYE, close, reconnect with exponential backoff. Grounded on the
// telemetry relay's runShipper loop, with HELLO/GOODBYE bracketing in
// place of the relay's bare request/response calls.
func (e *Exporter) runConnection(ctx context.Context) {
	backoff := e.initialBackoff

	for {
		conn, err := e.dial("tcp", e.address)
		if err != nil {
			e.logger.Warn("status sink connect failed, will retry",
				"address", e.address, "error", err, "backoff", backoff)
			select {
			case <-e.clock.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff = nextBackoff(backoff, e.maxBackoff)
			continue
		}

		e.logger.Info("status sink connected", "address", e.address)
		backoff = e.initialBackoff

		if _, err := conn.Write(helloPreamble(e.instanceName, e.clock.Now())); err != nil {
			e.logger.Warn("status sink HELLO write failed", "error", err)
			conn.Close()
			continue
		}

		closed := e.drain(ctx, conn)
		if ctx.Err() != nil {
			if !closed {
				e.finalDrain(conn)
				conn.Write(goodbyeFrame(e.clock.Now()))
			}
			conn.Close()
			return
		}
		conn.Close()
	}
}

// finalDrain makes one best-effort pass over whatever records are
// already queued before sending GOODBYE, mirroring the telemetry
// relay's post-shutdown drainBuffer pass. By the time this runs, Run
// has stopped all three timers, so the queue can only shrink.
func (e *Exporter) finalDrain(conn net.Conn) {
	for {
		data := e.queue.Peek()
		if data == nil {
			return
		}
		if _, err := conn.Write(data); err != nil {
			e.logger.Warn("final drain: write failed, abandoning remaining", "error", err, "remaining", e.queue.Len())
			return
		}
		e.queue.Pop()
	}
}

// drain writes queued records to conn until a write fails or ctx is
// cancelled. Returns true if it stopped because the connection was
// already unusable (so the caller should not attempt a GOODBYE
// write), false if it stopped cleanly on cancellation.
func (e *Exporter) drain(ctx context.Context, conn net.Conn) bool {
	for {
		select {
		case <-e.queue.Notify():
		case <-ctx.Done():
			return false
		}

		for {
			data := e.queue.Peek()
			if data == nil {
				break
			}
			if _, err := conn.Write(data); err != nil {
				e.logger.Warn("status sink write failed, reconnecting", "error", err)
				return true
			}
			e.queue.Pop()
			if ctx.Err() != nil {
				return false
			}
		}
	}
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}
