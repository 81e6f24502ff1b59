// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package export

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sentrymesh/sentryd/core"
	"github.com/sentrymesh/sentryd/lib/clock"
	"github.com/sentrymesh/sentryd/lib/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// collector reads everything written to conn until it closes or
// errors, accumulating bytes under a mutex so the test goroutine can
// poll it safely.
type collector struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	done chan struct{}
}

func newCollector(conn net.Conn) *collector {
	c := &collector{done: make(chan struct{})}
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				c.mu.Lock()
				c.buf.Write(buf[:n])
				c.mu.Unlock()
			}
			if err != nil {
				close(c.done)
				return
			}
		}
	}()
	return c
}

func (c *collector) contains(s string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Contains(c.buf.String(), s)
}

func (c *collector) waitUntilContains(t *testing.T, s string, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		if c.contains(s) {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %q in sink stream", s)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func newTestExporter(graph *core.Graph) (*Exporter, net.Conn, *collector) {
	cfg := config.Default().Export
	cfg.StatusInterval = "1h"
	cfg.ProgramStatusInterval = "1h"
	cfg.ConfigInterval = "1h"
	cfg.QueueCapacity = 64
	cfg.InstanceName = "test-instance"

	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	exp := New(graph, cfg, clk, testLogger())

	server, client := net.Pipe()
	exp.dial = func(network, address string) (net.Conn, error) {
		return client, nil
	}

	return exp, server, newCollector(server)
}

// TestExporterHelloAndGoodbyeFraming covers the transport lifecycle:
// open, HELLO, a batch of periodic records, GOODBYE, close.
func TestExporterHelloAndGoodbyeFraming(t *testing.T) {
	graph := core.NewGraph()
	graph.AddHost(&core.Host{Name: "web1", Alias: "web1"})
	graph.AddService(&core.Service{Name: "web1/http", Host: "web1", Alias: "http"})

	exp, _, sink := newTestExporter(graph)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		exp.Run(ctx)
		close(done)
	}()

	sink.waitUntilContains(t, "STARTDATADUMP", 2*time.Second)
	sink.waitUntilContains(t, "212:", 2*time.Second) // host status
	sink.waitUntilContains(t, "213:", 2*time.Second) // service status
	sink.waitUntilContains(t, "211:", 2*time.Second) // program status
	sink.waitUntilContains(t, "900:", 2*time.Second)
	sink.waitUntilContains(t, "400:", 2*time.Second)
	sink.waitUntilContains(t, "402:", 2*time.Second)
	sink.waitUntilContains(t, "901:", 2*time.Second)

	cancel()
	<-done
	<-sink.done

	if !sink.contains("GOODBYE") {
		t.Error("expected GOODBYE frame before the connection closed")
	}
	if !sink.contains("1000") {
		t.Error("expected end-of-data-dump typecode 1000 in the GOODBYE frame")
	}
}

// TestExporterConfigDumpDerivesGroupsFromMembership covers the
// derive-then-dump shape: group definitions come from walking each
// host's/service's Groups field, not a separately maintained table.
func TestExporterConfigDumpDerivesGroupsFromMembership(t *testing.T) {
	graph := core.NewGraph()
	graph.AddHost(&core.Host{Name: "web1", Alias: "web1", Groups: []string{"webservers"}})
	graph.AddHost(&core.Host{Name: "web2", Alias: "web2", Groups: []string{"webservers"}})

	exp, _, sink := newTestExporter(graph)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		exp.Run(ctx)
		close(done)
	}()

	sink.waitUntilContains(t, "401:", 2*time.Second)
	sink.waitUntilContains(t, "webservers", 2*time.Second)
	sink.waitUntilContains(t, "web1;web2", 2*time.Second)

	cancel()
	<-done
	<-sink.done
}
