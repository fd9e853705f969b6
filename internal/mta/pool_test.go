package mta

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeSMTPServer serves each connection in its own goroutine and speaks just
// enough of the protocol for smtp.NewClient/Hello to succeed: a 220 banner,
// 354 to DATA, 221 to QUIT and 250 to any other command (EHLO, MAIL, RCPT,
// RSET), with no extensions advertised so STARTTLS is never attempted.
func fakeSMTPServer(t *testing.T) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveFakeSMTP(conn)
		}
	}()

	return ln.Addr().String(), func() {
		ln.Close()
		close(done)
	}
}

func serveFakeSMTP(conn net.Conn) {
	defer conn.Close()
	w := bufio.NewWriter(conn)
	r := bufio.NewReader(conn)

	fmt.Fprintf(w, "220 fake.test ESMTP\r\n")
	w.Flush()

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		switch {
		case len(line) >= 4 && line[:4] == "QUIT":
			fmt.Fprintf(w, "221 bye\r\n")
			w.Flush()
			return
		case len(line) >= 4 && line[:4] == "DATA":
			fmt.Fprintf(w, "354 go ahead\r\n")
			w.Flush()
			for {
				l2, err := r.ReadString('\n')
				if err != nil || l2 == ".\r\n" {
					break
				}
			}
			fmt.Fprintf(w, "250 ok\r\n")
			w.Flush()
		default:
			fmt.Fprintf(w, "250 ok\r\n")
			w.Flush()
		}
	}
}

func TestClientPool_LeaseSuccessAndReuse(t *testing.T) {
	addr, stop := fakeSMTPServer(t)
	defer stop()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	var port int
	fmt.Sscanf(portStr, "%d", &port)

	cfg := DefaultPoolConfig()
	cfg.ConnectPort = port
	pool := NewClientPool(cfg, NewUnavailabilityRegistry())

	mx := []MXRecord{{Host: host}}

	outcome, client, err := pool.Lease(context.Background(), "127.0.0.1", mx)
	require.NoError(t, err)
	require.Equal(t, LeaseSuccess, outcome)
	require.NotNil(t, client)

	pool.Return(client)

	outcome2, client2, err := pool.Lease(context.Background(), "127.0.0.1", mx)
	require.NoError(t, err)
	require.Equal(t, LeaseSuccess, outcome2)
	require.Same(t, client, client2)
}

func TestClientPool_EmptyMXRecords(t *testing.T) {
	pool := NewClientPool(DefaultPoolConfig(), NewUnavailabilityRegistry())
	outcome, client, err := pool.Lease(context.Background(), "127.0.0.1", nil)
	require.NoError(t, err)
	require.Equal(t, LeaseNoMxRecords, outcome)
	require.Nil(t, client)
}

func TestClientPool_RegistryGatesServiceUnavailable(t *testing.T) {
	registry := NewUnavailabilityRegistry()
	registry.Add("127.0.0.1", "mx.example.com", time.Now())
	pool := NewClientPool(DefaultPoolConfig(), registry)

	outcome, client, err := pool.Lease(context.Background(), "127.0.0.1", []MXRecord{{Host: "mx.example.com"}})
	require.NoError(t, err)
	require.Equal(t, LeaseServiceUnavailable, outcome)
	require.Nil(t, client)
}

func TestClientPool_FailedToConnect(t *testing.T) {
	// Nothing listens on this port, so the dial fails fast.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close() // closed immediately: connect refused

	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	var port int
	fmt.Sscanf(portStr, "%d", &port)

	cfg := DefaultPoolConfig()
	cfg.ConnectPort = port
	pool := NewClientPool(cfg, NewUnavailabilityRegistry())

	outcome, client, err := pool.Lease(context.Background(), "127.0.0.1", []MXRecord{{Host: host}})
	require.NoError(t, err)
	require.Equal(t, LeaseFailedToConnect, outcome)
	require.Nil(t, client)
}

func TestClientPool_MaxConnectionsPerKey(t *testing.T) {
	addr, stop := fakeSMTPServer(t)
	defer stop()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	var port int
	fmt.Sscanf(portStr, "%d", &port)

	cfg := DefaultPoolConfig()
	cfg.ConnectPort = port
	cfg.MaxConnectionsPerKey = 1
	pool := NewClientPool(cfg, NewUnavailabilityRegistry())

	mx := []MXRecord{{Host: host}}
	outcome, client, err := pool.Lease(context.Background(), "127.0.0.1", mx)
	require.NoError(t, err)
	require.Equal(t, LeaseSuccess, outcome)
	require.NotNil(t, client)

	outcome2, client2, err := pool.Lease(context.Background(), "127.0.0.1", mx)
	require.NoError(t, err)
	require.Equal(t, LeaseFailedMaxConnections, outcome2)
	require.Nil(t, client2)
}

func TestClientPool_DiscardRemovesFromPool(t *testing.T) {
	addr, stop := fakeSMTPServer(t)
	defer stop()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	var port int
	fmt.Sscanf(portStr, "%d", &port)

	cfg := DefaultPoolConfig()
	cfg.ConnectPort = port
	pool := NewClientPool(cfg, NewUnavailabilityRegistry())
	mx := []MXRecord{{Host: host}}

	_, client, err := pool.Lease(context.Background(), "127.0.0.1", mx)
	require.NoError(t, err)

	pool.Discard(client)

	stats := pool.Stats()
	require.Equal(t, 0, stats[hostKey{sourceIP: "127.0.0.1", host: host}.String()])
}

func TestClientPool_SweepClosesIdleEntries(t *testing.T) {
	addr, stop := fakeSMTPServer(t)
	defer stop()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	var port int
	fmt.Sscanf(portStr, "%d", &port)

	cfg := DefaultPoolConfig()
	cfg.ConnectPort = port
	cfg.IdleTimeout = time.Millisecond
	pool := NewClientPool(cfg, NewUnavailabilityRegistry())
	mx := []MXRecord{{Host: host}}

	_, client, err := pool.Lease(context.Background(), "127.0.0.1", mx)
	require.NoError(t, err)
	pool.Return(client)

	time.Sleep(5 * time.Millisecond)
	closed := pool.Sweep(time.Now())
	require.Equal(t, 1, closed)
}
