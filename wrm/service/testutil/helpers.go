// Package testutil holds helpers shared by service tests.
package testutil

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// WaitForCount polls get until it returns want, failing the test after timeout.
func WaitForCount(t *testing.T, timeout time.Duration, want int, get func() int) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		got := get()
		if got == want {
			return
		} else if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for count %d, last saw %d", want, got)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// TCPPair returns the client and server ends of a loopback TCP connection.
// Both are closed when the test completes.
func TCPPair(t *testing.T) (client, server net.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- conn
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server, ok := <-accepted
	require.True(t, ok, "accept failed")
	t.Cleanup(func() { _ = client.Close(); _ = server.Close() })
	return client, server
}
