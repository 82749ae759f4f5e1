package tunnel

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-appsec/wrm/wrm/service/httpmsg"
	"github.com/go-appsec/wrm/wrm/service/pipeline"
)

func TestRelay(t *testing.T) {
	t.Parallel()

	t.Run("both_directions", func(t *testing.T) {
		clientOuter, clientInner := net.Pipe()
		upstreamInner, upstreamOuter := net.Pipe()
		t.Cleanup(func() { _ = clientOuter.Close(); _ = upstreamOuter.Close() })

		done := make(chan error, 1)
		go func() { done <- Relay(t.Context(), clientInner, upstreamInner) }()

		payload := bytes.Repeat([]byte("x"), 3*BufferSize+7)
		go func() { _, _ = clientOuter.Write(payload) }()
		got := make([]byte, len(payload))
		_, err := io.ReadFull(upstreamOuter, got)
		require.NoError(t, err)
		assert.Equal(t, payload, got)

		go func() { _, _ = upstreamOuter.Write([]byte("pong")) }()
		back := make([]byte, 4)
		_, err = io.ReadFull(clientOuter, back)
		require.NoError(t, err)
		assert.Equal(t, "pong", string(back))

		// one side ending closes the other
		_ = upstreamOuter.Close()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("relay did not stop")
		}
		_, err = clientOuter.Read(make([]byte, 1))
		assert.ErrorIs(t, err, io.EOF)
	})

	t.Run("cancel_closes", func(t *testing.T) {
		clientOuter, clientInner := net.Pipe()
		upstreamInner, upstreamOuter := net.Pipe()
		t.Cleanup(func() { _ = clientOuter.Close(); _ = upstreamOuter.Close() })

		ctx, cancel := context.WithCancel(t.Context())
		done := make(chan error, 1)
		go func() { done <- Relay(ctx, clientInner, upstreamInner) }()
		cancel()

		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("relay did not stop")
		}
		_, err := upstreamOuter.Read(make([]byte, 1))
		assert.ErrorIs(t, err, io.EOF)
	})
}

type failWriter struct {
	*io.PipeReader
}

var errWrite = errors.New("write failed")

func (failWriter) Write([]byte) (int, error) { return 0, errWrite }
func (w failWriter) Close() error            { return w.PipeReader.Close() }

func TestRelayReportsFailure(t *testing.T) {
	t.Parallel()

	clientOuter, clientInner := net.Pipe()
	t.Cleanup(func() { _ = clientOuter.Close() })
	go func() { _, _ = clientOuter.Write([]byte("data")) }()

	blocked, _ := io.Pipe()
	err := Relay(t.Context(), clientInner, failWriter{PipeReader: blocked})
	assert.ErrorIs(t, err, errWrite)
}

func TestTarget(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		req     *httpmsg.Request
		want    string
		wantErr bool
	}{
		{name: "authority_form", req: &httpmsg.Request{Path: "example.com:443"}, want: "example.com:443"},
		{name: "h2_authority", req: &httpmsg.Request{Headers: httpmsg.Headers{{Name: "Host", Value: "h.example:8443"}}}, want: "h.example:8443"},
		{name: "ipv6", req: &httpmsg.Request{Path: "[::1]:443"}, want: "[::1]:443"},
		{name: "missing_port", req: &httpmsg.Request{Path: "example.com"}, wantErr: true},
		{name: "empty_host", req: &httpmsg.Request{Path: ":443"}, wantErr: true},
		{name: "nothing", req: &httpmsg.Request{}, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Target(tc.req)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrInvalidTarget)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

type errDialer struct{}

func (errDialer) DialContext(context.Context, string, string) (net.Conn, error) {
	return nil, errors.New("refused")
}

func newConnectContext(t *testing.T, req *httpmsg.Request) *pipeline.Context {
	t.Helper()

	client, server := net.Pipe()
	t.Cleanup(func() { _ = client.Close(); _ = server.Close() })
	cc := pipeline.NewContext("t", server)
	cc.BeginExchange(req)
	return cc
}

func TestConnectStage(t *testing.T) {
	t.Parallel()

	t.Run("dials_target", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		t.Cleanup(func() { _ = ln.Close() })
		go func() {
			if c, err := ln.Accept(); err == nil {
				_, _ = c.Write([]byte("hi"))
				_ = c.Close()
			}
		}()

		cc := newConnectContext(t, &httpmsg.Request{Method: "CONNECT", Path: ln.Addr().String()})
		stage := ConnectStage(ConnectConfig{DialTimeout: time.Second})
		require.NoError(t, stage.Serve(t.Context(), cc, func(context.Context, *pipeline.Context) error {
			t.Fatal("next must not run for CONNECT")
			return nil
		}))

		require.NotNil(t, cc.Response)
		assert.Equal(t, 200, cc.Response.StatusCode)
		assert.Equal(t, "Connection Established", cc.Response.ReasonPhrase())
		require.NotNil(t, cc.Response.Tunnel)
		t.Cleanup(func() { _ = cc.Response.Tunnel.Close() })

		buf := make([]byte, 2)
		_, err = io.ReadFull(cc.Response.Tunnel, buf)
		require.NoError(t, err)
		assert.Equal(t, "hi", string(buf))
	})

	t.Run("dial_failure", func(t *testing.T) {
		cc := newConnectContext(t, &httpmsg.Request{Method: "CONNECT", Path: "example.com:443"})
		stage := ConnectStage(ConnectConfig{Dialer: errDialer{}})
		require.NoError(t, stage.Serve(t.Context(), cc, nil))
		require.NotNil(t, cc.Response)
		assert.Equal(t, 502, cc.Response.StatusCode)
		assert.Nil(t, cc.Response.Tunnel)
	})

	t.Run("bad_target", func(t *testing.T) {
		cc := newConnectContext(t, &httpmsg.Request{Method: "CONNECT", Path: "example.com"})
		require.NoError(t, ConnectStage(ConnectConfig{Dialer: errDialer{}}).Serve(t.Context(), cc, nil))
		assert.Equal(t, 400, cc.Response.StatusCode)
	})

	t.Run("other_methods_pass", func(t *testing.T) {
		cc := newConnectContext(t, &httpmsg.Request{Method: "GET", Path: "/"})
		called := false
		require.NoError(t, ConnectStage(ConnectConfig{}).Serve(t.Context(), cc, func(context.Context, *pipeline.Context) error {
			called = true
			return nil
		}))
		assert.True(t, called)
		assert.Nil(t, cc.Response)
	})
}
