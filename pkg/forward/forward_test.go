package forward

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/runZeroInc/dropwire/pkg/blobstore"
	"github.com/runZeroInc/dropwire/pkg/peer"
	"github.com/runZeroInc/dropwire/pkg/session"
	"github.com/runZeroInc/dropwire/pkg/wire"
)

// startOrigin runs an upper-casing echo server and returns its port.
func startOrigin(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NilError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 1024)
				for {
					n, rerr := c.Read(buf)
					if n > 0 {
						if _, werr := c.Write(bytes.ToUpper(buf[:n])); werr != nil {
							return
						}
					}
					if rerr != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NilError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	assert.NilError(t, ln.Close())
	return port
}

// startExit registers generic and fixed forwarders on an in-memory store
// and returns a client talking to them.
func startExit(ctx context.Context, t *testing.T, fixedPort int) *peer.Client {
	t.Helper()
	store := blobstore.NewMemStore()
	fw := NewForwarder()
	srv := peer.NewServer(store, "exit")
	srv.Register(Capability, fw.Generic())
	if fixedPort > 0 {
		srv.Register(FixedCapability("127.0.0.1", fixedPort), fw.Fixed("127.0.0.1", fixedPort))
	}
	serveCtx, cancel := context.WithCancel(ctx)
	t.Cleanup(cancel)
	go srv.Serve(serveCtx)
	return peer.NewClient(store, "entry")
}

func readEcho(ctx context.Context, t *testing.T, sess *session.Session, want string) {
	t.Helper()
	var got []byte
	for len(got) < len(want) {
		chunk, err := sess.Next(ctx)
		assert.NilError(t, err)
		payload, ok := wire.Unframe(chunk)
		assert.Assert(t, ok, "expected a DATA chunk, got %q", chunk)
		got = append(got, payload...)
	}
	assert.Equal(t, string(got), want)
}

func TestGenericForwardRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	port := startOrigin(t)
	cli := startExit(ctx, t, 0)

	sess, err := cli.OpenSession(ctx, "exit", Capability)
	assert.NilError(t, err)
	assert.NilError(t, Connect(ctx, sess, "127.0.0.1", port))

	assert.NilError(t, sess.Send(ctx, wire.Frame([]byte("hello world!"))))
	readEcho(ctx, t, sess, "HELLO WORLD!")
	assert.NilError(t, sess.Close(ctx))
}

func TestGenericForwardDialFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	cli := startExit(ctx, t, 0)

	sess, err := cli.OpenSession(ctx, "exit", Capability)
	assert.NilError(t, err)
	err = Connect(ctx, sess, "127.0.0.1", closedPort(t))
	assert.ErrorContains(t, err, "remote dial failed")
}

func TestFixedForwardRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	port := startOrigin(t)
	cli := startExit(ctx, t, port)

	sess, err := OpenFixed(cli, "exit", "127.0.0.1", port)(ctx)
	assert.NilError(t, err)
	assert.NilError(t, sess.Send(ctx, wire.Frame([]byte("fixed"))))
	readEcho(ctx, t, sess, "FIXED")
	assert.NilError(t, sess.Close(ctx))
}

func TestCloseSocketEndsBridge(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	port := startOrigin(t)
	cli := startExit(ctx, t, 0)

	sess, err := cli.OpenSession(ctx, "exit", Capability)
	assert.NilError(t, err)
	assert.NilError(t, Connect(ctx, sess, "127.0.0.1", port))

	assert.NilError(t, sess.Send(ctx, stopHeader))
	_, err = sess.Next(ctx)
	assert.ErrorIs(t, err, session.ErrClosed)
}

func TestListenerEndToEnd(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	port := startOrigin(t)
	cli := startExit(ctx, t, 0)

	lst := NewListener(OpenGeneric(cli, "exit", "127.0.0.1", port))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NilError(t, err)
	serveCtx, serveCancel := context.WithCancel(ctx)
	t.Cleanup(serveCancel)
	go lst.Serve(serveCtx, ln)

	conn, err := net.Dial("tcp", ln.Addr().String())
	assert.NilError(t, err)
	defer conn.Close()
	assert.NilError(t, conn.SetDeadline(time.Now().Add(15*time.Second)))

	_, err = conn.Write([]byte("hello world!"))
	assert.NilError(t, err)
	echo := make([]byte, len("HELLO WORLD!"))
	_, err = io.ReadFull(conn, echo)
	assert.NilError(t, err)
	assert.Equal(t, string(echo), "HELLO WORLD!")
}

func TestListenerRefusesDeadOrigin(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	cli := startExit(ctx, t, 0)

	lst := NewListener(OpenGeneric(cli, "exit", "127.0.0.1", closedPort(t)))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NilError(t, err)
	serveCtx, serveCancel := context.WithCancel(ctx)
	t.Cleanup(serveCancel)
	go lst.Serve(serveCtx, ln)

	conn, err := net.Dial("tcp", ln.Addr().String())
	assert.NilError(t, err)
	defer conn.Close()
	assert.NilError(t, conn.SetDeadline(time.Now().Add(15*time.Second)))

	// The session never comes up, so the local socket just closes.
	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestParseTarget(t *testing.T) {
	tests := []struct {
		name    string
		chunk   string
		host    string
		port    int
		wantErr string
	}{
		{name: "plain", chunk: "example.org\n8080\n", host: "example.org", port: 8080},
		{name: "crlf", chunk: "example.org\r\n80\r\n", host: "example.org", port: 80},
		{name: "no port line", chunk: "example.org", wantErr: "host and port"},
		{name: "junk port", chunk: "example.org\neighty\n", wantErr: "bad port"},
		{name: "empty host", chunk: "\n80\n", wantErr: "empty host"},
		{name: "port zero", chunk: "example.org\n0\n", wantErr: "bad port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, port, err := parseTarget([]byte(tt.chunk))
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			assert.NilError(t, err)
			assert.Equal(t, host, tt.host)
			assert.Equal(t, port, tt.port)
		})
	}
}
