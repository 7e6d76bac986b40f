package socks

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/pkg/errors"
	"gotest.tools/v3/assert"

	"github.com/runZeroInc/dropwire/pkg/blobstore"
	"github.com/runZeroInc/dropwire/pkg/peer"
	"github.com/runZeroInc/dropwire/pkg/session"
)

// startOrigin runs an upper-casing echo server and returns its port.
func startOrigin(t *testing.T) uint16 {
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
	return uint16(ln.Addr().(*net.TCPAddr).Port)
}

// closedPort returns a port nothing listens on.
func closedPort(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NilError(t, err)
	port := uint16(ln.Addr().(*net.TCPAddr).Port)
	assert.NilError(t, ln.Close())
	return port
}

// startProxy wires a back-end and front-end together over an in-memory
// store and returns the front-end address.
func startProxy(ctx context.Context, t *testing.T, capability string) string {
	t.Helper()
	store := blobstore.NewMemStore()
	be := NewBackend()
	srv := peer.NewServer(store, "exit")
	srv.Register("socks", be.Socks4())
	srv.Register("socks5", be.Socks5())
	serveCtx, cancel := context.WithCancel(ctx)
	t.Cleanup(cancel)
	go srv.Serve(serveCtx)

	cli := peer.NewClient(store, "entry")
	fe := NewFrontend(func(ctx context.Context) (*session.Session, error) {
		return cli.OpenSession(ctx, "exit", capability)
	})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NilError(t, err)
	go fe.Serve(serveCtx, ln)
	return ln.Addr().String()
}

func dialProxy(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	assert.NilError(t, err)
	t.Cleanup(func() { conn.Close() })
	assert.NilError(t, conn.SetDeadline(time.Now().Add(15*time.Second)))
	return conn
}

func TestSocks4Connect(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	port := startOrigin(t)
	conn := dialProxy(t, startProxy(ctx, t, "socks"))

	req := []byte{socksVersion4, cmdConnect, byte(port >> 8), byte(port), 127, 0, 0, 1}
	req = append(req, []byte("probe\x00")...)
	_, err := conn.Write(req)
	assert.NilError(t, err)

	reply := make([]byte, 8)
	_, err = io.ReadFull(conn, reply)
	assert.NilError(t, err)
	assert.DeepEqual(t, reply, reply4(socks4Granted))

	_, err = conn.Write([]byte("hello world!"))
	assert.NilError(t, err)
	echo := make([]byte, len("HELLO WORLD!"))
	_, err = io.ReadFull(conn, echo)
	assert.NilError(t, err)
	assert.Equal(t, string(echo), "HELLO WORLD!")
}

func TestSocks4ConnectionRefused(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	port := closedPort(t)
	conn := dialProxy(t, startProxy(ctx, t, "socks"))

	req := []byte{socksVersion4, cmdConnect, byte(port >> 8), byte(port), 127, 0, 0, 1, 0x00}
	_, err := conn.Write(req)
	assert.NilError(t, err)

	reply := make([]byte, 8)
	_, err = io.ReadFull(conn, reply)
	assert.NilError(t, err)
	assert.DeepEqual(t, reply, reply4(socks4NoIdentd))

	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestSocks4aDomainConnect(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	port := startOrigin(t)
	conn := dialProxy(t, startProxy(ctx, t, "socks"))

	req := []byte{socksVersion4, cmdConnect, byte(port >> 8), byte(port), 0, 0, 0, 1}
	req = append(req, []byte("probe\x00127.0.0.1\x00")...)
	_, err := conn.Write(req)
	assert.NilError(t, err)

	reply := make([]byte, 8)
	_, err = io.ReadFull(conn, reply)
	assert.NilError(t, err)
	assert.DeepEqual(t, reply, reply4(socks4Granted))

	_, err = conn.Write([]byte("mixed Case"))
	assert.NilError(t, err)
	echo := make([]byte, len("MIXED CASE"))
	_, err = io.ReadFull(conn, echo)
	assert.NilError(t, err)
	assert.Equal(t, string(echo), "MIXED CASE")
}

func TestSocks5Connect(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	port := startOrigin(t)
	conn := dialProxy(t, startProxy(ctx, t, "socks5"))

	_, err := conn.Write([]byte{socksVersion5, 1, methodNoAuth})
	assert.NilError(t, err)
	sel := make([]byte, 2)
	_, err = io.ReadFull(conn, sel)
	assert.NilError(t, err)
	assert.DeepEqual(t, sel, []byte{socksVersion5, methodNoAuth})

	host := "127.0.0.1"
	req := []byte{socksVersion5, cmdConnect, 0x00, addrDomain, byte(len(host))}
	req = append(req, []byte(host)...)
	req = append(req, byte(port>>8), byte(port))
	_, err = conn.Write(req)
	assert.NilError(t, err)

	reply := make([]byte, len(req))
	_, err = io.ReadFull(conn, reply)
	assert.NilError(t, err)
	want := append([]byte(nil), req...)
	want[1] = socks5Granted
	assert.DeepEqual(t, reply, want)

	_, err = conn.Write([]byte("hello world!"))
	assert.NilError(t, err)
	echo := make([]byte, len("HELLO WORLD!"))
	_, err = io.ReadFull(conn, echo)
	assert.NilError(t, err)
	assert.Equal(t, string(echo), "HELLO WORLD!")
}

func TestSocks5AuthStub(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	port := startOrigin(t)
	conn := dialProxy(t, startProxy(ctx, t, "socks5"))

	_, err := conn.Write([]byte{socksVersion5, 1, methodUserPass})
	assert.NilError(t, err)
	sel := make([]byte, 2)
	_, err = io.ReadFull(conn, sel)
	assert.NilError(t, err)
	assert.DeepEqual(t, sel, []byte{socksVersion5, methodUserPass})

	auth := []byte{0x01, 5}
	auth = append(auth, []byte("alice")...)
	auth = append(auth, 6)
	auth = append(auth, []byte("secret")...)
	_, err = conn.Write(auth)
	assert.NilError(t, err)
	status := make([]byte, 2)
	_, err = io.ReadFull(conn, status)
	assert.NilError(t, err)
	assert.DeepEqual(t, status, []byte{0x01, 0x00})

	req := []byte{socksVersion5, cmdConnect, 0x00, addrIPv4, 127, 0, 0, 1, byte(port >> 8), byte(port)}
	_, err = conn.Write(req)
	assert.NilError(t, err)
	reply := make([]byte, len(req))
	_, err = io.ReadFull(conn, reply)
	assert.NilError(t, err)
	want := append([]byte(nil), req...)
	want[1] = socks5Granted
	assert.DeepEqual(t, reply, want)

	_, err = conn.Write([]byte("ok?"))
	assert.NilError(t, err)
	echo := make([]byte, 3)
	_, err = io.ReadFull(conn, echo)
	assert.NilError(t, err)
	assert.Equal(t, string(echo), "OK?")
}

func TestSocks5NoAcceptableMethod(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	conn := dialProxy(t, startProxy(ctx, t, "socks5"))

	_, err := conn.Write([]byte{socksVersion5, 1, 0x01})
	assert.NilError(t, err)
	sel := make([]byte, 2)
	_, err = io.ReadFull(conn, sel)
	assert.NilError(t, err)
	assert.DeepEqual(t, sel, []byte{socksVersion5, methodNone})

	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestTrackerFollowsSocks4(t *testing.T) {
	msg := []byte{socksVersion4, cmdConnect, 0x00, 0x50, 1, 2, 3, 4}
	msg = append(msg, []byte("user\x00")...)
	var tk tracker
	for i, b := range msg {
		complete, err := tk.feed(b)
		assert.NilError(t, err)
		assert.Equal(t, complete, i == len(msg)-1, "byte %d", i)
	}
	assert.Assert(t, tk.done())
}

func TestTrackerFollowsSocks4aDomain(t *testing.T) {
	msg := []byte{socksVersion4, cmdConnect, 0x00, 0x50, 0, 0, 0, 1}
	msg = append(msg, []byte("user\x00example.org\x00")...)
	var tk tracker
	for i, b := range msg {
		complete, err := tk.feed(b)
		assert.NilError(t, err)
		assert.Equal(t, complete, i == len(msg)-1, "byte %d", i)
	}
	assert.Assert(t, tk.done())
}

func TestTrackerFollowsSocks5(t *testing.T) {
	var tk tracker
	greeting := []byte{socksVersion5, 2, methodNoAuth, methodUserPass}
	for i, b := range greeting {
		complete, err := tk.feed(b)
		assert.NilError(t, err)
		assert.Equal(t, complete, i == len(greeting)-1, "greeting byte %d", i)
	}
	assert.Assert(t, !tk.done())

	req := []byte{socksVersion5, cmdConnect, 0x00, addrDomain, 4}
	req = append(req, []byte("host")...)
	req = append(req, 0x1f, 0x90)
	for i, b := range req {
		complete, err := tk.feed(b)
		assert.NilError(t, err)
		assert.Equal(t, complete, i == len(req)-1, "request byte %d", i)
	}
	assert.Assert(t, tk.done())
}

func TestTrackerTakesAuthDetour(t *testing.T) {
	var tk tracker
	for _, b := range []byte{socksVersion5, 1, methodUserPass} {
		_, err := tk.feed(b)
		assert.NilError(t, err)
	}
	assert.Equal(t, tk.state, trackV5Auth)

	auth := []byte{0x01, 2, 'h', 'i', 2, 'p', 'w'}
	for i, b := range auth {
		complete, err := tk.feed(b)
		assert.NilError(t, err)
		assert.Equal(t, complete, i == len(auth)-1, "auth byte %d", i)
	}
	assert.Equal(t, tk.state, trackV5Request)
}

func TestTrackerRejectsBadVersion(t *testing.T) {
	var tk tracker
	_, err := tk.feed(0x09)
	assert.ErrorContains(t, err, "bad version")
}

func TestParseSocks4Forms(t *testing.T) {
	plain := []byte{socksVersion4, cmdConnect, 0x00, 0x63, 1, 2, 3, 4}
	plain = append(plain, []byte("u\x00")...)
	req, err := parseSocks4(bytes.NewReader(plain))
	assert.NilError(t, err)
	assert.Equal(t, req.Addr(), "1.2.3.4:99")
	assert.Equal(t, req.UserID, "u")

	domain := []byte{socksVersion4, cmdConnect, 0x1f, 0x90, 0, 0, 0, 7}
	domain = append(domain, []byte("u\x00example.org\x00")...)
	req, err = parseSocks4(bytes.NewReader(domain))
	assert.NilError(t, err)
	assert.Equal(t, req.Addr(), "example.org:8080")

	_, err = parseSocks4(bytes.NewReader([]byte{0x05, 0, 0, 0, 0, 0, 0, 0, 0}))
	assert.ErrorContains(t, err, "bad version")
}

func TestParseRequest5Forms(t *testing.T) {
	v4 := []byte{socksVersion5, cmdConnect, 0x00, addrIPv4, 10, 0, 0, 1, 0x00, 0x50}
	req, err := parseRequest5(bytes.NewReader(v4))
	assert.NilError(t, err)
	assert.Equal(t, req.Addr, "10.0.0.1:80")
	reply := req.reply(socks5Refused)
	assert.Equal(t, reply[1], byte(socks5Refused))
	reply[1] = cmdConnect
	assert.DeepEqual(t, reply, v4)

	name := []byte{socksVersion5, cmdConnect, 0x00, addrDomain, 4}
	name = append(name, []byte("host")...)
	name = append(name, 0x1f, 0x90)
	req, err = parseRequest5(bytes.NewReader(name))
	assert.NilError(t, err)
	assert.Equal(t, req.Addr, "host:8080")

	// The length octet allows names up to 255 bytes.
	long := strings.Repeat("a", 255)
	full := []byte{socksVersion5, cmdConnect, 0x00, addrDomain, 255}
	full = append(full, []byte(long)...)
	full = append(full, 0x00, 0x50)
	req, err = parseRequest5(bytes.NewReader(full))
	assert.NilError(t, err)
	assert.Equal(t, req.Addr, long+":80")

	v6 := []byte{socksVersion5, cmdConnect, 0x00, addrIPv6}
	v6 = append(v6, bytes.Repeat([]byte{0}, 15)...)
	v6 = append(v6, 1, 0x01, 0xbb)
	req, err = parseRequest5(bytes.NewReader(v6))
	assert.NilError(t, err)
	assert.Equal(t, req.Addr, "[::1]:443")

	_, err = parseRequest5(bytes.NewReader([]byte{socksVersion5, cmdConnect, 0x00, 0x09, 0, 0}))
	assert.ErrorIs(t, err, errUnknownATYP)
}

func TestDialStatus5(t *testing.T) {
	refused := &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}
	assert.Equal(t, dialStatus5(refused), byte(socks5Refused))

	dns := &net.DNSError{Err: "no such host", Name: "nope.invalid", IsNotFound: true}
	assert.Equal(t, dialStatus5(dns), byte(socks5HostUnreachable))

	assert.Equal(t, dialStatus5(errors.New("boom")), byte(socks5Failure))
}
