// Package dropwire carries TCP streams across store-and-forward media
// such as a shared folder, an FTP directory, or an IMAP mailbox.
//
// The heavy lifting lives in the subpackages: pkg/blobstore speaks to
// the medium, pkg/session splits streams into ordered named blobs,
// pkg/peer runs the discovery and dispatch layer, and pkg/socks,
// pkg/forward, pkg/pipe and pkg/speed implement the services that ride
// on top. The root package holds what those layers share: a
// byte-accounting net.Conn wrapper that the proxy and forwarder ends
// compose around their sockets, and listener helpers for the command
// line front ends.
package dropwire

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Connection lifecycle states handed to a ReportFn.
const (
	Opened = iota
	Closed
)

// StateMap names the lifecycle states for logs and metric labels.
var StateMap = map[int]string{
	Opened: "open",
	Closed: "close",
}

// ConnStats is a point-in-time snapshot of a wrapped connection.
// Timestamps are UnixNano; zero means the event has not happened yet.
type ConnStats struct {
	LocalAddr    string
	RemoteAddr   string
	OpenedAt     int64
	ClosedAt     int64
	FirstReadAt  int64
	FirstWriteAt int64
	RecvBytes    int64
	SentBytes    int64
}

// Duration is how long the connection was open, or has been open so far
// when the snapshot precedes the close.
func (s ConnStats) Duration() time.Duration {
	end := s.ClosedAt
	if end == 0 {
		end = time.Now().UnixNano()
	}
	return time.Duration(end - s.OpenedAt)
}

// ReportFn receives a snapshot when a wrapped connection opens and once
// more when it closes.
type ReportFn func(stats ConnStats, state int)

// Conn wraps a net.Conn and counts the bytes that move through it. The
// read and write sides of a bridged connection live on different
// goroutines and the close can race both, so the counters are atomics.
type Conn struct {
	net.Conn

	report   ReportFn
	openedAt int64

	closedAt     atomic.Int64
	firstReadAt  atomic.Int64
	firstWriteAt atomic.Int64
	recvBytes    atomic.Int64
	sentBytes    atomic.Int64

	closeOnce sync.Once
}

// WrapConn wraps ncon and reports its lifecycle to report, which may be
// nil. The wrapper does not alter the data stream.
func WrapConn(ncon net.Conn, report ReportFn) *Conn {
	tic := &Conn{
		Conn:     ncon,
		report:   report,
		openedAt: time.Now().UnixNano(),
	}
	if tic.report != nil {
		tic.report(tic.Stats(), Opened)
	}
	return tic
}

func (tic *Conn) Read(b []byte) (int, error) {
	n, err := tic.Conn.Read(b)
	if n > 0 {
		tic.recvBytes.Add(int64(n))
		tic.firstReadAt.CompareAndSwap(0, time.Now().UnixNano())
	}
	return n, err
}

func (tic *Conn) Write(b []byte) (int, error) {
	n, err := tic.Conn.Write(b)
	if n > 0 {
		tic.sentBytes.Add(int64(n))
		tic.firstWriteAt.CompareAndSwap(0, time.Now().UnixNano())
	}
	return n, err
}

// Close reports the final snapshot exactly once, however many bridge
// goroutines race to hang up.
func (tic *Conn) Close() error {
	tic.closeOnce.Do(func() {
		tic.closedAt.Store(time.Now().UnixNano())
		if tic.report != nil {
			tic.report(tic.Stats(), Closed)
		}
	})
	return tic.Conn.Close()
}

// Stats returns the current snapshot.
func (tic *Conn) Stats() ConnStats {
	return ConnStats{
		LocalAddr:    tic.LocalAddr().String(),
		RemoteAddr:   tic.RemoteAddr().String(),
		OpenedAt:     tic.openedAt,
		ClosedAt:     tic.closedAt.Load(),
		FirstReadAt:  tic.firstReadAt.Load(),
		FirstWriteAt: tic.firstWriteAt.Load(),
		RecvBytes:    tic.recvBytes.Load(),
		SentBytes:    tic.sentBytes.Load(),
	}
}

func reuseAddr(network, address string, conn syscall.RawConn) error {
	var operr error
	if err := conn.Control(func(fd uintptr) {
		operr = syscall.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	}); err != nil {
		return err
	}
	return operr
}

// Listen opens a TCP listener on addr with SO_REUSEADDR set, so a
// restarted front end can rebind an address that is still in TIME_WAIT.
func Listen(ctx context.Context, addr string) (net.Listener, error) {
	lc := net.ListenConfig{Control: reuseAddr}
	return lc.Listen(ctx, "tcp", addr)
}

// FindFreePort asks the kernel for an unused TCP port on host. The probe
// listener is closed before returning; SO_REUSEADDR keeps the port
// bindable right away.
func FindFreePort(host string) (int, error) {
	ln, err := Listen(context.Background(), net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, errors.Wrap(err, "find free port")
	}
	port := ln.Addr().(*net.TCPAddr).Port
	if err := ln.Close(); err != nil {
		return 0, errors.Wrap(err, "find free port")
	}
	return port, nil
}
