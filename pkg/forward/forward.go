// Package forward tunnels plain TCP connections through sessions. The
// server-side action dials an origin, either named by the first chunk or
// fixed at registration, and bridges; the client-side Listener feeds local
// connections into sessions, one each.
//
// The conversation is framed with three sentinels: a connect status header
// answers the dial, DATA prefixes payload, and CLOSESOCKET asks the far
// side to drop its socket.
package forward

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/runZeroInc/dropwire/pkg/peer"
	"github.com/runZeroInc/dropwire/pkg/session"
	"github.com/runZeroInc/dropwire/pkg/wire"
)

// Capability is the advertisement name of the generic forwarder.
const Capability = "socket"

// FixedCapability returns the advertisement name of a forwarder pinned to
// one origin.
func FixedCapability(host string, port int) string {
	return fmt.Sprintf("socket-%s:%d", host, port)
}

var (
	okHeader   = []byte("ABLETOCONNECT")
	errHeader  = []byte("UNABLETOCONNECT")
	stopHeader = []byte("CLOSESOCKET")
)

// DefaultDialTimeout bounds one origin connection attempt.
const DefaultDialTimeout = 10 * time.Second

// Forwarder builds the forwarding actions.
type Forwarder struct {
	dialTimeout time.Duration
	log         logrus.FieldLogger
	wrap        func(net.Conn) net.Conn
}

// Option adjusts a Forwarder.
type Option func(*Forwarder)

// WithLogger routes forwarder logs to log.
func WithLogger(log logrus.FieldLogger) Option {
	return func(f *Forwarder) { f.log = log }
}

// WithDialTimeout bounds origin dials.
func WithDialTimeout(d time.Duration) Option {
	return func(f *Forwarder) { f.dialTimeout = d }
}

// WithConnWrap wraps every dialed origin connection, typically for byte
// accounting.
func WithConnWrap(wrap func(net.Conn) net.Conn) Option {
	return func(f *Forwarder) { f.wrap = wrap }
}

// NewForwarder builds a Forwarder dialing origins over plain TCP.
func NewForwarder(opts ...Option) *Forwarder {
	f := &Forwarder{
		dialTimeout: DefaultDialTimeout,
		log:         logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Generic returns the action for the "socket" capability. The first chunk
// of each session carries the origin as two lines, host then port.
func (f *Forwarder) Generic() peer.Action {
	return peer.ActionFunc(func(ctx context.Context, sess *session.Session) error {
		first, err := sess.Next(ctx)
		if err != nil {
			if isShutdown(err) {
				return nil
			}
			return err
		}
		if payload, ok := wire.Unframe(first); ok {
			first = payload
		}
		host, port, err := parseTarget(first)
		if err != nil {
			f.log.WithError(err).Warn("bad forward target")
			_ = sess.Send(ctx, append(append([]byte(nil), errHeader...), err.Error()...))
			return nil
		}
		return f.serve(ctx, sess, host, port)
	})
}

// Fixed returns the action for capability FixedCapability(host, port). It
// dials as soon as the session starts and reports the status before
// bridging.
func (f *Forwarder) Fixed(host string, port int) peer.Action {
	return peer.ActionFunc(func(ctx context.Context, sess *session.Session) error {
		return f.serve(ctx, sess, host, port)
	})
}

func (f *Forwarder) serve(ctx context.Context, sess *session.Session, host string, port int) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	log := f.log.WithFields(logrus.Fields{"sid": sess.SID(), "origin": addr})
	d := net.Dialer{Timeout: f.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		log.WithError(err).Info("forward dial failed")
		_ = sess.Send(ctx, append(append([]byte(nil), errHeader...), err.Error()...))
		return nil
	}
	if f.wrap != nil {
		conn = f.wrap(conn)
	}
	if err := sess.Send(ctx, okHeader); err != nil {
		conn.Close()
		return err
	}
	log.Info("forward connection open")
	err = bridge(ctx, sess, conn, log)
	if err != nil && !isShutdown(err) {
		log.WithError(err).Warn("forward bridge failed")
		return err
	}
	log.Debug("forward connection closed")
	return nil
}

// parseTarget decodes the "host\nport\n" opening chunk.
func parseTarget(chunk []byte) (string, int, error) {
	lines := strings.Split(string(chunk), "\n")
	if len(lines) < 2 {
		return "", 0, errors.New("forward: target needs host and port lines")
	}
	host := strings.TrimSpace(lines[0])
	if host == "" {
		return "", 0, errors.New("forward: empty host")
	}
	port, err := strconv.Atoi(strings.TrimSpace(lines[1]))
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, errors.Errorf("forward: bad port %q", strings.TrimSpace(lines[1]))
	}
	return host, port, nil
}

// Connect runs the client half of the generic exchange: it names the origin
// and waits for the far end's dial status.
func Connect(ctx context.Context, sess *session.Session, host string, port int) error {
	target := fmt.Sprintf("%s\n%d\n", host, port)
	if err := sess.Send(ctx, []byte(target)); err != nil {
		return errors.Wrap(err, "send target")
	}
	return AwaitStatus(ctx, sess)
}

// AwaitStatus consumes the connect status chunk a forwarder sends after
// dialing.
func AwaitStatus(ctx context.Context, sess *session.Session) error {
	status, err := sess.Next(ctx)
	if err != nil {
		return errors.Wrap(err, "read connect status")
	}
	switch {
	case bytes.HasPrefix(status, okHeader):
		return nil
	case bytes.HasPrefix(status, errHeader):
		return errors.Errorf("forward: remote dial failed: %s", status[len(errHeader):])
	}
	return errors.Errorf("forward: unexpected connect status %q", status)
}

// bridge shuttles bytes between the session and the socket until either
// side hangs up. Both the action and the Listener run the same loop; only
// who dialed differs.
func bridge(ctx context.Context, sess *session.Session, conn net.Conn, log logrus.FieldLogger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return pumpSessionToConn(gctx, sess, conn, log)
	})
	g.Go(func() error {
		defer cancel()
		return pumpConnToSession(gctx, sess, conn)
	})
	g.Go(func() error {
		<-gctx.Done()
		conn.Close()
		return nil
	})
	err := g.Wait()
	closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer closeCancel()
	_ = sess.Close(closeCtx)
	return err
}

func pumpSessionToConn(ctx context.Context, sess *session.Session, conn net.Conn, log logrus.FieldLogger) error {
	for {
		chunk, err := sess.Next(ctx)
		if err != nil {
			return err
		}
		if payload, ok := wire.Unframe(chunk); ok {
			if _, err := conn.Write(payload); err != nil {
				return errors.Wrap(err, "write socket")
			}
			continue
		}
		if bytes.HasPrefix(chunk, stopHeader) {
			return nil
		}
		log.WithField("len", len(chunk)).Warn("unknown message in bridge")
	}
}

func pumpConnToSession(ctx context.Context, sess *session.Session, conn net.Conn) error {
	buf := make([]byte, 32*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if serr := sess.Send(ctx, wire.Frame(buf[:n])); serr != nil {
				return serr
			}
		}
		if err != nil {
			if err == io.EOF {
				// Tell the far side so it can drop its socket promptly.
				_ = sess.Send(ctx, stopHeader)
				return nil
			}
			return errors.Wrap(err, "read socket")
		}
	}
}

// isShutdown filters the errors normal teardown produces.
func isShutdown(err error) bool {
	return errors.Is(err, session.ErrClosed) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF)
}
