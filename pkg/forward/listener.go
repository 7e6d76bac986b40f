package forward

import (
	"context"
	"net"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/runZeroInc/dropwire/pkg/peer"
	"github.com/runZeroInc/dropwire/pkg/session"
)

// OpenFunc opens a session ready to carry socket traffic: the connect
// exchange, when the capability has one, already happened.
type OpenFunc func(ctx context.Context) (*session.Session, error)

// OpenGeneric returns an OpenFunc targeting host:port through rid's generic
// forwarder.
func OpenGeneric(cli *peer.Client, rid, host string, port int) OpenFunc {
	return func(ctx context.Context) (*session.Session, error) {
		sess, err := cli.OpenSession(ctx, rid, Capability)
		if err != nil {
			return nil, err
		}
		if err := Connect(ctx, sess, host, port); err != nil {
			_ = sess.Close(ctx)
			return nil, err
		}
		return sess, nil
	}
}

// OpenFixed returns an OpenFunc for a forwarder pinned to host:port at
// registration time.
func OpenFixed(cli *peer.Client, rid, host string, port int) OpenFunc {
	return func(ctx context.Context) (*session.Session, error) {
		sess, err := cli.OpenSession(ctx, rid, FixedCapability(host, port))
		if err != nil {
			return nil, err
		}
		if err := AwaitStatus(ctx, sess); err != nil {
			_ = sess.Close(ctx)
			return nil, err
		}
		return sess, nil
	}
}

// Listener accepts local TCP connections and rides each one over its own
// forwarder session.
type Listener struct {
	open OpenFunc
	log  logrus.FieldLogger
	wrap func(net.Conn) net.Conn
}

// ListenerOption adjusts a Listener.
type ListenerOption func(*Listener)

// WithListenerLogger routes listener logs to log.
func WithListenerLogger(log logrus.FieldLogger) ListenerOption {
	return func(l *Listener) { l.log = log }
}

// WithListenerConnWrap wraps every accepted connection, typically for byte
// accounting.
func WithListenerConnWrap(wrap func(net.Conn) net.Conn) ListenerOption {
	return func(l *Listener) { l.wrap = wrap }
}

// NewListener builds a Listener opening sessions through open.
func NewListener(open OpenFunc, opts ...ListenerOption) *Listener {
	l := &Listener{open: open, log: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Serve accepts connections on ln until ctx ends or the listener fails.
func (l *Listener) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	l.log.WithField("addr", ln.Addr().String()).Info("forwarder listening")
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, "accept")
		}
		go l.handle(ctx, conn)
	}
}

func (l *Listener) handle(ctx context.Context, conn net.Conn) {
	log := l.log.WithField("client", conn.RemoteAddr().String())
	if l.wrap != nil {
		conn = l.wrap(conn)
	}
	sess, err := l.open(ctx)
	if err != nil {
		log.WithError(err).Warn("forwarder session open failed")
		conn.Close()
		return
	}
	log = log.WithField("sid", sess.SID())
	log.Debug("forwarder connection opened")
	if err := bridge(ctx, sess, conn, log); err != nil && !isShutdown(err) {
		log.WithError(err).Warn("forwarder bridge failed")
	}
	log.Debug("forwarder connection closed")
}
