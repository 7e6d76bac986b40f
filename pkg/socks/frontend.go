package socks

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/runZeroInc/dropwire/pkg/session"
	"github.com/runZeroInc/dropwire/pkg/wire"
)

const (
	// BlockSize bounds one read from the local socket.
	BlockSize = 1024
	// DataTimeout is how long buffered bytes wait for company before they
	// are flushed into a chunk.
	DataTimeout = 20 * time.Millisecond
	// LoopTimeout paces the local socket polls between flush checks.
	LoopTimeout = 10 * time.Millisecond
)

// OpenFunc opens a fresh tunnel session. The front-end calls it once per
// accepted connection.
type OpenFunc func(ctx context.Context) (*session.Session, error)

// Frontend accepts local TCP connections from SOCKS clients and tunnels
// each one over its own session. It never interprets the conversation
// beyond finding the handshake boundary: handshake messages cross untagged,
// everything after them rides in DATA chunks.
type Frontend struct {
	open OpenFunc
	log  logrus.FieldLogger
	wrap func(net.Conn) net.Conn
}

// FrontendOption adjusts a Frontend.
type FrontendOption func(*Frontend)

// WithFrontendLogger routes front-end logs to log.
func WithFrontendLogger(log logrus.FieldLogger) FrontendOption {
	return func(f *Frontend) { f.log = log }
}

// WithFrontendConnWrap wraps every accepted client connection, typically
// for byte accounting.
func WithFrontendConnWrap(wrap func(net.Conn) net.Conn) FrontendOption {
	return func(f *Frontend) { f.wrap = wrap }
}

// NewFrontend builds a Frontend opening sessions through open.
func NewFrontend(open OpenFunc, opts ...FrontendOption) *Frontend {
	f := &Frontend{open: open, log: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Serve accepts connections on ln until ctx ends or the listener fails.
func (f *Frontend) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	f.log.WithField("addr", ln.Addr().String()).Info("proxy listening")
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, "accept")
		}
		go f.handle(ctx, conn)
	}
}

func (f *Frontend) handle(ctx context.Context, conn net.Conn) {
	log := f.log.WithField("client", conn.RemoteAddr().String())
	if f.wrap != nil {
		conn = f.wrap(conn)
	}
	sess, err := f.open(ctx)
	if err != nil {
		log.WithError(err).Warn("session open failed")
		conn.Close()
		return
	}
	log = log.WithField("sid", sess.SID())
	log.Debug("proxy connection opened")
	f.bridge(ctx, sess, conn, log)
	log.Debug("proxy connection closed")
}

func (f *Frontend) bridge(ctx context.Context, sess *session.Session, conn net.Conn, log logrus.FieldLogger) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return f.pumpClientToSession(gctx, sess, conn)
	})
	g.Go(func() error {
		defer cancel()
		return f.pumpSessionToClient(gctx, sess, conn)
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
	if err != nil && !isShutdown(err) {
		log.WithError(err).Warn("proxy bridge failed")
	}
}

// pumpClientToSession reads the local socket and turns bytes into chunks.
// Handshake messages flush as soon as they are syntactically complete and
// travel untagged; payload coalesces until the chunk is nearly full or
// DataTimeout passes without new bytes.
func (f *Frontend) pumpClientToSession(ctx context.Context, sess *session.Session, conn net.Conn) error {
	var (
		tk       tracker
		control  []byte
		payload  []byte
		buf      = make([]byte, BlockSize)
		lastByte = time.Now()
	)
	flushControl := func() error {
		if len(control) == 0 {
			return nil
		}
		err := sess.Send(ctx, control)
		control = nil
		return err
	}
	flushPayload := func() error {
		if len(payload) == 0 {
			return nil
		}
		err := sess.Send(ctx, wire.Frame(payload))
		payload = nil
		return err
	}
	for {
		if ctx.Err() != nil {
			return nil
		}
		_ = conn.SetReadDeadline(time.Now().Add(LoopTimeout))
		n, err := conn.Read(buf)
		for _, b := range buf[:n] {
			if tk.done() {
				payload = append(payload, b)
				continue
			}
			control = append(control, b)
			complete, perr := tk.feed(b)
			if perr != nil {
				return perr
			}
			if complete {
				if ferr := flushControl(); ferr != nil {
					return ferr
				}
			}
		}
		if n > 0 {
			lastByte = time.Now()
		}
		if len(payload) >= session.MaxChunk-BlockSize {
			if ferr := flushPayload(); ferr != nil {
				return ferr
			}
		}
		if time.Since(lastByte) >= DataTimeout {
			if ferr := flushControl(); ferr != nil {
				return ferr
			}
			if ferr := flushPayload(); ferr != nil {
				return ferr
			}
		}
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			if err == io.EOF || errors.Is(err, net.ErrClosed) {
				if ferr := flushControl(); ferr != nil {
					return ferr
				}
				return flushPayload()
			}
			return errors.Wrap(err, "read client")
		}
	}
}

// pumpSessionToClient writes chunk bytes back to the local socket. DATA
// chunks are stripped of their tag; anything else is a handshake reply from
// the far side and goes through verbatim.
func (f *Frontend) pumpSessionToClient(ctx context.Context, sess *session.Session, conn net.Conn) error {
	for {
		chunk, err := sess.Next(ctx)
		if err != nil {
			return err
		}
		if payload, ok := wire.Unframe(chunk); ok {
			chunk = payload
		}
		if len(chunk) == 0 {
			continue
		}
		if _, err := conn.Write(chunk); err != nil {
			return errors.Wrap(err, "write client")
		}
	}
}
