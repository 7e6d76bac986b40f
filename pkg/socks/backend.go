package socks

import (
	"context"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/runZeroInc/dropwire/pkg/peer"
	"github.com/runZeroInc/dropwire/pkg/session"
	"github.com/runZeroInc/dropwire/pkg/wire"
)

// DefaultDialTimeout bounds one origin connection attempt.
const DefaultDialTimeout = 10 * time.Second

// Capability names for the two backend actions.
const (
	Capability4 = "socks"
	Capability5 = "socks5"
)

// Backend answers SOCKS handshakes arriving over sessions and bridges the
// granted ones to freshly dialed origin connections. Register Socks4 under
// Capability4 and Socks5 under Capability5.
type Backend struct {
	dialTimeout time.Duration
	log         logrus.FieldLogger
	wrap        func(net.Conn) net.Conn
	dial        func(ctx context.Context, addr string) (net.Conn, error)
}

// BackendOption adjusts a Backend.
type BackendOption func(*Backend)

// WithBackendLogger routes backend logs to log.
func WithBackendLogger(log logrus.FieldLogger) BackendOption {
	return func(b *Backend) { b.log = log }
}

// WithDialTimeout bounds origin dials.
func WithDialTimeout(d time.Duration) BackendOption {
	return func(b *Backend) { b.dialTimeout = d }
}

// WithBackendConnWrap wraps every dialed origin connection, typically for
// byte accounting.
func WithBackendConnWrap(wrap func(net.Conn) net.Conn) BackendOption {
	return func(b *Backend) { b.wrap = wrap }
}

// NewBackend builds a Backend dialing origins over plain TCP.
func NewBackend(opts ...BackendOption) *Backend {
	b := &Backend{
		dialTimeout: DefaultDialTimeout,
		log:         logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.dial = func(ctx context.Context, addr string) (net.Conn, error) {
		d := net.Dialer{Timeout: b.dialTimeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil && b.wrap != nil {
			conn = b.wrap(conn)
		}
		return conn, err
	}
	return b
}

// Socks4 returns the action answering SOCKS4 and SOCKS4a handshakes.
func (b *Backend) Socks4() peer.Action { return peer.ActionFunc(b.serve4) }

// Socks5 returns the action answering SOCKS5 handshakes.
func (b *Backend) Socks5() peer.Action { return peer.ActionFunc(b.serve5) }

func (b *Backend) serve4(ctx context.Context, sess *session.Session) error {
	r := &chunkReader{ctx: ctx, sess: sess}
	req, err := parseSocks4(r)
	if err != nil {
		if isShutdown(err) {
			return nil
		}
		b.log.WithError(err).Warn("bad socks4 handshake")
		_ = sess.Send(ctx, reply4(socks4Rejected))
		return nil
	}
	log := b.log.WithFields(logrus.Fields{"sid": sess.SID(), "origin": req.Addr()})
	if req.Command != cmdConnect {
		log.WithField("cmd", req.Command).Warn("socks4 command not supported")
		_ = sess.Send(ctx, reply4(socks4Rejected))
		return nil
	}
	conn, err := b.dial(ctx, req.Addr())
	if err != nil {
		log.WithError(err).Info("socks4 dial failed")
		_ = sess.Send(ctx, reply4(socks4NoIdentd))
		return nil
	}
	if err := sess.Send(ctx, reply4(socks4Granted)); err != nil {
		conn.Close()
		return err
	}
	if req.UserID != "" {
		log = log.WithField("user", req.UserID)
	}
	log.Info("socks4 connection granted")
	return b.bridge(ctx, sess, conn, r.rest, log)
}

func (b *Backend) serve5(ctx context.Context, sess *session.Session) error {
	r := &chunkReader{ctx: ctx, sess: sess}
	ok, err := b.selectMethod(ctx, sess, r)
	if err != nil {
		if isShutdown(err) {
			return nil
		}
		return err
	}
	if !ok {
		return nil
	}
	req, err := parseRequest5(r)
	if err != nil {
		if isShutdown(err) {
			return nil
		}
		b.log.WithError(err).Warn("bad socks5 request")
		_ = sess.Send(ctx, socks5Refusal(socks5AddrUnsupported))
		return nil
	}
	log := b.log.WithFields(logrus.Fields{"sid": sess.SID(), "origin": req.Addr})
	if req.Command != cmdConnect {
		log.WithField("cmd", req.Command).Warn("socks5 command not supported")
		_ = sess.Send(ctx, req.reply(socks5CmdUnsupported))
		return nil
	}
	conn, err := b.dial(ctx, req.Addr)
	if err != nil {
		log.WithError(err).Info("socks5 dial failed")
		_ = sess.Send(ctx, req.reply(dialStatus5(err)))
		return nil
	}
	if err := sess.Send(ctx, req.reply(socks5Granted)); err != nil {
		conn.Close()
		return err
	}
	log.Info("socks5 connection granted")
	return b.bridge(ctx, sess, conn, r.rest, log)
}

// selectMethod runs method selection and, when username/password is the
// pick, the RFC 1929 exchange. Any credentials are accepted; the tunnel is
// the trust boundary, not the proxy. ok is false when no offered method is
// usable and the refusal has already been sent.
func (b *Backend) selectMethod(ctx context.Context, sess *session.Session, r *chunkReader) (bool, error) {
	head, err := readBytes(r, 2)
	if err != nil {
		return false, err
	}
	if head[0] != socksVersion5 {
		b.log.WithField("version", head[0]).Warn("bad socks5 greeting")
		_ = sess.Send(ctx, []byte{socksVersion5, methodNone})
		return false, nil
	}
	methods, err := readBytes(r, int(head[1]))
	if err != nil {
		return false, err
	}
	var pick byte = methodNone
	for _, m := range methods {
		if m == methodNoAuth {
			pick = methodNoAuth
			break
		}
		if m == methodUserPass {
			pick = methodUserPass
		}
	}
	if err := sess.Send(ctx, []byte{socksVersion5, pick}); err != nil {
		return false, err
	}
	switch pick {
	case methodNone:
		return false, nil
	case methodUserPass:
		if _, err := r.ReadByte(); err != nil { // auth version
			return false, err
		}
		user, err := readCounted(r)
		if err != nil {
			return false, err
		}
		if _, err := readCounted(r); err != nil { // password
			return false, err
		}
		b.log.WithField("user", string(user)).Debug("socks5 auth accepted")
		if err := sess.Send(ctx, []byte{0x01, 0x00}); err != nil {
			return false, err
		}
	}
	return true, nil
}

func readCounted(r io.ByteReader) ([]byte, error) {
	n, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	return readBytes(r, int(n))
}

// bridge shuttles bytes between the session and the origin until either
// side hangs up. leftover holds handshake chunk bytes the parser read past
// the handshake; they belong to the origin.
func (b *Backend) bridge(ctx context.Context, sess *session.Session, conn net.Conn, leftover []byte, log logrus.FieldLogger) error {
	if len(leftover) > 0 {
		if _, err := conn.Write(leftover); err != nil {
			conn.Close()
			return errors.Wrap(err, "write origin")
		}
	}
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
	if err != nil && !isShutdown(err) {
		log.WithError(err).Warn("bridge failed")
		return err
	}
	log.Debug("bridge closed")
	return nil
}

// pumpSessionToConn copies DATA chunk payloads to the origin.
func pumpSessionToConn(ctx context.Context, sess *session.Session, conn net.Conn, log logrus.FieldLogger) error {
	for {
		chunk, err := sess.Next(ctx)
		if err != nil {
			return err
		}
		payload, ok := wire.Unframe(chunk)
		if !ok {
			log.WithField("len", len(chunk)).Debug("dropping untagged chunk")
			continue
		}
		if _, err := conn.Write(payload); err != nil {
			return errors.Wrap(err, "write origin")
		}
	}
}

// pumpConnToSession frames origin bytes and pushes them into the session.
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
				return nil
			}
			return errors.Wrap(err, "read origin")
		}
	}
}

// chunkReader adapts the receive side of a session to io.ByteReader for the
// handshake parsers. Handshake chunks may arrive with or without the DATA
// tag depending on the far end; both spellings are accepted. Bytes consumed
// past the parse stay in rest.
type chunkReader struct {
	ctx  context.Context
	sess *session.Session
	rest []byte
}

func (r *chunkReader) ReadByte() (byte, error) {
	for len(r.rest) == 0 {
		chunk, err := r.sess.Next(r.ctx)
		if err != nil {
			return 0, err
		}
		if payload, ok := wire.Unframe(chunk); ok {
			chunk = payload
		}
		r.rest = chunk
	}
	b := r.rest[0]
	r.rest = r.rest[1:]
	return b, nil
}

// dialStatus5 maps a dial failure onto the closest SOCKS5 reply code.
func dialStatus5(err error) byte {
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return socks5Refused
	case errors.Is(err, syscall.ENETUNREACH):
		return socks5NetUnreachable
	case errors.Is(err, syscall.EHOSTUNREACH):
		return socks5HostUnreachable
	}
	var dns *net.DNSError
	if errors.As(err, &dns) {
		return socks5HostUnreachable
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return socks5HostUnreachable
	}
	return socks5Failure
}

// isShutdown filters the errors normal teardown produces.
func isShutdown(err error) bool {
	return errors.Is(err, session.ErrClosed) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF)
}
