// Package session turns named blobs on a shared medium into ordered duplex
// byte streams. Each session is the (client, server, sid) triple; every
// direction numbers its chunks from zero and the reader consumes them in
// strict sequence, so the medium may deliver listings in any order it likes.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/runZeroInc/dropwire/pkg/blobstore"
	"github.com/runZeroInc/dropwire/pkg/wire"
)

// MaxChunk is the largest payload carried by a single blob. Send fragments
// anything bigger into consecutive sequence numbers.
const MaxChunk = 500000

// Polling bounds for the receive side. The wait starts at the floor and
// doubles while the inbox stays empty.
const (
	pollMin = 100 * time.Millisecond
	pollMax = 5 * time.Second
)

// ErrClosed reports a session whose close marker was already sent or
// consumed.
var ErrClosed = errors.New("session: closed")

// Session is one endpoint of a logical stream. Send may be called from any
// goroutine; the receive side (TryNext, Next, ReadByte) is single-consumer.
type Session struct {
	store   blobstore.Store
	local   string
	remote  string
	sid     uint64
	log     logrus.FieldLogger
	started time.Time

	sendMu  sync.Mutex
	sendSeq uint64

	recvSeq uint64
	buf     []byte // unconsumed tail of the last chunk

	closed atomic.Bool

	bytesIn   atomic.Uint64
	bytesOut  atomic.Uint64
	chunksIn  atomic.Uint64
	chunksOut atomic.Uint64
}

type Option func(*Session)

func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Session) { s.log = log }
}

// New binds one endpoint of session sid between local and remote over store.
// Both peers construct it with mirrored ids and the same sid.
func New(store blobstore.Store, local, remote string, sid uint64, opts ...Option) *Session {
	s := &Session{
		store:   store,
		local:   local,
		remote:  remote,
		sid:     sid,
		log:     logrus.StandardLogger(),
		started: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithFields(logrus.Fields{"sid": sid, "remote": remote})
	return s
}

func (s *Session) LocalID() string  { return s.local }
func (s *Session) RemoteID() string { return s.remote }
func (s *Session) SID() uint64      { return s.sid }

// Closed reports whether the close marker was sent or consumed.
func (s *Session) Closed() bool { return s.closed.Load() }

// Send writes payload as one or more chunks at the next sequence numbers.
// An empty payload still produces one (empty) chunk.
func (s *Session) Send(ctx context.Context, payload []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.send(ctx, payload)
}

func (s *Session) send(ctx context.Context, payload []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	for {
		chunk := payload
		if len(chunk) > MaxChunk {
			chunk = payload[:MaxChunk]
		}
		ref := blobstore.Ref{Sender: s.local, Recipient: s.remote, SID: s.sid, Seq: s.sendSeq}
		if _, err := s.store.Send(ctx, ref, chunk); err != nil {
			return errors.Wrapf(err, "send chunk %v", ref)
		}
		s.sendSeq++
		s.chunksOut.Add(1)
		s.bytesOut.Add(uint64(len(chunk)))
		payload = payload[len(chunk):]
		if len(payload) == 0 {
			return nil
		}
	}
}

// TryNext probes the medium once for the next inbound chunk. It returns
// false when nothing is pending yet, and ErrClosed once the session is
// closed.
func (s *Session) TryNext(ctx context.Context) ([]byte, bool, error) {
	if s.closed.Load() {
		return nil, false, ErrClosed
	}
	if len(s.buf) > 0 {
		chunk := s.buf
		s.buf = nil
		return chunk, true, nil
	}
	ref := blobstore.Ref{Sender: s.remote, Recipient: s.local, SID: s.sid, Seq: s.recvSeq}
	uids, err := s.store.List(ctx, blobstore.Exact(ref))
	if err != nil {
		return nil, false, errors.Wrapf(err, "poll %v", ref)
	}
	if len(uids) == 0 {
		return nil, false, nil
	}
	_, payload, err := s.store.Fetch(ctx, uids[0])
	if errors.Is(err, blobstore.ErrNotFound) {
		// The blob vanished between the listing and the fetch.
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "fetch %v", ref)
	}
	if err := s.store.Delete(ctx, uids[0]); err != nil {
		return nil, false, errors.Wrapf(err, "consume %v", ref)
	}
	s.recvSeq++
	s.chunksIn.Add(1)
	s.bytesIn.Add(uint64(len(payload)))
	if wire.IsClose(payload) {
		s.log.Debug("peer closed session")
		s.closed.Store(true)
		return nil, false, ErrClosed
	}
	return payload, true, nil
}

// Next blocks until the next chunk arrives, the session closes, or ctx
// expires.
func (s *Session) Next(ctx context.Context) ([]byte, error) {
	floor := blobstore.Floor(s.store, pollMin)
	ceil := pollMax
	if floor > ceil {
		ceil = floor
	}
	wait := floor
	for {
		chunk, ok, err := s.TryNext(ctx)
		if err != nil {
			return nil, err
		}
		if ok {
			return chunk, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		blobstore.Wait(ctx, s.store, wait)
		wait *= 2
		if wait > ceil {
			wait = ceil
		}
	}
}

// ReadByte blocks until one byte is available. Empty chunks are skipped.
func (s *Session) ReadByte(ctx context.Context) (byte, error) {
	for len(s.buf) == 0 {
		chunk, err := s.Next(ctx)
		if err != nil {
			return 0, err
		}
		s.buf = chunk
	}
	b := s.buf[0]
	s.buf = s.buf[1:]
	return b, nil
}

// Close publishes the close marker as an ordinary chunk and retires the
// session. Closing twice, or closing a session whose peer closed first,
// sends nothing. Session 0 carries discovery traffic for the lifetime of
// the peer and never gets a close marker.
func (s *Session) Close(ctx context.Context) error {
	if s.closed.Swap(true) {
		return nil
	}
	if s.sid == 0 {
		return nil
	}
	s.log.Debug("closing session")
	return s.send(ctx, wire.CloseSession())
}

// Stats is a point-in-time counter snapshot.
type Stats struct {
	Local     string
	Remote    string
	SID       uint64
	BytesIn   uint64
	BytesOut  uint64
	ChunksIn  uint64
	ChunksOut uint64
	Age       time.Duration
	Closed    bool
}

func (s *Session) Stats() Stats {
	return Stats{
		Local:     s.local,
		Remote:    s.remote,
		SID:       s.sid,
		BytesIn:   s.bytesIn.Load(),
		BytesOut:  s.bytesOut.Load(),
		ChunksIn:  s.chunksIn.Load(),
		ChunksOut: s.chunksOut.Load(),
		Age:       time.Since(s.started),
		Closed:    s.closed.Load(),
	}
}
