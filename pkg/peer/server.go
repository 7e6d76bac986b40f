package peer

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/runZeroInc/dropwire/pkg/blobstore"
	"github.com/runZeroInc/dropwire/pkg/session"
	"github.com/runZeroInc/dropwire/pkg/wire"
)

// Server advertises capabilities under one id and turns accepted open
// requests into action-driven sessions.
type Server struct {
	store blobstore.Store
	id    string
	log   logrus.FieldLogger

	mu         sync.Mutex
	actions    map[string]Action
	responders map[string]Responder
	sessions   map[uint64]serverSession
	nextSID    uint64

	// seen holds the uids of broadcast blobs already handled. Broadcasts
	// stay on the medium for the other listeners, so they would otherwise
	// be handled again on every poll.
	seen    map[string]struct{}
	started time.Time
}

type ServerOption func(*Server)

func WithServerLogger(log logrus.FieldLogger) ServerOption {
	return func(s *Server) { s.log = log }
}

// NewServer returns a server identified as id on store. The built-in
// "server" responder (ping, capabilities, stats) is registered already.
func NewServer(store blobstore.Store, id string, opts ...ServerOption) *Server {
	s := &Server{
		store:      store,
		id:         id,
		log:        logrus.StandardLogger(),
		actions:    make(map[string]Action),
		responders: make(map[string]Responder),
		sessions:   make(map[uint64]serverSession),
		nextSID:    1,
		seen:       make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithField("rid", id)
	s.responders["server"] = ResponderFunc(s.respond)
	return s
}

func (s *Server) ID() string { return s.id }

// Register makes an action reachable under a capability name.
func (s *Server) Register(name string, act Action) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions[name] = act
}

// RegisterResponder exposes a generic-call target.
func (s *Server) RegisterResponder(name string, r Responder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responders[name] = r
}

// Capabilities returns the registered capability names, sorted.
func (s *Server) Capabilities() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.actions))
	for name := range s.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// serverSession pairs a live session with the capability it serves.
type serverSession struct {
	sess       *session.Session
	capability string
}

// SessionInfo is a monitoring snapshot of one live session.
type SessionInfo struct {
	Capability string
	session.Stats
}

// SessionStats snapshots the live sessions for monitoring.
func (s *Server) SessionStats() []SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SessionInfo, 0, len(s.sessions))
	for _, ent := range s.sessions {
		out = append(out, SessionInfo{Capability: ent.capability, Stats: ent.sess.Stats()})
	}
	return out
}

// Serve publishes the capability record and answers discovery traffic until
// a stop request arrives (ErrStopped) or ctx ends (the context error). The
// record is withdrawn and open sessions are closed on the way out. Poll
// failures are logged and retried, not fatal; shared media come and go.
func (s *Server) Serve(ctx context.Context) error {
	s.started = time.Now()
	if err := s.store.PublishCapabilities(ctx, s.id, s.Capabilities()); err != nil {
		return errors.Wrap(err, "publish capabilities")
	}
	s.log.WithField("capabilities", strings.Join(s.Capabilities(), ",")).Info("serving")
	defer s.cleanup()

	floor := blobstore.Floor(s.store, pollMin)
	ceil := pollMax
	if floor > ceil {
		ceil = floor
	}
	wait := floor
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		handled, stopped, err := s.pollOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.WithError(err).Warn("discovery poll failed")
		}
		if stopped {
			return ErrStopped
		}
		if handled {
			wait = floor
			continue
		}
		blobstore.Wait(ctx, s.store, wait)
		wait *= 2
		if wait > ceil {
			wait = ceil
		}
	}
}

// pollOnce drains the direct discovery slot and walks the broadcast slot.
func (s *Server) pollOnce(ctx context.Context) (handled, stopped bool, err error) {
	direct, err := s.store.List(ctx, blobstore.Inbox(s.id, 0, 0))
	if err != nil {
		return false, false, errors.Wrap(err, "list discovery slot")
	}
	for _, uid := range direct {
		ref, payload, err := s.store.Fetch(ctx, uid)
		if errors.Is(err, blobstore.ErrNotFound) {
			continue
		}
		if err != nil {
			return handled, false, errors.Wrap(err, "fetch discovery blob")
		}
		if err := s.store.Delete(ctx, uid); err != nil {
			return handled, false, errors.Wrap(err, "consume discovery blob")
		}
		handled = true
		if s.handle(ctx, ref.Sender, payload) {
			return handled, true, nil
		}
	}

	bcast, err := s.store.List(ctx, blobstore.Inbox(blobstore.AnyPeer, 0, 0))
	if err != nil {
		return handled, false, errors.Wrap(err, "list broadcast slot")
	}
	for _, uid := range bcast {
		if _, ok := s.seen[uid]; ok {
			continue
		}
		ref, payload, err := s.store.Fetch(ctx, uid)
		if errors.Is(err, blobstore.ErrNotFound) {
			continue
		}
		if err != nil {
			return handled, false, errors.Wrap(err, "fetch broadcast blob")
		}
		// Broadcasts stay on the medium for the other listeners.
		s.seen[uid] = struct{}{}
		handled = true
		if s.handle(ctx, ref.Sender, payload) {
			return handled, true, nil
		}
	}
	return handled, false, nil
}

// handle dispatches one discovery message. It reports whether the message
// asked the server to stop.
func (s *Server) handle(ctx context.Context, from string, payload []byte) bool {
	msg := wire.Parse(payload)
	switch msg.Kind {
	case wire.KindOpen:
		s.openSession(ctx, from, msg.Capability)
	case wire.KindRPC:
		s.call(ctx, from, msg)
	case wire.KindStop:
		s.log.WithField("remote", from).Info("stop requested")
		return true
	default:
		s.log.WithFields(logrus.Fields{"remote": from, "kind": msg.Kind.String()}).
			Warn("unexpected discovery message")
	}
	return false
}

func (s *Server) openSession(ctx context.Context, from, capability string) {
	s.mu.Lock()
	act, ok := s.actions[capability]
	var sess *session.Session
	var sid uint64
	if ok {
		sid = s.nextSID
		s.nextSID++
		sess = session.New(s.store, s.id, from, sid, session.WithLogger(s.log))
		s.sessions[sid] = serverSession{sess: sess, capability: capability}
	}
	s.mu.Unlock()

	if !ok {
		s.log.WithFields(logrus.Fields{"cid": from, "capability": capability}).
			Warn("open request for unknown capability")
		if _, err := s.store.Send(ctx, discoverySlot(s.id, from), wire.ServiceNotKnown(capability)); err != nil {
			s.log.WithError(err).Warn("open reply failed")
		}
		return
	}
	if _, err := s.store.Send(ctx, discoverySlot(s.id, from), wire.SIDReply(sid)); err != nil {
		s.log.WithError(err).Warn("open reply failed")
		s.mu.Lock()
		delete(s.sessions, sid)
		s.mu.Unlock()
		return
	}
	go s.runAction(ctx, capability, act, sess)
}

func (s *Server) runAction(ctx context.Context, capability string, act Action, sess *session.Session) {
	log := s.log.WithFields(logrus.Fields{"sid": sess.SID(), "capability": capability, "cid": sess.RemoteID()})
	log.Info("session opened")
	err := act.Serve(ctx, sess)
	switch {
	case err == nil, errors.Is(err, session.ErrClosed), errors.Is(err, context.Canceled):
	default:
		log.WithError(err).Warn("action failed")
	}
	if err := sess.Close(ctx); err != nil && ctx.Err() == nil {
		log.WithError(err).Warn("session close failed")
	}
	s.mu.Lock()
	delete(s.sessions, sess.SID())
	s.mu.Unlock()
	log.Info("session closed")
}

func (s *Server) call(ctx context.Context, from string, msg wire.Control) {
	s.mu.Lock()
	r, ok := s.responders[msg.Target]
	s.mu.Unlock()

	var reply []byte
	switch {
	case !ok:
		reply = wire.NewError(fmt.Sprintf("Error while calling %s on %s: no such target", msg.Method, msg.Target))
	default:
		out, err := r.Respond(ctx, msg.Method, msg.Args)
		if err != nil {
			reply = wire.NewError(fmt.Sprintf("Error while calling %s on %s: %v", msg.Method, msg.Target, err))
		} else {
			reply = []byte(out)
		}
	}
	if _, err := s.store.Send(ctx, discoverySlot(s.id, from), reply); err != nil {
		s.log.WithError(err).Warn("call reply failed")
	}
}

// respond answers the built-in "server" target.
func (s *Server) respond(_ context.Context, method string, _ []string) (string, error) {
	switch method {
	case "ping":
		return "pong", nil
	case "capabilities":
		return strings.Join(s.Capabilities(), ","), nil
	case "stats":
		return s.statsLine(), nil
	}
	return "", errors.Errorf("unknown method %q", method)
}

func (s *Server) statsLine() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var bytesIn, bytesOut uint64
	for _, ent := range s.sessions {
		st := ent.sess.Stats()
		bytesIn += st.BytesIn
		bytesOut += st.BytesOut
	}
	return fmt.Sprintf("sessions=%d next_sid=%d bytes_in=%d bytes_out=%d uptime=%s",
		len(s.sessions), s.nextSID, bytesIn, bytesOut, time.Since(s.started).Round(time.Second))
}

// cleanup withdraws the advertisement and closes live sessions so remote
// ends stop waiting. It runs on its own context because the serve context
// is usually gone by now.
func (s *Server) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.store.RemoveCapabilities(ctx, s.id); err != nil {
		s.log.WithError(err).Warn("capability record removal failed")
	}
	s.mu.Lock()
	open := make([]*session.Session, 0, len(s.sessions))
	for _, ent := range s.sessions {
		open = append(open, ent.sess)
	}
	s.mu.Unlock()
	for _, sess := range open {
		_ = sess.Close(ctx)
	}
	s.log.Info("server stopped")
}
