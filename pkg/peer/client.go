package peer

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/runZeroInc/dropwire/pkg/blobstore"
	"github.com/runZeroInc/dropwire/pkg/session"
	"github.com/runZeroInc/dropwire/pkg/wire"
)

// Client opens sessions and issues calls against servers on the medium. Its
// discovery exchanges share one slot per server, so they run one at a time.
type Client struct {
	store blobstore.Store
	id    string
	log   logrus.FieldLogger

	mu sync.Mutex
}

type ClientOption func(*Client)

func WithClientLogger(log logrus.FieldLogger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient returns a client identified as id on store.
func NewClient(store blobstore.Store, id string, opts ...ClientOption) *Client {
	c := &Client{
		store: store,
		id:    id,
		log:   logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.WithField("cid", id)
	return c
}

func (c *Client) ID() string { return c.id }

// Servers lists the ids currently advertising on the medium.
func (c *Client) Servers(ctx context.Context) ([]string, error) {
	return c.store.Servers(ctx)
}

// Capabilities lists what server rid advertises.
func (c *Client) Capabilities(ctx context.Context, rid string) ([]string, error) {
	return c.store.Capabilities(ctx, rid)
}

// OpenSession asks rid to start a capability session and returns the local
// endpoint bound to the assigned session id.
func (c *Client) OpenSession(ctx context.Context, rid, capability string) (*session.Session, error) {
	reply, err := c.exchange(ctx, rid, wire.Open(capability))
	if err != nil {
		return nil, err
	}
	sid, err := wire.ParseOpenReply(reply)
	if err != nil {
		var remote *wire.RemoteError
		if errors.As(err, &remote) && strings.HasPrefix(remote.Reason, wire.ServiceNotKnownPrefix) {
			return nil, &ServiceError{Capability: strings.TrimPrefix(remote.Reason, wire.ServiceNotKnownPrefix)}
		}
		return nil, err
	}
	c.log.WithFields(logrus.Fields{"rid": rid, "capability": capability, "sid": sid}).Debug("session opened")
	return session.New(c.store, c.id, rid, sid, session.WithLogger(c.log)), nil
}

// Call invokes method on the named responder target of server rid and
// returns the textual reply.
func (c *Client) Call(ctx context.Context, rid, target, method string, args ...string) (string, error) {
	msg, err := wire.NewRPC(target, method, args...)
	if err != nil {
		return "", err
	}
	reply, err := c.exchange(ctx, rid, msg)
	if err != nil {
		return "", err
	}
	if parsed := wire.Parse(reply); parsed.Kind == wire.KindError {
		return "", &wire.RemoteError{Reason: parsed.Reason}
	}
	return string(reply), nil
}

// StopServer asks rid to leave its serve loop. No reply comes back.
func (c *Client) StopServer(ctx context.Context, rid string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.store.Send(ctx, discoverySlot(c.id, rid), wire.StopServer())
	return errors.Wrap(err, "send stop")
}

// StopAll broadcasts the stop request to every listening server.
func (c *Client) StopAll(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.store.Send(ctx, discoverySlot(c.id, blobstore.AnyPeer), wire.StopServer())
	return errors.Wrap(err, "broadcast stop")
}

// exchange writes one request into the slot for rid and consumes the
// mirrored reply slot. Callers bound the wait through ctx.
func (c *Client) exchange(ctx context.Context, rid string, request []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	replySlot := blobstore.Exact(discoverySlot(rid, c.id))
	// Drop whatever a previous run left in the reply slot.
	stale, err := c.store.List(ctx, replySlot)
	if err != nil {
		return nil, errors.Wrap(err, "probe reply slot")
	}
	for _, uid := range stale {
		if err := c.store.Delete(ctx, uid); err != nil {
			return nil, errors.Wrap(err, "clear reply slot")
		}
	}

	if _, err := c.store.Send(ctx, discoverySlot(c.id, rid), request); err != nil {
		return nil, errors.Wrap(err, "send request")
	}

	floor := blobstore.Floor(c.store, pollMin)
	ceil := pollMax
	if floor > ceil {
		ceil = floor
	}
	wait := floor
	for {
		uids, err := c.store.List(ctx, replySlot)
		if err != nil {
			return nil, errors.Wrap(err, "poll reply slot")
		}
		if len(uids) > 0 {
			_, payload, err := c.store.Fetch(ctx, uids[0])
			if errors.Is(err, blobstore.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, errors.Wrap(err, "fetch reply")
			}
			if err := c.store.Delete(ctx, uids[0]); err != nil {
				return nil, errors.Wrap(err, "consume reply")
			}
			return payload, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		blobstore.Wait(ctx, c.store, wait)
		wait *= 2
		if wait > ceil {
			wait = ceil
		}
	}
}
