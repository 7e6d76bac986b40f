// Package peer implements the two endpoints that meet on a shared medium:
// servers advertise capabilities and answer discovery traffic, clients open
// sessions and issue generic calls. All control messages travel through the
// fixed discovery slot at session 0, sequence 0; writing a slot replaces its
// previous content, so the slots behave like mailboxes rather than queues.
package peer

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/runZeroInc/dropwire/pkg/blobstore"
	"github.com/runZeroInc/dropwire/pkg/session"
)

// Action serves one accepted session. The server closes the session after
// Serve returns, whatever the outcome.
type Action interface {
	Serve(ctx context.Context, sess *session.Session) error
}

// ActionFunc adapts a function to Action.
type ActionFunc func(ctx context.Context, sess *session.Session) error

func (f ActionFunc) Serve(ctx context.Context, sess *session.Session) error { return f(ctx, sess) }

// Responder answers generic calls addressed to a named target.
type Responder interface {
	Respond(ctx context.Context, method string, args []string) (string, error)
}

// ResponderFunc adapts a function to Responder.
type ResponderFunc func(ctx context.Context, method string, args []string) (string, error)

func (f ResponderFunc) Respond(ctx context.Context, method string, args []string) (string, error) {
	return f(ctx, method, args)
}

// ErrStopped reports a serve loop ended by a remote stop request.
var ErrStopped = errors.New("peer: server stopped")

// ServiceError reports an open request naming a capability the server does
// not carry.
type ServiceError struct {
	Capability string
}

func (e *ServiceError) Error() string { return "service not known: " + e.Capability }

// Polling bounds for discovery traffic. Waits start at the floor and double
// while nothing arrives.
const (
	pollMin = 100 * time.Millisecond
	pollMax = 5 * time.Second
)

// discoverySlot is the fixed request slot from sender to recipient. Replies
// travel on the mirrored slot.
func discoverySlot(sender, recipient string) blobstore.Ref {
	return blobstore.Ref{Sender: sender, Recipient: recipient, SID: 0, Seq: 0}
}
