// Package blobstore is the named-blob channel both tunnel peers poll. A blob
// carries (sender, recipient, sid, seq) metadata plus an opaque payload; the
// medium underneath can be a shared directory, an FTP directory, or an IMAP
// mailbox. All bindings expose the same Store contract, so everything above
// them is medium-agnostic.
package blobstore

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// AnyPeer is the broadcast recipient. Blobs addressed to it are visible to
// every lister; consumers must not delete them and instead remember the uids
// they have already processed.
const AnyPeer = "ANY"

// DefaultBroadcastTTL is how long broadcast blobs survive before a lister
// reaps them.
const DefaultBroadcastTTL = 24 * time.Hour

// DefaultRestartAfter is the age at which bindings holding a persistent
// login (FTP, IMAP) renew their connection.
const DefaultRestartAfter = time.Hour

// ErrNotFound reports a fetch or delete that lost a race with another
// consumer, or a capability record that does not exist.
var ErrNotFound = errors.New("blobstore: not found")

// Ref names one blob on the medium.
type Ref struct {
	Sender    string
	Recipient string
	SID       uint64
	Seq       uint64
}

func (r Ref) String() string {
	return fmt.Sprintf("%s>%s/%d#%d", r.Sender, r.Recipient, r.SID, r.Seq)
}

// Filter selects blobs when listing. Empty peer fields match any peer, and a
// negative SID or Seq matches any value. Matching is literal: a filter for
// recipient X does not return broadcast blobs, callers list AnyPeer
// explicitly when they want those too.
type Filter struct {
	Sender    string
	Recipient string
	SID       int64
	Seq       int64
}

// Exact matches only the blob named by ref.
func Exact(r Ref) Filter {
	return Filter{Sender: r.Sender, Recipient: r.Recipient, SID: int64(r.SID), Seq: int64(r.Seq)}
}

// Inbox matches blobs addressed to recipient at (sid, seq) from any sender.
func Inbox(recipient string, sid, seq uint64) Filter {
	return Filter{Recipient: recipient, SID: int64(sid), Seq: int64(seq)}
}

// InSession matches every blob addressed to recipient inside session sid.
func InSession(recipient string, sid uint64) Filter {
	return Filter{Recipient: recipient, SID: int64(sid), Seq: -1}
}

// Addressed matches every blob addressed to recipient.
func Addressed(recipient string) Filter {
	return Filter{Recipient: recipient, SID: -1, Seq: -1}
}

// Match reports whether ref satisfies the filter.
func (f Filter) Match(r Ref) bool {
	if f.Sender != "" && f.Sender != r.Sender {
		return false
	}
	if f.Recipient != "" && f.Recipient != r.Recipient {
		return false
	}
	if f.SID >= 0 && uint64(f.SID) != r.SID {
		return false
	}
	if f.Seq >= 0 && uint64(f.Seq) != r.Seq {
		return false
	}
	return true
}

// exactRef reports whether the filter pins every name field, and the ref it
// pins. Bindings use it to probe a single name instead of scanning.
func (f Filter) exactRef() (Ref, bool) {
	if f.Sender == "" || f.Recipient == "" || f.SID < 0 || f.Seq < 0 {
		return Ref{}, false
	}
	return Ref{Sender: f.Sender, Recipient: f.Recipient, SID: uint64(f.SID), Seq: uint64(f.Seq)}, true
}

// Store is the transport capability set shared by all bindings.
type Store interface {
	// Send writes one blob atomically and returns its uid. A blob with the
	// same ref already on the medium is replaced.
	Send(ctx context.Context, ref Ref, payload []byte) (string, error)
	// List returns the uids of blobs matching f.
	List(ctx context.Context, f Filter) ([]string, error)
	// Fetch retrieves a listed blob without removing it.
	Fetch(ctx context.Context, uid string) (Ref, []byte, error)
	// Delete removes a blob. Deleting an absent uid is not an error.
	Delete(ctx context.Context, uid string) error

	// PublishCapabilities overwrites the capability record for rid.
	PublishCapabilities(ctx context.Context, rid string, names []string) error
	// RemoveCapabilities deletes the capability record for rid, if any.
	RemoveCapabilities(ctx context.Context, rid string) error
	// Servers returns every rid with a capability record on the medium.
	Servers(ctx context.Context) ([]string, error)
	// Capabilities returns the capability names advertised by rid, or
	// ErrNotFound when rid has no record.
	Capabilities(ctx context.Context, rid string) ([]string, error)

	// Purge removes every data blob addressed to id.
	Purge(ctx context.Context, id string) error
	// Close releases the medium connection.
	Close() error
}

// ChangeWaiter is implemented by bindings that can wake pollers early when
// the medium changes.
type ChangeWaiter interface {
	WaitChange(ctx context.Context, max time.Duration)
}

// PollHinter is implemented by bindings that want a minimum pause between
// polls, typically because each poll is a round trip to a remote server.
type PollHinter interface {
	PollFloor() time.Duration
}

// Floor returns the binding's preferred minimum poll pause, or def for
// bindings without a preference.
func Floor(s Store, def time.Duration) time.Duration {
	if h, ok := s.(PollHinter); ok {
		if d := h.PollFloor(); d > 0 {
			return d
		}
	}
	return def
}

// Wait blocks until the medium reports a change, max elapses, or ctx ends.
// Bindings without change notification just sleep for max.
func Wait(ctx context.Context, s Store, max time.Duration) {
	if w, ok := s.(ChangeWaiter); ok {
		w.WaitChange(ctx, max)
		return
	}
	Sleep(ctx, max)
}

// Sleep pauses for d or until ctx ends, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
