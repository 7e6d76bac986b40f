// Package wire encodes and decodes the control messages peers exchange on
// the discovery channel and inside sessions. The literal byte strings below
// are the wire contract; they must stay exactly as written or peers stop
// understanding each other.
package wire

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	openPrefix  = "MessageOutsideCommunication:PleaseStartASession:"
	closeMarker = "MessageInCommunication:PleaseCloseTheSession"
	stopMarker  = "MessageOutsideSession:StopServer"
	rpcPrefix   = "GenericMessageFor:"
	errPrefix   = "Error:"

	// ServiceNotKnownPrefix starts the error reason sent back when an open
	// request names a capability the server does not have.
	ServiceNotKnownPrefix = "ServiceNotKnown:"
)

var (
	openBytes  = []byte(openPrefix)
	closeBytes = []byte(closeMarker)
	stopBytes  = []byte(stopMarker)
	rpcBytes   = []byte(rpcPrefix)
	errBytes   = []byte(errPrefix)
)

// DataTag prefixes payload chunks in the SOCKS and forwarder tunneling
// protocols. A chunk without it is a control message for the endpoint state
// machine.
var DataTag = []byte("DATA")

// Kind discriminates the control messages understood by peers.
type Kind int

const (
	// KindData is any payload matching no sentinel.
	KindData Kind = iota
	// KindOpen asks the server to start a session for a capability.
	KindOpen
	// KindClose ends a session in band.
	KindClose
	// KindStop asks the server to leave its serve loop.
	KindStop
	// KindRPC invokes a named method on the server or one of its actions.
	KindRPC
	// KindError carries a failure reason back to the requester.
	KindError
)

var kindNames = map[Kind]string{
	KindData:  "data",
	KindOpen:  "open",
	KindClose: "close",
	KindStop:  "stop",
	KindRPC:   "rpc",
	KindError: "error",
}

func (k Kind) String() string { return kindNames[k] }

// Control is one decoded control message.
type Control struct {
	Kind       Kind
	Capability string   // KindOpen
	Reason     string   // KindError
	Target     string   // KindRPC
	Method     string   // KindRPC
	Args       []string // KindRPC
	Data       []byte   // KindData, the raw payload
}

// Open returns the message asking for a new session bound to capability.
func Open(capability string) []byte {
	return append([]byte(openPrefix), capability...)
}

// CloseSession returns the in-band close sentinel.
func CloseSession() []byte { return []byte(closeMarker) }

// StopServer returns the message that ends a server's serve loop.
func StopServer() []byte { return []byte(stopMarker) }

// NewError returns an error reply carrying reason.
func NewError(reason string) []byte { return append([]byte(errPrefix), reason...) }

// ServiceNotKnown returns the error reply for an unregistered capability.
func ServiceNotKnown(capability string) []byte {
	return NewError(ServiceNotKnownPrefix + capability)
}

// SIDReply returns the successful open reply carrying the assigned session
// id as decimal ASCII.
func SIDReply(sid uint64) []byte { return strconv.AppendUint(nil, sid, 10) }

// rpcSeparators are tried in order when encoding an RPC message. The colon
// is excluded because it occurs inside the message prefix itself.
var rpcSeparators = []byte{'|', ';', ',', '!', '~', 0x00, 0x01, 0x02}

// NewRPC returns the generic call message for target.method(args...). The
// field separator is a byte absent from every field, and the message is
// terminated by it so that decoders recover it from the last byte.
func NewRPC(target, method string, args ...string) ([]byte, error) {
	fields := make([]string, 0, len(args)+2)
	fields = append(fields, target, method)
	fields = append(fields, args...)
	var sep byte
	found := false
	for _, cand := range rpcSeparators {
		if !anyContains(fields, cand) {
			sep, found = cand, true
			break
		}
	}
	if !found {
		return nil, errors.New("wire: no usable separator for rpc fields")
	}
	var buf bytes.Buffer
	buf.WriteString(rpcPrefix)
	for _, f := range fields {
		buf.WriteByte(sep)
		buf.WriteString(f)
	}
	buf.WriteByte(sep)
	return buf.Bytes(), nil
}

func anyContains(fields []string, b byte) bool {
	for _, f := range fields {
		if strings.IndexByte(f, b) >= 0 {
			return true
		}
	}
	return false
}

// Parse classifies a raw payload. Payloads matching no sentinel come back
// as KindData with Data aliasing the input.
func Parse(payload []byte) Control {
	switch {
	case bytes.Equal(payload, closeBytes):
		return Control{Kind: KindClose}
	case bytes.Equal(payload, stopBytes):
		return Control{Kind: KindStop}
	case bytes.HasPrefix(payload, openBytes):
		return Control{Kind: KindOpen, Capability: string(payload[len(openBytes):])}
	case bytes.HasPrefix(payload, errBytes):
		return Control{Kind: KindError, Reason: string(payload[len(errBytes):])}
	case bytes.HasPrefix(payload, rpcBytes):
		if c, ok := parseRPC(payload); ok {
			return c
		}
	}
	return Control{Kind: KindData, Data: payload}
}

func parseRPC(payload []byte) (Control, bool) {
	sep := payload[len(payload)-1:]
	fields := bytes.Split(payload[:len(payload)-1], sep)
	if len(fields) < 3 || !bytes.Equal(fields[0], rpcBytes) {
		return Control{}, false
	}
	c := Control{Kind: KindRPC, Target: string(fields[1]), Method: string(fields[2])}
	for _, f := range fields[3:] {
		c.Args = append(c.Args, string(f))
	}
	return c, true
}

// IsClose reports whether payload is exactly the close sentinel.
func IsClose(payload []byte) bool { return bytes.Equal(payload, closeBytes) }

// RemoteError is an Error: reply relayed from the remote peer.
type RemoteError struct {
	Reason string
}

func (e *RemoteError) Error() string { return "remote error: " + e.Reason }

// ParseOpenReply extracts the session id from an open-session reply, or the
// remote failure the reply carries instead.
func ParseOpenReply(payload []byte) (uint64, error) {
	if bytes.HasPrefix(payload, errBytes) {
		return 0, &RemoteError{Reason: string(payload[len(errBytes):])}
	}
	sid, err := strconv.ParseUint(string(bytes.TrimSpace(payload)), 10, 64)
	if err != nil {
		return 0, errors.Wrap(err, "wire: bad session id reply")
	}
	return sid, nil
}

// Frame prefixes payload with the DATA tag.
func Frame(payload []byte) []byte {
	out := make([]byte, 0, len(DataTag)+len(payload))
	out = append(out, DataTag...)
	return append(out, payload...)
}

// Unframe strips the DATA tag. ok is false when the tag is absent.
func Unframe(chunk []byte) ([]byte, bool) {
	if !bytes.HasPrefix(chunk, DataTag) {
		return nil, false
	}
	return chunk[len(DataTag):], true
}
