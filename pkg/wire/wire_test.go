package wire

import (
	"testing"

	"github.com/pkg/errors"
	"gotest.tools/v3/assert"
)

func TestParseSentinels(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want Control
	}{
		{
			name: "open",
			in:   []byte("MessageOutsideCommunication:PleaseStartASession:socks"),
			want: Control{Kind: KindOpen, Capability: "socks"},
		},
		{
			name: "close",
			in:   []byte("MessageInCommunication:PleaseCloseTheSession"),
			want: Control{Kind: KindClose},
		},
		{
			name: "stop",
			in:   []byte("MessageOutsideSession:StopServer"),
			want: Control{Kind: KindStop},
		},
		{
			name: "error",
			in:   []byte("Error:ServiceNotKnown:nope"),
			want: Control{Kind: KindError, Reason: "ServiceNotKnown:nope"},
		},
		{
			name: "plain payload",
			in:   []byte("hello"),
			want: Control{Kind: KindData, Data: []byte("hello")},
		},
		{
			name: "truncated open prefix stays data",
			in:   []byte("MessageOutsideCommunication:"),
			want: Control{Kind: KindData, Data: []byte("MessageOutsideCommunication:")},
		},
		{
			name: "close with trailing byte stays data",
			in:   []byte("MessageInCommunication:PleaseCloseTheSession!"),
			want: Control{Kind: KindData, Data: []byte("MessageInCommunication:PleaseCloseTheSession!")},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.DeepEqual(t, Parse(tt.in), tt.want)
		})
	}
}

func TestEncodersEmitExactBytes(t *testing.T) {
	assert.Equal(t, string(Open("socks5")), "MessageOutsideCommunication:PleaseStartASession:socks5")
	assert.Equal(t, string(CloseSession()), "MessageInCommunication:PleaseCloseTheSession")
	assert.Equal(t, string(StopServer()), "MessageOutsideSession:StopServer")
	assert.Equal(t, string(ServiceNotKnown("x")), "Error:ServiceNotKnown:x")
	assert.Equal(t, string(SIDReply(42)), "42")
}

func TestRPCRoundTrip(t *testing.T) {
	msg, err := NewRPC("server", "capabilities")
	assert.NilError(t, err)
	assert.Equal(t, string(msg), "GenericMessageFor:|server|capabilities|")

	c := Parse(msg)
	assert.Equal(t, c.Kind, KindRPC)
	assert.Equal(t, c.Target, "server")
	assert.Equal(t, c.Method, "capabilities")
	assert.Equal(t, len(c.Args), 0)
}

func TestRPCSeparatorAvoidsFieldBytes(t *testing.T) {
	msg, err := NewRPC("server", "note", "a|b", "c;d")
	assert.NilError(t, err)

	c := Parse(msg)
	assert.Equal(t, c.Kind, KindRPC)
	assert.DeepEqual(t, c.Args, []string{"a|b", "c;d"})
}

func TestParseOpenReply(t *testing.T) {
	sid, err := ParseOpenReply([]byte("17"))
	assert.NilError(t, err)
	assert.Equal(t, sid, uint64(17))

	_, err = ParseOpenReply(ServiceNotKnown("bogus"))
	var remote *RemoteError
	assert.Assert(t, errors.As(err, &remote))
	assert.Equal(t, remote.Reason, "ServiceNotKnown:bogus")

	_, err = ParseOpenReply([]byte("not-a-number"))
	assert.Assert(t, err != nil)
}

func TestFrame(t *testing.T) {
	framed := Frame([]byte("xyz"))
	assert.Equal(t, string(framed), "DATAxyz")

	inner, ok := Unframe(framed)
	assert.Assert(t, ok)
	assert.Equal(t, string(inner), "xyz")

	_, ok = Unframe([]byte("xyzDATA"))
	assert.Assert(t, !ok)
}

func TestIsClose(t *testing.T) {
	assert.Assert(t, IsClose(CloseSession()))
	assert.Assert(t, !IsClose([]byte("DATAxyz")))
}
