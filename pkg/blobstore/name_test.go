package blobstore

import (
	"testing"

	"gotest.tools/v3/assert"
)

func TestNameRoundTrip(t *testing.T) {
	ref := Ref{Sender: "http-cli", Recipient: "http-srv", SID: 7, Seq: 42}
	name := encodeName(ref)
	assert.Equal(t, name, "http-cli,http-srv,7,42.bin")

	got, ok := parseName(name)
	assert.Assert(t, ok)
	assert.Equal(t, got, ref)
}

func TestParseNameRejects(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{name: "tmp", in: ".cli,srv,1,0.bin.tmp"},
		{name: "hidden", in: ".cli,srv,1,0.bin"},
		{name: "capability", in: "srv.capa"},
		{name: "foreign", in: "notes.txt"},
		{name: "missingField", in: "cli,srv,1.bin"},
		{name: "extraField", in: "cli,srv,1,0,9.bin"},
		{name: "badSID", in: "cli,srv,x,0.bin"},
		{name: "badSeq", in: "cli,srv,1,x.bin"},
		{name: "emptySender", in: ",srv,1,0.bin"},
		{name: "emptyRecipient", in: "cli,,1,0.bin"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, ok := parseName(tc.in)
			assert.Assert(t, !ok, "parsed %q", tc.in)
		})
	}
}

func TestTmpNameIsInvisible(t *testing.T) {
	tmp := tmpName(encodeName(Ref{Sender: "a", Recipient: "b", SID: 1, Seq: 2}))
	_, ok := parseName(tmp)
	assert.Assert(t, !ok)
	_, ok = parseCapaName(tmpName(capaName("a")))
	assert.Assert(t, !ok)
}

func TestCapaName(t *testing.T) {
	name := capaName("http-srv")
	assert.Equal(t, name, "http-srv.capa")

	rid, ok := parseCapaName(name)
	assert.Assert(t, ok)
	assert.Equal(t, rid, "http-srv")

	_, ok = parseCapaName("cli,srv,1,0.bin")
	assert.Assert(t, !ok)
	_, ok = parseCapaName(capaExt)
	assert.Assert(t, !ok)
}

func TestCapabilityLines(t *testing.T) {
	names := []string{"echo", "socket", "pipe"}
	assert.DeepEqual(t, splitLines(string(joinLines(names))), names)

	// Peers on other platforms may write CRLF records.
	assert.DeepEqual(t, splitLines("echo\r\nsocket\r\n\r\n"), []string{"echo", "socket"})
	assert.Assert(t, splitLines("") == nil)
}
