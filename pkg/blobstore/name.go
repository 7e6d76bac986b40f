package blobstore

import (
	"fmt"
	"strconv"
	"strings"
)

// Blob and capability-record names used by the folder and FTP bindings.
// The comma-separated layout is the wire contract; peers on other
// implementations parse these names byte for byte.
const (
	dataExt = ".bin"
	capaExt = ".capa"
)

// encodeName renders the blob file name for ref:
// "{sender},{recipient},{sid},{seq}.bin".
func encodeName(r Ref) string {
	return fmt.Sprintf("%s,%s,%d,%d%s", r.Sender, r.Recipient, r.SID, r.Seq, dataExt)
}

// parseName decodes a name produced by encodeName. Hidden files and foreign
// names are rejected.
func parseName(name string) (Ref, bool) {
	if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, dataExt) {
		return Ref{}, false
	}
	parts := strings.Split(strings.TrimSuffix(name, dataExt), ",")
	if len(parts) != 4 || parts[0] == "" || parts[1] == "" {
		return Ref{}, false
	}
	sid, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return Ref{}, false
	}
	seq, err := strconv.ParseUint(parts[3], 10, 64)
	if err != nil {
		return Ref{}, false
	}
	return Ref{Sender: parts[0], Recipient: parts[1], SID: sid, Seq: seq}, true
}

// tmpName is the hidden name a blob is written under before the atomic
// rename into place. The leading dot keeps it out of every parser.
func tmpName(name string) string { return "." + name + ".tmp" }

// capaName is the capability record name for rid: "{rid}.capa".
func capaName(rid string) string { return rid + capaExt }

func parseCapaName(name string) (string, bool) {
	if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, capaExt) {
		return "", false
	}
	rid := strings.TrimSuffix(name, capaExt)
	return rid, rid != ""
}

// splitLines turns a capability record body into its capability names.
func splitLines(body string) []string {
	var names []string
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			names = append(names, line)
		}
	}
	return names
}

// joinLines renders a capability record body.
func joinLines(names []string) []byte {
	var b strings.Builder
	for _, n := range names {
		b.WriteString(n)
		b.WriteByte('\n')
	}
	return []byte(b.String())
}
