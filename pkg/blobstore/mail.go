package blobstore

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"net/mail"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// mailDomain is the synthetic domain carried on blob mails. Nothing is ever
// delivered there; the address only keeps mail filters calm.
const mailDomain = "remoteconanywhere.com"

func mailAddr(id string) string { return id + "@" + mailDomain }

// encodeSubject renders the blob subject for ref:
// "{sender}-{sid}-{recipient}-Message-{seq}th". Like the file names this is
// wire contract, parsed byte for byte by peers on other bindings.
func encodeSubject(r Ref) string {
	return fmt.Sprintf("%s-%d-%s-Message-%dth", r.Sender, r.SID, r.Recipient, r.Seq)
}

var subjectRx = regexp.MustCompile(`^(.+?)-([0-9]+)-(.+)-Message-([0-9]+)th$`)

func parseSubject(subject string) (Ref, bool) {
	m := subjectRx.FindStringSubmatch(subject)
	if m == nil {
		return Ref{}, false
	}
	sid, err := strconv.ParseUint(m[2], 10, 64)
	if err != nil {
		return Ref{}, false
	}
	seq, err := strconv.ParseUint(m[4], 10, 64)
	if err != nil {
		return Ref{}, false
	}
	return Ref{Sender: m[1], Recipient: m[3], SID: sid, Seq: seq}, true
}

const (
	capaSubjectPrefix = "Capabilities-"
	capaSubjectSuffix = "-K"
)

// capaSubject is the capability record subject for rid: "Capabilities-{rid}-K".
func capaSubject(rid string) string { return capaSubjectPrefix + rid + capaSubjectSuffix }

func parseCapaSubject(subject string) (string, bool) {
	if !strings.HasPrefix(subject, capaSubjectPrefix) || !strings.HasSuffix(subject, capaSubjectSuffix) {
		return "", false
	}
	rid := subject[len(capaSubjectPrefix) : len(subject)-len(capaSubjectSuffix)]
	return rid, rid != ""
}

// subjectNeedle maps a filter onto the narrowest subject substring the
// server can search for. Matches still get verified against the parsed
// subject afterwards; the needle only trims the candidate set.
func subjectNeedle(f Filter) string {
	if ref, ok := f.exactRef(); ok {
		return encodeSubject(ref)
	}
	if f.Recipient != "" {
		if f.SID >= 0 && f.Seq >= 0 {
			return fmt.Sprintf("-%d-%s-Message-%dth", f.SID, f.Recipient, f.Seq)
		}
		if f.SID >= 0 {
			return fmt.Sprintf("-%d-%s-Message-", f.SID, f.Recipient)
		}
		return fmt.Sprintf("-%s-Message-", f.Recipient)
	}
	return "-Message-"
}

// composeMail renders the full message for one blob or capability record.
func composeMail(from, to, subject, body string) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", mailAddr(from))
	fmt.Fprintf(&b, "To: %s\r\n", mailAddr(to))
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"us-ascii\"\r\n")
	b.WriteString("Content-Transfer-Encoding: 7bit\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	b.WriteString("\r\n")
	return b.Bytes()
}

// parseMail extracts the subject and raw body text of one message.
func parseMail(raw []byte) (string, []byte, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return "", nil, errors.Wrap(err, "parse mail")
	}
	body, err := io.ReadAll(msg.Body)
	if err != nil {
		return "", nil, errors.Wrap(err, "read mail body")
	}
	return msg.Header.Get("Subject"), body, nil
}

func encodeBody(payload []byte) string {
	return base64.StdEncoding.EncodeToString(payload)
}

// decodeBody reverses encodeBody. Servers are free to rewrap the text, so
// whitespace is stripped before decoding.
func decodeBody(body []byte) ([]byte, error) {
	compact := make([]byte, 0, len(body))
	for _, c := range body {
		switch c {
		case ' ', '\t', '\r', '\n':
		default:
			compact = append(compact, c)
		}
	}
	payload, err := base64.StdEncoding.DecodeString(string(compact))
	if err != nil {
		return nil, errors.Wrap(err, "decode blob body")
	}
	return payload, nil
}
