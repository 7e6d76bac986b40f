// Package socks implements both halves of the tunneled SOCKS proxy: the
// front-end listening on a local TCP port and the back-end action that
// parses handshakes and dials origins on the far side of the medium.
// Handshake bytes cross the medium as untagged chunks; payload rides behind
// the 4-byte DATA tag.
package socks

import (
	"bytes"

	"github.com/pkg/errors"
)

const (
	socksVersion4 = 0x04
	socksVersion5 = 0x05

	cmdConnect = 0x01

	methodNoAuth   = 0x00
	methodUserPass = 0x02
	methodNone     = 0xff

	addrIPv4   = 0x01
	addrDomain = 0x03
	addrIPv6   = 0x04
)

// SOCKS4 reply codes.
const (
	socks4Granted  = 0x5a
	socks4Rejected = 0x5b
	socks4NoIdentd = 0x5c
)

// SOCKS5 reply codes.
const (
	socks5Granted         = 0x00
	socks5Failure         = 0x01
	socks5NetUnreachable  = 0x03
	socks5HostUnreachable = 0x04
	socks5Refused         = 0x05
	socks5CmdUnsupported  = 0x07
	socks5AddrUnsupported = 0x08
)

// Tracker states. The numbering follows the conversation: a SOCKS5 client
// walks method selection, the optional auth message, then the request.
const (
	trackStart = iota
	trackV4
	trackV5Methods
	trackV5Auth
	trackV5Request
	trackDone
)

// tracker follows the client half of a SOCKS conversation byte by byte so
// the front-end knows where control bytes stop and payload begins.
type tracker struct {
	state int
	msg   []byte
}

func (tk *tracker) done() bool { return tk.state == trackDone }

// feed consumes one client byte and reports whether the current control
// message just completed.
func (tk *tracker) feed(b byte) (bool, error) {
	tk.msg = append(tk.msg, b)
	switch tk.state {
	case trackStart:
		switch b {
		case socksVersion4:
			tk.state = trackV4
		case socksVersion5:
			tk.state = trackV5Methods
		default:
			return false, errors.Errorf("socks: bad version 0x%02x", b)
		}
	case trackV4:
		if n := socks4Len(tk.msg); n > 0 && len(tk.msg) == n {
			tk.advance(trackDone)
			return true, nil
		}
	case trackV5Methods:
		if len(tk.msg) >= 2 && len(tk.msg) == 2+int(tk.msg[1]) {
			methods := tk.msg[2:]
			// Only the username/password method inserts another message
			// before the request; anything else, including an offer the
			// server will refuse, goes straight there.
			if bytes.IndexByte(methods, methodNoAuth) < 0 && bytes.IndexByte(methods, methodUserPass) >= 0 {
				tk.advance(trackV5Auth)
			} else {
				tk.advance(trackV5Request)
			}
			return true, nil
		}
	case trackV5Auth:
		if n := authLen(tk.msg); n > 0 && len(tk.msg) == n {
			tk.advance(trackV5Request)
			return true, nil
		}
	case trackV5Request:
		n := socks5RequestLen(tk.msg)
		if n < 0 {
			return false, errors.Errorf("socks5: unsupported address type 0x%02x", tk.msg[3])
		}
		if n > 0 && len(tk.msg) == n {
			tk.advance(trackDone)
			return true, nil
		}
	}
	return false, nil
}

func (tk *tracker) advance(state int) {
	tk.state = state
	tk.msg = nil
}

// socks4Len returns the total length of the SOCKS4/4a handshake starting at
// msg[0], or 0 while it is still incomplete.
func socks4Len(msg []byte) int {
	if len(msg) < 8 {
		return 0
	}
	i := bytes.IndexByte(msg[8:], 0)
	if i < 0 {
		return 0
	}
	end := 8 + i + 1
	// The 0.0.0.x form carries a NUL-terminated domain after the userid.
	ip := msg[4:8]
	if ip[0] == 0 && ip[1] == 0 && ip[2] == 0 && ip[3] != 0 {
		j := bytes.IndexByte(msg[end:], 0)
		if j < 0 {
			return 0
		}
		end += j + 1
	}
	return end
}

// authLen returns the total length of an RFC 1929 auth message, or 0 while
// it is still incomplete.
func authLen(msg []byte) int {
	if len(msg) < 2 {
		return 0
	}
	ulen := int(msg[1])
	if len(msg) < 2+ulen+1 {
		return 0
	}
	plen := int(msg[2+ulen])
	if len(msg) < 2+ulen+1+plen {
		return 0
	}
	return 2 + ulen + 1 + plen
}

// socks5RequestLen returns the total length of a stage-1 request, 0 while
// incomplete, or -1 for an address type nobody speaks.
func socks5RequestLen(msg []byte) int {
	if len(msg) < 5 {
		return 0
	}
	switch msg[3] {
	case addrIPv4:
		return 4 + 4 + 2
	case addrDomain:
		return 4 + 1 + int(msg[4]) + 2
	case addrIPv6:
		return 4 + 16 + 2
	}
	return -1
}
