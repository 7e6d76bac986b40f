package socks

import (
	"io"
	"net"
	"strconv"

	"github.com/pkg/errors"
)

// request4 is one decoded SOCKS4 or SOCKS4a request.
type request4 struct {
	Command byte
	Port    uint16
	IP      net.IP
	Domain  string
	UserID  string
}

// Addr returns the origin address in host:port form. The 4a domain wins
// over the placeholder IP when present.
func (r *request4) Addr() string {
	host := r.Domain
	if host == "" {
		host = r.IP.String()
	}
	return net.JoinHostPort(host, strconv.Itoa(int(r.Port)))
}

// parseSocks4 decodes a SOCKS4/4a handshake, version byte included.
func parseSocks4(r io.ByteReader) (*request4, error) {
	head, err := readBytes(r, 8)
	if err != nil {
		return nil, err
	}
	if head[0] != socksVersion4 {
		return nil, errors.Errorf("socks4: bad version 0x%02x", head[0])
	}
	req := &request4{
		Command: head[1],
		Port:    uint16(head[2])<<8 | uint16(head[3]),
		IP:      net.IPv4(head[4], head[5], head[6], head[7]),
	}
	if req.UserID, err = readCString(r); err != nil {
		return nil, err
	}
	if head[4] == 0 && head[5] == 0 && head[6] == 0 && head[7] != 0 {
		if req.Domain, err = readCString(r); err != nil {
			return nil, err
		}
		req.IP = nil
	}
	return req, nil
}

// reply4 builds the 8-byte SOCKS4 reply carrying status.
func reply4(status byte) []byte {
	return []byte{0x00, status, 0, 0, 0, 0, 0, 0}
}

func readBytes(r io.ByteReader, n int) ([]byte, error) {
	out := make([]byte, n)
	for i := range out {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

// readCString reads up to the NUL terminator, which is consumed and
// dropped.
func readCString(r io.ByteReader) (string, error) {
	var out []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		if b == 0 {
			return string(out), nil
		}
		if len(out) >= 255 {
			return "", errors.New("socks4: unterminated string")
		}
		out = append(out, b)
	}
}
