package socks

import (
	"io"
	"net"
	"strconv"

	"github.com/pkg/errors"
)

var errUnknownATYP = errors.New("socks5: unsupported address type")

// request5 is one decoded SOCKS5 request. The raw bytes are kept around
// because the reply is the request with the command byte swapped for a
// status.
type request5 struct {
	Command byte
	Addr    string
	raw     []byte
}

// reply mirrors the request back with status in the command slot.
func (r *request5) reply(status byte) []byte {
	out := append([]byte(nil), r.raw...)
	out[1] = status
	return out
}

// parseRequest5 decodes a stage-1 request, version byte included.
func parseRequest5(r io.ByteReader) (*request5, error) {
	head, err := readBytes(r, 4)
	if err != nil {
		return nil, err
	}
	if head[0] != socksVersion5 {
		return nil, errors.Errorf("socks5: bad version 0x%02x", head[0])
	}
	raw := append([]byte(nil), head...)
	var host string
	switch head[3] {
	case addrIPv4, addrIPv6:
		n := net.IPv4len
		if head[3] == addrIPv6 {
			n = net.IPv6len
		}
		ip, err := readBytes(r, n)
		if err != nil {
			return nil, err
		}
		raw = append(raw, ip...)
		host = net.IP(ip).String()
	case addrDomain:
		l, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		name, err := readBytes(r, int(l))
		if err != nil {
			return nil, err
		}
		raw = append(raw, l)
		raw = append(raw, name...)
		host = string(name)
	default:
		return nil, errUnknownATYP
	}
	port, err := readBytes(r, 2)
	if err != nil {
		return nil, err
	}
	raw = append(raw, port...)
	return &request5{
		Command: head[1],
		Addr:    net.JoinHostPort(host, strconv.Itoa(int(port[0])<<8|int(port[1]))),
		raw:     raw,
	}, nil
}

// socks5Refusal is the null-address reply used when the request could not
// be decoded far enough to mirror it back.
func socks5Refusal(status byte) []byte {
	return []byte{socksVersion5, status, 0x00, addrIPv4, 0, 0, 0, 0, 0, 0}
}
