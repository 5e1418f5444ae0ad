// Package endpoint parses, formats, and recovers IPv4/IPv6 socket
// addresses, and provides deadline-respecting fixed-length frame I/O.
// It is the §4.A "Endpoint utilities" component: everything else in
// transproxify that needs to name a socket address goes through
// Endpoint rather than passing raw host/port strings around.
package endpoint

import (
	"fmt"
	"net"
	"strings"
	"time"

	"transproxify/internal/errs"
)

type Family int

const (
	IPv4 Family = iota
	IPv6
)

// Endpoint is a resolved, family-tagged socket address. Unlike a bare
// host:port string it carries the address as bytes, so handshake
// engines can pick ATYP without re-parsing.
type Endpoint struct {
	Family Family
	IP     net.IP
	Port   int
}

// DefaultHandshakeDeadline is the absolute deadline budget §4.A and §9
// specify for handshake I/O.
const DefaultHandshakeDeadline = 30 * time.Second

// DefaultUDPIdleTimeout is the §3/§9 recommended default for UdpSession
// eviction.
const DefaultUDPIdleTimeout = 60 * time.Second

func FromUDPAddr(a *net.UDPAddr) Endpoint {
	return fromIPPort(a.IP, a.Port)
}

func FromTCPAddr(a *net.TCPAddr) Endpoint {
	return fromIPPort(a.IP, a.Port)
}

func fromIPPort(ip net.IP, port int) Endpoint {
	if v4 := ip.To4(); v4 != nil {
		return Endpoint{Family: IPv4, IP: v4, Port: port}
	}
	return Endpoint{Family: IPv6, IP: ip.To16(), Port: port}
}

// HostString renders the bare address, never bracketed (e.g. for
// net.JoinHostPort); String() renders the "host:port" form, which
// brackets IPv6 addresses.
func (e Endpoint) HostString() string { return e.IP.String() }

func (e Endpoint) String() string {
	return net.JoinHostPort(e.IP.String(), fmt.Sprintf("%d", e.Port))
}

// To4 reports whether the endpoint is (or can be represented as) IPv4,
// and returns its 4-byte form if so.
func (e Endpoint) To4() (net.IP, bool) {
	v4 := e.IP.To4()
	return v4, v4 != nil
}

// To16 returns the 16-byte form of the address, used for SOCKS5 ATYP
// 0x04 encoding.
func (e Endpoint) To16() net.IP { return e.IP.To16() }

// ParseTextualAddress accepts a dotted-quad IPv4 literal or a colon-hex
// IPv6 literal (bracketed or bare) and returns an Endpoint with the
// given port. Hostnames are rejected: callers needing name resolution
// do so explicitly (DIRECT mode upstream dialing) and build the
// Endpoint from the resolved net.IP instead.
func ParseTextualAddress(s string, port int) (Endpoint, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimSuffix(s, "]"), "[")
	if s == "" {
		return Endpoint{}, errs.NewConfigError("empty address", nil)
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return Endpoint{}, errs.NewConfigError(fmt.Sprintf("not a literal IPv4/IPv6 address: %q", s), nil)
	}
	return fromIPPort(ip, port), nil
}

// ReadExact reads exactly n bytes from conn before deadline, returning
// IoError on short read, peer close mid-frame, or deadline expiry.
func ReadExact(conn net.Conn, n int, deadline time.Time) ([]byte, error) {
	if !deadline.IsZero() {
		if err := conn.SetReadDeadline(deadline); err != nil {
			return nil, errs.NewIoError("set read deadline", err)
		}
	}
	buf := make([]byte, n)
	read := 0
	for read < n {
		m, err := conn.Read(buf[read:])
		read += m
		if err != nil {
			if read < n {
				return nil, errs.NewIoError(fmt.Sprintf("short read (%d/%d)", read, n), err)
			}
			break
		}
	}
	return buf, nil
}

// WriteAll writes all of b to conn before deadline, returning IoError on
// short write or deadline expiry.
func WriteAll(conn net.Conn, b []byte, deadline time.Time) error {
	if !deadline.IsZero() {
		if err := conn.SetWriteDeadline(deadline); err != nil {
			return errs.NewIoError("set write deadline", err)
		}
	}
	written := 0
	for written < len(b) {
		m, err := conn.Write(b[written:])
		written += m
		if err != nil {
			return errs.NewIoError(fmt.Sprintf("short write (%d/%d)", written, len(b)), err)
		}
	}
	return nil
}

// HandshakeDeadline returns an absolute deadline DefaultHandshakeDeadline
// from now, used by handshake engines per §9's "bounded deadline".
func HandshakeDeadline() time.Time { return time.Now().Add(DefaultHandshakeDeadline) }
