package handshake

import (
	"net"

	"transproxify/internal/endpoint"
	"transproxify/internal/errs"
	"transproxify/internal/settings"
)

// ConnectSocks4 performs the SOCKS4 CONNECT request. SOCKS4 is
// IPv4-only by protocol definition; IPv6 targets are rejected rather
// than silently truncated.
func ConnectSocks4(conn net.Conn, target endpoint.Endpoint, s *settings.ProxySettings) error {
	v4, ok := target.To4()
	if !ok {
		return errs.NewHandshakeError(errs.UnsupportedTarget, "socks4 requires an ipv4 target", nil)
	}

	userID := s.Username
	if userID == "" {
		userID = s.Password
	}

	req := make([]byte, 0, 9+len(userID)+1)
	req = append(req, 0x04, 0x01, byte(target.Port>>8), byte(target.Port))
	req = append(req, v4...)
	req = append(req, []byte(userID)...)
	req = append(req, 0x00)

	deadline := endpoint.HandshakeDeadline()
	if err := endpoint.WriteAll(conn, req, deadline); err != nil {
		return err
	}

	reply, err := endpoint.ReadExact(conn, 8, deadline)
	if err != nil {
		return err
	}
	if reply[0] != 0x00 || reply[1] != 0x5A {
		return errs.NewHandshakeError(errs.ProxyRejected, byteHex(reply[1]), nil)
	}
	return nil
}

func byteHex(b byte) string {
	const hex = "0123456789abcdef"
	return "0x" + string([]byte{hex[b>>4], hex[b&0xf]})
}
