package handshake

import (
	"net"
	"time"

	"transproxify/internal/endpoint"
	"transproxify/internal/errs"
	"transproxify/internal/settings"
)

const (
	socks5Version     = 0x05
	methodNoAuth      = 0x00
	methodUserPass    = 0x02
	methodNoAcceptable = 0xFF

	atypIPv4 = 0x01
	atypIPv6 = 0x04

	cmdConnect      = 0x01
	cmdUDPAssociate = 0x03
)

// negotiateSocks5 runs phases 1-2 (method negotiation, and user/pass
// sub-negotiation if selected) common to every SOCKS5 operation.
func negotiateSocks5(conn net.Conn, s *settings.ProxySettings, deadline time.Time) error {
	methods := []byte{methodNoAuth}
	if s.Username != "" || s.Password != "" {
		methods = append(methods, methodUserPass)
	}

	greeting := make([]byte, 0, 2+len(methods))
	greeting = append(greeting, socks5Version, byte(len(methods)))
	greeting = append(greeting, methods...)
	if err := endpoint.WriteAll(conn, greeting, deadline); err != nil {
		return err
	}

	resp, err := endpoint.ReadExact(conn, 2, deadline)
	if err != nil {
		return err
	}
	if resp[0] != socks5Version {
		return errs.NewHandshakeError(errs.ProtocolViolation, "bad socks version in method reply", nil)
	}
	chosen := resp[1]
	if chosen == methodNoAcceptable || (chosen != methodNoAuth && chosen != methodUserPass) {
		return errs.NewHandshakeError(errs.NoAcceptableMethod, byteHex(chosen), nil)
	}
	if chosen == methodNoAuth {
		return nil
	}

	// chosen == methodUserPass
	sub := make([]byte, 0, 3+len(s.Username)+len(s.Password))
	sub = append(sub, 0x01, byte(len(s.Username)))
	sub = append(sub, []byte(s.Username)...)
	sub = append(sub, byte(len(s.Password)))
	sub = append(sub, []byte(s.Password)...)
	if err := endpoint.WriteAll(conn, sub, deadline); err != nil {
		return err
	}
	status, err := endpoint.ReadExact(conn, 2, deadline)
	if err != nil {
		return err
	}
	if status[1] != 0x00 {
		return errs.NewHandshakeError(errs.AuthFailed, byteHex(status[1]), nil)
	}
	return nil
}

// addrBytes returns the ATYP byte and address bytes for ep.
func addrBytes(ep endpoint.Endpoint) (byte, []byte) {
	if v4, ok := ep.To4(); ok {
		return atypIPv4, v4
	}
	return atypIPv6, ep.To16()
}

// readSocks5Reply reads a SOCKS5 reply (CONNECT or UDP ASSOCIATE),
// returning the reply code and the bound endpoint carried in BND.ADDR/
// BND.PORT.
func readSocks5Reply(conn net.Conn, deadline time.Time) (byte, endpoint.Endpoint, error) {
	head, err := endpoint.ReadExact(conn, 4, deadline)
	if err != nil {
		return 0, endpoint.Endpoint{}, err
	}
	if head[0] != socks5Version {
		return 0, endpoint.Endpoint{}, errs.NewHandshakeError(errs.ProtocolViolation, "bad socks version in reply", nil)
	}
	rep := head[1]

	var addrLen int
	var family endpoint.Family
	switch head[3] {
	case atypIPv4:
		addrLen, family = 4, endpoint.IPv4
	case atypIPv6:
		addrLen, family = 16, endpoint.IPv6
	case 0x03:
		lb, err := endpoint.ReadExact(conn, 1, deadline)
		if err != nil {
			return 0, endpoint.Endpoint{}, err
		}
		addrLen, family = int(lb[0]), endpoint.IPv4
	default:
		return 0, endpoint.Endpoint{}, errs.NewHandshakeError(errs.ProtocolViolation, "bad atyp in reply", nil)
	}

	addr, err := endpoint.ReadExact(conn, addrLen+2, deadline)
	if err != nil {
		return 0, endpoint.Endpoint{}, err
	}
	port := int(addr[addrLen])<<8 | int(addr[addrLen+1])
	bound := endpoint.Endpoint{Family: family, IP: addr[:addrLen], Port: port}
	return rep, bound, nil
}

// ConnectSocks5 performs phases 1-3 for a TCP CONNECT request.
func ConnectSocks5(conn net.Conn, target endpoint.Endpoint, s *settings.ProxySettings) error {
	deadline := endpoint.HandshakeDeadline()
	if err := negotiateSocks5(conn, s, deadline); err != nil {
		return err
	}

	atyp, addr := addrBytes(target)
	req := make([]byte, 0, 6+len(addr))
	req = append(req, socks5Version, cmdConnect, 0x00, atyp)
	req = append(req, addr...)
	req = append(req, byte(target.Port>>8), byte(target.Port))
	if err := endpoint.WriteAll(conn, req, deadline); err != nil {
		return err
	}

	rep, _, err := readSocks5Reply(conn, deadline)
	if err != nil {
		return err
	}
	if rep != 0x00 {
		return errs.NewHandshakeError(errs.ProxyRejected, byteHex(rep), nil)
	}
	return nil
}
