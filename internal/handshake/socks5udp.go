package handshake

import (
	"net"
	"strconv"

	"transproxify/internal/endpoint"
	"transproxify/internal/errs"
	"transproxify/internal/settings"
)

// Associate performs SOCKS5 phases 1-2 then a UDP ASSOCIATE request
// (CMD=0x03, DST=0.0.0.0:0) on a fresh TCP control connection, and
// returns that control connection together with the relay endpoint
// the proxy reports in BND.ADDR/BND.PORT. The control connection must
// stay open for the session's lifetime; closing it ends the
// association.
func Associate(s *settings.ProxySettings) (control net.Conn, relay endpoint.Endpoint, err error) {
	control, err = net.Dial("tcp", net.JoinHostPort(s.ProxyHost, strconv.Itoa(s.ProxyPort)))
	if err != nil {
		return nil, endpoint.Endpoint{}, errs.NewIoError("dial upstream proxy for udp associate", err)
	}

	deadline := endpoint.HandshakeDeadline()
	if err := negotiateSocks5(control, s, deadline); err != nil {
		_ = control.Close()
		return nil, endpoint.Endpoint{}, err
	}

	req := []byte{socks5Version, cmdUDPAssociate, 0x00, atypIPv4, 0, 0, 0, 0, 0, 0}
	if err := endpoint.WriteAll(control, req, deadline); err != nil {
		_ = control.Close()
		return nil, endpoint.Endpoint{}, err
	}

	rep, bound, err := readSocks5Reply(control, deadline)
	if err != nil {
		_ = control.Close()
		return nil, endpoint.Endpoint{}, err
	}
	if rep != 0x00 {
		_ = control.Close()
		return nil, endpoint.Endpoint{}, errs.NewHandshakeError(errs.ProxyRejected, byteHex(rep), nil)
	}

	// A 0.0.0.0 bound address means "same host as the control
	// connection"; resolve it so the relay endpoint is dialable.
	if bound.IP.IsUnspecified() {
		if tcpAddr, ok := control.RemoteAddr().(*net.TCPAddr); ok {
			bound.IP = tcpAddr.IP
			bound.Family = endpoint.IPv4
			if tcpAddr.IP.To4() == nil {
				bound.Family = endpoint.IPv6
			}
		}
	}
	return control, bound, nil
}

// frameHeaderLen is the fixed portion (RSV RSV FRAG ATYP) preceding the
// address in a SOCKS5 UDP relay frame.
const frameHeaderLen = 4

// Frame wraps payload per §4.B's SOCKS5 UDP layout:
// 00 00 <FRAG=00> <ATYP> <addr> <port:u16be> <payload>.
func Frame(dst endpoint.Endpoint, payload []byte) []byte {
	atyp, addr := addrBytes(dst)
	out := make([]byte, 0, frameHeaderLen+len(addr)+2+len(payload))
	out = append(out, 0x00, 0x00, 0x00, atyp)
	out = append(out, addr...)
	out = append(out, byte(dst.Port>>8), byte(dst.Port))
	out = append(out, payload...)
	return out
}

// Unframe reverses Frame, returning the source endpoint and payload.
// Fragmented datagrams (FRAG != 0) are rejected since the spec does
// not support reassembly.
func Unframe(frame []byte) (endpoint.Endpoint, []byte, error) {
	if len(frame) < frameHeaderLen {
		return endpoint.Endpoint{}, nil, errs.NewHandshakeError(errs.ProtocolViolation, "udp frame shorter than header", nil)
	}
	if frame[2] != 0x00 {
		return endpoint.Endpoint{}, nil, errs.NewHandshakeError(errs.ProtocolViolation, "fragmented udp frame dropped", nil)
	}

	var addrLen int
	var family endpoint.Family
	switch frame[3] {
	case atypIPv4:
		addrLen, family = 4, endpoint.IPv4
	case atypIPv6:
		addrLen, family = 16, endpoint.IPv6
	case 0x03:
		return endpoint.Endpoint{}, nil, errs.NewHandshakeError(errs.ProtocolViolation, "domain-name atyp unsupported for udp relay", nil)
	default:
		return endpoint.Endpoint{}, nil, errs.NewHandshakeError(errs.ProtocolViolation, "bad atyp in udp frame", nil)
	}

	need := frameHeaderLen + addrLen + 2
	if len(frame) < need {
		return endpoint.Endpoint{}, nil, errs.NewHandshakeError(errs.ProtocolViolation, "truncated udp frame", nil)
	}
	addr := frame[frameHeaderLen : frameHeaderLen+addrLen]
	port := int(frame[frameHeaderLen+addrLen])<<8 | int(frame[frameHeaderLen+addrLen+1])
	src := endpoint.Endpoint{Family: family, IP: append(net.IP(nil), addr...), Port: port}
	return src, frame[need:], nil
}
