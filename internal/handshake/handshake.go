// Package handshake implements the §4.B upstream-proxy handshake
// engines: the bit-exact byte exchange that instructs an upstream
// proxy (or, for DIRECT, nothing at all) about the session's intended
// target. Each engine exposes a single operation that leaves the
// socket ready for application payload on success.
package handshake

import (
	"fmt"
	"net"

	"transproxify/internal/endpoint"
	"transproxify/internal/errs"
	"transproxify/internal/settings"
)

// Dial opens the upstream TCP socket for a session (proxy or direct)
// and runs the protocol selected by s.ProxyProtocol against it,
// returning a connection ready to relay application bytes.
func Dial(target endpoint.Endpoint, s *settings.ProxySettings) (net.Conn, error) {
	switch s.ProxyProtocol {
	case settings.Direct:
		return dialDirect(target)
	case settings.HTTP:
		return dialAndHandshake(target, s, ConnectHTTP)
	case settings.Socks4:
		return dialAndHandshake(target, s, ConnectSocks4)
	case settings.Socks5:
		return dialAndHandshake(target, s, ConnectSocks5)
	default:
		return nil, errs.NewConfigError(fmt.Sprintf("unsupported proxy protocol %s", s.ProxyProtocol), nil)
	}
}

func dialDirect(target endpoint.Endpoint) (net.Conn, error) {
	conn, err := net.Dial("tcp", target.String())
	if err != nil {
		return nil, errs.NewIoError("dial target directly", err)
	}
	return conn, nil
}

type connectFunc func(conn net.Conn, target endpoint.Endpoint, s *settings.ProxySettings) error

func dialAndHandshake(target endpoint.Endpoint, s *settings.ProxySettings, connect connectFunc) (net.Conn, error) {
	conn, err := net.Dial("tcp", net.JoinHostPort(s.ProxyHost, fmt.Sprintf("%d", s.ProxyPort)))
	if err != nil {
		return nil, errs.NewIoError("dial upstream proxy", err)
	}
	if err := connect(conn, target, s); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}
