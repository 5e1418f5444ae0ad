// Package settings defines ProxySettings, the immutable configuration
// record constructed once at startup and shared read-only by every
// session the server handles.
package settings

import (
	"fmt"

	"transproxify/internal/errs"
)

type ProxyProtocol int

const (
	Direct ProxyProtocol = iota
	HTTP
	Socks4
	Socks5
)

func (p ProxyProtocol) String() string {
	switch p {
	case Direct:
		return "direct"
	case HTTP:
		return "http"
	case Socks4:
		return "socks4"
	case Socks5:
		return "socks5"
	default:
		return "unknown"
	}
}

func ParseProxyProtocol(s string) (ProxyProtocol, error) {
	switch s {
	case "direct":
		return Direct, nil
	case "http":
		return HTTP, nil
	case "socks4":
		return Socks4, nil
	case "socks5":
		return Socks5, nil
	default:
		return 0, errs.NewConfigError(fmt.Sprintf("unknown proxy protocol %q", s), nil)
	}
}

type ProxiedProtocol int

const (
	TCP ProxiedProtocol = iota
	UDP
)

func (p ProxiedProtocol) String() string {
	if p == UDP {
		return "udp"
	}
	return "tcp"
}

func ParseProxiedProtocol(s string) (ProxiedProtocol, error) {
	switch s {
	case "tcp":
		return TCP, nil
	case "udp":
		return UDP, nil
	default:
		return 0, errs.NewConfigError(fmt.Sprintf("unknown proxied protocol %q", s), nil)
	}
}

// ProxySettings is the immutable configuration record shared by every
// worker. Once constructed via New it is never mutated; it is always
// passed around by pointer for sharing, never for ownership.
type ProxySettings struct {
	ProxyProtocol   ProxyProtocol
	ProxiedProtocol ProxiedProtocol
	ProxyHost       string
	ProxyPort       int
	Username        string
	Password        string
}

// New validates and constructs a ProxySettings, enforcing the
// invariants: UDP proxied traffic may only use DIRECT or SOCKS5
// upstreams, and DIRECT upstreams carry no port or credentials.
func New(proxyProtocol ProxyProtocol, proxiedProtocol ProxiedProtocol, host string, port int, user, pass string) (*ProxySettings, error) {
	if proxiedProtocol == UDP && proxyProtocol != Direct && proxyProtocol != Socks5 {
		return nil, errs.NewConfigError(fmt.Sprintf("proxied protocol udp requires proxy protocol direct or socks5, got %s", proxyProtocol), nil)
	}
	if proxyProtocol == Direct {
		port = 0
		user = ""
		pass = ""
	} else if host == "" {
		return nil, errs.NewConfigError("proxy host is required unless proxy protocol is direct", nil)
	} else if port <= 0 || port > 65535 {
		return nil, errs.NewConfigError(fmt.Sprintf("invalid proxy port %d", port), nil)
	}
	return &ProxySettings{
		ProxyProtocol:   proxyProtocol,
		ProxiedProtocol: proxiedProtocol,
		ProxyHost:       host,
		ProxyPort:       port,
		Username:        user,
		Password:        pass,
	}, nil
}
