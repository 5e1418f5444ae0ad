//go:build !linux

package endpoint

import (
	"net"
	"syscall"

	"transproxify/internal/errs"
)

// RecoverOriginalTCPDestination has no portable equivalent outside
// Linux's netfilter SO_ORIGINAL_DST; per spec.md's non-goal ("no
// support for operating systems lacking transparent-redirect
// primitives") this always fails with EnvironmentError.
func RecoverOriginalTCPDestination(conn *net.TCPConn) (Endpoint, error) {
	return Endpoint{}, errs.NewEnvironmentError("SO_ORIGINAL_DST is only available on linux", nil)
}

// RecoverOriginalUDPDestination: see RecoverOriginalTCPDestination.
func RecoverOriginalUDPDestination(oob []byte) (Endpoint, error) {
	return Endpoint{}, errs.NewEnvironmentError("IP_ORIGDSTADDR is only available on linux", nil)
}

// ListenerControl: IP_TRANSPARENT is Linux-only; non-Linux builds bind
// a plain listener and transparent redirection is simply unsupported.
func ListenerControl(udp bool) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error { return nil }
}
