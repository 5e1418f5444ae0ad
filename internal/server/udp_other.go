//go:build !linux

package server

import (
	"transproxify/internal/endpoint"
	"transproxify/internal/errs"
)

// sendSpoofedFD: source-address spoofing via IP_TRANSPARENT is
// Linux-only; see endpoint.ListenerControl's non-Linux stub.
func sendSpoofedFD(fd int, src, client endpoint.Endpoint, payload []byte) error {
	return errs.NewEnvironmentError("spoofed-source udp send is only available on linux", nil)
}
