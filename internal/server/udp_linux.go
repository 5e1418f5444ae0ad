//go:build linux

package server

import (
	"golang.org/x/sys/unix"

	"transproxify/internal/endpoint"
	"transproxify/internal/errs"
)

// sendSpoofedFD sends payload to client over fd, using sendmsg with an
// IP_PKTINFO (or IPV6_PKTINFO) control message that names src as the
// packet's source address. The listening socket must carry
// IP_TRANSPARENT (set by endpoint.ListenerControl) for the kernel to
// accept a source address it does not itself own.
func sendSpoofedFD(fd int, src, client endpoint.Endpoint, payload []byte) error {
	if client.Family == endpoint.IPv6 {
		var sa unix.SockaddrInet6
		copy(sa.Addr[:], client.To16())
		sa.Port = client.Port

		var pktinfo unix.Inet6Pktinfo
		copy(pktinfo.Addr[:], src.To16())
		cmsg := unix.PktInfo6(&pktinfo)
		if _, err := unix.SendmsgN(fd, payload, cmsg, &sa, 0); err != nil {
			return errs.NewIoError("sendmsg spoofed ipv6 reply", err)
		}
		return nil
	}

	v4, ok := client.To4()
	if !ok {
		return errs.NewIoError("client endpoint is not ipv4 or ipv6", nil)
	}
	var sa unix.SockaddrInet4
	copy(sa.Addr[:], v4)
	sa.Port = client.Port

	srcV4, ok := src.To4()
	if !ok {
		return errs.NewIoError("spoofed source is not ipv4", nil)
	}
	var pktinfo unix.Inet4Pktinfo
	copy(pktinfo.Spec_dst[:], srcV4)
	cmsg := unix.PktInfo4(&pktinfo)
	if _, err := unix.SendmsgN(fd, payload, cmsg, &sa, 0); err != nil {
		return errs.NewIoError("sendmsg spoofed ipv4 reply", err)
	}
	return nil
}
