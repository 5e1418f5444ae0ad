//go:build linux

package endpoint

import (
	"fmt"
	"net"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"transproxify/internal/errs"
)

// soOriginalDst is SO_ORIGINAL_DST for IPv4 and SO_ORIGINAL_DST for
// IPv6 (IP6T_SO_ORIGINAL_DST shares the same numeric value, 80, on
// Linux's netfilter implementation).
const soOriginalDst = 80

// RecoverOriginalTCPDestination queries the kernel for the pre-redirect
// destination of an accepted TCP connection via getsockopt(SOL_IP,
// SO_ORIGINAL_DST). Fails with EnvironmentError if the socket was never
// NAT-redirected (the option is simply absent in that case).
func RecoverOriginalTCPDestination(conn *net.TCPConn) (Endpoint, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return Endpoint{}, errs.NewEnvironmentError("get raw conn", err)
	}

	var (
		v4  unix.RawSockaddrInet4
		v6  unix.RawSockaddrInet6
		ep  Endpoint
		got bool
		ctl error
	)

	level := unix.SOL_IP
	if la, ok := conn.LocalAddr().(*net.TCPAddr); ok && la.IP.To4() == nil {
		level = unix.SOL_IPV6
	}

	ctlErr := raw.Control(func(fd uintptr) {
		if level == unix.SOL_IPV6 {
			size := uint32(unsafe.Sizeof(v6))
			_, _, errno := unix.Syscall6(unix.SYS_GETSOCKOPT, fd,
				uintptr(unix.SOL_IPV6), uintptr(soOriginalDst),
				uintptr(unsafe.Pointer(&v6)), uintptr(unsafe.Pointer(&size)), 0)
			if errno != 0 {
				ctl = errno
				return
			}
			ip := make(net.IP, 16)
			copy(ip, v6.Addr[:])
			ep = Endpoint{Family: IPv6, IP: ip, Port: int(v6.Port>>8 | v6.Port<<8&0xff00)}
			got = true
			return
		}
		size := uint32(unsafe.Sizeof(v4))
		_, _, errno := unix.Syscall6(unix.SYS_GETSOCKOPT, fd,
			uintptr(unix.SOL_IP), uintptr(soOriginalDst),
			uintptr(unsafe.Pointer(&v4)), uintptr(unsafe.Pointer(&size)), 0)
		if errno != 0 {
			ctl = errno
			return
		}
		ip := make(net.IP, 4)
		copy(ip, v4.Addr[:])
		ep = Endpoint{Family: IPv4, IP: ip, Port: int(v4.Port>>8 | v4.Port<<8&0xff00)}
		got = true
	})
	if ctlErr != nil {
		return Endpoint{}, errs.NewEnvironmentError("control raw conn", ctlErr)
	}
	if ctl != nil {
		return Endpoint{}, errs.NewEnvironmentError("getsockopt(SO_ORIGINAL_DST): connection was not transparently redirected", ctl)
	}
	if !got {
		return Endpoint{}, errs.NewEnvironmentError("getsockopt(SO_ORIGINAL_DST) returned no address", nil)
	}
	return ep, nil
}

// origDstCmsgType is IP_RECVORIGDSTADDR's ancillary-message counterpart
// as delivered in a recvmsg control buffer (same numeric value as the
// setsockopt option on Linux).
const origDstCmsgType = unix.IP_RECVORIGDSTADDR

// RecoverOriginalUDPDestination parses the ancillary (control message)
// data accompanying a datagram received on a listener with
// IP_TRANSPARENT/IP_RECVORIGDSTADDR set, extracting the IP_ORIGDSTADDR
// cmsg. Fails with EnvironmentError if the cmsg is absent.
func RecoverOriginalUDPDestination(oob []byte) (Endpoint, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return Endpoint{}, errs.NewEnvironmentError("parse control message", err)
	}
	for _, m := range msgs {
		if m.Header.Level != unix.SOL_IP && m.Header.Level != unix.SOL_IPV6 {
			continue
		}
		if int(m.Header.Type) != origDstCmsgType {
			continue
		}
		if m.Header.Level == unix.SOL_IP && len(m.Data) >= int(unsafe.Sizeof(unix.RawSockaddrInet4{})) {
			var sa unix.RawSockaddrInet4
			copy(unsafe.Slice((*byte)(unsafe.Pointer(&sa)), unsafe.Sizeof(sa)), m.Data)
			ip := make(net.IP, 4)
			copy(ip, sa.Addr[:])
			return Endpoint{Family: IPv4, IP: ip, Port: int(sa.Port>>8 | sa.Port<<8&0xff00)}, nil
		}
		if m.Header.Level == unix.SOL_IPV6 && len(m.Data) >= int(unsafe.Sizeof(unix.RawSockaddrInet6{})) {
			var sa unix.RawSockaddrInet6
			copy(unsafe.Slice((*byte)(unsafe.Pointer(&sa)), unsafe.Sizeof(sa)), m.Data)
			ip := make(net.IP, 16)
			copy(ip, sa.Addr[:])
			return Endpoint{Family: IPv6, IP: ip, Port: int(sa.Port>>8 | sa.Port<<8&0xff00)}, nil
		}
	}
	return Endpoint{}, errs.NewEnvironmentError(fmt.Sprintf("no IP_ORIGDSTADDR in %d control message(s)", len(msgs)), nil)
}

// ListenerControl returns a net.ListenConfig.Control function that sets
// IP_TRANSPARENT (TCP and UDP listeners) and, for UDP, IP_RECVORIGDSTADDR
// so the kernel reports each datagram's pre-redirect destination.
func ListenerControl(udp bool) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var ctlErr error
		err := c.Control(func(fd uintptr) {
			if e := unix.SetsockoptInt(int(fd), unix.SOL_IP, unix.IP_TRANSPARENT, 1); e != nil {
				ctlErr = errs.NewEnvironmentError("setsockopt(IP_TRANSPARENT)", e)
				return
			}
			if udp {
				if e := unix.SetsockoptInt(int(fd), unix.SOL_IP, unix.IP_RECVORIGDSTADDR, 1); e != nil {
					ctlErr = errs.NewEnvironmentError("setsockopt(IP_RECVORIGDSTADDR)", e)
					return
				}
			}
			if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); e != nil {
				ctlErr = errs.NewEnvironmentError("setsockopt(SO_REUSEADDR)", e)
			}
		})
		if err != nil {
			return errs.NewEnvironmentError("control listener fd", err)
		}
		return ctlErr
	}
}
