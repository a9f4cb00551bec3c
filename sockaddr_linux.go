// SPDX-License-Identifier: GPL-3.0-or-later

package tstream

import (
	"net"
	"net/netip"

	"golang.org/x/sys/unix"
)

// sockaddrFromAddrPort converts ap to the corresponding socket address
// and returns also its address family.
func sockaddrFromAddrPort(ap netip.AddrPort) (int, unix.Sockaddr) {
	addr := ap.Addr()
	if addr.Is4() || addr.Is4In6() {
		return unix.AF_INET, &unix.SockaddrInet4{Port: int(ap.Port()), Addr: addr.Unmap().As4()}
	}
	sa := &unix.SockaddrInet6{Port: int(ap.Port()), Addr: addr.As16()}
	return unix.AF_INET6, sa
}

// addrPortFromSockaddr converts an inet socket address to [netip.AddrPort].
// Other address families map to the zero value.
func addrPortFromSockaddr(sa unix.Sockaddr) netip.AddrPort {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(v.Addr), uint16(v.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(v.Addr), uint16(v.Port))
	default:
		return netip.AddrPort{}
	}
}

// netAddrFromSockaddr converts sa to a [net.Addr] for a stream socket.
func netAddrFromSockaddr(sa unix.Sockaddr) net.Addr {
	switch v := sa.(type) {
	case *unix.SockaddrInet4, *unix.SockaddrInet6:
		return net.TCPAddrFromAddrPort(addrPortFromSockaddr(v))
	case *unix.SockaddrUnix:
		return &net.UnixAddr{Name: v.Name, Net: "unix"}
	default:
		return nil
	}
}

// socketAddrs returns the local and remote addresses of fd, tolerating
// failures (e.g., an unconnected socket) by returning nil.
func socketAddrs(fd int) (local, remote net.Addr) {
	if sa, err := unix.Getsockname(fd); err == nil {
		local = netAddrFromSockaddr(sa)
	}
	if sa, err := unix.Getpeername(fd); err == nil {
		remote = netAddrFromSockaddr(sa)
	}
	return
}

// addrString formats addr for logging, mapping nil to the empty string.
func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}

// addrNetwork returns the network of addr, mapping nil to the empty string.
func addrNetwork(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.Network()
}
