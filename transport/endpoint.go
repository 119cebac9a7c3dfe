package transport

import (
	"net"
	"net/netip"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// DatagramEndpoint is the minimal capability the transport core needs
// from the underlying datagram substrate (spec §1: "the core consumes
// a minimal DatagramEndpoint capability"). Overlay bootstrap, address
// wrappers, and raw socket plumbing beyond this are out of scope.
type DatagramEndpoint interface {
	Send(b []byte, peer netip.AddrPort) error
	Recv(buf []byte) (n int, peer netip.AddrPort, err error)
	FD() int
	LocalAddr() netip.AddrPort
	Close() error
}

// udpEndpoint binds a UDPv6 socket, matching the original's
// ZTS_AF_INET6/SOCK_DGRAM wildcard bind (spec §1: "overlay IPv6
// network").
type udpEndpoint struct {
	conn *net.UDPConn
	fd   int
}

// NewUDPEndpoint binds an IPv6 UDP socket on the given local port
// (0 picks an ephemeral port) and extracts its raw file descriptor for
// readiness registration with the Event Scheduler.
func NewUDPEndpoint(port uint16) (DatagramEndpoint, error) {
	conn, err := net.ListenUDP("udp6", &net.UDPAddr{IP: net.IPv6unspecified, Port: int(port)})
	if err != nil {
		return nil, errors.Wrap(err, "transport: bind udp6 socket")
	}
	raw, err := conn.SyscallConn()
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "transport: obtain raw conn")
	}
	var fd int
	ctrlErr := raw.Control(func(descriptor uintptr) {
		fd = int(descriptor)
	})
	if ctrlErr != nil {
		conn.Close()
		return nil, errors.Wrap(ctrlErr, "transport: extract socket fd")
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "transport: set socket nonblocking")
	}
	return &udpEndpoint{conn: conn, fd: fd}, nil
}

func (e *udpEndpoint) Send(b []byte, peer netip.AddrPort) error {
	_, err := e.conn.WriteToUDPAddrPort(b, peer)
	return err
}

func (e *udpEndpoint) Recv(buf []byte) (int, netip.AddrPort, error) {
	return e.conn.ReadFromUDPAddrPort(buf)
}

func (e *udpEndpoint) FD() int { return e.fd }

// LocalAddr returns the address a peer on this host uses to reach the
// endpoint. For the wildcard bind this is the IPv6 loopback address with
// the bound port, which is also the source address peers observe on
// datagrams sent from this endpoint over loopback.
func (e *udpEndpoint) LocalAddr() netip.AddrPort {
	ap := e.conn.LocalAddr().(*net.UDPAddr).AddrPort()
	if ap.Addr().IsUnspecified() {
		return netip.AddrPortFrom(netip.IPv6Loopback(), ap.Port())
	}
	return ap
}

func (e *udpEndpoint) Close() error { return e.conn.Close() }
