package transport

import (
	"net/netip"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/YFL/ztrudp/config"
)

// Socket is the public handle an application holds (spec §4.D: Socket
// Registry). All session state reachable from it is exclusive to the
// event-loop goroutine in steady state; SendTo and Close are the only
// cross-thread entry points and serialize against the loop by holding
// mu, matching the original's per-socket lock discipline.
type Socket struct {
	engine *Engine
	ep     DatagramEndpoint
	cfg    config.Config
	log    *log.Entry

	mu             sync.Mutex
	sessions       map[netip.AddrPort]*session
	closeRequested bool
	closed         bool

	onRecv  RecvHandler
	onEvent EventHandler
}

// LocalAddr returns the address the underlying datagram endpoint
// reports: for the wildcard UDP bind, the IPv6 loopback address with
// the bound port.
func (sock *Socket) LocalAddr() netip.AddrPort { return sock.ep.LocalAddr() }

// RegisterRecvHandler installs the callback invoked for each in-order
// DATA payload (spec §6). The handler is swapped under mu, the lock the
// event loop holds while delivering. A payload that arrives while no
// handler is installed is ACKed but not delivered.
func (sock *Socket) RegisterRecvHandler(fn RecvHandler) {
	sock.mu.Lock()
	sock.onRecv = fn
	sock.mu.Unlock()
}

// RegisterEventHandler installs the callback invoked for TIMEOUT and
// CLOSED lifecycle events (spec §6).
func (sock *Socket) RegisterEventHandler(fn EventHandler) {
	sock.mu.Lock()
	sock.onEvent = fn
	sock.mu.Unlock()
}

// raiseEvent invokes the event handler, if any, and returns its
// result so the caller can propagate a negative return up into the
// scheduler as a loop-abort (spec §6).
func (sock *Socket) raiseEvent(ev Event, peer netip.AddrPort) int {
	if sock.onEvent == nil {
		return 0
	}
	return sock.onEvent(sock, ev, peer)
}

func (sock *Socket) deliver(peer netip.AddrPort, payload []byte) int {
	if sock.onRecv == nil {
		return 0
	}
	return sock.onRecv(sock, peer, payload)
}

// Close requests an orderly shutdown (spec §4.F close cascade).
// Senders that are already idle get their FIN emitted immediately so
// they are not left waiting for an ack event that will never arrive;
// senders still mid-flight will emit FIN as soon as their outstanding
// work drains. Close returns before the cascade necessarily
// completes; EventClosed fires once it does.
func (sock *Socket) Close() error {
	sock.mu.Lock()
	defer sock.mu.Unlock()
	if sock.closeRequested {
		return nil
	}
	sock.closeRequested = true
	for peer, sess := range sock.sessions {
		if sess.sender != nil && sess.sender.idle() {
			sock.emitFin(sess, peer)
		}
	}
	sock.tryCloseCascade()
	return nil
}
