package transport

import "net/netip"

// tryCloseCascade implements the Close Cascade (spec §4.F). It is a
// no-op unless Close has been requested and every session's sender
// and receiver halves (whichever exist) have reached their terminal
// state; once satisfied it frees session state, deregisters the
// socket's fd from the scheduler, closes the datagram endpoint, and
// raises CLOSED. Must be called with sock.mu held.
func (sock *Socket) tryCloseCascade() int {
	if !sock.closeRequested || sock.closed {
		return 0
	}
	for _, sess := range sock.sessions {
		if !sess.finished() {
			return 0
		}
	}

	sock.closed = true
	sock.sessions = make(map[netip.AddrPort]*session)
	sock.engine.deregister(sock)
	if err := sock.ep.Close(); err != nil {
		sock.log.WithError(err).Warn("transport: close endpoint")
	}
	return sock.raiseEvent(EventClosed, netip.AddrPort{})
}
