package transport

import (
	"net/netip"

	log "github.com/sirupsen/logrus"

	"github.com/YFL/ztrudp/wire"
)

// onReadable is the fd-readiness callback registered with the
// scheduler (spec §4.F Receive Dispatcher). It drains exactly one
// datagram per call, matching the scheduler's one-event-per-dispatch
// contract; if more are queued the fd is reported readable again on
// the next poll iteration.
func (sock *Socket) onReadable() int {
	buf := make([]byte, wire.RecordLen)
	n, peer, err := sock.ep.Recv(buf)
	if err != nil {
		sock.log.WithError(err).Trace("transport: recv error, ignoring")
		return 0
	}
	pkt, err := wire.Decode(buf[:n])
	if err != nil {
		sock.log.WithError(err).Trace("transport: malformed packet, dropping")
		return 0
	}

	sock.mu.Lock()
	defer sock.mu.Unlock()

	sock.log.WithFields(log.Fields{"type": wire.TypeName(pkt.Type), "seqno": pkt.Seqno, "peer": peer}).
		Trace("transport: received packet")

	switch pkt.Type {
	case wire.TypeSyn:
		return sock.handleSyn(pkt, peer)
	case wire.TypeAck:
		return sock.handleAck(pkt, peer)
	case wire.TypeData:
		return sock.handleData(pkt, peer)
	case wire.TypeFin:
		return sock.handleFin(pkt, peer)
	default:
		return 0
	}
}

// handleSyn implements the Receiver table's SYN row (spec §4.C): a
// missing or still-OPENING receiver session is (re)created at the
// offered seqno and ACKed; a receiver already OPEN ignores a
// duplicate/stray SYN.
func (sock *Socket) handleSyn(pkt wire.Packet, peer netip.AddrPort) int {
	sess := sock.sessions[peer]
	if sess == nil {
		sess = &session{}
		sock.sessions[peer] = sess
	}
	if sess.receiver != nil && sess.receiver.status != statusOpening {
		return 0
	}
	sess.receiver = &receiverState{status: statusOpening, expectedSeqno: pkt.Seqno + 1}
	sock.sendAck(peer, sess.receiver.expectedSeqno)
	return 0
}

// handleAck implements the Sender table's ACK row for each status
// (spec §4.C).
func (sock *Socket) handleAck(pkt wire.Packet, peer netip.AddrPort) int {
	sess := sock.sessions[peer]
	if sess == nil || sess.sender == nil {
		return 0
	}
	snd := sess.sender

	switch snd.status {
	case statusSynSent:
		if pkt.Seqno != snd.seqno+1 {
			return 0
		}
		sock.cancelTimer(snd.synTimer)
		snd.synTimer = nil
		snd.status = statusOpen
		sock.fillWindow(sess, peer)
		return sock.afterSenderProgress(sess, peer)

	case statusOpen:
		idx := oldestOccupiedSlot(snd)
		if idx < 0 {
			return 0
		}
		slot := snd.window[idx]
		if pkt.Seqno != slot.pkt.Seqno+1 {
			return 0
		}
		sock.cancelTimer(slot.timerArg)
		snd.window[idx] = nil
		sock.fillWindow(sess, peer)
		return sock.afterSenderProgress(sess, peer)

	case statusFinSent:
		if pkt.Seqno != snd.seqno+1 {
			return 0
		}
		sock.cancelTimer(snd.finTimer)
		snd.finTimer = nil
		snd.finished = true
		return sock.tryCloseCascade()
	}
	return 0
}

// afterSenderProgress fires the opportunistic FIN when a progressing
// sender has just drained to idle under a pending close (spec §4.F).
func (sock *Socket) afterSenderProgress(sess *session, peer netip.AddrPort) int {
	if sock.closeRequested && sess.sender.idle() {
		sock.emitFin(sess, peer)
	}
	return 0
}

// oldestOccupiedSlot returns the index of the occupied window slot
// with the lowest seqno (the one a correctly-forming ACK must
// acknowledge next), or -1 if the window is empty.
func oldestOccupiedSlot(snd *senderState) int {
	best := -1
	for i, slot := range snd.window {
		if slot == nil {
			continue
		}
		if best == -1 || wire.SeqLT(slot.pkt.Seqno, snd.window[best].pkt.Seqno) {
			best = i
		}
	}
	return best
}

// handleData implements the Receiver table's DATA row: in-order
// delivery advances expected_seqno and ACKs it; a stale but
// in-window seqno is treated as a lost-ACK retransmit and re-ACKed;
// anything else is dropped silently (spec §4.C, §7).
func (sock *Socket) handleData(pkt wire.Packet, peer netip.AddrPort) int {
	sess := sock.sessions[peer]
	if sess == nil || sess.receiver == nil {
		return 0
	}
	rcv := sess.receiver

	if pkt.Seqno == rcv.expectedSeqno {
		if rcv.status == statusOpening {
			rcv.status = statusOpen
		}
		rcv.expectedSeqno++
		sock.sendAck(peer, rcv.expectedSeqno)
		payload := append([]byte(nil), pkt.Payload...)
		return sock.deliver(peer, payload)
	}

	if inDupAckWindow(pkt.Seqno, rcv.expectedSeqno, sock.cfg.Window) {
		sock.sendAck(peer, pkt.Seqno+1)
	}
	return 0
}

func inDupAckWindow(seqno, expected uint32, window int) bool {
	return wire.SeqLT(seqno, expected) && wire.SeqGEQ(seqno, expected-uint32(window))
}

// handleFin implements the Receiver table's FIN row: only a receiver
// that is OPEN and sees the expected seqno transitions to finished;
// anything else (including a still-OPENING receiver that never saw
// DATA) is ignored.
func (sock *Socket) handleFin(pkt wire.Packet, peer netip.AddrPort) int {
	sess := sock.sessions[peer]
	if sess == nil || sess.receiver == nil {
		return 0
	}
	rcv := sess.receiver
	if rcv.status != statusOpen || pkt.Seqno != rcv.expectedSeqno {
		return 0
	}
	sock.sendAck(peer, rcv.expectedSeqno+1)
	rcv.finished = true
	return sock.tryCloseCascade()
}
