package transport

import (
	"net/netip"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/YFL/ztrudp/wire"
)

// ErrPayloadTooLarge is returned by SendTo when the payload exceeds
// cfg.MaxPayload.
var ErrPayloadTooLarge = errors.New("transport: payload exceeds max-payload")

// ErrSocketClosing is returned by SendTo once Close has been called.
var ErrSocketClosing = errors.New("transport: socket is closing")

// retransTimerArg is the handle passed to the scheduler for a SYN,
// FIN, or DATA-slot retransmission timer. It carries only identifying
// fields, not a session pointer: the callback re-resolves the socket
// and session from the Engine's registry at fire time, so a session
// torn down by the close cascade before the timer fires is a silent
// no-op rather than a dangling reference (spec §9 design note).
type retransTimerArg struct {
	engine *Engine
	sockFD int
	peer   netip.AddrPort
	role   string // "syn", "fin", "data"
	slot   int    // valid only when role == "data"
	seqno  uint32 // identifies the exact packet instance this timer guards
}

// SendTo is the Send Path (spec §4.E). It classifies the call against
// the peer's sender state: absent session starts a new handshake,
// otherwise the payload either fills a free window slot immediately
// or joins data_queue.
func (sock *Socket) SendTo(payload []byte, peer netip.AddrPort) error {
	if len(payload) > sock.cfg.MaxPayload {
		return ErrPayloadTooLarge
	}
	if !peer.IsValid() {
		return errors.New("transport: invalid peer address")
	}

	sock.mu.Lock()
	defer sock.mu.Unlock()

	if sock.closeRequested {
		return ErrSocketClosing
	}

	sess := sock.sessions[peer]
	if sess == nil {
		sess = &session{}
		sock.sessions[peer] = sess
	}

	if sess.sender == nil {
		seqno := sock.engine.randSeqno()
		snd := newSenderState(seqno, sock.cfg.Window)
		sess.sender = snd
		snd.dataQueue = append(snd.dataQueue, payload)
		sock.sendSyn(sess, peer)
		return nil
	}

	snd := sess.sender
	if snd.status == statusOpen && len(snd.dataQueue) == 0 {
		if idx := snd.lowestFreeSlot(); idx >= 0 {
			sock.sendDataSlot(sess, peer, idx, payload)
			return nil
		}
	}
	snd.dataQueue = append(snd.dataQueue, payload)
	return nil
}

func (sock *Socket) sendSyn(sess *session, peer netip.AddrPort) {
	snd := sess.sender
	pkt := wire.Packet{Type: wire.TypeSyn, Seqno: snd.seqno}
	sock.transmit(pkt, peer, false)
	snd.synTimer = sock.armTimer(peer, "syn", 0, pkt.Seqno)
}

func (sock *Socket) sendDataSlot(sess *session, peer netip.AddrPort, idx int, payload []byte) {
	snd := sess.sender
	snd.seqno++
	pkt := wire.Packet{Type: wire.TypeData, Seqno: snd.seqno, Payload: payload}
	sock.transmit(pkt, peer, false)
	snd.window[idx] = &windowSlot{pkt: pkt}
	snd.window[idx].timerArg = sock.armTimer(peer, "data", idx, pkt.Seqno)
}

// fillWindow pulls queued payloads into free window slots until
// either the queue drains or the window is full (spec §4.C: the ack
// that advances the window or completes the handshake refills it in
// one pass, not one packet at a time).
func (sock *Socket) fillWindow(sess *session, peer netip.AddrPort) {
	snd := sess.sender
	for len(snd.dataQueue) > 0 {
		idx := snd.lowestFreeSlot()
		if idx < 0 {
			return
		}
		payload := snd.dataQueue[0]
		snd.dataQueue = snd.dataQueue[1:]
		sock.sendDataSlot(sess, peer, idx, payload)
	}
}

// emitFin sends FIN for an idle OPEN sender and transitions it to
// FIN_SENT (spec §4.C, §4.F opportunistic FIN emission).
func (sock *Socket) emitFin(sess *session, peer netip.AddrPort) {
	snd := sess.sender
	snd.seqno++
	pkt := wire.Packet{Type: wire.TypeFin, Seqno: snd.seqno}
	sock.transmit(pkt, peer, false)
	snd.status = statusFinSent
	snd.finTimer = sock.armTimer(peer, "fin", 0, pkt.Seqno)
}

func (sock *Socket) sendAck(peer netip.AddrPort, seqno uint32) {
	pkt := wire.Packet{Type: wire.TypeAck, Seqno: seqno}
	sock.transmit(pkt, peer, true)
}

// transmit encodes and hands pkt to the datagram endpoint, applying
// the debug loss-injection hook. ACKs never arm a retransmission
// timer; callers of SYN/DATA/FIN arm one separately after accounting
// for which slot or role it guards.
func (sock *Socket) transmit(pkt wire.Packet, peer netip.AddrPort, isAck bool) {
	buf, err := wire.Encode(pkt)
	if err != nil {
		sock.log.WithError(err).Error("transport: encode packet")
		return
	}
	if sock.engine.shouldDrop() {
		sock.log.WithFields(log.Fields{"type": wire.TypeName(pkt.Type), "seqno": pkt.Seqno, "peer": peer}).
			Trace("transport: dropped outbound packet (loss injection)")
		return
	}
	if err := sock.ep.Send(buf, peer); err != nil {
		sock.log.WithError(err).Warn("transport: send failed")
		return
	}
	sock.log.WithFields(log.Fields{"type": wire.TypeName(pkt.Type), "seqno": pkt.Seqno, "peer": peer, "ack": isAck}).
		Trace("transport: sent packet")
}

func (sock *Socket) armTimer(peer netip.AddrPort, role string, slot int, seqno uint32) *retransTimerArg {
	ta := &retransTimerArg{engine: sock.engine, sockFD: sock.ep.FD(), peer: peer, role: role, slot: slot, seqno: seqno}
	deadline := time.Now().Add(sock.cfg.RetransTimeout)
	sock.engine.sched.RegisterTimer(deadline, retransCallback, ta, "rudp-retrans")
	return ta
}

func (sock *Socket) cancelTimer(ta *retransTimerArg) {
	if ta == nil {
		return
	}
	sock.engine.sched.CancelTimer(ta)
}

func retransCallback(arg interface{}) int {
	ta := arg.(*retransTimerArg)
	return ta.fire()
}

// fire resolves the socket and session at callback time, per the
// no-dangling-reference design note, and retransmits or raises
// TIMEOUT according to the guarded role's retry count.
func (ta *retransTimerArg) fire() int {
	sock := ta.engine.socketByFD(ta.sockFD)
	if sock == nil {
		return 0
	}
	sock.mu.Lock()
	defer sock.mu.Unlock()

	sess, ok := sock.sessions[ta.peer]
	if !ok || sess.sender == nil {
		return 0
	}
	snd := sess.sender

	switch ta.role {
	case "syn":
		if snd.status != statusSynSent || snd.seqno != ta.seqno {
			return 0
		}
		if snd.synRetries >= sock.cfg.MaxRetrans {
			return sock.raiseEvent(EventTimeout, ta.peer)
		}
		snd.synRetries++
		pkt := wire.Packet{Type: wire.TypeSyn, Seqno: snd.seqno}
		sock.transmit(pkt, ta.peer, false)
		snd.synTimer = sock.armTimer(ta.peer, "syn", 0, snd.seqno)

	case "fin":
		if snd.status != statusFinSent || snd.seqno != ta.seqno {
			return 0
		}
		if snd.finRetries >= sock.cfg.MaxRetrans {
			return sock.raiseEvent(EventTimeout, ta.peer)
		}
		snd.finRetries++
		pkt := wire.Packet{Type: wire.TypeFin, Seqno: snd.seqno}
		sock.transmit(pkt, ta.peer, false)
		snd.finTimer = sock.armTimer(ta.peer, "fin", 0, snd.seqno)

	case "data":
		if ta.slot >= len(snd.window) {
			return 0
		}
		slot := snd.window[ta.slot]
		if slot == nil || slot.pkt.Seqno != ta.seqno {
			return 0 // slot freed or reused since this timer was armed
		}
		if slot.retries >= sock.cfg.MaxRetrans {
			return sock.raiseEvent(EventTimeout, ta.peer)
		}
		slot.retries++
		sock.transmit(slot.pkt, ta.peer, false)
		slot.timerArg = sock.armTimer(ta.peer, "data", ta.slot, slot.pkt.Seqno)
	}
	return 0
}
