package transport

import "github.com/YFL/ztrudp/wire"

// sessionStatus is the shared state-label type used by both the
// Sender and Receiver sub-state-machines (spec §3), mirroring the
// single rudp_state_t enum the original shares between them. Senders
// never occupy statusOpening; it exists only for the receiver side.
type sessionStatus int

const (
	statusSynSent sessionStatus = iota
	statusOpening
	statusOpen
	statusFinSent
)

// windowSlot is one occupied entry in the sender's sliding window.
type windowSlot struct {
	pkt      wire.Packet
	retries  int
	timerArg *retransTimerArg
}

// senderState is the per-peer Sender sub-state-machine (spec §4.C).
type senderState struct {
	status sessionStatus
	seqno  uint32 // last seqno assigned (pre-increment semantics: bumped before use)

	window    []*windowSlot // fixed length == cfg.Window, nil entries are free slots
	dataQueue [][]byte      // FIFO of payloads waiting for a free window slot

	synRetries int
	finRetries int
	synTimer   *retransTimerArg
	finTimer   *retransTimerArg

	finished bool
}

func newSenderState(initialSeqno uint32, window int) *senderState {
	return &senderState{
		status: statusSynSent,
		seqno:  initialSeqno,
		window: make([]*windowSlot, window),
	}
}

// windowEmpty reports whether every slot is free.
func (s *senderState) windowEmpty() bool {
	for _, slot := range s.window {
		if slot != nil {
			return false
		}
	}
	return true
}

// lowestFreeSlot returns the index of the first free slot, or -1.
func (s *senderState) lowestFreeSlot() int {
	for i, slot := range s.window {
		if slot == nil {
			return i
		}
	}
	return -1
}

// idle reports whether the sender has nothing outstanding and nothing
// queued: the condition under which close_requested triggers the
// opportunistic FIN (spec §4.C, §9 close cascade).
func (s *senderState) idle() bool {
	return s.status == statusOpen && len(s.dataQueue) == 0 && s.windowEmpty()
}

// receiverState is the per-peer Receiver sub-state-machine (spec §4.C).
type receiverState struct {
	status        sessionStatus
	expectedSeqno uint32
	finished      bool
}

// session bundles the sender and receiver halves that share a remote
// peer address. Either half may be nil: a pure-sender peer has never
// had inbound SYN/DATA, a pure-receiver peer has never been the target
// of SendTo.
type session struct {
	sender   *senderState
	receiver *receiverState
}

// finished reports whether both halves (whichever exist) have reached
// their terminal state, the precondition for the close cascade to
// release this session (spec §4.F).
func (sess *session) finished() bool {
	if sess.sender != nil && !sess.sender.finished {
		return false
	}
	if sess.receiver != nil && !sess.receiver.finished {
		return false
	}
	return true
}
