// Package transport implements the RUDP session core (spec §4.C-§4.F):
// the peer session state machines, the socket registry, the send path,
// and the receive dispatcher, all driven by a single eventloop.Scheduler
// per Engine.
package transport

import (
	"math/rand"
	"net/netip"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/YFL/ztrudp/config"
	"github.com/YFL/ztrudp/eventloop"
)

// Engine owns the single event-loop goroutine shared by every Socket it
// creates (the loop exits once no fds or timers remain and is started
// again by the next CreateSocket), the socket registry keyed by file
// descriptor, and the engine's sequence-number RNG, seeded exactly once
// per Engine.
type Engine struct {
	cfg config.Config

	mu      sync.Mutex
	sched   *eventloop.Scheduler
	sockets map[int]*Socket
	running bool
	runErr  error
	runDone chan struct{}

	rngOnce sync.Once
	rng     *rand.Rand
}

// NewEngine constructs an Engine bound to cfg. The scheduler is created
// but the loop goroutine does not start until the first socket is
// created, matching the original's lazy loop-spawn-on-demand.
func NewEngine(cfg config.Config) (*Engine, error) {
	sched, err := eventloop.New()
	if err != nil {
		return nil, errors.Wrap(err, "transport: construct scheduler")
	}
	if lvl, lerr := log.ParseLevel(cfg.LogLevel); lerr == nil {
		log.SetLevel(lvl)
	}
	return &Engine{
		cfg:     cfg,
		sched:   sched,
		sockets: make(map[int]*Socket),
	}, nil
}

func (e *Engine) seedRNG() *rand.Rand {
	e.rngOnce.Do(func() {
		e.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
		log.Trace("transport: rng seeded")
	})
	return e.rng
}

// randSeqno draws the initial sequence number for a new sender
// (spec §4.D: "the initial seqno is drawn at random, not fixed at 0,
// to distinguish successive incarnations of the same peer pair").
func (e *Engine) randSeqno() uint32 {
	e.mu.Lock()
	r := e.seedRNG()
	e.mu.Unlock()
	return r.Uint32()
}

// shouldDrop applies the debug loss-injection hook (spec §7, §9
// "DROP"): a sent packet is suppressed with probability 1/cfg.Drop.
func (e *Engine) shouldDrop() bool {
	if e.cfg.Drop <= 0 {
		return false
	}
	e.mu.Lock()
	r := e.seedRNG()
	e.mu.Unlock()
	return r.Intn(e.cfg.Drop) == 0
}

// CreateSocket binds a new UDP endpoint on the given local port (0 for
// ephemeral), registers it with the scheduler, and ensures the loop
// goroutine is running.
func (e *Engine) CreateSocket(port uint16) (*Socket, error) {
	ep, err := NewUDPEndpoint(port)
	if err != nil {
		return nil, err
	}
	return e.createSocketWithEndpoint(ep)
}

func (e *Engine) createSocketWithEndpoint(ep DatagramEndpoint) (*Socket, error) {
	sock := &Socket{
		engine:   e,
		ep:       ep,
		sessions: make(map[netip.AddrPort]*session),
		cfg:      e.cfg,
		log:      log.WithField("fd", ep.FD()),
	}

	e.mu.Lock()
	e.sockets[ep.FD()] = sock
	e.mu.Unlock()

	e.sched.RegisterFD(ep.FD(), func(fd int, arg interface{}) int {
		s := arg.(*Socket)
		return s.onReadable()
	}, sock, "rudp-socket")

	e.ensureLoopRunning()
	return sock, nil
}

func (e *Engine) ensureLoopRunning() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}
	e.running = true
	e.runDone = make(chan struct{})
	go func() {
		err := e.sched.Run()
		e.mu.Lock()
		e.running = false
		e.runErr = err
		close(e.runDone)
		e.mu.Unlock()
		if err != nil {
			log.WithError(err).Error("transport: event loop aborted")
		}
	}()
}

// socketByFD resolves a socket from a timer/fd handle at fire time.
// Returns nil if the socket has since been torn down by the close
// cascade, in which case the caller's timer fire is a no-op (spec §9
// design note on breaking the timer/session reference cycle).
func (e *Engine) socketByFD(fd int) *Socket {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sockets[fd]
}

func (e *Engine) deregister(sock *Socket) {
	e.mu.Lock()
	delete(e.sockets, sock.ep.FD())
	e.mu.Unlock()
	e.sched.CancelFD(sock.ep.FD())
}

// Wait blocks until the engine's event loop goroutine has exited
// (every socket closed and deregistered, or a callback aborted the
// loop) and returns the loop's terminal error, if any.
func (e *Engine) Wait() error {
	e.mu.Lock()
	done := e.runDone
	e.mu.Unlock()
	if done == nil {
		return nil
	}
	<-done
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runErr
}
