// Package eventloop implements the Event Scheduler (spec §4.A): a
// single-threaded dispatch loop that blocks on file-descriptor
// readiness with a timeout bounded by the earliest pending timer, via
// golang.org/x/sys/unix.Poll. Cross-goroutine registration is woken
// with a self-pipe, replacing the original C++ implementation's
// lock-and-sleep(50ms) polling loop (spec §9 design notes).
package eventloop

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/YFL/ztrudp/timerqueue"
)

// FDCallback is invoked when fd becomes readable. A negative return
// aborts the loop.
type FDCallback func(fd int, arg interface{}) int

type fdEntry struct {
	fd    int
	cb    FDCallback
	arg   interface{}
	label string
}

// Scheduler owns the event loop thread. All registered callbacks are
// invoked synchronously from the goroutine running Run.
type Scheduler struct {
	mu     sync.Mutex
	fds    map[int]*fdEntry
	timers *timerqueue.Queue

	wakeR *int // read end fd of the self-pipe
	wakeW *int // write end fd of the self-pipe

	stopped bool
}

// New creates a Scheduler. The self-pipe is opened immediately so
// RegisterFD/RegisterTimer can be called (and wake a blocked Run) from
// any goroutine before or during Run.
func New() (*Scheduler, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return nil, errors.Wrap(err, "eventloop: create wakeup pipe")
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		return nil, errors.Wrap(err, "eventloop: set wakeup pipe nonblocking")
	}
	r, w := fds[0], fds[1]
	return &Scheduler{
		fds:    make(map[int]*fdEntry),
		timers: timerqueue.New(),
		wakeR:  &r,
		wakeW:  &w,
	}, nil
}

// Close releases the self-pipe. Call once Run has returned.
func (s *Scheduler) Close() error {
	unix.Close(*s.wakeR)
	return unix.Close(*s.wakeW)
}

func (s *Scheduler) wake() {
	// Best effort: if the pipe is full the loop is already about to
	// wake up on its own.
	_, _ = unix.Write(*s.wakeW, []byte{0})
}

// RegisterFD arms fd for readability. No duplicate detection is
// performed, matching the spec's "adds to an unordered file-descriptor
// set" rule.
func (s *Scheduler) RegisterFD(fd int, cb FDCallback, arg interface{}, label string) {
	s.mu.Lock()
	s.fds[fd] = &fdEntry{fd: fd, cb: cb, arg: arg, label: label}
	s.mu.Unlock()
	s.wake()
}

// CancelFD removes fd from the readability set. It is a no-op if fd
// was not registered.
func (s *Scheduler) CancelFD(fd int) bool {
	s.mu.Lock()
	_, ok := s.fds[fd]
	delete(s.fds, fd)
	s.mu.Unlock()
	return ok
}

// RegisterTimer arms a one-shot timer at the given absolute deadline.
// arg is both the callback argument and the cancellation handle.
func (s *Scheduler) RegisterTimer(deadline time.Time, cb timerqueue.Callback, arg interface{}, label string) timerqueue.Handle {
	s.mu.Lock()
	h := s.timers.Register(deadline, cb, arg, label)
	s.mu.Unlock()
	s.wake()
	return h
}

// CancelTimer cancels the timer registered under arg. Safe to call for
// an already-fired timer (returns false).
func (s *Scheduler) CancelTimer(arg interface{}) bool {
	s.mu.Lock()
	ok := s.timers.Cancel(arg)
	s.mu.Unlock()
	return ok
}

func (s *Scheduler) hasWork() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fds) > 0 || s.timers.Len() > 0
}

// Run dispatches events until no FD handlers and no timers remain, or
// a callback returns negative (in which case Run returns that error).
// It blocks the calling goroutine; callers typically run it in its own
// goroutine per Engine.
func (s *Scheduler) Run() error {
	for s.hasWork() {
		s.mu.Lock()
		pollfds := make([]unix.PollFd, 0, len(s.fds)+1)
		pollfds = append(pollfds, unix.PollFd{Fd: int32(*s.wakeR), Events: unix.POLLIN})
		order := make([]int, 0, len(s.fds))
		for fd := range s.fds {
			pollfds = append(pollfds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
			order = append(order, fd)
		}
		deadline, hasTimer := s.timers.Peek()
		s.mu.Unlock()

		timeoutMs := -1
		if hasTimer {
			d := time.Until(deadline)
			if d < 0 {
				d = 0
			}
			timeoutMs = int(d / time.Millisecond)
		}

		n, err := unix.Poll(pollfds, timeoutMs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			log.WithError(err).Warn("eventloop: poll failed, retrying")
			continue
		}

		if n == 0 {
			// Timed out: the head timer (if any) is due.
			s.mu.Lock()
			cb, arg, ok := s.timers.PopDue(time.Now())
			s.mu.Unlock()
			if ok {
				log.WithField("arg", arg).Trace("eventloop: dispatching timer")
				if cb(arg) < 0 {
					return errors.New("eventloop: timer callback returned negative, aborting loop")
				}
			}
			continue
		}

		if pollfds[0].Revents&unix.POLLIN != 0 {
			drainWake(*s.wakeR)
		}
		for i, fd := range order {
			pfd := pollfds[i+1]
			if pfd.Revents&unix.POLLIN == 0 {
				continue
			}
			s.mu.Lock()
			entry, ok := s.fds[fd]
			s.mu.Unlock()
			if !ok {
				continue // cancelled between snapshot and dispatch
			}
			log.WithFields(log.Fields{"fd": fd, "label": entry.label}).Trace("eventloop: dispatching fd readiness")
			if entry.cb(fd, entry.arg) < 0 {
				return errors.New("eventloop: fd callback returned negative, aborting loop")
			}
		}
	}
	return nil
}

func drainWake(fd int) {
	buf := make([]byte, 64)
	for {
		n, err := unix.Read(fd, buf)
		if n <= 0 || err != nil {
			return
		}
	}
}
