package transport

import (
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/YFL/ztrudp/config"
)

func fastCfg() config.Config {
	c := config.Default()
	c.Window = 3
	c.MaxRetrans = 6
	c.RetransTimeout = 30 * time.Millisecond
	return c
}

func newTestEngine(t *testing.T, cfg config.Config) *Engine {
	t.Helper()
	e, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func newTestSocket(t *testing.T, e *Engine) *Socket {
	t.Helper()
	sock, err := e.CreateSocket(0)
	if err != nil {
		t.Fatalf("CreateSocket: %v", err)
	}
	return sock
}

// TestHappyPathExchange covers scenario S1: SYN/ACK handshake followed
// by ordered DATA delivery and a clean close on both ends.
func TestHappyPathExchange(t *testing.T) {
	cfg := fastCfg()
	engA := newTestEngine(t, cfg)
	engB := newTestEngine(t, cfg)
	a := newTestSocket(t, engA)
	b := newTestSocket(t, engB)

	var mu sync.Mutex
	var got []string
	recvDone := make(chan struct{}, 1)
	b.RegisterRecvHandler(func(sock *Socket, peer netip.AddrPort, payload []byte) int {
		mu.Lock()
		got = append(got, string(payload))
		n := len(got)
		mu.Unlock()
		if n == 2 {
			recvDone <- struct{}{}
		}
		return 0
	})

	closedA := make(chan struct{})
	closedB := make(chan struct{})
	a.RegisterEventHandler(func(sock *Socket, ev Event, peer netip.AddrPort) int {
		if ev == EventClosed {
			close(closedA)
		}
		return 0
	})
	b.RegisterEventHandler(func(sock *Socket, ev Event, peer netip.AddrPort) int {
		if ev == EventClosed {
			close(closedB)
		}
		return 0
	})

	if err := a.SendTo([]byte("hello"), b.LocalAddr()); err != nil {
		t.Fatalf("SendTo: %v", err)
	}
	if err := a.SendTo([]byte("world"), b.LocalAddr()); err != nil {
		t.Fatalf("SendTo: %v", err)
	}

	select {
	case <-recvDone:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for both payloads")
	}

	mu.Lock()
	if len(got) != 2 || got[0] != "hello" || got[1] != "world" {
		t.Fatalf("got = %v, want in-order [hello world]", got)
	}
	mu.Unlock()

	if err := a.Close(); err != nil {
		t.Fatalf("a.Close: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("b.Close: %v", err)
	}

	select {
	case <-closedA:
	case <-time.After(3 * time.Second):
		t.Fatal("a never reached CLOSED")
	}
	select {
	case <-closedB:
	case <-time.After(3 * time.Second):
		t.Fatal("b never reached CLOSED")
	}
}

// TestLossInjectionStillDelivers covers scenario S2/S3: with loss
// injection enabled, retransmission eventually delivers every byte
// exactly once and in order.
func TestLossInjectionStillDelivers(t *testing.T) {
	cfg := fastCfg()
	cfg.Drop = 3 // ~1/3 of packets (both directions) vanish
	cfg.MaxRetrans = 20
	engA := newTestEngine(t, cfg)
	engB := newTestEngine(t, cfg)
	a := newTestSocket(t, engA)
	b := newTestSocket(t, engB)

	const n = 10
	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	b.RegisterRecvHandler(func(sock *Socket, peer netip.AddrPort, payload []byte) int {
		mu.Lock()
		got = append(got, string(payload))
		count := len(got)
		mu.Unlock()
		if count == n {
			close(done)
		}
		return 0
	})

	for i := 0; i < n; i++ {
		if err := a.SendTo([]byte{byte('a' + i)}, b.LocalAddr()); err != nil {
			t.Fatalf("SendTo: %v", err)
		}
	}

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		mu.Lock()
		t.Fatalf("timed out with %d/%d delivered: %v", len(got), n, got)
		mu.Unlock()
	}

	mu.Lock()
	defer mu.Unlock()
	for i, s := range got {
		want := string([]byte{byte('a' + i)})
		if s != want {
			t.Fatalf("out of order delivery at %d: got %q want %q (all: %v)", i, s, want, got)
		}
	}
}

// TestSynExhaustionRaisesTimeout covers scenario S4: a SYN to an
// address nothing is listening on exhausts MaxRetrans and raises
// EventTimeout.
func TestSynExhaustionRaisesTimeout(t *testing.T) {
	cfg := fastCfg()
	cfg.MaxRetrans = 2
	eng := newTestEngine(t, cfg)
	a := newTestSocket(t, eng)

	// Bind a throwaway socket purely to mint an address nobody reads
	// from, then close it so the port is simply silent.
	ghost, err := NewUDPEndpoint(0)
	if err != nil {
		t.Fatalf("NewUDPEndpoint: %v", err)
	}
	deadAddr := ghost.LocalAddr()
	ghost.Close()

	timedOut := make(chan struct{})
	a.RegisterEventHandler(func(sock *Socket, ev Event, peer netip.AddrPort) int {
		if ev == EventTimeout {
			close(timedOut)
		}
		return 0
	})

	if err := a.SendTo([]byte("nobody home"), deadAddr); err != nil {
		t.Fatalf("SendTo: %v", err)
	}

	select {
	case <-timedOut:
	case <-time.After(5 * time.Second):
		t.Fatal("expected EventTimeout after MaxRetrans SYN attempts")
	}
}

// TestInterleavedPeers covers scenario S6: one socket carries on
// independent sessions with two peers without cross-talk.
func TestInterleavedPeers(t *testing.T) {
	cfg := fastCfg()
	engHub := newTestEngine(t, cfg)
	engP1 := newTestEngine(t, cfg)
	engP2 := newTestEngine(t, cfg)
	hub := newTestSocket(t, engHub)
	p1 := newTestSocket(t, engP1)
	p2 := newTestSocket(t, engP2)

	var mu sync.Mutex
	from1 := []string{}
	from2 := []string{}
	done := make(chan struct{})
	hub.RegisterRecvHandler(func(sock *Socket, peer netip.AddrPort, payload []byte) int {
		mu.Lock()
		defer mu.Unlock()
		switch peer {
		case p1.LocalAddr():
			from1 = append(from1, string(payload))
		case p2.LocalAddr():
			from2 = append(from2, string(payload))
		}
		if len(from1) == 2 && len(from2) == 2 {
			close(done)
		}
		return 0
	})

	if err := p1.SendTo([]byte("p1-a"), hub.LocalAddr()); err != nil {
		t.Fatalf("p1 SendTo: %v", err)
	}
	if err := p2.SendTo([]byte("p2-a"), hub.LocalAddr()); err != nil {
		t.Fatalf("p2 SendTo: %v", err)
	}
	if err := p1.SendTo([]byte("p1-b"), hub.LocalAddr()); err != nil {
		t.Fatalf("p1 SendTo: %v", err)
	}
	if err := p2.SendTo([]byte("p2-b"), hub.LocalAddr()); err != nil {
		t.Fatalf("p2 SendTo: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for interleaved delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	if from1[0] != "p1-a" || from1[1] != "p1-b" {
		t.Fatalf("peer1 stream out of order: %v", from1)
	}
	if from2[0] != "p2-a" || from2[1] != "p2-b" {
		t.Fatalf("peer2 stream out of order: %v", from2)
	}
}

// TestSendToRejectsOversizedPayload exercises the Send Path's
// up-front validation (spec §7).
func TestSendToRejectsOversizedPayload(t *testing.T) {
	cfg := fastCfg()
	eng := newTestEngine(t, cfg)
	sock := newTestSocket(t, eng)
	big := make([]byte, cfg.MaxPayload+1)
	addr := netip.AddrPortFrom(netip.IPv6Loopback(), 9)
	if err := sock.SendTo(big, addr); err != ErrPayloadTooLarge {
		t.Fatalf("SendTo with oversized payload = %v, want ErrPayloadTooLarge", err)
	}
}
