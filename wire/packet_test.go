package wire

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	p := Packet{Type: TypeData, Seqno: 0xdeadbeef, Payload: []byte("hello\x00")}
	buf, err := Encode(p)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(buf) != RecordLen {
		t.Fatalf("encoded record is %d bytes, want %d", len(buf), RecordLen)
	}
	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Type != p.Type || got.Seqno != p.Seqno || !bytes.Equal(got.Payload, p.Payload) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, p)
	}
}

func TestEncodeMaxPayload(t *testing.T) {
	payload := bytes.Repeat([]byte{0x42}, MaxPayload)
	buf, err := Encode(Packet{Type: TypeData, Seqno: 1, Payload: payload})
	if err != nil {
		t.Fatalf("Encode at MaxPayload: %v", err)
	}
	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(got.Payload, payload) {
		t.Fatalf("MaxPayload round trip mismatch")
	}
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	_, err := Encode(Packet{Type: TypeData, Seqno: 1, Payload: make([]byte, MaxPayload+1)})
	if err == nil {
		t.Fatal("expected error for payload exceeding MaxPayload")
	}
}

func TestDecodeRejectsWrongLength(t *testing.T) {
	if _, err := Decode(make([]byte, RecordLen-1)); err == nil {
		t.Fatal("expected error for truncated record")
	}
}

func TestSeqWrapAround(t *testing.T) {
	var max uint32 = 0xffffffff
	if !SeqLT(max, 0) {
		t.Fatal("expected max uint32 to be SEQ_LT 0 across wraparound")
	}
	if !SeqGEQ(0, max) {
		t.Fatal("expected 0 to be SEQ_GEQ max uint32 across wraparound")
	}
	if SeqLT(5, 5) {
		t.Fatal("SeqLT should be false for equal values")
	}
	if !SeqGEQ(5, 5) {
		t.Fatal("SeqGEQ should be true for equal values")
	}
}

func TestDupAckWindow(t *testing.T) {
	const window = 3
	expected := uint32(2) // wrapped near zero
	// [expected-window, expected) under wraparound
	lo := expected - window
	inWindow := func(seq uint32) bool {
		return SeqGEQ(seq, lo) && SeqLT(seq, expected)
	}
	if !inWindow(expected - 1) {
		t.Fatal("expected-1 should be in dup-ack window")
	}
	if !inWindow(lo) {
		t.Fatal("lower bound should be in dup-ack window")
	}
	if inWindow(expected) {
		t.Fatal("expected itself should not be in dup-ack window")
	}
}

func TestTypeName(t *testing.T) {
	cases := map[byte]string{TypeData: "DATA", TypeAck: "ACK", TypeSyn: "SYN", TypeFin: "FIN", 3: "BAD"}
	for typ, want := range cases {
		if got := TypeName(typ); got != want {
			t.Fatalf("TypeName(%d) = %q, want %q", typ, got, want)
		}
	}
}
