package stream

import (
	"encoding/binary"
	"testing"

	"github.com/onionmux/torcore/circuit"
)

func TestSendMeV1Payload(t *testing.T) {
	digest := make([]byte, 20)
	for i := range digest {
		digest[i] = byte(i + 0xA0)
	}

	payload := sendMeV1Payload(digest)

	if payload[0] != 1 {
		t.Fatalf("version = %d, want 1", payload[0])
	}

	dataLen := binary.BigEndian.Uint16(payload[1:3])
	if dataLen != 20 {
		t.Fatalf("data length = %d, want 20", dataLen)
	}

	for i := 0; i < 20; i++ {
		if payload[3+i] != byte(i+0xA0) {
			t.Fatalf("digest[%d] = %d, want %d", i, payload[3+i], i+0xA0)
		}
	}

	if len(payload) != 23 {
		t.Fatalf("payload length = %d, want 23", len(payload))
	}
}

func TestFlowControlConstants(t *testing.T) {
	if circuit.CircWindowDelta != 100 {
		t.Fatalf("CircWindowDelta = %d, want 100", circuit.CircWindowDelta)
	}
	if circuit.StreamWindowDelta != 50 {
		t.Fatalf("StreamWindowDelta = %d, want 50", circuit.StreamWindowDelta)
	}
	if circuit.CircWindowStart != 1000 {
		t.Fatalf("CircWindowStart = %d, want 1000", circuit.CircWindowStart)
	}
	if circuit.StreamWindowStart != 500 {
		t.Fatalf("StreamWindowStart = %d, want 500", circuit.StreamWindowStart)
	}
}

func TestCountReceivedResetsAtDelta(t *testing.T) {
	// No hops on this circuit, so the SENDME send attempted once the
	// threshold is reached fails silently; only the counter is observed.
	circ := &circuit.Circuit{ID: 0x80000001}
	s := newStream(1, circ)

	for i := 0; i < circuit.StreamWindowDelta-1; i++ {
		s.countReceived()
		if s.recvSinceAck != i+1 {
			t.Fatalf("recvSinceAck = %d, want %d", s.recvSinceAck, i+1)
		}
	}

	s.countReceived()
	if s.recvSinceAck != 0 {
		t.Fatalf("recvSinceAck should reset to 0 after reaching delta, got %d", s.recvSinceAck)
	}
}
