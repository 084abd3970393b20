package cell

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeRelayRoundTrip(t *testing.T) {
	h := RelayHeader{
		Command:  3,
		StreamID: 42,
		Data:     []byte("hello relay"),
	}
	payload, err := EncodeRelay(h)
	if err != nil {
		t.Fatalf("EncodeRelay: %v", err)
	}
	if len(payload) != RelayPayloadLen {
		t.Fatalf("payload length: got %d, want %d", len(payload), RelayPayloadLen)
	}

	got, err := DecodeRelay(payload[:])
	if err != nil {
		t.Fatalf("DecodeRelay: %v", err)
	}
	if got.Command != h.Command {
		t.Fatalf("command: got %d, want %d", got.Command, h.Command)
	}
	if got.StreamID != h.StreamID {
		t.Fatalf("streamID: got %d, want %d", got.StreamID, h.StreamID)
	}
	if !bytes.Equal(got.Data, h.Data) {
		t.Fatalf("data: got %q, want %q", got.Data, h.Data)
	}
}

func TestEncodeRelayRejectsOversizedData(t *testing.T) {
	h := RelayHeader{Command: 3, Data: make([]byte, MaxRelayDataLen+1)}
	if _, err := EncodeRelay(h); err == nil {
		t.Fatal("expected error for oversized relay data")
	}
}

func TestDecodeRelayRejectsShortPayload(t *testing.T) {
	_, err := DecodeRelay(make([]byte, RelayDataOff-1))
	if !errors.Is(err, ErrMalformedRelay) {
		t.Fatalf("expected ErrMalformedRelay, got %v", err)
	}
}

func TestDecodeRelayRejectsOversizedLength(t *testing.T) {
	payload := make([]byte, RelayPayloadLen)
	payload[RelayLengthOff] = 0xFF
	payload[RelayLengthOff+1] = 0xFF
	_, err := DecodeRelay(payload)
	if !errors.Is(err, ErrMalformedRelay) {
		t.Fatalf("expected ErrMalformedRelay for oversized length, got %v", err)
	}
}

func TestMaxRelayDataLenFitsPayload(t *testing.T) {
	if RelayDataOff+MaxRelayDataLen != RelayPayloadLen {
		t.Fatalf("RelayDataOff(%d)+MaxRelayDataLen(%d) != RelayPayloadLen(%d)",
			RelayDataOff, MaxRelayDataLen, RelayPayloadLen)
	}
}
