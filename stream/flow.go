package stream

import (
	"github.com/onionmux/torcore/circuit"
)

// countReceived tracks the stream-level SENDME cadence: every
// circuit.StreamWindowDelta RELAY_DATA cells delivered to this stream, a
// stream SENDME is sent to restore the relay's per-stream send window.
// Circuit-level SENDME cadence is handled centrally by the circuit
// itself, since it spans every stream multiplexed over it.
func (s *Stream) countReceived() {
	s.recvMu.Lock()
	s.recvSinceAck++
	due := s.recvSinceAck >= circuit.StreamWindowDelta
	if due {
		s.recvSinceAck = 0
	}
	s.recvMu.Unlock()
	if !due {
		return
	}

	digest := s.Circuit.BackwardDigest()
	payload := sendMeV1Payload(digest)
	_ = s.Circuit.SendRelay(circuit.RelaySendMe, s.ID, payload)
}

// sendMeV1Payload builds a SENDME v1 payload: version(1) + digest-len(2)
// + digest(20), per tor-spec §6.3.
func sendMeV1Payload(digest []byte) []byte {
	payload := make([]byte, 23)
	payload[0] = 1
	payload[1] = 0
	payload[2] = 20
	copy(payload[3:23], digest)
	return payload
}
