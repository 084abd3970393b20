package stream

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/onionmux/torcore/circuit"
)

var _ io.ReadWriteCloser = (*Stream)(nil)
var _ circuit.StreamSink = (*Stream)(nil)

const (
	relayEndReasonDone = 6

	connectTimeout = 30 * time.Second

	// dataChanCap bounds buffered-but-undelivered RELAY_DATA payloads.
	// It is sized to the stream receive window so the relay's own flow
	// control keeps it from ever filling.
	dataChanCap = circuit.StreamWindowStart
)

// Stream represents a Tor stream multiplexed over a circuit. Multiple
// Streams can be live on the same Circuit at once; each is fed by the
// circuit's single dispatch goroutine calling Deliver.
type Stream struct {
	ID      uint16
	Circuit *circuit.Circuit

	dataCh      chan []byte
	connectedCh chan error

	mu         sync.Mutex
	buf        []byte
	closed     bool
	endOnce    sync.Once
	endReason  uint8

	sendCredit chan struct{} // stream-level outbound flow-control tokens

	recvMu       sync.Mutex
	recvSinceAck int
}

func newStream(id uint16, circ *circuit.Circuit) *Stream {
	s := &Stream{
		ID:          id,
		Circuit:     circ,
		dataCh:      make(chan []byte, dataChanCap),
		connectedCh: make(chan error, 1),
		sendCredit:  make(chan struct{}, circuit.StreamWindowStart),
	}
	for i := 0; i < circuit.StreamWindowStart; i++ {
		s.sendCredit <- struct{}{}
	}
	return s
}

// Begin opens a new TCP stream to target (host:port) through the circuit.
// It sends RELAY_BEGIN and waits for RELAY_CONNECTED.
func Begin(circ *circuit.Circuit, target string) (*Stream, error) {
	return open(circ, circuit.RelayBegin, buildBeginPayload(target))
}

// BeginDirectory opens a directory stream (RELAY_BEGIN_DIR) through the
// circuit's last hop, used for fetching descriptors/consensus documents
// without a RELAY_BEGIN target address.
func BeginDirectory(circ *circuit.Circuit) (*Stream, error) {
	return open(circ, circuit.RelayBeginDir, nil)
}

func open(circ *circuit.Circuit, beginCmd uint8, payload []byte) (*Stream, error) {
	id := circ.AllocStreamID()
	s := newStream(id, circ)
	circ.BindStream(id, s)

	if err := circ.SendRelay(beginCmd, id, payload); err != nil {
		circ.UnregisterStream(id)
		return nil, fmt.Errorf("send relay begin: %w", err)
	}

	select {
	case err := <-s.connectedCh:
		if err != nil {
			return nil, err
		}
		return s, nil
	case <-circ.Done():
		return nil, fmt.Errorf("circuit closed while opening stream: %w", circ.Err())
	case <-time.After(connectTimeout):
		circ.UnregisterStream(id)
		return nil, fmt.Errorf("timed out waiting for stream response")
	}
}

func buildBeginPayload(target string) []byte {
	// "host:port\0" + flags(4 bytes, all zero)
	payload := make([]byte, len(target)+1+4)
	copy(payload, target)
	return payload
}

// Deliver implements circuit.StreamSink. Called by the circuit's single
// dispatch goroutine; must not block.
func (s *Stream) Deliver(relayCmd uint8, data []byte) {
	switch relayCmd {
	case circuit.RelayConnected:
		select {
		case s.connectedCh <- nil:
		default:
		}
	case circuit.RelayData:
		s.countReceived()
		select {
		case s.dataCh <- data:
		default:
			// Window accounting should make this unreachable; drop rather
			// than block the circuit's dispatch goroutine.
		}
	case circuit.RelayEnd:
		reason := uint8(0)
		if len(data) > 0 {
			reason = data[0]
		}
		s.endOnce.Do(func() {
			s.endReason = reason
			close(s.dataCh)
		})
		select {
		case s.connectedCh <- fmt.Errorf("stream rejected: RELAY_END reason=%d", reason):
		default:
		}
	case circuit.RelaySendMe:
		s.GrantCredit()
	}
}

// GrantCredit restores stream-level outbound flow-control tokens on
// receipt of a stream SENDME. It implements the optional interface
// circuit.grantSendCredit probes for.
func (s *Stream) GrantCredit() {
	for i := 0; i < circuit.StreamWindowDelta; i++ {
		select {
		case s.sendCredit <- struct{}{}:
		default:
			return
		}
	}
}

// Write sends data through the stream as RELAY_DATA cells, blocking on
// both circuit- and stream-level flow-control credit as needed.
func (s *Stream) Write(p []byte) (int, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return 0, fmt.Errorf("stream closed")
	}

	total := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > circuit.MaxRelayDataLen {
			chunk = p[:circuit.MaxRelayDataLen]
		}

		if err := s.Circuit.AcquireSendCredit(); err != nil {
			return total, fmt.Errorf("circuit send credit: %w", err)
		}
		if err := s.acquireStreamCredit(); err != nil {
			return total, fmt.Errorf("stream send credit: %w", err)
		}

		if err := s.Circuit.SendRelay(circuit.RelayData, s.ID, chunk); err != nil {
			return total, fmt.Errorf("send RELAY_DATA: %w", err)
		}
		total += len(chunk)
		p = p[len(chunk):]
	}
	return total, nil
}

func (s *Stream) acquireStreamCredit() error {
	select {
	case <-s.sendCredit:
		return nil
	case <-s.Circuit.Done():
		return s.Circuit.Err()
	}
}

// Read receives data from the stream, blocking until RELAY_DATA arrives,
// the stream is ended with RELAY_END, or the circuit is torn down.
func (s *Stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	if len(s.buf) > 0 {
		n := copy(p, s.buf)
		s.buf = s.buf[n:]
		s.mu.Unlock()
		return n, nil
	}
	s.mu.Unlock()

	select {
	case data, ok := <-s.dataCh:
		if !ok {
			return 0, io.EOF
		}
		n := copy(p, data)
		if n < len(data) {
			s.mu.Lock()
			s.buf = append(s.buf, data[n:]...)
			s.mu.Unlock()
		}
		return n, nil
	case <-s.Circuit.Done():
		return 0, fmt.Errorf("circuit closed: %w", s.Circuit.Err())
	}
}

// Close sends RELAY_END to close the stream.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.Circuit.UnregisterStream(s.ID)
	return s.Circuit.SendRelay(circuit.RelayEnd, s.ID, []byte{relayEndReasonDone})
}
