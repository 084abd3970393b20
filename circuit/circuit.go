package circuit

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"hash"
	"log/slog"
	"sync"
	"time"

	"github.com/onionmux/torcore/cell"
	"github.com/onionmux/torcore/descriptor"
	"github.com/onionmux/torcore/link"
	"github.com/onionmux/torcore/ntor"
)

// Hop holds the encryption state for one circuit hop.
type Hop struct {
	kf cipher.Stream // Forward AES-128-CTR (client→relay)
	kb cipher.Stream // Backward AES-128-CTR (relay→client)
	df hash.Hash     // Forward running SHA-1 digest
	db hash.Hash     // Backward running SHA-1 digest
}

// MaxRelayEarly is the maximum number of RELAY_EARLY cells per circuit (tor-spec §5.6).
const MaxRelayEarly = 8

// Flow-control window sizes and thresholds (tor-spec §7.4 values used by
// this client; see spec.md §4.4.4).
const (
	CircWindowStart   = 1000
	CircWindowDelta   = 100
	StreamWindowStart = 500
	StreamWindowDelta = 50
)

// State is the circuit's position in its build/teardown lifecycle.
type State int

const (
	StateBuilding State = iota
	StateOpen
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateBuilding:
		return "building"
	case StateOpen:
		return "open"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// StreamSink receives decoded relay data for one stream ID. stream.Stream
// implements this.
type StreamSink interface {
	Deliver(relayCmd uint8, data []byte)
}

// Circuit represents an established Tor circuit over a link.
type Circuit struct {
	rmu            sync.Mutex // protects reads: kb, db
	wmu            sync.Mutex // protects writes: kf, df, RelayEarlySent
	ID             uint32
	Link           *link.Link
	Hops           []*Hop
	RelayEarlySent int // tracks RELAY_EARLY cells sent (max 8)
	Logger         *slog.Logger

	stateMu sync.Mutex
	state   State

	streamsMu  sync.Mutex
	streams    map[uint16]StreamSink
	nextStream uint16

	recvMu       sync.Mutex
	recvSinceAck int

	sendCredit chan struct{} // outbound circuit-level flow-control tokens

	closed   chan struct{}
	closeErr error
}

// Create performs a CREATE2/CREATED2 handshake to build a single-hop circuit.
func Create(l *link.Link, relayInfo *descriptor.RelayInfo, logger *slog.Logger) (*Circuit, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// Allocate circuit ID with MSB=1, ensuring uniqueness on this link
	var circID uint32
	for attempts := 0; attempts < 16; attempts++ {
		id, err := allocateCircID(l.Version)
		if err != nil {
			return nil, fmt.Errorf("allocate circuit ID: %w", err)
		}
		if l.ClaimCircID(id) {
			circID = id
			break
		}
	}
	if circID == 0 {
		return nil, fmt.Errorf("failed to allocate unique circuit ID after 16 attempts")
	}
	logger.Info("circuit ID allocated", "circID", fmt.Sprintf("0x%08x", circID))

	// Create ntor handshake
	hs, err := ntor.NewHandshake(relayInfo.NodeID, relayInfo.NtorOnionKey)
	if err != nil {
		return nil, fmt.Errorf("ntor handshake init: %w", err)
	}
	defer hs.Close() // Zero ephemeral private key on all exit paths

	// Build CREATE2 cell
	clientData := hs.ClientData()
	create2 := cell.NewFixedCell(circID, cell.CmdCreate2)
	p := create2.Payload()
	binary.BigEndian.PutUint16(p[0:2], 0x0002) // HTYPE = ntor
	binary.BigEndian.PutUint16(p[2:4], 84)     // HLEN = 84
	copy(p[4:88], clientData[:])

	// Set deadline for circuit creation
	l.SetDeadline(time.Now().Add(30 * time.Second))
	defer l.SetDeadline(time.Time{}) // Clear deadline after

	logger.Debug("sending CREATE2", "circID", fmt.Sprintf("0x%08x", circID))
	if err := l.WriteCell(create2); err != nil {
		return nil, fmt.Errorf("send CREATE2: %w", err)
	}

	// Read response directly: no dispatch loop is running yet for this link.
	resp, err := l.ReadCell()
	if err != nil {
		return nil, fmt.Errorf("read CREATED2: %w", err)
	}

	cmd := resp.Command()
	if cmd == cell.CmdDestroy {
		reason := resp.Payload()[0]
		return nil, fmt.Errorf("relay sent DESTROY (reason=%d) instead of CREATED2", reason)
	}
	if cmd != cell.CmdCreated2 {
		return nil, fmt.Errorf("expected CREATED2 (11), got command %d", cmd)
	}

	// Parse CREATED2: HLEN(2) + HDATA(HLEN)
	rp := resp.Payload()
	hlen := binary.BigEndian.Uint16(rp[0:2])
	if hlen != 64 {
		return nil, fmt.Errorf("CREATED2 HLEN=%d, expected 64", hlen)
	}

	var serverData [64]byte
	copy(serverData[:], rp[2:66])

	logger.Debug("received CREATED2")

	// Complete ntor handshake
	km, err := hs.Complete(serverData)
	if err != nil {
		return nil, fmt.Errorf("ntor complete: %w", err)
	}

	logger.Info("ntor handshake complete")

	// Initialize AES-128-CTR ciphers with zero IV
	hop, err := initHop(km)
	clear(km.Kf[:])
	clear(km.Kb[:])
	clear(km.Df[:])
	clear(km.Db[:])
	if err != nil {
		return nil, fmt.Errorf("init hop: %w", err)
	}

	c := &Circuit{
		ID:         circID,
		Link:       l,
		Hops:       []*Hop{hop},
		Logger:     logger,
		state:      StateBuilding,
		streams:    make(map[uint16]StreamSink),
		nextStream: 1,
		sendCredit: make(chan struct{}, CircWindowStart),
		closed:     make(chan struct{}),
	}
	for i := 0; i < CircWindowStart; i++ {
		c.sendCredit <- struct{}{}
	}
	return c, nil
}

// Activate transitions the circuit to StateOpen, registers it as the
// link's CellSink for its circuit ID, and starts the link's shared
// dispatch loop (link.Run) in a new goroutine. It starts a loop on every
// call and does not check whether one is already running on the link.
// After Activate, Extend must not be called again and all further relay
// delivery happens asynchronously via Deliver.
func (c *Circuit) Activate() {
	c.stateMu.Lock()
	c.state = StateOpen
	c.stateMu.Unlock()

	c.Link.RegisterSink(c.ID, c)

	go func() {
		if err := c.Link.Run(c.Logger); err != nil {
			c.Logger.Debug("link dispatch loop ended", "error", err)
		}
	}()
}

// AllocStreamID reserves the next stream ID on this circuit. Stream IDs
// are never reused for the lifetime of the circuit.
func (c *Circuit) AllocStreamID() uint16 {
	c.streamsMu.Lock()
	defer c.streamsMu.Unlock()
	id := c.nextStream
	c.nextStream++
	return id
}

// BindStream associates a stream ID (from AllocStreamID) with its sink.
func (c *Circuit) BindStream(id uint16, sink StreamSink) {
	c.streamsMu.Lock()
	c.streams[id] = sink
	c.streamsMu.Unlock()
}

// UnregisterStream removes a stream's registration.
func (c *Circuit) UnregisterStream(id uint16) {
	c.streamsMu.Lock()
	delete(c.streams, id)
	c.streamsMu.Unlock()
}

// receiveRelayDirect reads and decrypts one relay cell straight off the
// link, skipping PADDING and failing on DESTROY. Only valid to call
// before Activate, while no dispatch loop is competing for reads.
func (c *Circuit) receiveRelayDirect() (relayCmd uint8, streamID uint16, data []byte, err error) {
	for {
		incoming, err := c.Link.ReadCell()
		if err != nil {
			return 0, 0, nil, fmt.Errorf("read cell: %w", err)
		}
		switch incoming.Command() {
		case cell.CmdPadding:
			continue
		case cell.CmdDestroy:
			reason := incoming.Payload()[0]
			return 0, 0, nil, fmt.Errorf("circuit destroyed by relay (reason=%d)", reason)
		case cell.CmdRelay, cell.CmdRelayEarly:
			c.rmu.Lock()
			_, rc, sid, d, derr := c.decryptRelayLocked(incoming)
			c.rmu.Unlock()
			return rc, sid, d, derr
		default:
			return 0, 0, nil, fmt.Errorf("unexpected cell command %d on circuit", incoming.Command())
		}
	}
}

// Deliver implements link.CellSink. It is called by the link's single
// dispatch goroutine for every cell addressed to this circuit; it must
// not block for long. A nil cell indicates the underlying link died.
func (c *Circuit) Deliver(raw cell.Cell) {
	if raw == nil {
		c.teardown(fmt.Errorf("link closed"))
		return
	}

	switch raw.Command() {
	case cell.CmdDestroy:
		reason := raw.Payload()[0]
		c.teardown(fmt.Errorf("circuit destroyed by relay (reason=%d)", reason))
		return
	case cell.CmdRelay, cell.CmdRelayEarly:
		// fallthrough below
	default:
		c.Logger.Debug("unexpected cell on circuit", "cmd", raw.Command(), "circID", c.ID)
		return
	}

	c.rmu.Lock()
	_, relayCmd, streamID, data, err := c.decryptRelayLocked(raw)
	c.rmu.Unlock()
	if err != nil {
		c.Logger.Debug("relay decrypt failed", "error", err)
		return
	}

	switch relayCmd {
	case RelaySendMe:
		c.grantSendCredit(streamID)
	case RelayConnected, RelayData, RelayEnd:
		if relayCmd == RelayData {
			c.bumpRecvWindow()
		}
		c.streamsMu.Lock()
		sink, ok := c.streams[streamID]
		c.streamsMu.Unlock()
		if ok {
			sink.Deliver(relayCmd, data)
		}
		if relayCmd == RelayEnd {
			c.UnregisterStream(streamID)
		}
	default:
		c.Logger.Debug("unhandled relay command", "relayCmd", relayCmd, "streamID", streamID)
	}
}

// teardown marks the circuit destroyed and wakes every blocked caller.
func (c *Circuit) teardown(err error) {
	c.stateMu.Lock()
	if c.state == StateDestroyed {
		c.stateMu.Unlock()
		return
	}
	c.state = StateDestroyed
	c.closeErr = err
	c.stateMu.Unlock()

	close(c.closed)

	c.streamsMu.Lock()
	for id, sink := range c.streams {
		sink.Deliver(RelayEnd, nil)
		delete(c.streams, id)
	}
	c.streamsMu.Unlock()
}

// Done returns a channel closed when the circuit is torn down.
func (c *Circuit) Done() <-chan struct{} {
	return c.closed
}

// Err returns the reason the circuit was torn down, if any.
func (c *Circuit) Err() error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.closeErr
}

// bumpRecvWindow counts a delivered relay cell toward the circuit-level
// SENDME cadence and sends one once CircWindowDelta cells have arrived.
func (c *Circuit) bumpRecvWindow() {
	c.recvMu.Lock()
	c.recvSinceAck++
	due := c.recvSinceAck >= CircWindowDelta
	if due {
		c.recvSinceAck = 0
	}
	c.recvMu.Unlock()
	if due {
		if err := c.SendRelay(RelaySendMe, 0, sendMeV1Payload(c.BackwardDigest())); err != nil {
			c.Logger.Debug("send circuit SENDME failed", "error", err)
		}
	}
}

// sendMeV1Payload builds a SENDME v1 payload: version(1) + digest-len(2) +
// digest(20), per tor-spec §6.3.
func sendMeV1Payload(digest []byte) []byte {
	payload := make([]byte, 23)
	payload[0] = 1
	binary.BigEndian.PutUint16(payload[1:3], 20)
	copy(payload[3:23], digest)
	return payload
}

// grantSendCredit restores outbound flow-control credit on receipt of a
// SENDME. streamID == 0 is a circuit-level SENDME; a nonzero streamID
// is routed to that stream's own credit pool.
func (c *Circuit) grantSendCredit(streamID uint16) {
	if streamID != 0 {
		c.streamsMu.Lock()
		sink, ok := c.streams[streamID]
		c.streamsMu.Unlock()
		if fc, ok2 := sink.(interface{ GrantCredit() }); ok && ok2 {
			fc.GrantCredit()
		}
		return
	}
	for i := 0; i < CircWindowDelta; i++ {
		select {
		case c.sendCredit <- struct{}{}:
		default:
			return
		}
	}
}

// AcquireSendCredit blocks until a circuit-level outbound token is
// available, or the circuit is torn down.
func (c *Circuit) AcquireSendCredit() error {
	select {
	case <-c.sendCredit:
		return nil
	case <-c.closed:
		return c.Err()
	}
}

// BackwardDigest returns the current backward digest state, used to build
// a SENDME v1 payload. Must not be called while c.rmu is already held.
func (c *Circuit) BackwardDigest() []byte {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	if len(c.Hops) == 0 {
		return nil
	}
	return c.Hops[len(c.Hops)-1].db.Sum(nil)
}

// SendRelay encrypts and sends a relay cell through the circuit.
// The encrypt and write are atomic to prevent interleaving of cipher stream state.
func (c *Circuit) SendRelay(relayCmd uint8, streamID uint16, data []byte) error {
	c.wmu.Lock()
	relayCell, err := c.encryptRelayLocked(relayCmd, streamID, data)
	if err != nil {
		c.wmu.Unlock()
		return fmt.Errorf("encrypt relay: %w", err)
	}
	err = c.Link.WriteCell(relayCell)
	c.wmu.Unlock()
	return err
}

// SendRelayEarly sends a RELAY_EARLY cell, enforcing the per-circuit budget of 8.
// Caller must NOT hold c.wmu.
func (c *Circuit) SendRelayEarly(payload []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.RelayEarlySent >= MaxRelayEarly {
		return fmt.Errorf("RELAY_EARLY budget exhausted (%d/%d)", c.RelayEarlySent, MaxRelayEarly)
	}
	c.RelayEarlySent++

	earlyCell := cell.NewFixedCell(c.ID, cell.CmdRelayEarly)
	copy(earlyCell.Payload(), payload)
	return c.Link.WriteCell(earlyCell)
}

// Destroy sends a DESTROY cell to tear down the circuit.
func (c *Circuit) Destroy() error {
	destroy := cell.NewFixedCell(c.ID, cell.CmdDestroy)
	destroy.Payload()[0] = 0 // reason = NONE
	err := c.Link.WriteCell(destroy)
	c.Link.ReleaseCircID(c.ID)
	c.teardown(fmt.Errorf("circuit closed locally"))
	return err
}

// NewHop creates a Hop with caller-provided cipher streams and digest hashes.
func NewHop(kf, kb cipher.Stream, df, db hash.Hash) *Hop {
	return &Hop{kf: kf, kb: kb, df: df, db: db}
}

// AddHop appends a hop to the circuit.
func (c *Circuit) AddHop(hop *Hop) {
	c.wmu.Lock()
	c.rmu.Lock()
	c.Hops = append(c.Hops, hop)
	c.rmu.Unlock()
	c.wmu.Unlock()
}

// allocateCircID generates a random circuit ID sized to the link's
// negotiated CircID width, with the top bit of that width set
// (client-initiated), so the canonical uint32 form registered with
// link.RegisterSink always matches what Reader/TryDecode zero-extend
// a wire-width CircID back into on read.
func allocateCircID(version uint16) (uint32, error) {
	if cell.CircIDWidth(version) == 2 {
		var buf [2]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, err
		}
		circID := uint32(binary.BigEndian.Uint16(buf[:]))
		circID |= 0x8000 // Set MSB of the 16-bit wire field
		return circID, nil
	}
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	circID := binary.BigEndian.Uint32(buf[:])
	circID |= 0x80000000 // Set MSB (client-initiated)
	return circID, nil
}

func initHop(km *ntor.KeyMaterial) (*Hop, error) {
	// AES-128-CTR with zero IV (stream state persists across cells)
	zeroIV := make([]byte, aes.BlockSize)

	fwdBlock, err := aes.NewCipher(km.Kf[:])
	if err != nil {
		return nil, fmt.Errorf("AES-CTR forward: %w", err)
	}
	bwdBlock, err := aes.NewCipher(km.Kb[:])
	if err != nil {
		return nil, fmt.Errorf("AES-CTR backward: %w", err)
	}

	// SHA-1 running digests seeded with Df/Db
	df := sha1.New()
	df.Write(km.Df[:])
	db := sha1.New()
	db.Write(km.Db[:])

	return &Hop{
		kf: cipher.NewCTR(fwdBlock, zeroIV),
		kb: cipher.NewCTR(bwdBlock, zeroIV),
		df: df,
		db: db,
	}, nil
}
