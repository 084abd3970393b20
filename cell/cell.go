// Package cell implements the Tor link-protocol cell codec: framing and
// parsing of fixed and variable-length cells, and the RELAY inner header.
package cell

import "encoding/binary"

// Command constants
const (
	CmdPadding          uint8 = 0
	CmdCreate           uint8 = 1
	CmdCreated          uint8 = 2
	CmdRelay            uint8 = 3
	CmdDestroy          uint8 = 4
	CmdCreateFast       uint8 = 5
	CmdCreatedFast      uint8 = 6
	CmdVersions         uint8 = 7
	CmdNetInfo          uint8 = 8
	CmdRelayEarly       uint8 = 9
	CmdCreate2          uint8 = 10
	CmdCreated2         uint8 = 11
	CmdPaddingNegotiate uint8 = 12
	CmdVPadding         uint8 = 128
	CmdCerts            uint8 = 129
	CmdAuthChallenge    uint8 = 130
	CmdAuthenticate     uint8 = 131
)

const (
	MaxPayloadLen    = 509
	FixedCellLen     = 4 + 1 + MaxPayloadLen // canonical in-memory form always uses a 4-byte CircID
	MaxVarPayloadLen = 10000                 // safety cap for variable-length cell payloads

	// MinLinkProtoVersion and MaxLinkProtoVersion bound the link
	// protocol versions this codec understands. Versions below 3 and
	// IPv6 NETINFO are out of scope (spec.md §1 Non-goals).
	MinLinkProtoVersion uint16 = 3
	MaxLinkProtoVersion uint16 = 4
)

// IsVariableLength returns true for VERSIONS (7) and commands >= 128.
func IsVariableLength(cmd uint8) bool {
	return cmd == CmdVersions || cmd >= 128
}

// CircIDWidth returns the on-the-wire width of the CircID field for a
// negotiated link protocol version: 2 bytes for v <= 3, 4 bytes for
// v >= 4. VERSIONS is the one cell type exempt from this (always 2
// bytes, regardless of version) because it is sent before negotiation
// completes; see NewVersionsCell / ReadVersionsCell.
func CircIDWidth(version uint16) int {
	if version <= 3 {
		return 2
	}
	return 4
}

// Cell is a Tor cell held in its canonical in-memory form: always a
// 4-byte CircID, regardless of which wire width it was decoded from or
// will be encoded to. The v3/v4 header-width distinction is confined to
// the Reader/Writer (streaming) and Encode/TryDecode (buffer)
// boundary, keyed by proto_version, so the rest of the codebase never
// has to reason about it.
//
// VERSIONS cells are the one exception: they keep their 2-byte-CircID
// wire form even in memory, since they precede version negotiation.
// Use ParseVersions, not the Cell accessor methods, on a VERSIONS cell.
type Cell []byte

// NewFixedCell creates a fixed-length cell (509-byte payload) in
// canonical form.
func NewFixedCell(circID uint32, cmd uint8) Cell {
	c := make(Cell, FixedCellLen)
	binary.BigEndian.PutUint32(c[0:4], circID)
	c[4] = cmd
	return c
}

// NewVarCell creates a variable-length cell with the given payload, in
// canonical form.
func NewVarCell(circID uint32, cmd uint8, payload []byte) Cell {
	c := make(Cell, 7+len(payload))
	binary.BigEndian.PutUint32(c[0:4], circID)
	c[4] = cmd
	binary.BigEndian.PutUint16(c[5:7], uint16(len(payload)))
	copy(c[7:], payload)
	return c
}

// NewVersionsCell creates a VERSIONS cell with its native 2-byte
// CircID (always 0).
func NewVersionsCell(versions []uint16) Cell {
	payload := make([]byte, 2*len(versions))
	for i, v := range versions {
		binary.BigEndian.PutUint16(payload[2*i:], v)
	}
	c := make(Cell, 5+len(payload))
	c[0] = 0
	c[1] = 0
	c[2] = CmdVersions
	binary.BigEndian.PutUint16(c[3:5], uint16(len(payload)))
	copy(c[5:], payload)
	return c
}

func (c Cell) CircID() uint32 {
	return binary.BigEndian.Uint32(c[0:4])
}

func (c Cell) Command() uint8 {
	return c[4]
}

func (c Cell) Payload() []byte {
	if IsVariableLength(c.Command()) {
		return c[7:]
	}
	return c[5:]
}

func (c Cell) PayloadLen() int {
	if IsVariableLength(c.Command()) {
		return int(binary.BigEndian.Uint16(c[5:7]))
	}
	return MaxPayloadLen
}

// Encode serializes a canonical Cell to its wire form for the given
// negotiated link protocol version.
func Encode(c Cell, version uint16) []byte {
	width := CircIDWidth(version)
	cmd := c.Command()

	var out []byte
	if IsVariableLength(cmd) {
		payload := c.Payload()
		out = make([]byte, width+1+2+len(payload))
	} else {
		out = make([]byte, width+1+MaxPayloadLen)
	}

	if width == 2 {
		binary.BigEndian.PutUint16(out[0:2], uint16(c.CircID()))
	} else {
		binary.BigEndian.PutUint32(out[0:4], c.CircID())
	}
	out[width] = cmd
	off := width + 1

	if IsVariableLength(cmd) {
		payload := c.Payload()
		binary.BigEndian.PutUint16(out[off:off+2], uint16(len(payload)))
		off += 2
		copy(out[off:], payload)
	} else {
		copy(out[off:], c.Payload())
	}
	return out
}
