package cell

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Failure modes named by spec.md §4.1.
var (
	// ErrNeedMore indicates the buffer does not yet hold a complete cell.
	ErrNeedMore = errors.New("cell: need more bytes")
	// ErrUnknownCommand indicates a command byte this codec does not recognize.
	ErrUnknownCommand = errors.New("cell: unknown command")
	// ErrOversizedVariable indicates a variable cell length beyond MaxVarPayloadLen.
	ErrOversizedVariable = errors.New("cell: variable-length payload too large")
	// ErrOddVersionsPayload indicates a VERSIONS cell whose payload length
	// is not a multiple of 2 (each version is a 2-byte field).
	ErrOddVersionsPayload = errors.New("cell: versions payload has odd length")
)

// Decoded is the result of a successful TryDecode.
type Decoded struct {
	Consumed int
	Cell     Cell
}

// TryDecode attempts to parse one cell from the front of buf, given the
// negotiated link protocol version. It returns ErrNeedMore if buf does
// not yet hold a full cell (the caller should read more and retry),
// ErrOversizedVariable if a variable cell declares a payload beyond
// MaxVarPayloadLen, or ErrUnknownCommand for an unrecognized command
// byte. On success the returned Cell is in canonical (4-byte CircID)
// form regardless of the wire width decoded.
func TryDecode(buf []byte, version uint16) (Decoded, error) {
	width := CircIDWidth(version)
	if len(buf) < width+1 {
		return Decoded{}, ErrNeedMore
	}
	var circID uint32
	if width == 2 {
		circID = uint32(binary.BigEndian.Uint16(buf[0:2]))
	} else {
		circID = binary.BigEndian.Uint32(buf[0:4])
	}
	cmd := buf[width]

	if !knownCommand(cmd) {
		return Decoded{}, fmt.Errorf("%w: %d", ErrUnknownCommand, cmd)
	}

	if IsVariableLength(cmd) {
		lenOff := width + 1
		if len(buf) < lenOff+2 {
			return Decoded{}, ErrNeedMore
		}
		pLen := binary.BigEndian.Uint16(buf[lenOff : lenOff+2])
		if int(pLen) > MaxVarPayloadLen {
			return Decoded{}, fmt.Errorf("%w: %d bytes (max %d)", ErrOversizedVariable, pLen, MaxVarPayloadLen)
		}
		total := lenOff + 2 + int(pLen)
		if len(buf) < total {
			return Decoded{}, ErrNeedMore
		}
		c := NewVarCell(circID, cmd, buf[lenOff+2:total])
		return Decoded{Consumed: total, Cell: c}, nil
	}

	total := width + 1 + MaxPayloadLen
	if len(buf) < total {
		return Decoded{}, ErrNeedMore
	}
	c := NewFixedCell(circID, cmd)
	copy(c.Payload(), buf[width+1:total])
	return Decoded{Consumed: total, Cell: c}, nil
}

func knownCommand(cmd uint8) bool {
	switch cmd {
	case CmdPadding, CmdCreate, CmdCreated, CmdRelay, CmdDestroy, CmdCreateFast,
		CmdCreatedFast, CmdVersions, CmdNetInfo, CmdRelayEarly, CmdCreate2,
		CmdCreated2, CmdPaddingNegotiate, CmdVPadding, CmdCerts, CmdAuthChallenge,
		CmdAuthenticate:
		return true
	default:
		return false
	}
}

// Reader reads Tor cells from a buffered reader.
type Reader struct {
	r *bufio.Reader
}

func NewReader(r *bufio.Reader) *Reader {
	return &Reader{r: r}
}

// ReadCell reads one cell for the given negotiated link protocol
// version, returning it in canonical (4-byte CircID) form.
func (cr *Reader) ReadCell(version uint16) (Cell, error) {
	width := CircIDWidth(version)
	hdr := make([]byte, width+1)
	if _, err := io.ReadFull(cr.r, hdr); err != nil {
		return nil, fmt.Errorf("read cell header: %w", err)
	}
	var circID uint32
	if width == 2 {
		circID = uint32(binary.BigEndian.Uint16(hdr[0:2]))
	} else {
		circID = binary.BigEndian.Uint32(hdr[0:4])
	}
	cmd := hdr[width]

	if IsVariableLength(cmd) {
		var lenBuf [2]byte
		if _, err := io.ReadFull(cr.r, lenBuf[:]); err != nil {
			return nil, fmt.Errorf("read varlen length: %w", err)
		}
		pLen := binary.BigEndian.Uint16(lenBuf[:])
		if int(pLen) > MaxVarPayloadLen {
			return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrOversizedVariable, pLen, MaxVarPayloadLen)
		}
		payload := make([]byte, pLen)
		if pLen > 0 {
			if _, err := io.ReadFull(cr.r, payload); err != nil {
				return nil, fmt.Errorf("read varlen payload: %w", err)
			}
		}
		return NewVarCell(circID, cmd, payload), nil
	}

	c := NewFixedCell(circID, cmd)
	if _, err := io.ReadFull(cr.r, c.Payload()); err != nil {
		return nil, fmt.Errorf("read fixed payload: %w", err)
	}
	return c, nil
}

// ReadVersionsCell reads a VERSIONS cell, which always uses a 2-byte
// CircID regardless of negotiated version (there is no negotiated
// version yet when it is read).
func (cr *Reader) ReadVersionsCell() (Cell, error) {
	hdr := make([]byte, 5)
	if _, err := io.ReadFull(cr.r, hdr); err != nil {
		return nil, fmt.Errorf("read versions header: %w", err)
	}
	if hdr[2] != CmdVersions {
		return nil, fmt.Errorf("expected VERSIONS (7), got command %d", hdr[2])
	}
	pLen := binary.BigEndian.Uint16(hdr[3:5])
	if pLen%2 != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrOddVersionsPayload, pLen)
	}
	c := make(Cell, 5+int(pLen))
	copy(c[0:5], hdr)
	if pLen > 0 {
		if _, err := io.ReadFull(cr.r, c[5:]); err != nil {
			return nil, fmt.Errorf("read versions payload: %w", err)
		}
	}
	return c, nil
}

// ParseVersions extracts version numbers from a VERSIONS cell read with
// ReadVersionsCell. The cell format is 2-byte CircID + 1-byte cmd +
// 2-byte length + payload; Cell accessor methods must not be used on
// it (see Cell's doc comment).
func ParseVersions(c Cell) []uint16 {
	payload := c[5:]
	n := len(payload) / 2
	versions := make([]uint16, n)
	for i := range versions {
		versions[i] = binary.BigEndian.Uint16(payload[2*i:])
	}
	return versions
}

// Writer writes Tor cells.
type Writer struct {
	w io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteCell serializes a canonical Cell to wire form for the given
// negotiated link protocol version and writes it.
func (cw *Writer) WriteCell(c Cell, version uint16) error {
	_, err := cw.w.Write(Encode(c, version))
	return err
}

// WriteVersionsCell writes a VERSIONS cell, which is already in its
// native wire form (2-byte CircID) and must not be passed through
// Encode.
func (cw *Writer) WriteVersionsCell(c Cell) error {
	_, err := cw.w.Write(c)
	return err
}
