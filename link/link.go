package link

import (
	"bufio"
	"crypto/sha256"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/onionmux/torcore/cell"
)

// State is the link's position in the handshake/lifecycle state machine.
type State int

const (
	StateConnecting State = iota
	StateTLSHandshake
	StateVersionsSent
	StateAwaitCerts
	StateAwaitAuthChallenge
	StateAwaitNetinfo
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateTLSHandshake:
		return "tls_handshake"
	case StateVersionsSent:
		return "versions_sent"
	case StateAwaitCerts:
		return "await_certs"
	case StateAwaitAuthChallenge:
		return "await_auth_challenge"
	case StateAwaitNetinfo:
		return "await_netinfo"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CellSink receives cells routed to a specific circuit ID by a Link's
// dispatch loop. circuit.Circuit implements this.
type CellSink interface {
	Deliver(c cell.Cell)
}

// Link represents an established Tor link connection.
type Link struct {
	conn    *tls.Conn
	Version uint16
	Reader  *cell.Reader
	Writer  *cell.Writer
	// RelayIdentityEd25519 is the relay's Ed25519 identity key from CERTS validation.
	RelayIdentityEd25519 []byte
	// RelayAddr is the relay's IP:port we connected to.
	RelayAddr string

	stateMu sync.Mutex
	state   State

	circMu  sync.Mutex
	CircIDs map[uint32]bool
	sinks   map[uint32]CellSink

	writeMu sync.Mutex // serializes WriteCell against Run's own reads needing none, but keeps concurrent senders from interleaving
}

// State returns the link's current lifecycle state.
func (l *Link) State() State {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	return l.state
}

func (l *Link) setState(s State) {
	l.stateMu.Lock()
	l.state = s
	l.stateMu.Unlock()
}

// ClaimCircID registers a circuit ID on this link. Returns false if already in use.
func (l *Link) ClaimCircID(id uint32) bool {
	l.circMu.Lock()
	defer l.circMu.Unlock()
	if l.CircIDs == nil {
		l.CircIDs = make(map[uint32]bool)
	}
	if l.CircIDs[id] {
		return false
	}
	l.CircIDs[id] = true
	return true
}

// ReleaseCircID removes a circuit ID from this link's tracking.
func (l *Link) ReleaseCircID(id uint32) {
	l.circMu.Lock()
	delete(l.CircIDs, id)
	delete(l.sinks, id)
	l.circMu.Unlock()
}

// RegisterSink attaches a CellSink to receive cells for circID once the
// link's dispatch loop (Run) is driving reads. Until a circuit registers,
// callers are expected to read CREATE2/CREATED2 and EXTEND2/EXTENDED2
// responses directly off Reader, which is safe because no dispatch loop
// is competing for reads yet.
func (l *Link) RegisterSink(circID uint32, sink CellSink) {
	l.circMu.Lock()
	if l.sinks == nil {
		l.sinks = make(map[uint32]CellSink)
	}
	l.sinks[circID] = sink
	l.circMu.Unlock()
}

// UnregisterSink detaches a circuit's CellSink.
func (l *Link) UnregisterSink(circID uint32) {
	l.circMu.Lock()
	delete(l.sinks, circID)
	l.circMu.Unlock()
}

// WriteCell serializes and writes c at the link's negotiated version.
func (l *Link) WriteCell(c cell.Cell) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.Writer.WriteCell(c, l.Version)
}

// ReadCell reads one cell at the link's negotiated version. Only safe to
// call directly (bypassing Run's dispatch) before any circuit has
// registered a sink, i.e. during CREATE2/CREATED2 and EXTEND2/EXTENDED2
// on the first circuit built on this link.
func (l *Link) ReadCell() (cell.Cell, error) {
	return l.Reader.ReadCell(l.Version)
}

// SetDeadline sets a deadline on the underlying connection.
func (l *Link) SetDeadline(t time.Time) error {
	return l.conn.SetDeadline(t)
}

// Close closes the underlying TLS connection.
func (l *Link) Close() error {
	l.setState(StateClosed)
	return l.conn.Close()
}

// Handshake connects to a Tor relay and performs the full link handshake.
// Returns a ready Link or an error.
func Handshake(addr string, logger *slog.Logger) (*Link, error) {
	if logger == nil {
		logger = slog.Default()
	}

	l := &Link{RelayAddr: addr}
	l.setState(StateConnecting)

	// Step 1: TLS connection
	logger.Info("connecting", "addr", addr)
	tcpConn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("tcp dial: %w", err)
	}

	l.setState(StateTLSHandshake)
	tlsConfig := &tls.Config{
		// Tor relays use self-signed certs; identity is verified via CERTS cell Ed25519 chain, not TLS PKI.
		InsecureSkipVerify:     true,
		SessionTicketsDisabled: true,
		ClientSessionCache:     nil,
		MinVersion:             tls.VersionTLS12,
		MaxVersion:             tls.VersionTLS12,
		CipherSuites:           firefoxCipherSuites(),
	}

	tlsConn := tls.Client(tcpConn, tlsConfig)
	// Set deadline for entire handshake phase
	_ = tlsConn.SetDeadline(time.Now().Add(30 * time.Second))
	if err := tlsConn.Handshake(); err != nil {
		_ = tcpConn.Close()
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	logger.Info("tls established", "version", tlsConn.ConnectionState().Version)
	l.conn = tlsConn

	// Get peer TLS cert for CERTS validation
	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		_ = tlsConn.Close()
		return nil, fmt.Errorf("no peer TLS certificate")
	}
	peerCertDER := state.PeerCertificates[0].Raw
	peerCertHash := sha256.Sum256(peerCertDER)
	logger.Debug("peer TLS cert hash", "sha256", fmt.Sprintf("%x", peerCertHash))

	br := bufio.NewReader(tlsConn)
	cr := cell.NewReader(br)
	cw := cell.NewWriter(tlsConn)
	l.Reader = cr
	l.Writer = cw

	// Step 2: VERSIONS exchange
	offered := []uint16{cell.MinLinkProtoVersion, cell.MaxLinkProtoVersion}
	versionsCell := cell.NewVersionsCell(offered)
	l.setState(StateVersionsSent)
	logger.Debug("sending VERSIONS", "versions", offered)
	if err := cw.WriteVersionsCell(versionsCell); err != nil {
		_ = tlsConn.Close()
		return nil, fmt.Errorf("send VERSIONS: %w", err)
	}

	serverVersions, err := cr.ReadVersionsCell()
	if err != nil {
		_ = tlsConn.Close()
		return nil, fmt.Errorf("read VERSIONS: %w", err)
	}
	versions := cell.ParseVersions(serverVersions)
	logger.Debug("received VERSIONS", "versions", versions)

	negotiated := negotiateVersion(versions)
	if negotiated == 0 {
		_ = tlsConn.Close()
		return nil, fmt.Errorf("no common link protocol version in [%d,%d] (server offered %v)",
			cell.MinLinkProtoVersion, cell.MaxLinkProtoVersion, versions)
	}
	l.Version = negotiated
	logger.Info("version negotiated", "version", negotiated)

	// Step 3: Read CERTS cell
	l.setState(StateAwaitCerts)
	certsCell, err := readExpectedCell(cr, negotiated, cell.CmdCerts, logger)
	if err != nil {
		_ = tlsConn.Close()
		return nil, fmt.Errorf("read CERTS: %w", err)
	}

	identityKey, err := validateCerts(certsCell.Payload(), peerCertHash[:], logger)
	if err != nil {
		_ = tlsConn.Close()
		return nil, fmt.Errorf("validate CERTS: %w", err)
	}
	logger.Debug("certs validated", "identity", fmt.Sprintf("%x", identityKey[:8]))
	l.RelayIdentityEd25519 = identityKey

	// Step 4: Read AUTH_CHALLENGE (discard; AUTHENTICATE is out of scope)
	l.setState(StateAwaitAuthChallenge)
	_, err = readExpectedCell(cr, negotiated, cell.CmdAuthChallenge, logger)
	if err != nil {
		_ = tlsConn.Close()
		return nil, fmt.Errorf("read AUTH_CHALLENGE: %w", err)
	}
	logger.Debug("auth_challenge received and discarded")

	// Step 5: Read relay's NETINFO
	l.setState(StateAwaitNetinfo)
	netinfoCell, err := readExpectedCell(cr, negotiated, cell.CmdNetInfo, logger)
	if err != nil {
		_ = tlsConn.Close()
		return nil, fmt.Errorf("read NETINFO: %w", err)
	}
	logger.Debug("received relay NETINFO", "payload_hex", fmt.Sprintf("%x", netinfoCell.Payload()[:20]))

	// Step 6: Send our NETINFO (IPv4 only; IPv6 NETINFO is out of scope)
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		_ = tlsConn.Close()
		return nil, fmt.Errorf("parse relay addr: %w", err)
	}
	relayIP := net.ParseIP(host).To4()
	if relayIP == nil {
		_ = tlsConn.Close()
		return nil, fmt.Errorf("relay IP not IPv4: %s", host)
	}

	var myIP net.IP
	if tcpAddr, ok := tlsConn.LocalAddr().(*net.TCPAddr); ok {
		myIP = tcpAddr.IP.To4()
	}
	if myIP == nil {
		myIP = net.IPv4zero
	}

	ourNetinfo := buildNetInfo(relayIP, myIP)
	logger.Debug("sending NETINFO")
	if err := l.WriteCell(ourNetinfo); err != nil {
		_ = tlsConn.Close()
		return nil, fmt.Errorf("send NETINFO: %w", err)
	}

	// Clear handshake deadline
	_ = tlsConn.SetDeadline(time.Time{})
	l.setState(StateReady)
	logger.Info("handshake complete")

	return l, nil
}

// Run drives the link's single shared reader: every cell is read off the
// wire exactly once and routed by CircID to whichever circuit has
// registered itself with RegisterSink. It returns when the link's read
// fails (peer closed, I/O error). Callers should invoke Run in its own
// goroutine once the first circuit on the link has registered.
func (l *Link) Run(logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	for {
		c, err := l.Reader.ReadCell(l.Version)
		if err != nil {
			l.setState(StateClosed)
			l.circMu.Lock()
			sinks := make([]CellSink, 0, len(l.sinks))
			for _, s := range l.sinks {
				sinks = append(sinks, s)
			}
			l.circMu.Unlock()
			for _, s := range sinks {
				s.Deliver(nil) // nil signals link failure to the circuit
			}
			return fmt.Errorf("link read loop: %w", err)
		}

		cmd := c.Command()
		if cmd == cell.CmdPadding || cmd == cell.CmdVPadding {
			continue
		}

		l.circMu.Lock()
		sink, ok := l.sinks[c.CircID()]
		l.circMu.Unlock()
		if !ok {
			logger.Debug("dropping cell for unregistered circuit", "circID", c.CircID(), "cmd", cmd)
			continue
		}
		sink.Deliver(c)
	}
}

func negotiateVersion(serverVersions []uint16) uint16 {
	var best uint16
	for _, v := range serverVersions {
		if v >= cell.MinLinkProtoVersion && v <= cell.MaxLinkProtoVersion && v > best {
			best = v
		}
	}
	return best
}

// readExpectedCell reads cells, skipping PADDING/VPADDING, until it gets the expected command.
func readExpectedCell(cr *cell.Reader, version uint16, expected uint8, logger *slog.Logger) (cell.Cell, error) {
	for i := 0; i < 100; i++ {
		c, err := cr.ReadCell(version)
		if err != nil {
			return nil, err
		}
		cmd := c.Command()
		if cmd == cell.CmdPadding || cmd == cell.CmdVPadding {
			logger.Debug("skipping padding cell", "cmd", cmd)
			continue
		}
		if cmd != expected {
			return nil, fmt.Errorf("expected command %d, got %d", expected, cmd)
		}
		return c, nil
	}
	return nil, fmt.Errorf("too many padding cells before command %d", expected)
}

// buildNetInfo creates a client NETINFO cell carrying the current UTC
// timestamp, the relay's observed address, and one MY_ADDR entry for
// our own observed address (IPv4 only; IPv6 NETINFO is out of scope).
func buildNetInfo(relayIP, myIP net.IP) cell.Cell {
	c := cell.NewFixedCell(0, cell.CmdNetInfo)
	p := c.Payload()
	binary.BigEndian.PutUint32(p[0:4], uint32(time.Now().Unix()))
	// OTHERADDR = relay's IPv4
	p[4] = 0x04 // ATYPE IPv4
	p[5] = 0x04 // ALEN = 4
	copy(p[6:10], relayIP)
	// NMYADDR = 1
	p[10] = 0x01
	p[11] = 0x04 // ATYPE IPv4
	p[12] = 0x04 // ALEN = 4
	copy(p[13:17], myIP)
	return c
}
