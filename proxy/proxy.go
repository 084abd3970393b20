// Package proxy builds and serves Tor circuits on demand: the first
// stream request triggers a guard connection and a 3-hop circuit build,
// and any requests that arrive while that build is in flight queue in
// order and drain once the circuit is ready.
package proxy

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/onionmux/torcore/circuit"
	"github.com/onionmux/torcore/descriptor"
	"github.com/onionmux/torcore/link"
	"github.com/onionmux/torcore/pathselect"
	"github.com/onionmux/torcore/stream"
)

// Proxy owns a single on-demand guard circuit and serves TCP and
// directory streams over it, selecting a fresh path from its configured
// relay pools the first time a stream is requested.
type Proxy struct {
	pools  pathselect.Pools
	logger *slog.Logger

	mu      sync.Mutex
	circ    *circuit.Circuit
	link    *link.Link
	ready   bool
	pending []pendingRequest // FIFO queue drained once the guard circuit is ready
}

type pendingRequest struct {
	dirStream bool
	target    string
	resultCh  chan streamResult
}

type streamResult struct {
	stream *stream.Stream
	err    error
}

// NewProxy constructs a Proxy over the given relay pools. No network
// connection is made until the first OpenTCPStream/OpenDirectoryStream call.
func NewProxy(guardList, middlePool, exitPool []descriptor.RelayInfo, logger *slog.Logger) *Proxy {
	if logger == nil {
		logger = slog.Default()
	}
	return &Proxy{
		pools: pathselect.Pools{
			Guards:  guardList,
			Middles: middlePool,
			Exits:   exitPool,
		},
		logger: logger,
	}
}

// OpenTCPStream opens a RELAY_BEGIN stream to target (host:port), building
// the underlying guard circuit first if this is the first request.
func (p *Proxy) OpenTCPStream(target string) (*stream.Stream, error) {
	return p.request(false, target)
}

// OpenDirectoryStream opens a RELAY_BEGIN_DIR stream through the exit hop.
func (p *Proxy) OpenDirectoryStream() (*stream.Stream, error) {
	return p.request(true, "")
}

func (p *Proxy) request(dirStream bool, target string) (*stream.Stream, error) {
	p.mu.Lock()
	if p.ready {
		circ := p.circ
		select {
		case <-circ.Done():
			// Guard circuit died; fall through and rebuild over a freshly
			// selected guard instead of reusing a dead one.
			p.logger.Info("guard circuit no longer usable, rebuilding", "error", circ.Err())
			p.ready = false
			p.circ = nil
			p.link = nil
		default:
			p.mu.Unlock()
			return p.openOn(circ, dirStream, target)
		}
	}

	req := pendingRequest{dirStream: dirStream, target: target, resultCh: make(chan streamResult, 1)}
	buildNow := len(p.pending) == 0
	p.pending = append(p.pending, req)
	p.mu.Unlock()

	if buildNow {
		go p.buildGuard()
	}

	res := <-req.resultCh
	return res.stream, res.err
}

// buildGuard selects a path and builds the 3-hop guard circuit, then
// drains every request that queued while the build was in flight, in
// the order they arrived.
func (p *Proxy) buildGuard() {
	circ, l, err := p.buildCircuit()

	p.mu.Lock()
	if err == nil {
		p.circ = circ
		p.link = l
		p.ready = true
	}
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, req := range pending {
		if err != nil {
			req.resultCh <- streamResult{err: err}
			continue
		}
		s, serr := p.openOn(circ, req.dirStream, req.target)
		req.resultCh <- streamResult{stream: s, err: serr}
	}
}

func (p *Proxy) openOn(circ *circuit.Circuit, dirStream bool, target string) (*stream.Stream, error) {
	if dirStream {
		return stream.BeginDirectory(circ)
	}
	return stream.Begin(circ, target)
}

func (p *Proxy) buildCircuit() (*circuit.Circuit, *link.Link, error) {
	path, err := pathselect.SelectPath(p.pools)
	if err != nil {
		return nil, nil, fmt.Errorf("select path: %w", err)
	}

	guardAddr := fmt.Sprintf("%s:%d", path.Guard.Address, path.Guard.ORPort)
	l, err := link.Handshake(guardAddr, p.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("guard handshake: %w", err)
	}

	circ, err := circuit.Create(l, &path.Guard, p.logger)
	if err != nil {
		_ = l.Close()
		return nil, nil, fmt.Errorf("create circuit: %w", err)
	}

	if err := circ.Extend(&path.Middle, p.logger); err != nil {
		_ = circ.Destroy()
		return nil, nil, fmt.Errorf("extend to middle: %w", err)
	}
	if err := circ.Extend(&path.Exit, p.logger); err != nil {
		_ = circ.Destroy()
		return nil, nil, fmt.Errorf("extend to exit: %w", err)
	}

	circ.Activate()
	p.logger.Info("guard circuit ready", "circID", fmt.Sprintf("0x%08x", circ.ID))
	return circ, l, nil
}

// Shutdown tears down the guard circuit and closes the underlying link.
// Safe to call even if no circuit was ever built.
func (p *Proxy) Shutdown() error {
	p.mu.Lock()
	circ := p.circ
	l := p.link
	p.mu.Unlock()
	if circ == nil {
		return nil
	}
	err := circ.Destroy()
	if l != nil {
		_ = l.Close()
	}
	return err
}
