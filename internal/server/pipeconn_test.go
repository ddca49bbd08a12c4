package server

import (
	"errors"
	"sync"

	"github.com/pgrok/pgrok/internal/relay"
)

// pipeConn is an in-memory relay.FrameConn used by tests to simulate a
// control channel without a real websocket handshake. Closing either
// end of a pair causes the other end's next Send/Recv to fail, mirroring
// what a closed socket does to its peer.
type pipeConn struct {
	send chan relay.Frame
	recv chan relay.Frame

	localClosed chan struct{}
	peerClosed  chan struct{}
	once        sync.Once
}

func newPipePair() (*pipeConn, *pipeConn) {
	ab := make(chan relay.Frame, 64)
	ba := make(chan relay.Frame, 64)
	closedA := make(chan struct{})
	closedB := make(chan struct{})
	a := &pipeConn{send: ab, recv: ba, localClosed: closedA, peerClosed: closedB}
	b := &pipeConn{send: ba, recv: ab, localClosed: closedB, peerClosed: closedA}
	return a, b
}

func (p *pipeConn) SendFrame(f relay.Frame) error {
	if err := p.closedErr(); err != nil {
		return err
	}
	select {
	case p.send <- f:
		return nil
	case <-p.localClosed:
		return errors.New("pipeConn: closed")
	case <-p.peerClosed:
		return errors.New("pipeConn: peer closed")
	}
}

func (p *pipeConn) RecvFrame() (relay.Frame, error) {
	if err := p.closedErr(); err != nil {
		return relay.Frame{}, err
	}
	select {
	case f := <-p.recv:
		return f, nil
	case <-p.localClosed:
		return relay.Frame{}, errors.New("pipeConn: closed")
	case <-p.peerClosed:
		return relay.Frame{}, errors.New("pipeConn: peer closed")
	}
}

// closedErr reports a close of either end without blocking, so a closed
// pipe fails even when its buffered channel still has room or data.
func (p *pipeConn) closedErr() error {
	select {
	case <-p.localClosed:
		return errors.New("pipeConn: closed")
	case <-p.peerClosed:
		return errors.New("pipeConn: peer closed")
	default:
		return nil
	}
}

func (p *pipeConn) Close() error {
	p.once.Do(func() { close(p.localClosed) })
	return nil
}
