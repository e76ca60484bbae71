// Package memory provides an in-process duplex transport, mainly for tests
// and for wiring a client and a server inside one binary.
package memory

import (
	"context"
	"sync"

	"aim-chat/go-jsonrpc/pkg/jsonrpc"
)

// Transport is one end of a Pipe.
type Transport struct {
	send *half
	recv *half
}

type half struct {
	ch        chan []byte
	closeOnce sync.Once
	closed    chan struct{}
}

func newHalf(buffer int) *half {
	return &half{ch: make(chan []byte, buffer), closed: make(chan struct{})}
}

func (h *half) close() {
	h.closeOnce.Do(func() { close(h.closed) })
}

// Pipe returns two connected transports; frames sent on one are received on
// the other. buffer is the number of frames each direction holds before Send
// blocks.
func Pipe(buffer int) (*Transport, *Transport) {
	if buffer < 0 {
		buffer = 0
	}
	ab := newHalf(buffer)
	ba := newHalf(buffer)
	return &Transport{send: ab, recv: ba}, &Transport{send: ba, recv: ab}
}

func (t *Transport) Send(ctx context.Context, data []byte) error {
	select {
	case <-t.send.closed:
		return jsonrpc.ErrTransportClosed
	default:
	}
	frame := make([]byte, len(data))
	copy(frame, data)
	select {
	case t.send.ch <- frame:
		return nil
	case <-t.send.closed:
		return jsonrpc.ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv drains frames already queued before reporting a closed direction.
func (t *Transport) Recv(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-t.recv.ch:
		return frame, nil
	default:
	}
	select {
	case frame := <-t.recv.ch:
		return frame, nil
	case <-t.recv.closed:
		select {
		case frame := <-t.recv.ch:
			return frame, nil
		default:
			return nil, jsonrpc.ErrTransportClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close closes the sending direction: the peer sees ErrTransportClosed once
// it has drained what was already sent.
func (t *Transport) Close() error {
	t.send.close()
	return nil
}

// CloseRecv closes the receiving direction locally, which also makes the
// peer's Send fail.
func (t *Transport) CloseRecv() {
	t.recv.close()
}
