package jsonrpc

import "context"

// Transport is a duplex frame channel. Recv blocks until a frame arrives, ctx
// is done, or the receive side closes; Send hands one frame to the peer.
// Both report a closed direction with an error matching ErrTransportClosed.
//
// Any other Recv error is treated as transient: the receive loop logs it and
// retries with a growing delay, so a permanently broken receive side should
// be reported as ErrTransportClosed.
//
// The engine serializes Send calls; Recv is only called from the receive
// loop.
type Transport interface {
	Recv(ctx context.Context) ([]byte, error)
	Send(ctx context.Context, data []byte) error
}
