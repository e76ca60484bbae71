// Package jsonrpc is a bidirectional JSON-RPC 2.0 connection engine. A
// Connection correlates outgoing requests with their responses, runs one
// receive loop per transport, and hands inbound requests and notifications to
// the caller through a bounded channel.
//
// The same engine serves both roles; the role only decides whether protocol
// problems seen by the receive loop are answered (server) or just logged
// (client).
package jsonrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"aim-chat/go-jsonrpc/internal/wire"
)

type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

const defaultRequestBuffer = 1

type connState int

const (
	stateIdle connState = iota
	stateRunning
	stateStopped
)

var connSeq atomic.Uint64

type Option func(*Connection)

func WithLogger(l *slog.Logger) Option {
	return func(c *Connection) {
		if l != nil {
			c.log = l
		}
	}
}

// WithRequestBuffer sets the capacity of the inbound request channel. Zero
// makes every delivery a rendezvous with the consumer.
func WithRequestBuffer(n int) Option {
	return func(c *Connection) {
		if n >= 0 {
			c.requestBuffer = n
		}
	}
}

func WithObserver(o Observer) Option {
	return func(c *Connection) {
		if o != nil {
			c.observer = o
		}
	}
}

// WithID sets the connection id used in log records.
func WithID(id string) Option {
	return func(c *Connection) {
		if id != "" {
			c.id = id
		}
	}
}

type pendingCall struct {
	method string
	ch     chan wire.Message
}

// Connection is one JSON-RPC peer bound to one transport.
type Connection struct {
	id            string
	transport     Transport
	role          Role
	log           *slog.Logger
	observer      Observer
	requestBuffer int

	nextID   atomic.Uint64
	sendLock chan struct{}

	mu      sync.Mutex
	state   connState
	pending map[uint64]pendingCall
	cancel  context.CancelFunc
	err     error

	inbound chan *Request
	done    chan struct{}
}

// NewConnection builds a connection without starting its receive loop; call
// Run to start it.
func NewConnection(t Transport, role Role, opts ...Option) *Connection {
	c := &Connection{
		id:            fmt.Sprintf("conn_%d", connSeq.Add(1)),
		transport:     t,
		role:          role,
		log:           slog.Default(),
		observer:      nopObserver{},
		requestBuffer: defaultRequestBuffer,
		sendLock:      make(chan struct{}, 1),
		pending:       make(map[uint64]pendingCall),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With("conn_id", c.id, "role", role.String())
	c.inbound = make(chan *Request, c.requestBuffer)
	return c
}

// OpenClient starts a client-role connection whose receive loop runs until ctx
// is done or the transport closes.
func OpenClient(ctx context.Context, t Transport, opts ...Option) *Connection {
	c := NewConnection(t, RoleClient, opts...)
	go func() { _ = c.Run(ctx) }()
	return c
}

// Serve starts a server-role connection. Consume Requests and answer with
// RespondWithResult/RespondWithError, or hand the connection to
// dispatch.Server.
func Serve(ctx context.Context, t Transport, opts ...Option) *Connection {
	c := NewConnection(t, RoleServer, opts...)
	go func() { _ = c.Run(ctx) }()
	return c
}

func (c *Connection) ID() string { return c.id }

func (c *Connection) Role() Role { return c.role }

// Run drives the receive loop until the transport's receive side closes (nil)
// or ctx is done (ctx.Err()). It can be called once.
func (c *Connection) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.state != stateIdle {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	c.state = stateRunning
	c.cancel = cancel
	c.mu.Unlock()
	defer cancel()

	err := c.receiveLoop(ctx)
	c.stop(err)
	return err
}

// Close cancels the receive loop and waits for it to exit. Pending requests
// fail with ErrConnectionClosed. The transport is not closed.
func (c *Connection) Close() error {
	c.mu.Lock()
	switch c.state {
	case stateIdle:
		c.mu.Unlock()
		c.stop(nil)
		return nil
	case stateRunning:
		cancel := c.cancel
		c.mu.Unlock()
		cancel()
	default:
		c.mu.Unlock()
	}
	<-c.done
	return nil
}

// Done is closed once the connection has stopped.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Err reports why the receive loop stopped: nil for a closed transport,
// the context error for cancellation.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Requests yields inbound requests and notifications in arrival order. The
// channel is closed when the connection stops.
func (c *Connection) Requests() <-chan *Request { return c.inbound }

// Request sends method with params and waits for the correlated response.
// An error response is returned as *Error.
func (c *Connection) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	data, err := wire.EncodeRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	ch := make(chan wire.Message, 1)
	c.mu.Lock()
	if c.state == stateStopped {
		c.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	c.pending[id] = pendingCall{method: method, ch: ch}
	c.mu.Unlock()
	c.observer.PendingRequests(1)

	if err := c.send(ctx, data); err != nil {
		c.forget(id)
		return nil, err
	}

	select {
	case msg, ok := <-ch:
		if !ok {
			return nil, ErrConnectionClosed
		}
		if msg.Error != nil {
			return nil, errorFromObject(msg.Error)
		}
		return msg.Result, nil
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

// Call is Request followed by decoding the result into out (which may be nil).
func (c *Connection) Call(ctx context.Context, method string, params any, out any) error {
	raw, err := c.Request(ctx, method, params)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("jsonrpc: decode %s result: %w", method, err)
	}
	return nil
}

// Notify sends a message without an id. Nothing is awaited.
func (c *Connection) Notify(ctx context.Context, method string, params any) error {
	data, err := wire.EncodeNotification(method, params)
	if err != nil {
		return err
	}
	return c.send(ctx, data)
}

func (c *Connection) RespondWithResult(ctx context.Context, req *Request, result any) error {
	if req.IsNotification() {
		return ErrNotificationResponse
	}
	data, err := wire.EncodeResult(req.ID, result)
	if err != nil {
		return err
	}
	return c.send(ctx, data)
}

func (c *Connection) RespondWithError(ctx context.Context, req *Request, rpcErr *Error) error {
	if req.IsNotification() {
		return ErrNotificationResponse
	}
	if rpcErr == nil {
		rpcErr = NewInternalError("")
	}
	data, err := wire.EncodeError(req.ID, rpcErr.object())
	if err != nil {
		return err
	}
	return c.send(ctx, data)
}

// send serializes writers; waiting for the turn is cancellable.
func (c *Connection) send(ctx context.Context, data []byte) error {
	select {
	case c.sendLock <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-c.sendLock }()
	return c.transport.Send(ctx, data)
}

func (c *Connection) forget(id uint64) {
	c.mu.Lock()
	_, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if ok {
		c.observer.PendingRequests(-1)
	}
}

// take removes and returns the waiter for id.
func (c *Connection) take(id uint64) (pendingCall, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	call, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	return call, ok
}

func (c *Connection) stop(err error) {
	c.mu.Lock()
	if c.state == stateStopped {
		c.mu.Unlock()
		return
	}
	c.state = stateStopped
	c.err = err
	pending := c.pending
	c.pending = make(map[uint64]pendingCall)
	c.mu.Unlock()

	for _, call := range pending {
		close(call.ch)
	}
	if n := len(pending); n > 0 {
		c.observer.PendingRequests(-n)
		c.log.Warn("failing pending requests", "count", n)
	}
	close(c.inbound)
	close(c.done)
}
