package jsonrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"aim-chat/go-jsonrpc/internal/wire"
)

const (
	minRecvBackoff = 5 * time.Millisecond
	maxRecvBackoff = time.Second
)

func (c *Connection) receiveLoop(ctx context.Context) error {
	c.log.Debug("receive loop started")
	var backoff time.Duration
	for {
		data, err := c.transport.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.log.Debug("receive loop cancelled")
				return ctx.Err()
			}
			if errors.Is(err, ErrTransportClosed) {
				c.log.Info("receive loop exiting: transport closed for receive")
				return nil
			}
			backoff = nextRecvBackoff(backoff)
			c.log.Error("receive failed", "error", err, "retry_in_ms", backoff.Milliseconds())
			if err := sleepCtx(ctx, backoff); err != nil {
				c.log.Debug("receive loop cancelled")
				return err
			}
			continue
		}
		backoff = 0
		if err := c.handleFrame(ctx, data); err != nil {
			c.log.Debug("receive loop cancelled")
			return err
		}
	}
}

// handleFrame demultiplexes one frame. It only fails when ctx is done while
// waiting for the inbound channel; anything else is logged.
func (c *Connection) handleFrame(ctx context.Context, data []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("unhandled panic in receive loop", "panic", fmt.Sprint(r))
			err = ctx.Err()
		}
	}()

	msgs, perr := wire.Parse(data)
	if perr != nil {
		c.handleParseError(ctx, perr)
		return nil
	}
	for _, msg := range msgs {
		c.observer.MessageReceived(msg.Kind.String())
		switch msg.Kind {
		case wire.KindRequest, wire.KindNotification:
			req := &Request{ID: msg.ID, Method: msg.Method, Params: msg.Params}
			select {
			case c.inbound <- req:
			case <-ctx.Done():
				return ctx.Err()
			}
		case wire.KindResponse:
			c.resolve(ctx, msg)
		}
	}
	return nil
}

func (c *Connection) resolve(ctx context.Context, msg wire.Message) {
	if id, ok := correlationID(msg.ID); ok {
		if call, found := c.take(id); found {
			c.observer.PendingRequests(-1)
			c.log.Debug("response matched", "rpc_id", id, "method", call.method)
			call.ch <- msg
			return
		}
	}

	c.observer.UnmatchedResponse()
	c.log.Error("unmatched response", "rpc_id", string(msg.ID))
	// A null id cannot be answered meaningfully, and answering it would let
	// two servers bounce errors at each other forever.
	if c.role != RoleServer || isNullID(msg.ID) {
		return
	}
	rpcErr := NewInternalError(fmt.Sprintf("No in-flight request matches response.id=%s", string(msg.ID)))
	c.sendErrorBestEffort(ctx, nil, rpcErr)
}

func (c *Connection) handleParseError(ctx context.Context, err error) {
	rpcErr := NewParseError("parse error")
	var id json.RawMessage
	var perr *wire.ParseError
	if errors.As(err, &perr) {
		rpcErr = &Error{Code: perr.Code, Message: perr.Message}
		id = perr.ID
	}
	c.observer.ProtocolError(rpcErr.Code)
	if c.role == RoleClient {
		c.log.Error("protocol error in client receive loop", "rpc_code", rpcErr.Code, "error", rpcErr.Message)
		return
	}
	c.log.Error("protocol error in server receive loop", "rpc_code", rpcErr.Code, "error", rpcErr.Message)
	c.sendErrorBestEffort(ctx, id, rpcErr)
}

// sendErrorBestEffort answers from inside the receive loop. A closed send side
// is only logged: the transport may be half-closed and still deliver data.
func (c *Connection) sendErrorBestEffort(ctx context.Context, id json.RawMessage, rpcErr *Error) {
	data, err := wire.EncodeError(id, rpcErr.object())
	if err != nil {
		c.log.Error("encode error response", "error", err)
		return
	}
	if err := c.send(ctx, data); err != nil {
		if errors.Is(err, ErrTransportClosed) {
			c.log.Error("cannot send error response because the transport is closed")
			return
		}
		c.log.Error("send error response", "error", err)
	}
}

// nextRecvBackoff doubles prev within [minRecvBackoff, maxRecvBackoff].
func nextRecvBackoff(prev time.Duration) time.Duration {
	if prev < minRecvBackoff {
		return minRecvBackoff
	}
	return min(prev*2, maxRecvBackoff)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func correlationID(raw json.RawMessage) (uint64, bool) {
	var id uint64
	if err := json.Unmarshal(raw, &id); err != nil {
		return 0, false
	}
	return id, true
}

func isNullID(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
