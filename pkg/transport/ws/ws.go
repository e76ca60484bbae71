// Package ws carries JSON-RPC frames as WebSocket text messages.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"aim-chat/go-jsonrpc/pkg/jsonrpc"
)

const (
	defaultReadLimit    = 1 << 20 // 1 MiB
	defaultWriteTimeout = 10 * time.Second
	closeGracePeriod    = time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Transport adapts a *websocket.Conn to jsonrpc.Transport.
type Transport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	closeOnce sync.Once
}

func New(conn *websocket.Conn) *Transport {
	conn.SetReadLimit(defaultReadLimit)
	return &Transport{conn: conn, writeTimeout: defaultWriteTimeout}
}

// Dial opens a client WebSocket to url.
func Dial(ctx context.Context, url string) (*Transport, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("ws: dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("ws: dial %s: %w", url, err)
	}
	return New(conn), nil
}

// Upgrade completes the server side handshake. On failure the upgrader has
// already written an HTTP error.
func Upgrade(w http.ResponseWriter, r *http.Request, checkOrigin func(*http.Request) bool) (*Transport, error) {
	u := upgrader
	if checkOrigin != nil {
		u.CheckOrigin = checkOrigin
	}
	conn, err := u.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("ws: upgrade: %w", err)
	}
	return New(conn), nil
}

// Recv returns the next data message. A done ctx interrupts the read through
// a past read deadline, after which the socket cannot be read again.
func (t *Transport) Recv(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = t.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		kind, data, err := t.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, mapError(err)
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (t *Transport) Send(ctx context.Context, data []byte) error {
	deadline := time.Now().Add(t.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return mapError(err)
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return mapError(err)
	}
	return nil
}

// Close sends a normal closure frame and closes the socket.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
		err = t.conn.Close()
	})
	return err
}

func (t *Transport) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}

// mapError reports every socket failure as a closed transport: gorilla
// connections cannot be used again after a read or write error.
func mapError(err error) error {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return fmt.Errorf("%w: peer closed with code %d", jsonrpc.ErrTransportClosed, closeErr.Code)
	}
	return fmt.Errorf("%w: %v", jsonrpc.ErrTransportClosed, err)
}
