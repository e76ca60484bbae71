// Package stream frames JSON-RPC messages as newline-delimited JSON over a
// byte stream such as a TCP or Unix socket.
package stream

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"aim-chat/go-jsonrpc/pkg/jsonrpc"
)

const DefaultMaxFrameBytes = 1 << 20 // 1 MiB

var ErrFrameTooLarge = errors.New("stream: frame too large")

// Transport reads and writes one frame per line.
type Transport struct {
	conn          net.Conn
	reader        *bufio.Reader
	maxFrameBytes int

	closeOnce sync.Once
}

func New(conn net.Conn) *Transport {
	return &Transport{
		conn:          conn,
		reader:        bufio.NewReader(conn),
		maxFrameBytes: DefaultMaxFrameBytes,
	}
}

// Dial connects to a TCP address.
func Dial(ctx context.Context, addr string) (*Transport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("stream: dial %s: %w", addr, err)
	}
	return New(conn), nil
}

// SetMaxFrameBytes bounds the size of a single inbound line.
func (t *Transport) SetMaxFrameBytes(n int) {
	if n > 0 {
		t.maxFrameBytes = n
	}
}

// Recv returns the next non-empty line without its terminator. A frame over
// the size limit is reported as an error and skipped.
func (t *Transport) Recv(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_ = t.conn.SetReadDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() {
		_ = t.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		line, err := t.readLine()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, ErrFrameTooLarge) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %v", jsonrpc.ErrTransportClosed, err)
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		return line, nil
	}
}

func (t *Transport) readLine() ([]byte, error) {
	var buf []byte
	for {
		chunk, err := t.reader.ReadSlice('\n')
		if len(buf)+len(chunk) > t.maxFrameBytes {
			if err := t.discardLine(err); err != nil {
				return nil, err
			}
			return nil, ErrFrameTooLarge
		}
		buf = append(buf, chunk...)
		switch {
		case err == nil:
			return buf, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(bytes.TrimSpace(buf)) > 0:
			return buf, nil
		default:
			return nil, err
		}
	}
}

func (t *Transport) discardLine(lastErr error) error {
	for errors.Is(lastErr, bufio.ErrBufferFull) {
		_, lastErr = t.reader.ReadSlice('\n')
	}
	if lastErr != nil {
		return lastErr
	}
	return nil
}

func (t *Transport) Send(ctx context.Context, data []byte) error {
	if bytes.IndexByte(data, '\n') >= 0 {
		data = bytes.ReplaceAll(data, []byte("\n"), nil)
	}
	if d, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(d)
	} else {
		_ = t.conn.SetWriteDeadline(time.Time{})
	}
	frame := make([]byte, 0, len(data)+1)
	frame = append(frame, data...)
	frame = append(frame, '\n')
	if _, err := t.conn.Write(frame); err != nil {
		return fmt.Errorf("%w: %v", jsonrpc.ErrTransportClosed, err)
	}
	return nil
}

func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() { err = t.conn.Close() })
	return err
}
