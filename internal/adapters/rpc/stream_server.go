package rpc

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"aim-chat/go-jsonrpc/pkg/jsonrpc"
	"aim-chat/go-jsonrpc/pkg/transport/stream"
)

// ServeStream accepts raw TCP connections on ln, each carrying newline
// delimited JSON-RPC frames, until ctx is done. Connection limits, metrics
// and the connection value factory are shared with the WebSocket endpoint.
func (s *Server) ServeStream(ctx context.Context, ln net.Listener) error {
	s.log.Info("stream listener started", "addr", ln.Addr().String())
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.closeSessions()
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.log.Warn("accept failed", "error", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if !s.beginSession() {
			_ = nc.Close()
			continue
		}
		go func() {
			defer s.sessions.Done()
			s.serveStreamConn(ctx, nc)
		}()
	}
}

func (s *Server) serveStreamConn(ctx context.Context, nc net.Conn) {
	defer func() { _ = nc.Close() }()
	key := streamClientKey(nc.RemoteAddr())
	release, allowed := s.conns.acquire(key)
	if !allowed {
		if s.metrics != nil {
			s.metrics.ConnectionRejected()
		}
		s.log.Warn("connection rejected", "client_key", key)
		return
	}
	defer release()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.sessionsCtx, cancel)
	defer stop()

	connID := newConnID()
	var value any
	if s.connValue != nil {
		value = s.connValue(nc.RemoteAddr().String(), connID)
	}
	if s.metrics != nil {
		s.metrics.ConnectionOpened()
		defer s.metrics.ConnectionClosed()
	}
	log := s.log.With("conn_id", connID)
	log.Info("stream connection opened", "remote_addr", nc.RemoteAddr().String())
	err := s.rpc.ServeTransport(ctx, stream.New(nc), value, jsonrpc.WithID(connID))
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("stream connection failed", "error", err)
		return
	}
	log.Info("stream connection closed")
}

func streamClientKey(addr net.Addr) string {
	if addr == nil {
		return "ip:unknown"
	}
	return clientKey(&http.Request{RemoteAddr: addr.String()})
}
