package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"aim-chat/go-jsonrpc/internal/platform/ratelimiter"
	"aim-chat/go-jsonrpc/pkg/jsonrpc"
)

const defaultResultBuffer = 10

type ServerOption func(*Server)

// WithResultBuffer sets the capacity of the channel between handlers and the
// responder.
func WithResultBuffer(n int) ServerOption {
	return func(s *Server) {
		if n >= 0 {
			s.resultBuffer = n
		}
	}
}

// WithMaxConcurrent bounds the handlers running at once on one connection.
// When the bound is reached, intake stops and the receive loop blocks on the
// inbound channel. Zero means unbounded.
func WithMaxConcurrent(n int) ServerOption {
	return func(s *Server) {
		if n >= 0 {
			s.maxConcurrent = n
		}
	}
}

// WithRateLimit throttles requests per connection; requests over the limit
// are answered with CodeRateLimited, carrying retry_after_ms in the error
// data, without reaching a handler.
func WithRateLimit(rps float64, burst int) ServerOption {
	return func(s *Server) {
		s.limiter = ratelimiter.New(rps, burst, 0)
	}
}

// WithConnOptions applies jsonrpc options to connections built by
// ServeTransport.
func WithConnOptions(opts ...jsonrpc.Option) ServerOption {
	return func(s *Server) {
		s.connOpts = append(s.connOpts, opts...)
	}
}

func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// Server serves connections with a Dispatcher: per connection it runs the
// receive loop, one goroutine per request, and a responder that writes
// outcomes back in completion order.
type Server struct {
	dispatcher    *Dispatcher
	log           *slog.Logger
	resultBuffer  int
	maxConcurrent int
	limiter       *ratelimiter.Limiter
	connOpts      []jsonrpc.Option
}

func NewServer(d *Dispatcher, opts ...ServerOption) *Server {
	s := &Server{
		dispatcher:   d,
		log:          slog.Default(),
		resultBuffer: defaultResultBuffer,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServeTransport builds a server-role connection over t and serves it until
// the peer closes its side (nil) or ctx is done (ctx.Err()). connValue becomes
// the connection context seen by every handler.
func (s *Server) ServeTransport(ctx context.Context, t jsonrpc.Transport, connValue any, opts ...jsonrpc.Option) error {
	connOpts := make([]jsonrpc.Option, 0, len(s.connOpts)+len(opts))
	connOpts = append(connOpts, s.connOpts...)
	connOpts = append(connOpts, opts...)
	conn := jsonrpc.NewConnection(t, jsonrpc.RoleServer, connOpts...)
	return s.serve(ctx, conn, connValue, true)
}

// ServeConn serves a connection whose receive loop is already running, e.g.
// one returned by jsonrpc.Serve.
func (s *Server) ServeConn(ctx context.Context, conn *jsonrpc.Connection, connValue any) error {
	return s.serve(ctx, conn, connValue, false)
}

func (s *Server) serve(ctx context.Context, conn *jsonrpc.Connection, connValue any, runConn bool) error {
	scoped, err := WithScope(ctx, connValue)
	if err != nil {
		return err
	}
	log := s.log.With("conn_id", conn.ID())
	defer s.limiter.Forget(conn.ID())

	g, gctx := errgroup.WithContext(scoped)
	results := make(chan Outcome, s.resultBuffer)

	if runConn {
		g.Go(func() error {
			return conn.Run(gctx)
		})
	}

	g.Go(func() error {
		s.respond(gctx, conn, results, log)
		return nil
	})

	g.Go(func() error {
		defer close(results)
		var handlers errgroup.Group
		if s.maxConcurrent > 0 {
			handlers.SetLimit(s.maxConcurrent)
		}
		s.intake(gctx, conn, results, &handlers)
		return handlers.Wait()
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() == nil {
		err = nil
	}
	log.Debug("connection served", "error", err)
	return err
}

func (s *Server) intake(ctx context.Context, conn *jsonrpc.Connection, results chan<- Outcome, handlers *errgroup.Group) {
	requests := conn.Requests()
	for {
		select {
		case req, ok := <-requests:
			if !ok {
				return
			}
			if wait := s.limiter.Take(conn.ID(), time.Now()); wait > 0 {
				deliver(ctx, results, Outcome{Request: req, Err: rateLimited(wait)})
				continue
			}
			handlers.Go(func() error {
				s.dispatcher.Execute(ctx, req, results)
				return nil
			})
		case <-ctx.Done():
			return
		}
	}
}

func rateLimited(wait time.Duration) *jsonrpc.Error {
	ms := wait.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return jsonrpc.NewRateLimited().WithData(map[string]int64{"retry_after_ms": ms})
}

func deliver(ctx context.Context, results chan<- Outcome, out Outcome) {
	select {
	case results <- out:
	case <-ctx.Done():
	}
}

// respond drains outcomes until the channel closes or ctx is done. Failed
// sends are logged and do not stop the drain.
func (s *Server) respond(ctx context.Context, conn *jsonrpc.Connection, results <-chan Outcome, log *slog.Logger) {
	for {
		select {
		case out, ok := <-results:
			if !ok {
				return
			}
			s.respondOne(ctx, conn, out, log)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) respondOne(ctx context.Context, conn *jsonrpc.Connection, out Outcome, log *slog.Logger) {
	req := out.Request
	if req.IsNotification() {
		if out.Err != nil {
			log.Debug("discarding notification error", "method", req.Method, "rpc_code", out.Err.Code)
		}
		return
	}
	if out.Err != nil {
		if err := conn.RespondWithError(ctx, req, out.Err); err != nil {
			log.Warn("send error response", "method", req.Method, "error", err)
		}
		return
	}
	err := conn.RespondWithResult(ctx, req, out.Result)
	if err == nil {
		return
	}
	if errors.Is(err, jsonrpc.ErrTransportClosed) || ctx.Err() != nil {
		log.Warn("send response", "method", req.Method, "error", err)
		return
	}
	// The result could not be encoded; the peer still gets an answer.
	log.Error("encode result", "method", req.Method, "error", err)
	if err := conn.RespondWithError(ctx, req, jsonrpc.NewInternalError(internalErrorMessage)); err != nil {
		log.Warn("send error response", "method", req.Method, "error", err)
	}
}
