// Package dispatch routes inbound JSON-RPC requests to registered handlers.
//
// Handlers declare their parameter convention at registration time and run
// one goroutine per request. The per-connection context travels in the
// context.Context handed to every handler (see WithScope); it is shared by
// reference and never locked by this package.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"aim-chat/go-jsonrpc/pkg/jsonrpc"
)

const internalErrorMessage = "An unhandled exception occurred."

var (
	ErrUnnamedHandler    = errors.New("dispatch: handler must be registered under a non-empty name")
	ErrNilHandler        = errors.New("dispatch: handler func is nil")
	ErrInvalidParamStyle = errors.New("dispatch: invalid param style")
)

// HandlerFunc serves one method. Returning a *jsonrpc.Error (or an error that
// wraps one) sends it to the peer as is; any other error is logged and
// reported to the peer as an opaque internal error.
type HandlerFunc func(ctx context.Context, args Args) (any, error)

type Handler struct {
	Style ParamStyle
	Func  HandlerFunc
}

// Observer receives handler lifecycle events; code is 0 on success.
type Observer interface {
	HandlerStarted(method string)
	HandlerFinished(method string, code int, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) HandlerStarted(string)                      {}
func (nopObserver) HandlerFinished(string, int, time.Duration) {}

// Outcome is the tagged result of executing one request: exactly one of
// Result and Err is meaningful.
type Outcome struct {
	Request *jsonrpc.Request
	Result  any
	Err     *jsonrpc.Error
}

func (o Outcome) OK() bool { return o.Err == nil }

type Option func(*Dispatcher)

func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

func WithObserver(o Observer) Option {
	return func(d *Dispatcher) {
		if o != nil {
			d.observer = o
		}
	}
}

// Dispatcher is the handler registry. Registration normally happens before
// serving, but is safe at any time.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler

	log      *slog.Logger
	observer Observer
}

func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		handlers: make(map[string]Handler),
		log:      slog.Default(),
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register binds name to fn. A later registration for the same name replaces
// the earlier one.
func (d *Dispatcher) Register(name string, style ParamStyle, fn HandlerFunc) error {
	if name == "" {
		return ErrUnnamedHandler
	}
	if fn == nil {
		return fmt.Errorf("%w: %s", ErrNilHandler, name)
	}
	if !style.valid() {
		return fmt.Errorf("%w: %s uses %s", ErrInvalidParamStyle, name, style)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.handlers[name]; exists {
		d.log.Warn("replacing handler", "method", name)
	}
	d.handlers[name] = Handler{Style: style, Func: fn}
	return nil
}

func (d *Dispatcher) MustRegister(name string, style ParamStyle, fn HandlerFunc) {
	if err := d.Register(name, style, fn); err != nil {
		panic(err)
	}
}

// Methods lists the registered method names in order.
func (d *Dispatcher) Methods() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (d *Dispatcher) lookup(method string) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[method]
	return h, ok
}

// Invoke runs the handler for req in the calling goroutine and returns its
// outcome. It never panics on behalf of a handler.
func (d *Dispatcher) Invoke(ctx context.Context, req *jsonrpc.Request) Outcome {
	out := Outcome{Request: req}
	h, ok := d.lookup(req.Method)
	if !ok {
		out.Err = jsonrpc.NewMethodNotFound(req.Method)
		d.log.Debug("rpc method not found", "method", req.Method)
		return out
	}

	started := time.Now()
	d.observer.HandlerStarted(req.Method)
	args, argErr := buildArgs(h.Style, req.Params)
	if argErr != nil {
		out.Err = argErr
	} else {
		result, err := callHandler(ctx, h.Func, args)
		if err != nil {
			out.Err = d.translate(ctx, req.Method, err)
		} else {
			out.Result = result
		}
	}

	code := 0
	if out.Err != nil {
		code = out.Err.Code
		d.log.Warn("rpc failed", "method", req.Method, "rpc_code", code, "latency_ms", time.Since(started).Milliseconds())
	} else {
		d.log.Debug("rpc response", "method", req.Method, "latency_ms", time.Since(started).Milliseconds())
	}
	d.observer.HandlerFinished(req.Method, code, time.Since(started))
	return out
}

// Execute runs req and delivers its outcome to sink. The outcome is dropped
// only if ctx is done before sink accepts it.
func (d *Dispatcher) Execute(ctx context.Context, req *jsonrpc.Request, sink chan<- Outcome) {
	out := d.Invoke(ctx, req)
	select {
	case sink <- out:
		return
	default:
	}
	select {
	case sink <- out:
	case <-ctx.Done():
		d.log.Warn("dropping outcome: context done", "method", req.Method)
	}
}

func callHandler(ctx context.Context, fn HandlerFunc, args Args) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, args)
}

func (d *Dispatcher) translate(ctx context.Context, method string, err error) *jsonrpc.Error {
	var rpcErr *jsonrpc.Error
	if errors.As(err, &rpcErr) && rpcErr != nil {
		return rpcErr
	}
	// A typed nil *jsonrpc.Error still counts as a failure.
	attrs := []any{"method", method, "error", fmt.Sprint(err)}
	if v, scopeErr := Scope(ctx); scopeErr == nil {
		attrs = append(attrs, slog.Any("context", v))
	}
	d.log.Error("unhandled error in handler", attrs...)
	return jsonrpc.NewInternalError(internalErrorMessage)
}
