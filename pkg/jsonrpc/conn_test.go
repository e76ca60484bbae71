package jsonrpc_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"aim-chat/go-jsonrpc/internal/wire"
	"aim-chat/go-jsonrpc/pkg/jsonrpc"
	"aim-chat/go-jsonrpc/pkg/transport/memory"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

type countingObserver struct {
	pending   atomic.Int64
	unmatched atomic.Int64
	protocol  atomic.Int64
}

func (o *countingObserver) MessageReceived(string) {}
func (o *countingObserver) UnmatchedResponse()     { o.unmatched.Add(1) }
func (o *countingObserver) ProtocolError(int)      { o.protocol.Add(1) }
func (o *countingObserver) PendingRequests(d int)  { o.pending.Add(int64(d)) }

// rawPeer speaks JSON-RPC by hand on the other end of a memory pipe.
type rawPeer struct {
	t  *testing.T
	tr *memory.Transport
}

func (p rawPeer) read(ctx context.Context) wire.Message {
	p.t.Helper()
	data, err := p.tr.Recv(ctx)
	if err != nil {
		p.t.Fatalf("peer recv: %v", err)
	}
	msgs, err := wire.Parse(data)
	if err != nil {
		p.t.Fatalf("peer parse %s: %v", data, err)
	}
	if len(msgs) != 1 {
		p.t.Fatalf("expected one message, got %d", len(msgs))
	}
	return msgs[0]
}

func (p rawPeer) write(ctx context.Context, frame string) {
	p.t.Helper()
	if err := p.tr.Send(ctx, []byte(frame)); err != nil {
		p.t.Fatalf("peer send: %v", err)
	}
}

// expectSilence fails if the peer already has a frame queued.
func (p rawPeer) expectSilence() {
	p.t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if data, err := p.tr.Recv(ctx); err == nil {
		p.t.Fatalf("expected no frame, got %s", data)
	}
}

func newClient(t *testing.T, opts ...jsonrpc.Option) (*jsonrpc.Connection, rawPeer) {
	t.Helper()
	local, remote := memory.Pipe(16)
	opts = append([]jsonrpc.Option{jsonrpc.WithLogger(quietLogger())}, opts...)
	conn := jsonrpc.OpenClient(testCtx(t), local, opts...)
	t.Cleanup(func() { _ = conn.Close() })
	return conn, rawPeer{t: t, tr: remote}
}

func newServer(t *testing.T, opts ...jsonrpc.Option) (*jsonrpc.Connection, rawPeer) {
	t.Helper()
	local, remote := memory.Pipe(16)
	opts = append([]jsonrpc.Option{jsonrpc.WithLogger(quietLogger())}, opts...)
	conn := jsonrpc.Serve(testCtx(t), local, opts...)
	t.Cleanup(func() { _ = conn.Close() })
	return conn, rawPeer{t: t, tr: remote}
}

func TestRequestRoundTripOverPipe(t *testing.T) {
	ctx := testCtx(t)
	clientSide, serverSide := memory.Pipe(4)
	server := jsonrpc.Serve(ctx, serverSide, jsonrpc.WithLogger(quietLogger()))
	client := jsonrpc.OpenClient(ctx, clientSide, jsonrpc.WithLogger(quietLogger()))
	defer func() { _ = client.Close() }()
	defer func() { _ = server.Close() }()

	go func() {
		for req := range server.Requests() {
			var nums []int
			_ = json.Unmarshal(req.Params, &nums)
			sum := 0
			for _, n := range nums {
				sum += n
			}
			_ = server.RespondWithResult(ctx, req, sum)
		}
	}()

	var got int
	if err := client.Call(ctx, "sum", []int{1, 2, 3}, &got); err != nil {
		t.Fatalf("call: %v", err)
	}
	if got != 6 {
		t.Fatalf("expected 6, got %d", got)
	}
}

func TestConcurrentRequestsGetUniqueIDsAndOwnResults(t *testing.T) {
	ctx := testCtx(t)
	client, peer := newClient(t)

	const n = 10
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			var echoed uint64
			raw, err := client.Request(ctx, "whoami", nil)
			if err == nil {
				err = json.Unmarshal(raw, &echoed)
			}
			if err == nil && echoed == 0 {
				err = errors.New("zero id echoed")
			}
			results <- err
		}()
	}

	seen := make(map[string]bool)
	msgs := make([]wire.Message, 0, n)
	for i := 0; i < n; i++ {
		msg := peer.read(ctx)
		if seen[string(msg.ID)] {
			t.Fatalf("duplicate correlation id %s", msg.ID)
		}
		seen[string(msg.ID)] = true
		msgs = append(msgs, msg)
	}
	// Answer in reverse order, echoing each id as the result.
	for i := len(msgs) - 1; i >= 0; i-- {
		peer.write(ctx, `{"jsonrpc":"2.0","id":`+string(msgs[i].ID)+`,"result":`+string(msgs[i].ID)+`}`)
	}
	for i := 0; i < n; i++ {
		if err := <-results; err != nil {
			t.Fatalf("request: %v", err)
		}
	}
}

func TestErrorResponseIsTyped(t *testing.T) {
	ctx := testCtx(t)
	client, peer := newClient(t)

	done := make(chan error, 1)
	go func() {
		_, err := client.Request(ctx, "get_balance", []any{})
		done <- err
	}()
	msg := peer.read(ctx)
	peer.write(ctx, `{"jsonrpc":"2.0","id":`+string(msg.ID)+`,"error":{"code":1000,"message":"Not authorized","data":{"hint":"login"}}}`)

	err := <-done
	var rpcErr *jsonrpc.Error
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected *jsonrpc.Error, got %v", err)
	}
	if rpcErr.Code != 1000 || rpcErr.Message != "Not authorized" {
		t.Fatalf("unexpected error: %+v", rpcErr)
	}
	if string(rpcErr.Data) != `{"hint":"login"}` {
		t.Fatalf("expected data to be preserved, got %s", rpcErr.Data)
	}
	if rpcErr.Kind() != jsonrpc.KindApplication {
		t.Fatalf("expected application error, got %s", rpcErr.Kind())
	}
	if !errors.Is(err, jsonrpc.NewApplicationError(1000, "")) {
		t.Fatal("expected errors.Is to match on code")
	}
}

func TestUnmatchedResponseOnClientIsNonFatal(t *testing.T) {
	ctx := testCtx(t)
	obs := &countingObserver{}
	client, peer := newClient(t, jsonrpc.WithObserver(obs))

	peer.write(ctx, `{"jsonrpc":"2.0","id":999,"result":true}`)

	done := make(chan error, 1)
	go func() {
		_, err := client.Request(ctx, "ping", nil)
		done <- err
	}()
	msg := peer.read(ctx)
	peer.write(ctx, `{"jsonrpc":"2.0","id":`+string(msg.ID)+`,"result":"pong"}`)
	if err := <-done; err != nil {
		t.Fatalf("expected connection to keep working, got %v", err)
	}
	if got := obs.unmatched.Load(); got != 1 {
		t.Fatalf("expected 1 unmatched response, got %d", got)
	}
	peer.expectSilence()
}

func TestUnmatchedResponseOnServerIsAnswered(t *testing.T) {
	ctx := testCtx(t)
	server, peer := newServer(t)

	peer.write(ctx, `{"jsonrpc":"2.0","id":5,"result":1}`)
	msg := peer.read(ctx)
	if msg.Error == nil || msg.Error.Code != jsonrpc.CodeInternalError {
		t.Fatalf("expected internal error, got %+v", msg)
	}
	if string(msg.ID) != "null" {
		t.Fatalf("expected null id, got %s", msg.ID)
	}

	// A null-id response is not answered.
	peer.write(ctx, `{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"parse error"}}`)
	peer.write(ctx, `{"jsonrpc":"2.0","id":1,"method":"next"}`)
	select {
	case req := <-server.Requests():
		if req.Method != "next" {
			t.Fatalf("expected next, got %s", req.Method)
		}
	case <-ctx.Done():
		t.Fatal("request not delivered")
	}
	peer.expectSilence()
}

func TestServerAnswersParseErrorWithNullID(t *testing.T) {
	ctx := testCtx(t)
	_, peer := newServer(t)

	peer.write(ctx, `{"jsonrpc": "2.0", "method": "foobar, "params": "bar", "baz]`)
	msg := peer.read(ctx)
	if msg.Error == nil || msg.Error.Code != jsonrpc.CodeParseError {
		t.Fatalf("expected parse error, got %+v", msg)
	}
	if string(msg.ID) != "null" {
		t.Fatalf("expected null id, got %s", msg.ID)
	}

	peer.write(ctx, `{"jsonrpc":"1.0","id":4,"method":"x"}`)
	msg = peer.read(ctx)
	if msg.Error == nil || msg.Error.Code != jsonrpc.CodeInvalidRequest || string(msg.ID) != "4" {
		t.Fatalf("expected invalid request for id 4, got %+v", msg)
	}
}

func TestClientOnlyLogsParseErrors(t *testing.T) {
	ctx := testCtx(t)
	obs := &countingObserver{}
	client, peer := newClient(t, jsonrpc.WithObserver(obs))

	peer.write(ctx, `not json`)
	done := make(chan error, 1)
	go func() {
		_, err := client.Request(ctx, "ping", nil)
		done <- err
	}()
	msg := peer.read(ctx)
	if msg.Kind != wire.KindRequest {
		t.Fatalf("expected the client's request, got %+v", msg)
	}
	peer.write(ctx, `{"jsonrpc":"2.0","id":`+string(msg.ID)+`,"result":null}`)
	if err := <-done; err != nil {
		t.Fatalf("request: %v", err)
	}
	if got := obs.protocol.Load(); got != 1 {
		t.Fatalf("expected 1 protocol error, got %d", got)
	}
	peer.expectSilence()
}

func TestCloseFailsPendingRequests(t *testing.T) {
	ctx := testCtx(t)
	obs := &countingObserver{}
	client, peer := newClient(t, jsonrpc.WithObserver(obs))

	const n = 3
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.Request(ctx, "slow", nil)
			errs <- err
		}()
	}
	for i := 0; i < n; i++ {
		peer.read(ctx)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if !errors.Is(err, jsonrpc.ErrConnectionClosed) {
			t.Fatalf("expected ErrConnectionClosed, got %v", err)
		}
		if !errors.Is(err, jsonrpc.ErrTransportClosed) {
			t.Fatalf("expected ErrConnectionClosed to wrap ErrTransportClosed, got %v", err)
		}
	}
	if got := obs.pending.Load(); got != 0 {
		t.Fatalf("expected no pending requests, got %d", got)
	}
	if _, ok := <-client.Requests(); ok {
		t.Fatal("expected Requests to be closed")
	}
	if _, err := client.Request(ctx, "late", nil); !errors.Is(err, jsonrpc.ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed after stop, got %v", err)
	}
}

func TestPeerCloseStopsConnectionCleanly(t *testing.T) {
	ctx := testCtx(t)
	obs := &countingObserver{}
	client, peer := newClient(t, jsonrpc.WithObserver(obs))

	const outstanding = 5
	errs := make(chan error, outstanding)
	for range outstanding {
		go func() {
			_, err := client.Request(ctx, "never", nil)
			errs <- err
		}()
	}
	for range outstanding {
		peer.read(ctx)
	}
	_ = peer.tr.Close()

	for range outstanding {
		if err := <-errs; !errors.Is(err, jsonrpc.ErrConnectionClosed) {
			t.Fatalf("expected ErrConnectionClosed, got %v", err)
		}
	}
	select {
	case <-client.Done():
	case <-ctx.Done():
		t.Fatal("connection did not stop")
	}
	if err := client.Err(); err != nil {
		t.Fatalf("expected nil stop error for closed transport, got %v", err)
	}
	if got := obs.pending.Load(); got != 0 {
		t.Fatalf("expected no pending requests, got %d", got)
	}
	select {
	case _, ok := <-client.Requests():
		if ok {
			t.Fatal("expected Requests to be closed")
		}
	case <-ctx.Done():
		t.Fatal("Requests was not closed")
	}
}

// flakyTransport fails every Recv with a non-closing error until failures
// runs out, then reports the receive side closed.
type flakyTransport struct {
	failures int64
	calls    atomic.Int64
}

func (f *flakyTransport) Recv(ctx context.Context) ([]byte, error) {
	if n := f.calls.Add(1); f.failures >= 0 && n > f.failures {
		return nil, jsonrpc.ErrTransportClosed
	}
	return nil, errors.New("flaky read")
}

func (f *flakyTransport) Send(context.Context, []byte) error { return nil }

func TestReceiveLoopRetriesTransientErrors(t *testing.T) {
	ctx := testCtx(t)
	tr := &flakyTransport{failures: 3}
	conn := jsonrpc.Serve(ctx, tr, jsonrpc.WithLogger(quietLogger()))

	select {
	case <-conn.Done():
	case <-ctx.Done():
		t.Fatal("connection did not stop")
	}
	if err := conn.Err(); err != nil {
		t.Fatalf("expected nil stop error, got %v", err)
	}
	if got := tr.calls.Load(); got != 4 {
		t.Fatalf("expected 3 failed reads and one closing read, got %d", got)
	}
}

func TestReceiveLoopBacksOffOnPersistentErrors(t *testing.T) {
	tr := &flakyTransport{failures: -1}
	conn := jsonrpc.Serve(testCtx(t), tr, jsonrpc.WithLogger(quietLogger()))

	time.Sleep(150 * time.Millisecond)
	if err := conn.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := tr.calls.Load(); got < 2 || got > 20 {
		t.Fatalf("expected a handful of spaced-out reads, got %d", got)
	}
	if !errors.Is(conn.Err(), context.Canceled) {
		t.Fatalf("expected cancellation after Close, got %v", conn.Err())
	}
}

func TestNotifyCreatesNoPendingEntry(t *testing.T) {
	ctx := testCtx(t)
	obs := &countingObserver{}
	client, peer := newClient(t, jsonrpc.WithObserver(obs))

	if err := client.Notify(ctx, "log", map[string]string{"msg": "hello"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	msg := peer.read(ctx)
	if msg.Kind != wire.KindNotification || msg.Method != "log" {
		t.Fatalf("expected log notification, got %+v", msg)
	}
	if got := obs.pending.Load(); got != 0 {
		t.Fatalf("expected no pending entries, got %d", got)
	}
}

func TestRequestCancellation(t *testing.T) {
	ctx := testCtx(t)
	obs := &countingObserver{}
	client, peer := newClient(t, jsonrpc.WithObserver(obs))

	reqCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		_, err := client.Request(reqCtx, "slow", nil)
		done <- err
	}()
	msg := peer.read(ctx)
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if got := obs.pending.Load(); got != 0 {
		t.Fatalf("expected pending entry to be removed, got %d", got)
	}

	// The late response is now unmatched and ignored.
	peer.write(ctx, `{"jsonrpc":"2.0","id":`+string(msg.ID)+`,"result":1}`)
	if err := client.Notify(ctx, "still-alive", nil); err != nil {
		t.Fatalf("notify after cancellation: %v", err)
	}
	peer.read(ctx)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	local, _ := memory.Pipe(1)
	conn := jsonrpc.NewConnection(local, jsonrpc.RoleServer, jsonrpc.WithLogger(quietLogger()))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- conn.Run(ctx) }()
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if !errors.Is(conn.Err(), context.Canceled) {
		t.Fatalf("expected Err to report cancellation, got %v", conn.Err())
	}
	if _, ok := <-conn.Requests(); ok {
		t.Fatal("expected Requests to be closed")
	}
	if err := conn.Run(context.Background()); !errors.Is(err, jsonrpc.ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
}

func TestRespondToNotificationIsRejected(t *testing.T) {
	ctx := testCtx(t)
	server, peer := newServer(t)

	peer.write(ctx, `{"jsonrpc":"2.0","method":"log","params":["x"]}`)
	var req *jsonrpc.Request
	select {
	case req = <-server.Requests():
	case <-ctx.Done():
		t.Fatal("notification not delivered")
	}
	if !req.IsNotification() {
		t.Fatal("expected a notification")
	}
	if err := server.RespondWithResult(ctx, req, 1); !errors.Is(err, jsonrpc.ErrNotificationResponse) {
		t.Fatalf("expected ErrNotificationResponse, got %v", err)
	}
	if err := server.RespondWithError(ctx, req, jsonrpc.NewInternalError("")); !errors.Is(err, jsonrpc.ErrNotificationResponse) {
		t.Fatalf("expected ErrNotificationResponse, got %v", err)
	}
	peer.expectSilence()
}

func TestRespondWithErrorCarriesRequestID(t *testing.T) {
	ctx := testCtx(t)
	server, peer := newServer(t)

	peer.write(ctx, `{"jsonrpc":"2.0","id":"req-1","method":"transfer","params":{"to":"jane"}}`)
	req := <-server.Requests()
	if req.ParamsShape() != "named" {
		t.Fatalf("expected named params, got %s", req.ParamsShape())
	}
	if err := server.RespondWithError(ctx, req, jsonrpc.NewApplicationError(1001, "Insufficient funds")); err != nil {
		t.Fatalf("respond: %v", err)
	}
	msg := peer.read(ctx)
	if string(msg.ID) != `"req-1"` || msg.Error == nil || msg.Error.Code != 1001 {
		t.Fatalf("unexpected response: %+v", msg)
	}
}
