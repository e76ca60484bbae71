package jsonrpc

// Observer receives engine events. Implementations must be safe for
// concurrent use; internal/metrics backs it with Prometheus collectors.
type Observer interface {
	MessageReceived(kind string)
	UnmatchedResponse()
	ProtocolError(code int)
	PendingRequests(delta int)
}

type nopObserver struct{}

func (nopObserver) MessageReceived(string) {}
func (nopObserver) UnmatchedResponse()     {}
func (nopObserver) ProtocolError(int)      {}
func (nopObserver) PendingRequests(int)    {}
