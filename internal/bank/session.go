package bank

import (
	"context"
	"log/slog"
	"sync"

	"aim-chat/go-jsonrpc/pkg/dispatch"
)

// Session is the per-connection context: which user, if any, logged in on
// this connection. Handlers of one connection run concurrently, so it carries
// its own lock.
type Session struct {
	mu   sync.Mutex
	user string
}

func NewSession() *Session {
	return &Session{}
}

// User returns the logged-in user.
func (s *Session) User() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user, s.user != ""
}

func (s *Session) setUser(user string) {
	s.mu.Lock()
	s.user = user
	s.mu.Unlock()
}

func (s *Session) LogValue() slog.Value {
	user, ok := s.User()
	return slog.GroupValue(
		slog.String("user", user),
		slog.Bool("authorized", ok),
	)
}

func sessionFrom(ctx context.Context) (*Session, error) {
	return dispatch.ScopeValue[*Session](ctx)
}
