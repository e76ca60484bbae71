package rpc

import (
	"net"
	"net/http"
	"strings"
	"sync"

	"aim-chat/go-jsonrpc/internal/config"
)

// connLimiter caps open WebSocket connections globally and per client key.
// A zero limit disables that bound.
type connLimiter struct {
	maxGlobal    int
	maxPerClient int

	mu       sync.Mutex
	global   int
	byClient map[string]int
}

func newConnLimiter(cfg config.LimitsConfig) *connLimiter {
	return &connLimiter{
		maxGlobal:    cfg.MaxConnsGlobal,
		maxPerClient: cfg.MaxConnsPerClient,
		byClient:     make(map[string]int),
	}
}

func (l *connLimiter) acquire(clientKey string) (func(), bool) {
	if l == nil {
		return func() {}, true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.maxGlobal > 0 && l.global >= l.maxGlobal {
		return nil, false
	}
	if l.maxPerClient > 0 && l.byClient[clientKey] >= l.maxPerClient {
		return nil, false
	}
	l.global++
	l.byClient[clientKey]++
	var once sync.Once
	return func() {
		once.Do(func() { l.release(clientKey) })
	}, true
}

func (l *connLimiter) release(clientKey string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.global > 0 {
		l.global--
	}
	next := l.byClient[clientKey] - 1
	if next <= 0 {
		delete(l.byClient, clientKey)
		return
	}
	l.byClient[clientKey] = next
}

func (l *connLimiter) open() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.global
}

func clientKey(r *http.Request) string {
	remote := strings.TrimSpace(r.RemoteAddr)
	if remote == "" {
		return "ip:unknown"
	}
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return "ip:" + remote
	}
	if strings.TrimSpace(host) == "" {
		return "ip:unknown"
	}
	return "ip:" + host
}
