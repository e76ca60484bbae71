package rpc

import (
	"crypto/rand"
	"fmt"
	"sync/atomic"

	"github.com/mr-tron/base58"
)

var connFallbackSeq atomic.Uint64

// newConnID returns a short random id such as "ws_3mJr7AoUXx2".
func newConnID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("ws_%d", connFallbackSeq.Add(1))
	}
	return "ws_" + base58.Encode(buf)
}
