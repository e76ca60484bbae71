// Package bank is a small account service served over JSON-RPC: users log in
// with a PIN, read their balance and transfer money to each other.
package bank

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"

	"aim-chat/go-jsonrpc/pkg/jsonrpc"
)

const (
	CodeNotAuthorized     = 1000
	CodeInsufficientFunds = 1001

	pinHashTime    = 1
	pinHashMemory  = 16 * 1024
	pinHashThreads = 1
	pinHashLen     = 32
	pinSaltLen     = 16
)

var (
	ErrNotAuthorized     = jsonrpc.NewApplicationError(CodeNotAuthorized, "Not authorized")
	ErrInsufficientFunds = jsonrpc.NewApplicationError(CodeInsufficientFunds, "Insufficient funds")

	ErrUnknownAccount = errors.New("bank: unknown account")
	ErrAccountExists  = errors.New("bank: account already exists")
	ErrInvalidAmount  = errors.New("bank: amount must be positive")
)

type account struct {
	salt    []byte
	pinHash []byte
	balance int64
}

// Ledger holds accounts in memory. It is safe for concurrent use.
type Ledger struct {
	mu       sync.Mutex
	accounts map[string]*account
}

func NewLedger() *Ledger {
	return &Ledger{accounts: make(map[string]*account)}
}

// DemoLedger returns the accounts the example binaries start with.
func DemoLedger() *Ledger {
	l := NewLedger()
	for _, seed := range []struct {
		user string
		pin  int
	}{
		{"john", 1234},
		{"jane", 5678},
		{"alice", 1234},
	} {
		_ = l.Open(seed.user, seed.pin, 100)
	}
	return l
}

// Open creates an account. The PIN is stored as an argon2id hash.
func (l *Ledger) Open(user string, pin int, balance int64) error {
	user = strings.TrimSpace(user)
	if user == "" {
		return ErrUnknownAccount
	}
	if balance < 0 {
		return ErrInvalidAmount
	}
	salt := make([]byte, pinSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("bank: generate salt: %w", err)
	}
	acct := &account{salt: salt, pinHash: hashPIN(pin, salt), balance: balance}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.accounts[user]; ok {
		return ErrAccountExists
	}
	l.accounts[user] = acct
	return nil
}

// Verify reports whether pin matches user's PIN. Unknown users never match.
func (l *Ledger) Verify(user string, pin int) bool {
	l.mu.Lock()
	acct, ok := l.accounts[user]
	l.mu.Unlock()
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare(hashPIN(pin, acct.salt), acct.pinHash) == 1
}

func (l *Ledger) Balance(user string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acct, ok := l.accounts[user]
	if !ok {
		return 0, ErrUnknownAccount
	}
	return acct.balance, nil
}

// Transfer moves amount from one account to another atomically.
func (l *Ledger) Transfer(from, to string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	src, ok := l.accounts[from]
	if !ok {
		return ErrUnknownAccount
	}
	dst, ok := l.accounts[to]
	if !ok {
		return ErrUnknownAccount
	}
	if src.balance < amount {
		return ErrInsufficientFunds
	}
	src.balance -= amount
	dst.balance += amount
	return nil
}

func (l *Ledger) Users() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.accounts))
	for user := range l.accounts {
		out = append(out, user)
	}
	sort.Strings(out)
	return out
}

func hashPIN(pin int, salt []byte) []byte {
	return argon2.IDKey([]byte(strconv.Itoa(pin)), salt, pinHashTime, pinHashMemory, pinHashThreads, pinHashLen)
}
