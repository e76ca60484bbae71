// Package privacylog keeps credentials and account identifiers out of log
// output: secrets are redacted and identifiers are replaced with per-process
// fingerprints that still correlate within one run.
package privacylog

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"
)

const redactedValue = "[REDACTED]"

var processNonce = randomNonce()

// Policy decides which attribute keys are redacted and which are replaced
// by fingerprints. Keys match case-insensitively; a Policy is immutable once
// built.
type Policy struct {
	redact      map[string]struct{}
	redactParts []string
	fingerprint map[string]struct{}
}

var defaultPolicy = &Policy{
	redact:      keySet("pin"),
	redactParts: []string{"token", "secret", "password", "passphrase", "authorization"},
	fingerprint: keySet("user", "account", "remote_addr", "client_key"),
}

// DefaultPolicy redacts PINs and anything that looks like a credential, and
// fingerprints user, account and peer address keys.
func DefaultPolicy() *Policy {
	return defaultPolicy
}

// Redacting returns a copy of p that also redacts keys.
func (p *Policy) Redacting(keys ...string) *Policy {
	out := p.clone()
	for _, k := range keys {
		if k = normalizeKey(k); k != "" {
			out.redact[k] = struct{}{}
		}
	}
	return out
}

// Fingerprinting returns a copy of p that also fingerprints keys.
func (p *Policy) Fingerprinting(keys ...string) *Policy {
	out := p.clone()
	for _, k := range keys {
		if k = normalizeKey(k); k != "" {
			out.fingerprint[k] = struct{}{}
		}
	}
	return out
}

func (p *Policy) clone() *Policy {
	return &Policy{
		redact:      maps.Clone(p.redact),
		redactParts: slices.Clone(p.redactParts),
		fingerprint: maps.Clone(p.fingerprint),
	}
}

// Wrap returns a handler that applies p to every attribute before next sees
// it. A nil next yields nil.
func (p *Policy) Wrap(next slog.Handler) slog.Handler {
	if next == nil {
		return nil
	}
	return &handler{policy: p, next: next}
}

// Sanitize applies p to one attribute. LogValuer values are resolved first so
// structured connection contexts are covered too.
func (p *Policy) Sanitize(attr slog.Attr) slog.Attr {
	key := strings.TrimSpace(attr.Key)
	norm := strings.ToLower(key)
	value := attr.Value.Resolve()
	switch {
	case p.redacts(norm):
		return slog.String(key, redactedValue)
	case p.fingerprints(norm):
		return slog.String(fingerprintKey(key), FingerprintID(valueString(value)))
	case value.Kind() == slog.KindGroup:
		return slog.Attr{Key: key, Value: slog.GroupValue(p.sanitizeAll(value.Group())...)}
	default:
		return slog.Attr{Key: attr.Key, Value: value}
	}
}

func (p *Policy) sanitizeAll(attrs []slog.Attr) []slog.Attr {
	out := make([]slog.Attr, len(attrs))
	for i, attr := range attrs {
		out[i] = p.Sanitize(attr)
	}
	return out
}

func (p *Policy) redacts(key string) bool {
	if _, ok := p.redact[key]; ok {
		return true
	}
	for _, part := range p.redactParts {
		if strings.Contains(key, part) {
			return true
		}
	}
	return false
}

func (p *Policy) fingerprints(key string) bool {
	_, ok := p.fingerprint[key]
	return ok
}

// WrapHandler wraps next with the default policy.
func WrapHandler(next slog.Handler) slog.Handler {
	return defaultPolicy.Wrap(next)
}

// SanitizeAttr applies the default policy to attr.
func SanitizeAttr(attr slog.Attr) slog.Attr {
	return defaultPolicy.Sanitize(attr)
}

// FingerprintID maps value to a token that is stable for the life of the
// process and meaningless outside it.
func FingerprintID(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(trimmed + "|" + processNonce))
	return "fp_" + hex.EncodeToString(sum[:8])
}

type handler struct {
	policy *Policy
	next   slog.Handler
}

func (h *handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *handler) Handle(ctx context.Context, rec slog.Record) error {
	out := slog.NewRecord(rec.Time, rec.Level, rec.Message, rec.PC)
	rec.Attrs(func(attr slog.Attr) bool {
		out.AddAttrs(h.policy.Sanitize(attr))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &handler{policy: h.policy, next: h.next.WithAttrs(h.policy.sanitizeAll(attrs))}
}

func (h *handler) WithGroup(name string) slog.Handler {
	return &handler{policy: h.policy, next: h.next.WithGroup(name)}
}

func keySet(keys ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		out[k] = struct{}{}
	}
	return out
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

func fingerprintKey(key string) string {
	if strings.HasSuffix(strings.ToLower(key), "_fp") {
		return key
	}
	return key + "_fp"
}

func valueString(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		return strconv.FormatInt(v.Int64(), 10)
	case slog.KindUint64:
		return strconv.FormatUint(v.Uint64(), 10)
	default:
		return v.String()
	}
}

func randomNonce() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "fallback_nonce"
	}
	return hex.EncodeToString(buf)
}
