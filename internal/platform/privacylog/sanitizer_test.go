package privacylog

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"
)

type sessionView struct {
	user string
}

func (s sessionView) LogValue() slog.Value {
	return slog.GroupValue(slog.String("user", s.user), slog.Bool("authorized", true))
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("decode log json: %v", err)
	}
	return payload
}

func TestSanitizingHandlerRedactsSecretsAndFingerprintsUsers(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(WrapHandler(slog.NewJSONHandler(&buf, nil)))
	logger.Info("test", "user", "john", "pin", "1234", "auth_token", "abc", "method", "login")

	payload := decodeLine(t, &buf)
	if _, ok := payload["user"]; ok {
		t.Fatal("user should not be present")
	}
	if got, _ := payload["user_fp"].(string); !strings.HasPrefix(got, "fp_") {
		t.Fatalf("expected user fingerprint, got %q", got)
	}
	if got, _ := payload["pin"].(string); got != redactedValue {
		t.Fatalf("expected redacted pin, got %q", got)
	}
	if got, _ := payload["auth_token"].(string); got != redactedValue {
		t.Fatalf("expected redacted token, got %q", got)
	}
	if got, _ := payload["method"].(string); got != "login" {
		t.Fatalf("expected untouched method, got %q", got)
	}
	if strings.Contains(buf.String(), "1234") || strings.Contains(buf.String(), "john") {
		t.Fatalf("raw secret leaked: %s", buf.String())
	}
}

func TestSanitizingHandlerResolvesLogValuers(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(WrapHandler(slog.NewJSONHandler(&buf, nil)))
	logger.Info("test", "context", sessionView{user: "jane"})

	if strings.Contains(buf.String(), "jane") {
		t.Fatalf("user leaked through LogValuer: %s", buf.String())
	}
	payload := decodeLine(t, &buf)
	group, ok := payload["context"].(map[string]any)
	if !ok {
		t.Fatalf("expected context group, got %v", payload["context"])
	}
	if _, ok := group["user_fp"]; !ok {
		t.Fatalf("expected user_fp in group, got %v", group)
	}
	if got, _ := group["authorized"].(bool); !got {
		t.Fatalf("expected authorized=true, got %v", group["authorized"])
	}
}

func TestFingerprintIsStableWithinProcess(t *testing.T) {
	a := FingerprintID("john")
	if a != FingerprintID(" john ") {
		t.Fatal("expected fingerprint to ignore surrounding whitespace")
	}
	if a == FingerprintID("jane") {
		t.Fatal("expected distinct fingerprints for distinct values")
	}
	if FingerprintID("") != "" {
		t.Fatal("expected empty fingerprint for empty value")
	}
}

func TestSanitizingHandlerImplementsSlogHandlerContract(t *testing.T) {
	var buf bytes.Buffer
	h := WrapHandler(slog.NewJSONHandler(&buf, nil))
	if !h.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("expected handler enabled for info")
	}
	rec := slog.NewRecord(time.Now().UTC(), slog.LevelInfo, "msg", 0)
	rec.AddAttrs(slog.String("account", "acct-1"))
	if err := h.WithAttrs([]slog.Attr{slog.String("password", "x")}).Handle(context.Background(), rec); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "account_fp") {
		t.Fatalf("expected sanitized account key, got %s", out)
	}
	if !strings.Contains(out, `"password":"[REDACTED]"`) {
		t.Fatalf("expected redacted password attr, got %s", out)
	}
	if WrapHandler(nil) != nil {
		t.Fatal("expected nil handler for nil input")
	}
}

func TestPolicyExtensionsDoNotChangeDefault(t *testing.T) {
	var buf bytes.Buffer
	policy := DefaultPolicy().Redacting(" IBAN ").Fingerprinting("peer")
	logger := slog.New(policy.Wrap(slog.NewJSONHandler(&buf, nil)))
	logger.Info("test", "iban", "DE00123", "peer", "10.0.0.1", "pin", 1234, "user_fp", "already")

	payload := decodeLine(t, &buf)
	if got, _ := payload["iban"].(string); got != redactedValue {
		t.Fatalf("expected redacted iban, got %v", payload["iban"])
	}
	if got, _ := payload["peer_fp"].(string); got != FingerprintID("10.0.0.1") {
		t.Fatalf("expected peer fingerprint, got %v", payload["peer_fp"])
	}
	if got, _ := payload["pin"].(string); got != redactedValue {
		t.Fatalf("expected built-in keys to stay redacted, got %v", payload["pin"])
	}
	if got, _ := payload["user_fp"].(string); got != "already" {
		t.Fatalf("expected unrelated keys untouched, got %v", payload["user_fp"])
	}

	if attr := SanitizeAttr(slog.String("iban", "DE00123")); attr.Value.String() != "DE00123" {
		t.Fatalf("expected default policy to be unchanged, got %v", attr.Value)
	}
	if policy.Wrap(nil) != nil {
		t.Fatal("expected nil handler for nil input")
	}
}
