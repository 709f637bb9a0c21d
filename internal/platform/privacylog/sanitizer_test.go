package privacylog

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func capture(t *testing.T, log func(l *slog.Logger)) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	l := slog.New(WrapHandler(slog.NewJSONHandler(&buf, nil)))
	log(l)
	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	return record
}

func TestSensitiveAttrsAreRedacted(t *testing.T) {
	record := capture(t, func(l *slog.Logger) {
		l.Info("redeeming",
			"ticket_id", "tk-001",
			"pop_signature", "deadbeef",
			"auth_token", "Bearer abc",
			"mnemonic", "abandon abandon ability",
		)
	})
	if record["ticket_id"] != "tk-001" {
		t.Fatalf("ticket_id = %v, should pass through", record["ticket_id"])
	}
	for _, key := range []string{"pop_signature", "auth_token", "mnemonic"} {
		if record[key] != redactedValue {
			t.Fatalf("%s = %v, want %q", key, record[key], redactedValue)
		}
	}
}

func TestGroupAttrsAreSanitized(t *testing.T) {
	record := capture(t, func(l *slog.Logger) {
		l.Info("request", slog.Group("proof",
			slog.String("nonce", "n-1"),
			slog.String("signature", "deadbeef"),
		))
	})
	proof, ok := record["proof"].(map[string]any)
	if !ok {
		t.Fatalf("proof group missing: %v", record)
	}
	if proof["signature"] != redactedValue {
		t.Fatalf("nested signature = %v", proof["signature"])
	}
	if proof["nonce"] != "n-1" {
		t.Fatalf("nonce = %v, should pass through", proof["nonce"])
	}
}

func TestWithAttrsIsSanitized(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(WrapHandler(slog.NewJSONHandler(&buf, nil))).With("rpc_token", "abc")
	l.Info("hello")
	if !strings.Contains(buf.String(), redactedValue) {
		t.Fatalf("pre-bound sensitive attr leaked: %s", buf.String())
	}
}

func TestWrapNilHandler(t *testing.T) {
	if WrapHandler(nil) != nil {
		t.Fatal("wrapping nil should stay nil")
	}
}
