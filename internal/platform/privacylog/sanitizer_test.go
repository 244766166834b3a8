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

func TestSanitizeArgsFingerprintsDisallowedIDs(t *testing.T) {
	args := SanitizeArgs(
		"owner", "0xA000000000000000000000000000000000000002",
		"session_key", "0xD000000000000000000000000000000000000009",
		"step", "migration_call",
	)
	if len(args) != 6 {
		t.Fatalf("unexpected args length: %d", len(args))
	}
	if got := args[0]; got != "owner_fp" {
		t.Fatalf("unexpected key: %v", got)
	}
	if got := args[1].(string); !strings.HasPrefix(got, "fp_") {
		t.Fatalf("unexpected fingerprint value: %q", got)
	}
	if got := args[4]; got != "step" {
		t.Fatalf("expected untouched key, got %v", got)
	}
}

func TestSanitizingHandlerRedactsSensitiveAndIDs(t *testing.T) {
	var buf bytes.Buffer
	base := slog.NewJSONHandler(&buf, nil)
	logger := slog.New(WrapHandler(base))
	logger.Info("test",
		"owner", "0xA000000000000000000000000000000000000002",
		"rpc_token", "secret",
		"relayer_mnemonic", "abandon abandon about",
		"tx", "0xdead")

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("decode log json: %v", err)
	}
	if _, ok := payload["owner"]; ok {
		t.Fatal("owner should not be present")
	}
	if _, ok := payload["owner_fp"]; !ok {
		t.Fatal("owner_fp should be present")
	}
	if got, _ := payload["rpc_token"].(string); got != redactedValue {
		t.Fatalf("expected redacted token, got %q", got)
	}
	if got, _ := payload["relayer_mnemonic"].(string); got != redactedValue {
		t.Fatalf("expected redacted mnemonic, got %q", got)
	}
	if got, _ := payload["tx"].(string); got != "0xdead" {
		t.Fatalf("transaction hash should stay plain, got %q", got)
	}
}

func TestSanitizingHandlerImplementsSlogHandlerContract(t *testing.T) {
	var buf bytes.Buffer
	h := WrapHandler(slog.NewJSONHandler(&buf, nil))
	if !h.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("expected handler enabled for info")
	}
	rec := slog.NewRecord(time.Now().UTC(), slog.LevelInfo, "msg", 0)
	rec.AddAttrs(slog.String("registration_id", "reg1abc"))
	if err := h.Handle(context.Background(), rec); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if !strings.Contains(buf.String(), "registration_id_fp") {
		t.Fatalf("expected sanitized registration_id key, got %s", buf.String())
	}
}
