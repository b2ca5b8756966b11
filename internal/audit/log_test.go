package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"

	"datacat.org/internal/auth"
)

func decodeEntry(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("audit entry is not valid JSON: %v", err)
	}
	return entry
}

func TestLogEvent(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf)

	ctx := context.Background()
	ctx = WithRequestID(ctx, "req-123")
	ctx = auth.WithPrincipal(ctx, auth.Principal{Issuer: "https://id.datacat.test", Subject: "alice"})

	if err := LogEvent(ctx, log, "account.created", map[string]any{"username": "bob"}); err != nil {
		t.Fatalf("log event: %v", err)
	}

	entry := decodeEntry(t, &buf)
	for key, want := range map[string]any{
		"type":       "audit",
		"event":      "account.created",
		"request_id": "req-123",
		"subject":    "alice",
	} {
		if entry[key] != want {
			t.Fatalf("expected %s=%v, got %v", key, want, entry[key])
		}
	}
	if entry["audit_id"] == nil || entry["audit_id"] == "" {
		t.Fatalf("expected audit_id")
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["username"] != "bob" {
		t.Fatalf("unexpected fields %v", entry["fields"])
	}
}

func TestLogEventAnonymous(t *testing.T) {
	var buf bytes.Buffer
	if err := LogEvent(context.Background(), zerolog.New(&buf), "bootstrap.attempt", nil); err != nil {
		t.Fatalf("log event: %v", err)
	}

	entry := decodeEntry(t, &buf)
	for _, key := range []string{"subject", "request_id"} {
		if _, ok := entry[key]; ok {
			t.Fatalf("unexpected %s in anonymous entry", key)
		}
	}
	if fields, ok := entry["fields"].(map[string]any); !ok || len(fields) != 0 {
		t.Fatalf("expected empty fields, got %v", entry["fields"])
	}
}

func TestLogEventRequiresName(t *testing.T) {
	if err := LogEvent(context.Background(), zerolog.Nop(), "  ", nil); err == nil {
		t.Fatalf("expected error for blank event name")
	}
}
