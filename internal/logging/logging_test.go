package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":      slog.LevelInfo,
		"info":  slog.LevelInfo,
		"DEBUG": slog.LevelDebug,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestMultiHandlerFansOut(t *testing.T) {
	var text, js bytes.Buffer
	h := NewMultiHandler(
		slog.NewTextHandler(&text, &slog.HandlerOptions{Level: slog.LevelInfo}),
		slog.NewJSONHandler(&js, &slog.HandlerOptions{Level: slog.LevelWarn}),
	)
	logger := slog.New(h).With("code", "TEST")

	logger.Info("info line")
	logger.Warn("warn line")

	if !strings.Contains(text.String(), "info line") || !strings.Contains(text.String(), "warn line") {
		t.Errorf("text handler missing lines: %s", text.String())
	}
	if strings.Contains(js.String(), "info line") {
		t.Error("json handler should filter info")
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(js.String())), &rec); err != nil {
		t.Fatalf("json handler wrote invalid json: %v", err)
	}
	if rec["code"] != "TEST" {
		t.Errorf("expected code attr, got %v", rec["code"])
	}
}

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	defer slog.SetDefault(prev)

	ctx := WithWorker(context.Background(), "consumer-3")
	ctx = WithMessage(ctx, "msg-1", "arn:topic")
	ctx = WithSubscription(ctx, "arn:topic:sub")
	FromContext(ctx).Info("delivered")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatal(err)
	}
	for k, v := range map[string]string{
		"worker":           "consumer-3",
		"message_id":       "msg-1",
		"topic_arn":        "arn:topic",
		"subscription_arn": "arn:topic:sub",
	} {
		if rec[k] != v {
			t.Errorf("expected %s=%s, got %v", k, v, rec[k])
		}
	}
}

func TestInitWithFile(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	path := filepath.Join(t.TempDir(), "snsbus.log")
	closer, err := Init(Options{Level: "debug", File: path})
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer closer.Close()
	slog.Debug("hello")
}
