package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	prevWriter := outputWriter
	prevTerminal := isTerminalFn
	outputWriter = buf
	t.Cleanup(func() {
		outputWriter = prevWriter
		isTerminalFn = prevTerminal
		resetLoggingState()
	})
	return buf
}

func resetLoggingState() {
	mu.Lock()
	defer mu.Unlock()

	baseWriter = os.Stderr
	baseComponent = ""
	baseLogger = zerolog.New(baseWriter).With().Timestamp().Logger()
	log.Logger = baseLogger
	zerolog.TimeFieldFormat = defaultTimeFmt
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func readJSONLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()

	line := strings.TrimSpace(buf.String())
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	if line == "" {
		t.Fatalf("expected log output, got empty string")
	}

	var event map[string]interface{}
	if err := json.Unmarshal([]byte(line), &event); err != nil {
		t.Fatalf("failed to unmarshal log line: %v", err)
	}
	return event
}

func TestInitJSONFormatSetsLevelAndComponent(t *testing.T) {
	buf := captureOutput(t)

	Init(Config{Format: "json", Level: "debug", Component: "entitlementd"})

	if zerolog.GlobalLevel() != zerolog.DebugLevel {
		t.Fatalf("level=%s, want debug", zerolog.GlobalLevel())
	}
	log.Debug().Msg("hello")

	event := readJSONLine(t, buf)
	if event["component"] != "entitlementd" {
		t.Fatalf("component=%v", event["component"])
	}
	if event["message"] != "hello" {
		t.Fatalf("message=%v", event["message"])
	}
}

func TestAutoFormatUsesJSONWhenNotTerminal(t *testing.T) {
	buf := captureOutput(t)
	isTerminalFn = func(int) bool { return true }

	Init(Config{Format: "auto"})
	log.Info().Msg("plain")

	// Buffers are never terminals, so output stays JSON.
	readJSONLine(t, buf)
}

func TestConsoleFormat(t *testing.T) {
	buf := captureOutput(t)

	Init(Config{Format: "console"})
	log.Info().Msg("pretty")

	if strings.HasPrefix(strings.TrimSpace(buf.String()), "{") {
		t.Fatalf("console output should not be JSON: %q", buf.String())
	}
	if !strings.Contains(buf.String(), "pretty") {
		t.Fatalf("missing message in %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"":         zerolog.InfoLevel,
		"DEBUG":    zerolog.DebugLevel,
		"warning":  zerolog.WarnLevel,
		"error":    zerolog.ErrorLevel,
		"disabled": zerolog.Disabled,
		"bogus":    zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q)=%s, want %s", in, got, want)
		}
	}
}

func TestWithRequestIDGeneratesAndPropagates(t *testing.T) {
	ctx, id := WithRequestID(context.Background(), "")
	if id == "" {
		t.Fatal("expected generated request id")
	}
	if got := RequestIDFromContext(ctx); got != id {
		t.Fatalf("RequestIDFromContext=%q, want %q", got, id)
	}

	_, explicit := WithRequestID(context.TODO(), "  abc  ")
	if explicit != "abc" {
		t.Fatalf("explicit id=%q", explicit)
	}
}

func TestFromContextAddsRequestID(t *testing.T) {
	buf := captureOutput(t)
	Init(Config{Format: "json"})

	ctx, id := WithRequestID(context.Background(), "req-1")
	logger := FromContext(ctx)
	logger.Info().Msg("x")

	event := readJSONLine(t, buf)
	if event["request_id"] != id {
		t.Fatalf("request_id=%v", event["request_id"])
	}
}
