package logging

import (
	"errors"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewOperationErrorNilPassthrough(t *testing.T) {
	if err := NewOperationError("op", "req", nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestOperationErrorMessageAndUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := NewOperationError("usecase.analyze_image", "req-1", cause)

	if got, want := err.Error(), "usecase.analyze_image (request_id=req-1): boom"; got != want {
		t.Fatalf("unexpected message: %q, want %q", got, want)
	}
	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to reach the cause")
	}

	noRequest := NewOperationError("cache.get", "", cause)
	if got, want := noRequest.Error(), "cache.get: boom"; got != want {
		t.Fatalf("unexpected message: %q, want %q", got, want)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		" WARN ":  zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"":        zapcore.InfoLevel,
		"verbose": zapcore.InfoLevel,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
