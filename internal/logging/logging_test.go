package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"

	"conduit/internal/config"
)

func TestNewHonoursLevel(t *testing.T) {
	lg, err := New(config.LogConfig{Level: "warn", Format: "console"})
	if err != nil {
		t.Fatal(err)
	}
	if lg.Core().Enabled(zapcore.InfoLevel) {
		t.Fatal("info must be disabled at warn level")
	}
	if !lg.Core().Enabled(zapcore.ErrorLevel) {
		t.Fatal("error must be enabled at warn level")
	}
}

func TestNewRejectsBadInput(t *testing.T) {
	if _, err := New(config.LogConfig{Level: "loud"}); err == nil {
		t.Fatal("expected level error")
	}
	if _, err := New(config.LogConfig{Level: "info", Format: "xml"}); err == nil {
		t.Fatal("expected format error")
	}
}
