package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewHonoursLevel(t *testing.T) {
	logger := New("warn", "json")
	defer logger.Sync()

	if logger.Core().Enabled(zapcore.InfoLevel) {
		t.Fatalf("info enabled at warn level")
	}
	if !logger.Core().Enabled(zapcore.ErrorLevel) {
		t.Fatalf("error disabled at warn level")
	}
}

func TestNewUnknownLevelFallsBackToInfo(t *testing.T) {
	logger := New("loud", "console")
	if logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatalf("debug enabled for unknown level, want info")
	}
	if !logger.Core().Enabled(zapcore.InfoLevel) {
		t.Fatalf("info disabled for unknown level")
	}
}

func TestComponentNilBase(t *testing.T) {
	if Component(nil, "rtc") == nil {
		t.Fatalf("Component(nil) returned nil logger")
	}
}
