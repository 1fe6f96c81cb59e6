package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewLoggerLevels(t *testing.T) {
	cases := []struct {
		input    string
		expected zapcore.Level
	}{
		{input: "debug", expected: zapcore.DebugLevel},
		{input: "", expected: zapcore.InfoLevel},
		{input: " WARN ", expected: zapcore.WarnLevel},
		{input: "warning", expected: zapcore.WarnLevel},
		{input: "error", expected: zapcore.ErrorLevel},
		{input: "verbose", expected: zapcore.InfoLevel},
	}
	for _, tc := range cases {
		logger, err := NewLogger(tc.input)
		if err != nil {
			t.Fatalf("NewLogger(%q): %v", tc.input, err)
		}
		if !logger.Core().Enabled(tc.expected) {
			t.Fatalf("NewLogger(%q): expected %s to be enabled", tc.input, tc.expected)
		}
		if tc.expected > zapcore.DebugLevel && logger.Core().Enabled(tc.expected-1) {
			t.Fatalf("NewLogger(%q): expected %s to be disabled", tc.input, tc.expected-1)
		}
	}
}

func TestNewConsoleLoggerHonoursLevel(t *testing.T) {
	logger, err := NewConsoleLogger("warn")
	if err != nil {
		t.Fatalf("NewConsoleLogger: %v", err)
	}
	if logger.Core().Enabled(zapcore.InfoLevel) {
		t.Fatalf("expected info to be disabled at warn level")
	}
	if !logger.Core().Enabled(zapcore.WarnLevel) {
		t.Fatalf("expected warn to be enabled")
	}
}
