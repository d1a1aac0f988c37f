package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLevelFromString(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"INFO", zapcore.InfoLevel},
		{" warn ", zapcore.WarnLevel},
		{"warning", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"fatal", zapcore.ErrorLevel},
		{"", zapcore.WarnLevel},
		{"verbose", zapcore.WarnLevel},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, LevelFromString(tt.in))
		})
	}
}

func TestLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New("warn", "console", &buf)

	l.Info("hidden %d", 1)
	l.Warn("shown %d", 2)
	_ = l.Sync()

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown 2")

	buf.Reset()
	l.SetLevel("debug")
	l.Debug("now visible")
	_ = l.Sync()
	assert.Contains(t, buf.String(), "now visible")
}

func TestLoggerJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	l := New("info", "json", &buf)
	l.With("component", "lock").Info("acquired %s", "cache")
	_ = l.Sync()

	line := strings.TrimSpace(buf.String())
	assert.True(t, strings.HasPrefix(line, "{"), "expected JSON output, got %q", line)
	assert.Contains(t, line, `"component":"lock"`)
	assert.Contains(t, line, `"msg":"acquired cache"`)
}

func TestNewFromCore(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewFromCore(core)
	l.Error("boom: %v", "x")

	entries := logs.FilterMessage("boom: x").All()
	if assert.Len(t, entries, 1) {
		assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	}
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))
	l := New("info", "console", &bytes.Buffer{})
	assert.Same(t, l, OrNop(l))
}
