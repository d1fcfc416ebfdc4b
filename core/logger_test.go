package core

import (
	"bytes"
	"context"
	"log"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestSlogLogger verifies fields become slog attributes and levels are honoured
func TestSlogLogger(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})
	l := NewSlogLogger(slog.New(handler))

	l.Debug("hidden", F("k", 1))
	l.Info("execution submitted", F("execution_id", "abc"), F("mode", "main"))
	l.Error("execution failed", F("error", "boom"))

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "level=INFO")
	assert.Contains(t, out, `msg="execution submitted"`)
	assert.Contains(t, out, "execution_id=abc")
	assert.Contains(t, out, "mode=main")
	assert.Contains(t, out, "level=ERROR")
	assert.Contains(t, out, "error=boom")
}

func TestLoggerPanicHandler(t *testing.T) {
	logger := &recordingLogger{}
	h := &LoggerPanicHandler{Logger: logger}
	h.HandlePanic(context.Background(), "background", 2, "boom", []byte("stack"))

	assert.Equal(t, []string{"panic recovered"}, logger.messages("error"))
	fields := logger.entries[0].fields
	assert.Contains(t, fields, F("runner", "background"))
	assert.Contains(t, fields, F("worker", 2))
	assert.Contains(t, fields, F("panic", "boom"))
}

func TestDefaultLogger(t *testing.T) {
	var buf bytes.Buffer
	prevOut, prevFlags := log.Writer(), log.Flags()
	log.SetOutput(&buf)
	log.SetFlags(0)
	defer func() {
		log.SetOutput(prevOut)
		log.SetFlags(prevFlags)
	}()

	NewDefaultLogger().Warn("execution timed out", F("execution_id", "x1"), F("timeout", "50ms"))
	assert.Equal(t, "[WARN] execution timed out {execution_id: x1, timeout: 50ms}\n", buf.String())
}

func TestNoOpLogger(t *testing.T) {
	var l Logger = NewNoOpLogger()
	l.Debug("a")
	l.Info("b")
	l.Warn("c")
	l.Error("d")
}
