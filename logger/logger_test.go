package logger

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestParseLevel tests level parsing with an info fallback
func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelWarn, ParseLevel("warning"))
	assert.Equal(t, LevelNone, ParseLevel("NONE"))
	assert.Equal(t, LevelInfo, ParseLevel("garbage"))
}

// TestLevelFiltering tests that messages below the configured level are
// suppressed
func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(LevelWarn, &buf, "")

	l.Debug("dropped")
	l.Info("dropped too")
	l.Warn("kept: %d", 42)
	l.Error("also kept")

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, "[WARN] kept: 42")
	assert.Contains(t, out, "[ERROR] also kept")
	assert.Equal(t, 2, strings.Count(out, "\n"))
}

// TestWithPrefix tests prefix chaining
func TestWithPrefix(t *testing.T) {
	var buf bytes.Buffer
	l := New(LevelInfo, &buf, "transport")
	l.WithPrefix("ws").Info("open")

	assert.Contains(t, buf.String(), "[transport:ws] open")
}

// TestLevelNone tests that LevelNone disables everything
func TestLevelNone(t *testing.T) {
	var buf bytes.Buffer
	l := New(LevelNone, &buf, "")
	l.Error("never")
	assert.Empty(t, buf.String())
}
