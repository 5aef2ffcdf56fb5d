package logger

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New("swarm-test", "1.0.0")
	l.SetOutput(&buf)
	l.SetLevel(LevelWarn)

	l.Info("dropped: (id: %s)", "a")
	l.Warn("kept: (id: %s)", "b")

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, "kept: (id: b)")
	assert.Contains(t, out, "WARN")
}

func TestLoggerSubscribers(t *testing.T) {
	l := NewNop()
	ch := l.Subscribe()

	l.WithFields(map[string]string{"node": "n1"}).Error("boom")

	select {
	case entry := <-ch:
		assert.Equal(t, "ERROR", entry.Level)
		assert.Equal(t, "boom", entry.Message)
		assert.Equal(t, "n1", entry.Fields["node"])
	case <-time.After(time.Second):
		t.Fatal("expected log entry")
	}
}

func TestFieldsRenderedSorted(t *testing.T) {
	var buf bytes.Buffer
	l := New("swarm-test", "1.0.0")
	l.SetOutput(&buf)

	l.WithFields(map[string]string{"b": "2", "a": "1"}).Info("hello")
	require.Contains(t, buf.String(), "hello (a: 1, b: 2)")
}

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug":   LevelDebug,
		"WARNING": LevelWarn,
		"error":   LevelError,
		"":        LevelInfo,
		"bogus":   LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestChildLoggersShareSink(t *testing.T) {
	var buf bytes.Buffer
	root := New("swarmd", "1.0.0")
	root.SetOutput(&buf)

	child := root.With("node", "n1").With("component", "router")
	root.SetLevel(LevelError)
	child.Warn("hidden")
	child.Error("Delivery failed: (destination: %s)", "agent-7")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "Delivery failed: (destination: agent-7) (component: router, node: n1)")
	assert.Contains(t, out, "[swarmd")
}

func TestNilLoggerDiscards(t *testing.T) {
	var l *Logger
	assert.NotPanics(t, func() {
		l.Info("nothing: (id: %s)", "x")
		l.With("k", "v").Error("nothing")
		l.SetLevel(LevelDebug)
	})
}

func TestWriterLogsEachLine(t *testing.T) {
	l := NewNop()
	ch := l.Subscribe()

	n, err := fmt.Fprint(l.With("component", "snapshots").Writer(LevelWarn), "first 100%\n\nsecond\n")
	require.NoError(t, err)
	assert.Equal(t, 19, n)

	for _, want := range []string{"first 100%", "second"} {
		select {
		case entry := <-ch:
			assert.Equal(t, "WARN", entry.Level)
			assert.Equal(t, want, entry.Message)
			assert.Equal(t, "snapshots", entry.Fields["component"])
		case <-time.After(time.Second):
			t.Fatalf("expected %q", want)
		}
	}
}
