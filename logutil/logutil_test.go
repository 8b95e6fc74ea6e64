package logutil

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTrace(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	slog.SetDefault(NewLogger(&buf, Level(2)))
	Trace("fpn input", "index", 0)

	line := buf.String()
	assert.Contains(t, line, "level=TRACE")
	assert.Contains(t, line, "source=logutil_test.go:")
	assert.Contains(t, line, "index=0")

	buf.Reset()
	slog.SetDefault(NewLogger(&buf, Level(1)))
	Trace("hidden")
	slog.Debug("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "level=DEBUG")

	buf.Reset()
	slog.SetDefault(NewLogger(&buf, Level(0)))
	slog.Debug("hidden")
	slog.Info("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "level=INFO")
}

func TestLevel(t *testing.T) {
	cases := map[int]slog.Level{
		-1: slog.LevelInfo,
		0:  slog.LevelInfo,
		1:  slog.LevelDebug,
		2:  LevelTrace,
		5:  LevelTrace,
	}
	for verbosity, want := range cases {
		assert.Equal(t, want, Level(verbosity), "verbosity %d", verbosity)
	}
}
