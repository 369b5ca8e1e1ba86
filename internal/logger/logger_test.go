package logger

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew(t *testing.T) {
	for _, format := range []string{"json", "text", "plain", ""} {
		l, err := New(Config{Level: "debug", Format: format})
		require.NoError(t, err, format)
		assert.NotNil(t, l)
	}

	_, err := New(Config{Level: "info", Format: "xml"})
	assert.Error(t, err)

	_, err = New(Config{Level: "verbose", Format: "json"})
	assert.Error(t, err)
}

func TestNamedWithFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := FromZap(zap.New(core)).Named("engine").With(Int64("job_id", 7))

	l.Warn("print failed", Err(errors.New("no paper")))

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "engine", entries[0].LoggerName)
	assert.Equal(t, "print failed", entries[0].Message)
	ctx := entries[0].ContextMap()
	assert.Equal(t, int64(7), ctx["job_id"])
	assert.Equal(t, "no paper", ctx["error"])
}
