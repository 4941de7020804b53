package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"":        zapcore.InfoLevel,
		"INFO":    zapcore.InfoLevel,
		"debug":   zapcore.DebugLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestZapLoggerWritesKeyValues(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := FromZap(zap.New(core))

	l.Debug("loaded", "source", "abc")
	l.With("item", "x").Warn("unresolved reference", "uuid", "123")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "loaded", entries[0].Message)
	assert.Equal(t, "abc", entries[0].ContextMap()["source"])
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, "x", entries[1].ContextMap()["item"])
	assert.Equal(t, "123", entries[1].ContextMap()["uuid"])
}

func TestNoopLogger(t *testing.T) {
	l := OrNoop(nil)
	assert.NotPanics(t, func() {
		l.Debug("a", "k", 1)
		l.Info("b")
		l.Warn("c")
		l.Error("d")
	})
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New("chatty")
	assert.Error(t, err)
	l, err := New("warn")
	require.NoError(t, err)
	assert.NotNil(t, l)
}
