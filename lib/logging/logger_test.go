package logging

import (
	"bytes"
	"testing"

	"github.com/lni/dragonboat/v4/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want logger.LogLevel
	}{
		{"debug", logger.DEBUG},
		{"INFO", logger.INFO},
		{"warn", logger.WARNING},
		{"warning", logger.WARNING},
		{"error", logger.ERROR},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseLogLevel("verbose")
	assert.Error(t, err)
}

func TestLoggerFormatAndLevel(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger("wal", &buf)

	l.Debugf("hidden %d", 1)
	assert.Empty(t, buf.String())

	l.Warningf("segment %d rotated", 7)
	assert.Contains(t, buf.String(), "WARN  | wal             | segment 7 rotated")

	buf.Reset()
	l.SetLevel(logger.ERROR)
	l.Infof("hidden")
	assert.Empty(t, buf.String())
	l.Errorf("disk full")
	assert.Contains(t, buf.String(), "ERROR | wal             | disk full")
}

func TestParseLevels(t *testing.T) {
	levels, err := ParseLevels("info", " wal=debug, store=WARN,,")
	require.NoError(t, err)
	require.Len(t, levels, len(Packages))
	assert.Equal(t, logger.DEBUG, levels["wal"])
	assert.Equal(t, logger.WARNING, levels["store"])
	assert.Equal(t, logger.INFO, levels["maple"])

	levels, err = ParseLevels("error", "")
	require.NoError(t, err)
	for _, pkg := range Packages {
		assert.Equal(t, logger.ERROR, levels[pkg], pkg)
	}

	for _, overrides := range []string{"wal", "raft=debug", "wal=loud"} {
		_, err := ParseLevels("info", overrides)
		assert.Error(t, err, overrides)
	}
}

func TestInitLoggersRejectsInvalidLevel(t *testing.T) {
	assert.Error(t, InitLoggers("loud", ""))
	assert.Error(t, InitLoggers("info", "snapshot=loud"))
}
