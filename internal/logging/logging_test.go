package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerUnifiedFormat(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "indexer")
	log.Infof("reindexed %d files", 3)

	line, err := Parse(buf.String())
	require.NoError(t, err)
	assert.Equal(t, Info, line.Level)
	assert.Equal(t, 4, line.Importance)
	assert.Equal(t, "indexer: reindexed 3 files", line.Message)
}

func TestLoggerStripsPipeFromMessage(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "")
	log.Warnf("value %s", "a|b")

	line, err := Parse(buf.String())
	require.NoError(t, err)
	assert.Equal(t, "value a/b", line.Message)
}

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "")
	log.Debugf("d")
	log.Errorf("e")
	log.Criticalf("c")

	var got []Level
	err := ScanLines(strings.NewReader(buf.String()), func(l *Line) { got = append(got, l.Level) })
	require.NoError(t, err)
	assert.Equal(t, []Level{Debug, Error, Critical}, got)
}

func TestParseUnifiedExplicitImportance(t *testing.T) {
	line, err := Parse("2026-01-02 15:04:05 | INFO | 7 | custom importance")
	require.NoError(t, err)
	assert.Equal(t, 7, line.Importance)
	assert.Equal(t, "custom importance", line.Message)
}

func TestParseLegacyThreePart(t *testing.T) {
	line, err := Parse("2026-01-02 15:04:05 | WARNING | disk nearly full")
	require.NoError(t, err)
	assert.Equal(t, Warning, line.Level)
	assert.Equal(t, defaultImportance(Warning), line.Importance)
	assert.Equal(t, "disk nearly full", line.Message)
}

func TestParseLegacyDashSeparated(t *testing.T) {
	line, err := Parse("2026-01-02 15:04:05 - ERROR - connection refused")
	require.NoError(t, err)
	assert.Equal(t, Error, line.Level)
	assert.Equal(t, "connection refused", line.Message)
}

func TestParseMessageContainingPipe(t *testing.T) {
	line, err := Parse("2026-01-02 15:04:05 | INFO | 4 | a | b | c")
	require.NoError(t, err)
	assert.Equal(t, "a | b | c", line.Message)
}

func TestParseUnparseable(t *testing.T) {
	_, err := Parse("not a log line")
	assert.Error(t, err)
}

func TestParseBadTimestamp(t *testing.T) {
	_, err := Parse("not-a-time | INFO | 4 | message")
	assert.Error(t, err)
}

func TestScanLinesSkipsMalformed(t *testing.T) {
	input := "garbage\n2026-01-02 15:04:05 | INFO | 4 | good line\n"
	var got []string
	err := ScanLines(strings.NewReader(input), func(l *Line) { got = append(got, l.Message) })
	require.NoError(t, err)
	assert.Equal(t, []string{"good line"}, got)
}
