package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCapturedLogger(level LogLevel, format LogFormat) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := NewLogger(level, format)
	logger.SetOutput(&buf)
	return logger, &buf
}

func TestLogger_JSONEntryCarriesServiceAndFields(t *testing.T) {
	logger, buf := newCapturedLogger(LevelInfo, FormatJSON)

	logger.WithField("broker_id", 7).Info("Scan started")

	var entry LogEntry
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "dbp-agent", entry.Service)
	assert.Equal(t, "info", entry.Level)
	assert.Equal(t, "Scan started", entry.Message)
	assert.EqualValues(t, 7, entry.Fields["broker_id"])
	assert.Empty(t, entry.Caller)
}

func TestLogger_LevelThresholdSuppressesLowerEntries(t *testing.T) {
	logger, buf := newCapturedLogger(LevelWarn, FormatJSON)

	logger.Debug("not written")
	logger.Info("not written")
	logger.Warn("written")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "written")
}

func TestLogger_WithFieldDoesNotMutateParent(t *testing.T) {
	parent, buf := newCapturedLogger(LevelInfo, FormatJSON)
	parent.WithField("query_id", 1).Info("child")

	buf.Reset()
	parent.Info("parent")

	var entry LogEntry
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.NotContains(t, entry.Fields, "query_id")
}

func TestLogger_ErrorEntryRecordsCaller(t *testing.T) {
	logger, buf := newCapturedLogger(LevelInfo, FormatJSON)

	logger.Error("broker automation failed")

	var entry LogEntry
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Contains(t, entry.Caller, "logger_test.go:")
}

func TestLogger_TextFormat(t *testing.T) {
	logger, buf := newCapturedLogger(LevelInfo, FormatText)

	logger.WithError(assert.AnError).Warn("Feed refresh failed")

	line := buf.String()
	assert.Contains(t, line, "dbp-agent warn: Feed refresh failed")
	assert.Contains(t, line, `"error"`)
}

func TestFromContext(t *testing.T) {
	logger, _ := newCapturedLogger(LevelInfo, FormatJSON)

	ctx := WithLogger(context.Background(), logger)
	assert.Same(t, logger, FromContext(ctx))

	assert.Same(t, GetGlobalLogger(), FromContext(context.Background()))
}

func TestParseLogLevelAndFormat(t *testing.T) {
	assert.Equal(t, LevelWarn, ParseLogLevel("warning"))
	assert.Equal(t, LevelInfo, ParseLogLevel("bogus"))
	assert.Equal(t, FormatText, ParseLogFormat("text"))
	assert.Equal(t, FormatJSON, ParseLogFormat("bogus"))
}
