package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neutrinoguy/timeprobe/internal/config"
	"github.com/neutrinoguy/timeprobe/internal/exchange"
	"github.com/neutrinoguy/timeprobe/pkg/ntpcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected logrus.Level
	}{
		{"debug", logrus.DebugLevel},
		{"INFO", logrus.InfoLevel},
		{"", logrus.InfoLevel},
		{"warn", logrus.WarnLevel},
		{"warning", logrus.WarnLevel},
		{"error", logrus.ErrorLevel},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			level, err := ParseLevel(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, level)
		})
	}

	_, err := ParseLevel("verbose")
	assert.Error(t, err)
}

func TestEntriesRingBuffer(t *testing.T) {
	l := New(io.Discard)
	l.maxEntries = 3

	for i := 0; i < 5; i++ {
		l.Infof(CategorySystem, "message %d", i)
	}

	entries := l.GetAllEntries()
	require.Len(t, entries, 3)
	assert.Equal(t, "message 2", entries[0].Message)
	assert.Equal(t, "message 4", entries[2].Message)
	assert.Equal(t, CategorySystem, entries[2].Category)
	assert.Equal(t, "INFO", entries[2].LevelStr)

	last := l.GetEntries(1)
	require.Len(t, last, 1)
	assert.Equal(t, "message 4", last[0].Message)

	l.ClearEntries()
	assert.Empty(t, l.GetAllEntries())
}

func TestLevelFilter(t *testing.T) {
	l := New(io.Discard)
	l.SetLevel(logrus.WarnLevel)

	l.Debug(CategorySystem, "hidden")
	l.Info(CategorySystem, "hidden")
	l.Warn(CategorySystem, "shown")

	entries := l.GetAllEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, "shown", entries[0].Message)
}

func TestConsoleOutput(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf)
	l.Error(CategoryPoller, "all servers failed")

	out := buf.String()
	assert.Contains(t, out, "all servers failed")
	assert.Contains(t, out, "category=POLLER")
}

func TestSubscribe(t *testing.T) {
	l := New(io.Discard)
	ch := l.Subscribe()

	l.Info(CategorySession, "recording started")

	select {
	case e := <-ch:
		assert.Equal(t, "recording started", e.Message)
	default:
		t.Fatal("subscriber did not receive entry")
	}

	l.Unsubscribe(ch)
	_, open := <-ch
	assert.False(t, open)
}

func TestLogExchange(t *testing.T) {
	l := New(io.Discard)

	l.LogExchange("127.0.0.1:123", exchange.Result{Offset: 0.5, Delay: 0.01, Stratum: 2}, nil)
	l.LogExchange("127.0.0.1:123", exchange.Result{Delay: -0.2, Stratum: 1}, nil)
	l.LogExchange("127.0.0.1:123", exchange.Result{}, errors.New("i/o timeout"))

	entries := l.GetAllEntries()
	require.Len(t, entries, 3)

	assert.Equal(t, logrus.InfoLevel, entries[0].Level)
	assert.Equal(t, CategoryExchange, entries[0].Category)
	assert.Equal(t, 0.5, entries[0].Fields["offset"])
	assert.Equal(t, "127.0.0.1:123", entries[0].Fields["server"])

	assert.Equal(t, logrus.WarnLevel, entries[1].Level)
	assert.Contains(t, entries[1].Message, "negative delay")

	assert.Equal(t, logrus.WarnLevel, entries[2].Level)
	assert.Contains(t, entries[2].Message, "i/o timeout")
}

func TestOpenFileWritesJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "timeprobe.log")
	l := New(io.Discard)
	l.OpenFile(path, config.RotationConfig{MaxSizeMB: 1})

	l.Info(CategorySystem, "to file")
	l.Close()

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(data))), &line))
	assert.Equal(t, "to file", line["msg"])
	assert.Equal(t, "SYSTEM", line["category"])
}

func TestOpenFileReplacesPrevious(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "first.log")
	second := filepath.Join(dir, "second.log")

	l := New(io.Discard)
	l.OpenFile(first, config.RotationConfig{MaxSizeMB: 1})
	l.Info(CategorySystem, "one")
	l.OpenFile(second, config.RotationConfig{MaxSizeMB: 1})
	l.Info(CategorySystem, "two")
	l.Close()

	data, err := os.ReadFile(first)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"one"`)
	assert.NotContains(t, string(data), `"msg":"two"`)

	data, err = os.ReadFile(second)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"msg":"two"`)
}

func TestInitialize(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Logging.Level = "debug"
	cfg.Logging.Format = "json"
	cfg.Logging.MaxLogEntries = 10

	var buf bytes.Buffer
	l := New(&buf)
	require.NoError(t, l.Initialize(cfg))

	l.Debug(CategorySystem, "debug enabled")
	assert.Contains(t, buf.String(), `"msg":"debug enabled"`)
	assert.Equal(t, 10, l.maxEntries)

	cfg.Logging.Level = "loud"
	assert.Error(t, l.Initialize(cfg))
}

func TestExportJSON(t *testing.T) {
	l := New(io.Discard)
	l.LogExchange("a", exchange.Result{ReferenceID: ntpcore.ReferenceIDFromString("GPS"), Stratum: 1}, nil)

	path := filepath.Join(t.TempDir(), "logs.json")
	require.NoError(t, l.ExportJSON(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var entries []LogEntry
	require.NoError(t, json.Unmarshal(data, &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "EXCHANGE", entries[0].Category)
	assert.Equal(t, "GPS", entries[0].Fields["refid"])
}

func TestFormatEntry(t *testing.T) {
	e := LogEntry{Level: logrus.WarnLevel, LevelStr: "WARNING", Category: "POLLER", Message: "slow"}
	assert.Contains(t, FormatEntry(e), "[yellow]")
	assert.Contains(t, FormatEntryPlain(e), "[WARNING] [POLLER] slow")
}
