package storage

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yayoboy/edge-telemetry-agent/internal/clock"
)

func newTestSink(t *testing.T, cfg Config) *Sink {
	t.Helper()
	cfg.BasePath = t.TempDir()
	clk := clock.NewFake(1000)
	s := New(cfg, clk)
	require.NoError(t, s.Begin())
	t.Cleanup(func() { _ = s.End() })
	return s
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.NoError(t, scanner.Err())
	return lines
}

func TestWriteMessage_AppendsJSONLRecord(t *testing.T) {
	s := newTestSink(t, Config{})

	require.NoError(t, s.WriteMessage("sensors/a/temperature", []byte(`{"value":21.5}`), 1234))
	require.NoError(t, s.Flush())

	lines := readLines(t, s.CurrentPath())
	require.Len(t, lines, 1)

	var record struct {
		Topic     string          `json:"topic"`
		Payload   json.RawMessage `json:"payload"`
		Timestamp uint64          `json:"timestamp"`
	}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &record))
	require.Equal(t, "sensors/a/temperature", record.Topic)
	require.JSONEq(t, `{"value":21.5}`, string(record.Payload))
	require.Equal(t, uint64(1234), record.Timestamp)

	stats := s.Stats()
	require.Equal(t, uint64(1), stats.WritesCompleted)
	require.Equal(t, uint64(0), stats.WritesFailed)
}

func TestWriteMessage_RotatesAtMaxFileSize(t *testing.T) {
	s := newTestSink(t, Config{MaxFileSize: 1})
	first := s.CurrentPath()

	require.NoError(t, s.WriteMessage("t", []byte(`{}`), 1))
	require.NoError(t, s.WriteMessage("t", []byte(`{}`), 2))

	second := s.CurrentPath()
	require.NotEqual(t, first, second)
	require.Equal(t, uint64(2), s.Stats().FilesCreated)
}

func TestWriteMessage_FailsBeforeBegin(t *testing.T) {
	clk := clock.NewFake(0)
	s := New(Config{BasePath: t.TempDir()}, clk)

	err := s.WriteMessage("t", []byte(`{}`), 1)
	require.Error(t, err)
	require.Equal(t, uint64(1), s.Stats().WritesFailed)
}

func TestWriteMessage_OversizedRecordRejectedWithoutPartialWrite(t *testing.T) {
	s := newTestSink(t, Config{})

	huge := make([]byte, MaxLineBytes*2)
	for i := range huge {
		huge[i] = 'x'
	}
	huge[0] = '"'
	huge[len(huge)-1] = '"'

	err := s.WriteMessage("t", huge, 1)
	require.Error(t, err)

	info, statErr := os.Stat(s.CurrentPath())
	require.NoError(t, statErr)
	require.Zero(t, info.Size())
}

func TestWriteBatch_WritesAllAndFlushesOnce(t *testing.T) {
	s := newTestSink(t, Config{})

	payloads := [][]byte{[]byte(`{"v":1}`), []byte(`{"v":2}`), []byte(`{"v":3}`)}
	require.NoError(t, s.WriteBatch("sensors/a/x", payloads, 42))

	lines := readLines(t, s.CurrentPath())
	require.Len(t, lines, 3)
	require.Equal(t, uint64(3), s.Stats().WritesCompleted)
}

func TestCreateNewFile_DisambiguatesCollisionWithUUIDSuffix(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewFake(0)
	s := New(Config{BasePath: dir}, clk)

	require.NoError(t, s.Begin())
	first := s.CurrentPath()

	// Force a same-name collision by pre-creating the exact path the
	// second Begin on a fresh sink (same second) would otherwise pick.
	s2 := New(Config{BasePath: dir}, clk)
	require.NoError(t, s2.Begin())
	second := s2.CurrentPath()

	require.NotEqual(t, first, second)
	require.True(t, filepath.IsAbs(first) || filepath.IsAbs(dir))
}

func TestFlush_PeriodicFlushTriggeredByClockAdvance(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewFake(0)
	s := New(Config{BasePath: dir, FlushInterval: 10 * time.Millisecond}, clk)
	require.NoError(t, s.Begin())

	require.NoError(t, s.WriteMessage("t", []byte(`{}`), 0))
	clk.Advance(20 * time.Millisecond)
	require.NoError(t, s.WriteMessage("t", []byte(`{}`), 20))

	lines := readLines(t, s.CurrentPath())
	require.Len(t, lines, 2)
}

func TestEnd_IsIdempotentAndSafeWithoutBegin(t *testing.T) {
	clk := clock.NewFake(0)
	s := New(Config{BasePath: t.TempDir()}, clk)
	require.NoError(t, s.End())

	require.NoError(t, s.Begin())
	require.NoError(t, s.End())
	require.NoError(t, s.End())
}

func TestFreeBytes_ReturnsNonZeroForExistingPath(t *testing.T) {
	s := newTestSink(t, Config{})
	free, err := s.FreeBytes()
	require.NoError(t, err)
	require.Greater(t, free, uint64(0))
}
