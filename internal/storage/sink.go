// Package storage implements the rotating, flush-on-interval file sink
// of spec.md §4.3, a Go port of
// original_source/microcontroller/src/StorageManager.cpp. Accepted
// messages are appended as newline-delimited JSON records under a base
// directory, rotating to a fresh file once the current one crosses a
// configured size threshold.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/yayoboy/edge-telemetry-agent/internal/clock"
)

// MaxLineBytes bounds a single formatted record, matching the
// firmware's `char line[2048]` stack buffer in writeMessage.
const MaxLineBytes = 2048

const (
	defaultPrefix        = "data"
	defaultExtension     = ".jsonl"
	defaultBasePath      = "/telemetry"
	defaultMaxFileSizeMB = 10
	defaultFlushInterval = 5 * time.Second
)

// Config configures a Sink (spec.md §6 "Sink layout").
type Config struct {
	BasePath      string
	Prefix        string
	Extension     string
	MaxFileSize   int64 // bytes
	FlushInterval time.Duration

	// CompressionEnabled is accepted and stored but never acted on.
	// spec.md §9 treats compression as out of core scope; the firmware
	// mirrors this with an unused StorageManager::compressionEnabled
	// flag, and this field preserves that exact shape rather than
	// wiring a compression library for an explicitly excluded feature.
	CompressionEnabled bool
}

func (c Config) withDefaults() Config {
	if c.BasePath == "" {
		c.BasePath = defaultBasePath
	}
	if c.Prefix == "" {
		c.Prefix = defaultPrefix
	}
	if c.Extension == "" {
		c.Extension = defaultExtension
	}
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = defaultMaxFileSizeMB * 1024 * 1024
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = defaultFlushInterval
	}
	return c
}

// Stats are the sink's running counters (spec.md §3 "Storage State" plus
// the firmware's StorageStats).
type Stats struct {
	WritesCompleted uint64
	WritesFailed    uint64
	FilesCreated    uint64
	BytesWritten    uint64
}

// Sink is the file-rotating persistence sink. Per spec.md §5 its file
// handle is owned solely by the drain worker plus the shutdown path; the
// mutex here exists only to make Flush/End safe to call concurrently
// with a write in flight during shutdown.
type Sink struct {
	cfg   Config
	clock clock.Source

	mu              sync.Mutex
	file            *os.File
	currentPath     string
	currentFileSize int64
	lastFlushMs     uint64
	stats           Stats
	started         bool
}

// New constructs a Sink; call Begin before writing.
func New(cfg Config, clk clock.Source) *Sink {
	return &Sink{cfg: cfg.withDefaults(), clock: clk}
}

// Begin ensures the base directory exists and opens the initial file,
// matching StorageManager::begin.
func (s *Sink) Begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.cfg.BasePath, 0o755); err != nil {
		return fmt.Errorf("storage: ensure base path %s: %w", s.cfg.BasePath, err)
	}
	if err := s.createNewFileLocked(); err != nil {
		return fmt.Errorf("storage: create initial file: %w", err)
	}
	s.started = true
	return nil
}

// End flushes and closes the current file, matching StorageManager::end.
func (s *Sink) End() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Sync()
	closeErr := s.file.Close()
	s.file = nil
	s.started = false
	if err != nil {
		return err
	}
	return closeErr
}

// WriteMessage formats and appends one record, rotating first if the
// current file has reached MaxFileSize (spec.md §4.3). A formatting
// overflow (> MaxLineBytes) fails without partially appending.
func (s *Sink) WriteMessage(topic string, payloadJSON []byte, timestampMs uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started || s.file == nil {
		s.stats.WritesFailed++
		return fmt.Errorf("storage: sink not started")
	}

	if s.currentFileSize >= s.cfg.MaxFileSize {
		if err := s.rotateLocked(); err != nil {
			s.stats.WritesFailed++
			return fmt.Errorf("storage: rotate: %w", err)
		}
	}

	line, err := formatLine(topic, payloadJSON, timestampMs)
	if err != nil {
		s.stats.WritesFailed++
		return err
	}

	n, err := s.file.Write(line)
	if err != nil || n != len(line) {
		s.stats.WritesFailed++
		if err != nil {
			return fmt.Errorf("storage: write: %w", err)
		}
		return fmt.Errorf("storage: short write (%d of %d bytes)", n, len(line))
	}

	s.currentFileSize += int64(n)
	s.stats.BytesWritten += uint64(n)
	s.stats.WritesCompleted++

	if s.clock.NowMillis()-s.lastFlushMs > uint64(s.cfg.FlushInterval.Milliseconds()) {
		if err := s.flushLocked(); err != nil {
			return fmt.Errorf("storage: periodic flush: %w", err)
		}
	}

	return nil
}

// formatLine builds `{"topic":"<topic>","payload":<payload-json-verbatim>,"timestamp":<ts>}\n`.
// The topic is JSON-escaped via encoding/json (the firmware's snprintf
// inserts it raw); the payload is inserted verbatim exactly as spec.md
// §6 specifies, since it is assumed to already be a JSON value.
func formatLine(topic string, payloadJSON []byte, timestampMs uint64) ([]byte, error) {
	topicJSON, err := json.Marshal(topic)
	if err != nil {
		return nil, fmt.Errorf("storage: encode topic: %w", err)
	}

	line := make([]byte, 0, len(topicJSON)+len(payloadJSON)+48)
	line = append(line, `{"topic":`...)
	line = append(line, topicJSON...)
	line = append(line, `,"payload":`...)
	line = append(line, payloadJSON...)
	line = append(line, fmt.Sprintf(`,"timestamp":%d}`, timestampMs)...)
	line = append(line, '\n')

	if len(line) > MaxLineBytes {
		return nil, fmt.Errorf("storage: formatted record exceeds %d bytes", MaxLineBytes)
	}
	return line, nil
}

// WriteBatch writes payloads in order for a single topic, flushing once
// at the end, and returns the logical AND of per-item results
// (spec.md §4.3 write_batch).
func (s *Sink) WriteBatch(topic string, payloads [][]byte, timestampMs uint64) error {
	var firstErr error
	for _, p := range payloads {
		if err := s.WriteMessage(topic, p, timestampMs); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.Flush(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Flush durably commits pending bytes.
func (s *Sink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *Sink) flushLocked() error {
	if s.file == nil {
		return fmt.Errorf("storage: no open file to flush")
	}
	if err := s.file.Sync(); err != nil {
		return err
	}
	s.lastFlushMs = s.clock.NowMillis()
	return nil
}

// rotateLocked closes the current file and opens a new one.
func (s *Sink) rotateLocked() error {
	if s.file != nil {
		_ = s.file.Sync()
		if err := s.file.Close(); err != nil {
			return err
		}
		s.file = nil
	}
	return s.createNewFileLocked()
}

func (s *Sink) createNewFileLocked() error {
	now := time.Now().UTC()
	name := fmt.Sprintf("%s_%s%s", s.cfg.Prefix, now.Format("20060102_150405"), s.cfg.Extension)
	path := filepath.Join(s.cfg.BasePath, name)

	// Rotation names have one-second resolution; disambiguate a
	// same-second collision with a short uuid suffix rather than
	// silently overwriting (spec.md §4.3).
	if _, err := os.Stat(path); err == nil {
		name = fmt.Sprintf("%s_%s_%s%s", s.cfg.Prefix, now.Format("20060102_150405"), uuid.NewString()[:8], s.cfg.Extension)
		path = filepath.Join(s.cfg.BasePath, name)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("storage: open %s: %w", path, err)
	}

	s.file = f
	s.currentPath = path
	s.currentFileSize = 0
	s.stats.FilesCreated++
	s.lastFlushMs = s.clock.NowMillis()
	return nil
}

// CurrentPath returns the path of the file currently being written to.
func (s *Sink) CurrentPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentPath
}

// Stats returns a snapshot of the sink's counters.
func (s *Sink) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// FreeBytes reports free space on the filesystem backing BasePath,
// restoring StorageManager::getFreeSpace (the SD card's cluster
// accounting) via statfs, the closest portable Linux equivalent.
func (s *Sink) FreeBytes() (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(s.cfg.BasePath, &st); err != nil {
		return 0, fmt.Errorf("storage: statfs %s: %w", s.cfg.BasePath, err)
	}
	return st.Bavail * uint64(st.Bsize), nil
}
