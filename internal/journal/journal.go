// Package journal persists relay operational events (connections, presence
// transitions, rejected handshakes, bridge denials) as snappy-framed JSON
// lines. Sealed segments can be archived with zstd for long-term retention.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// Event kinds recorded by the relay.
const (
	EventConnect      = "connect"
	EventDisconnect   = "disconnect"
	EventAuthFailure  = "auth_failure"
	EventBridgeDenied = "bridge_denied"
	EventOnline       = "online"
	EventOffline      = "offline"
)

// Event is one journal entry. UserID and ConnID are zero-valued when the
// event is not tied to a user or connection.
type Event struct {
	Time   time.Time `json:"ts"`
	Kind   string    `json:"kind"`
	UserID int64     `json:"user_id,omitempty"`
	ConnID string    `json:"conn_id,omitempty"`
	Detail string    `json:"detail,omitempty"`
}

const segmentTimeFormat = "20060102T150405"

// Writer appends events to the active journal segment.
type Writer struct {
	mu     sync.Mutex
	now    func() time.Time
	path   string
	file   *os.File
	stream *snappy.Writer
	closed bool
}

// NewWriter opens a fresh journal segment under dir.
func NewWriter(dir string, clock func() time.Time) (*Writer, error) {
	if dir == "" {
		return nil, fmt.Errorf("journal directory must be provided")
	}
	if clock == nil {
		clock = time.Now
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	name := fmt.Sprintf("events-%s.jsonl.sz", clock().UTC().Format(segmentTimeFormat))
	path := filepath.Join(dir, name)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal segment: %w", err)
	}
	return &Writer{
		now:    clock,
		path:   path,
		file:   file,
		stream: snappy.NewBufferedWriter(file),
	}, nil
}

// Path returns the active segment location.
func (w *Writer) Path() string { return w.path }

// Append records one event and flushes it to the segment.
func (w *Writer) Append(event Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("journal segment already closed")
	}
	if event.Time.IsZero() {
		event.Time = w.now().UTC()
	}
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode journal event: %w", err)
	}
	if _, err := w.stream.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write journal event: %w", err)
	}
	return w.stream.Flush()
}

// Close seals the active segment.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.stream.Close(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// ReadSegment decodes every event from a sealed snappy segment.
func ReadSegment(path string) ([]Event, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return decodeLines(snappy.NewReader(file))
}

// Archive recompresses a sealed segment with zstd and removes the original.
// It returns the archive location.
func Archive(path string) (string, error) {
	in, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer in.Close()

	dst := path + ".zst"
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return "", err
	}
	encoder, err := zstd.NewWriter(out)
	if err != nil {
		out.Close()
		return "", err
	}
	if _, err := io.Copy(encoder, snappy.NewReader(in)); err != nil {
		encoder.Close()
		out.Close()
		return "", fmt.Errorf("archive journal segment: %w", err)
	}
	if err := encoder.Close(); err != nil {
		out.Close()
		return "", err
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	if err := os.Remove(path); err != nil {
		return "", err
	}
	return dst, nil
}

// ReadArchive decodes every event from a zstd archive produced by Archive.
func ReadArchive(path string) ([]Event, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	decoder, err := zstd.NewReader(file)
	if err != nil {
		return nil, err
	}
	defer decoder.Close()
	return decodeLines(decoder)
}

func decodeLines(r io.Reader) ([]Event, error) {
	var events []Event
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			return nil, fmt.Errorf("decode journal event: %w", err)
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return events, nil
}
