// v0
// internal/journal/journal.go
package journal

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tcalmant/nfc-voting/internal/publish"
)

var ErrClosed = errors.New("journal closed")

// Entry is one vote that could not be delivered to the bus.
type Entry struct {
	Seq        int64             `json:"seq"`
	RecordedAt time.Time         `json:"recorded_at"`
	Event      publish.VoteEvent `json:"event"`
	Error      string            `json:"error,omitempty"`
}

// Journal appends lost votes to a JSON-lines file and keeps them in memory
// for the replay command and the status API.
type Journal struct {
	mu      sync.RWMutex
	path    string
	log     *slog.Logger
	file    *os.File
	writer  *bufio.Writer
	lastSeq int64
	entries []Entry
	now     func() time.Time
}

// Open creates or reopens the journal at path and loads existing entries.
func Open(path string, log *slog.Logger) (*Journal, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	j := &Journal{path: path, log: log.With("component", "journal"), file: f, now: time.Now}
	if err := j.load(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) load() error {
	if _, err := j.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	j.entries = nil
	j.lastSeq = 0
	scanner := bufio.NewScanner(j.file)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return fmt.Errorf("journal %s line %d: %w", j.path, line, err)
		}
		j.entries = append(j.entries, e)
		if e.Seq > j.lastSeq {
			j.lastSeq = e.Seq
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if _, err := j.file.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	j.writer = bufio.NewWriter(j.file)
	j.log.Info("journal_loaded", slog.String("path", j.path), slog.Int("entries", len(j.entries)))
	return nil
}

// Record appends ev with the error that made it lost.
func (j *Journal) Record(ev publish.VoteEvent, cause error) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return ErrClosed
	}
	e := Entry{Seq: j.lastSeq + 1, RecordedAt: j.now().UTC(), Event: ev}
	if cause != nil {
		e.Error = cause.Error()
	}
	if err := j.writeLocked(e); err != nil {
		return err
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("sync journal: %w", err)
	}
	j.lastSeq = e.Seq
	j.entries = append(j.entries, e)
	return nil
}

func (j *Journal) writeLocked(e Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode journal entry: %w", err)
	}
	if _, err := j.writer.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("write journal: %w", err)
	}
	return j.writer.Flush()
}

// Entries returns a copy of the journaled votes in append order.
func (j *Journal) Entries() []Entry {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return append([]Entry(nil), j.entries...)
}

func (j *Journal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.entries)
}

// Rewrite replaces the journal contents with keep, typically the entries a
// replay could not deliver.
func (j *Journal) Rewrite(keep []Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return ErrClosed
	}
	if err := j.file.Truncate(0); err != nil {
		return fmt.Errorf("truncate journal: %w", err)
	}
	if _, err := j.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	j.writer = bufio.NewWriter(j.file)
	for _, e := range keep {
		if err := j.writeLocked(e); err != nil {
			return err
		}
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("sync journal: %w", err)
	}
	j.entries = append([]Entry(nil), keep...)
	j.log.Info("journal_rewritten", slog.Int("entries", len(keep)))
	return nil
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	flushErr := j.writer.Flush()
	closeErr := j.file.Close()
	j.file = nil
	return errors.Join(flushErr, closeErr)
}
