// v1
// internal/binding/file.go
package binding

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const readerKeyPrefix = "reader."

// Saver persists a committed binding snapshot.
type Saver interface {
	Save(s *Store) error
}

// FileStore keeps bindings in a key=value properties file, one
// "reader.<identity>=<value>" line per binding.
type FileStore struct {
	path string
	log  *slog.Logger
	now  func() time.Time
}

// NewFileStore returns a FileStore backed by path.
func NewFileStore(path string, log *slog.Logger) *FileStore {
	if log == nil {
		log = slog.Default()
	}
	return &FileStore{path: filepath.Clean(path), log: log, now: time.Now}
}

// Path returns the backing file location.
func (f *FileStore) Path() string { return f.path }

// Save writes the snapshot atomically through a temporary file.
func (f *FileStore) Save(s *Store) error {
	if s == nil {
		return fmt.Errorf("%w: nil store", ErrInconsistent)
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "# nfcvote reader bindings\n# written %s\n", f.now().UTC().Format(time.RFC3339))
	for _, b := range s.All() {
		fmt.Fprintf(&buf, "%s%s=%s\n", readerKeyPrefix, b.Reader, b.Value)
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("create binding directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".bindings-*")
	if err != nil {
		return fmt.Errorf("create temp binding file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write bindings: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync bindings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close bindings: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("install bindings: %w", err)
	}
	f.log.Info("bindings_saved", slog.String("path", f.path), slog.Int("bindings", s.Len()))
	return nil
}

// RetiredSuffix is appended to the path of a binding file set aside by Retire.
const RetiredSuffix = ".prev"

// Retire moves the current binding file to <path>.prev so that a new
// assignment leaves no usable bindings behind unless it completes. A missing
// file is not an error.
func (f *FileStore) Retire() error {
	err := os.Rename(f.path, f.path+RetiredSuffix)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("retire bindings: %w", err)
	}
	f.log.Info("bindings_retired", slog.String("path", f.path), slog.String("moved_to", f.path+RetiredSuffix))
	return nil
}

// Load reads the file back. A missing file surfaces os.ErrNotExist; any
// malformed or conflicting entry yields ErrInconsistent.
func (f *FileStore) Load() (*Store, error) {
	fh, err := os.Open(f.path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = fh.Close()
	}()

	var bindings []Binding
	scanner := bufio.NewScanner(fh)
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" || strings.HasPrefix(raw, "#") || strings.HasPrefix(raw, ";") {
			continue
		}
		key, value, ok := strings.Cut(raw, "=")
		if !ok {
			return nil, fmt.Errorf("%w: line %d: missing '='", ErrInconsistent, line)
		}
		key = strings.TrimSpace(key)
		if !strings.HasPrefix(key, readerKeyPrefix) {
			f.log.Warn("bindings_unknown_key", slog.String("key", key), slog.Int("line", line))
			continue
		}
		bindings = append(bindings, Binding{
			Reader: strings.TrimPrefix(key, readerKeyPrefix),
			Value:  Value(strings.TrimSpace(value)),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read bindings: %w", err)
	}
	s, err := NewStore(bindings)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", f.path, err)
	}
	f.log.Info("bindings_loaded", slog.String("path", f.path), slog.Int("bindings", s.Len()))
	return s, nil
}
