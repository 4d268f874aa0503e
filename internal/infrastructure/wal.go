package infrastructure

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultRotationSize = 100 * 1024 * 1024 // 100MB
	defaultMaxRetries   = 5

	// maxEntrySize bounds a single JSON line.
	maxEntrySize = 1024 * 1024
)

// WALEntry represents an entry in the write-ahead log.
type WALEntry struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Retries   int             `json:"retries"`
	LastError string          `json:"last_error,omitempty"`
}

// Decode unmarshals the entry payload into v.
func (e WALEntry) Decode(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// WALOptions tunes a WAL. Zero values select the defaults.
type WALOptions struct {
	RotationSize int64
	MaxRetries   int
}

// WAL is an append-only JSON-lines log. Every append is fsynced before it
// returns.
type WAL struct {
	path         string
	file         *os.File
	mu           sync.Mutex
	rotationSize int64
	currentSize  int64
	maxRetries   int
}

// NewWAL opens or creates the log at path.
func NewWAL(path string, opts WALOptions) (*WAL, error) {
	if opts.RotationSize <= 0 {
		opts.RotationSize = defaultRotationSize
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	file, err := openAppend(path)
	if err != nil {
		return nil, err
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat WAL file: %w", err)
	}

	return &WAL{
		path:         path,
		file:         file,
		currentSize:  stat.Size(),
		rotationSize: opts.RotationSize,
		maxRetries:   opts.MaxRetries,
	}, nil
}

// Append adds a new entry holding data.
func (w *WAL) Append(entryType string, data interface{}) (WALEntry, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return WALEntry{}, fmt.Errorf("failed to marshal WAL data: %w", err)
	}

	entry := WALEntry{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Type:      entryType,
		Data:      raw,
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.write(entry); err != nil {
		return WALEntry{}, err
	}

	if w.currentSize > w.rotationSize {
		if err := w.rotate(); err != nil {
			return entry, fmt.Errorf("failed to rotate WAL: %w", err)
		}
	}
	return entry, nil
}

// ReadAll returns every entry that still has retries left, oldest first.
// Corrupted lines are skipped.
func (w *WAL) ReadAll() ([]WALEntry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.readAll()
}

// Rewrite atomically replaces the log contents with entries.
func (w *WAL) Rewrite(entries []WALEntry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.replace(entries)
}

// Compact drops corrupted entries and entries that exhausted their retries.
func (w *WAL) Compact() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	entries, err := w.readAll()
	if err != nil {
		return err
	}
	return w.replace(entries)
}

// MaxRetries is the number of failed replays after which an entry is dropped.
func (w *WAL) MaxRetries() int {
	return w.maxRetries
}

// Close closes the WAL.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL before closing: %w", err)
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// Stats returns WAL statistics.
func (w *WAL) Stats() map[string]interface{} {
	w.mu.Lock()
	defer w.mu.Unlock()

	return map[string]interface{}{
		"path":          w.path,
		"size":          w.currentSize,
		"rotation_size": w.rotationSize,
		"max_retries":   w.maxRetries,
	}
}

// write must be called with w.mu held.
func (w *WAL) write(entry WALEntry) error {
	if w.file == nil {
		return errors.New("WAL is closed")
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal WAL entry: %w", err)
	}
	line = append(line, '\n')

	if _, err := w.file.Write(line); err != nil {
		return fmt.Errorf("failed to write to WAL: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL: %w", err)
	}

	w.currentSize += int64(len(line))
	return nil
}

// readAll must be called with w.mu held.
func (w *WAL) readAll() ([]WALEntry, error) {
	file, err := os.Open(w.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL for reading: %w", err)
	}
	defer file.Close()

	var entries []WALEntry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxEntrySize)

	for scanner.Scan() {
		var entry WALEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		if entry.Retries < w.maxRetries {
			entries = append(entries, entry)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read WAL: %w", err)
	}
	return entries, nil
}

// replace must be called with w.mu held.
func (w *WAL) replace(entries []WALEntry) error {
	tempPath := w.path + ".tmp"
	tempFile, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create temp WAL file: %w", err)
	}
	defer os.Remove(tempPath)

	writer := bufio.NewWriter(tempFile)
	newSize := int64(0)
	for _, entry := range entries {
		line, err := json.Marshal(entry)
		if err != nil {
			tempFile.Close()
			return fmt.Errorf("failed to marshal WAL entry: %w", err)
		}
		line = append(line, '\n')
		if _, err := writer.Write(line); err != nil {
			tempFile.Close()
			return fmt.Errorf("failed to write to temp WAL: %w", err)
		}
		newSize += int64(len(line))
	}

	if err := writer.Flush(); err != nil {
		tempFile.Close()
		return fmt.Errorf("failed to flush temp WAL: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		tempFile.Close()
		return fmt.Errorf("failed to sync temp WAL: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp WAL: %w", err)
	}

	if w.file != nil {
		w.file.Close()
	}
	if err := os.Rename(tempPath, w.path); err != nil {
		return fmt.Errorf("failed to replace WAL file: %w", err)
	}

	w.file, err = openAppend(w.path)
	if err != nil {
		return err
	}
	w.currentSize = newSize
	return nil
}

// rotate archives the current file and starts a new one. Must be called with
// w.mu held.
func (w *WAL) rotate() error {
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close WAL file: %w", err)
	}

	archivePath := fmt.Sprintf("%s.%d", w.path, time.Now().UnixNano())
	if err := os.Rename(w.path, archivePath); err != nil {
		return fmt.Errorf("failed to archive WAL file: %w", err)
	}

	file, err := openAppend(w.path)
	if err != nil {
		return err
	}
	w.file = file
	w.currentSize = 0
	return nil
}

func openAppend(path string) (*os.File, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}
	return file, nil
}
