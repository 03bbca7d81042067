// Package queue is the durable, append-only record of artifacts waiting for
// delivery. The producer side only appends; entries leave the log solely
// through Remove, which the uploader calls after a confirmed delivery. File
// order is creation order and every reader preserves it.
//
// On disk each entry is one line:
//
//	<path>|<satellite_id>|<RFC 3339 timestamp>|<KIND>
//
// Writers and the uploader coordinate through an advisory lock on a sibling
// .lock file, so the log can be shared with an external process.
package queue

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// Kind classifies a queued artifact.
type Kind string

const (
	KindRaw           Kind = "RAW"
	KindImage         Kind = "IMAGE"
	KindVisualization Kind = "VISUALIZATION"
)

// ParseKind accepts the on-disk kind names.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToUpper(strings.TrimSpace(s))); k {
	case KindRaw, KindImage, KindVisualization:
		return k, nil
	}
	return "", fmt.Errorf("unknown queue entry kind %q", s)
}

// Entry is one pending artifact. Entries are never mutated once written.
type Entry struct {
	Path        string    `json:"path"`
	SatelliteID string    `json:"satellite"`
	CreatedAt   time.Time `json:"created_at"`
	Kind        Kind      `json:"kind"`
}

func (e Entry) line() string {
	return strings.Join([]string{e.Path, e.SatelliteID, e.CreatedAt.UTC().Format(time.RFC3339), string(e.Kind)}, "|")
}

func parseLine(s string) (Entry, error) {
	parts := strings.Split(s, "|")
	if len(parts) != 4 {
		return Entry{}, fmt.Errorf("want 4 fields, got %d", len(parts))
	}
	ts, err := time.Parse(time.RFC3339, parts[2])
	if err != nil {
		return Entry{}, fmt.Errorf("timestamp: %w", err)
	}
	kind, err := ParseKind(parts[3])
	if err != nil {
		return Entry{}, err
	}
	if parts[0] == "" {
		return Entry{}, errors.New("empty path")
	}
	return Entry{Path: parts[0], SatelliteID: parts[1], CreatedAt: ts, Kind: kind}, nil
}

const (
	fileName       = "upload-queue"
	lockRetryDelay = 25 * time.Millisecond
)

// Log is the queue file plus its lock. The flock handle is not safe for
// concurrent use within one process, so mu serializes callers first.
type Log struct {
	path string
	mu   sync.Mutex
	lock *flock.Flock
}

// Open returns the queue log under stateDir, creating the directory if needed.
// The file itself is created lazily on first append.
func Open(stateDir string) (*Log, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	path := filepath.Join(stateDir, fileName)
	return &Log{path: path, lock: flock.New(path + ".lock")}, nil
}

// Path returns the queue file location.
func (l *Log) Path() string { return l.path }

// Append writes entries in the order given, durably, in one write.
func (l *Log) Append(ctx context.Context, entries ...Entry) error {
	if len(entries) == 0 {
		return nil
	}

	var buf bytes.Buffer
	for _, e := range entries {
		if strings.ContainsAny(e.Path, "|\n") || strings.ContainsAny(e.SatelliteID, "|\n") {
			return fmt.Errorf("queue entry %q contains a reserved character", e.Path)
		}
		if _, err := ParseKind(string(e.Kind)); err != nil {
			return err
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now()
		}
		buf.WriteString(e.line())
		buf.WriteByte('\n')
	}

	unlock, err := l.lockExclusive(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return fmt.Errorf("append queue: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync queue: %w", err)
	}
	return f.Close()
}

// Entries returns every pending entry in creation order. Lines that fail to
// parse are skipped.
func (l *Log) Entries(ctx context.Context) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ok, err := l.lock.TryRLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("lock queue: %w", err)
	}
	if !ok {
		return nil, errors.New("lock queue: not acquired")
	}
	defer l.lock.Unlock()

	entries, _, err := l.read()
	return entries, err
}

// Len returns the number of pending entries.
func (l *Log) Len(ctx context.Context) (int, error) {
	entries, err := l.Entries(ctx)
	return len(entries), err
}

// Pending returns the set of artifact paths that still have a queued entry.
func (l *Log) Pending(ctx context.Context) (map[string]bool, error) {
	entries, err := l.Entries(ctx)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(entries))
	for _, e := range entries {
		set[e.Path] = true
	}
	return set, nil
}

// Remove deletes delivered entries. Each delivered entry removes its first
// matching line; everything else keeps its relative order. The file is
// rewritten through a temp file and rename.
func (l *Log) Remove(ctx context.Context, delivered ...Entry) error {
	if len(delivered) == 0 {
		return nil
	}

	unlock, err := l.lockExclusive(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	_, lines, err := l.read()
	if err != nil {
		return err
	}

	drop := make(map[string]int, len(delivered))
	for _, e := range delivered {
		drop[e.line()]++
	}

	var buf bytes.Buffer
	for _, ln := range lines {
		if drop[ln] > 0 {
			drop[ln]--
			continue
		}
		buf.WriteString(ln)
		buf.WriteByte('\n')
	}

	tmp, err := os.CreateTemp(filepath.Dir(l.path), fileName+"-*.tmp")
	if err != nil {
		return fmt.Errorf("rewrite queue: %w", err)
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("rewrite queue: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("rewrite queue: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rewrite queue: %w", err)
	}
	return os.Rename(tmp.Name(), l.path)
}

func (l *Log) lockExclusive(ctx context.Context) (func(), error) {
	l.mu.Lock()
	ok, err := l.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil || !ok {
		l.mu.Unlock()
		if err == nil {
			err = errors.New("not acquired")
		}
		return nil, fmt.Errorf("lock queue: %w", err)
	}
	return func() {
		_ = l.lock.Unlock()
		l.mu.Unlock()
	}, nil
}

// read parses the file. It returns the valid entries and every non-empty
// raw line, malformed ones included, so Remove never drops data it did not
// understand.
func (l *Log) read() ([]Entry, []string, error) {
	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open queue: %w", err)
	}
	defer f.Close()

	var (
		entries []Entry
		lines   []string
	)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	for sc.Scan() {
		ln := strings.TrimRight(sc.Text(), "\r")
		if ln == "" {
			continue
		}
		lines = append(lines, ln)
		if e, err := parseLine(ln); err == nil {
			entries = append(entries, e)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, nil, fmt.Errorf("read queue: %w", err)
	}
	return entries, lines, nil
}
