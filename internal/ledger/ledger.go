// Package ledger stores encrypted price samples in an append-only text file.
//
// Each line is "timestamp,ciphertextB64". The records are only meaningful
// under the session key whose validity hash sits in the marker file next to
// the ledger; CheckAndReset truncates the ledger when that key changes.
package ledger

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/RTX-TreDiX/GCPMS/internal/fileio"
	"github.com/RTX-TreDiX/GCPMS/internal/keys"
	"github.com/RTX-TreDiX/GCPMS/internal/metrics"
)

var (
	// ErrIO wraps every file system failure of the ledger.
	ErrIO = errors.New("ledger i/o")
	// ErrMalformedLine marks a line that is not "timestamp,ciphertext".
	ErrMalformedLine = errors.New("malformed ledger line")
)

// legacyHeader was written by early collectors as the first line.
const legacyHeader = "datetime,data"

// Record is one ledger line.
type Record struct {
	Timestamp  string
	Ciphertext string
}

func (r Record) String() string { return r.Timestamp + "," + r.Ciphertext }

// LineError reports a corrupt line. Consumers skip it and carry on.
type LineError struct {
	Line int
	Text string
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, ErrMalformedLine)
}

func (e *LineError) Unwrap() error { return ErrMalformedLine }

// Ledger is the append-only log plus its key-hash marker file.
type Ledger struct {
	path     string
	hashPath string
	metrics  *metrics.Registry

	mu sync.Mutex
}

// New returns a ledger backed by path, with the validity hash kept at hashPath.
func New(path, hashPath string, m *metrics.Registry) *Ledger {
	return &Ledger{path: path, hashPath: hashPath, metrics: m}
}

// Path returns the ledger file path.
func (l *Ledger) Path() string { return l.path }

// CheckAndReset compares the hash of session with the persisted one. When
// the marker is missing or differs, the ledger file is deleted and the new
// hash persisted. Afterwards the ledger file exists, possibly empty.
//
// It must run once before the first Append.
func (l *Ledger) CheckAndReset(session keys.SessionKey) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	want := session.Hash()
	have, err := os.ReadFile(l.hashPath)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("%w: read key hash: %v", ErrIO, err)
	}

	reset := strings.TrimSpace(string(have)) != want
	if reset {
		if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return false, fmt.Errorf("%w: remove ledger: %v", ErrIO, err)
		}
		if err := fileio.WriteFileAtomic(l.hashPath, []byte(want+"\n"), 0o644); err != nil {
			return false, fmt.Errorf("%w: write key hash: %v", ErrIO, err)
		}
		l.metrics.RecordReset()
		log.Warn().Str("ledger", l.path).Str("hash", want).Bool("had_marker", len(have) > 0).Msg("Key material changed, ledger reset")
	}

	if err := fileio.Touch(l.path, 0o644); err != nil {
		return reset, fmt.Errorf("%w: create ledger: %v", ErrIO, err)
	}
	return reset, nil
}

// Append writes one line and syncs it to disk.
func (l *Ledger) Append(_ context.Context, rec Record) error {
	if rec.Timestamp == "" || strings.ContainsAny(rec.Timestamp, ",\n") || strings.ContainsAny(rec.Ciphertext, ",\n") {
		return fmt.Errorf("append %q: %w", rec.Timestamp, ErrMalformedLine)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	err := l.append(rec)
	if err != nil {
		l.metrics.RecordAppend("error")
		return err
	}
	l.metrics.RecordAppend("ok")
	return nil
}

func (l *Ledger) append(rec Record) error {
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: open: %v", ErrIO, err)
	}
	if _, err := f.WriteString(rec.String() + "\n"); err != nil {
		f.Close()
		return fmt.Errorf("%w: write: %v", ErrIO, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("%w: sync: %v", ErrIO, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: close: %v", ErrIO, err)
	}
	return nil
}

// Replace atomically overwrites the ledger with the content of r.
func (l *Ledger) Replace(r io.Reader) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n, err := fileio.CopyAtomic(l.path, r, 0o644)
	if err != nil {
		return n, fmt.Errorf("%w: replace: %v", ErrIO, err)
	}
	return n, nil
}

// Records returns the ledger lines oldest first. Every iteration re-opens
// the file, so the sequence can be ranged over repeatedly.
//
// A corrupt line yields a *LineError and iteration continues. A read
// failure yields an error wrapping ErrIO and ends the sequence.
func (l *Ledger) Records() iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		f, err := os.Open(l.path)
		if errors.Is(err, fs.ErrNotExist) {
			return
		}
		if err != nil {
			yield(Record{}, fmt.Errorf("%w: open: %v", ErrIO, err))
			return
		}
		defer f.Close()

		sc := bufio.NewScanner(f)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		n := 0
		for sc.Scan() {
			n++
			line := strings.TrimRight(sc.Text(), "\r")
			if strings.TrimSpace(line) == "" {
				continue
			}
			if n == 1 && line == legacyHeader {
				continue
			}
			rec, ok := parseLine(line)
			if !ok {
				if !yield(Record{}, &LineError{Line: n, Text: line}) {
					return
				}
				continue
			}
			if !yield(rec, nil) {
				return
			}
		}
		if err := sc.Err(); err != nil {
			yield(Record{}, fmt.Errorf("%w: read: %v", ErrIO, err))
		}
	}
}

func parseLine(line string) (Record, bool) {
	parts := strings.Split(line, ",")
	if len(parts) != 2 {
		return Record{}, false
	}
	ts, ct := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
	if ts == "" || ct == "" {
		return Record{}, false
	}
	return Record{Timestamp: ts, Ciphertext: ct}, true
}
