// Package series holds the client's decrypted price history.
package series

import (
	"errors"
	"fmt"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/RTX-TreDiX/GCPMS/internal/codec"
	"github.com/RTX-TreDiX/GCPMS/internal/keys"
	"github.com/RTX-TreDiX/GCPMS/internal/ledger"
	"github.com/RTX-TreDiX/GCPMS/internal/metrics"
	"github.com/RTX-TreDiX/GCPMS/internal/price"
)

// ErrUnknownSeries is returned by Series for names other than the four fields.
var ErrUnknownSeries = errors.New("unknown series")

// Point is one value of one series.
type Point struct {
	Timestamp string `json:"timestamp"`
	Value     int64  `json:"value"`
}

type entry struct {
	stamp  string
	at     time.Time
	values [len(price.Fields)]int64
}

// RecordFailure describes one ledger record merge could not use.
type RecordFailure struct {
	Timestamp string
	Line      int
	Err       error
}

// Report summarises a merge.
type Report struct {
	Added      int
	Duplicates int
	Failed     []RecordFailure
}

// Store is a time-ordered set of samples keyed by timestamp. It is safe for
// concurrent readers and one merging writer.
type Store struct {
	mu      sync.RWMutex
	entries []entry
	index   map[string]struct{}
	metrics *metrics.Registry
}

// NewStore returns an empty store.
func NewStore(m *metrics.Registry) *Store {
	return &Store{index: make(map[string]struct{}), metrics: m}
}

// Merge decrypts records with session and inserts every timestamp not yet
// present. Corrupt, undecryptable or unparsable records are logged, listed in
// Report.Failed and skipped. Only an I/O error from records stops the merge.
func (s *Store) Merge(records iter.Seq2[ledger.Record, error], session keys.SessionKey, opts ...codec.Option) (Report, error) {
	c := codec.New(session.Material, opts...)

	s.mu.Lock()
	defer s.mu.Unlock()

	var rep Report
	for rec, err := range records {
		if err != nil {
			var le *ledger.LineError
			if errors.As(err, &le) {
				log.Warn().Int("line", le.Line).Msg("Skipping malformed ledger line")
				rep.Failed = append(rep.Failed, RecordFailure{Line: le.Line, Err: err})
				continue
			}
			s.metrics.RecordMerge(rep.Added, rep.Duplicates, len(rep.Failed), len(s.entries))
			return rep, fmt.Errorf("merge: %w", err)
		}

		if _, seen := s.index[rec.Timestamp]; seen {
			log.Debug().Str("timestamp", rec.Timestamp).Msg("Timestamp already merged")
			rep.Duplicates++
			continue
		}

		e, err := decode(c, rec)
		if err != nil {
			log.Warn().Str("timestamp", rec.Timestamp).Err(err).Msg("Skipping undecryptable ledger record")
			rep.Failed = append(rep.Failed, RecordFailure{Timestamp: rec.Timestamp, Err: err})
			continue
		}
		s.insert(e)
		rep.Added++
	}

	s.metrics.RecordMerge(rep.Added, rep.Duplicates, len(rep.Failed), len(s.entries))
	log.Info().Int("added", rep.Added).Int("duplicates", rep.Duplicates).Int("failed", len(rep.Failed)).Int("points", len(s.entries)).Msg("Ledger merged")
	return rep, nil
}

func decode(c *codec.Codec, rec ledger.Record) (entry, error) {
	at, err := price.ParseTimestamp(rec.Timestamp)
	if err != nil {
		return entry{}, fmt.Errorf("%w: timestamp %q", ledger.ErrMalformedLine, rec.Timestamp)
	}
	plain, err := c.Decrypt(rec.Ciphertext)
	if err != nil {
		return entry{}, err
	}
	values, err := price.ParsePlaintext(plain)
	if err != nil {
		return entry{}, err
	}
	return entry{stamp: rec.Timestamp, at: at, values: values}, nil
}

// insert keeps entries sorted by time. Ledgers are written in time order so
// this is an append in the common case.
func (s *Store) insert(e entry) {
	s.index[e.stamp] = struct{}{}
	n := len(s.entries)
	if n == 0 || !e.at.Before(s.entries[n-1].at) {
		s.entries = append(s.entries, e)
		return
	}
	i := sort.Search(n, func(i int) bool { return s.entries[i].at.After(e.at) })
	s.entries = append(s.entries, entry{})
	copy(s.entries[i+1:], s.entries[i:])
	s.entries[i] = e
}

// Series returns the points of the named series in time order.
func (s *Store) Series(name string) ([]Point, error) {
	f, ok := price.ParseField(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSeries, name)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Point, len(s.entries))
	for i, e := range s.entries {
		out[i] = Point{Timestamp: e.stamp, Value: e.values[f]}
	}
	return out, nil
}

// Times returns all timestamps in time order.
func (s *Store) Times() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.stamp
	}
	return out
}

// Latest returns the newest sample.
func (s *Store) Latest() (price.Sample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.entries) == 0 {
		return price.Sample{}, false
	}
	e := s.entries[len(s.entries)-1]
	return price.Sample{Time: e.at, Values: e.values}, true
}

// Len returns the number of timestamps held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Reset drops everything. Used for an explicit reload.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
	s.index = make(map[string]struct{})
	s.metrics.RecordMerge(0, 0, 0, 0)
}
