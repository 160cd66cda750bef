// Package collector runs the server side scrape loop: four fields per cycle,
// encrypted under the session key and appended to the ledger.
package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/RTX-TreDiX/GCPMS/internal/codec"
	"github.com/RTX-TreDiX/GCPMS/internal/keys"
	"github.com/RTX-TreDiX/GCPMS/internal/ledger"
	"github.com/RTX-TreDiX/GCPMS/internal/metrics"
	"github.com/RTX-TreDiX/GCPMS/internal/price"
)

// ErrFetchFailed is wrapped by every FieldError.
var ErrFetchFailed = errors.New("price fetch failed")

// FieldError reports the field whose retries were exhausted.
type FieldError struct {
	Field    price.Field
	Attempts int
	Err      error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("fetch %s failed after %d attempts: %v", e.Field, e.Attempts, e.Err)
}

func (e *FieldError) Unwrap() []error { return []error{ErrFetchFailed, e.Err} }

// State is the collector state machine position.
type State int32

const (
	Idle State = iota
	Fetching
	Retry
	Success
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Fetching:
		return "fetching"
	case Retry:
		return "retry"
	case Success:
		return "success"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Source returns the current value of one field.
type Source interface {
	Fetch(ctx context.Context, f price.Field) (int64, error)
}

// Invalidator is implemented by sources that keep state between fetches,
// such as a page cache. The collector calls Invalidate at the start of every
// cycle so each sample comes from a fresh download.
type Invalidator interface {
	Invalidate()
}

// Sink receives every encrypted record. The ledger is the primary sink.
type Sink interface {
	Append(ctx context.Context, rec ledger.Record) error
}

// Config holds the loop timing. Zero values get the defaults.
type Config struct {
	Interval    time.Duration
	Attempts    int
	RetryDelay  time.Duration
	PerRecordIV bool
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Minute
	}
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	return c
}

type namedSink struct {
	name string
	Sink
}

// Collector is not safe for concurrent RunCycle calls; Run serialises them.
type Collector struct {
	cfg     Config
	source  Source
	codec   *codec.Codec
	sinks   []namedSink
	metrics *metrics.Registry

	state atomic.Int32
	cycle sync.Mutex
	now   func() time.Time
}

// New builds a collector writing to primary and then to every extra sink.
func New(cfg Config, src Source, session keys.SessionKey, primary Sink, m *metrics.Registry) *Collector {
	var opts []codec.Option
	if cfg.PerRecordIV {
		opts = append(opts, codec.WithRandomIV())
	}
	return &Collector{
		cfg:     cfg.withDefaults(),
		source:  src,
		codec:   codec.New(session.Material, opts...),
		sinks:   []namedSink{{name: "ledger", Sink: primary}},
		metrics: m,
		now:     time.Now,
	}
}

// AddSink registers an extra destination such as the archive.
func (c *Collector) AddSink(name string, s Sink) {
	c.sinks = append(c.sinks, namedSink{name: name, Sink: s})
}

// State returns the current position of the state machine.
func (c *Collector) State() State { return State(c.state.Load()) }

func (c *Collector) setState(s State) {
	c.state.Store(int32(s))
	c.metrics.SetCollectorState(int(s))
}

// RunCycle fetches all four fields and persists the sample. Any field that
// exhausts its retries aborts the cycle before anything is written. Sink
// errors are logged and do not fail the cycle.
func (c *Collector) RunCycle(ctx context.Context) (price.Sample, error) {
	c.cycle.Lock()
	defer c.cycle.Unlock()

	logger := log.With().Str("cycle_id", uuid.NewString()).Logger()
	start := time.Now()
	defer c.setState(Idle)

	if inv, ok := c.source.(Invalidator); ok {
		inv.Invalidate()
	}

	c.setState(Fetching)
	var values [len(price.Fields)]int64
	for _, f := range price.Fields {
		v, err := c.fetch(ctx, f, logger)
		if err != nil {
			c.setState(Failed)
			c.metrics.RecordCycle("failed", time.Since(start).Seconds())
			logger.Error().Err(err).Msg("Collector cycle failed")
			return price.Sample{}, err
		}
		values[f] = v
	}

	sample := price.Sample{Time: c.now().Truncate(time.Second), Values: values}
	ct, err := c.codec.Encrypt(sample.Plaintext())
	if err != nil {
		c.setState(Failed)
		c.metrics.RecordCycle("failed", time.Since(start).Seconds())
		return price.Sample{}, fmt.Errorf("encrypt sample: %w", err)
	}
	rec := ledger.Record{Timestamp: sample.Timestamp(), Ciphertext: ct}

	result := "success"
	for _, s := range c.sinks {
		if err := s.Append(ctx, rec); err != nil {
			result = "write_error"
			logger.Error().Err(err).Str("sink", s.name).Msg("Failed to store sample")
			continue
		}
		c.metrics.RecordSample(s.name, sample.Time.Unix())
	}

	c.setState(Success)
	c.metrics.RecordCycle(result, time.Since(start).Seconds())
	logger.Info().
		Str("timestamp", rec.Timestamp).
		Int64("usdt", values[price.Tether]).
		Int64("usd", values[price.USD]).
		Int64("gold", values[price.Gold]).
		Int64("coin", values[price.Coin]).
		Dur("took", time.Since(start)).
		Msg("Collector cycle complete")
	return sample, nil
}

func (c *Collector) fetch(ctx context.Context, f price.Field, logger zerolog.Logger) (int64, error) {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.Attempts; attempt++ {
		v, err := c.source.Fetch(ctx, f)
		if err == nil {
			c.metrics.RecordFetch(f.String(), "ok")
			if attempt > 1 {
				c.setState(Fetching)
			}
			return v, nil
		}
		lastErr = err
		c.metrics.RecordFetch(f.String(), "error")
		logger.Warn().Err(err).Str("field", f.String()).Int("attempt", attempt).Msg("Price fetch failed")

		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if attempt == c.cfg.Attempts {
			break
		}
		c.setState(Retry)
		if err := sleep(ctx, c.cfg.RetryDelay); err != nil {
			return 0, err
		}
	}
	return 0, &FieldError{Field: f, Attempts: c.cfg.Attempts, Err: lastErr}
}

// Run executes a cycle, then waits Interval after it finishes, until ctx is
// cancelled. Failed cycles are logged and never stop the loop.
func (c *Collector) Run(ctx context.Context) error {
	log.Info().Dur("interval", c.cfg.Interval).Int("attempts", c.cfg.Attempts).Msg("Collector starting")
	for {
		if _, err := c.RunCycle(ctx); err != nil && ctx.Err() == nil {
			log.Warn().Dur("next_in", c.cfg.Interval).Msg("Skipping to next cycle")
		}
		if err := sleep(ctx, c.cfg.Interval); err != nil {
			log.Info().Msg("Collector stopped")
			return err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
