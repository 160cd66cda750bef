// Package remotesync pulls the collector's ledger to the client, proves the
// session key against it and merges it into the local series store.
package remotesync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/RTX-TreDiX/GCPMS/internal/codec"
	"github.com/RTX-TreDiX/GCPMS/internal/keys"
	"github.com/RTX-TreDiX/GCPMS/internal/ledger"
	"github.com/RTX-TreDiX/GCPMS/internal/metrics"
	"github.com/RTX-TreDiX/GCPMS/internal/price"
	"github.com/RTX-TreDiX/GCPMS/internal/series"
	"github.com/RTX-TreDiX/GCPMS/internal/settings"
	"github.com/RTX-TreDiX/GCPMS/internal/transfer"
)

// Outcome is the only failure information callers of Download see.
type Outcome int

const (
	Success Outcome = iota
	SettingsNotFound
	ConnectionError
	CryptoError
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case SettingsNotFound:
		return "settings_not_found"
	case ConnectionError:
		return "connection_error"
	case CryptoError:
		return "crypto_error"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

var (
	errNoSession = errors.New("no session key given and none saved")
	errEmpty     = errors.New("ledger has no readable records")
)

// SessionInput is the operator supplied session key in hex. Both fields
// empty means "use the key saved in settings".
type SessionInput struct {
	Key string `json:"key"`
	IV  string `json:"iv"`
}

func (in SessionInput) empty() bool { return in.Key == "" && in.IV == "" }

// Result of one Download. Err carries the underlying cause for logs; it is
// nil on Success.
type Result struct {
	Outcome   Outcome
	Err       error
	Records   int
	Bytes     int64
	Persisted bool
	SyncID    string

	session keys.SessionKey
}

// FetcherFactory builds the transport for the saved connection.
type FetcherFactory func(conn settings.Connection) (transfer.Fetcher, error)

// SFTPFactory connects to the host and credentials stored in settings.
func SFTPFactory(remotePath, knownHosts string) FetcherFactory {
	return func(conn settings.Connection) (transfer.Fetcher, error) {
		return transfer.NewSFTP(transfer.SFTPConfig{
			Addr:       conn.Address(),
			User:       conn.Username,
			Password:   conn.Password,
			RemotePath: remotePath,
			KnownHosts: knownHosts,
		}), nil
	}
}

// BlobFactory ignores the saved host and reads the ledger object from a
// bucket.
func BlobFactory(bucketURL, key string) FetcherFactory {
	return func(settings.Connection) (transfer.Fetcher, error) {
		return transfer.NewBlob(bucketURL, key), nil
	}
}

// Options tunes a Client.
type Options struct {
	// Timeout bounds a whole Download. Zero means two minutes.
	Timeout     time.Duration
	PerRecordIV bool
	Metrics     *metrics.Registry
}

// Client downloads the collector's ledger over the saved connection and
// merges it into a series store.
type Client struct {
	vault   *settings.Vault
	ledger  *ledger.Ledger
	fetcher FetcherFactory
	timeout time.Duration
	opts    []codec.Option
	metrics *metrics.Registry
}

// New returns a Client writing the downloaded ledger to l. f builds the
// transport for each download from the saved connection.
func New(vault *settings.Vault, l *ledger.Ledger, f FetcherFactory, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	var copts []codec.Option
	if opts.PerRecordIV {
		copts = append(copts, codec.WithRandomIV())
	}
	return &Client{
		vault:   vault,
		ledger:  l,
		fetcher: f,
		timeout: opts.Timeout,
		opts:    copts,
		metrics: opts.Metrics,
	}
}

// Download fetches the remote ledger over the saved connection, replaces the
// local ledger with it and probe-decrypts the first record. On success the
// session key is saved so later reloads need not ask for it again.
func (c *Client) Download(ctx context.Context, in SessionInput) Result {
	start := time.Now()
	res := c.download(ctx, in)
	c.metrics.RecordSync(res.Outcome.String(), time.Since(start).Seconds())
	return res
}

func (c *Client) download(ctx context.Context, in SessionInput) Result {
	res := Result{SyncID: uuid.NewString()}
	logger := log.With().Str("sync_id", res.SyncID).Logger()
	fail := func(o Outcome, err error) Result {
		res.Outcome, res.Err = o, err
		logger.Warn().Err(err).Str("outcome", o.String()).Msg("Download failed")
		return res
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := c.vault.Load()
	if err != nil {
		return fail(SettingsNotFound, err)
	}
	if conn == nil {
		return fail(SettingsNotFound, errors.New("no connection settings saved"))
	}

	session, err := c.resolveSession(*conn, in)
	if err != nil {
		return fail(CryptoError, err)
	}

	fetcher, err := c.fetcher(*conn)
	if err != nil {
		return fail(ConnectionError, fmt.Errorf("%w: %w", transfer.ErrConnection, err))
	}

	logger.Info().Str("host", conn.Address()).Msg("Downloading remote ledger")
	var buf bytes.Buffer
	n, err := fetcher.Fetch(ctx, &buf)
	if err != nil {
		return fail(ConnectionError, err)
	}
	res.Bytes = n

	if _, err := c.ledger.Replace(&buf); err != nil {
		return fail(ConnectionError, err)
	}

	count, err := c.probe(session)
	res.Records = count
	switch {
	case errors.Is(err, errEmpty):
		logger.Info().Int64("bytes", n).Msg("Remote ledger is empty, session key not saved")
		res.Outcome = Success
		res.session = session
		return res
	case errors.Is(err, ledger.ErrIO):
		return fail(ConnectionError, err)
	case err != nil:
		return fail(CryptoError, err)
	}

	res.Outcome = Success
	res.session = session
	res.Persisted = c.persist(session, logger)
	logger.Info().Int64("bytes", n).Int("records", count).Bool("key_saved", res.Persisted).Msg("Remote ledger downloaded")
	return res
}

func (c *Client) resolveSession(conn settings.Connection, in SessionInput) (keys.SessionKey, error) {
	if in.empty() {
		if !conn.HasSession() {
			return keys.SessionKey{}, errNoSession
		}
		return conn.Session()
	}
	return keys.ParseSession(in.Key, in.IV)
}

// probe decrypts the first well-formed record and counts the rest.
func (c *Client) probe(session keys.SessionKey) (int, error) {
	cd := codec.New(session.Material, c.opts...)
	count := 0
	var probeErr error
	for rec, err := range c.ledger.Records() {
		var le *ledger.LineError
		if errors.As(err, &le) {
			continue
		}
		if err != nil {
			return count, err
		}
		count++
		if count > 1 {
			continue
		}
		plain, err := cd.Decrypt(rec.Ciphertext)
		if err != nil {
			probeErr = fmt.Errorf("probe %s: %w", rec.Timestamp, err)
			continue
		}
		if _, err := price.ParsePlaintext(plain); err != nil {
			probeErr = fmt.Errorf("probe %s: %w", rec.Timestamp, err)
		}
	}
	if count == 0 {
		return 0, errEmpty
	}
	return count, probeErr
}

func (c *Client) persist(session keys.SessionKey, logger zerolog.Logger) bool {
	err := c.vault.Update(func(cur *settings.Connection) (settings.Connection, error) {
		if cur == nil {
			return settings.Connection{}, errors.New("settings removed during download")
		}
		next := *cur
		next.SessionKey, next.SessionIV = session.KeyHex(), session.IVHex()
		return next, nil
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to save session key")
		return false
	}
	return true
}

// Sync runs Download and, on Success, merges the local ledger into store.
func (c *Client) Sync(ctx context.Context, store *series.Store, in SessionInput) (Result, series.Report, error) {
	res := c.Download(ctx, in)
	if res.Outcome != Success {
		return res, series.Report{}, nil
	}
	rep, err := store.Merge(c.ledger.Records(), res.session, c.opts...)
	return res, rep, err
}

// Reload merges the local ledger without downloading, using the saved
// session key.
func (c *Client) Reload(store *series.Store) (series.Report, error) {
	conn, err := c.vault.Load()
	if err != nil {
		return series.Report{}, err
	}
	if conn == nil || !conn.HasSession() {
		return series.Report{}, errNoSession
	}
	session, err := conn.Session()
	if err != nil {
		return series.Report{}, err
	}
	return store.Merge(c.ledger.Records(), session, c.opts...)
}
