package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete gcpms configuration. Zero values are replaced by
// Default() values on load.
type Config struct {
	Paths     PathsConfig     `yaml:"paths"`
	Collector CollectorConfig `yaml:"collector"`
	Cache     CacheConfig     `yaml:"cache"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Sync      SyncConfig      `yaml:"sync"`
	Archive   ArchiveConfig   `yaml:"archive"`
	HTTP      HTTPConfig      `yaml:"http"`
	Log       LogConfig       `yaml:"log"`
}

// PathsConfig locates the files both sides work with
type PathsConfig struct {
	KeyFile  string `yaml:"key_file"` // session key source (collector)
	Ledger   string `yaml:"ledger"`   // encrypted price ledger
	KeyHash  string `yaml:"key_hash"` // validity hash marker (collector)
	Settings string `yaml:"settings"` // encrypted connection settings (client)
}

// FieldIDs are the page element IDs holding each price
type FieldIDs struct {
	Tether string `yaml:"tether"`
	USD    string `yaml:"usd"`
	Gold   string `yaml:"gold"`
	Coin   string `yaml:"coin"`
}

// CollectorConfig drives the server side scrape loop
type CollectorConfig struct {
	URL            string        `yaml:"url"`
	UserAgent      string        `yaml:"user_agent"`
	Interval       time.Duration `yaml:"interval"`
	Attempts       int           `yaml:"attempts"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	RPS            float64       `yaml:"rps"`
	Burst          int           `yaml:"burst"`
	BreakerTimeout time.Duration `yaml:"breaker_timeout"`
	Fields         FieldIDs      `yaml:"fields"`
	MetricsAddr    string        `yaml:"metrics_addr"`
}

// CacheConfig selects the page cache. An empty RedisAddr keeps it in process.
type CacheConfig struct {
	RedisAddr string        `yaml:"redis_addr"`
	Prefix    string        `yaml:"prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// LedgerConfig selects the ledger encryption mode. Both sides must agree.
type LedgerConfig struct {
	PerRecordIV bool `yaml:"per_record_iv"`
}

// SyncConfig describes where the client fetches the ledger from
type SyncConfig struct {
	Transport  string        `yaml:"transport"` // sftp or blob
	RemotePath string        `yaml:"remote_path"`
	KnownHosts string        `yaml:"known_hosts"`
	BlobURL    string        `yaml:"blob_url"`
	BlobKey    string        `yaml:"blob_key"`
	Timeout    time.Duration `yaml:"timeout"`
}

// ArchiveConfig holds the optional Postgres mirror settings
type ArchiveConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
}

// HTTPConfig configures gcpms serve.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig configures the global zerolog logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json
}

const (
	TransportSFTP = "sftp"
	TransportBlob = "blob"
)

// Default returns the configuration used when no file is present
func Default() Config {
	return Config{
		Paths: PathsConfig{
			KeyFile:  "session_key.yaml",
			Ledger:   "Prices.csv",
			KeyHash:  "key_hash.txt",
			Settings: "settings.csv",
		},
		Collector: CollectorConfig{
			URL:            "https://www.tgju.org/",
			UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36",
			Interval:       30 * time.Minute,
			Attempts:       3,
			RetryDelay:     5 * time.Second,
			RequestTimeout: 20 * time.Second,
			RPS:            1,
			Burst:          4,
			BreakerTimeout: time.Minute,
			Fields: FieldIDs{
				Tether: "l-crypto-tether-irr",
				USD:    "l-price_dollar_rl",
				Gold:   "l-geram18",
				Coin:   "l-sekee",
			},
		},
		Cache: CacheConfig{
			Prefix: "gcpms:page:",
			TTL:    30 * time.Second,
		},
		Sync: SyncConfig{
			Transport:  TransportSFTP,
			RemotePath: "/home/debian/Prices.csv",
			BlobKey:    "Prices.csv",
			Timeout:    2 * time.Minute,
		},
		Archive: ArchiveConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			QueryTimeout:    30 * time.Second,
		},
		HTTP: HTTPConfig{Addr: ":8080"},
		Log:  LogConfig{Level: "info", Format: "console"},
	}
}

// Load reads the YAML file at path on top of Default(), then applies GCPMS_*
// environment overrides and validates. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.fillDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// fillDefaults restores defaults for values a file explicitly zeroed.
func (c *Config) fillDefaults() {
	d := Default()
	setStr := func(v *string, def string) {
		if *v == "" {
			*v = def
		}
	}
	setDur := func(v *time.Duration, def time.Duration) {
		if *v <= 0 {
			*v = def
		}
	}

	setStr(&c.Paths.KeyFile, d.Paths.KeyFile)
	setStr(&c.Paths.Ledger, d.Paths.Ledger)
	setStr(&c.Paths.KeyHash, d.Paths.KeyHash)
	setStr(&c.Paths.Settings, d.Paths.Settings)

	setStr(&c.Collector.URL, d.Collector.URL)
	setStr(&c.Collector.UserAgent, d.Collector.UserAgent)
	setDur(&c.Collector.Interval, d.Collector.Interval)
	// Zero is a valid retry delay (retry immediately).
	if c.Collector.RetryDelay < 0 {
		c.Collector.RetryDelay = d.Collector.RetryDelay
	}
	setDur(&c.Collector.RequestTimeout, d.Collector.RequestTimeout)
	setDur(&c.Collector.BreakerTimeout, d.Collector.BreakerTimeout)
	if c.Collector.Attempts <= 0 {
		c.Collector.Attempts = d.Collector.Attempts
	}
	if c.Collector.Burst <= 0 {
		c.Collector.Burst = d.Collector.Burst
	}
	setStr(&c.Collector.Fields.Tether, d.Collector.Fields.Tether)
	setStr(&c.Collector.Fields.USD, d.Collector.Fields.USD)
	setStr(&c.Collector.Fields.Gold, d.Collector.Fields.Gold)
	setStr(&c.Collector.Fields.Coin, d.Collector.Fields.Coin)

	setStr(&c.Cache.Prefix, d.Cache.Prefix)
	setDur(&c.Cache.TTL, d.Cache.TTL)

	setStr(&c.Sync.Transport, d.Sync.Transport)
	setStr(&c.Sync.RemotePath, d.Sync.RemotePath)
	setStr(&c.Sync.BlobKey, d.Sync.BlobKey)
	setDur(&c.Sync.Timeout, d.Sync.Timeout)

	if c.Archive.MaxOpenConns <= 0 {
		c.Archive.MaxOpenConns = d.Archive.MaxOpenConns
	}
	if c.Archive.MaxIdleConns <= 0 {
		c.Archive.MaxIdleConns = d.Archive.MaxIdleConns
	}
	setDur(&c.Archive.ConnMaxLifetime, d.Archive.ConnMaxLifetime)
	setDur(&c.Archive.QueryTimeout, d.Archive.QueryTimeout)

	setStr(&c.HTTP.Addr, d.HTTP.Addr)
	setStr(&c.Log.Level, d.Log.Level)
	setStr(&c.Log.Format, d.Log.Format)
}

// applyEnv overlays GCPMS_* variables. lookup is os.LookupEnv outside tests.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"GCPMS_LEDGER_PATH":      &c.Paths.Ledger,
		"GCPMS_KEY_FILE":         &c.Paths.KeyFile,
		"GCPMS_KEY_HASH_PATH":    &c.Paths.KeyHash,
		"GCPMS_SETTINGS_PATH":    &c.Paths.Settings,
		"GCPMS_COLLECTOR_URL":    &c.Collector.URL,
		"GCPMS_METRICS_ADDR":     &c.Collector.MetricsAddr,
		"GCPMS_REDIS_ADDR":       &c.Cache.RedisAddr,
		"GCPMS_SYNC_TRANSPORT":   &c.Sync.Transport,
		"GCPMS_SYNC_BLOB_URL":    &c.Sync.BlobURL,
		"GCPMS_SYNC_KNOWN_HOSTS": &c.Sync.KnownHosts,
		"GCPMS_ARCHIVE_DSN":      &c.Archive.DSN,
		"GCPMS_HTTP_ADDR":        &c.HTTP.Addr,
		"GCPMS_LOG_LEVEL":        &c.Log.Level,
		"GCPMS_LOG_FORMAT":       &c.Log.Format,
	}
	for name, dst := range str {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}

	if v, ok := lookup("GCPMS_COLLECTOR_INTERVAL"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("GCPMS_COLLECTOR_INTERVAL: %w", err)
		}
		c.Collector.Interval = d
	}
	if v, ok := lookup("GCPMS_LEDGER_PER_RECORD_IV"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("GCPMS_LEDGER_PER_RECORD_IV: %w", err)
		}
		c.Ledger.PerRecordIV = b
	}
	if v, ok := lookup("GCPMS_ARCHIVE_ENABLED"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("GCPMS_ARCHIVE_ENABLED: %w", err)
		}
		c.Archive.Enabled = b
	}
	return nil
}

// Validate ensures the configuration is usable
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.Collector.URL, "http://") && !strings.HasPrefix(c.Collector.URL, "https://") {
		return fmt.Errorf("collector.url must be http(s): %q", c.Collector.URL)
	}
	if c.Collector.RPS < 0 {
		return fmt.Errorf("collector.rps must be >= 0")
	}
	switch c.Sync.Transport {
	case TransportSFTP:
	case TransportBlob:
		if c.Sync.BlobURL == "" {
			return fmt.Errorf("sync.blob_url is required for the blob transport")
		}
	default:
		return fmt.Errorf("sync.transport must be %q or %q, got %q", TransportSFTP, TransportBlob, c.Sync.Transport)
	}
	if c.Archive.Enabled && c.Archive.DSN == "" {
		return fmt.Errorf("archive.dsn is required when the archive is enabled")
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}
	return nil
}
