// Package settings persists the client's connection settings as a single
// line encrypted under the application key.
package settings

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/RTX-TreDiX/GCPMS/internal/codec"
	"github.com/RTX-TreDiX/GCPMS/internal/fileio"
	"github.com/RTX-TreDiX/GCPMS/internal/keys"
)

const delimiter = ","

var (
	// ErrUndecryptable means a settings file exists but the application key
	// cannot decrypt it.
	ErrUndecryptable = errors.New("settings cannot be decrypted with the application key")
	// ErrValidation marks a malformed settings row or an invalid field.
	ErrValidation = errors.New("invalid settings")
)

// Connection holds everything needed to reach the remote ledger.
type Connection struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password,omitempty"`

	// Session key material remembered after a successful download.
	SessionKey string `json:"session_key,omitempty"`
	SessionIV  string `json:"session_iv,omitempty"`
}

// HasSession reports whether a session key pair is stored.
func (c Connection) HasSession() bool { return c.SessionKey != "" && c.SessionIV != "" }

// Session parses the stored session key pair.
func (c Connection) Session() (keys.SessionKey, error) {
	return keys.ParseSession(c.SessionKey, c.SessionIV)
}

// Address returns host:port.
func (c Connection) Address() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

// Redacted returns a copy safe for logs and API responses.
func (c Connection) Redacted() Connection {
	if c.Password != "" {
		c.Password = "********"
	}
	if c.SessionKey != "" {
		c.SessionKey = "********"
	}
	if c.SessionIV != "" {
		c.SessionIV = "********"
	}
	return c
}

// Validate checks the fields can be stored and read back.
func (c Connection) Validate() error {
	if strings.TrimSpace(c.Host) == "" {
		return fmt.Errorf("%w: host is required", ErrValidation)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrValidation, c.Port)
	}
	if c.Username == "" {
		return fmt.Errorf("%w: username is required", ErrValidation)
	}
	for name, v := range map[string]string{
		"host": c.Host, "username": c.Username, "password": c.Password,
		"session_key": c.SessionKey, "session_iv": c.SessionIV,
	} {
		if strings.ContainsAny(v, delimiter+"\r\n") {
			return fmt.Errorf("%w: %s must not contain %q or line breaks", ErrValidation, name, delimiter)
		}
	}
	if (c.SessionKey == "") != (c.SessionIV == "") {
		return fmt.Errorf("%w: session key and iv must be set together", ErrValidation)
	}
	if c.HasSession() {
		if _, err := c.Session(); err != nil {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}
	return nil
}

func (c Connection) row() string {
	fields := []string{c.Host, strconv.Itoa(c.Port), c.Username, c.Password}
	if c.HasSession() {
		fields = append(fields, c.SessionKey, c.SessionIV)
	}
	return strings.Join(fields, delimiter)
}

func parseRow(row string) (*Connection, error) {
	fields := strings.Split(row, delimiter)
	if len(fields) != 4 && len(fields) != 6 {
		return nil, fmt.Errorf("%w: want 4 or 6 fields, got %d", ErrValidation, len(fields))
	}
	port, err := strconv.Atoi(strings.TrimSpace(fields[1]))
	if err != nil {
		return nil, fmt.Errorf("%w: port %q", ErrValidation, fields[1])
	}
	c := &Connection{
		Host:     strings.TrimSpace(fields[0]),
		Port:     port,
		Username: fields[2],
		Password: fields[3],
	}
	if len(fields) == 6 {
		c.SessionKey, c.SessionIV = fields[4], fields[5]
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Vault reads and writes the settings file. Every operation holds an
// exclusive lock on settings.csv.lock, so a CLI edit and a running server's
// session update cannot lose each other's writes.
type Vault struct {
	path  string
	codec *codec.Codec
	lock  *fileio.FileLock
}

// NewVault returns a vault for path protected by appKey.
func NewVault(path string, appKey keys.AppKey) *Vault {
	return &Vault{
		path:  path,
		codec: codec.New(appKey.Material),
		lock:  fileio.NewFileLock(path),
	}
}

// Path returns the settings file path.
func (v *Vault) Path() string { return v.path }

// Load returns the stored settings. A missing or empty file means the client
// was never configured and yields (nil, nil).
func (v *Vault) Load() (*Connection, error) {
	if err := v.lock.Lock(); err != nil {
		return nil, err
	}
	defer v.lock.Unlock()
	return v.load()
}

// Save replaces the settings file with conn.
func (v *Vault) Save(conn Connection) error {
	if err := v.lock.Lock(); err != nil {
		return err
	}
	defer v.lock.Unlock()
	return v.save(conn)
}

// Update loads the current settings, applies fn and saves the result while
// holding the file lock. fn receives nil when nothing is stored.
func (v *Vault) Update(fn func(cur *Connection) (Connection, error)) error {
	if err := v.lock.Lock(); err != nil {
		return err
	}
	defer v.lock.Unlock()

	cur, err := v.load()
	if err != nil {
		return err
	}
	next, err := fn(cur)
	if err != nil {
		return err
	}
	return v.save(next)
}

// Clear truncates the settings file back to the unconfigured state.
func (v *Vault) Clear() error {
	if err := v.lock.Lock(); err != nil {
		return err
	}
	defer v.lock.Unlock()
	return fileio.WriteFileAtomic(v.path, nil, 0o600)
}

func (v *Vault) load() (*Connection, error) {
	data, err := os.ReadFile(v.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read settings %s: %w", v.path, err)
	}
	content := strings.TrimSpace(string(data))
	if content == "" {
		return nil, nil
	}

	row, err := v.codec.Decrypt(content)
	if err != nil {
		log.Warn().Str("path", v.path).Msg("Settings file present but not decryptable")
		return nil, fmt.Errorf("%w: %v", ErrUndecryptable, err)
	}
	return parseRow(row)
}

func (v *Vault) save(conn Connection) error {
	if err := conn.Validate(); err != nil {
		return err
	}
	ct, err := v.codec.Encrypt(conn.row())
	if err != nil {
		return fmt.Errorf("encrypt settings: %w", err)
	}
	if err := fileio.WriteFileAtomic(v.path, []byte(ct), 0o600); err != nil {
		return fmt.Errorf("write settings %s: %w", v.path, err)
	}
	log.Debug().Str("path", v.path).Str("host", conn.Host).Bool("session", conn.HasSession()).Msg("Settings saved")
	return nil
}
