// Package keys loads and validates the AES key material used by the price
// pipeline.
//
// Two kinds of material exist side by side: the SessionKey protects the
// shared price ledger and is supplied by the operator, the AppKey is
// compiled into the client and protects only the local settings file. They
// are distinct types so one can never stand in for the other.
package keys

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32
	// IVSize is the AES block size in bytes.
	IVSize = 16
)

// ErrConfigInvalid marks key material that failed format validation.
var ErrConfigInvalid = errors.New("invalid key material")

var (
	keyPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)
	ivPattern  = regexp.MustCompile(`^[0-9a-f]{32}$`)
)

// Material is a raw key/IV pair.
type Material struct {
	Key [KeySize]byte
	IV  [IVSize]byte
}

// SessionKey protects ledger contents.
type SessionKey struct{ Material }

// AppKey protects the local connection settings.
type AppKey struct{ Material }

// Hash returns hex(sha256(key || iv)), the ledger validity hash.
func (m Material) Hash() string {
	h := sha256.New()
	h.Write(m.Key[:])
	h.Write(m.IV[:])
	return hex.EncodeToString(h.Sum(nil))
}

// KeyHex returns the key as 64 lowercase hex characters.
func (m Material) KeyHex() string { return hex.EncodeToString(m.Key[:]) }

// IVHex returns the IV as 32 lowercase hex characters.
func (m Material) IVHex() string { return hex.EncodeToString(m.IV[:]) }

// String never prints the secret itself.
func (m Material) String() string {
	return fmt.Sprintf("keys.Material{hash:%s}", m.Hash()[:12])
}

// ParseMaterial validates and decodes a hex key/IV pair.
func ParseMaterial(keyHex, ivHex string) (Material, error) {
	var m Material
	if !keyPattern.MatchString(keyHex) {
		return m, fmt.Errorf("%w: key must be 64 lowercase hex characters (got %d chars)", ErrConfigInvalid, len(keyHex))
	}
	if !ivPattern.MatchString(ivHex) {
		return m, fmt.Errorf("%w: iv must be 32 lowercase hex characters (got %d chars)", ErrConfigInvalid, len(ivHex))
	}
	// Patterns guarantee both decodes succeed.
	hex.Decode(m.Key[:], []byte(keyHex))
	hex.Decode(m.IV[:], []byte(ivHex))
	return m, nil
}

// ParseSession validates a hex pair as session material.
func ParseSession(keyHex, ivHex string) (SessionKey, error) {
	m, err := ParseMaterial(keyHex, ivHex)
	if err != nil {
		return SessionKey{}, fmt.Errorf("session key: %w", err)
	}
	return SessionKey{m}, nil
}

// ParseApp validates a hex pair as application material.
func ParseApp(keyHex, ivHex string) (AppKey, error) {
	m, err := ParseMaterial(keyHex, ivHex)
	if err != nil {
		return AppKey{}, fmt.Errorf("application key: %w", err)
	}
	return AppKey{m}, nil
}

// Generate returns fresh session material from crypto/rand.
func Generate() (SessionKey, error) {
	var m Material
	if _, err := rand.Read(m.Key[:]); err != nil {
		return SessionKey{}, fmt.Errorf("generate key: %w", err)
	}
	if _, err := rand.Read(m.IV[:]); err != nil {
		return SessionKey{}, fmt.Errorf("generate iv: %w", err)
	}
	return SessionKey{m}, nil
}

const (
	appKeyHex = "6acbe2c3a12c9fbf8a76cd1185dc874f8def2b8f0a81bf146ae39405a357ef79"
	appIVHex  = "a96808845430d3e213c059a6c9979f39"
)

// ApplicationKey returns the compiled-in key protecting settings files.
// Changing it makes every existing settings file unreadable.
func ApplicationKey() AppKey {
	k, err := ParseApp(appKeyHex, appIVHex)
	if err != nil {
		panic(err)
	}
	return k
}
