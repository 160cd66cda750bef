// Package codec implements the symmetric primitive shared by the ledger and
// the settings vault: AES-256-CBC with PKCS#7 padding, base64 encoded.
//
// The default mode reuses the configured IV for every message, so equal
// plaintexts produce equal ciphertexts. Existing ledgers and settings files
// depend on that format. New deployments can opt into WithRandomIV, which
// prepends a fresh IV to each ciphertext.
package codec

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/RTX-TreDiX/GCPMS/internal/keys"
)

// ErrCrypto is returned for every decrypt failure.
var ErrCrypto = errors.New("decrypt failed")

// Option configures a Codec.
type Option func(*Codec)

// WithRandomIV makes Encrypt draw a random IV per message and store it in
// front of the ciphertext. Decrypt then reads the IV from the message.
func WithRandomIV() Option {
	return func(c *Codec) { c.randomIV = true }
}

// Codec encrypts and decrypts under one key/IV pair.
type Codec struct {
	block    cipher.Block
	iv       [aes.BlockSize]byte
	randomIV bool
}

// New builds a codec for m.
func New(m keys.Material, opts ...Option) *Codec {
	block, err := aes.NewCipher(m.Key[:])
	if err != nil {
		// Key is a fixed 32-byte array, aes.NewCipher cannot reject it.
		panic(err)
	}
	c := &Codec{block: block, iv: m.IV}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Encrypt returns base64(AES-CBC(pad(plaintext))).
func (c *Codec) Encrypt(plaintext string) (string, error) {
	padded := pad([]byte(plaintext))

	if !c.randomIV {
		out := make([]byte, len(padded))
		cipher.NewCBCEncrypter(c.block, c.iv[:]).CryptBlocks(out, padded)
		return base64.StdEncoding.EncodeToString(out), nil
	}

	out := make([]byte, aes.BlockSize+len(padded))
	iv := out[:aes.BlockSize]
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("random iv: %w", err)
	}
	cipher.NewCBCEncrypter(c.block, iv).CryptBlocks(out[aes.BlockSize:], padded)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt. Any failure wraps ErrCrypto.
func (c *Codec) Decrypt(ciphertextB64 string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return "", fmt.Errorf("%w: base64: %v", ErrCrypto, err)
	}

	iv := c.iv[:]
	if c.randomIV {
		if len(raw) < aes.BlockSize {
			return "", fmt.Errorf("%w: message shorter than iv", ErrCrypto)
		}
		iv, raw = raw[:aes.BlockSize], raw[aes.BlockSize:]
	}

	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return "", fmt.Errorf("%w: ciphertext length %d is not a positive multiple of %d", ErrCrypto, len(raw), aes.BlockSize)
	}

	out := make([]byte, len(raw))
	cipher.NewCBCDecrypter(c.block, iv).CryptBlocks(out, raw)

	plain, err := unpad(out)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// Encrypt encrypts plaintext under key/iv in the fixed-IV mode.
func Encrypt(plaintext string, m keys.Material) (string, error) {
	return New(m).Encrypt(plaintext)
}

// Decrypt decrypts ciphertextB64 under key/iv in the fixed-IV mode.
func Decrypt(ciphertextB64 string, m keys.Material) (string, error) {
	return New(m).Decrypt(ciphertextB64)
}

func pad(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize
	return append(append(make([]byte, 0, len(b)+n), b...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte) ([]byte, error) {
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, fmt.Errorf("%w: bad padding", ErrCrypto)
	}
	for _, v := range b[len(b)-n:] {
		if int(v) != n {
			return nil, fmt.Errorf("%w: bad padding", ErrCrypto)
		}
	}
	return b[:len(b)-n], nil
}
