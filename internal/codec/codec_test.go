package codec

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RTX-TreDiX/GCPMS/internal/keys"
)

func testMaterial(t *testing.T) keys.Material {
	t.Helper()
	m, err := keys.ParseMaterial(
		"000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f",
		"f0e0d0c0b0a090807060504030201000",
	)
	require.NoError(t, err)
	return m
}

func TestEncrypt_KnownVector(t *testing.T) {
	// Produced with `openssl enc -aes-256-cbc` (PKCS#7), the format written by
	// existing collectors.
	got, err := Encrypt("120000,95000,7800000,88000000", testMaterial(t))
	require.NoError(t, err)
	assert.Equal(t, "aw0mUBp0rQH6YYxt1DZlTc8LuSh2jXvNhWC2pUFBWjE=", got)

	empty, err := Encrypt("", testMaterial(t))
	require.NoError(t, err)
	assert.Equal(t, "bcL6bJ1IOEkpCdz03UmQlw==", empty)
}

func TestRoundTrip(t *testing.T) {
	m := testMaterial(t)
	inputs := []string{
		"",
		"a",
		"exactly16bytes!!",
		"120000,95000,7800000,88000000",
		"host.example,22,debian,p@ss,0123,abcd",
		"unicode ✓ تتر",
	}
	for _, mode := range []struct {
		name string
		opts []Option
	}{
		{"fixed", nil},
		{"random", []Option{WithRandomIV()}},
	} {
		c := New(m, mode.opts...)
		for _, in := range inputs {
			ct, err := c.Encrypt(in)
			require.NoError(t, err)
			out, err := c.Decrypt(ct)
			require.NoError(t, err, "%s mode, input %q", mode.name, in)
			assert.Equal(t, in, out)
		}
	}
}

func TestEncrypt_FixedIVIsDeterministic(t *testing.T) {
	c := New(testMaterial(t))
	a, _ := c.Encrypt("1,2,3,4")
	b, _ := c.Encrypt("1,2,3,4")
	assert.Equal(t, a, b)
}

func TestEncrypt_RandomIVDiffers(t *testing.T) {
	c := New(testMaterial(t), WithRandomIV())
	a, _ := c.Encrypt("1,2,3,4")
	b, _ := c.Encrypt("1,2,3,4")
	assert.NotEqual(t, a, b)
}

func TestDecrypt_Failures(t *testing.T) {
	c := New(testMaterial(t))
	valid, _ := c.Encrypt("1,2,3,4")
	raw, _ := base64.StdEncoding.DecodeString(valid)

	cases := map[string]string{
		"bad base64":      "not*base64",
		"empty":           "",
		"not block sized": base64.StdEncoding.EncodeToString(raw[:10]),
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := c.Decrypt(in)
			assert.ErrorIs(t, err, ErrCrypto)
		})
	}
}

func TestDecrypt_WrongKeyFailsOrDiffers(t *testing.T) {
	m := testMaterial(t)
	other := m
	other.Key[0] ^= 0xff

	ct, err := New(m).Encrypt("120000,95000,7800000,88000000")
	require.NoError(t, err)

	// A wrong key almost always breaks the padding; when it does not, the
	// plaintext still cannot match.
	out, err := New(other).Decrypt(ct)
	if err == nil {
		assert.NotEqual(t, "120000,95000,7800000,88000000", out)
	} else {
		assert.ErrorIs(t, err, ErrCrypto)
	}
}

func TestDecrypt_RandomModeShortMessage(t *testing.T) {
	c := New(testMaterial(t), WithRandomIV())
	_, err := c.Decrypt(base64.StdEncoding.EncodeToString([]byte("short")))
	assert.ErrorIs(t, err, ErrCrypto)
}

func TestUnpad_RejectsInconsistentBytes(t *testing.T) {
	block := make([]byte, 16)
	block[15] = 4
	block[14] = 4
	block[13] = 3
	block[12] = 4
	_, err := unpad(block)
	assert.ErrorIs(t, err, ErrCrypto)

	block[15] = 0
	_, err = unpad(block)
	assert.ErrorIs(t, err, ErrCrypto)
}
