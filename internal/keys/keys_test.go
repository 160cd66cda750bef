package keys

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testKeyHex = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
	testIVHex  = "f0e0d0c0b0a090807060504030201000"
)

func TestParseMaterial_Valid(t *testing.T) {
	m, err := ParseMaterial(testKeyHex, testIVHex)
	require.NoError(t, err)

	assert.Equal(t, byte(0x1f), m.Key[31])
	assert.Equal(t, byte(0xf0), m.IV[0])
	assert.Equal(t, testKeyHex, m.KeyHex())
	assert.Equal(t, testIVHex, m.IVHex())
}

func TestParseMaterial_RejectsMalformed(t *testing.T) {
	cases := map[string][2]string{
		"short key":     {testKeyHex[:62], testIVHex},
		"long key":      {testKeyHex + "00", testIVHex},
		"uppercase key": {strings.ToUpper(testKeyHex), testIVHex},
		"non-hex key":   {"zz" + testKeyHex[2:], testIVHex},
		"short iv":      {testKeyHex, testIVHex[:30]},
		"uppercase iv":  {testKeyHex, strings.ToUpper(testIVHex)},
		"empty":         {"", ""},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseMaterial(c[0], c[1])
			assert.ErrorIs(t, err, ErrConfigInvalid)
		})
	}
}

func TestMaterial_Hash(t *testing.T) {
	m, err := ParseMaterial(testKeyHex, testIVHex)
	require.NoError(t, err)

	want := sha256.Sum256(append(m.Key[:], m.IV[:]...))
	assert.Equal(t, hex.EncodeToString(want[:]), m.Hash())
	assert.NotContains(t, m.String(), testKeyHex)
}

func TestGenerate_Distinct(t *testing.T) {
	a, err := Generate()
	require.NoError(t, err)
	b, err := Generate()
	require.NoError(t, err)
	assert.NotEqual(t, a.Hash(), b.Hash())
}

func TestApplicationKey_Stable(t *testing.T) {
	assert.Equal(t, ApplicationKey().Hash(), ApplicationKey().Hash())
}

func TestLoad_BootstrapsMissingFile(t *testing.T) {
	t.Setenv(EnvSessionKey, "")
	t.Setenv(EnvSessionIV, "")
	path := filepath.Join(t.TempDir(), "keys.yaml")

	sk, err := Load(path)
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	again, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, sk, again, "second load must read the bootstrapped pair")
}

func TestLoad_ReadsYAML(t *testing.T) {
	t.Setenv(EnvSessionKey, "")
	t.Setenv(EnvSessionIV, "")
	path := filepath.Join(t.TempDir(), "keys.yaml")
	require.NoError(t, os.WriteFile(path, []byte("key: "+testKeyHex+"\niv: "+testIVHex+"\n"), 0o600))

	sk, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, testKeyHex, sk.KeyHex())
}

func TestLoad_InvalidContentWritesNothing(t *testing.T) {
	t.Setenv(EnvSessionKey, "")
	t.Setenv(EnvSessionIV, "")
	dir := t.TempDir()
	path := filepath.Join(dir, "keys.yaml")
	original := "key: " + strings.ToUpper(testKeyHex) + "\niv: " + testIVHex + "\n"
	require.NoError(t, os.WriteFile(path, []byte(original), 0o600))

	_, err := Load(path)
	require.ErrorIs(t, err, ErrConfigInvalid)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, original, string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestLoad_GarbageYAML(t *testing.T) {
	t.Setenv(EnvSessionKey, "")
	t.Setenv(EnvSessionIV, "")
	path := filepath.Join(t.TempDir(), "keys.yaml")
	require.NoError(t, os.WriteFile(path, []byte("key: [unterminated"), 0o600))

	_, err := Load(path)
	assert.ErrorIs(t, err, ErrConfigInvalid)
}

func TestLoad_EnvironmentOverride(t *testing.T) {
	t.Setenv(EnvSessionKey, testKeyHex)
	t.Setenv(EnvSessionIV, testIVHex)
	path := filepath.Join(t.TempDir(), "keys.yaml")

	sk, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, testIVHex, sk.IVHex())

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "env override must not bootstrap a file")
}

func TestLoad_EnvironmentOverrideInvalid(t *testing.T) {
	t.Setenv(EnvSessionKey, testKeyHex)
	t.Setenv(EnvSessionIV, "")

	_, err := Load(filepath.Join(t.TempDir(), "keys.yaml"))
	assert.ErrorIs(t, err, ErrConfigInvalid)
}
