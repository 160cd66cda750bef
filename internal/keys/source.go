package keys

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/RTX-TreDiX/GCPMS/internal/fileio"
)

// Environment variables that override the key source file.
const (
	EnvSessionKey = "GCPMS_SESSION_KEY"
	EnvSessionIV  = "GCPMS_SESSION_IV"
)

// fileSource is the on-disk shape of the key configuration.
type fileSource struct {
	Key string `yaml:"key"`
	IV  string `yaml:"iv"`
}

// Load returns the session key for the collector.
//
// Environment overrides win. Otherwise the YAML file at path is read; when it
// does not exist a random pair is generated and written there first.
// Malformed content returns ErrConfigInvalid and nothing is written.
func Load(path string) (SessionKey, error) {
	if k, v := os.Getenv(EnvSessionKey), os.Getenv(EnvSessionIV); k != "" || v != "" {
		sk, err := ParseSession(k, v)
		if err != nil {
			return SessionKey{}, fmt.Errorf("%s/%s: %w", EnvSessionKey, EnvSessionIV, err)
		}
		log.Debug().Msg("session key loaded from environment")
		return sk, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return bootstrap(path)
	}
	if err != nil {
		return SessionKey{}, fmt.Errorf("read key source %s: %w", path, err)
	}

	var src fileSource
	if err := yaml.Unmarshal(data, &src); err != nil {
		return SessionKey{}, fmt.Errorf("%w: parse %s: %v", ErrConfigInvalid, path, err)
	}
	sk, err := ParseSession(src.Key, src.IV)
	if err != nil {
		return SessionKey{}, fmt.Errorf("%s: %w", path, err)
	}
	return sk, nil
}

// Save writes session material as a YAML key source with mode 0600.
func Save(path string, sk SessionKey) error {
	data, err := yaml.Marshal(fileSource{Key: sk.KeyHex(), IV: sk.IVHex()})
	if err != nil {
		return fmt.Errorf("encode key source: %w", err)
	}
	if err := fileio.WriteFileAtomic(path, data, 0o600); err != nil {
		return fmt.Errorf("write key source %s: %w", path, err)
	}
	return nil
}

func bootstrap(path string) (SessionKey, error) {
	sk, err := Generate()
	if err != nil {
		return SessionKey{}, err
	}
	if err := Save(path, sk); err != nil {
		return SessionKey{}, err
	}
	log.Warn().Str("path", path).Str("hash", sk.Hash()).Msg("no key source found, bootstrapped new session key")
	return sk, nil
}
