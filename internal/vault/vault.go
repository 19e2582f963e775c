// Package vault resolves device credentials from a keyed secrets file.
//
// The store maps hardware addresses to passwords:
//
//	devices:
//	  "00:1d:a5:05:91:e2":
//	    password: hunter2
//
// Credentials are provisioned out-of-band by an operator; a missing entry
// is surfaced as ErrCredentialNotFound, never retried.
package vault

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// ErrCredentialNotFound indicates the store has no secret on file for the
// requested device.
var ErrCredentialNotFound = errors.New("credential not found")

// FileVault is a read-only credential resolver backed by a YAML file.
// It is safe for concurrent lookups: the file is read once at Open and
// never mutated afterwards.
type FileVault struct {
	path   string
	v      *viper.Viper
	logger *zap.Logger
}

// Open reads the store at path. A missing file is not an error: it
// behaves as an empty store where every lookup fails not-found, so a
// deployment with only unprotected scanners needs no file at all.
func Open(path string, logger *zap.Logger) (*FileVault, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		if os.IsNotExist(err) {
			logger.Debug("credential store missing, treating as empty",
				zap.String("path", path))
			return &FileVault{path: path, v: viper.New(), logger: logger}, nil
		}
		return nil, fmt.Errorf("reading credential store %s: %w", path, err)
	}
	return &FileVault{path: path, v: v, logger: logger}, nil
}

// Resolve returns the password for the device with the given hardware
// address. Lookup is case-insensitive on the address.
func (fv *FileVault) Resolve(deviceID string) (string, error) {
	key := "devices." + strings.ToLower(deviceID) + ".password"
	if !fv.v.IsSet(key) {
		return "", fmt.Errorf("%w: no entry for %s in %s", ErrCredentialNotFound, deviceID, fv.path)
	}
	return fv.v.GetString(key), nil
}
