// Package config loads application configuration: defaults, an optional
// YAML file, and DOXIE_-prefixed environment overrides (so e.g.
// DOXIE_VAULT_PATH relocates the credential store without a file edit).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Configuration keys.
const (
	KeyOutputDir         = "output.dir"
	KeyOutputKeepLocal   = "output.keep_local"
	KeyVaultPath         = "vault.path"
	KeyDiscoveryWindow   = "discovery.window"
	KeyDeviceTimeout     = "device.timeout"
	KeySchedulerInterval = "scheduler.interval"
	KeySchedulerBackoff  = "scheduler.max_backoff"
	KeyNotifyEnabled     = "notify.enabled"
	KeyNotifyHost        = "notify.smtp.host"
	KeyNotifyPort        = "notify.smtp.port"
	KeyNotifyFrom        = "notify.smtp.from"
	KeyNotifyTo          = "notify.smtp.to"
	KeyNotifyUsername    = "notify.smtp.username"
	KeyNotifyPassword    = "notify.smtp.password"
	KeyNotifySubject     = "notify.smtp.subject"
)

// Load builds the configuration. path may be empty, in which case only
// defaults and environment overrides apply; a named file that does not
// exist is an error (a typo should not silently run with defaults).
func Load(path string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DOXIE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}
	return v, nil
}

func setDefaults(v *viper.Viper) {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	v.SetDefault(KeyOutputDir, filepath.Join(home, "doxie-scans"))
	v.SetDefault(KeyOutputKeepLocal, false)
	v.SetDefault(KeyVaultPath, filepath.Join(home, ".doxie-credentials.yaml"))
	v.SetDefault(KeyDiscoveryWindow, "3s")
	v.SetDefault(KeyDeviceTimeout, "30s")
	v.SetDefault(KeySchedulerInterval, "5m")
	v.SetDefault(KeySchedulerBackoff, "30m")
	v.SetDefault(KeyNotifyEnabled, false)
	v.SetDefault(KeyNotifyPort, 587)
	v.SetDefault(KeyNotifySubject, "New scan from your Doxie")
}
