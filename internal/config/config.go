// Package config loads mobdtimer settings from defaults, an optional TOML
// file, MOBDTIMER_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/openpubmobus/mobdtimer/internal/git"
	"github.com/openpubmobus/mobdtimer/internal/logger"
	"github.com/openpubmobus/mobdtimer/internal/store"
	"github.com/openpubmobus/mobdtimer/internal/store/factory"
	"github.com/openpubmobus/mobdtimer/internal/store/firebase"
)

// EnvPrefix prefixes every environment variable, e.g. MOBDTIMER_STORE_URL.
const EnvPrefix = "MOBDTIMER"

// FileName is looked up in the working directory, then in $HOME.
const FileName = ".mobdtimer.toml"

type Config struct {
	StoreURL     string        `toml:"store_url" mapstructure:"store_url"`
	RemoteURL    string        `toml:"remote_url" mapstructure:"remote_url"` // skips git when set
	RepoDir      string        `toml:"repo_dir" mapstructure:"repo_dir"`
	Remote       string        `toml:"remote" mapstructure:"remote"`
	User         string        `toml:"user" mapstructure:"user"`
	MetricsAddr  string        `toml:"metrics_addr" mapstructure:"metrics_addr"`
	Timeout      time.Duration `toml:"timeout" mapstructure:"timeout"`
	PollInterval time.Duration `toml:"poll_interval" mapstructure:"poll_interval"`
	Log          logger.Config `toml:"log" mapstructure:"log"`
}

// flagKeys maps command-line flag names to config keys.
var flagKeys = map[string]string{
	"store-url":    "store_url",
	"remote-url":   "remote_url",
	"repo-dir":     "repo_dir",
	"remote":       "remote",
	"user":         "user",
	"metrics-addr": "metrics_addr",
	"timeout":      "timeout",
	"log-file":     "log.file",
	"log-level":    "log.level",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store_url", firebase.DefaultBaseURL)
	v.SetDefault("remote_url", "")
	v.SetDefault("repo_dir", ".")
	v.SetDefault("remote", git.DefaultRemote)
	v.SetDefault("user", "")
	v.SetDefault("metrics_addr", "")
	v.SetDefault("timeout", store.DefaultTimeout)
	v.SetDefault("poll_interval", store.DefaultPollInterval)
	v.SetDefault("log.file", "")
	v.SetDefault("log.level", logger.DefaultLevel)
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)
}

// Load builds the configuration. path names an explicit config file, which
// must exist; when empty the default locations are tried. flags may be nil;
// only flags the user actually set override lower layers.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, err
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// findConfigFile returns the first existing default config file, or "".
func findConfigFile() string {
	candidates := []string{FileName}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, FileName))
	}
	for _, p := range candidates {
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			return p
		}
	}
	return ""
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if _, _, err := factory.Resolve(c.StoreURL); err != nil {
		errs = append(errs, fmt.Errorf("store_url: %w", err))
	}
	if c.RemoteURL == "" && strings.TrimSpace(c.Remote) == "" {
		errs = append(errs, errors.New("remote: must not be empty"))
	}
	if c.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("timeout: must be positive, got %s", c.Timeout))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll_interval: must be positive, got %s", c.PollInterval))
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	return errors.Join(errs...)
}

// StoreConfig returns the backend-independent store options.
func (c Config) StoreConfig() store.Config {
	return store.Config{Timeout: c.Timeout, PollInterval: c.PollInterval}
}
