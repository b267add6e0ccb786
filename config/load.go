package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"

	"github.com/chimerapy/engine/errors"
)

// Load reads configuration from chimerapy.toml (searched upward from the
// working directory, falling back to /etc/chimerapy/config.toml), merges
// CHIMERAPY_-prefixed environment variables over it, and unmarshals the
// result into a Config.
func Load() (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix("CHIMERAPY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	SetDefaults(v)
	BindEnvVars(v)

	if path := findConfigFile(); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	return &cfg, nil
}

// LoadFromFile loads configuration from an explicit TOML path, bypassing
// the upward search and environment-variable layer. Used by tests and by
// callers that already know where their config file lives.
func LoadFromFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", path)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal config from %s", path)
	}
	return &cfg, nil
}

// findConfigFile walks up from the working directory looking for
// chimerapy.toml, falling back to /etc/chimerapy/config.toml.
func findConfigFile() string {
	dir, err := os.Getwd()
	if err == nil {
		for {
			candidate := filepath.Join(dir, "chimerapy.toml")
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
	}

	const systemConfig = "/etc/chimerapy/config.toml"
	if _, err := os.Stat(systemConfig); err == nil {
		return systemConfig
	}
	return ""
}

// WriteDefault writes a Config to path as TOML, used to scaffold a
// starter chimerapy.toml.
func WriteDefault(path string, cfg *Config) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, DefaultFilePermissions)
	if err != nil {
		return errors.Wrapf(err, "failed to create config file %s", path)
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(cfg); err != nil {
		return errors.Wrapf(err, "failed to encode config to %s", path)
	}
	return nil
}
