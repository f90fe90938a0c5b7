package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

const EnvPrefix = "OFFLINE_CACHE_"

// ApplyEnv overrides cfg with OFFLINE_CACHE_* variables from the process
// environment. Unset variables leave the file values in place.
func ApplyEnv(cfg *Config) error {
	return applyEnv(cfg, env.Options{Prefix: EnvPrefix})
}

// ApplyEnvFrom is ApplyEnv over an explicit environment.
func ApplyEnvFrom(cfg *Config, environment map[string]string) error {
	return applyEnv(cfg, env.Options{Prefix: EnvPrefix, Environment: environment})
}

func applyEnv(cfg *Config, opts env.Options) error {
	if cfg == nil {
		return fmt.Errorf("parse env: config is nil")
	}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
