// Package config provides configuration loading, defaults, and validation
// for the pipeline.
package config

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// envPrefix is the environment variable prefix used by all pipeline
// settings.
const envPrefix = "SBIR"

// newViper builds a pre-configured Viper instance with the pipeline's
// standard settings: YAML file type, SBIR_ env prefix, automatic env
// binding, and a key replacer that maps "." → "_" so that nested keys like
// "graph.uri" resolve to "SBIR_GRAPH_URI".
func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	return v
}

// Load reads the YAML base file at configPath, merges the optional
// environment overlay file (same directory, "<name>.<env>.yaml") when env is
// non-empty, applies SBIR_* environment variable overrides, fills defaults
// for unset fields, and validates the result. It returns a fully-populated
// *Config or a descriptive error.
//
// Unknown keys in any layer fail the load: configuration typos must never
// silently fall back to defaults.
func Load(configPath, env string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: failed to read config file %q: %w", configPath, err)
	}

	if env != "" {
		overlay := overlayPath(configPath, env)
		ov := newViper()
		ov.SetConfigFile(overlay)
		if err := ov.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: failed to read overlay %q: %w", overlay, err)
		}
		if err := v.MergeConfigMap(ov.AllSettings()); err != nil {
			return nil, fmt.Errorf("config: failed to merge overlay %q: %w", overlay, err)
		}
	}

	return unmarshalAndFinalize(v)
}

// LoadFromEnv builds a Config entirely from SBIR_* environment variables,
// with no config file required. This is the preferred loading strategy for
// containerised deployments.
func LoadFromEnv() (*Config, error) {
	v := newViper()
	return unmarshalAndFinalize(v)
}

// overlayPath derives "<base>.<env>.yaml" next to the base config file.
func overlayPath(configPath, env string) string {
	base := strings.TrimSuffix(configPath, ".yaml")
	base = strings.TrimSuffix(base, ".yml")
	return base + "." + env + ".yaml"
}

// unmarshalAndFinalize unmarshals viper state into a Config, rejecting
// unknown keys, then applies defaults and validates.
func unmarshalAndFinalize(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	strict := func(dc *mapstructure.DecoderConfig) {
		// Unknown keys are a startup error, not a silent no-op.
		dc.ErrorUnused = true
	}
	if err := v.Unmarshal(cfg, strict); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal configuration: %w", err)
	}

	ApplyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}

	return cfg, nil
}
