package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides, e.g. AGENTCORE_LOOP_MAX_ITERATIONS.
const EnvPrefix = "AGENTCORE"

// optionalKeys are omitted from the serialized defaults and must be bound explicitly
// for environment overrides to reach them.
//
//nolint:gochecknoglobals // static key list
var optionalKeys = []string{"provider.api_key", "provider.base_url", "metrics.addr", "telemetry.path"}

// Load reads the configuration at path over the defaults, applies AGENTCORE_
// environment overrides and validates the result. An empty path loads only
// defaults and environment.
func Load(path string) (Config, error) {
	v := viper.New()

	defaults, err := json.Marshal(Default())
	if err != nil {
		return Config{}, fmt.Errorf("encoding defaults: %w", err)
	}
	v.SetConfigType("json")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, fmt.Errorf("reading defaults: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading %s: %w", path, err)
		}
		format, data := normalize(path, data)
		v.SetConfigType(format)
		if err := v.MergeConfig(bytes.NewReader(data)); err != nil {
			return Config{}, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range optionalKeys {
		if err := v.BindEnv(key); err != nil {
			return Config{}, fmt.Errorf("binding %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// normalize returns the viper format for path, stripping comments and
// trailing commas from JSON files.
func normalize(path string, data []byte) (string, []byte) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml", data
	case ".toml":
		return "toml", data
	default:
		return "json", jsonc.ToJSON(data)
	}
}

// Save validates cfg and writes it to path, as YAML for .yaml/.yml and as
// indented JSON otherwise.
func Save(cfg Config, path string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("refusing to save invalid config: %w", err)
	}

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
