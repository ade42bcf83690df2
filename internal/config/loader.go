package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// configName is the config file name without extension.
const configName = ".millstone"

// configType is the config file format.
const configType = "yaml"

// envPrefix is the environment variable prefix for core settings.
const envPrefix = "MILLSTONE"

// Default knob values.
const (
	defaultBatchIntervalSecs     = 300
	defaultBatchSize             = 100
	defaultMessageSizeLimitBytes = 80 * 1024
	defaultMaxPips               = 1000
	defaultMaxEntryAgeMinutes    = 7 * 24 * 60
	defaultPublishFanout         = 8
)

// LoadConfig loads configuration from file, env vars, and defaults. If
// configPath is non-empty it is used as the explicit config file path;
// otherwise the config file is searched in CWD and $HOME. A config file absent
// from the search path is not an error and defaults apply; an explicitly named
// file that cannot be read is an error.
func LoadConfig(configPath string) (*Config, error) {
	viperCfg := viper.New()

	applyDefaults(viperCfg)

	viperCfg.SetConfigType(configType)
	viperCfg.SetEnvPrefix(envPrefix)
	viperCfg.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viperCfg.AutomaticEnv()

	if configPath != "" {
		viperCfg.SetConfigFile(configPath)
	} else {
		viperCfg.SetConfigName(configName)
		viperCfg.AddConfigPath(".")

		home, err := os.UserHomeDir()
		if err == nil {
			viperCfg.AddConfigPath(home)
		}
	}

	readErr := viperCfg.ReadInConfig()
	if readErr != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(readErr, &notFound) {
			return nil, fmt.Errorf("read config: %w", readErr)
		}
	}

	var cfg Config

	if err := viperCfg.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// applyDefaults seeds every knob so an empty config is a working config.
func applyDefaults(v *viper.Viper) {
	v.SetDefault("cache_miss.mode", string(CacheMissLocal))
	v.SetDefault("cache_miss.diff_format", DiffFormatCustomJSON)
	v.SetDefault("cache_miss.batch", true)
	v.SetDefault("cache_miss.batch_interval_seconds", defaultBatchIntervalSecs)
	v.SetDefault("cache_miss.batch_size", defaultBatchSize)
	v.SetDefault("cache_miss.message_size_limit_bytes", defaultMessageSizeLimitBytes)
	v.SetDefault("cache_miss.max_pips", defaultMaxPips)
	v.SetDefault("cache_miss.all_pips", false)
	v.SetDefault("cache_miss.mark_uncacheable_downstream", false)
	v.SetDefault("cache_miss.custom_store_path", "")
	v.SetDefault("cache_miss.keys", []string{})
	v.SetDefault("cache_miss.git_repo_path", "")
	v.SetDefault("cache_miss.git_key_prefix", "")
	v.SetDefault("cache_miss.git_branches", []string{})
	v.SetDefault("fingerprint_store.mode", string(StoreModeDefault))
	v.SetDefault("fingerprint_store.directory", "")
	v.SetDefault("fingerprint_store.log_directory", "")
	v.SetDefault("fingerprint_store.fingerprint_salt", "")
	v.SetDefault("fingerprint_store.max_entry_age_minutes", defaultMaxEntryAgeMinutes)
	v.SetDefault("fingerprint_store.publish_fanout", defaultPublishFanout)
}

// DefaultYAML renders the default configuration as a YAML template.
func DefaultYAML() ([]byte, error) {
	cfg := map[string]any{
		"cache_miss": map[string]any{
			"mode":                     string(CacheMissLocal),
			"diff_format":              DiffFormatCustomJSON,
			"batch":                    true,
			"batch_interval_seconds":   defaultBatchIntervalSecs,
			"batch_size":               defaultBatchSize,
			"message_size_limit_bytes": defaultMessageSizeLimitBytes,
			"max_pips":                 defaultMaxPips,
			"all_pips":                 false,
		},
		"fingerprint_store": map[string]any{
			"mode":                  string(StoreModeDefault),
			"directory":             "out/fingerprintstore",
			"log_directory":         "out/logs/fingerprints",
			"max_entry_age_minutes": defaultMaxEntryAgeMinutes,
			"publish_fanout":        defaultPublishFanout,
		},
	}

	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("render default config: %w", err)
	}

	return raw, nil
}
