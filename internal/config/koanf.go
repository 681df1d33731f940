package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix marks the environment variables the collector reads.
const EnvPrefix = "COLLECTOR_"

// ConfigPathEnvVar overrides the config file location.
const ConfigPathEnvVar = EnvPrefix + "CONFIG"

// DefaultConfigPaths are searched in order when ConfigPathEnvVar is unset.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/collector/config.yaml",
}

// Load layers defaults, the optional YAML file and COLLECTOR_* environment
// variables, in increasing priority, then validates the result.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	configPath, err := findConfigFile()
	if err != nil {
		return nil, err
	}
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// findConfigFile returns the explicit path when set, which must then
// exist, or the first default path present.
func findConfigFile() (string, error) {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err != nil {
			return "", fmt.Errorf("config file %s: %w", envPath, err)
		}
		return envPath, nil
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", nil
}

// envKeys maps variable names, with the prefix removed and lower-cased, to
// config paths. Unknown variables are ignored.
var envKeys = map[string]string{
	"http_addr":        "server.http_addr",
	"grpc_addr":        "server.grpc_addr",
	"metrics_port":     "server.metrics_port",
	"shutdown_timeout": "server.shutdown_timeout",

	"auth_api_key": "auth.api_key",
	// COLLECTOR_API_KEY is accepted as a shorthand
	"api_key": "auth.api_key",

	"upload_dir":            "upload.dir",
	"upload_temp_dir":       "upload.temp_dir",
	"upload_chunk_size":     "upload.chunk_size",
	"upload_max_concurrent": "upload.max_concurrent",
	"upload_verify_format":  "upload.verify_format",

	"geo_endpoint":    "geo.endpoint",
	"geo_api_key":     "geo.api_key",
	"geo_timeout":     "geo.timeout",
	"geo_epoch":       "geo.epoch",
	"geo_rate_limit":  "geo.rate_limit",
	"geo_rate_window": "geo.rate_window",

	"database_url": "database.url",

	"sweeper_interval":    "sweeper.interval",
	"sweeper_stale_after": "sweeper.stale_after",

	"logging_development": "logging.development",
	"logging_file":        "logging.file",

	"tracing_stdout": "tracing.stdout",
}

func envTransformFunc(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	return envKeys[key]
}
