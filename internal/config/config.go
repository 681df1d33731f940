package config

import (
	"fmt"
	"time"
)

// Config is the collector's full runtime configuration.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Auth     AuthConfig     `koanf:"auth"`
	Upload   UploadConfig   `koanf:"upload"`
	Geo      GeoConfig      `koanf:"geo"`
	Database DatabaseConfig `koanf:"database"`
	Sweeper  SweeperConfig  `koanf:"sweeper"`
	Logging  LoggingConfig  `koanf:"logging"`
	Tracing  TracingConfig  `koanf:"tracing"`
}

type ServerConfig struct {
	HTTPAddr        string        `koanf:"http_addr"`
	GRPCAddr        string        `koanf:"grpc_addr"`
	MetricsPort     int           `koanf:"metrics_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// MetricsAddr is the listen address of the metrics side port; empty when
// the side port is disabled.
func (s ServerConfig) MetricsAddr() string {
	if s.MetricsPort <= 0 {
		return ""
	}
	return fmt.Sprintf(":%d", s.MetricsPort)
}

type AuthConfig struct {
	// APIKey is the shared secret every gated request must present.
	APIKey string `koanf:"api_key"`
}

type UploadConfig struct {
	// Dir is the durable directory; empty keeps uploads only for the
	// duration of the request.
	Dir           string `koanf:"dir"`
	TempDir       string `koanf:"temp_dir"`
	ChunkSize     int    `koanf:"chunk_size"`
	MaxConcurrent int64  `koanf:"max_concurrent"`
	VerifyFormat  bool   `koanf:"verify_format"`
}

type GeoConfig struct {
	Endpoint string        `koanf:"endpoint"`
	APIKey   string        `koanf:"api_key"`
	Timeout  time.Duration `koanf:"timeout"`
	Epoch    time.Duration `koanf:"epoch"`
	// RateLimit is the number of /locate_ip requests one client may make
	// per RateWindow; zero disables limiting.
	RateLimit  int           `koanf:"rate_limit"`
	RateWindow time.Duration `koanf:"rate_window"`
}

type DatabaseConfig struct {
	// URL is a lib/pq connection string; empty disables the upload ledger.
	URL string `koanf:"url"`
}

type SweeperConfig struct {
	Interval   time.Duration `koanf:"interval"`
	StaleAfter time.Duration `koanf:"stale_after"`
}

type LoggingConfig struct {
	Development bool   `koanf:"development"`
	File        string `koanf:"file"`
}

type TracingConfig struct {
	// Stdout exports spans as JSON to standard output.
	Stdout bool `koanf:"stdout"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:        ":8080",
			GRPCAddr:        ":50051",
			MetricsPort:     9090,
			ShutdownTimeout: 15 * time.Second,
		},
		Upload: UploadConfig{
			Dir:           "data/upload",
			TempDir:       "data/tmp",
			ChunkSize:     64 * 1024,
			MaxConcurrent: 16,
		},
		Geo: GeoConfig{
			Endpoint:   "https://www.iplocate.io/api/lookup/",
			Timeout:    10 * time.Second,
			Epoch:      24 * time.Hour,
			RateLimit:  60,
			RateWindow: time.Minute,
		},
		Sweeper: SweeperConfig{
			Interval:   10 * time.Minute,
			StaleAfter: time.Hour,
		},
		Logging: LoggingConfig{
			File: "data/logs/system.log",
		},
	}
}
