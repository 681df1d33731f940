package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate rejects configurations the collector cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Auth.APIKey) == "" {
		return errors.New("auth.api_key is required (set COLLECTOR_AUTH_API_KEY)")
	}
	if err := c.validateServer(); err != nil {
		return err
	}
	if err := c.validateUpload(); err != nil {
		return err
	}
	if err := c.validateGeo(); err != nil {
		return err
	}
	return c.validateSweeper()
}

func (c *Config) validateServer() error {
	if c.Server.HTTPAddr == "" && c.Server.GRPCAddr == "" {
		return errors.New("at least one of server.http_addr and server.grpc_addr must be set")
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		return fmt.Errorf("server.metrics_port must be between 0 and 65535, got %d", c.Server.MetricsPort)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be positive, got %s", c.Server.ShutdownTimeout)
	}
	return nil
}

func (c *Config) validateUpload() error {
	if c.Upload.ChunkSize <= 0 {
		return fmt.Errorf("upload.chunk_size must be positive, got %d", c.Upload.ChunkSize)
	}
	if c.Upload.MaxConcurrent <= 0 {
		return fmt.Errorf("upload.max_concurrent must be positive, got %d", c.Upload.MaxConcurrent)
	}
	return nil
}

func (c *Config) validateGeo() error {
	if c.Geo.Endpoint == "" {
		return errors.New("geo.endpoint is required")
	}
	if c.Geo.Timeout <= 0 {
		return fmt.Errorf("geo.timeout must be positive, got %s", c.Geo.Timeout)
	}
	if c.Geo.Epoch <= 0 {
		return fmt.Errorf("geo.epoch must be positive, got %s", c.Geo.Epoch)
	}
	if c.Geo.RateLimit < 0 {
		return fmt.Errorf("geo.rate_limit must not be negative, got %d", c.Geo.RateLimit)
	}
	if c.Geo.RateLimit > 0 && c.Geo.RateWindow <= 0 {
		return fmt.Errorf("geo.rate_window must be positive when rate limiting, got %s", c.Geo.RateWindow)
	}
	return nil
}

func (c *Config) validateSweeper() error {
	if c.Sweeper.Interval < 0 || c.Sweeper.StaleAfter < 0 {
		return errors.New("sweeper durations must not be negative")
	}
	return nil
}
