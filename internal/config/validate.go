package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks cross-field constraints that tag defaults cannot express.
func (c *Config) Validate() error {
	if c.Auth.Domain != "" && strings.TrimSpace(c.Auth.Audience) == "" {
		return errors.New("auth.audience is required when auth.domain is set")
	}
	for _, alg := range c.Auth.Algorithms {
		if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(alg)), "HS") {
			return fmt.Errorf("auth.algorithms: symmetric algorithm %s is not allowed", alg)
		}
	}
	if c.Records.VideocallCodeLength < 4 || c.Records.VideocallCodeLength > 18 {
		return fmt.Errorf("records.videocall_code_length must be between 4 and 18, got %d", c.Records.VideocallCodeLength)
	}
	if c.Server.MaxBodyBytes <= 0 {
		return errors.New("server.max_body_bytes must be positive")
	}
	if c.RateLimit.PerSecond <= 0 || c.RateLimit.Burst <= 0 {
		return errors.New("rate_limit.per_second and rate_limit.burst must be positive")
	}
	if c.Database.DSN != "" && c.Database.MaxOpenConns <= 0 {
		return errors.New("database.max_open_conns must be positive")
	}
	return nil
}
