// Package types holds the job configuration shared by the tunnel manager,
// the test runner and the engine.
package types

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"
)

const (
	// IdentifierEpoch is subtracted from the unix time when deriving the
	// default tunnel identifier (2009-01-01T00:00:00Z).
	IdentifierEpoch int64 = 1230768000

	DefaultTestInterval        = 2 * time.Second
	DefaultTestReadyTimeout    = 5 * time.Second
	DefaultStatusCheckAttempts = 90

	EnvUsername  = "SAUCE_USERNAME"
	EnvAccessKey = "SAUCE_ACCESS_KEY"
)

var (
	ErrMissingCredentials = errors.New("sauce labs username and access key are required")
	ErrMissingIdentifier  = errors.New("tunnel identifier must be set for a tunneled job")
	ErrNoURLs             = errors.New("at least one test url is required")
)

// JobConfig is the fully merged configuration for one job.
type JobConfig struct {
	Username  string
	AccessKey string

	Tunneled   bool
	Identifier string
	TunnelArgs []string

	URLs             []string
	Browsers         []Platform
	TestName         string
	Build            string
	Tags             []string
	SauceConfig      map[string]any
	TestInterval     time.Duration
	TestReadyTimeout time.Duration

	// StatusCheckAttempts caps the number of status polls per submitted job.
	// Zero or less means unlimited.
	StatusCheckAttempts int
	// MaxRetries is how many times a failed platform is resubmitted.
	MaxRetries int
}

// DefaultIdentifier derives the tunnel identifier used when none is configured.
func DefaultIdentifier(now time.Time) string {
	return strconv.FormatInt(now.Unix()-IdentifierEpoch, 10)
}

// DefaultJobConfig returns the built-in defaults. Credentials are read through
// getenv so callers and tests control the environment.
func DefaultJobConfig(now time.Time, getenv func(string) string) JobConfig {
	cfg := JobConfig{
		Tunneled:            true,
		Identifier:          DefaultIdentifier(now),
		TunnelArgs:          []string{},
		Browsers:            []Platform{{}},
		SauceConfig:         map[string]any{},
		TestInterval:        DefaultTestInterval,
		TestReadyTimeout:    DefaultTestReadyTimeout,
		StatusCheckAttempts: DefaultStatusCheckAttempts,
	}
	if getenv != nil {
		cfg.Username = getenv(EnvUsername)
		cfg.AccessKey = getenv(EnvAccessKey)
	}
	return cfg
}

// Platforms returns the browsers to test, or a single "any" descriptor when
// none are configured.
func (c JobConfig) Platforms() []Platform {
	if len(c.Browsers) == 0 {
		return []Platform{{}}
	}
	return c.Browsers
}

// NumberOfJobs is the number of grid submissions this config produces.
func (c JobConfig) NumberOfJobs() int {
	return len(c.URLs) * len(c.Platforms())
}

// Clone returns a deep copy. Configs handed to different jobs never share
// slices or maps.
func (c JobConfig) Clone() JobConfig {
	out := c
	out.TunnelArgs = slices.Clone(c.TunnelArgs)
	out.URLs = slices.Clone(c.URLs)
	out.Tags = slices.Clone(c.Tags)
	out.SauceConfig = cloneMap(c.SauceConfig)
	if c.Browsers != nil {
		out.Browsers = make([]Platform, len(c.Browsers))
		for i, b := range c.Browsers {
			out.Browsers[i] = b.Clone()
		}
	}
	return out
}

// Validate checks the fields needed before any remote call is made.
func (c JobConfig) Validate() error {
	if c.Username == "" || c.AccessKey == "" {
		return ErrMissingCredentials
	}
	if len(c.URLs) == 0 {
		return ErrNoURLs
	}
	if c.Tunneled && c.Identifier == "" {
		return ErrMissingIdentifier
	}
	if c.TestInterval <= 0 {
		return fmt.Errorf("test interval must be positive, got %s", c.TestInterval)
	}
	if c.TestReadyTimeout <= 0 {
		return fmt.Errorf("test ready timeout must be positive, got %s", c.TestReadyTimeout)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative, got %d", c.MaxRetries)
	}
	return nil
}
