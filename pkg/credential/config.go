package credential

import (
	"fmt"
	"strings"
	"time"
)

// Environment selects which API host the manager talks to.
type Environment string

const (
	Production Environment = "production"
	Staging    Environment = "staging"
)

const (
	PrefToken    = "pref_androidacy_api_token"
	PrefDeviceID = "device_id"

	DefaultScope             = "androidacy"
	DefaultScheme            = "https"
	DefaultProductionHost    = "production-api.androidacy.com"
	DefaultStagingHost       = "staging-api.androidacy.com"
	DefaultDomain            = "androidacy.com"
	DefaultCooldown          = 30 * time.Second
	DefaultRateLimitBlockade = time.Hour
	DefaultTokenPath         = "$.token"
	DefaultDeviceIDTimeout   = 30 * time.Second

	// maxSeedSkew bounds how far in the future a seeded blockade may lie.
	maxSeedSkew = 60 * time.Second
)

// Config controls a Manager. Zero values fall back to the defaults above.
type Config struct {
	Environment        Environment
	Scheme             string
	ProductionHost     string
	StagingHost        string
	Domain             string
	Scope              string
	Cooldown           time.Duration
	RateLimitBlockade  time.Duration
	TokenPath          string
	DeviceIDTimeout    time.Duration
	Strict             bool
	AllowExternalToken bool
}

// ParseEnvironment accepts production/prod and staging/test.
func ParseEnvironment(value string) (Environment, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "production", "prod":
		return Production, nil
	case "staging", "test":
		return Staging, nil
	default:
		return "", fmt.Errorf("unknown environment %q", value)
	}
}

func (c Config) withDefaults() Config {
	if c.Environment == "" {
		c.Environment = Production
	}
	if c.Scheme == "" {
		c.Scheme = DefaultScheme
	}
	if c.ProductionHost == "" {
		c.ProductionHost = DefaultProductionHost
	}
	if c.StagingHost == "" {
		c.StagingHost = DefaultStagingHost
	}
	if c.Domain == "" {
		c.Domain = DefaultDomain
	}
	if c.Scope == "" {
		c.Scope = DefaultScope
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.RateLimitBlockade <= 0 {
		c.RateLimitBlockade = DefaultRateLimitBlockade
	}
	if c.TokenPath == "" {
		c.TokenPath = DefaultTokenPath
	}
	if c.DeviceIDTimeout <= 0 {
		c.DeviceIDTimeout = DefaultDeviceIDTimeout
	}
	return c
}
