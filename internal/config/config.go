// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"

	"github.com/mbd888/dimm/internal/agent"
	"github.com/mbd888/dimm/internal/ratelimit"
	"github.com/mbd888/dimm/internal/treasury"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Protocol
	ProtocolAuthority common.Address
	EmergencyContacts []common.Address
	FeeBps            uint16
	MinFee            uint64
	MinAgentBalance   uint64
	MaxAgentsPerOwner uint64

	// Agent rate limits applied to new agents
	RateLimitPerMinute uint32
	RateLimitPerHour   uint32
	RateLimitCooldown  time.Duration

	// API throttling and settlement protection
	HTTPRateLimitRPM    int
	BreakerThreshold    int
	BreakerOpenDuration time.Duration

	// Browser origins allowed to call the API; empty disables CORS
	CORSAllowedOrigins []string

	// Tracing (optional)
	OTLPEndpoint string
}

const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "json"
	DefaultHTTPRateLimitRPM    = 120
	DefaultBreakerThreshold    = 5
	DefaultBreakerOpenDuration = 30 * time.Second
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	var errs []string
	fail := func(key string, err error) {
		errs = append(errs, fmt.Sprintf("%s: %v", key, err))
	}

	cfg := &Config{
		Port:         getEnv("PORT", DefaultPort),
		Env:          getEnv("ENV", DefaultEnv),
		LogLevel:     getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:    getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	for _, o := range strings.Split(os.Getenv("CORS_ALLOWED_ORIGINS"), ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.CORSAllowedOrigins = append(cfg.CORSAllowedOrigins, o)
		}
	}

	var err error
	if cfg.ProtocolAuthority, err = getEnvAddress("PROTOCOL_AUTHORITY"); err != nil {
		fail("PROTOCOL_AUTHORITY", err)
	}
	if cfg.EmergencyContacts, err = getEnvAddresses("EMERGENCY_CONTACTS"); err != nil {
		fail("EMERGENCY_CONTACTS", err)
	}

	bps, err := getEnvUint("FEE_BPS", 0, 16)
	if err != nil {
		fail("FEE_BPS", err)
	}
	cfg.FeeBps = uint16(bps)
	if cfg.MinFee, err = getEnvUint("MIN_FEE", 0, 64); err != nil {
		fail("MIN_FEE", err)
	}
	if cfg.MinAgentBalance, err = getEnvUint("MIN_AGENT_BALANCE", agent.MinReserve, 64); err != nil {
		fail("MIN_AGENT_BALANCE", err)
	}
	if cfg.MaxAgentsPerOwner, err = getEnvUint("MAX_AGENTS_PER_OWNER", agent.MaxAgentsPerOwner, 64); err != nil {
		fail("MAX_AGENTS_PER_OWNER", err)
	}

	perMinute, err := getEnvUint("RATE_LIMIT_PER_MINUTE", ratelimit.DefaultMaxPerMinute, 32)
	if err != nil {
		fail("RATE_LIMIT_PER_MINUTE", err)
	}
	perHour, err := getEnvUint("RATE_LIMIT_PER_HOUR", ratelimit.DefaultMaxPerHour, 32)
	if err != nil {
		fail("RATE_LIMIT_PER_HOUR", err)
	}
	cfg.RateLimitPerMinute, cfg.RateLimitPerHour = uint32(perMinute), uint32(perHour)
	if cfg.RateLimitCooldown, err = getEnvDuration("RATE_LIMIT_COOLDOWN", ratelimit.DefaultCooldown); err != nil {
		fail("RATE_LIMIT_COOLDOWN", err)
	}

	cfg.HTTPRateLimitRPM = getEnvInt("HTTP_RATE_LIMIT_RPM", DefaultHTTPRateLimitRPM)
	cfg.BreakerThreshold = getEnvInt("BREAKER_THRESHOLD", DefaultBreakerThreshold)
	if cfg.BreakerOpenDuration, err = getEnvDuration("BREAKER_OPEN_DURATION", DefaultBreakerOpenDuration); err != nil {
		fail("BREAKER_OPEN_DURATION", err)
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field rules
func (c *Config) Validate() error {
	if c.FeeBps > treasury.BpsDenominator {
		return fmt.Errorf("FEE_BPS must not exceed %d", treasury.BpsDenominator)
	}
	if len(c.EmergencyContacts) > 5 {
		return fmt.Errorf("EMERGENCY_CONTACTS allows at most 5 addresses")
	}
	if c.MaxAgentsPerOwner == 0 {
		return fmt.Errorf("MAX_AGENTS_PER_OWNER must be positive")
	}
	if err := c.AgentRateLimits().Validate(); err != nil {
		return fmt.Errorf("RATE_LIMIT_*: %w", err)
	}
	if c.IsProduction() && c.ProtocolAuthority == (common.Address{}) {
		return fmt.Errorf("PROTOCOL_AUTHORITY is required in production")
	}
	if c.IsProduction() && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required in production")
	}
	return nil
}

// AgentRateLimits returns the limits new agents start with.
func (c *Config) AgentRateLimits() ratelimit.Limits {
	return ratelimit.Limits{
		MaxPerMinute: c.RateLimitPerMinute,
		MaxPerHour:   c.RateLimitPerHour,
		Cooldown:     c.RateLimitCooldown,
	}
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvUint(key string, defaultValue uint64, bits int) (uint64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	return strconv.ParseUint(value, 10, bits)
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	return time.ParseDuration(value)
}

func getEnvAddress(key string) (common.Address, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(value) {
		return common.Address{}, fmt.Errorf("%q is not an address", value)
	}
	return common.HexToAddress(value), nil
}

func getEnvAddresses(key string) ([]common.Address, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil, nil
	}
	var out []common.Address
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if !common.IsHexAddress(part) {
			return nil, fmt.Errorf("%q is not an address", part)
		}
		out = append(out, common.HexToAddress(part))
	}
	return out, nil
}
