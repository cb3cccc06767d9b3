package config

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/dimm/internal/agent"
	"github.com/mbd888/dimm/internal/ratelimit"
)

var envKeys = []string{
	"PORT", "ENV", "LOG_LEVEL", "LOG_FORMAT", "DATABASE_URL", "PROTOCOL_AUTHORITY",
	"EMERGENCY_CONTACTS", "FEE_BPS", "MIN_FEE", "MIN_AGENT_BALANCE", "MAX_AGENTS_PER_OWNER",
	"RATE_LIMIT_PER_MINUTE", "RATE_LIMIT_PER_HOUR", "RATE_LIMIT_COOLDOWN",
	"HTTP_RATE_LIMIT_RPM", "BREAKER_THRESHOLD", "BREAKER_OPEN_DURATION",
	"OTEL_EXPORTER_OTLP_ENDPOINT", "CORS_ALLOWED_ORIGINS",
}

// clearEnv blanks every key Load reads so the host environment cannot leak
// into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Empty(t, cfg.DatabaseURL)
	assert.Equal(t, agent.MinReserve, cfg.MinAgentBalance)
	assert.Equal(t, uint64(agent.MaxAgentsPerOwner), cfg.MaxAgentsPerOwner)
	assert.Equal(t, ratelimit.DefaultLimits(), cfg.AgentRateLimits())
	assert.Equal(t, DefaultBreakerOpenDuration, cfg.BreakerOpenDuration)
	assert.Equal(t, common.Address{}, cfg.ProtocolAuthority)
	assert.Empty(t, cfg.CORSAllowedOrigins)
}

func TestLoad_CORSOrigins(t *testing.T) {
	clearEnv(t)
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://ops.example.com, ,https://admin.example.com")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"https://ops.example.com", "https://admin.example.com"}, cfg.CORSAllowedOrigins)
}

func TestLoad_ProtocolSettings(t *testing.T) {
	clearEnv(t)
	t.Setenv("PROTOCOL_AUTHORITY", "0x00000000000000000000000000000000000000f0")
	t.Setenv("EMERGENCY_CONTACTS", "0x00000000000000000000000000000000000000f1, 0x00000000000000000000000000000000000000f2")
	t.Setenv("FEE_BPS", "50")
	t.Setenv("MIN_FEE", "10")
	t.Setenv("RATE_LIMIT_PER_MINUTE", "5")
	t.Setenv("RATE_LIMIT_COOLDOWN", "90s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, common.HexToAddress("0xf0"), cfg.ProtocolAuthority)
	require.Len(t, cfg.EmergencyContacts, 2)
	assert.Equal(t, common.HexToAddress("0xf2"), cfg.EmergencyContacts[1])
	assert.Equal(t, uint16(50), cfg.FeeBps)
	assert.Equal(t, uint64(10), cfg.MinFee)
	assert.Equal(t, uint32(5), cfg.RateLimitPerMinute)
	assert.Equal(t, 90*time.Second, cfg.RateLimitCooldown)
}

func TestLoad_ReportsEveryBadKey(t *testing.T) {
	clearEnv(t)
	t.Setenv("PROTOCOL_AUTHORITY", "alice")
	t.Setenv("FEE_BPS", "-1")
	t.Setenv("RATE_LIMIT_COOLDOWN", "soon")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PROTOCOL_AUTHORITY")
	assert.Contains(t, err.Error(), "FEE_BPS")
	assert.Contains(t, err.Error(), "RATE_LIMIT_COOLDOWN")
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			Env:                "development",
			MaxAgentsPerOwner:  10,
			RateLimitPerMinute: 10,
			RateLimitPerHour:   100,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"fee above 100%", func(c *Config) { c.FeeBps = 10_001 }, "FEE_BPS"},
		{"too many contacts", func(c *Config) { c.EmergencyContacts = make([]common.Address, 6) }, "EMERGENCY_CONTACTS"},
		{"zero agent cap", func(c *Config) { c.MaxAgentsPerOwner = 0 }, "MAX_AGENTS_PER_OWNER"},
		{"hour below minute", func(c *Config) { c.RateLimitPerHour = 5 }, "RATE_LIMIT_"},
		{"production without authority", func(c *Config) {
			c.Env = "production"
			c.DatabaseURL = "postgres://x"
		}, "PROTOCOL_AUTHORITY"},
		{"production without database", func(c *Config) {
			c.Env = "production"
			c.ProtocolAuthority = common.HexToAddress("0xf0")
		}, "DATABASE_URL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
