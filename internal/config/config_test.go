package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTOML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := writeTOML(t, `
mode = "REPLAY"

[session]
symbols = [" reliance ", "tcs"]
trading_start = "09:30"
trading_end = "15:00"

[strategy]
stop_rule = "bar_low"
fill_priority = "Target"

[feed]
stale_after = "90s"

[replay]
from = "2024-01-15 09:15"
to = "2024-01-15 15:30"
symbol = "reliance"

[postgres]
enabled = true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "replay", cfg.Mode)
	assert.Equal(t, []string{"RELIANCE", "TCS"}, cfg.Session.Symbols)
	assert.Equal(t, "RELIANCE", cfg.Replay.Symbol)
	assert.Equal(t, "bar_low", cfg.Strategy.StopRule)
	assert.Equal(t, "target", cfg.Strategy.FillPriority)
	assert.Equal(t, 90*time.Second, cfg.Feed.StaleAfter.Duration)
	// untouched keys keep their defaults
	assert.Equal(t, 0.01, cfg.Risk.RiskFraction)
	assert.Equal(t, "Asia/Kolkata", cfg.Session.Timezone)

	require.NoError(t, cfg.Validate())
}

func TestEnvOverrides(t *testing.T) {
	path := writeTOML(t, `mode = "server"`)

	t.Setenv("BREAKOUT_RISK_INITIAL_CAPITAL", "250000")
	t.Setenv("BREAKOUT_SESSION_SYMBOLS", "infy, hdfcbank ,")
	t.Setenv("BREAKOUT_FEED_POLL_INTERVAL", "2s")
	t.Setenv("BREAKOUT_REDIS_ENABLED", "true")
	t.Setenv("BREAKOUT_SERVER_API_KEY", "secret")
	t.Setenv("BREAKOUT_RISK_MAX_TRADES_PER_DAY", "not-a-number")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 250000.0, cfg.Risk.InitialCapital)
	assert.Equal(t, []string{"INFY", "HDFCBANK"}, cfg.Session.Symbols)
	assert.Equal(t, 2*time.Second, cfg.Feed.PollInterval.Duration)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "secret", cfg.Server.APIKey)
	// malformed values are ignored
	assert.Equal(t, 5, cfg.Risk.MaxTradesPerDay)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "backtest"
	cfg.Session.Timezone = "Mars/Olympus"
	cfg.Session.First30Start = "10:00"
	cfg.Session.First30End = "09:00"
	cfg.Strategy.StopFraction = 1.5
	cfg.Risk.RiskFraction = 0
	cfg.Broadcast.Policy = "block"

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{
		`unknown mode "backtest"`,
		"session: load location",
		"session: first30:",
		"strategy: stop_fraction",
		"risk: risk_fraction",
		"broadcast: policy",
	} {
		assert.Contains(t, msg, want)
	}
}

func TestValidateModeRequirements(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{
			name:   "live needs a feed",
			mutate: func(c *Config) { c.Mode = "live"; c.Redis.Enabled = true },
			want:   "live mode needs bridge_url or bus_enabled",
		},
		{
			name:   "live needs redis for the lock",
			mutate: func(c *Config) { c.Mode = "live"; c.Feed.BridgeURL = "ws://localhost:8765" },
			want:   "live mode requires redis.enabled",
		},
		{
			name:   "replay needs a range",
			mutate: func(c *Config) { c.Mode = "replay"; c.Postgres.Enabled = true },
			want:   "from and to are required",
		},
		{
			name:   "store replay needs postgres",
			mutate: func(c *Config) { c.Mode = "replay"; c.Replay.From = "2024-01-15"; c.Replay.To = "2024-01-16" },
			want:   "source store requires postgres.enabled",
		},
		{
			name:   "archive replay needs s3",
			mutate: func(c *Config) { c.Replay.Source = "archive" },
			want:   "source archive requires s3.enabled",
		},
		{
			name:   "bus needs redis",
			mutate: func(c *Config) { c.Feed.BusEnabled = true },
			want:   "bus_enabled requires redis.enabled",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.DSN = "postgres://u:p@h/db"
	cfg.Server.APIKey = "k"
	cfg.Notify.TelegramToken = "t"
	cfg.Session.Symbols = []string{"RELIANCE"}

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Postgres.DSN)
	assert.Equal(t, "***", out.Server.APIKey)
	assert.Equal(t, "***", out.Notify.TelegramToken)
	assert.Empty(t, out.Redis.Password, "empty secrets stay empty")

	out.Session.Symbols[0] = "TCS"
	assert.Equal(t, "RELIANCE", cfg.Session.Symbols[0])
	assert.Equal(t, "postgres://u:p@h/db", cfg.Postgres.DSN)
}

func TestDurationText(t *testing.T) {
	var d duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.Duration)

	b, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(b))

	assert.Error(t, d.UnmarshalText([]byte("soon")))
}
