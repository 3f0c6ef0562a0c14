// Package config defines the top-level configuration for the breakout
// simulator and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/breakoutsim/internal/session"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by BREAKOUT_* environment variables.
type Config struct {
	Session   SessionConfig   `toml:"session"`
	Strategy  StrategyConfig  `toml:"strategy"`
	Risk      RiskConfig      `toml:"risk"`
	Feed      FeedConfig      `toml:"feed"`
	Replay    ReplayConfig    `toml:"replay"`
	Broadcast BroadcastConfig `toml:"broadcast"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Pipeline  PipelineConfig  `toml:"pipeline"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// SessionConfig describes the market calendar and the symbol universe.
type SessionConfig struct {
	Timezone     string   `toml:"timezone"`
	Open         string   `toml:"open"`
	ORMinutes    int      `toml:"or_minutes"`
	First30Start string   `toml:"first30_start"`
	First30End   string   `toml:"first30_end"`
	SquareOff    string   `toml:"square_off"`
	TradingStart string   `toml:"trading_start"`
	TradingEnd   string   `toml:"trading_end"`
	Symbols      []string `toml:"symbols"`
}

// StrategyConfig holds the breakout rule parameters.
type StrategyConfig struct {
	StopRule       string  `toml:"stop_rule"`
	StopFraction   float64 `toml:"stop_fraction"`
	RewardMultiple float64 `toml:"reward_multiple"`
	TradesPerDay   int     `toml:"trades_per_day"`
	FillPriority   string  `toml:"fill_priority"`
}

// RiskConfig holds capital and the governor's limits. Zero caps disable the
// corresponding check.
type RiskConfig struct {
	InitialCapital     float64 `toml:"initial_capital"`
	RiskFraction       float64 `toml:"risk_fraction"`
	MaxPositionPct     float64 `toml:"max_position_pct"`
	MaxTradesPerDay    int     `toml:"max_trades_per_day"`
	MaxTradesPerSymbol int     `toml:"max_trades_per_symbol"`
	MaxDailyLoss       float64 `toml:"max_daily_loss"`
	MaxOpenPositions   int     `toml:"max_open_positions"`
}

// FeedConfig configures the live feed, its health monitor and the Redis bus
// feeder.
type FeedConfig struct {
	BridgeURL              string   `toml:"bridge_url"`
	StaleAfter             duration `toml:"stale_after"`
	PollInterval           duration `toml:"poll_interval"`
	BackoffMin             duration `toml:"backoff_min"`
	BackoffMax             duration `toml:"backoff_max"`
	BackoffFactor          float64  `toml:"backoff_factor"`
	BackoffJitter          float64  `toml:"backoff_jitter"`
	MinReconnectSpacing    duration `toml:"min_reconnect_spacing"`
	MaxConsecutiveFailures int      `toml:"max_consecutive_failures"`
	BackfillWindow         duration `toml:"backfill_window"`
	BusEnabled             bool     `toml:"bus_enabled"`
	BusChannels            []string `toml:"bus_channels"`
}

// ReplayConfig configures replays. In replay mode the configured range is
// started automatically; in server and replay modes the HTTP API can start
// others.
type ReplayConfig struct {
	Source string  `toml:"source"`
	Symbol string  `toml:"symbol"`
	From   string  `toml:"from"`
	To     string  `toml:"to"`
	Speed  float64 `toml:"speed"`
}

// BroadcastConfig configures the observer hub.
type BroadcastConfig struct {
	Buffer int    `toml:"buffer"`
	Policy string `toml:"policy"`
	Relay  bool   `toml:"relay"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled      bool     `toml:"enabled"`
	Addr         string   `toml:"addr"`
	Password     string   `toml:"password"`
	DB           int      `toml:"db"`
	PoolSize     int      `toml:"pool_size"`
	MaxRetries   int      `toml:"max_retries"`
	TLSEnabled   bool     `toml:"tls_enabled"`
	KeyPrefix    string   `toml:"key_prefix"`
	QuoteTTL     duration `toml:"quote_ttl"`
	StreamMaxLen int64    `toml:"stream_max_len"`
	LockTTL      duration `toml:"lock_ttl"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	Prefix         string `toml:"prefix"`
}

// PipelineConfig holds persistence and archive parameters.
type PipelineConfig struct {
	QueueSize            int      `toml:"queue_size"`
	BatchSize            int      `toml:"batch_size"`
	FlushInterval        duration `toml:"flush_interval"`
	ArchiveRetentionDays int      `toml:"archive_retention_days"`
	ArchiveCron          string   `toml:"archive_cron"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	// IngestRateLimit caps ingest requests per client per second. It needs
	// Redis; zero disables it.
	IngestRateLimit int `toml:"ingest_rate_limit"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	Cooldown          duration `toml:"cooldown"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Session: SessionConfig{
			Timezone:     "Asia/Kolkata",
			Open:         "09:15",
			ORMinutes:    15,
			First30Start: "09:15",
			First30End:   "09:45",
			SquareOff:    "15:15",
		},
		Strategy: StrategyConfig{
			StopRule:       "fraction",
			StopFraction:   0.005,
			RewardMultiple: 2,
			TradesPerDay:   1,
			FillPriority:   "stop",
		},
		Risk: RiskConfig{
			InitialCapital:     100000,
			RiskFraction:       0.01,
			MaxTradesPerDay:    5,
			MaxTradesPerSymbol: 1,
			MaxDailyLoss:       3000,
		},
		Feed: FeedConfig{
			StaleAfter:             duration{2 * time.Minute},
			PollInterval:           duration{5 * time.Second},
			BackoffMin:             duration{time.Second},
			BackoffMax:             duration{30 * time.Second},
			BackoffFactor:          2,
			BackoffJitter:          0.2,
			MinReconnectSpacing:    duration{10 * time.Second},
			MaxConsecutiveFailures: 5,
			BackfillWindow:         duration{15 * time.Minute},
			BusChannels:            []string{"ticks", "bars"},
		},
		Replay: ReplayConfig{
			Source: "store",
			Speed:  60,
		},
		Broadcast: BroadcastConfig{
			Buffer: 256,
			Policy: "drop_oldest",
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "breakoutsim",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "breakout:",
			QuoteTTL:   duration{24 * time.Hour},
			LockTTL:    duration{30 * time.Second},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "breakoutsim-archive",
			ForcePathStyle: true,
			Prefix:         "archive",
		},
		Pipeline: PipelineConfig{
			QueueSize:            4096,
			BatchSize:            500,
			FlushInterval:        duration{2 * time.Second},
			ArchiveRetentionDays: 90,
			ArchiveCron:          "0 3 * * *",
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Notify: NotifyConfig{
			Events:   []string{"kill_switch", "feed_failed", "consistency_error", "trade_closed"},
			Cooldown: duration{5 * time.Minute},
		},
		Mode:     "server",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server": true,
	"live":   true,
	"replay": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	mode := strings.ToLower(c.Mode)
	if !validModes[mode] {
		add("unknown mode %q (valid: server, live, replay)", c.Mode)
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		add("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}

	// Session
	if _, err := session.LoadLocation(c.Session.Timezone); err != nil {
		add("%v", err)
	}
	if _, err := session.ParseClock(c.Session.Open); err != nil {
		add("session: open: %v", err)
	}
	if c.Session.ORMinutes < 1 {
		add("session: or_minutes must be >= 1")
	}
	if _, err := session.ParseWindow(c.Session.First30Start, c.Session.First30End); err != nil {
		add("session: first30: %v", err)
	}
	if c.Session.SquareOff != "" {
		if _, err := session.ParseClock(c.Session.SquareOff); err != nil {
			add("session: square_off: %v", err)
		}
	}
	if _, err := session.ParseWindow(c.Session.TradingStart, c.Session.TradingEnd); err != nil {
		add("session: trading window: %v", err)
	}

	// Strategy
	switch c.Strategy.StopRule {
	case "fraction":
		if c.Strategy.StopFraction <= 0 || c.Strategy.StopFraction >= 1 {
			add("strategy: stop_fraction must be in (0, 1)")
		}
	case "bar_low":
	default:
		add("strategy: stop_rule must be fraction or bar_low, got %q", c.Strategy.StopRule)
	}
	if c.Strategy.RewardMultiple <= 0 {
		add("strategy: reward_multiple must be > 0")
	}
	if c.Strategy.TradesPerDay < 1 {
		add("strategy: trades_per_day must be >= 1")
	}
	if c.Strategy.FillPriority != "stop" && c.Strategy.FillPriority != "target" {
		add("strategy: fill_priority must be stop or target, got %q", c.Strategy.FillPriority)
	}

	// Risk
	if c.Risk.InitialCapital <= 0 {
		add("risk: initial_capital must be > 0")
	}
	if c.Risk.RiskFraction <= 0 || c.Risk.RiskFraction > 1 {
		add("risk: risk_fraction must be in (0, 1]")
	}
	if c.Risk.MaxPositionPct < 0 || c.Risk.MaxPositionPct > 1 {
		add("risk: max_position_pct must be in [0, 1]")
	}
	if c.Risk.MaxTradesPerDay < 0 || c.Risk.MaxTradesPerSymbol < 0 || c.Risk.MaxOpenPositions < 0 {
		add("risk: trade and position caps must be >= 0")
	}
	if c.Risk.MaxDailyLoss < 0 {
		add("risk: max_daily_loss must be >= 0")
	}

	// Feed
	if mode == "live" && c.Feed.BridgeURL == "" && !c.Feed.BusEnabled {
		add("feed: live mode needs bridge_url or bus_enabled")
	}
	if c.Feed.BusEnabled && !c.Redis.Enabled {
		add("feed: bus_enabled requires redis.enabled")
	}
	if c.Feed.StaleAfter.Duration <= 0 || c.Feed.PollInterval.Duration <= 0 {
		add("feed: stale_after and poll_interval must be > 0")
	}
	if c.Feed.BackoffMax.Duration < c.Feed.BackoffMin.Duration {
		add("feed: backoff_max must be >= backoff_min")
	}
	if c.Feed.BackoffJitter < 0 || c.Feed.BackoffJitter > 1 {
		add("feed: backoff_jitter must be in [0, 1]")
	}
	if c.Feed.MaxConsecutiveFailures < 1 {
		add("feed: max_consecutive_failures must be >= 1")
	}

	// Replay
	switch c.Replay.Source {
	case "store":
		if mode == "replay" && !c.Postgres.Enabled {
			add("replay: source store requires postgres.enabled")
		}
	case "archive":
		if !c.S3.Enabled {
			add("replay: source archive requires s3.enabled")
		}
	default:
		add("replay: source must be store or archive, got %q", c.Replay.Source)
	}
	if mode == "replay" && (c.Replay.From == "" || c.Replay.To == "") {
		add("replay: from and to are required in replay mode")
	}
	if c.Replay.Speed <= 0 {
		add("replay: speed must be > 0")
	}

	// Broadcast
	if c.Broadcast.Policy != "drop_oldest" && c.Broadcast.Policy != "disconnect" {
		add("broadcast: policy must be drop_oldest or disconnect, got %q", c.Broadcast.Policy)
	}
	if c.Broadcast.Relay && !c.Redis.Enabled {
		add("broadcast: relay requires redis.enabled")
	}

	// Postgres
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				add("postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				add("postgres: port must be 1-65535, got %d", c.Postgres.Port)
			}
			if c.Postgres.Database == "" {
				add("postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			add("postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			add("postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			add("redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			add("redis: pool_size must be >= 1")
		}
	}
	if mode == "live" && !c.Redis.Enabled {
		add("redis: live mode requires redis.enabled for the session lock")
	}
	if mode == "live" && c.Redis.LockTTL.Duration < time.Second {
		add("redis: lock_ttl must be >= 1s")
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			add("s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			add("s3: region must not be empty")
		}
	}

	// Pipeline
	if c.Pipeline.QueueSize < 1 || c.Pipeline.BatchSize < 1 {
		add("pipeline: queue_size and batch_size must be >= 1")
	}
	if c.S3.Enabled && c.Pipeline.ArchiveRetentionDays < 1 {
		add("pipeline: archive_retention_days must be >= 1")
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			add("server: port must be 1-65535, got %d", c.Server.Port)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
