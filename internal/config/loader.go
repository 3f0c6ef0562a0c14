package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies BREAKOUT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	normalise(&cfg)

	return &cfg, nil
}

// normalise upper-cases symbols and lower-cases enum strings so lookups are
// case-insensitive.
func normalise(cfg *Config) {
	for i, s := range cfg.Session.Symbols {
		cfg.Session.Symbols[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	cfg.Replay.Symbol = strings.ToUpper(strings.TrimSpace(cfg.Replay.Symbol))
	cfg.Mode = strings.ToLower(strings.TrimSpace(cfg.Mode))
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.Strategy.StopRule = strings.ToLower(cfg.Strategy.StopRule)
	cfg.Strategy.FillPriority = strings.ToLower(cfg.Strategy.FillPriority)
	cfg.Broadcast.Policy = strings.ToLower(cfg.Broadcast.Policy)
	cfg.Replay.Source = strings.ToLower(cfg.Replay.Source)
}

// applyEnvOverrides reads well-known BREAKOUT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Session ──
	setStr(&cfg.Session.Timezone, "BREAKOUT_SESSION_TIMEZONE")
	setStr(&cfg.Session.Open, "BREAKOUT_SESSION_OPEN")
	setInt(&cfg.Session.ORMinutes, "BREAKOUT_SESSION_OR_MINUTES")
	setStr(&cfg.Session.SquareOff, "BREAKOUT_SESSION_SQUARE_OFF")
	setStringSlice(&cfg.Session.Symbols, "BREAKOUT_SESSION_SYMBOLS")

	// ── Strategy ──
	setStr(&cfg.Strategy.StopRule, "BREAKOUT_STRATEGY_STOP_RULE")
	setFloat64(&cfg.Strategy.StopFraction, "BREAKOUT_STRATEGY_STOP_FRACTION")
	setFloat64(&cfg.Strategy.RewardMultiple, "BREAKOUT_STRATEGY_REWARD_MULTIPLE")
	setInt(&cfg.Strategy.TradesPerDay, "BREAKOUT_STRATEGY_TRADES_PER_DAY")
	setStr(&cfg.Strategy.FillPriority, "BREAKOUT_STRATEGY_FILL_PRIORITY")

	// ── Risk ──
	setFloat64(&cfg.Risk.InitialCapital, "BREAKOUT_RISK_INITIAL_CAPITAL")
	setFloat64(&cfg.Risk.RiskFraction, "BREAKOUT_RISK_RISK_FRACTION")
	setFloat64(&cfg.Risk.MaxPositionPct, "BREAKOUT_RISK_MAX_POSITION_PCT")
	setInt(&cfg.Risk.MaxTradesPerDay, "BREAKOUT_RISK_MAX_TRADES_PER_DAY")
	setInt(&cfg.Risk.MaxTradesPerSymbol, "BREAKOUT_RISK_MAX_TRADES_PER_SYMBOL")
	setFloat64(&cfg.Risk.MaxDailyLoss, "BREAKOUT_RISK_MAX_DAILY_LOSS")
	setInt(&cfg.Risk.MaxOpenPositions, "BREAKOUT_RISK_MAX_OPEN_POSITIONS")

	// ── Feed ──
	setStr(&cfg.Feed.BridgeURL, "BREAKOUT_FEED_BRIDGE_URL")
	setDuration(&cfg.Feed.StaleAfter, "BREAKOUT_FEED_STALE_AFTER")
	setDuration(&cfg.Feed.PollInterval, "BREAKOUT_FEED_POLL_INTERVAL")
	setDuration(&cfg.Feed.MinReconnectSpacing, "BREAKOUT_FEED_MIN_RECONNECT_SPACING")
	setInt(&cfg.Feed.MaxConsecutiveFailures, "BREAKOUT_FEED_MAX_CONSECUTIVE_FAILURES")
	setDuration(&cfg.Feed.BackfillWindow, "BREAKOUT_FEED_BACKFILL_WINDOW")
	setBool(&cfg.Feed.BusEnabled, "BREAKOUT_FEED_BUS_ENABLED")

	// ── Replay ──
	setStr(&cfg.Replay.Source, "BREAKOUT_REPLAY_SOURCE")
	setStr(&cfg.Replay.Symbol, "BREAKOUT_REPLAY_SYMBOL")
	setStr(&cfg.Replay.From, "BREAKOUT_REPLAY_FROM")
	setStr(&cfg.Replay.To, "BREAKOUT_REPLAY_TO")
	setFloat64(&cfg.Replay.Speed, "BREAKOUT_REPLAY_SPEED")

	// ── Broadcast ──
	setInt(&cfg.Broadcast.Buffer, "BREAKOUT_BROADCAST_BUFFER")
	setStr(&cfg.Broadcast.Policy, "BREAKOUT_BROADCAST_POLICY")
	setBool(&cfg.Broadcast.Relay, "BREAKOUT_BROADCAST_RELAY")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "BREAKOUT_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "BREAKOUT_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "BREAKOUT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "BREAKOUT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "BREAKOUT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "BREAKOUT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "BREAKOUT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "BREAKOUT_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "BREAKOUT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "BREAKOUT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "BREAKOUT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "BREAKOUT_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "BREAKOUT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "BREAKOUT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "BREAKOUT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "BREAKOUT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "BREAKOUT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "BREAKOUT_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "BREAKOUT_REDIS_KEY_PREFIX")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "BREAKOUT_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "BREAKOUT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "BREAKOUT_S3_REGION")
	setStr(&cfg.S3.Bucket, "BREAKOUT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "BREAKOUT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "BREAKOUT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "BREAKOUT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "BREAKOUT_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.Prefix, "BREAKOUT_S3_PREFIX")

	// ── Pipeline ──
	setInt(&cfg.Pipeline.QueueSize, "BREAKOUT_PIPELINE_QUEUE_SIZE")
	setInt(&cfg.Pipeline.BatchSize, "BREAKOUT_PIPELINE_BATCH_SIZE")
	setDuration(&cfg.Pipeline.FlushInterval, "BREAKOUT_PIPELINE_FLUSH_INTERVAL")
	setInt(&cfg.Pipeline.ArchiveRetentionDays, "BREAKOUT_PIPELINE_ARCHIVE_RETENTION_DAYS")
	setStr(&cfg.Pipeline.ArchiveCron, "BREAKOUT_PIPELINE_ARCHIVE_CRON")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "BREAKOUT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "BREAKOUT_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "BREAKOUT_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "BREAKOUT_SERVER_API_KEY")
	setInt(&cfg.Server.IngestRateLimit, "BREAKOUT_SERVER_INGEST_RATE_LIMIT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "BREAKOUT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "BREAKOUT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "BREAKOUT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "BREAKOUT_NOTIFY_EVENTS")
	setDuration(&cfg.Notify.Cooldown, "BREAKOUT_NOTIFY_COOLDOWN")

	// ── Top-level ──
	setStr(&cfg.Mode, "BREAKOUT_MODE")
	setStr(&cfg.LogLevel, "BREAKOUT_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
