package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// envPrefix namespaces every override variable.
const envPrefix = "CHAINTRADER_"

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies CHAINTRADER_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known CHAINTRADER_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Venue ──
	setStr(&cfg.Venue.Name, "VENUE_NAME")
	setStr(&cfg.Venue.Kind, "VENUE_KIND")
	setStr(&cfg.Venue.FeeRate, "VENUE_FEE_RATE")
	setDuration(&cfg.Venue.TickerInterval, "VENUE_TICKER_INTERVAL")

	// ── Executor ──
	setDuration(&cfg.Executor.TickInterval, "EXECUTOR_TICK_INTERVAL")
	setDuration(&cfg.Executor.PollInterval, "EXECUTOR_POLL_INTERVAL")
	setInt(&cfg.Executor.MaxParallel, "EXECUTOR_MAX_PARALLEL")
	setDuration(&cfg.Executor.LeaseTTL, "EXECUTOR_LEASE_TTL")
	setDuration(&cfg.Executor.RuleDedupTTL, "EXECUTOR_RULE_DEDUP_TTL")
	setInt(&cfg.Executor.RuleParallel, "EXECUTOR_RULE_PARALLEL")

	// ── Order book ──
	setInt(&cfg.OrderBook.DepthLimit, "ORDERBOOK_DEPTH_LIMIT")
	setInt(&cfg.OrderBook.MirrorDepth, "ORDERBOOK_MIRROR_DEPTH")
	setStr(&cfg.OrderBook.WSURL, "ORDERBOOK_WS_URL")
	setStr(&cfg.OrderBook.SnapshotURL, "ORDERBOOK_SNAPSHOT_URL")
	setSymbols(&cfg.OrderBook.Symbols, "ORDERBOOK_SYMBOLS")

	// ── Persistence ──
	setStr(&cfg.Persistence.Backend, "PERSISTENCE_BACKEND")
	setStr(&cfg.Persistence.Dir, "PERSISTENCE_DIR")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "POSTGRES_POOL_MIN_CONNS")
	setDuration(&cfg.Postgres.ConnectTimeout, "POSTGRES_CONNECT_TIMEOUT")
	setBool(&cfg.Postgres.RunMigrations, "POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "REDIS_ADDR")
	setStr(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "REDIS_MAX_RETRIES")
	setDuration(&cfg.Redis.DialTimeout, "REDIS_DIAL_TIMEOUT")
	setBool(&cfg.Redis.TLSEnabled, "REDIS_TLS_ENABLED")
	setBool(&cfg.Redis.SharedLimit, "REDIS_SHARED_LIMIT")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "S3_ENDPOINT")
	setStr(&cfg.S3.Region, "S3_REGION")
	setStr(&cfg.S3.Bucket, "S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.Prefix, "S3_PREFIX")

	// ── Gateway ──
	setFloat64(&cfg.Gateway.RequestsPerSecond, "GATEWAY_REQUESTS_PER_SECOND")
	setInt(&cfg.Gateway.Burst, "GATEWAY_BURST")
	setInt(&cfg.Gateway.WeightLimit, "GATEWAY_WEIGHT_LIMIT")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "SERVER_ENABLED")
	setInt(&cfg.Server.Port, "SERVER_PORT")
	setStr(&cfg.Server.APIKey, "SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RatePerMin, "SERVER_RATE_PER_MIN")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "MODE")
	setStr(&cfg.LogLevel, "LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty. Keys are given without the prefix.
// ---------------------------------------------------------------------------

func lookup(key string) string {
	return os.Getenv(envPrefix + key)
}

func setStr(dst *string, key string) {
	if v := lookup(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := lookup(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := lookup(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := lookup(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := lookup(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	cleaned := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			cleaned = append(cleaned, p)
		}
	}
	return cleaned
}

func setStringSlice(dst *[]string, key string) {
	if v := lookup(key); v != "" {
		if cleaned := splitList(v); len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}

// setSymbols parses "BTCUSDT:2:1,ETHUSDT:2" into symbol configs. Precision
// defaults to 2; merge decimals default to the precision.
func setSymbols(dst *[]SymbolConfig, key string) {
	v := lookup(key)
	if v == "" {
		return
	}
	var out []SymbolConfig
	for _, item := range splitList(v) {
		fields := strings.Split(item, ":")
		sc := SymbolConfig{Symbol: strings.ToUpper(fields[0]), Precision: 2}
		if len(fields) > 1 {
			if n, err := strconv.ParseInt(fields[1], 10, 32); err == nil {
				sc.Precision = int32(n)
			}
		}
		if len(fields) > 2 {
			if n, err := strconv.ParseInt(fields[2], 10, 32); err == nil {
				m := int32(n)
				sc.MergeDecimals = &m
			}
		}
		out = append(out, sc)
	}
	if len(out) > 0 {
		*dst = out
	}
}
