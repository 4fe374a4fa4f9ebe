// Package config defines the top-level configuration for chaintrader and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by CHAINTRADER_* environment variables.
type Config struct {
	Venue       VenueConfig       `toml:"venue"`
	Executor    ExecutorConfig    `toml:"executor"`
	OrderBook   OrderBookConfig   `toml:"orderbook"`
	Persistence PersistenceConfig `toml:"persistence"`
	Postgres    PostgresConfig    `toml:"postgres"`
	Redis       RedisConfig       `toml:"redis"`
	S3          S3Config          `toml:"s3"`
	Gateway     GatewayConfig     `toml:"gateway"`
	Server      ServerConfig      `toml:"server"`
	Notify      NotifyConfig      `toml:"notify"`
	Mode        string            `toml:"mode"`
	LogLevel    string            `toml:"log_level"`
}

// VenueConfig selects the execution venue. Only the paper venue ships; its
// starting balances are decimal strings keyed by asset.
type VenueConfig struct {
	Name           string            `toml:"name"`
	Kind           string            `toml:"kind"`
	FeeRate        string            `toml:"fee_rate"`
	Balances       map[string]string `toml:"balances"`
	TickerInterval duration          `toml:"ticker_interval"`
	Simulation     SimulationConfig  `toml:"simulation"`
}

// SimulationConfig drives the simulated market that feeds the paper venue
// when no live depth stream is configured. Only symbols with a seed price
// are simulated.
type SimulationConfig struct {
	SeedPrices map[string]string `toml:"seed_prices"`
	Levels     int               `toml:"levels"`
	Volatility float64           `toml:"volatility"`
	Seed       uint64            `toml:"seed"`
}

// ExecutorConfig tunes the lifecycle executor and the rule dispatcher.
type ExecutorConfig struct {
	TickInterval duration `toml:"tick_interval"`
	PollInterval duration `toml:"poll_interval"`
	MaxParallel  int      `toml:"max_parallel"`
	LeaseTTL     duration `toml:"lease_ttl"`
	RuleDedupTTL duration `toml:"rule_dedup_ttl"`
	RuleParallel int      `toml:"rule_parallel"`
}

// SymbolConfig describes one maintained order book. MergeDecimals defaults
// to Precision, which disables grouping.
type SymbolConfig struct {
	Symbol        string `toml:"symbol"`
	Precision     int32  `toml:"precision"`
	MergeDecimals *int32 `toml:"merge_decimals"`
}

// Merge returns the effective merge granularity.
func (s SymbolConfig) Merge() int32 {
	if s.MergeDecimals == nil {
		return s.Precision
	}
	return *s.MergeDecimals
}

// OrderBookConfig holds the depth feed parameters. With an empty WSURL the
// books follow the paper venue's own simulated depth instead of a live feed.
type OrderBookConfig struct {
	Symbols     []SymbolConfig `toml:"symbols"`
	DepthLimit  int            `toml:"depth_limit"`
	MirrorDepth int            `toml:"mirror_depth"`
	WSURL       string         `toml:"ws_url"`
	SnapshotURL string         `toml:"snapshot_url"`
}

// PersistenceConfig selects where task documents live.
type PersistenceConfig struct {
	Backend string `toml:"backend"`
	Dir     string `toml:"dir"`
}

// PostgresConfig holds PostgreSQL connection parameters. The pool is opened
// when Enabled is set or the persistence backend is "postgres".
type PostgresConfig struct {
	Enabled        bool     `toml:"enabled"`
	DSN            string   `toml:"dsn"`
	Host           string   `toml:"host"`
	Port           int      `toml:"port"`
	Database       string   `toml:"database"`
	User           string   `toml:"user"`
	Password       string   `toml:"password"`
	SSLMode        string   `toml:"ssl_mode"`
	PoolMaxConns   int      `toml:"pool_max_conns"`
	PoolMinConns   int      `toml:"pool_min_conns"`
	ConnectTimeout duration `toml:"connect_timeout"`
	RunMigrations  bool     `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled     bool     `toml:"enabled"`
	Addr        string   `toml:"addr"`
	Password    string   `toml:"password"`
	DB          int      `toml:"db"`
	PoolSize    int      `toml:"pool_size"`
	MaxRetries  int      `toml:"max_retries"`
	DialTimeout duration `toml:"dial_timeout"`
	TLSEnabled  bool     `toml:"tls_enabled"`
	TickerTTL   duration `toml:"ticker_ttl"`
	BookTTL     duration `toml:"book_ttl"`

	// SharedLimit makes every process using this Redis share one request
	// budget per venue in addition to the local throttle.
	SharedLimit bool `toml:"shared_limit"`
}

// S3Config holds S3-compatible object storage parameters for the task archive.
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

// GatewayConfig throttles venue requests.
type GatewayConfig struct {
	RequestsPerSecond float64        `toml:"requests_per_second"`
	Burst             int            `toml:"burst"`
	WeightLimit       int            `toml:"weight_limit"`
	Weights           map[string]int `toml:"weights"`
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
	APIKey      string   `toml:"api_key"`
	CORSOrigins []string `toml:"cors_origins"`
	RatePerMin  int      `toml:"rate_per_min"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Venue: VenueConfig{
			Name:    "paper",
			Kind:    "paper",
			FeeRate: "0.001",
			Balances: map[string]string{
				"USDT": "10000",
			},
			TickerInterval: duration{time.Second},
			Simulation: SimulationConfig{
				Levels:     20,
				Volatility: 0.001,
			},
		},
		Executor: ExecutorConfig{
			TickInterval: duration{2 * time.Second},
			PollInterval: duration{5 * time.Second},
			MaxParallel:  8,
			LeaseTTL:     duration{30 * time.Second},
			RuleDedupTTL: duration{time.Minute},
			RuleParallel: 4,
		},
		OrderBook: OrderBookConfig{
			DepthLimit:  1000,
			MirrorDepth: 20,
			WSURL:       "wss://stream.binance.com:9443/ws/{symbol}@depth@100ms",
			SnapshotURL: "https://api.binance.com/api/v3/depth?symbol={symbol}&limit={limit}",
		},
		Persistence: PersistenceConfig{
			Backend: "file",
			Dir:     "data/tasks",
		},
		Postgres: PostgresConfig{
			Host:           "localhost",
			Port:           5432,
			Database:       "chaintrader",
			User:           "postgres",
			SSLMode:        "disable",
			PoolMaxConns:   10,
			PoolMinConns:   2,
			ConnectTimeout: duration{10 * time.Second},
			RunMigrations:  true,
		},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			PoolSize:    20,
			MaxRetries:  3,
			DialTimeout: duration{5 * time.Second},
			TickerTTL:   duration{time.Minute},
			BookTTL:     duration{time.Minute},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "chaintrader-archive",
			ForcePathStyle: true,
			Prefix:         "archive",
		},
		Gateway: GatewayConfig{
			RequestsPerSecond: 10,
			Burst:             20,
			WeightLimit:       1200,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000"},
			RatePerMin:  120,
		},
		Notify: NotifyConfig{
			Events: []string{"task_finished", "task_stopped", "panic_sell", "venue_error"},
		},
		Mode:     "trade",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"trade":   true,
	"monitor": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validBackends = map[string]bool{
	"file":     true,
	"postgres": true,
}

// PostgresRequired reports whether a Postgres pool must be opened.
func (c *Config) PostgresRequired() bool {
	return c.Postgres.Enabled || strings.EqualFold(c.Persistence.Backend, "postgres")
}

// PaperBalances parses the configured starting balances.
func (c *Config) PaperBalances() (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(c.Venue.Balances))
	for asset, s := range c.Venue.Balances {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return nil, fmt.Errorf("venue: balance %s: %w", asset, err)
		}
		out[strings.ToUpper(asset)] = d
	}
	return out, nil
}

// SeedPrices parses the simulated market's starting mid prices.
func (c *Config) SeedPrices() (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(c.Venue.Simulation.SeedPrices))
	for symbol, s := range c.Venue.Simulation.SeedPrices {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return nil, fmt.Errorf("venue: seed price %s: %w", symbol, err)
		}
		if !d.IsPositive() {
			return nil, fmt.Errorf("venue: seed price %s must be > 0", symbol)
		}
		out[strings.ToUpper(symbol)] = d
	}
	return out, nil
}

// PaperFeeRate parses the configured fee rate; empty means zero.
func (c *Config) PaperFeeRate() (decimal.Decimal, error) {
	if strings.TrimSpace(c.Venue.FeeRate) == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(c.Venue.FeeRate)
}

// Symbols returns the configured order-book symbols in order.
func (c *Config) Symbols() []string {
	out := make([]string, 0, len(c.OrderBook.Symbols))
	for _, s := range c.OrderBook.Symbols {
		out = append(out, s.Symbol)
	}
	return out
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: trade, monitor)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Venue
	if c.Venue.Name == "" {
		errs = append(errs, "venue: name must not be empty")
	}
	if c.Venue.Kind != "paper" {
		errs = append(errs, fmt.Sprintf("venue: unsupported kind %q (valid: paper)", c.Venue.Kind))
	}
	if _, err := c.PaperBalances(); err != nil {
		errs = append(errs, err.Error())
	}
	if _, err := c.SeedPrices(); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Venue.Simulation.Volatility < 0 || c.Venue.Simulation.Volatility >= 1 {
		errs = append(errs, "venue: simulation volatility must be in [0, 1)")
	}
	if fee, err := c.PaperFeeRate(); err != nil {
		errs = append(errs, fmt.Sprintf("venue: fee_rate %q is not a decimal", c.Venue.FeeRate))
	} else if fee.IsNegative() || fee.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		errs = append(errs, "venue: fee_rate must be in [0, 1)")
	}

	// Executor
	if c.Executor.TickInterval.Duration <= 0 {
		errs = append(errs, "executor: tick_interval must be > 0")
	}
	if c.Executor.PollInterval.Duration < 0 {
		errs = append(errs, "executor: poll_interval must be >= 0")
	}
	if c.Executor.MaxParallel < 1 {
		errs = append(errs, "executor: max_parallel must be >= 1")
	}

	// Order book
	if len(c.OrderBook.Symbols) == 0 {
		errs = append(errs, "orderbook: at least one symbol is required")
	}
	seen := make(map[string]bool, len(c.OrderBook.Symbols))
	for _, s := range c.OrderBook.Symbols {
		switch {
		case s.Symbol == "":
			errs = append(errs, "orderbook: symbol must not be empty")
		case seen[s.Symbol]:
			errs = append(errs, fmt.Sprintf("orderbook: duplicate symbol %s", s.Symbol))
		}
		seen[s.Symbol] = true
		if s.Precision < 0 {
			errs = append(errs, fmt.Sprintf("orderbook: %s precision must be >= 0", s.Symbol))
		}
		if m := s.Merge(); m < 0 || m > s.Precision {
			errs = append(errs, fmt.Sprintf("orderbook: %s merge_decimals must be in [0, precision]", s.Symbol))
		}
	}
	if c.OrderBook.DepthLimit < 1 {
		errs = append(errs, "orderbook: depth_limit must be >= 1")
	}
	if c.OrderBook.WSURL != "" && c.OrderBook.SnapshotURL == "" {
		errs = append(errs, "orderbook: snapshot_url is required with ws_url")
	}

	// Persistence
	if !validBackends[strings.ToLower(c.Persistence.Backend)] {
		errs = append(errs, fmt.Sprintf("persistence: unknown backend %q (valid: file, postgres)", c.Persistence.Backend))
	}
	if strings.EqualFold(c.Persistence.Backend, "file") && c.Persistence.Dir == "" {
		errs = append(errs, "persistence: dir must not be empty for the file backend")
	}

	// Postgres
	if c.PostgresRequired() {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
	}

	// Gateway
	if c.Gateway.RequestsPerSecond < 0 {
		errs = append(errs, "gateway: requests_per_second must be >= 0")
	}
	if c.Gateway.WeightLimit < 0 {
		errs = append(errs, "gateway: weight_limit must be >= 0")
	}
	for op, w := range c.Gateway.Weights {
		if w < 0 {
			errs = append(errs, fmt.Sprintf("gateway: weight for %s must be >= 0", op))
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
