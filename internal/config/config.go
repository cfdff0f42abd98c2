package config

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/marketprism/marketprism/internal/types"
)

// Config is the full typed configuration for all three processes. Unknown
// YAML keys are rejected; invalid values fail startup.
type Config struct {
	Bus        BusConfig                       `yaml:"bus"`
	Hot        StoreConfig                     `yaml:"hot"`
	Cold       StoreConfig                     `yaml:"cold"`
	Writer     WriterConfig                    `yaml:"writer"`
	Replicator ReplicatorConfig                `yaml:"replicator"`
	Orderbook  OrderbookConfig                 `yaml:"orderbook"`
	Exchanges  map[string]ExchangeConfig       `yaml:"exchanges"`
	Health     HealthConfig                    `yaml:"health"`
	Deadletter DeadletterConfig                `yaml:"deadletter"`
}

// BusConfig points at the JetStream-backed message bus.
type BusConfig struct {
	URL string `yaml:"url"`
}

// StoreConfig identifies one columnar store endpoint.
type StoreConfig struct {
	Host     string `yaml:"host"`
	TCPPort  int    `yaml:"tcp"`
	HTTPPort int    `yaml:"http"`
	Database string `yaml:"db"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Addr returns the native-protocol address of the store.
func (s StoreConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.TCPPort)
}

// BatchConfig tunes one data type's writer batcher.
type BatchConfig struct {
	BatchSize  int `yaml:"batch_size"`
	MaxDelayMS int `yaml:"max_delay_ms"`
	QueueMax   int `yaml:"queue_max"`
}

// MaxDelay returns the time trigger for a partial batch flush.
func (b BatchConfig) MaxDelay() time.Duration {
	return time.Duration(b.MaxDelayMS) * time.Millisecond
}

// WriterConfig holds per-type batch tuning for the hot writer.
type WriterConfig struct {
	Types map[types.DataType]BatchConfig `yaml:"types"`
}

// Batch returns the batch tuning for a data type, falling back to the
// per-type defaults.
func (w WriterConfig) Batch(dt types.DataType) BatchConfig {
	if b, ok := w.Types[dt]; ok {
		return b
	}
	return defaultBatch[dt]
}

// ReplicatorConfig tunes the hot-to-cold replication job.
type ReplicatorConfig struct {
	IntervalSeconds int    `yaml:"interval_seconds"`
	WindowHours     int    `yaml:"window_hours"`
	BatchLimit      int    `yaml:"batch_limit"`
	SymbolPrefix    string `yaml:"symbol_prefix"`
	Exchange        string `yaml:"exchange"`
	MarketType      string `yaml:"market_type"`
	DryRun          bool   `yaml:"dry_run"`
	CleanupEnabled  bool   `yaml:"cleanup_enabled"`
	ColdTTLDays     int    `yaml:"cold_ttl_days"`
}

// Interval returns the scheduling period for replication runs.
func (r ReplicatorConfig) Interval() time.Duration {
	return time.Duration(r.IntervalSeconds) * time.Second
}

// Window returns the lookback used when a partition has no cold watermark.
func (r ReplicatorConfig) Window() time.Duration {
	return time.Duration(r.WindowHours) * time.Hour
}

// OrderbookConfig tunes the orderbook maintainers.
type OrderbookConfig struct {
	Depth                int    `yaml:"depth"`
	SnapshotSource       string `yaml:"snapshot_source"`
	SnapshotIntervalMS   int    `yaml:"snapshot_interval_ms"`
	ResyncBackoffMS      int    `yaml:"resync_backoff_ms"`
	ChecksumVerification bool   `yaml:"checksum_verification"`
	BufferLimit          int    `yaml:"buffer_limit"`
}

// SnapshotInterval returns the periodic full-refresh emission interval.
func (o OrderbookConfig) SnapshotInterval() time.Duration {
	return time.Duration(o.SnapshotIntervalMS) * time.Millisecond
}

// ResyncBackoff returns the base delay between resync attempts.
func (o OrderbookConfig) ResyncBackoff() time.Duration {
	return time.Duration(o.ResyncBackoffMS) * time.Millisecond
}

// ExchangeConfig tunes one venue's sessions.
type ExchangeConfig struct {
	Enabled            bool     `yaml:"enabled"`
	MarketTypes        []string `yaml:"market_types"`
	Symbols            []string `yaml:"symbols"`
	Proxy              string   `yaml:"proxy"`
	HeartbeatTimeoutMS int      `yaml:"heartbeat_timeout_ms"`
	ReconnectInitialMS int      `yaml:"reconnect_initial_ms"`
	ReconnectMaxMS     int      `yaml:"reconnect_max_ms"`
}

// HeartbeatTimeout returns how long a session may stay silent before it is
// marked degraded.
func (e ExchangeConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(e.HeartbeatTimeoutMS) * time.Millisecond
}

// HealthConfig tunes the health/metrics HTTP surface.
type HealthConfig struct {
	Addr string `yaml:"addr"`
}

// DeadletterConfig selects the deadletter sink. RedisAddr empty keeps the
// in-memory ring.
type DeadletterConfig struct {
	RedisAddr string `yaml:"redis_addr"`
	MaxLen    int    `yaml:"max_len"`
}

var defaultBatch = map[types.DataType]BatchConfig{
	types.DataTypeOrderbook:       {BatchSize: 100, MaxDelayMS: 10_000, QueueMax: 1000},
	types.DataTypeTrade:           {BatchSize: 100, MaxDelayMS: 10_000, QueueMax: 1000},
	types.DataTypeFundingRate:     {BatchSize: 10, MaxDelayMS: 2_000, QueueMax: 500},
	types.DataTypeOpenInterest:    {BatchSize: 50, MaxDelayMS: 10_000, QueueMax: 500},
	types.DataTypeLiquidation:     {BatchSize: 5, MaxDelayMS: 10_000, QueueMax: 200},
	types.DataTypeLSRTopPosition:  {BatchSize: 1, MaxDelayMS: 1_000, QueueMax: 50},
	types.DataTypeLSRAllAccount:   {BatchSize: 1, MaxDelayMS: 1_000, QueueMax: 50},
	types.DataTypeVolatilityIndex: {BatchSize: 1, MaxDelayMS: 1_000, QueueMax: 50},
}

// Default returns the built-in configuration, before file and env overlays.
func Default() Config {
	return Config{
		Bus: BusConfig{URL: "nats://localhost:4222"},
		Hot: StoreConfig{
			Host: "localhost", TCPPort: 9000, HTTPPort: 8123, Database: "marketprism_hot",
		},
		Cold: StoreConfig{
			Host: "localhost", TCPPort: 9100, HTTPPort: 8124, Database: "marketprism_cold",
		},
		Writer: WriterConfig{Types: map[types.DataType]BatchConfig{}},
		Replicator: ReplicatorConfig{
			IntervalSeconds: 3600,
			WindowHours:     72,
			BatchLimit:      500_000,
			CleanupEnabled:  false,
			ColdTTLDays:     3650,
		},
		Orderbook: OrderbookConfig{
			Depth:                400,
			SnapshotSource:       "rest",
			SnapshotIntervalMS:   30_000,
			ResyncBackoffMS:      1_000,
			ChecksumVerification: true,
			BufferLimit:          5_000,
		},
		Exchanges:  map[string]ExchangeConfig{},
		Health:     HealthConfig{Addr: ":8086"},
		Deadletter: DeadletterConfig{MaxLen: 10_000},
	}
}

// Load reads the YAML file at path (optional), overlays environment
// variables, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("BUS_URL"); v != "" {
		cfg.Bus.URL = v
	}
	if v := os.Getenv("HOT_HOST"); v != "" {
		cfg.Hot.Host = v
	}
	if v := os.Getenv("COLD_HOST"); v != "" {
		cfg.Cold.Host = v
	}
	if v := os.Getenv("MIGRATION_EXCHANGE"); v != "" {
		cfg.Replicator.Exchange = v
	}
	if v := os.Getenv("MIGRATION_MARKET_TYPE"); v != "" {
		cfg.Replicator.MarketType = v
	}
	if v := os.Getenv("MIGRATION_SYMBOL_PREFIX"); v != "" {
		cfg.Replicator.SymbolPrefix = v
	}
	if v := os.Getenv("MIGRATION_DRY_RUN"); v != "" {
		cfg.Replicator.DryRun = v == "true" || v == "1"
	}
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		cfg.Health.Addr = v
	}
	if v := os.Getenv("REPLICATION_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Replicator.IntervalSeconds = n
		}
	}
}

// Validate fails fast on configuration that cannot produce a working
// pipeline.
func (c Config) Validate() error {
	if c.Bus.URL == "" {
		return fmt.Errorf("config: bus.url is required")
	}
	for name, s := range map[string]StoreConfig{"hot": c.Hot, "cold": c.Cold} {
		if s.Host == "" || s.TCPPort == 0 || s.Database == "" {
			return fmt.Errorf("config: %s store requires host, tcp port and db", name)
		}
	}
	for dt, b := range c.Writer.Types {
		if _, known := defaultBatch[dt]; !known {
			return fmt.Errorf("config: writer.types has unknown data type %q", dt)
		}
		if b.BatchSize <= 0 || b.MaxDelayMS <= 0 || b.QueueMax <= 0 {
			return fmt.Errorf("config: writer.types[%s] values must be positive", dt)
		}
	}
	if c.Replicator.IntervalSeconds <= 0 || c.Replicator.WindowHours <= 0 {
		return fmt.Errorf("config: replicator interval and window must be positive")
	}
	if c.Replicator.BatchLimit <= 0 {
		return fmt.Errorf("config: replicator.batch_limit must be positive")
	}
	if c.Orderbook.Depth <= 0 || c.Orderbook.Depth > 5000 {
		return fmt.Errorf("config: orderbook.depth must be in (0, 5000]")
	}
	if c.Orderbook.BufferLimit <= 0 {
		return fmt.Errorf("config: orderbook.buffer_limit must be positive")
	}
	for name, ex := range c.Exchanges {
		if !ex.Enabled {
			continue
		}
		if len(ex.Symbols) == 0 {
			return fmt.Errorf("config: exchange %s enabled without symbols", name)
		}
	}
	return nil
}
