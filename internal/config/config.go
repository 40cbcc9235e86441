package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const envPrefix = "RAIDSCOUT"

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig         `yaml:"store" mapstructure:"store"`
	Keys       map[string][]string `yaml:"keys" mapstructure:"keys"`
	KeyPool    KeyPoolConfig       `yaml:"keypool" mapstructure:"keypool"`
	API        APIConfig           `yaml:"api" mapstructure:"api"`
	Snapshot   SnapshotConfig      `yaml:"snapshot" mapstructure:"snapshot"`
	Enrichment EnrichmentConfig    `yaml:"enrichment" mapstructure:"enrichment"`
	Raid       RaidConfig          `yaml:"raid" mapstructure:"raid"`
	Loot       LootConfig          `yaml:"loot" mapstructure:"loot"`
	Server     ServerConfig        `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig    `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig           `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the snapshot database.
type StoreConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// KeyPoolConfig configures credential rate windows and quarantine.
type KeyPoolConfig struct {
	HourlyQuota    int `yaml:"hourly_quota" mapstructure:"hourly_quota"`
	QuarantineSecs int `yaml:"quarantine_secs" mapstructure:"quarantine_secs"`
}

// QuarantineDuration returns the quarantine period.
func (c KeyPoolConfig) QuarantineDuration() time.Duration {
	return time.Duration(c.QuarantineSecs) * time.Second
}

// APIConfig configures the live game API.
type APIConfig struct {
	GraphQLURL  string `yaml:"graphql_url" mapstructure:"graphql_url"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	// Breaker settings for each query kind.
	BreakerFailures  int `yaml:"breaker_failures" mapstructure:"breaker_failures"`
	BreakerResetSecs int `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
}

// SnapshotConfig configures daily bulk export ingestion.
type SnapshotConfig struct {
	BaseURL             string `yaml:"base_url" mapstructure:"base_url"`
	TempDir             string `yaml:"temp_dir" mapstructure:"temp_dir"`
	UserAgent           string `yaml:"user_agent" mapstructure:"user_agent"`
	FreshnessSecs       int    `yaml:"freshness_secs" mapstructure:"freshness_secs"`
	RetentionDays       int    `yaml:"retention_days" mapstructure:"retention_days"`
	ScheduleHour        int    `yaml:"schedule_hour" mapstructure:"schedule_hour"`
	ScheduleZone        string `yaml:"schedule_zone" mapstructure:"schedule_zone"`
	RunAtStartup        bool   `yaml:"run_at_startup" mapstructure:"run_at_startup"`
	DownloadTimeoutSecs int    `yaml:"download_timeout_secs" mapstructure:"download_timeout_secs"`
}

// Freshness returns the reference cache freshness window.
func (c SnapshotConfig) Freshness() time.Duration {
	return time.Duration(c.FreshnessSecs) * time.Second
}

// BatchConfig configures one chunked enrichment query.
type BatchConfig struct {
	ChunkSize    int `yaml:"chunk_size" mapstructure:"chunk_size"`
	ChunkDelayMs int `yaml:"chunk_delay_ms" mapstructure:"chunk_delay_ms"`
	MaxRetries   int `yaml:"max_retries" mapstructure:"max_retries"`
	RetryDelayMs int `yaml:"retry_delay_ms" mapstructure:"retry_delay_ms"`
}

// ChunkDelay returns the pause between chunks.
func (c BatchConfig) ChunkDelay() time.Duration {
	return time.Duration(c.ChunkDelayMs) * time.Millisecond
}

// RetryDelay returns the linear backoff unit.
func (c BatchConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMs) * time.Millisecond
}

// EnrichmentConfig configures the live enrichment queries.
type EnrichmentConfig struct {
	AllianceScope    string      `yaml:"alliance_scope" mapstructure:"alliance_scope"`
	CityScope        string      `yaml:"city_scope" mapstructure:"city_scope"`
	PriceScope       string      `yaml:"price_scope" mapstructure:"price_scope"`
	Alliances        BatchConfig `yaml:"alliances" mapstructure:"alliances"`
	Cities           BatchConfig `yaml:"cities" mapstructure:"cities"`
	CityCacheTTLSecs int         `yaml:"city_cache_ttl_secs" mapstructure:"city_cache_ttl_secs"`
	PriceTTLSecs     int         `yaml:"price_ttl_secs" mapstructure:"price_ttl_secs"`
}

// CityCacheTTL returns the improvements cache TTL.
func (c EnrichmentConfig) CityCacheTTL() time.Duration {
	return time.Duration(c.CityCacheTTLSecs) * time.Second
}

// PriceTTL returns the market price cache TTL.
func (c EnrichmentConfig) PriceTTL() time.Duration {
	return time.Duration(c.PriceTTLSecs) * time.Second
}

// RaidConfig configures target filtering.
type RaidConfig struct {
	MinScoreRatio     float64 `yaml:"min_score_ratio" mapstructure:"min_score_ratio"`
	MaxScoreRatio     float64 `yaml:"max_score_ratio" mapstructure:"max_score_ratio"`
	MinLoot           float64 `yaml:"min_loot" mapstructure:"min_loot"`
	MaxDefensiveWars  int     `yaml:"max_defensive_wars" mapstructure:"max_defensive_wars"`
	TopAllianceRank   int     `yaml:"top_alliance_rank" mapstructure:"top_alliance_rank"`
	OwnAllianceID     int     `yaml:"own_alliance_id" mapstructure:"own_alliance_id"`
	PurgeMaxCities    int     `yaml:"purge_max_cities" mapstructure:"purge_max_cities"`
	TimeoutSecs       int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	NotifyBuffer      int     `yaml:"notify_buffer" mapstructure:"notify_buffer"`
	RecordRuns        bool    `yaml:"record_runs" mapstructure:"record_runs"`
	DefaultResultSize int     `yaml:"default_result_size" mapstructure:"default_result_size"`
}

// LootConfig points at an optional YAML file overriding scoring tables.
type LootConfig struct {
	ValuesFile string `yaml:"values_file" mapstructure:"values_file"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// MonitoringConfig configures the background health checker and its
// alert webhook.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	StaleSnapshotHours   int     `yaml:"stale_snapshot_hours" mapstructure:"stale_snapshot_hours"`
	EstimatedRateAlert   float64 `yaml:"estimated_rate_alert" mapstructure:"estimated_rate_alert"`
	QuarantinedKeysAlert float64 `yaml:"quarantined_keys_alert" mapstructure:"quarantined_keys_alert"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from .env, config.yaml and the environment.
func Load() (*Config, error) {
	// A missing .env is normal outside development.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, eris.Wrap(err, "config: load .env")
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store.path", "raidscout.db")
	v.SetDefault("keypool.hourly_quota", 1000)
	v.SetDefault("keypool.quarantine_secs", 300)
	v.SetDefault("api.graphql_url", "https://api.politicsandwar.com/graphql")
	v.SetDefault("api.timeout_secs", 30)
	v.SetDefault("api.breaker_failures", 5)
	v.SetDefault("api.breaker_reset_secs", 60)
	v.SetDefault("snapshot.base_url", "https://politicsandwar.com/data")
	v.SetDefault("snapshot.temp_dir", os.TempDir())
	v.SetDefault("snapshot.user_agent", "raidscout/1.0")
	v.SetDefault("snapshot.freshness_secs", 300)
	v.SetDefault("snapshot.retention_days", 7)
	v.SetDefault("snapshot.schedule_hour", 20)
	v.SetDefault("snapshot.schedule_zone", "America/New_York")
	v.SetDefault("snapshot.run_at_startup", true)
	v.SetDefault("snapshot.download_timeout_secs", 60)
	v.SetDefault("enrichment.alliance_scope", "everything")
	v.SetDefault("enrichment.city_scope", "everything")
	v.SetDefault("enrichment.price_scope", "everything")
	v.SetDefault("enrichment.alliances.chunk_size", 50)
	v.SetDefault("enrichment.alliances.chunk_delay_ms", 500)
	v.SetDefault("enrichment.alliances.max_retries", 2)
	v.SetDefault("enrichment.alliances.retry_delay_ms", 1000)
	v.SetDefault("enrichment.cities.chunk_size", 25)
	v.SetDefault("enrichment.cities.chunk_delay_ms", 300)
	v.SetDefault("enrichment.cities.max_retries", 3)
	v.SetDefault("enrichment.cities.retry_delay_ms", 1000)
	v.SetDefault("enrichment.city_cache_ttl_secs", 3600)
	v.SetDefault("enrichment.price_ttl_secs", 3600)
	v.SetDefault("raid.min_score_ratio", 0.75)
	v.SetDefault("raid.max_score_ratio", 1.25)
	v.SetDefault("raid.min_loot", 100000)
	v.SetDefault("raid.max_defensive_wars", 3)
	v.SetDefault("raid.top_alliance_rank", 65)
	v.SetDefault("raid.own_alliance_id", 0)
	v.SetDefault("raid.purge_max_cities", 15)
	v.SetDefault("raid.timeout_secs", 600)
	v.SetDefault("raid.notify_buffer", 32)
	v.SetDefault("raid.record_runs", true)
	v.SetDefault("raid.default_result_size", 25)
	v.SetDefault("server.port", 8080)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.stale_snapshot_hours", 26)
	v.SetDefault("monitoring.estimated_rate_alert", 0.5)
	v.SetDefault("monitoring.quarantined_keys_alert", 0.5)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	cfg.Keys = mergeEnvKeys(cfg.Keys, os.Environ())

	return &cfg, nil
}

// mergeEnvKeys adds RAIDSCOUT_KEYS_<SCOPE>=k1,k2 entries to the scope map.
// Env values replace file values for the same scope.
func mergeEnvKeys(keys map[string][]string, environ []string) map[string][]string {
	if keys == nil {
		keys = make(map[string][]string)
	}
	prefix := envPrefix + "_KEYS_"
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, prefix) {
			continue
		}
		scope := strings.ToLower(strings.TrimPrefix(name, prefix))
		if scope == "" {
			continue
		}
		var list []string
		for _, k := range strings.Split(value, ",") {
			if k = strings.TrimSpace(k); k != "" {
				list = append(list, k)
			}
		}
		keys[scope] = list
	}
	return keys
}

// Scopes returns the configured key scopes in sorted order.
func (c *Config) Scopes() []string {
	scopes := make([]string, 0, len(c.Keys))
	for s := range c.Keys {
		scopes = append(scopes, s)
	}
	sort.Strings(scopes)
	return scopes
}

// Validate checks the configuration for the given command mode. Common
// checks always run; "raid" and "serve" also need credentials for every
// enrichment scope, and "serve" needs a usable port.
func (c *Config) Validate(mode string) error {
	var errs []string

	if c.Raid.MinScoreRatio <= 0 || c.Raid.MaxScoreRatio < c.Raid.MinScoreRatio {
		errs = append(errs, fmt.Sprintf("raid score ratios [%.2f, %.2f] are invalid", c.Raid.MinScoreRatio, c.Raid.MaxScoreRatio))
	}
	if c.Raid.MinLoot < 0 {
		errs = append(errs, "raid.min_loot must be >= 0")
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		errs = append(errs, fmt.Sprintf("log.format %q must be json or console", c.Log.Format))
	}
	if c.KeyPool.HourlyQuota <= 0 {
		errs = append(errs, "keypool.hourly_quota must be > 0")
	}
	if c.Enrichment.Alliances.ChunkSize <= 0 || c.Enrichment.Cities.ChunkSize <= 0 {
		errs = append(errs, "enrichment chunk_size must be > 0")
	}
	if c.Enrichment.Alliances.MaxRetries < 0 || c.Enrichment.Cities.MaxRetries < 0 {
		errs = append(errs, "enrichment max_retries must be >= 0")
	}

	if mode == "raid" || mode == "serve" {
		for _, scope := range []string{c.Enrichment.AllianceScope, c.Enrichment.CityScope, c.Enrichment.PriceScope} {
			if len(c.Keys[scope]) == 0 {
				errs = append(errs, fmt.Sprintf("keys.%s is required", scope))
			}
		}
	}
	if mode == "serve" && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		errs = append(errs, fmt.Sprintf("server.port %d is out of range", c.Server.Port))
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(dedupe(errs), "; "))
	}
	return nil
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
