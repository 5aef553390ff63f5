// Package config loads and validates twicsync configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	collyfetcher "github.com/JakeFAU/twicsync/internal/fetcher/colly"
	"github.com/JakeFAU/twicsync/internal/watermark"
)

// EnvPrefix namespaces every environment override, e.g. TWIC_SYNC_FORCE.
const EnvPrefix = "TWIC"

// DefaultEnvFile is read from the working directory when present.
const DefaultEnvFile = ".env"

// Watermark store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config captures all knobs loaded via Viper.
type Config struct {
	Feed      FeedConfig      `mapstructure:"feed"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Watermark WatermarkConfig `mapstructure:"watermark"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Combine   CombineConfig   `mapstructure:"combine"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// FeedConfig locates the index page and the archive origin.
type FeedConfig struct {
	URL        string `mapstructure:"url"`
	BaseURL    string `mapstructure:"base_url"`
	TableLabel string `mapstructure:"table_label"`
}

// HTTPConfig configures the shared HTTP session.
type HTTPConfig struct {
	UserAgent         string  `mapstructure:"user_agent"`
	TimeoutSeconds    int     `mapstructure:"timeout_seconds"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
}

// CacheConfig controls the on-disk response cache.
type CacheConfig struct {
	Dir          string `mapstructure:"dir"`
	Enabled      bool   `mapstructure:"enabled"`
	FeedTTLHours int    `mapstructure:"feed_ttl_hours"`
}

// StorageConfig sets where issue files land.
type StorageConfig struct {
	DownloadDir string `mapstructure:"download_dir"`
}

// WatermarkConfig selects the watermark backend and new-work policy.
type WatermarkConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
	DSN    string `mapstructure:"dsn"`
	Policy string `mapstructure:"policy"`
}

// SyncConfig holds run-level overrides.
type SyncConfig struct {
	Force bool `mapstructure:"force"`
}

// ArchiveConfig tunes the materializer.
type ArchiveConfig struct {
	KeepFailedZip bool `mapstructure:"keep_failed_zip"`
}

// CombineConfig controls the optional aggregate PGN.
type CombineConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Always    bool   `mapstructure:"always"`
	Output    string `mapstructure:"output"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	GCSPrefix string `mapstructure:"gcs_prefix"`
	// MirrorDir copies the combined file into a local directory instead of GCS.
	MirrorDir string `mapstructure:"mirror_dir"`
}

// NotifyConfig carries credentials for push notifications.
type NotifyConfig struct {
	PushoverToken string `mapstructure:"pushover_token"`
	PushoverUser  string `mapstructure:"pushover_user"`
	PubSubProject string `mapstructure:"pubsub_project"`
	PubSubTopic   string `mapstructure:"pubsub_topic"`
}

// MetricsConfig points at an optional node-exporter textfile.
type MetricsConfig struct {
	Textfile string `mapstructure:"textfile"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	File        string `mapstructure:"file"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk, ./.env and the environment.
func Load(path string) (Config, error) {
	return LoadFiles(path, DefaultEnvFile)
}

// LoadFiles is Load with an explicit dotenv path. A missing env file is ignored.
func LoadFiles(path, envFile string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	if err := applyEnvFile(v, envFile); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// applyEnvFile overlays TWIC_* entries from a dotenv file. Real environment
// variables win over the file.
func applyEnvFile(v *viper.Viper, envFile string) error {
	if envFile == "" {
		return nil
	}
	if _, err := os.Stat(envFile); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat env file: %w", err)
	}
	dot := viper.New()
	dot.SetConfigFile(envFile)
	dot.SetConfigType("env")
	if err := dot.ReadInConfig(); err != nil {
		return fmt.Errorf("read env file: %w", err)
	}
	for _, key := range v.AllKeys() {
		name := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if _, set := os.LookupEnv(name); set {
			continue
		}
		if dot.IsSet(name) {
			v.Set(key, dot.Get(name))
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("feed.url", "https://theweekinchess.com/twic")
	v.SetDefault("feed.base_url", "https://theweekinchess.com")
	v.SetDefault("feed.table_label", "TWIC Downloads")
	v.SetDefault("http.user_agent", collyfetcher.DefaultUserAgent)
	v.SetDefault("http.timeout_seconds", 60)
	v.SetDefault("http.requests_per_second", 1.0)
	v.SetDefault("cache.dir", "twic_downloads_cache")
	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.feed_ttl_hours", 24)
	v.SetDefault("storage.download_dir", "twic_downloads")
	v.SetDefault("watermark.driver", DriverSQLite)
	v.SetDefault("watermark.path", "twic_downloader_saveddata.sqlite")
	v.SetDefault("watermark.dsn", "")
	v.SetDefault("watermark.policy", string(watermark.PolicyEquality))
	v.SetDefault("sync.force", false)
	v.SetDefault("archive.keep_failed_zip", true)
	v.SetDefault("combine.enabled", false)
	v.SetDefault("combine.always", false)
	v.SetDefault("combine.output", "twic-all.pgn")
	v.SetDefault("combine.gcs_bucket", "")
	v.SetDefault("combine.gcs_prefix", "")
	v.SetDefault("combine.mirror_dir", "")
	v.SetDefault("notify.pushover_token", "")
	v.SetDefault("notify.pushover_user", "")
	v.SetDefault("notify.pubsub_project", "")
	v.SetDefault("notify.pubsub_topic", "")
	v.SetDefault("metrics.textfile", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	for key, raw := range map[string]string{"feed.url": c.Feed.URL, "feed.base_url": c.Feed.BaseURL} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%s must be an absolute URL", key)
		}
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.RequestsPerSecond < 0 {
		return fmt.Errorf("http.requests_per_second must be >= 0")
	}
	if c.Cache.Enabled {
		if c.Cache.Dir == "" {
			return fmt.Errorf("cache.dir must be set when cache is enabled")
		}
		if c.Cache.FeedTTLHours <= 0 {
			return fmt.Errorf("cache.feed_ttl_hours must be > 0")
		}
	}
	if c.Storage.DownloadDir == "" {
		return fmt.Errorf("storage.download_dir must be set")
	}
	switch c.Watermark.Driver {
	case DriverSQLite:
		if c.Watermark.Path == "" {
			return fmt.Errorf("watermark.path must be set for the sqlite driver")
		}
	case DriverPostgres:
		if c.Watermark.DSN == "" {
			return fmt.Errorf("watermark.dsn must be set for the postgres driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("watermark.driver %q is not supported", c.Watermark.Driver)
	}
	if _, err := watermark.ParsePolicy(c.Watermark.Policy); err != nil {
		return fmt.Errorf("watermark.policy: %w", err)
	}
	if c.Combine.Output == "" {
		return fmt.Errorf("combine.output must be set")
	}
	if c.Combine.GCSBucket != "" && c.Combine.MirrorDir != "" {
		return fmt.Errorf("combine.gcs_bucket and combine.mirror_dir are mutually exclusive")
	}
	if (c.Notify.PushoverToken == "") != (c.Notify.PushoverUser == "") {
		return fmt.Errorf("notify.pushover_token and notify.pushover_user must be set together")
	}
	if (c.Notify.PubSubProject == "") != (c.Notify.PubSubTopic == "") {
		return fmt.Errorf("notify.pubsub_project and notify.pubsub_topic must be set together")
	}
	return nil
}

// Timeout converts the HTTP timeout into a duration.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// FeedTTL converts the feed cache lifetime into a duration.
func (c Config) FeedTTL() time.Duration {
	return time.Duration(c.Cache.FeedTTLHours) * time.Hour
}
