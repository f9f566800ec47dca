// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// AppName names the XDG directories.
const AppName = "frontier-crawler"

// ErrMissingDSN is returned when no store connection string is configured.
var ErrMissingDSN = errors.New("store.dsn (CRAWLER_STORE_DSN) is required")

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Store     StoreConfig     `mapstructure:"store"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Cooldown  CooldownConfig  `mapstructure:"cooldown"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Content   ContentConfig   `mapstructure:"content"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// StoreConfig points at the durable store. postgres:// and sqlite:// DSNs
// are accepted.
type StoreConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// CrawlerConfig governs the controller and the fetch pipeline.
type CrawlerConfig struct {
	Concurrency   int           `mapstructure:"concurrency"`
	UserAgent     string        `mapstructure:"user_agent"`
	RespectRobots bool          `mapstructure:"respect_robots"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxBodySize   int           `mapstructure:"max_body_size"`
	BadExtensions []string      `mapstructure:"bad_extensions"`
	IdleBackoff   time.Duration `mapstructure:"idle_backoff"`
	DrainTimeout  time.Duration `mapstructure:"drain_timeout"`
	KillGrace     time.Duration `mapstructure:"kill_grace"`
}

// CooldownConfig controls per-host backoff after 429s.
type CooldownConfig struct {
	Default time.Duration `mapstructure:"default"`
	// Backend is "store" (same database) or "redis".
	Backend       string `mapstructure:"backend"`
	SweepSchedule string `mapstructure:"sweep_schedule"`
}

// RedisConfig is used when cooldown.backend is redis.
type RedisConfig struct {
	Address   string `mapstructure:"address"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// ContentConfig selects where raw page bodies go. Backend "none" keeps them
// inline in the content table.
type ContentConfig struct {
	Backend     string `mapstructure:"backend"`
	LocalDir    string `mapstructure:"local_dir"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	GCSPrefix   string `mapstructure:"gcs_prefix"`
	ContentType string `mapstructure:"content_type"`
}

// HeadlessConfig configures chromedp promotion.
type HeadlessConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	MaxParallel        int           `mapstructure:"max_parallel"`
	NavTimeout         time.Duration `mapstructure:"nav_timeout"`
	PromotionThreshold int           `mapstructure:"promotion_threshold"`
}

// PublisherConfig selects the page event sink.
type PublisherConfig struct {
	Backend   string   `mapstructure:"backend"`
	Topic     string   `mapstructure:"topic"`
	ProjectID string   `mapstructure:"project_id"`
	Brokers   []string `mapstructure:"brokers"`
}

// RateLimitConfig spaces requests per host. RPS 0 disables it.
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// AdminConfig controls the admin HTTP server.
type AdminConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig controls trace sampling.
type TelemetryConfig struct {
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config. A .env file in the working directory is applied to
// the environment first. With an empty path, crawler.yaml is looked up in
// the XDG config directory and the working directory; a missing file is not
// an error.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("crawler")
		v.SetConfigType("yaml")
		v.AddConfigPath(ConfigDir())
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
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

// ConfigDir is the XDG config directory for the crawler.
func ConfigDir() string {
	return filepath.Join(xdg.ConfigHome, AppName)
}

// DataDir is the XDG data directory; local page bodies default to a
// subdirectory of it.
func DataDir() string {
	return filepath.Join(xdg.DataHome, AppName)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("store.max_conn_lifetime", time.Hour)
	v.SetDefault("crawler.concurrency", 8)
	v.SetDefault("crawler.user_agent", "frontier-crawler/0.1")
	v.SetDefault("crawler.respect_robots", false)
	v.SetDefault("crawler.timeout", 15*time.Second)
	v.SetDefault("crawler.max_body_size", 10<<20)
	v.SetDefault("crawler.bad_extensions", []string{"json", "csv", "xml"})
	v.SetDefault("crawler.idle_backoff", time.Second)
	v.SetDefault("crawler.drain_timeout", 30*time.Second)
	v.SetDefault("crawler.kill_grace", 5*time.Second)
	v.SetDefault("cooldown.default", time.Hour)
	v.SetDefault("cooldown.backend", "store")
	v.SetDefault("cooldown.sweep_schedule", "@every 1m")
	v.SetDefault("redis.address", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "crawler")
	v.SetDefault("content.backend", "none")
	v.SetDefault("content.local_dir", filepath.Join(DataDir(), "content"))
	v.SetDefault("content.gcs_bucket", "")
	v.SetDefault("content.gcs_prefix", "")
	v.SetDefault("content.content_type", "text/html; charset=utf-8")
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout", 45*time.Second)
	v.SetDefault("headless.promotion_threshold", 2048)
	v.SetDefault("publisher.backend", "none")
	v.SetDefault("publisher.topic", "pages")
	v.SetDefault("publisher.project_id", "")
	v.SetDefault("publisher.brokers", []string{})
	v.SetDefault("ratelimit.rps", 0)
	v.SetDefault("ratelimit.burst", 1)
	v.SetDefault("admin.enabled", true)
	v.SetDefault("admin.addr", "127.0.0.1:8080")
	v.SetDefault("admin.api_key", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "")
	v.SetDefault("telemetry.sample_ratio", 0.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Store.DSN) == "" {
		return ErrMissingDSN
	}
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.Crawler.Timeout <= 0 {
		return fmt.Errorf("crawler.timeout must be > 0")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}
	if c.Cooldown.Default <= 0 {
		return fmt.Errorf("cooldown.default must be > 0")
	}
	switch c.Cooldown.Backend {
	case "store":
	case "redis":
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must be set when cooldown.backend is redis")
		}
	default:
		return fmt.Errorf("cooldown.backend must be store or redis, got %q", c.Cooldown.Backend)
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Publisher.Backend == "kafka" && len(c.Publisher.Brokers) == 0 {
		return fmt.Errorf("publisher.brokers must be set for the kafka publisher")
	}
	if c.Publisher.Backend == "pubsub" && c.Publisher.ProjectID == "" {
		return fmt.Errorf("publisher.project_id must be set for the pubsub publisher")
	}
	return nil
}
