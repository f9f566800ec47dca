package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crawler.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Chdir(t.TempDir())

	path := writeConfig(t, `
store:
  dsn: postgres://crawler@localhost:5432/crawl
  max_conns: 20
crawler:
  concurrency: 6
  user_agent: test-agent
  timeout: 5s
  bad_extensions: [json, pdf]
  drain_timeout: 1m
cooldown:
  default: 10m
  backend: redis
redis:
  address: localhost:6379
content:
  backend: gcs
  gcs_bucket: pages-bucket
publisher:
  backend: kafka
  brokers: [localhost:9092]
logging:
  development: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "postgres://crawler@localhost:5432/crawl", cfg.Store.DSN)
	require.Equal(t, int32(20), cfg.Store.MaxConns)
	require.Equal(t, 6, cfg.Crawler.Concurrency)
	require.Equal(t, "test-agent", cfg.Crawler.UserAgent)
	require.Equal(t, 5*time.Second, cfg.Crawler.Timeout)
	require.Equal(t, []string{"json", "pdf"}, cfg.Crawler.BadExtensions)
	require.Equal(t, time.Minute, cfg.Crawler.DrainTimeout)
	require.Equal(t, 10*time.Minute, cfg.Cooldown.Default)
	require.Equal(t, "redis", cfg.Cooldown.Backend)
	require.Equal(t, "gcs", cfg.Content.Backend)
	require.Equal(t, []string{"localhost:9092"}, cfg.Publisher.Brokers)
	require.True(t, cfg.Logging.Development)

	// untouched defaults
	require.Equal(t, time.Second, cfg.Crawler.IdleBackoff)
	require.Equal(t, "@every 1m", cfg.Cooldown.SweepSchedule)
	require.Equal(t, "pages", cfg.Publisher.Topic)
}

func TestLoadRequiresDSN(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CRAWLER_STORE_DSN", "")

	_, err := Load(writeConfig(t, "crawler:\n  concurrency: 2\n"))
	require.ErrorIs(t, err, ErrMissingDSN)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CRAWLER_STORE_DSN", "sqlite:///tmp/crawl.db")
	t.Setenv("CRAWLER_CRAWLER_CONCURRENCY", "3")
	t.Setenv("CRAWLER_COOLDOWN_DEFAULT", "90s")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "sqlite:///tmp/crawl.db", cfg.Store.DSN)
	require.Equal(t, 3, cfg.Crawler.Concurrency)
	require.Equal(t, 90*time.Second, cfg.Cooldown.Default)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("CRAWLER_STORE_DSN", "")
	require.NoError(t, os.Unsetenv("CRAWLER_STORE_DSN"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("CRAWLER_STORE_DSN=sqlite://dotenv.db\n"), 0o600))

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "sqlite://dotenv.db", cfg.Store.DSN)
}

func TestLoadMissingFile(t *testing.T) {
	t.Chdir(t.TempDir())

	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := Config{
		Store:    StoreConfig{DSN: "sqlite://x.db"},
		Crawler:  CrawlerConfig{Concurrency: 1, Timeout: time.Second},
		Cooldown: CooldownConfig{Default: time.Hour, Backend: "store"},
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero concurrency", func(c *Config) { c.Crawler.Concurrency = 0 }},
		{"zero timeout", func(c *Config) { c.Crawler.Timeout = 0 }},
		{"zero cooldown", func(c *Config) { c.Cooldown.Default = 0 }},
		{"redis without address", func(c *Config) { c.Cooldown.Backend = "redis" }},
		{"unknown cooldown backend", func(c *Config) { c.Cooldown.Backend = "memcached" }},
		{"headless without slots", func(c *Config) { c.Headless.Enabled = true }},
		{"kafka without brokers", func(c *Config) { c.Publisher.Backend = "kafka" }},
		{"pubsub without project", func(c *Config) { c.Publisher.Backend = "pubsub" }},
		{"sample ratio above one", func(c *Config) { c.Telemetry.SampleRatio = 1.5 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := valid
			tc.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestDirs(t *testing.T) {
	t.Parallel()

	require.Equal(t, AppName, filepath.Base(ConfigDir()))
	require.Equal(t, AppName, filepath.Base(DataDir()))
}
