// Package config loads and validates pipeline configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/mapforge/tilefetch/internal/api"
	"github.com/mapforge/tilefetch/internal/mbtiles"
	"github.com/mapforge/tilefetch/internal/notify"
	"github.com/mapforge/tilefetch/internal/pacing"
	"github.com/mapforge/tilefetch/internal/proxypool"
	"github.com/mapforge/tilefetch/internal/tiles"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Global     GlobalConfig     `mapstructure:"global"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Server     api.Config       `mapstructure:"server"`
	Strategies []pacing.Config  `mapstructure:"strategies"`
	ProxyPool  proxypool.Config `mapstructure:"proxy_pool"`
	Sources    []SourceConfig   `mapstructure:"sources"`
	MBTiles    mbtiles.Metadata `mapstructure:"mbtiles"`
	Output     OutputConfig     `mapstructure:"output"`
	Notify     notify.Config    `mapstructure:"notify"`
}

// GlobalConfig governs the run-wide pipeline behavior.
type GlobalConfig struct {
	Development    bool          `mapstructure:"development"`
	StagingDir     string        `mapstructure:"staging_dir"`
	CleanupStaging bool          `mapstructure:"cleanup_staging"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
	Concurrency    int           `mapstructure:"concurrency"`
}

// HTTPConfig configures the tile HTTP client.
type HTTPConfig struct {
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	UserAgent      string `mapstructure:"user_agent"`
}

// Timeout converts the configured timeout into a duration.
func (c HTTPConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SourceConfig describes one tile source to download.
type SourceConfig struct {
	Name        string            `mapstructure:"name"`
	URLTemplate string            `mapstructure:"url_template"`
	Headers     map[string]string `mapstructure:"headers"`
	ZoomLevels  []int             `mapstructure:"zoom_levels"`
	Bounds      tiles.Bounds      `mapstructure:"bounds"`
	Format      string            `mapstructure:"format"`
}

// OutputConfig lists the destinations finished archives are copied to.
type OutputConfig struct {
	Destinations []DestinationConfig `mapstructure:"destinations"`
}

// DestinationConfig describes one archive destination.
type DestinationConfig struct {
	Type   string `mapstructure:"type"` // local | gcs | noop
	Path   string `mapstructure:"path"`
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TILEFETCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
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

func setDefaults(v *viper.Viper) {
	v.SetDefault("global.development", false)
	v.SetDefault("global.staging_dir", "data/staging")
	v.SetDefault("global.cleanup_staging", false)
	v.SetDefault("global.max_retries", 3)
	v.SetDefault("global.retry_delay", "1s")
	v.SetDefault("global.concurrency", 4)
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.user_agent", "tilefetch/1.0 (+https://github.com/mapforge/tilefetch)")
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 9090)
	v.SetDefault("proxy_pool.rotation_interval_seconds", 60)
	v.SetDefault("proxy_pool.max_failures", 3)
	v.SetDefault("mbtiles.name", "map_tiles")
	v.SetDefault("mbtiles.version", "1.0")
	v.SetDefault("mbtiles.type", "baselayer")
	v.SetDefault("mbtiles.format", "png")
	v.SetDefault("mbtiles.bounds", "-180.0,-85.0511,180.0,85.0511")
	v.SetDefault("mbtiles.max_zoom", 22)
	v.SetDefault("notify.provider", "none")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Global.StagingDir) == "" {
		return fmt.Errorf("global.staging_dir must be set")
	}
	if c.Global.MaxRetries <= 0 {
		return fmt.Errorf("global.max_retries must be > 0")
	}
	if c.Global.Concurrency <= 0 {
		return fmt.Errorf("global.concurrency must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if len(c.Sources) == 0 {
		return fmt.Errorf("at least one source must be configured")
	}
	for i, src := range c.Sources {
		if err := src.validate(); err != nil {
			return fmt.Errorf("sources[%d]: %w", i, err)
		}
	}
	for i, dest := range c.Output.Destinations {
		if err := dest.validate(); err != nil {
			return fmt.Errorf("output.destinations[%d]: %w", i, err)
		}
	}
	if c.ProxyPool.Enabled {
		for i, e := range c.ProxyPool.Endpoints {
			if e.Address == "" || e.Port <= 0 {
				return fmt.Errorf("proxy_pool.endpoints[%d]: address and port are required", i)
			}
		}
	}
	switch c.Notify.Provider {
	case "", "none", "memory":
	case "pubsub":
		if c.Notify.ProjectID == "" || c.Notify.Topic == "" {
			return fmt.Errorf("notify.provider is 'pubsub' but project_id or topic is not set")
		}
	default:
		return fmt.Errorf("unknown notify provider: %s", c.Notify.Provider)
	}
	return nil
}

func (s SourceConfig) validate() error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	for _, placeholder := range []string{"{z}", "{x}", "{y}"} {
		if !strings.Contains(s.URLTemplate, placeholder) {
			return fmt.Errorf("url_template must contain %s", placeholder)
		}
	}
	if len(s.ZoomLevels) == 0 {
		return fmt.Errorf("zoom_levels must not be empty")
	}
	for _, z := range s.ZoomLevels {
		if z < 0 || z > 22 {
			return fmt.Errorf("zoom level %d out of range [0,22]", z)
		}
	}
	return nil
}

func (d DestinationConfig) validate() error {
	switch d.Type {
	case "local":
		if d.Path == "" {
			return fmt.Errorf("local destination requires path")
		}
	case "gcs":
		if d.Bucket == "" {
			return fmt.Errorf("gcs destination requires bucket")
		}
	case "noop":
	default:
		return fmt.Errorf("unknown destination type: %s", d.Type)
	}
	return nil
}
