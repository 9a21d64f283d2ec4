// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Archive providers.
const (
	ArchiveNone  = "none"
	ArchiveLocal = "local"
	ArchiveGCS   = "gcs"
)

// Config captures every knob loaded via Viper.
type Config struct {
	Store   StoreConfig   `mapstructure:"store"`
	Crawler CrawlerConfig `mapstructure:"crawler"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Filter  FilterConfig  `mapstructure:"filter"`
	Logging LoggingConfig `mapstructure:"logging"`
	Server  ServerConfig  `mapstructure:"server"`
	Archive ArchiveConfig `mapstructure:"archive"`
	PubSub  PubSubConfig  `mapstructure:"pubsub"`
}

// StoreConfig selects and addresses the frontier store.
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	// Name is the database name; for sqlite it is the database file path.
	Name     string `mapstructure:"name"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	// DSN overrides the postgres connection fields when set.
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// CrawlerConfig governs the crawl loop.
type CrawlerConfig struct {
	UserAgent          string        `mapstructure:"user_agent"`
	PolitenessInterval time.Duration `mapstructure:"politeness_interval"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	TempDir            string        `mapstructure:"temp_dir"`
	FinalDir           string        `mapstructure:"final_dir"`
	MaxRedirects       int           `mapstructure:"max_redirects"`
	ResolveRelative    bool          `mapstructure:"resolve_relative"`
}

// HTTPConfig configures the fetch client.
type HTTPConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// FilterConfig points at the URL pattern files.
type FilterConfig struct {
	ExcludeFile string `mapstructure:"exclude_file"`
	IncludeFile string `mapstructure:"include_file"`
}

// LoggingConfig controls zap output.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
	File        string `mapstructure:"file"`
}

// ServerConfig controls the ops/admin HTTP server.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// ArchiveConfig selects where saved data files are copied.
type ArchiveConfig struct {
	Provider string `mapstructure:"provider"`
	Dir      string `mapstructure:"dir"`
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
}

// PubSubConfig holds page-saved notification settings.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// flagKeys maps command-line flag names to configuration keys.
var flagKeys = map[string]string{
	"store-driver": "store.driver",
	"db-host":      "store.host",
	"db-port":      "store.port",
	"db-name":      "store.name",
	"log-file":     "logging.file",
	"log-level":    "logging.level",
	"dev":          "logging.development",
	"temp-dir":     "crawler.temp_dir",
	"final-dir":    "crawler.final_dir",
	"user-agent":   "crawler.user_agent",
	"exclude-file": "filter.exclude_file",
	"include-file": "filter.include_file",
}

// Load builds a Config from defaults, the optional file at path, CRAWLER_*
// environment variables, and any flags in flags that were set.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
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
	}
	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, fmt.Errorf("bind flag %q: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Store.Driver = strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	cfg.Archive.Provider = strings.ToLower(strings.TrimSpace(cfg.Archive.Provider))

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", DriverSQLite)
	v.SetDefault("store.name", "urlsDB")
	v.SetDefault("store.host", "localhost")
	v.SetDefault("store.port", 5432)
	v.SetDefault("store.user", "")
	v.SetDefault("store.password", "")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.max_conns", 4)
	v.SetDefault("crawler.user_agent", "Mozilla/5.0 (X11; Linux x86_64; rv:38.0) Gecko/20100101 Firefox/38.0 Iceweasel/38.7.1")
	v.SetDefault("crawler.politeness_interval", 5*time.Second)
	v.SetDefault("crawler.poll_interval", 500*time.Millisecond)
	v.SetDefault("crawler.temp_dir", "tmpdata")
	v.SetDefault("crawler.final_dir", "data")
	v.SetDefault("crawler.max_redirects", 3)
	v.SetDefault("crawler.resolve_relative", false)
	v.SetDefault("http.timeout", 60*time.Second)
	v.SetDefault("filter.exclude_file", "")
	v.SetDefault("filter.include_file", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "crawler.log")
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("archive.provider", ArchiveNone)
	v.SetDefault("archive.dir", "archive")
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.prefix", "")
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case DriverSQLite, DriverMemory:
	case DriverPostgres:
		if c.Store.DSN == "" && c.Store.Host == "" {
			errs = append(errs, errors.New("store.host must be set for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver must be one of sqlite, postgres, memory; got %q", c.Store.Driver))
	}
	if c.Store.Driver != DriverMemory && strings.TrimSpace(c.Store.Name) == "" {
		errs = append(errs, errors.New("store.name must be set"))
	}
	if c.Store.Port <= 0 || c.Store.Port > 65535 {
		errs = append(errs, errors.New("store.port must be between 1 and 65535"))
	}
	if c.Crawler.PolitenessInterval <= 0 {
		errs = append(errs, errors.New("crawler.politeness_interval must be > 0"))
	}
	if c.Crawler.PollInterval <= 0 {
		errs = append(errs, errors.New("crawler.poll_interval must be > 0"))
	}
	if strings.TrimSpace(c.Crawler.TempDir) == "" {
		errs = append(errs, errors.New("crawler.temp_dir must be set"))
	}
	if strings.TrimSpace(c.Crawler.FinalDir) == "" {
		errs = append(errs, errors.New("crawler.final_dir must be set"))
	}
	if c.Crawler.MaxRedirects < 0 {
		errs = append(errs, errors.New("crawler.max_redirects must be >= 0"))
	}
	if c.HTTP.Timeout <= 0 {
		errs = append(errs, errors.New("http.timeout must be > 0"))
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", c.Logging.Level))
	}
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		errs = append(errs, errors.New("server.port must be between 1 and 65535"))
	}
	switch c.Archive.Provider {
	case ArchiveNone, "":
	case ArchiveLocal:
		if strings.TrimSpace(c.Archive.Dir) == "" {
			errs = append(errs, errors.New("archive.dir must be set for the local archive"))
		}
	case ArchiveGCS:
		if strings.TrimSpace(c.Archive.Bucket) == "" {
			errs = append(errs, errors.New("archive.bucket must be set for the gcs archive"))
		}
	default:
		errs = append(errs, fmt.Errorf("archive.provider must be one of none, local, gcs; got %q", c.Archive.Provider))
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		errs = append(errs, errors.New("pubsub.project_id and pubsub.topic_name must be set when pubsub is enabled"))
	}
	return errors.Join(errs...)
}

// SQLitePath returns the database file for the sqlite driver. A name without
// an extension gets ".db".
func (s StoreConfig) SQLitePath() string {
	if filepath.Ext(s.Name) == "" {
		return s.Name + ".db"
	}
	return s.Name
}

// PostgresDSN returns DSN when set, otherwise a URL built from the
// individual fields.
func (s StoreConfig) PostgresDSN() string {
	if s.DSN != "" {
		return s.DSN
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(s.Host, strconv.Itoa(s.Port)),
		Path:   "/" + s.Name,
	}
	if s.User != "" {
		if s.Password != "" {
			u.User = url.UserPassword(s.User, s.Password)
		} else {
			u.User = url.User(s.User)
		}
	}
	return u.String()
}

// ArchiveDir returns the local archive directory including the prefix.
func (a ArchiveConfig) ArchiveDir() string {
	if a.Prefix == "" {
		return a.Dir
	}
	return filepath.Join(a.Dir, a.Prefix)
}
