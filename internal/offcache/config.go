package offcache

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port   int    `yaml:"port" env:"OFFCACHE_PORT"`
		Origin string `yaml:"origin" env:"OFFCACHE_ORIGIN"`
	} `yaml:"server"`

	// Version suffixes every store name. Bumping it retires the previous
	// generation of stores on activation.
	Version string `yaml:"version" env:"OFFCACHE_VERSION"`

	Storage StorageConfig `yaml:"storage"`

	Catalog struct {
		Prefixes    []string `yaml:"prefixes" env:"OFFCACHE_CATALOG_PREFIXES" envSeparator:","`
		Collections []string `yaml:"collections" env:"OFFCACHE_CATALOG_COLLECTIONS" envSeparator:","`
		Freshness   string   `yaml:"freshness" env:"OFFCACHE_CATALOG_FRESHNESS"`
	} `yaml:"catalog"`

	Shell []string `yaml:"shell" env:"OFFCACHE_SHELL" envSeparator:","`

	Fetch struct {
		Timeout string `yaml:"timeout" env:"OFFCACHE_FETCH_TIMEOUT"`
	} `yaml:"fetch"`

	Lock struct {
		Redis struct {
			Addr     string `yaml:"addr" env:"OFFCACHE_REDIS_ADDR"`
			Password string `yaml:"password" env:"OFFCACHE_REDIS_PASSWORD"`
			DB       int    `yaml:"db" env:"OFFCACHE_REDIS_DB"`
		} `yaml:"redis"`
		TTL     string `yaml:"ttl" env:"OFFCACHE_LOCK_TTL"`
		MaxWait string `yaml:"maxWait" env:"OFFCACHE_LOCK_MAX_WAIT"`
	} `yaml:"lock"`

	Logging struct {
		StatsEvery string `yaml:"statsEvery" env:"OFFCACHE_LOG_STATS_EVERY"`
	} `yaml:"logging"`

	Warmup struct {
		Sitemaps     []string `yaml:"sitemaps" env:"OFFCACHE_WARMUP_SITEMAPS" envSeparator:","`
		InitialDelay string   `yaml:"initialDelay" env:"OFFCACHE_WARMUP_INITIAL_DELAY"`
	} `yaml:"warmup"`

	// compiled
	freshnessDur    time.Duration
	fetchTimeoutDur time.Duration
	lockTTLDur      time.Duration
	lockMaxWaitDur  time.Duration
	statsEveryDur   time.Duration
	warmDelayDur    time.Duration
}

type StorageConfig struct {
	Backend string `yaml:"backend" env:"OFFCACHE_STORAGE_BACKEND"`

	LevelDB struct {
		Path string `yaml:"path" env:"OFFCACHE_LEVELDB_PATH"`
	} `yaml:"leveldb"`

	S3 struct {
		Endpoint  string `yaml:"endpoint" env:"OFFCACHE_S3_ENDPOINT"`
		Region    string `yaml:"region" env:"OFFCACHE_S3_REGION"`
		Bucket    string `yaml:"bucket" env:"OFFCACHE_S3_BUCKET"`
		AccessKey string `yaml:"accessKey" env:"OFFCACHE_S3_ACCESS_KEY"`
		SecretKey string `yaml:"secretKey" env:"OFFCACHE_S3_SECRET_KEY"`
	} `yaml:"s3"`

	RAM struct {
		Max string `yaml:"max" env:"OFFCACHE_RAM_MAX"`
	} `yaml:"ram"`

	Store struct {
		Max string `yaml:"max" env:"OFFCACHE_STORE_MAX"`
	} `yaml:"store"`

	MaxEntry string `yaml:"maxEntry" env:"OFFCACHE_MAX_ENTRY"`

	ramMaxBytes   int64
	storeMaxBytes int64
	maxEntryBytes int64
}

const (
	BackendLevelDB = "leveldb"
	BackendS3      = "s3"
)

// DefaultConfig holds the values used when neither the file nor the
// environment sets a key.
func DefaultConfig() Config {
	var cfg Config
	cfg.Server.Port = 8080
	cfg.Version = "v1"
	cfg.Storage.Backend = BackendLevelDB
	cfg.Storage.LevelDB.Path = "./data/leveldb"
	cfg.Storage.RAM.Max = "16mb"
	cfg.Storage.Store.Max = "256mb"
	cfg.Storage.MaxEntry = "8mb"
	cfg.Catalog.Prefixes = []string{"/rest/v1/", "/api/"}
	cfg.Catalog.Collections = []string{"catalog-items", "testimonials", "faqs", "contact-info", "message-templates"}
	cfg.Catalog.Freshness = "30m"
	cfg.Shell = []string{"/", "/manifest.json", "/favicon.ico"}
	cfg.Fetch.Timeout = "15s"
	cfg.Lock.TTL = "30s"
	cfg.Lock.MaxWait = "10s"
	return cfg
}

// LoadConfig reads the YAML file at path over the defaults, applies OFFCACHE_*
// environment overrides and validates the result. An empty path skips the file.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) compile() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	cfg.Server.Origin = strings.TrimRight(strings.TrimSpace(cfg.Server.Origin), "/")
	if cfg.Server.Origin == "" {
		return configError("server.origin is required")
	}
	cfg.Version = strings.TrimSpace(cfg.Version)
	if cfg.Version == "" || strings.Contains(cfg.Version, "@") {
		return configError("version must be non-empty and must not contain '@', got %q", cfg.Version)
	}

	switch cfg.Storage.Backend {
	case BackendLevelDB:
		if cfg.Storage.LevelDB.Path == "" {
			return configError("storage.leveldb.path is required")
		}
	case BackendS3:
		s := cfg.Storage.S3
		if s.Endpoint == "" || s.Bucket == "" || s.AccessKey == "" || s.SecretKey == "" {
			return configError("storage.s3 endpoint/bucket/accessKey/secretKey are required")
		}
	default:
		return configError("storage.backend: unknown backend %q", cfg.Storage.Backend)
	}

	sizes := []struct {
		name string
		in   string
		out  *int64
	}{
		{"storage.ram.max", cfg.Storage.RAM.Max, &cfg.Storage.ramMaxBytes},
		{"storage.store.max", cfg.Storage.Store.Max, &cfg.Storage.storeMaxBytes},
		{"storage.maxEntry", cfg.Storage.MaxEntry, &cfg.Storage.maxEntryBytes},
	}
	for _, s := range sizes {
		n, err := parseBytes(s.in)
		if err != nil {
			return configError("%s: %v", s.name, err)
		}
		*s.out = n
	}

	durs := []struct {
		name     string
		in       string
		out      *time.Duration
		optional bool
	}{
		{"catalog.freshness", cfg.Catalog.Freshness, &cfg.freshnessDur, false},
		{"fetch.timeout", cfg.Fetch.Timeout, &cfg.fetchTimeoutDur, false},
		{"lock.ttl", cfg.Lock.TTL, &cfg.lockTTLDur, false},
		{"lock.maxWait", cfg.Lock.MaxWait, &cfg.lockMaxWaitDur, false},
		{"logging.statsEvery", cfg.Logging.StatsEvery, &cfg.statsEveryDur, true},
		{"warmup.initialDelay", cfg.Warmup.InitialDelay, &cfg.warmDelayDur, true},
	}
	for _, d := range durs {
		if d.in == "" && d.optional {
			continue
		}
		v, err := time.ParseDuration(d.in)
		if err != nil {
			return configError("%s: %v", d.name, err)
		}
		if v < 0 || (v == 0 && !d.optional) {
			return configError("%s must be positive", d.name)
		}
		*d.out = v
	}

	for i, p := range cfg.Catalog.Prefixes {
		p = strings.TrimSpace(p)
		if !strings.HasPrefix(p, "/") {
			return configError("catalog.prefixes[%d]: %q must start with /", i, p)
		}
		if !strings.HasSuffix(p, "/") {
			p += "/"
		}
		cfg.Catalog.Prefixes[i] = p
	}
	if len(cfg.Shell) == 0 {
		return configError("shell must list at least one resource")
	}
	for i, p := range cfg.Shell {
		if !strings.HasPrefix(p, "/") {
			return configError("shell[%d]: %q must start with /", i, p)
		}
	}
	return nil
}

func (cfg Config) Freshness() time.Duration    { return cfg.freshnessDur }
func (cfg Config) FetchTimeout() time.Duration { return cfg.fetchTimeoutDur }
