// Package config loads DAO and cache settings from a config file, .env files
// and MARDAO_* environment variables, and builds the matching providers,
// loggers and Dao options.
//
//	cache:
//	  provider: redis        # none | ristretto | bigcache | redis | memcache
//	  ttl: 10m
//	  codec: msgpack         # json | msgpack | cbor
//	  genstore: redis        # local | redis
//	  redis: {addr: "localhost:6379"}
//	kinds:
//	  user: {cache_entities: true, cache_all: true}
//	geo:
//	  resolutions: [12, 15, 18]
//	log:
//	  backend: zap
//	  level: info
//
// Environment variables override file values: MARDAO_CACHE_PROVIDER,
// MARDAO_CACHE_REDIS_ADDR, MARDAO_LOG_LEVEL and so on.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

var ErrUnknownBackend = errors.New("config: unknown backend")

type Config struct {
	Cache Cache                 `mapstructure:"cache"`
	Kinds map[string]KindConfig `mapstructure:"kinds"`
	Geo   Geo                   `mapstructure:"geo"`
	Log   Log                   `mapstructure:"log"`
}

type Cache struct {
	Provider string        `mapstructure:"provider"`
	TTL      time.Duration `mapstructure:"ttl"`
	Codec    string        `mapstructure:"codec"`
	// MaxDecodeBytes refuses to decode larger cached payloads; 0 = no limit.
	MaxDecodeBytes int       `mapstructure:"max_decode_bytes"`
	GenStore       string    `mapstructure:"genstore"`
	Redis          Redis     `mapstructure:"redis"`
	Memcache       Memcache  `mapstructure:"memcache"`
	Ristretto      Ristretto `mapstructure:"ristretto"`
	BigCache       BigCache  `mapstructure:"bigcache"`
}

type Redis struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	Namespace string `mapstructure:"namespace"` // generation keys prefix
}

type Memcache struct {
	Servers []string `mapstructure:"servers"`
}

type Ristretto struct {
	MaxItems int64 `mapstructure:"max_items"`
	MaxBytes int64 `mapstructure:"max_bytes"` // > 0 => byte budget, MaxItems ignored
}

type BigCache struct {
	LifeWindow    time.Duration `mapstructure:"life_window"` // 0 => Cache.TTL
	HardMaxSize   int           `mapstructure:"hard_max_size_mb"`
	MaxValueBytes int           `mapstructure:"max_value_bytes"`
}

// KindConfig holds the per-kind cache flags.
type KindConfig struct {
	CacheAll      bool `mapstructure:"cache_all"`
	CacheEntities bool `mapstructure:"cache_entities"`
}

type Geo struct {
	Resolutions    []int  `mapstructure:"resolutions"`
	GeoboxesColumn string `mapstructure:"geoboxes_column"`
}

type Log struct {
	Backend string `mapstructure:"backend"` // none | zap | logrus | slog | zerolog
	Level   string `mapstructure:"level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("cache.provider", "none")
	v.SetDefault("cache.ttl", 10*time.Minute)
	v.SetDefault("cache.codec", "json")
	v.SetDefault("cache.max_decode_bytes", 0)
	v.SetDefault("cache.genstore", "local")
	v.SetDefault("cache.redis.addr", "localhost:6379")
	v.SetDefault("cache.redis.password", "")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.redis.namespace", "mardao")
	v.SetDefault("cache.memcache.servers", []string{"localhost:11211"})
	v.SetDefault("cache.ristretto.max_items", 100_000)
	v.SetDefault("cache.ristretto.max_bytes", 0)
	v.SetDefault("cache.bigcache.life_window", 0)
	v.SetDefault("cache.bigcache.hard_max_size_mb", 0)
	v.SetDefault("cache.bigcache.max_value_bytes", 0)
	v.SetDefault("geo.resolutions", []int{12, 15, 18})
	v.SetDefault("geo.geoboxes_column", "geoboxes")
	v.SetDefault("log.backend", "none")
	v.SetDefault("log.level", "info")
}

// Load reads .env and .env.local when present, then the config file at path
// (skipped when path is empty), then the environment.
func Load(path string) (*Config, error) {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("mardao")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	return &c, nil
}

// Kind returns the cache flags for kind. Keys are case-insensitive.
func (c *Config) Kind(kind string) KindConfig {
	return c.Kinds[strings.ToLower(kind)]
}
