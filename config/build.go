package config

import (
	"fmt"
	stdslog "log/slog"
	"os"
	"strings"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mattiaslevin/mardao"
	"github.com/mattiaslevin/mardao/codec"
	"github.com/mattiaslevin/mardao/genstore"
	"github.com/mattiaslevin/mardao/log"
	logruslog "github.com/mattiaslevin/mardao/log/logrus"
	slogadapter "github.com/mattiaslevin/mardao/log/slog"
	zaplog "github.com/mattiaslevin/mardao/log/zap"
	zerologlog "github.com/mattiaslevin/mardao/log/zerolog"
	"github.com/mattiaslevin/mardao/provider"
	"github.com/mattiaslevin/mardao/provider/bigcache"
	"github.com/mattiaslevin/mardao/provider/memcache"
	redisprov "github.com/mattiaslevin/mardao/provider/redis"
	"github.com/mattiaslevin/mardao/provider/ristretto"
)

// NewProvider builds the configured cache backend. It returns nil for "none".
func (c *Config) NewProvider() (provider.Provider, error) {
	var (
		p   provider.Provider
		err error
	)
	switch strings.ToLower(c.Cache.Provider) {
	case "", "none":
		return nil, nil
	case "ristretto":
		rc := ristretto.DefaultConfig(c.Cache.Ristretto.MaxItems)
		if c.Cache.Ristretto.MaxBytes > 0 {
			rc = ristretto.BytesConfig(c.Cache.Ristretto.MaxBytes, 0)
		}
		p, err = ristretto.New(rc)
	case "bigcache":
		life := c.Cache.BigCache.LifeWindow
		if life <= 0 {
			life = c.Cache.TTL
		}
		p, err = bigcache.New(bigcache.Config{
			LifeWindow:         life,
			HardMaxCacheSizeMB: c.Cache.BigCache.HardMaxSize,
			MaxValueBytes:      c.Cache.BigCache.MaxValueBytes,
		})
	case "redis":
		p, err = redisprov.New(redisprov.Config{Client: c.redisClient(), CloseClient: true})
	case "memcache":
		p, err = memcache.Dial(c.Cache.Memcache.Servers...)
	default:
		return nil, fmt.Errorf("%w: cache provider %q", ErrUnknownBackend, c.Cache.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("config: %s provider: %w", c.Cache.Provider, err)
	}
	return p, nil
}

// NewGenStore builds a shared generation store. It returns nil for "local";
// each Dao then keeps its own.
func (c *Config) NewGenStore() (genstore.GenStore, error) {
	switch strings.ToLower(c.Cache.GenStore) {
	case "", "local":
		return nil, nil
	case "redis":
		return genstore.NewRedisWithTTL(c.redisClient(), c.Cache.Redis.Namespace, 0), nil
	}
	return nil, fmt.Errorf("%w: genstore %q", ErrUnknownBackend, c.Cache.GenStore)
}

func (c *Config) redisClient() *goredis.Client {
	return goredis.NewClient(&goredis.Options{
		Addr:     c.Cache.Redis.Addr,
		Password: c.Cache.Redis.Password,
		DB:       c.Cache.Redis.DB,
	})
}

// NewLogger builds a logger on the configured backend writing to stderr,
// tagged with kind.
func (c *Config) NewLogger(kind string) (log.Logger, error) {
	level := strings.ToLower(c.Log.Level)
	switch strings.ToLower(c.Log.Backend) {
	case "", "none":
		return log.Nop{}, nil
	case "zap":
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("config: log level: %w", err)
		}
		zc := zap.NewProductionConfig()
		zc.Level = zap.NewAtomicLevelAt(lvl)
		l, err := zc.Build()
		if err != nil {
			return nil, err
		}
		return zaplog.ZapLogger{L: l.With(zap.String("kind", kind))}, nil
	case "logrus":
		lvl, err := logrus.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("config: log level: %w", err)
		}
		l := logrus.New()
		l.SetLevel(lvl)
		l.SetFormatter(&logrus.JSONFormatter{})
		return logruslog.New(l, kind), nil
	case "slog":
		var lvl stdslog.Level
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("config: log level: %w", err)
		}
		h := stdslog.NewJSONHandler(os.Stderr, &stdslog.HandlerOptions{Level: lvl})
		return slogadapter.Logger{L: stdslog.New(h).With("kind", kind)}, nil
	case "zerolog":
		lvl, err := zerolog.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("config: log level: %w", err)
		}
		z := zerologlog.New(os.Stderr, lvl)
		z.L = z.L.With().Str("kind", kind).Logger()
		return z, nil
	}
	return nil, fmt.Errorf("%w: log backend %q", ErrUnknownBackend, c.Log.Backend)
}

// NewCodec returns the configured value codec for T, size-capped on decode
// when Cache.MaxDecodeBytes is set.
func NewCodec[T any](cfg *Config) (codec.Codec[T], error) {
	var c codec.Codec[T]
	switch strings.ToLower(cfg.Cache.Codec) {
	case "", "json":
		c = codec.JSON[T]{}
	case "msgpack":
		c = codec.Msgpack[T]{}
	case "cbor":
		cb, err := codec.NewCBOR[T](true)
		if err != nil {
			return nil, err
		}
		c = cb
	default:
		return nil, fmt.Errorf("%w: codec %q", ErrUnknownBackend, cfg.Cache.Codec)
	}
	if cfg.Cache.MaxDecodeBytes > 0 {
		c = codec.Limit[T]{Inner: c, MaxDecode: cfg.Cache.MaxDecodeBytes}
	}
	return c, nil
}

// DaoOptions assembles mardao.Options for kind. p and gs are shared between
// the Dao instances of a process; either may be nil.
func DaoOptions[T any](c *Config, kind string, p provider.Provider, gs genstore.GenStore) (mardao.Options[T], error) {
	cd, err := NewCodec[T](c)
	if err != nil {
		return mardao.Options[T]{}, err
	}
	lg, err := c.NewLogger(kind)
	if err != nil {
		return mardao.Options[T]{}, err
	}
	k := c.Kind(kind)
	return mardao.Options[T]{
		Provider:       p,
		CacheEntities:  k.CacheEntities,
		CacheAll:       k.CacheAll,
		Codec:          cd,
		GenStore:       gs,
		TTL:            c.Cache.TTL,
		Logger:         lg,
		Resolutions:    c.Geo.Resolutions,
		GeoboxesColumn: c.Geo.GeoboxesColumn,
	}, nil
}
