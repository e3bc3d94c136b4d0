// Package config loads the txrelay process configuration from an optional
// yaml file overridden by TXRELAY_ prefixed environment variables.
package config

import (
	"strings"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"github.com/spf13/viper"

	"github.com/luno/txrelay"
)

var (
	ErrUnknownSink  = errors.New("unknown sink", j.C("ERR_9f2c4a71d0e83b65"))
	ErrInvalidStore = errors.New("unknown cursor store", j.C("ERR_46e0b8d3a5c1f297"))
	ErrInvalid      = errors.New("invalid config", j.C("ERR_d81a5f3c6b09e742"))
)

// Sink names.
const (
	SinkWebsocket = "websocket"
	SinkSSE       = "sse"
	SinkNATS      = "nats"
	SinkRedis     = "redis"
)

// Cursor store kinds.
const (
	StoreNone  = "none"
	StoreMySQL = "mysql"
	StoreBlob  = "blob"
)

type Config struct {
	StartVersion uint64        `mapstructure:"start_version"`
	Address      string        `mapstructure:"address"`
	Module       string        `mapstructure:"module"`
	Events       []string      `mapstructure:"events"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryDelay   time.Duration `mapstructure:"retry_delay"`
	ChainID      uint64        `mapstructure:"chain_id"`
	SinkBuffer   int           `mapstructure:"sink_buffer"`
	Sinks        []string      `mapstructure:"sinks"`

	Upstream UpstreamConfig `mapstructure:"upstream"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Redis    RedisConfig    `mapstructure:"redis"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Cursor   CursorConfig   `mapstructure:"cursor"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Blob     BlobConfig     `mapstructure:"blob"`
}

type UpstreamConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Token    string `mapstructure:"token"`
	Insecure bool   `mapstructure:"insecure"`

	// BatchSize is the number of transactions per response frame, zero uses the upstream default.
	BatchSize uint64 `mapstructure:"batch_size"`
}

type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

type RedisConfig struct {
	URL     string `mapstructure:"url"`
	Channel string `mapstructure:"channel"`
}

type HTTPConfig struct {
	Addr    string   `mapstructure:"addr"`
	Origins []string `mapstructure:"origins"`
}

type CursorConfig struct {
	Store string `mapstructure:"store"`
	Name  string `mapstructure:"name"`
}

type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

type BlobConfig struct {
	URL string `mapstructure:"url"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("start_version", 0)
	v.SetDefault("address", "")
	v.SetDefault("module", "launchpad")
	v.SetDefault("events", txrelay.DefaultEventNames)
	v.SetDefault("max_retries", txrelay.DefaultMaxRetries)
	v.SetDefault("retry_delay", txrelay.DefaultRetryDelay)
	v.SetDefault("chain_id", txrelay.DefaultChainID)
	v.SetDefault("sink_buffer", txrelay.DefaultSinkBuffer)
	v.SetDefault("sinks", []string{SinkWebsocket})

	v.SetDefault("upstream.endpoint", "grpc.testnet.aptoslabs.com:443")
	v.SetDefault("upstream.token", "")
	v.SetDefault("upstream.insecure", false)
	v.SetDefault("upstream.batch_size", 0)
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.subject", "txrelay.events")
	v.SetDefault("redis.url", "redis://127.0.0.1:6379/0")
	v.SetDefault("redis.channel", "txrelay.events")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.origins", []string{"*"})
	v.SetDefault("cursor.store", StoreNone)
	v.SetDefault("cursor.name", "txrelay")
	v.SetDefault("mysql.dsn", "")
	v.SetDefault("blob.url", "")
}

// Load returns the config read from path, or from ./txrelay.yaml if path
// is empty and the file exists. Environment variables take precedence,
// ex. TXRELAY_UPSTREAM_TOKEN overrides upstream.token.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("txrelay")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("TXRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read config", j.KS("path", path))
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate returns an error if the config cannot be used to run a relay.
func (c Config) Validate() error {
	if c.Address == "" {
		return errors.Wrap(ErrInvalid, "address required")
	}
	if c.MaxRetries < 0 {
		return errors.Wrap(ErrInvalid, "negative max_retries", j.KV("max_retries", c.MaxRetries))
	}
	if c.RetryDelay < 0 {
		return errors.Wrap(ErrInvalid, "negative retry_delay", j.KS("retry_delay", c.RetryDelay.String()))
	}
	if len(c.Events) == 0 {
		return errors.Wrap(ErrInvalid, "events required")
	}
	if c.Upstream.Endpoint == "" {
		return errors.Wrap(ErrInvalid, "upstream endpoint required")
	}

	for _, s := range c.Sinks {
		switch s {
		case SinkWebsocket, SinkSSE, SinkNATS, SinkRedis:
		default:
			return errors.Wrap(ErrUnknownSink, "", j.KS("sink", s))
		}
	}

	switch c.Cursor.Store {
	case "", StoreNone:
	case StoreMySQL:
		if c.MySQL.DSN == "" {
			return errors.Wrap(ErrInvalid, "mysql dsn required")
		}
	case StoreBlob:
		if c.Blob.URL == "" {
			return errors.Wrap(ErrInvalid, "blob url required")
		}
	default:
		return errors.Wrap(ErrInvalidStore, "", j.KS("store", c.Cursor.Store))
	}

	return nil
}
