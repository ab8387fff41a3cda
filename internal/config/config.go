package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"routerelay/internal/logging"
)

type Config struct {
	Server  ServerConfig   `mapstructure:"server"`
	Broker  BrokerConfig   `mapstructure:"broker"`
	Feed    FeedConfig     `mapstructure:"feed"`
	Catalog CatalogConfig  `mapstructure:"catalog"`
	Log     logging.Config `mapstructure:"log"`
	Feature FeatureConfig  `mapstructure:"feature"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	SocketPath      string        `mapstructure:"socket_path" validate:"required,startswith=/"`
	SendQueue       int           `mapstructure:"send_queue" validate:"gte=1"`
	MaxDecodeErrors int           `mapstructure:"max_decode_errors" validate:"gte=1"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// BrokerConfig selects where start-tracking commands are published.
type BrokerConfig struct {
	Kind     string               `mapstructure:"kind" validate:"oneof=kafka rabbitmq"`
	Key      string               `mapstructure:"key"`
	Kafka    KafkaProducerConfig  `mapstructure:"kafka"`
	RabbitMQ RabbitProducerConfig `mapstructure:"rabbitmq"`
}

type KafkaProducerConfig struct {
	Brokers  []string `mapstructure:"brokers"`
	Topic    string   `mapstructure:"topic"`
	ClientID string   `mapstructure:"client_id"`
	TLS      bool     `mapstructure:"tls"`
}

type RabbitProducerConfig struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	TLS      bool   `mapstructure:"tls"`
}

// FeedConfig holds the inbound position-tick adapters.
type FeedConfig struct {
	Kafka    KafkaFeedConfig    `mapstructure:"kafka"`
	RabbitMQ RabbitMQFeedConfig `mapstructure:"rabbitmq"`
	Socket   SocketFeedConfig   `mapstructure:"socket"`
}

type KafkaFeedConfig struct {
	Enabled     bool     `mapstructure:"enabled"`
	Brokers     []string `mapstructure:"brokers"`
	Topic       string   `mapstructure:"topic"`
	GroupID     string   `mapstructure:"group_id"`
	ClientID    string   `mapstructure:"client_id"`
	Workers     int      `mapstructure:"workers"`
	QueueLength int      `mapstructure:"queue_length"`
	TLS         bool     `mapstructure:"tls"`
}

type RabbitMQFeedConfig struct {
	Enabled     bool     `mapstructure:"enabled"`
	URL         string   `mapstructure:"url"`
	Endpoints   []string `mapstructure:"endpoints"`
	Exchange    string   `mapstructure:"exchange"`
	Queue       string   `mapstructure:"queue"`
	RoutingKeys []string `mapstructure:"routing_keys"`
	Prefetch    int      `mapstructure:"prefetch"`
	Workers     int      `mapstructure:"workers"`
	Username    string   `mapstructure:"username"`
	Password    string   `mapstructure:"password"`
	TLS         bool     `mapstructure:"tls"`
}

type SocketFeedConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Network        string `mapstructure:"network" validate:"omitempty,oneof=tcp unix"`
	Address        string `mapstructure:"address"`
	UnixSocketPath string `mapstructure:"unix_socket_path"`
	AuthToken      string `mapstructure:"auth_token"`
	MaxInflight    int    `mapstructure:"max_inflight"`
	Partitions     int    `mapstructure:"partitions"`
}

type CatalogConfig struct {
	Path string `mapstructure:"path" validate:"required"`
	Seed string `mapstructure:"seed"`
}

type FeatureConfig struct {
	AllowMultipleFeeds bool `mapstructure:"allow_multiple_feeds"`
}

func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("routerelay")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
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

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":3000")
	v.SetDefault("server.socket_path", "/socket")
	v.SetDefault("server.send_queue", 256)
	v.SetDefault("server.max_decode_errors", 8)
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("broker.kind", "kafka")
	v.SetDefault("broker.kafka.topic", "route.new-direction")
	v.SetDefault("broker.rabbitmq.exchange", "routes")
	v.SetDefault("feed.kafka.enabled", false)
	v.SetDefault("feed.rabbitmq.enabled", false)
	v.SetDefault("feed.socket.enabled", false)
	v.SetDefault("feed.kafka.topic", "route.new-position")
	v.SetDefault("feed.kafka.group_id", "routerelay")
	v.SetDefault("feed.rabbitmq.exchange", "routes")
	v.SetDefault("feed.rabbitmq.queue", "routerelay.positions")
	v.SetDefault("feed.rabbitmq.routing_keys", []string{"route.new-position"})
	v.SetDefault("feed.socket.network", "tcp")
	v.SetDefault("feed.socket.address", "127.0.0.1:7400")
	v.SetDefault("catalog.path", "data/routes.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("feature.allow_multiple_feeds", true)
}

func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	switch c.Broker.Kind {
	case "kafka":
		if len(c.Broker.Kafka.Brokers) == 0 {
			return fmt.Errorf("broker.kafka.brokers is required when broker.kind=kafka")
		}
	case "rabbitmq":
		if strings.TrimSpace(c.Broker.RabbitMQ.URL) == "" {
			return fmt.Errorf("broker.rabbitmq.url is required when broker.kind=rabbitmq")
		}
	}
	if c.Feed.Kafka.Enabled && len(c.Feed.Kafka.Brokers) == 0 {
		return fmt.Errorf("feed.kafka.brokers is required")
	}
	if c.Feed.RabbitMQ.Enabled && c.Feed.RabbitMQ.URL == "" && len(c.Feed.RabbitMQ.Endpoints) == 0 {
		return fmt.Errorf("feed.rabbitmq.url or feed.rabbitmq.endpoints is required")
	}
	if c.Feed.Socket.Enabled && c.Feed.Socket.Network == "unix" && c.Feed.Socket.UnixSocketPath == "" {
		return fmt.Errorf("feed.socket.unix_socket_path is required for network=unix")
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if !c.Feature.AllowMultipleFeeds {
		enabled := 0
		if c.Feed.Socket.Enabled {
			enabled++
		}
		if c.Feed.Kafka.Enabled {
			enabled++
		}
		if c.Feed.RabbitMQ.Enabled {
			enabled++
		}
		if enabled > 1 {
			return fmt.Errorf("multiple feeds enabled while feature.allow_multiple_feeds=false")
		}
	}
	return nil
}
