package simulator

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is read from SIM_* environment variables.
type Config struct {
	Brokers         []string      `env:"SIM_KAFKA_BROKERS"     envDefault:"localhost:9092" envSeparator:","`
	ReadTopic       string        `env:"SIM_READ_TOPIC"        envDefault:"route.new-direction"`
	ProduceTopic    string        `env:"SIM_PRODUCE_TOPIC"     envDefault:"route.new-position"`
	GroupID         string        `env:"SIM_GROUP_ID"          envDefault:"routerelay-simulator"`
	DestinationsDir string        `env:"SIM_DESTINATIONS_DIR"  envDefault:"destinations"`
	TickInterval    time.Duration `env:"SIM_TICK_INTERVAL"     envDefault:"500ms"`
}

func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error
	if len(c.Brokers) == 0 {
		errs = append(errs, errors.New("SIM_KAFKA_BROKERS is required"))
	}
	if c.ReadTopic == "" || c.ProduceTopic == "" {
		errs = append(errs, errors.New("SIM_READ_TOPIC and SIM_PRODUCE_TOPIC are required"))
	}
	if c.DestinationsDir == "" {
		errs = append(errs, errors.New("SIM_DESTINATIONS_DIR is required"))
	}
	if c.TickInterval < 0 {
		errs = append(errs, errors.New("SIM_TICK_INTERVAL must not be negative"))
	}
	return errors.Join(errs...)
}
