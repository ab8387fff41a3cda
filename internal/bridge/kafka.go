package bridge

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"
)

type KafkaConfig struct {
	Brokers  []string
	Topic    string
	ClientID string
	TLS      bool
}

func (c *KafkaConfig) withDefaults() {
	if c.Topic == "" {
		c.Topic = DefaultTopic
	}
}

func (c KafkaConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka.brokers is required")
	}
	return nil
}

type kafkaProducer struct {
	client *kgo.Client
	topic  string
}

// KafkaDialer returns a Dialer producing to cfg.Topic. The client is pinged on
// dial so an unreachable cluster fails the dial, not the first publish.
func KafkaDialer(cfg KafkaConfig, opts ...kgo.Opt) Dialer {
	cfg.withDefaults()
	return func(ctx context.Context) (Producer, error) {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		kopts := []kgo.Opt{
			kgo.SeedBrokers(cfg.Brokers...),
			kgo.DefaultProduceTopic(cfg.Topic),
			kgo.RequiredAcks(kgo.LeaderAck()),
			kgo.DisableIdempotentWrite(),
		}
		if cfg.ClientID != "" {
			kopts = append(kopts, kgo.ClientID(cfg.ClientID))
		}
		if cfg.TLS {
			kopts = append(kopts, kgo.DialTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12}))
		}
		kopts = append(kopts, opts...)
		cl, err := kgo.NewClient(kopts...)
		if err != nil {
			return nil, fmt.Errorf("new kafka client: %w", err)
		}
		if err := cl.Ping(ctx); err != nil {
			cl.Close()
			return nil, fmt.Errorf("ping kafka: %w", err)
		}
		return &kafkaProducer{client: cl, topic: cfg.Topic}, nil
	}
}

func (p *kafkaProducer) Publish(ctx context.Context, key string, value []byte) error {
	rec := &kgo.Record{Topic: p.topic, Key: []byte(key), Value: value}
	return p.client.ProduceSync(ctx, rec).FirstErr()
}

func (p *kafkaProducer) Close() error {
	p.client.Close()
	return nil
}
