package bridge

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"

	"github.com/rabbitmq/amqp091-go"
)

type RabbitMQConfig struct {
	URL      string
	Exchange string
	Username string
	Password string
	TLS      bool
}

func (c *RabbitMQConfig) withDefaults() {
	if c.Exchange == "" {
		c.Exchange = "routes"
	}
}

func (c RabbitMQConfig) Validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return errors.New("rabbitmq.url is required")
	}
	return nil
}

type rabbitProducer struct {
	conn     *amqp091.Connection
	ch       *amqp091.Channel
	exchange string
}

// RabbitMQDialer returns a Dialer publishing to a durable topic exchange; the
// message key becomes the routing key.
func RabbitMQDialer(cfg RabbitMQConfig) Dialer {
	cfg.withDefaults()
	return func(ctx context.Context) (Producer, error) {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		dialCfg := amqp091.Config{}
		if cfg.Username != "" {
			dialCfg.SASL = []amqp091.Authentication{&amqp091.PlainAuth{Username: cfg.Username, Password: cfg.Password}}
		}
		if cfg.TLS {
			dialCfg.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		conn, err := amqp091.DialConfig(strings.TrimSpace(cfg.URL), dialCfg)
		if err != nil {
			return nil, fmt.Errorf("dial rabbitmq: %w", err)
		}
		ch, err := conn.Channel()
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("open rabbitmq channel: %w", err)
		}
		if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("declare exchange: %w", err)
		}
		return &rabbitProducer{conn: conn, ch: ch, exchange: cfg.Exchange}, nil
	}
}

func (p *rabbitProducer) Publish(ctx context.Context, key string, value []byte) error {
	if p.conn.IsClosed() {
		return amqp091.ErrClosed
	}
	return p.ch.PublishWithContext(ctx, p.exchange, key, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Body:         value,
	})
}

func (p *rabbitProducer) Close() error {
	var errs []error
	if err := p.ch.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
		errs = append(errs, err)
	}
	if err := p.conn.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
