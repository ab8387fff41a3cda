package rabbitmq

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rabbitmq/amqp091-go"

	"routerelay/internal/delivery"
	"routerelay/internal/domain"
	"routerelay/internal/hashroute"
	"routerelay/internal/logging"
)

const DefaultRoutingKey = "route.new-position"

// Deliverer receives decoded position ticks.
type Deliverer interface {
	Deliver(domain.PositionEvent) (delivery.Receipt, error)
}

type Config struct {
	Enabled       bool
	URL           string
	Endpoints     []string
	Exchange      string
	Queue         string
	RoutingKeys   []string
	ConsumerTag   string
	PrefetchCount int
	TLS           TLSConfig
	Auth          AuthConfig
	Workers       int
	DeliveryQueue int
	Logger        *slog.Logger
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
	ServerName         string
	CAFile             string
	CertFile           string
	KeyFile            string
}

type AuthConfig struct {
	Username string
	Password string
}

type Adapter struct {
	cfg       Config
	deliverer Deliverer
	logger    *slog.Logger
	conn      *amqp091.Connection
	ch        *amqp091.Channel
	deliver   <-chan amqp091.Delivery
	shards    []chan deliveryTask
	closed    chan struct{}
	closeErr  atomic.Value
	wg        sync.WaitGroup
}

type deliveryTask struct {
	event    domain.PositionEvent
	delivery amqp091.Delivery
}

func (c *Config) withDefaults() {
	if c.Exchange == "" {
		c.Exchange = "routes"
	}
	if c.Queue == "" {
		c.Queue = "routerelay.positions"
	}
	if len(c.RoutingKeys) == 0 {
		c.RoutingKeys = []string{DefaultRoutingKey}
	}
	if c.ConsumerTag == "" {
		c.ConsumerTag = "routerelay-feed"
	}
	if c.PrefetchCount <= 0 {
		c.PrefetchCount = 64
	}
	if c.Workers <= 0 {
		c.Workers = hashroute.DefaultPartitions
	}
	if c.DeliveryQueue <= 0 {
		c.DeliveryQueue = 32
	}
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Queue == "" {
		return fmt.Errorf("rabbitmq queue is required")
	}
	if c.Exchange == "" {
		return fmt.Errorf("rabbitmq exchange is required")
	}
	if c.PrefetchCount < 1 {
		return fmt.Errorf("rabbitmq prefetch_count must be >= 1")
	}
	if c.Workers < 1 {
		return fmt.Errorf("rabbitmq workers must be >= 1")
	}
	if c.DeliveryQueue < 1 {
		return fmt.Errorf("rabbitmq delivery_queue must be >= 1")
	}
	if c.endpoint() == "" {
		return fmt.Errorf("rabbitmq url or endpoints is required")
	}
	return nil
}

func (c Config) endpoint() string {
	if strings.TrimSpace(c.URL) != "" {
		return strings.TrimSpace(c.URL)
	}
	for _, e := range c.Endpoints {
		if strings.TrimSpace(e) != "" {
			return strings.TrimSpace(e)
		}
	}
	return ""
}

func NewAdapter(cfg Config, deliverer Deliverer) (*Adapter, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deliverer == nil {
		return nil, fmt.Errorf("deliverer is required")
	}
	a := &Adapter{
		cfg:       cfg,
		deliverer: deliverer,
		logger:    logging.OrDiscard(cfg.Logger),
		closed:    make(chan struct{}),
		shards:    make([]chan deliveryTask, cfg.Workers),
	}
	for i := range a.shards {
		a.shards[i] = make(chan deliveryTask, cfg.DeliveryQueue)
	}
	return a, nil
}

func (a *Adapter) Start(ctx context.Context) error {
	dialCfg := amqp091.Config{}
	if a.cfg.Auth.Username != "" {
		dialCfg.SASL = []amqp091.Authentication{&amqp091.PlainAuth{Username: a.cfg.Auth.Username, Password: a.cfg.Auth.Password}}
	}
	if tlsCfg, err := a.buildTLSConfig(); err != nil {
		return err
	} else if tlsCfg != nil {
		dialCfg.TLSClientConfig = tlsCfg
	}
	conn, err := amqp091.DialConfig(a.cfg.endpoint(), dialCfg)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open rabbitmq channel: %w", err)
	}
	fail := func(err error) error {
		ch.Close()
		conn.Close()
		return err
	}
	if err := ch.Qos(a.cfg.PrefetchCount, 0, false); err != nil {
		return fail(fmt.Errorf("set prefetch: %w", err))
	}
	if err := ch.ExchangeDeclare(a.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fail(fmt.Errorf("declare exchange: %w", err))
	}
	if _, err := ch.QueueDeclare(a.cfg.Queue, true, false, false, false, nil); err != nil {
		return fail(fmt.Errorf("declare queue: %w", err))
	}
	for _, key := range a.cfg.RoutingKeys {
		if err := ch.QueueBind(a.cfg.Queue, key, a.cfg.Exchange, false, nil); err != nil {
			return fail(fmt.Errorf("bind queue key=%s: %w", key, err))
		}
	}
	deliveries, err := ch.Consume(a.cfg.Queue, a.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		return fail(fmt.Errorf("consume queue: %w", err))
	}
	a.conn, a.ch, a.deliver = conn, ch, deliveries

	a.wg.Add(1)
	go a.readLoop(ctx)
	for i := range a.shards {
		a.wg.Add(1)
		go a.workerLoop(ctx, a.shards[i])
	}
	a.logger.Info("feed: rabbitmq consumer started", "exchange", a.cfg.Exchange, "queue", a.cfg.Queue, "workers", len(a.shards))
	return nil
}

func (a *Adapter) Close() error {
	select {
	case <-a.closed:
		if v := a.closeErr.Load(); v != nil {
			return v.(error)
		}
		return nil
	default:
		close(a.closed)
	}
	if a.ch != nil {
		_ = a.ch.Cancel(a.cfg.ConsumerTag, false)
	}
	a.wg.Wait()
	var errs []error
	if a.ch != nil {
		if err := a.ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.conn != nil {
		if err := a.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	a.closeErr.Store(err)
	return err
}

func (a *Adapter) readLoop(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.closed:
			return
		case d, ok := <-a.deliver:
			if !ok {
				return
			}
			if !a.dispatch(ctx, d) {
				return
			}
		}
	}
}

// dispatch parses d and queues it on its route's shard. Undecodable bodies
// are dropped without requeue. It reports false once the adapter stops.
func (a *Adapter) dispatch(ctx context.Context, d amqp091.Delivery) bool {
	ev, err := parseDelivery(d)
	if err != nil {
		a.logger.Warn("feed: dropping undecodable delivery", "source", sourceRef(d), "error", err)
		_ = d.Nack(false, false)
		return true
	}
	task := deliveryTask{event: ev, delivery: d}
	select {
	case a.shards[hashroute.Partition(ev.RouteID, len(a.shards))] <- task:
		return true
	case <-ctx.Done():
		return false
	case <-a.closed:
		return false
	}
}

func (a *Adapter) workerLoop(ctx context.Context, tasks <-chan deliveryTask) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.closed:
			return
		case task := <-tasks:
			a.processDelivery(task)
		}
	}
}

// processDelivery acks whatever the delivery outcome; failures were logged by
// the delivery endpoint and are not retried.
func (a *Adapter) processDelivery(task deliveryTask) {
	_, _ = a.deliverer.Deliver(task.event)
	_ = task.delivery.Ack(false)
}

func parseDelivery(d amqp091.Delivery) (domain.PositionEvent, error) {
	var ev domain.PositionEvent
	if err := json.Unmarshal(d.Body, &ev); err != nil {
		return ev, fmt.Errorf("unmarshal delivery body: %w", err)
	}
	if ev.RouteID == "" {
		ev.RouteID = headerString(d.Headers, "route_id")
	}
	if ev.ConnectionID == "" {
		ev.ConnectionID = headerString(d.Headers, "connection_id")
	}
	if ev.RouteID == "" || strings.TrimSpace(ev.ConnectionID) == "" {
		return ev, fmt.Errorf("missing routeId or connectionId")
	}
	return ev, nil
}

func sourceRef(d amqp091.Delivery) string {
	return fmt.Sprintf("%s/%s/%d", d.Exchange, d.RoutingKey, d.DeliveryTag)
}

func headerString(table amqp091.Table, key string) string {
	if table == nil {
		return ""
	}
	v, ok := table[key]
	if !ok {
		return ""
	}
	return fmt.Sprint(v)
}

func (a *Adapter) buildTLSConfig() (*tls.Config, error) {
	if !a.cfg.TLS.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: a.cfg.TLS.InsecureSkipVerify, ServerName: a.cfg.TLS.ServerName}
	if a.cfg.TLS.CAFile != "" {
		pemBytes, err := os.ReadFile(a.cfg.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read rabbitmq ca_file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemBytes) {
			return nil, fmt.Errorf("parse rabbitmq ca_file")
		}
		tlsCfg.RootCAs = pool
	}
	if a.cfg.TLS.CertFile != "" || a.cfg.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(a.cfg.TLS.CertFile, a.cfg.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load rabbitmq cert/key: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
