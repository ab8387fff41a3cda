package kafka

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"routerelay/internal/delivery"
	"routerelay/internal/domain"
	"routerelay/internal/hashroute"
	"routerelay/internal/logging"
)

const DefaultTopic = "route.new-position"

var ErrInvalidRecord = errors.New("kafka invalid position record")

// Deliverer receives decoded position ticks.
type Deliverer interface {
	Deliver(domain.PositionEvent) (delivery.Receipt, error)
}

type Config struct {
	Enabled        bool
	Brokers        []string
	Topic          string
	GroupID        string
	ClientID       string
	WorkerCount    int
	MaxPollRecords int
	QueueCapacity  int
	TLS            TLSConfig
	Fetch          FetchConfig
	Logger         *slog.Logger
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
}

type FetchConfig struct {
	MinBytes int32
	MaxBytes int32
	MaxWait  time.Duration
}

// Adapter consumes position ticks and hands them to the delivery endpoint.
// Records of one route always land on the same worker, so per-route order
// follows partition order.
type Adapter struct {
	cfg    Config
	logger *slog.Logger

	client *kgo.Client
	shards []chan *kgo.Record
	acks   chan recordAck
	closed atomic.Bool

	pauseMux sync.Mutex
	paused   bool

	deliverer    Deliverer
	markCommit   func(*kgo.Record)
	commitMarked func(context.Context) error
	pauseFetch   func(...string)
	resumeFetch  func(...string)
}

type recordAck struct {
	record *kgo.Record
	err    error
}

func NewAdapter(cfg Config, deliverer Deliverer, opts ...kgo.Opt) (*Adapter, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.FetchMaxWait(cfg.Fetch.MaxWait),
		kgo.FetchMinBytes(cfg.Fetch.MinBytes),
		kgo.FetchMaxBytes(cfg.Fetch.MaxBytes),
	}
	if cfg.ClientID != "" {
		kopts = append(kopts, kgo.ClientID(cfg.ClientID))
	}
	if cfg.TLS.Enabled {
		kopts = append(kopts, kgo.DialTLSConfig(&tls.Config{InsecureSkipVerify: cfg.TLS.InsecureSkipVerify}))
	}
	kopts = append(kopts, opts...)

	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}

	a := newAdapter(cfg, deliverer)
	a.client = cl
	a.markCommit = func(r *kgo.Record) { cl.MarkCommitRecords(r) }
	a.commitMarked = func(ctx context.Context) error { return cl.CommitMarkedOffsets(ctx) }
	a.pauseFetch = func(topics ...string) { _ = cl.PauseFetchTopics(topics...) }
	a.resumeFetch = func(topics ...string) { cl.ResumeFetchTopics(topics...) }
	return a, nil
}

func newAdapter(cfg Config, deliverer Deliverer) *Adapter {
	a := &Adapter{
		cfg:       cfg,
		logger:    logging.OrDiscard(cfg.Logger),
		deliverer: deliverer,
		shards:    make([]chan *kgo.Record, cfg.WorkerCount),
		acks:      make(chan recordAck, cfg.QueueCapacity),
	}
	per := cfg.QueueCapacity / cfg.WorkerCount
	if per < 1 {
		per = 1
	}
	for i := range a.shards {
		a.shards[i] = make(chan *kgo.Record, per)
	}
	return a
}

func (c *Config) withDefaults() {
	if c.Topic == "" {
		c.Topic = DefaultTopic
	}
	if c.GroupID == "" {
		c.GroupID = "routerelay"
	}
	if c.WorkerCount <= 0 {
		c.WorkerCount = hashroute.DefaultPartitions
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1024
	}
	if c.MaxPollRecords <= 0 {
		c.MaxPollRecords = 500
	}
	if c.Fetch.MaxWait <= 0 {
		c.Fetch.MaxWait = time.Second
	}
	if c.Fetch.MinBytes <= 0 {
		c.Fetch.MinBytes = 1
	}
	if c.Fetch.MaxBytes <= 0 {
		c.Fetch.MaxBytes = 50 << 20
	}
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if len(c.Brokers) == 0 {
		return errors.New("feed.kafka.brokers is required")
	}
	if c.Topic == "" {
		return errors.New("feed.kafka.topic is required")
	}
	if c.GroupID == "" {
		return errors.New("feed.kafka.group_id is required")
	}
	return nil
}

func (a *Adapter) Start(ctx context.Context) error {
	defer a.client.Close()
	stop := a.startPipeline(ctx)

	a.logger.Info("feed: kafka consumer started", "topic", a.cfg.Topic, "group", a.cfg.GroupID, "workers", len(a.shards))
	for {
		if ctx.Err() != nil || a.closed.Load() {
			stop()
			return ctx.Err()
		}
		fetches := a.client.PollRecords(ctx, a.cfg.MaxPollRecords)
		if errs := fetches.Errors(); len(errs) > 0 {
			if ctx.Err() != nil {
				continue
			}
			stop()
			return errs[0].Err
		}
		fetches.EachRecord(func(rec *kgo.Record) {
			a.dispatch(ctx, rec)
		})
		a.client.AllowRebalance()
	}
}

func (a *Adapter) Close() { a.closed.Store(true) }

// dispatch blocks until the record's shard has room, pausing fetches while
// it waits.
func (a *Adapter) dispatch(ctx context.Context, rec *kgo.Record) {
	ch := a.shards[a.shardFor(rec)]
	for {
		select {
		case ch <- rec:
			a.maybeResume()
			return
		default:
			if ctx.Err() != nil {
				return
			}
			a.maybePause()
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func (a *Adapter) shardFor(rec *kgo.Record) int {
	key := string(rec.Key)
	if key == "" {
		if ev, err := decodeRecord(rec); err == nil {
			key = ev.RouteID
		}
	}
	return hashroute.Partition(key, len(a.shards))
}

func (a *Adapter) runWorker(records <-chan *kgo.Record) {
	for rec := range records {
		ev, err := decodeRecord(rec)
		if err != nil {
			a.logger.Warn("feed: dropping undecodable record", "source", sourceRef(rec), "error", err)
			a.acks <- recordAck{record: rec, err: err}
			continue
		}
		_, err = a.deliverer.Deliver(ev)
		a.acks <- recordAck{record: rec, err: err}
	}
}

// startPipeline runs the shard workers and the ack loop. The returned stop
// closes the shards, waits for the workers to drain them and then for the
// ack loop to consume every ack they produced.
func (a *Adapter) startPipeline(ctx context.Context) (stop func()) {
	var workers sync.WaitGroup
	for i := range a.shards {
		workers.Add(1)
		go func(ch chan *kgo.Record) {
			defer workers.Done()
			a.runWorker(ch)
		}(a.shards[i])
	}
	acksDone := make(chan struct{})
	go func() {
		defer close(acksDone)
		a.handleAcks(ctx)
	}()
	return func() {
		for _, ch := range a.shards {
			close(ch)
		}
		workers.Wait()
		close(a.acks)
		<-acksDone
	}
}

// handleAcks commits every handled record until acks is closed. Delivery
// failures are final: the delivery endpoint has already logged them and
// nothing retries. Once ctx is done records are only marked; uncommitted
// ones are redelivered to the group on restart.
func (a *Adapter) handleAcks(ctx context.Context) {
	for ack := range a.acks {
		if ack.record == nil {
			continue
		}
		a.markCommit(ack.record)
		if ctx.Err() != nil {
			continue
		}
		if err := a.commitMarked(ctx); err != nil && ctx.Err() == nil {
			a.logger.Warn("feed: commit offsets failed", "source", sourceRef(ack.record), "error", err)
		}
	}
}

func decodeRecord(rec *kgo.Record) (domain.PositionEvent, error) {
	var ev domain.PositionEvent
	if err := json.Unmarshal(rec.Value, &ev); err != nil {
		return ev, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if ev.RouteID == "" {
		return ev, fmt.Errorf("%w: routeId is required", ErrInvalidRecord)
	}
	if strings.TrimSpace(ev.ConnectionID) == "" {
		return ev, fmt.Errorf("%w: connectionId is required", ErrInvalidRecord)
	}
	return ev, nil
}

func sourceRef(rec *kgo.Record) string {
	return fmt.Sprintf("%s/%d/%d", rec.Topic, rec.Partition, rec.Offset)
}

func (a *Adapter) fill() (queued, capacity int) {
	for _, ch := range a.shards {
		queued += len(ch)
		capacity += cap(ch)
	}
	return queued, capacity
}

func (a *Adapter) maybePause() {
	a.pauseMux.Lock()
	defer a.pauseMux.Unlock()
	if a.paused {
		return
	}
	a.pauseFetch(a.cfg.Topic)
	a.paused = true
}

func (a *Adapter) maybeResume() {
	a.pauseMux.Lock()
	defer a.pauseMux.Unlock()
	if !a.paused {
		return
	}
	queued, capacity := a.fill()
	if queued > capacity/2 {
		return
	}
	a.resumeFetch(a.cfg.Topic)
	a.paused = false
}
