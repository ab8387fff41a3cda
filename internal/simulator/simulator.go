package simulator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"routerelay/internal/domain"
	"routerelay/internal/logging"
)

var ErrInvalidCommand = errors.New("invalid start tracking command")

// PublishFunc emits one tick to the position feed.
type PublishFunc func(ctx context.Context, ev domain.PositionEvent) error

// Simulator is the reference external position feed: it answers every start
// command with the recorded positions of the route.
type Simulator struct {
	cfg    Config
	logger *slog.Logger
	client *kgo.Client
	load   func(dir, routeID string) ([]domain.Position, error)
	wg     sync.WaitGroup
}

func newSimulator(cfg Config, logger *slog.Logger) *Simulator {
	return &Simulator{cfg: cfg, logger: logging.OrDiscard(logger), load: LoadPositions}
}

// New builds a simulator consuming cfg.ReadTopic and producing to
// cfg.ProduceTopic.
func New(cfg Config, logger *slog.Logger, opts ...kgo.Opt) (*Simulator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := newSimulator(cfg, logger)
	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.ReadTopic),
		kgo.DefaultProduceTopic(cfg.ProduceTopic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		kgo.AllowAutoTopicCreation(),
	}
	kopts = append(kopts, opts...)
	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}
	s.client = cl
	return s, nil
}

// Run consumes start commands until ctx is done. Each command plays in its
// own goroutine; Run waits for them before returning.
func (s *Simulator) Run(ctx context.Context) error {
	defer s.wg.Wait()
	s.logger.Info("simulator: consuming", "topic", s.cfg.ReadTopic, "produce_topic", s.cfg.ProduceTopic)
	for {
		fetches := s.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			s.logger.Warn("simulator: fetch error", "topic", topic, "partition", partition, "error", err)
		})
		fetches.EachRecord(func(rec *kgo.Record) {
			s.handleRecord(ctx, rec.Value)
		})
	}
}

func (s *Simulator) handleRecord(ctx context.Context, value []byte) bool {
	cmd, err := decodeCommand(value)
	if err != nil {
		s.logger.Warn("simulator: dropping command", "error", err)
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		n, err := s.Play(ctx, cmd, s.publish)
		if err != nil {
			s.logger.Warn("simulator: play stopped", "route_id", cmd.RouteID, "connection_id", cmd.ConnectionID, "sent", n, "error", err)
			return
		}
		s.logger.Info("simulator: route played", "route_id", cmd.RouteID, "connection_id", cmd.ConnectionID, "ticks", n)
	}()
	return true
}

// Play publishes the ticks of cmd's route in order, TickInterval apart, and
// reports how many were sent.
func (s *Simulator) Play(ctx context.Context, cmd domain.StartTrackingCommand, publish PublishFunc) (int, error) {
	positions, err := s.load(s.cfg.DestinationsDir, cmd.RouteID)
	if err != nil {
		return 0, err
	}
	ticks := Ticks(cmd, positions)
	for i, ev := range ticks {
		if i > 0 && s.cfg.TickInterval > 0 {
			t := time.NewTimer(s.cfg.TickInterval)
			select {
			case <-ctx.Done():
				t.Stop()
				return i, ctx.Err()
			case <-t.C:
			}
		}
		if err := publish(ctx, ev); err != nil {
			return i, fmt.Errorf("publish tick %d: %w", i, err)
		}
	}
	return len(ticks), nil
}

func (s *Simulator) publish(ctx context.Context, ev domain.PositionEvent) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	rec := &kgo.Record{Topic: s.cfg.ProduceTopic, Key: []byte(ev.RouteID), Value: value}
	return s.client.ProduceSync(ctx, rec).FirstErr()
}

func (s *Simulator) Close() {
	if s.client != nil {
		s.client.Close()
	}
}

func decodeCommand(value []byte) (domain.StartTrackingCommand, error) {
	var in struct {
		RouteID      string `json:"routeId"`
		ConnectionID string `json:"connectionId"`
		ClientID     string `json:"clientId"`
	}
	if err := json.Unmarshal(value, &in); err != nil {
		return domain.StartTrackingCommand{}, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	cmd := domain.StartTrackingCommand{RouteID: in.RouteID, ConnectionID: in.ConnectionID}
	if cmd.ConnectionID == "" {
		cmd.ConnectionID = in.ClientID
	}
	if cmd.RouteID == "" || cmd.ConnectionID == "" {
		return domain.StartTrackingCommand{}, fmt.Errorf("%w: routeId and connectionId are required", ErrInvalidCommand)
	}
	return cmd, nil
}
