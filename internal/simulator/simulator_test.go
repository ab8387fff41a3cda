package simulator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"routerelay/internal/domain"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Brokers)
	assert.Equal(t, "route.new-direction", cfg.ReadTopic)
	assert.Equal(t, "route.new-position", cfg.ProduceTopic)
	assert.Equal(t, "destinations", cfg.DestinationsDir)
	assert.Equal(t, 500*time.Millisecond, cfg.TickInterval)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("SIM_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("SIM_TICK_INTERVAL", "10ms")
	t.Setenv("SIM_DESTINATIONS_DIR", "/data/routes")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Brokers)
	assert.Equal(t, 10*time.Millisecond, cfg.TickInterval)
	assert.Equal(t, "/data/routes", cfg.DestinationsDir)
}

func TestLoadConfigRejectsBadDuration(t *testing.T) {
	t.Setenv("SIM_TICK_INTERVAL", "soon")
	_, err := LoadConfig()
	require.Error(t, err)
}

func TestLoadPositionsReadsLngLat(t *testing.T) {
	got, err := LoadPositions("testdata/destinations", "1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, domain.Position{Lat: -15.82594, Lng: -47.92923}, got[0])
	assert.Equal(t, domain.Position{Lat: -15.82942, Lng: -47.92765}, got[2])
}

func TestLoadPositionsErrors(t *testing.T) {
	_, err := LoadPositions("testdata/destinations", "")
	assert.ErrorIs(t, err, ErrNoRoute)

	_, err = LoadPositions("testdata/destinations", "missing")
	assert.Error(t, err)

	_, err = LoadPositions("testdata/destinations", "broken")
	assert.ErrorContains(t, err, "broken.txt:1")

	_, err = LoadPositions("testdata/destinations", "empty")
	assert.ErrorIs(t, err, ErrNoPositions)

	_, err = LoadPositions("testdata/destinations", "../destinations/1")
	assert.Error(t, err)
}

func TestTicksFinishOnlyTheLast(t *testing.T) {
	cmd := domain.StartTrackingCommand{RouteID: "1", ConnectionID: "A"}
	ticks := Ticks(cmd, []domain.Position{{Lat: 1, Lng: 2}, {Lat: 3, Lng: 4}, {Lat: 5, Lng: 6}})
	require.Len(t, ticks, 3)
	for i, ev := range ticks {
		assert.Equal(t, "1", ev.RouteID)
		assert.Equal(t, "A", ev.ConnectionID)
		assert.Equal(t, i == 2, ev.Finished)
	}
	assert.Empty(t, Ticks(cmd, nil))
}

type recordingPublish struct {
	mu     sync.Mutex
	events []domain.PositionEvent
	failAt int
}

func (r *recordingPublish) publish(_ context.Context, ev domain.PositionEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAt > 0 && len(r.events) == r.failAt {
		return errors.New("broker down")
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingPublish) Events() []domain.PositionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.PositionEvent(nil), r.events...)
}

func testConfig() Config {
	return Config{DestinationsDir: "testdata/destinations", TickInterval: time.Millisecond}
}

func TestPlayPublishesInOrder(t *testing.T) {
	s := newSimulator(testConfig(), nil)
	rec := &recordingPublish{}
	n, err := s.Play(context.Background(), domain.StartTrackingCommand{RouteID: "1", ConnectionID: "A"}, rec.publish)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	events := rec.Events()
	require.Len(t, events, 3)
	assert.Equal(t, -15.82680, events[1].Position.Lat)
	assert.False(t, events[1].Finished)
	assert.True(t, events[2].Finished)
}

func TestPlayStopsOnPublishError(t *testing.T) {
	s := newSimulator(testConfig(), nil)
	rec := &recordingPublish{failAt: 1}
	n, err := s.Play(context.Background(), domain.StartTrackingCommand{RouteID: "1", ConnectionID: "A"}, rec.publish)
	require.Error(t, err)
	assert.Equal(t, 1, n)
}

func TestPlayHonoursCancellation(t *testing.T) {
	cfg := testConfig()
	cfg.TickInterval = time.Hour
	s := newSimulator(cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	rec := &recordingPublish{}
	done := make(chan int, 1)
	go func() {
		n, _ := s.Play(ctx, domain.StartTrackingCommand{RouteID: "1", ConnectionID: "A"}, rec.publish)
		done <- n
	}()
	require.Eventually(t, func() bool { return len(rec.Events()) == 1 }, time.Second, time.Millisecond)
	cancel()
	select {
	case n := <-done:
		assert.Equal(t, 1, n)
	case <-time.After(time.Second):
		t.Fatal("play did not stop")
	}
}

func TestDecodeCommand(t *testing.T) {
	cmd, err := decodeCommand([]byte(`{"routeId":"1","connectionId":"A"}`))
	require.NoError(t, err)
	assert.Equal(t, domain.StartTrackingCommand{RouteID: "1", ConnectionID: "A"}, cmd)

	cmd, err = decodeCommand([]byte(`{"routeId":"1","clientId":"B"}`))
	require.NoError(t, err)
	assert.Equal(t, "B", cmd.ConnectionID)

	_, err = decodeCommand([]byte(`{"routeId":"1"}`))
	assert.ErrorIs(t, err, ErrInvalidCommand)
	_, err = decodeCommand([]byte(`nope`))
	assert.ErrorIs(t, err, ErrInvalidCommand)
}

func TestTickWireFormat(t *testing.T) {
	ev := Ticks(domain.StartTrackingCommand{RouteID: "1", ConnectionID: "A"}, []domain.Position{{Lat: -15.8, Lng: -47.9}})[0]
	b, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.JSONEq(t, `{"routeId":"1","connectionId":"A","position":[-15.8,-47.9],"finished":true}`, string(b))
}
