package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"routerelay/internal/domain"
)

type sentRecord struct {
	key   string
	value []byte
}

type fakeProducer struct {
	mu      sync.Mutex
	sent    []sentRecord
	failN   int
	closed  bool
	failErr error
}

func (f *fakeProducer) Publish(_ context.Context, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failN > 0 {
		f.failN--
		return f.failErr
	}
	f.sent = append(f.sent, sentRecord{key: key, value: value})
	return nil
}

func (f *fakeProducer) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

type dialScript struct {
	mu        sync.Mutex
	dials     int
	producers []*fakeProducer
	errs      []error
	delay     time.Duration
}

func (d *dialScript) dial(context.Context) (Producer, error) {
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.dials
	d.dials++
	if i < len(d.errs) && d.errs[i] != nil {
		return nil, d.errs[i]
	}
	if i < len(d.producers) {
		return d.producers[i], nil
	}
	p := &fakeProducer{}
	d.producers = append(d.producers, p)
	return p, nil
}

func (d *dialScript) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func TestPublishStartLazilyDialsOnce(t *testing.T) {
	script := &dialScript{}
	b := New(Config{}, script.dial)
	if b.State() != StateUninitialized {
		t.Fatalf("state=%s before first publish", b.State())
	}
	for i := 0; i < 3; i++ {
		if err := b.PublishStart(context.Background(), "r1", "A"); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	if script.count() != 1 {
		t.Fatalf("dials=%d, want 1", script.count())
	}
	if b.State() != StateReady {
		t.Fatalf("state=%s, want ready", b.State())
	}
	sent := script.producers[0].sent
	if len(sent) != 3 {
		t.Fatalf("sent=%d", len(sent))
	}
	var cmd domain.StartTrackingCommand
	if err := json.Unmarshal(sent[0].value, &cmd); err != nil {
		t.Fatal(err)
	}
	if sent[0].key != DefaultKey || cmd.RouteID != "r1" || cmd.ConnectionID != "A" {
		t.Fatalf("unexpected record key=%q cmd=%+v", sent[0].key, cmd)
	}
}

func TestPublishKeyIsFixedAcrossRoutes(t *testing.T) {
	script := &dialScript{}
	b := New(Config{Key: "custom.key"}, script.dial)
	for _, r := range []string{"r1", "r2", "r3"} {
		if err := b.PublishStart(context.Background(), r, "A"); err != nil {
			t.Fatal(err)
		}
	}
	for _, rec := range script.producers[0].sent {
		if rec.key != "custom.key" {
			t.Fatalf("key=%q, want fixed key", rec.key)
		}
	}
}

func TestConcurrentFirstUseDialsOnce(t *testing.T) {
	script := &dialScript{delay: 100 * time.Millisecond}
	b := New(Config{}, script.dial)
	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := b.PublishStart(context.Background(), "r1", "A"); err != nil {
				failures.Add(1)
			}
		}()
	}
	wg.Wait()
	if script.count() != 1 {
		t.Fatalf("dials=%d, want exactly one", script.count())
	}
	if failures.Load() != 0 {
		t.Fatalf("unexpected failures: %d", failures.Load())
	}
}

func TestConcurrentFirstUseSharesDialFailure(t *testing.T) {
	script := &dialScript{delay: 100 * time.Millisecond, errs: []error{errors.New("broker down")}}
	b := New(Config{}, script.dial)
	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := b.PublishStart(context.Background(), "r1", "A"); err != nil {
				failures.Add(1)
			}
		}()
	}
	wg.Wait()
	if failures.Load() != 8 {
		t.Fatalf("failures=%d, want all callers to share the dial failure", failures.Load())
	}
	if script.count() != 1 {
		t.Fatalf("dials=%d, want 1", script.count())
	}
	if b.State() != StateFailed {
		t.Fatalf("state=%s, want failed", b.State())
	}
}

func TestBrokenLinkIsReestablishedOnce(t *testing.T) {
	broken := &fakeProducer{failErr: errors.New("connection reset")}
	script := &dialScript{producers: []*fakeProducer{broken}}
	b := New(Config{}, script.dial)

	if err := b.PublishStart(context.Background(), "r1", "A"); err != nil {
		t.Fatal(err)
	}
	broken.failN = 1
	if err := b.PublishStart(context.Background(), "r2", "A"); err != nil {
		t.Fatalf("expected recovery after re-establishment, got %v", err)
	}
	if script.count() != 2 {
		t.Fatalf("dials=%d, want 2", script.count())
	}
	if !broken.closed {
		t.Fatalf("broken producer should be closed")
	}
	if len(script.producers[1].sent) != 1 {
		t.Fatalf("expected publish on the new link")
	}
}

func TestPublishFailsAfterOneReestablishment(t *testing.T) {
	first := &fakeProducer{}
	script := &dialScript{producers: []*fakeProducer{first}, errs: []error{nil, errors.New("still down")}}
	b := New(Config{}, script.dial)
	if err := b.PublishStart(context.Background(), "r1", "A"); err != nil {
		t.Fatal(err)
	}
	first.failN, first.failErr = 1, errors.New("broken pipe")

	err := b.PublishStart(context.Background(), "r2", "B")
	if !errors.Is(err, ErrPublish) {
		t.Fatalf("expected ErrPublish, got %v", err)
	}
	var pe *PublishError
	if !errors.As(err, &pe) || pe.RouteID != "r2" || pe.ConnectionID != "B" {
		t.Fatalf("expected typed publish error, got %#v", err)
	}
	if script.count() != 2 {
		t.Fatalf("dials=%d, want exactly one re-establishment", script.count())
	}
	if b.State() != StateFailed {
		t.Fatalf("state=%s, want failed", b.State())
	}

	// The next call is free to try again.
	if err := b.PublishStart(context.Background(), "r3", "B"); err != nil {
		t.Fatalf("expected recovery on a later call, got %v", err)
	}
	if b.State() != StateReady {
		t.Fatalf("state=%s, want ready", b.State())
	}
}

func TestFreshLinkFailureIsNotRedialed(t *testing.T) {
	p := &fakeProducer{failN: 1, failErr: errors.New("topic missing")}
	script := &dialScript{producers: []*fakeProducer{p}}
	b := New(Config{}, script.dial)
	if err := b.PublishStart(context.Background(), "r1", "A"); !errors.Is(err, ErrPublish) {
		t.Fatalf("expected publish error, got %v", err)
	}
	if script.count() != 1 {
		t.Fatalf("dials=%d, want 1", script.count())
	}
}

func TestCloseResetsState(t *testing.T) {
	script := &dialScript{}
	b := New(Config{}, script.dial)
	if err := b.PublishStart(context.Background(), "r1", "A"); err != nil {
		t.Fatal(err)
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if b.State() != StateUninitialized || !script.producers[0].closed {
		t.Fatalf("close should release the producer")
	}
}

func TestCloseDuringDialReleasesLateProducer(t *testing.T) {
	late := &fakeProducer{}
	entered := make(chan struct{})
	release := make(chan struct{})
	b := New(Config{}, func(context.Context) (Producer, error) {
		close(entered)
		<-release
		return late, nil
	})

	errc := make(chan error, 1)
	go func() { errc <- b.PublishStart(context.Background(), "r1", "A") }()
	<-entered
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	close(release)

	select {
	case err := <-errc:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("publish did not return")
	}
	late.mu.Lock()
	closed, sent := late.closed, len(late.sent)
	late.mu.Unlock()
	if !closed || sent != 0 {
		t.Fatalf("late producer closed=%v sent=%d, want closed and unused", closed, sent)
	}
	if b.State() != StateUninitialized {
		t.Fatalf("state=%s, want uninitialized", b.State())
	}
}

func TestBridgeReusableAfterCloseDuringDial(t *testing.T) {
	script := &dialScript{delay: 50 * time.Millisecond}
	b := New(Config{}, script.dial)
	errc := make(chan error, 1)
	go func() { errc <- b.PublishStart(context.Background(), "r1", "A") }()
	for {
		b.mu.Lock()
		dialing := b.dialing != nil
		b.mu.Unlock()
		if dialing {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if err := <-errc; !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := b.PublishStart(context.Background(), "r2", "B"); err != nil {
		t.Fatalf("publish after close: %v", err)
	}
	if b.State() != StateReady || script.count() != 2 {
		t.Fatalf("state=%s dials=%d, want ready after a second dial", b.State(), script.count())
	}
	if !script.producers[0].closed {
		t.Fatal("producer dialed across close was not released")
	}
}
