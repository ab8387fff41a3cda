package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"routerelay/internal/bridge"
	"routerelay/internal/catalog"
	"routerelay/internal/config"
	"routerelay/internal/delivery"
	feedkafka "routerelay/internal/feed/kafka"
	feedrabbitmq "routerelay/internal/feed/rabbitmq"
	feedsocket "routerelay/internal/feed/socket"
	"routerelay/internal/ingress"
	"routerelay/internal/logging"
	"routerelay/internal/registry"
	"routerelay/internal/transport/ws"
)

func main() {
	cfgPath := flag.String("config", "routerelay.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("routerelayd: exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	store, err := catalog.Open(cfg.Catalog.Path)
	if err != nil {
		return err
	}
	defer store.Close()
	if cfg.Catalog.Seed != "" {
		n, err := store.Seed(ctx, cfg.Catalog.Seed)
		if err != nil {
			return fmt.Errorf("seed catalog: %w", err)
		}
		logger.Info("catalog: seeded", "routes", n, "file", cfg.Catalog.Seed)
	}

	conns := registry.New()
	br := bridge.New(bridge.Config{Key: cfg.Broker.Key, Logger: logger}, brokerDialer(cfg.Broker))
	defer br.Close()
	endpoint := delivery.New(conns, logger)

	wsServer := ws.NewServer(ws.Config{
		Path:            cfg.Server.SocketPath,
		SendQueue:       cfg.Server.SendQueue,
		MaxDecodeErrors: cfg.Server.MaxDecodeErrors,
	}, conns, ingress.New(br, logger), logger)
	mux := http.NewServeMux()
	wsServer.Mount(mux)
	mux.Handle("/routes", catalog.Handler(store, logger))
	httpServer := &http.Server{Addr: cfg.Server.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	errc := make(chan error, 4)
	goRun := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
				errc <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	if cfg.Feed.Kafka.Enabled {
		fc := cfg.Feed.Kafka
		adapter, err := feedkafka.NewAdapter(feedkafka.Config{
			Enabled:       true,
			Brokers:       fc.Brokers,
			Topic:         fc.Topic,
			GroupID:       fc.GroupID,
			ClientID:      fc.ClientID,
			WorkerCount:   fc.Workers,
			QueueCapacity: fc.QueueLength,
			TLS:           feedkafka.TLSConfig{Enabled: fc.TLS},
			Logger:        logger,
		}, endpoint)
		if err != nil {
			return fmt.Errorf("kafka feed: %w", err)
		}
		defer adapter.Close()
		goRun("kafka feed", func() error { return adapter.Start(ctx) })
	}
	if cfg.Feed.RabbitMQ.Enabled {
		fc := cfg.Feed.RabbitMQ
		adapter, err := feedrabbitmq.NewAdapter(feedrabbitmq.Config{
			Enabled:       true,
			URL:           fc.URL,
			Endpoints:     fc.Endpoints,
			Exchange:      fc.Exchange,
			Queue:         fc.Queue,
			RoutingKeys:   fc.RoutingKeys,
			PrefetchCount: fc.Prefetch,
			Workers:       fc.Workers,
			TLS:           feedrabbitmq.TLSConfig{Enabled: fc.TLS},
			Auth:          feedrabbitmq.AuthConfig{Username: fc.Username, Password: fc.Password},
			Logger:        logger,
		}, endpoint)
		if err != nil {
			return fmt.Errorf("rabbitmq feed: %w", err)
		}
		if err := adapter.Start(ctx); err != nil {
			return fmt.Errorf("rabbitmq feed: %w", err)
		}
		defer adapter.Close()
	}
	if cfg.Feed.Socket.Enabled {
		fc := cfg.Feed.Socket
		server := feedsocket.NewServer(feedsocket.Config{
			Network:        fc.Network,
			Address:        fc.Address,
			UnixSocketPath: fc.UnixSocketPath,
			AuthToken:      fc.AuthToken,
			MaxInflight:    fc.MaxInflight,
			Partitions:     fc.Partitions,
			Logger:         logger,
		}, endpoint, conns)
		defer server.Close()
		goRun("socket feed", func() error { return server.Start(ctx) })
	}

	goRun("http", func() error {
		logger.Info("routerelayd: listening", "addr", cfg.Server.Addr, "socket_path", cfg.Server.SocketPath)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errc:
	}
	cancel()

	shutdownCtx, done := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer done()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("routerelayd: http shutdown", "error", err)
	}
	wg.Wait()
	logger.Info("routerelayd: stopped", "live_connections", conns.Len())
	return runErr
}

func brokerDialer(cfg config.BrokerConfig) bridge.Dialer {
	if cfg.Kind == "rabbitmq" {
		return bridge.RabbitMQDialer(bridge.RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Exchange: cfg.RabbitMQ.Exchange,
			Username: cfg.RabbitMQ.Username,
			Password: cfg.RabbitMQ.Password,
			TLS:      cfg.RabbitMQ.TLS,
		})
	}
	return bridge.KafkaDialer(bridge.KafkaConfig{
		Brokers:  cfg.Kafka.Brokers,
		Topic:    cfg.Kafka.Topic,
		ClientID: cfg.Kafka.ClientID,
		TLS:      cfg.Kafka.TLS,
	})
}
