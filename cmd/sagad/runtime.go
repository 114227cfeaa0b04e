package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"saga-checkout/internal/config"
	"saga-checkout/internal/database"
	"saga-checkout/internal/handlers"
	"saga-checkout/internal/idempotency"
	bus "saga-checkout/internal/infrastructure/kafka"
	"saga-checkout/internal/listener"
	"saga-checkout/internal/logging"
	"saga-checkout/internal/metrics"
	"saga-checkout/internal/repo"
	"saga-checkout/internal/worker"
)

// runtime holds what every service process shares: config, logger,
// database, metrics and the bus.
type runtime struct {
	cfg      *config.Config
	log      *logrus.Entry
	db       database.Service
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	bus      *bus.Client
	writer   *kafka.Writer
}

func setup(ctx context.Context, service string) (*runtime, error) {
	cfg, err := config.Load(service, configPath)
	if err != nil {
		return nil, err
	}
	log := logging.New(service, cfg.Log.Level, cfg.Log.Format)

	db, err := database.Open(ctx, cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(ctx, db.DB(), service); err != nil {
		db.Close()
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	client := bus.NewClient(cfg.Kafka.Brokers)
	return &runtime{
		cfg:      cfg,
		log:      log,
		db:       db,
		registry: reg,
		metrics:  metrics.New(reg),
		bus:      client,
		writer:   client.NewWriter(),
	}, nil
}

func (rt *runtime) Close() {
	if err := rt.writer.Close(); err != nil {
		rt.log.WithError(err).Warn("close kafka writer")
	}
	if err := rt.db.Close(); err != nil {
		rt.log.WithError(err).Warn("close database")
	}
}

func (rt *runtime) openStore(ctx context.Context) (idempotency.Store, error) {
	switch rt.cfg.Idempotency.Backend {
	case "dynamodb":
		client, err := idempotency.NewDynamoClient(ctx, rt.cfg.AWS.Region, rt.cfg.AWS.Endpoint)
		if err != nil {
			return nil, err
		}
		return idempotency.NewDynamoStore(client, rt.cfg.Idempotency.Table), nil
	default:
		store, err := idempotency.NewBoltStore(rt.cfg.Idempotency.BoltPath)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
}

func (rt *runtime) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	return handlers.NewRouter(handlers.RouterConfig{
		DB:           rt.db,
		Metrics:      rt.metrics,
		Gatherer:     rt.registry,
		AllowOrigins: rt.cfg.HTTP.AllowOrigins,
		Log:          rt.log,
	})
}

// serve runs the HTTP server, a consumer and a dead-letter consumer per
// route, and the outbox relay until ctx ends or one of them fails.
func (rt *runtime) serve(ctx context.Context, engine *gin.Engine, routes []listener.Route) error {
	g, ctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", rt.cfg.HTTP.Port),
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		rt.log.WithField("addr", srv.Addr).Info("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	for _, r := range routes {
		rt.consume(ctx, g, r.Topic, rt.writer, r.Handle)
		rt.consume(ctx, g, r.DeadLetterTopic(), nil, r.DeadLetter)
	}

	relay := worker.NewOutboxRelay(
		repo.NewOutboxRepo(rt.db.DB()),
		bus.NewPublisher(rt.writer),
		rt.cfg.Outbox.Interval,
		rt.cfg.Outbox.BatchSize,
		rt.log,
		rt.metrics,
	)
	g.Go(func() error { return relay.Run(ctx) })

	return g.Wait()
}

func (rt *runtime) consume(ctx context.Context, g *errgroup.Group, topic string, dlq bus.Writer, h bus.Handler) {
	reader := rt.bus.NewReader(topic, rt.cfg.Kafka.GroupID)
	c := bus.NewConsumer(reader, dlq, bus.ConsumerConfig{
		Topic:       topic,
		MaxAttempts: rt.cfg.Consumer.MaxAttempts,
		Backoff:     rt.cfg.Consumer.Backoff,
	}, h, rt.log, rt.metrics)
	g.Go(func() error {
		defer reader.Close()
		return c.Run(ctx)
	})
}
