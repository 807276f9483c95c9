// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/z5labs/keel"
	"github.com/z5labs/keel/app"
	"github.com/z5labs/keel/bus"
	"github.com/z5labs/keel/command"
	"github.com/z5labs/keel/config"
	"github.com/z5labs/keel/dispatch"
	"github.com/z5labs/keel/envelope"
	"github.com/z5labs/keel/executor"
	"github.com/z5labs/keel/health"
	"github.com/z5labs/keel/internal/httpserver"
	"github.com/z5labs/keel/notify"
	"github.com/z5labs/keel/outbox"
	"github.com/z5labs/keel/postgres"
	"github.com/z5labs/keel/process"
	"github.com/z5labs/keel/queue"
	"github.com/z5labs/keel/queue/amqp"
	"github.com/z5labs/keel/queue/kafka"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/sourcegraph/conc/pool"
)

// AppOption configures the assembly performed by [NewApp].
type AppOption func(*appOptions)

type appOptions struct {
	postgres  postgres.Config
	kafka     kafka.Config
	amqp      amqp.Config
	redisAddr config.Reader[string]

	handlers    []namedHandler
	definitions []process.Definition

	kafkaCommandTopics []string
	eventPartitions    int32
}

type namedHandler struct {
	name    string
	handler command.Handler
}

// Handle registers a command handler under the given name.
func Handle(name string, h command.Handler) AppOption {
	return func(ao *appOptions) {
		ao.handlers = append(ao.handlers, namedHandler{name: name, handler: h})
	}
}

// Process registers a process definition. Its initiation command is
// routed through the process manager instead of a plain handler.
func Process(def process.Definition) AppOption {
	return func(ao *appOptions) {
		ao.definitions = append(ao.definitions, def)
	}
}

// Postgres overrides how the PostgreSQL connection is configured.
// The default reads POSTGRES_URL from the environment.
func Postgres(cfg postgres.Config) AppOption {
	return func(ao *appOptions) {
		ao.postgres = cfg
	}
}

// Kafka overrides how the Kafka clients are configured. The default
// reads KAFKA_BROKERS from the environment.
func Kafka(cfg kafka.Config) AppOption {
	return func(ao *appOptions) {
		ao.kafka = cfg
	}
}

// AMQP overrides how the message queue connection is configured. The
// default reads AMQP_URL from the environment.
func AMQP(cfg amqp.Config) AppOption {
	return func(ao *appOptions) {
		ao.amqp = cfg
	}
}

// RedisAddr sets where the fast path notification list lives. The
// default reads REDIS_ADDR from the environment; when neither is
// present the worker runs without a fast path and relies on the
// outbox sweeper alone.
func RedisAddr(r config.Reader[string]) AppOption {
	return func(ao *appOptions) {
		ao.redisAddr = r
	}
}

// ConsumeKafkaTopics adds Kafka topics whose records are executed as
// commands, for producers that submit over Kafka instead of the
// message queue.
func ConsumeKafkaTopics(topics ...string) AppOption {
	return func(ao *appOptions) {
		ao.kafkaCommandTopics = append(ao.kafkaCommandTopics, topics...)
	}
}

// EventTopicPartitions sets the partition count used when creating
// missing event topics.
func EventTopicPartitions(n int32) AppOption {
	return func(ao *appOptions) {
		ao.eventPartitions = n
	}
}

// App is a fully assembled worker: broker consumers feeding the
// executor and the process manager, the outbox dispatcher and an ops
// HTTP server, all running under one pool.
type App struct {
	log      *slog.Logger
	bus      *bus.Bus
	runtimes []app.Runtime
	postRun  []func() error
}

// NewApp connects to the configured infrastructure, applies the
// schema migrations and wires every runtime the worker needs. The
// returned [App] owns the connections and closes them after Run.
func NewApp(ctx context.Context, cfg KeelConfig, opts ...AppOption) (*App, error) {
	ao := &appOptions{
		postgres:        postgres.Config{URL: postgres.URLFromEnv()},
		kafka:           kafka.Config{Brokers: kafka.BrokersFromEnv(), GroupID: kafka.GroupIDFromEnv()},
		amqp:            amqp.Config{URL: amqp.URLFromEnv()},
		redisAddr:       config.Env("REDIS_ADDR"),
		eventPartitions: 1,
	}
	for _, opt := range opts {
		opt(ao)
	}

	naming := cfg.Naming()
	if naming == (outbox.Naming{}) {
		naming = outbox.DefaultNaming()
	}
	lease := time.Duration(cfg.CommandLeaseSeconds) * time.Second
	if lease <= 0 {
		lease = 60 * time.Second
	}
	claimTimeout := cfg.OutboxClaimTimeout
	if claimTimeout <= 0 {
		claimTimeout = 10 * time.Second
	}
	sweepInterval := cfg.OutboxSweepInterval
	if sweepInterval <= 0 {
		sweepInterval = time.Second
	}
	batchSize := cfg.OutboxBatchSize
	if batchSize <= 0 {
		batchSize = 500
	}
	maxBackoff := time.Duration(cfg.OutboxMaxBackoffMillis) * time.Millisecond
	if maxBackoff <= 0 {
		maxBackoff = 5 * time.Minute
	}
	fastPathConcurrency := cfg.FastPathConcurrency
	if fastPathConcurrency <= 0 {
		fastPathConcurrency = 32
	}

	a := &App{
		log: keel.Logger("worker"),
	}

	pgpool, err := postgres.Connect(ctx, ao.postgres)
	if err != nil {
		return nil, err
	}
	a.postRun = append(a.postRun, func() error {
		pgpool.Close()
		return nil
	})

	err = postgres.Migrate(ctx, pgpool)
	if err != nil {
		return nil, errors.Join(err, a.close())
	}

	registry := command.NewRegistry()
	for _, nh := range ao.handlers {
		err := registry.Register(nh.name, nh.handler)
		if err != nil {
			return nil, errors.Join(err, a.close())
		}
	}

	manager := process.NewManager(registry, naming)
	for _, def := range ao.definitions {
		err := manager.Register(def)
		if err != nil {
			return nil, errors.Join(err, a.close())
		}
	}

	uow := postgres.NewUnitOfWork(pgpool, postgres.ClaimTimeout(claimTimeout))

	exec, err := executor.New(
		uow,
		registry,
		manager,
		executor.LeaseDuration(lease),
		executor.Naming(naming),
		executor.LogHandler(keel.Logger("executor").Handler()),
	)
	if err != nil {
		return nil, errors.Join(err, a.close())
	}
	replies := executor.NewReplyProcessor(
		uow,
		manager,
		executor.ReplyLogHandler(keel.Logger("executor").Handler()),
	)

	names := registry.Names()
	commandQueues := make([]string, len(names))
	eventTopics := make([]string, len(names))
	for i, name := range names {
		commandQueues[i] = naming.CommandQueue(name)
		eventTopics[i] = naming.EventTopic(name)
	}

	commandRt, err := amqp.NewRuntime(ctx, ao.amqp, commandQueues, amqpProcessor(exec, envelope.KindCommand, a.log))
	if err != nil {
		return nil, errors.Join(err, a.close())
	}
	a.runtimes = append(a.runtimes, app.RuntimeFunc(commandRt.ProcessQueue))

	replyRt, err := amqp.NewRuntime(ctx, ao.amqp, []string{naming.ReplyQueue}, amqpProcessor(replies, envelope.KindReply, a.log))
	if err != nil {
		return nil, errors.Join(err, a.close())
	}
	a.runtimes = append(a.runtimes, app.RuntimeFunc(replyRt.ProcessQueue))

	if len(ao.kafkaCommandTopics) > 0 {
		kafkaRt, err := kafka.NewRuntime(ctx, ao.kafka, ao.kafkaCommandTopics, kafkaProcessor(exec, envelope.KindCommand, a.log))
		if err != nil {
			return nil, errors.Join(err, a.close())
		}
		a.runtimes = append(a.runtimes, app.RuntimeFunc(kafkaRt.ProcessQueue))
	}

	mqPub, err := amqp.NewPublisher(ctx, ao.amqp)
	if err != nil {
		return nil, errors.Join(err, a.close())
	}
	a.postRun = append(a.postRun, mqPub.Close)

	kafkaPub, err := kafka.NewPublisher(ctx, ao.kafka)
	if err != nil {
		return nil, errors.Join(err, a.close())
	}
	a.postRun = append(a.postRun, func() error {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return kafkaPub.Close(closeCtx)
	})

	if len(eventTopics) > 0 {
		err = kafka.EnsureTopics(ctx, ao.kafka, ao.eventPartitions, eventTopics...)
		if err != nil {
			return nil, errors.Join(err, a.close())
		}
	}

	stores := postgres.NewStores(pgpool, postgres.ClaimTimeout(claimTimeout))
	disp, err := dispatch.New(
		stores.Outbox,
		mqPub,
		kafkaPub,
		dispatch.SweepInterval(sweepInterval),
		dispatch.BatchSize(batchSize),
		dispatch.ClaimTimeout(claimTimeout),
		dispatch.MaxBackoff(maxBackoff),
		dispatch.FastPathConcurrency(fastPathConcurrency),
		dispatch.RecoverLeases(stores.Commands),
		dispatch.LogHandler(keel.Logger("dispatch").Handler()),
	)
	if err != nil {
		return nil, errors.Join(err, a.close())
	}
	a.runtimes = append(a.runtimes, disp)

	busOpts := []bus.Option{
		bus.Naming(naming),
		bus.LogHandler(keel.Logger("bus").Handler()),
	}

	addr, err := config.Read(ctx, ao.redisAddr)
	switch {
	case err == nil && addr != "":
		client := redis.NewClient(&redis.Options{Addr: addr})
		q := notify.NewRedisQueue(client)

		busOpts = append(busOpts, bus.Notify(q))
		a.runtimes = append(a.runtimes, app.RuntimeFunc(func(ctx context.Context) error {
			return disp.RunFastPath(ctx, q)
		}))
		a.postRun = append(a.postRun, client.Close)
	case errors.Is(err, config.ErrNotPresent):
	case err != nil:
		return nil, errors.Join(err, a.close())
	}

	a.bus, err = bus.New(uow, busOpts...)
	if err != nil {
		return nil, errors.Join(err, a.close())
	}

	a.runtimes = append(a.runtimes, opsServer(cfg.HTTP.Port, disp.Healthy(), a.log))
	return a, nil
}

// Bus returns the submission API backed by the same unit of work and
// fast path as the rest of the worker, for processes that embed the
// worker and accept commands in process.
func (a *App) Bus() *bus.Bus {
	return a.bus
}

// Run implements the [bedrock.App] interface. It runs every wired
// runtime until the context is cancelled or one of them fails, then
// releases the owned connections.
func (a *App) Run(ctx context.Context) error {
	p := pool.New().
		WithContext(ctx).
		WithCancelOnError().
		WithFirstError()

	for _, rt := range a.runtimes {
		p.Go(rt.Run)
	}

	err := p.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return errors.Join(err, a.close())
}

func (a *App) close() error {
	errs := make([]error, 0, len(a.postRun))
	for i := len(a.postRun) - 1; i >= 0; i-- {
		errs = append(errs, a.postRun[i]())
	}
	a.postRun = nil
	return errors.Join(errs...)
}

// amqpProcessor adapts a queue delivery into an envelope and hands it
// to p. A message whose headers cannot form a valid envelope is
// logged and acknowledged, redelivering it could never succeed.
func amqpProcessor(p queue.Processor[envelope.Envelope], kind envelope.Kind, log *slog.Logger) queue.Processor[amqp.Message] {
	return queue.ProcessorFunc[amqp.Message](func(ctx context.Context, msg amqp.Message) error {
		return processEnvelope(ctx, p, kind, msg.Body, msg.Headers, log)
	})
}

// kafkaProcessor is the Kafka counterpart of [amqpProcessor].
func kafkaProcessor(p queue.Processor[envelope.Envelope], kind envelope.Kind, log *slog.Logger) queue.Processor[kafka.Message] {
	return queue.ProcessorFunc[kafka.Message](func(ctx context.Context, msg kafka.Message) error {
		return processEnvelope(ctx, p, kind, msg.Value, msg.HeaderMap(), log)
	})
}

func processEnvelope(ctx context.Context, p queue.Processor[envelope.Envelope], kind envelope.Kind, body []byte, headers map[string]string, log *slog.Logger) error {
	env, err := envelope.FromHeaders(kind, body, headers)
	if err != nil {
		log.ErrorContext(ctx, "dropping undecodable message", slog.String("error", err.Error()))
		return nil
	}
	return p.Process(ctx, env)
}

// opsServer serves liveness and readiness. Liveness reports the
// process is up; readiness follows the dispatcher health monitor.
func opsServer(port uint, readiness health.Monitor, log *slog.Logger) app.Runtime {
	if port == 0 {
		port = 8080
	}

	mux := opsMux(readiness, log)
	return app.RuntimeFunc(func(ctx context.Context) error {
		ls, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			return fmt.Errorf("worker: failed to listen on ops port %d: %w", port, err)
		}
		return httpserver.NewApp(ls, mux, httpserver.ErrorLog(log.Handler())).Run(ctx)
	})
}

func opsMux(readiness health.Monitor, log *slog.Logger) http.Handler {
	mux := chi.NewRouter()
	mux.Get("/health/liveness", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Get("/health/readiness", func(w http.ResponseWriter, r *http.Request) {
		healthy, err := readiness.Healthy(r.Context())
		if err != nil {
			log.ErrorContext(r.Context(), "failed to check readiness", slog.String("error", err.Error()))
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	return mux
}
