// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package dispatch moves committed outbox entries to their brokers.
//
// The sweeper claims batches on a fixed interval and is the component
// correctness rests on; the fast path in this package only shortens
// the latency for entries whose ids arrive on a notification queue.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/sony/gobreaker"

	"github.com/z5labs/keel/command"
	"github.com/z5labs/keel/health"
	"github.com/z5labs/keel/outbox"
)

// Publisher delivers one outbox entry to a broker. Implementations
// must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, entry outbox.Entry) error
}

// PublisherFunc is an adapter to allow the use of ordinary functions
// as [Publisher]s.
type PublisherFunc func(ctx context.Context, entry outbox.Entry) error

// Publish implements the [Publisher] interface.
func (f PublisherFunc) Publish(ctx context.Context, entry outbox.Entry) error {
	return f(ctx, entry)
}

// Option configures a [Dispatcher].
type Option func(*Dispatcher)

// LogHandler sets the slog handler used by the dispatcher.
func LogHandler(h slog.Handler) Option {
	return func(d *Dispatcher) {
		d.log = slog.New(h)
	}
}

// SweepInterval sets how often the sweeper claims a batch.
func SweepInterval(interval time.Duration) Option {
	return func(d *Dispatcher) {
		d.interval = interval
	}
}

// BatchSize caps how many entries one sweep claims.
func BatchSize(n int) Option {
	return func(d *Dispatcher) {
		d.batch = n
	}
}

// ClaimTimeout sets how old a claim must be before the entry counts
// as abandoned and is reclaimed.
func ClaimTimeout(d time.Duration) Option {
	return func(disp *Dispatcher) {
		disp.claimTimeout = d
	}
}

// MaxBackoff caps the publish retry backoff.
func MaxBackoff(d time.Duration) Option {
	return func(disp *Dispatcher) {
		disp.maxBackoff = d
	}
}

// PublishTimeout bounds a single broker publish.
func PublishTimeout(d time.Duration) Option {
	return func(disp *Dispatcher) {
		disp.publishTimeout = d
	}
}

// HostID sets the claimer identity recorded on claimed entries.
func HostID(id string) Option {
	return func(d *Dispatcher) {
		d.hostID = id
	}
}

// RecoverLeases has each sweep also return commands with expired
// processing leases to PENDING, so a crashed worker's commands become
// eligible for redelivery even when the broker never redelivers.
func RecoverLeases(commands command.Store) Option {
	return func(d *Dispatcher) {
		d.commands = commands
	}
}

// Dispatcher publishes outbox entries. Claiming happens in a
// transaction, publishing outside of it and settling in a short
// follow up statement, so no database connection is ever held across
// a broker call.
type Dispatcher struct {
	store    outbox.Store
	commands command.Store
	mq       Publisher
	kafka    Publisher

	hostID              string
	interval            time.Duration
	batch               int
	claimTimeout        time.Duration
	maxBackoff          time.Duration
	publishTimeout      time.Duration
	fastPathConcurrency int
	fastPathRetryDelay  time.Duration

	log     *slog.Logger
	metrics *metricsRecorder
	healthy *health.Binary

	mqBreaker    *gobreaker.CircuitBreaker
	kafkaBreaker *gobreaker.CircuitBreaker
}

// Healthy returns a [health.Monitor] reporting dispatcher readiness:
// the sweep loop is alive and both publisher circuits are closed.
func (d *Dispatcher) Healthy() health.Monitor {
	return health.And(
		d.healthy,
		health.MonitorFunc(func(ctx context.Context) (bool, error) {
			return d.mqBreaker.State() != gobreaker.StateOpen &&
				d.kafkaBreaker.State() != gobreaker.StateOpen, nil
		}),
	)
}

// New initializes a [Dispatcher]. Entries of category command and
// reply are published with mq, event entries with kafka.
func New(store outbox.Store, mq, kafka Publisher, opts ...Option) (*Dispatcher, error) {
	metrics, err := newMetricsRecorder()
	if err != nil {
		return nil, err
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "dispatcher"
	}

	d := &Dispatcher{
		store:               store,
		mq:                  mq,
		kafka:               kafka,
		hostID:              hostname,
		interval:            time.Second,
		batch:               500,
		claimTimeout:        10 * time.Second,
		maxBackoff:          5 * time.Minute,
		publishTimeout:      5 * time.Second,
		fastPathConcurrency: 32,
		fastPathRetryDelay:  time.Second,
		log:                 slog.New(slog.DiscardHandler),
		metrics:             metrics,
		healthy:             new(health.Binary),
	}
	for _, opt := range opts {
		opt(d)
	}

	d.mqBreaker = d.newBreaker("mq")
	d.kafkaBreaker = d.newBreaker("kafka")
	return d, nil
}

// newBreaker guards one publisher. An open breaker fails publishes
// immediately, which turns a broker outage into cheap reschedules
// instead of a batch of timed out publish calls per sweep.
func (d *Dispatcher) newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: 30 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.log.Warn(
				"publisher circuit state changed",
				slog.String("publisher", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})
}

// Run sweeps until ctx is done. A failed sweep is logged and retried
// on the next tick.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		_, err := d.Sweep(ctx)
		if err != nil {
			d.healthy.MarkUnhealthy()
			if ctx.Err() == nil {
				d.log.ErrorContext(ctx, "sweep failed", slog.String("error", err.Error()))
			}
			continue
		}
		d.healthy.MarkHealthy()
	}
}

// Sweep runs one dispatcher tick: reclaim abandoned entries, claim a
// batch and publish it. It returns how many entries were published.
func (d *Dispatcher) Sweep(ctx context.Context) (int, error) {
	now := time.Now().UTC()

	recovered, err := d.store.RecoverStuck(ctx, now.Add(-d.claimTimeout))
	if err != nil {
		return 0, err
	}
	if recovered > 0 {
		d.metrics.recordRecovered(ctx, recovered)
		d.log.InfoContext(ctx, "recovered stuck outbox entries", slog.Int64("entries", recovered))
	}

	if d.commands != nil {
		leases, err := d.commands.RecoverExpired(ctx, now)
		if err != nil {
			return 0, err
		}
		if leases > 0 {
			d.metrics.recordLeasesRecovered(ctx, leases)
			d.log.InfoContext(ctx, "recovered expired command leases", slog.Int64("commands", leases))
		}
	}

	entries, err := d.store.Claim(ctx, d.batch, d.hostID)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, entry := range entries {
		ok, err := d.dispatchEntry(ctx, entry)
		if err != nil {
			// settling failed, the claim times out and the entry is
			// swept again
			d.log.ErrorContext(ctx, "failed to settle outbox entry", slog.Int64("entry", entry.ID), slog.String("error", err.Error()))
			continue
		}
		if ok {
			published++
		}
	}
	return published, nil
}

// dispatchEntry publishes one claimed entry and settles it. The
// boolean reports whether the entry was published; the error reports
// a failed settlement, not a failed publish.
func (d *Dispatcher) dispatchEntry(ctx context.Context, entry outbox.Entry) (bool, error) {
	pub, breaker, ok := d.publisherFor(entry.Category)
	if !ok {
		d.metrics.recordUnroutable(ctx)
		d.log.ErrorContext(ctx, "parking unroutable outbox entry", slog.Int64("entry", entry.ID), slog.String("category", string(entry.Category)))
		return false, d.store.MarkFailed(ctx, entry.ID, fmt.Sprintf("no publisher for category %s", entry.Category))
	}

	pubCtx, cancel := context.WithTimeout(ctx, d.publishTimeout)
	_, err := breaker.Execute(func() (any, error) {
		return nil, pub.Publish(pubCtx, entry)
	})
	cancel()
	if err != nil {
		backoff := outbox.Backoff(entry.Attempts+1, d.maxBackoff)
		d.metrics.recordRescheduled(ctx, string(entry.Category))
		d.log.WarnContext(
			ctx,
			"rescheduling outbox entry",
			slog.Int64("entry", entry.ID),
			slog.String("topic", entry.Topic),
			slog.Duration("backoff", backoff),
			slog.String("error", err.Error()),
		)
		return false, d.store.Reschedule(ctx, entry.ID, backoff, err.Error())
	}

	d.metrics.recordPublished(ctx, string(entry.Category))
	return true, d.store.MarkPublished(ctx, entry.ID)
}

func (d *Dispatcher) publisherFor(category outbox.Category) (Publisher, *gobreaker.CircuitBreaker, bool) {
	switch category {
	case outbox.CategoryCommand, outbox.CategoryReply:
		return d.mq, d.mqBreaker, true
	case outbox.CategoryEvent:
		return d.kafka, d.kafkaBreaker, true
	default:
		return nil, nil, false
	}
}
