// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package kafka

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sourcegraph/conc/pool"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"

	"github.com/z5labs/keel"
	"github.com/z5labs/keel/config"
	"github.com/z5labs/keel/queue"
)

// Runtime is a consumer group runtime which feeds consumed records to
// a [queue.Processor], one partition at a time, in offset order.
//
// Delivery is at least once. Auto commit is disabled and after every
// poll only the prefix of successfully processed records is committed
// per partition; a processing failure rewinds the partition to the
// failed record so it is polled again.
type Runtime struct {
	client    *kgo.Client
	processor queue.Processor[Message]
	groupID   string
	tracer    *kotel.Tracer
	metrics   *metricsRecorder
	log       *slog.Logger
}

// NewRuntime creates a [Runtime] consuming the given topics as a
// member of the configured consumer group.
func NewRuntime(ctx context.Context, cfg Config, topics []string, p queue.Processor[Message]) (*Runtime, error) {
	groupID, err := config.Read(ctx, cfg.GroupID)
	if err != nil {
		return nil, err
	}

	sessionTimeout, err := readOr(ctx, 45*time.Second, cfg.SessionTimeout)
	if err != nil {
		return nil, err
	}
	rebalanceTimeout, err := readOr(ctx, 60*time.Second, cfg.RebalanceTimeout)
	if err != nil {
		return nil, err
	}
	fetchMaxBytes, err := readOr(ctx, int32(50*1024*1024), cfg.FetchMaxBytes)
	if err != nil {
		return nil, err
	}

	opts, err := clientOpts(ctx, cfg)
	if err != nil {
		return nil, err
	}

	tracer := tracerHook(groupID)

	opts = append(opts,
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topics...),
		kgo.DisableAutoCommit(),
		kgo.Balancers(kgo.CooperativeStickyBalancer()),
		kgo.SessionTimeout(sessionTimeout),
		kgo.RebalanceTimeout(rebalanceTimeout),
		kgo.FetchMaxBytes(fetchMaxBytes),
		kgo.WithHooks(tracer),
	)

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, err
	}

	metrics, err := newMetricsRecorder()
	if err != nil {
		client.Close()
		return nil, err
	}

	return &Runtime{
		client:    client,
		processor: p,
		groupID:   groupID,
		tracer:    tracer,
		metrics:   metrics,
		log:       keel.Logger("github.com/z5labs/keel/queue/kafka"),
	}, nil
}

// ProcessQueue implements the [queue.Runtime] interface.
//
// It polls fetches until the context is cancelled, processing the
// partitions of each fetch concurrently and the records within a
// partition sequentially.
func (rt *Runtime) ProcessQueue(ctx context.Context) error {
	defer rt.client.Close()

	for {
		fetches := rt.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			rt.log.ErrorContext(ctx, "failed to fetch records",
				GroupIDAttr(rt.groupID),
				TopicAttr(topic),
				PartitionAttr(partition),
				slog.String("error", err.Error()),
			)
		})

		p := pool.New().WithContext(ctx)
		fetches.EachPartition(func(ftp kgo.FetchTopicPartition) {
			if len(ftp.Records) == 0 {
				return
			}

			p.Go(func(ctx context.Context) error {
				rt.processPartition(ctx, ftp)
				return nil
			})
		})

		err := p.Wait()
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
}

// processPartition processes one partition's records in order,
// commits the successful prefix and rewinds to the first failure, if
// any, so the failed record and everything after it is redelivered.
func (rt *Runtime) processPartition(ctx context.Context, ftp kgo.FetchTopicPartition) {
	var processed []*kgo.Record
	var failed *kgo.Record

	for _, record := range ftp.Records {
		err := rt.processRecord(ctx, record)
		if err != nil {
			failed = record
			break
		}
		processed = append(processed, record)
	}

	if len(processed) > 0 {
		err := rt.client.CommitRecords(ctx, processed...)
		if err != nil {
			// Commit failures are benign under at least once
			// delivery, the uncommitted records are simply
			// redelivered after a rebalance.
			rt.log.WarnContext(ctx, "failed to commit records",
				GroupIDAttr(rt.groupID),
				TopicAttr(ftp.Topic),
				PartitionAttr(ftp.Partition),
				slog.String("error", err.Error()),
			)
		} else {
			rt.metrics.recordMessagesCommitted(ctx, ftp.Topic, ftp.Partition, len(processed))
		}
	}

	if failed == nil {
		return
	}

	rt.client.SetOffsets(map[string]map[int32]kgo.EpochOffset{
		ftp.Topic: {
			ftp.Partition: {
				Epoch:  failed.LeaderEpoch,
				Offset: failed.Offset,
			},
		},
	})
}

func (rt *Runtime) processRecord(ctx context.Context, record *kgo.Record) error {
	ctx, span := rt.tracer.WithProcessSpan(record)
	defer span.End()

	err := rt.processor.Process(ctx, messageFrom(record))
	if err != nil {
		rt.metrics.recordProcessingFailure(ctx, record.Topic, record.Partition)
		rt.log.ErrorContext(ctx, "failed to process record",
			GroupIDAttr(rt.groupID),
			TopicAttr(record.Topic),
			PartitionAttr(record.Partition),
			OffsetAttr(record.Offset),
			slog.String("error", err.Error()),
		)
		return err
	}

	rt.metrics.recordMessageProcessed(ctx, record.Topic, record.Partition)
	return nil
}

func messageFrom(record *kgo.Record) Message {
	headers := make([]Header, len(record.Headers))
	for i, h := range record.Headers {
		headers[i] = Header{
			Key:   h.Key,
			Value: h.Value,
		}
	}

	return Message{
		Key:       record.Key,
		Value:     record.Value,
		Headers:   headers,
		Timestamp: record.Timestamp,
		Topic:     record.Topic,
		Partition: record.Partition,
		Offset:    record.Offset,
	}
}
