package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// WatchProgress feeds the progress events that workers publish into this
// queue's tracker, so Progress answers for scans handled in other processes.
// It reads every partition of the progress topic from the newest offset
// outside any consumer group, so every API instance sees every event. It
// blocks until ctx is cancelled.
func (q *Queue) WatchProgress(ctx context.Context) error {
	topic := q.cfg.ProgressTopic
	if topic == "" {
		q.logger.Info(ctx, "Progress topic not configured, not watching progress")
		return nil
	}
	if q.progressConsumer == nil {
		return errors.New("queue has no progress consumer")
	}

	partitions, err := q.progressConsumer.Partitions(topic)
	if err != nil {
		return fmt.Errorf("listing partitions of %s: %w", topic, err)
	}

	q.logger.Info(ctx, "Watching scan progress", "topic", topic, "partitions", len(partitions))

	g, ctx := errgroup.WithContext(ctx)
	for _, partition := range partitions {
		g.Go(func() error { return q.watchPartition(ctx, topic, partition) })
	}
	return g.Wait()
}

func (q *Queue) watchPartition(ctx context.Context, topic string, partition int32) error {
	pc, err := q.progressConsumer.ConsumePartition(topic, partition, sarama.OffsetNewest)
	if err != nil {
		return fmt.Errorf("consuming %s/%d: %w", topic, partition, err)
	}
	defer func() {
		if err := pc.Close(); err != nil {
			q.logger.Warn(context.WithoutCancel(ctx), "Failed to close progress partition consumer",
				"topic", topic,
				"partition", partition,
				"err", err,
			)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-pc.Messages():
			if !ok {
				return nil
			}
			q.recordProgress(ctx, msg)
		case cerr, ok := <-pc.Errors():
			if !ok {
				return nil
			}
			q.logger.Error(ctx, "Progress consumer error", "topic", topic, "partition", partition, "err", cerr)
		}
	}
}

func (q *Queue) recordProgress(ctx context.Context, msg *sarama.ConsumerMessage) {
	var evt ProgressEvent
	if err := json.Unmarshal(msg.Value, &evt); err != nil || evt.ScanID == uuid.Nil {
		q.metrics.IncConsumeError(ctx, msg.Topic)
		q.logger.Warn(ctx, "Skipping undecodable progress event",
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"err", err,
		)
		return
	}
	q.progress.Record(evt.ScanID, evt.Progress)
}
