// Copyright 2025 James Ross
package queues

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/bundleforge/fulfillment/internal/obs"
)

// Handler processes one message. A nil return deletes the message.
type Handler func(ctx context.Context, msg Message) error

// BatchHandler processes a whole received batch. Deletion is the handler's
// responsibility; the consumer only resets visibility on error.
type BatchHandler func(ctx context.Context, msgs []Message) error

// Tracker observes message lifecycle for graceful-drain accounting.
type Tracker interface {
	MessageReceived()
	MessageProcessed()
	ProcessingError()
}

type nopTracker struct{}

func (nopTracker) MessageReceived()  {}
func (nopTracker) MessageProcessed() {}
func (nopTracker) ProcessingError()  {}

// ConsumerOptions mirror the per-queue parameters.
type ConsumerOptions struct {
	BatchSize                int64
	VisibilityTimeout        time.Duration
	HeartbeatInterval        time.Duration
	PollingWait              time.Duration
	TerminateVisibilityOnErr bool
}

// Consumer drains one queue, invoking the handler per message (or per batch)
// and managing deletes and visibility.
type Consumer struct {
	queue   Queue
	handler Handler
	batch   BatchHandler
	opts    ConsumerOptions
	tracker Tracker
	log     *zap.Logger
}

func NewConsumer(queue Queue, handler Handler, opts ConsumerOptions, tracker Tracker, log *zap.Logger) *Consumer {
	return newConsumer(queue, handler, nil, opts, tracker, log)
}

// NewBatchConsumer builds a consumer whose handler sees whole batches and
// deletes messages itself after a successful commit.
func NewBatchConsumer(queue Queue, handler BatchHandler, opts ConsumerOptions, tracker Tracker, log *zap.Logger) *Consumer {
	return newConsumer(queue, nil, handler, opts, tracker, log)
}

func newConsumer(queue Queue, handler Handler, batch BatchHandler, opts ConsumerOptions, tracker Tracker, log *zap.Logger) *Consumer {
	if tracker == nil {
		tracker = nopTracker{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	if opts.BatchSize < 1 {
		opts.BatchSize = 1
	}
	if opts.PollingWait <= 0 {
		opts.PollingWait = 10 * time.Second
	}
	return &Consumer{queue: queue, handler: handler, batch: batch, opts: opts, tracker: tracker, log: log}
}

// Run polls until ctx is canceled. In-flight messages run to completion.
func (c *Consumer) Run(ctx context.Context) {
	obs.ConsumersRunning.Inc()
	defer obs.ConsumersRunning.Dec()

	for ctx.Err() == nil {
		msgs, err := c.queue.Receive(ctx, c.opts.BatchSize, c.opts.PollingWait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Warn("receive error", obs.String("queue", c.queue.Name()), obs.Err(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if len(msgs) == 0 {
			continue
		}
		if c.batch != nil {
			c.processBatch(msgs)
			continue
		}
		for _, msg := range msgs {
			c.processOne(msg)
		}
	}
}

// processOne runs the handler under a background context: a canceled poll
// loop must not abort a message that is already in flight.
func (c *Consumer) processOne(msg Message) {
	c.tracker.MessageReceived()
	obs.MessagesReceived.WithLabelValues(c.queue.Name()).Inc()

	ctx := context.Background()
	stopHeartbeat := c.startHeartbeat(ctx, msg.ReceiptHandle)
	start := time.Now()
	err := c.handler(ctx, msg)
	stopHeartbeat()
	obs.JobDuration.WithLabelValues(c.queue.Name()).Observe(time.Since(start).Seconds())

	if err != nil {
		c.tracker.ProcessingError()
		obs.MessageErrors.WithLabelValues(c.queue.Name()).Inc()
		c.log.Error("message handler failed",
			obs.String("queue", c.queue.Name()), obs.String("message_id", msg.ID), obs.Err(err))
		if c.opts.TerminateVisibilityOnErr {
			if verr := c.queue.ChangeVisibility(ctx, msg.ReceiptHandle, 0); verr != nil {
				c.log.Warn("terminate visibility failed", obs.String("queue", c.queue.Name()), obs.Err(verr))
			}
		}
		return
	}
	if derr := c.queue.Delete(ctx, msg.ReceiptHandle); derr != nil {
		c.log.Warn("delete message failed", obs.String("queue", c.queue.Name()), obs.Err(derr))
	}
	c.tracker.MessageProcessed()
	obs.MessagesProcessed.WithLabelValues(c.queue.Name()).Inc()
}

func (c *Consumer) processBatch(msgs []Message) {
	for range msgs {
		c.tracker.MessageReceived()
	}
	obs.MessagesReceived.WithLabelValues(c.queue.Name()).Add(float64(len(msgs)))

	ctx := context.Background()
	start := time.Now()
	err := c.batch(ctx, msgs)
	obs.JobDuration.WithLabelValues(c.queue.Name()).Observe(time.Since(start).Seconds())

	if err != nil {
		for range msgs {
			c.tracker.ProcessingError()
		}
		obs.MessageErrors.WithLabelValues(c.queue.Name()).Add(float64(len(msgs)))
		c.log.Error("batch handler failed",
			obs.String("queue", c.queue.Name()), obs.Int("batch", len(msgs)), obs.Err(err))
		if c.opts.TerminateVisibilityOnErr {
			for _, msg := range msgs {
				if verr := c.queue.ChangeVisibility(ctx, msg.ReceiptHandle, 0); verr != nil {
					c.log.Warn("terminate visibility failed", obs.String("queue", c.queue.Name()), obs.Err(verr))
				}
			}
		}
		return
	}
	for range msgs {
		c.tracker.MessageProcessed()
	}
	obs.MessagesProcessed.WithLabelValues(c.queue.Name()).Add(float64(len(msgs)))
}

// startHeartbeat extends visibility while the handler runs. Returns a stop
// function; a zero interval disables heartbeats.
func (c *Consumer) startHeartbeat(ctx context.Context, receiptHandle string) func() {
	if c.opts.HeartbeatInterval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(c.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := c.queue.ChangeVisibility(ctx, receiptHandle, c.opts.VisibilityTimeout); err != nil {
					c.log.Warn("heartbeat failed", obs.String("queue", c.queue.Name()), obs.Err(err))
				}
			}
		}
	}()
	return func() { close(done) }
}
