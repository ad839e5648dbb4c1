// Copyright 2025 James Ross

// Package workerhost runs the queue consumers and periodic schedulers and
// coordinates graceful shutdown: on cancel, consumers stop accepting work,
// schedulers stop ticking, and the host waits for in-flight messages to
// settle before returning.
package workerhost

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/bundleforge/fulfillment/internal/obs"
	"github.com/bundleforge/fulfillment/internal/queues"
	"github.com/bundleforge/fulfillment/internal/scheduler"
)

type consumerGroup struct {
	consumer *queues.Consumer
	count    int
}

type Host struct {
	groups     []consumerGroup
	schedulers []*scheduler.Scheduler
	inflight   atomic.Int64
	log        *zap.Logger
}

func New(log *zap.Logger) *Host {
	if log == nil {
		log = zap.NewNop()
	}
	return &Host{log: log}
}

// MessageReceived, MessageProcessed and ProcessingError implement
// queues.Tracker.
func (h *Host) MessageReceived() {
	h.inflight.Add(1)
	obs.InflightMessages.Inc()
}

func (h *Host) MessageProcessed() {
	h.inflight.Add(-1)
	obs.InflightMessages.Dec()
}

func (h *Host) ProcessingError() {
	h.inflight.Add(-1)
	obs.InflightMessages.Dec()
}

func (h *Host) AddConsumer(c *queues.Consumer, count int) {
	if count < 1 {
		count = 1
	}
	h.groups = append(h.groups, consumerGroup{consumer: c, count: count})
}

func (h *Host) AddScheduler(s *scheduler.Scheduler) {
	h.schedulers = append(h.schedulers, s)
}

// Run blocks until ctx is canceled and the host has drained.
func (h *Host) Run(ctx context.Context) error {
	for _, s := range h.schedulers {
		s.Start()
		go h.logSchedulerEvents(ctx, s)
	}

	var wg sync.WaitGroup
	for _, g := range h.groups {
		for i := 0; i < g.count; i++ {
			wg.Add(1)
			c := g.consumer
			go func() {
				defer wg.Done()
				c.Run(ctx)
			}()
		}
	}

	<-ctx.Done()
	h.log.Info("shutdown requested, draining")

	for _, s := range h.schedulers {
		s.Stop()
	}
	wg.Wait()
	h.waitForInflight()
	h.log.Info("drained, exiting")
	return nil
}

// waitForInflight spins until the in-flight counter reaches zero. Consumers
// finish their current message before returning from Run, so this is a
// backstop against racing trackers rather than a real wait.
func (h *Host) waitForInflight() {
	for h.inflight.Load() > 0 {
		h.log.Info("waiting for in-flight messages", zap.Int64("inflight", h.inflight.Load()))
		time.Sleep(100 * time.Millisecond)
	}
}

func (h *Host) logSchedulerEvents(ctx context.Context, s *scheduler.Scheduler) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-s.Events():
			if e.Kind == scheduler.JobOverdue {
				h.log.Warn("scheduled job overdue", obs.String("job", e.Name))
			}
		}
	}
}
