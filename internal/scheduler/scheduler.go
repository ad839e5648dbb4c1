// Copyright 2025 James Ross

// Package scheduler runs the periodic plan and verify jobs on a fixed
// interval, skipping ticks that would overlap an in-flight run.
package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/bundleforge/fulfillment/internal/obs"
)

type EventKind int

const (
	JobStart EventKind = iota
	JobComplete
	JobError
	JobOverdue
)

func (k EventKind) String() string {
	switch k {
	case JobStart:
		return "job-start"
	case JobComplete:
		return "job-complete"
	case JobError:
		return "job-error"
	case JobOverdue:
		return "job-overdue"
	}
	return "unknown"
}

// Event is emitted on every lifecycle edge of a scheduled job.
type Event struct {
	Kind EventKind
	Name string
	Err  error
}

// Job is the unit of scheduled work.
type Job func(ctx context.Context) error

// Scheduler fires a job every interval. A tick that lands while the previous
// run is still in flight is skipped and reported as overdue. Stop cancels
// future ticks and waits for the in-flight run to settle.
type Scheduler struct {
	name     string
	interval time.Duration
	job      Job
	log      *zap.Logger

	cron    *cron.Cron
	running atomic.Bool
	baseCtx context.Context
	cancel  context.CancelFunc
	events  chan Event
}

func New(name string, interval time.Duration, job Job, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		name:     name,
		interval: interval,
		job:      job,
		log:      log,
		events:   make(chan Event, 16),
	}
}

// Events exposes the scheduler's lifecycle stream. The channel is buffered;
// events are dropped, not blocked on, when nobody listens.
func (s *Scheduler) Events() <-chan Event { return s.events }

func (s *Scheduler) Start() {
	s.baseCtx, s.cancel = context.WithCancel(context.Background())
	s.cron = cron.New()
	s.cron.Schedule(cron.Every(s.interval), cron.FuncJob(s.tick))
	s.cron.Start()
	s.log.Info("scheduler started", obs.String("job", s.name), zap.Duration("interval", s.interval))
}

// Stop cancels future ticks and blocks until any in-flight run returns.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.cancel()
	s.log.Info("scheduler stopped", obs.String("job", s.name))
}

func (s *Scheduler) tick() {
	if !s.running.CompareAndSwap(false, true) {
		obs.SchedulerOverruns.WithLabelValues(s.name).Inc()
		s.emit(Event{Kind: JobOverdue, Name: s.name})
		s.log.Warn("tick skipped, previous run still in flight", obs.String("job", s.name))
		return
	}
	defer s.running.Store(false)

	s.emit(Event{Kind: JobStart, Name: s.name})
	start := time.Now()
	err := s.job(s.baseCtx)
	obs.JobDuration.WithLabelValues(s.name).Observe(time.Since(start).Seconds())
	if err != nil {
		s.emit(Event{Kind: JobError, Name: s.name, Err: err})
		s.log.Error("job failed", obs.String("job", s.name), obs.Err(err))
		return
	}
	s.emit(Event{Kind: JobComplete, Name: s.name})
}

func (s *Scheduler) emit(e Event) {
	select {
	case s.events <- e:
	default:
	}
}
