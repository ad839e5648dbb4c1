// Copyright 2025 James Ross

// Package jobs implements the five pipeline stages: plan, prepare, post, seed
// and verify, plus the new-data-item insert consumer.
package jobs

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bundleforge/fulfillment/internal/database"
	"github.com/bundleforge/fulfillment/internal/fanout"
	"github.com/bundleforge/fulfillment/internal/obs"
	"github.com/bundleforge/fulfillment/internal/packer"
	"github.com/bundleforge/fulfillment/internal/queues"
)

// PlanJob pulls new data items, packs them into plans and enqueues prepare
// work. It runs on a scheduler tick and drains backlog in a bounded loop so a
// single invocation cannot occupy the scheduler forever.
type PlanJob struct {
	db           database.Database
	packer       *packer.Packer
	prepareQueue queues.Queue

	maxDataItemLimit int
	maxRuntime       time.Duration
	concurrency      int
	log              *zap.Logger
	now              func() time.Time
}

func NewPlanJob(db database.Database, pk *packer.Packer, prepareQueue queues.Queue,
	maxDataItemLimit int, maxRuntime time.Duration, concurrency int, log *zap.Logger) *PlanJob {
	if log == nil {
		log = zap.NewNop()
	}
	if concurrency < 1 {
		concurrency = 5
	}
	return &PlanJob{
		db:               db,
		packer:           pk,
		prepareQueue:     prepareQueue,
		maxDataItemLimit: maxDataItemLimit,
		maxRuntime:       maxRuntime,
		concurrency:      concurrency,
		log:              log,
		now:              time.Now,
	}
}

func (j *PlanJob) Run(ctx context.Context) error {
	deadline := j.now().Add(j.maxRuntime)
	fetchLimit := 5 * j.maxDataItemLimit

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if j.now().After(deadline) {
			j.log.Warn("plan run hit its wall-clock cap, yielding to next tick")
			return nil
		}

		items, err := j.db.GetNewDataItems(ctx, fetchLimit)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}

		packItems := make([]packer.Item, 0, len(items))
		for _, it := range items {
			packItems = append(packItems, packer.Item{
				DataItemID:         it.DataItemID,
				ByteCount:          it.ByteCount,
				UploadedDate:       it.UploadedDate,
				PremiumFeatureType: it.PremiumFeatureType,
			})
		}
		plans := j.packer.Pack(j.now(), packItems)
		if len(plans) == 0 {
			// everything on hand is underweight and on time; wait for more
			return nil
		}

		tasks := make([]func(context.Context) error, 0, len(plans))
		for _, plan := range plans {
			plan := plan
			tasks = append(tasks, func(ctx context.Context) error {
				planID := uuid.NewString()
				if err := j.db.InsertBundlePlan(ctx, planID, plan.DataItemIDs); err != nil {
					j.log.Error("insert bundle plan failed",
						obs.String("plan_id", planID), obs.Err(err))
					return nil // per-plan failure, keep planning
				}
				body, err := queues.MarshalPlanMessage(planID)
				if err != nil {
					return err
				}
				if err := j.prepareQueue.Send(ctx, body); err != nil {
					j.log.Error("enqueue prepare failed",
						obs.String("plan_id", planID), obs.Err(err))
					return nil
				}
				obs.BundlesPlanned.Inc()
				obs.DataItemsPlanned.Add(float64(len(plan.DataItemIDs)))
				j.log.Info("bundle planned",
					obs.String("plan_id", planID),
					obs.Int("data_items", len(plan.DataItemIDs)),
					obs.Int64("byte_count", plan.TotalByteCount),
					obs.Bool("overdue", plan.ContainsOverdueItem))
				return nil
			})
		}
		if err := fanout.InParallel(ctx, j.concurrency, tasks); err != nil {
			return err
		}

		if len(items) < fetchLimit {
			// backlog drained within this invocation
			return nil
		}
	}
}
