// Copyright 2025 James Ross
package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/bundleforge/fulfillment/internal/arweave"
	"github.com/bundleforge/fulfillment/internal/database"
	"github.com/bundleforge/fulfillment/internal/gateway"
	"github.com/bundleforge/fulfillment/internal/objectstore"
	"github.com/bundleforge/fulfillment/internal/obs"
	"github.com/bundleforge/fulfillment/internal/queues"
)

// SeedJob uploads the bundle payload chunk by chunk after the transaction has
// been accepted.
type SeedJob struct {
	db    database.Database
	store objectstore.ObjectStore
	gw    gateway.Gateway
	log   *zap.Logger
}

func NewSeedJob(db database.Database, store objectstore.ObjectStore, gw gateway.Gateway, log *zap.Logger) *SeedJob {
	if log == nil {
		log = zap.NewNop()
	}
	return &SeedJob{db: db, store: store, gw: gw, log: log}
}

func (j *SeedJob) HandleMessage(ctx context.Context, msg queues.Message) error {
	m, err := queues.UnmarshalPlanMessage(msg.Body)
	if err != nil {
		return fmt.Errorf("decode seed message: %w", err)
	}
	return j.Handle(ctx, m.PlanID)
}

func (j *SeedJob) Handle(ctx context.Context, planID string) error {
	bundle, err := j.db.GetPostedBundle(ctx, planID)
	if errors.Is(err, database.ErrNotFound) {
		state, serr := j.db.BundlePlanState(ctx, planID)
		if serr == nil && state != database.PlanStatePosted {
			j.log.Warn("bundle already advanced, skipping seed",
				obs.String("plan_id", planID), obs.String("state", state))
			return nil
		}
		return err
	}
	if err != nil {
		return err
	}

	tx, err := loadBundleTx(ctx, j.store, bundle.BundleID)
	if err != nil {
		return err
	}

	// first pass derives the chunk tree, second streams the chunk bytes
	body, _, err := j.store.Get(ctx, objectstore.BundlePayloadKey(planID), nil)
	if err != nil {
		return err
	}
	tree, err := arweave.BuildTree(body, bundle.PayloadByteCount)
	body.Close()
	if err != nil {
		return fmt.Errorf("chunk bundle payload %s: %w", planID, err)
	}

	if err := j.uploadChunks(ctx, planID, tx, tree); err != nil {
		return err
	}

	if err := j.db.InsertSeededBundle(ctx, bundle.BundleID); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			j.log.Warn("posted bundle row gone, assuming duplicate seed delivery",
				obs.String("bundle_id", bundle.BundleID))
			return nil
		}
		return err
	}
	obs.BundlesSeeded.Inc()
	j.log.Info("bundle seeded",
		obs.String("plan_id", planID),
		obs.String("bundle_id", bundle.BundleID),
		obs.Int("chunks", len(tree.Chunks)))
	return nil
}

func (j *SeedJob) uploadChunks(ctx context.Context, planID string, tx *arweave.Transaction, tree *arweave.Tree) error {
	body, _, err := j.store.Get(ctx, objectstore.BundlePayloadKey(planID), nil)
	if err != nil {
		return err
	}
	defer body.Close()

	for i, chunk := range tree.Chunks {
		size := chunk.MaxByteRange - chunk.MinByteRange
		data := make([]byte, size)
		if size > 0 {
			if _, err := io.ReadFull(body, data); err != nil {
				return fmt.Errorf("read chunk %d of %s: %w", i, planID, err)
			}
		}
		if err := j.gw.UploadChunk(ctx, arweave.NewChunkUpload(tx, tree, i, data)); err != nil {
			return fmt.Errorf("upload chunk %d of %s: %w", i, planID, err)
		}
	}
	return nil
}
