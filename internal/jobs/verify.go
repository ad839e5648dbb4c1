// Copyright 2025 James Ross
package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/bundleforge/fulfillment/internal/bundles"
	"github.com/bundleforge/fulfillment/internal/database"
	"github.com/bundleforge/fulfillment/internal/fanout"
	"github.com/bundleforge/fulfillment/internal/gateway"
	"github.com/bundleforge/fulfillment/internal/objectstore"
	"github.com/bundleforge/fulfillment/internal/obs"
)

// ErrDataItemsStillPending is the verify sentinel: some planned items are not
// in the bundle header yet the bundle is young enough that repacking them now
// would be premature. The bundle is retried next tick.
var ErrDataItemsStillPending = errors.New("data items still pending")

const seededBundleFetchLimit = 50

// VerifyOptions carries the promotion and drop thresholds.
type VerifyOptions struct {
	TxPermanentThreshold int64
	DropBundleTxBlocks   int64
	BatchingSize         int
	BatchParallelism     int
}

// VerifyJob promotes seeded bundles with enough confirmations to permanent
// and compensates for bundles the network dropped.
type VerifyJob struct {
	db    database.Database
	store objectstore.ObjectStore
	gw    gateway.Gateway
	opts  VerifyOptions
	log   *zap.Logger
}

func NewVerifyJob(db database.Database, store objectstore.ObjectStore, gw gateway.Gateway,
	opts VerifyOptions, log *zap.Logger) *VerifyJob {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.TxPermanentThreshold <= 0 {
		opts.TxPermanentThreshold = 50
	}
	if opts.DropBundleTxBlocks <= 0 {
		opts.DropBundleTxBlocks = 50
	}
	if opts.BatchingSize <= 0 {
		opts.BatchingSize = 500
	}
	if opts.BatchParallelism <= 0 {
		opts.BatchParallelism = 10
	}
	return &VerifyJob{db: db, store: store, gw: gw, opts: opts, log: log}
}

func (j *VerifyJob) Run(ctx context.Context) error {
	seeded, err := j.db.GetSeededBundles(ctx, seededBundleFetchLimit)
	if err != nil {
		return err
	}
	for _, bundle := range seeded {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := j.verifyBundle(ctx, bundle); err != nil {
			j.log.Error("verify bundle failed",
				obs.String("plan_id", bundle.PlanID),
				obs.String("bundle_id", bundle.BundleID),
				obs.Err(err))
		}
	}
	return nil
}

func (j *VerifyJob) verifyBundle(ctx context.Context, bundle database.SeededBundle) error {
	status, err := j.gw.GetTxStatus(ctx, bundle.BundleID)
	if err != nil {
		return err
	}
	if !status.Found {
		return j.handleMissingTx(ctx, bundle)
	}
	if status.NumberOfConfirmations < j.opts.TxPermanentThreshold {
		return nil
	}
	return j.promoteBundle(ctx, bundle, status)
}

// handleMissingTx decides whether a not-found transaction is merely slow or
// has been dropped: once the chain tip is far enough past the tx anchor's
// block, the anchor has expired and the tx can never be mined.
func (j *VerifyJob) handleMissingTx(ctx context.Context, bundle database.SeededBundle) error {
	tx, err := loadBundleTx(ctx, j.store, bundle.BundleID)
	if err != nil {
		return err
	}
	anchorHeight, err := j.gw.GetBlockHeightForTxAnchor(ctx, tx.LastTx)
	if err != nil {
		return err
	}
	tip, err := j.gw.GetBlockHeight(ctx)
	if err != nil {
		return err
	}
	if tip-anchorHeight <= j.opts.DropBundleTxBlocks {
		return nil // still within the anchor window, check again next tick
	}

	j.log.Warn("bundle dropped by network, repacking its data items",
		obs.String("plan_id", bundle.PlanID),
		obs.String("bundle_id", bundle.BundleID),
		obs.Int64("anchor_height", anchorHeight),
		obs.Int64("tip", tip))
	if err := j.db.UpdateSeededBundleToDropped(ctx, bundle.PlanID, bundle.BundleID); err != nil {
		return err
	}
	obs.BundlesDropped.Inc()
	return nil
}

func (j *VerifyJob) promoteBundle(ctx context.Context, bundle database.SeededBundle, status *gateway.TxStatus) error {
	header, err := j.readHeader(ctx, bundle)
	if err != nil {
		return err
	}
	planned, err := j.db.GetPlannedDataItems(ctx, bundle.PlanID)
	if err != nil {
		return err
	}

	inHeader := make([]string, 0, len(planned))
	var notInHeader []string
	ids := header.IDSet()
	for _, item := range planned {
		if _, ok := ids[item.DataItemID]; ok {
			inHeader = append(inHeader, item.DataItemID)
		} else {
			notInHeader = append(notInHeader, item.DataItemID)
		}
	}

	var stillPending atomic.Bool
	var tasks []func(context.Context) error
	for _, batch := range chunkIDs(inHeader, j.opts.BatchingSize) {
		batch := batch
		tasks = append(tasks, func(ctx context.Context) error {
			if err := j.db.UpdateDataItemsAsPermanent(ctx, database.PermanentDataItemsParams{
				DataItemIDs: batch,
				BlockHeight: status.BlockHeight,
				BundleID:    bundle.BundleID,
			}); err != nil {
				return err
			}
			obs.DataItemsPermanent.Add(float64(len(batch)))
			return nil
		})
	}
	for _, batch := range chunkIDs(notInHeader, j.opts.BatchingSize) {
		batch := batch
		tasks = append(tasks, func(ctx context.Context) error {
			// bigger bundles propagate to gateways more slowly; give their
			// stragglers more confirmations before declaring them dropped
			if status.NumberOfConfirmations < j.repackThreshold(bundle.PayloadByteCount) {
				stillPending.Store(true)
				return nil
			}
			if err := j.db.UpdateDataItemsToBeRePacked(ctx, batch, bundle.BundleID); err != nil {
				return err
			}
			obs.DataItemsRepacked.Add(float64(len(batch)))
			j.log.Warn("data items absent from bundle header, repacked",
				obs.String("bundle_id", bundle.BundleID), obs.Int("count", len(batch)))
			return nil
		})
	}
	if err := fanout.InParallel(ctx, j.opts.BatchParallelism, tasks); err != nil {
		// leave the bundle seeded; the next tick retries the whole batch set
		return err
	}
	if stillPending.Load() {
		j.log.Info("bundle has pending data items, retrying next tick",
			obs.String("bundle_id", bundle.BundleID))
		return ErrDataItemsStillPending
	}

	// indexed_on_gql is not authoritatively populated by this component
	if err := j.db.UpdateBundleAsPermanent(ctx, bundle.PlanID, status.BlockHeight, false); err != nil {
		return err
	}
	obs.BundlesPermanent.Inc()
	j.log.Info("bundle permanent",
		obs.String("plan_id", bundle.PlanID),
		obs.String("bundle_id", bundle.BundleID),
		obs.Int64("block_height", status.BlockHeight))
	return nil
}

// readHeader fetches and parses the cached bundle header: the first
// headerByteCount bytes of the payload blob.
func (j *VerifyJob) readHeader(ctx context.Context, bundle database.SeededBundle) (*bundles.HeaderInfo, error) {
	body, _, err := j.store.Get(ctx, objectstore.BundlePayloadKey(bundle.PlanID),
		&objectstore.ByteRange{Start: 0, End: bundle.HeaderByteCount - 1})
	if err != nil {
		return nil, err
	}
	defer body.Close()
	buf, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	header, err := bundles.ParseHeader(buf)
	if err != nil {
		return nil, fmt.Errorf("parse header of %s: %w", bundle.BundleID, err)
	}
	return header, nil
}

// repackThreshold scales with payload size: one extra confirmation per
// 256 MiB, capped at 200 total.
func (j *VerifyJob) repackThreshold(payloadByteCount int64) int64 {
	extra := payloadByteCount / (256 << 20)
	threshold := j.opts.TxPermanentThreshold + extra
	if threshold > 200 {
		return 200
	}
	return threshold
}

func chunkIDs(in []string, size int) [][]string {
	var out [][]string
	for len(in) > 0 {
		n := size
		if n > len(in) {
			n = len(in)
		}
		out = append(out, in[:n])
		in = in[n:]
	}
	return out
}
