// Copyright 2025 James Ross
package jobs

import (
	"context"
	"encoding/json"
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

// ErrInsufficientBalance dead-letters the post message: repacking would not
// help while the wallet cannot fund the reward.
var ErrInsufficientBalance = errors.New("wallet balance below bundle reward")

// PostJob submits the signed bundle transaction to the gateway.
type PostJob struct {
	db        database.Database
	store     objectstore.ObjectStore
	gw        gateway.Gateway
	wallet    arweave.Wallet
	seedQueue queues.Queue
	log       *zap.Logger
}

func NewPostJob(db database.Database, store objectstore.ObjectStore, gw gateway.Gateway,
	wallet arweave.Wallet, seedQueue queues.Queue, log *zap.Logger) *PostJob {
	if log == nil {
		log = zap.NewNop()
	}
	return &PostJob{db: db, store: store, gw: gw, wallet: wallet, seedQueue: seedQueue, log: log}
}

func (j *PostJob) HandleMessage(ctx context.Context, msg queues.Message) error {
	m, err := queues.UnmarshalPlanMessage(msg.Body)
	if err != nil {
		return fmt.Errorf("decode post message: %w", err)
	}
	return j.Handle(ctx, m.PlanID)
}

func (j *PostJob) Handle(ctx context.Context, planID string) error {
	bundle, err := j.db.GetNewBundle(ctx, planID)
	if errors.Is(err, database.ErrNotFound) {
		state, serr := j.db.BundlePlanState(ctx, planID)
		if serr == nil && state != database.PlanStateNew {
			j.log.Warn("bundle already advanced, skipping post",
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

	if postErr := j.gw.PostBundleTx(ctx, tx); postErr != nil {
		return j.handlePostFailure(ctx, planID, bundle, postErr)
	}

	// soft failure: a missing rate never blocks the pipeline
	var ratePtr *float64
	if rate, rerr := j.gw.GetUSDToARRate(ctx); rerr != nil {
		j.log.Warn("usd/ar rate fetch failed", obs.Err(rerr))
	} else {
		ratePtr = &rate
	}

	if err := j.db.InsertPostedBundle(ctx, bundle.BundleID, ratePtr); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			j.log.Warn("new bundle row gone, assuming duplicate post delivery",
				obs.String("bundle_id", bundle.BundleID))
			return nil
		}
		return err
	}
	obs.BundlesPosted.Inc()

	body, err := queues.MarshalPlanMessage(planID)
	if err != nil {
		return err
	}
	if err := j.seedQueue.Send(ctx, body); err != nil {
		return err
	}
	j.log.Info("bundle posted",
		obs.String("plan_id", planID), obs.String("bundle_id", bundle.BundleID))
	return nil
}

func (j *PostJob) handlePostFailure(ctx context.Context, planID string, bundle *database.NewBundle, postErr error) error {
	balance, berr := j.gw.GetBalance(ctx, j.wallet.Address())
	if berr != nil {
		return fmt.Errorf("post failed (%v) and balance check failed: %w", postErr, berr)
	}
	if balance < bundle.Reward {
		return fmt.Errorf("%w: balance %d, reward %d: %v",
			ErrInsufficientBalance, balance, bundle.Reward, postErr)
	}

	j.log.Error("bundle failed to post, repacking its data items",
		obs.String("plan_id", planID), obs.String("bundle_id", bundle.BundleID), obs.Err(postErr))
	if err := j.db.UpdateNewBundleToFailedToPost(ctx, planID, bundle.BundleID); err != nil {
		return err
	}
	obs.BundlesFailedToPost.Inc()
	return nil
}

// loadBundleTx reads a signed envelope back from the object store.
func loadBundleTx(ctx context.Context, store objectstore.ObjectStore, bundleID string) (*arweave.Transaction, error) {
	body, _, err := store.Get(ctx, objectstore.BundleTxKey(bundleID), nil)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	var tx arweave.Transaction
	if err := json.Unmarshal(raw, &tx); err != nil {
		return nil, fmt.Errorf("decode bundle tx %s: %w", bundleID, err)
	}
	if err := tx.DecodeTags(); err != nil {
		return nil, err
	}
	return &tx, nil
}
