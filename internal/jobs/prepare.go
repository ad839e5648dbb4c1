// Copyright 2025 James Ross
package jobs

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/bundleforge/fulfillment/internal/arweave"
	"github.com/bundleforge/fulfillment/internal/bundles"
	"github.com/bundleforge/fulfillment/internal/database"
	"github.com/bundleforge/fulfillment/internal/fanout"
	"github.com/bundleforge/fulfillment/internal/gateway"
	"github.com/bundleforge/fulfillment/internal/objectstore"
	"github.com/bundleforge/fulfillment/internal/obs"
	"github.com/bundleforge/fulfillment/internal/pricing"
	"github.com/bundleforge/fulfillment/internal/queues"
)

// errMissingBlob restarts the prepare attempt after the offending item has
// been marked failed; replication lag can also clear on its own.
var errMissingBlob = errors.New("data item payload missing from object store")

const (
	prepareMaxAttempts     = 3
	prepareRestartBackoff  = 100 * time.Millisecond
	bundleFormatTagValue   = "binary"
	bundleVersionTagValue  = "2.0.0"
)

// PrepareJob assembles, signs and persists the bundle for a plan, then hands
// it to the post queue.
type PrepareJob struct {
	db        database.Database
	store     objectstore.ObjectStore
	pricing   pricing.Pricing
	wallet    arweave.Wallet
	gw        gateway.Gateway
	postQueue queues.Queue

	hashParallelism int
	appName         string
	appVersion      string
	bundlerAppName  string
	log             *zap.Logger
}

func NewPrepareJob(db database.Database, store objectstore.ObjectStore, pr pricing.Pricing,
	wallet arweave.Wallet, gw gateway.Gateway, postQueue queues.Queue,
	hashParallelism int, appName, appVersion, bundlerAppName string, log *zap.Logger) *PrepareJob {
	if log == nil {
		log = zap.NewNop()
	}
	if hashParallelism < 1 {
		hashParallelism = 100
	}
	return &PrepareJob{
		db:              db,
		store:           store,
		pricing:         pr,
		wallet:          wallet,
		gw:              gw,
		postQueue:       postQueue,
		hashParallelism: hashParallelism,
		appName:         appName,
		appVersion:      appVersion,
		bundlerAppName:  bundlerAppName,
		log:             log,
	}
}

// HandleMessage adapts Handle to the queue consumer.
func (j *PrepareJob) HandleMessage(ctx context.Context, msg queues.Message) error {
	m, err := queues.UnmarshalPlanMessage(msg.Body)
	if err != nil {
		return fmt.Errorf("decode prepare message: %w", err)
	}
	return j.Handle(ctx, m.PlanID)
}

func (j *PrepareJob) Handle(ctx context.Context, planID string) error {
	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(prepareRestartBackoff)), prepareMaxAttempts-1), ctx)
	return backoff.Retry(func() error {
		err := j.prepare(ctx, planID)
		if errors.Is(err, errMissingBlob) {
			j.log.Warn("restarting prepare after missing payload", obs.String("plan_id", planID))
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, bo)
}

func (j *PrepareJob) prepare(ctx context.Context, planID string) error {
	items, err := j.db.GetPlannedDataItems(ctx, planID)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		state, serr := j.db.BundlePlanState(ctx, planID)
		if serr == nil && state != database.PlanStatePlan {
			// duplicate delivery; the plan already moved on
			j.log.Warn("plan already advanced, skipping prepare",
				obs.String("plan_id", planID), obs.String("state", state))
			return nil
		}
		if serr != nil && !errors.Is(serr, database.ErrNotFound) {
			return serr
		}
		return fmt.Errorf("no planned data items for plan %s", planID)
	}

	rawIDs, err := j.resolveRawIDs(ctx, items)
	if err != nil {
		return err
	}

	entries := make([]bundles.HeaderEntry, 0, len(items))
	for i, it := range items {
		entries = append(entries, bundles.HeaderEntry{Size: it.ByteCount, RawID: rawIDs[i]})
	}
	header := bundles.AssembleHeader(entries)
	payloadSize := bundles.TotalBundleSize(entries)

	reward, err := j.pricing.GetBundleReward(ctx, payloadSize)
	if err != nil {
		return err
	}
	anchor, err := j.gw.GetTxAnchor(ctx)
	if err != nil {
		return err
	}

	if err := j.writePayload(ctx, planID, header, items); err != nil {
		return err
	}

	// read the payload back to derive its chunk tree; the write above means
	// this also validates what landed in the store
	body, _, err := j.store.Get(ctx, objectstore.BundlePayloadKey(planID), nil)
	if err != nil {
		return err
	}
	tree, err := arweave.BuildTree(body, payloadSize)
	body.Close()
	if err != nil {
		return fmt.Errorf("chunk bundle payload: %w", err)
	}

	tags := []arweave.Tag{
		{Name: "Bundle-Format", Value: bundleFormatTagValue},
		{Name: "Bundle-Version", Value: bundleVersionTagValue},
		{Name: "App-Name", Value: j.appName},
		{Name: "App-Version", Value: j.appVersion},
	}
	if j.bundlerAppName != "" {
		tags = append(tags, arweave.Tag{Name: "Bundler-App-Name", Value: j.bundlerAppName})
	}
	tx := arweave.NewTransaction(j.wallet.Owner(), anchor, payloadSize, tree.Root, reward, tags)
	if err := tx.Sign(j.wallet); err != nil {
		return err
	}

	tx.PrepareForJSON()
	envelope, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("marshal bundle tx: %w", err)
	}
	if err := j.store.Put(ctx, objectstore.BundleTxKey(tx.ID), bytes.NewReader(envelope),
		objectstore.PutOptions{ContentType: "application/json"}); err != nil {
		return err
	}

	err = j.db.InsertNewBundle(ctx, database.NewBundleParams{
		PlanID:               planID,
		BundleID:             tx.ID,
		Reward:               reward,
		HeaderByteCount:      int64(len(header)),
		PayloadByteCount:     payloadSize,
		TransactionByteCount: int64(len(envelope)),
	})
	if errors.Is(err, database.ErrBundlePlanExistsInAnotherState) {
		j.log.Warn("plan already bundled, skipping", obs.String("plan_id", planID))
		return nil
	}
	if err != nil {
		return err
	}

	msgBody, err := queues.MarshalPlanMessage(planID)
	if err != nil {
		return err
	}
	if err := j.postQueue.Send(ctx, msgBody); err != nil {
		return err
	}
	j.log.Info("bundle prepared",
		obs.String("plan_id", planID),
		obs.String("bundle_id", tx.ID),
		obs.Int("data_items", len(items)),
		obs.Int64("payload_byte_count", payloadSize))
	return nil
}

// resolveRawIDs computes each item's raw id: SHA-256 of its signature. Items
// whose signature is not in the DB get a range read against the raw blob.
func (j *PrepareJob) resolveRawIDs(ctx context.Context, items []database.PlannedDataItem) ([][32]byte, error) {
	rawIDs := make([][32]byte, len(items))
	tasks := make([]func(context.Context) error, 0, len(items))
	for i := range items {
		i := i
		tasks = append(tasks, func(ctx context.Context) error {
			item := items[i]
			if len(item.Signature) > 0 {
				rawIDs[i] = sha256.Sum256(item.Signature)
				return nil
			}
			start, end, ok := bundles.SignatureByteRange(item.SignatureType)
			if !ok {
				return fmt.Errorf("unknown signature type %d on %s", item.SignatureType, item.DataItemID)
			}
			body, _, err := j.store.Get(ctx, objectstore.RawDataItemKey(item.DataItemID),
				&objectstore.ByteRange{Start: start, End: end})
			if err != nil {
				return err
			}
			defer body.Close()
			sig, err := io.ReadAll(body)
			if err != nil {
				return err
			}
			rawIDs[i] = sha256.Sum256(sig)
			return nil
		})
	}
	if err := fanout.InParallel(ctx, j.hashParallelism, tasks); err != nil {
		return nil, err
	}
	return rawIDs, nil
}

// writePayload streams header plus each item's raw bytes into the payload
// key. A missing item blob is marked failed and surfaces as errMissingBlob so
// the caller restarts with the remaining items.
func (j *PrepareJob) writePayload(ctx context.Context, planID string, header []byte, items []database.PlannedDataItem) error {
	pr, pw := io.Pipe()
	var missingItem string

	go func() {
		if _, err := pw.Write(header); err != nil {
			pw.CloseWithError(err)
			return
		}
		for _, item := range items {
			body, _, err := j.store.Get(ctx, objectstore.RawDataItemKey(item.DataItemID), nil)
			if err != nil {
				if errors.Is(err, objectstore.ErrNotFound) {
					missingItem = item.DataItemID
					pw.CloseWithError(errMissingBlob)
					return
				}
				pw.CloseWithError(err)
				return
			}
			_, err = io.Copy(pw, body)
			body.Close()
			if err != nil {
				pw.CloseWithError(err)
				return
			}
		}
		pw.Close()
	}()

	err := j.store.Put(ctx, objectstore.BundlePayloadKey(planID), pr, objectstore.PutOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil && missingItem != "" {
		obs.DataItemsFailed.Inc()
		j.log.Warn("data item missing from object store, failing it",
			obs.String("plan_id", planID), obs.String("data_item_id", missingItem))
		if ferr := j.db.UpdatePlannedDataItemAsFailed(ctx, missingItem,
			database.FailedReasonMissingFromObjectStore); ferr != nil && !errors.Is(ferr, database.ErrNotFound) {
			return ferr
		}
		return errMissingBlob
	}
	if err != nil {
		return fmt.Errorf("write bundle payload %s: %w", planID, err)
	}
	return nil
}
