// Copyright 2025 James Ross
package jobs

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bundleforge/fulfillment/internal/arweave"
	"github.com/bundleforge/fulfillment/internal/bundles"
	"github.com/bundleforge/fulfillment/internal/database"
	"github.com/bundleforge/fulfillment/internal/gateway"
	"github.com/bundleforge/fulfillment/internal/objectstore"
)

type verifyFixture struct {
	db       *fakeDB
	store    *objectstore.MemStore
	gw       *fakeGateway
	planID   string
	bundleID string
	itemIDs  []string
}

// newVerifyFixture builds a seeded bundle whose payload header names the given
// number of planned items.
func newVerifyFixture(t *testing.T, planID string, numItems int) *verifyFixture {
	t.Helper()
	ctx := context.Background()
	db := newFakeDB()
	store := objectstore.NewMemStore()
	gw := newFakeGateway()

	entries := make([]bundles.HeaderEntry, 0, numItems)
	itemIDs := make([]string, 0, numItems)
	for i := 0; i < numItems; i++ {
		var raw [32]byte
		raw[0] = byte(i + 1)
		entries = append(entries, bundles.HeaderEntry{Size: 10, RawID: raw})
		id := base64.RawURLEncoding.EncodeToString(raw[:])
		itemIDs = append(itemIDs, id)
		db.planned[planID] = append(db.planned[planID], database.PlannedDataItem{
			NewDataItem: database.NewDataItem{DataItemID: id, ByteCount: 10},
			PlanID:      planID,
		})
	}
	header := bundles.AssembleHeader(entries)
	payload := append(append([]byte{}, header...), bytes.Repeat([]byte{0xcd}, numItems*10)...)
	require.NoError(t, store.Put(ctx, objectstore.BundlePayloadKey(planID),
		bytes.NewReader(payload), objectstore.PutOptions{}))

	tx := arweave.NewTransaction(fakeWallet{}.Owner(), "anchor-blockhash",
		int64(len(payload)), []byte("root"), 1250, nil)
	require.NoError(t, tx.Sign(fakeWallet{}))
	tx.PrepareForJSON()
	raw, err := json.Marshal(tx)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, objectstore.BundleTxKey(tx.ID),
		bytes.NewReader(raw), objectstore.PutOptions{}))

	db.seeded[planID] = database.SeededBundle{
		PostedBundle: database.PostedBundle{
			NewBundle: database.NewBundle{
				BundleID:         tx.ID,
				PlanID:           planID,
				HeaderByteCount:  bundles.HeaderSize(numItems),
				PayloadByteCount: int64(len(payload)),
				PlannedDate:      time.Now(),
			},
			PostedDate: time.Now(),
		},
		SeededDate: time.Now(),
	}
	db.planState[planID] = database.PlanStateSeeded

	return &verifyFixture{db: db, store: store, gw: gw, planID: planID, bundleID: tx.ID, itemIDs: itemIDs}
}

func newVerifyJob(f *verifyFixture) *VerifyJob {
	return NewVerifyJob(f.db, f.store, f.gw, VerifyOptions{
		TxPermanentThreshold: 50,
		DropBundleTxBlocks:   50,
		BatchingSize:         500,
		BatchParallelism:     10,
	}, nil)
}

func TestVerifyPromotesConfirmedBundle(t *testing.T) {
	f := newVerifyFixture(t, "cccccccc-0000-4000-8000-000000000001", 3)
	f.gw.status[f.bundleID] = &gateway.TxStatus{Found: true, BlockHeight: 1200, NumberOfConfirmations: 50}

	require.NoError(t, newVerifyJob(f).Run(context.Background()))

	require.ElementsMatch(t, f.itemIDs, f.db.permanentItems)
	require.Equal(t, int64(1200), f.db.permanent[f.planID])
	require.NotContains(t, f.db.seeded, f.planID)
}

func TestVerifyBelowThresholdDoesNothing(t *testing.T) {
	f := newVerifyFixture(t, "cccccccc-0000-4000-8000-000000000002", 2)
	f.gw.status[f.bundleID] = &gateway.TxStatus{Found: true, BlockHeight: 1200, NumberOfConfirmations: 49}

	require.NoError(t, newVerifyJob(f).Run(context.Background()))

	require.Empty(t, f.db.permanentItems)
	require.Contains(t, f.db.seeded, f.planID)
}

func TestVerifyDropsExpiredBundle(t *testing.T) {
	f := newVerifyFixture(t, "cccccccc-0000-4000-8000-000000000003", 2)
	// tx not found and the anchor window has passed
	f.gw.anchorHeights["anchor-blockhash"] = 900
	f.gw.height = 951

	require.NoError(t, newVerifyJob(f).Run(context.Background()))

	require.Equal(t, database.BundleFailedReasonNotFound, f.db.failedBundles[f.bundleID])
	for _, id := range f.itemIDs {
		require.Equal(t, f.bundleID, f.db.repackedItems[id])
	}
	require.NotContains(t, f.db.seeded, f.planID)
}

func TestVerifyMissingTxWithinAnchorWindowWaits(t *testing.T) {
	f := newVerifyFixture(t, "cccccccc-0000-4000-8000-000000000004", 2)
	f.gw.anchorHeights["anchor-blockhash"] = 900
	f.gw.height = 950 // exactly at the threshold, not beyond

	require.NoError(t, newVerifyJob(f).Run(context.Background()))

	require.Empty(t, f.db.failedBundles)
	require.Contains(t, f.db.seeded, f.planID)
}

func TestVerifyRepacksItemsMissingFromHeader(t *testing.T) {
	f := newVerifyFixture(t, "cccccccc-0000-4000-8000-000000000005", 2)
	// a planned item the header does not name
	f.db.planned[f.planID] = append(f.db.planned[f.planID], database.PlannedDataItem{
		NewDataItem: database.NewDataItem{DataItemID: "straggler", ByteCount: 10},
		PlanID:      f.planID,
	})
	f.gw.status[f.bundleID] = &gateway.TxStatus{Found: true, BlockHeight: 1200, NumberOfConfirmations: 60}

	require.NoError(t, newVerifyJob(f).Run(context.Background()))

	require.Equal(t, f.bundleID, f.db.repackedItems["straggler"])
	require.ElementsMatch(t, f.itemIDs, f.db.permanentItems)
	require.Equal(t, int64(1200), f.db.permanent[f.planID])
}

func TestVerifyStragglerOnBigBundleStaysPending(t *testing.T) {
	f := newVerifyFixture(t, "cccccccc-0000-4000-8000-000000000006", 2)
	f.db.planned[f.planID] = append(f.db.planned[f.planID], database.PlannedDataItem{
		NewDataItem: database.NewDataItem{DataItemID: "straggler", ByteCount: 10},
		PlanID:      f.planID,
	})
	// pretend a multi-GiB payload: the repack threshold climbs past the
	// current confirmation count
	b := f.db.seeded[f.planID]
	b.PayloadByteCount = 2 << 30
	f.db.seeded[f.planID] = b
	f.gw.status[f.bundleID] = &gateway.TxStatus{Found: true, BlockHeight: 1200, NumberOfConfirmations: 50}

	require.NoError(t, newVerifyJob(f).Run(context.Background()))

	require.NotContains(t, f.db.repackedItems, "straggler")
	require.Empty(t, f.db.permanent, "bundle must not advance while items are pending")
	require.Contains(t, f.db.seeded, f.planID)
}
