// Copyright 2025 James Ross
package jobs

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bundleforge/fulfillment/internal/arweave"
	"github.com/bundleforge/fulfillment/internal/database"
	"github.com/bundleforge/fulfillment/internal/objectstore"
)

// seedPostedBundle installs a posted bundle whose payload and envelope are in
// the store, returning the payload bytes.
func seedPostedBundle(t *testing.T, db *fakeDB, store *objectstore.MemStore, planID string, payloadSize int) (*database.PostedBundle, []byte) {
	t.Helper()
	ctx := context.Background()
	payload := bytes.Repeat([]byte{0xab}, payloadSize)
	require.NoError(t, store.Put(ctx, objectstore.BundlePayloadKey(planID),
		bytes.NewReader(payload), objectstore.PutOptions{ContentType: "application/octet-stream"}))

	tree, err := arweave.BuildTree(bytes.NewReader(payload), int64(payloadSize))
	require.NoError(t, err)
	tx := arweave.NewTransaction(fakeWallet{}.Owner(), "anchor-blockhash",
		int64(payloadSize), tree.Root, 1250, nil)
	require.NoError(t, tx.Sign(fakeWallet{}))
	tx.PrepareForJSON()
	raw, err := json.Marshal(tx)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, objectstore.BundleTxKey(tx.ID),
		bytes.NewReader(raw), objectstore.PutOptions{ContentType: "application/json"}))

	pb := database.PostedBundle{
		NewBundle: database.NewBundle{
			BundleID:         tx.ID,
			PlanID:           planID,
			Reward:           1250,
			PayloadByteCount: int64(payloadSize),
			PlannedDate:      time.Now(),
			SignedDate:       time.Now(),
		},
		PostedDate: time.Now(),
	}
	db.postedBundles[planID] = pb
	db.planState[planID] = database.PlanStatePosted
	return &pb, payload
}

func TestSeedUploadsAllChunks(t *testing.T) {
	ctx := context.Background()
	db := newFakeDB()
	store := objectstore.NewMemStore()
	gw := newFakeGateway()
	planID := "bbbbbbbb-0000-4000-8000-000000000001"
	payloadSize := arweave.MaxChunkSize + arweave.MinChunkSize
	pb, payload := seedPostedBundle(t, db, store, planID, payloadSize)

	job := NewSeedJob(db, store, gw, nil)
	require.NoError(t, job.Handle(ctx, planID))

	require.Len(t, gw.chunks, 2)
	// chunk bodies concatenate back to the payload
	var got []byte
	for _, c := range gw.chunks {
		data, err := base64.RawURLEncoding.DecodeString(c.Chunk)
		require.NoError(t, err)
		got = append(got, data...)
		require.Equal(t, strconv.Itoa(payloadSize), c.DataSize)
		require.NotEmpty(t, c.DataPath)
	}
	require.Equal(t, payload, got)

	_, ok := db.seeded[planID]
	require.True(t, ok, "bundle transitions to seeded")
	require.NotContains(t, db.postedBundles, planID)
	_ = pb
}

func TestSeedDuplicateDeliverySucceedsQuietly(t *testing.T) {
	db := newFakeDB()
	planID := "bbbbbbbb-0000-4000-8000-000000000002"
	db.planState[planID] = database.PlanStateSeeded

	job := NewSeedJob(db, objectstore.NewMemStore(), newFakeGateway(), nil)
	require.NoError(t, job.Handle(context.Background(), planID))
}

func TestSeedMissingPayloadFails(t *testing.T) {
	ctx := context.Background()
	db := newFakeDB()
	store := objectstore.NewMemStore()
	planID := "bbbbbbbb-0000-4000-8000-000000000003"
	_, _ = seedPostedBundle(t, db, store, planID, 64)
	require.NoError(t, store.Remove(ctx, objectstore.BundlePayloadKey(planID)))

	job := NewSeedJob(db, store, newFakeGateway(), nil)
	require.Error(t, job.Handle(ctx, planID))
	require.Empty(t, db.seeded)
}
