// Copyright 2025 James Ross
package jobs

import (
	"context"
	"encoding/base64"
	"sync"
	"time"

	"github.com/bundleforge/fulfillment/internal/arweave"
	"github.com/bundleforge/fulfillment/internal/database"
	"github.com/bundleforge/fulfillment/internal/gateway"
	"github.com/bundleforge/fulfillment/internal/queues"
)

// fakeDB is an in-memory Database with just enough semantics for the job
// handlers under test.
type fakeDB struct {
	mu sync.Mutex

	newItems      []database.NewDataItem
	planned       map[string][]database.PlannedDataItem
	planState     map[string]string
	newBundles    map[string]database.NewBundle    // by plan id
	postedBundles map[string]database.PostedBundle // by plan id
	seeded        map[string]database.SeededBundle // by plan id
	permanent     map[string]int64                 // plan id -> block height
	failedBundles map[string]string                // bundle id -> reason

	permanentItems []string
	repackedItems  map[string]string // data item id -> failed bundle id
	failedItems    map[string]string // data item id -> reason
	batchInserted  []database.NewDataItem

	insertPlanErr error
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		planned:       map[string][]database.PlannedDataItem{},
		planState:     map[string]string{},
		newBundles:    map[string]database.NewBundle{},
		postedBundles: map[string]database.PostedBundle{},
		seeded:        map[string]database.SeededBundle{},
		permanent:     map[string]int64{},
		failedBundles: map[string]string{},
		repackedItems: map[string]string{},
		failedItems:   map[string]string{},
	}
}

func (f *fakeDB) InsertNewDataItem(ctx context.Context, item database.NewDataItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.newItems = append(f.newItems, item)
	return nil
}

func (f *fakeDB) InsertNewDataItemBatch(ctx context.Context, items []database.NewDataItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batchInserted = append(f.batchInserted, items...)
	f.newItems = append(f.newItems, items...)
	return nil
}

func (f *fakeDB) GetNewDataItems(ctx context.Context, limit int) ([]database.NewDataItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := limit
	if n > len(f.newItems) {
		n = len(f.newItems)
	}
	out := make([]database.NewDataItem, n)
	copy(out, f.newItems[:n])
	return out, nil
}

func (f *fakeDB) InsertBundlePlan(ctx context.Context, planID string, dataItemIDs []string) error {
	if f.insertPlanErr != nil {
		return f.insertPlanErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	wanted := map[string]struct{}{}
	for _, id := range dataItemIDs {
		wanted[id] = struct{}{}
	}
	var remaining []database.NewDataItem
	for _, item := range f.newItems {
		if _, ok := wanted[item.DataItemID]; ok {
			f.planned[planID] = append(f.planned[planID], database.PlannedDataItem{
				NewDataItem: item,
				PlanID:      planID,
				PlannedDate: time.Now(),
			})
			continue
		}
		remaining = append(remaining, item)
	}
	f.newItems = remaining
	f.planState[planID] = database.PlanStatePlan
	return nil
}

func (f *fakeDB) GetPlannedDataItems(ctx context.Context, planID string) ([]database.PlannedDataItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]database.PlannedDataItem, len(f.planned[planID]))
	copy(out, f.planned[planID])
	return out, nil
}

func (f *fakeDB) BundlePlanState(ctx context.Context, planID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.planState[planID]
	if !ok {
		return "", database.ErrNotFound
	}
	return state, nil
}

func (f *fakeDB) InsertNewBundle(ctx context.Context, params database.NewBundleParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.planState[params.PlanID]
	if !ok {
		return database.ErrNotFound
	}
	if state != database.PlanStatePlan {
		return database.ErrBundlePlanExistsInAnotherState
	}
	f.newBundles[params.PlanID] = database.NewBundle{
		BundleID:             params.BundleID,
		PlanID:               params.PlanID,
		Reward:               params.Reward,
		HeaderByteCount:      params.HeaderByteCount,
		PayloadByteCount:     params.PayloadByteCount,
		TransactionByteCount: params.TransactionByteCount,
		PlannedDate:          time.Now(),
		SignedDate:           time.Now(),
	}
	f.planState[params.PlanID] = database.PlanStateNew
	return nil
}

func (f *fakeDB) GetNewBundle(ctx context.Context, planID string) (*database.NewBundle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.newBundles[planID]
	if !ok {
		return nil, database.ErrNotFound
	}
	return &b, nil
}

func (f *fakeDB) InsertPostedBundle(ctx context.Context, bundleID string, usdToARRate *float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for planID, b := range f.newBundles {
		if b.BundleID != bundleID {
			continue
		}
		f.postedBundles[planID] = database.PostedBundle{
			NewBundle:   b,
			PostedDate:  time.Now(),
			USDToARRate: usdToARRate,
		}
		delete(f.newBundles, planID)
		f.planState[planID] = database.PlanStatePosted
		return nil
	}
	return database.ErrNotFound
}

func (f *fakeDB) GetPostedBundle(ctx context.Context, planID string) (*database.PostedBundle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.postedBundles[planID]
	if !ok {
		return nil, database.ErrNotFound
	}
	return &b, nil
}

func (f *fakeDB) InsertSeededBundle(ctx context.Context, bundleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for planID, b := range f.postedBundles {
		if b.BundleID != bundleID {
			continue
		}
		f.seeded[planID] = database.SeededBundle{PostedBundle: b, SeededDate: time.Now()}
		delete(f.postedBundles, planID)
		f.planState[planID] = database.PlanStateSeeded
		return nil
	}
	return database.ErrNotFound
}

func (f *fakeDB) GetSeededBundles(ctx context.Context, limit int) ([]database.SeededBundle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]database.SeededBundle, 0, len(f.seeded))
	for _, b := range f.seeded {
		out = append(out, b)
	}
	return out, nil
}

func (f *fakeDB) UpdateBundleAsPermanent(ctx context.Context, planID string, blockHeight int64, indexedOnGQL bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.seeded[planID]; !ok {
		return database.ErrNotFound
	}
	delete(f.seeded, planID)
	f.permanent[planID] = blockHeight
	f.planState[planID] = database.PlanStatePermanent
	return nil
}

func (f *fakeDB) UpdateDataItemsAsPermanent(ctx context.Context, params database.PermanentDataItemsParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.permanentItems = append(f.permanentItems, params.DataItemIDs...)
	return nil
}

func (f *fakeDB) UpdateDataItemsToBeRePacked(ctx context.Context, dataItemIDs []string, failedBundleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range dataItemIDs {
		f.repackedItems[id] = failedBundleID
	}
	return nil
}

func (f *fakeDB) UpdateSeededBundleToDropped(ctx context.Context, planID, bundleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, item := range f.planned[planID] {
		f.repackedItems[item.DataItemID] = bundleID
	}
	delete(f.seeded, planID)
	f.failedBundles[bundleID] = database.BundleFailedReasonNotFound
	f.planState[planID] = database.PlanStateFailed
	return nil
}

func (f *fakeDB) UpdateNewBundleToFailedToPost(ctx context.Context, planID, bundleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, item := range f.planned[planID] {
		f.repackedItems[item.DataItemID] = bundleID
	}
	delete(f.newBundles, planID)
	f.failedBundles[bundleID] = database.BundleFailedReasonFailedToPost
	f.planState[planID] = database.PlanStateFailed
	return nil
}

func (f *fakeDB) UpdatePlannedDataItemAsFailed(ctx context.Context, dataItemID, failedReason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failedItems[dataItemID] = failedReason
	for planID, items := range f.planned {
		var keep []database.PlannedDataItem
		for _, item := range items {
			if item.DataItemID != dataItemID {
				keep = append(keep, item)
			}
		}
		f.planned[planID] = keep
	}
	return nil
}

func (f *fakeDB) GetDataItemInfo(ctx context.Context, dataItemID string) (*database.DataItemInfo, error) {
	return nil, database.ErrNotFound
}

// fakeGateway records posts and serves canned statuses.
type fakeGateway struct {
	mu            sync.Mutex
	anchor        string
	price         int64
	postErr       error
	posted        []*arweave.Transaction
	chunks        []*arweave.ChunkUpload
	status        map[string]*gateway.TxStatus
	height        int64
	anchorHeights map[string]int64
	balance       int64
	rate          float64
	rateErr       error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		anchor:        "anchor-blockhash",
		price:         1000,
		status:        map[string]*gateway.TxStatus{},
		anchorHeights: map[string]int64{},
		balance:       1 << 40,
		rate:          6.25,
	}
}

func (g *fakeGateway) PostBundleTx(ctx context.Context, tx *arweave.Transaction) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.postErr != nil {
		return g.postErr
	}
	g.posted = append(g.posted, tx)
	return nil
}

func (g *fakeGateway) UploadChunk(ctx context.Context, chunk *arweave.ChunkUpload) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.chunks = append(g.chunks, chunk)
	return nil
}

func (g *fakeGateway) GetTxStatus(ctx context.Context, txID string) (*gateway.TxStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if st, ok := g.status[txID]; ok {
		return st, nil
	}
	return &gateway.TxStatus{Found: false}, nil
}

func (g *fakeGateway) GetBlockHeight(ctx context.Context) (int64, error) { return g.height, nil }

func (g *fakeGateway) GetBlockHeightForTxAnchor(ctx context.Context, anchor string) (int64, error) {
	return g.anchorHeights[anchor], nil
}

func (g *fakeGateway) GetBalance(ctx context.Context, address string) (int64, error) {
	return g.balance, nil
}

func (g *fakeGateway) GetTxAnchor(ctx context.Context) (string, error) { return g.anchor, nil }

func (g *fakeGateway) GetPriceForBytes(ctx context.Context, byteCount int64) (int64, error) {
	return g.price, nil
}

func (g *fakeGateway) GetUSDToARRate(ctx context.Context) (float64, error) {
	return g.rate, g.rateErr
}

// fakeWallet signs deterministically without real crypto.
type fakeWallet struct{}

func (fakeWallet) Owner() string {
	return base64.RawURLEncoding.EncodeToString([]byte("test-owner-modulus"))
}
func (fakeWallet) Address() string { return "test-wallet-address" }
func (fakeWallet) Sign(data []byte) ([]byte, error) {
	return append([]byte("signed:"), data...), nil
}

type fixedPricing struct{ reward int64 }

func (p fixedPricing) GetBundleReward(ctx context.Context, totalByteCount int64) (int64, error) {
	return p.reward, nil
}

// memQueue records sends and deletes.
type memQueue struct {
	mu      sync.Mutex
	name    string
	sent    []string
	deleted []string
}

func (q *memQueue) Name() string { return q.name }

func (q *memQueue) Send(ctx context.Context, body string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sent = append(q.sent, body)
	return nil
}

func (q *memQueue) Receive(ctx context.Context, maxMessages int64, wait time.Duration) ([]queues.Message, error) {
	return nil, nil
}

func (q *memQueue) Delete(ctx context.Context, receiptHandle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deleted = append(q.deleted, receiptHandle)
	return nil
}

func (q *memQueue) ChangeVisibility(ctx context.Context, receiptHandle string, timeout time.Duration) error {
	return nil
}

func (q *memQueue) sentPlanIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.sent))
	for _, body := range q.sent {
		m, err := queues.UnmarshalPlanMessage(body)
		if err == nil {
			out = append(out, m.PlanID)
		}
	}
	return out
}
