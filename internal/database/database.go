// Copyright 2025 James Ross
package database

import "context"

// Database is the transactional state store behind the pipeline. Destructive
// transitions lock their source rows with FOR UPDATE NOWAIT so a contending
// worker fails fast with ErrLockConflict instead of queueing. InsertBundlePlan
// is the exception: it skips rows another worker has locked.
type Database interface {
	InsertNewDataItem(ctx context.Context, item NewDataItem) error
	InsertNewDataItemBatch(ctx context.Context, items []NewDataItem) error
	GetNewDataItems(ctx context.Context, limit int) ([]NewDataItem, error)

	InsertBundlePlan(ctx context.Context, planID string, dataItemIDs []string) error
	GetPlannedDataItems(ctx context.Context, planID string) ([]PlannedDataItem, error)
	BundlePlanState(ctx context.Context, planID string) (string, error)

	InsertNewBundle(ctx context.Context, params NewBundleParams) error
	GetNewBundle(ctx context.Context, planID string) (*NewBundle, error)
	InsertPostedBundle(ctx context.Context, bundleID string, usdToARRate *float64) error
	GetPostedBundle(ctx context.Context, planID string) (*PostedBundle, error)
	InsertSeededBundle(ctx context.Context, bundleID string) error
	GetSeededBundles(ctx context.Context, limit int) ([]SeededBundle, error)

	UpdateBundleAsPermanent(ctx context.Context, planID string, blockHeight int64, indexedOnGQL bool) error
	UpdateDataItemsAsPermanent(ctx context.Context, params PermanentDataItemsParams) error
	UpdateDataItemsToBeRePacked(ctx context.Context, dataItemIDs []string, failedBundleID string) error
	UpdateSeededBundleToDropped(ctx context.Context, planID, bundleID string) error
	UpdateNewBundleToFailedToPost(ctx context.Context, planID, bundleID string) error
	UpdatePlannedDataItemAsFailed(ctx context.Context, dataItemID, failedReason string) error

	GetDataItemInfo(ctx context.Context, dataItemID string) (*DataItemInfo, error)
}

// Bundle plan states reported by BundlePlanState.
const (
	PlanStatePlan      = "bundle_plan"
	PlanStateNew       = "new_bundle"
	PlanStatePosted    = "posted_bundle"
	PlanStateSeeded    = "seeded_bundle"
	PlanStatePermanent = "permanent_bundle"
	PlanStateFailed    = "failed_bundle"
)
