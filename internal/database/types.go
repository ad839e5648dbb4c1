// Copyright 2025 James Ross

// Package database persists the data-item and bundle lifecycle state machines.
// Every state is its own table so a transition can assert the source state and
// move the row in one transaction.
package database

import "time"

// Data item failure reasons.
const (
	FailedReasonTooManyFailures       = "too_many_failures"
	FailedReasonMissingFromObjectStore = "missing_from_object_store"
)

// Bundle failure reasons.
const (
	BundleFailedReasonNotFound     = "not_found"
	BundleFailedReasonFailedToPost = "failed_to_post"
)

// Data item lifecycle states, as reported by GetDataItemInfo.
const (
	DataItemStatusNew       = "new"
	DataItemStatusPlanned   = "planned"
	DataItemStatusPermanent = "permanent"
	DataItemStatusFailed    = "failed"
)

// NewDataItem is a signed data item awaiting planning.
type NewDataItem struct {
	DataItemID           string
	OwnerAddress         string
	ByteCount            int64
	PayloadDataStart     int64
	SignatureType        int
	Signature            []byte
	AssessedWinstonPrice int64
	UploadedDate         time.Time
	FailedBundles        []string
	DeadlineHeight       *int64
	PremiumFeatureType   string
	PayloadContentType   string
}

// PlannedDataItem is a data item bound to a bundle plan.
type PlannedDataItem struct {
	NewDataItem
	PlanID      string
	PlannedDate time.Time
}

// PermanentDataItem is a data item whose bundle reached permanence. The
// signature column is dropped on promotion.
type PermanentDataItem struct {
	DataItemID           string
	OwnerAddress         string
	ByteCount            int64
	PayloadDataStart     int64
	SignatureType        int
	AssessedWinstonPrice int64
	UploadedDate         time.Time
	PlanID               string
	PlannedDate          time.Time
	BundleID             string
	BlockHeight          int64
	PremiumFeatureType   string
	PayloadContentType   string
}

// FailedDataItem is a data item the pipeline gave up on.
type FailedDataItem struct {
	NewDataItem
	FailedDate   time.Time
	FailedReason string
}

// BundlePlan groups planned data items under a plan id.
type BundlePlan struct {
	PlanID      string
	PlannedDate time.Time
}

// NewBundleParams is the prepare job's handoff into the bundle tables.
type NewBundleParams struct {
	PlanID               string
	BundleID             string
	Reward               int64
	HeaderByteCount      int64
	PayloadByteCount     int64
	TransactionByteCount int64
}

// NewBundle is a signed bundle awaiting posting.
type NewBundle struct {
	BundleID             string
	PlanID               string
	Reward               int64
	HeaderByteCount      int64
	PayloadByteCount     int64
	TransactionByteCount int64
	PlannedDate          time.Time
	SignedDate           time.Time
}

// PostedBundle is a bundle whose transaction the gateway accepted.
type PostedBundle struct {
	NewBundle
	PostedDate  time.Time
	USDToARRate *float64
}

// SeededBundle is a bundle whose payload chunks are fully uploaded.
type SeededBundle struct {
	PostedBundle
	SeededDate time.Time
}

// PermanentBundle has enough confirmations to be considered final.
type PermanentBundle struct {
	SeededBundle
	BlockHeight  int64
	IndexedOnGQL bool
}

// FailedBundle records a bundle the network dropped or rejected.
type FailedBundle struct {
	BundleID     string
	PlanID       string
	FailedDate   time.Time
	FailedReason string
}

// PermanentDataItemsParams moves a batch of planned items to permanent.
type PermanentDataItemsParams struct {
	DataItemIDs []string
	BlockHeight int64
	BundleID    string
}

// DataItemInfo is the read-only status probe used by ingress.
type DataItemInfo struct {
	Status               string
	AssessedWinstonPrice int64
	UploadedDate         time.Time
	BundleID             string
	DeadlineHeight       *int64
	FailedReason         string
}
