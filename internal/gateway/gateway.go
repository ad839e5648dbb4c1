// Copyright 2025 James Ross

// Package gateway talks to an Arweave-compatible gateway over HTTP.
package gateway

import (
	"context"

	"github.com/bundleforge/fulfillment/internal/arweave"
)

// TxStatus is the gateway's view of a posted transaction.
type TxStatus struct {
	Found               bool
	BlockHeight         int64
	NumberOfConfirmations int64
}

// Gateway is the pipeline's view of the anchor network.
type Gateway interface {
	PostBundleTx(ctx context.Context, tx *arweave.Transaction) error
	UploadChunk(ctx context.Context, chunk *arweave.ChunkUpload) error
	GetTxStatus(ctx context.Context, txID string) (*TxStatus, error)
	GetBlockHeight(ctx context.Context) (int64, error)
	GetBlockHeightForTxAnchor(ctx context.Context, anchor string) (int64, error)
	GetBalance(ctx context.Context, address string) (int64, error)
	GetTxAnchor(ctx context.Context) (string, error)
	GetPriceForBytes(ctx context.Context, byteCount int64) (int64, error)
	GetUSDToARRate(ctx context.Context) (float64, error)
}
