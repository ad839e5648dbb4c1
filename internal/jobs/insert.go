// Copyright 2025 James Ross
package jobs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/bundleforge/fulfillment/internal/database"
	"github.com/bundleforge/fulfillment/internal/obs"
	"github.com/bundleforge/fulfillment/internal/queues"
)

// NewDataItemMessage is the wire form of a data-item metadata record on the
// new-data-item queue.
type NewDataItemMessage struct {
	DataItemID           string `json:"dataItemId"`
	OwnerAddress         string `json:"ownerAddress"`
	ByteCount            int64  `json:"byteCount"`
	PayloadDataStart     int64  `json:"payloadDataStart"`
	SignatureType        int    `json:"signatureType"`
	Signature            string `json:"signature,omitempty"` // base64url
	AssessedWinstonPrice int64  `json:"assessedWinstonPrice"`
	UploadedDate         string `json:"uploadedDate"` // RFC 3339
	DeadlineHeight       *int64 `json:"deadlineHeight,omitempty"`
	PremiumFeatureType   string `json:"premiumFeatureType,omitempty"`
	PayloadContentType   string `json:"payloadContentType,omitempty"`
}

func (m NewDataItemMessage) toRow() (database.NewDataItem, error) {
	uploaded, err := time.Parse(time.RFC3339Nano, m.UploadedDate)
	if err != nil {
		return database.NewDataItem{}, fmt.Errorf("parse uploadedDate of %s: %w", m.DataItemID, err)
	}
	var sig []byte
	if m.Signature != "" {
		sig, err = base64.RawURLEncoding.DecodeString(m.Signature)
		if err != nil {
			return database.NewDataItem{}, fmt.Errorf("decode signature of %s: %w", m.DataItemID, err)
		}
	}
	return database.NewDataItem{
		DataItemID:           m.DataItemID,
		OwnerAddress:         m.OwnerAddress,
		ByteCount:            m.ByteCount,
		PayloadDataStart:     m.PayloadDataStart,
		SignatureType:        m.SignatureType,
		Signature:            sig,
		AssessedWinstonPrice: m.AssessedWinstonPrice,
		UploadedDate:         uploaded,
		DeadlineHeight:       m.DeadlineHeight,
		PremiumFeatureType:   m.PremiumFeatureType,
		PayloadContentType:   m.PayloadContentType,
	}, nil
}

// NewInsertHandler returns the batch handler for the new-data-item queue.
// Messages are deleted only after the whole batch committed; on failure the
// consumer resets visibility and the broker redelivers.
func NewInsertHandler(db database.Database, queue queues.Queue, log *zap.Logger) queues.BatchHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return func(ctx context.Context, msgs []queues.Message) error {
		items := make([]database.NewDataItem, 0, len(msgs))
		for _, msg := range msgs {
			var m NewDataItemMessage
			if err := json.Unmarshal([]byte(msg.Body), &m); err != nil {
				return fmt.Errorf("decode new-data-item message %s: %w", msg.ID, err)
			}
			row, err := m.toRow()
			if err != nil {
				return err
			}
			items = append(items, row)
		}
		if err := db.InsertNewDataItemBatch(ctx, items); err != nil {
			return err
		}
		for _, msg := range msgs {
			if err := queue.Delete(ctx, msg.ReceiptHandle); err != nil {
				log.Warn("delete after insert failed",
					obs.String("message_id", msg.ID), obs.Err(err))
			}
		}
		log.Info("inserted new data items", obs.Int("count", len(items)))
		return nil
	}
}
