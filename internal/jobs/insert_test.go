// Copyright 2025 James Ross
package jobs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bundleforge/fulfillment/internal/queues"
)

func insertMessage(t *testing.T, id string) queues.Message {
	t.Helper()
	m := NewDataItemMessage{
		DataItemID:           id,
		OwnerAddress:         "owner",
		ByteCount:            42,
		SignatureType:        1,
		Signature:            base64.RawURLEncoding.EncodeToString([]byte("sig-" + id)),
		AssessedWinstonPrice: 7,
		UploadedDate:         time.Now().UTC().Format(time.RFC3339Nano),
	}
	body, err := json.Marshal(m)
	require.NoError(t, err)
	return queues.Message{ID: id, ReceiptHandle: "r-" + id, Body: string(body)}
}

func TestInsertHandlerCommitsThenDeletes(t *testing.T) {
	db := newFakeDB()
	q := &memQueue{name: "new-data-item"}
	handler := NewInsertHandler(db, q, nil)

	msgs := []queues.Message{insertMessage(t, "d1"), insertMessage(t, "d2")}
	require.NoError(t, handler(context.Background(), msgs))

	require.Len(t, db.batchInserted, 2)
	require.Equal(t, "d1", db.batchInserted[0].DataItemID)
	require.Equal(t, []byte("sig-d1"), db.batchInserted[0].Signature)
	require.Equal(t, []string{"r-d1", "r-d2"}, q.deleted)
}

func TestInsertHandlerRejectsMalformedBody(t *testing.T) {
	db := newFakeDB()
	q := &memQueue{name: "new-data-item"}
	handler := NewInsertHandler(db, q, nil)

	err := handler(context.Background(), []queues.Message{{ID: "bad", Body: "not json"}})
	require.Error(t, err)
	require.Empty(t, db.batchInserted)
	require.Empty(t, q.deleted, "nothing is deleted when the batch fails")
}

func TestInsertHandlerRejectsBadUploadedDate(t *testing.T) {
	db := newFakeDB()
	q := &memQueue{name: "new-data-item"}
	handler := NewInsertHandler(db, q, nil)

	m := NewDataItemMessage{DataItemID: "d1", UploadedDate: "yesterday"}
	body, err := json.Marshal(m)
	require.NoError(t, err)
	err = handler(context.Background(), []queues.Message{{ID: "d1", Body: string(body)}})
	require.Error(t, err)
	require.Empty(t, q.deleted)
}
