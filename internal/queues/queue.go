// Package queues provides named durable queues with visibility-timeout
// redelivery and the consumer loop the worker host runs.
package queues

import (
	"context"
	"encoding/json"
	"time"
)

// Message is one received queue entry.
type Message struct {
	ID            string
	ReceiptHandle string
	Body          string
}

// Queue is the minimal broker surface the pipeline needs.
type Queue interface {
	Name() string
	Send(ctx context.Context, body string) error
	Receive(ctx context.Context, maxMessages int64, wait time.Duration) ([]Message, error)
	Delete(ctx context.Context, receiptHandle string) error
	// ChangeVisibility resets a message's visibility timeout. Zero makes the
	// message immediately available for redelivery.
	ChangeVisibility(ctx context.Context, receiptHandle string, timeout time.Duration) error
}

// PlanMessage is the body of the prepare/post/seed queues.
type PlanMessage struct {
	PlanID string `json:"planId"`
}

func MarshalPlanMessage(planID string) (string, error) {
	b, err := json.Marshal(PlanMessage{PlanID: planID})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func UnmarshalPlanMessage(body string) (PlanMessage, error) {
	var m PlanMessage
	err := json.Unmarshal([]byte(body), &m)
	return m, err
}
