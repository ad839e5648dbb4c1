// Copyright 2025 James Ross
package queues

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeQueue hands out a fixed set of messages once, then blocks on receive.
type fakeQueue struct {
	mu         sync.Mutex
	name       string
	pending    []Message
	deleted    []string
	visibility map[string]time.Duration
}

func newFakeQueue(msgs ...Message) *fakeQueue {
	return &fakeQueue{name: "test-queue", pending: msgs, visibility: map[string]time.Duration{}}
}

func (q *fakeQueue) Name() string { return q.name }

func (q *fakeQueue) Send(ctx context.Context, body string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, Message{ID: body, ReceiptHandle: body, Body: body})
	return nil
}

func (q *fakeQueue) Receive(ctx context.Context, maxMessages int64, wait time.Duration) ([]Message, error) {
	q.mu.Lock()
	if len(q.pending) > 0 {
		n := int(maxMessages)
		if n > len(q.pending) {
			n = len(q.pending)
		}
		out := q.pending[:n]
		q.pending = q.pending[n:]
		q.mu.Unlock()
		return out, nil
	}
	q.mu.Unlock()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(10 * time.Millisecond):
		return nil, nil
	}
}

func (q *fakeQueue) Delete(ctx context.Context, receiptHandle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deleted = append(q.deleted, receiptHandle)
	return nil
}

func (q *fakeQueue) ChangeVisibility(ctx context.Context, receiptHandle string, timeout time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.visibility[receiptHandle] = timeout
	return nil
}

type countTracker struct {
	mu                           sync.Mutex
	received, processed, errored int
}

func (t *countTracker) MessageReceived()  { t.mu.Lock(); t.received++; t.mu.Unlock() }
func (t *countTracker) MessageProcessed() { t.mu.Lock(); t.processed++; t.mu.Unlock() }
func (t *countTracker) ProcessingError()  { t.mu.Lock(); t.errored++; t.mu.Unlock() }

func runConsumer(t *testing.T, c *Consumer, until func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for !until() {
		if time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
	require.True(t, until(), "consumer did not reach expected state")
}

func TestConsumerDeletesOnSuccess(t *testing.T) {
	q := newFakeQueue(Message{ID: "m1", ReceiptHandle: "r1", Body: `{"planId":"p1"}`})
	tracker := &countTracker{}
	var got string
	c := NewConsumer(q, func(ctx context.Context, msg Message) error {
		m, err := UnmarshalPlanMessage(msg.Body)
		if err != nil {
			return err
		}
		got = m.PlanID
		return nil
	}, ConsumerOptions{PollingWait: time.Millisecond}, tracker, nil)

	runConsumer(t, c, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return len(q.deleted) == 1
	})
	require.Equal(t, "p1", got)
	require.Equal(t, []string{"r1"}, q.deleted)
	require.Equal(t, 1, tracker.processed)
	require.Zero(t, tracker.errored)
}

func TestConsumerTerminatesVisibilityOnError(t *testing.T) {
	q := newFakeQueue(Message{ID: "m1", ReceiptHandle: "r1", Body: "{}"})
	tracker := &countTracker{}
	c := NewConsumer(q, func(ctx context.Context, msg Message) error {
		return errors.New("boom")
	}, ConsumerOptions{PollingWait: time.Millisecond, TerminateVisibilityOnErr: true}, tracker, nil)

	runConsumer(t, c, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		_, ok := q.visibility["r1"]
		return ok
	})
	require.Equal(t, time.Duration(0), q.visibility["r1"])
	require.Empty(t, q.deleted, "failed message must not be deleted")
	require.Equal(t, 1, tracker.errored)
}

func TestConsumerHeartbeatExtendsVisibility(t *testing.T) {
	q := newFakeQueue(Message{ID: "m1", ReceiptHandle: "r1", Body: "{}"})
	release := make(chan struct{})
	c := NewConsumer(q, func(ctx context.Context, msg Message) error {
		<-release
		return nil
	}, ConsumerOptions{
		PollingWait:       time.Millisecond,
		VisibilityTimeout: 90 * time.Second,
		HeartbeatInterval: 10 * time.Millisecond,
	}, nil, nil)

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()
	runConsumer(t, c, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return len(q.deleted) == 1
	})
	require.Equal(t, 90*time.Second, q.visibility["r1"], "heartbeat should have extended visibility")
}

func TestBatchConsumerLeavesDeletionToHandler(t *testing.T) {
	q := newFakeQueue(
		Message{ID: "m1", ReceiptHandle: "r1", Body: "a"},
		Message{ID: "m2", ReceiptHandle: "r2", Body: "b"},
	)
	tracker := &countTracker{}
	c := NewBatchConsumer(q, func(ctx context.Context, msgs []Message) error {
		// commit, then delete explicitly
		for _, m := range msgs {
			if err := q.Delete(ctx, m.ReceiptHandle); err != nil {
				return err
			}
		}
		return nil
	}, ConsumerOptions{BatchSize: 10, PollingWait: time.Millisecond}, tracker, nil)

	runConsumer(t, c, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return len(q.deleted) == 2
	})
	require.Equal(t, 2, tracker.processed)
}

func TestBatchConsumerResetsAllVisibilitiesOnError(t *testing.T) {
	q := newFakeQueue(
		Message{ID: "m1", ReceiptHandle: "r1", Body: "a"},
		Message{ID: "m2", ReceiptHandle: "r2", Body: "b"},
	)
	c := NewBatchConsumer(q, func(ctx context.Context, msgs []Message) error {
		return errors.New("insert failed")
	}, ConsumerOptions{BatchSize: 10, PollingWait: time.Millisecond, TerminateVisibilityOnErr: true}, nil, nil)

	runConsumer(t, c, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return len(q.visibility) == 2
	})
	require.Empty(t, q.deleted)
}
