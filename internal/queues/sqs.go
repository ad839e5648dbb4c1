// Copyright 2025 James Ross
package queues

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sqs"
)

// SQSQueue implements Queue on an SQS queue URL.
type SQSQueue struct {
	name   string
	url    string
	client *sqs.SQS
}

// NewSQSSession builds the shared AWS session for all queues.
func NewSQSSession(region, endpoint string) (*session.Session, error) {
	awsConfig := &aws.Config{Region: aws.String(region)}
	if endpoint != "" {
		awsConfig.Endpoint = aws.String(endpoint)
	}
	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}
	return sess, nil
}

func NewSQSQueue(sess *session.Session, name, url string) *SQSQueue {
	return &SQSQueue{name: name, url: url, client: sqs.New(sess)}
}

func (q *SQSQueue) Name() string { return q.name }

func (q *SQSQueue) Send(ctx context.Context, body string) error {
	_, err := q.client.SendMessageWithContext(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.url),
		MessageBody: aws.String(body),
	})
	if err != nil {
		return fmt.Errorf("send to %s: %w", q.name, err)
	}
	return nil
}

func (q *SQSQueue) Receive(ctx context.Context, maxMessages int64, wait time.Duration) ([]Message, error) {
	out, err := q.client.ReceiveMessageWithContext(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.url),
		MaxNumberOfMessages: aws.Int64(maxMessages),
		WaitTimeSeconds:     aws.Int64(int64(wait / time.Second)),
	})
	if err != nil {
		return nil, fmt.Errorf("receive from %s: %w", q.name, err)
	}
	msgs := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msgs = append(msgs, Message{
			ID:            aws.StringValue(m.MessageId),
			ReceiptHandle: aws.StringValue(m.ReceiptHandle),
			Body:          aws.StringValue(m.Body),
		})
	}
	return msgs, nil
}

func (q *SQSQueue) Delete(ctx context.Context, receiptHandle string) error {
	_, err := q.client.DeleteMessageWithContext(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.url),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("delete from %s: %w", q.name, err)
	}
	return nil
}

func (q *SQSQueue) ChangeVisibility(ctx context.Context, receiptHandle string, timeout time.Duration) error {
	_, err := q.client.ChangeMessageVisibilityWithContext(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.url),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: aws.Int64(int64(timeout / time.Second)),
	})
	if err != nil {
		return fmt.Errorf("change visibility on %s: %w", q.name, err)
	}
	return nil
}
