// Package queue carries run identifiers from the submission service to the
// workers over SQS. Delivery is at least once: a message is deleted only
// after the receiver's terminal commit, and the queue's visibility timeout
// is aligned to the lease TTL so an abandoned message resurfaces after the
// reaper has already driven the run to terminal.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/zerolog"
)

// SchemaVersion identifies the message layout.
const SchemaVersion = "1.0"

// receiveWaitSeconds is the long-poll window. SQS caps it at 20.
const receiveWaitSeconds = 20

// Message is the work-queue payload: just enough for a worker to load the
// authoritative row. Everything else lives in the database.
type Message struct {
	RunID         string    `json:"run_id"`
	TenantID      string    `json:"tenant_id"`
	PackType      string    `json:"pack_type"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
	SchemaVersion string    `json:"schema_version"`
}

// Delivery is one received message plus the handle needed to delete it and
// the approximate receive count SQS reports (drives dead-letter decisions).
type Delivery struct {
	Message
	ReceiptHandle string
	ReceiveCount  int
}

// api is the slice of the SQS client this package uses.
type api interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Queue wraps one SQS queue URL.
type Queue struct {
	client api
	url    string
	log    zerolog.Logger
}

// New wires a Queue over an SQS client. Works with *sqs.Client directly.
func New(client api, queueURL string, logger zerolog.Logger) *Queue {
	return &Queue{
		client: client,
		url:    queueURL,
		log:    logger.With().Str("component", "queue").Logger(),
	}
}

// Enqueue publishes a message for the run. Fills EnqueuedAt and
// SchemaVersion when the caller left them zero.
func (q *Queue) Enqueue(ctx context.Context, m Message) error {
	if m.EnqueuedAt.IsZero() {
		m.EnqueuedAt = time.Now().UTC()
	}
	if m.SchemaVersion == "" {
		m.SchemaVersion = SchemaVersion
	}

	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal queue message: %w", err)
	}

	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.url),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("sqs send: %w", err)
	}

	q.log.Debug().Str("run_id", m.RunID).Msg("message enqueued")
	return nil
}

// Receive long-polls for a single message. Returns nil when the poll window
// elapsed with nothing to deliver.
func (q *Queue) Receive(ctx context.Context) (*Delivery, error) {
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.url),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     receiveWaitSeconds,
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqs receive: %w", err)
	}
	if len(out.Messages) == 0 {
		return nil, nil
	}

	raw := out.Messages[0]
	d := &Delivery{ReceiptHandle: aws.ToString(raw.ReceiptHandle)}
	if err := json.Unmarshal([]byte(aws.ToString(raw.Body)), &d.Message); err != nil {
		// A message that cannot be decoded can never be processed; deleting
		// it here would hide the bug, so leave it for the DLQ to swallow.
		return nil, fmt.Errorf("decode queue message: %w", err)
	}
	if c, err := strconv.Atoi(raw.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]); err == nil {
		d.ReceiveCount = c
	}
	return d, nil
}

// Delete removes a processed message. Called only after the receiver's
// terminal commit succeeded, or when the row is already terminal.
func (q *Queue) Delete(ctx context.Context, receiptHandle string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.url),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("sqs delete: %w", err)
	}
	return nil
}
