package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

const (
	// SQS hard limits for a single ReceiveMessage call
	sqsMaxMessages = 10
	sqsMaxWait     = 20 * time.Second

	// ChangeMessageVisibility upper bound
	sqsMaxVisibility = 12 * time.Hour

	attrReceiveCount = "ApproximateReceiveCount"
)

// SQSAPI is the subset of the SQS client used by SQSQueue
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// SQSQueue is a Client backed by Amazon SQS (or a compatible endpoint)
type SQSQueue struct {
	api      SQSAPI
	queueURL string
	logger   *slog.Logger
}

// NewSQSQueue creates a client for the given queue URL
func NewSQSQueue(api SQSAPI, queueURL string, logger *slog.Logger) *SQSQueue {
	return &SQSQueue{
		api:      api,
		queueURL: queueURL,
		logger:   logger,
	}
}

// NewSQSQueueFromConfig builds the SQS client from an aws.Config
func NewSQSQueueFromConfig(cfg aws.Config, endpoint, queueURL string, logger *slog.Logger) *SQSQueue {
	client := sqs.NewFromConfig(cfg, func(o *sqs.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return NewSQSQueue(client, queueURL, logger)
}

// Poll long-polls SQS. max and wait are clamped to the SQS limits.
func (q *SQSQueue) Poll(ctx context.Context, max int, wait time.Duration) ([]Message, error) {
	if max <= 0 {
		max = 1
	}
	if max > sqsMaxMessages {
		max = sqsMaxMessages
	}
	if wait > sqsMaxWait {
		wait = sqsMaxWait
	}

	result, err := q.api.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.queueURL),
		MaxNumberOfMessages: int32(max),
		WaitTimeSeconds:     int32(wait / time.Second),
		AttributeNames:      []types.QueueAttributeName{attrReceiveCount},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to receive messages from SQS: %w", err)
	}

	msgs := make([]Message, 0, len(result.Messages))
	for _, m := range result.Messages {
		msg := Message{
			ID:      aws.ToString(m.MessageId),
			Body:    []byte(aws.ToString(m.Body)),
			Receipt: aws.ToString(m.ReceiptHandle),
		}
		if v, ok := m.Attributes[attrReceiveCount]; ok {
			if n, err := strconv.Atoi(v); err == nil {
				msg.ReceiveCount = n
			}
		}
		msgs = append(msgs, msg)
	}

	if len(msgs) > 0 {
		q.logger.Debug("Received messages from SQS",
			slog.Int("count", len(msgs)),
		)
	}

	return msgs, nil
}

// Acknowledge deletes the message from SQS
func (q *SQSQueue) Acknowledge(ctx context.Context, msg Message) error {
	_, err := q.api.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(msg.Receipt),
	})
	if err != nil {
		var invalid *types.ReceiptHandleIsInvalid
		if errors.As(err, &invalid) {
			return fmt.Errorf("%w: %v", ErrStaleReceipt, err)
		}
		return fmt.Errorf("failed to delete message from SQS: %w", err)
	}
	return nil
}

// Send publishes a message body to the queue
func (q *SQSQueue) Send(ctx context.Context, body []byte) error {
	out, err := q.api.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("failed to send message to SQS: %w", err)
	}

	q.logger.Debug("Message sent to SQS",
		slog.String("message_id", aws.ToString(out.MessageId)),
	)
	return nil
}

// ExtendVisibility changes the visibility timeout of an in-flight message
func (q *SQSQueue) ExtendVisibility(ctx context.Context, msg Message, timeout time.Duration) error {
	_, err := q.api.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.queueURL),
		ReceiptHandle:     aws.String(msg.Receipt),
		VisibilityTimeout: visibilitySeconds(timeout),
	})
	if err != nil {
		var invalid *types.ReceiptHandleIsInvalid
		if errors.As(err, &invalid) {
			return fmt.Errorf("%w: %v", ErrStaleReceipt, err)
		}
		return fmt.Errorf("failed to extend visibility timeout: %w", err)
	}
	return nil
}

// visibilitySeconds rounds up to whole seconds so a sub-second extension
// never makes the message visible immediately
func visibilitySeconds(d time.Duration) int32 {
	if d > sqsMaxVisibility {
		d = sqsMaxVisibility
	}
	secs := (d + time.Second - 1) / time.Second
	if secs < 1 {
		secs = 1
	}
	return int32(secs)
}

// HealthCheck reads the queue attributes, which fails on a wrong URL,
// region or credentials
func (q *SQSQueue) HealthCheck(ctx context.Context) error {
	out, err := q.api.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(q.queueURL),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameApproximateNumberOfMessages},
	})
	if err != nil {
		return fmt.Errorf("sqs queue %s unavailable: %w", q.queueURL, err)
	}

	q.logger.Debug("SQS queue depth",
		slog.String("messages", out.Attributes[string(types.QueueAttributeNameApproximateNumberOfMessages)]),
	)
	return nil
}

// Close is a no-op, the SDK client holds no connection state
func (q *SQSQueue) Close() error {
	return nil
}
