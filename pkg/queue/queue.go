// Package queue wraps the broker client: long-poll receives, deletes,
// visibility extension, and dead-letter routing. At-least-once semantics
// live here; idempotent effects are the store's job.
package queue

import (
	"context"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/tkersh/orderworker/internal/config"
	apperrors "github.com/tkersh/orderworker/internal/errors"
)

// Reason tags a dead-lettered message with why it was unprocessable.
type Reason string

const (
	ReasonParseError          Reason = "parse_error"
	ReasonUserNotFound        Reason = "user_not_found"
	ReasonProductNotFound     Reason = "product_not_found"
	ReasonTotalExceeded       Reason = "total_exceeded"
	ReasonMaxReceivesExceeded Reason = "max_receives_exceeded"
	ReasonProcessingFailed    Reason = "processing_failed"
)

// deadLetterReasonAttr is the attribute carrying the Reason on DLQ sends.
const deadLetterReasonAttr = "deadLetterReason"

// Message is a received queue message plus its broker metadata. Between
// dequeue and ack it is owned by exactly one worker.
type Message struct {
	ID            string
	Body          string
	ReceiptHandle string
	ReceiveCount  int
	DedupID       string
	// Attributes holds the message attributes as strings; traceparent
	// rides here when the producer propagated a trace.
	Attributes         map[string]string
	FirstReceivedAt    time.Time
	ReceivedAt         time.Time
	VisibilityDeadline time.Time
}

// API is the broker surface the client consumes.
type API interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Client is the worker's queue access.
type Client struct {
	api API
	cfg config.QueueConfig
	log *zap.Logger
	now func() time.Time
}

// NewClient builds the client.
func NewClient(api API, cfg config.QueueConfig, log *zap.Logger) *Client {
	return &Client{api: api, cfg: cfg, log: log, now: time.Now}
}

// Receive long-polls the main queue for up to max messages.
func (c *Client) Receive(ctx context.Context, max int, wait time.Duration) ([]Message, error) {
	out, err := c.api.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.cfg.QueueURL),
		MaxNumberOfMessages: int32(max),
		WaitTimeSeconds:     int32(wait / time.Second),
		VisibilityTimeout:   int32(c.cfg.VisibilityTimeout.Std() / time.Second),
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
			types.MessageSystemAttributeNameApproximateFirstReceiveTimestamp,
			types.MessageSystemAttributeNameMessageDeduplicationId,
		},
		MessageAttributeNames: []string{"All"},
	})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindUnavailable, "receive failed")
	}

	received := c.now()
	messages := make([]Message, 0, len(out.Messages))
	for _, raw := range out.Messages {
		messages = append(messages, c.convert(raw, received))
	}
	return messages, nil
}

func (c *Client) convert(raw types.Message, received time.Time) Message {
	msg := Message{
		ID:                 aws.ToString(raw.MessageId),
		Body:               aws.ToString(raw.Body),
		ReceiptHandle:      aws.ToString(raw.ReceiptHandle),
		ReceiveCount:       1,
		Attributes:         map[string]string{},
		ReceivedAt:         received,
		VisibilityDeadline: received.Add(c.cfg.VisibilityTimeout.Std()),
	}
	if v, ok := raw.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			msg.ReceiveCount = n
		}
	}
	if v, ok := raw.Attributes[string(types.MessageSystemAttributeNameApproximateFirstReceiveTimestamp)]; ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			msg.FirstReceivedAt = time.UnixMilli(ms)
		}
	}
	if v, ok := raw.Attributes[string(types.MessageSystemAttributeNameMessageDeduplicationId)]; ok {
		msg.DedupID = v
	}
	for name, attr := range raw.MessageAttributes {
		if attr.StringValue != nil {
			msg.Attributes[name] = *attr.StringValue
		}
	}
	// A producer-supplied dedup id may also travel as a plain attribute
	// on standard queues.
	if msg.DedupID == "" {
		msg.DedupID = msg.Attributes["MessageDeduplicationId"]
	}
	return msg
}

// Delete acks the message, removing it from the main queue.
func (c *Client) Delete(ctx context.Context, receiptHandle string) error {
	_, err := c.api.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.cfg.QueueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	return apperrors.Wrap(err, apperrors.KindUnavailable, "delete failed")
}

// ExtendVisibility renews the lease on an in-flight message by extra.
func (c *Client) ExtendVisibility(ctx context.Context, receiptHandle string, extra time.Duration) error {
	_, err := c.api.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.cfg.QueueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: int32(extra / time.Second),
	})
	return apperrors.Wrap(err, apperrors.KindUnavailable, "visibility extension failed")
}

// SendToDeadLetter forwards the message body to the DLQ with a reason tag
// and deletes it from the main queue. The delete only happens after the
// DLQ send confirms; if the send fails the message is left to redeliver.
func (c *Client) SendToDeadLetter(ctx context.Context, msg Message, reason Reason) error {
	attrs := map[string]types.MessageAttributeValue{
		deadLetterReasonAttr: {
			DataType:    aws.String("String"),
			StringValue: aws.String(string(reason)),
		},
	}
	for name, value := range msg.Attributes {
		attrs[name] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(value),
		}
	}

	_, err := c.api.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:          aws.String(c.cfg.DLQURL),
		MessageBody:       aws.String(msg.Body),
		MessageAttributes: attrs,
	})
	if err != nil {
		return apperrors.Wrap(err, apperrors.KindUnavailable, "dead-letter send failed")
	}

	c.log.Info("message dead-lettered",
		zap.String("message_id", msg.ID),
		zap.String("reason", string(reason)))

	if err := c.Delete(ctx, msg.ReceiptHandle); err != nil {
		// The DLQ copy exists; the main-queue copy will redeliver, come
		// back through this path, and leave a harmless duplicate behind.
		c.log.Warn("delete after dead-letter failed",
			zap.String("message_id", msg.ID),
			zap.Error(err))
	}
	return nil
}
