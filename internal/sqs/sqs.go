// Package sqs carries job requests over an SQS queue: a producer for
// callers that enqueue work and an intake loop that submits it.
package sqs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/dispatch"
)

// ErrInvalidMessage is returned for a body that is not a Message.
var ErrInvalidMessage = errors.New("invalid message format")

// Config holds SQS configuration.
type Config struct {
	Region            string
	QueueURL          string
	WaitTimeSeconds   int32
	VisibilityTimeout int32
}

// Message is the payload sent to SQS.
type Message struct {
	RequestID  string           `json:"request_id"`
	TenantID   string           `json:"tenant_id,omitempty"`
	Request    dispatch.Request `json:"request"`
	EnqueuedAt int64            `json:"enqueued_at"`
}

// api is the subset of the SQS client used here.
type api interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

func newClient(ctx context.Context, region string) (*sqs.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return sqs.NewFromConfig(awsCfg), nil
}

// Producer sends job requests to SQS.
type Producer struct {
	client   api
	queueURL string
	logger   *zap.Logger
	now      func() time.Time
}

// NewProducer creates a new SQS producer.
func NewProducer(ctx context.Context, cfg Config, logger *zap.Logger) (*Producer, error) {
	client, err := newClient(ctx, cfg.Region)
	if err != nil {
		return nil, err
	}

	logger.Info("sqs producer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return newProducer(client, cfg.QueueURL, logger), nil
}

func newProducer(client api, queueURL string, logger *zap.Logger) *Producer {
	return &Producer{
		client:   client,
		queueURL: queueURL,
		logger:   logger,
		now:      time.Now,
	}
}

// Enqueue sends a job request for asynchronous submission and returns the
// request id the intake deduplicates on.
func (p *Producer) Enqueue(ctx context.Context, tenantID string, req dispatch.Request) (string, error) {
	msg := Message{
		RequestID:  uuid.NewString(),
		TenantID:   tenantID,
		Request:    req,
		EnqueuedAt: p.now().UnixNano(),
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		p.logger.Error("failed to send message to sqs",
			zap.Error(err),
			zap.String("request_id", msg.RequestID),
		)
		return "", fmt.Errorf("sqs send failed: %w", err)
	}

	return msg.RequestID, nil
}

// EnqueueBatch sends several requests. Failed enqueues are logged and skipped.
func (p *Producer) EnqueueBatch(ctx context.Context, tenantID string, reqs []dispatch.Request) ([]string, error) {
	if len(reqs) == 0 {
		return []string{}, nil
	}

	ids := make([]string, 0, len(reqs))
	for _, req := range reqs {
		id, err := p.Enqueue(ctx, tenantID, req)
		if err != nil {
			p.logger.Warn("failed to enqueue request", zap.Error(err))
			continue
		}
		ids = append(ids, id)
	}

	return ids, nil
}

// Consumer reads job requests from SQS.
type Consumer struct {
	client            api
	queueURL          string
	waitTimeSeconds   int32
	visibilityTimeout int32
	logger            *zap.Logger
}

// NewConsumer creates a new SQS consumer.
func NewConsumer(ctx context.Context, cfg Config, logger *zap.Logger) (*Consumer, error) {
	client, err := newClient(ctx, cfg.Region)
	if err != nil {
		return nil, err
	}

	logger.Info("sqs consumer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return newConsumer(client, cfg, logger), nil
}

func newConsumer(client api, cfg Config, logger *zap.Logger) *Consumer {
	if cfg.WaitTimeSeconds <= 0 {
		cfg.WaitTimeSeconds = 20
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 60
	}
	return &Consumer{
		client:            client,
		queueURL:          cfg.QueueURL,
		waitTimeSeconds:   cfg.WaitTimeSeconds,
		visibilityTimeout: cfg.VisibilityTimeout,
		logger:            logger,
	}
}

// ReceiveMessage retrieves a message from SQS with long polling. It returns
// a nil message when the poll times out empty. A body that does not decode
// yields ErrInvalidMessage together with its receipt handle so the caller
// can drop it.
func (c *Consumer) ReceiveMessage(ctx context.Context) (*Message, string, error) {
	input := &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     c.waitTimeSeconds,
		VisibilityTimeout:   c.visibilityTimeout,
	}

	result, err := c.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, "", fmt.Errorf("sqs receive failed: %w", err)
	}

	if len(result.Messages) == 0 {
		return nil, "", nil
	}

	raw := result.Messages[0]
	receipt := aws.ToString(raw.ReceiptHandle)

	var msg Message
	if err := json.Unmarshal([]byte(aws.ToString(raw.Body)), &msg); err != nil {
		c.logger.Error("failed to unmarshal message", zap.Error(err))
		return nil, receipt, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	if msg.RequestID == "" {
		msg.RequestID = aws.ToString(raw.MessageId)
	}

	return &msg, receipt, nil
}

// DeleteMessage removes a message from SQS after successful processing.
func (c *Consumer) DeleteMessage(ctx context.Context, receiptHandle string) error {
	input := &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	}

	if _, err := c.client.DeleteMessage(ctx, input); err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}

	return nil
}

// ChangeVisibility sets when a message becomes visible again.
func (c *Consumer) ChangeVisibility(ctx context.Context, receiptHandle string, seconds int32) error {
	input := &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.queueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: seconds,
	}

	if _, err := c.client.ChangeMessageVisibility(ctx, input); err != nil {
		return fmt.Errorf("sqs change visibility failed: %w", err)
	}

	return nil
}
