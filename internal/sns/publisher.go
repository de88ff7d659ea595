package sns

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/dispatch"
)

// maxBatch is the SNS PublishBatch entry limit.
const maxBatch = 10

type api interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
	PublishBatch(ctx context.Context, params *sns.PublishBatchInput, optFns ...func(*sns.Options)) (*sns.PublishBatchOutput, error)
}

// Config configures the event publisher.
type Config struct {
	Region   string
	TopicARN string
	Endpoint string // optional, for LocalStack

	// RecipientEvents forwards per-recipient outcomes as well as job
	// lifecycle events. Outcomes are batched.
	RecipientEvents bool
	Timeout         time.Duration
}

// EventPublisher forwards engine events to an SNS topic. Subscribers can
// filter on the "event_type" and "job_id" message attributes.
type EventPublisher struct {
	client          api
	topicARN        string
	recipientEvents bool
	timeout         time.Duration
	logger          *zap.Logger

	mu      sync.Mutex
	pending []dispatch.Event
}

// NewEventPublisher creates an SNS publisher for the given topic
func NewEventPublisher(ctx context.Context, cfg Config, logger *zap.Logger) (*EventPublisher, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return newEventPublisher(client, cfg, logger), nil
}

func newEventPublisher(client api, cfg Config, logger *zap.Logger) *EventPublisher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &EventPublisher{
		client:          client,
		topicARN:        cfg.TopicARN,
		recipientEvents: cfg.RecipientEvents,
		timeout:         cfg.Timeout,
		logger:          logger,
	}
}

// HandleEvent implements dispatch.Sink. Publishing errors are logged; an
// event that cannot be published is lost.
func (p *EventPublisher) HandleEvent(ev dispatch.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	if ev.Type == dispatch.EventRecipient {
		if !p.recipientEvents {
			return
		}
		p.mu.Lock()
		p.pending = append(p.pending, ev)
		full := len(p.pending) >= maxBatch
		p.mu.Unlock()
		if full {
			p.flush(ctx)
		}
		return
	}

	// Outcomes of a job go out before its terminal event.
	p.flush(ctx)
	if _, err := p.Publish(ctx, ev); err != nil {
		p.logger.Warn("failed to publish event",
			zap.String("type", string(ev.Type)),
			zap.String("job_id", ev.JobID.String()),
			zap.Error(err),
		)
	}
}

// Flush publishes buffered recipient outcomes.
func (p *EventPublisher) Flush(ctx context.Context) {
	p.flush(ctx)
}

func (p *EventPublisher) flush(ctx context.Context) {
	p.mu.Lock()
	batch := p.pending
	p.pending = nil
	p.mu.Unlock()

	for len(batch) > 0 {
		n := min(len(batch), maxBatch)
		if _, err := p.PublishBatch(ctx, batch[:n]); err != nil {
			p.logger.Warn("failed to publish outcome batch", zap.Int("size", n), zap.Error(err))
		}
		batch = batch[n:]
	}
}

func attributes(ev dispatch.Event) map[string]types.MessageAttributeValue {
	attrs := map[string]types.MessageAttributeValue{
		"event_type": {
			DataType:    aws.String("String"),
			StringValue: aws.String(string(ev.Type)),
		},
		"job_id": {
			DataType:    aws.String("String"),
			StringValue: aws.String(ev.JobID.String()),
		},
	}
	if ev.ChannelID != "" {
		attrs["channel_id"] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(ev.ChannelID),
		}
	}
	return attrs
}

// Publish sends one event to the topic and returns the SNS message id.
func (p *EventPublisher) Publish(ctx context.Context, ev dispatch.Event) (string, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event: %w", err)
	}

	result, err := p.client.Publish(ctx, &sns.PublishInput{
		TopicArn:          aws.String(p.topicARN),
		Message:           aws.String(string(payload)),
		MessageAttributes: attributes(ev),
	})
	if err != nil {
		return "", fmt.Errorf("failed to publish to SNS: %w", err)
	}

	return aws.ToString(result.MessageId), nil
}

// PublishBatch sends up to ten events in one call.
func (p *EventPublisher) PublishBatch(ctx context.Context, events []dispatch.Event) ([]string, error) {
	if len(events) == 0 {
		return nil, nil
	}

	if len(events) > maxBatch {
		return nil, fmt.Errorf("batch size exceeds SNS limit of %d", maxBatch)
	}

	entries := make([]types.PublishBatchRequestEntry, len(events))
	for i, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal event %d: %w", i, err)
		}

		entries[i] = types.PublishBatchRequestEntry{
			Id:                aws.String(fmt.Sprintf("e%d", i)),
			Message:           aws.String(string(payload)),
			MessageAttributes: attributes(ev),
		}
	}

	result, err := p.client.PublishBatch(ctx, &sns.PublishBatchInput{
		TopicArn:                   aws.String(p.topicARN),
		PublishBatchRequestEntries: entries,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to publish batch to SNS: %w", err)
	}

	if len(result.Failed) > 0 {
		return nil, fmt.Errorf("partial batch failure: %d messages failed", len(result.Failed))
	}

	messageIDs := make([]string, len(result.Successful))
	for i, entry := range result.Successful {
		messageIDs[i] = aws.ToString(entry.MessageId)
	}

	return messageIDs, nil
}

var _ dispatch.Sink = (*EventPublisher)(nil)
