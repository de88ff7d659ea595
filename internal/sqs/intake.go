package sqs

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/dispatch"
	"github.com/lalithlochan/herald/internal/metrics"
	"github.com/lalithlochan/herald/internal/redis"
)

// Submitter starts jobs. *dispatch.Orchestrator implements it.
type Submitter interface {
	SubmitRequest(ctx context.Context, req dispatch.Request) (uuid.UUID, error)
}

// Deduper remembers processed request ids. *redis.ClaimService implements it.
type Deduper interface {
	CheckOrReserve(ctx context.Context, tenant, key string) (*redis.RequestResult, error)
	Complete(ctx context.Context, tenant, key string, result *redis.RequestResult) error
	Abandon(ctx context.Context, tenant, key string) error
}

type receiver interface {
	ReceiveMessage(ctx context.Context) (*Message, string, error)
	DeleteMessage(ctx context.Context, receiptHandle string) error
	ChangeVisibility(ctx context.Context, receiptHandle string, seconds int32) error
}

const (
	dedupTenant = "sqs"

	// retryVisibility is how long a message that hit a transient error
	// stays hidden before redelivery.
	retryVisibility int32 = 30
)

// Intake submits queued job requests. SQS delivers at least once, so with a
// Deduper configured a request id is submitted at most once.
type Intake struct {
	consumer  receiver
	submitter Submitter
	dedup     Deduper
	logger    *zap.Logger

	errorBackoff time.Duration
}

// NewIntake creates the intake loop. dedup may be nil.
func NewIntake(consumer *Consumer, submitter Submitter, dedup Deduper, logger *zap.Logger) *Intake {
	return newIntake(consumer, submitter, dedup, logger)
}

func newIntake(consumer receiver, submitter Submitter, dedup Deduper, logger *zap.Logger) *Intake {
	return &Intake{
		consumer:     consumer,
		submitter:    submitter,
		dedup:        dedup,
		logger:       logger,
		errorBackoff: 5 * time.Second,
	}
}

// Run polls until ctx ends.
func (in *Intake) Run(ctx context.Context) error {
	in.logger.Info("sqs intake started")
	for {
		if ctx.Err() != nil {
			in.logger.Info("sqs intake stopping")
			return nil
		}
		if err := in.poll(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			in.logger.Error("sqs poll failed", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(in.errorBackoff):
			}
		}
	}
}

// poll handles at most one message.
func (in *Intake) poll(ctx context.Context) error {
	msg, receipt, err := in.consumer.ReceiveMessage(ctx)
	if errors.Is(err, ErrInvalidMessage) {
		in.drop(ctx, receipt, "malformed body")
		return nil
	}
	if err != nil {
		return err
	}
	if msg == nil {
		return nil
	}

	logger := in.logger.With(zap.String("request_id", msg.RequestID))

	if in.dedup != nil {
		cached, err := in.dedup.CheckOrReserve(ctx, dedupTenant, msg.RequestID)
		switch {
		case errors.Is(err, redis.ErrDuplicateRequest):
			logger.Info("request in flight elsewhere, deferring")
			metrics.RecordQueuedRequest("deferred")
			return in.consumer.ChangeVisibility(ctx, receipt, retryVisibility)
		case err != nil:
			return err
		case cached != nil:
			logger.Info("request already submitted", zap.String("job_id", cached.JobID))
			metrics.RecordQueuedRequest("duplicate")
			return in.consumer.DeleteMessage(ctx, receipt)
		}
	}

	jobID, err := in.submitter.SubmitRequest(ctx, msg.Request)
	if err != nil {
		if in.dedup != nil {
			if aerr := in.dedup.Abandon(ctx, dedupTenant, msg.RequestID); aerr != nil {
				logger.Warn("failed to release request reservation", zap.Error(aerr))
			}
		}
		if errors.Is(err, dispatch.ErrConfiguration) {
			logger.Warn("dropping unsubmittable request", zap.Error(err))
			in.drop(ctx, receipt, err.Error())
			return nil
		}
		logger.Error("submit failed, will retry", zap.Error(err))
		metrics.RecordQueuedRequest("retried")
		return in.consumer.ChangeVisibility(ctx, receipt, retryVisibility)
	}

	if in.dedup != nil {
		result := &redis.RequestResult{JobID: jobID.String(), StatusCode: http.StatusCreated}
		if err := in.dedup.Complete(ctx, dedupTenant, msg.RequestID, result); err != nil {
			logger.Warn("failed to record submitted request", zap.Error(err))
		}
	}

	logger.Info("queued request submitted", zap.String("job_id", jobID.String()))
	metrics.RecordQueuedRequest("submitted")
	return in.consumer.DeleteMessage(ctx, receipt)
}

func (in *Intake) drop(ctx context.Context, receipt, reason string) {
	metrics.RecordQueuedRequest("dropped")
	if receipt == "" {
		return
	}
	if err := in.consumer.DeleteMessage(ctx, receipt); err != nil {
		in.logger.Error("failed to delete dropped message", zap.String("reason", reason), zap.Error(err))
	}
}
