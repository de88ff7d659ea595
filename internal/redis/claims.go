package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// RequestTTL is how long a completed submission stays cached under its
	// client-provided Idempotency-Key.
	RequestTTL = 24 * time.Hour

	// processingTTL bounds a claim whose holder died before completing.
	processingTTL = 5 * time.Minute

	processingMarker = "processing"
)

// ErrDuplicateRequest indicates another caller currently holds the key.
var ErrDuplicateRequest = errors.New("duplicate request: idempotency key is being processed")

// RequestResult is the cached response of an idempotent submission.
type RequestResult struct {
	JobID      string `json:"job_id"`
	StatusCode int    `json:"status_code"`
	CreatedAt  int64  `json:"created_at"`
}

// ClaimService hands out short-lived exclusive claims with SET NX. It guards
// job submissions keyed by Idempotency-Key and resends of failed audit
// records across replicas.
type ClaimService struct {
	client *Client
	logger *zap.Logger
}

// NewClaimService creates a claim service.
func NewClaimService(client *Client, logger *zap.Logger) *ClaimService {
	return &ClaimService{client: client, logger: logger}
}

// ClaimResend reserves the right to resend an audit record. It returns false
// if another caller already holds the claim.
func (s *ClaimService) ClaimResend(ctx context.Context, auditID string) (bool, error) {
	ok, err := s.client.rdb.SetNX(ctx, s.client.key("claim", "resend", auditID), processingMarker, processingTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	return ok, nil
}

// ReleaseResend drops a resend claim once the resend is durably recorded.
func (s *ClaimService) ReleaseResend(ctx context.Context, auditID string) error {
	if err := s.client.rdb.Del(ctx, s.client.key("claim", "resend", auditID)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

func (s *ClaimService) requestKey(tenant, idempotencyKey string) string {
	return s.client.key("idempotency", tenant, idempotencyKey)
}

// CheckOrReserve returns the cached result for a key, or reserves the key
// and returns (nil, nil). ErrDuplicateRequest means the key is reserved by a
// request still in flight.
func (s *ClaimService) CheckOrReserve(ctx context.Context, tenant, idempotencyKey string) (*RequestResult, error) {
	key := s.requestKey(tenant, idempotencyKey)

	reserved, err := s.client.rdb.SetNX(ctx, key, processingMarker, processingTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("redis setnx failed: %w", err)
	}
	if reserved {
		return nil, nil
	}

	val, err := s.client.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between the two calls; let the caller retry.
		return nil, ErrDuplicateRequest
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	if val == processingMarker {
		return nil, ErrDuplicateRequest
	}

	var result RequestResult
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		s.logger.Error("failed to unmarshal idempotency result", zap.Error(err))
		return nil, fmt.Errorf("invalid cached result: %w", err)
	}

	s.logger.Debug("idempotency cache hit",
		zap.String("tenant", tenant),
		zap.String("job_id", result.JobID),
	)
	return &result, nil
}

// Complete stores the result of a processed request under its key.
func (s *ClaimService) Complete(ctx context.Context, tenant, idempotencyKey string, result *RequestResult) error {
	if result.CreatedAt == 0 {
		result.CreatedAt = time.Now().Unix()
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	if err := s.client.rdb.Set(ctx, s.requestKey(tenant, idempotencyKey), data, RequestTTL).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Abandon releases a reservation whose request failed, so the client may retry.
func (s *ClaimService) Abandon(ctx context.Context, tenant, idempotencyKey string) error {
	if err := s.client.rdb.Del(ctx, s.requestKey(tenant, idempotencyKey)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}
