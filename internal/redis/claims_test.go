package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestClaimService_NewRequest(t *testing.T) {
	client, _, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewClaimService(client, zap.NewNop())
	result, err := svc.CheckOrReserve(context.Background(), "tenant-1", "key-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil {
		t.Fatalf("expected nil result for new request, got: %+v", result)
	}
}

func TestClaimService_InFlightRequest(t *testing.T) {
	client, _, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewClaimService(client, zap.NewNop())
	ctx := context.Background()

	_, _ = svc.CheckOrReserve(ctx, "tenant-1", "key-1")
	_, err := svc.CheckOrReserve(ctx, "tenant-1", "key-1")
	if !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("expected ErrDuplicateRequest, got: %v", err)
	}
}

func TestClaimService_CompletedRequestIsCached(t *testing.T) {
	client, _, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewClaimService(client, zap.NewNop())
	ctx := context.Background()

	_, _ = svc.CheckOrReserve(ctx, "tenant-1", "key-1")
	if err := svc.Complete(ctx, "tenant-1", "key-1", &RequestResult{JobID: "job-123", StatusCode: 201}); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	result, err := svc.CheckOrReserve(ctx, "tenant-1", "key-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result == nil {
		t.Fatal("expected cached result")
	}
	if result.JobID != "job-123" || result.StatusCode != 201 {
		t.Errorf("unexpected cached result: %+v", result)
	}
}

func TestClaimService_TenantIsolation(t *testing.T) {
	client, _, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewClaimService(client, zap.NewNop())
	ctx := context.Background()

	_, _ = svc.CheckOrReserve(ctx, "tenant-1", "shared")
	result, err := svc.CheckOrReserve(ctx, "tenant-2", "shared")
	if err != nil {
		t.Fatalf("tenant-2 should get its own key: %v", err)
	}
	if result != nil {
		t.Fatalf("expected nil result for tenant-2, got %+v", result)
	}
}

func TestClaimService_AbandonAllowsRetry(t *testing.T) {
	client, _, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewClaimService(client, zap.NewNop())
	ctx := context.Background()

	_, _ = svc.CheckOrReserve(ctx, "t", "k")
	if err := svc.Abandon(ctx, "t", "k"); err != nil {
		t.Fatalf("abandon failed: %v", err)
	}
	if _, err := svc.CheckOrReserve(ctx, "t", "k"); err != nil {
		t.Fatalf("retry after abandon should reserve: %v", err)
	}
}

func TestClaimService_ResendClaimIsExclusive(t *testing.T) {
	client, mr, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewClaimService(client, zap.NewNop())
	ctx := context.Background()

	ok, err := svc.ClaimResend(ctx, "audit-1")
	if err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}
	ok, _ = svc.ClaimResend(ctx, "audit-1")
	if ok {
		t.Fatal("second claim should fail while the first is held")
	}

	mr.FastForward(processingTTL + time.Second)
	ok, _ = svc.ClaimResend(ctx, "audit-1")
	if !ok {
		t.Fatal("claim should be available after TTL")
	}

	if err := svc.ReleaseResend(ctx, "audit-1"); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	ok, _ = svc.ClaimResend(ctx, "audit-1")
	if !ok {
		t.Fatal("claim should be available after release")
	}
}
