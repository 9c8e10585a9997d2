package crmsync

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"
)

func redisIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("RELAYCRM_TEST_REDIS_DSN"))
	if dsn == "" {
		t.Skip("set RELAYCRM_TEST_REDIS_DSN to run redis integration tests")
	}
	return dsn
}

func TestRedisIntegrationSegmentCache(t *testing.T) {
	dsn := redisIntegrationDSN(t)
	networkID := fmt.Sprintf("net_it_%d", time.Now().UnixNano())

	cache, err := NewRedisSegmentCache(dsn)
	if err != nil {
		t.Fatalf("new redis segment cache: %v", err)
	}
	t.Cleanup(func() {
		_ = cache.DeleteAll(context.Background(), networkID)
		_ = cache.Close()
	})
	ctx := context.Background()

	segmentID, err := cache.Get(ctx, networkID, "s_1")
	if err != nil {
		t.Fatalf("initial get: %v", err)
	}
	if segmentID != "" {
		t.Fatalf("expected unknown mapping, got %q", segmentID)
	}

	if err := cache.Put(ctx, networkID, "s_1", "tag_1"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := cache.Put(ctx, networkID, "s_1", "tag_2"); err != nil {
		t.Fatalf("replace: %v", err)
	}
	segmentID, err = cache.Get(ctx, networkID, "s_1")
	if err != nil {
		t.Fatalf("get after replace: %v", err)
	}
	if segmentID != "tag_2" {
		t.Fatalf("expected last write to win, got %q", segmentID)
	}

	if err := cache.Put(ctx, networkID, "s_2", "tag_3"); err != nil {
		t.Fatalf("put second space: %v", err)
	}
	if err := cache.DeleteAll(ctx, networkID); err != nil {
		t.Fatalf("delete all: %v", err)
	}
	for _, spaceID := range []string{"s_1", "s_2"} {
		segmentID, err := cache.Get(ctx, networkID, spaceID)
		if err != nil {
			t.Fatalf("get after delete all: %v", err)
		}
		if segmentID != "" {
			t.Fatalf("expected %s mapping cleared, got %q", spaceID, segmentID)
		}
	}
}
