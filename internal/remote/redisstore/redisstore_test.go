package redisstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/haulware/docsync/internal/remote"
)

const envRedisAddr = "DOCSYNC_TEST_REDIS_ADDR"

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	addr := os.Getenv(envRedisAddr)
	if addr == "" {
		t.Skipf("set %s to run redis store tests", envRedisAddr)
	}
	store, err := NewStore(context.Background(), StoreConfig{Addr: addr})
	if err != nil {
		t.Fatalf("failed to connect to redis: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	// A fresh collection per run keeps reruns independent.
	return store, "test_" + uuid.NewString()
}

func TestRedisDocumentRoundTrip(t *testing.T) {
	store, collection := newTestStore(t)
	ctx := context.Background()

	if err := store.SetDoc(ctx, collection, "doc_1", map[string]any{"name": "Widget", "deleted": false}, false); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	fields, exists, err := store.GetDoc(ctx, collection, "doc_1")
	if err != nil || !exists {
		t.Fatalf("expected stored document, exists=%v err=%v", exists, err)
	}
	if fields["name"] != "Widget" {
		t.Fatalf("unexpected payload: %+v", fields)
	}

	if _, exists, err := store.GetDoc(ctx, collection, "doc_missing"); err != nil || exists {
		t.Fatalf("expected missing document, exists=%v err=%v", exists, err)
	}

	if err := store.DeleteDoc(ctx, collection, "doc_1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, exists, _ := store.GetDoc(ctx, collection, "doc_1"); exists {
		t.Fatalf("expected document to be gone after delete")
	}
}

func TestRedisMergeWritePreservesOtherFields(t *testing.T) {
	store, collection := newTestStore(t)
	ctx := context.Background()

	if err := store.SetDoc(ctx, collection, "doc_1", map[string]any{"name": "Widget", "price": 12.5}, false); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := store.SetDoc(ctx, collection, "doc_1", map[string]any{"price": 13.0}, true); err != nil {
		t.Fatalf("merge write failed: %v", err)
	}

	fields, _, err := store.GetDoc(ctx, collection, "doc_1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if fields["name"] != "Widget" || fields["price"] != 13.0 {
		t.Fatalf("expected merged payload, got %+v", fields)
	}
}

func TestRedisGetDocsFiltersAndLimits(t *testing.T) {
	store, collection := newTestStore(t)
	ctx := context.Background()

	docs := map[string]map[string]any{
		"doc_1": {"tenantId": "tenant_a", "deleted": false},
		"doc_2": {"tenantId": "tenant_a", "deleted": true},
		"doc_3": {"tenantId": "tenant_b", "deleted": false},
	}
	for id, fields := range docs {
		if err := store.SetDoc(ctx, collection, id, fields, false); err != nil {
			t.Fatalf("seed failed: %v", err)
		}
	}

	filters := []remote.Filter{{Field: "deleted", Op: remote.OperatorEquals, Value: false}}
	snapshots, err := store.GetDocs(ctx, collection, filters, 0)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(snapshots) != 2 {
		t.Fatalf("expected deleted documents filtered out, got %+v", snapshots)
	}

	limited, err := store.GetDocs(ctx, collection, filters, 1)
	if err != nil {
		t.Fatalf("limited query failed: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("expected one result under limit, got %+v", limited)
	}
}

func TestRedisWatchDeliversUpdates(t *testing.T) {
	store, collection := newTestStore(t)
	ctx := context.Background()

	if err := store.SetDoc(ctx, collection, "doc_1", map[string]any{"deleted": false}, false); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	updates := make(chan []remote.Snapshot, 8)
	cancel, err := store.Watch(ctx, collection, nil,
		func(snapshots []remote.Snapshot) { updates <- snapshots },
		func(err error) { t.Errorf("unexpected stream error: %v", err) })
	if err != nil {
		t.Fatalf("watch failed: %v", err)
	}
	defer cancel()

	initial := waitForSet(t, updates)
	if len(initial) != 1 || initial[0].ID != "doc_1" {
		t.Fatalf("expected initial set with doc_1, got %+v", initial)
	}

	if err := store.SetDoc(ctx, collection, "doc_2", map[string]any{"deleted": false}, false); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	for {
		snapshots := waitForSet(t, updates)
		if len(snapshots) == 2 {
			break
		}
	}

	// Cancelling twice must be safe.
	cancel()
	cancel()
}

func waitForSet(t *testing.T, updates <-chan []remote.Snapshot) []remote.Snapshot {
	t.Helper()
	select {
	case snapshots := <-updates:
		return snapshots
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for a watch delivery")
		return nil
	}
}
