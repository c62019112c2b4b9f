package repository

import (
	"context"
	"testing"
	"time"

	"github.com/haulware/docsync/internal/auth"
	"github.com/haulware/docsync/internal/document"
	"github.com/haulware/docsync/internal/remote"
)

func collectSets(t *testing.T, updates <-chan []document.Document) []document.Document {
	t.Helper()
	select {
	case docs := <-updates:
		return docs
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a subscription delivery")
		return nil
	}
}

func TestSubscribeDeliversInitialSetAndUpdates(t *testing.T) {
	fixture := newFixture(t)
	repo := fixture.newRepository(t, nil)

	if _, err := repo.Save(context.Background(), "doc_1", map[string]any{"name": "Widget"}); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	updates := make(chan []document.Document, 8)
	cancel := repo.Subscribe(context.Background(), func(docs []document.Document) {
		updates <- docs
	})
	defer cancel()

	initial := collectSets(t, updates)
	if len(initial) != 1 || initial[0].ID != "doc_1" {
		t.Fatalf("expected initial set with doc_1, got %+v", initial)
	}

	if _, err := repo.Save(context.Background(), "doc_2", map[string]any{"name": "Gadget"}); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	// The save touches the remote store once and the watcher re-delivers the
	// full matching set.
	for {
		docs := collectSets(t, updates)
		if len(docs) == 2 {
			break
		}
	}
}

func TestSubscribeFiltersOtherTenants(t *testing.T) {
	fixture := newFixture(t)
	repo := fixture.newRepository(t, nil)

	foreign := map[string]any{"name": "Theirs", document.FieldTenantID: "tenant_b", document.FieldDeleted: false}
	if err := fixture.remote.SetDoc(context.Background(), testCollection, "doc_theirs", foreign, false); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	updates := make(chan []document.Document, 8)
	cancel := repo.Subscribe(context.Background(), func(docs []document.Document) {
		updates <- docs
	})
	defer cancel()

	initial := collectSets(t, updates)
	if len(initial) != 0 {
		t.Fatalf("expected other tenant's documents to be invisible, got %+v", initial)
	}
}

func TestSubscribeRefreshesMirrorOnUpdates(t *testing.T) {
	fixture := newFixture(t)
	repo := fixture.newRepository(t, nil)

	updates := make(chan []document.Document, 8)
	cancel := repo.Subscribe(context.Background(), func(docs []document.Document) {
		updates <- docs
	})
	defer cancel()
	collectSets(t, updates)

	seed := map[string]any{"name": "Widget", document.FieldTenantID: testTenantID, document.FieldDeleted: false}
	if err := fixture.remote.SetDoc(context.Background(), testCollection, "doc_1", seed, false); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	collectSets(t, updates)

	if _, exists, _ := fixture.mirror.Get(testCollection, "doc_1"); !exists {
		t.Fatalf("expected live update to refresh the mirror")
	}
}

func TestSubscribeWatchUnsupportedDeliversOneShot(t *testing.T) {
	fixture := newFixture(t)
	fixture.remote.DisableWatch()
	repo := fixture.newRepository(t, nil)

	seed := map[string]any{"name": "Widget", document.FieldTenantID: testTenantID, document.FieldDeleted: false}
	if err := fixture.remote.SetDoc(context.Background(), testCollection, "doc_1", seed, false); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	updates := make(chan []document.Document, 8)
	cancel := repo.Subscribe(context.Background(), func(docs []document.Document) {
		updates <- docs
	})

	docs := collectSets(t, updates)
	if len(docs) != 1 || docs[0].ID != "doc_1" {
		t.Fatalf("expected one-shot fetch to deliver the current set, got %+v", docs)
	}

	// The degraded unsubscribe is a no-op and must tolerate repeat calls.
	cancel()
	cancel()
}

func TestSubscribeOfflineServesMirror(t *testing.T) {
	fixture := newFixture(t)
	repo := fixture.newRepository(t, nil)

	if _, err := repo.Save(context.Background(), "doc_1", map[string]any{"name": "Widget"}); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	fixture.connectivity.set(false)

	updates := make(chan []document.Document, 8)
	cancel := repo.Subscribe(context.Background(), func(docs []document.Document) {
		updates <- docs
	})
	defer cancel()

	docs := collectSets(t, updates)
	if len(docs) != 1 || docs[0].ID != "doc_1" {
		t.Fatalf("expected mirror contents while offline, got %+v", docs)
	}
}

func TestSubscribePermissionErrorServesMirrorOnce(t *testing.T) {
	fixture := newFixture(t)
	repo := fixture.newRepository(t, nil)

	if _, err := repo.Save(context.Background(), "doc_1", map[string]any{"name": "Widget"}); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	updates := make(chan []document.Document, 8)
	cancel := repo.Subscribe(context.Background(), func(docs []document.Document) {
		updates <- docs
	})
	defer cancel()
	collectSets(t, updates)

	permission := remote.NewStoreError(remote.CodePermissionDenied, "missing or insufficient permissions", nil)
	fixture.remote.EmitError(testCollection, permission)
	docs := collectSets(t, updates)
	if len(docs) != 1 || docs[0].ID != "doc_1" {
		t.Fatalf("expected mirror fallback after permission error, got %+v", docs)
	}

	// A second stream error must not trigger another delivery.
	fixture.remote.EmitError(testCollection, permission)
	select {
	case docs := <-updates:
		t.Fatalf("expected single mirror fallback, got another delivery: %+v", docs)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscribeUnsubscribeStopsDeliveries(t *testing.T) {
	fixture := newFixture(t)
	repo := fixture.newRepository(t, nil)

	updates := make(chan []document.Document, 8)
	cancel := repo.Subscribe(context.Background(), func(docs []document.Document) {
		updates <- docs
	})
	collectSets(t, updates)
	cancel()
	cancel()

	seed := map[string]any{"name": "Widget", document.FieldTenantID: testTenantID, document.FieldDeleted: false}
	if err := fixture.remote.SetDoc(context.Background(), testCollection, "doc_1", seed, false); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	select {
	case docs := <-updates:
		t.Fatalf("expected no delivery after unsubscribe, got %+v", docs)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscribeUnauthenticatedServesMirrorOnce(t *testing.T) {
	fixture := newFixture(t)
	repo := fixture.newRepository(t, func(cfg *Config) {
		cfg.Auth = auth.NewStaticProvider(auth.User{})
	})

	fixture.connectivity.set(false)
	if _, err := repo.Save(context.Background(), "doc_local", map[string]any{"name": "Mine"}); err != nil {
		t.Fatalf("offline save failed: %v", err)
	}
	fixture.connectivity.set(true)

	updates := make(chan []document.Document, 8)
	cancel := repo.Subscribe(context.Background(), func(docs []document.Document) {
		updates <- docs
	})

	docs := collectSets(t, updates)
	if len(docs) != 1 || docs[0].ID != "doc_local" {
		t.Fatalf("expected one mirror delivery without a session, got %+v", docs)
	}

	// No live channel exists: remote changes must not reach the callback.
	seed := map[string]any{"name": "Remote", document.FieldTenantID: testTenantID, document.FieldDeleted: false}
	if err := fixture.remote.SetDoc(context.Background(), testCollection, "doc_remote", seed, false); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	select {
	case docs := <-updates:
		t.Fatalf("expected no live deliveries without a session, got %+v", docs)
	case <-time.After(100 * time.Millisecond):
	}

	// The degraded unsubscribe is a no-op and must tolerate repeat calls.
	cancel()
	cancel()
}

func TestSubscribeAuthenticatedDeliversInitialAndLiveSets(t *testing.T) {
	fixture := newFixture(t)
	repo := fixture.newRepository(t, func(cfg *Config) {
		cfg.Auth = auth.NewStaticProvider(auth.User{ID: "user_1"})
	})

	seed := map[string]any{"name": "Widget", document.FieldTenantID: testTenantID, document.FieldDeleted: false}
	if err := fixture.remote.SetDoc(context.Background(), testCollection, "doc_1", seed, false); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	updates := make(chan []document.Document, 8)
	cancel := repo.Subscribe(context.Background(), func(docs []document.Document) {
		updates <- docs
	})
	defer cancel()

	initial := collectSets(t, updates)
	if len(initial) != 1 || initial[0].ID != "doc_1" {
		t.Fatalf("expected the initial set once the session is ready, got %+v", initial)
	}

	second := map[string]any{"name": "Gadget", document.FieldTenantID: testTenantID, document.FieldDeleted: false}
	if err := fixture.remote.SetDoc(context.Background(), testCollection, "doc_2", second, false); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	for {
		docs := collectSets(t, updates)
		if len(docs) == 2 {
			break
		}
	}
}
