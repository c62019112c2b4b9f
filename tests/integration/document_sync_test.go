package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/haulware/docsync/internal/auth"
	"github.com/haulware/docsync/internal/database"
	"github.com/haulware/docsync/internal/document"
	"github.com/haulware/docsync/internal/metrics"
	"github.com/haulware/docsync/internal/mirror"
	"github.com/haulware/docsync/internal/remote"
	"github.com/haulware/docsync/internal/remote/memorystore"
	"github.com/haulware/docsync/internal/repository"
	"github.com/haulware/docsync/internal/server"
	"github.com/haulware/docsync/internal/tenant"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	integrationTenant = "tenant_it"
	integrationSecret = "integration-secret"
)

type integrationStack struct {
	handler http.Handler
	remote  *memorystore.Store
	mirror  *mirror.Store
	manager *repository.Manager
}

func newStack(t *testing.T) *integrationStack {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "mirror.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open mirror database: %v", err)
	}
	mirrorStore, err := mirror.NewStore(mirror.StoreConfig{Database: db, Clock: time.Now, Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("failed to create mirror store: %v", err)
	}
	if err := mirrorStore.PutSetting(tenant.SettingCachedTenant, integrationTenant); err != nil {
		t.Fatalf("failed to seed cached tenant: %v", err)
	}
	resolver, err := tenant.NewResolver(tenant.ResolverConfig{Settings: mirrorStore, Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("failed to create resolver: %v", err)
	}

	remoteStore := memorystore.New()
	registry := prometheus.NewRegistry()
	manager, err := repository.NewManager(repository.ManagerConfig{
		Remote:   remoteStore,
		Mirror:   mirrorStore,
		Resolver: resolver,
		Metrics:  metrics.NewCollector(registry),
		Logger:   zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}

	tokens := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(integrationSecret),
		Issuer:        "docsync-integration",
		Audience:      "docsync-api",
		TokenTTL:      time.Hour,
	})
	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager: tokens,
		Manager:      manager,
		Gatherer:     registry,
		Logger:       zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to create handler: %v", err)
	}

	return &integrationStack{
		handler: handler,
		remote:  remoteStore,
		mirror:  mirrorStore,
		manager: manager,
	}
}

func (s *integrationStack) token(t *testing.T) string {
	t.Helper()
	request := httptest.NewRequest(http.MethodPost, "/auth/session", bytes.NewBufferString(`{"user_id":"user_it"}`))
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("session issuance failed: %d %s", recorder.Code, recorder.Body.String())
	}
	var payload struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode token response: %v", err)
	}
	return payload.AccessToken
}

func (s *integrationStack) request(t *testing.T, method, path, token string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	request := httptest.NewRequest(method, path, bytes.NewReader(body))
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+token)
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

// Saving the same payload repeatedly must write once remotely while every
// call reports success.
func TestRepeatedSaveIsIdempotentRemotely(t *testing.T) {
	stack := newStack(t)
	token := stack.token(t)

	payload := []byte(`{"name":"Widget","price":12.5}`)
	for i := 0; i < 3; i++ {
		recorder := stack.request(t, http.MethodPut, "/collections/products/documents/doc_1", token, payload)
		if recorder.Code != http.StatusOK {
			t.Fatalf("save %d failed: %d %s", i, recorder.Code, recorder.Body.String())
		}
	}
	if stack.remote.SetCalls() != 1 {
		t.Fatalf("expected exactly one remote write, got %d", stack.remote.SetCalls())
	}
}

// Quota exhaustion on one collection suspends remote writes on all
// collections while the documents keep landing in the mirror.
func TestQuotaBackpressureAcrossCollections(t *testing.T) {
	stack := newStack(t)
	token := stack.token(t)

	stack.remote.FailNextWrites(remote.NewStoreError(remote.CodeResourceExhausted, "write rejected", nil))
	recorder := stack.request(t, http.MethodPut, "/collections/products/documents/doc_1", token, []byte(`{"name":"Widget"}`))
	if recorder.Code != http.StatusOK {
		t.Fatalf("quota save should degrade, got %d %s", recorder.Code, recorder.Body.String())
	}
	writesAfterTrip := stack.remote.SetCalls()

	stack.remote.FailNextWrites(nil)
	recorder = stack.request(t, http.MethodPut, "/collections/invoices/documents/doc_2", token, []byte(`{"total":10}`))
	if recorder.Code != http.StatusOK {
		t.Fatalf("degraded save failed: %d %s", recorder.Code, recorder.Body.String())
	}
	if stack.remote.SetCalls() != writesAfterTrip {
		t.Fatalf("expected the open breaker to suppress writes on every collection")
	}

	if !stack.manager.QuotaStatus().Exceeded {
		t.Fatalf("expected the shared breaker to be open")
	}
	if _, exists, _ := stack.mirror.Get("invoices", "doc_2"); !exists {
		t.Fatalf("expected the degraded write to land in the mirror")
	}
	pending := stack.request(t, http.MethodGet, "/collections/invoices/pending-sync", token, nil)
	if pending.Code != http.StatusOK || !bytes.Contains(pending.Body.Bytes(), []byte("doc_2")) {
		t.Fatalf("expected doc_2 pending sync, got %s", pending.Body.String())
	}
}

// A successful collection fetch becomes the mirror's new ground truth:
// rows the remote no longer has are evicted.
func TestCollectionRefreshReplacesMirror(t *testing.T) {
	stack := newStack(t)
	token := stack.token(t)

	stale := document.Document{ID: "doc_stale", TenantID: integrationTenant, Fields: map[string]any{"name": "Old"}}
	if err := stack.mirror.Put("products", stale); err != nil {
		t.Fatalf("mirror seed failed: %v", err)
	}
	recorder := stack.request(t, http.MethodPut, "/collections/products/documents/doc_live", token, []byte(`{"name":"Live"}`))
	if recorder.Code != http.StatusOK {
		t.Fatalf("save failed: %d", recorder.Code)
	}

	recorder = stack.request(t, http.MethodGet, "/collections/products/documents", token, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("fetch failed: %d %s", recorder.Code, recorder.Body.String())
	}
	var listing struct {
		Documents []struct {
			ID string `json:"id"`
		} `json:"documents"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &listing); err != nil {
		t.Fatalf("failed to decode listing: %v", err)
	}
	if len(listing.Documents) != 1 || listing.Documents[0].ID != "doc_live" {
		t.Fatalf("expected only the live document, got %+v", listing.Documents)
	}
	if _, exists, _ := stack.mirror.Get("products", "doc_stale"); exists {
		t.Fatalf("expected the stale mirror row to be evicted")
	}
}

// Deletion is locally authoritative: the mirror row goes first and stays
// gone even when the remote delete keeps failing.
func TestDeleteDurableAgainstRemoteFailures(t *testing.T) {
	stack := newStack(t)
	token := stack.token(t)

	recorder := stack.request(t, http.MethodPut, "/collections/products/documents/doc_1", token, []byte(`{"name":"Widget"}`))
	if recorder.Code != http.StatusOK {
		t.Fatalf("save failed: %d", recorder.Code)
	}

	stack.remote.FailNextDeletes(remote.NewStoreError(remote.CodeUnavailable, "delete failed", nil))
	recorder = stack.request(t, http.MethodDelete, "/collections/products/documents/doc_1", token, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("delete failed: %d %s", recorder.Code, recorder.Body.String())
	}

	if _, exists, _ := stack.mirror.Get("products", "doc_1"); exists {
		t.Fatalf("expected local removal despite remote failure")
	}
	// The remote copy was soft-deleted instead.
	recorder = stack.request(t, http.MethodGet, "/collections/products/documents/doc_1", token, nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected the document to stay deleted, got %d", recorder.Code)
	}
}

// Documents of another tenant never surface, regardless of the serving tier.
func TestTenantIsolationAcrossTiers(t *testing.T) {
	stack := newStack(t)
	token := stack.token(t)

	foreign := map[string]any{
		"name":                 "Foreign",
		document.FieldTenantID: "tenant_other",
		document.FieldDeleted:  false,
	}
	if err := stack.remote.SetDoc(context.Background(), "products", "doc_foreign", foreign, false); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	recorder := stack.request(t, http.MethodGet, "/collections/products/documents/doc_foreign", token, nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected other tenant's document to be invisible, got %d", recorder.Code)
	}

	recorder = stack.request(t, http.MethodGet, "/collections/products/documents", token, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("fetch failed: %d", recorder.Code)
	}
	if bytes.Contains(recorder.Body.Bytes(), []byte("doc_foreign")) {
		t.Fatalf("expected listing to exclude foreign documents: %s", recorder.Body.String())
	}
}

// Metrics exposition carries the repository counters.
func TestMetricsEndpointExposesCounters(t *testing.T) {
	stack := newStack(t)
	token := stack.token(t)

	recorder := stack.request(t, http.MethodPut, "/collections/products/documents/doc_1", token, []byte(`{"name":"Widget"}`))
	if recorder.Code != http.StatusOK {
		t.Fatalf("save failed: %d", recorder.Code)
	}

	metricsReq := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	metricsRec := httptest.NewRecorder()
	stack.handler.ServeHTTP(metricsRec, metricsReq)
	if metricsRec.Code != http.StatusOK {
		t.Fatalf("metrics endpoint failed: %d", metricsRec.Code)
	}
	if !bytes.Contains(metricsRec.Body.Bytes(), []byte("docsync_remote_writes_total")) {
		t.Fatalf("expected remote write counter in exposition:\n%s", metricsRec.Body.String())
	}
}
