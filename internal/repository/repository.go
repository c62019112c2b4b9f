// Package repository implements the multi-tenant, offline-tolerant document
// repository: every operation consults the quota breaker and write-dedup
// cache before touching the remote store and keeps the local mirror
// consistent as a fallback tier.
package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/haulware/docsync/internal/auth"
	"github.com/haulware/docsync/internal/document"
	"github.com/haulware/docsync/internal/metrics"
	"github.com/haulware/docsync/internal/mirror"
	"github.com/haulware/docsync/internal/remote"
	"github.com/haulware/docsync/internal/tenant"
	"go.uber.org/zap"
)

var (
	errMissingMirror   = fmt.Errorf("mirror store is required")
	errMissingResolver = fmt.Errorf("tenant resolver is required")
	noOpLogger         = zap.NewNop()
)

// Config describes one repository instance bound to a collection. Remote may
// be nil, in which case the repository operates purely on the mirror. The
// dedup cache, quota breaker, and warning throttle are meant to be shared
// process-wide; fresh private instances are created when omitted.
type Config struct {
	Collection   string
	Remote       remote.Store
	Mirror       *mirror.Store
	Resolver     *tenant.Resolver
	Auth         auth.Provider
	Connectivity Connectivity
	DedupCache   *WriteDedupCache
	Quota        *QuotaBreaker
	Warnings     *WarningThrottle
	Metrics      *metrics.Collector

	// RemoteOnly surfaces remote failures instead of downgrading to the
	// mirror.
	RemoteOnly bool
	// PreserveUnsynced keeps pending-sync documents in the mirror when a
	// remote refresh no longer contains them. The default follows the
	// remote-is-authoritative policy: the refresh result fully replaces the
	// mirror, unsynced local writes included.
	PreserveUnsynced bool

	// TenantWait bounds the wait for tenant resolution before a save.
	TenantWait RetryPolicy
	// AuthSettle bounds the wait for the auth subsystem before queries.
	AuthSettle RetryPolicy
	// WatchWait bounds the wait for the remote live-update capability.
	WatchWait RetryPolicy

	// VolatileFields extends the metadata fields ignored when comparing
	// payloads, for caller-specific timestamp field names.
	VolatileFields []string

	Clock  func() time.Time
	Logger *zap.Logger
}

// Repository exposes save/get/getAll/delete/subscribe over one collection.
type Repository struct {
	collection   document.CollectionName
	remote       remote.Store
	mirror       *mirror.Store
	resolver     *tenant.Resolver
	auth         auth.Provider
	connectivity Connectivity
	dedup        *WriteDedupCache
	quota        *QuotaBreaker
	warnings     *WarningThrottle
	metrics      *metrics.Collector

	remoteOnly       bool
	preserveUnsynced bool
	tenantWait       RetryPolicy
	authSettle       RetryPolicy
	watchWait        RetryPolicy
	volatile         []string
	clock            func() time.Time
	logger           *zap.Logger

	mu           sync.Mutex
	tenantCtx    tenant.Context
	tenantSource tenant.Source
	tenantKnown  bool
}

// NewRepository constructs a repository bound to the named collection.
func NewRepository(cfg Config) (*Repository, error) {
	collection, err := document.NewCollectionName(cfg.Collection)
	if err != nil {
		return nil, newRepositoryError(opRepositoryNew, "invalid_collection", err)
	}
	if cfg.Mirror == nil {
		return nil, newRepositoryError(opRepositoryNew, "missing_mirror", errMissingMirror)
	}
	if cfg.Resolver == nil {
		return nil, newRepositoryError(opRepositoryNew, "missing_resolver", errMissingResolver)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	connectivity := cfg.Connectivity
	if connectivity == nil {
		connectivity = AlwaysOnline()
	}
	dedup := cfg.DedupCache
	if dedup == nil {
		dedup = NewWriteDedupCache(WriteDedupCacheConfig{VolatileFields: cfg.VolatileFields, Clock: clock})
	}
	quota := cfg.Quota
	if quota == nil {
		quota = NewQuotaBreaker(QuotaBreakerConfig{Clock: clock, Logger: logger})
	}
	warnings := cfg.Warnings
	if warnings == nil {
		warnings = NewWarningThrottle()
	}

	return &Repository{
		collection:       collection,
		remote:           cfg.Remote,
		mirror:           cfg.Mirror,
		resolver:         cfg.Resolver,
		auth:             cfg.Auth,
		connectivity:     connectivity,
		dedup:            dedup,
		quota:            quota,
		warnings:         warnings,
		metrics:          cfg.Metrics,
		remoteOnly:       cfg.RemoteOnly,
		preserveUnsynced: cfg.PreserveUnsynced,
		tenantWait:       cfg.TenantWait,
		authSettle:       cfg.AuthSettle,
		watchWait:        cfg.WatchWait,
		volatile:         append([]string(nil), cfg.VolatileFields...),
		clock:            clock,
		logger:           logger,
	}, nil
}

// Collection returns the bound collection name.
func (r *Repository) Collection() string {
	return r.collection.String()
}

// Save persists a document. It reports success even when the write was
// downgraded to the local mirror; an error means neither tier accepted it.
func (r *Repository) Save(ctx context.Context, id string, fields map[string]any) (bool, error) {
	docID, err := document.NewID(id)
	if err != nil {
		return false, newRepositoryError(opSave, "invalid_id", err)
	}

	if !r.connectivity.Online() {
		if r.remoteOnly {
			return false, newRepositoryError(opSave, "offline", ErrRemoteUnavailable)
		}
		return r.saveLocally(ctx, docID.String(), fields, true)
	}

	if !r.quota.CanRetry() {
		if r.remoteOnly {
			return false, newRepositoryError(opSave, "quota_exceeded", ErrQuotaExceeded)
		}
		return r.saveLocally(ctx, docID.String(), fields, true)
	}

	if r.remote == nil {
		if r.remoteOnly {
			return false, newRepositoryError(opSave, "remote_missing", ErrRemoteUnavailable)
		}
		return r.saveLocally(ctx, docID.String(), fields, true)
	}

	tenantCtx, settled := r.awaitTenant(ctx)
	if !settled {
		if r.remoteOnly {
			return false, newRepositoryError(opSave, "tenant_unresolved", ErrRemoteUnavailable)
		}
		r.logger.Warn("tenant resolution did not settle, saving to mirror",
			zap.String("collection", r.collection.String()),
			zap.String("document_id", docID.String()))
		return r.saveLocallyAs(docID.String(), fields, tenantCtx, true)
	}

	key := document.Key(r.collection, docID)
	if !r.dedup.ShouldWrite(key, fields) {
		r.metrics.DedupSkip(r.collection.String())
		if err := r.mirrorPut(opSave, docID.String(), fields, tenantCtx); err != nil {
			return false, err
		}
		return true, nil
	}

	// Second, authoritative dedup check against the store itself. A failed
	// read is not fatal; the write proceeds.
	var existingFields map[string]any
	existsRemotely := false
	remoteFields, ok, readErr := r.remote.GetDoc(ctx, r.collection.String(), docID.String())
	if readErr != nil {
		r.logger.Warn("existing document read failed, continuing with write",
			zap.String("collection", r.collection.String()),
			zap.String("document_id", docID.String()),
			zap.Error(readErr))
	} else if ok {
		existingFields = remoteFields
		existsRemotely = true
	}

	// The comparison candidate is what the write would store minus volatile
	// metadata: sanitized payload plus the deleted flag. Comparing the raw
	// caller payload would miss that flag and never match.
	sanitized := document.Sanitize(fields)
	candidate := make(map[string]any, len(sanitized)+1)
	for name, value := range sanitized {
		candidate[name] = value
	}
	candidate[document.FieldDeleted] = false

	forced := document.HasForceUpdate(fields)
	if !forced && existsRemotely && document.Equal(candidate, existingFields, r.volatile...) {
		r.dedup.MarkWritten(key, fields)
		r.metrics.DedupSkip(r.collection.String())
		if err := r.mirrorPut(opSave, docID.String(), fields, tenantCtx); err != nil {
			return false, err
		}
		return true, nil
	}

	doc := document.Document{
		ID:        docID.String(),
		TenantID:  tenantCtx.TenantID,
		UserID:    tenantCtx.UserID,
		Deleted:   false,
		UpdatedAt: r.clock().UTC(),
		Fields:    sanitized,
	}

	if writeErr := r.remote.SetDoc(ctx, r.collection.String(), docID.String(), doc.Flatten(), true); writeErr != nil {
		if r.quota.CheckQuotaExceeded(writeErr) {
			r.metrics.BreakerTrip()
			if r.remoteOnly {
				return false, newRepositoryError(opSave, "quota_exceeded",
					fmt.Errorf("%w: %w", ErrQuotaExceeded, writeErr))
			}
			return r.saveLocallyAs(docID.String(), fields, tenantCtx, true)
		}
		r.logError(opSave, "remote_write_failed", writeErr,
			zap.String("document_id", docID.String()))
		if r.remoteOnly {
			return false, newRepositoryError(opSave, "remote_write_failed", writeErr)
		}
		return r.saveLocallyAs(docID.String(), fields, tenantCtx, true)
	}

	r.metrics.RemoteWrite(r.collection.String())
	r.dedup.MarkWritten(key, fields)
	if err := r.mirror.Put(r.collection.String(), doc); err != nil {
		return false, newRepositoryError(opSave, "mirror_update_failed",
			fmt.Errorf("%w: %w", ErrLocalStorage, err))
	}
	return true, nil
}

// Get returns one document scoped to the resolved tenant. Remote failures
// fall back to the mirror silently.
func (r *Repository) Get(ctx context.Context, id string) (document.Document, bool, error) {
	docID, err := document.NewID(id)
	if err != nil {
		return document.Document{}, false, newRepositoryError(opGet, "invalid_id", err)
	}

	tenantCtx := r.currentTenant(ctx)

	if r.remote == nil || !r.connectivity.Online() {
		if r.remoteOnly {
			return document.Document{}, false, newRepositoryError(opGet, "remote_missing", ErrRemoteUnavailable)
		}
		return r.mirrorGet(docID.String(), tenantCtx)
	}

	fields, exists, readErr := r.remote.GetDoc(ctx, r.collection.String(), docID.String())
	if readErr != nil {
		if remote.IsPermissionDenied(readErr) {
			// Expected before authentication settles.
			r.logger.Debug("permission denied reading document, serving mirror",
				zap.String("collection", r.collection.String()),
				zap.String("document_id", docID.String()))
		} else {
			r.logError(opGet, "remote_read_failed", readErr,
				zap.String("document_id", docID.String()))
		}
		r.metrics.LocalFallback(r.collection.String(), "get")
		return r.mirrorGet(docID.String(), tenantCtx)
	}
	if !exists {
		return document.Document{}, false, nil
	}

	doc := document.FromFields(docID.String(), fields)
	if doc.TenantID != tenantCtx.TenantID || doc.Deleted {
		return document.Document{}, false, nil
	}
	return doc, true, nil
}

// GetAllOptions tunes a GetAll call.
type GetAllOptions struct {
	// Limit caps the number of returned documents. Non-positive means no
	// ceiling.
	Limit int
}

// GetAll returns every visible document for the resolved tenant. A
// successful remote fetch becomes the mirror's new ground truth; on remote
// failure the mirror is served instead.
func (r *Repository) GetAll(ctx context.Context, opts GetAllOptions) ([]document.Document, error) {
	tenantCtx := r.currentTenant(ctx)

	if r.remote == nil || !r.connectivity.Online() {
		if r.remoteOnly && r.remote == nil {
			return nil, newRepositoryError(opGetAll, "remote_missing", ErrRemoteUnavailable)
		}
		r.metrics.LocalFallback(r.collection.String(), "get_all")
		return r.mirrorGetAll(tenantCtx, opts.Limit)
	}

	if !r.awaitAuth(ctx) {
		if r.warnings.ShouldWarn(NoAuthWarningPrefix + "-getall-" + r.collection.String()) {
			r.logger.Debug("user not authenticated, serving mirror",
				zap.String("collection", r.collection.String()))
		}
		r.metrics.LocalFallback(r.collection.String(), "get_all")
		return r.mirrorGetAll(tenantCtx, opts.Limit)
	}
	r.warnings.ObserveAuthenticated()

	// The remote query is deliberately not tenant-scoped; tenant filtering
	// happens client-side below and is a hard invariant.
	filters := []remote.Filter{{Field: document.FieldDeleted, Op: remote.OperatorEquals, Value: false}}
	snapshots, queryErr := r.remote.GetDocs(ctx, r.collection.String(), filters, opts.Limit)
	if queryErr != nil {
		if remote.IsPermissionDenied(queryErr) {
			r.logger.Debug("permission denied querying collection, serving mirror",
				zap.String("collection", r.collection.String()))
		} else {
			r.logError(opGetAll, "remote_query_failed", queryErr)
		}
		r.metrics.LocalFallback(r.collection.String(), "get_all")
		return r.mirrorGetAll(tenantCtx, opts.Limit)
	}

	docs := r.filterSnapshots(snapshots, tenantCtx)
	if err := r.mirror.ReplaceAll(r.collection.String(), docs, r.preserveUnsynced); err != nil {
		return nil, newRepositoryError(opGetAll, "mirror_replace_failed",
			fmt.Errorf("%w: %w", ErrLocalStorage, err))
	}
	return docs, nil
}

// Delete removes a document. The mirror entry goes first so a stale copy is
// never re-served; the local removal stands even when every remote attempt
// fails.
func (r *Repository) Delete(ctx context.Context, id string) (bool, error) {
	docID, err := document.NewID(id)
	if err != nil {
		return false, newRepositoryError(opDelete, "invalid_id", err)
	}

	if err := r.mirror.Remove(r.collection.String(), docID.String()); err != nil {
		return false, newRepositoryError(opDelete, "local_remove_failed",
			fmt.Errorf("%w: %w", ErrLocalStorage, err))
	}
	// A later save of the same payload must reach the remote store again.
	r.dedup.Forget(document.Key(r.collection, docID))

	if r.remote == nil || !r.connectivity.Online() {
		return true, nil
	}

	if deleteErr := r.remote.DeleteDoc(ctx, r.collection.String(), docID.String()); deleteErr != nil {
		r.softDeleteFallback(ctx, docID.String(), deleteErr)
		return true, nil
	}
	r.metrics.RemoteDelete(r.collection.String())

	// Verify once and retry if the document survived the delete.
	if _, stillExists, verifyErr := r.remote.GetDoc(ctx, r.collection.String(), docID.String()); verifyErr == nil && stillExists {
		if retryErr := r.remote.DeleteDoc(ctx, r.collection.String(), docID.String()); retryErr != nil {
			r.logger.Warn("document survived remote delete",
				zap.String("collection", r.collection.String()),
				zap.String("document_id", docID.String()),
				zap.Error(retryErr))
		}
	}
	return true, nil
}

// PendingSync lists document ids awaiting an eventual remote write. The list
// is informational: draining it belongs to an external process.
func (r *Repository) PendingSync() ([]string, error) {
	ids, err := r.mirror.PendingSync(r.collection.String())
	if err != nil {
		return nil, newRepositoryError(opGetAll, "pending_read_failed",
			fmt.Errorf("%w: %w", ErrLocalStorage, err))
	}
	return ids, nil
}

// QuotaStatus reports the shared circuit breaker state.
func (r *Repository) QuotaStatus() QuotaStatus {
	return r.quota.Status()
}

func (r *Repository) saveLocally(ctx context.Context, id string, fields map[string]any, markPending bool) (bool, error) {
	return r.saveLocallyAs(id, fields, r.currentTenant(ctx), markPending)
}

func (r *Repository) saveLocallyAs(id string, fields map[string]any, tenantCtx tenant.Context, markPending bool) (bool, error) {
	r.metrics.LocalFallback(r.collection.String(), "save")
	if err := r.mirrorPut(opSave, id, fields, tenantCtx); err != nil {
		return false, err
	}
	if markPending {
		if err := r.mirror.MarkPendingSync(r.collection.String(), id); err != nil {
			r.logger.Warn("pending-sync mark failed",
				zap.String("collection", r.collection.String()),
				zap.String("document_id", id),
				zap.Error(err))
		}
	}
	return true, nil
}

func (r *Repository) mirrorPut(operation, id string, fields map[string]any, tenantCtx tenant.Context) error {
	doc := document.Document{
		ID:        id,
		TenantID:  tenantCtx.TenantID,
		UserID:    tenantCtx.UserID,
		Deleted:   false,
		UpdatedAt: r.clock().UTC(),
		Fields:    document.Sanitize(fields),
	}
	if err := r.mirror.Put(r.collection.String(), doc); err != nil {
		return newRepositoryError(operation, "local_write_failed",
			fmt.Errorf("%w: %w", ErrLocalStorage, err))
	}
	return nil
}

func (r *Repository) mirrorGet(id string, tenantCtx tenant.Context) (document.Document, bool, error) {
	doc, exists, err := r.mirror.Get(r.collection.String(), id)
	if err != nil {
		return document.Document{}, false, newRepositoryError(opGet, "local_read_failed",
			fmt.Errorf("%w: %w", ErrLocalStorage, err))
	}
	if !exists || doc.TenantID != tenantCtx.TenantID {
		return document.Document{}, false, nil
	}
	return doc, true, nil
}

func (r *Repository) mirrorGetAll(tenantCtx tenant.Context, limit int) ([]document.Document, error) {
	docs, err := r.mirror.GetAll(r.collection.String(), tenantCtx.TenantID, limit)
	if err != nil {
		return nil, newRepositoryError(opGetAll, "local_read_failed",
			fmt.Errorf("%w: %w", ErrLocalStorage, err))
	}
	return docs, nil
}

func (r *Repository) filterSnapshots(snapshots []remote.Snapshot, tenantCtx tenant.Context) []document.Document {
	docs := make([]document.Document, 0, len(snapshots))
	for _, snapshot := range snapshots {
		doc := document.FromFields(snapshot.ID, snapshot.Fields)
		if doc.TenantID != tenantCtx.TenantID || doc.Deleted {
			continue
		}
		docs = append(docs, doc)
	}
	return docs
}

func (r *Repository) softDeleteFallback(ctx context.Context, id string, cause error) {
	now := r.clock().UTC().Format(time.RFC3339Nano)
	soft := map[string]any{
		document.FieldDeleted:   true,
		document.FieldDeletedAt: now,
		document.FieldUpdatedAt: now,
	}
	if softErr := r.remote.SetDoc(ctx, r.collection.String(), id, soft, true); softErr != nil {
		r.logger.Warn("remote delete and soft-delete both failed, local removal stands",
			zap.String("collection", r.collection.String()),
			zap.String("document_id", id),
			zap.NamedError("delete_error", cause),
			zap.NamedError("soft_delete_error", softErr))
		return
	}
	r.logger.Info("document soft-deleted remotely after hard delete failed",
		zap.String("collection", r.collection.String()),
		zap.String("document_id", id))
}

// awaitTenant waits, bounded by the TenantWait policy, for tenant resolution
// to settle on a definitive signal. When the wait is exhausted, the last
// (default) resolution is returned with settled=false.
func (r *Repository) awaitTenant(ctx context.Context) (tenant.Context, bool) {
	if cached, ok := r.cachedTenant(); ok {
		return cached, true
	}

	var resolved tenant.Context
	var source tenant.Source
	settled := r.tenantWait.Poll(ctx, func() bool {
		resolved, source = r.resolver.ResolveWithSource(ctx)
		return source != tenant.SourceDefault
	})
	r.storeTenant(resolved, source)
	return resolved, settled
}

// currentTenant resolves without the long wait: reads return whatever scope
// is available right now.
func (r *Repository) currentTenant(ctx context.Context) tenant.Context {
	if cached, ok := r.cachedTenant(); ok {
		return cached
	}
	resolved, source := r.resolver.ResolveWithSource(ctx)
	r.storeTenant(resolved, source)
	return resolved
}

func (r *Repository) cachedTenant() (tenant.Context, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.tenantKnown || r.tenantSource == tenant.SourceDefault {
		return tenant.Context{}, false
	}
	if r.resolver.NeedsReresolve(r.tenantCtx) {
		r.tenantKnown = false
		return tenant.Context{}, false
	}
	return r.tenantCtx, true
}

func (r *Repository) storeTenant(resolved tenant.Context, source tenant.Source) {
	if source == tenant.SourceDefault {
		// Never pin the default: later calls should retry the real signals.
		return
	}
	r.mu.Lock()
	r.tenantCtx = resolved
	r.tenantSource = source
	r.tenantKnown = true
	r.mu.Unlock()
}

// awaitAuth waits, bounded by the AuthSettle policy's budget, for the auth
// subsystem to settle with a signed-in user. A deployment without an auth
// provider is not gated.
func (r *Repository) awaitAuth(ctx context.Context) bool {
	if r.auth == nil {
		return true
	}
	if _, ok := r.auth.CurrentUser(); ok {
		return true
	}
	policy := r.authSettle.normalized()
	waitCtx, cancelWait := context.WithTimeout(ctx, time.Duration(policy.MaxAttempts)*policy.Interval)
	defer cancelWait()
	_, ok, err := r.auth.AwaitReady(waitCtx)
	return err == nil && ok
}

func (r *Repository) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("collection", r.collection.String()),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	r.logger.Error("repository error", attrs...)
}
