package repository

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/haulware/docsync/internal/document"
	"github.com/haulware/docsync/internal/remote"
	"github.com/haulware/docsync/internal/tenant"
	"go.uber.org/zap"
)

// subscriptionState tracks the handshake of a live subscription.
type subscriptionState string

const (
	stateInit                 subscriptionState = "INIT"
	stateWaitingForCapability subscriptionState = "WAITING_FOR_CAPABILITY"
	stateWaitingForAuth       subscriptionState = "WAITING_FOR_AUTH"
	stateSubscribed           subscriptionState = "SUBSCRIBED"
	stateLocalFallback        subscriptionState = "LOCAL_FALLBACK"
)

// Subscribe delivers the tenant's visible documents to callback: an initial
// set, then one set per remote change. When the remote store cannot serve a
// live stream the mirror contents are delivered once and the subscription
// ends in local fallback. The returned function cancels the subscription and
// is always safe to call, including more than once.
func (r *Repository) Subscribe(ctx context.Context, callback func([]document.Document)) func() {
	state := stateInit
	tenantCtx := r.currentTenant(ctx)

	if r.remote == nil || !r.connectivity.Online() {
		r.logSubscriptionState(state, stateLocalFallback, "remote unavailable")
		r.serveMirrorOnce(tenantCtx, callback)
		return func() {}
	}

	filters := []remote.Filter{
		{Field: document.FieldTenantID, Op: remote.OperatorEquals, Value: tenantCtx.TenantID},
		{Field: document.FieldDeleted, Op: remote.OperatorEquals, Value: false},
	}

	var fallbackOnce sync.Once
	deliver := func(snapshots []remote.Snapshot) {
		docs := r.filterSnapshots(snapshots, tenantCtx)
		if err := r.mirror.ReplaceAll(r.collection.String(), docs, r.preserveUnsynced); err != nil {
			r.logger.Warn("mirror refresh from live update failed",
				zap.String("collection", r.collection.String()),
				zap.Error(err))
		}
		r.metrics.RealtimeEvent(r.collection.String())
		callback(docs)
	}

	// Live events can start arriving before auth settles; only the latest set
	// matters because every event carries the full set.
	var gateMu sync.Mutex
	gateOpen := false
	var held []remote.Snapshot
	holding := false
	onNext := func(snapshots []remote.Snapshot) {
		gateMu.Lock()
		if !gateOpen {
			held = snapshots
			holding = true
			gateMu.Unlock()
			return
		}
		gateMu.Unlock()
		deliver(snapshots)
	}
	onError := func(streamErr error) {
		if remote.IsPermissionDenied(streamErr) {
			r.logger.Debug("subscription permission denied, serving mirror",
				zap.String("collection", r.collection.String()))
			fallbackOnce.Do(func() { r.serveMirrorOnce(tenantCtx, callback) })
			return
		}
		r.logError(opSubscribe, "stream_error", streamErr)
	}

	state = r.logSubscriptionState(state, stateWaitingForCapability, "")
	cancel, watchErr := r.watchWithRetry(ctx, filters, onNext, onError)
	if watchErr != nil {
		if errors.Is(watchErr, remote.ErrWatchUnsupported) {
			// No live capability: a one-shot fetch still gives the caller a
			// current set before the subscription degrades. GetAll applies
			// the auth gate itself.
			r.logSubscriptionState(state, stateLocalFallback, "live updates unsupported")
			docs, fetchErr := r.GetAll(ctx, GetAllOptions{})
			if fetchErr != nil {
				r.logError(opSubscribe, "one_shot_fetch_failed", fetchErr)
				r.serveMirrorOnce(tenantCtx, callback)
				return func() {}
			}
			callback(docs)
			return func() {}
		}
		r.logError(opSubscribe, "watch_failed", watchErr)
		r.logSubscriptionState(state, stateLocalFallback, "watch failed")
		r.serveMirrorOnce(tenantCtx, callback)
		return func() {}
	}

	state = r.logSubscriptionState(state, stateWaitingForAuth, "")
	if !r.awaitAuth(ctx) {
		cancel()
		if r.warnings.ShouldWarn(NoAuthWarningPrefix + "-subscribe-" + r.collection.String()) {
			r.logger.Debug("user not authenticated, subscription serves mirror",
				zap.String("collection", r.collection.String()))
		}
		r.logSubscriptionState(state, stateLocalFallback, "no authenticated session")
		r.serveMirrorOnce(tenantCtx, callback)
		return func() {}
	}
	r.warnings.ObserveAuthenticated()

	gateMu.Lock()
	gateOpen = true
	initial := held
	hasInitial := holding
	held = nil
	gateMu.Unlock()
	if hasInitial {
		deliver(initial)
	}

	r.logSubscriptionState(state, stateSubscribed, "")
	var unsubscribeOnce sync.Once
	return func() {
		unsubscribeOnce.Do(cancel)
	}
}

// watchWithRetry attempts the remote watch, retrying on ErrWatchUnsupported
// under the WatchWait policy. The capability can appear late, after the
// remote connection finishes its own bootstrap.
func (r *Repository) watchWithRetry(ctx context.Context, filters []remote.Filter, onNext func([]remote.Snapshot), onError func(error)) (func(), error) {
	policy := r.watchWait.normalized()
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		cancel, err := r.remote.Watch(ctx, r.collection.String(), filters, onNext, onError)
		if err == nil {
			return cancel, nil
		}
		lastErr = err
		if !errors.Is(err, remote.ErrWatchUnsupported) {
			return nil, err
		}
		if attempt == policy.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, lastErr
		case <-time.After(policy.Interval):
		}
	}
	return nil, lastErr
}

func (r *Repository) serveMirrorOnce(tenantCtx tenant.Context, callback func([]document.Document)) {
	r.metrics.LocalFallback(r.collection.String(), "subscribe")
	docs, err := r.mirrorGetAll(tenantCtx, 0)
	if err != nil {
		r.logError(opSubscribe, "local_read_failed", err)
		return
	}
	callback(docs)
}

func (r *Repository) logSubscriptionState(from, to subscriptionState, reason string) subscriptionState {
	fields := []zap.Field{
		zap.String("collection", r.collection.String()),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	}
	if reason != "" {
		fields = append(fields, zap.String("reason", reason))
	}
	r.logger.Debug("subscription state change", fields...)
	return to
}
