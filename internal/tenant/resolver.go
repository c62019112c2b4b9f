// Package tenant determines the tenant identifier that scopes every read and
// write. Resolution consults several signals in strict priority order and
// never fails: on any lookup error it falls through to the next tier and
// ultimately to the configured default.
package tenant

import (
	"context"
	"errors"
	"time"

	"github.com/haulware/docsync/internal/auth"
	"github.com/haulware/docsync/internal/document"
	"github.com/haulware/docsync/internal/remote"
	"go.uber.org/zap"
)

// Durable setting keys shared with the activation flow.
const (
	// SettingProvisionedTenant marks a freshly provisioned tenant. Set by the
	// external activation flow, consumed here with top priority and cleared by
	// that flow once the session has fully adopted the new tenant.
	SettingProvisionedTenant = "tenant.provisioned_id"
	// SettingCachedTenant is the tenant id cached for the current session.
	SettingCachedTenant = "tenant.cached_id"
)

const (
	defaultProfileCollection = "users"
	defaultDemoTenantID      = "demo_tenant"
	profileLookupTimeout     = 5 * time.Second
)

var errMissingSettings = errors.New("tenant: settings store is required")

// Context is the resolved tenant scope for a repository instance.
type Context struct {
	TenantID string
	UserID   string
}

// Source names the signal that produced a resolution. SourceDefault means no
// definitive signal was available; callers treating resolution as a readiness
// gate may retry in that case.
type Source string

const (
	SourceProvisioned Source = "provisioned"
	SourceLicense     Source = "license"
	SourceCached      Source = "cached"
	SourceAnonymous   Source = "anonymous"
	SourceProfile     Source = "profile"
	SourceUserID      Source = "user_id"
	SourceDefault     Source = "default"
)

// SettingsStore reads durable local settings (the mirror's settings table).
type SettingsStore interface {
	GetSetting(key string) (string, bool, error)
}

// LicenseManager reports the tenant of an active license, when one exists.
type LicenseManager interface {
	ActiveTenantID() (string, bool)
}

// ResolverConfig wires the signals consulted during resolution. Only Settings
// is mandatory; every other signal is optional and skipped when absent.
type ResolverConfig struct {
	Settings SettingsStore
	License  LicenseManager
	Auth     auth.Provider
	// Remote is used to read the user's profile document for its tenant id.
	Remote remote.Store
	// ProfileCollection holds per-user profile documents. Defaults to "users".
	ProfileCollection string
	// SharedDemo controls whether anonymous sessions share the demo tenant or
	// get a private per-user tenant.
	SharedDemo bool
	// DemoTenantID is the shared tenant for anonymous demo sessions.
	DemoTenantID string
	// DefaultTenantID is the final fallback. Defaults to DemoTenantID.
	DefaultTenantID string
	Logger          *zap.Logger
}

// Resolver resolves tenant contexts.
type Resolver struct {
	settings          SettingsStore
	license           LicenseManager
	auth              auth.Provider
	remote            remote.Store
	profileCollection string
	sharedDemo        bool
	demoTenantID      string
	defaultTenantID   string
	logger            *zap.Logger
}

// NewResolver constructs a Resolver.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if cfg.Settings == nil {
		return nil, errMissingSettings
	}
	profileCollection := cfg.ProfileCollection
	if profileCollection == "" {
		profileCollection = defaultProfileCollection
	}
	demoTenantID := cfg.DemoTenantID
	if demoTenantID == "" {
		demoTenantID = defaultDemoTenantID
	}
	defaultTenantID := cfg.DefaultTenantID
	if defaultTenantID == "" {
		defaultTenantID = demoTenantID
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		settings:          cfg.Settings,
		license:           cfg.License,
		auth:              cfg.Auth,
		remote:            cfg.Remote,
		profileCollection: profileCollection,
		sharedDemo:        cfg.SharedDemo,
		demoTenantID:      demoTenantID,
		defaultTenantID:   defaultTenantID,
		logger:            logger,
	}, nil
}

// Resolve determines the active tenant context. First match wins:
// provisioning marker, active license, cached tenant, anonymous policy,
// profile document, user id, configured default. It never fails.
func (r *Resolver) Resolve(ctx context.Context) Context {
	resolved, _ := r.ResolveWithSource(ctx)
	return resolved
}

// ResolveWithSource resolves the tenant context and reports which signal won.
func (r *Resolver) ResolveWithSource(ctx context.Context) (Context, Source) {
	user, hasUser := r.currentUser()

	if tenantID, ok := r.provisionedTenant(); ok {
		return Context{TenantID: tenantID, UserID: user.ID}, SourceProvisioned
	}

	if r.license != nil {
		if tenantID, ok := r.license.ActiveTenantID(); ok && tenantID != "" {
			return Context{TenantID: tenantID, UserID: user.ID}, SourceLicense
		}
	}

	if tenantID, ok := r.cachedTenant(); ok {
		return Context{TenantID: tenantID, UserID: user.ID}, SourceCached
	}

	if hasUser && user.Anonymous {
		if r.sharedDemo {
			return Context{TenantID: r.demoTenantID, UserID: user.ID}, SourceAnonymous
		}
		return Context{TenantID: user.ID, UserID: user.ID}, SourceAnonymous
	}

	if hasUser {
		if tenantID, ok := r.profileTenant(ctx, user.ID); ok {
			return Context{TenantID: tenantID, UserID: user.ID}, SourceProfile
		}
		// The profile lacks a tenant id or could not be read: the user id
		// itself becomes the tenant id.
		return Context{TenantID: user.ID, UserID: user.ID}, SourceUserID
	}

	r.logger.Warn("tenant resolution exhausted all signals, using default",
		zap.String("tenant_id", r.defaultTenantID))
	return Context{TenantID: r.defaultTenantID}, SourceDefault
}

// NeedsReresolve reports whether the provisioning marker disagrees with an
// already resolved context. The marker forces a one-time override even when a
// lower-priority tenant was cached earlier.
func (r *Resolver) NeedsReresolve(current Context) bool {
	tenantID, ok := r.provisionedTenant()
	return ok && tenantID != current.TenantID
}

func (r *Resolver) currentUser() (auth.User, bool) {
	if r.auth == nil {
		return auth.User{}, false
	}
	return r.auth.CurrentUser()
}

func (r *Resolver) provisionedTenant() (string, bool) {
	value, ok, err := r.settings.GetSetting(SettingProvisionedTenant)
	if err != nil {
		r.logger.Warn("provisioned tenant lookup failed", zap.Error(err))
		return "", false
	}
	return value, ok && value != ""
}

func (r *Resolver) cachedTenant() (string, bool) {
	value, ok, err := r.settings.GetSetting(SettingCachedTenant)
	if err != nil {
		r.logger.Warn("cached tenant lookup failed", zap.Error(err))
		return "", false
	}
	return value, ok && value != ""
}

func (r *Resolver) profileTenant(ctx context.Context, userID string) (string, bool) {
	if r.remote == nil {
		return "", false
	}
	lookupCtx, cancel := context.WithTimeout(ctx, profileLookupTimeout)
	defer cancel()

	fields, exists, err := r.remote.GetDoc(lookupCtx, r.profileCollection, userID)
	if err != nil {
		r.logger.Warn("profile tenant lookup failed",
			zap.String("user_id", userID),
			zap.Error(err))
		return "", false
	}
	if !exists {
		return "", false
	}
	tenantID, ok := fields[document.FieldTenantID].(string)
	return tenantID, ok && tenantID != ""
}
