package repository

import (
	"sync"
	"time"

	"github.com/haulware/docsync/internal/auth"
	"github.com/haulware/docsync/internal/metrics"
	"github.com/haulware/docsync/internal/mirror"
	"github.com/haulware/docsync/internal/remote"
	"github.com/haulware/docsync/internal/tenant"
	"go.uber.org/zap"
)

// ManagerConfig carries the shared infrastructure every per-collection
// repository is built from.
type ManagerConfig struct {
	Remote       remote.Store
	Mirror       *mirror.Store
	Resolver     *tenant.Resolver
	Auth         auth.Provider
	Connectivity Connectivity
	Metrics      *metrics.Collector

	RemoteOnly       bool
	PreserveUnsynced bool

	DedupTTL        time.Duration
	DedupMaxEntries int
	QuotaCooldown   time.Duration

	TenantWait RetryPolicy
	AuthSettle RetryPolicy
	WatchWait  RetryPolicy

	VolatileFields []string

	Clock  func() time.Time
	Logger *zap.Logger
}

// Manager hands out one repository per collection. All repositories share
// the same dedup cache, quota breaker, and warning throttle, matching their
// process-wide scope.
type Manager struct {
	cfg      ManagerConfig
	dedup    *WriteDedupCache
	quota    *QuotaBreaker
	warnings *WarningThrottle

	mu           sync.Mutex
	repositories map[string]*Repository
}

// NewManager validates the shared infrastructure and constructs the
// singletons.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Mirror == nil {
		return nil, newRepositoryError(opManagerNew, "missing_mirror", errMissingMirror)
	}
	if cfg.Resolver == nil {
		return nil, newRepositoryError(opManagerNew, "missing_resolver", errMissingResolver)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	cfg.Clock = clock
	cfg.Logger = logger

	return &Manager{
		cfg: cfg,
		dedup: NewWriteDedupCache(WriteDedupCacheConfig{
			TTL:            cfg.DedupTTL,
			MaxEntries:     cfg.DedupMaxEntries,
			VolatileFields: cfg.VolatileFields,
			Clock:          clock,
		}),
		quota: NewQuotaBreaker(QuotaBreakerConfig{
			Cooldown: cfg.QuotaCooldown,
			Clock:    clock,
			Logger:   logger,
		}),
		warnings:     NewWarningThrottle(),
		repositories: make(map[string]*Repository),
	}, nil
}

// Repository returns the repository for a collection, constructing it on
// first use.
func (m *Manager) Repository(collection string) (*Repository, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if repo, ok := m.repositories[collection]; ok {
		return repo, nil
	}

	repo, err := NewRepository(Config{
		Collection:       collection,
		Remote:           m.cfg.Remote,
		Mirror:           m.cfg.Mirror,
		Resolver:         m.cfg.Resolver,
		Auth:             m.cfg.Auth,
		Connectivity:     m.cfg.Connectivity,
		DedupCache:       m.dedup,
		Quota:            m.quota,
		Warnings:         m.warnings,
		Metrics:          m.cfg.Metrics,
		RemoteOnly:       m.cfg.RemoteOnly,
		PreserveUnsynced: m.cfg.PreserveUnsynced,
		TenantWait:       m.cfg.TenantWait,
		AuthSettle:       m.cfg.AuthSettle,
		WatchWait:        m.cfg.WatchWait,
		VolatileFields:   m.cfg.VolatileFields,
		Clock:            m.cfg.Clock,
		Logger:           m.cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	m.repositories[collection] = repo
	return repo, nil
}

// QuotaStatus reports the shared breaker state.
func (m *Manager) QuotaStatus() QuotaStatus {
	return m.quota.Status()
}

// ResetQuota force-closes the shared breaker.
func (m *Manager) ResetQuota() {
	m.quota.Reset()
}

// Collections lists the collections with a constructed repository.
func (m *Manager) Collections() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.repositories))
	for name := range m.repositories {
		names = append(names, name)
	}
	return names
}
