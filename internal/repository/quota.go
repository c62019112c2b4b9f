package repository

import (
	"math"
	"sync"
	"time"

	"github.com/haulware/docsync/internal/remote"
	"go.uber.org/zap"
)

const defaultQuotaCooldown = 5 * time.Minute

// QuotaBreakerConfig configures the circuit breaker.
type QuotaBreakerConfig struct {
	Cooldown time.Duration
	Clock    func() time.Time
	Logger   *zap.Logger
}

// QuotaBreaker suspends remote writes for a cooldown window after the remote
// store reports quota exhaustion. The breaker closes lazily: the first
// CanRetry call after the cooldown elapses resets it, no background timer is
// involved. One breaker is shared process-wide, so a quota trip on one
// collection suspends remote writes for all collections.
type QuotaBreaker struct {
	mu         sync.Mutex
	exceeded   bool
	lastError  time.Time
	retryAfter time.Time
	cooldown   time.Duration
	clock      func() time.Time
	logger     *zap.Logger
}

// QuotaStatus is a point-in-time snapshot of the breaker.
type QuotaStatus struct {
	Exceeded         bool       `json:"exceeded"`
	LastError        *time.Time `json:"last_error,omitempty"`
	RetryAfter       *time.Time `json:"retry_after,omitempty"`
	MinutesRemaining int        `json:"minutes_remaining"`
	CanRetry         bool       `json:"can_retry"`
}

// NewQuotaBreaker constructs a closed breaker.
func NewQuotaBreaker(cfg QuotaBreakerConfig) *QuotaBreaker {
	cooldown := cfg.Cooldown
	if cooldown <= 0 {
		cooldown = defaultQuotaCooldown
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QuotaBreaker{cooldown: cooldown, clock: clock, logger: logger}
}

// CheckQuotaExceeded classifies the error and, when it signals quota
// exhaustion, opens the breaker and records the retry deadline. It reports
// whether the error was quota-related.
func (b *QuotaBreaker) CheckQuotaExceeded(err error) bool {
	if !remote.IsQuotaExceeded(err) {
		return false
	}

	b.mu.Lock()
	now := b.clock()
	b.exceeded = true
	b.lastError = now
	b.retryAfter = now.Add(b.cooldown)
	retryAfter := b.retryAfter
	b.mu.Unlock()

	b.logger.Warn("remote quota exceeded, suspending remote writes",
		zap.Time("retry_after", retryAfter),
		zap.Duration("cooldown", b.cooldown))
	return true
}

// CanRetry reports whether remote writes are currently allowed. The first
// call after the cooldown elapses closes the breaker.
func (b *QuotaBreaker) CanRetry() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.exceeded {
		return true
	}
	if b.clock().After(b.retryAfter) {
		b.exceeded = false
		b.retryAfter = time.Time{}
		return true
	}
	return false
}

// Reset force-closes the breaker.
func (b *QuotaBreaker) Reset() {
	b.mu.Lock()
	b.exceeded = false
	b.lastError = time.Time{}
	b.retryAfter = time.Time{}
	b.mu.Unlock()
}

// Status returns a snapshot for diagnostics and the status endpoint.
func (b *QuotaBreaker) Status() QuotaStatus {
	b.mu.Lock()
	exceeded := b.exceeded
	lastError := b.lastError
	retryAfter := b.retryAfter
	now := b.clock()
	b.mu.Unlock()

	status := QuotaStatus{Exceeded: exceeded}
	if !lastError.IsZero() {
		errorAt := lastError
		status.LastError = &errorAt
	}
	if exceeded && !retryAfter.IsZero() {
		deadline := retryAfter
		status.RetryAfter = &deadline
		// Zero once the cooldown has elapsed, even before a CanRetry call
		// closes the breaker.
		if now.Before(retryAfter) {
			status.MinutesRemaining = int(math.Ceil(retryAfter.Sub(now).Minutes()))
		}
	}
	status.CanRetry = !exceeded || now.After(retryAfter)
	return status
}
