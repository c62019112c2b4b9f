package repository

import (
	"strings"
	"sync"
)

// NoAuthWarningPrefix groups warning keys that only apply while the session
// is unauthenticated.
const NoAuthWarningPrefix = "no-auth"

// WarningThrottle rate-limits repeated diagnostic warnings: each key fires at
// most once until Reset. Purely a log-noise reducer with no effect on
// correctness.
type WarningThrottle struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewWarningThrottle constructs an empty throttle.
func NewWarningThrottle() *WarningThrottle {
	return &WarningThrottle{seen: make(map[string]struct{})}
}

// ShouldWarn reports true only the first time a key is seen.
func (t *WarningThrottle) ShouldWarn(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.seen[key]; ok {
		return false
	}
	t.seen[key] = struct{}{}
	return true
}

// Reset forgets every key.
func (t *WarningThrottle) Reset() {
	t.mu.Lock()
	t.seen = make(map[string]struct{})
	t.mu.Unlock()
}

// ObserveAuthenticated clears the no-auth keys: once a user is signed in,
// those warnings describe a condition that no longer applies and may fire
// again if it returns.
func (t *WarningThrottle) ObserveAuthenticated() {
	t.mu.Lock()
	for key := range t.seen {
		if strings.HasPrefix(key, NoAuthWarningPrefix) {
			delete(t.seen, key)
		}
	}
	t.mu.Unlock()
}
