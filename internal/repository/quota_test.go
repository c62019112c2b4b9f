package repository

import (
	"errors"
	"testing"
	"time"

	"github.com/haulware/docsync/internal/remote"
)

func TestQuotaBreakerOpensOnResourceExhausted(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	breaker := NewQuotaBreaker(QuotaBreakerConfig{Clock: func() time.Time { return now }})

	if !breaker.CanRetry() {
		t.Fatalf("expected a fresh breaker to allow writes")
	}

	quotaErr := remote.NewStoreError(remote.CodeResourceExhausted, "write rejected", nil)
	if !breaker.CheckQuotaExceeded(quotaErr) {
		t.Fatalf("expected resource-exhausted error to be classified as quota")
	}
	if breaker.CanRetry() {
		t.Fatalf("expected open breaker to refuse writes")
	}
}

func TestQuotaBreakerMatchesQuotaSubstring(t *testing.T) {
	breaker := NewQuotaBreaker(QuotaBreakerConfig{})
	if !breaker.CheckQuotaExceeded(errors.New("Quota exceeded for project")) {
		t.Fatalf("expected quota substring to be classified as quota")
	}
	if breaker.CheckQuotaExceeded(errors.New("connection reset by peer")) {
		t.Fatalf("expected unrelated error to not trip the breaker")
	}
}

func TestQuotaBreakerClosesLazilyAfterCooldown(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	breaker := NewQuotaBreaker(QuotaBreakerConfig{Clock: func() time.Time { return now }})

	breaker.CheckQuotaExceeded(remote.NewStoreError(remote.CodeResourceExhausted, "write rejected", nil))
	if breaker.CanRetry() {
		t.Fatalf("expected breaker to stay open within the cooldown")
	}

	now = now.Add(defaultQuotaCooldown + time.Second)
	if !breaker.CanRetry() {
		t.Fatalf("expected breaker to close once the cooldown elapsed")
	}
	// A second call must see the closed state.
	if !breaker.CanRetry() {
		t.Fatalf("expected breaker to remain closed")
	}
}

func TestQuotaBreakerReset(t *testing.T) {
	breaker := NewQuotaBreaker(QuotaBreakerConfig{})
	breaker.CheckQuotaExceeded(remote.NewStoreError(remote.CodeResourceExhausted, "write rejected", nil))
	breaker.Reset()
	if !breaker.CanRetry() {
		t.Fatalf("expected reset breaker to allow writes")
	}
}

func TestQuotaStatusSnapshot(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	breaker := NewQuotaBreaker(QuotaBreakerConfig{Clock: func() time.Time { return now }})

	status := breaker.Status()
	if status.Exceeded || !status.CanRetry || status.LastError != nil {
		t.Fatalf("unexpected fresh status: %+v", status)
	}

	breaker.CheckQuotaExceeded(remote.NewStoreError(remote.CodeResourceExhausted, "write rejected", nil))
	status = breaker.Status()
	if !status.Exceeded || status.CanRetry {
		t.Fatalf("expected open status, got %+v", status)
	}
	if status.RetryAfter == nil || !status.RetryAfter.Equal(now.Add(defaultQuotaCooldown)) {
		t.Fatalf("unexpected retry deadline: %+v", status.RetryAfter)
	}
	if status.MinutesRemaining != 5 {
		t.Fatalf("expected 5 minutes remaining, got %d", status.MinutesRemaining)
	}

	now = now.Add(2*time.Minute + 30*time.Second)
	status = breaker.Status()
	if status.MinutesRemaining != 3 {
		t.Fatalf("expected 2m30s to round up to 3 minutes, got %d", status.MinutesRemaining)
	}
}

func TestQuotaStatusReportsZeroAfterCooldownElapses(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	breaker := NewQuotaBreaker(QuotaBreakerConfig{Clock: func() time.Time { return now }})
	breaker.CheckQuotaExceeded(remote.NewStoreError(remote.CodeResourceExhausted, "write rejected", nil))

	// The cooldown has elapsed but no CanRetry call has closed the breaker
	// yet: the countdown must still read zero.
	now = now.Add(defaultQuotaCooldown + time.Second)
	status := breaker.Status()
	if status.MinutesRemaining != 0 {
		t.Fatalf("expected 0 minutes remaining after the cooldown, got %d", status.MinutesRemaining)
	}
	if !status.CanRetry {
		t.Fatalf("expected an elapsed cooldown to report retryable")
	}
}
