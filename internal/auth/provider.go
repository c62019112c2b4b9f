// Package auth exposes the session identity the repository core depends on:
// a current-user accessor and an asynchronous readiness signal. The identity
// provider itself (token exchange, SSO) stays outside the core.
package auth

import (
	"context"
	"sync"
)

// User identifies the active session.
type User struct {
	ID        string
	Anonymous bool
}

// Provider reports the current session user. Auth subsystems settle
// asynchronously, so readiness is a separate signal from presence.
type Provider interface {
	// CurrentUser returns the signed-in user, if any.
	CurrentUser() (User, bool)
	// AwaitReady blocks until the auth subsystem has settled or the context
	// expires, then reports the user (or absence of one). A context error is
	// the only failure mode.
	AwaitReady(ctx context.Context) (User, bool, error)
}

// StaticProvider is always ready with a fixed user. A zero user id means an
// unauthenticated session.
type StaticProvider struct {
	user User
}

// NewStaticProvider constructs a provider that is ready immediately.
func NewStaticProvider(user User) *StaticProvider {
	return &StaticProvider{user: user}
}

// CurrentUser implements Provider.
func (p *StaticProvider) CurrentUser() (User, bool) {
	if p == nil || p.user.ID == "" {
		return User{}, false
	}
	return p.user, true
}

// AwaitReady implements Provider.
func (p *StaticProvider) AwaitReady(_ context.Context) (User, bool, error) {
	user, ok := p.CurrentUser()
	return user, ok, nil
}

// SignalProvider starts unready and becomes ready once Settle is called,
// mirroring auth subsystems that resolve after process start.
type SignalProvider struct {
	mu      sync.RWMutex
	user    User
	present bool
	ready   chan struct{}
	settled bool
}

// NewSignalProvider constructs an unready provider.
func NewSignalProvider() *SignalProvider {
	return &SignalProvider{ready: make(chan struct{})}
}

// Settle marks the auth subsystem as ready. Present reports whether a user is
// signed in. Calling Settle again replaces the current user.
func (p *SignalProvider) Settle(user User, present bool) {
	p.mu.Lock()
	p.user = user
	p.present = present
	if !p.settled {
		p.settled = true
		close(p.ready)
	}
	p.mu.Unlock()
}

// CurrentUser implements Provider.
func (p *SignalProvider) CurrentUser() (User, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.settled || !p.present {
		return User{}, false
	}
	return p.user, true
}

// AwaitReady implements Provider.
func (p *SignalProvider) AwaitReady(ctx context.Context) (User, bool, error) {
	select {
	case <-p.ready:
		user, ok := p.CurrentUser()
		return user, ok, nil
	case <-ctx.Done():
		return User{}, false, ctx.Err()
	}
}
