// Package identity resolves who is playing: signed tokens, anonymous fallbacks, and the
// change notifications that trigger the anonymous to account merge.
package identity

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"daily-atlas-service/internal/domain"
)

// ChangeFunc reacts to an identity upgrade.
type ChangeFunc func(ctx context.Context, old, next domain.Identity) error

// Provider exposes the current identity and upgrade notifications.
type Provider interface {
	Current(ctx context.Context) (domain.Identity, error)
	OnChange(fn ChangeFunc)
}

type ctxKey struct{}

// WithIdentity attaches identity to ctx.
func WithIdentity(ctx context.Context, identity domain.Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, identity)
}

// FromContext returns the identity attached by the middleware.
func FromContext(ctx context.Context) (domain.Identity, bool) {
	identity, ok := ctx.Value(ctxKey{}).(domain.Identity)
	return identity, ok && identity.ID != ""
}

// NewAnonymous returns a fresh anonymous identity.
func NewAnonymous() domain.Identity {
	return domain.Identity{ID: "anon-" + uuid.NewString(), Anonymous: true}
}

// Hub is the request-scoped Provider: Current reads the context, Notify fans an upgrade out to
// every registered listener.
type Hub struct {
	mu        sync.RWMutex
	listeners []ChangeFunc
}

func NewHub() *Hub {
	return &Hub{}
}

func (h *Hub) Current(ctx context.Context) (domain.Identity, error) {
	identity, ok := FromContext(ctx)
	if !ok {
		return domain.Identity{}, domain.ErrUnauthenticated
	}
	return identity, nil
}

func (h *Hub) OnChange(fn ChangeFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, fn)
}

// Notify calls every listener in registration order and joins their errors.
func (h *Hub) Notify(ctx context.Context, old, next domain.Identity) error {
	h.mu.RLock()
	listeners := append([]ChangeFunc(nil), h.listeners...)
	h.mu.RUnlock()

	var errs []error
	for _, fn := range listeners {
		if err := fn(ctx, old, next); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ Provider = (*Hub)(nil)
