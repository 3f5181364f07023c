package sdk

import (
	"context"
	"sync"

	"github.com/authrelay/authrelay/sdk/go/auth"
)

// CredentialHolder is the single cell holding the current access token.
// Callers outside the SDK can only read it; the refresh coordinator and the
// session controller are its only writers.
type CredentialHolder struct {
	mu    sync.RWMutex
	token string

	// writeMu orders memory updates with their store writes.
	writeMu   sync.Mutex
	store     Store
	telemetry TelemetryHooks
	notify    func(ctx context.Context, authenticated bool)
}

func newCredentialHolder(store Store, telemetry TelemetryHooks) *CredentialHolder {
	return &CredentialHolder{store: store, telemetry: telemetry}
}

// Token returns the current access token, or "" when unauthenticated.
func (h *CredentialHolder) Token() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.token
}

// Present reports whether a token is held. The session is authenticated iff it is.
func (h *CredentialHolder) Present() bool {
	return h.Token() != ""
}

// Claims decodes the held token's claims without verifying them.
func (h *CredentialHolder) Claims() (*auth.Claims, error) {
	token := h.Token()
	if token == "" {
		return nil, ErrNotAuthenticated
	}
	return auth.ParseUnverified(token)
}

func (h *CredentialHolder) load(ctx context.Context) {
	token, ok, err := h.store.Get(ctx, StoreKeyToken)
	if err != nil {
		h.telemetry.log(ctx, LogLevelError, "credential_load_failed", map[string]any{"error": err.Error()})
		return
	}
	if !ok || token == "" {
		return
	}
	h.mu.Lock()
	h.token = token
	h.mu.Unlock()
}

func (h *CredentialHolder) set(ctx context.Context, token string) {
	if token == "" {
		h.clear(ctx)
		return
	}
	h.writeMu.Lock()
	h.mu.Lock()
	was := h.token != ""
	h.token = token
	h.mu.Unlock()
	if err := h.store.Set(context.WithoutCancel(ctx), StoreKeyToken, token); err != nil {
		h.telemetry.log(ctx, LogLevelError, "credential_persist_failed", map[string]any{"error": err.Error()})
	}
	h.writeMu.Unlock()

	if !was && h.notify != nil {
		h.notify(ctx, true)
	}
}

// clear drops the token and reports whether one was held.
func (h *CredentialHolder) clear(ctx context.Context) bool {
	h.writeMu.Lock()
	h.mu.Lock()
	was := h.token != ""
	h.token = ""
	h.mu.Unlock()
	if err := h.store.Delete(context.WithoutCancel(ctx), StoreKeyToken); err != nil {
		h.telemetry.log(ctx, LogLevelError, "credential_persist_failed", map[string]any{"error": err.Error()})
	}
	h.writeMu.Unlock()

	if was && h.notify != nil {
		h.notify(ctx, false)
	}
	return was
}
