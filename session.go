package sdk

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/authrelay/authrelay/sdk/go/auth"
)

// SessionState is the view navigation guards read: authenticated iff a token
// is held, plus the cached profile when one was fetched.
type SessionState struct {
	Authenticated bool
	Profile       *auth.Profile
}

// SessionClient owns the credential lifecycle: sign-in, sign-up, sign-out,
// bootstrap and local teardown.
type SessionClient struct {
	client *Client
	store  Store
	// api runs through the authenticated pipeline.
	api *auth.Client
	// plain bypasses bearer stamping and the 401 hook.
	plain *auth.Client

	mu      sync.RWMutex
	profile *auth.Profile
}

func newSessionClient(client *Client, store Store, api, plain *auth.Client) *SessionClient {
	s := &SessionClient{client: client, store: store, api: api, plain: plain}
	s.loadProfile(context.Background())
	return s
}

// SignIn exchanges credentials for an access token, then fetches the profile
// on a best-effort basis. A success response without a token fails with
// ErrMissingCredential and leaves the session untouched.
func (s *SessionClient) SignIn(ctx context.Context, creds auth.Credentials) error {
	tokens, err := s.plain.Login(ctx, creds)
	if err != nil {
		return err
	}
	return s.commit(ctx, "sign-in", tokens)
}

// SignUp registers a new account and signs it in, like SignIn.
func (s *SessionClient) SignUp(ctx context.Context, reg auth.Registration) error {
	tokens, err := s.plain.Register(ctx, reg)
	if err != nil {
		return err
	}
	return s.commit(ctx, "sign-up", tokens)
}

// SignOut notifies the server and then clears local state. The local clear
// happens whatever the server call returned.
func (s *SessionClient) SignOut(ctx context.Context) {
	if err := s.api.Logout(ctx); err != nil {
		s.client.telemetry.log(ctx, LogLevelInfo, "sign_out_request_failed", map[string]any{"error": err.Error()})
	}
	s.ClearLocal(ctx)
}

// Bootstrap tries to resume a session at process start using a refresh cookie
// left by an earlier sign-in. It is a no-op when a token is already held, and
// leaves the session unauthenticated on any failure.
func (s *SessionClient) Bootstrap(ctx context.Context) {
	if s.client.holder.Present() {
		return
	}
	token, err := s.exchange(ctx)
	if err == nil && token == "" {
		err = MissingCredentialError{Operation: "refresh"}
	}
	if err != nil {
		s.client.telemetry.log(ctx, LogLevelDebug, "bootstrap_unauthenticated", map[string]any{"error": err.Error()})
		return
	}
	s.client.holder.set(ctx, token)
	s.refreshProfile(ctx)
}

// ClearLocal drops the token and the cached profile, in memory and in the
// store. It performs no network I/O and is safe to call repeatedly.
func (s *SessionClient) ClearLocal(ctx context.Context) {
	s.mu.Lock()
	hadProfile := s.profile != nil
	s.profile = nil
	s.mu.Unlock()
	if err := s.store.Delete(context.WithoutCancel(ctx), StoreKeyProfile); err != nil {
		s.client.telemetry.log(ctx, LogLevelError, "profile_persist_failed", map[string]any{"error": err.Error()})
	}

	hadToken := s.client.holder.clear(ctx)
	if !hadToken && hadProfile {
		s.emit(ctx)
	}
	active := hadToken || hadProfile
	if active {
		s.client.telemetry.log(ctx, LogLevelInfo, "session_cleared", nil)
	}
	s.client.telemetry.metric(ctx, MetricSessionTeardown, 1, map[string]string{
		"had_session": boolLabel(active),
	})
}

// FetchProfile loads the profile through the authenticated pipeline and caches it.
func (s *SessionClient) FetchProfile(ctx context.Context) (auth.Profile, error) {
	profile, err := s.api.Me(ctx)
	if err != nil {
		return auth.Profile{}, err
	}
	s.setProfile(ctx, &profile)
	return profile, nil
}

// IsAuthenticated reports whether a token is held.
func (s *SessionClient) IsAuthenticated() bool {
	return s.client.holder.Present()
}

// Profile returns a copy of the cached profile, or nil.
func (s *SessionClient) Profile() *auth.Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.profile == nil {
		return nil
	}
	p := *s.profile
	return &p
}

// State snapshots the session.
func (s *SessionClient) State() SessionState {
	return SessionState{
		Authenticated: s.client.holder.Present(),
		Profile:       s.Profile(),
	}
}

func (s *SessionClient) commit(ctx context.Context, op string, tokens auth.TokenResponse) error {
	token := tokens.Credential()
	if token == "" {
		return MissingCredentialError{Operation: op}
	}
	s.client.holder.set(ctx, token)
	s.refreshProfile(ctx)
	return nil
}

// exchange runs the refresh call outside the pipeline.
func (s *SessionClient) exchange(ctx context.Context) (string, error) {
	tokens, err := s.plain.Refresh(ctx)
	if err != nil {
		return "", err
	}
	return tokens.Credential(), nil
}

// refreshProfile fetches the profile and swallows failures, leaving it unset.
func (s *SessionClient) refreshProfile(ctx context.Context) {
	if _, err := s.FetchProfile(ctx); err != nil {
		s.setProfile(ctx, nil)
		s.client.telemetry.log(ctx, LogLevelInfo, "profile_fetch_failed", map[string]any{"error": err.Error()})
		s.client.telemetry.metric(ctx, MetricProfileFetch, 1, map[string]string{"outcome": "error"})
		return
	}
	s.client.telemetry.metric(ctx, MetricProfileFetch, 1, map[string]string{"outcome": "success"})
}

func (s *SessionClient) setProfile(ctx context.Context, profile *auth.Profile) {
	s.mu.Lock()
	changed := s.profile != nil || profile != nil
	s.profile = profile
	s.mu.Unlock()

	storeCtx := context.WithoutCancel(ctx)
	var err error
	if profile == nil {
		err = s.store.Delete(storeCtx, StoreKeyProfile)
	} else {
		var data []byte
		if data, err = json.Marshal(profile); err == nil {
			err = s.store.Set(storeCtx, StoreKeyProfile, string(data))
		}
	}
	if err != nil {
		s.client.telemetry.log(ctx, LogLevelError, "profile_persist_failed", map[string]any{"error": err.Error()})
	}
	if changed {
		s.emit(ctx)
	}
}

func (s *SessionClient) loadProfile(ctx context.Context) {
	if !s.client.holder.Present() {
		return
	}
	raw, ok, err := s.store.Get(ctx, StoreKeyProfile)
	if err != nil || !ok || raw == "" {
		return
	}
	var profile auth.Profile
	if err := json.Unmarshal([]byte(raw), &profile); err != nil {
		s.client.telemetry.log(ctx, LogLevelError, "profile_load_failed", map[string]any{"error": err.Error()})
		return
	}
	s.profile = &profile
}

func (s *SessionClient) emit(ctx context.Context) {
	if s.client.onSessionCh == nil {
		return
	}
	s.client.onSessionCh(ctx, s.State())
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
