// Package session caches one authenticated upstream client per user and owns
// the refresh-on-expired-token dance. All mutation of a user's slot happens
// under that user's mutex so concurrent requests never stampede the token
// endpoint.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/vibetune/audiosidecar/internal/adapter/observability"
	"github.com/vibetune/audiosidecar/internal/domain"
)

// Credentials are the tokens and identity a user's client was built from.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	PrincipalID  string
	Region       string
}

// Client is one user's live upstream handle.
type Client interface {
	// Verify runs a lightweight session call proving the token still works.
	Verify(ctx context.Context) error
}

// Factory builds and refreshes clients.
type Factory interface {
	Build(ctx context.Context, creds Credentials) (Client, error)
	// Refresh trades a refresh token for a fresh client and its new
	// credentials.
	Refresh(ctx context.Context, refreshToken string) (Client, Credentials, error)
}

type userState struct {
	mu       sync.Mutex
	client   Client
	creds    Credentials
	fallback bool
}

// Registry maps users to authenticated clients.
type Registry struct {
	factory Factory
	// onAuthChange runs whenever a user's auth state is replaced or dropped;
	// the gateway uses it to clear that user's URL cache.
	onAuthChange func(userID string)

	mu    sync.Mutex
	users map[string]*userState
}

// New builds a registry. onAuthChange may be nil.
func New(factory Factory, onAuthChange func(userID string)) *Registry {
	if onAuthChange == nil {
		onAuthChange = func(string) {}
	}
	return &Registry{factory: factory, onAuthChange: onAuthChange, users: map[string]*userState{}}
}

func (r *Registry) state(userID string) *userState {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.users[userID]
	if !ok {
		s = &userState{}
		r.users[userID] = s
	}
	return s
}

// Restore installs a client for the user from stored tokens. An expired
// access token is tolerated by refreshing once before giving up.
func (r *Registry) Restore(ctx context.Context, userID string, creds Credentials) error {
	s := r.state(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	client, err := r.factory.Build(ctx, creds)
	if err != nil {
		return err
	}
	if err := client.Verify(ctx); err != nil {
		if !errors.Is(err, domain.ErrAuthExpired) {
			return err
		}
		slog.Info("stored token expired on restore, refreshing", slog.String("user_id", userID))
		client, creds, err = r.refreshLocked(ctx, s, creds.RefreshToken)
		if err != nil {
			return err
		}
	}
	s.client = client
	s.creds = creds
	s.fallback = false
	r.onAuthChange(userID)
	observability.ActiveSessions.Set(float64(r.Count()))
	return nil
}

// Get returns the user's client or ErrUnauthenticated.
func (r *Registry) Get(userID string) (Client, error) {
	s := r.state(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil, domain.ErrUnauthenticated
	}
	return s.client, nil
}

// Invalidate drops the user's client, credentials, and fallback flag.
func (r *Registry) Invalidate(userID string) {
	r.mu.Lock()
	delete(r.users, userID)
	r.mu.Unlock()
	r.onAuthChange(userID)
	observability.ActiveSessions.Set(float64(r.Count()))
}

// RunWithRefresh executes op with the user's client, refreshing once when op
// fails with an expired-token signal. Any other error propagates.
func (r *Registry) RunWithRefresh(ctx context.Context, userID string, op func(Client) error) error {
	client, err := r.Get(userID)
	if err != nil {
		return err
	}
	err = op(client)
	if err == nil || domain.Classify(err) != domain.KindAuthExpired {
		return err
	}

	slog.Info("token expired mid-operation, refreshing", slog.String("user_id", userID))
	s := r.state(userID)
	s.mu.Lock()
	if s.client == nil {
		s.mu.Unlock()
		return domain.ErrUnauthenticated
	}
	// Another request may have refreshed while we waited on the mutex.
	if s.client != client {
		fresh := s.client
		s.mu.Unlock()
		return op(fresh)
	}
	if verr := s.client.Verify(ctx); verr == nil {
		fresh := s.client
		s.mu.Unlock()
		return op(fresh)
	}
	fresh, creds, rerr := r.refreshLocked(ctx, s, s.creds.RefreshToken)
	if rerr != nil {
		s.mu.Unlock()
		return rerr
	}
	s.client = fresh
	s.creds = creds
	s.mu.Unlock()
	r.onAuthChange(userID)
	return op(fresh)
}

// refreshLocked trades the refresh token in; the caller holds s.mu.
func (r *Registry) refreshLocked(ctx context.Context, _ *userState, refreshToken string) (Client, Credentials, error) {
	if refreshToken == "" {
		return nil, Credentials{}, domain.ErrUnauthenticated
	}
	client, creds, err := r.factory.Refresh(ctx, refreshToken)
	if err != nil {
		return nil, Credentials{}, err
	}
	if err := client.Verify(ctx); err != nil {
		return nil, Credentials{}, err
	}
	return client, creds, nil
}

// UseFallback reports whether the user is pinned to the fallback client path.
func (r *Registry) UseFallback(userID string) bool {
	s := r.state(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fallback
}

// MarkFallback pins the user to the fallback path until logout or restore.
func (r *Registry) MarkFallback(userID string) {
	s := r.state(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback = true
}

// Count returns the number of users holding a live client.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.users {
		if s.client != nil {
			n++
		}
	}
	return n
}
