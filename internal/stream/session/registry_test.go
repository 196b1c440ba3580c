package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibetune/audiosidecar/internal/domain"
)

type fakeClient struct {
	name      string
	verifyErr error
}

func (f *fakeClient) Verify(context.Context) error { return f.verifyErr }

type fakeFactory struct {
	mu          sync.Mutex
	buildClient *fakeClient
	buildErr    error
	refreshed   *fakeClient
	refreshErr  error
	refreshes   int
	gotRefresh  string
}

func (f *fakeFactory) Build(_ context.Context, _ Credentials) (Client, error) {
	if f.buildErr != nil {
		return nil, f.buildErr
	}
	return f.buildClient, nil
}

func (f *fakeFactory) Refresh(_ context.Context, token string) (Client, Credentials, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	f.gotRefresh = token
	if f.refreshErr != nil {
		return nil, Credentials{}, f.refreshErr
	}
	return f.refreshed, Credentials{AccessToken: "new-at", RefreshToken: "new-rt", PrincipalID: "p1"}, nil
}

func creds() Credentials {
	return Credentials{AccessToken: "at", RefreshToken: "rt", PrincipalID: "p1", Region: "US"}
}

func TestRestore_VerifiesAndStores(t *testing.T) {
	c := &fakeClient{name: "c1"}
	var cleared []string
	r := New(&fakeFactory{buildClient: c}, func(u string) { cleared = append(cleared, u) })

	require.NoError(t, r.Restore(context.Background(), "u1", creds()))
	got, err := r.Get("u1")
	require.NoError(t, err)
	assert.Same(t, c, got)
	assert.Equal(t, []string{"u1"}, cleared)
	assert.Equal(t, 1, r.Count())
}

func TestRestore_RefreshesExpiredTokenOnce(t *testing.T) {
	stale := &fakeClient{name: "stale", verifyErr: fmt.Errorf("401: %w", domain.ErrAuthExpired)}
	fresh := &fakeClient{name: "fresh"}
	f := &fakeFactory{buildClient: stale, refreshed: fresh}
	r := New(f, nil)

	require.NoError(t, r.Restore(context.Background(), "u1", creds()))
	got, err := r.Get("u1")
	require.NoError(t, err)
	assert.Same(t, fresh, got)
	assert.Equal(t, 1, f.refreshes)
	assert.Equal(t, "rt", f.gotRefresh)
}

func TestRestore_RefreshFailureLeavesUserUnauthenticated(t *testing.T) {
	stale := &fakeClient{verifyErr: domain.ErrAuthExpired}
	f := &fakeFactory{buildClient: stale, refreshErr: errors.New("invalid_grant")}
	r := New(f, nil)

	require.Error(t, r.Restore(context.Background(), "u1", creds()))
	_, err := r.Get("u1")
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
}

func TestGet_UnknownUser(t *testing.T) {
	r := New(&fakeFactory{}, nil)
	_, err := r.Get("nobody")
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
}

func TestInvalidate_DropsEverything(t *testing.T) {
	var cleared []string
	r := New(&fakeFactory{buildClient: &fakeClient{}}, func(u string) { cleared = append(cleared, u) })
	require.NoError(t, r.Restore(context.Background(), "u1", creds()))
	r.MarkFallback("u1")

	r.Invalidate("u1")
	_, err := r.Get("u1")
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
	assert.False(t, r.UseFallback("u1"))
	assert.Contains(t, cleared, "u1")
	assert.Zero(t, r.Count())
}

func TestRunWithRefresh_PlainErrorPropagates(t *testing.T) {
	f := &fakeFactory{buildClient: &fakeClient{}}
	r := New(f, nil)
	require.NoError(t, r.Restore(context.Background(), "u1", creds()))

	boom := errors.New("upstream 500")
	err := r.RunWithRefresh(context.Background(), "u1", func(Client) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, f.refreshes)
}

func TestRunWithRefresh_RefreshesAndRerunsOnce(t *testing.T) {
	expired := &fakeClient{name: "old"}
	fresh := &fakeClient{name: "new"}
	f := &fakeFactory{buildClient: expired, refreshed: fresh}
	var cleared []string
	r := New(f, func(u string) { cleared = append(cleared, u) })
	require.NoError(t, r.Restore(context.Background(), "u1", creds()))
	// The old client now fails its verify too, forcing a real refresh.
	expired.verifyErr = domain.ErrAuthExpired

	var calls []string
	err := r.RunWithRefresh(context.Background(), "u1", func(c Client) error {
		fc := c.(*fakeClient)
		calls = append(calls, fc.name)
		if fc == expired {
			return fmt.Errorf("api: %w", domain.ErrAuthExpired)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"old", "new"}, calls)
	assert.Equal(t, 1, f.refreshes)
	// Restore + refresh both clear the user's cached URLs.
	assert.Equal(t, []string{"u1", "u1"}, cleared)

	got, err := r.Get("u1")
	require.NoError(t, err)
	assert.Same(t, fresh, got)
}

func TestRunWithRefresh_ReverifySkipsRefresh(t *testing.T) {
	healthy := &fakeClient{name: "healthy"}
	f := &fakeFactory{buildClient: healthy}
	r := New(f, nil)
	require.NoError(t, r.Restore(context.Background(), "u1", creds()))

	first := true
	err := r.RunWithRefresh(context.Background(), "u1", func(Client) error {
		if first {
			first = false
			return domain.ErrAuthExpired
		}
		return nil
	})
	require.NoError(t, err)
	assert.Zero(t, f.refreshes, "verify succeeded, no refresh needed")
}

func TestRunWithRefresh_ConcurrentExpiryRefreshesOnce(t *testing.T) {
	expired := &fakeClient{name: "old"}
	fresh := &fakeClient{name: "new"}
	f := &fakeFactory{buildClient: expired, refreshed: fresh}
	r := New(f, nil)
	require.NoError(t, r.Restore(context.Background(), "u1", creds()))
	expired.verifyErr = domain.ErrAuthExpired

	var reruns atomic.Int32
	op := func(c Client) error {
		if c.(*fakeClient) == expired {
			return domain.ErrAuthExpired
		}
		reruns.Add(1)
		return nil
	}
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, r.RunWithRefresh(context.Background(), "u1", op))
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, f.refreshes)
	assert.Equal(t, int32(4), reruns.Load())
}

func TestFallbackFlag(t *testing.T) {
	r := New(&fakeFactory{buildClient: &fakeClient{}}, nil)
	assert.False(t, r.UseFallback("u1"))
	r.MarkFallback("u1")
	assert.True(t, r.UseFallback("u1"))

	// Restoring credentials clears the pin.
	require.NoError(t, r.Restore(context.Background(), "u1", creds()))
	assert.False(t, r.UseFallback("u1"))
}
