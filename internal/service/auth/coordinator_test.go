package auth

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"folio/internal/domain"
	"folio/internal/integrations/kite"
	"folio/internal/service/state"
	"folio/internal/store"
	"folio/internal/store/memory"
)

type fakeProvider struct {
	mu        sync.Mutex
	exchanged []string
	rejected  map[string]bool
	validated int
}

func (p *fakeProvider) BuildLoginURL(apiKey, st string) (string, error) {
	return "https://login.example/connect?api_key=" + apiKey + "&state=" + url.QueryEscape(st), nil
}

func (p *fakeProvider) Exchange(_ context.Context, acct domain.Account, requestToken string) (kite.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exchanged = append(p.exchanged, acct.Name+":"+requestToken)
	return kite.Session{AccessToken: "access-" + acct.Name}, nil
}

func (p *fakeProvider) Validate(_ context.Context, _ domain.Account, token string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.validated++
	return !p.rejected[token], nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	accounts []string
}

func (n *fakeNotifier) NeedsLogin(_ context.Context, account, _, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.accounts = append(n.accounts, account)
	return nil
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.accounts)
}

type fixture struct {
	coord    *Coordinator
	provider *fakeProvider
	store    *memory.Store
	state    *state.Manager
	notifier *fakeNotifier
}

func newFixture(t *testing.T, timeout time.Duration, accounts ...string) fixture {
	t.Helper()
	accts := make([]domain.Account, 0, len(accounts))
	for _, a := range accounts {
		accts = append(accts, domain.Account{Name: a, APIKey: "key-" + a, APISecret: "secret"})
	}
	f := fixture{
		provider: &fakeProvider{rejected: map[string]bool{}},
		store:    memory.NewStore(),
		state:    state.New(accounts),
		notifier: &fakeNotifier{},
	}
	coord, err := New(Config{
		Accounts:      accts,
		Timeout:       timeout,
		SessionTTL:    23*time.Hour + 50*time.Minute,
		StateSecret:   "test-secret",
		LoginLinkBase: "http://127.0.0.1:8000",
	}, f.provider, f.store, f.state, f.notifier, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(coord.Close)
	f.coord = coord
	return f
}

func stateFrom(t *testing.T, loginURL string) string {
	t.Helper()
	u, err := url.Parse(loginURL)
	require.NoError(t, err)
	return u.Query().Get("state")
}

func TestLoginTimesOut(t *testing.T) {
	f := newFixture(t, time.Second, "a")
	f.state.SetSessionValidity("a", true)

	start := time.Now()
	err := f.coord.Login(context.Background(), "a")
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrLoginTimeout)
	assert.GreaterOrEqual(t, elapsed, time.Second)
	assert.Less(t, elapsed, 3*time.Second)

	snap := f.state.Snapshot()
	assert.False(t, snap.SessionValidity["a"])
	assert.False(t, snap.WaitingForLogin)
	assert.Empty(t, f.coord.Pending())
}

func TestCallbackCompletesWaitingLogin(t *testing.T) {
	f := newFixture(t, time.Minute, "a", "b")

	loginURL, err := f.coord.BeginLogin("a")
	require.NoError(t, err)
	assert.True(t, f.state.Snapshot().WaitingForLogin)

	done := make(chan error, 1)
	go func() { done <- f.coord.Login(context.Background(), "a") }()

	account, err := f.coord.CompleteLogin(context.Background(), stateFrom(t, loginURL), "req-123")
	require.NoError(t, err)
	assert.Equal(t, "a", account)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not released")
	}

	rec, err := f.store.Load(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "access-a", rec.AccessToken)
	assert.Equal(t, 23*time.Hour+50*time.Minute, rec.ExpiresAt.Sub(rec.IssuedAt))

	snap := f.state.Snapshot()
	assert.True(t, snap.SessionValidity["a"])
	assert.False(t, snap.SessionValidity["b"])
	assert.False(t, snap.WaitingForLogin)
	assert.Equal(t, []string{"a:req-123"}, f.provider.exchanged)
}

func TestCallbackWithoutState(t *testing.T) {
	f := newFixture(t, time.Minute, "a", "b")
	ctx := context.Background()

	_, err := f.coord.CompleteLogin(ctx, "", "req")
	require.ErrorIs(t, err, ErrNoPendingLogin)

	_, err = f.coord.BeginLogin("a")
	require.NoError(t, err)
	account, err := f.coord.CompleteLogin(ctx, "", "req")
	require.NoError(t, err)
	assert.Equal(t, "a", account)

	_, _ = f.coord.BeginLogin("a")
	_, _ = f.coord.BeginLogin("b")
	_, err = f.coord.CompleteLogin(ctx, "", "req")
	require.ErrorIs(t, err, ErrInvalidState)
	assert.True(t, f.state.Snapshot().WaitingForLogin)
}

func TestForgedStateIsRejected(t *testing.T) {
	f := newFixture(t, time.Minute, "a")
	_, err := f.coord.BeginLogin("a")
	require.NoError(t, err)

	other := newFixture(t, time.Minute, "a")
	other.coord.secret = []byte("another-secret")
	forgedURL, err := other.coord.BeginLogin("a")
	require.NoError(t, err)

	_, err = f.coord.CompleteLogin(context.Background(), stateFrom(t, forgedURL), "req")
	require.ErrorIs(t, err, ErrInvalidState)
	assert.Empty(t, f.provider.exchanged)
}

func TestBeginLoginReusesPendingFlow(t *testing.T) {
	f := newFixture(t, time.Minute, "a")
	first, err := f.coord.BeginLogin("a")
	require.NoError(t, err)
	second, err := f.coord.BeginLogin("a")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	_, err = f.coord.BeginLogin("nobody")
	assert.ErrorIs(t, err, ErrUnknownAccount)
}

func TestAccessTokenNonInteractive(t *testing.T) {
	f := newFixture(t, time.Minute, "a")
	_, err := f.coord.AccessToken(context.Background(), "a", false)
	require.Error(t, err)
	assert.True(t, domain.IsAuthExpired(err))
	assert.Empty(t, f.coord.Pending(), "non-interactive lookups never start a login")

	now := time.Now().UTC()
	require.NoError(t, f.store.Save(context.Background(), domain.SessionRecord{AccountID: "a", AccessToken: "tok", IssuedAt: now, ExpiresAt: now.Add(time.Hour)}))
	tok, err := f.coord.AccessToken(context.Background(), "a", false)
	require.NoError(t, err)
	assert.Equal(t, "tok", tok)
}

func TestRevalidateSeedsValidity(t *testing.T) {
	f := newFixture(t, time.Minute, "a", "b", "c", "d")
	ctx := context.Background()
	now := time.Now().UTC()
	save := func(acct, tok string, expires time.Time) {
		require.NoError(t, f.store.Save(ctx, domain.SessionRecord{AccountID: acct, AccessToken: tok, IssuedAt: now, ExpiresAt: expires}))
	}
	save("a", "good", now.Add(time.Hour))
	save("b", "revoked", now.Add(time.Hour))
	save("d", "old", now.Add(-time.Minute))
	f.provider.rejected["revoked"] = true

	f.coord.Revalidate(ctx)

	assert.Equal(t, map[string]bool{"a": true, "b": false, "c": false, "d": false}, f.state.Snapshot().SessionValidity)
	assert.Equal(t, 2, f.provider.validated, "expired and missing sessions are not sent to the provider")
	rec, err := f.store.Load(ctx, "b")
	require.NoError(t, err)
	assert.True(t, rec.Rejected)
}

func TestInvalidateNotifiesOnTransition(t *testing.T) {
	f := newFixture(t, time.Minute, "a")
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, f.store.Save(ctx, domain.SessionRecord{AccountID: "a", AccessToken: "tok", IssuedAt: now, ExpiresAt: now.Add(time.Hour)}))
	f.state.SetSessionValidity("a", true)

	cause := domain.NewFetchError(domain.ErrorAuthExpired, errors.New("rejected"))
	f.coord.Invalidate(ctx, "a", cause)
	f.coord.Invalidate(ctx, "a", cause)

	require.Eventually(t, func() bool { return f.notifier.count() == 1 }, time.Second, 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, f.notifier.count())
	assert.False(t, f.state.SessionValid("a"))

	_, err := f.store.Load(ctx, "a")
	require.NoError(t, err, "invalid records stay visible")
	_, err = f.store.Load(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCloseReleasesWaiters(t *testing.T) {
	f := newFixture(t, time.Minute, "a")
	done := make(chan error, 1)
	go func() { done <- f.coord.Login(context.Background(), "a") }()
	require.Eventually(t, func() bool { return len(f.coord.Pending()) == 1 }, time.Second, 5*time.Millisecond)

	f.coord.Close()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("waiter not released by Close")
	}
	_, err := f.coord.BeginLogin("a")
	assert.ErrorIs(t, err, ErrClosed)
}
