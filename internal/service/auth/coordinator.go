package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"folio/internal/domain"
	"folio/internal/integrations/kite"
	"folio/internal/store"
)

var (
	ErrUnknownAccount = errors.New("unknown account")
	ErrNoPendingLogin = errors.New("no login is pending")
	ErrInvalidState   = errors.New("invalid login state")
	ErrLoginTimeout   = errors.New("login was not completed in time")
	ErrClosed         = errors.New("login coordinator closed")
)

// Provider is the brokerage identity provider.
type Provider interface {
	BuildLoginURL(apiKey, state string) (string, error)
	Exchange(ctx context.Context, acct domain.Account, requestToken string) (kite.Session, error)
	Validate(ctx context.Context, acct domain.Account, accessToken string) (bool, error)
}

// StateSink receives session flag changes.
type StateSink interface {
	SetSessionValidity(account string, valid bool)
	SessionValid(account string) bool
	SetWaitingForLogin(waiting bool)
}

type Notifier interface {
	NeedsLogin(ctx context.Context, account, reason, loginURL string) error
}

type Config struct {
	Accounts []domain.Account
	// Timeout bounds how long an interactive login may stay pending.
	Timeout time.Duration
	// SessionTTL is the validity assumed for a freshly exchanged token.
	SessionTTL time.Duration
	// StateSecret signs login state tokens. Empty means a random per-process
	// secret, which invalidates pending logins on restart.
	StateSecret string
	// LoginLinkBase is the public base URL used in needs-login notices.
	LoginLinkBase string
}

type flow struct {
	id       string
	account  string
	loginURL string
	done     chan struct{}
	err      error
	timer    *time.Timer
}

// Coordinator owns interactive logins and the lifecycle of stored sessions.
// A login is a single-shot wait with a deadline: it ends when the callback
// delivers a request token, when the deadline passes, or on Close.
type Coordinator struct {
	accounts map[string]domain.Account
	order    []string
	provider Provider
	store    store.SessionStore
	state    StateSink
	notifier Notifier
	log      zerolog.Logger

	timeout  time.Duration
	ttl      time.Duration
	secret   []byte
	linkBase string
	now      func() time.Time

	mu     sync.Mutex
	flows  map[string]*flow
	closed bool
}

func New(cfg Config, provider Provider, sessions store.SessionStore, state StateSink, notifier Notifier, logger zerolog.Logger) (*Coordinator, error) {
	secret := []byte(cfg.StateSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("%w: %v", errNoSecret, err)
		}
	}
	c := &Coordinator{
		accounts: make(map[string]domain.Account, len(cfg.Accounts)),
		provider: provider,
		store:    sessions,
		state:    state,
		notifier: notifier,
		log:      logger.With().Str("component", "auth").Logger(),
		timeout:  cfg.Timeout,
		ttl:      cfg.SessionTTL,
		secret:   secret,
		linkBase: cfg.LoginLinkBase,
		now:      time.Now,
		flows:    make(map[string]*flow),
	}
	for _, a := range cfg.Accounts {
		c.accounts[a.Name] = a
		c.order = append(c.order, a.Name)
	}
	return c, nil
}

func (c *Coordinator) Account(name string) (domain.Account, bool) {
	a, ok := c.accounts[name]
	return a, ok
}

// Session returns the stored session for account if it is currently valid.
// Missing and undecryptable records both count as no session.
func (c *Coordinator) Session(ctx context.Context, account string) (domain.SessionRecord, bool) {
	rec, err := c.store.Load(ctx, account)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.log.Warn().Err(err).Str("account", account).Msg("stored session unusable")
		}
		return domain.SessionRecord{}, false
	}
	return rec, rec.IsValid(c.now())
}

// AccessToken returns a usable token for account. When no valid session
// exists and interactive is false it fails with an auth_expired error
// without contacting the provider; when interactive is true it waits for a
// login to complete.
func (c *Coordinator) AccessToken(ctx context.Context, account string, interactive bool) (string, error) {
	if rec, ok := c.Session(ctx, account); ok {
		return rec.AccessToken, nil
	}
	if !interactive {
		return "", domain.NewFetchError(domain.ErrorAuthExpired, errors.New("no valid session; login required"))
	}
	if err := c.Login(ctx, account); err != nil {
		return "", domain.NewFetchError(domain.ErrorAuthExpired, err)
	}
	rec, ok := c.Session(ctx, account)
	if !ok {
		return "", domain.NewFetchError(domain.ErrorAuthExpired, errors.New("session missing after login"))
	}
	return rec.AccessToken, nil
}

// BeginLogin starts a login flow for account, or returns the URL of the one
// already pending.
func (c *Coordinator) BeginLogin(account string) (string, error) {
	f, err := c.begin(account)
	if err != nil {
		return "", err
	}
	return f.loginURL, nil
}

// Login starts or joins the pending flow for account and waits for it to
// finish. Cancelling ctx stops the wait but leaves the flow to its deadline.
func (c *Coordinator) Login(ctx context.Context, account string) error {
	f, err := c.begin(account)
	if err != nil {
		return err
	}
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) begin(account string) (*flow, error) {
	acct, ok := c.accounts[account]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, account)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if f, ok := c.flows[account]; ok {
		c.mu.Unlock()
		return f, nil
	}
	id := uuid.NewString()
	state, err := c.signState(account, id, c.now().Add(c.timeout))
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	loginURL, err := c.provider.BuildLoginURL(acct.APIKey, state)
	if err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("build login url: %w", err)
	}
	f := &flow{id: id, account: account, loginURL: loginURL, done: make(chan struct{})}
	f.timer = time.AfterFunc(c.timeout, func() { c.finish(f, ErrLoginTimeout) })
	c.flows[account] = f
	c.state.SetWaitingForLogin(true)
	c.mu.Unlock()

	c.log.Info().Str("account", account).Dur("timeout", c.timeout).Str("login_url", loginURL).Msg("waiting for login")
	c.notify(account, "login required", c.loginLink(account))
	return f, nil
}

// CompleteLogin delivers a request token from the provider redirect. An
// empty stateToken is accepted only while exactly one login is pending.
func (c *Coordinator) CompleteLogin(ctx context.Context, stateToken, requestToken string) (string, error) {
	if requestToken == "" {
		return "", errors.New("missing request token")
	}
	f, err := c.lookup(stateToken)
	if err != nil {
		return "", err
	}
	acct := c.accounts[f.account]

	sess, err := c.provider.Exchange(ctx, acct, requestToken)
	if err != nil {
		c.log.Error().Err(err).Str("account", f.account).Msg("request token exchange failed")
		c.finish(f, fmt.Errorf("exchange request token: %w", err))
		return f.account, err
	}
	issued := c.now().UTC()
	rec := domain.SessionRecord{
		AccountID:   f.account,
		AccessToken: sess.AccessToken,
		IssuedAt:    issued,
		ExpiresAt:   issued.Add(c.ttl),
	}
	if err := c.store.Save(ctx, rec); err != nil {
		c.finish(f, fmt.Errorf("save session: %w", err))
		return f.account, err
	}
	c.state.SetSessionValidity(f.account, true)
	c.finish(f, nil)
	c.log.Info().Str("account", f.account).Time("expires_at", rec.ExpiresAt).Msg("login completed")
	return f.account, nil
}

func (c *Coordinator) lookup(stateToken string) (*flow, error) {
	if stateToken == "" {
		c.mu.Lock()
		defer c.mu.Unlock()
		switch len(c.flows) {
		case 0:
			return nil, ErrNoPendingLogin
		case 1:
			for _, f := range c.flows {
				return f, nil
			}
		}
		return nil, fmt.Errorf("%w: %d logins pending, state required", ErrInvalidState, len(c.flows))
	}
	account, id, err := c.parseState(stateToken)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.flows[account]
	if !ok {
		return nil, ErrNoPendingLogin
	}
	if f.id != id {
		return nil, fmt.Errorf("%w: superseded flow", ErrInvalidState)
	}
	return f, nil
}

// finish ends f exactly once. A failed or abandoned flow leaves the account
// invalid; the waiting flag clears once no flow remains.
func (c *Coordinator) finish(f *flow, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.flows[f.account]
	if !ok || cur != f {
		return
	}
	delete(c.flows, f.account)
	f.timer.Stop()
	f.err = err
	close(f.done)

	if err != nil {
		c.state.SetSessionValidity(f.account, false)
		if errors.Is(err, ErrLoginTimeout) {
			c.log.Warn().Str("account", f.account).Msg("login timed out")
		}
	}
	if len(c.flows) == 0 {
		c.state.SetWaitingForLogin(false)
	}
}

// Invalidate records that the provider rejected account's token.
func (c *Coordinator) Invalidate(ctx context.Context, account string, cause error) {
	if err := c.store.Invalidate(ctx, account); err != nil && !errors.Is(err, store.ErrNotFound) {
		c.log.Warn().Err(err).Str("account", account).Msg("could not mark stored session invalid")
	}
	wasValid := c.state.SessionValid(account)
	c.state.SetSessionValidity(account, false)
	if wasValid {
		reason := "session expired"
		if cause != nil {
			reason = string(domain.KindOf(cause))
		}
		c.notify(account, reason, c.loginLink(account))
	}
}

// Revalidate seeds session validity for every configured account, asking
// the provider about each locally valid token. A provider that cannot be
// reached leaves the local verdict in place.
func (c *Coordinator) Revalidate(ctx context.Context) {
	for _, name := range c.order {
		rec, ok := c.Session(ctx, name)
		if !ok {
			c.state.SetSessionValidity(name, false)
			continue
		}
		valid, err := c.provider.Validate(ctx, c.accounts[name], rec.AccessToken)
		switch {
		case err != nil:
			c.log.Warn().Err(err).Str("account", name).Msg("could not validate session, trusting cached expiry")
			c.state.SetSessionValidity(name, true)
		case !valid:
			c.log.Info().Str("account", name).Msg("cached session rejected by provider")
			if err := c.store.Invalidate(ctx, name); err != nil {
				c.log.Warn().Err(err).Str("account", name).Msg("could not mark stored session invalid")
			}
			c.state.SetSessionValidity(name, false)
		default:
			c.state.SetSessionValidity(name, true)
		}
	}
}

// Pending lists accounts with a login in progress.
func (c *Coordinator) Pending() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.flows))
	for a := range c.flows {
		out = append(out, a)
	}
	slices.Sort(out)
	return out
}

// Close abandons every pending flow.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	pending := make([]*flow, 0, len(c.flows))
	for _, f := range c.flows {
		pending = append(pending, f)
	}
	c.mu.Unlock()
	for _, f := range pending {
		c.finish(f, ErrClosed)
	}
}

func (c *Coordinator) loginLink(account string) string {
	if c.linkBase == "" {
		return ""
	}
	return c.linkBase + "/login/" + url.PathEscape(account)
}

func (c *Coordinator) notify(account, reason, link string) {
	if c.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.notifier.NeedsLogin(ctx, account, reason, link); err != nil {
			c.log.Warn().Err(err).Str("account", account).Msg("needs-login notice failed")
		}
	}()
}
