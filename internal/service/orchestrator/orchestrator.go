package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"folio/internal/domain"
	"folio/internal/metrics"
	"folio/internal/service/cache"
	"folio/internal/service/fetcher"
	"folio/internal/service/state"
)

var (
	ErrAlreadyRunning = errors.New("refresh already in progress")
	ErrClosed         = errors.New("orchestrator closed")
	ErrNoSources      = errors.New("no registered source matches the request")
)

// StateManager is the subset of the state manager a cycle drives.
type StateManager interface {
	Begin(src domain.Source, scope domain.Scope) error
	BeginAll(sources []domain.Source) error
	Complete(src domain.Source, scope domain.Scope, outcome error) error
	Running(src domain.Source) bool
}

// Sessions hands out access tokens and records provider rejections.
type Sessions interface {
	Account(name string) (domain.Account, bool)
	AccessToken(ctx context.Context, account string, interactive bool) (string, error)
	Invalidate(ctx context.Context, account string, cause error)
}

type Publisher interface {
	Publish(ctx context.Context, report domain.CycleReport) error
}

// CycleRequest selects what one cycle refreshes. Empty Sources means every
// registered source; empty Accounts means every configured account.
type CycleRequest struct {
	Sources     []domain.Source
	Accounts    []string
	Interactive bool
	Trigger     string
}

type Config struct {
	Accounts           []string
	AccountConcurrency int
}

type Orchestrator struct {
	fetchers    map[domain.Source]fetcher.Fetcher
	order       []domain.Source
	accounts    []string
	concurrency int

	state     StateManager
	sessions  Sessions
	data      *cache.Store
	publisher Publisher
	metrics   *metrics.Metrics
	log       zerolog.Logger

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

type Option func(*Orchestrator)

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithPublisher(p Publisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *Orchestrator) { o.log = l.With().Str("component", "orchestrator").Logger() }
}

func New(cfg Config, fetchers []fetcher.Fetcher, st StateManager, sessions Sessions, data *cache.Store, opts ...Option) *Orchestrator {
	base, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		fetchers:    make(map[domain.Source]fetcher.Fetcher, len(fetchers)),
		accounts:    slices.Clone(cfg.Accounts),
		concurrency: max(cfg.AccountConcurrency, 1),
		state:       st,
		sessions:    sessions,
		data:        data,
		log:         zerolog.Nop(),
		base:        base,
		cancel:      cancel,
	}
	for _, f := range fetchers {
		if _, dup := o.fetchers[f.Source()]; dup {
			continue
		}
		o.fetchers[f.Source()] = f
		o.order = append(o.order, f.Source())
	}
	slices.Sort(o.order)
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Sources lists the registered sources in refresh order.
func (o *Orchestrator) Sources() []domain.Source { return slices.Clone(o.order) }

// RunCycle refreshes the requested sources one after another. Sources that
// are already updating are skipped. Per-source failures are recorded in the
// state manager and the report; the returned error is non-nil only when the
// state manager is closed.
func (o *Orchestrator) RunCycle(ctx context.Context, req CycleRequest) (domain.CycleReport, error) {
	if o.isClosed() {
		return domain.CycleReport{}, ErrClosed
	}
	return o.run(ctx, uuid.NewString(), req, o.resolve(req.Sources), false)
}

// Trigger begins every requested source at once and runs the cycle in the
// background. If any of them is already updating nothing is started and
// ErrAlreadyRunning is returned; if none of them is registered the result is
// ErrNoSources.
func (o *Orchestrator) Trigger(req CycleRequest) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return "", ErrClosed
	}
	sources := o.resolve(req.Sources)
	if len(sources) == 0 {
		return "", ErrNoSources
	}
	if err := o.state.BeginAll(sources); err != nil {
		switch {
		case errors.Is(err, state.ErrAlreadyRunning):
			return "", ErrAlreadyRunning
		case errors.Is(err, state.ErrClosed):
			return "", ErrClosed
		}
		return "", err
	}
	id := uuid.NewString()
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if _, err := o.run(o.base, id, req, sources, true); err != nil {
			o.log.Error().Err(err).Str("cycle_id", id).Msg("refresh cycle aborted")
		}
	}()
	return id, nil
}

// Close cancels in-flight cycles and rejects new ones. Wait blocks until
// they have finished.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.cancel()
}

func (o *Orchestrator) Wait() { o.wg.Wait() }

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

func (o *Orchestrator) resolve(requested []domain.Source) []domain.Source {
	if len(requested) == 0 {
		return slices.Clone(o.order)
	}
	out := make([]domain.Source, 0, len(requested))
	for _, src := range o.order {
		if slices.Contains(requested, src) {
			out = append(out, src)
		}
	}
	return out
}

func (o *Orchestrator) resolveAccounts(requested []string) []string {
	if len(requested) == 0 {
		return o.accounts
	}
	out := make([]string, 0, len(requested))
	for _, a := range o.accounts {
		if slices.Contains(requested, a) {
			out = append(out, a)
		}
	}
	return out
}

func (o *Orchestrator) run(ctx context.Context, id string, req CycleRequest, sources []domain.Source, begun bool) (domain.CycleReport, error) {
	trigger := req.Trigger
	if trigger == "" {
		trigger = "manual"
	}
	report := domain.CycleReport{ID: id, Trigger: trigger, StartedAt: time.Now().UTC()}
	o.metrics.CycleStarted(trigger)
	log := o.log.With().Str("cycle_id", id).Str("trigger", trigger).Logger()
	log.Info().Int("sources", len(sources)).Bool("interactive", req.Interactive).Msg("refresh cycle started")

	accounts := o.resolveAccounts(req.Accounts)
	var global, perAccount []domain.Source
	for _, src := range sources {
		if src.PerAccount() {
			perAccount = append(perAccount, src)
		} else {
			global = append(global, src)
		}
	}

	// Logins for the whole cycle happen once, while global sources refresh.
	var logins chan map[string]error
	if req.Interactive && len(perAccount) > 0 && len(accounts) > 0 {
		logins = make(chan map[string]error, 1)
		go func() { logins <- o.settleSessions(ctx, accounts, log) }()
	}

	// Operator-initiated cycles read schedule-gated feeds immediately.
	force := trigger == "manual" || req.Interactive
	outcomes := make(map[domain.Source]domain.SourceOutcome, len(sources))
	step := func(src domain.Source, settled map[string]error) error {
		if !begun {
			if err := o.state.Begin(src, domain.GlobalScope); err != nil {
				if errors.Is(err, state.ErrAlreadyRunning) {
					log.Debug().Stringer("source", src).Msg("source already updating, skipped")
					outcomes[src] = domain.SourceOutcome{Source: src, Skipped: true}
					return nil
				}
				return fmt.Errorf("begin %s: %w", src, err)
			}
		}
		outcome, err := o.runSource(ctx, src, accounts, settled, force)
		if cerr := o.state.Complete(src, domain.GlobalScope, err); cerr != nil {
			return fmt.Errorf("complete %s: %w", src, cerr)
		}
		outcome.State = domain.StateUpdated
		if err != nil {
			outcome.State = domain.StateError
		}
		outcomes[src] = outcome
		return nil
	}

	var failed error
	for _, src := range global {
		if failed = step(src, nil); failed != nil {
			break
		}
	}
	var settled map[string]error
	if logins != nil {
		settled = <-logins
	}
	if failed == nil {
		for _, src := range perAccount {
			if failed = step(src, settled); failed != nil {
				break
			}
		}
	}

	for _, src := range sources {
		if out, ok := outcomes[src]; ok {
			report.Sources = append(report.Sources, out)
		}
	}
	if failed != nil {
		return report, failed
	}
	report.FinishedAt = time.Now().UTC()
	log.Info().Dur("elapsed", report.FinishedAt.Sub(report.StartedAt)).Msg("refresh cycle finished")
	o.publish(report)
	return report, nil
}

// settleSessions makes sure every account either has a usable session or a
// recorded reason why not. Accounts without one go through an interactive
// login; all logins wait concurrently so the cycle waits at most one login
// timeout. The result maps each account to its login failure, or nil.
func (o *Orchestrator) settleSessions(ctx context.Context, accounts []string, log zerolog.Logger) map[string]error {
	errs := make([]error, len(accounts))
	var g errgroup.Group
	for i, acct := range accounts {
		g.Go(func() error {
			if _, err := o.sessions.AccessToken(ctx, acct, true); err != nil {
				errs[i] = err
				log.Warn().Err(err).Str("account", acct).Msg("login not completed, account skipped this cycle")
			}
			return nil
		})
	}
	_ = g.Wait()
	out := make(map[string]error, len(accounts))
	for i, acct := range accounts {
		out[acct] = errs[i]
	}
	return out
}

// runSource fetches one source and returns the source-level outcome. A
// per-account source succeeds when any account succeeds; when none does,
// the first failing account's error stands for the source.
func (o *Orchestrator) runSource(ctx context.Context, src domain.Source, accounts []string, settled map[string]error, force bool) (domain.SourceOutcome, error) {
	out := domain.SourceOutcome{Source: src}
	f := o.fetchers[src]
	start := time.Now()
	defer func() { o.metrics.FetchDuration(src.String(), time.Since(start)) }()

	if !src.PerAccount() {
		res, err := f.Fetch(ctx, fetcher.Request{Force: force})
		o.record(src, err)
		if err != nil {
			o.log.Warn().Err(err).Stringer("source", src).Msg("fetch failed")
			out.Failed = map[string]string{domain.GlobalScope.String(): err.Error()}
			return out, err
		}
		o.data.Put(domain.GlobalScope, res.Sets)
		out.Succeeded = []string{domain.GlobalScope.String()}
		return out, nil
	}

	errs := make([]error, len(accounts))
	var g errgroup.Group
	g.SetLimit(o.concurrency)
	for i, acct := range accounts {
		g.Go(func() error {
			errs[i] = o.fetchAccount(ctx, f, acct, settled[acct])
			return nil
		})
	}
	_ = g.Wait()

	var first error
	for i, acct := range accounts {
		if errs[i] == nil {
			out.Succeeded = append(out.Succeeded, acct)
			continue
		}
		if out.Failed == nil {
			out.Failed = make(map[string]string)
		}
		out.Failed[acct] = errs[i].Error()
		if first == nil {
			first = errs[i]
		}
	}
	if len(out.Succeeded) > 0 || first == nil {
		return out, nil
	}
	return out, first
}

// fetchAccount runs f for one account. loginErr is the account's login
// failure earlier in the cycle; when set the fetch is not attempted.
func (o *Orchestrator) fetchAccount(ctx context.Context, f fetcher.Fetcher, account string, loginErr error) error {
	src := f.Source()
	scope := domain.AccountScope(account)
	if err := o.state.Begin(src, scope); err != nil {
		return err
	}
	var err error
	if loginErr != nil {
		err = domain.WithAccount(loginErr, account)
	} else {
		err = o.fetchWithSession(ctx, f, account)
	}
	if domain.IsAuthExpired(err) {
		o.sessions.Invalidate(ctx, account, err)
	}
	if err != nil {
		o.log.Warn().Err(err).Stringer("source", src).Str("account", account).Msg("fetch failed")
	}
	o.record(src, err)
	if cerr := o.state.Complete(src, scope, err); cerr != nil {
		o.log.Error().Err(cerr).Stringer("source", src).Str("account", account).Msg("could not record outcome")
	}
	return err
}

func (o *Orchestrator) fetchWithSession(ctx context.Context, f fetcher.Fetcher, account string) error {
	acct, ok := o.sessions.Account(account)
	if !ok {
		return domain.WithAccount(domain.NewFetchError(domain.ErrorAuthExpired, errors.New("account not configured")), account)
	}
	token, err := o.sessions.AccessToken(ctx, account, false)
	if err != nil {
		return domain.WithAccount(err, account)
	}
	res, err := f.Fetch(ctx, fetcher.Request{Account: acct, AccessToken: token})
	if err != nil {
		return domain.WithAccount(err, account)
	}
	o.data.Put(domain.AccountScope(account), res.Sets)
	return nil
}

func (o *Orchestrator) record(src domain.Source, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(domain.KindOf(err))
	}
	o.metrics.FetchOutcome(src.String(), outcome)
}

func (o *Orchestrator) publish(report domain.CycleReport) {
	if o.publisher == nil {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := o.publisher.Publish(ctx, report); err != nil {
			o.log.Warn().Err(err).Str("cycle_id", report.ID).Msg("cycle report not delivered")
		}
	}()
}
