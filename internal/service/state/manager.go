package state

import (
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"folio/internal/domain"
)

var (
	ErrAlreadyRunning = errors.New("source is already updating")
	ErrNotRunning     = errors.New("source is not updating")
	ErrClosed         = errors.New("state manager closed")
)

type scopeEntry struct {
	state       domain.State
	lastUpdated time.Time
	lastError   *domain.SourceError
}

type sourceEntry struct {
	scopeEntry
	accounts map[string]*scopeEntry
}

// Manager is the single owner of source states and session flags. Every
// method holds the lock only for in-memory work; no I/O happens under it.
type Manager struct {
	mu       sync.Mutex
	sources  [domain.NumSources]sourceEntry
	validity map[string]bool
	waiting  bool
	closed   bool

	now        func() time.Time
	marketOpen func(time.Time) bool
	changes    chan struct{}
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithMarketHours sets the predicate used to fill Snapshot.MarketOpen.
func WithMarketHours(open func(time.Time) bool) Option {
	return func(m *Manager) { m.marketOpen = open }
}

// New creates a manager with every source not_loaded and every account's
// session marked invalid until proven otherwise.
func New(accounts []string, opts ...Option) *Manager {
	m := &Manager{
		validity:   make(map[string]bool, len(accounts)),
		now:        time.Now,
		marketOpen: func(time.Time) bool { return false },
		changes:    make(chan struct{}, 1),
	}
	for i := range m.sources {
		m.sources[i] = sourceEntry{
			scopeEntry: scopeEntry{state: domain.StateNotLoaded},
			accounts:   make(map[string]*scopeEntry),
		}
	}
	for _, a := range accounts {
		m.validity[a] = false
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Changes delivers a signal after every mutation. Signals coalesce: a slow
// reader sees one pending signal, never a backlog. The channel is closed by
// Close.
func (m *Manager) Changes() <-chan struct{} { return m.changes }

func (m *Manager) Begin(src domain.Source, scope domain.Scope) error {
	if !src.Valid() {
		return fmt.Errorf("begin: invalid source %d", int(src))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	e := m.entry(src, scope, true)
	if e.state == domain.StateUpdating {
		return fmt.Errorf("%s/%s: %w", src, scope, ErrAlreadyRunning)
	}
	e.state = domain.StateUpdating
	m.notifyLocked()
	return nil
}

// BeginAll begins the source-level scope of every listed source, or none of
// them if any is already updating.
func (m *Manager) BeginAll(sources []domain.Source) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, src := range sources {
		if !src.Valid() {
			return fmt.Errorf("begin: invalid source %d", int(src))
		}
		if m.sources[src].state == domain.StateUpdating {
			return fmt.Errorf("%s: %w", src, ErrAlreadyRunning)
		}
	}
	for _, src := range sources {
		m.sources[src].state = domain.StateUpdating
	}
	if len(sources) > 0 {
		m.notifyLocked()
	}
	return nil
}

// Complete ends an update. A nil outcome means success and stamps the
// update time; an error is recorded as the scope's last error and leaves the
// previous update time in place.
func (m *Manager) Complete(src domain.Source, scope domain.Scope, outcome error) error {
	if !src.Valid() {
		return fmt.Errorf("complete: invalid source %d", int(src))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entry(src, scope, false)
	if e == nil || e.state != domain.StateUpdating {
		return fmt.Errorf("%s/%s: %w", src, scope, ErrNotRunning)
	}
	now := m.now()
	if outcome == nil {
		e.state = domain.StateUpdated
		e.lastUpdated = now
		e.lastError = nil
	} else {
		e.state = domain.StateError
		e.lastError = domain.DescribeError(outcome, now)
	}
	m.notifyLocked()
	return nil
}

// Running reports whether the source-level scope of src is updating.
func (m *Manager) Running(src domain.Source) bool {
	if !src.Valid() {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sources[src].state == domain.StateUpdating
}

func (m *Manager) SetSessionValidity(account string, valid bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.validity[account]; ok && cur == valid {
		return
	}
	m.validity[account] = valid
	m.notifyLocked()
}

func (m *Manager) SessionValid(account string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.validity[account]
}

func (m *Manager) SetWaitingForLogin(waiting bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.waiting == waiting {
		return
	}
	m.waiting = waiting
	m.notifyLocked()
}

// Snapshot copies the full state at a single instant.
func (m *Manager) Snapshot() domain.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	snap := domain.Snapshot{
		SessionValidity: maps.Clone(m.validity),
		WaitingForLogin: m.waiting,
		MarketOpen:      m.marketOpen(now),
		GeneratedAt:     now,
	}
	if snap.SessionValidity == nil {
		snap.SessionValidity = map[string]bool{}
	}
	for i, src := range m.sources {
		out := domain.SourceStatus{ScopeStatus: src.scopeEntry.export()}
		if len(src.accounts) > 0 {
			out.Accounts = make(map[string]domain.ScopeStatus, len(src.accounts))
			for id, e := range src.accounts {
				out.Accounts[id] = e.export()
			}
		}
		snap.Sources[i] = out
	}
	return snap
}

// Close rejects further Begin calls and closes the Changes channel.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.changes)
}

func (m *Manager) entry(src domain.Source, scope domain.Scope, create bool) *scopeEntry {
	se := &m.sources[src]
	if scope.IsGlobal() {
		return &se.scopeEntry
	}
	e, ok := se.accounts[string(scope)]
	if !ok {
		if !create {
			return nil
		}
		e = &scopeEntry{state: domain.StateNotLoaded}
		se.accounts[string(scope)] = e
	}
	return e
}

func (m *Manager) notifyLocked() {
	if m.closed {
		return
	}
	select {
	case m.changes <- struct{}{}:
	default:
	}
}

func (e scopeEntry) export() domain.ScopeStatus {
	out := domain.ScopeStatus{State: e.state}
	if !e.lastUpdated.IsZero() {
		t := e.lastUpdated
		out.LastUpdatedAt = &t
	}
	if e.lastError != nil {
		cp := *e.lastError
		out.LastError = &cp
	}
	return out
}
