package cache

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"folio/internal/domain"
)

// Store holds the last good rows per dataset and scope. A failed fetch for
// one scope never disturbs rows another scope delivered earlier.
type Store struct {
	mu   sync.RWMutex
	sets map[string]map[domain.Scope][]domain.Row
}

func New() *Store {
	return &Store{sets: make(map[string]map[domain.Scope][]domain.Row)}
}

// Put replaces the given datasets for scope.
func (s *Store) Put(scope domain.Scope, sets map[string][]domain.Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, rows := range sets {
		byScope, ok := s.sets[name]
		if !ok {
			byScope = make(map[domain.Scope][]domain.Row)
			s.sets[name] = byScope
		}
		cp := make([]domain.Row, len(rows))
		for i, r := range rows {
			cp[i] = r.Clone()
		}
		byScope[scope] = cp
	}
}

// Rows returns every scope's rows for a dataset. Rows from account scopes
// carry an "account" field naming their account.
func (s *Store) Rows(set string) []domain.Row {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byScope := s.sets[set]
	scopes := make([]domain.Scope, 0, len(byScope))
	for sc := range byScope {
		scopes = append(scopes, sc)
	}
	slices.Sort(scopes)

	out := make([]domain.Row, 0)
	for _, sc := range scopes {
		for _, r := range byScope[sc] {
			row := r.Clone()
			if !sc.IsGlobal() {
				row["account"] = string(sc)
			}
			out = append(out, row)
		}
	}
	return out
}

// SortedRows is Rows ordered by the string form of key.
func (s *Store) SortedRows(set, key string) []domain.Row {
	rows := s.Rows(set)
	slices.SortStableFunc(rows, func(a, b domain.Row) int {
		return cmp.Compare(sortValue(a[key]), sortValue(b[key]))
	})
	return rows
}

func sortValue(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

// loadTimeout bounds one shared load. The load is detached from the caller
// that started it, so one departing caller cannot fail the others.
const loadTimeout = 20 * time.Second

// TTL caches the result of load for a fixed period. Concurrent misses share
// one load. A failed reload serves the previous value when there is one.
type TTL[T any] struct {
	ttl  time.Duration
	load func(context.Context) (T, error)
	now  func() time.Time

	group singleflight.Group
	mu    sync.Mutex
	value T
	at    time.Time
	ok    bool
}

func NewTTL[T any](ttl time.Duration, load func(context.Context) (T, error)) *TTL[T] {
	return &TTL[T]{ttl: ttl, load: load, now: time.Now}
}

func (c *TTL[T]) Get(ctx context.Context) (T, error) {
	c.mu.Lock()
	if c.ok && c.now().Sub(c.at) < c.ttl {
		v := c.value
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()

	ch := c.group.DoChan("load", func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()
		val, err := c.load(lctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.value, c.at, c.ok = val, c.now(), true
		c.mu.Unlock()
		return val, nil
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.ok {
			return c.value, nil
		}
		var zero T
		return zero, res.Err
	}
	return res.Val.(T), nil
}
