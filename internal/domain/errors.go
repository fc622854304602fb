package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a fetch failure. It decides whether the next
// scheduled cycle should simply try again.
type ErrorKind string

const (
	ErrorAuthExpired         ErrorKind = "auth_expired"
	ErrorRateLimited         ErrorKind = "rate_limited"
	ErrorUpstreamUnavailable ErrorKind = "upstream_unavailable"
	ErrorMalformedResponse   ErrorKind = "malformed_response"
)

// Retriable reports whether a later cycle may succeed without operator action
// other than a re-login.
func (k ErrorKind) Retriable() bool {
	return k != ErrorMalformedResponse
}

type FetchError struct {
	Kind    ErrorKind
	Account string
	Err     error
}

func NewFetchError(kind ErrorKind, err error) *FetchError {
	return &FetchError{Kind: kind, Err: err}
}

func (e *FetchError) Error() string {
	prefix := string(e.Kind)
	if e.Account != "" {
		prefix = fmt.Sprintf("%s (account %s)", e.Kind, e.Account)
	}
	if e.Err == nil {
		return prefix
	}
	return prefix + ": " + e.Err.Error()
}

func (e *FetchError) Unwrap() error { return e.Err }

// WithAccount returns a copy of err tagged with the account it concerns.
func WithAccount(err error, account string) error {
	if err == nil {
		return nil
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		cp := *fe
		cp.Account = account
		return &cp
	}
	return &FetchError{Kind: KindOf(err), Account: account, Err: err}
}

// KindOf classifies any error. Unknown failures are treated as the upstream
// being unavailable.
func KindOf(err error) ErrorKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ErrorUpstreamUnavailable
}

func IsAuthExpired(err error) bool {
	return err != nil && KindOf(err) == ErrorAuthExpired
}

func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

type SourceError struct {
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	Retriable bool      `json:"retriable"`
	Account   string    `json:"account,omitempty"`
	At        time.Time `json:"at"`
}

func DescribeError(err error, at time.Time) *SourceError {
	if err == nil {
		return nil
	}
	kind := KindOf(err)
	out := &SourceError{
		Kind:      kind,
		Message:   err.Error(),
		Retriable: kind.Retriable(),
		At:        at,
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		out.Account = fe.Account
	}
	return out
}
