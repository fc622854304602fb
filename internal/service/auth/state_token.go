package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// stateClaims bind a login redirect to one account and one flow.
type stateClaims struct {
	jwt.RegisteredClaims
}

func (c *Coordinator) signState(account, flowID string, expires time.Time) (string, error) {
	now := c.now()
	claims := stateClaims{jwt.RegisteredClaims{
		Subject:   account,
		ID:        flowID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("sign login state: %w", err)
	}
	return signed, nil
}

func (c *Coordinator) parseState(token string) (account, flowID string, err error) {
	var claims stateClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return c.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(c.now))
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if !parsed.Valid || claims.Subject == "" || claims.ID == "" {
		return "", "", ErrInvalidState
	}
	return claims.Subject, claims.ID, nil
}

var errNoSecret = errors.New("login state secret is empty")
