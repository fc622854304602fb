package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"folio/internal/domain"
)

var (
	ErrNotFound = errors.New("session not found")
	// ErrDecryption means a record exists but cannot be opened with this
	// host's key. Callers treat it like ErrNotFound and force a re-login.
	ErrDecryption = errors.New("session cannot be decrypted")
)

// SessionStore persists per-account brokerage sessions.
type SessionStore interface {
	Load(ctx context.Context, accountID string) (domain.SessionRecord, error)
	// Save overwrites any existing record for the same account.
	Save(ctx context.Context, rec domain.SessionRecord) error
	// Invalidate marks a record rejected without deleting it. It is a no-op
	// for records that are already invalid.
	Invalidate(ctx context.Context, accountID string) error
	List(ctx context.Context) ([]domain.SessionRecord, error)
}

// Cipher is the encryption transform applied to every persisted record.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(encoded string) (string, error)
}

// Seal serializes and encrypts rec.
func Seal(c Cipher, rec domain.SessionRecord) (string, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("encode session %s: %w", rec.AccountID, err)
	}
	out, err := c.Encrypt(string(raw))
	if err != nil {
		return "", fmt.Errorf("encrypt session %s: %w", rec.AccountID, err)
	}
	return out, nil
}

// Open reverses Seal. Any failure to decrypt or decode yields ErrDecryption.
func Open(c Cipher, payload string) (domain.SessionRecord, error) {
	plain, err := c.Decrypt(payload)
	if err != nil {
		return domain.SessionRecord{}, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	var rec domain.SessionRecord
	if err := json.Unmarshal([]byte(plain), &rec); err != nil {
		return domain.SessionRecord{}, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return rec, nil
}
