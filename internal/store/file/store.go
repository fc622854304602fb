package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"folio/internal/domain"
	"folio/internal/store"
)

const formatVersion = 2

// legacyTTL is the validity window assumed for records written before
// issued_at was tracked.
const legacyTTL = 23*time.Hour + 50*time.Minute

type document struct {
	Version  int               `json:"version"`
	Sessions map[string]string `json:"sessions"`
}

// legacyEntry is the older plaintext layout: {"acct": {"access_token", "expiry"}}.
type legacyEntry struct {
	AccessToken string `json:"access_token"`
	Expiry      string `json:"expiry"`
}

// Store keeps every account's session in a single encrypted JSON file that
// is rewritten atomically on each change.
type Store struct {
	path   string
	cipher store.Cipher
	log    zerolog.Logger

	mu sync.Mutex
}

func NewStore(path string, cipher store.Cipher, logger zerolog.Logger) *Store {
	return &Store{
		path:   path,
		cipher: cipher,
		log:    logger.With().Str("component", "session_file").Logger(),
	}
}

func (s *Store) Path() string { return s.path }

func (s *Store) Load(_ context.Context, accountID string) (domain.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.read()
	if err != nil {
		return domain.SessionRecord{}, err
	}
	payload, ok := doc.Sessions[accountID]
	if !ok {
		return domain.SessionRecord{}, store.ErrNotFound
	}
	rec, err := store.Open(s.cipher, payload)
	if err != nil {
		return domain.SessionRecord{}, fmt.Errorf("load %s: %w", accountID, err)
	}
	rec.AccountID = accountID
	return rec, nil
}

func (s *Store) Save(_ context.Context, rec domain.SessionRecord) error {
	if rec.AccountID == "" {
		return errors.New("save session: empty account id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.read()
	if err != nil {
		return err
	}
	payload, err := store.Seal(s.cipher, rec)
	if err != nil {
		return err
	}
	doc.Sessions[rec.AccountID] = payload
	return s.write(doc)
}

func (s *Store) Invalidate(_ context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.read()
	if err != nil {
		return err
	}
	payload, ok := doc.Sessions[accountID]
	if !ok {
		return store.ErrNotFound
	}
	rec, err := store.Open(s.cipher, payload)
	if err != nil {
		// Unreadable on this host, which already means invalid.
		return nil
	}
	if rec.Rejected {
		return nil
	}
	rec.AccountID = accountID
	rec.Rejected = true
	sealed, err := store.Seal(s.cipher, rec)
	if err != nil {
		return err
	}
	doc.Sessions[accountID] = sealed
	return s.write(doc)
}

func (s *Store) List(_ context.Context) ([]domain.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.read()
	if err != nil {
		return nil, err
	}
	out := make([]domain.SessionRecord, 0, len(doc.Sessions))
	for id, payload := range doc.Sessions {
		rec, err := store.Open(s.cipher, payload)
		if err != nil {
			s.log.Warn().Str("account", id).Err(err).Msg("skipping unreadable session")
			continue
		}
		rec.AccountID = id
		out = append(out, rec)
	}
	slices.SortFunc(out, func(a, b domain.SessionRecord) int { return strings.Compare(a.AccountID, b.AccountID) })
	return out, nil
}

// read returns the current document, migrating a legacy plaintext file in
// place. Callers must hold s.mu.
func (s *Store) read() (document, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return document{Version: formatVersion, Sessions: map[string]string{}}, nil
	}
	if err != nil {
		return document{}, fmt.Errorf("read session cache: %w", err)
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return document{Version: formatVersion, Sessions: map[string]string{}}, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return s.quarantine(err)
	}
	if _, ok := fields["version"]; ok {
		var doc document
		if err := json.Unmarshal(raw, &doc); err != nil {
			return s.quarantine(err)
		}
		if doc.Sessions == nil {
			doc.Sessions = map[string]string{}
		}
		return doc, nil
	}
	return s.migrate(fields)
}

// quarantine moves an unparseable cache file aside and starts over with an
// empty document, so every account simply needs a new login.
func (s *Store) quarantine(cause error) (document, error) {
	aside := s.path + ".corrupt"
	if err := os.Rename(s.path, aside); err != nil {
		return document{}, fmt.Errorf("parse session cache: %w (move aside: %v)", cause, err)
	}
	s.log.Warn().Err(cause).Str("moved_to", aside).Msg("session cache unreadable, starting empty")
	return document{Version: formatVersion, Sessions: map[string]string{}}, nil
}

func (s *Store) migrate(entries map[string]json.RawMessage) (document, error) {
	doc := document{Version: formatVersion, Sessions: make(map[string]string, len(entries))}
	for id, raw := range entries {
		var le legacyEntry
		if err := json.Unmarshal(raw, &le); err != nil || le.AccessToken == "" {
			s.log.Warn().Str("account", id).Msg("dropping malformed legacy session entry")
			continue
		}
		expiry, err := parseLegacyTime(le.Expiry)
		if err != nil {
			s.log.Warn().Str("account", id).Str("expiry", le.Expiry).Msg("legacy session has unparseable expiry, marking expired")
		}
		rec := domain.SessionRecord{
			AccountID:   id,
			AccessToken: le.AccessToken,
			IssuedAt:    expiry.Add(-legacyTTL),
			ExpiresAt:   expiry,
		}
		payload, err := store.Seal(s.cipher, rec)
		if err != nil {
			return document{}, err
		}
		doc.Sessions[id] = payload
	}
	if err := s.write(doc); err != nil {
		return document{}, fmt.Errorf("migrate session cache: %w", err)
	}
	s.log.Info().Int("sessions", len(doc.Sessions)).Msg("migrated plaintext session cache to encrypted format")
	return doc, nil
}

var legacyLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999-07:00",
	"2006-01-02 15:04:05.999999",
}

func parseLegacyTime(v string) (time.Time, error) {
	for _, layout := range legacyLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", v)
}

// write replaces the cache file via a temp file in the same directory, so a
// reader sees either the old or the new content.
func (s *Store) write(doc document) error {
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session cache: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create session cache dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".session_cache-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp session cache: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write temp session cache: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp session cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp session cache: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		cleanup()
		return fmt.Errorf("chmod session cache: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		cleanup()
		return fmt.Errorf("replace session cache: %w", err)
	}
	return nil
}
