package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"folio/internal/domain"
	"folio/internal/store"
)

const defaultTable = "broker_sessions"

// Store keeps encrypted session payloads in Postgres, one row per account.
// Only the account id and timestamps are stored in the clear.
type Store struct {
	db     *sql.DB
	cipher store.Cipher
	table  string
}

func NewStore(databaseURL string, cipher store.Cipher) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &Store{db: db, cipher: cipher, table: pq.QuoteIdentifier(defaultTable)}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `create table if not exists `+s.table+` (
		account_id text primary key,
		payload    text not null,
		updated_at timestamptz not null default now()
	)`)
	if err != nil {
		return fmt.Errorf("create %s: %w", s.table, describe(err))
	}
	return nil
}

func (s *Store) Load(ctx context.Context, accountID string) (domain.SessionRecord, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`select payload from `+s.table+` where account_id = $1`, accountID,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SessionRecord{}, store.ErrNotFound
	}
	if err != nil {
		return domain.SessionRecord{}, fmt.Errorf("load session %s: %w", accountID, describe(err))
	}
	rec, err := store.Open(s.cipher, payload)
	if err != nil {
		return domain.SessionRecord{}, fmt.Errorf("load %s: %w", accountID, err)
	}
	rec.AccountID = accountID
	return rec, nil
}

func (s *Store) Save(ctx context.Context, rec domain.SessionRecord) error {
	payload, err := store.Seal(s.cipher, rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`insert into `+s.table+` (account_id, payload, updated_at) values ($1, $2, now())
		 on conflict (account_id) do update
		 set payload = excluded.payload, updated_at = excluded.updated_at`,
		rec.AccountID, payload,
	)
	if err != nil {
		return fmt.Errorf("save session %s: %w", rec.AccountID, describe(err))
	}
	return nil
}

func (s *Store) Invalidate(ctx context.Context, accountID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin invalidate: %w", describe(err))
	}
	defer tx.Rollback() //nolint:errcheck

	var payload string
	err = tx.QueryRowContext(ctx,
		`select payload from `+s.table+` where account_id = $1 for update`, accountID,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("invalidate %s: %w", accountID, describe(err))
	}
	rec, err := store.Open(s.cipher, payload)
	if err != nil || rec.Rejected {
		return nil
	}
	rec.AccountID = accountID
	rec.Rejected = true
	sealed, err := store.Seal(s.cipher, rec)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`update `+s.table+` set payload = $2, updated_at = now() where account_id = $1`,
		accountID, sealed,
	); err != nil {
		return fmt.Errorf("invalidate %s: %w", accountID, describe(err))
	}
	return tx.Commit()
}

func (s *Store) List(ctx context.Context) ([]domain.SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `select account_id, payload from `+s.table+` order by account_id`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", describe(err))
	}
	defer rows.Close()

	out := make([]domain.SessionRecord, 0, 4)
	for rows.Next() {
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, err
		}
		rec, err := store.Open(s.cipher, payload)
		if err != nil {
			continue
		}
		rec.AccountID = id
		out = append(out, rec)
	}
	return out, rows.Err()
}

// describe adds the SQLSTATE to driver errors so log lines are actionable.
func describe(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return fmt.Errorf("%w (sqlstate %s)", err, pqErr.Code)
	}
	return err
}
