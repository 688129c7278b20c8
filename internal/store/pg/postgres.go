// Package pg is the Postgres-backed record store. Key columns mirror the
// record keys for range queries; the full record travels as JSONB.
package pg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"txcore/internal/account"
	"txcore/internal/store"
)

type Postgres struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Postgres { return &Postgres{pool: pool} }

// Open connects to dsn and ensures the schema exists.
func Open(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	p := New(pool)
	if err := p.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) EnsureSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS pending_transactions (
  account_key TEXT NOT NULL,
  nonce BIGINT NOT NULL,
  record JSONB NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (account_key, nonce)
);

CREATE TABLE IF NOT EXISTS confirmed_transactions (
  account_key TEXT NOT NULL,
  kind INT NOT NULL,
  primary_index BIGINT NOT NULL,
  secondary_index TEXT NOT NULL,
  fetched_cursor BOOLEAN NOT NULL DEFAULT false,
  record JSONB NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (account_key, kind, primary_index, secondary_index)
);

CREATE INDEX IF NOT EXISTS confirmed_order_idx
  ON confirmed_transactions(account_key, kind, primary_index DESC, secondary_index DESC);
`
	_, err := p.pool.Exec(ctx, ddl)
	return err
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so the same
// statement helpers serve direct calls and Update transactions.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (p *Postgres) GetPending(ctx context.Context, key store.PendingKey) (*store.PendingTx, error) {
	return getPending(ctx, p.pool, key)
}

func (p *Postgres) ListPending(ctx context.Context, acct account.Ref) ([]*store.PendingTx, error) {
	return listPending(ctx, p.pool, acct)
}

func (p *Postgres) PutPending(ctx context.Context, rec *store.PendingTx) error {
	return putPending(ctx, p.pool, rec)
}

func (p *Postgres) DeletePending(ctx context.Context, key store.PendingKey) error {
	return deletePending(ctx, p.pool, key)
}

func (p *Postgres) GetConfirmed(ctx context.Context, key store.ConfirmedKey) (*store.ConfirmedTx, error) {
	return getConfirmed(ctx, p.pool, key)
}

func (p *Postgres) UpsertConfirmed(ctx context.Context, rec *store.ConfirmedTx) error {
	return upsertConfirmed(ctx, p.pool, rec)
}

func (p *Postgres) ListConfirmedDesc(ctx context.Context, acct account.Ref, kind account.Kind, before *store.ConfirmedKey, limit int) ([]*store.ConfirmedTx, error) {
	return listConfirmedDesc(ctx, p.pool, acct, kind, before, limit)
}

func (p *Postgres) Update(ctx context.Context, fn func(tx store.Tx) error) error {
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		return fn(&pgTx{q: tx})
	})
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

type pgTx struct {
	q querier
}

func (t *pgTx) GetPending(ctx context.Context, key store.PendingKey) (*store.PendingTx, error) {
	return getPending(ctx, t.q, key)
}

func (t *pgTx) ListPending(ctx context.Context, acct account.Ref) ([]*store.PendingTx, error) {
	return listPending(ctx, t.q, acct)
}

func (t *pgTx) PutPending(ctx context.Context, rec *store.PendingTx) error {
	return putPending(ctx, t.q, rec)
}

func (t *pgTx) DeletePending(ctx context.Context, key store.PendingKey) error {
	return deletePending(ctx, t.q, key)
}

func (t *pgTx) GetConfirmed(ctx context.Context, key store.ConfirmedKey) (*store.ConfirmedTx, error) {
	return getConfirmed(ctx, t.q, key)
}

func (t *pgTx) UpsertConfirmed(ctx context.Context, rec *store.ConfirmedTx) error {
	return upsertConfirmed(ctx, t.q, rec)
}

func (t *pgTx) ListConfirmedDesc(ctx context.Context, acct account.Ref, kind account.Kind, before *store.ConfirmedKey, limit int) ([]*store.ConfirmedTx, error) {
	return listConfirmedDesc(ctx, t.q, acct, kind, before, limit)
}

func getPending(ctx context.Context, q querier, key store.PendingKey) (*store.PendingTx, error) {
	row := q.QueryRow(ctx,
		`SELECT record FROM pending_transactions WHERE account_key = $1 AND nonce = $2`,
		key.Account.Key(), int64(key.Nonce))
	return scanPending(row)
}

func listPending(ctx context.Context, q querier, acct account.Ref) ([]*store.PendingTx, error) {
	rows, err := q.Query(ctx,
		`SELECT record FROM pending_transactions WHERE account_key = $1 ORDER BY nonce`,
		acct.Key())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*store.PendingTx
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var rec store.PendingTx
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("decode pending record: %w", err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func putPending(ctx context.Context, q querier, rec *store.PendingTx) error {
	if rec == nil {
		return store.ErrInvalidRecord
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = q.Exec(ctx, `
INSERT INTO pending_transactions(account_key, nonce, record)
VALUES ($1, $2, $3)
ON CONFLICT (account_key, nonce) DO UPDATE SET
  record = EXCLUDED.record,
  updated_at = now()`,
		rec.Account.Key(), int64(rec.Nonce), raw)
	return err
}

func deletePending(ctx context.Context, q querier, key store.PendingKey) error {
	_, err := q.Exec(ctx,
		`DELETE FROM pending_transactions WHERE account_key = $1 AND nonce = $2`,
		key.Account.Key(), int64(key.Nonce))
	return err
}

func getConfirmed(ctx context.Context, q querier, key store.ConfirmedKey) (*store.ConfirmedTx, error) {
	row := q.QueryRow(ctx, `
SELECT record FROM confirmed_transactions
WHERE account_key = $1 AND kind = $2 AND primary_index = $3 AND secondary_index = $4`,
		key.Account.Key(), int(key.Kind), int64(key.Primary), key.Secondary)
	return scanConfirmed(row)
}

func upsertConfirmed(ctx context.Context, q querier, rec *store.ConfirmedTx) error {
	if rec == nil {
		return store.ErrInvalidRecord
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = q.Exec(ctx, `
INSERT INTO confirmed_transactions(account_key, kind, primary_index, secondary_index, fetched_cursor, record)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (account_key, kind, primary_index, secondary_index) DO UPDATE SET
  fetched_cursor = EXCLUDED.fetched_cursor,
  record = EXCLUDED.record,
  updated_at = now()`,
		rec.Account.Key(), int(rec.Kind), int64(rec.Primary), rec.Secondary, rec.FetchedCursor, raw)
	return err
}

func listConfirmedDesc(ctx context.Context, q querier, acct account.Ref, kind account.Kind, before *store.ConfirmedKey, limit int) ([]*store.ConfirmedTx, error) {
	sql := `
SELECT record FROM confirmed_transactions
WHERE account_key = $1 AND kind = $2`
	args := []any{acct.Key(), int(kind)}
	if before != nil {
		sql += ` AND (primary_index, secondary_index) < ($3, $4)`
		args = append(args, int64(before.Primary), before.Secondary)
	}
	sql += ` ORDER BY primary_index DESC, secondary_index DESC`
	if limit > 0 {
		sql += fmt.Sprintf(` LIMIT %d`, limit)
	}
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*store.ConfirmedTx
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var rec store.ConfirmedTx
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("decode confirmed record: %w", err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func scanPending(row pgx.Row) (*store.PendingTx, error) {
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	var rec store.PendingTx
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode pending record: %w", err)
	}
	return &rec, nil
}

func scanConfirmed(row pgx.Row) (*store.ConfirmedTx, error) {
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	var rec store.ConfirmedTx
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode confirmed record: %w", err)
	}
	return &rec, nil
}
