// Package store defines the transactional record store the engine persists
// pending and confirmed transactions in. Durable storage itself is a
// collaborator; this package carries the contract, an in-memory
// implementation with an optional file snapshot, and a Postgres
// implementation under store/pg.
package store

import (
	"context"
	"errors"

	"txcore/internal/account"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrStoreClosed   = errors.New("store is closed")
	ErrTxRolledBack  = errors.New("store transaction rolled back")
	ErrInvalidRecord = errors.New("invalid record")
)

// Tx is the operation set available inside a store transaction. Writes made
// through a Tx become visible atomically when the Update callback returns
// nil; a non-nil return discards all of them.
type Tx interface {
	GetPending(ctx context.Context, key PendingKey) (*PendingTx, error)
	ListPending(ctx context.Context, acct account.Ref) ([]*PendingTx, error)
	PutPending(ctx context.Context, rec *PendingTx) error
	DeletePending(ctx context.Context, key PendingKey) error

	GetConfirmed(ctx context.Context, key ConfirmedKey) (*ConfirmedTx, error)
	UpsertConfirmed(ctx context.Context, rec *ConfirmedTx) error

	// ListConfirmedDesc returns up to limit records for (acct, kind)
	// strictly older than before (all records when before is nil), newest
	// first.
	ListConfirmedDesc(ctx context.Context, acct account.Ref, kind account.Kind, before *ConfirmedKey, limit int) ([]*ConfirmedTx, error)
}

// Store is a Tx whose single-call operations are individually atomic, plus
// Update for multi-record transactions.
type Store interface {
	Tx

	Update(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}
