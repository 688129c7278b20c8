package pg

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"txcore/internal/account"
	"txcore/internal/store"
)

// Integration test; run with a scratch database:
//
//	TXCORE_PG_TEST_DSN=postgres://localhost/txcore_test go test ./internal/store/pg
func openTestStore(t *testing.T) *Postgres {
	t.Helper()
	dsn := os.Getenv("TXCORE_PG_TEST_DSN")
	if dsn == "" {
		t.Skip("TXCORE_PG_TEST_DSN not set")
	}
	p, err := Open(context.Background(), dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func testAccount(t *testing.T) account.Ref {
	return account.Ref{
		KeyUID:      "pgtest-" + t.Name(),
		NetworkKind: "evm",
		ChainID:     1,
		Address:     common.HexToAddress("0x1111111111111111111111111111111111111111"),
	}
}

func wipeAccount(t *testing.T, p *Postgres, acct account.Ref) {
	t.Helper()
	ctx := context.Background()
	for _, table := range []string{"pending_transactions", "confirmed_transactions"} {
		if _, err := p.pool.Exec(ctx, "DELETE FROM "+table+" WHERE account_key = $1", acct.Key()); err != nil {
			t.Fatal(err)
		}
	}
}

func confirmedAt(acct account.Ref, block uint64, index uint) *store.ConfirmedTx {
	return &store.ConfirmedTx{
		Account:   acct,
		Kind:      account.KindEOA,
		Primary:   block,
		Secondary: fmt.Sprintf("%010d", index),
		TxHash:    common.BytesToHash([]byte(fmt.Sprintf("%d-%d", block, index))),
		Success:   true,
	}
}

func TestPendingRoundTrip(t *testing.T) {
	ctx := context.Background()
	p := openTestStore(t)
	acct := testAccount(t)
	wipeAccount(t, p, acct)

	rec := &store.PendingTx{
		Account:    acct,
		Nonce:      5,
		Kind:       account.KindEOA,
		Envelope:   store.Envelope{TxHash: common.HexToHash("0x01")},
		StartBlock: 40,
	}
	if err := p.PutPending(ctx, rec); err != nil {
		t.Fatal(err)
	}
	got, err := p.GetPending(ctx, rec.Key())
	if err != nil {
		t.Fatal(err)
	}
	if got.StartBlock != 40 || got.Envelope.TxHash != rec.Envelope.TxHash {
		t.Fatal("record did not round-trip")
	}

	// Same nonce replaces, not duplicates.
	rec.Envelope.TxHash = common.HexToHash("0x02")
	if err := p.PutPending(ctx, rec); err != nil {
		t.Fatal(err)
	}
	list, err := p.ListPending(ctx, acct)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Envelope.TxHash != rec.Envelope.TxHash {
		t.Fatal("replacement did not overwrite in place")
	}

	if err := p.DeletePending(ctx, rec.Key()); err != nil {
		t.Fatal(err)
	}
	if _, err := p.GetPending(ctx, rec.Key()); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound after delete", err)
	}
}

func TestConfirmedPagination(t *testing.T) {
	ctx := context.Background()
	p := openTestStore(t)
	acct := testAccount(t)
	wipeAccount(t, p, acct)

	for _, rec := range []*store.ConfirmedTx{
		confirmedAt(acct, 10, 0),
		confirmedAt(acct, 12, 3),
		confirmedAt(acct, 11, 7),
		confirmedAt(acct, 11, 2),
	} {
		if err := p.UpsertConfirmed(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	page, err := p.ListConfirmedDesc(ctx, acct, account.KindEOA, nil, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].Primary != 12 || page[1].Primary != 11 {
		t.Fatalf("wrong first page: %+v", page)
	}
	last := page[1].Key()
	rest, err := p.ListConfirmedDesc(ctx, acct, account.KindEOA, &last, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 2 || rest[0].Primary != 11 || rest[1].Primary != 10 {
		t.Fatalf("wrong continuation: %+v", rest)
	}
}

func TestUpdateRollsBack(t *testing.T) {
	ctx := context.Background()
	p := openTestStore(t)
	acct := testAccount(t)
	wipeAccount(t, p, acct)
	boom := errors.New("boom")

	err := p.Update(ctx, func(tx store.Tx) error {
		if err := tx.PutPending(ctx, &store.PendingTx{Account: acct, Nonce: 1}); err != nil {
			return err
		}
		if err := tx.UpsertConfirmed(ctx, confirmedAt(acct, 20, 0)); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want the callback error", err)
	}
	if _, err := p.GetPending(ctx, store.PendingKey{Account: acct, Nonce: 1}); !errors.Is(err, store.ErrNotFound) {
		t.Fatal("pending write survived a rolled-back transaction")
	}
	if _, err := p.GetConfirmed(ctx, confirmedAt(acct, 20, 0).Key()); !errors.Is(err, store.ErrNotFound) {
		t.Fatal("confirmed write survived a rolled-back transaction")
	}
}
