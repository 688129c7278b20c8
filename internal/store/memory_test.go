package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"txcore/internal/account"
)

func testAccount() account.Ref {
	return account.Ref{
		KeyUID:      "key-1",
		NetworkKind: "evm",
		ChainID:     1,
		Address:     common.HexToAddress("0x1111111111111111111111111111111111111111"),
	}
}

func confirmedAt(acct account.Ref, block uint64, index uint) *ConfirmedTx {
	return &ConfirmedTx{
		Account:   acct,
		Kind:      account.KindEOA,
		Primary:   block,
		Secondary: fmt.Sprintf("%010d", index),
		TxHash:    common.BytesToHash([]byte(fmt.Sprintf("%d-%d", block, index))),
		Success:   true,
	}
}

func TestMemoryPendingReplacesAtSameNonce(t *testing.T) {
	ctx := context.Background()
	m, err := NewMemory("")
	if err != nil {
		t.Fatal(err)
	}
	acct := testAccount()

	first := &PendingTx{Account: acct, Nonce: 5, Envelope: Envelope{TxHash: common.HexToHash("0x01")}}
	second := &PendingTx{Account: acct, Nonce: 5, Envelope: Envelope{TxHash: common.HexToHash("0x02")}}
	if err := m.PutPending(ctx, first); err != nil {
		t.Fatal(err)
	}
	if err := m.PutPending(ctx, second); err != nil {
		t.Fatal(err)
	}

	list, err := m.ListPending(ctx, acct)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("got %d pending records, want 1", len(list))
	}
	if list[0].Envelope.TxHash != second.Envelope.TxHash {
		t.Fatal("second submission did not replace the first")
	}
}

func TestMemoryUpdateRollsBack(t *testing.T) {
	ctx := context.Background()
	m, err := NewMemory("")
	if err != nil {
		t.Fatal(err)
	}
	acct := testAccount()
	boom := errors.New("boom")

	err = m.Update(ctx, func(tx Tx) error {
		if err := tx.PutPending(ctx, &PendingTx{Account: acct, Nonce: 1}); err != nil {
			return err
		}
		if err := tx.UpsertConfirmed(ctx, confirmedAt(acct, 10, 0)); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want the callback error", err)
	}

	if _, err := m.GetPending(ctx, PendingKey{Account: acct, Nonce: 1}); !errors.Is(err, ErrNotFound) {
		t.Fatal("pending write survived a rolled-back transaction")
	}
	if _, err := m.GetConfirmed(ctx, confirmedAt(acct, 10, 0).Key()); !errors.Is(err, ErrNotFound) {
		t.Fatal("confirmed write survived a rolled-back transaction")
	}
}

func TestMemoryListConfirmedDescPagination(t *testing.T) {
	ctx := context.Background()
	m, err := NewMemory("")
	if err != nil {
		t.Fatal(err)
	}
	acct := testAccount()

	// Insert out of order: blocks 10, 12, 11 with two entries in block 11.
	for _, rec := range []*ConfirmedTx{
		confirmedAt(acct, 10, 0),
		confirmedAt(acct, 12, 3),
		confirmedAt(acct, 11, 7),
		confirmedAt(acct, 11, 2),
	} {
		if err := m.UpsertConfirmed(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	page, err := m.ListConfirmedDesc(ctx, acct, account.KindEOA, nil, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 {
		t.Fatalf("got %d records, want 2", len(page))
	}
	if page[0].Primary != 12 || page[1].Primary != 11 || page[1].Secondary != fmt.Sprintf("%010d", 7) {
		t.Fatalf("wrong page order: %d/%s, %d/%s", page[0].Primary, page[0].Secondary, page[1].Primary, page[1].Secondary)
	}

	last := page[1].Key()
	rest, err := m.ListConfirmedDesc(ctx, acct, account.KindEOA, &last, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 2 {
		t.Fatalf("got %d records after cursor, want 2", len(rest))
	}
	if rest[0].Primary != 11 || rest[0].Secondary != fmt.Sprintf("%010d", 2) {
		t.Fatalf("wrong continuation: %d/%s", rest[0].Primary, rest[0].Secondary)
	}
	if rest[1].Primary != 10 {
		t.Fatalf("wrong tail: block %d", rest[1].Primary)
	}
}

func TestMemorySnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.json")
	acct := testAccount()

	m, err := NewMemory(path)
	if err != nil {
		t.Fatal(err)
	}
	rec := confirmedAt(acct, 42, 1)
	rec.FetchedCursor = true
	if err := m.UpsertConfirmed(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if err := m.PutPending(ctx, &PendingTx{Account: acct, Nonce: 9, StartBlock: 40}); err != nil {
		t.Fatal(err)
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}

	reloaded, err := NewMemory(path)
	if err != nil {
		t.Fatal(err)
	}
	got, err := reloaded.GetConfirmed(ctx, rec.Key())
	if err != nil {
		t.Fatal(err)
	}
	if !got.FetchedCursor {
		t.Fatal("cursor flag lost across restart")
	}
	p, err := reloaded.GetPending(ctx, PendingKey{Account: acct, Nonce: 9})
	if err != nil {
		t.Fatal(err)
	}
	if p.StartBlock != 40 {
		t.Fatal("watermark lost across restart")
	}
}

func TestMemoryClosedRejectsWrites(t *testing.T) {
	ctx := context.Background()
	m, err := NewMemory("")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	err = m.PutPending(ctx, &PendingTx{Account: testAccount(), Nonce: 1})
	if !errors.Is(err, ErrStoreClosed) {
		t.Fatalf("got %v, want ErrStoreClosed", err)
	}
}

func TestConfirmedCancelledDetection(t *testing.T) {
	self := common.HexToAddress("0x1111111111111111111111111111111111111111")
	other := common.HexToAddress("0x2222222222222222222222222222222222222222")

	cases := []struct {
		name string
		rec  ConfirmedTx
		want bool
	}{
		{"nonce burn", ConfirmedTx{From: self, To: self}, true},
		{"zero big value self-send", ConfirmedTx{From: self, To: self, Value: common.Big0}, true},
		{"self-send with data", ConfirmedTx{From: self, To: self, Data: []byte{0x01}}, false},
		{"self-send with value", ConfirmedTx{From: self, To: self, Value: common.Big1}, false},
		{"plain transfer", ConfirmedTx{From: self, To: other}, false},
	}
	for _, tc := range cases {
		if got := tc.rec.Cancelled(); got != tc.want {
			t.Errorf("%s: Cancelled() = %v, want %v", tc.name, got, tc.want)
		}
	}
}
