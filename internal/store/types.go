package store

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"txcore/internal/account"
)

// Envelope is the kind-specific submission payload carried on both record
// shapes. Exactly one of the hash fields identifies the submission: TxHash
// for plain accounts and Safe executions, UserOpHash for smart accounts,
// SafeTxHash for a proposed-but-unexecuted Safe transaction.
type Envelope struct {
	TxHash     common.Hash `json:"tx_hash,omitempty"`
	UserOpHash common.Hash `json:"user_op_hash,omitempty"`
	SafeTxHash string      `json:"safe_tx_hash,omitempty"`

	// EntryPoint the user operation was submitted through; smart-account
	// records only.
	EntryPoint *common.Address `json:"entry_point,omitempty"`

	// Raw response from the submission endpoint, kept for UI disclosure.
	Raw []byte `json:"raw,omitempty"`
}

// PendingKey identifies the single active pending record per (account, nonce).
type PendingKey struct {
	Account account.Ref
	Nonce   uint64
}

// PendingTx is one submitted-but-not-finalized transaction. Submitting a
// replacement at the same nonce overwrites the record in place.
type PendingTx struct {
	Account account.Ref  `json:"account"`
	Nonce   uint64       `json:"nonce"`
	Kind    account.Kind `json:"kind"`

	Envelope Envelope `json:"envelope"`

	// Original unsigned request, JSON-encoded.
	Request []byte `json:"request,omitempty"`

	// Human-readable function signature, when known.
	FunctionSig string `json:"function_sig,omitempty"`

	// Watermark: polling after a restart resumes from this block. Zero
	// means no watermark has been checkpointed yet.
	StartBlock uint64 `json:"start_block,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

func (p *PendingTx) Key() PendingKey {
	return PendingKey{Account: p.Account, Nonce: p.Nonce}
}

// ConfirmedKey orders settled records for pagination. Primary is the block
// number; Secondary is the in-block index (EOA, Safe) or the operation hash
// (smart account), compared lexically.
type ConfirmedKey struct {
	Account   account.Ref
	Kind      account.Kind
	Primary   uint64
	Secondary string
}

// Less reports whether k orders before other within the same (account, kind).
func (k ConfirmedKey) Less(other ConfirmedKey) bool {
	if k.Primary != other.Primary {
		return k.Primary < other.Primary
	}
	return k.Secondary < other.Secondary
}

// ConfirmedTx is the settled counterpart of PendingTx.
type ConfirmedTx struct {
	Account   account.Ref  `json:"account"`
	Kind      account.Kind `json:"kind"`
	Primary   uint64       `json:"primary"`
	Secondary string       `json:"secondary"`

	Envelope Envelope `json:"envelope"`

	TxHash      common.Hash    `json:"tx_hash"`
	BlockNumber uint64         `json:"block_number"`
	BlockHash   common.Hash    `json:"block_hash"`
	TxIndex     uint           `json:"tx_index"`
	From        common.Address `json:"from"`
	To          common.Address `json:"to"`
	Value       *big.Int       `json:"value,omitempty"`
	Data        []byte         `json:"data,omitempty"`
	Nonce       uint64         `json:"nonce"`

	GasUsed           uint64   `json:"gas_used,omitempty"`
	EffectiveGasPrice *big.Int `json:"effective_gas_price,omitempty"`
	Success           bool     `json:"success"`

	FunctionSig string    `json:"function_sig,omitempty"`
	Timestamp   time.Time `json:"timestamp,omitempty"`

	// FetchedCursor marks the newest fully-synchronized record for the
	// (account, kind) pair. At most one record per pair carries it.
	FetchedCursor bool `json:"fetched_cursor,omitempty"`
}

func (c *ConfirmedTx) Key() ConfirmedKey {
	return ConfirmedKey{Account: c.Account, Kind: c.Kind, Primary: c.Primary, Secondary: c.Secondary}
}

// Cancelled reports whether the settled record is a nonce burn: a zero-value
// self-send with no call data. This is a UI label computed post-hoc, never
// assumed at submission time. A plain transfer has non-zero value and is
// therefore never labelled cancelled.
func (c *ConfirmedTx) Cancelled() bool {
	if c.From != c.To {
		return false
	}
	if len(c.Data) != 0 {
		return false
	}
	return c.Value == nil || c.Value.Sign() == 0
}
