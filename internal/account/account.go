package account

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Kind tells which submission path an account uses. It is derived from the
// stored metadata on every call; account configuration can change between
// calls, so callers must not cache it on the account itself.
type Kind int

const (
	KindEOA Kind = iota
	KindSmartAccount
	KindMultisig
)

func (k Kind) String() string {
	switch k {
	case KindEOA:
		return "eoa"
	case KindSmartAccount:
		return "smart_account"
	case KindMultisig:
		return "multisig"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Ref identifies one chain-account. KeyUID names the master key, Path the
// derivation index under it.
type Ref struct {
	KeyUID      string
	Path        uint32
	NetworkKind string
	ChainID     uint64
	Address     common.Address
}

func (r Ref) String() string {
	return fmt.Sprintf("%s/%d@%s:%d/%s", r.KeyUID, r.Path, r.NetworkKind, r.ChainID, r.Address.Hex())
}

// Key returns a stable map/storage key for the account identity.
func (r Ref) Key() string {
	return fmt.Sprintf("%s|%d|%s|%d|%s", r.KeyUID, r.Path, r.NetworkKind, r.ChainID, strings.ToLower(r.Address.Hex()))
}

// Metadata is the stored per-account configuration the classifier inspects.
// Exactly one of the optional sections may be set; a bare metadata record is
// an externally-owned account.
type Metadata struct {
	Ref Ref

	// Smart-account (ERC-4337) section.
	EntryPoint     *common.Address
	AccountFactory *common.Address

	// Multisig (Safe) section.
	Owners    []common.Address
	Threshold uint32
}

// KindOf classifies an account from its metadata. Multisig wins over
// smart-account when both sections are present; a Safe deployed through a
// 4337 factory is still operated through the Safe service.
func KindOf(meta Metadata) Kind {
	if len(meta.Owners) > 0 && meta.Threshold > 0 {
		return KindMultisig
	}
	if meta.EntryPoint != nil {
		return KindSmartAccount
	}
	return KindEOA
}
