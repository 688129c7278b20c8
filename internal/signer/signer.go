// Package signer wraps a geth keystore behind the two signatures the engine
// needs: whole transactions for plain sends and raw 32-byte digests for user
// operations and Safe proposals.
package signer

import (
	"errors"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var ErrAccountNotFound = errors.New("signing account not found")

// Signer signs on behalf of locally held keys.
type Signer interface {
	SignTransaction(addr common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
	SignHash(addr common.Address, hash []byte) ([]byte, error)
	Has(addr common.Address) bool
}

// Keystore is a file-backed Signer.
type Keystore struct {
	ks         *keystore.KeyStore
	passphrase string
	dir        string
}

func NewKeystore(dir, passphrase string) (*Keystore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("keystore dir is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	ks := keystore.NewKeyStore(dir, keystore.StandardScryptN, keystore.StandardScryptP)
	return &Keystore{ks: ks, passphrase: passphrase, dir: dir}, nil
}

func (k *Keystore) CreateAccount() (common.Address, error) {
	if k.passphrase == "" {
		return common.Address{}, errors.New("keystore passphrase is empty")
	}
	acct, err := k.ks.NewAccount(k.passphrase)
	if err != nil {
		return common.Address{}, err
	}
	return acct.Address, nil
}

func (k *Keystore) Accounts() []common.Address {
	acctList := k.ks.Accounts()
	out := make([]common.Address, 0, len(acctList))
	for _, acct := range acctList {
		out = append(out, acct.Address)
	}
	return out
}

func (k *Keystore) Has(addr common.Address) bool {
	_, err := k.find(addr)
	return err == nil
}

func (k *Keystore) find(addr common.Address) (accounts.Account, error) {
	for _, acct := range k.ks.Accounts() {
		if acct.Address == addr {
			return acct, nil
		}
	}
	return accounts.Account{}, ErrAccountNotFound
}

func (k *Keystore) SignTransaction(addr common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if k.passphrase == "" {
		return nil, errors.New("keystore passphrase is empty")
	}
	acct, err := k.find(addr)
	if err != nil {
		return nil, err
	}
	return k.ks.SignTxWithPassphrase(acct, k.passphrase, tx, chainID)
}

// SignHash signs a raw digest. The returned signature carries the recovery
// id in its last byte as 0 or 1; callers needing the 27/28 convention adjust
// it themselves.
func (k *Keystore) SignHash(addr common.Address, hash []byte) ([]byte, error) {
	if k.passphrase == "" {
		return nil, errors.New("keystore passphrase is empty")
	}
	acct, err := k.find(addr)
	if err != nil {
		return nil, err
	}
	return k.ks.SignHashWithPassphrase(acct, k.passphrase, hash)
}
