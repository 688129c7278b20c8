package txpopulate

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// StaticNames resolves recipient names from a fixed table, matched
// case-insensitively. The daemon builds one from the configured address
// book.
type StaticNames map[string]common.Address

// NewStaticNames builds the table from name/hex-address pairs. Entries with
// an invalid address are skipped; config validation rejects them up front.
func NewStaticNames(entries map[string]string) StaticNames {
	names := make(StaticNames, len(entries))
	for name, addr := range entries {
		if !common.IsHexAddress(addr) {
			continue
		}
		names[strings.ToLower(name)] = common.HexToAddress(addr)
	}
	return names
}

func (s StaticNames) Resolve(_ context.Context, name string) (common.Address, error) {
	addr, ok := s[strings.ToLower(name)]
	if !ok {
		return common.Address{}, fmt.Errorf("name %q not in the address book", name)
	}
	return addr, nil
}
