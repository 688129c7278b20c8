package account

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestKindOf(t *testing.T) {
	entryPoint := common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")
	owner := common.HexToAddress("0x1111111111111111111111111111111111111111")

	cases := []struct {
		name string
		meta Metadata
		want Kind
	}{
		{"bare metadata", Metadata{}, KindEOA},
		{"entry point set", Metadata{EntryPoint: &entryPoint}, KindSmartAccount},
		{"owners and threshold", Metadata{Owners: []common.Address{owner}, Threshold: 1}, KindMultisig},
		{"owners without threshold", Metadata{Owners: []common.Address{owner}}, KindEOA},
		{"multisig wins over smart account", Metadata{
			EntryPoint: &entryPoint,
			Owners:     []common.Address{owner},
			Threshold:  1,
		}, KindMultisig},
	}
	for _, tc := range cases {
		if got := KindOf(tc.meta); got != tc.want {
			t.Errorf("%s: KindOf = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestRefKeyDistinguishesChains(t *testing.T) {
	a := Ref{KeyUID: "k", NetworkKind: "evm", ChainID: 1, Address: common.HexToAddress("0xABCDEF1234567890ABCDEF1234567890ABCDEF12")}
	b := a
	b.ChainID = 10
	if a.Key() == b.Key() {
		t.Fatal("refs on different chains share a key")
	}
	c := a
	c.Path = 1
	if a.Key() == c.Key() {
		t.Fatal("refs at different derivation paths share a key")
	}
}
