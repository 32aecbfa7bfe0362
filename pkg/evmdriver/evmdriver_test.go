package evmdriver

import (
	"crypto/ecdsa"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	walletfleet "github.com/ChoSanghyuk/walletfleet"
)

func TestFormatWei(t *testing.T) {
	cases := []struct {
		wei  string
		want string
	}{
		{"0", "0.000000000000000000"},
		{"1000000000000000000", "1.000000000000000000"},
		{"1500000000000000000", "1.500000000000000000"},
		{"1", "0.000000000000000001"},
	}
	for _, tc := range cases {
		wei, ok := new(big.Int).SetString(tc.wei, 10)
		require.True(t, ok)
		assert.Equal(t, tc.want, formatWei(wei))
	}
}

func newTestKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key
}

func TestKeyOf_MissingPrivateConfig(t *testing.T) {
	_, err := keyOf(walletfleet.Wallet{Address: "0xA"})
	assert.Error(t, err)
}

func TestKeyOf_WrongType(t *testing.T) {
	_, err := keyOf(walletfleet.Wallet{Address: "0xA", PrivateConfig: "not-a-key"})
	assert.Error(t, err)
}

func TestKeyOf_Valid(t *testing.T) {
	pk := newTestKey(t)
	key, err := keyOf(walletfleet.Wallet{Address: "0xA", PrivateConfig: Key{PrivateKey: pk}})
	require.NoError(t, err)
	assert.Equal(t, pk, key)
}

func TestNew_ParsesERC20ABI(t *testing.T) {
	d, err := New(nil, big.NewInt(1), zerolog.Nop())
	require.NoError(t, err)
	assert.NotNil(t, d.erc20ABI.Methods["balanceOf"])
	assert.NotNil(t, d.erc20ABI.Methods["transfer"])
}
