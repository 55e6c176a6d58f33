package ledger

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"prize-vault/internal/vaulterr"
)

var (
	usdc  = common.HexToAddress("0x00000000000000000000000000000000000000a0")
	alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob   = common.HexToAddress("0x00000000000000000000000000000000000000b0")
	vault = common.HexToAddress("0x00000000000000000000000000000000000000c0")
)

func TestTransferMovesBalance(t *testing.T) {
	l := New(usdc, "USDC", 6)
	require.NoError(t, l.Credit(alice, uint256.NewInt(1000)))
	require.NoError(t, l.Transfer(alice, bob, uint256.NewInt(400)))

	require.Equal(t, uint64(600), l.BalanceOf(alice).Uint64())
	require.Equal(t, uint64(400), l.BalanceOf(bob).Uint64())
	require.Equal(t, uint64(1000), l.TotalSupply().Uint64())
}

func TestTransferRejectsOverdraft(t *testing.T) {
	l := New(usdc, "USDC", 6)
	require.NoError(t, l.Credit(alice, uint256.NewInt(10)))

	err := l.Transfer(alice, bob, uint256.NewInt(11))
	require.Error(t, err)
	require.Equal(t, vaulterr.KindInsufficientLiquidity, vaulterr.KindOf(err))
	require.Equal(t, uint64(10), l.BalanceOf(alice).Uint64(), "失败的转账不应修改余额")
}

func TestTransferFromConsumesAllowance(t *testing.T) {
	l := New(usdc, "USDC", 6)
	require.NoError(t, l.Credit(alice, uint256.NewInt(100)))
	require.NoError(t, l.Approve(alice, vault, uint256.NewInt(60)))

	require.NoError(t, l.TransferFrom(vault, alice, vault, uint256.NewInt(50)))
	require.Equal(t, uint64(10), l.Allowance(alice, vault).Uint64())

	err := l.TransferFrom(vault, alice, vault, uint256.NewInt(20))
	require.True(t, errors.Is(err, vaulterr.ErrAllowance))
	require.Equal(t, vaulterr.KindAuthorization, vaulterr.KindOf(err))
}

func TestZeroRecipientRejected(t *testing.T) {
	l := New(usdc, "USDC", 6)
	require.NoError(t, l.Credit(alice, uint256.NewInt(5)))

	err := l.Transfer(alice, common.Address{}, uint256.NewInt(1))
	require.True(t, errors.Is(err, vaulterr.ErrNullAddress))
}

func TestBurnReducesSupply(t *testing.T) {
	l := New(usdc, "USDC", 6)
	require.NoError(t, l.Credit(alice, uint256.NewInt(5)))
	require.NoError(t, l.Burn(alice, uint256.NewInt(2)))

	require.Equal(t, uint64(3), l.TotalSupply().Uint64())
	require.Error(t, l.Burn(alice, uint256.NewInt(4)))
}
