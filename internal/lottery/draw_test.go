package lottery

import (
	"math/rand"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"prize-vault/internal/amount"
)

func TestSelectWinnerBoundaries(t *testing.T) {
	snapshot := []Entry{
		{Address: alice, Weight: amount.Of(1_000)},
		{Address: bob, Weight: amount.Of(9_000)},
	}
	cases := []struct {
		seed   uint64
		winner common.Address
	}{
		{0, alice},
		{999, alice},
		{1_000, bob},
		{9_999, bob},
		{10_000, alice}, // wraps
		{10_500, alice},
	}
	for _, c := range cases {
		sel, err := SelectWinner(uint256.NewInt(c.seed), snapshot)
		require.NoError(t, err)
		require.Equalf(t, c.winner, sel.Winner, "seed=%d", c.seed)
		require.False(t, sel.Fallback)
	}

	_, err := SelectWinner(uint256.NewInt(1), nil)
	require.ErrorIs(t, err, ErrEmptySnapshot)

	_, err = SelectWinner(uint256.NewInt(1), []Entry{{Address: alice, Weight: amount.Zero()}})
	require.ErrorIs(t, err, ErrEmptySnapshot)
}

func TestZeroWeightEntriesNeverWin(t *testing.T) {
	snapshot := []Entry{
		{Address: alice, Weight: amount.Zero()},
		{Address: bob, Weight: amount.Of(5)},
	}
	for seed := uint64(0); seed < 20; seed++ {
		sel, err := SelectWinner(uint256.NewInt(seed), snapshot)
		require.NoError(t, err)
		require.Equal(t, bob, sel.Winner)
	}
}

// chi-squared goodness of fit against w_i/W; 3 degrees of freedom, p=0.001
func TestWeightedDrawFairness(t *testing.T) {
	weights := []uint64{1_000, 2_000, 3_000, 4_000}
	snapshot := make([]Entry, 0, len(weights))
	var total uint64
	for i, w := range weights {
		snapshot = append(snapshot, Entry{Address: common.BigToAddress(uint256.NewInt(uint64(i + 1)).ToBig()), Weight: amount.Of(w)})
		total += w
	}

	const trials = 40_000
	rng := rand.New(rand.NewSource(20240601))
	counts := make(map[common.Address]int, len(weights))
	for i := 0; i < trials; i++ {
		seed := new(uint256.Int).SetUint64(rng.Uint64())
		seed.Lsh(seed, 64).Or(seed, uint256.NewInt(rng.Uint64()))
		sel, err := SelectWinner(seed, snapshot)
		require.NoError(t, err)
		counts[sel.Winner]++
	}

	var chi2 float64
	for i, e := range snapshot {
		expected := float64(trials) * float64(weights[i]) / float64(total)
		diff := float64(counts[e.Address]) - expected
		chi2 += diff * diff / expected
	}
	require.Lessf(t, chi2, 16.266, "chi-squared %.3f, counts %v", chi2, counts)
}

func TestDigestDependsOnOrder(t *testing.T) {
	a := []Entry{{Address: alice, Weight: amount.Of(1)}, {Address: bob, Weight: amount.Of(2)}}
	b := []Entry{a[1], a[0]}
	require.NotEqual(t, Digest(a), Digest(b))
	require.Equal(t, Digest(a), Digest([]Entry{a[0], a[1]}))
}

func TestVerifyDetectsTampering(t *testing.T) {
	snapshot := []Entry{{Address: alice, Weight: amount.Of(1)}, {Address: bob, Weight: amount.Of(1)}}
	sel, err := SelectWinner(uint256.NewInt(1), snapshot)
	require.NoError(t, err)
	rec := DrawRecord{
		Winner:         sel.Winner,
		Seed:           uint256.NewInt(1),
		WinningNumber:  sel.WinningNumber,
		Snapshot:       snapshot,
		SnapshotDigest: Digest(snapshot),
	}
	_, ok, err := rec.Verify()
	require.NoError(t, err)
	require.True(t, ok)

	rec.Winner = alice
	_, ok, err = rec.Verify()
	require.NoError(t, err)
	require.False(t, ok)

	rec.Snapshot = snapshot[:1]
	_, _, err = rec.Verify()
	require.Error(t, err)
}
