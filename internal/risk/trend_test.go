package risk

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"prize-vault/internal/access"
)

func TestTrendOverWindow(t *testing.T) {
	o, clock := newOracle(t)
	require.Equal(t, TrendNoData, o.Trend("aave", 0).Direction)

	for _, score := range []uint64{9000, 2000, 3000, 4000} {
		require.NoError(t, submit(t, o, clock, "aave", score))
		clock.Advance(24 * time.Hour)
	}

	all := o.Trend("AAVE", 0)
	require.Len(t, all.Points, 4)
	require.Equal(t, TrendDecreasing, all.Direction)
	require.Equal(t, uint64(5000), all.Magnitude)
	require.Equal(t, uint64(4000), all.Current)
	require.Equal(t, uint64(4500), all.Average)

	// 窗口外的第一条读数被排除
	recent := o.Trend("aave", 72*time.Hour)
	require.Len(t, recent.Points, 3)
	require.Equal(t, TrendIncreasing, recent.Direction)
	require.Equal(t, uint64(2000), recent.Magnitude)
	require.Equal(t, uint64(3000), recent.Average)
	require.Equal(t, uint64(816), recent.Volatility)
}

func TestHistoryIsBounded(t *testing.T) {
	roles := access.NewRoles(admin)
	require.NoError(t, roles.Grant(admin, access.RoleOracle, oracle))
	_, clock := newOracle(t)
	o := NewOracle(roles, Options{Clock: clock, HistorySize: 3}, zerolog.Nop())

	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, submit(t, o, clock, "lido", i*1000))
		clock.Advance(time.Minute)
	}
	h := o.History("lido")
	require.Len(t, h, 3)
	require.Equal(t, uint64(3000), h[0].Score)
	require.Equal(t, uint64(5000), h[2].Score)
}
