package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"prize-vault/internal/lottery"
)

func sampleDraw(t *testing.T) lottery.DrawRecord {
	t.Helper()
	snapshot := []lottery.Entry{
		{Address: common.HexToAddress("0xa1"), Weight: uint256.NewInt(100)},
		{Address: common.HexToAddress("0xa2"), Weight: uint256.NewInt(200)},
		{Address: common.HexToAddress("0xa3"), Weight: uint256.NewInt(300)},
	}
	seed := uint256.NewInt(600_150)
	sel, err := lottery.SelectWinner(seed, snapshot)
	require.NoError(t, err)

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return lottery.DrawRecord{
		ID:               7,
		RequestID:        "req-7",
		RequestedAt:      at,
		CompletedAt:      at.Add(time.Minute),
		Winner:           sel.Winner,
		Prize:            uint256.NewInt(95_000_000),
		Gross:            uint256.NewInt(100_000_000),
		DevFee:           uint256.NewInt(5_000_000),
		CarryFee:         uint256.NewInt(0),
		BurnFee:          uint256.NewInt(0),
		ParticipantCount: len(snapshot),
		TotalWeight:      sel.TotalWeight,
		Seed:             seed,
		WinningNumber:    sel.WinningNumber,
		SnapshotDigest:   lottery.Digest(snapshot),
		Snapshot:         snapshot,
		Completed:        true,
	}
}

func TestDrawRowRoundTripStillVerifies(t *testing.T) {
	draw := sampleDraw(t)
	row, err := DrawFromRecord("main", "run-1", draw, 6)
	require.NoError(t, err)
	require.Equal(t, "95", row.Prize.String(), "奖金应按 6 位精度换算")
	require.Equal(t, int64(7), row.DrawID)

	rebuilt, err := row.Record(6)
	require.NoError(t, err)
	require.True(t, rebuilt.Prize.Eq(draw.Prize))

	sel, ok, err := rebuilt.Verify()
	require.NoError(t, err)
	require.True(t, ok, "持久化后的开奖记录应可复验")
	require.Equal(t, draw.Winner, sel.Winner)
	require.Equal(t, common.HexToAddress("0xa2"), sel.Winner, "150 落在第二个区间")
}

func TestTamperedDrawRowFailsVerification(t *testing.T) {
	row, err := DrawFromRecord("main", "run-1", sampleDraw(t), 6)
	require.NoError(t, err)

	row.Winner = common.HexToAddress("0xa3").Hex()
	rebuilt, err := row.Record(6)
	require.NoError(t, err)
	_, ok, err := rebuilt.Verify()
	require.NoError(t, err)
	require.False(t, ok, "篡改中奖人后复验应失败")

	row.Snapshot = []byte(`[{"address":"0xa1","weight":"600"}]`)
	rebuilt, err = row.Record(6)
	require.NoError(t, err)
	_, _, err = rebuilt.Verify()
	require.Error(t, err, "篡改快照后摘要应不匹配")
}

func TestStoreWithoutPool(t *testing.T) {
	var s *Store
	_, _, err := s.TryAdvisoryLock(context.Background(), 1)
	require.True(t, errors.Is(err, ErrNotConfigured))

	s = NewStore(nil)
	require.ErrorIs(t, s.InsertDraw(context.Background(), DrawRow{}), ErrNotConfigured)
	require.NoError(t, s.InsertStrategyMetrics(context.Background(), nil), "空批次不需要连接")
}
