package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"prize-vault/internal/config"
	"prize-vault/internal/lottery"
	"prize-vault/internal/storage"
)

func storedDraw(t *testing.T, id uint64, seed uint64) storage.DrawRow {
	t.Helper()
	snapshot := []lottery.Entry{
		{Address: common.HexToAddress("0xa1"), Weight: uint256.NewInt(100)},
		{Address: common.HexToAddress("0xa2"), Weight: uint256.NewInt(300)},
	}
	s := uint256.NewInt(seed)
	sel, err := lottery.SelectWinner(s, snapshot)
	require.NoError(t, err)
	at := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	row, err := storage.DrawFromRecord("main", "run-a", lottery.DrawRecord{
		ID:               id,
		RequestID:        "req",
		RequestedAt:      at,
		CompletedAt:      at,
		Winner:           sel.Winner,
		Prize:            uint256.NewInt(10_000_000),
		ParticipantCount: len(snapshot),
		TotalWeight:      sel.TotalWeight,
		Seed:             s,
		WinningNumber:    sel.WinningNumber,
		SnapshotDigest:   lottery.Digest(snapshot),
		Snapshot:         snapshot,
		Completed:        true,
	}, 6)
	require.NoError(t, err)
	return row
}

func TestAuditDrawsFlagsTamperedRows(t *testing.T) {
	good := storedDraw(t, 1, 12345)
	tampered := storedDraw(t, 2, 999)
	if tampered.Winner == common.HexToAddress("0xa1").Hex() {
		tampered.Winner = common.HexToAddress("0xa2").Hex()
	} else {
		tampered.Winner = common.HexToAddress("0xa1").Hex()
	}
	broken := storedDraw(t, 3, 7)
	broken.Seed = "not-a-number"

	results := AuditDraws([]storage.DrawRow{good, tampered, broken}, 6)
	require.Len(t, results, 3)
	require.True(t, results[0].OK)
	require.NoError(t, results[0].Err)
	require.False(t, results[1].OK, "篡改中奖者后应校验失败")
	require.NoError(t, results[1].Err)
	require.Error(t, results[2].Err, "无法解析的种子应报告错误")
}

func TestDownsampleSnapshotsKeepsEnds(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	snaps := make([]storage.PoolSnapshot, 10)
	for i := range snaps {
		snaps[i] = storage.PoolSnapshot{ObservedAt: base.Add(time.Duration(i) * time.Hour)}
	}
	out := downsampleSnapshots(snaps, 4)
	require.Len(t, out, 4)
	require.Equal(t, snaps[0].ObservedAt, out[0].ObservedAt)
	require.Equal(t, snaps[9].ObservedAt, out[3].ObservedAt)
	require.Len(t, downsampleSnapshots(snaps, 20), 10)
}

func TestWriteDrawsCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "draws.csv")
	require.NoError(t, writeDrawsCSV(path, []storage.DrawRow{storedDraw(t, 1, 42)}))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(raw), "run_id,draw_id")
	require.Contains(t, string(raw), "run-a,1,req")
}

const simCatalog = `
chains:
  - {id: 1, name: ethereum}
strategies:
  - {name: aave-usdc, protocol: aave, kind: lending, chain_id: 1, adapter: "0x00000000000000000000000000000000000000a1", apy_bps: 800, risk_bps: 2000, tvl: "100000000"}
`

func TestSimulateRunsOffline(t *testing.T) {
	dir := t.TempDir()
	catalogPath := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(catalogPath, []byte(simCatalog), 0o600))

	cfg := &config.Config{
		Scheduler: config.SchedulerConfig{Interval: 24 * time.Hour, RetryAttempts: 1},
		Vault: config.VaultConfig{
			Name:               "main",
			Address:            "0x00000000000000000000000000000000000a0001",
			AssetAddress:       "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
			AssetSymbol:        "USDC",
			AssetDecimals:      6,
			LocalChainID:       1,
			EscrowAddress:      "0x00000000000000000000000000000000000e0001",
			CallTimeout:        time.Second,
			BalanceConcurrency: 2,
			MaxRiskTolerance:   6000,
			ReserveBps:         1000,
			MinDeploy:          decimal.NewFromInt(10),
			Admin:              "0x00000000000000000000000000000000000ad001",
			Operator:           "0x00000000000000000000000000000000000a9001",
		},
		Lottery: config.LotteryConfig{
			Address:            "0x00000000000000000000000000000000000c0001",
			Interval:           168 * time.Hour,
			MinPrize:           decimal.NewFromInt(1),
			FulfillmentTimeout: time.Hour,
			DrawCron:           "0 0 12 * * 0",
		},
		Allocator: config.AllocatorConfig{MinYieldBps: 200, MaxSingleAllocationBps: 10000, Freshness: 24 * time.Hour},
		Registry:  config.RegistryConfig{Freshness: 24 * time.Hour},
		Risk:      config.RiskConfig{Validity: 24 * time.Hour, EmergencyThreshold: 8000},
		Emergency: config.EmergencyConfig{AutoLevel: "HIGH"},
		Catalog:   config.CatalogConfig{Path: catalogPath},
	}
	a := NewApp(cfg, zerolog.Nop())

	require.Error(t, a.Simulate(context.Background(), SimulateOptions{}), "参数为 0 时应拒绝")
	require.NoError(t, a.Simulate(context.Background(), SimulateOptions{Depositors: 3, Deposit: 1000, Weeks: 2}))
	require.Equal(t, "0 0 12 * * 0", cfg.Lottery.DrawCron, "模拟不应修改原始配置")
}
