package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"prize-vault/internal/catalog"
	"prize-vault/internal/config"
	"prize-vault/internal/protocol"
)

const testCatalog = `
chains:
  - {id: 1, name: ethereum}
strategies:
  - {name: aave-usdc, protocol: aave, kind: lending, chain_id: 1, adapter: "0x00000000000000000000000000000000000000a1", apy_bps: 500, risk_bps: 2000, tvl: "100000000"}
`

func newTestServer(t *testing.T) (*Server, *protocol.Protocol) {
	t.Helper()
	cat, err := catalog.Parse([]byte(testCatalog))
	require.NoError(t, err)
	cfg := &config.Config{
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
			MinDeploy:          decimal.NewFromInt(100),
			Admin:              "0x00000000000000000000000000000000000ad001",
			Operator:           "0x00000000000000000000000000000000000a9001",
		},
		Lottery: config.LotteryConfig{
			Address:            "0x00000000000000000000000000000000000c0001",
			Interval:           168 * time.Hour,
			MinPrize:           decimal.NewFromInt(1),
			FulfillmentTimeout: time.Hour,
			RandomnessSeed:     "api-test",
		},
		Allocator: config.AllocatorConfig{MinYieldBps: 200, MaxSingleAllocationBps: 10000, Freshness: 24 * time.Hour},
		Registry:  config.RegistryConfig{Freshness: 24 * time.Hour},
		Risk:      config.RiskConfig{Validity: 24 * time.Hour, EmergencyThreshold: 8000},
		Emergency: config.EmergencyConfig{AutoLevel: "HIGH"},
	}
	p, err := protocol.New(cfg, cat, clockwork.NewFakeClock(), zerolog.Nop())
	require.NoError(t, err)
	return New(config.APIConfig{Listen: ":0"}, p, zerolog.Nop()), p
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t)
	rec := get(t, s, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestStatusReflectsDeposits(t *testing.T) {
	s, p := newTestServer(t)
	_, err := p.Deposit(context.Background(), common.HexToAddress("0xa1"), decimal.NewFromInt(500))
	require.NoError(t, err)

	rec := get(t, s, "/v1/status")
	require.Equal(t, http.StatusOK, rec.Code)
	var body statusView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "main", body.Pool.Name)
	require.Equal(t, "500", body.Pool.TotalAssets)
	require.Equal(t, "NONE", body.Emergency.Level)
	require.Equal(t, 1, body.Lottery.Participants)
}

func TestUserLookup(t *testing.T) {
	s, p := newTestServer(t)
	alice := common.HexToAddress("0xa1")
	_, err := p.Deposit(context.Background(), alice, decimal.NewFromInt(250))
	require.NoError(t, err)

	rec := get(t, s, "/v1/lottery/users/"+alice.Hex())
	require.Equal(t, http.StatusOK, rec.Code)
	var body userView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "250", body.Amount)
	require.True(t, body.Active)
	require.Equal(t, uint64(10000), body.ChanceBps, "唯一参与者中奖概率应为 100%")

	rec = get(t, s, "/v1/lottery/users/not-an-address")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStrategiesAndRisk(t *testing.T) {
	s, _ := newTestServer(t)

	rec := get(t, s, "/v1/strategies")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []strategyView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	require.Equal(t, "aave-usdc", list[0].Name)
	require.Equal(t, uint64(500), list[0].APY)

	rec = get(t, s, "/v1/risk/aave")
	require.Equal(t, http.StatusOK, rec.Code)
	var r riskView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &r))
	require.False(t, r.Valid, "未提交评估时应返回无效的默认评分")
	require.Equal(t, uint64(5000), r.Score)
}

func TestDrawsLimitValidation(t *testing.T) {
	s, _ := newTestServer(t)
	require.Equal(t, http.StatusBadRequest, get(t, s, "/v1/lottery/draws?limit=0").Code)

	rec := get(t, s, "/v1/lottery/draws")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `[]`, rec.Body.String())

	// 超大的 limit 按已有记录数截断，不会按请求值分配内存
	rec = get(t, s, "/v1/lottery/draws?limit=2000000000")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `[]`, rec.Body.String())
}

func TestOptimalStrategy(t *testing.T) {
	s, _ := newTestServer(t)

	rec := get(t, s, "/v1/strategies/optimal?amount=1000")
	require.Equal(t, http.StatusOK, rec.Code)
	var body selectionView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "aave-usdc", body.Strategy.Name)
	require.Equal(t, "50", body.ExpectedReturn, "1000 按 5% 年化")
	require.False(t, body.RequiresBridge)

	require.Equal(t, http.StatusBadRequest, get(t, s, "/v1/strategies/optimal").Code)
	require.Equal(t, http.StatusBadRequest, get(t, s, "/v1/strategies/optimal?amount=abc").Code)
	require.Equal(t, http.StatusBadRequest, get(t, s, "/v1/strategies/optimal?amount=-5").Code)
}

func TestRiskIncludesTrend(t *testing.T) {
	s, p := newTestServer(t)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, score := range []uint64{2000, 3000, 4000} {
		_, err := p.SubmitAssessment("aave", score, 9000, now.Add(time.Duration(i)*time.Hour), nil)
		require.NoError(t, err)
	}

	rec := get(t, s, "/v1/risk/aave?days=7")
	require.Equal(t, http.StatusOK, rec.Code)
	var r riskView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &r))
	require.True(t, r.Valid)
	require.Equal(t, uint64(4000), r.Score)
	require.NotNil(t, r.Trend)
	require.Equal(t, 7, r.Trend.PeriodDays)
	require.Equal(t, 3, r.Trend.Samples)
	require.Equal(t, "INCREASING", r.Trend.Direction)
	require.Equal(t, uint64(2000), r.Trend.Magnitude)
	require.Equal(t, uint64(3000), r.Trend.Average)
	require.Len(t, r.Trend.History, 3)

	require.Equal(t, http.StatusBadRequest, get(t, s, "/v1/risk/aave?days=0").Code)
	require.Equal(t, http.StatusBadRequest, get(t, s, "/v1/risk/aave?days=1000").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	rec := get(t, s, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
}
