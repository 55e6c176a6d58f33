package lottery

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"prize-vault/internal/access"
	"prize-vault/internal/amount"
	"prize-vault/internal/emergency"
	"prize-vault/internal/ledger"
	"prize-vault/internal/randomness"
	"prize-vault/internal/vaulterr"
)

var (
	admin       = common.HexToAddress("0xad")
	agent       = common.HexToAddress("0xa9")
	guardian    = common.HexToAddress("0x9a")
	lotteryAddr = common.HexToAddress("0x7070")
	devAddr     = common.HexToAddress("0xde")
	alice       = common.HexToAddress("0xa1")
	bob         = common.HexToAddress("0xb0")
	carol       = common.HexToAddress("0xc0")
)

type harness struct {
	engine *Engine
	ledger *ledger.Ledger
	rng    *randomness.LocalSource
	clock  *clockwork.FakeClock
	ctrl   *emergency.Controller
}

func newHarness(t *testing.T, mutate func(*Config)) harness {
	t.Helper()
	roles := access.NewRoles(admin)
	require.NoError(t, roles.Grant(admin, access.RoleAgent, agent))
	require.NoError(t, roles.Grant(admin, access.RoleGuardian, guardian))
	clock := clockwork.NewFakeClock()
	l := ledger.New(common.HexToAddress("0xa0b8"), "USDC", 6)
	rng := randomness.NewLocalSource([]byte("test"), 0, clock, zerolog.Nop())
	ctrl := emergency.NewController(roles, emergency.Options{Clock: clock}, zerolog.Nop())

	cfg := Config{
		Pool:     "main",
		Address:  lotteryAddr,
		Interval: 7 * 24 * time.Hour,
		MinPrize: amount.Of(10),
		GasLimit: 200_000,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := NewEngine(cfg, l, rng, ctrl, roles, clock, zerolog.Nop())
	require.NoError(t, err)
	return harness{engine: e, ledger: l, rng: rng, clock: clock, ctrl: ctrl}
}

func (h harness) harvest(t *testing.T, v uint64) {
	t.Helper()
	require.NoError(t, h.ledger.Credit(lotteryAddr, amount.Of(v)))
	require.NoError(t, h.engine.OnYieldHarvested(context.Background(), amount.Of(v)))
}

func (h harness) draw(t *testing.T, seed uint64) DrawRecord {
	t.Helper()
	ctx := context.Background()
	h.rng.Force(uint256.NewInt(seed))
	_, requestID, err := h.engine.RequestDraw(ctx, agent)
	require.NoError(t, err)
	rec, err := h.engine.Fulfill(ctx, requestID, h.rng.Pending()[0].Value)
	require.NoError(t, err)
	return rec
}

func TestExampleScenarioSelectsByCumulativeRange(t *testing.T) {
	for _, c := range []struct {
		seed   uint64
		winner common.Address
	}{
		{500, alice},
		{5000, bob},
	} {
		h := newHarness(t, nil)
		require.NoError(t, h.engine.OnDeposit(alice, amount.Of(1_000)))
		require.NoError(t, h.engine.OnDeposit(bob, amount.Of(9_000)))
		h.harvest(t, 100)
		h.clock.Advance(7 * 24 * time.Hour)
		require.Equal(t, StateDrawReady, h.engine.State())

		rec := h.draw(t, c.seed)
		require.Equal(t, c.winner, rec.Winner)
		require.Equal(t, c.seed, rec.WinningNumber.Uint64())
		require.Equal(t, uint64(100), rec.Prize.Uint64())
		require.Equal(t, uint64(100), h.ledger.BalanceOf(c.winner).Uint64())

		info := h.engine.Info()
		require.True(t, info.PrizePool.IsZero())
		require.Equal(t, StateAccumulating, info.State)
		require.Equal(t, uint64(10_000), info.TotalWeight.Uint64())
		require.Equal(t, uint64(100), h.engine.UserInfo(c.winner).RewardsWon.Uint64())

		_, ok, err := rec.Verify()
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func TestFeesAppliedFromGross(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.DevFeeBps = 500
		c.CarryFeeBps = 1000
		c.BurnFeeBps = 250
		c.DevAddress = devAddr
	})
	require.NoError(t, h.engine.OnDeposit(alice, amount.Of(1)))
	h.harvest(t, 10_000)
	h.clock.Advance(7 * 24 * time.Hour)

	supply := h.ledger.TotalSupply().Uint64()
	rec := h.draw(t, 0)
	require.Equal(t, uint64(500), rec.DevFee.Uint64())
	require.Equal(t, uint64(1_000), rec.CarryFee.Uint64())
	require.Equal(t, uint64(250), rec.BurnFee.Uint64())
	require.Equal(t, uint64(8_250), rec.Prize.Uint64())

	require.Equal(t, uint64(500), h.ledger.BalanceOf(devAddr).Uint64())
	require.Equal(t, uint64(1_000), h.ledger.BalanceOf(lotteryAddr).Uint64())
	require.Equal(t, supply-250, h.ledger.TotalSupply().Uint64())
	require.Equal(t, uint64(1_000), h.engine.Info().PrizePool.Uint64())
}

func TestFeesAtFullHundredPercentNeverGoNegative(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.DevFeeBps = 3333
		c.CarryFeeBps = 3333
		c.BurnFeeBps = 3334
		c.DevAddress = devAddr
	})
	require.NoError(t, h.engine.OnDeposit(alice, amount.Of(1)))
	h.harvest(t, 101)
	h.clock.Advance(7 * 24 * time.Hour)

	rec := h.draw(t, 0)
	// 33 + 33 + 33 = 99, the 2 base units of rounding go to the winner
	require.Equal(t, uint64(2), rec.Prize.Uint64())
	require.Equal(t, uint64(33), h.engine.Info().PrizePool.Uint64())
	require.Equal(t, h.engine.Info().PrizePool.Uint64(), h.ledger.BalanceOf(lotteryAddr).Uint64())
}

func TestFeeValidation(t *testing.T) {
	cfg := Config{Address: lotteryAddr, DevFeeBps: 6000, CarryFeeBps: 3000, BurnFeeBps: 1001, DevAddress: devAddr}
	require.ErrorIs(t, cfg.Validate(), ErrFeesExceedTotal)

	cfg = Config{Address: lotteryAddr, DevFeeBps: 100}
	require.ErrorIs(t, cfg.Validate(), vaulterr.ErrNullAddress)
}

func TestRequestValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	_, _, err := h.engine.RequestDraw(ctx, agent)
	require.ErrorIs(t, err, ErrNotReady, "没有参与者和奖池")

	require.NoError(t, h.engine.OnDeposit(alice, amount.Of(100)))
	h.harvest(t, 5)
	h.clock.Advance(7 * 24 * time.Hour)
	_, _, err = h.engine.RequestDraw(ctx, agent)
	require.ErrorIs(t, err, ErrNotReady, "奖池低于最小值")

	h.harvest(t, 5)
	_, _, err = h.engine.RequestDraw(ctx, alice)
	require.Equal(t, vaulterr.KindAuthorization, vaulterr.KindOf(err))

	_, requestID, err := h.engine.RequestDraw(ctx, agent)
	require.NoError(t, err)
	require.Equal(t, StateDrawing, h.engine.State())

	_, _, err = h.engine.RequestDraw(ctx, agent)
	require.ErrorIs(t, err, ErrDrawPending)

	_, err = h.engine.Fulfill(ctx, "not-a-request", uint256.NewInt(1))
	require.ErrorIs(t, err, ErrUnknownRequest)
	require.Equal(t, vaulterr.KindReplay, vaulterr.KindOf(err))

	_, err = h.engine.Fulfill(ctx, requestID, uint256.NewInt(1))
	require.NoError(t, err)

	_, err = h.engine.Fulfill(ctx, requestID, uint256.NewInt(1))
	require.ErrorIs(t, err, ErrUnknownRequest, "重复交付被拒绝")
	require.Len(t, h.engine.Draws(), 1)
}

func TestSnapshotIsolatesDepositsDuringDrawing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	require.NoError(t, h.engine.OnDeposit(alice, amount.Of(1_000)))
	h.harvest(t, 50)
	h.clock.Advance(7 * 24 * time.Hour)

	_, requestID, err := h.engine.RequestDraw(ctx, agent)
	require.NoError(t, err)
	require.NoError(t, h.engine.OnDeposit(bob, amount.Of(1_000_000)))

	rec, err := h.engine.Fulfill(ctx, requestID, uint256.NewInt(999))
	require.NoError(t, err)
	require.Equal(t, alice, rec.Winner)
	require.Equal(t, 1, rec.ParticipantCount)
}

func TestEmergencyBlocksDrawsAndFulfillmentIsRetryable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	require.NoError(t, h.engine.OnDeposit(alice, amount.Of(1_000)))
	h.harvest(t, 50)
	h.clock.Advance(7 * 24 * time.Hour)

	_, requestID, err := h.engine.RequestDraw(ctx, agent)
	require.NoError(t, err)

	inc, err := h.ctrl.TriggerEmergency(guardian, "main", emergency.LevelHigh, "oracle outage")
	require.NoError(t, err)

	_, err = h.engine.Fulfill(ctx, requestID, uint256.NewInt(1))
	require.Equal(t, vaulterr.KindEmergency, vaulterr.KindOf(err))
	require.True(t, vaulterr.Retryable(err))
	require.Equal(t, StateDrawing, h.engine.State())

	require.NoError(t, h.ctrl.ResolveIncident(guardian, "main", inc.ID))
	_, err = h.engine.Fulfill(ctx, requestID, uint256.NewInt(1))
	require.NoError(t, err)
}

func TestSwapAndPopReordersParticipants(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.engine.OnDeposit(alice, amount.Of(100)))
	require.NoError(t, h.engine.OnDeposit(bob, amount.Of(200)))
	require.NoError(t, h.engine.OnDeposit(carol, amount.Of(300)))

	require.NoError(t, h.engine.OnWithdraw(alice, amount.Of(100), amount.Of(100)))
	list := h.engine.Participants()
	require.Len(t, list, 2)
	require.Equal(t, carol, list[0].Address, "末尾元素被交换到空位")
	require.Equal(t, bob, list[1].Address)

	u := h.engine.UserInfo(alice)
	require.False(t, u.Active)
	require.True(t, u.Amount.IsZero())

	// 同一个 seed 在重排后选出不同的赢家
	sel, err := SelectWinner(uint256.NewInt(150), list)
	require.NoError(t, err)
	require.Equal(t, carol, sel.Winner)
	sel, err = SelectWinner(uint256.NewInt(150), []Entry{list[1], list[0]})
	require.NoError(t, err)
	require.Equal(t, bob, sel.Winner)

	require.NoError(t, h.engine.OnDeposit(alice, amount.Of(50)))
	require.Equal(t, alice, h.engine.Participants()[2].Address)
	require.Equal(t, uint64(50), h.engine.UserInfo(alice).Amount.Uint64())
}

func TestPartialWithdrawKeepsParticipant(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.engine.OnDeposit(alice, amount.Of(100)))
	require.NoError(t, h.engine.OnWithdraw(alice, amount.Of(40), amount.Of(100)))
	u := h.engine.UserInfo(alice)
	require.True(t, u.Active)
	require.Equal(t, uint64(60), u.Amount.Uint64())
	require.Equal(t, uint64(10_000), u.ChanceBps)

	err := h.engine.OnWithdraw(bob, amount.Of(1), amount.Of(1))
	require.Equal(t, vaulterr.KindValidation, vaulterr.KindOf(err))
}

func TestWithdrawScalesWeightByShareFraction(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.engine.OnDeposit(alice, amount.Of(1000)))
	require.NoError(t, h.engine.OnDeposit(bob, amount.Of(1000)))

	// 亏损后赎回一半份额，权重按份额比例减少，而不是按支付的资产
	require.NoError(t, h.engine.OnWithdraw(alice, amount.Of(500), amount.Of(1000)))
	require.Equal(t, uint64(500), h.engine.UserInfo(alice).Amount.Uint64())

	require.NoError(t, h.engine.OnWithdraw(alice, amount.Of(500), amount.Of(500)))
	u := h.engine.UserInfo(alice)
	require.False(t, u.Active, "全部份额赎回后不再参与抽奖")
	require.True(t, u.Amount.IsZero())
	require.Len(t, h.engine.Participants(), 1)
	require.Equal(t, uint64(1000), h.engine.Info().TotalWeight.Uint64())

	err := h.engine.OnWithdraw(bob, amount.Zero(), amount.Of(1000))
	require.Equal(t, vaulterr.KindValidation, vaulterr.KindOf(err))
}

func TestAutoDrawOnHarvest(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.AutoDraw = true })
	require.NoError(t, h.engine.OnDeposit(alice, amount.Of(100)))
	h.clock.Advance(7 * 24 * time.Hour)
	h.harvest(t, 20)

	require.Equal(t, StateDrawing, h.engine.State())
	require.Len(t, h.rng.Pending(), 1)

	n, err := h.rng.Deliver(context.Background(), h.engine, vaulterr.Retryable)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, h.engine.Draws(), 1)
}

func TestCancelDrawAfterTimeout(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(c *Config) { c.FulfillmentTimeout = time.Hour })
	require.NoError(t, h.engine.OnDeposit(alice, amount.Of(100)))
	h.harvest(t, 20)
	h.clock.Advance(7 * 24 * time.Hour)
	_, _, err := h.engine.RequestDraw(ctx, agent)
	require.NoError(t, err)

	require.ErrorIs(t, h.engine.CancelDraw(admin), ErrFulfillmentWindow)
	h.clock.Advance(time.Hour)
	require.Equal(t, vaulterr.KindAuthorization, vaulterr.KindOf(h.engine.CancelDraw(agent)))
	require.NoError(t, h.engine.CancelDraw(admin))
	require.Equal(t, StateDrawReady, h.engine.State())
	require.Equal(t, uint64(20), h.engine.Info().PrizePool.Uint64())
}
