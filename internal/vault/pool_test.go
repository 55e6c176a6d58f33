package vault

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"prize-vault/internal/access"
	"prize-vault/internal/allocator"
	"prize-vault/internal/amount"
	"prize-vault/internal/bridge"
	"prize-vault/internal/emergency"
	"prize-vault/internal/ledger"
	"prize-vault/internal/lottery"
	"prize-vault/internal/randomness"
	"prize-vault/internal/registry"
	"prize-vault/internal/strategy"
	"prize-vault/internal/vaulterr"
)

const (
	localChain  = 1
	remoteChain = 42161
)

var (
	asset       = common.HexToAddress("0xa0b8")
	poolAddr    = common.HexToAddress("0x1001")
	lotteryAddr = common.HexToAddress("0x7070")
	escrowAddr  = common.HexToAddress("0xe5c0")
	admin       = common.HexToAddress("0xad")
	agent       = common.HexToAddress("0xa9")
	guardian    = common.HexToAddress("0x9a")
	alice       = common.HexToAddress("0xa1")
	bob         = common.HexToAddress("0xb0")
	carol       = common.HexToAddress("0xc0")
)

type harness struct {
	pool     *Pool
	ledger   *ledger.Ledger
	engine   *lottery.Engine
	rng      *randomness.LocalSource
	ctrl     *emergency.Controller
	registry *registry.Registry
	escrow   *bridge.Escrow
	clock    *clockwork.FakeClock
}

func newHarness(t *testing.T, lot Lottery) harness {
	t.Helper()
	roles := access.NewRoles(admin)
	require.NoError(t, roles.Grant(admin, access.RoleAgent, agent))
	require.NoError(t, roles.Grant(admin, access.RoleGuardian, guardian))
	clock := clockwork.NewFakeClock()
	l := ledger.New(asset, "USDC", 6)
	ctrl := emergency.NewController(roles, emergency.Options{Clock: clock}, zerolog.Nop())
	rng := randomness.NewLocalSource([]byte("vault"), 0, clock, zerolog.Nop())

	engine, err := lottery.NewEngine(lottery.Config{
		Pool:     "main",
		Address:  lotteryAddr,
		Interval: 7 * 24 * time.Hour,
		MinPrize: amount.Of(10),
		GasLimit: 200_000,
	}, l, rng, ctrl, roles, clock, zerolog.Nop())
	require.NoError(t, err)
	if lot == nil {
		lot = engine
	}

	reg := registry.New(roles, registry.Options{Clock: clock}, zerolog.Nop())
	require.NoError(t, reg.RegisterChain(admin, localChain, "ethereum"))
	require.NoError(t, reg.RegisterChain(admin, remoteChain, "arbitrum"))

	escrow := bridge.NewEscrow(l, escrowAddr, poolAddr, clock, zerolog.Nop())
	p, err := New(Options{Name: "main", Address: poolAddr, LocalChain: localChain, CallTimeout: time.Second, Clock: clock}, Deps{
		Token:    l,
		Roles:    roles,
		Gate:     ctrl,
		Lottery:  lot,
		Bridge:   escrow,
		Recorder: reg,
	}, zerolog.Nop())
	require.NoError(t, err)
	return harness{pool: p, ledger: l, engine: engine, rng: rng, ctrl: ctrl, registry: reg, escrow: escrow, clock: clock}
}

func (h harness) fund(t *testing.T, who common.Address, v uint64) {
	t.Helper()
	require.NoError(t, h.ledger.Credit(who, amount.Of(v)))
	require.NoError(t, h.ledger.Approve(who, poolAddr, amount.Of(v)))
}

func (h harness) deposit(t *testing.T, who common.Address, v uint64) *uint256.Int {
	t.Helper()
	h.fund(t, who, v)
	shares, err := h.pool.Deposit(context.Background(), who, amount.Of(v), who)
	require.NoError(t, err)
	return shares
}

// attach registers a lending strategy backed by a sim venue and returns the venue.
func (h harness) attach(t *testing.T, name string, chain uint64, adapterAddr common.Address) (common.Hash, *strategy.SimVenue) {
	t.Helper()
	key, err := h.registry.RegisterStrategy(admin, registry.Strategy{
		Name:     name,
		Protocol: name,
		Kind:     string(strategy.KindLending),
		ChainID:  chain,
		Adapter:  adapterAddr,
		APY:      500,
		Risk:     2000,
		Active:   true,
	})
	require.NoError(t, err)
	venue := strategy.NewSimVenue(name, common.BytesToAddress([]byte("venue-"+name)), h.ledger)
	a, err := strategy.NewSimAdapter(strategy.KindLending, strategy.Config{
		Name:       name,
		Address:    adapterAddr,
		Pool:       poolAddr,
		MinHarvest: amount.Of(1),
	}, h.ledger, venue, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, h.pool.AddAdapter(admin, key, a, chain))
	return key, venue
}

func (h harness) allocate(t *testing.T, key common.Hash, v uint64) AllocationReport {
	t.Helper()
	report, err := h.pool.Allocate(context.Background(), agent, []allocator.Allocation{{Key: key, Name: key.Hex()[:10], Amount: amount.Of(v)}})
	require.NoError(t, err)
	return report
}

func (h harness) redeemAll(t *testing.T, who common.Address) *uint256.Int {
	t.Helper()
	got, err := h.pool.Redeem(context.Background(), who, h.pool.SharesOf(who), who, who)
	require.NoError(t, err)
	return got
}

func TestBootstrapIsOneToOne(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	preview, err := h.pool.PreviewDeposit(ctx, amount.Of(1_000))
	require.NoError(t, err)
	require.Equal(t, uint64(1_000), preview.Uint64())

	shares := h.deposit(t, alice, 1_000)
	require.Equal(t, uint64(1_000), shares.Uint64())
	require.Equal(t, uint64(1_000), h.pool.TotalShares().Uint64())
	total, err := h.pool.TotalAssets(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1_000), total.Uint64())
	require.Equal(t, uint64(1_000), h.engine.UserInfo(alice).Amount.Uint64())
}

func TestNoLossWithoutYield(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))
	users := []common.Address{alice, bob, carol}
	deposited := map[common.Address]uint64{}
	withdrawn := map[common.Address]uint64{}

	for i := 0; i < 200; i++ {
		who := users[rng.Intn(len(users))]
		if rng.Intn(3) > 0 || h.pool.SharesOf(who).IsZero() {
			v := uint64(rng.Intn(10_000) + 1)
			h.deposit(t, who, v)
			deposited[who] += v
			continue
		}
		limit, err := h.pool.MaxWithdraw(ctx, who)
		require.NoError(t, err)
		if limit.IsZero() {
			continue
		}
		v := uint64(rng.Int63n(int64(limit.Uint64()))) + 1
		_, err = h.pool.Withdraw(ctx, who, amount.Of(v), who, who)
		require.NoError(t, err)
		withdrawn[who] += v
	}

	for _, who := range users {
		redeemable, err := h.pool.ConvertToAssets(ctx, h.pool.SharesOf(who))
		require.NoError(t, err)
		require.Equalf(t, deposited[who]-withdrawn[who], redeemable.Uint64(), "用户 %s 本金不一致", who.Hex())
	}
}

func TestRoundTripNeverGains(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	key, venue := h.attach(t, "aave", localChain, common.HexToAddress("0x2002"))

	h.deposit(t, alice, 10_000)
	h.allocate(t, key, 6_000)
	// venue loss moves the share price below 1
	require.NoError(t, venue.Slash(common.HexToAddress("0x2002"), amount.Of(777)))

	for _, v := range []uint64{3, 17, 999, 1_234, 3_000} {
		h.fund(t, bob, v)
		shares, err := h.pool.Deposit(ctx, bob, amount.Of(v), bob)
		require.NoError(t, err)
		got, err := h.pool.Redeem(ctx, bob, shares, bob, bob)
		require.NoError(t, err)
		require.Falsef(t, got.Gt(amount.Of(v)), "存入 %d 赎回 %s", v, got.Dec())
	}
}

func TestDepositValidation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.fund(t, alice, 100)

	_, err := h.pool.Deposit(ctx, alice, amount.Zero(), alice)
	require.ErrorIs(t, err, vaulterr.ErrZeroAmount)
	_, err = h.pool.Deposit(ctx, alice, amount.Of(10), common.Address{})
	require.ErrorIs(t, err, vaulterr.ErrNullAddress)

	require.NoError(t, h.pool.SetDepositsEnabled(admin, false))
	_, err = h.pool.Deposit(ctx, alice, amount.Of(10), alice)
	require.ErrorIs(t, err, ErrDepositsDisabled)
	require.Error(t, h.pool.SetDepositsEnabled(alice, true), "非管理员不能修改")
	require.NoError(t, h.pool.SetDepositsEnabled(admin, true))

	_, err = h.pool.Deposit(ctx, alice, amount.Of(101), alice)
	require.Error(t, err, "超过授权额度")
	require.True(t, h.pool.TotalShares().IsZero())
}

func TestEmergencyLevelsGateDepositsAndWithdrawals(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.deposit(t, alice, 1_000)
	h.fund(t, alice, 100)

	inc, err := h.ctrl.TriggerEmergency(guardian, "main", emergency.LevelHigh, "oracle flagged")
	require.NoError(t, err)

	_, err = h.pool.Deposit(ctx, alice, amount.Of(100), alice)
	require.Equal(t, vaulterr.KindEmergency, vaulterr.KindOf(err))
	require.Contains(t, err.Error(), "restricted by emergency level HIGH")
	require.True(t, vaulterr.Retryable(err))

	// HIGH still allows withdrawals
	_, err = h.pool.Withdraw(ctx, alice, amount.Of(100), alice, alice)
	require.NoError(t, err)

	h.clock.Advance(2 * time.Hour)
	_, err = h.ctrl.TriggerEmergency(guardian, "main", emergency.LevelCritical, "exploit")
	require.NoError(t, err)
	_, err = h.pool.Withdraw(ctx, alice, amount.Of(100), alice, alice)
	require.Equal(t, vaulterr.KindEmergency, vaulterr.KindOf(err))

	require.NoError(t, h.ctrl.ResolveIncident(guardian, "main", inc.ID))
	_, err = h.pool.Withdraw(ctx, alice, amount.Of(100), alice, alice)
	require.Equal(t, vaulterr.KindEmergency, vaulterr.KindOf(err), "CRITICAL 事件仍未解决")
}

func TestWithdrawOwnerOrAllowance(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.deposit(t, alice, 1_000)

	_, err := h.pool.Withdraw(ctx, bob, amount.Of(100), bob, alice)
	require.Equal(t, vaulterr.KindAuthorization, vaulterr.KindOf(err))
	require.ErrorIs(t, err, vaulterr.ErrAllowance)

	require.NoError(t, h.pool.ApproveShares(alice, bob, amount.Of(150)))
	shares, err := h.pool.Withdraw(ctx, bob, amount.Of(100), bob, alice)
	require.NoError(t, err)
	require.Equal(t, uint64(100), shares.Uint64())
	require.Equal(t, uint64(100), h.ledger.BalanceOf(bob).Uint64())
	require.Equal(t, uint64(50), h.pool.ShareAllowance(alice, bob).Uint64())
	require.Equal(t, uint64(900), h.pool.SharesOf(alice).Uint64())

	_, err = h.pool.Redeem(ctx, bob, amount.Of(51), bob, alice)
	require.ErrorIs(t, err, vaulterr.ErrAllowance)
}

func TestWithdrawNeverRecallsStrategies(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	key, _ := h.attach(t, "aave", localChain, common.HexToAddress("0x2002"))
	h.deposit(t, alice, 1_000)
	h.allocate(t, key, 800)

	limit, err := h.pool.MaxWithdraw(ctx, alice)
	require.NoError(t, err)
	require.Equal(t, uint64(200), limit.Uint64())

	_, err = h.pool.Withdraw(ctx, alice, amount.Of(201), alice, alice)
	require.Equal(t, vaulterr.KindInsufficientLiquidity, vaulterr.KindOf(err))
	require.Equal(t, uint64(1_000), h.pool.SharesOf(alice).Uint64(), "失败时不修改状态")
	require.True(t, h.ledger.BalanceOf(alice).IsZero())
}

type flakyLottery struct {
	panics bool
	calls  int
}

func (f *flakyLottery) Address() common.Address { return lotteryAddr }
func (f *flakyLottery) OnDeposit(common.Address, *uint256.Int) error {
	f.calls++
	if f.panics {
		panic("lottery bug")
	}
	return errors.New("lottery unavailable")
}
func (f *flakyLottery) OnWithdraw(common.Address, *uint256.Int, *uint256.Int) error {
	f.calls++
	return errors.New("lottery unavailable")
}
func (f *flakyLottery) OnYieldHarvested(context.Context, *uint256.Int) error {
	f.calls++
	return errors.New("lottery unavailable")
}

func TestLotteryFailureNeverBlocksDeposits(t *testing.T) {
	for _, panics := range []bool{false, true} {
		lot := &flakyLottery{panics: panics}
		h := newHarness(t, lot)
		shares := h.deposit(t, alice, 500)
		require.Equal(t, uint64(500), shares.Uint64())
		_, err := h.pool.Withdraw(context.Background(), alice, amount.Of(200), alice, alice)
		require.NoError(t, err)
		require.Equal(t, 2, lot.calls)
		require.Equal(t, uint64(300), h.pool.SharesOf(alice).Uint64())
	}
}

// reentrantAdapter calls back into the pool from Execute.
type reentrantAdapter struct {
	pool *Pool
	err  error
}

func (a *reentrantAdapter) Name() string            { return "evil" }
func (a *reentrantAdapter) Kind() strategy.Kind     { return strategy.KindLending }
func (a *reentrantAdapter) Address() common.Address { return common.HexToAddress("0xe1") }
func (a *reentrantAdapter) Execute(ctx context.Context, amt *uint256.Int, _ []byte) error {
	_, a.err = a.pool.Deposit(ctx, alice, amount.Of(1), alice)
	return a.err
}
func (a *reentrantAdapter) Harvest(context.Context, []byte) (*uint256.Int, error) {
	return amount.Zero(), nil
}
func (a *reentrantAdapter) EmergencyExit(context.Context, []byte) (strategy.ExitReport, error) {
	return strategy.ExitReport{Adapter: "evil"}, nil
}
func (a *reentrantAdapter) Balance(context.Context) (*uint256.Int, error) { return amount.Zero(), nil }

func TestNestedCallIsRejected(t *testing.T) {
	h := newHarness(t, nil)
	h.deposit(t, alice, 1_000)
	h.fund(t, alice, 1)

	evil := &reentrantAdapter{pool: h.pool}
	key := common.HexToHash("0xe1")
	require.NoError(t, h.pool.AddAdapter(admin, key, evil, localChain))

	report, err := h.pool.Allocate(context.Background(), agent, []allocator.Allocation{{Key: key, Name: "evil", Amount: amount.Of(100)}})
	require.NoError(t, err)
	require.ErrorIs(t, evil.err, vaulterr.ErrReentrant)
	require.Equal(t, 1, report.Failed())
	require.Equal(t, uint64(1_000), h.ledger.BalanceOf(poolAddr).Uint64())
	require.True(t, h.ledger.Allowance(poolAddr, evil.Address()).IsZero())

	// the guard is released on the failure path
	_, err = h.pool.Deposit(context.Background(), alice, amount.Of(1), alice)
	require.NoError(t, err)
}

// backgroundReentrantAdapter calls back into the pool with a fresh context.
type backgroundReentrantAdapter struct {
	reentrantAdapter
}

func (a *backgroundReentrantAdapter) Execute(context.Context, *uint256.Int, []byte) error {
	_, a.err = a.pool.Deposit(context.Background(), alice, amount.Of(1), alice)
	return a.err
}

func TestNestedCallWithFreshContextIsRejected(t *testing.T) {
	h := newHarness(t, nil)
	h.deposit(t, alice, 1_000)
	h.fund(t, alice, 1)

	evil := &backgroundReentrantAdapter{reentrantAdapter{pool: h.pool}}
	key := common.HexToHash("0xe2")
	require.NoError(t, h.pool.AddAdapter(admin, key, evil, localChain))

	report, err := h.pool.Allocate(context.Background(), agent, []allocator.Allocation{{Key: key, Name: "evil", Amount: amount.Of(100)}})
	require.NoError(t, err)
	require.ErrorIs(t, evil.err, vaulterr.ErrReentrant, "嵌套调用应被立即拒绝，而不是排队等待")
	require.Equal(t, 1, report.Failed())
	require.Equal(t, uint64(1_000), h.pool.TotalShares().Uint64())

	_, err = h.pool.Deposit(context.Background(), alice, amount.Of(1), alice)
	require.NoError(t, err)
	require.Equal(t, uint64(1_001), h.pool.TotalShares().Uint64())
}

func TestRedeemAllAfterLossLeavesLottery(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	adapterAddr := common.HexToAddress("0x2002")
	key, venue := h.attach(t, "aave", localChain, adapterAddr)

	h.deposit(t, alice, 1_000)
	h.deposit(t, bob, 1_000)
	h.allocate(t, key, 1_000)
	require.NoError(t, venue.Slash(adapterAddr, amount.Of(200)))
	_, err := h.pool.EmergencyExit(ctx, guardian, key)
	require.NoError(t, err)

	got := h.redeemAll(t, alice)
	require.True(t, got.Lt(amount.Of(1_000)), "亏损后赎回少于本金: %s", got.Dec())
	require.True(t, h.pool.SharesOf(alice).IsZero())

	u := h.engine.UserInfo(alice)
	require.False(t, u.Active, "份额清零后不应再参与抽奖")
	require.True(t, u.Amount.IsZero())
	require.Zero(t, u.ChanceBps)
	for _, p := range h.engine.Participants() {
		require.NotEqual(t, alice, p.Address)
	}
	require.Equal(t, uint64(10_000), h.engine.UserInfo(bob).ChanceBps)
}

func TestHarvestFundsPrizeWithoutMovingSharePrice(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	adapterAddr := common.HexToAddress("0x2002")
	key, venue := h.attach(t, "aave", localChain, adapterAddr)
	h.deposit(t, alice, 10_000)
	h.allocate(t, key, 8_000)

	before, err := h.pool.Status(ctx)
	require.NoError(t, err)
	require.NoError(t, venue.Accrue(adapterAddr, amount.Of(250)))
	during, err := h.pool.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, before.SharePriceWad, during.SharePriceWad, "未收割收益不计入份额价格")

	_, err = h.pool.Harvest(ctx, alice)
	require.Equal(t, vaulterr.KindAuthorization, vaulterr.KindOf(err))

	report, err := h.pool.Harvest(ctx, agent)
	require.NoError(t, err)
	require.Equal(t, uint64(250), report.Collected.Uint64())
	require.Equal(t, uint64(250), h.ledger.BalanceOf(lotteryAddr).Uint64())
	require.Equal(t, uint64(250), h.engine.Info().PrizePool.Uint64())

	after, err := h.pool.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, before.SharePriceWad, after.SharePriceWad)
	require.Equal(t, uint64(10_000), after.TotalAssets.Uint64())
}

func TestFailingAdapterKeepsLastKnownBalance(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	k1, v1 := h.attach(t, "aave", localChain, common.HexToAddress("0x2002"))
	k2, _ := h.attach(t, "compound", localChain, common.HexToAddress("0x4004"))
	h.deposit(t, alice, 10_000)
	h.allocate(t, k1, 3_000)
	h.allocate(t, k2, 2_000)

	v1.SetFailing(errors.New("rpc down"))
	st, err := h.pool.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(10_000), st.TotalAssets.Uint64())
	require.True(t, st.Adapters[0].Stale)
	require.False(t, st.Adapters[1].Stale)

	// harvest continues past the failing adapter
	_, err = h.pool.Harvest(ctx, agent)
	require.NoError(t, err)

	v1.SetFailing(nil)
	st, err = h.pool.Status(ctx)
	require.NoError(t, err)
	require.False(t, st.Adapters[0].Stale)
}

func TestAllocateGatedAndIsolated(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	key, _ := h.attach(t, "aave", localChain, common.HexToAddress("0x2002"))
	h.deposit(t, alice, 1_000)

	_, err := h.pool.Allocate(ctx, alice, nil)
	require.Equal(t, vaulterr.KindAuthorization, vaulterr.KindOf(err))

	report, err := h.pool.Allocate(ctx, agent, []allocator.Allocation{
		{Key: common.HexToHash("0xdead"), Name: "missing", Amount: amount.Of(100)},
		{Key: key, Name: "aave", Amount: amount.Of(400)},
		{Key: key, Name: "aave", Amount: amount.Of(5_000)},
	})
	require.NoError(t, err)
	require.Equal(t, 2, report.Failed())
	require.Equal(t, uint64(400), report.Deployed.Uint64())
	s, _ := h.registry.Get(key)
	require.Equal(t, uint64(400), s.Deployed.Uint64())

	_, err = h.ctrl.TriggerEmergency(guardian, "main", emergency.LevelMedium, "volatility")
	require.NoError(t, err)
	_, err = h.pool.Allocate(ctx, agent, []allocator.Allocation{{Key: key, Name: "aave", Amount: amount.Of(100)}})
	require.Equal(t, vaulterr.KindEmergency, vaulterr.KindOf(err))
}

func TestCrossChainAllocationCompletesThroughBridge(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	key, _ := h.attach(t, "gmx", remoteChain, common.HexToAddress("0x6006"))
	h.deposit(t, alice, 1_000)

	report := h.allocate(t, key, 600)
	require.Equal(t, uint64(600), report.Bridged.Uint64())
	id := report.Results[0].BridgeID
	require.NotEmpty(t, id)

	st, err := h.pool.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(600), st.InFlight.Uint64())
	require.Equal(t, uint64(1_000), st.TotalAssets.Uint64())
	require.Equal(t, uint64(600), h.registry.ChainDeployed(remoteChain).Uint64())

	require.NoError(t, h.pool.CompleteBridgeTransfer(ctx, agent, id))
	st, err = h.pool.Status(ctx)
	require.NoError(t, err)
	require.True(t, st.InFlight.IsZero())
	require.Equal(t, uint64(600), st.Deployed.Uint64())
	require.Equal(t, uint64(1_000), st.TotalAssets.Uint64())

	err = h.pool.CompleteBridgeTransfer(ctx, agent, id)
	require.ErrorIs(t, err, ErrUnknownBridgeID)
}

func TestEmergencyExitReturnsPrincipalAndForwardsSurplus(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	adapterAddr := common.HexToAddress("0x2002")
	key, venue := h.attach(t, "aave", localChain, adapterAddr)
	h.deposit(t, alice, 1_000)
	h.allocate(t, key, 700)
	require.NoError(t, venue.Accrue(adapterAddr, amount.Of(30)))

	_, err := h.ctrl.TriggerEmergency(guardian, "main", emergency.LevelCritical, "exploit")
	require.NoError(t, err)

	_, err = h.pool.EmergencyExit(ctx, alice, key)
	require.Equal(t, vaulterr.KindAuthorization, vaulterr.KindOf(err))

	report, err := h.pool.EmergencyExit(ctx, guardian, key)
	require.NoError(t, err)
	require.Zero(t, report.Failed())
	require.Equal(t, uint64(730), report.Recovered.Uint64())
	require.Equal(t, uint64(1_000), h.ledger.BalanceOf(poolAddr).Uint64())
	require.Equal(t, uint64(30), h.ledger.BalanceOf(lotteryAddr).Uint64())
	s, _ := h.registry.Get(key)
	require.True(t, s.Deployed.IsZero())

	total, err := h.pool.TotalAssets(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1_000), total.Uint64())
}

func TestPrizeDrawLeavesPrincipalWithdrawable(t *testing.T) {
	for _, c := range []struct {
		seed   uint64
		winner common.Address
	}{
		{500, alice},
		{5_000, bob},
	} {
		h := newHarness(t, nil)
		ctx := context.Background()
		adapterAddr := common.HexToAddress("0x2002")
		key, venue := h.attach(t, "aave", localChain, adapterAddr)

		h.deposit(t, alice, 1_000)
		h.deposit(t, bob, 9_000)
		h.allocate(t, key, 5_000)
		require.NoError(t, venue.Accrue(adapterAddr, amount.Of(100)))
		_, err := h.pool.Harvest(ctx, agent)
		require.NoError(t, err)
		require.Equal(t, uint64(100), h.engine.Info().PrizePool.Uint64())

		h.clock.Advance(7 * 24 * time.Hour)
		h.rng.Force(uint256.NewInt(c.seed))
		_, requestID, err := h.engine.RequestDraw(ctx, agent)
		require.NoError(t, err)
		rec, err := h.engine.Fulfill(ctx, requestID, h.rng.Pending()[0].Value)
		require.NoError(t, err)
		require.Equalf(t, c.winner, rec.Winner, "seed=%d", c.seed)
		require.Equal(t, uint64(100), rec.Prize.Uint64())
		require.True(t, h.engine.Info().PrizePool.IsZero())

		_, err = h.pool.EmergencyExitAll(ctx, guardian)
		require.NoError(t, err)
		require.Equal(t, uint64(1_000), h.redeemAll(t, alice).Uint64())
		require.Equal(t, uint64(9_000), h.redeemAll(t, bob).Uint64())
	}
}
