package allocator

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"prize-vault/internal/amount"
)

func newAllocator(cfg Config) (*Allocator, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClock()
	return New(cfg, clock, zerolog.Nop()), clock
}

func opp(name string, apy, risk uint64, now time.Time) Opportunity {
	return Opportunity{
		Key:       common.BytesToHash([]byte(name)),
		Name:      name,
		APY:       apy,
		Risk:      risk,
		Active:    true,
		UpdatedAt: now,
	}
}

func TestExcludesOverRiskAndSplitsByWeight(t *testing.T) {
	a, clock := newAllocator(DefaultConfig())
	now := clock.Now()
	opps := []Opportunity{
		opp("first", 500, 2000, now),
		opp("second", 800, 6000, now),
		opp("third", 300, 1000, now),
	}

	plan := a.CalculateOptimalAllocation(opps, amount.Of(10_000), 5000)
	require.Len(t, plan.Allocations, 2)
	require.Equal(t, "first", plan.Allocations[0].Name)
	require.Equal(t, "third", plan.Allocations[1].Name)

	// weights 1666 / 1500
	require.Equal(t, uint64(5262), plan.Allocations[0].Amount.Uint64())
	require.Equal(t, uint64(4738), plan.Allocations[1].Amount.Uint64())
	require.Equal(t, uint64(10_000), plan.Total().Uint64())
	require.True(t, plan.Unallocated.IsZero())
	require.Equal(t, uint64(10_000), plan.Allocations[0].Bps+plan.Allocations[1].Bps)
	require.NotZero(t, plan.GasEstimate)
}

func TestNoEligibleOpportunityIsEmptyPlan(t *testing.T) {
	a, clock := newAllocator(DefaultConfig())
	now := clock.Now()
	opps := []Opportunity{
		opp("risky", 900, 9000, now),
		opp("low-yield", 100, 500, now),
	}
	inactive := opp("inactive", 900, 100, now)
	inactive.Active = false
	opps = append(opps, inactive)

	plan := a.CalculateOptimalAllocation(opps, amount.Of(1_000), 6000)
	require.True(t, plan.Empty())
	require.Zero(t, plan.ExpectedAPY)
	require.Equal(t, uint64(1_000), plan.Unallocated.Uint64())
}

func TestStaleMetricsExcluded(t *testing.T) {
	a, clock := newAllocator(DefaultConfig())
	opps := []Opportunity{opp("old", 900, 1000, clock.Now())}
	clock.Advance(25 * time.Hour)
	opps = append(opps, opp("new", 400, 1000, clock.Now()))

	plan := a.CalculateOptimalAllocation(opps, amount.Of(1_000), 6000)
	require.Len(t, plan.Allocations, 1)
	require.Equal(t, "new", plan.Allocations[0].Name)
}

func TestCapRedistributesOverflow(t *testing.T) {
	a, clock := newAllocator(DefaultConfig())
	now := clock.Now()
	// dominant 权重远高于其他两个，但单个策略上限 40%
	opps := []Opportunity{
		opp("dominant", 3000, 0, now),
		opp("mid", 400, 1000, now),
		opp("small", 300, 1000, now),
	}
	plan := a.CalculateOptimalAllocation(opps, amount.Of(100_000), 6000)
	require.Len(t, plan.Allocations, 3)
	require.Equal(t, uint64(40_000), plan.Allocations[0].Amount.Uint64())
	require.Equal(t, uint64(100_000), plan.Total().Uint64())
	for _, al := range plan.Allocations {
		require.LessOrEqual(t, al.Amount.Uint64(), uint64(40_000))
	}
}

func TestCapLiftedWhenTooFewCandidates(t *testing.T) {
	a, clock := newAllocator(DefaultConfig())
	now := clock.Now()
	// 两个候选 × 40% 不足以覆盖总额，上限提升至 100%
	opps := []Opportunity{
		opp("a", 600, 1000, now),
		opp("b", 300, 1000, now),
	}
	plan := a.CalculateOptimalAllocation(opps, amount.Of(1_000), 6000)
	require.Equal(t, uint64(1_000), plan.Total().Uint64())
	require.True(t, plan.Unallocated.IsZero())
	require.Greater(t, plan.Allocations[0].Amount.Uint64(), uint64(400), "上限提升后不应截在 40%")
}

func TestCapacityShortfallReportedAsUnallocated(t *testing.T) {
	a, clock := newAllocator(DefaultConfig())
	now := clock.Now()
	x := opp("x", 500, 1000, now)
	x.Capacity = amount.Of(100)
	y := opp("y", 500, 1000, now)
	y.Capacity = amount.Of(200)

	plan := a.CalculateOptimalAllocation([]Opportunity{x, y}, amount.Of(1_000), 6000)
	require.Equal(t, uint64(300), plan.Total().Uint64())
	require.Equal(t, uint64(700), plan.Unallocated.Uint64())
}

func TestLiquidityBonus(t *testing.T) {
	a, clock := newAllocator(DefaultConfig())
	now := clock.Now()
	deep := opp("deep", 500, 1000, now)
	deep.Liquidity = amount.Of(1_000_000)
	shallow := opp("shallow", 500, 1000, now)
	shallow.Liquidity = amount.Of(10)

	total := amount.Of(1_000)
	require.True(t, a.Weight(deep, total).Gt(a.Weight(shallow, total)))
}

func TestWeightDoesNotWrapOnExtremeAPY(t *testing.T) {
	a, clock := newAllocator(DefaultConfig())
	now := clock.Now()
	huge := opp("huge", math.MaxUint64/2, 0, now)
	huge.Liquidity = amount.Of(1_000_000)
	small := opp("small", 500, 0, now)

	total := amount.Of(1_000)
	w := a.Weight(huge, total)
	require.True(t, w.Gt(a.Weight(small, total)), "极端 APY 不应溢出回绕")
	require.False(t, w.IsUint64(), "权重应超出 uint64 范围而非截断")
}

func TestAllocationsAlwaysSumToTotal(t *testing.T) {
	a, clock := newAllocator(DefaultConfig())
	now := clock.Now()
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 500; i++ {
		n := 1 + rng.Intn(6)
		opps := make([]Opportunity, 0, n)
		for j := 0; j < n; j++ {
			opps = append(opps, opp(string(rune('a'+j)), 200+uint64(rng.Intn(2000)), uint64(rng.Intn(6000)), now))
		}
		total := uint256.NewInt(1 + uint64(rng.Int63n(1_000_000_000_000)))
		plan := a.CalculateOptimalAllocation(opps, total, 6000)
		require.Equalf(t, total.Dec(), plan.Total().Dec(), "iteration %d", i)

		var bps uint64
		for _, al := range plan.Allocations {
			bps += al.Bps
		}
		require.InDeltaf(t, 10_000, bps, float64(len(plan.Allocations)), "iteration %d", i)
	}
}

func TestShouldRebalance(t *testing.T) {
	a, _ := newAllocator(DefaultConfig())

	ok, improvement := a.ShouldRebalance(400, 850)
	require.False(t, ok)
	require.Equal(t, uint64(450), improvement)

	ok, _ = a.ShouldRebalance(400, 900)
	require.True(t, ok)

	ok, _ = a.ShouldRebalance(900, 400)
	require.False(t, ok)

	require.Equal(t, uint64(600), CurrentAPY([]Holding{
		{Amount: amount.Of(100), APY: 400},
		{Amount: amount.Of(100), APY: 800},
	}))
}
