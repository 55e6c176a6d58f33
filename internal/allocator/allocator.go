// Package allocator splits idle capital across qualifying strategies by
// risk-adjusted return.
package allocator

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"prize-vault/internal/amount"
)

// Opportunity is a candidate strategy as the allocator sees it.
type Opportunity struct {
	Key       common.Hash
	Name      string
	Protocol  string
	ChainID   uint64
	APY       uint64       // bps
	Risk      uint64       // bps
	Capacity  *uint256.Int // remaining; nil means unlimited
	Liquidity *uint256.Int // venue TVL
	Active    bool
	UpdatedAt time.Time
}

// Allocation is one line of a plan.
type Allocation struct {
	Key      common.Hash
	Name     string
	Protocol string
	ChainID  uint64
	Amount   *uint256.Int
	Bps      uint64
	APY      uint64
	Risk     uint64
}

// Plan is the output of CalculateOptimalAllocation.
type Plan struct {
	Allocations []Allocation
	ExpectedAPY uint64 // amount-weighted, bps
	TotalRisk   uint64 // amount-weighted, bps
	GasEstimate uint64
	// Unallocated is left as cash when every qualifying strategy is full.
	Unallocated *uint256.Int
}

// Empty reports whether the plan deploys nothing.
func (p Plan) Empty() bool { return len(p.Allocations) == 0 }

// Total sums the allocated amounts.
func (p Plan) Total() *uint256.Int {
	total := amount.Zero()
	for _, a := range p.Allocations {
		total.Add(total, a.Amount)
	}
	return total
}

// Config tunes the allocator.
type Config struct {
	MinYieldBps            uint64
	MaxSingleAllocationBps uint64
	RebalanceThresholdBps  uint64
	Freshness              time.Duration
	// LiquidityBonusBps multiplies the weight of venues whose TVL is at least
	// LiquidityDepthMultiple times the amount being allocated.
	LiquidityBonusBps      uint64
	LiquidityDepthMultiple uint64
	BaseGas                uint64
	GasPerAllocation       uint64
}

// DefaultConfig mirrors the agent defaults.
func DefaultConfig() Config {
	return Config{
		MinYieldBps:            200,
		MaxSingleAllocationBps: 4000,
		RebalanceThresholdBps:  500,
		Freshness:              24 * time.Hour,
		LiquidityBonusBps:      11_000,
		LiquidityDepthMultiple: 10,
		BaseGas:                50_000,
		GasPerAllocation:       180_000,
	}
}

// Allocator computes allocation plans. It is stateless apart from config.
type Allocator struct {
	cfg    Config
	clock  clockwork.Clock
	logger zerolog.Logger
}

// New constructs an Allocator.
func New(cfg Config, clock clockwork.Clock, logger zerolog.Logger) *Allocator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.MaxSingleAllocationBps == 0 || cfg.MaxSingleAllocationBps > amount.BasisPoints {
		cfg.MaxSingleAllocationBps = amount.BasisPoints
	}
	if cfg.LiquidityBonusBps == 0 {
		cfg.LiquidityBonusBps = amount.BasisPoints
	}
	return &Allocator{cfg: cfg, clock: clock, logger: logger.With().Str("component", "allocator").Logger()}
}

// Config returns the allocator settings.
func (a *Allocator) Config() Config { return a.cfg }

type candidate struct {
	opp    Opportunity
	weight *uint256.Int
	limit  *uint256.Int
	amount *uint256.Int
	full   bool
}

// Eligible applies the active, freshness, risk, min-yield and capacity filters.
func (a *Allocator) Eligible(opps []Opportunity, maxRisk uint64) []Opportunity {
	now := a.clock.Now()
	out := make([]Opportunity, 0, len(opps))
	for _, o := range opps {
		if !o.Active || o.Risk > maxRisk || o.APY < a.cfg.MinYieldBps {
			continue
		}
		if a.cfg.Freshness > 0 && now.Sub(o.UpdatedAt) > a.cfg.Freshness {
			continue
		}
		if o.Capacity != nil && o.Capacity.IsZero() {
			continue
		}
		out = append(out, o)
	}
	return out
}

// Weight is APY*10000/(risk+1000), boosted for deep liquidity.
func (a *Allocator) Weight(o Opportunity, total *uint256.Int) *uint256.Int {
	bps := uint256.NewInt(amount.BasisPoints)
	w := new(uint256.Int).Mul(uint256.NewInt(o.APY), bps)
	w.Div(w, uint256.NewInt(o.Risk+1000))
	if o.Liquidity != nil && a.cfg.LiquidityDepthMultiple > 0 && total != nil {
		depth := new(uint256.Int).Mul(total, uint256.NewInt(a.cfg.LiquidityDepthMultiple))
		if !o.Liquidity.Lt(depth) {
			w.Mul(w, uint256.NewInt(a.cfg.LiquidityBonusBps))
			w.Div(w, bps)
		}
	}
	return w
}

// CalculateOptimalAllocation apportions total across eligible opportunities in
// proportion to their weights, capped per strategy by MaxSingleAllocationBps
// and remaining capacity. Amounts above a cap are redistributed over the
// remaining strategies. The allocations sum exactly to total unless every
// strategy is full, in which case the rest is reported as Unallocated. No
// eligible opportunity yields an empty plan, meaning hold as cash.
func (a *Allocator) CalculateOptimalAllocation(opps []Opportunity, total *uint256.Int, maxRisk uint64) Plan {
	plan := Plan{Unallocated: amount.OrZero(total).Clone()}
	if total == nil || total.IsZero() {
		return plan
	}
	eligible := a.Eligible(opps, maxRisk)
	cands := make([]*candidate, 0, len(eligible))
	for _, o := range eligible {
		w := a.Weight(o, total)
		if w.IsZero() {
			continue
		}
		cands = append(cands, &candidate{opp: o, weight: w, amount: amount.Zero()})
	}
	if len(cands) == 0 {
		return plan
	}

	// a per-strategy cap that cannot cover total across all candidates is
	// lifted rather than stranding capital
	capBps := a.cfg.MaxSingleAllocationBps
	if uint64(len(cands))*capBps < amount.BasisPoints {
		capBps = amount.BasisPoints
	}
	capAmount, err := amount.MulDivUp(total, uint256.NewInt(capBps), uint256.NewInt(amount.BasisPoints))
	if err != nil {
		capAmount = total.Clone()
	}
	for _, c := range cands {
		c.limit = capAmount.Clone()
		if c.opp.Capacity != nil && c.opp.Capacity.Lt(c.limit) {
			c.limit = c.opp.Capacity.Clone()
		}
	}

	remaining := total.Clone()
	for !remaining.IsZero() {
		open := make([]*candidate, 0, len(cands))
		weights := amount.Zero()
		for _, c := range cands {
			if !c.full {
				open = append(open, c)
				weights.Add(weights, c.weight)
			}
		}
		if len(open) == 0 {
			break
		}

		// any candidate whose proportional share meets its headroom is filled
		// and taken out, then the rest is re-apportioned
		snapshot := remaining.Clone()
		saturated := false
		for _, c := range open {
			share := amount.MustMulDiv(snapshot, c.weight, weights)
			headroom := new(uint256.Int).Sub(c.limit, c.amount)
			if !share.Lt(headroom) {
				c.amount = c.limit.Clone()
				c.full = true
				remaining.Sub(remaining, headroom)
				saturated = true
			}
		}
		if saturated {
			continue
		}

		distributed := amount.Zero()
		for _, c := range open {
			share := amount.MustMulDiv(remaining, c.weight, weights)
			c.amount.Add(c.amount, share)
			distributed.Add(distributed, share)
		}
		// rounding dust goes to the last open candidate; its share was
		// strictly below headroom and dust < len(open)
		dust := new(uint256.Int).Sub(remaining, distributed)
		last := open[len(open)-1]
		headroom := new(uint256.Int).Sub(last.limit, last.amount)
		if dust.Gt(headroom) {
			last.amount.Add(last.amount, headroom)
			last.full = true
			remaining = new(uint256.Int).Sub(dust, headroom)
			continue
		}
		last.amount.Add(last.amount, dust)
		remaining = amount.Zero()
	}

	allocated := amount.Zero()
	apySum := amount.Zero()
	riskSum := amount.Zero()
	for _, c := range cands {
		if c.amount.IsZero() {
			continue
		}
		allocated.Add(allocated, c.amount)
		apySum.Add(apySum, new(uint256.Int).Mul(c.amount, uint256.NewInt(c.opp.APY)))
		riskSum.Add(riskSum, new(uint256.Int).Mul(c.amount, uint256.NewInt(c.opp.Risk)))
		plan.Allocations = append(plan.Allocations, Allocation{
			Key:      c.opp.Key,
			Name:     c.opp.Name,
			Protocol: c.opp.Protocol,
			ChainID:  c.opp.ChainID,
			Amount:   c.amount.Clone(),
			Bps:      amount.MustMulDiv(c.amount, uint256.NewInt(amount.BasisPoints), total).Uint64(),
			APY:      c.opp.APY,
			Risk:     c.opp.Risk,
		})
	}
	if !allocated.IsZero() {
		plan.ExpectedAPY = new(uint256.Int).Div(apySum, allocated).Uint64()
		plan.TotalRisk = new(uint256.Int).Div(riskSum, allocated).Uint64()
		plan.GasEstimate = a.cfg.BaseGas + uint64(len(plan.Allocations))*a.cfg.GasPerAllocation
	}
	plan.Unallocated = new(uint256.Int).Sub(total, allocated)
	if !plan.Unallocated.IsZero() {
		a.logger.Warn().Str("unallocated", plan.Unallocated.Dec()).Int("strategies", len(plan.Allocations)).Msg("strategy capacity exhausted, holding remainder as cash")
	}
	return plan
}

// Holding is current deployed capital used to compute realised APY.
type Holding struct {
	Amount *uint256.Int
	APY    uint64
}

// CurrentAPY is the amount-weighted APY of holdings, in bps.
func CurrentAPY(holdings []Holding) uint64 {
	total := amount.Zero()
	weighted := amount.Zero()
	for _, h := range holdings {
		if h.Amount == nil {
			continue
		}
		total.Add(total, h.Amount)
		weighted.Add(weighted, new(uint256.Int).Mul(h.Amount, uint256.NewInt(h.APY)))
	}
	if total.IsZero() {
		return 0
	}
	return new(uint256.Int).Div(weighted, total).Uint64()
}

// ShouldRebalance recommends moving capital only when the optimal APY beats
// the current one by at least the configured threshold.
func (a *Allocator) ShouldRebalance(currentAPY, optimalAPY uint64) (bool, uint64) {
	if optimalAPY <= currentAPY {
		return false, 0
	}
	improvement := optimalAPY - currentAPY
	return improvement >= a.cfg.RebalanceThresholdBps, improvement
}
