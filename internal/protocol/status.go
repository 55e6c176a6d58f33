package protocol

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"prize-vault/internal/allocator"
	"prize-vault/internal/amount"
	"prize-vault/internal/emergency"
	"prize-vault/internal/lottery"
	"prize-vault/internal/registry"
	"prize-vault/internal/risk"
	"prize-vault/internal/vault"
)

// ProtocolStatus is the getProtocolStatus view the driver decides on.
type ProtocolStatus struct {
	Pool            vault.Status
	Emergency       emergency.State
	Lottery         lottery.Info
	Portfolio       risk.Portfolio
	CurrentAPY      uint64
	OptimalAPY      uint64
	RebalanceNeeded bool
	Improvement     uint64
	Idle            *uint256.Int
	ObservedAt      time.Time
}

// GetProtocolStatus aggregates pool, emergency, lottery and risk state.
func (p *Protocol) GetProtocolStatus(ctx context.Context) (ProtocolStatus, error) {
	st, err := p.Pool.Status(ctx)
	if err != nil {
		return ProtocolStatus{}, err
	}
	holdings, positions := p.holdings(st.Adapters)
	current := allocator.CurrentAPY(holdings)

	idle := p.idle(st)
	optimal := current
	if !st.TotalAssets.IsZero() {
		plan := p.Allocator.CalculateOptimalAllocation(p.Opportunities(), st.TotalAssets, p.policy.MaxRiskTolerance)
		optimal = plan.ExpectedAPY
	}
	need, improvement := p.Allocator.ShouldRebalance(current, optimal)

	return ProtocolStatus{
		Pool:            st,
		Emergency:       p.Emergency.State(st.Name),
		Lottery:         p.Lottery.Info(),
		Portfolio:       risk.PortfolioRisk(positions),
		CurrentAPY:      current,
		OptimalAPY:      optimal,
		RebalanceNeeded: need,
		Improvement:     improvement,
		Idle:            idle,
		ObservedAt:      p.clock.Now(),
	}, nil
}

// GetLotteryInfo is the lottery summary.
func (p *Protocol) GetLotteryInfo() lottery.Info {
	return p.Lottery.Info()
}

// UserLotteryInfo combines the lottery position with the share balance.
type UserLotteryInfo struct {
	lottery.UserInfo
	Shares     *uint256.Int
	Redeemable *uint256.Int
}

// GetUserLotteryInfo returns addr's lottery position and redeemable assets.
func (p *Protocol) GetUserLotteryInfo(ctx context.Context, addr common.Address) (UserLotteryInfo, error) {
	shares := p.Pool.SharesOf(addr)
	redeemable, err := p.Pool.ConvertToAssets(ctx, shares)
	if err != nil {
		return UserLotteryInfo{}, err
	}
	return UserLotteryInfo{
		UserInfo:   p.Lottery.UserInfo(addr),
		Shares:     shares,
		Redeemable: redeemable,
	}, nil
}

// Opportunities converts registry strategies for the allocator. The risk used
// is the worse of the registry score and a valid oracle assessment; an
// expired assessment contributes its conservative default.
func (p *Protocol) Opportunities() []allocator.Opportunity {
	list := p.Registry.Strategies()
	out := make([]allocator.Opportunity, 0, len(list))
	for _, s := range list {
		riskScore := s.Risk
		if a := p.Oracle.GetRiskAssessment(s.Protocol); a.Score > riskScore {
			riskScore = a.Score
		}
		if s.ChainID != p.policy.LocalChain && !p.policy.CrossChain {
			continue
		}
		out = append(out, allocator.Opportunity{
			Key:       s.Key,
			Name:      s.Name,
			Protocol:  s.Protocol,
			ChainID:   s.ChainID,
			APY:       s.APY,
			Risk:      riskScore,
			Capacity:  s.Available(),
			Liquidity: s.TVL,
			Active:    s.Active && !p.Oracle.IsEmergency(s.Protocol),
			UpdatedAt: s.UpdatedAt,
		})
	}
	return out
}

// holdings pairs deployed principal with the strategies' APY and risk.
func (p *Protocol) holdings(adapters []vault.AdapterInfo) ([]allocator.Holding, []risk.Position) {
	holdings := make([]allocator.Holding, 0, len(adapters))
	positions := make([]risk.Position, 0, len(adapters))
	for _, a := range adapters {
		s, ok := p.Registry.Get(a.Key)
		if !ok || a.Deployed.IsZero() {
			continue
		}
		score := p.Oracle.GetRiskAssessment(s.Protocol).Score
		if s.Risk > score {
			score = s.Risk
		}
		holdings = append(holdings, allocator.Holding{Amount: a.Deployed, APY: s.APY})
		positions = append(positions, risk.Position{Protocol: s.Protocol, Score: score, Amount: a.Deployed})
	}
	return holdings, positions
}

// OptimalStrategy is getOptimalStrategy for a human-unit amount under the
// deployment's risk tolerance and cross-chain policy.
func (p *Protocol) OptimalStrategy(human decimal.Decimal) (registry.Selection, error) {
	amt, err := amount.FromDecimal(human, p.policy.Decimals)
	if err != nil {
		return registry.Selection{}, err
	}
	return p.Registry.GetOptimalStrategy(amt, p.policy.MaxRiskTolerance, p.policy.CrossChain, p.policy.LocalChain), nil
}
