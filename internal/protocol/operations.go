package protocol

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"prize-vault/internal/allocator"
	"prize-vault/internal/amount"
	"prize-vault/internal/emergency"
	"prize-vault/internal/lottery"
	"prize-vault/internal/risk"
	"prize-vault/internal/strategy"
	"prize-vault/internal/vault"
	"prize-vault/internal/vaulterr"
)

const year = 365 * 24 * time.Hour

// idle is cash above the withdrawal reserve.
func (p *Protocol) idle(st vault.Status) *uint256.Int {
	reserve := amount.ApplyBps(st.TotalAssets, p.policy.ReserveBps)
	return amount.SubFloor(st.Cash, reserve)
}

// RebalanceResult describes one allocation round.
type RebalanceResult struct {
	Plan   allocator.Plan
	Report vault.AllocationReport
	Idle   *uint256.Int
	// Recalled lists strategies emptied because the optimal APY beat the
	// current one by the rebalance threshold.
	Recalled    []strategy.ExitReport
	CurrentAPY  uint64
	OptimalAPY  uint64
	Improvement uint64
	// Skipped is set when there was nothing worth deploying.
	Skipped bool
}

// Rebalance deploys idle cash above the reserve according to a fresh plan.
// Deployed capital is only recalled when ShouldRebalance reports that the
// optimal APY beats the current one by the threshold, and then only from
// strategies lagging the optimum by at least that threshold.
func (p *Protocol) Rebalance(ctx context.Context) (RebalanceResult, error) {
	st, err := p.Pool.Status(ctx)
	if err != nil {
		return RebalanceResult{}, err
	}
	var res RebalanceResult
	if laggards := p.laggards(st, &res); len(laggards) > 0 {
		reports, err := p.Pool.Recall(ctx, p.operator, laggards)
		res.Recalled = reports
		if err != nil {
			return res, err
		}
		p.logger.Info().
			Uint64("current_apy", res.CurrentAPY).
			Uint64("optimal_apy", res.OptimalAPY).
			Int("recalled", len(reports)).
			Msg("rebalance threshold crossed, recalling lagging strategies")
		if st, err = p.Pool.Status(ctx); err != nil {
			return res, err
		}
	}

	idle := p.idle(st)
	res.Idle = idle
	if idle.IsZero() || idle.Lt(p.policy.MinDeploy) {
		res.Skipped = true
		return res, nil
	}
	res.Plan = p.Allocator.CalculateOptimalAllocation(p.Opportunities(), idle, p.policy.MaxRiskTolerance)
	if res.Plan.Empty() {
		p.logger.Info().Str("idle", idle.Dec()).Msg("no eligible strategy, holding as cash")
		res.Skipped = true
		return res, nil
	}
	report, err := p.Pool.Allocate(ctx, p.operator, res.Plan.Allocations)
	res.Report = report
	if err != nil {
		return res, err
	}
	if n := report.Failed(); n > 0 {
		p.logger.Warn().Int("failed", n).Int("lines", len(report.Results)).Msg("allocation partially failed")
	}
	return res, nil
}

// laggards returns the funded strategies to recall, or nil when the drift
// stays under the rebalance threshold.
func (p *Protocol) laggards(st vault.Status, res *RebalanceResult) []common.Hash {
	if st.TotalAssets.IsZero() {
		return nil
	}
	holdings, _ := p.holdings(st.Adapters)
	res.CurrentAPY = allocator.CurrentAPY(holdings)
	plan := p.Allocator.CalculateOptimalAllocation(p.Opportunities(), st.TotalAssets, p.policy.MaxRiskTolerance)
	res.OptimalAPY = plan.ExpectedAPY
	need, improvement := p.Allocator.ShouldRebalance(res.CurrentAPY, res.OptimalAPY)
	res.Improvement = improvement
	if !need || len(holdings) == 0 {
		return nil
	}
	threshold := p.Allocator.Config().RebalanceThresholdBps
	var keys []common.Hash
	for _, a := range st.Adapters {
		if a.Deployed.IsZero() {
			continue
		}
		s, ok := p.Registry.Get(a.Key)
		if !ok {
			continue
		}
		if s.APY+threshold <= res.OptimalAPY {
			keys = append(keys, a.Key)
		}
	}
	return keys
}

// Harvest collects yield from every adapter into the prize pool.
func (p *Protocol) Harvest(ctx context.Context) (vault.HarvestReport, error) {
	return p.Pool.Harvest(ctx, p.operator)
}

// SubmitAssessment records an external risk reading as the operator.
func (p *Protocol) SubmitAssessment(protocol string, score, confidence uint64, observedAt time.Time, payload []byte) (risk.Assessment, error) {
	hash := risk.DataHash(protocol, score, confidence, observedAt, payload)
	return p.Oracle.UpdateRiskAssessment(p.operator, protocol, score, confidence, hash)
}

// MonitorAction is what the risk monitor did for one protocol.
type MonitorAction struct {
	Protocol string
	Action   string
	Score    uint64
	Incident string
	Exits    []strategy.ExitReport
	Resolved bool
	Err      error
}

// MonitorRisk evaluates every registered protocol. Flagged protocols get an
// incident at the configured level, are deactivated and have their capital
// recalled. A protocol whose flag cleared has its incident resolved.
func (p *Protocol) MonitorRisk(ctx context.Context) (risk.Report, []MonitorAction) {
	protocols := p.protocols()
	report := p.Oracle.MonitorReport(protocols)
	var actions []MonitorAction
	for _, row := range report.Protocols {
		flagged := p.Oracle.IsEmergency(row.Protocol)
		p.mu.Lock()
		incident, open := p.incidents[row.Protocol]
		p.mu.Unlock()

		switch {
		case flagged && !open:
			actions = append(actions, p.escalate(ctx, row))
		case !flagged && open:
			act := MonitorAction{Protocol: row.Protocol, Action: risk.ActionOK, Score: row.Score, Incident: incident}
			if err := p.Emergency.ResolveIncident(p.operator, p.Pool.Name(), incident); err != nil && !errors.Is(err, emergency.ErrUnknownIncident) {
				act.Err = err
			} else {
				act.Resolved = true
				p.mu.Lock()
				delete(p.incidents, row.Protocol)
				p.mu.Unlock()
			}
			actions = append(actions, act)
		}
	}
	return report, actions
}

func (p *Protocol) escalate(ctx context.Context, row risk.ProtocolStatus) MonitorAction {
	act := MonitorAction{Protocol: row.Protocol, Action: risk.ActionEmergencyExit, Score: row.Score}
	var errs []error
	if p.policy.AutoTrigger {
		inc, err := p.Emergency.TriggerEmergency(p.operator, p.Pool.Name(), p.policy.AutoLevel,
			fmt.Sprintf("risk score %d for %s above threshold", row.Score, row.Protocol))
		if err != nil {
			errs = append(errs, err)
		} else {
			act.Incident = inc.ID
			p.mu.Lock()
			p.incidents[row.Protocol] = inc.ID
			p.mu.Unlock()
		}
	}
	for _, s := range p.Registry.Strategies() {
		if !sameProtocol(s.Protocol, row.Protocol) {
			continue
		}
		if err := p.Registry.SetActive(p.operator, s.Key, false); err != nil {
			errs = append(errs, err)
		}
		exit, err := p.Pool.EmergencyExit(ctx, p.operator, s.Key)
		if err != nil {
			if !errors.Is(err, vault.ErrUnknownAdapter) {
				errs = append(errs, err)
			}
			continue
		}
		act.Exits = append(act.Exits, exit)
	}
	act.Err = errors.Join(errs...)
	p.logger.Warn().Str("protocol", row.Protocol).Uint64("score", row.Score).Int("exits", len(act.Exits)).Err(act.Err).Msg("risk threshold breached")
	return act
}

// protocols lists distinct protocol names in registration order.
func (p *Protocol) protocols() []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range p.Registry.Strategies() {
		name := normalize(s.Protocol)
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, s.Protocol)
	}
	return out
}

// AccrueSimulatedYield credits each simulated venue with
// deployed * apy * elapsed / year. Returns the total credited.
func (p *Protocol) AccrueSimulatedYield(elapsed time.Duration) (*uint256.Int, error) {
	total := amount.Zero()
	if elapsed <= 0 {
		return total, nil
	}
	var errs []error
	for _, a := range p.Pool.Adapters() {
		venue, ok := p.venues[a.Key]
		if !ok || a.Deployed.IsZero() {
			continue
		}
		s, ok := p.Registry.Get(a.Key)
		if !ok || s.APY == 0 {
			continue
		}
		num := new(uint256.Int).Mul(uint256.NewInt(s.APY), uint256.NewInt(uint64(elapsed/time.Second)))
		den := new(uint256.Int).Mul(uint256.NewInt(amount.BasisPoints), uint256.NewInt(uint64(year/time.Second)))
		yield, err := amount.MulDiv(a.Deployed, num, den)
		if err != nil || yield.IsZero() {
			continue
		}
		if err := venue.Accrue(s.Adapter, yield); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
			continue
		}
		total.Add(total, yield)
	}
	return total, errors.Join(errs...)
}

// RequestDraw asks the lottery to start a draw as the operator.
func (p *Protocol) RequestDraw(ctx context.Context) (uint64, string, error) {
	return p.Lottery.RequestDraw(ctx, p.operator)
}

// DeliverRandomness hands ripe randomness to the lottery. Requests rejected
// for retryable reasons stay queued.
func (p *Protocol) DeliverRandomness(ctx context.Context) (int, error) {
	return p.RNG.Deliver(ctx, p.Lottery, vaulterr.Retryable)
}

// CancelStuckDraw resets a draw whose fulfillment window elapsed.
func (p *Protocol) CancelStuckDraw() error {
	return p.Lottery.CancelDraw(p.admin)
}

// CompleteBridges settles every pending bridge transfer.
func (p *Protocol) CompleteBridges(ctx context.Context) (int, error) {
	var errs []error
	done := 0
	for _, id := range p.Pool.PendingBridgeTransfers() {
		if err := p.Pool.CompleteBridgeTransfer(ctx, p.operator, id); err != nil {
			errs = append(errs, fmt.Errorf("bridge %s: %w", id, err))
			continue
		}
		done++
	}
	return done, errors.Join(errs...)
}

// LatestDraw returns the most recent completed draw.
func (p *Protocol) LatestDraw() (lottery.DrawRecord, bool) {
	draws := p.Lottery.Draws()
	if len(draws) == 0 {
		return lottery.DrawRecord{}, false
	}
	return draws[len(draws)-1], true
}

// DrawsSince returns completed draws with ID greater than id.
func (p *Protocol) DrawsSince(id uint64) []lottery.DrawRecord {
	var out []lottery.DrawRecord
	for _, d := range p.Lottery.Draws() {
		if d.ID > id {
			out = append(out, d)
		}
	}
	return out
}

// StrategyKey looks up a registered strategy by name on any chain.
func (p *Protocol) StrategyKey(name string) (common.Hash, bool) {
	for _, s := range p.Registry.Strategies() {
		if normalize(s.Name) == normalize(name) {
			return s.Key, true
		}
	}
	return common.Hash{}, false
}

func normalize(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

func sameProtocol(a, b string) bool { return normalize(a) == normalize(b) }
