package api

import (
	"time"

	"github.com/holiman/uint256"

	"prize-vault/internal/amount"
	"prize-vault/internal/emergency"
	"prize-vault/internal/lottery"
	"prize-vault/internal/protocol"
	"prize-vault/internal/registry"
	"prize-vault/internal/risk"
)

// Amounts are rendered in asset units as decimal strings.

type adapterView struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	ChainID  uint64 `json:"chain_id"`
	Deployed string `json:"deployed"`
	Balance  string `json:"balance"`
	Stale    bool   `json:"stale"`
}

type poolView struct {
	Name               string        `json:"name"`
	TotalAssets        string        `json:"total_assets"`
	Cash               string        `json:"cash"`
	Deployed           string        `json:"deployed"`
	InFlight           string        `json:"in_flight"`
	TotalShares        string        `json:"total_shares"`
	SharePrice         string        `json:"share_price"`
	DepositsEnabled    bool          `json:"deposits_enabled"`
	WithdrawalsEnabled bool          `json:"withdrawals_enabled"`
	PendingBridge      int           `json:"pending_bridge"`
	Adapters           []adapterView `json:"adapters"`
}

type lotteryView struct {
	State        string    `json:"state"`
	PrizePool    string    `json:"prize_pool"`
	TotalYield   string    `json:"total_yield"`
	Participants int       `json:"participants"`
	TotalWeight  string    `json:"total_weight"`
	LastDrawAt   time.Time `json:"last_draw_at"`
	NextDrawAt   time.Time `json:"next_draw_at"`
	DrawCount    int       `json:"draw_count"`
	PendingID    string    `json:"pending_request_id,omitempty"`
	MinPrize     string    `json:"min_prize"`
	AutoDraw     bool      `json:"auto_draw"`
}

type incidentView struct {
	ID         string     `json:"id"`
	Level      string     `json:"level"`
	Reason     string     `json:"reason"`
	Guardian   string     `json:"guardian"`
	OpenedAt   time.Time  `json:"opened_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

type emergencyView struct {
	Pool            string         `json:"pool"`
	Level           string         `json:"level"`
	ActiveIncidents int            `json:"active_incidents"`
	Restricted      []string       `json:"restricted"`
	Paused          []string       `json:"paused"`
	Incidents       []incidentView `json:"incidents"`
}

type statusView struct {
	Pool            poolView      `json:"pool"`
	Emergency       emergencyView `json:"emergency"`
	Lottery         lotteryView   `json:"lottery"`
	PortfolioRisk   uint64        `json:"portfolio_risk_bps"`
	PortfolioLevel  string        `json:"portfolio_risk_level"`
	CurrentAPY      uint64        `json:"current_apy_bps"`
	OptimalAPY      uint64        `json:"optimal_apy_bps"`
	RebalanceNeeded bool          `json:"rebalance_needed"`
	Improvement     uint64        `json:"improvement_bps"`
	Idle            string        `json:"idle"`
	ObservedAt      time.Time     `json:"observed_at"`
}

type userView struct {
	Address     string    `json:"address"`
	Amount      string    `json:"amount"`
	DepositedAt time.Time `json:"deposited_at"`
	RewardsWon  string    `json:"rewards_won"`
	Active      bool      `json:"active"`
	ChanceBps   uint64    `json:"chance_bps"`
	Shares      string    `json:"shares"`
	Redeemable  string    `json:"redeemable"`
}

type strategyView struct {
	Key         string    `json:"key"`
	Name        string    `json:"name"`
	Protocol    string    `json:"protocol"`
	Kind        string    `json:"kind"`
	ChainID     uint64    `json:"chain_id"`
	Adapter     string    `json:"adapter"`
	APY         uint64    `json:"apy_bps"`
	Risk        uint64    `json:"risk_bps"`
	TVL         string    `json:"tvl"`
	MaxCapacity string    `json:"max_capacity"`
	Deployed    string    `json:"deployed"`
	Active      bool      `json:"active"`
	Fresh       bool      `json:"fresh"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type riskView struct {
	Protocol       string     `json:"protocol"`
	Score          uint64     `json:"score_bps"`
	Confidence     uint64     `json:"confidence_bps"`
	Level          string     `json:"level"`
	Valid          bool       `json:"valid"`
	Emergency      bool       `json:"emergency"`
	Recommendation string     `json:"recommendation"`
	Timestamp      time.Time  `json:"timestamp"`
	Expiry         time.Time  `json:"expiry"`
	Trend          *trendView `json:"trend,omitempty"`
}

type trendPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Score     uint64    `json:"score_bps"`
}

type trendView struct {
	PeriodDays int          `json:"period_days"`
	Samples    int          `json:"samples"`
	Current    uint64       `json:"current_bps"`
	Average    uint64       `json:"average_bps"`
	Volatility uint64       `json:"volatility_bps"`
	Direction  string       `json:"direction"`
	Magnitude  uint64       `json:"magnitude_bps"`
	History    []trendPoint `json:"history"`
}

type selectionView struct {
	Strategy       strategyView `json:"strategy"`
	ExpectedReturn string       `json:"expected_annual_return"`
	Risk           uint64       `json:"risk_bps"`
	RequiresBridge bool         `json:"requires_bridge"`
	Score          uint64       `json:"score"`
}

type drawView struct {
	ID             uint64    `json:"id"`
	RequestID      string    `json:"request_id"`
	RequestedAt    time.Time `json:"requested_at"`
	CompletedAt    time.Time `json:"completed_at"`
	Winner         string    `json:"winner"`
	Prize          string    `json:"prize"`
	Gross          string    `json:"gross"`
	DevFee         string    `json:"dev_fee"`
	CarryFee       string    `json:"carry_fee"`
	BurnFee        string    `json:"burn_fee"`
	Participants   int       `json:"participants"`
	TotalWeight    string    `json:"total_weight"`
	Seed           string    `json:"seed"`
	WinningNumber  string    `json:"winning_number"`
	SnapshotDigest string    `json:"snapshot_digest"`
	Fallback       bool      `json:"fallback"`
}

func (s *Server) human(v *uint256.Int) string {
	return s.proto.Human(v).String()
}

func (s *Server) statusView(st protocol.ProtocolStatus) statusView {
	p := st.Pool
	pv := poolView{
		Name:               p.Name,
		TotalAssets:        s.human(p.TotalAssets),
		Cash:               s.human(p.Cash),
		Deployed:           s.human(p.Deployed),
		InFlight:           s.human(p.InFlight),
		TotalShares:        s.human(p.TotalShares),
		SharePrice:         amount.ToDecimal(p.SharePriceWad, 18).String(),
		DepositsEnabled:    p.DepositsEnabled,
		WithdrawalsEnabled: p.WithdrawalsEnabled,
		PendingBridge:      p.PendingBridge,
		Adapters:           make([]adapterView, 0, len(p.Adapters)),
	}
	for _, a := range p.Adapters {
		pv.Adapters = append(pv.Adapters, adapterView{
			Name:     a.Name,
			Kind:     string(a.Kind),
			ChainID:  a.ChainID,
			Deployed: s.human(a.Deployed),
			Balance:  s.human(a.Balance),
			Stale:    a.Stale,
		})
	}
	return statusView{
		Pool:            pv,
		Emergency:       emergencyViewOf(st.Emergency),
		Lottery:         s.lotteryView(st.Lottery),
		PortfolioRisk:   st.Portfolio.Score,
		PortfolioLevel:  st.Portfolio.Level,
		CurrentAPY:      st.CurrentAPY,
		OptimalAPY:      st.OptimalAPY,
		RebalanceNeeded: st.RebalanceNeeded,
		Improvement:     st.Improvement,
		Idle:            s.human(st.Idle),
		ObservedAt:      st.ObservedAt,
	}
}

func (s *Server) lotteryView(info lottery.Info) lotteryView {
	return lotteryView{
		State:        string(info.State),
		PrizePool:    s.human(info.PrizePool),
		TotalYield:   s.human(info.TotalYield),
		Participants: info.Participants,
		TotalWeight:  s.human(info.TotalWeight),
		LastDrawAt:   info.LastDrawAt,
		NextDrawAt:   info.NextDrawAt,
		DrawCount:    info.DrawCount,
		PendingID:    info.PendingID,
		MinPrize:     s.human(info.MinPrize),
		AutoDraw:     info.AutoDraw,
	}
}

func emergencyViewOf(st emergency.State) emergencyView {
	v := emergencyView{
		Pool:            st.Pool,
		Level:           st.Level.String(),
		ActiveIncidents: st.ActiveIncidents,
		Restricted:      []string{},
		Paused:          []string{},
		Incidents:       make([]incidentView, 0, len(st.Incidents)),
	}
	for _, c := range st.Level.Restrictions() {
		v.Restricted = append(v.Restricted, c.String())
	}
	for c, paused := range st.Paused {
		if paused {
			v.Paused = append(v.Paused, c.String())
		}
	}
	for _, i := range st.Incidents {
		v.Incidents = append(v.Incidents, incidentView{
			ID:         i.ID,
			Level:      i.Level.String(),
			Reason:     i.Reason,
			Guardian:   i.Guardian.Hex(),
			OpenedAt:   i.OpenedAt,
			ResolvedAt: i.ResolvedAt,
		})
	}
	return v
}

func (s *Server) userView(u protocol.UserLotteryInfo) userView {
	return userView{
		Address:     u.Address.Hex(),
		Amount:      s.human(u.Amount),
		DepositedAt: u.DepositedAt,
		RewardsWon:  s.human(u.RewardsWon),
		Active:      u.Active,
		ChanceBps:   u.ChanceBps,
		Shares:      s.human(u.Shares),
		Redeemable:  s.human(u.Redeemable),
	}
}

func (s *Server) strategyView(st registry.Strategy) strategyView {
	return strategyView{
		Key:         st.Key.Hex(),
		Name:        st.Name,
		Protocol:    st.Protocol,
		Kind:        st.Kind,
		ChainID:     st.ChainID,
		Adapter:     st.Adapter.Hex(),
		APY:         st.APY,
		Risk:        st.Risk,
		TVL:         s.human(st.TVL),
		MaxCapacity: s.human(st.MaxCapacity),
		Deployed:    s.human(st.Deployed),
		Active:      st.Active,
		Fresh:       s.proto.Registry.Fresh(st),
		UpdatedAt:   st.UpdatedAt,
	}
}

func riskViewOf(a risk.Assessment, flagged bool) riskView {
	return riskView{
		Protocol:       a.Protocol,
		Score:          a.Score,
		Confidence:     a.Confidence,
		Level:          a.Level,
		Valid:          a.Valid,
		Emergency:      flagged,
		Recommendation: risk.Recommend(a.Score),
		Timestamp:      a.Timestamp,
		Expiry:         a.Expiry,
	}
}

func trendViewOf(t risk.Trend, days int) trendView {
	v := trendView{
		PeriodDays: days,
		Samples:    len(t.Points),
		Current:    t.Current,
		Average:    t.Average,
		Volatility: t.Volatility,
		Direction:  t.Direction,
		Magnitude:  t.Magnitude,
		History:    make([]trendPoint, 0, len(t.Points)),
	}
	for _, p := range t.Points {
		v.History = append(v.History, trendPoint{Timestamp: p.Timestamp, Score: p.Score})
	}
	return v
}

func (s *Server) selectionView(sel registry.Selection) selectionView {
	return selectionView{
		Strategy:       s.strategyView(sel.Strategy),
		ExpectedReturn: s.human(sel.ExpectedReturn),
		Risk:           sel.Risk,
		RequiresBridge: sel.RequiresBridge,
		Score:          sel.Score,
	}
}

func (s *Server) drawView(d lottery.DrawRecord) drawView {
	return drawView{
		ID:             d.ID,
		RequestID:      d.RequestID,
		RequestedAt:    d.RequestedAt,
		CompletedAt:    d.CompletedAt,
		Winner:         d.Winner.Hex(),
		Prize:          s.human(d.Prize),
		Gross:          s.human(d.Gross),
		DevFee:         s.human(d.DevFee),
		CarryFee:       s.human(d.CarryFee),
		BurnFee:        s.human(d.BurnFee),
		Participants:   d.ParticipantCount,
		TotalWeight:    s.human(d.TotalWeight),
		Seed:           d.Seed.Dec(),
		WinningNumber:  d.WinningNumber.Dec(),
		SnapshotDigest: d.SnapshotDigest.Hex(),
		Fallback:       d.Fallback,
	}
}
