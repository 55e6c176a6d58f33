package risk

import (
	"github.com/holiman/uint256"

	"prize-vault/internal/amount"
)

const (
	LevelLow      = "LOW"
	LevelMedium   = "MEDIUM"
	LevelHigh     = "HIGH"
	LevelCritical = "CRITICAL"

	RecommendApprove = "APPROVE"
	RecommendCaution = "CAUTION"
	RecommendReject  = "REJECT"

	ActionOK            = "OK"
	ActionMonitor       = "MONITOR"
	ActionEmergencyExit = "EMERGENCY_EXIT"

	StatusNormal            = "NORMAL"
	StatusAttentionRequired = "ATTENTION_REQUIRED"

	monitorThreshold = 6000
	maxDiversifyBps  = 2000
	diversifyStepBps = 500
)

// ClassifyLevel maps a score onto LOW/MEDIUM/HIGH/CRITICAL.
func ClassifyLevel(score uint64) string {
	switch {
	case score < 3000:
		return LevelLow
	case score < 6000:
		return LevelMedium
	case score < 8000:
		return LevelHigh
	default:
		return LevelCritical
	}
}

// Recommend maps a score onto an allocation recommendation.
func Recommend(score uint64) string {
	switch {
	case score < 5000:
		return RecommendApprove
	case score < 8000:
		return RecommendCaution
	default:
		return RecommendReject
	}
}

// BaseRisk is the prior for a strategy kind when no assessment exists yet.
func BaseRisk(kind string) uint64 {
	switch kind {
	case "lending":
		return 2000
	case "dex":
		return 4000
	case "staking":
		return 3000
	case "lottery":
		return 1000
	default:
		return DefaultScore
	}
}

// Position is one holding in a portfolio risk calculation.
type Position struct {
	Protocol string
	Score    uint64
	Amount   *uint256.Int
}

// Portfolio summarises allocation-weighted risk.
type Portfolio struct {
	Score           uint64
	Level           string
	Diversification uint64
}

// PortfolioRisk returns the amount-weighted average score minus a
// diversification benefit of min(2000, (n-1)*500), floored at zero.
func PortfolioRisk(positions []Position) Portfolio {
	total := amount.Zero()
	n := 0
	for _, p := range positions {
		if p.Amount != nil && !p.Amount.IsZero() {
			total.Add(total, p.Amount)
			n++
		}
	}
	if n == 0 {
		return Portfolio{Level: LevelLow}
	}
	weighted := amount.Zero()
	for _, p := range positions {
		if p.Amount == nil || p.Amount.IsZero() {
			continue
		}
		weighted.Add(weighted, amount.MustMulDiv(p.Amount, uint256.NewInt(p.Score), total))
	}
	benefit := uint64(n-1) * diversifyStepBps
	if benefit > maxDiversifyBps {
		benefit = maxDiversifyBps
	}
	score := amount.SubFloor(weighted, uint256.NewInt(benefit)).Uint64()
	return Portfolio{Score: score, Level: ClassifyLevel(score), Diversification: benefit}
}

// ProtocolStatus is one row of a monitoring report.
type ProtocolStatus struct {
	Protocol string
	Score    uint64
	Valid    bool
	Action   string
}

// Report is the output of MonitorReport.
type Report struct {
	Status    string
	Protocols []ProtocolStatus
}

// MonitorReport evaluates every protocol against the emergency and monitor
// thresholds.
func (o *Oracle) MonitorReport(protocols []string) Report {
	report := Report{Status: StatusNormal}
	for _, p := range protocols {
		a := o.GetRiskAssessment(p)
		row := ProtocolStatus{Protocol: a.Protocol, Score: a.Score, Valid: a.Valid, Action: ActionOK}
		switch {
		case a.Valid && a.Score > o.threshold:
			row.Action = ActionEmergencyExit
		case a.Score > monitorThreshold:
			row.Action = ActionMonitor
		}
		if row.Action != ActionOK {
			report.Status = StatusAttentionRequired
		}
		report.Protocols = append(report.Protocols, row)
	}
	return report
}
