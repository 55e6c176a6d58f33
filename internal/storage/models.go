package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"prize-vault/internal/amount"
	"prize-vault/internal/emergency"
	"prize-vault/internal/lottery"
	"prize-vault/internal/protocol"
	"prize-vault/internal/registry"
	"prize-vault/internal/risk"
)

// PoolSnapshot represents one persisted keeper observation of the pool.
type PoolSnapshot struct {
	ObservedAt     time.Time
	Pool           string
	TotalAssets    decimal.Decimal
	Cash           decimal.Decimal
	Deployed       decimal.Decimal
	InFlight       decimal.Decimal
	TotalShares    decimal.Decimal
	SharePrice     decimal.Decimal
	PrizePool      decimal.Decimal
	Participants   int
	EmergencyLevel string
	CurrentAPYBps  int64
	OptimalAPYBps  int64
	Status         string
	Error          *string
	CreatedAt      time.Time
}

// StrategyMetric captures a strategy's registry metrics at snapshot time.
type StrategyMetric struct {
	ObservedAt  time.Time
	StrategyKey string
	Name        string
	Protocol    string
	ChainID     int64
	APYBps      int64
	RiskBps     int64
	Deployed    decimal.Decimal
	Active      bool
}

// Position is a depositor's lottery principal and share balance.
type Position struct {
	Pool        string
	Address     string
	Amount      decimal.Decimal
	Shares      decimal.Decimal
	DepositedAt time.Time
	RewardsWon  decimal.Decimal
	Active      bool
	UpdatedAt   time.Time
}

// RiskAssessment is an accepted oracle update together with its raw feed payload.
type RiskAssessment struct {
	DataHash      string
	Protocol      string
	ScoreBps      int64
	ConfidenceBps int64
	Level         string
	ObservedAt    time.Time
	ExpiresAt     time.Time
	Payload       json.RawMessage
}

// Incident mirrors an emergency incident.
type Incident struct {
	ID         string
	Pool       string
	Level      string
	Reason     string
	Guardian   string
	OpenedAt   time.Time
	ResolvedAt *time.Time
}

// DrawRow is a persisted lottery draw. Rows are insert-only.
type DrawRow struct {
	Pool           string
	RunID          string
	DrawID         int64
	RequestID      string
	RequestedAt    time.Time
	CompletedAt    time.Time
	Winner         string
	Prize          decimal.Decimal
	Gross          decimal.Decimal
	DevFee         decimal.Decimal
	CarryFee       decimal.Decimal
	BurnFee        decimal.Decimal
	Participants   int
	TotalWeight    string
	Seed           string
	WinningNumber  string
	SnapshotDigest string
	Snapshot       json.RawMessage
	Fallback       bool
	CreatedAt      time.Time
}

type snapshotEntry struct {
	Address string `json:"address"`
	Weight  string `json:"weight"`
}

// SnapshotFromStatus flattens a protocol status into a row.
func SnapshotFromStatus(st protocol.ProtocolStatus, decimals int32) PoolSnapshot {
	return PoolSnapshot{
		ObservedAt:     st.ObservedAt,
		Pool:           st.Pool.Name,
		TotalAssets:    amount.ToDecimal(st.Pool.TotalAssets, decimals),
		Cash:           amount.ToDecimal(st.Pool.Cash, decimals),
		Deployed:       amount.ToDecimal(st.Pool.Deployed, decimals),
		InFlight:       amount.ToDecimal(st.Pool.InFlight, decimals),
		TotalShares:    amount.ToDecimal(st.Pool.TotalShares, decimals),
		SharePrice:     amount.ToDecimal(st.Pool.SharePriceWad, 18),
		PrizePool:      amount.ToDecimal(st.Lottery.PrizePool, decimals),
		Participants:   st.Lottery.Participants,
		EmergencyLevel: st.Emergency.Level.String(),
		CurrentAPYBps:  int64(st.CurrentAPY),
		OptimalAPYBps:  int64(st.OptimalAPY),
		Status:         "ok",
	}
}

// MetricFrom converts a registry strategy.
func MetricFrom(s registry.Strategy, at time.Time, decimals int32) StrategyMetric {
	return StrategyMetric{
		ObservedAt:  at,
		StrategyKey: s.Key.Hex(),
		Name:        s.Name,
		Protocol:    s.Protocol,
		ChainID:     int64(s.ChainID),
		APYBps:      int64(s.APY),
		RiskBps:     int64(s.Risk),
		Deployed:    amount.ToDecimal(s.Deployed, decimals),
		Active:      s.Active,
	}
}

// PositionFrom converts a user view. Shares use the asset decimals.
func PositionFrom(pool string, u protocol.UserLotteryInfo, at time.Time, decimals int32) Position {
	return Position{
		Pool:        pool,
		Address:     u.Address.Hex(),
		Amount:      amount.ToDecimal(u.Amount, decimals),
		Shares:      amount.ToDecimal(u.Shares, decimals),
		DepositedAt: u.DepositedAt,
		RewardsWon:  amount.ToDecimal(u.RewardsWon, decimals),
		Active:      u.Active,
		UpdatedAt:   at,
	}
}

// AssessmentFrom converts an accepted oracle assessment.
func AssessmentFrom(a risk.Assessment, payload []byte) RiskAssessment {
	return RiskAssessment{
		DataHash:      a.DataHash.Hex(),
		Protocol:      a.Protocol,
		ScoreBps:      int64(a.Score),
		ConfidenceBps: int64(a.Confidence),
		Level:         a.Level,
		ObservedAt:    a.Timestamp,
		ExpiresAt:     a.Expiry,
		Payload:       payload,
	}
}

// IncidentFrom converts an emergency incident.
func IncidentFrom(i emergency.Incident) Incident {
	return Incident{
		ID:         i.ID,
		Pool:       i.Pool,
		Level:      i.Level.String(),
		Reason:     i.Reason,
		Guardian:   i.Guardian.Hex(),
		OpenedAt:   i.OpenedAt,
		ResolvedAt: i.ResolvedAt,
	}
}

// DrawFromRecord converts a completed draw for persistence.
func DrawFromRecord(pool, runID string, d lottery.DrawRecord, decimals int32) (DrawRow, error) {
	entries := make([]snapshotEntry, 0, len(d.Snapshot))
	for _, e := range d.Snapshot {
		entries = append(entries, snapshotEntry{Address: e.Address.Hex(), Weight: amount.OrZero(e.Weight).Dec()})
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return DrawRow{}, fmt.Errorf("marshal draw snapshot: %w", err)
	}
	return DrawRow{
		Pool:           pool,
		RunID:          runID,
		DrawID:         int64(d.ID),
		RequestID:      d.RequestID,
		RequestedAt:    d.RequestedAt,
		CompletedAt:    d.CompletedAt,
		Winner:         d.Winner.Hex(),
		Prize:          amount.ToDecimal(d.Prize, decimals),
		Gross:          amount.ToDecimal(d.Gross, decimals),
		DevFee:         amount.ToDecimal(d.DevFee, decimals),
		CarryFee:       amount.ToDecimal(d.CarryFee, decimals),
		BurnFee:        amount.ToDecimal(d.BurnFee, decimals),
		Participants:   d.ParticipantCount,
		TotalWeight:    amount.OrZero(d.TotalWeight).Dec(),
		Seed:           amount.OrZero(d.Seed).Dec(),
		WinningNumber:  amount.OrZero(d.WinningNumber).Dec(),
		SnapshotDigest: d.SnapshotDigest.Hex(),
		Snapshot:       raw,
		Fallback:       d.Fallback,
	}, nil
}

// Record rebuilds the lottery record so it can be re-verified.
func (r DrawRow) Record(decimals int32) (lottery.DrawRecord, error) {
	var entries []snapshotEntry
	if len(r.Snapshot) > 0 {
		if err := json.Unmarshal(r.Snapshot, &entries); err != nil {
			return lottery.DrawRecord{}, fmt.Errorf("parse draw snapshot: %w", err)
		}
	}
	snapshot := make([]lottery.Entry, 0, len(entries))
	for _, e := range entries {
		w, err := amount.Parse(e.Weight)
		if err != nil {
			return lottery.DrawRecord{}, fmt.Errorf("parse weight of %s: %w", e.Address, err)
		}
		snapshot = append(snapshot, lottery.Entry{Address: common.HexToAddress(e.Address), Weight: w})
	}

	parse := func(field, v string) (*uint256.Int, error) {
		out, err := amount.Parse(v)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", field, err)
		}
		return out, nil
	}
	seed, err := parse("seed", r.Seed)
	if err != nil {
		return lottery.DrawRecord{}, err
	}
	winning, err := parse("winning number", r.WinningNumber)
	if err != nil {
		return lottery.DrawRecord{}, err
	}
	weight, err := parse("total weight", r.TotalWeight)
	if err != nil {
		return lottery.DrawRecord{}, err
	}
	prize, err := amount.FromDecimal(r.Prize, decimals)
	if err != nil {
		return lottery.DrawRecord{}, fmt.Errorf("parse prize: %w", err)
	}

	return lottery.DrawRecord{
		ID:               uint64(r.DrawID),
		RequestID:        r.RequestID,
		RequestedAt:      r.RequestedAt,
		CompletedAt:      r.CompletedAt,
		Winner:           common.HexToAddress(r.Winner),
		Prize:            prize,
		ParticipantCount: r.Participants,
		TotalWeight:      weight,
		Seed:             seed,
		WinningNumber:    winning,
		SnapshotDigest:   common.HexToHash(r.SnapshotDigest),
		Snapshot:         snapshot,
		Fallback:         r.Fallback,
		Completed:        true,
	}, nil
}
