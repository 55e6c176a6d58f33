package keeper

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"prize-vault/internal/alerting"
	"prize-vault/internal/chain"
	"prize-vault/internal/lottery"
	"prize-vault/internal/metrics"
	"prize-vault/internal/protocol"
	"prize-vault/internal/retry"
	"prize-vault/internal/risk"
	"prize-vault/internal/riskfeed"
	"prize-vault/internal/storage"
)

// sampleAPY reads share prices of strategies backed by an ERC-4626 vault and
// refreshes their registry APY once a full sample window has passed.
func (k *Keeper) sampleAPY(ctx context.Context) error {
	if k.pricer == nil {
		return nil
	}
	var errs []error
	for key, addr := range k.proto.SampledVaults() {
		var sample chain.Sample
		err := retry.Do(ctx, k.retry, func(ctx context.Context) error {
			s, err := k.pricer.SharePrice(ctx, addr, k.clock.Now())
			sample = s
			return err
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("vault %s: %w", addr.Hex(), err))
			continue
		}
		apy, ok := k.apy.Observe(key, sample)
		if !ok {
			continue
		}
		s, found := k.proto.Registry.Get(key)
		if !found {
			continue
		}
		if err := k.proto.Registry.UpdateStrategyMetrics(k.proto.Operator(), key, apy, s.Risk, s.TVL); err != nil {
			errs = append(errs, err)
			continue
		}
		k.logger.Info().Str("strategy", s.Name).Uint64("apy_bps", apy).Uint64("block", sample.Block).Msg("strategy apy refreshed")
	}
	return errors.Join(errs...)
}

// pullRisk asks the feed for a score per protocol and submits it to the oracle.
func (k *Keeper) pullRisk(ctx context.Context) error {
	if k.feed == nil || !k.feed.Enabled() {
		return nil
	}
	seen := make(map[string]bool)
	var errs []error
	for _, s := range k.proto.Registry.Strategies() {
		if seen[s.Protocol] {
			continue
		}
		seen[s.Protocol] = true

		var reading riskfeed.Assessment
		err := retry.Do(ctx, k.retry, func(ctx context.Context) error {
			a, err := k.feed.Assess(ctx, s.Protocol, s.Adapter.Hex())
			reading = a
			return err
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("assess %s: %w", s.Protocol, err))
			continue
		}
		accepted, err := k.proto.SubmitAssessment(s.Protocol, reading.ScoreBps, reading.ConfidenceBps, reading.ObservedAt, reading.Raw)
		if errors.Is(err, risk.ErrDuplicateHash) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("submit %s: %w", s.Protocol, err))
			continue
		}
		if k.store != nil {
			if err := k.store.InsertAssessment(ctx, storage.AssessmentFrom(accepted, reading.Raw)); err != nil {
				k.logger.Error().Err(err).Str("protocol", s.Protocol).Msg("failed to persist risk assessment")
			}
		}
	}
	return errors.Join(errs...)
}

// handleMonitor persists incident changes and alerts on them.
func (k *Keeper) handleMonitor(ctx context.Context, actions []protocol.MonitorAction) error {
	pool := k.proto.Pool.Name()
	var errs []error
	for _, act := range actions {
		if act.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", act.Protocol, act.Err))
		}
		if act.Incident != "" {
			k.persistIncident(ctx, act.Incident)
		}

		note := alerting.Notification{
			Kind: alerting.KindRisk,
			Pool: pool,
			At:   k.clock.Now(),
			Key:  "risk|" + act.Protocol + "|" + act.Action,
			Fields: []alerting.Field{
				{Key: "Protocol", Value: act.Protocol},
				{Key: "Score", Value: strconv.FormatUint(act.Score, 10) + " bps"},
			},
		}
		switch {
		case act.Resolved:
			note.Title = "risk back below threshold, incident resolved"
			note.Fields = append(note.Fields, alerting.Field{Key: "Incident", Value: act.Incident})
		case act.Action == risk.ActionEmergencyExit:
			note.Kind = alerting.KindEmergency
			note.Title = "risk threshold breached, capital recalled"
			for _, exit := range act.Exits {
				note.Fields = append(note.Fields, alerting.Field{Key: "Recovered " + exit.Adapter, Value: k.proto.Human(exit.Recovered).String()})
			}
			if act.Incident != "" {
				note.Fields = append(note.Fields, alerting.Field{Key: "Incident", Value: act.Incident})
			}
			if act.Err != nil {
				note.AdditionalMsg = "errors: " + act.Err.Error()
			}
		default:
			continue
		}
		k.notify(ctx, note)
	}
	return errors.Join(errs...)
}

func (k *Keeper) persistIncident(ctx context.Context, id string) {
	if k.store == nil {
		return
	}
	st := k.proto.Emergency.State(k.proto.Pool.Name())
	for _, inc := range st.Incidents {
		if inc.ID != id {
			continue
		}
		if err := k.store.UpsertIncident(ctx, storage.IncidentFrom(inc)); err != nil {
			k.logger.Error().Err(err).Str("incident", id).Msg("failed to persist incident")
		}
		return
	}
}

// record publishes metrics, stores the snapshot and every draw completed
// since the previous call, and announces those draws.
func (k *Keeper) record(ctx context.Context) (protocol.ProtocolStatus, []lottery.DrawRecord, error) {
	st, err := k.proto.GetProtocolStatus(ctx)
	if err != nil {
		return protocol.ProtocolStatus{}, nil, err
	}
	metrics.RecordStatus(st, k.decimals)

	k.mu.Lock()
	draws := k.proto.DrawsSince(k.lastDraw)
	if n := len(draws); n > 0 {
		k.lastDraw = draws[n-1].ID
	}
	k.mu.Unlock()

	pool := k.proto.Pool.Name()
	var errs []error
	if k.store != nil {
		err := retry.Do(ctx, k.retry, func(ctx context.Context) error {
			return k.store.UpsertSnapshot(ctx, storage.SnapshotFromStatus(st, k.decimals))
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("snapshot: %w", err))
		}
		strategies := k.proto.Registry.Strategies()
		rows := make([]storage.StrategyMetric, 0, len(strategies))
		for _, s := range strategies {
			rows = append(rows, storage.MetricFrom(s, st.ObservedAt, k.decimals))
		}
		if err := k.store.InsertStrategyMetrics(ctx, rows); err != nil {
			errs = append(errs, fmt.Errorf("strategy metrics: %w", err))
		}
		if err := k.persistPositions(ctx, st.ObservedAt); err != nil {
			errs = append(errs, fmt.Errorf("positions: %w", err))
		}
		if retention := k.cfg.Database.Retention; retention > 0 {
			if err := k.store.DeleteSnapshotsBefore(ctx, st.ObservedAt.Add(-retention)); err != nil {
				errs = append(errs, fmt.Errorf("prune snapshots: %w", err))
			}
		}
	}

	for _, d := range draws {
		metrics.DrawsTotal.WithLabelValues(pool, strconv.FormatBool(d.Fallback)).Inc()
		if k.store != nil {
			row, err := storage.DrawFromRecord(pool, k.runID, d, k.decimals)
			if err == nil {
				err = retry.Do(ctx, k.retry, func(ctx context.Context) error { return k.store.InsertDraw(ctx, row) })
			}
			if err != nil {
				errs = append(errs, fmt.Errorf("draw %d: %w", d.ID, err))
			}
		}
		if k.cfg.Alerting.Draws {
			k.notify(ctx, drawNotification(pool, d, k.proto))
		}
	}
	return st, draws, errors.Join(errs...)
}

// persistPositions upserts every current participant plus any address seen
// before, so a full withdrawal is stored as inactive.
func (k *Keeper) persistPositions(ctx context.Context, at time.Time) error {
	k.mu.Lock()
	for _, e := range k.proto.Lottery.Participants() {
		k.known[e.Address] = struct{}{}
	}
	addrs := make([]common.Address, 0, len(k.known))
	for addr := range k.known {
		addrs = append(addrs, addr)
	}
	k.mu.Unlock()

	pool := k.proto.Pool.Name()
	rows := make([]storage.Position, 0, len(addrs))
	for _, addr := range addrs {
		info, err := k.proto.GetUserLotteryInfo(ctx, addr)
		if err != nil {
			return err
		}
		rows = append(rows, storage.PositionFrom(pool, info, at, k.decimals))
	}
	return k.store.UpsertPositions(ctx, rows)
}

func drawNotification(pool string, d lottery.DrawRecord, p *protocol.Protocol) alerting.Notification {
	note := alerting.Notification{
		Kind:  alerting.KindDraw,
		Pool:  pool,
		At:    d.CompletedAt,
		Title: fmt.Sprintf("draw #%d completed", d.ID),
		Key:   "draw|" + pool + "|" + strconv.FormatUint(d.ID, 10),
		Fields: []alerting.Field{
			{Key: "Winner", Value: d.Winner.Hex()},
			{Key: "Prize", Value: p.Human(d.Prize).String()},
			{Key: "Participants", Value: strconv.Itoa(d.ParticipantCount)},
			{Key: "Winning number", Value: d.WinningNumber.Dec() + " / " + d.TotalWeight.Dec()},
		},
	}
	if d.Fallback {
		note.AdditionalMsg = "fallback winner used: weight accounting needs review"
	}
	return note
}
