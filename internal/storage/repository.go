package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	upsertSnapshotSQL = `INSERT INTO pool_snapshots (
        observed_at,
        pool,
        total_assets,
        cash,
        deployed,
        in_flight,
        total_shares,
        share_price,
        prize_pool,
        participants,
        emergency_level,
        current_apy_bps,
        optimal_apy_bps,
        status,
        error
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15
    )
    ON CONFLICT (pool, observed_at) DO UPDATE
    SET
        total_assets    = EXCLUDED.total_assets,
        cash            = EXCLUDED.cash,
        deployed        = EXCLUDED.deployed,
        in_flight       = EXCLUDED.in_flight,
        total_shares    = EXCLUDED.total_shares,
        share_price     = EXCLUDED.share_price,
        prize_pool      = EXCLUDED.prize_pool,
        participants    = EXCLUDED.participants,
        emergency_level = EXCLUDED.emergency_level,
        current_apy_bps = EXCLUDED.current_apy_bps,
        optimal_apy_bps = EXCLUDED.optimal_apy_bps,
        status          = EXCLUDED.status,
        error           = EXCLUDED.error;`

	selectSnapshotColumns = `SELECT
        observed_at,
        pool,
        total_assets,
        cash,
        deployed,
        in_flight,
        total_shares,
        share_price,
        prize_pool,
        participants,
        emergency_level,
        current_apy_bps,
        optimal_apy_bps,
        status,
        error,
        created_at
    FROM pool_snapshots`

	listSnapshotsBetweenSQL = selectSnapshotColumns + `
    WHERE pool = $1
      AND observed_at >= $2
      AND observed_at < $3
    ORDER BY observed_at;`

	listRecentSnapshotsSQL = selectSnapshotColumns + `
    WHERE pool = $1
    ORDER BY observed_at DESC
    LIMIT $2;`

	insertStrategyMetricSQL = `INSERT INTO strategy_metrics (
        observed_at,
        strategy_key,
        name,
        protocol,
        chain_id,
        apy_bps,
        risk_bps,
        deployed,
        active
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    )
    ON CONFLICT (strategy_key, observed_at) DO NOTHING;`

	insertAssessmentSQL = `INSERT INTO risk_assessments (
        data_hash,
        protocol,
        score_bps,
        confidence_bps,
        level,
        observed_at,
        expires_at,
        payload
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    ON CONFLICT (data_hash) DO NOTHING;`

	upsertIncidentSQL = `INSERT INTO emergency_incidents (
        id,
        pool,
        level,
        reason,
        guardian,
        opened_at,
        resolved_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    ON CONFLICT (id) DO UPDATE
    SET resolved_at = EXCLUDED.resolved_at;`

	listOpenIncidentsSQL = `SELECT
        id,
        pool,
        level,
        reason,
        guardian,
        opened_at,
        resolved_at
    FROM emergency_incidents
    WHERE pool = $1
      AND resolved_at IS NULL
    ORDER BY opened_at;`

	insertDrawSQL = `INSERT INTO lottery_draws (
        pool,
        run_id,
        draw_id,
        request_id,
        requested_at,
        completed_at,
        winner,
        prize,
        gross,
        dev_fee,
        carry_fee,
        burn_fee,
        participants,
        total_weight,
        seed,
        winning_number,
        snapshot_digest,
        snapshot,
        fallback
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19
    )
    ON CONFLICT (pool, run_id, draw_id) DO NOTHING;`

	listDrawsSQL = `SELECT
        pool,
        run_id,
        draw_id,
        request_id,
        requested_at,
        completed_at,
        winner,
        prize,
        gross,
        dev_fee,
        carry_fee,
        burn_fee,
        participants,
        total_weight,
        seed,
        winning_number,
        snapshot_digest,
        snapshot,
        fallback,
        created_at
    FROM lottery_draws
    WHERE pool = $1
    ORDER BY completed_at DESC, draw_id DESC
    LIMIT $2;`

	upsertPositionSQL = `INSERT INTO positions (
        pool,
        address,
        amount,
        shares,
        deposited_at,
        rewards_won,
        active,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    ON CONFLICT (pool, address) DO UPDATE
    SET
        amount       = EXCLUDED.amount,
        shares       = EXCLUDED.shares,
        deposited_at = COALESCE(EXCLUDED.deposited_at, positions.deposited_at),
        rewards_won  = CASE WHEN EXCLUDED.active THEN EXCLUDED.rewards_won ELSE positions.rewards_won END,
        active       = EXCLUDED.active,
        updated_at   = EXCLUDED.updated_at;`

	deleteSnapshotsBeforeSQL = `DELETE FROM pool_snapshots WHERE observed_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// SnapshotStore defines operations for pool snapshot persistence.
type SnapshotStore interface {
	UpsertSnapshot(ctx context.Context, snapshot PoolSnapshot) error
	ListSnapshotsBetween(ctx context.Context, pool string, from, to time.Time) ([]PoolSnapshot, error)
	ListRecentSnapshots(ctx context.Context, pool string, limit int) ([]PoolSnapshot, error)
	InsertStrategyMetrics(ctx context.Context, metrics []StrategyMetric) error
	UpsertPositions(ctx context.Context, positions []Position) error
	DeleteSnapshotsBefore(ctx context.Context, olderThan time.Time) error
}

// EventStore persists risk assessments, incidents and draws.
type EventStore interface {
	InsertAssessment(ctx context.Context, a RiskAssessment) error
	UpsertIncident(ctx context.Context, incident Incident) error
	ListOpenIncidents(ctx context.Context, pool string) ([]Incident, error)
	InsertDraw(ctx context.Context, draw DrawRow) error
	ListDraws(ctx context.Context, pool string, limit int) ([]DrawRow, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to all keeper tables.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// 尽力解锁
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// UpsertSnapshot persists or updates a pool snapshot.
func (s *Store) UpsertSnapshot(ctx context.Context, snap PoolSnapshot) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var errMsg interface{}
	if snap.Error != nil {
		errMsg = *snap.Error
	}

	_, execErr := pool.Exec(ctx, upsertSnapshotSQL,
		snap.ObservedAt,
		snap.Pool,
		snap.TotalAssets.String(),
		snap.Cash.String(),
		snap.Deployed.String(),
		snap.InFlight.String(),
		snap.TotalShares.String(),
		snap.SharePrice.String(),
		snap.PrizePool.String(),
		snap.Participants,
		snap.EmergencyLevel,
		snap.CurrentAPYBps,
		snap.OptimalAPYBps,
		snap.Status,
		errMsg,
	)
	if execErr != nil {
		return fmt.Errorf("upsert pool snapshot: %w", execErr)
	}
	return nil
}

// ListSnapshotsBetween lists snapshots of pool within a time window.
func (s *Store) ListSnapshotsBetween(ctx context.Context, poolName string, from, to time.Time) ([]PoolSnapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSnapshotsBetweenSQL, poolName, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list snapshots between: %w", queryErr)
	}
	defer rows.Close()
	return collectSnapshots(rows, 0)
}

// ListRecentSnapshots lists the most recent snapshots ordered by descending time.
func (s *Store) ListRecentSnapshots(ctx context.Context, poolName string, limit int) ([]PoolSnapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentSnapshotsSQL, poolName, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent snapshots: %w", queryErr)
	}
	defer rows.Close()
	return collectSnapshots(rows, limit)
}

// DeleteSnapshotsBefore prunes old snapshots.
func (s *Store) DeleteSnapshotsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteSnapshotsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete snapshots before: %w", execErr)
	}
	return nil
}

// InsertStrategyMetrics writes one row per strategy in a single batch.
func (s *Store) InsertStrategyMetrics(ctx context.Context, metrics []StrategyMetric) error {
	if len(metrics) == 0 {
		return nil
	}
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, m := range metrics {
		batch.Queue(insertStrategyMetricSQL,
			m.ObservedAt,
			m.StrategyKey,
			m.Name,
			m.Protocol,
			m.ChainID,
			m.APYBps,
			m.RiskBps,
			m.Deployed.String(),
			m.Active,
		)
	}
	if err := pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert strategy metrics: %w", err)
	}
	return nil
}

// UpsertPositions writes the latest depositor positions in a single batch.
// An inactive row keeps the rewards recorded while it was active.
func (s *Store) UpsertPositions(ctx context.Context, positions []Position) error {
	if len(positions) == 0 {
		return nil
	}
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, p := range positions {
		var depositedAt sql.NullTime
		if !p.DepositedAt.IsZero() {
			depositedAt = sql.NullTime{Time: p.DepositedAt, Valid: true}
		}
		batch.Queue(upsertPositionSQL,
			p.Pool,
			p.Address,
			p.Amount.String(),
			p.Shares.String(),
			depositedAt,
			p.RewardsWon.String(),
			p.Active,
			p.UpdatedAt,
		)
	}
	if err := pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert positions: %w", err)
	}
	return nil
}

// InsertAssessment records an accepted risk assessment. Replays are ignored.
func (s *Store) InsertAssessment(ctx context.Context, a RiskAssessment) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	var payload []byte
	if len(a.Payload) > 0 {
		payload = []byte(a.Payload)
	}
	_, execErr := pool.Exec(ctx, insertAssessmentSQL,
		a.DataHash,
		a.Protocol,
		a.ScoreBps,
		a.ConfidenceBps,
		a.Level,
		a.ObservedAt,
		a.ExpiresAt,
		payload,
	)
	if execErr != nil {
		return fmt.Errorf("insert risk assessment: %w", execErr)
	}
	return nil
}

// UpsertIncident stores an incident; only resolved_at changes on conflict.
func (s *Store) UpsertIncident(ctx context.Context, incident Incident) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	var resolved interface{}
	if incident.ResolvedAt != nil {
		resolved = *incident.ResolvedAt
	}
	_, execErr := pool.Exec(ctx, upsertIncidentSQL,
		incident.ID,
		incident.Pool,
		incident.Level,
		incident.Reason,
		incident.Guardian,
		incident.OpenedAt,
		resolved,
	)
	if execErr != nil {
		return fmt.Errorf("upsert incident: %w", execErr)
	}
	return nil
}

// ListOpenIncidents lists unresolved incidents of a pool.
func (s *Store) ListOpenIncidents(ctx context.Context, poolName string) ([]Incident, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listOpenIncidentsSQL, poolName)
	if queryErr != nil {
		return nil, fmt.Errorf("list open incidents: %w", queryErr)
	}
	defer rows.Close()

	incidents := make([]Incident, 0)
	for rows.Next() {
		var (
			inc      Incident
			resolved sql.NullTime
		)
		if scanErr := rows.Scan(&inc.ID, &inc.Pool, &inc.Level, &inc.Reason, &inc.Guardian, &inc.OpenedAt, &resolved); scanErr != nil {
			return nil, scanErr
		}
		if resolved.Valid {
			at := resolved.Time
			inc.ResolvedAt = &at
		}
		incidents = append(incidents, inc)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return incidents, nil
}

// InsertDraw appends a completed draw. Existing draws are never rewritten.
// Draw IDs restart with every keeper process, so rows are keyed by run.
func (s *Store) InsertDraw(ctx context.Context, d DrawRow) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	_, execErr := pool.Exec(ctx, insertDrawSQL,
		d.Pool,
		d.RunID,
		d.DrawID,
		d.RequestID,
		d.RequestedAt,
		d.CompletedAt,
		d.Winner,
		d.Prize.String(),
		d.Gross.String(),
		d.DevFee.String(),
		d.CarryFee.String(),
		d.BurnFee.String(),
		d.Participants,
		d.TotalWeight,
		d.Seed,
		d.WinningNumber,
		d.SnapshotDigest,
		[]byte(d.Snapshot),
		d.Fallback,
	)
	if execErr != nil {
		return fmt.Errorf("insert draw: %w", execErr)
	}
	return nil
}

// ListDraws lists the latest draws, newest first.
func (s *Store) ListDraws(ctx context.Context, poolName string, limit int) ([]DrawRow, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listDrawsSQL, poolName, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list draws: %w", queryErr)
	}
	defer rows.Close()

	draws := make([]DrawRow, 0, limit)
	for rows.Next() {
		d, scanErr := scanDraw(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		draws = append(draws, d)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return draws, nil
}

func collectSnapshots(rows pgx.Rows, capacity int) ([]PoolSnapshot, error) {
	snapshots := make([]PoolSnapshot, 0, capacity)
	for rows.Next() {
		snap, scanErr := scanSnapshot(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		snapshots = append(snapshots, snap)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return snapshots, nil
}

func scanSnapshot(rows pgx.Rows) (PoolSnapshot, error) {
	var (
		snap                            PoolSnapshot
		total, cash, deployed, inFlight string
		shares, price, prize            string
		errMsg                          sql.NullString
	)
	if err := rows.Scan(
		&snap.ObservedAt,
		&snap.Pool,
		&total,
		&cash,
		&deployed,
		&inFlight,
		&shares,
		&price,
		&prize,
		&snap.Participants,
		&snap.EmergencyLevel,
		&snap.CurrentAPYBps,
		&snap.OptimalAPYBps,
		&snap.Status,
		&errMsg,
		&snap.CreatedAt,
	); err != nil {
		return PoolSnapshot{}, err
	}

	fields := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"total assets", total, &snap.TotalAssets},
		{"cash", cash, &snap.Cash},
		{"deployed", deployed, &snap.Deployed},
		{"in flight", inFlight, &snap.InFlight},
		{"total shares", shares, &snap.TotalShares},
		{"share price", price, &snap.SharePrice},
		{"prize pool", prize, &snap.PrizePool},
	}
	for _, f := range fields {
		v, err := decimal.NewFromString(f.raw)
		if err != nil {
			return PoolSnapshot{}, fmt.Errorf("parse %s: %w", f.name, err)
		}
		*f.dst = v
	}
	if errMsg.Valid {
		msg := errMsg.String
		snap.Error = &msg
	}
	return snap, nil
}

func scanDraw(rows pgx.Rows) (DrawRow, error) {
	var (
		d                                 DrawRow
		prize, gross, devFee, carry, burn string
		snapshot                          json.RawMessage
	)
	if err := rows.Scan(
		&d.Pool,
		&d.RunID,
		&d.DrawID,
		&d.RequestID,
		&d.RequestedAt,
		&d.CompletedAt,
		&d.Winner,
		&prize,
		&gross,
		&devFee,
		&carry,
		&burn,
		&d.Participants,
		&d.TotalWeight,
		&d.Seed,
		&d.WinningNumber,
		&d.SnapshotDigest,
		&snapshot,
		&d.Fallback,
		&d.CreatedAt,
	); err != nil {
		return DrawRow{}, err
	}
	d.Snapshot = snapshot

	for _, f := range []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"prize", prize, &d.Prize},
		{"gross", gross, &d.Gross},
		{"dev fee", devFee, &d.DevFee},
		{"carry fee", carry, &d.CarryFee},
		{"burn fee", burn, &d.BurnFee},
	} {
		v, err := decimal.NewFromString(f.raw)
		if err != nil {
			return DrawRow{}, fmt.Errorf("parse %s: %w", f.name, err)
		}
		*f.dst = v
	}
	return d, nil
}
