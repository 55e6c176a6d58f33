// Package keeper drives the protocol on a fixed cadence: it samples yields,
// feeds risk readings, harvests, reacts to risk, rebalances, runs draws and
// records what happened.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"prize-vault/internal/alerting"
	"prize-vault/internal/chain"
	"prize-vault/internal/config"
	"prize-vault/internal/lottery"
	"prize-vault/internal/metrics"
	"prize-vault/internal/protocol"
	"prize-vault/internal/retry"
	"prize-vault/internal/riskfeed"
	"prize-vault/internal/scheduler"
	"prize-vault/internal/storage"
	"prize-vault/internal/vault"
)

// SharePricer reads ERC-4626 share prices.
type SharePricer interface {
	SharePrice(ctx context.Context, vault common.Address, at time.Time) (chain.Sample, error)
}

// RiskFeed scores protocols.
type RiskFeed interface {
	Enabled() bool
	Assess(ctx context.Context, protocol, address string) (riskfeed.Assessment, error)
}

// Store is the persistence the keeper writes to.
type Store interface {
	storage.SnapshotStore
	storage.EventStore
}

// Deps bundles keeper collaborators. Only Protocol and Config are required.
type Deps struct {
	Protocol  *protocol.Protocol
	Config    *config.Config
	Scheduler *scheduler.Scheduler
	Cron      *scheduler.Cron
	Store     Store
	Notifier  alerting.Notifier
	Pricer    SharePricer
	Feed      RiskFeed
	Clock     clockwork.Clock
	Logger    zerolog.Logger
}

// TickReport summarises one keeper tick.
type TickReport struct {
	Bucket    time.Time
	Accrued   string
	Bridged   int
	Harvest   vault.HarvestReport
	Monitor   []protocol.MonitorAction
	Rebalance protocol.RebalanceResult
	Requested string
	Draws     []lottery.DrawRecord
	Status    protocol.ProtocolStatus
	Errors    map[string]error
}

// Err joins the step errors.
func (r TickReport) Err() error {
	errs := make([]error, 0, len(r.Errors))
	for step, err := range r.Errors {
		errs = append(errs, fmt.Errorf("%s: %w", step, err))
	}
	return errors.Join(errs...)
}

// Keeper orchestrates sampling, protocol upkeep, persistence and alerting.
type Keeper struct {
	proto     *protocol.Protocol
	cfg       *config.Config
	scheduler *scheduler.Scheduler
	cron      *scheduler.Cron
	store     Store
	locker    storage.AdvisoryLocker
	notifier  alerting.Notifier
	pricer    SharePricer
	feed      RiskFeed
	apy       *chain.APYEstimator
	clock     clockwork.Clock
	logger    zerolog.Logger
	retry     retry.Config
	runID     string

	mu        sync.Mutex
	lastTick  time.Time
	lastDraw  uint64
	known     map[common.Address]struct{}
	decimals  int32
	drawByJob bool
}

// New constructs the keeper.
func New(d Deps) (*Keeper, error) {
	if d.Protocol == nil || d.Config == nil {
		return nil, errors.New("keeper requires protocol and config")
	}
	clock := d.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	var locker storage.AdvisoryLocker
	if l, ok := d.Store.(storage.AdvisoryLocker); ok {
		locker = l
	}

	cfg := d.Config
	k := &Keeper{
		proto:     d.Protocol,
		cfg:       cfg,
		scheduler: d.Scheduler,
		cron:      d.Cron,
		store:     d.Store,
		locker:    locker,
		notifier:  d.Notifier,
		pricer:    d.Pricer,
		feed:      d.Feed,
		apy:       chain.NewAPYEstimator(cfg.Ethereum.SampleWindow),
		clock:     clock,
		logger:    d.Logger.With().Str("component", "keeper").Logger(),
		retry: retry.Config{
			MaxAttempts: cfg.Scheduler.RetryAttempts,
			BaseBackoff: cfg.Scheduler.RetryBackoff,
			MaxBackoff:  cfg.Scheduler.RetryMaxBackoff,
			Timeout:     cfg.Scheduler.StepTimeout,
			Clock:       clock,
		},
		runID:     uuid.NewString(),
		lastTick:  clock.Now(),
		known:     make(map[common.Address]struct{}),
		decimals:  cfg.Vault.AssetDecimals,
		drawByJob: cfg.Lottery.DrawCron != "",
	}

	if k.drawByJob {
		if err := scheduler.ValidateSpec(cfg.Lottery.DrawCron); err != nil {
			return nil, err
		}
	}
	return k, nil
}

// RunID identifies this process in persisted draw history.
func (k *Keeper) RunID() string { return k.runID }

// Run starts the tick loop and, when configured, the draw cron job.
func (k *Keeper) Run(ctx context.Context) error {
	if k.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return k.scheduler.Run(gctx, k.ProcessBucket) })
	if k.drawByJob && k.cron != nil {
		if err := k.cron.Add(gctx, "lottery_draw", k.cfg.Lottery.DrawCron, k.TryDraw); err != nil {
			return err
		}
		g.Go(func() error { return k.cron.Run(gctx) })
	}
	return g.Wait()
}

// ProcessBucket 执行单个时间桶的维护逻辑。
func (k *Keeper) ProcessBucket(ctx context.Context, bucket time.Time) error {
	unlock, proceed, err := k.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		k.logger.Debug().Time("bucket", bucket).Msg("skip bucket because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	report := k.Tick(ctx, bucket)
	return report.Err()
}

// Tick runs every step once. A failing step is recorded and the next step
// still runs.
func (k *Keeper) Tick(ctx context.Context, bucket time.Time) TickReport {
	report := TickReport{Bucket: bucket, Errors: make(map[string]error)}

	k.step(ctx, &report, "sample_apy", k.sampleAPY)
	k.step(ctx, &report, "risk_feed", k.pullRisk)
	k.step(ctx, &report, "accrue", func(ctx context.Context) error {
		now := k.clock.Now()
		k.mu.Lock()
		elapsed := now.Sub(k.lastTick)
		k.lastTick = now
		k.mu.Unlock()
		total, err := k.proto.AccrueSimulatedYield(elapsed)
		report.Accrued = total.Dec()
		return err
	})
	k.step(ctx, &report, "bridges", func(ctx context.Context) error {
		n, err := k.proto.CompleteBridges(ctx)
		report.Bridged = n
		return err
	})
	k.step(ctx, &report, "harvest", func(ctx context.Context) error {
		h, err := k.proto.Harvest(ctx)
		report.Harvest = h
		if h.Forwarded != nil && !h.Forwarded.IsZero() {
			metrics.HarvestedTotal.WithLabelValues(k.proto.Pool.Name()).Add(k.proto.Human(h.Forwarded).InexactFloat64())
		}
		return err
	})
	k.step(ctx, &report, "monitor", func(ctx context.Context) error {
		_, actions := k.proto.MonitorRisk(ctx)
		report.Monitor = actions
		return k.handleMonitor(ctx, actions)
	})
	k.step(ctx, &report, "rebalance", func(ctx context.Context) error {
		res, err := k.proto.Rebalance(ctx)
		report.Rebalance = res
		return err
	})
	k.step(ctx, &report, "draw", func(ctx context.Context) error {
		if !k.drawByJob && k.proto.Lottery.State() == lottery.StateDrawReady {
			_, id, err := k.proto.RequestDraw(ctx)
			if err != nil {
				return err
			}
			report.Requested = id
		}
		return k.settleDraws(ctx)
	})
	k.step(ctx, &report, "record", func(ctx context.Context) error {
		st, draws, err := k.record(ctx)
		report.Status = st
		report.Draws = draws
		return err
	})

	evt := k.logger.Info()
	if len(report.Errors) > 0 {
		evt = k.logger.Warn().Int("failed_steps", len(report.Errors))
	}
	evt.Time("bucket", bucket).
		Str("accrued", report.Accrued).
		Int("monitor_actions", len(report.Monitor)).
		Bool("rebalanced", !report.Rebalance.Skipped).
		Int("draws", len(report.Draws)).
		Msg("keeper tick completed")
	return report
}

// TryDraw requests a draw when the lottery is ready. Used by the cron job.
func (k *Keeper) TryDraw(ctx context.Context) error {
	if k.proto.Lottery.State() != lottery.StateDrawReady {
		k.logger.Debug().Msg("lottery not ready, skip scheduled draw")
		return nil
	}
	if _, _, err := k.proto.RequestDraw(ctx); err != nil {
		return err
	}
	if err := k.settleDraws(ctx); err != nil {
		return err
	}
	_, _, err := k.record(ctx)
	return err
}

func (k *Keeper) step(ctx context.Context, report *TickReport, name string, fn func(ctx context.Context) error) {
	if ctx.Err() != nil {
		report.Errors[name] = ctx.Err()
		return
	}
	start := k.clock.Now()
	err := fn(ctx)
	metrics.RecordStep(name, k.clock.Since(start), err)
	if err != nil {
		report.Errors[name] = err
		k.logger.Error().Err(err).Str("step", name).Msg("keeper step failed")
	}
}

// settleDraws delivers ripe randomness and cancels draws stuck past the
// fulfillment timeout.
func (k *Keeper) settleDraws(ctx context.Context) error {
	if _, err := k.proto.DeliverRandomness(ctx); err != nil {
		return err
	}
	if _, pending := k.proto.Lottery.Pending(); !pending {
		return nil
	}
	err := k.proto.CancelStuckDraw()
	if errors.Is(err, lottery.ErrFulfillmentWindow) {
		return nil
	}
	if err == nil {
		k.notify(ctx, alerting.Notification{
			Kind:  alerting.KindDraw,
			Pool:  k.proto.Pool.Name(),
			At:    k.clock.Now(),
			Title: "pending draw cancelled after fulfillment timeout",
		})
	}
	return err
}

func (k *Keeper) acquireLock(ctx context.Context) (func(), bool, error) {
	if k.cfg.Scheduler.AdvisoryLockKey == 0 || k.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := k.locker.TryAdvisoryLock(ctx, k.cfg.Scheduler.AdvisoryLockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

func (k *Keeper) notify(ctx context.Context, note alerting.Notification) {
	if k.notifier == nil {
		return
	}
	if err := k.notifier.Notify(ctx, note); err != nil {
		k.logger.Error().Err(err).Str("kind", string(note.Kind)).Msg("failed to dispatch alert")
	}
}
