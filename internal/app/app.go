package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"prize-vault/internal/alerting"
	"prize-vault/internal/api"
	"prize-vault/internal/catalog"
	"prize-vault/internal/chain"
	"prize-vault/internal/config"
	"prize-vault/internal/keeper"
	"prize-vault/internal/metrics"
	"prize-vault/internal/protocol"
	"prize-vault/internal/riskfeed"
	"prize-vault/internal/scheduler"
	"prize-vault/internal/storage"
	"prize-vault/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newNotifier(clock clockwork.Clock) alerting.Notifier {
	if !a.Config.Alerting.Enabled {
		return nil
	}
	var targets []alerting.Notifier
	for _, ch := range a.Config.Alerting.Channels {
		switch ch {
		case "telegram":
			cfg := a.Config.Alerting.Telegram
			if !cfg.Enabled {
				continue
			}
			targets = append(targets, alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger))
		default:
			a.Logger.Warn().Str("channel", ch).Msg("未知告警通道，已忽略")
		}
	}
	if len(targets) == 0 {
		return nil
	}
	return alerting.NewThrottle(a.Config.Alerting.Cooldown, clock, a.Logger, targets...)
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) newProtocol(clock clockwork.Clock) (*protocol.Protocol, error) {
	cat, err := catalog.Load(a.Config.Catalog.Path)
	if err != nil {
		return nil, err
	}
	return protocol.New(a.Config, cat, clock, a.Logger)
}

// Run executes the long-running keeper and, when enabled, the HTTP API.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	metrics.BuildInfo.WithLabelValues(version.Version, version.Commit, version.BuildDate).Set(1)
	clock := clockwork.NewRealClock()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}
	if store != nil {
		if err := store.Migrate(ctx, a.Config.Database.MigrationsPath, a.Logger); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	proto, err := a.newProtocol(clock)
	if err != nil {
		return err
	}

	deps := keeper.Deps{
		Protocol: proto,
		Config:   a.Config,
		Scheduler: scheduler.New(scheduler.Options{
			Interval:     a.Config.Scheduler.Interval,
			AlignToStart: a.Config.Scheduler.AlignToBucket,
			StartupDelay: a.Config.Scheduler.StartupDelay,
			TickTimeout:  a.Config.Scheduler.Interval,
			Clock:        clock,
		}, a.Logger),
		Cron:     scheduler.NewCron(a.Logger),
		Notifier: a.newNotifier(clock),
		Clock:    clock,
		Logger:   a.Logger,
	}
	if store != nil {
		deps.Store = store
	}
	if a.Config.Ethereum.RPCURL != "" {
		deps.Pricer = chain.NewVaultReader(chain.Options{
			RPCURL:  a.Config.Ethereum.RPCURL,
			Timeout: a.Config.Ethereum.RequestTimeout,
		}, a.Logger)
	}
	if a.Config.Risk.FeedURL != "" {
		deps.Feed = riskfeed.NewClient(riskfeed.Options{
			BaseURL:   a.Config.Risk.FeedURL,
			Timeout:   a.Config.Risk.FeedTimeout,
			UserAgent: a.Config.Risk.UserAgent,
		}, a.Logger)
	}

	k, err := keeper.New(deps)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return k.Run(gctx) })
	if a.Config.API.Enabled {
		srv := api.New(a.Config.API, proto, a.Logger)
		g.Go(func() error { return srv.Run(gctx) })
	}

	a.Logger.Info().Str("build", version.String()).Str("run_id", k.RunID()).Str("pool", proto.Pool.Name()).Msg("starting keeper")
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("keeper terminated with error")
		return err
	}

	a.Logger.Info().Msg("keeper stopped")
	return nil
}

// ExportOptions hold parameters for exporting snapshot and draw history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	DrawsPath string
	MaxDraws  int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// AuditOptions configure the draw audit.
type AuditOptions struct {
	Limit int
}

// SimulateOptions configure the offline scenario.
type SimulateOptions struct {
	Depositors int
	Deposit    float64
	Weeks      int
	Notify     bool
}
