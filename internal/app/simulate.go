package app

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"text/tabwriter"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"prize-vault/internal/keeper"
	"prize-vault/internal/lottery"
)

// simulationStart keeps repeated runs byte-for-byte comparable.
var simulationStart = time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)

// Simulate 在内存中运行一个确定性场景：存款、模拟收益、开奖，并打印结果。
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) error {
	if opts.Depositors <= 0 || opts.Weeks <= 0 || opts.Deposit <= 0 {
		return errors.New("--depositors、--weeks 与 --deposit 必须大于 0")
	}

	cfg := *a.Config
	cfg.Scheduler.AdvisoryLockKey = 0
	cfg.Lottery.DrawCron = ""
	if cfg.Lottery.RandomnessSeed == "" {
		cfg.Lottery.RandomnessSeed = "prizevault-simulation"
	}

	clock := clockwork.NewFakeClockAt(simulationStart)
	sim := &App{Config: &cfg, Logger: a.Logger}
	proto, err := sim.newProtocol(clock)
	if err != nil {
		return err
	}

	deps := keeper.Deps{
		Protocol: proto,
		Config:   &cfg,
		Clock:    clock,
		Logger:   a.Logger,
	}
	if opts.Notify {
		deps.Notifier = sim.newNotifier(clock)
		if deps.Notifier == nil {
			return errors.New("未配置任何告警通道")
		}
	}
	k, err := keeper.New(deps)
	if err != nil {
		return err
	}

	base := decimal.NewFromFloat(opts.Deposit)
	for i := 1; i <= opts.Depositors; i++ {
		who := common.BigToAddress(big.NewInt(int64(0x1000 + i)))
		if _, err := proto.Deposit(ctx, who, base.Mul(decimal.NewFromInt(int64(i)))); err != nil {
			return fmt.Errorf("deposit for %s: %w", who.Hex(), err)
		}
	}

	step := cfg.Scheduler.Interval
	if step < time.Hour {
		step = time.Hour
	}
	end := simulationStart.Add(time.Duration(opts.Weeks) * 7 * 24 * time.Hour)
	var draws []lottery.DrawRecord
	failedTicks := 0
	for now := clock.Now(); !now.After(end); now = clock.Now() {
		if err := ctx.Err(); err != nil {
			return err
		}
		report := k.Tick(ctx, now)
		if report.Err() != nil {
			failedTicks++
		}
		draws = append(draws, report.Draws...)
		clock.Advance(step)
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Draw\tCompleted (UTC)\tWinner\tPrize\tUsers\tWinning number\tVerified")
	for _, d := range draws {
		_, ok, verr := d.Verify()
		fmt.Fprintf(writer, "%d\t%s\t%s\t%s\t%d\t%s/%s\t%t\n",
			d.ID,
			d.CompletedAt.UTC().Format(time.RFC3339),
			d.Winner.Hex(),
			formatDecimal(proto.Human(d.Prize), 2),
			d.ParticipantCount,
			d.WinningNumber.Dec(),
			d.TotalWeight.Dec(),
			ok && verr == nil,
		)
	}
	writer.Flush()

	st, err := proto.GetProtocolStatus(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "\ntotal assets %s, cash %s, deployed %s, prize pool %s, current apy %d bps\n",
		formatDecimal(proto.Human(st.Pool.TotalAssets), 2),
		formatDecimal(proto.Human(st.Pool.Cash), 2),
		formatDecimal(proto.Human(st.Pool.Deployed), 2),
		formatDecimal(proto.Human(st.Lottery.PrizePool), 2),
		st.CurrentAPY,
	)

	a.Logger.Info().Int("draws", len(draws)).Int("failed_ticks", failedTicks).Msg("模拟完成")
	return nil
}
