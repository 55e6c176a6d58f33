package cli

import (
	"github.com/spf13/cobra"

	"prize-vault/internal/app"
)

var (
	simulateDepositors int
	simulateDeposit    float64
	simulateWeeks      int
	simulateNotify     bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "在内存中模拟存款、收益与开奖",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.SimulateOptions{
			Depositors: simulateDepositors,
			Deposit:    simulateDeposit,
			Weeks:      simulateWeeks,
			Notify:     simulateNotify,
		}
		return getApp().Simulate(cmd.Context(), opts)
	},
}

func init() {
	simulateCmd.Flags().IntVar(&simulateDepositors, "depositors", 5, "存款人数量")
	simulateCmd.Flags().Float64Var(&simulateDeposit, "deposit", 1000, "第 i 个存款人存入 i 倍该金额")
	simulateCmd.Flags().IntVar(&simulateWeeks, "weeks", 4, "模拟周数")
	simulateCmd.Flags().BoolVar(&simulateNotify, "notify", false, "通过已配置的告警通道发送通知")
}
