package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"prize-vault/internal/app"
)

var (
	auditLimit int
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Recompute stored draw winners from their seed and snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		if auditLimit < 0 {
			return fmt.Errorf("--limit cannot be negative")
		}
		return getApp().Audit(cmd.Context(), app.AuditOptions{Limit: auditLimit})
	},
}

func init() {
	auditCmd.Flags().IntVar(&auditLimit, "limit", 0, "Number of latest draws to verify (defaults to export.max_draws)")
}
