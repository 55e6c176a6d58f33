package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"prize-vault/internal/app"
)

var (
	exportFrom      string
	exportTo        string
	exportPNGPath   string
	exportCSVPath   string
	exportDrawsPath string
	exportMaxDraws  int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export pool snapshots as CSV and/or PNG chart and draws as CSV",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ExportOptions{
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			DrawsPath: exportDrawsPath,
			MaxDraws:  exportMaxDraws,
		}

		if exportFrom != "" {
			from, err := time.Parse(time.RFC3339, exportFrom)
			if err != nil {
				return fmt.Errorf("invalid --from value: %w", err)
			}
			opts.From = &from
		}

		if exportTo != "" {
			to, err := time.Parse(time.RFC3339, exportTo)
			if err != nil {
				return fmt.Errorf("invalid --to value: %w", err)
			}
			opts.To = &to
		}

		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "Start timestamp (RFC3339, inclusive, defaults to 30 days before --to)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "End timestamp (RFC3339, exclusive)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write snapshot CSV")
	exportCmd.Flags().StringVar(&exportDrawsPath, "draws", "", "Path to write draw history CSV")
	exportCmd.Flags().IntVar(&exportMaxDraws, "max-draws", 0, "Maximum draws to export (defaults to config)")
}
