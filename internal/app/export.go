package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"prize-vault/internal/storage"
)

const (
	defaultExportWindow = 30 * 24 * time.Hour
	maxChartPoints      = 1000
)

// Export renders snapshot history as CSV and/or PNG and draw history as CSV.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" && opts.DrawsPath == "" {
		return errors.New("at least one of --csv, --png or --draws must be provided")
	}

	opts.MaxDraws = a.Config.ResolveMaxDraws(opts.MaxDraws)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.Add(-defaultExportWindow)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	pool := a.Config.Vault.Name
	if opts.CSVPath != "" || opts.PNGPath != "" {
		snapshots, err := store.ListSnapshotsBetween(ctx, pool, from, to)
		if err != nil {
			return err
		}
		if len(snapshots) == 0 {
			a.Logger.Info().Msg("no snapshots found for export window")
		} else {
			a.Logger.Info().Int("total", len(snapshots)).Msg("exporting snapshots")
			if opts.CSVPath != "" {
				if err := writeSnapshotsCSV(opts.CSVPath, snapshots); err != nil {
					return err
				}
			}
			if opts.PNGPath != "" {
				if err := writeSnapshotsPNG(opts.PNGPath, downsampleSnapshots(snapshots, maxChartPoints)); err != nil {
					return err
				}
			}
		}
	}

	if opts.DrawsPath != "" {
		draws, err := store.ListDraws(ctx, pool, opts.MaxDraws)
		if err != nil {
			return err
		}
		a.Logger.Info().Int("draws", len(draws)).Msg("exporting draws")
		if err := writeDrawsCSV(opts.DrawsPath, draws); err != nil {
			return err
		}
	}
	return nil
}

func downsampleSnapshots(snapshots []storage.PoolSnapshot, max int) []storage.PoolSnapshot {
	if max <= 0 || len(snapshots) <= max {
		return snapshots
	}

	result := make([]storage.PoolSnapshot, 0, max)
	step := float64(len(snapshots)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(snapshots) {
			idx = len(snapshots) - 1
		}
		result = append(result, snapshots[idx])
	}
	return result
}

func writeSnapshotsCSV(path string, snapshots []storage.PoolSnapshot) error {
	header := []string{"observed_at", "total_assets", "cash", "deployed", "in_flight", "share_price", "prize_pool", "participants", "current_apy_bps", "optimal_apy_bps", "emergency_level", "status", "error"}
	records := make([][]string, 0, len(snapshots))
	for _, s := range snapshots {
		errMsg := ""
		if s.Error != nil {
			errMsg = *s.Error
		}
		records = append(records, []string{
			s.ObservedAt.Format(time.RFC3339),
			s.TotalAssets.String(),
			s.Cash.String(),
			s.Deployed.String(),
			s.InFlight.String(),
			s.SharePrice.String(),
			s.PrizePool.String(),
			strconv.Itoa(s.Participants),
			strconv.FormatInt(s.CurrentAPYBps, 10),
			strconv.FormatInt(s.OptimalAPYBps, 10),
			s.EmergencyLevel,
			s.Status,
			errMsg,
		})
	}
	return writeCSV(path, header, records)
}

func writeDrawsCSV(path string, draws []storage.DrawRow) error {
	header := []string{"run_id", "draw_id", "request_id", "completed_at", "winner", "prize", "gross", "dev_fee", "carry_fee", "burn_fee", "participants", "total_weight", "seed", "winning_number", "snapshot_digest", "fallback"}
	records := make([][]string, 0, len(draws))
	for _, d := range draws {
		records = append(records, []string{
			d.RunID,
			strconv.FormatInt(d.DrawID, 10),
			d.RequestID,
			d.CompletedAt.Format(time.RFC3339),
			d.Winner,
			d.Prize.String(),
			d.Gross.String(),
			d.DevFee.String(),
			d.CarryFee.String(),
			d.BurnFee.String(),
			strconv.Itoa(d.Participants),
			d.TotalWeight,
			d.Seed,
			d.WinningNumber,
			d.SnapshotDigest,
			strconv.FormatBool(d.Fallback),
		})
	}
	return writeCSV(path, header, records)
}

func writeCSV(path string, header []string, records [][]string) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(header); err != nil {
		return err
	}
	if err := writer.WriteAll(records); err != nil {
		return err
	}
	return writer.Error()
}

func writeSnapshotsPNG(path string, snapshots []storage.PoolSnapshot) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(snapshots))
	total := make([]float64, len(snapshots))
	prize := make([]float64, len(snapshots))
	apy := make([]float64, len(snapshots))

	for i, s := range snapshots {
		x[i] = s.ObservedAt
		total[i] = s.TotalAssets.InexactFloat64()
		prize[i] = s.PrizePool.InexactFloat64()
		apy[i] = float64(s.CurrentAPYBps) / 100
	}

	amountFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Assets",
			ValueFormatter: amountFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "APY (%)",
			ValueFormatter: amountFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Total assets",
				XValues: x,
				YValues: total,
			},
			chart.TimeSeries{
				Name:    "Prize pool",
				XValues: x,
				YValues: prize,
			},
			chart.TimeSeries{
				Name:    "APY %",
				XValues: x,
				YValues: apy,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
