package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
)

// Show prints recent pool snapshots, open incidents and the latest draws.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show snapshots")
	}
	if closeStore != nil {
		defer closeStore()
	}

	pool := a.Config.Vault.Name
	snapshots, err := store.ListRecentSnapshots(ctx, pool, opts.Limit)
	if err != nil {
		return err
	}
	if len(snapshots) == 0 {
		fmt.Fprintln(os.Stdout, "no snapshots found")
	} else {
		writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(writer, "Time (UTC)\tTotal\tCash\tDeployed\tPrize\tUsers\tAPY(bps)\tLevel\tStatus\tError")
		for _, s := range snapshots {
			errMsg := ""
			if s.Error != nil {
				errMsg = sanitizeInline(*s.Error)
			}
			fmt.Fprintf(
				writer,
				"%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
				s.ObservedAt.UTC().Format(time.RFC3339),
				formatDecimal(s.TotalAssets, 2),
				formatDecimal(s.Cash, 2),
				formatDecimal(s.Deployed, 2),
				formatDecimal(s.PrizePool, 2),
				s.Participants,
				s.CurrentAPYBps,
				s.EmergencyLevel,
				s.Status,
				errMsg,
			)
		}
		writer.Flush()
	}

	incidents, err := store.ListOpenIncidents(ctx, pool)
	if err != nil {
		return err
	}
	if len(incidents) > 0 {
		fmt.Fprintln(os.Stdout)
		writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(writer, "Incident\tLevel\tOpened (UTC)\tReason")
		for _, i := range incidents {
			fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n", i.ID, i.Level, i.OpenedAt.UTC().Format(time.RFC3339), sanitizeInline(i.Reason))
		}
		writer.Flush()
	}

	draws, err := store.ListDraws(ctx, pool, opts.Limit)
	if err != nil {
		return err
	}
	if len(draws) > 0 {
		fmt.Fprintln(os.Stdout)
		writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(writer, "Draw\tCompleted (UTC)\tWinner\tPrize\tUsers\tFallback")
		for _, d := range draws {
			fmt.Fprintf(writer, "%d\t%s\t%s\t%s\t%d\t%t\n",
				d.DrawID, d.CompletedAt.UTC().Format(time.RFC3339), d.Winner, formatDecimal(d.Prize, 2), d.Participants, d.Fallback)
		}
		writer.Flush()
	}
	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
