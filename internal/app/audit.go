package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"prize-vault/internal/storage"
)

// AuditResult is the verification outcome of one stored draw.
type AuditResult struct {
	RunID  string
	DrawID int64
	Winner string
	OK     bool
	Err    error
}

// Audit recomputes stored winners from their seed and weight snapshot.
func (a *App) Audit(ctx context.Context, opts AuditOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn 未配置，无法审计")
	}
	if closeStore != nil {
		defer closeStore()
	}

	draws, err := store.ListDraws(ctx, a.Config.Vault.Name, a.Config.ResolveMaxDraws(opts.Limit))
	if err != nil {
		return err
	}
	if len(draws) == 0 {
		fmt.Fprintln(os.Stdout, "no draws found")
		return nil
	}

	results := AuditDraws(draws, a.Config.Vault.AssetDecimals)
	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Run\tDraw\tWinner\tResult")
	failed := 0
	for _, r := range results {
		outcome := "ok"
		switch {
		case r.Err != nil:
			outcome = "error: " + sanitizeInline(r.Err.Error())
			failed++
		case !r.OK:
			outcome = "MISMATCH"
			failed++
		}
		fmt.Fprintf(writer, "%s\t%d\t%s\t%s\n", r.RunID, r.DrawID, r.Winner, outcome)
	}
	writer.Flush()

	a.Logger.Info().Int("checked", len(results)).Int("failed", failed).Msg("审计完成")
	if failed > 0 {
		return fmt.Errorf("%d 个开奖记录校验失败", failed)
	}
	return nil
}

// AuditDraws verifies each row independently.
func AuditDraws(draws []storage.DrawRow, decimals int32) []AuditResult {
	out := make([]AuditResult, 0, len(draws))
	for _, d := range draws {
		res := AuditResult{RunID: d.RunID, DrawID: d.DrawID, Winner: d.Winner}
		rec, err := d.Record(decimals)
		if err != nil {
			res.Err = err
			out = append(out, res)
			continue
		}
		_, ok, err := rec.Verify()
		res.OK, res.Err = ok, err
		out = append(out, res)
	}
	return out
}
