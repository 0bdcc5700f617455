package app

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"cryptoalarm/internal/rules"
)

// Sync reconciles the registry against the store once and prints the result.
func (a *App) Sync(ctx context.Context) error {
	handle, err := a.requireStore(ctx)
	if err != nil {
		return err
	}
	defer handle.Close()

	registry := rules.NewRegistry(rules.Options{
		Store:      handle.store,
		Normalizer: a.newNormalizer(),
		Interval:   a.Config.Registry.ReconcileInterval,
		Logger:     a.Logger,
	})
	n, err := registry.Reconcile(ctx)
	if err != nil {
		return err
	}

	active := lo.Map(registry.ListActive(), func(r rules.Rule, _ int) string { return r.ID })
	fmt.Fprintf(a.Out, "synced %d rules, %d active\n", n, len(active))
	for _, id := range active {
		fmt.Fprintln(a.Out, id)
	}
	return nil
}

// ShowRules loads the store snapshot and prints the rules that match opts.
func (a *App) ShowRules(ctx context.Context, opts RulesOptions) error {
	handle, err := a.requireStore(ctx)
	if err != nil {
		return err
	}
	defer handle.Close()

	registry := rules.NewRegistry(rules.Options{
		Store:      handle.store,
		Normalizer: a.newNormalizer(),
		Logger:     a.Logger,
	})
	if _, err := registry.Reconcile(ctx); err != nil {
		return err
	}

	list := registry.List(opts.Owner, opts.Status)
	if len(list) == 0 {
		fmt.Fprintln(a.Out, "no rules found")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tOwner\tSymbol\tKind\tDirection\tTarget\tStatus\tTriggers\tChannels")
	for _, r := range list {
		channels := lo.FilterMap(r.Targets, func(t rules.NotificationTarget, _ int) (string, bool) {
			return string(t.Channel), t.Enabled
		})
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			r.ID,
			r.OwnerID,
			r.Symbol,
			r.Kind,
			r.Direction,
			r.TargetValue.String(),
			r.Status,
			r.TriggerCount,
			strings.Join(channels, ","),
		)
	}
	return writer.Flush()
}

// Logs prints the most recent audit rows.
func (a *App) Logs(ctx context.Context, opts LogsOptions) error {
	handle, err := a.requireStore(ctx)
	if err != nil {
		return err
	}
	defer handle.Close()

	records, err := handle.logs.ListRecentLogs(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(a.Out, "no logs found")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tAlert\tKind\tPrice\tSent\tFailed\tDetails")
	for _, rec := range records {
		price := "-"
		if rec.TriggerPrice.Valid {
			price = formatDecimal(rec.TriggerPrice.Decimal, 2)
		}
		details := string(rec.MarketData)
		if len(rec.NotificationDetails) > 0 {
			details = string(rec.NotificationDetails)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			rec.Timestamp.UTC().Format(time.RFC3339),
			rec.AlertID,
			rec.Kind,
			price,
			rec.TotalSent,
			rec.TotalFailed,
			sanitizeInline(details),
		)
	}
	return writer.Flush()
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
