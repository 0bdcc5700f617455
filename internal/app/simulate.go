package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"cryptoalarm/internal/alerting"
	"cryptoalarm/internal/feed"
	"cryptoalarm/internal/rules"
)

const testNotifyMessage = "CryptoAlarm test notification. Your alert channel is working."

// SimulateAlert replays a price series against one local rule through the
// full trigger and notification path.
// The store is never touched.
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	if len(opts.Prices) == 0 {
		return errors.New("at least one price is required")
	}
	target, err := decimal.NewFromString(opts.Target)
	if err != nil {
		return fmt.Errorf("parse target %q: %w", opts.Target, err)
	}

	rule := rules.Rule{
		OwnerID:     "simulate",
		Symbol:      opts.Symbol,
		Kind:        opts.Kind,
		Direction:   opts.Direction,
		TargetValue: target,
		Message:     opts.Message,
		IsOneTime:   !opts.Recurring,
	}
	if opts.Destination != "" {
		t, err := rules.NewTarget(opts.Channel, opts.Destination, true)
		if err != nil {
			return err
		}
		rule.Targets = []rules.NotificationTarget{t}
	}

	p, err := a.newPipeline(nil)
	if err != nil {
		return err
	}
	defer p.closeSinks()

	created, err := p.registry.Create(rule)
	if err != nil {
		return err
	}

	samples := make([]feed.Sample, 0, len(opts.Prices))
	for _, raw := range opts.Prices {
		price, err := feed.ParsePrice(raw)
		if err != nil {
			return err
		}
		samples = append(samples, feed.Sample{Symbol: p.norm.ToTradeable(opts.Symbol), Price: price})
	}

	p.dispatcher.Start(ctx)
	collected := make(chan []alerting.Report, 1)
	go func() {
		var reports []alerting.Report
		for report := range p.dispatcher.Results() {
			p.recorder.Record(ctx, report)
			reports = append(reports, report)
		}
		collected <- reports
	}()

	ch, err := feed.NewStaticFeed(samples...).Subscribe(ctx)
	if err != nil {
		p.dispatcher.Close()
		return err
	}
	// Run returns once the static feed is exhausted and every sample is processed
	runErr := p.service.Run(ctx, ch)
	p.dispatcher.Close()
	reports := <-collected
	if runErr != nil {
		return runErr
	}

	final, err := p.registry.Get(created.ID)
	if err != nil {
		return err
	}
	if len(reports) == 0 {
		fmt.Fprintf(a.Out, "rule %s not triggered (status %s", final.ID, final.Status)
		if final.BaselinePrice.Valid {
			fmt.Fprintf(a.Out, ", baseline %s", final.BaselinePrice.Decimal.String())
		}
		fmt.Fprintln(a.Out, ")")
		return nil
	}

	for _, report := range reports {
		fmt.Fprintf(a.Out, "triggered at %s: %s\n", report.Event.ObservedPrice.String(), report.Event.Message)
		a.printOutcomes(report.Outcomes)
	}
	fmt.Fprintf(a.Out, "rule %s status %s, trigger count %d\n", final.ID, final.Status, final.TriggerCount)
	return nil
}

// TestNotify sends a single test notification through the configured sinks.
func (a *App) TestNotify(ctx context.Context, opts TestNotifyOptions) error {
	target, err := rules.NewTarget(opts.Channel, opts.Destination, true)
	if err != nil {
		return err
	}

	sinks, closeSinks, err := a.newSinks()
	if err != nil {
		return err
	}
	defer closeSinks()

	message := opts.Message
	if message == "" {
		message = testNotifyMessage
	}
	event := rules.TriggerEvent{
		RuleID:     "test-" + uuid.NewString(),
		OwnerID:    "test",
		Symbol:     "TEST",
		Message:    message,
		OccurredAt: time.Now().UTC(),
		IsOneTime:  true,
		Targets:    []rules.NotificationTarget{target},
	}

	outcomes := a.newFanout(sinks).Dispatch(ctx, event, event.Targets)
	a.printOutcomes(outcomes)
	for _, o := range outcomes {
		if err := o.Err(); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) printOutcomes(outcomes []alerting.Outcome) {
	for _, o := range outcomes {
		switch {
		case o.Skipped:
			fmt.Fprintf(a.Out, "  %s %s: skipped\n", o.Channel, o.Destination)
		case o.Success:
			fmt.Fprintf(a.Out, "  %s %s: sent (%s)\n", o.Channel, o.Destination, o.Result)
		default:
			fmt.Fprintf(a.Out, "  %s %s: failed (%s)\n", o.Channel, o.Destination, o.Error)
		}
	}
}
