package alerting

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"cryptoalarm/internal/metrics"
	"cryptoalarm/internal/storage"
)

// Recorder persists dispatch reports as notification rows in the audit log.
type Recorder struct {
	store  storage.RuleStore
	logger zerolog.Logger
}

// NewRecorder creates a recorder; store may be nil, in which case reports
// are only logged.
func NewRecorder(store storage.RuleStore, logger zerolog.Logger) *Recorder {
	return &Recorder{store: store, logger: logger.With().Str("component", "recorder").Logger()}
}

// Consume records every report from results until the channel is closed.
func (r *Recorder) Consume(ctx context.Context, results <-chan Report) {
	for report := range results {
		r.Record(ctx, report)
	}
}

// Record logs a report and appends its notification row. Failures are
// logged and never propagate to rule state.
func (r *Recorder) Record(ctx context.Context, report Report) {
	evt := r.logger.Info()
	if report.Failed > 0 {
		evt = r.logger.Warn()
	}
	evt.Str("rule_id", report.Event.RuleID).
		Str("symbol", report.Event.Symbol).
		Int("sent", report.Sent).
		Int("failed", report.Failed).
		Msg("通知结果")

	if r.store == nil {
		return
	}
	row, err := NotificationLog(report)
	if err != nil {
		r.logger.Error().Err(err).Str("rule_id", report.Event.RuleID).Msg("encode notification log")
		return
	}
	if err := r.store.AppendLog(ctx, row); err != nil {
		metrics.StoreWriteFailures.WithLabelValues("append_log").Inc()
		r.logger.Error().Err(err).Str("rule_id", report.Event.RuleID).Msg("append notification log")
	}
}

// NotificationLog builds the audit row for a dispatch report.
func NotificationLog(report Report) (storage.TriggerLog, error) {
	details, err := json.Marshal(report.Outcomes)
	if err != nil {
		return storage.TriggerLog{}, err
	}
	return storage.TriggerLog{
		ID:                  uuid.NewString(),
		AlertID:             report.Event.RuleID,
		Kind:                storage.LogKindNotification,
		TriggerPrice:        decimal.NewNullDecimal(report.Event.ObservedPrice),
		Timestamp:           report.Event.OccurredAt,
		NotificationSent:    report.Sent > 0,
		NotificationDetails: details,
		TotalSent:           report.Sent,
		TotalFailed:         report.Failed,
	}, nil
}
