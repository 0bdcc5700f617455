package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"cryptoalarm/internal/feed"
	"cryptoalarm/internal/metrics"
	"cryptoalarm/internal/rules"
	"cryptoalarm/internal/storage"
	"cryptoalarm/internal/symbols"
)

// Submitter accepts trigger events for asynchronous delivery. Submit must
// not block.
type Submitter interface {
	Submit(event rules.TriggerEvent) bool
}

// Options configure the pipeline.
type Options struct {
	Workers   int
	QueueSize int
	Clock     func() time.Time
}

// Service turns price samples into trigger events: it evaluates the rule
// registry, records firings in the store and hands events to the dispatcher.
type Service struct {
	registry   *rules.Registry
	evaluator  *rules.Evaluator
	norm       *symbols.Normalizer
	store      storage.RuleStore
	dispatcher Submitter
	prices     *priceBook
	workers    int
	queueSize  int
	now        func() time.Time
	logger     zerolog.Logger
}

// New constructs the trigger pipeline. store and dispatcher may be nil.
func New(registry *rules.Registry, evaluator *rules.Evaluator, norm *symbols.Normalizer, store storage.RuleStore, dispatcher Submitter, opts Options, logger zerolog.Logger) *Service {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if norm == nil {
		norm = symbols.Default()
	}
	return &Service{
		registry:   registry,
		evaluator:  evaluator,
		norm:       norm,
		store:      store,
		dispatcher: dispatcher,
		prices:     newPriceBook(),
		workers:    opts.Workers,
		queueSize:  opts.QueueSize,
		now:        opts.Clock,
		logger:     logger.With().Str("component", "service").Logger(),
	}
}

// Run consumes samples until the channel closes or ctx is cancelled.
// Samples are sharded by symbol so one symbol is always processed in order.
func (s *Service) Run(ctx context.Context, samples <-chan feed.Sample) error {
	shards := make([]chan feed.Sample, s.workers)
	var wg sync.WaitGroup
	for i := range shards {
		shards[i] = make(chan feed.Sample, s.queueSize)
		wg.Add(1)
		go func(id int, in <-chan feed.Sample) {
			defer wg.Done()
			for sample := range in {
				s.process(ctx, id, sample)
			}
		}(i, shards[i])
	}
	defer func() {
		for _, ch := range shards {
			close(ch)
		}
		wg.Wait()
		s.logger.Info().Msg("pipeline stopped")
	}()

	s.logger.Info().Int("workers", s.workers).Msg("pipeline started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case sample, ok := <-samples:
			if !ok {
				return nil
			}
			shard := shards[s.shardFor(sample.Symbol)]
			select {
			case shard <- sample:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (s *Service) shardFor(symbol string) uint64 {
	return xxhash.Sum64String(s.norm.ToTradeable(symbol)) % uint64(s.workers)
}

func (s *Service) process(ctx context.Context, worker int, sample feed.Sample) {
	defer func() {
		if r := recover(); r != nil {
			metrics.SamplesProcessed.WithLabelValues("panic").Inc()
			s.logger.Error().Interface("panic", r).Int("worker", worker).Str("symbol", sample.Symbol).Msg("sample processing panicked")
		}
	}()
	s.OnPriceSample(ctx, sample.Symbol, sample.Price)
	metrics.SamplesProcessed.WithLabelValues("ok").Inc()
}

// OnPriceSample evaluates every rule against one price and returns the
// trigger events produced.
func (s *Service) OnPriceSample(ctx context.Context, symbol string, price decimal.Decimal) []rules.TriggerEvent {
	now := s.now().UTC()
	s.prices.record(s.norm.ToTradeable(symbol), price, now)

	if err := s.registry.EnsureFresh(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("reconcile failed, evaluating last snapshot")
	}

	firings := s.registry.Evaluate(symbol, price, now, s.evaluator)
	if len(firings) == 0 {
		return nil
	}

	events := make([]rules.TriggerEvent, 0, len(firings))
	for _, f := range firings {
		event := s.buildEvent(f)
		events = append(events, event)

		s.logger.Info().
			Str("rule_id", event.RuleID).
			Str("symbol", event.Symbol).
			Str("price", price.String()).
			Str("kind", string(event.Kind)).
			Int64("trigger_count", event.TriggerCount).
			Msg("alert triggered")

		// dispatch precedes the store writes
		if s.dispatcher != nil && !s.dispatcher.Submit(event) {
			s.logger.Warn().Str("rule_id", event.RuleID).Msg("notification dropped")
		}

		s.persist(ctx, f, event)
	}
	return events
}

func (s *Service) buildEvent(f rules.Firing) rules.TriggerEvent {
	rule := f.Rule
	return rules.TriggerEvent{
		RuleID:        rule.ID,
		OwnerID:       rule.OwnerID,
		Symbol:        s.norm.ToTradeable(rule.Symbol),
		ObservedPrice: f.Price,
		TargetValue:   rule.TargetValue,
		BaselinePrice: rule.BaselinePrice,
		ChangePct:     f.ChangePct,
		Kind:          rule.Kind,
		Direction:     rule.Direction,
		Message:       RenderMessage(s.norm, rule, f.Price, f.ChangePct),
		OccurredAt:    f.At,
		TriggerCount:  rule.TriggerCount,
		IsOneTime:     rule.IsOneTime,
		Targets:       rule.Targets,
	}
}

// persist writes the firing back to the store. Both writes are best effort;
// only store rules have a row to update.
func (s *Service) persist(ctx context.Context, f rules.Firing, event rules.TriggerEvent) {
	if s.store == nil {
		return
	}

	if f.Rule.Origin == rules.OriginStore {
		update := storage.StatusUpdate{
			TriggeredAt:      event.OccurredAt,
			TriggerCount:     event.TriggerCount,
			LastTriggerPrice: event.ObservedPrice,
			IsActive:         !event.IsOneTime,
		}
		if _, err := s.store.UpdateStatus(ctx, event.RuleID, update); err != nil {
			metrics.StoreWriteFailures.WithLabelValues("update_status").Inc()
			s.logger.Error().Err(err).Str("rule_id", event.RuleID).Msg("update rule status")
		}
	}

	row, err := TriggerLog(event)
	if err != nil {
		s.logger.Error().Err(err).Str("rule_id", event.RuleID).Msg("encode trigger log")
		return
	}
	if err := s.store.AppendLog(ctx, row); err != nil {
		metrics.StoreWriteFailures.WithLabelValues("append_log").Inc()
		s.logger.Error().Err(err).Str("rule_id", event.RuleID).Msg("append trigger log")
	}
}

// TriggerLog builds the audit row for a firing.
func TriggerLog(event rules.TriggerEvent) (storage.TriggerLog, error) {
	conditions, err := json.Marshal(map[string]any{
		"symbol":       event.Symbol,
		"target_value": event.TargetValue,
		"alert_type":   event.Kind,
		"direction":    event.Direction,
	})
	if err != nil {
		return storage.TriggerLog{}, fmt.Errorf("marshal conditions: %w", err)
	}
	market := map[string]any{
		"current_price": event.ObservedPrice,
		"timestamp":     event.OccurredAt,
	}
	if event.BaselinePrice.Valid {
		market["baseline_price"] = event.BaselinePrice.Decimal
	}
	if event.ChangePct.Valid {
		market["change_pct"] = event.ChangePct.Decimal.StringFixed(4)
	}
	marketData, err := json.Marshal(market)
	if err != nil {
		return storage.TriggerLog{}, fmt.Errorf("marshal market data: %w", err)
	}

	return storage.TriggerLog{
		ID:           uuid.NewString(),
		AlertID:      event.RuleID,
		Kind:         storage.LogKindTrigger,
		TriggerPrice: decimal.NewNullDecimal(event.ObservedPrice),
		Timestamp:    event.OccurredAt,
		Conditions:   conditions,
		MarketData:   marketData,
	}, nil
}
