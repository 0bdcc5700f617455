package service

import (
	"context"
	"errors"
	"fmt"

	"cryptoalarm/internal/rules"
)

// ErrNoPrice is returned when no sample has been seen for a rule's symbol yet.
var ErrNoPrice = errors.New("no price data")

// Prices returns the latest quote per trading pair.
func (s *Service) Prices() map[string]Quote {
	return s.prices.snapshot()
}

// LastPrice returns the latest quote for symbol in bare or pair form.
func (s *Service) LastPrice(symbol string) (Quote, bool) {
	return s.prices.get(s.norm.ToTradeable(symbol))
}

// TestEvent builds a test notification for rule id at the latest observed
// price. Rule state is left untouched. A non-empty message replaces the
// default text.
func (s *Service) TestEvent(ctx context.Context, id, message string) (rules.TriggerEvent, error) {
	rule, err := s.findRule(ctx, id)
	if err != nil {
		return rules.TriggerEvent{}, err
	}

	pair := s.norm.ToTradeable(rule.Symbol)
	quote, ok := s.LastPrice(rule.Symbol)
	if !ok {
		return rules.TriggerEvent{}, fmt.Errorf("%w for %s (%s)", ErrNoPrice, rule.Symbol, pair)
	}
	if message == "" {
		message = "Test Alert: " + rule.Symbol + " is currently at " + formatUSD(quote.Price)
	}

	return rules.TriggerEvent{
		RuleID:        rule.ID,
		OwnerID:       rule.OwnerID,
		Symbol:        pair,
		ObservedPrice: quote.Price,
		TargetValue:   rule.TargetValue,
		BaselinePrice: rule.BaselinePrice,
		Kind:          rule.Kind,
		Direction:     rule.Direction,
		Message:       message,
		OccurredAt:    s.now().UTC(),
		TriggerCount:  rule.TriggerCount,
		IsOneTime:     rule.IsOneTime,
		Targets:       rule.Targets,
	}, nil
}

// findRule looks in memory, then after a forced reconcile, then in the
// store directly.
func (s *Service) findRule(ctx context.Context, id string) (rules.Rule, error) {
	rule, err := s.registry.Get(id)
	if err == nil || !s.registry.HasStore() {
		return rule, err
	}

	if _, syncErr := s.registry.Reconcile(ctx); syncErr != nil {
		s.logger.Warn().Err(syncErr).Str("rule_id", id).Msg("reconcile before lookup failed")
	} else if rule, err = s.registry.Get(id); err == nil {
		return rule, nil
	}

	return s.registry.FetchByID(ctx, id)
}
