package alerting

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"cryptoalarm/internal/rules"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func testEvent() rules.TriggerEvent {
	return rules.TriggerEvent{
		RuleID:        "rule-1",
		OwnerID:       "user-1",
		Symbol:        "BTCUSDT",
		ObservedPrice: decimal.RequireFromString("50123.45"),
		TargetValue:   decimal.RequireFromString("50000"),
		Kind:          rules.KindPriceTarget,
		Direction:     rules.DirectionAbove,
		Message:       "CryptoAlarm Alert! Bitcoin has risen above $50,000.00. Current price is $50,123.45.",
		OccurredAt:    time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		TriggerCount:  1,
		IsOneTime:     true,
	}
}

// stubSink records deliveries and fails for configured destinations.
type stubSink struct {
	channel rules.Channel
	delay   time.Duration
	fail    map[string]bool
	panics  bool

	mu   sync.Mutex
	sent []string
}

func (s *stubSink) Channel() rules.Channel { return s.channel }

func (s *stubSink) Send(ctx context.Context, destination string, event rules.TriggerEvent) (string, error) {
	if s.panics {
		panic("boom")
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if s.fail[destination] {
		return "", errors.New("provider rejected")
	}
	s.mu.Lock()
	s.sent = append(s.sent, destination)
	s.mu.Unlock()
	return "ref-" + destination, nil
}

func (s *stubSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}
