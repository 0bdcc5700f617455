package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"cryptoalarm/internal/rules"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// PushMessage is the payload a push gateway consumes from the topic.
type PushMessage struct {
	DeviceToken   string    `json:"device_token"`
	RuleID        string    `json:"rule_id"`
	OwnerID       string    `json:"owner_id"`
	Symbol        string    `json:"symbol"`
	Title         string    `json:"title"`
	Body          string    `json:"body"`
	ObservedPrice string    `json:"observed_price"`
	TargetValue   string    `json:"target_value"`
	ChangePct     string    `json:"change_pct,omitempty"`
	Kind          string    `json:"kind"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// PushSink publishes push notifications to a Kafka topic consumed by the
// push gateway. Messages are keyed by rule id.
type PushSink struct {
	writer messageWriter
	topic  string
	logger zerolog.Logger
}

// NewPushSink creates a synchronous kafka writer for topic.
func NewPushSink(brokers []string, topic string, logger zerolog.Logger) (*PushSink, error) {
	if len(brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  3,
		Async:        false,
	}
	return newPushSink(writer, topic, logger), nil
}

func newPushSink(w messageWriter, topic string, logger zerolog.Logger) *PushSink {
	return &PushSink{writer: w, topic: topic, logger: logger.With().Str("component", "alert_push").Logger()}
}

func (s *PushSink) Channel() rules.Channel { return rules.ChannelPush }

func (s *PushSink) Send(ctx context.Context, destination string, event rules.TriggerEvent) (string, error) {
	payload := PushMessage{
		DeviceToken:   destination,
		RuleID:        event.RuleID,
		OwnerID:       event.OwnerID,
		Symbol:        event.Symbol,
		Title:         "CryptoAlarm",
		Body:          event.Message,
		ObservedPrice: event.ObservedPrice.String(),
		TargetValue:   event.TargetValue.String(),
		Kind:          string(event.Kind),
		OccurredAt:    event.OccurredAt,
	}
	if event.ChangePct.Valid {
		payload.ChangePct = event.ChangePct.Decimal.StringFixed(2)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal push payload: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(event.RuleID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "owner_id", Value: []byte(event.OwnerID)},
			{Key: "symbol", Value: []byte(event.Symbol)},
		},
		Time: event.OccurredAt,
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return "", fmt.Errorf("publish push notification: %w", err)
	}
	s.logger.Debug().Str("rule_id", event.RuleID).Str("topic", s.topic).Msg("push notification published")
	return fmt.Sprintf("%s/%s", s.topic, event.RuleID), nil
}

// Close flushes and closes the kafka writer.
func (s *PushSink) Close() error {
	return s.writer.Close()
}

var _ Sink = (*PushSink)(nil)
