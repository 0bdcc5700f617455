package alerting

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"cryptoalarm/internal/rules"
)

// LogSink writes notifications to the log instead of delivering them.
// It backs dry-run mode for every channel.
type LogSink struct {
	channel rules.Channel
	logger  zerolog.Logger
}

// NewLogSink returns a dry-run sink for channel.
func NewLogSink(channel rules.Channel, logger zerolog.Logger) *LogSink {
	return &LogSink{channel: channel, logger: logger.With().Str("component", "alert_dryrun").Logger()}
}

func (s *LogSink) Channel() rules.Channel { return s.channel }

func (s *LogSink) Send(_ context.Context, destination string, event rules.TriggerEvent) (string, error) {
	s.logger.Info().
		Str("channel", string(s.channel)).
		Str("destination", destination).
		Str("rule_id", event.RuleID).
		Str("message", event.Message).
		Msg("dry-run notification")
	return fmt.Sprintf("dryrun_%s_%s", s.channel, event.RuleID), nil
}

var _ Sink = (*LogSink)(nil)
