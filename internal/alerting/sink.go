package alerting

import (
	"context"
	"errors"
	"time"

	"cryptoalarm/internal/rules"
)

var (
	// ErrDispatch marks a failed notification attempt.
	ErrDispatch = errors.New("notification dispatch failed")
	// ErrNoSink is returned when no transport serves a target's channel.
	ErrNoSink = errors.New("no sink configured for channel")
)

// Sink delivers a trigger event over one channel.
type Sink interface {
	Channel() rules.Channel
	// Send delivers event to destination and returns a provider reference
	// such as a message id.
	Send(ctx context.Context, destination string, event rules.TriggerEvent) (string, error)
}

// Outcome is the result of one notification target.
type Outcome struct {
	Channel     rules.Channel `json:"type"`
	Destination string        `json:"destination"`
	Success     bool          `json:"success"`
	Skipped     bool          `json:"skipped,omitempty"`
	Result      string        `json:"result,omitempty"`
	Error       string        `json:"error,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`

	err error
}

// Err returns the dispatch error wrapped with ErrDispatch, or nil.
func (o Outcome) Err() error {
	return o.err
}

func failed(target rules.NotificationTarget, at time.Time, err error) Outcome {
	if !errors.Is(err, ErrDispatch) {
		err = errors.Join(ErrDispatch, err)
	}
	return Outcome{
		Channel:     target.Channel,
		Destination: target.Destination,
		Error:       err.Error(),
		Timestamp:   at,
		err:         err,
	}
}

// Tally counts sent and failed outcomes. Skipped targets count as neither.
func Tally(outcomes []Outcome) (sent, failedCount int) {
	for _, o := range outcomes {
		switch {
		case o.Skipped:
		case o.Success:
			sent++
		default:
			failedCount++
		}
	}
	return sent, failedCount
}
