// Package rules holds the alert rule model, the condition evaluator and the
// in-memory registry that is reconciled against the rule store.
package rules

import (
	"fmt"
	"net/mail"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
)

// Kind selects how TargetValue is interpreted.
type Kind string

const (
	KindPriceTarget        Kind = "price_target"
	KindPercentageChange   Kind = "percentage_change"
	KindVolume             Kind = "volume"
	KindTechnicalIndicator Kind = "technical_indicator"
)

// ParseKind validates a kind string.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindPriceTarget, KindPercentageChange, KindVolume, KindTechnicalIndicator:
		return k, nil
	}
	return "", fmt.Errorf("unknown rule kind %q", s)
}

// Direction of the condition.
type Direction string

const (
	DirectionAbove Direction = "above"
	DirectionBelow Direction = "below"
	DirectionBoth  Direction = "both"
)

// ParseDirection validates a direction string.
func ParseDirection(s string) (Direction, error) {
	switch d := Direction(strings.ToLower(strings.TrimSpace(s))); d {
	case DirectionAbove, DirectionBelow, DirectionBoth:
		return d, nil
	}
	return "", fmt.Errorf("unknown direction %q", s)
}

// Status is the rule lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusTriggered Status = "triggered"
	StatusPaused    Status = "paused"
	StatusDeleted   Status = "deleted"
)

// ParseStatus validates a status string.
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusActive, StatusTriggered, StatusPaused, StatusDeleted:
		return st, nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

var transitions = map[Status][]Status{
	StatusActive:    {StatusTriggered, StatusPaused, StatusDeleted},
	StatusPaused:    {StatusActive, StatusDeleted},
	StatusTriggered: {StatusDeleted},
}

// CanTransition reports whether from -> to is allowed. Setting the current
// status again is a no-op and always allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Origin records where a rule came from; only store rules are evicted by reconciliation.
type Origin string

const (
	OriginLocal Origin = "local"
	OriginStore Origin = "store"
)

// Channel is the closed set of notification transports.
type Channel string

const (
	ChannelVoice Channel = "voice"
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
	ChannelPush  Channel = "push"
)

// ParseChannel rejects anything outside the closed channel set.
func ParseChannel(s string) (Channel, error) {
	switch c := Channel(strings.ToLower(strings.TrimSpace(s))); c {
	case ChannelVoice, ChannelSMS, ChannelEmail, ChannelPush:
		return c, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownChannel, s)
}

// NotificationTarget is one configured destination of a rule.
type NotificationTarget struct {
	Channel     Channel `json:"type"`
	Destination string  `json:"destination"`
	Enabled     bool    `json:"enabled"`
}

// NewTarget parses and validates a notification target.
func NewTarget(channel, destination string, enabled bool) (NotificationTarget, error) {
	c, err := ParseChannel(channel)
	if err != nil {
		return NotificationTarget{}, err
	}
	t := NotificationTarget{Channel: c, Destination: strings.TrimSpace(destination), Enabled: enabled}
	if err := t.Validate(); err != nil {
		return NotificationTarget{}, err
	}
	return t, nil
}

// Validate checks the destination shape for the channel.
func (t NotificationTarget) Validate() error {
	switch t.Channel {
	case ChannelVoice, ChannelSMS:
		digits := 0
		for _, r := range t.Destination {
			if unicode.IsDigit(r) {
				digits++
			}
		}
		if digits < 10 {
			return fmt.Errorf("%w: %s destination %q is not a phone number", ErrInvalidDestination, t.Channel, t.Destination)
		}
	case ChannelEmail:
		addr, err := mail.ParseAddress(t.Destination)
		if err != nil || addr.Address != t.Destination {
			return fmt.Errorf("%w: %q is not an email address", ErrInvalidDestination, t.Destination)
		}
	case ChannelPush:
		if t.Destination == "" {
			return fmt.Errorf("%w: push device token is empty", ErrInvalidDestination)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownChannel, t.Channel)
	}
	return nil
}

// Rule is a user-defined alert condition bound to one symbol.
type Rule struct {
	ID            string
	OwnerID       string
	Symbol        string
	Kind          Kind
	Direction     Direction
	TargetValue   decimal.Decimal
	BaselinePrice decimal.NullDecimal
	Status        Status
	Message       string
	CreatedAt     time.Time
	TriggeredAt   *time.Time
	LastPrice     decimal.NullDecimal
	LastChecked   time.Time
	TriggerCount  int64
	IsOneTime     bool
	Targets       []NotificationTarget
	Origin        Origin
}

// Armed reports whether a percentage-change rule has its baseline.
func (r Rule) Armed() bool {
	return r.BaselinePrice.Valid
}

// Clone returns a deep copy safe to hand out of the registry.
func (r Rule) Clone() Rule {
	out := r
	if r.TriggeredAt != nil {
		t := *r.TriggeredAt
		out.TriggeredAt = &t
	}
	if r.Targets != nil {
		out.Targets = make([]NotificationTarget, len(r.Targets))
		copy(out.Targets, r.Targets)
	}
	return out
}

// Validate checks a rule before it enters the registry.
func (r Rule) Validate() error {
	if strings.TrimSpace(r.Symbol) == "" {
		return fmt.Errorf("rule symbol is required")
	}
	if _, err := ParseKind(string(r.Kind)); err != nil {
		return err
	}
	if _, err := ParseDirection(string(r.Direction)); err != nil {
		return err
	}
	if r.TargetValue.Sign() <= 0 {
		return fmt.Errorf("target value must be greater than zero")
	}
	for _, t := range r.Targets {
		if err := t.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// TriggerEvent is the immutable record of a rule firing.
type TriggerEvent struct {
	RuleID        string
	OwnerID       string
	Symbol        string
	ObservedPrice decimal.Decimal
	TargetValue   decimal.Decimal
	BaselinePrice decimal.NullDecimal
	ChangePct     decimal.NullDecimal
	Kind          Kind
	Direction     Direction
	Message       string
	OccurredAt    time.Time
	TriggerCount  int64
	IsOneTime     bool
	Targets       []NotificationTarget
}

func normalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
