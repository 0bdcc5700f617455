package rules

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"cryptoalarm/internal/storage"
)

var alertTypeKinds = map[string]Kind{
	"price":               KindPriceTarget,
	"percent_change":      KindPercentageChange,
	"percentage":          KindPercentageChange,
	"volume":              KindVolume,
	"technical_indicator": KindTechnicalIndicator,
}

var conditionDirections = map[string]Direction{
	"price_above":         DirectionAbove,
	"price_below":         DirectionBelow,
	"price_between":       DirectionBoth,
	"percentage_increase": DirectionAbove,
	"percentage_decrease": DirectionBelow,
	"percentage_change":   DirectionBoth,
}

var createdAtLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
}

// FromExternal converts a store record into a Rule. Targets that fail
// validation are dropped and returned in rejected; a malformed record
// yields a *ConversionError.
func FromExternal(rec storage.ExternalRule) (rule Rule, rejected []error, err error) {
	fail := func(field string, cause error) (Rule, []error, error) {
		return Rule{}, nil, &ConversionError{RuleID: rec.ID, Field: field, Err: cause}
	}

	if strings.TrimSpace(rec.ID) == "" {
		return fail("id", errors.New("missing"))
	}
	if strings.TrimSpace(rec.UserID) == "" {
		return fail("user_id", errors.New("missing"))
	}
	symbol := normalizeSymbol(rec.Symbol)
	if symbol == "" {
		return fail("symbol", errors.New("missing"))
	}
	createdAt, err := parseCreatedAt(rec.CreatedAt)
	if err != nil {
		return fail("created_at", err)
	}
	if len(rec.Conditions) == 0 {
		return fail("alert_conditions", errors.New("no condition"))
	}
	cond := rec.Conditions[0]
	target, err := decimal.NewFromString(strings.TrimSpace(cond.TargetValue))
	if err != nil {
		return fail("target_value", err)
	}

	kind, ok := alertTypeKinds[strings.ToLower(rec.AlertType)]
	if !ok {
		kind = KindPriceTarget
	}
	direction, ok := conditionDirections[strings.ToLower(cond.ConditionType)]
	if !ok {
		direction = DirectionAbove
	}

	targets := make([]NotificationTarget, 0, len(rec.Notifications))
	for _, n := range rec.Notifications {
		t, terr := NewTarget(n.NotificationType, n.Destination, n.IsEnabled)
		if terr != nil {
			rejected = append(rejected, fmt.Errorf("rule %s: %w", rec.ID, terr))
			continue
		}
		targets = append(targets, t)
	}

	status := StatusActive
	if !rec.IsActive {
		status = StatusPaused
	}

	return Rule{
		ID:           rec.ID,
		OwnerID:      rec.UserID,
		Symbol:       symbol,
		Kind:         kind,
		Direction:    direction,
		TargetValue:  target,
		Status:       status,
		Message:      rec.Description,
		CreatedAt:    createdAt,
		TriggerCount: rec.TriggerCount,
		IsOneTime:    !rec.IsRecurring,
		Targets:      targets,
		Origin:       OriginStore,
	}, rejected, nil
}

func parseCreatedAt(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, errors.New("missing")
	}
	for _, layout := range createdAtLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", raw)
}
