package rules

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptoalarm/internal/storage"
)

func TestFromExternal(t *testing.T) {
	rec := extRule("a1", "btc", "percent_change", "percentage_decrease", "7.5")
	rec.IsRecurring = true
	rec.TriggerCount = 3
	rec.Description = "custom text"

	rule, rejected, err := FromExternal(rec)
	require.NoError(t, err)
	assert.Empty(t, rejected)
	assert.Equal(t, "a1", rule.ID)
	assert.Equal(t, "user-1", rule.OwnerID)
	assert.Equal(t, "BTC", rule.Symbol)
	assert.Equal(t, KindPercentageChange, rule.Kind)
	assert.Equal(t, DirectionBelow, rule.Direction)
	assert.True(t, rule.TargetValue.Equal(d("7.5")))
	assert.Equal(t, StatusActive, rule.Status)
	assert.Equal(t, "custom text", rule.Message)
	assert.Equal(t, int64(3), rule.TriggerCount)
	assert.False(t, rule.IsOneTime)
	assert.False(t, rule.Armed())
	assert.Equal(t, OriginStore, rule.Origin)
	assert.Equal(t, 2025, rule.CreatedAt.Year())
	require.Len(t, rule.Targets, 1)
	assert.Equal(t, ChannelSMS, rule.Targets[0].Channel)
}

func TestFromExternalMappings(t *testing.T) {
	tests := []struct {
		alertType string
		condition string
		kind      Kind
		dir       Direction
	}{
		{"price", "price_above", KindPriceTarget, DirectionAbove},
		{"price", "price_below", KindPriceTarget, DirectionBelow},
		{"price", "price_between", KindPriceTarget, DirectionBoth},
		{"percentage", "percentage_increase", KindPercentageChange, DirectionAbove},
		{"percent_change", "percentage_change", KindPercentageChange, DirectionBoth},
		{"volume", "price_above", KindVolume, DirectionAbove},
		{"technical_indicator", "price_above", KindTechnicalIndicator, DirectionAbove},
		{"mystery", "mystery", KindPriceTarget, DirectionAbove},
	}
	for _, tt := range tests {
		t.Run(tt.alertType+"/"+tt.condition, func(t *testing.T) {
			rule, _, err := FromExternal(extRule("a1", "ETH", tt.alertType, tt.condition, "10"))
			require.NoError(t, err)
			assert.Equal(t, tt.kind, rule.Kind)
			assert.Equal(t, tt.dir, rule.Direction)
		})
	}
}

func TestFromExternalErrors(t *testing.T) {
	tests := []struct {
		name  string
		field string
		edit  func(*storage.ExternalRule)
	}{
		{"missing id", "id", func(r *storage.ExternalRule) { r.ID = "" }},
		{"missing user", "user_id", func(r *storage.ExternalRule) { r.UserID = " " }},
		{"missing symbol", "symbol", func(r *storage.ExternalRule) { r.Symbol = "" }},
		{"bad timestamp", "created_at", func(r *storage.ExternalRule) { r.CreatedAt = "yesterday" }},
		{"no conditions", "alert_conditions", func(r *storage.ExternalRule) { r.Conditions = nil }},
		{"bad target", "target_value", func(r *storage.ExternalRule) { r.Conditions[0].TargetValue = "abc" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := extRule("a1", "BTC", "price", "price_above", "100")
			tt.edit(&rec)
			_, _, err := FromExternal(rec)
			var convErr *ConversionError
			require.True(t, errors.As(err, &convErr), "got %v", err)
			assert.Equal(t, tt.field, convErr.Field)
		})
	}
}

func TestFromExternalRejectsUnknownChannel(t *testing.T) {
	rec := extRule("a1", "BTC", "price", "price_above", "100")
	rec.Notifications = append(rec.Notifications,
		storage.NotificationRecord{NotificationType: "pigeon", Destination: "roof", IsEnabled: true},
		storage.NotificationRecord{NotificationType: "email", Destination: "not-an-address", IsEnabled: true},
		storage.NotificationRecord{NotificationType: "voice", Destination: "(555) 123-4567", IsEnabled: false},
	)

	rule, rejected, err := FromExternal(rec)
	require.NoError(t, err)
	require.Len(t, rejected, 2)
	assert.ErrorIs(t, rejected[0], ErrUnknownChannel)
	assert.ErrorIs(t, rejected[1], ErrInvalidDestination)
	require.Len(t, rule.Targets, 2)
	assert.Equal(t, ChannelVoice, rule.Targets[1].Channel)
	assert.False(t, rule.Targets[1].Enabled)
}

func TestFromExternalInactiveIsPaused(t *testing.T) {
	rec := extRule("a1", "BTC", "price", "price_above", "100")
	rec.IsActive = false
	rule, _, err := FromExternal(rec)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, rule.Status)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusActive, StatusPaused))
	assert.True(t, CanTransition(StatusPaused, StatusActive))
	assert.True(t, CanTransition(StatusActive, StatusTriggered))
	assert.True(t, CanTransition(StatusTriggered, StatusDeleted))
	assert.True(t, CanTransition(StatusDeleted, StatusDeleted))
	assert.False(t, CanTransition(StatusTriggered, StatusActive))
	assert.False(t, CanTransition(StatusDeleted, StatusActive))
	assert.False(t, CanTransition(StatusPaused, StatusTriggered))
}
