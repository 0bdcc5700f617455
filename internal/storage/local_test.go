package storage

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *LocalStore {
	t.Helper()
	store, err := OpenLocalStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

func sampleRule(id string, active bool) ExternalRule {
	return ExternalRule{
		ID:          id,
		UserID:      "user-1",
		Symbol:      "SOL",
		AlertType:   "price",
		Description: "",
		IsActive:    active,
		IsRecurring: false,
		CreatedAt:   "2024-05-01T10:00:00Z",
		Conditions:  []ConditionRecord{{ConditionType: "price_above", TargetValue: "150.5"}},
		Notifications: []NotificationRecord{
			{NotificationType: "sms", Destination: "5551234567", IsEnabled: true},
			{NotificationType: "email", Destination: "a@b.io", IsEnabled: false},
		},
	}
}

func TestLocalStoreFetchActive(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	require.NoError(t, store.InsertRule(ctx, sampleRule("r1", true)))
	require.NoError(t, store.InsertRule(ctx, sampleRule("r2", false)))

	rules, err := store.FetchActive(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 1)

	got := rules[0]
	assert.Equal(t, "r1", got.ID)
	assert.Equal(t, "SOL", got.Symbol)
	assert.False(t, got.IsRecurring)
	require.Len(t, got.Conditions, 1)
	assert.Equal(t, "150.5", got.Conditions[0].TargetValue)
	require.Len(t, got.Notifications, 2)
	assert.Equal(t, "sms", got.Notifications[0].NotificationType)
	assert.False(t, got.Notifications[1].IsEnabled)

	created, err := time.Parse(time.RFC3339Nano, got.CreatedAt)
	require.NoError(t, err)
	assert.Equal(t, 2024, created.Year())
}

func TestLocalStoreFetchByID(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	require.NoError(t, store.InsertRule(ctx, sampleRule("r2", false)))

	got, err := store.FetchByID(ctx, "r2")
	require.NoError(t, err)
	assert.False(t, got.IsActive)

	_, err = store.FetchByID(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalStoreUpdateStatusKeepsLargerCount(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	rule := sampleRule("r1", true)
	rule.TriggerCount = 5
	require.NoError(t, store.InsertRule(ctx, rule))

	ok, err := store.UpdateStatus(ctx, "r1", StatusUpdate{
		TriggeredAt:      time.Now(),
		TriggerCount:     2,
		LastTriggerPrice: decimal.RequireFromString("151"),
		IsActive:         false,
	})
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := store.FetchByID(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	assert.EqualValues(t, 5, got.TriggerCount)

	ok, err = store.UpdateStatus(ctx, "missing", StatusUpdate{TriggeredAt: time.Now()})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLocalStoreAppendAndListLogs(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	conditions, _ := json.Marshal(map[string]string{"symbol": "SOL"})
	require.NoError(t, store.AppendLog(ctx, TriggerLog{
		AlertID:      "r1",
		Kind:         LogKindTrigger,
		TriggerPrice: decimal.NewNullDecimal(decimal.RequireFromString("101.25")),
		Timestamp:    time.Now(),
		Conditions:   conditions,
	}))
	require.NoError(t, store.AppendLog(ctx, TriggerLog{
		AlertID:     "r1",
		Kind:        LogKindNotification,
		Timestamp:   time.Now(),
		TotalSent:   1,
		TotalFailed: 1,
	}))

	logs, err := store.ListRecentLogs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)

	var trigger TriggerLog
	for _, l := range logs {
		assert.NotEmpty(t, l.ID)
		if l.Kind == LogKindTrigger {
			trigger = l
		}
	}
	require.True(t, trigger.TriggerPrice.Valid)
	assert.True(t, trigger.TriggerPrice.Decimal.Equal(decimal.RequireFromString("101.25")))
	assert.JSONEq(t, `{"symbol":"SOL"}`, string(trigger.Conditions))
}

func TestLocalStoreSetActive(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	require.NoError(t, store.InsertRule(ctx, sampleRule("r1", true)))

	require.NoError(t, store.SetActive(ctx, "r1", false))
	rules, err := store.FetchActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, rules)

	assert.ErrorIs(t, store.SetActive(ctx, "missing", true), ErrNotFound)
}
