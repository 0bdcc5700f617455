package rules

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"

	"cryptoalarm/internal/storage"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type mockStore struct {
	mock.Mock
}

func (m *mockStore) FetchActive(ctx context.Context) ([]storage.ExternalRule, error) {
	args := m.Called(ctx)
	recs, _ := args.Get(0).([]storage.ExternalRule)
	return recs, args.Error(1)
}

func (m *mockStore) FetchByID(ctx context.Context, id string) (storage.ExternalRule, error) {
	args := m.Called(ctx, id)
	rec, _ := args.Get(0).(storage.ExternalRule)
	return rec, args.Error(1)
}

func (m *mockStore) UpdateStatus(ctx context.Context, id string, update storage.StatusUpdate) (bool, error) {
	args := m.Called(ctx, id, update)
	return args.Bool(0), args.Error(1)
}

func (m *mockStore) AppendLog(ctx context.Context, record storage.TriggerLog) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func extRule(id, symbol, alertType, condition, target string) storage.ExternalRule {
	return storage.ExternalRule{
		ID:          id,
		UserID:      "user-1",
		Symbol:      symbol,
		AlertType:   alertType,
		IsActive:    true,
		IsRecurring: false,
		CreatedAt:   "2025-01-02T03:04:05Z",
		Conditions: []storage.ConditionRecord{
			{ConditionType: condition, TargetValue: target},
		},
		Notifications: []storage.NotificationRecord{
			{NotificationType: "sms", Destination: "+15551234567", IsEnabled: true},
		},
	}
}

func priceRule(id, symbol string, dir Direction, target string) Rule {
	return Rule{
		ID:          id,
		OwnerID:     "user-1",
		Symbol:      symbol,
		Kind:        KindPriceTarget,
		Direction:   dir,
		TargetValue: d(target),
		Status:      StatusActive,
		IsOneTime:   true,
	}
}

func pctRule(id, symbol string, dir Direction, target string) Rule {
	r := priceRule(id, symbol, dir, target)
	r.Kind = KindPercentageChange
	return r
}
