package storage

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// ExternalRule is an alert rule as the authoritative store returns it.
// Values are kept close to the wire shape; conversion into the evaluation
// model happens in the rules package.
type ExternalRule struct {
	ID            string               `json:"id"`
	UserID        string               `json:"user_id"`
	Symbol        string               `json:"symbol"`
	AlertType     string               `json:"alert_type"`
	Description   string               `json:"description"`
	IsActive      bool                 `json:"is_active"`
	IsRecurring   bool                 `json:"is_recurring"`
	TriggerCount  int64                `json:"trigger_count"`
	CreatedAt     string               `json:"created_at"`
	Conditions    []ConditionRecord    `json:"alert_conditions"`
	Notifications []NotificationRecord `json:"alert_notifications"`
}

// ConditionRecord is one row of alert_conditions.
type ConditionRecord struct {
	ConditionType string `json:"condition_type"`
	TargetValue   string `json:"target_value"`
}

// NotificationRecord is one row of alert_notifications.
type NotificationRecord struct {
	NotificationType string `json:"notification_type"`
	Destination      string `json:"destination"`
	IsEnabled        bool   `json:"is_enabled"`
}

// StatusUpdate carries the fields written back after a rule fires.
type StatusUpdate struct {
	TriggeredAt      time.Time
	TriggerCount     int64
	LastTriggerPrice decimal.Decimal
	IsActive         bool
}

// Log kinds stored in alert_logs.log_type.
const (
	LogKindTrigger      = "trigger"
	LogKindNotification = "notification"
)

// TriggerLog is an audit row appended for every firing and every dispatch.
type TriggerLog struct {
	ID                  string
	AlertID             string
	Kind                string
	TriggerPrice        decimal.NullDecimal
	Timestamp           time.Time
	Conditions          json.RawMessage
	MarketData          json.RawMessage
	NotificationSent    bool
	NotificationDetails json.RawMessage
	TotalSent           int
	TotalFailed         int
	CreatedAt           time.Time
}
