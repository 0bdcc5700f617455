package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type alertRow struct {
	ID               string `gorm:"primaryKey"`
	UserID           string `gorm:"not null"`
	Symbol           string `gorm:"not null"`
	AlertType        string `gorm:"not null"`
	Description      string
	IsActive         bool `gorm:"index"`
	IsRecurring      bool
	TriggerCount     int64
	TriggeredAt      *time.Time
	LastTriggerPrice *string
	CreatedAt        time.Time
	Conditions       []conditionRow    `gorm:"foreignKey:AlertID;constraint:OnDelete:CASCADE"`
	Notifications    []notificationRow `gorm:"foreignKey:AlertID;constraint:OnDelete:CASCADE"`
}

func (alertRow) TableName() string { return "alerts" }

type conditionRow struct {
	ID            uint   `gorm:"primaryKey"`
	AlertID       string `gorm:"index;not null"`
	ConditionType string `gorm:"not null"`
	TargetValue   string `gorm:"not null"`
}

func (conditionRow) TableName() string { return "alert_conditions" }

type notificationRow struct {
	ID               uint   `gorm:"primaryKey"`
	AlertID          string `gorm:"index;not null"`
	NotificationType string `gorm:"not null"`
	Destination      string `gorm:"not null"`
	IsEnabled        bool
}

func (notificationRow) TableName() string { return "alert_notifications" }

type logRow struct {
	ID                  string `gorm:"primaryKey"`
	AlertID             string `gorm:"index;not null"`
	LogType             string `gorm:"not null"`
	TriggerPrice        *string
	TriggerTimestamp    time.Time
	TriggerConditions   []byte
	MarketData          []byte
	NotificationSent    bool
	NotificationDetails []byte
	TotalSent           int
	TotalFailed         int
	CreatedAt           time.Time `gorm:"index"`
}

func (logRow) TableName() string { return "alert_logs" }

// LocalStore is an embedded SQLite RuleStore for development and single-node setups.
type LocalStore struct {
	db *gorm.DB
}

// OpenLocalStore opens (or creates) the SQLite database at path and migrates it.
func OpenLocalStore(path string) (*LocalStore, error) {
	if path == "" {
		return nil, fmt.Errorf("store.sqlite_path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if path == ":memory:" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		// every new connection would see an empty in-memory database
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(&alertRow{}, &conditionRow{}, &notificationRow{}, &logRow{}); err != nil {
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &LocalStore{db: db}, nil
}

// Close releases the database handle.
func (s *LocalStore) Close() {
	if s == nil || s.db == nil {
		return
	}
	if sqlDB, err := s.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

// Ping checks the database handle.
func (s *LocalStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *LocalStore) withChildren(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).
		Preload("Conditions", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		Preload("Notifications", func(db *gorm.DB) *gorm.DB { return db.Order("id") })
}

// FetchActive lists every active rule.
func (s *LocalStore) FetchActive(ctx context.Context) ([]ExternalRule, error) {
	var rows []alertRow
	if err := s.withChildren(ctx).Where("is_active = ?", true).Order("created_at").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("fetch active rules: %w", err)
	}

	rules := make([]ExternalRule, 0, len(rows))
	for _, row := range rows {
		rules = append(rules, row.toExternal())
	}
	return rules, nil
}

// FetchByID loads one rule regardless of its active flag.
func (s *LocalStore) FetchByID(ctx context.Context, id string) (ExternalRule, error) {
	var row alertRow
	err := s.withChildren(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ExternalRule{}, ErrNotFound
	}
	if err != nil {
		return ExternalRule{}, fmt.Errorf("fetch rule %s: %w", id, err)
	}
	return row.toExternal(), nil
}

// UpdateStatus writes trigger bookkeeping. It reports false when no row matched.
func (s *LocalStore) UpdateStatus(ctx context.Context, id string, update StatusUpdate) (bool, error) {
	price := update.LastTriggerPrice.String()
	triggeredAt := update.TriggeredAt.UTC()
	res := s.db.WithContext(ctx).Model(&alertRow{}).Where("id = ?", id).Updates(map[string]interface{}{
		"triggered_at":       &triggeredAt,
		"trigger_count":      gorm.Expr("MAX(trigger_count, ?)", update.TriggerCount),
		"last_trigger_price": &price,
		"is_active":          update.IsActive,
	})
	if res.Error != nil {
		return false, fmt.Errorf("update rule status: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// AppendLog inserts an audit row.
func (s *LocalStore) AppendLog(ctx context.Context, record TriggerLog) error {
	row := logRow{
		ID:                  record.ID,
		AlertID:             record.AlertID,
		LogType:             record.Kind,
		TriggerTimestamp:    record.Timestamp.UTC(),
		TriggerConditions:   record.Conditions,
		MarketData:          record.MarketData,
		NotificationSent:    record.NotificationSent,
		NotificationDetails: record.NotificationDetails,
		TotalSent:           record.TotalSent,
		TotalFailed:         record.TotalFailed,
	}
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if record.TriggerPrice.Valid {
		price := record.TriggerPrice.Decimal.String()
		row.TriggerPrice = &price
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("append alert log: %w", err)
	}
	return nil
}

// ListRecentLogs lists the most recent audit rows.
func (s *LocalStore) ListRecentLogs(ctx context.Context, limit int) ([]TriggerLog, error) {
	var rows []logRow
	if err := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list recent logs: %w", err)
	}

	logs := make([]TriggerLog, 0, len(rows))
	for _, row := range rows {
		rec := TriggerLog{
			ID:                  row.ID,
			AlertID:             row.AlertID,
			Kind:                row.LogType,
			Timestamp:           row.TriggerTimestamp,
			Conditions:          row.TriggerConditions,
			MarketData:          row.MarketData,
			NotificationSent:    row.NotificationSent,
			NotificationDetails: row.NotificationDetails,
			TotalSent:           row.TotalSent,
			TotalFailed:         row.TotalFailed,
			CreatedAt:           row.CreatedAt,
		}
		if row.TriggerPrice != nil {
			price, err := decimal.NewFromString(*row.TriggerPrice)
			if err != nil {
				return nil, fmt.Errorf("parse trigger price: %w", err)
			}
			rec.TriggerPrice = decimal.NewNullDecimal(price)
		}
		logs = append(logs, rec)
	}
	return logs, nil
}

// InsertRule stores a rule with its conditions and notification targets.
func (s *LocalStore) InsertRule(ctx context.Context, rule ExternalRule) error {
	row := alertRow{
		ID:           rule.ID,
		UserID:       rule.UserID,
		Symbol:       rule.Symbol,
		AlertType:    rule.AlertType,
		Description:  rule.Description,
		IsActive:     rule.IsActive,
		IsRecurring:  rule.IsRecurring,
		TriggerCount: rule.TriggerCount,
		CreatedAt:    time.Now().UTC(),
	}
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if rule.CreatedAt != "" {
		created, err := time.Parse(time.RFC3339Nano, rule.CreatedAt)
		if err != nil {
			return fmt.Errorf("parse created_at: %w", err)
		}
		row.CreatedAt = created.UTC()
	}
	for _, c := range rule.Conditions {
		row.Conditions = append(row.Conditions, conditionRow{ConditionType: c.ConditionType, TargetValue: c.TargetValue})
	}
	for _, n := range rule.Notifications {
		row.Notifications = append(row.Notifications, notificationRow{
			NotificationType: n.NotificationType,
			Destination:      n.Destination,
			IsEnabled:        n.IsEnabled,
		})
	}

	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}
	return nil
}

// SetActive flips a rule's active flag.
func (s *LocalStore) SetActive(ctx context.Context, id string, active bool) error {
	res := s.db.WithContext(ctx).Model(&alertRow{}).Where("id = ?", id).Update("is_active", active)
	if res.Error != nil {
		return fmt.Errorf("set active: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r alertRow) toExternal() ExternalRule {
	ext := ExternalRule{
		ID:           r.ID,
		UserID:       r.UserID,
		Symbol:       r.Symbol,
		AlertType:    r.AlertType,
		Description:  r.Description,
		IsActive:     r.IsActive,
		IsRecurring:  r.IsRecurring,
		TriggerCount: r.TriggerCount,
		CreatedAt:    r.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	for _, c := range r.Conditions {
		ext.Conditions = append(ext.Conditions, ConditionRecord{ConditionType: c.ConditionType, TargetValue: c.TargetValue})
	}
	for _, n := range r.Notifications {
		ext.Notifications = append(ext.Notifications, NotificationRecord{
			NotificationType: n.NotificationType,
			Destination:      n.Destination,
			IsEnabled:        n.IsEnabled,
		})
	}
	return ext
}

var (
	_ RuleStore = (*LocalStore)(nil)
	_ LogReader = (*LocalStore)(nil)
	_ Pinger    = (*LocalStore)(nil)
)
