package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"cryptoalarm/internal/metrics"
)

const (
	ruleColumnsSQL = `SELECT
        a.id,
        a.user_id,
        a.symbol,
        a.alert_type,
        COALESCE(a.description, ''),
        a.is_active,
        a.is_recurring,
        a.trigger_count,
        to_json(a.created_at) #>> '{}',
        COALESCE((
            SELECT json_agg(json_build_object(
                'condition_type', c.condition_type,
                'target_value',   c.target_value::text
            ) ORDER BY c.id)
            FROM alert_conditions c
            WHERE c.alert_id = a.id
        ), '[]'::json),
        COALESCE((
            SELECT json_agg(json_build_object(
                'notification_type', n.notification_type,
                'destination',       n.destination,
                'is_enabled',        n.is_enabled
            ) ORDER BY n.id)
            FROM alert_notifications n
            WHERE n.alert_id = a.id
        ), '[]'::json)
    FROM alerts a`

	fetchActiveSQL = ruleColumnsSQL + `
    WHERE a.is_active
    ORDER BY a.created_at;`

	fetchByIDSQL = ruleColumnsSQL + `
    WHERE a.id = $1;`

	updateStatusSQL = `UPDATE alerts
    SET triggered_at       = $2,
        trigger_count      = GREATEST(trigger_count, $3),
        last_trigger_price = $4,
        is_active          = $5
    WHERE id = $1;`

	appendLogSQL = `INSERT INTO alert_logs (
        id,
        alert_id,
        log_type,
        trigger_price,
        trigger_timestamp,
        trigger_conditions,
        market_data,
        notification_sent,
        notification_details,
        total_sent,
        total_failed
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
    );`

	listRecentLogsSQL = `SELECT
        id,
        alert_id,
        log_type,
        trigger_price::text,
        trigger_timestamp,
        trigger_conditions,
        market_data,
        notification_sent,
        notification_details,
        total_sent,
        total_failed,
        created_at
    FROM alert_logs
    ORDER BY created_at DESC
    LIMIT $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// SchemaSQL creates the tables the service reads and writes.
const SchemaSQL = `CREATE TABLE IF NOT EXISTS alerts (
    id                 TEXT PRIMARY KEY,
    user_id            TEXT        NOT NULL,
    symbol             TEXT        NOT NULL,
    alert_type         TEXT        NOT NULL,
    description        TEXT,
    is_active          BOOLEAN     NOT NULL DEFAULT TRUE,
    is_recurring       BOOLEAN     NOT NULL DEFAULT TRUE,
    trigger_count      BIGINT      NOT NULL DEFAULT 0,
    triggered_at       TIMESTAMPTZ,
    last_trigger_price NUMERIC,
    created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS alert_conditions (
    id             BIGSERIAL PRIMARY KEY,
    alert_id       TEXT    NOT NULL REFERENCES alerts(id) ON DELETE CASCADE,
    condition_type TEXT    NOT NULL,
    target_value   NUMERIC NOT NULL
);
CREATE TABLE IF NOT EXISTS alert_notifications (
    id                BIGSERIAL PRIMARY KEY,
    alert_id          TEXT    NOT NULL REFERENCES alerts(id) ON DELETE CASCADE,
    notification_type TEXT    NOT NULL,
    destination       TEXT    NOT NULL,
    is_enabled        BOOLEAN NOT NULL DEFAULT TRUE
);
CREATE TABLE IF NOT EXISTS alert_logs (
    id                   TEXT PRIMARY KEY,
    alert_id             TEXT        NOT NULL,
    log_type             TEXT        NOT NULL,
    trigger_price        NUMERIC,
    trigger_timestamp    TIMESTAMPTZ NOT NULL,
    trigger_conditions   JSONB,
    market_data          JSONB,
    notification_sent    BOOLEAN     NOT NULL DEFAULT FALSE,
    notification_details JSONB,
    total_sent           INT         NOT NULL DEFAULT 0,
    total_failed         INT         NOT NULL DEFAULT 0,
    created_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS alerts_active_idx ON alerts (is_active);
CREATE INDEX IF NOT EXISTS alert_logs_created_idx ON alert_logs (created_at DESC);`

// PostgresStore implements RuleStore on top of a pgx pool.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewPostgresStore wires a pgx pool into a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, logger zerolog.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger.With().Str("component", "postgres_store").Logger()}
}

// Close releases the underlying pool resources.
func (s *PostgresStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *PostgresStore) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// Migrate applies SchemaSQL.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, SchemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	return pool.Ping(ctx)
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *PostgresStore) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// best effort; the session ending releases the lock anyway
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// FetchActive lists every active rule with its conditions and notification targets.
func (s *PostgresStore) FetchActive(ctx context.Context) ([]ExternalRule, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, fetchActiveSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("fetch active rules: %w", queryErr)
	}
	defer rows.Close()

	return s.collectRules(rows)
}

// collectRules decodes every row. A row whose payload cannot be decoded is
// logged and skipped; a scan or transport failure aborts the whole read.
func (s *PostgresStore) collectRules(rows pgx.Rows) ([]ExternalRule, error) {
	rules := make([]ExternalRule, 0)
	for rows.Next() {
		row, scanErr := scanRuleRow(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan rule row: %w", scanErr)
		}
		rule, decodeErr := row.decode()
		if decodeErr != nil {
			metrics.ConversionFailures.Inc()
			s.logger.Warn().Err(decodeErr).Str("rule_id", row.id).Msg("skip malformed rule row")
			continue
		}
		rules = append(rules, rule)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return rules, nil
}

// FetchByID loads one rule regardless of its active flag.
func (s *PostgresStore) FetchByID(ctx context.Context, id string) (ExternalRule, error) {
	pool, err := s.getPool()
	if err != nil {
		return ExternalRule{}, err
	}

	rows, queryErr := pool.Query(ctx, fetchByIDSQL, id)
	if queryErr != nil {
		return ExternalRule{}, fmt.Errorf("fetch rule %s: %w", id, queryErr)
	}
	defer rows.Close()

	if !rows.Next() {
		if rows.Err() != nil {
			return ExternalRule{}, rows.Err()
		}
		return ExternalRule{}, ErrNotFound
	}
	row, err := scanRuleRow(rows)
	if err != nil {
		return ExternalRule{}, fmt.Errorf("scan rule %s: %w", id, err)
	}
	return row.decode()
}

// UpdateStatus writes trigger bookkeeping. It reports false when no row matched.
func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, update StatusUpdate) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}

	cmdTag, execErr := pool.Exec(ctx, updateStatusSQL,
		id,
		update.TriggeredAt,
		update.TriggerCount,
		update.LastTriggerPrice.String(),
		update.IsActive,
	)
	if execErr != nil {
		return false, fmt.Errorf("update rule status: %w", execErr)
	}
	return cmdTag.RowsAffected() > 0, nil
}

// AppendLog inserts an audit row.
func (s *PostgresStore) AppendLog(ctx context.Context, record TriggerLog) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	if record.ID == "" {
		record.ID = uuid.NewString()
	}

	var price interface{}
	if record.TriggerPrice.Valid {
		price = record.TriggerPrice.Decimal.String()
	}

	_, execErr := pool.Exec(ctx, appendLogSQL,
		record.ID,
		record.AlertID,
		record.Kind,
		price,
		record.Timestamp,
		jsonOrNil(record.Conditions),
		jsonOrNil(record.MarketData),
		record.NotificationSent,
		jsonOrNil(record.NotificationDetails),
		record.TotalSent,
		record.TotalFailed,
	)
	if execErr != nil {
		return fmt.Errorf("append alert log: %w", execErr)
	}
	return nil
}

// ListRecentLogs lists the most recent audit rows.
func (s *PostgresStore) ListRecentLogs(ctx context.Context, limit int) ([]TriggerLog, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentLogsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent logs: %w", queryErr)
	}
	defer rows.Close()

	logs := make([]TriggerLog, 0, limit)
	for rows.Next() {
		var (
			rec      TriggerLog
			priceStr *string
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.AlertID,
			&rec.Kind,
			&priceStr,
			&rec.Timestamp,
			&rec.Conditions,
			&rec.MarketData,
			&rec.NotificationSent,
			&rec.NotificationDetails,
			&rec.TotalSent,
			&rec.TotalFailed,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		if priceStr != nil {
			price, convErr := decimal.NewFromString(*priceStr)
			if convErr != nil {
				return nil, fmt.Errorf("parse trigger price: %w", convErr)
			}
			rec.TriggerPrice = decimal.NewNullDecimal(price)
		}
		logs = append(logs, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return logs, nil
}

// ruleRow is one rule row as scanned. Nullable columns stay pointers so a
// NULL never fails the scan.
type ruleRow struct {
	id            string
	userID        *string
	symbol        *string
	alertType     *string
	description   *string
	isActive      *bool
	isRecurring   *bool
	triggerCount  *int64
	createdAt     *string
	conditions    []byte
	notifications []byte
}

func scanRuleRow(rows pgx.Row) (ruleRow, error) {
	var row ruleRow
	err := rows.Scan(
		&row.id,
		&row.userID,
		&row.symbol,
		&row.alertType,
		&row.description,
		&row.isActive,
		&row.isRecurring,
		&row.triggerCount,
		&row.createdAt,
		&row.conditions,
		&row.notifications,
	)
	return row, err
}

// decode maps NULL columns to zero values and parses the JSON aggregates.
func (r ruleRow) decode() (ExternalRule, error) {
	rule := ExternalRule{
		ID:           r.id,
		UserID:       lo.FromPtr(r.userID),
		Symbol:       lo.FromPtr(r.symbol),
		AlertType:    lo.FromPtr(r.alertType),
		Description:  lo.FromPtr(r.description),
		IsActive:     lo.FromPtr(r.isActive),
		IsRecurring:  lo.FromPtr(r.isRecurring),
		TriggerCount: lo.FromPtr(r.triggerCount),
		CreatedAt:    lo.FromPtr(r.createdAt),
	}
	if len(r.conditions) > 0 {
		if err := json.Unmarshal(r.conditions, &rule.Conditions); err != nil {
			return ExternalRule{}, fmt.Errorf("decode conditions of %s: %w", r.id, err)
		}
	}
	if len(r.notifications) > 0 {
		if err := json.Unmarshal(r.notifications, &rule.Notifications); err != nil {
			return ExternalRule{}, fmt.Errorf("decode notifications of %s: %w", r.id, err)
		}
	}
	return rule, nil
}

func jsonOrNil(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

var (
	_ RuleStore      = (*PostgresStore)(nil)
	_ LogReader      = (*PostgresStore)(nil)
	_ Pinger         = (*PostgresStore)(nil)
	_ AdvisoryLocker = (*PostgresStore)(nil)
)
