package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"wisefido-hospitalization/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// DefaultListLimit ListRecent 默认返回条数
	DefaultListLimit = 50
	// MaxListLimit ListRecent 最大返回条数
	MaxListLimit = 500
)

// EventJournal 实时事件处理日志
type EventJournal interface {
	RecordEvent(ctx context.Context, ev models.AttentionEvent, outcome models.Outcome, handleErr error) error
	ListRecent(ctx context.Context, limit int) ([]models.EventRecord, error)
}

// PostgresEventJournal 基于 PostgreSQL 的事件日志
type PostgresEventJournal struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewPostgresEventJournal 创建事件日志仓库
func NewPostgresEventJournal(db *sql.DB, logger *zap.Logger) *PostgresEventJournal {
	return &PostgresEventJournal{
		db:     db,
		logger: logger,
		now:    time.Now,
	}
}

// EnsureSchema 建表（已存在时跳过）
func (r *PostgresEventJournal) EnsureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS hospitalization_events (
			event_id     UUID PRIMARY KEY,
			event_kind   VARCHAR(16) NOT NULL,
			bed_id       VARCHAR(64),
			attention_id VARCHAR(64),
			outcome      VARCHAR(16) NOT NULL,
			error        TEXT,
			received_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`
	if _, err := r.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create hospitalization_events table: %w", err)
	}
	return nil
}

// RecordEvent 写入一条事件处理记录
func (r *PostgresEventJournal) RecordEvent(ctx context.Context, ev models.AttentionEvent, outcome models.Outcome, handleErr error) error {
	eventID := uuid.New().String()

	var errText sql.NullString
	if handleErr != nil {
		errText = sql.NullString{String: handleErr.Error(), Valid: true}
	}

	query := `
		INSERT INTO hospitalization_events (
			event_id, event_kind, bed_id, attention_id, outcome, error, received_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.ExecContext(ctx, query,
		eventID,
		string(ev.Kind),
		nullString(ev.Data.IDBeds.String()),
		nullString(ev.Data.ID.String()),
		string(outcome),
		errText,
		r.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert hospitalization event: %w", err)
	}

	r.logger.Debug("Recorded hospitalization event",
		zap.String("event_id", eventID),
		zap.String("kind", string(ev.Kind)),
		zap.String("outcome", string(outcome)),
	)
	return nil
}

// ListRecent 按接收时间倒序返回最近的事件记录
func (r *PostgresEventJournal) ListRecent(ctx context.Context, limit int) ([]models.EventRecord, error) {
	limit = clampLimit(limit)

	query := `
		SELECT
			event_id,
			event_kind,
			bed_id,
			attention_id,
			outcome,
			error,
			received_at
		FROM hospitalization_events
		ORDER BY received_at DESC
		LIMIT $1
	`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query hospitalization events: %w", err)
	}
	defer rows.Close()

	records := make([]models.EventRecord, 0, limit)
	for rows.Next() {
		var (
			rec                     models.EventRecord
			kind, outcome           string
			bedID, attentionID, msg sql.NullString
		)
		if err := rows.Scan(&rec.EventID, &kind, &bedID, &attentionID, &outcome, &msg, &rec.ReceivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan hospitalization event: %w", err)
		}
		rec.EventKind = models.EventKind(kind)
		rec.Outcome = models.Outcome(outcome)
		rec.BedID = bedID.String
		rec.AttentionID = attentionID.String
		rec.Error = msg.String
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate hospitalization events: %w", err)
	}
	return records, nil
}

// NoopJournal 未启用数据库时使用
type NoopJournal struct{}

func (NoopJournal) RecordEvent(ctx context.Context, ev models.AttentionEvent, outcome models.Outcome, handleErr error) error {
	return nil
}

func (NoopJournal) ListRecent(ctx context.Context, limit int) ([]models.EventRecord, error) {
	return []models.EventRecord{}, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
