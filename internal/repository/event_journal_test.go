package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"wisefido-hospitalization/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupMockJournal(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *PostgresEventJournal) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	repo := NewPostgresEventJournal(db, zap.NewNop())
	return db, mock, repo
}

// uuidArg 匹配合法 UUID 参数
type uuidArg struct{}

var _ sqlmock.Argument = uuidArg{}

func (uuidArg) Match(v driver.Value) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}

func TestRecordEvent_Success(t *testing.T) {
	db, mock, repo := setupMockJournal(t)
	defer db.Close()

	receivedAt := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return receivedAt }

	ev := models.AttentionEvent{
		Kind: models.EventUpdated,
		Data: models.Attention{ID: "A9", IDBeds: "B8"},
	}

	mock.ExpectExec(`INSERT INTO hospitalization_events`).
		WithArgs(uuidArg{}, "updated",
			sql.NullString{String: "B8", Valid: true},
			sql.NullString{String: "A9", Valid: true},
			"patched",
			sql.NullString{},
			receivedAt,
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.RecordEvent(context.Background(), ev, models.OutcomePatched, nil)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordEvent_WithHandlerErrorAndEmptyIDs(t *testing.T) {
	db, mock, repo := setupMockJournal(t)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO hospitalization_events`).
		WithArgs(uuidArg{}, "created",
			sql.NullString{},
			sql.NullString{},
			"failed",
			sql.NullString{String: "backend down", Valid: true},
			sqlmock.AnyArg(),
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ev := models.AttentionEvent{Kind: models.EventCreated}
	err := repo.RecordEvent(context.Background(), ev, models.OutcomeFailed, errors.New("backend down"))
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordEvent_DatabaseError(t *testing.T) {
	db, mock, repo := setupMockJournal(t)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO hospitalization_events`).
		WillReturnError(errors.New("connection refused"))

	err := repo.RecordEvent(context.Background(), models.AttentionEvent{Kind: models.EventDeleted}, models.OutcomeRefetched, nil)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListRecent_Success(t *testing.T) {
	db, mock, repo := setupMockJournal(t)
	defer db.Close()

	id1 := uuid.New().String()
	id2 := uuid.New().String()
	t1 := time.Now().UTC()
	t2 := t1.Add(-time.Minute)

	rows := sqlmock.NewRows([]string{
		"event_id", "event_kind", "bed_id", "attention_id", "outcome", "error", "received_at",
	}).
		AddRow(id1, "updated", "B8", "A9", "patched", nil, t1).
		AddRow(id2, "created", nil, nil, "failed", "backend down", t2)

	mock.ExpectQuery(`SELECT`).
		WithArgs(10).
		WillReturnRows(rows)

	records, err := repo.ListRecent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, id1, records[0].EventID)
	assert.Equal(t, models.EventUpdated, records[0].EventKind)
	assert.Equal(t, "B8", records[0].BedID)
	assert.Equal(t, models.OutcomePatched, records[0].Outcome)
	assert.Empty(t, records[0].Error)

	assert.Equal(t, models.OutcomeFailed, records[1].Outcome)
	assert.Empty(t, records[1].BedID)
	assert.Equal(t, "backend down", records[1].Error)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListRecent_ClampsLimit(t *testing.T) {
	db, mock, repo := setupMockJournal(t)
	defer db.Close()

	columns := []string{"event_id", "event_kind", "bed_id", "attention_id", "outcome", "error", "received_at"}
	mock.ExpectQuery(`SELECT`).WithArgs(DefaultListLimit).WillReturnRows(sqlmock.NewRows(columns))
	mock.ExpectQuery(`SELECT`).WithArgs(MaxListLimit).WillReturnRows(sqlmock.NewRows(columns))

	records, err := repo.ListRecent(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.NotNil(t, records)

	_, err = repo.ListRecent(context.Background(), 10000)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListRecent_QueryError(t *testing.T) {
	db, mock, repo := setupMockJournal(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT`).WillReturnError(sql.ErrConnDone)

	_, err := repo.ListRecent(context.Background(), 5)
	assert.ErrorIs(t, err, sql.ErrConnDone)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	db, mock, repo := setupMockJournal(t)
	defer db.Close()

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS hospitalization_events`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNoopJournal(t *testing.T) {
	var j EventJournal = NoopJournal{}
	require.NoError(t, j.RecordEvent(context.Background(), models.AttentionEvent{}, models.OutcomePatched, nil))
	records, err := j.ListRecent(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, records)
}
