package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilothouse-ai/pilothouse/pkg/errors"
	"github.com/pilothouse-ai/pilothouse/pkg/models"
	"github.com/pilothouse-ai/pilothouse/pkg/observability"
)

func newMockPostgres(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresFromDB(sqlx.NewDb(db, "postgres"), observability.NewNoopLogger()), mock
}

func TestPostgresPut(t *testing.T) {
	p, mock := newMockPostgres(t)
	task := newTask(uuid.New(), models.AgentSales, time.Now().UTC(), 5)

	mock.ExpectExec(`INSERT INTO tasks (id, doc, version) VALUES ($1, $2, 1)`).
		WithArgs(task.ID.String(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, p.Put(context.Background(), ColTasks, task.ID.String(), task))
	assert.Equal(t, int64(1), task.Version)
	require.NoError(t, mock.ExpectationsWereMet())

	t.Run("duplicate key maps to conflict", func(t *testing.T) {
		mock.ExpectExec(`INSERT INTO tasks (id, doc, version) VALUES ($1, $2, 1)`).
			WithArgs(task.ID.String(), sqlmock.AnyArg()).
			WillReturnError(&pq.Error{Code: "23505"})

		err := p.Put(context.Background(), ColTasks, task.ID.String(), task)
		assert.Equal(t, errors.KindConflict, errors.KindOf(err))
	})

	t.Run("unknown collection is rejected", func(t *testing.T) {
		err := p.Put(context.Background(), "no_such_table", "x", task)
		assert.Equal(t, errors.KindInternal, errors.KindOf(err))
	})
}

func TestPostgresGet(t *testing.T) {
	p, mock := newMockPostgres(t)
	task := newTask(uuid.New(), models.AgentContent, time.Now().UTC(), 1)
	raw, err := json.Marshal(task)
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT doc FROM tasks WHERE id = $1`).
		WithArgs(task.ID.String()).
		WillReturnRows(sqlmock.NewRows([]string{"doc"}).AddRow(raw))

	var got models.Task
	require.NoError(t, p.Get(context.Background(), ColTasks, task.ID.String(), &got))
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, task.Kind, got.Kind)

	t.Run("missing row maps to not found", func(t *testing.T) {
		mock.ExpectQuery(`SELECT doc FROM tasks WHERE id = $1`).
			WithArgs("absent").
			WillReturnRows(sqlmock.NewRows([]string{"doc"}))

		err := p.Get(context.Background(), ColTasks, "absent", &models.Task{})
		assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
	})
}

func TestPostgresUpdate(t *testing.T) {
	p, mock := newMockPostgres(t)
	task := newTask(uuid.New(), models.AgentSales, time.Now().UTC(), 1)
	task.Version = 3

	const updateSQL = `UPDATE tasks SET doc = $2, version = $3, updated_at = now() WHERE id = $1 AND version = $4`

	mock.ExpectExec(updateSQL).
		WithArgs(task.ID.String(), sqlmock.AnyArg(), int64(4), int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, p.Update(context.Background(), ColTasks, task.ID.String(), 3, task))
	assert.Equal(t, int64(4), task.Version)

	t.Run("stale version maps to conflict", func(t *testing.T) {
		mock.ExpectExec(updateSQL).
			WithArgs(task.ID.String(), sqlmock.AnyArg(), int64(5), int64(4)).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`SELECT EXISTS (SELECT 1 FROM tasks WHERE id = $1)`).
			WithArgs(task.ID.String()).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		err := p.Update(context.Background(), ColTasks, task.ID.String(), 4, task)
		assert.Equal(t, errors.KindConflict, errors.KindOf(err))
	})

	t.Run("missing row maps to not found", func(t *testing.T) {
		mock.ExpectExec(updateSQL).
			WithArgs(task.ID.String(), sqlmock.AnyArg(), int64(5), int64(4)).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`SELECT EXISTS (SELECT 1 FROM tasks WHERE id = $1)`).
			WithArgs(task.ID.String()).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

		err := p.Update(context.Background(), ColTasks, task.ID.String(), 4, task)
		assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
	})
}

func TestPostgresDelete(t *testing.T) {
	p, mock := newMockPostgres(t)

	mock.ExpectExec(`DELETE FROM sessions WHERE id = $1`).
		WithArgs("s1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, p.Delete(context.Background(), ColSessions, "s1"))

	mock.ExpectExec(`DELETE FROM sessions WHERE id = $1`).
		WithArgs("s2").
		WillReturnResult(sqlmock.NewResult(0, 0))
	err := p.Delete(context.Background(), ColSessions, "s2")
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
}

func TestPostgresQueryCompilation(t *testing.T) {
	p, mock := newMockPostgres(t)
	tenantID := uuid.New()
	since := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	task := newTask(tenantID, models.AgentSales, since.Add(time.Hour), 5)
	raw, err := json.Marshal(task)
	require.NoError(t, err)

	// Declared time fields are cast so ordering is semantic.
	mock.ExpectQuery(`SELECT doc FROM tasks WHERE doc->>'tenant_id' = $1 AND (doc->>'created_at')::timestamptz >= $2 ORDER BY (doc->>'created_at')::timestamptz DESC, seq ASC LIMIT 10`).
		WithArgs(tenantID.String(), since.Format(time.RFC3339Nano)).
		WillReturnRows(sqlmock.NewRows([]string{"doc"}).AddRow(raw))

	var got []models.Task
	require.NoError(t, p.Query(context.Background(), ColTasks, Query{
		Filters: []Filter{
			{Field: "tenant_id", Op: OpEq, Value: tenantID},
			{Field: "created_at", Op: OpGte, Value: since},
		},
		OrderBy: "created_at",
		Desc:    true,
		Limit:   10,
	}, &got))
	require.Len(t, got, 1)
	assert.Equal(t, task.ID, got[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())

	t.Run("invalid field name is rejected", func(t *testing.T) {
		err := p.Query(context.Background(), ColTasks, Query{
			Filters: []Filter{{Field: "doc'; DROP TABLE tasks; --", Op: OpEq, Value: "x"}},
		}, &got)
		assert.Equal(t, errors.KindValidation, errors.KindOf(err))
	})
}

func TestPostgresCount(t *testing.T) {
	p, mock := newMockPostgres(t)
	tenantID := uuid.New()

	mock.ExpectQuery(`SELECT COUNT(*) FROM audit_events WHERE doc->>'tenant_id' = $1`).
		WithArgs(tenantID.String()).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	n, err := p.Count(context.Background(), ColAuditEvents, Query{
		Filters: []Filter{{Field: "tenant_id", Op: OpEq, Value: tenantID}},
	})
	require.NoError(t, err)
	assert.Equal(t, 7, n)
}

func TestPostgresStream(t *testing.T) {
	p, mock := newMockPostgres(t)
	tenantID := uuid.New()

	rows := sqlmock.NewRows([]string{"doc"})
	for i := 0; i < 3; i++ {
		task := newTask(tenantID, models.AgentOperations, time.Now().UTC(), i)
		raw, err := json.Marshal(task)
		require.NoError(t, err)
		rows.AddRow(raw)
	}
	mock.ExpectQuery(`SELECT doc FROM tasks WHERE doc->>'tenant_id' = $1`).
		WithArgs(tenantID.String()).
		WillReturnRows(rows)

	it, err := p.Stream(context.Background(), ColTasks, Query{
		Filters: []Filter{{Field: "tenant_id", Op: OpEq, Value: tenantID}},
	})
	require.NoError(t, err)
	defer func() { _ = it.Close() }()

	count := 0
	for it.Next(context.Background()) {
		var task models.Task
		require.NoError(t, it.Scan(&task))
		assert.Equal(t, tenantID, task.TenantID)
		count++
	}
	require.NoError(t, it.Err())
	assert.Equal(t, 3, count)

	t.Run("cancelled context stops iteration", func(t *testing.T) {
		mock.ExpectQuery(`SELECT doc FROM tasks WHERE doc->>'tenant_id' = $1`).
			WithArgs(tenantID.String()).
			WillReturnRows(sqlmock.NewRows([]string{"doc"}))

		it, err := p.Stream(context.Background(), ColTasks, Query{
			Filters: []Filter{{Field: "tenant_id", Op: OpEq, Value: tenantID}},
		})
		require.NoError(t, err)
		defer func() { _ = it.Close() }()

		cancelled, cancel := context.WithCancel(context.Background())
		cancel()
		assert.False(t, it.Next(cancelled))
		assert.Error(t, it.Err())
	})
}

func TestPostgresConnectionErrors(t *testing.T) {
	p, mock := newMockPostgres(t)

	mock.ExpectExec(`DELETE FROM sessions WHERE id = $1`).
		WithArgs("s1").
		WillReturnError(&pq.Error{Code: "08006"})

	err := p.Delete(context.Background(), ColSessions, "s1")
	assert.Equal(t, errors.KindUnavailable, errors.KindOf(err))
}
