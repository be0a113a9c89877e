package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/pilothouse-ai/pilothouse/pkg/errors"
	"github.com/pilothouse-ai/pilothouse/pkg/observability"
)

// PostgresConfig carries the connection settings for the postgres store
type PostgresConfig struct {
	DSN             string
	Migrate         bool
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Postgres is the durable Store. Each collection maps to a table of
// JSONB documents with a version column for optimistic concurrency and
// a sequence column so equal sort keys stay in insertion order.
type Postgres struct {
	db     *sqlx.DB
	logger observability.Logger
}

// NewPostgres opens the database, optionally applies migrations, and
// verifies connectivity.
func NewPostgres(ctx context.Context, cfg PostgresConfig, logger observability.Logger) (*Postgres, error) {
	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "open postgres")
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, errors.KindUnavailable, "ping postgres")
	}

	if cfg.Migrate {
		if err := MigrateUp(db.DB); err != nil {
			_ = db.Close()
			return nil, errors.Wrap(err, errors.KindInternal, "apply migrations")
		}
		logger.Info("store migrations applied", nil)
	}

	return &Postgres{db: db, logger: logger}, nil
}

// NewPostgresFromDB wraps an existing connection, used by tests
func NewPostgresFromDB(db *sqlx.DB, logger observability.Logger) *Postgres {
	return &Postgres{db: db, logger: logger}
}

// Put implements Store.Put
func (p *Postgres) Put(ctx context.Context, collection, id string, value interface{}) error {
	table, err := tableName(collection)
	if err != nil {
		return err
	}
	if v, ok := value.(Versioned); ok {
		v.SetVersion(1)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "encode record")
	}

	query := fmt.Sprintf(`INSERT INTO %s (id, doc, version) VALUES ($1, $2, 1)`, table)
	if _, err := p.db.ExecContext(ctx, query, id, raw); err != nil {
		return p.mapError(err, collection, id)
	}
	return nil
}

// Get implements Store.Get
func (p *Postgres) Get(ctx context.Context, collection, id string, out interface{}) error {
	table, err := tableName(collection)
	if err != nil {
		return err
	}

	var raw []byte
	query := fmt.Sprintf(`SELECT doc FROM %s WHERE id = $1`, table)
	if err := p.db.QueryRowxContext(ctx, query, id).Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound(collection, id)
		}
		return p.mapError(err, collection, id)
	}
	return json.Unmarshal(raw, out)
}

// Update implements Store.Update
func (p *Postgres) Update(ctx context.Context, collection, id string, expectedVersion int64, value interface{}) error {
	table, err := tableName(collection)
	if err != nil {
		return err
	}
	if v, ok := value.(Versioned); ok {
		v.SetVersion(expectedVersion + 1)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "encode record")
	}

	query := fmt.Sprintf(
		`UPDATE %s SET doc = $2, version = $3, updated_at = now() WHERE id = $1 AND version = $4`, table)
	res, err := p.db.ExecContext(ctx, query, id, raw, expectedVersion+1, expectedVersion)
	if err != nil {
		return p.mapError(err, collection, id)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "rows affected")
	}
	if affected == 0 {
		// Distinguish a missing record from a stale version
		var exists bool
		check := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, table)
		if err := p.db.QueryRowxContext(ctx, check, id).Scan(&exists); err != nil {
			return p.mapError(err, collection, id)
		}
		if !exists {
			return ErrNotFound(collection, id)
		}
		return ErrConflict(collection, id)
	}
	return nil
}

// Delete implements Store.Delete
func (p *Postgres) Delete(ctx context.Context, collection, id string) error {
	table, err := tableName(collection)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, table)
	res, err := p.db.ExecContext(ctx, query, id)
	if err != nil {
		return p.mapError(err, collection, id)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "rows affected")
	}
	if affected == 0 {
		return ErrNotFound(collection, id)
	}
	return nil
}

// Query implements Store.Query
func (p *Postgres) Query(ctx context.Context, collection string, q Query, out interface{}) error {
	query, args, err := p.compileSelect(collection, q, "doc")
	if err != nil {
		return err
	}

	rows, err := p.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return p.mapError(err, collection, "")
	}
	defer func() { _ = rows.Close() }()

	var buf strings.Builder
	buf.WriteByte('[')
	first := true
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return p.mapError(err, collection, "")
		}
		if !first {
			buf.WriteByte(',')
		}
		buf.Write(raw)
		first = false
	}
	if err := rows.Err(); err != nil {
		return p.mapError(err, collection, "")
	}
	buf.WriteByte(']')
	return json.Unmarshal([]byte(buf.String()), out)
}

// Count implements Store.Count
func (p *Postgres) Count(ctx context.Context, collection string, q Query) (int, error) {
	q.OrderBy = ""
	q.Limit = 0
	query, args, err := p.compileSelect(collection, q, "COUNT(*)")
	if err != nil {
		return 0, err
	}
	var n int
	if err := p.db.QueryRowxContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, p.mapError(err, collection, "")
	}
	return n, nil
}

// Stream implements Store.Stream
func (p *Postgres) Stream(ctx context.Context, collection string, q Query) (Iterator, error) {
	query, args, err := p.compileSelect(collection, q, "doc")
	if err != nil {
		return nil, err
	}
	rows, err := p.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, p.mapError(err, collection, "")
	}
	return &rowsIterator{rows: rows}, nil
}

// Ping implements Store.Ping
func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "ping postgres")
	}
	return nil
}

// Close implements Store.Close
func (p *Postgres) Close() error { return p.db.Close() }

// compileSelect renders a Query into SQL over JSONB documents. Declared
// time and number fields are cast so ordering is semantic, not textual.
func (p *Postgres) compileSelect(collection string, q Query, projection string) (string, []interface{}, error) {
	table, err := tableName(collection)
	if err != nil {
		return "", nil, err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, `SELECT %s FROM %s`, projection, table)

	args := make([]interface{}, 0, len(q.Filters))
	for i, f := range q.Filters {
		expr, err := fieldExpr(collection, f.Field)
		if err != nil {
			return "", nil, err
		}
		if i == 0 {
			sb.WriteString(" WHERE ")
		} else {
			sb.WriteString(" AND ")
		}
		op, err := sqlOp(f.Op)
		if err != nil {
			return "", nil, err
		}
		args = append(args, bindValue(collection, f.Field, f.Value))
		fmt.Fprintf(&sb, "%s %s $%d", expr, op, len(args))
	}

	if q.OrderBy != "" {
		expr, err := fieldExpr(collection, q.OrderBy)
		if err != nil {
			return "", nil, err
		}
		dir := "ASC"
		if q.Desc {
			dir = "DESC"
		}
		fmt.Fprintf(&sb, " ORDER BY %s %s, seq ASC", expr, dir)
	}
	if q.Limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %d", q.Limit)
	}
	return sb.String(), args, nil
}

var fieldNameRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

func fieldExpr(collection, field string) (string, error) {
	if !fieldNameRe.MatchString(field) {
		return "", errors.Newf(errors.KindValidation, "invalid field name %q", field)
	}
	switch fieldType(collection, field) {
	case FieldTime:
		return fmt.Sprintf("(doc->>'%s')::timestamptz", field), nil
	case FieldNumber:
		return fmt.Sprintf("(doc->>'%s')::numeric", field), nil
	default:
		return fmt.Sprintf("doc->>'%s'", field), nil
	}
}

func sqlOp(op Op) (string, error) {
	switch op {
	case OpEq:
		return "=", nil
	case OpGte:
		return ">=", nil
	case OpLte:
		return "<=", nil
	default:
		return "", errors.Newf(errors.KindValidation, "unknown filter op %q", op)
	}
}

// bindValue converts a filter value into its SQL binding form
func bindValue(collection, field string, v interface{}) interface{} {
	switch tv := v.(type) {
	case time.Time:
		return tv.Format(time.RFC3339Nano)
	case fmt.Stringer:
		return tv.String()
	case string, float64, int, int64, bool:
		return tv
	default:
		switch fieldType(collection, field) {
		case FieldNumber:
			return v
		default:
			raw, err := json.Marshal(v)
			if err != nil {
				return v
			}
			return strings.Trim(string(raw), `"`)
		}
	}
}

func tableName(collection string) (string, error) {
	if _, ok := Collections[collection]; !ok {
		return "", errors.Newf(errors.KindInternal, "unknown collection %q", collection)
	}
	return collection, nil
}

// mapError translates driver errors into the platform taxonomy
func (p *Postgres) mapError(err error, collection, id string) error {
	var pqErr *pq.Error
	if ok := asPQError(err, &pqErr); ok {
		switch {
		case pqErr.Code == "23505":
			return ErrConflict(collection, id)
		case pqErr.Code.Class() == "08":
			return errors.Wrap(err, errors.KindUnavailable, "postgres connection")
		}
	}
	if err == sql.ErrConnDone || err == sql.ErrTxDone {
		return errors.Wrap(err, errors.KindUnavailable, "postgres connection")
	}
	return errors.Wrap(err, errors.KindInternal, "postgres operation")
}

func asPQError(err error, target **pq.Error) bool {
	for err != nil {
		if pe, ok := err.(*pq.Error); ok {
			*target = pe
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

type rowsIterator struct {
	rows *sqlx.Rows
	err  error
}

func (it *rowsIterator) Next(ctx context.Context) bool {
	if ctx.Err() != nil {
		it.err = ctx.Err()
		return false
	}
	return it.rows.Next()
}

func (it *rowsIterator) Scan(out interface{}) error {
	var raw []byte
	if err := it.rows.Scan(&raw); err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (it *rowsIterator) Err() error {
	if it.err != nil {
		return it.err
	}
	return it.rows.Err()
}

func (it *rowsIterator) Close() error { return it.rows.Close() }
