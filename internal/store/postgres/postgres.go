package postgres

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"dukafiti/offline/internal/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

// procedures lists the callable functions with their argument order.
var procedures = map[string][]string{
	store.ProcRecordDebtPayment: {"user_id", "customer_id", "amount_cents", "method", "reference", "client_ref", "paid_at"},
}

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies the embedded schema.
func (s *Store) Migrate(ctx context.Context) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, s.db, fsys)
	if err != nil {
		return fmt.Errorf("goose provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("migrate remote schema: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) SelectAll(ctx context.Context, table store.Table, userID string) ([]store.Row, error) {
	return s.SelectWhere(ctx, table, userID, nil)
}

func (s *Store) SelectWhere(ctx context.Context, table store.Table, userID string, match store.Row) ([]store.Row, error) {
	if err := store.Validate(table, match); err != nil {
		return nil, err
	}
	if store.IsPublic(table) {
		return nil, fmt.Errorf("%w: %s is public", store.ErrInvalid, table)
	}

	args := []any{userID}
	where := []string{"user_id = $1"}
	for _, column := range sortedKeys(match) {
		args = append(args, match[column])
		if _, ok := match[column].(string); ok {
			where = append(where, fmt.Sprintf("lower(%s) = lower($%d)", ident(column), len(args)))
			continue
		}
		where = append(where, fmt.Sprintf("%s = $%d", ident(column), len(args)))
	}

	query := fmt.Sprintf(`SELECT * FROM %s WHERE %s%s`, ident(string(table)), strings.Join(where, " AND "), orderBy(table))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRows(rows)
}

func (s *Store) SelectPublic(ctx context.Context, table store.Table) ([]store.Row, error) {
	if err := store.Validate(table, nil); err != nil {
		return nil, err
	}
	if !store.IsPublic(table) {
		return nil, fmt.Errorf("%w: %s is user scoped", store.ErrInvalid, table)
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT * FROM %s ORDER BY name`, ident(string(table))))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRows(rows)
}

func (s *Store) Insert(ctx context.Context, table store.Table, userID string, row store.Row) (store.Row, error) {
	if err := store.Validate(table, row); err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: user id required", store.ErrInvalid)
	}

	values := row.Clone()
	values["user_id"] = userID
	if id, _ := values["id"].(string); id == "" {
		values["id"] = uuid.NewString()
	}

	columns := sortedKeys(values)
	quoted := make([]string, 0, len(columns))
	placeholders := make([]string, 0, len(columns))
	args := make([]any, 0, len(columns))
	for i, column := range columns {
		quoted = append(quoted, ident(column))
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+1))
		args = append(args, values[column])
	}

	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) RETURNING *`,
		ident(string(table)), strings.Join(quoted, ", "), strings.Join(placeholders, ", "))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()
	return singleRow(rows)
}

func (s *Store) Update(ctx context.Context, table store.Table, userID string, id string, changes store.Row) (store.Row, error) {
	if err := store.Validate(table, changes); err != nil {
		return nil, err
	}

	args := []any{id, userID}
	sets := make([]string, 0, len(changes))
	for _, column := range sortedKeys(changes) {
		if column == "id" || column == "user_id" {
			continue
		}
		args = append(args, changes[column])
		sets = append(sets, fmt.Sprintf("%s = $%d", ident(column), len(args)))
	}

	var query string
	if len(sets) == 0 {
		query = fmt.Sprintf(`SELECT * FROM %s WHERE id = $1 AND user_id = $2`, ident(string(table)))
	} else {
		query = fmt.Sprintf(`UPDATE %s SET %s WHERE id = $1 AND user_id = $2 RETURNING *`,
			ident(string(table)), strings.Join(sets, ", "))
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()
	return singleRow(rows)
}

func (s *Store) Delete(ctx context.Context, table store.Table, userID string, id string) error {
	if err := store.Validate(table, nil); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1 AND user_id = $2`, ident(string(table))), id, userID)
	if err != nil {
		return mapError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) Exists(ctx context.Context, table store.Table, userID string, id string) (bool, error) {
	if err := store.Validate(table, nil); err != nil {
		return false, err
	}
	var exists bool
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1 AND user_id = $2)`, ident(string(table))),
		id, userID,
	).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

// Call runs an allowlisted SQL function that returns jsonb.
func (s *Store) Call(ctx context.Context, procedure string, args store.Row) (store.Row, error) {
	order, ok := procedures[procedure]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrUnsupported, procedure)
	}
	placeholders := make([]string, 0, len(order))
	values := make([]any, 0, len(order))
	for i, name := range order {
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+1))
		values = append(values, args[name])
	}

	var raw string
	query := fmt.Sprintf(`SELECT %s(%s)::text`, ident(procedure), strings.Join(placeholders, ", "))
	if err := s.db.QueryRowContext(ctx, query, values...).Scan(&raw); err != nil {
		return nil, mapError(err)
	}
	var out store.Row
	decoder := json.NewDecoder(strings.NewReader(raw))
	decoder.UseNumber()
	if err := decoder.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode %s result: %w", procedure, err)
	}
	return out, nil
}

func scanRows(rows *sql.Rows) ([]store.Row, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	out := make([]store.Row, 0, 32)
	for rows.Next() {
		values := make([]any, len(columns))
		pointers := make([]any, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return nil, err
		}
		row := make(store.Row, len(columns))
		for i, column := range columns {
			if b, ok := values[i].([]byte); ok {
				row[column] = string(b)
				continue
			}
			row[column] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return out, nil
}

func singleRow(rows *sql.Rows) (store.Row, error) {
	out, err := scanRows(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, store.ErrNotFound
	}
	return out[0], nil
}

func mapError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%w: %s", store.ErrConflict, pgErr.ConstraintName)
		case "P0002":
			return fmt.Errorf("%w: %s", store.ErrNotFound, pgErr.Message)
		case "42883":
			return fmt.Errorf("%w: %s", store.ErrUnsupported, pgErr.Message)
		case "22P02", "23502", "23514":
			return fmt.Errorf("%w: %s", store.ErrInvalid, pgErr.Message)
		}
	}
	return err
}

func orderBy(table store.Table) string {
	columns, _ := store.Columns(table)
	for _, c := range columns {
		if c == "created_at" {
			return " ORDER BY created_at DESC"
		}
	}
	return ""
}

func ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func sortedKeys(row store.Row) []string {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
