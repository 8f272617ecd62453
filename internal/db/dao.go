package db

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/mehmetymw/fhirsink/internal/metrics"
)

const uniqueViolation = "23505"

type Field struct {
	Name  string
	Value any
}

// Row is an ordered set of column values. Order is kept so generated SQL is
// stable.
type Row []Field

func (r Row) Get(name string) (any, bool) {
	for _, f := range r {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

func (r Row) args() pgx.NamedArgs {
	args := make(pgx.NamedArgs, len(r))
	for _, f := range r {
		args[f.Name] = f.Value
	}
	return args
}

// IsNull reports whether v is nil or a nil pointer, slice or map.
func IsNull(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Slice, reflect.Map, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

// Dao builds and runs parameterized statements against one schema. Every
// statement commits on its own.
type Dao struct {
	exec   Executor
	schema string
	logger *zap.Logger
}

func NewDao(exec Executor, schema string, logger *zap.Logger) *Dao {
	return &Dao{exec: exec, schema: schema, logger: logger}
}

func (d *Dao) Schema() string { return d.schema }

// Delete removes rows of table matching predicate and returns how many went.
func (d *Dao) Delete(ctx context.Context, table, predicate string, args pgx.NamedArgs) (int64, error) {
	sql := fmt.Sprintf("DELETE FROM %s.%s WHERE %s", d.schema, table, predicate)
	return d.run(ctx, table, "delete", sql, args)
}

// Merge upserts row into table matching on keys. The update branch sets every
// non-key column in row, nulls included; the insert branch leaves null
// columns out so their defaults apply.
func (d *Dao) Merge(ctx context.Context, table string, keys []string, row Row) error {
	sql, err := buildMerge(d.schema, table, keys, row)
	if err != nil {
		return err
	}
	_, err = d.run(ctx, table, "merge", sql, row.args())
	return err
}

// Call invokes a procedure with named arguments.
func (d *Dao) Call(ctx context.Context, procedure string, row Row) error {
	_, err := d.run(ctx, procedure, "call", buildCall(procedure, row), row.args())
	return err
}

func (d *Dao) run(ctx context.Context, table, action, sql string, args pgx.NamedArgs) (int64, error) {
	var affected int64
	err := d.exec.Execute(ctx, func(ctx context.Context, s Session) error {
		tag, err := s.Exec(ctx, sql, args)
		if err != nil {
			return err
		}
		affected = tag.RowsAffected()
		return nil
	})
	if err != nil {
		if isUniqueViolation(err) {
			d.logger.Info("duplicate ignored",
				zap.String("table", table),
				zap.String("action", action),
				zap.Error(err))
			metrics.RecordDuplicate(table)
			return 0, nil
		}
		if !errors.Is(err, ErrAcquire) {
			d.logger.Error("Statement failed",
				zap.String("table", table),
				zap.String("action", action),
				zap.String("sql", sql),
				zap.Error(err))
		}
		return 0, fmt.Errorf("%s %s: %w", action, table, err)
	}

	metrics.RecordRows(table, action, affected)
	d.logger.Debug("Statement applied",
		zap.String("table", table),
		zap.String("action", action),
		zap.Int64("rows", affected))
	return affected, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func buildMerge(schema, table string, keys []string, row Row) (string, error) {
	if len(keys) == 0 {
		return "", fmt.Errorf("merge %s: no key columns", table)
	}
	isKey := make(map[string]bool, len(keys))
	on := make([]string, 0, len(keys))
	for _, k := range keys {
		v, ok := row.Get(k)
		if !ok || IsNull(v) {
			return "", fmt.Errorf("merge %s: key column %s has no value", table, k)
		}
		isKey[k] = true
		on = append(on, fmt.Sprintf("t.%s = @%s", k, k))
	}

	var set, cols, vals []string
	for _, f := range row {
		if !isKey[f.Name] {
			set = append(set, fmt.Sprintf("%s = @%s", f.Name, f.Name))
		}
		if !IsNull(f.Value) {
			cols = append(cols, f.Name)
			vals = append(vals, "@"+f.Name)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "MERGE INTO %s.%s AS t USING (SELECT 1) AS s ON (%s)", schema, table, strings.Join(on, " AND "))
	if len(set) > 0 {
		fmt.Fprintf(&b, " WHEN MATCHED THEN UPDATE SET %s", strings.Join(set, ", "))
	}
	fmt.Fprintf(&b, " WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s)", strings.Join(cols, ", "), strings.Join(vals, ", "))
	return b.String(), nil
}

func buildCall(procedure string, row Row) string {
	params := make([]string, len(row))
	for i, f := range row {
		params[i] = fmt.Sprintf("%s => @%s", f.Name, f.Name)
	}
	return fmt.Sprintf("CALL %s(%s)", procedure, strings.Join(params, ", "))
}
