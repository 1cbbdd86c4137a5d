// Package dbctx implements the narrow CRUD surface exposed to handler
// code (spec §4.H): insert/update/delete/find/get against the
// configured application schema, with snake_case columns on disk mapped
// to camelCase in handler-facing rows. No handler-provided identifier
// ever flows into SQL without being checked against the schema's known
// table set first.
package dbctx

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kyomei-indexer/kyomei/internal/errkind"
)

// Row is a handler-facing record: camelCase keys, Go-native values
// (*big.Int for wide numerics, as produced by abidecoder).
type Row map[string]any

// Conds is an equality-only WHERE clause; every key must name a column
// that exists on the target table.
type Conds map[string]any

// Context is the per-transaction handle handed to handler code. It is
// valid only for the lifetime of the block (or cron-fire) transaction
// that created it.
type Context struct {
	tx     pgx.Tx
	schema string
	tables map[string]struct{}
}

// New builds a Context bound to tx, restricted to the table names the
// caller passes in (the Processor and Cron scheduler read them with
// Tables before building a Context).
func New(tx pgx.Tx, schema string, tables map[string]struct{}) *Context {
	return &Context{tx: tx, schema: schema, tables: tables}
}

func (c *Context) checkTable(table string) error {
	if _, ok := c.tables[table]; !ok {
		return fmt.Errorf("table %q is not defined in schema %q", table, c.schema)
	}
	return nil
}

func (c *Context) qualify(table string) string {
	return fmt.Sprintf("%s.%s", c.schema, table)
}

// Insert appends one or more rows to table.
func (c *Context) Insert(ctx context.Context, table string, rows ...Row) error {
	if err := c.checkTable(table); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	cols := sortedKeys(rows[0])
	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	stmt := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`,
		c.qualify(table), strings.Join(snakeAll(cols), ", "), strings.Join(placeholders, ", "))

	for _, r := range rows {
		args := make([]any, len(cols))
		for i, col := range cols {
			args[i] = r[col]
		}
		if _, err := c.tx.Exec(ctx, stmt, args...); err != nil {
			return errkind.Wrap(errkind.HandlerError, fmt.Errorf("insert into %q: %w", table, err))
		}
	}
	return nil
}

// Update applies patch to every row in table matching where.
func (c *Context) Update(ctx context.Context, table string, patch Row, where Conds) error {
	if err := c.checkTable(table); err != nil {
		return err
	}

	setCols := sortedKeys(patch)
	setClauses := make([]string, len(setCols))
	args := make([]any, 0, len(setCols)+len(where))
	for i, col := range setCols {
		args = append(args, patch[col])
		setClauses[i] = fmt.Sprintf("%s = $%d", snake(col), len(args))
	}

	whereClause, whereArgs := buildWhere(where, len(args))
	args = append(args, whereArgs...)

	stmt := fmt.Sprintf(`UPDATE %s SET %s%s`, c.qualify(table), strings.Join(setClauses, ", "), whereClause)
	if _, err := c.tx.Exec(ctx, stmt, args...); err != nil {
		return errkind.Wrap(errkind.HandlerError, fmt.Errorf("update %q: %w", table, err))
	}
	return nil
}

// Delete removes every row in table matching where.
func (c *Context) Delete(ctx context.Context, table string, where Conds) error {
	if err := c.checkTable(table); err != nil {
		return err
	}

	whereClause, args := buildWhere(where, 0)
	stmt := fmt.Sprintf(`DELETE FROM %s%s`, c.qualify(table), whereClause)
	if _, err := c.tx.Exec(ctx, stmt, args...); err != nil {
		return errkind.Wrap(errkind.HandlerError, fmt.Errorf("delete from %q: %w", table, err))
	}
	return nil
}

// Find returns every row in table matching where (all rows if where is
// empty/nil).
func (c *Context) Find(ctx context.Context, table string, where Conds) ([]Row, error) {
	if err := c.checkTable(table); err != nil {
		return nil, err
	}

	whereClause, args := buildWhere(where, 0)
	stmt := fmt.Sprintf(`SELECT * FROM %s%s`, c.qualify(table), whereClause)
	rows, err := c.tx.Query(ctx, stmt, args...)
	if err != nil {
		return nil, errkind.Wrap(errkind.HandlerError, fmt.Errorf("find in %q: %w", table, err))
	}
	defer rows.Close()

	return scanRows(rows)
}

// FindOne returns the first row in table matching where, or nil.
func (c *Context) FindOne(ctx context.Context, table string, where Conds) (Row, error) {
	rows, err := c.Find(ctx, table, where)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// Get fetches table's row by its "id" column.
func (c *Context) Get(ctx context.Context, table string, id any) (Row, error) {
	return c.FindOne(ctx, table, Conds{"id": id})
}

func buildWhere(where Conds, argOffset int) (string, []any) {
	if len(where) == 0 {
		return "", nil
	}
	cols := sortedKeys(where)
	clauses := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, col := range cols {
		args[i] = where[col]
		clauses[i] = fmt.Sprintf("%s = $%d", snake(col), argOffset+i+1)
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func scanRows(rows pgx.Rows) ([]Row, error) {
	fields := rows.FieldDescriptions()
	camelNames := make([]string, len(fields))
	for i, f := range fields {
		camelNames[i] = camel(string(f.Name))
	}

	var out []Row
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("scan row values: %w", err)
		}
		row := make(Row, len(values))
		for i, v := range values {
			row[camelNames[i]] = v
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Deterministic column order keeps generated SQL stable across runs,
	// which matters for any query-log-based debugging.
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}

func snakeAll(cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = snake(c)
	}
	return out
}

// snake converts camelCase to snake_case for the on-disk column name.
func snake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r - 'A' + 'a')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// camel converts a disk snake_case column name to the camelCase key
// handlers see.
func camel(s string) string {
	parts := strings.Split(s, "_")
	for i := 1; i < len(parts); i++ {
		if parts[i] == "" {
			continue
		}
		parts[i] = strings.ToUpper(parts[i][:1]) + parts[i][1:]
	}
	return strings.Join(parts, "")
}

// Registry tracks which table names exist in the application schema, so
// Context.checkTable can reject unknown handler-supplied names before
// they reach SQL.
type Registry struct {
	pool   *pgxpool.Pool
	schema string
}

func NewRegistry(pool *pgxpool.Pool, schema string) *Registry {
	return &Registry{pool: pool, schema: schema}
}

// Tables queries information_schema for the current table set.
func (r *Registry) Tables(ctx context.Context) (map[string]struct{}, error) {
	rows, err := r.pool.Query(ctx, `SELECT table_name FROM information_schema.tables WHERE table_schema = $1`, r.schema)
	if err != nil {
		return nil, fmt.Errorf("list tables in schema %q: %w", r.schema, err)
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out[name] = struct{}{}
	}
	return out, rows.Err()
}
