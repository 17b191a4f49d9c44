package main

import (
	"context"
	"database/sql"
	"fmt"
)

// sqlConnector implements the table and row operations shared by connectors
// built on database/sql. Engine specific introspection lives in the types that
// embed it.
type sqlConnector struct {
	db      *sql.DB
	dialect sqlDialect
	// readCell, when set, rewrites fetched cells after formatCellValue.
	readCell func(col Column, c Cell) Cell
}

func (s *sqlConnector) ref(table string) string {
	return s.dialect.quote(table)
}

func (s *sqlConnector) CreateTable(ctx context.Context, t *Table) error {
	ddl := generateCreateTable(t, s.ref(t.Name), s.dialect)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("%w: %s: %v\nDDL: %s", ErrTableCreation, t.Name, err, ddl)
	}
	return nil
}

func (s *sqlConnector) RowCount(ctx context.Context, t *Table) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+s.ref(t.Name)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", t.Name, err)
	}
	return n, nil
}

func (s *sqlConnector) FetchRows(ctx context.Context, t *Table) error {
	return s.fetch(ctx, t, generateSelect(t, s.ref(t.Name), s.dialect, false))
}

func (s *sqlConnector) FetchRowsPage(ctx context.Context, t *Table, offset, limit int64) error {
	return s.fetch(ctx, t, generateSelect(t, s.ref(t.Name), s.dialect, true), limit, offset)
}

func (s *sqlConnector) fetch(ctx context.Context, t *Table, query string, args ...any) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", t.Name, err)
	}
	defer rows.Close()

	vals := make([]any, len(t.Columns))
	dest := make([]any, len(t.Columns))
	for i := range vals {
		dest[i] = &vals[i]
	}
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return fmt.Errorf("fetch %s: %w", t.Name, err)
		}
		row := Row{Cells: make([]Cell, len(t.Columns))}
		for i, col := range t.Columns {
			c := formatCellValue(vals[i], col)
			if s.readCell != nil && !c.Null {
				c = s.readCell(col, c)
			}
			row.Cells[i] = c
		}
		t.Rows = append(t.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("fetch %s: %w", t.Name, err)
	}
	return nil
}

func (s *sqlConnector) InsertRow(ctx context.Context, t *Table, row Row) error {
	return s.InsertRows(ctx, t, []Row{row})
}

// InsertRows writes rows in one transaction, split into statements that stay
// under the dialect's bind parameter limit.
func (s *sqlConnector) InsertRows(ctx context.Context, t *Table, rows []Row) error {
	prepared, rej := prepareRows(t, rows, s.dialect.bind)
	if len(prepared) > 0 {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("insert %s: begin: %w", t.Name, err)
		}
		for _, chunk := range chunkRows(prepared, len(t.Columns), s.dialect.maxParams) {
			q := generateInsert(t, s.ref(t.Name), s.dialect, len(chunk))
			if _, err := tx.ExecContext(ctx, q, insertArgs(chunk)...); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("insert %s: %w", t.Name, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("insert %s: commit: %w", t.Name, err)
		}
	}
	if rej != nil {
		return rej
	}
	return nil
}

func (s *sqlConnector) DropTable(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+s.ref(name)); err != nil {
		return fmt.Errorf("drop %s: %w", name, err)
	}
	return nil
}

func (s *sqlConnector) Close() error {
	return s.db.Close()
}
