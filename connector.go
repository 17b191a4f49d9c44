package main

import (
	"context"
	"fmt"
	"strings"
)

// Connector is the capability set every backend implements. Implementations
// translate between their native schema/data and the canonical Table model.
type Connector interface {
	// Name returns a human-readable backend name ("PostgreSQL", "MongoDB", ...).
	Name() string

	// ListTableNames enumerates tables (collections for document stores).
	ListTableNames(ctx context.Context) ([]string, error)

	// DescribeTable introspects one table into a descriptor string.
	DescribeTable(ctx context.Context, name string) (string, error)

	// CreateTable creates the table on this backend.
	CreateTable(ctx context.Context, t *Table) error

	// RowCount returns the number of rows in the table.
	RowCount(ctx context.Context, t *Table) (int64, error)

	// FetchRows appends every row of the table to t.Rows.
	FetchRows(ctx context.Context, t *Table) error

	// FetchRowsPage appends up to limit rows starting at offset to t.Rows,
	// ordered by the primary key column or else the first column.
	FetchRowsPage(ctx context.Context, t *Table, offset, limit int64) error

	// InsertRow writes a single row.
	InsertRow(ctx context.Context, t *Table, row Row) error

	// InsertRows writes rows in bulk.
	InsertRows(ctx context.Context, t *Table, rows []Row) error

	// ListRelations returns the foreign-key relations this backend knows of.
	ListRelations(ctx context.Context) ([]Relation, error)

	// CreateRelation recreates a relation and reports how it was represented.
	CreateRelation(ctx context.Context, rel Relation) (RelationMode, error)

	// DropTable removes the table.
	DropTable(ctx context.Context, name string) error

	// Close releases connections held by the connector.
	Close() error
}

// readOnlyConnector is implemented by backends that can only be migration sources.
type readOnlyConnector interface {
	ReadOnly() bool
}

func isReadOnly(c Connector) bool {
	ro, ok := c.(readOnlyConnector)
	return ok && ro.ReadOnly()
}

// DBType discriminates connector implementations.
type DBType string

const (
	DBPostgres  DBType = "postgresql"
	DBMySQL     DBType = "mysql"
	DBSQLServer DBType = "sqlserver"
	DBOracle    DBType = "oracle"
	DBMongo     DBType = "mongodb"
	DBJSONAPI   DBType = "jsonapi"
	DBSQLite    DBType = "sqlite"
)

var dbTypeAliases = map[string]DBType{
	"postgresql": DBPostgres,
	"postgres":   DBPostgres,
	"pg":         DBPostgres,
	"mysql":      DBMySQL,
	"sqlserver":  DBSQLServer,
	"mssql":      DBSQLServer,
	"oracle":     DBOracle,
	"mongodb":    DBMongo,
	"mongo":      DBMongo,
	"jsonapi":    DBJSONAPI,
	"json":       DBJSONAPI,
	"sqlite":     DBSQLite,
}

// dbTypeByOrdinal follows the numeric enum older clients send.
var dbTypeByOrdinal = []DBType{DBPostgres, DBMySQL, DBSQLServer, DBOracle, DBMongo}

func parseDBType(s string) (DBType, error) {
	if t, ok := dbTypeAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return t, nil
	}
	return "", fmt.Errorf("%w: unknown database type %q", ErrUnsupportedBackend, s)
}

// checkBackend reports whether a connector exists for t without connecting.
func checkBackend(t DBType) error {
	switch t {
	case DBPostgres, DBMySQL, DBMongo, DBJSONAPI, DBSQLite:
		return nil
	case DBSQLServer, DBOracle:
		return fmt.Errorf("%w: %s is not implemented", ErrUnsupportedBackend, t)
	default:
		return fmt.Errorf("%w: unknown database type %q", ErrUnsupportedBackend, t)
	}
}

// ConnectorOptions carries service-level tuning into connectors.
type ConnectorOptions struct {
	MaxConns int
}

// newConnector returns a connected Connector for the given backend.
func newConnector(ctx context.Context, t DBType, conn string, opts ConnectorOptions) (Connector, error) {
	if err := checkBackend(t); err != nil {
		return nil, err
	}
	switch t {
	case DBPostgres:
		return newPostgresConnector(ctx, conn, opts)
	case DBMySQL:
		return newMySQLConnector(ctx, conn, opts)
	case DBSQLite:
		return newSQLiteConnector(ctx, conn)
	case DBMongo:
		return newMongoConnector(ctx, conn)
	case DBJSONAPI:
		return newJSONFeedConnector(conn, nil)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedBackend, t)
}

// describeColumns is shared by the SQL connectors: it wraps the columns of a
// table in a descriptor.
func describeColumns(name string, cols []Column) (string, error) {
	if len(cols) == 0 {
		return "", fmt.Errorf("describe %s: table not found or has no columns", name)
	}
	return encodeDescriptor(name, cols), nil
}

// chunkRows splits rows so that each chunk binds at most maxParams placeholders.
func chunkRows[T any](rows []T, cols, maxParams int) [][]T {
	if len(rows) == 0 {
		return nil
	}
	if cols <= 0 || maxParams <= 0 {
		return [][]T{rows}
	}
	per := maxParams / cols
	if per < 1 {
		per = 1
	}
	var chunks [][]T
	for len(rows) > per {
		chunks = append(chunks, rows[:per])
		rows = rows[per:]
	}
	if len(rows) > 0 {
		chunks = append(chunks, rows)
	}
	return chunks
}

// valueBinder converts a normalized, non-NULL cell value into a driver argument.
type valueBinder func(col Column, v string) (any, error)

// prepareRows normalizes rows for an insert and applies bind to every value.
// A value bind rejects becomes NULL, or rejects its row when the column is not
// nullable. Rejected rows are counted in the returned error.
func prepareRows(t *Table, rows []Row, bind valueBinder) ([][]any, *rowRejectError) {
	out := make([][]any, 0, len(rows))
	var rej *rowRejectError
	reject := func(err error) {
		if rej == nil {
			rej = &rowRejectError{Table: t.Name, First: err}
		}
		rej.Rejected++
	}

next:
	for _, r := range rows {
		vals, err := normalizeRow(t, r)
		if err != nil {
			reject(err)
			continue
		}
		if bind != nil {
			for i, v := range vals {
				s, ok := v.(string)
				if !ok {
					continue
				}
				a, err := bind(t.Columns[i], s)
				if err != nil {
					if !t.Columns[i].Nullable {
						reject(err)
						continue next
					}
					a = nil
				}
				vals[i] = a
			}
		}
		out = append(out, vals)
	}
	return out, rej
}
